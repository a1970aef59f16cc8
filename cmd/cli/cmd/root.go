package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/accelbench/kvbench/cmd/cli/client"
	"github.com/accelbench/kvbench/cmd/cli/format"
	"github.com/accelbench/kvbench/internal/config"
	"github.com/accelbench/kvbench/internal/logging"
)

var (
	cfgFile      string
	apiURL       string
	outputFormat string

	// Set by PersistentPreRunE for every command.
	cfg    *config.Config
	logger *slog.Logger
)

// RootCmd is the top-level CLI command.
var RootCmd = &cobra.Command{
	Use:   "kvbench",
	Short: "kvbench measures TTFT, ITL and end-to-end latency of KV-cache offloading tiers",
	Long: `kvbench drives a streaming OpenAI-compatible endpoint with a controlled
workload and records per-request latency, so runs of the same workload
against different KV-cache tiers (GPU-only, CPU, disk) can be compared.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	d := config.Default()
	pf := RootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (yaml, json or toml)")
	pf.String("log-level", d.Logging.Level, "Log level: debug, info, warn, error")
	pf.String("log-format", d.Logging.Format, "Log format: text or json")
	pf.StringVar(&apiURL, "api-url", envOrDefault("KVBENCH_API_URL", "http://localhost:8080"), "Results API base URL")
	pf.StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, csv, markdown")
}

func setup(cmd *cobra.Command, _ []string) error {
	if _, err := format.Parse(outputFormat); err != nil {
		return err
	}
	c, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}
	cfg = c
	logger = logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
	return nil
}

func newClient() *client.Client {
	return client.New(apiURL)
}

// getFormat returns the format selected with -o. setup has already
// rejected unknown names.
func getFormat() format.OutputFormat {
	f, err := format.Parse(outputFormat)
	if err != nil {
		return format.FormatTable
	}
	return f
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
