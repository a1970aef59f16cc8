// Package config loads kvbench settings from defaults, an optional config
// file, KVBENCH_* environment variables and command-line flags.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/accelbench/kvbench/internal/workload"
)

// EnvPrefix prefixes environment variables, e.g. KVBENCH_API_BASE.
const EnvPrefix = "KVBENCH"

// Config holds all configuration.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Workload  WorkloadConfig  `mapstructure:"workload"`
	Run       RunConfig       `mapstructure:"run"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Database  DatabaseConfig  `mapstructure:"database"`
	S3        S3Config        `mapstructure:"s3"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// APIConfig describes the inference endpoint under test.
type APIConfig struct {
	Base     string `mapstructure:"base" validate:"required,url"`
	Key      string `mapstructure:"key"`
	Model    string `mapstructure:"model"`
	Endpoint string `mapstructure:"endpoint" validate:"oneof=chat completions"`
	// RequestTimeout of zero derives the timeout from the generation length.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gte=0"`
	StartupGrace   time.Duration `mapstructure:"startup_grace" validate:"gte=0"`
	IgnoreEOS      bool          `mapstructure:"ignore_eos"`
}

// WorkloadConfig is the flat form of workload.Spec.
type WorkloadConfig struct {
	PromptLen   int     `mapstructure:"prompt_len" validate:"gte=1"`
	GenLen      int     `mapstructure:"gen_len" validate:"gte=1"`
	NumRequests int     `mapstructure:"num_requests" validate:"gte=1"`
	PromptMode  string  `mapstructure:"prompt_mode" validate:"oneof=repeat random"`
	Arrival     string  `mapstructure:"arrival" validate:"oneof=fixed poisson"`
	Concurrency int     `mapstructure:"concurrency" validate:"gte=0"`
	Rate        float64 `mapstructure:"rate" validate:"gte=0"`
	MaxRate     float64 `mapstructure:"max_rate" validate:"gte=0"`
	Seed        uint64  `mapstructure:"seed"`
}

// RunConfig labels a run and controls its lifecycle.
type RunConfig struct {
	Label        string        `mapstructure:"label"`
	DeviceName   string        `mapstructure:"device_name"`
	CacheDtype   string        `mapstructure:"cache_dtype"`
	OutputDir    string        `mapstructure:"output_dir" validate:"required"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout" validate:"gte=0"`
	Retries      int           `mapstructure:"retries" validate:"gte=0"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" validate:"gte=0"`
	Warmup       bool          `mapstructure:"warmup"`
}

// MonitorConfig enables the cache monitor when MetricsURL is set.
type MonitorConfig struct {
	MetricsURL string        `mapstructure:"metrics_url" validate:"omitempty,url"`
	Interval   time.Duration `mapstructure:"interval" validate:"gte=0"`
}

// DatabaseConfig selects the results catalog. An empty URL disables it.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// S3Config enables artifact upload when Bucket is set.
type S3Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	Region string `mapstructure:"region"`
}

// TelemetryConfig exposes harness metrics during a run when Addr is set.
type TelemetryConfig struct {
	Addr string `mapstructure:"addr"`
}

// ServerConfig holds results API server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Default returns the built-in defaults. Flag defaults are taken from here
// so flags and config agree.
func Default() Config {
	return Config{
		API: APIConfig{
			Base:         "http://localhost:8000/v1",
			Endpoint:     "chat",
			StartupGrace: 30 * time.Second,
			IgnoreEOS:    true,
		},
		Workload: WorkloadConfig{
			PromptLen:   1000,
			GenLen:      100,
			NumRequests: 10,
			PromptMode:  "repeat",
			Arrival:     "fixed",
			Concurrency: 1,
		},
		Run: RunConfig{
			Label:        "default",
			OutputDir:    "results",
			RetryBackoff: 500 * time.Millisecond,
			Warmup:       true,
		},
		Monitor: MonitorConfig{Interval: 5 * time.Second},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"api-base":         "api.base",
	"api-key":          "api.key",
	"model":            "api.model",
	"endpoint":         "api.endpoint",
	"request-timeout":  "api.request_timeout",
	"startup-grace":    "api.startup_grace",
	"ignore-eos":       "api.ignore_eos",
	"prompt-len":       "workload.prompt_len",
	"gen-len":          "workload.gen_len",
	"num-requests":     "workload.num_requests",
	"prompt-mode":      "workload.prompt_mode",
	"arrival":          "workload.arrival",
	"concurrency":      "workload.concurrency",
	"rate":             "workload.rate",
	"max-rate":         "workload.max_rate",
	"seed":             "workload.seed",
	"label":            "run.label",
	"device-name":      "run.device_name",
	"cache-dtype":      "run.cache_dtype",
	"output-dir":       "run.output_dir",
	"drain-timeout":    "run.drain_timeout",
	"retries":          "run.retries",
	"retry-backoff":    "run.retry_backoff",
	"warmup":           "run.warmup",
	"metrics-url":      "monitor.metrics_url",
	"monitor-interval": "monitor.interval",
	"database-url":     "database.url",
	"s3-bucket":        "s3.bucket",
	"s3-prefix":        "s3.prefix",
	"s3-region":        "s3.region",
	"telemetry-addr":   "telemetry.addr",
	"host":             "server.host",
	"port":             "server.port",
	"log-level":        "logging.level",
	"log-format":       "logging.format",
}

// Load reads configuration. configPath may be empty. Flags present in
// flags override every other source when set on the command line.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("api.base", d.API.Base)
	v.SetDefault("api.key", d.API.Key)
	v.SetDefault("api.model", d.API.Model)
	v.SetDefault("api.endpoint", d.API.Endpoint)
	v.SetDefault("api.request_timeout", d.API.RequestTimeout)
	v.SetDefault("api.startup_grace", d.API.StartupGrace)
	v.SetDefault("api.ignore_eos", d.API.IgnoreEOS)

	v.SetDefault("workload.prompt_len", d.Workload.PromptLen)
	v.SetDefault("workload.gen_len", d.Workload.GenLen)
	v.SetDefault("workload.num_requests", d.Workload.NumRequests)
	v.SetDefault("workload.prompt_mode", d.Workload.PromptMode)
	v.SetDefault("workload.arrival", d.Workload.Arrival)
	v.SetDefault("workload.concurrency", d.Workload.Concurrency)
	v.SetDefault("workload.rate", d.Workload.Rate)
	v.SetDefault("workload.max_rate", d.Workload.MaxRate)
	v.SetDefault("workload.seed", d.Workload.Seed)

	v.SetDefault("run.label", d.Run.Label)
	v.SetDefault("run.device_name", d.Run.DeviceName)
	v.SetDefault("run.cache_dtype", d.Run.CacheDtype)
	v.SetDefault("run.output_dir", d.Run.OutputDir)
	v.SetDefault("run.drain_timeout", d.Run.DrainTimeout)
	v.SetDefault("run.retries", d.Run.Retries)
	v.SetDefault("run.retry_backoff", d.Run.RetryBackoff)
	v.SetDefault("run.warmup", d.Run.Warmup)

	v.SetDefault("monitor.metrics_url", d.Monitor.MetricsURL)
	v.SetDefault("monitor.interval", d.Monitor.Interval)
	v.SetDefault("database.url", d.Database.URL)
	v.SetDefault("s3.bucket", d.S3.Bucket)
	v.SetDefault("s3.prefix", d.S3.Prefix)
	v.SetDefault("s3.region", d.S3.Region)
	v.SetDefault("telemetry.addr", d.Telemetry.Addr)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

func bindEnvVars(v *viper.Viper) {
	bindEnv := func(key string, envVars ...string) {
		if err := v.BindEnv(append([]string{key}, envVars...)...); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("error", err.Error()))
		}
	}

	// Conventional names used by the surrounding tooling.
	bindEnv("api.key", "KVBENCH_API_KEY", "OPENAI_API_KEY")
	bindEnv("database.url", "KVBENCH_DATABASE_URL", "DATABASE_URL")
	bindEnv("server.port", "KVBENCH_SERVER_PORT", "PORT")
	bindEnv("s3.region", "KVBENCH_S3_REGION", "AWS_REGION")
}

var validate = validator.New()

// Validate checks field ranges and the workload it describes.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return c.WorkloadSpec().Validate()
}

// WorkloadSpec builds the workload described by the configuration.
func (c *Config) WorkloadSpec() workload.Spec {
	w := c.Workload
	return workload.Spec{
		PromptTokens:     w.PromptLen,
		GenerationTokens: w.GenLen,
		RequestCount:     w.NumRequests,
		PromptMode:       workload.PromptMode(w.PromptMode),
		Arrival: workload.ArrivalPolicy{
			Kind:        workload.PolicyKind(w.Arrival),
			Concurrency: w.Concurrency,
			Rate:        w.Rate,
			MaxRate:     w.MaxRate,
			Seed:        w.Seed,
		},
	}
}
