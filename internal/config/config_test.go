package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accelbench/kvbench/internal/workload"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"OPENAI_API_KEY", "DATABASE_URL", "PORT", "AWS_REGION"} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, Default(), *cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ConfigFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvbench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  base: http://vllm:8000/v1
  model: meta-llama/Meta-Llama-3-8B-Instruct
workload:
  prompt_len: 4000
  gen_len: 50
  concurrency: 8
run:
  label: cpu-offload
  drain_timeout: 10s
`), 0o644))

	clearEnv(t)
	t.Setenv("KVBENCH_RUN_LABEL", "disk-offload")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("concurrency", 1, "")
	flags.Duration("request-timeout", 0, "")
	flags.String("unrelated", "", "")
	require.NoError(t, flags.Parse([]string{"--concurrency=16", "--request-timeout=45s"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "http://vllm:8000/v1", cfg.API.Base)
	assert.Equal(t, "sk-test", cfg.API.Key)
	assert.Equal(t, 4000, cfg.Workload.PromptLen)
	assert.Equal(t, 50, cfg.Workload.GenLen)
	assert.Equal(t, 16, cfg.Workload.Concurrency, "flags beat the config file")
	assert.Equal(t, "disk-offload", cfg.Run.Label, "env beats the config file")
	assert.Equal(t, 10*time.Second, cfg.Run.DrainTimeout)
	assert.Equal(t, 45*time.Second, cfg.API.RequestTimeout)
	assert.Equal(t, 10, cfg.Workload.NumRequests)
}

func TestLoad_UnchangedFlagKeepsConfigValue(t *testing.T) {
	t.Setenv("KVBENCH_WORKLOAD_GEN_LEN", "300")
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("gen-len", Default().Workload.GenLen, "")
	require.NoError(t, flags.Parse(nil))

	cfg, err := Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.Workload.GenLen)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad endpoint", func(c *Config) { c.API.Endpoint = "embeddings" }, false},
		{"bad url", func(c *Config) { c.API.Base = "not a url" }, false},
		{"zero prompt", func(c *Config) { c.Workload.PromptLen = 0 }, false},
		{"zero concurrency", func(c *Config) { c.Workload.Concurrency = 0 }, false},
		{"poisson without rate", func(c *Config) { c.Workload.Arrival = "poisson" }, false},
		{"poisson with rate", func(c *Config) { c.Workload.Arrival = "poisson"; c.Workload.Rate = 2 }, true},
		{"bad arrival", func(c *Config) { c.Workload.Arrival = "burst" }, false},
		{"bad metrics url", func(c *Config) { c.Monitor.MetricsURL = "::" }, false},
		{"no output dir", func(c *Config) { c.Run.OutputDir = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestWorkloadSpec(t *testing.T) {
	cfg := Default()
	cfg.Workload.Arrival = "poisson"
	cfg.Workload.Rate = 1.5
	cfg.Workload.Seed = 9

	spec := cfg.WorkloadSpec()
	assert.Equal(t, workload.Spec{
		PromptTokens:     1000,
		GenerationTokens: 100,
		RequestCount:     10,
		PromptMode:       workload.PromptRepeat,
		Arrival:          workload.ArrivalPolicy{Kind: workload.PolicyPoisson, Concurrency: 1, Rate: 1.5, Seed: 9},
	}, spec)
}
