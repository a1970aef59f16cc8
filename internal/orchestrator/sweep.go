package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/accelbench/kvbench/internal/workload"
)

// Plan is a sequence of runs executed one after another. Fields left unset
// in an entry inherit the base configuration.
type Plan struct {
	Runs []PlanEntry `yaml:"runs"`
}

// PlanEntry describes one or more runs. PromptLens expands to one run per
// prompt length.
type PlanEntry struct {
	Label       string  `yaml:"label"`
	DeviceName  string  `yaml:"device_name"`
	CacheDtype  string  `yaml:"cache_dtype"`
	PromptLen   int     `yaml:"prompt_len"`
	PromptLens  []int   `yaml:"prompt_lens"`
	GenLen      int     `yaml:"gen_len"`
	NumRequests int     `yaml:"num_requests"`
	PromptMode  string  `yaml:"prompt_mode"`
	Arrival     string  `yaml:"arrival"`
	Concurrency int     `yaml:"concurrency"`
	Rate        float64 `yaml:"rate"`
	Warmup      *bool   `yaml:"warmup"`
}

// LoadPlan reads a plan from a YAML file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan decodes a YAML plan. Unknown fields are rejected.
func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if len(p.Runs) == 0 {
		return nil, errors.New("parse plan: no runs")
	}
	return &p, nil
}

// Expand builds the run configurations of the plan on top of base.
func (p *Plan) Expand(base RunConfig) ([]RunConfig, error) {
	var out []RunConfig
	for i, e := range p.Runs {
		lens := e.PromptLens
		if len(lens) == 0 {
			lens = []int{e.PromptLen}
		}
		for _, n := range lens {
			cfg := e.apply(base)
			if n > 0 {
				cfg.Workload.PromptTokens = n
			}
			if err := cfg.Workload.Validate(); err != nil {
				return nil, fmt.Errorf("plan entry %d: %w", i, err)
			}
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (e PlanEntry) apply(base RunConfig) RunConfig {
	cfg := base
	cfg.RunID = ""
	w := &cfg.Workload
	if e.Label != "" {
		cfg.Label = e.Label
	}
	if e.DeviceName != "" {
		cfg.DeviceName = e.DeviceName
	}
	if e.CacheDtype != "" {
		cfg.CacheDtype = e.CacheDtype
	}
	if e.GenLen > 0 {
		w.GenerationTokens = e.GenLen
	}
	if e.NumRequests > 0 {
		w.RequestCount = e.NumRequests
	}
	if e.PromptMode != "" {
		w.PromptMode = workload.PromptMode(e.PromptMode)
	}
	if e.Arrival != "" {
		w.Arrival.Kind = workload.PolicyKind(e.Arrival)
	}
	if e.Concurrency > 0 {
		w.Arrival.Concurrency = e.Concurrency
	}
	if e.Rate > 0 {
		w.Arrival.Rate = e.Rate
	}
	if e.Warmup != nil {
		cfg.Warmup = *e.Warmup
	}
	return cfg
}

// Sweep executes runs in order. It stops at the first setup failure or
// when ctx is cancelled, returning the outcomes collected so far.
func (o *Orchestrator) Sweep(ctx context.Context, runs []RunConfig) ([]*Outcome, error) {
	var outcomes []*Outcome
	for i, cfg := range runs {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		o.logger.InfoContext(ctx, "sweep step",
			slog.Int("step", i+1),
			slog.Int("of", len(runs)),
			slog.String("label", cfg.Label),
			slog.Int("prompt_len", cfg.Workload.PromptTokens))
		out, err := o.Execute(ctx, cfg)
		if err != nil {
			return outcomes, fmt.Errorf("run %d (%s, prompt_len=%d): %w", i+1, cfg.Label, cfg.Workload.PromptTokens, err)
		}
		outcomes = append(outcomes, out)
		if out.Summary.Cancelled {
			return outcomes, context.Canceled
		}
	}
	return outcomes, nil
}
