// Package workload describes the synthetic request workload of a run and
// generates its prompts.
package workload

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// PolicyKind selects how requests are released.
type PolicyKind string

const (
	// PolicyFixed keeps at most Concurrency requests in flight.
	PolicyFixed PolicyKind = "fixed"
	// PolicyPoisson releases requests at exponentially distributed gaps
	// regardless of how many are still in flight.
	PolicyPoisson PolicyKind = "poisson"
)

// ArrivalPolicy controls request dispatch.
type ArrivalPolicy struct {
	Kind        PolicyKind `json:"kind" yaml:"kind" validate:"oneof=fixed poisson"`
	Concurrency int        `json:"concurrency,omitempty" yaml:"concurrency" validate:"gte=0"`
	// Rate is the mean arrival rate in requests per second (poisson only).
	Rate float64 `json:"rate,omitempty" yaml:"rate" validate:"gte=0"`
	// MaxRate caps the dispatch rate of the fixed policy. Zero disables the cap.
	MaxRate float64 `json:"max_rate,omitempty" yaml:"max_rate" validate:"gte=0"`
	Seed    uint64  `json:"seed,omitempty" yaml:"seed"`
}

func (p ArrivalPolicy) String() string {
	switch p.Kind {
	case PolicyPoisson:
		return fmt.Sprintf("poisson(rate=%.2f/s)", p.Rate)
	default:
		return fmt.Sprintf("fixed(k=%d)", p.Concurrency)
	}
}

// Spec is the immutable description of one run's workload.
type Spec struct {
	PromptTokens     int           `json:"prompt_token_length" yaml:"prompt_len" validate:"gte=1"`
	GenerationTokens int           `json:"generation_token_length" yaml:"gen_len" validate:"gte=1"`
	RequestCount     int           `json:"request_count" yaml:"num_requests" validate:"gte=1"`
	PromptMode       PromptMode    `json:"prompt_mode" yaml:"prompt_mode" validate:"omitempty,oneof=repeat random"`
	Arrival          ArrivalPolicy `json:"arrival_policy" yaml:"arrival"`
}

// TotalLen is the sequence length a request occupies in the KV cache.
func (s Spec) TotalLen() int {
	return s.PromptTokens + s.GenerationTokens
}

var validate = validator.New()

// Validate checks field ranges and the arrival policy parameters.
func (s Spec) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid workload: %w", err)
	}
	switch s.Arrival.Kind {
	case PolicyFixed:
		if s.Arrival.Concurrency < 1 {
			return errors.New("invalid workload: fixed arrival policy needs concurrency >= 1")
		}
	case PolicyPoisson:
		if s.Arrival.Rate <= 0 {
			return errors.New("invalid workload: poisson arrival policy needs an explicit rate > 0")
		}
	}
	return nil
}
