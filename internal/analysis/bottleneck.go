// Package analysis estimates whether a KV-cache offloading tier is limited
// by GPU compute or by retrieval I/O.
//
// All times are per token, in microseconds. N is the prompt length for the
// prefill phase and L the context length for the decode phase. Alpha is the
// fraction of the KV cache served from the offload tier.
package analysis

import (
	"errors"
	"fmt"
	"math"

	"github.com/accelbench/kvbench/internal/metrics"
)

// Regime names the resource that bounds latency.
type Regime string

const (
	ComputeBound Regime = "compute-bound"
	IOBound      Regime = "io-bound"
)

// DefaultRetrievalUs is the per-token retrieval time assumed when none is
// measured.
const DefaultRetrievalUs = 50.0

// Prefill holds the inputs of the prefill speedup model.
type Prefill struct {
	N     int     `json:"n"`
	R     float64 `json:"r_us"`
	T     float64 `json:"t_us"`
	W     float64 `json:"w_us"`
	Alpha float64 `json:"alpha"`
}

// PrefillResult is the outcome of the prefill model.
type PrefillResult struct {
	Prefill
	E                  float64 `json:"e"`
	AlphaStar          float64 `json:"alpha_star"`
	TTFTVanillaUs      float64 `json:"ttft_vanilla_us"`
	TTFTOffloadedUs    float64 `json:"ttft_offloaded_us"`
	Speedup            float64 `json:"speedup"`
	TheoreticalSpeedup float64 `json:"theoretical_speedup"`
	// MaxSpeedup is the gain available at alpha = AlphaStar.
	MaxSpeedup float64 `json:"max_speedup"`
	Regime     Regime  `json:"regime"`
}

// Analyze evaluates the prefill model. Retrieval, recompute of the missed
// fraction and write-back of the missed fraction overlap, so the offloaded
// TTFT is the largest of the three.
func (p Prefill) Analyze() PrefillResult {
	res := PrefillResult{Prefill: p}
	if p.R > 0 {
		res.E = p.T / p.R
		res.AlphaStar = res.E / (1 + res.E)
	} else {
		res.E = math.Inf(1)
		res.AlphaStar = 1
	}

	n := float64(p.N)
	res.TTFTVanillaUs = n * p.T
	res.TTFTOffloadedUs = max(p.Alpha*n*p.R, (1-p.Alpha)*n*p.T, (1-p.Alpha)*n*p.W)
	res.Speedup = ratio(res.TTFTVanillaUs, res.TTFTOffloadedUs)
	res.MaxSpeedup = res.E + 1

	if p.Alpha <= res.AlphaStar {
		res.Regime = ComputeBound
		res.TheoreticalSpeedup = ratio(1, 1-p.Alpha)
	} else {
		res.Regime = IOBound
		res.TheoreticalSpeedup = ratio(res.E, p.Alpha)
	}
	return res
}

// Decode holds the inputs of the decode slowdown model.
type Decode struct {
	L     int     `json:"l"`
	R     float64 `json:"r_us"`
	T     float64 `json:"t_us"`
	Alpha float64 `json:"alpha"`
}

// DecodeResult is the outcome of the decode model.
type DecodeResult struct {
	Decode
	TPOTVanillaUs   float64 `json:"tpot_vanilla_us"`
	TPOTOffloadedUs float64 `json:"tpot_offloaded_us"`
	Slowdown        float64 `json:"slowdown"`
	// AlphaStar is the largest offload fraction that keeps decode
	// compute-bound. It can exceed 1.
	AlphaStar float64 `json:"alpha_star"`
	Regime    Regime  `json:"regime"`
}

// Analyze evaluates the decode model. Each generated token reads alpha*L
// cached tokens from the tier while the GPU computes for T.
func (d Decode) Analyze() DecodeResult {
	res := DecodeResult{Decode: d, TPOTVanillaUs: d.T}
	io := d.Alpha * float64(d.L) * d.R
	res.TPOTOffloadedUs = max(d.T, io)
	res.Slowdown = ratio(res.TPOTOffloadedUs, res.TPOTVanillaUs)

	if lr := float64(d.L) * d.R; lr > 0 {
		res.AlphaStar = d.T / lr
	} else {
		res.AlphaStar = math.Inf(1)
	}
	if d.Alpha <= res.AlphaStar {
		res.Regime = ComputeBound
	} else {
		res.Regime = IOBound
	}
	return res
}

// ratio returns a/b, or +Inf when b is zero and a is positive.
func ratio(a, b float64) float64 {
	if b == 0 {
		if a == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return a / b
}

// Constants are model inputs measured from a baseline run.
type Constants struct {
	N        int     `json:"n"`
	TPrefill float64 `json:"t_prefill_us"`
	TDecode  float64 `json:"t_decode_us"`
	R        float64 `json:"r_us"`
}

// ErrNoBaseline is returned when a baseline run has no successful requests.
var ErrNoBaseline = errors.New("baseline run has no successful requests")

// Derive computes model constants from a GPU-resident baseline run: the
// per-token prefill time is the mean TTFT spread over the prompt, and the
// per-token decode time is the mean over requests of each request's average
// inter-token latency. R is left at
// DefaultRetrievalUs.
func Derive(baseline metrics.RunSummary) (Constants, error) {
	n := baseline.Workload.PromptTokens
	if n <= 0 {
		return Constants{}, fmt.Errorf("baseline prompt length %d", n)
	}
	ttft := baseline.Stat(metrics.MetricTTFT)
	if ttft.Mean == nil {
		return Constants{}, ErrNoBaseline
	}
	c := Constants{
		N:        n,
		TPrefill: *ttft.Mean * 1000 / float64(n),
		R:        DefaultRetrievalUs,
	}
	if tpot := baseline.Stat(metrics.MetricTPOT); tpot.Mean != nil {
		c.TDecode = *tpot.Mean * 1000
	}
	return c, nil
}

// Scenario is a named example input.
type Scenario struct {
	Name    string
	Prefill *Prefill
	Decode  *Decode
}

// DefaultScenarios returns reference cases covering both regimes of both
// phases.
func DefaultScenarios() []Scenario {
	return []Scenario{
		{Name: "A100 prefill (compute-bound)", Prefill: &Prefill{N: 2000, R: 41, T: 110, Alpha: 0.60}},
		{Name: "H100 prefill (io-bound)", Prefill: &Prefill{N: 2000, R: 50, T: 100, Alpha: 0.90}},
		{Name: "decode short context, fast SSD", Decode: &Decode{L: 1000, R: 0.1, T: 200, Alpha: 0.8}},
		{Name: "decode long context (io-bound)", Decode: &Decode{L: 8000, R: 0.1, T: 200, Alpha: 0.8}},
		{Name: "decode NVMe", Decode: &Decode{L: 4000, R: 0.5, T: 200, Alpha: 0.5}},
	}
}
