package analysis

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accelbench/kvbench/internal/metrics"
	"github.com/accelbench/kvbench/internal/record"
	"github.com/accelbench/kvbench/internal/workload"
)

const eps = 1e-9

func TestPrefill_ComputeBound(t *testing.T) {
	res := Prefill{N: 2000, R: 41, T: 110, Alpha: 0.6}.Analyze()

	assert.InDelta(t, 110.0/41, res.E, eps)
	assert.InDelta(t, (110.0/41)/(1+110.0/41), res.AlphaStar, eps)
	assert.Equal(t, ComputeBound, res.Regime)
	assert.InDelta(t, 220000, res.TTFTVanillaUs, eps)
	assert.InDelta(t, 88000, res.TTFTOffloadedUs, 1e-6)
	assert.InDelta(t, 2.5, res.Speedup, 1e-9)
	assert.InDelta(t, 2.5, res.TheoreticalSpeedup, 1e-9)
}

func TestPrefill_IOBound(t *testing.T) {
	res := Prefill{N: 2000, R: 50, T: 100, Alpha: 0.9}.Analyze()

	assert.InDelta(t, 2, res.E, eps)
	assert.InDelta(t, 2.0/3, res.AlphaStar, eps)
	assert.Equal(t, IOBound, res.Regime)
	assert.InDelta(t, 90000, res.TTFTOffloadedUs, 1e-6)
	assert.InDelta(t, 200000.0/90000, res.Speedup, 1e-9)
	assert.InDelta(t, 2/0.9, res.TheoreticalSpeedup, 1e-9)
	assert.InDelta(t, 3, res.MaxSpeedup, eps)
}

func TestPrefill_WriteBound(t *testing.T) {
	res := Prefill{N: 1000, R: 10, T: 100, W: 400, Alpha: 0.5}.Analyze()
	assert.InDelta(t, 200000, res.TTFTOffloadedUs, 1e-6)
	assert.InDelta(t, 0.5, res.Speedup, 1e-9)
}

func TestPrefill_ZeroRetrieval(t *testing.T) {
	res := Prefill{N: 100, R: 0, T: 100, Alpha: 1}.Analyze()
	assert.True(t, math.IsInf(res.E, 1))
	assert.Equal(t, 1.0, res.AlphaStar)
	assert.Equal(t, ComputeBound, res.Regime)
	assert.True(t, math.IsInf(res.Speedup, 1))
	assert.True(t, math.IsInf(res.TheoreticalSpeedup, 1))
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name      string
		in        Decode
		slowdown  float64
		alphaStar float64
		regime    Regime
	}{
		{"short context", Decode{L: 1000, R: 0.1, T: 200, Alpha: 0.8}, 1, 2, ComputeBound},
		{"long context", Decode{L: 8000, R: 0.1, T: 200, Alpha: 0.8}, 3.2, 0.25, IOBound},
		{"nvme", Decode{L: 4000, R: 0.5, T: 200, Alpha: 0.5}, 5, 0.1, IOBound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.in.Analyze()
			assert.InDelta(t, tt.slowdown, res.Slowdown, 1e-9)
			assert.InDelta(t, tt.alphaStar, res.AlphaStar, 1e-9)
			assert.Equal(t, tt.regime, res.Regime)
			assert.Equal(t, tt.in.T, res.TPOTVanillaUs)
		})
	}
}

func TestDecode_NoRetrievalCost(t *testing.T) {
	res := Decode{L: 1000, R: 0, T: 200, Alpha: 1}.Analyze()
	assert.True(t, math.IsInf(res.AlphaStar, 1))
	assert.Equal(t, ComputeBound, res.Regime)
	assert.Equal(t, 1.0, res.Slowdown)
}

func TestDerive(t *testing.T) {
	start := time.Unix(1700000000, 0)
	rec := record.New(0, start)
	rec.AddChunk(start.Add(200 * time.Millisecond))
	rec.AddChunk(start.Add(220 * time.Millisecond))
	rec.Succeed()

	sum := metrics.Summarize(metrics.RunMeta{
		Workload:   workload.Spec{PromptTokens: 2000, GenerationTokens: 2, RequestCount: 1},
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
	}, []record.RequestRecord{rec})

	c, err := Derive(sum)
	require.NoError(t, err)
	assert.Equal(t, 2000, c.N)
	assert.InDelta(t, 100, c.TPrefill, 1e-6)
	assert.InDelta(t, 20000, c.TDecode, 1e-6)
	assert.Equal(t, DefaultRetrievalUs, c.R)
}

func TestDerive_DecodeAveragesPerRequest(t *testing.T) {
	start := time.Unix(1700000000, 0)
	long := record.New(0, start)
	for _, ms := range []int{100, 110, 120, 130, 140} {
		long.AddChunk(start.Add(time.Duration(ms) * time.Millisecond))
	}
	long.Succeed()
	short := record.New(1, start)
	short.AddChunk(start.Add(100 * time.Millisecond))
	short.AddChunk(start.Add(150 * time.Millisecond))
	short.Succeed()

	sum := metrics.Summarize(metrics.RunMeta{
		Workload:   workload.Spec{PromptTokens: 1000, GenerationTokens: 5, RequestCount: 2},
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
	}, []record.RequestRecord{long, short})

	c, err := Derive(sum)
	require.NoError(t, err)
	// Request means are 10ms and 50ms; the pooled gap mean would be 18ms.
	assert.InDelta(t, 30000, c.TDecode, 1e-6)
}

func TestDerive_NoSuccess(t *testing.T) {
	start := time.Unix(1700000000, 0)
	rec := record.New(0, start)
	rec.Fail("boom")
	sum := metrics.Summarize(metrics.RunMeta{
		Workload: workload.Spec{PromptTokens: 10, GenerationTokens: 1, RequestCount: 1},
	}, []record.RequestRecord{rec})

	_, err := Derive(sum)
	assert.ErrorIs(t, err, ErrNoBaseline)
}

func TestDefaultScenarios(t *testing.T) {
	var computeBound, ioBound int
	for _, s := range DefaultScenarios() {
		var r Regime
		switch {
		case s.Prefill != nil:
			r = s.Prefill.Analyze().Regime
		case s.Decode != nil:
			r = s.Decode.Analyze().Regime
		default:
			t.Fatalf("scenario %q has no inputs", s.Name)
		}
		if r == ComputeBound {
			computeBound++
		} else {
			ioBound++
		}
	}
	assert.Equal(t, 2, computeBound)
	assert.Equal(t, 3, ioBound)
}
