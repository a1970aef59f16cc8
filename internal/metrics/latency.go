package metrics

import (
	"time"

	"github.com/accelbench/kvbench/internal/record"
)

// Latency is the latency breakdown of one successful request.
type Latency struct {
	TTFT time.Duration
	// ITL holds the gaps between consecutive chunks, starting at the second.
	ITL []time.Duration
	E2E time.Duration
}

// Extract derives the latency breakdown of rec. It reports false for any
// record that did not succeed so partial timelines never reach the
// latency statistics.
func Extract(rec record.RequestRecord) (*Latency, bool) {
	if rec.Status != record.StatusSuccess || rec.FirstTokenTime == nil || rec.CompletionTime == nil {
		return nil, false
	}
	l := &Latency{
		TTFT: rec.FirstTokenTime.Sub(rec.DispatchTime),
		E2E:  rec.CompletionTime.Sub(rec.DispatchTime),
		ITL:  gaps(rec.Chunks),
	}
	return l, true
}

// TPOT is the mean time per output token after the first. It reports
// false for single-chunk responses.
func (l *Latency) TPOT() (time.Duration, bool) {
	if len(l.ITL) == 0 {
		return 0, false
	}
	return (l.E2E - l.TTFT) / time.Duration(len(l.ITL)), true
}

func gaps(ts []time.Time) []time.Duration {
	if len(ts) < 2 {
		return []time.Duration{}
	}
	out := make([]time.Duration, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		out[i-1] = ts[i].Sub(ts[i-1])
	}
	return out
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
