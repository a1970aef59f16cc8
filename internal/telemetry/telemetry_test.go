package telemetry

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accelbench/kvbench/internal/logging"
	"github.com/accelbench/kvbench/internal/record"
)

// histogramCount returns the sample count of the named histogram series
// whose label has the given value.
func histogramCount(t *testing.T, name, label, value string) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return 0
}

func TestRecordRequest(t *testing.T) {
	tier := "test-record-request"
	t0 := time.Now()

	ok := record.New(0, t0)
	ok.AddChunk(t0.Add(30 * time.Millisecond))
	ok.Attempts = 1
	ok.Succeed()

	failed := record.New(1, t0)
	failed.Attempts = 3
	failed.Fail("http 503")

	RecordDispatch(tier)
	RecordDispatch(tier)
	assert.Equal(t, float64(2), testutil.ToFloat64(InFlight.WithLabelValues(tier)))
	RecordRequest(tier, ok)
	RecordRequest(tier, failed)

	assert.Equal(t, float64(0), testutil.ToFloat64(InFlight.WithLabelValues(tier)))
	assert.Equal(t, float64(1), testutil.ToFloat64(RequestsTotal.WithLabelValues(tier, "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(RequestsTotal.WithLabelValues(tier, "failed")))
	assert.Equal(t, float64(4), testutil.ToFloat64(RequestAttempts.WithLabelValues(tier)))
	assert.Equal(t, uint64(1), histogramCount(t, "kvbench_ttft_seconds", "tier", tier))
	assert.Equal(t, uint64(1), histogramCount(t, "kvbench_e2e_seconds", "tier", tier))
}

func TestRecordRun(t *testing.T) {
	RecordRun("test-record-run", "cancelled")
	assert.Equal(t, float64(1), testutil.ToFloat64(RunsTotal.WithLabelValues("test-record-run", "cancelled")))
}

func TestInstrument(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(Instrument(mux))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/runs/abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Equal(t, uint64(1), histogramCount(t, "kvbench_http_request_duration_seconds", "route", "GET /api/v1/runs/{id}"))
}

func TestServe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, addr, logging.Discard()) }()

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ = io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, string(body), "go_goroutines")

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
