// Package mockserver implements a minimal OpenAI-compatible streaming
// endpoint with scripted timing and failure modes.
package mockserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Config scripts the behaviour of every request the server receives.
type Config struct {
	Model        string
	InitialDelay time.Duration
	ChunkDelay   time.Duration
	Chunks       int
	// FailStatus, when non-zero, makes every completion request fail with
	// this HTTP status.
	FailStatus int
	// Hang blocks completion requests until the client goes away.
	Hang bool
	// MalformedAt replaces the n-th content chunk (1-based) with a payload
	// that is not valid JSON.
	MalformedAt int
	// OmitDone ends the stream without the [DONE] sentinel.
	OmitDone bool
	// OmitFinish leaves out the finish_reason chunk.
	OmitFinish bool
}

// Server is an http.Handler serving the scripted endpoint.
type Server struct {
	cfg Config
	mux *http.ServeMux

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	requests    atomic.Int64
	completed   atomic.Int64
}

// New creates a server. A zero chunk count defaults to one chunk.
func New(cfg Config) *Server {
	if cfg.Model == "" {
		cfg.Model = "mock-model"
	}
	if cfg.Chunks <= 0 {
		cfg.Chunks = 1
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleCompletion(true))
	s.mux.HandleFunc("POST /v1/completions", s.handleCompletion(false))
	s.mux.HandleFunc("GET /v1/models", s.handleModels)
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// MaxInFlight is the largest number of completion requests observed in
// progress at the same time.
func (s *Server) MaxInFlight() int64 { return s.maxInFlight.Load() }

// Requests is the number of completion requests received.
func (s *Server) Requests() int64 { return s.requests.Load() }

type completionRequest struct {
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
	Messages []struct {
		Content string `json:"content"`
	} `json:"messages"`
	MaxTokens int  `json:"max_tokens"`
	Stream    bool `json:"stream"`
}

func (r completionRequest) promptWords() int {
	n := len(strings.Fields(r.Prompt))
	for _, m := range r.Messages {
		n += len(strings.Fields(m.Content))
	}
	return n
}

func (s *Server) handleCompletion(chat bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		n := s.inFlight.Add(1)
		released := false
		release := func() {
			if !released {
				released = true
				s.inFlight.Add(-1)
			}
		}
		defer release()
		for {
			cur := s.maxInFlight.Load()
			if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}

		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":{"message":"invalid body"}}`, http.StatusBadRequest)
			return
		}
		if s.cfg.FailStatus != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(s.cfg.FailStatus)
			fmt.Fprintf(w, `{"error":{"message":"scripted failure","code":%d}}`, s.cfg.FailStatus)
			return
		}
		if s.cfg.Hang {
			<-r.Context().Done()
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ctx := r.Context()
		if !sleep(ctx, s.cfg.InitialDelay) {
			return
		}
		for i := 1; i <= s.cfg.Chunks; i++ {
			if i > 1 && !sleep(ctx, s.cfg.ChunkDelay) {
				return
			}
			if i == s.cfg.MalformedAt {
				fmt.Fprint(w, "data: {\"choices\": [oops\n\n")
			} else {
				writeEvent(w, contentChunk(chat, s.cfg.Model, fmt.Sprintf("tok%d ", i)))
			}
			flusher.Flush()
		}
		if !s.cfg.OmitFinish {
			writeEvent(w, finishChunk(chat, s.cfg.Model))
			writeEvent(w, map[string]any{
				"id":      "cmpl-mock",
				"model":   s.cfg.Model,
				"choices": []any{},
				"usage": map[string]int{
					"prompt_tokens":     req.promptWords(),
					"completion_tokens": s.cfg.Chunks,
					"total_tokens":      req.promptWords() + s.cfg.Chunks,
				},
			})
		}
		// The request stops counting as in flight before the client can
		// observe the end of the stream.
		release()
		s.completed.Add(1)
		if !s.cfg.OmitDone {
			fmt.Fprint(w, "data: [DONE]\n\n")
		}
		flusher.Flush()
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   []map[string]string{{"id": s.cfg.Model, "object": "model"}},
	})
}

// handleMetrics exposes cache gauges in the shape the serving engine uses.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	reqs := float64(s.requests.Load())
	hits := float64(s.completed.Load()) * float64(s.cfg.Chunks)
	var b strings.Builder
	fmt.Fprintln(&b, "# TYPE vllm:gpu_cache_usage_perc gauge")
	fmt.Fprintf(&b, "vllm:gpu_cache_usage_perc{model_name=%q} %g\n", s.cfg.Model, min(float64(s.inFlight.Load())/10, 1))
	fmt.Fprintln(&b, "# TYPE vllm:num_requests_waiting gauge")
	fmt.Fprintf(&b, "vllm:num_requests_waiting{model_name=%q} 0\n", s.cfg.Model)
	fmt.Fprintln(&b, "# TYPE vllm:prefix_cache_queries_total counter")
	fmt.Fprintf(&b, "vllm:prefix_cache_queries_total{model_name=%q} %g\n", s.cfg.Model, reqs*float64(s.cfg.Chunks))
	fmt.Fprintln(&b, "# TYPE vllm:prefix_cache_hits_total counter")
	fmt.Fprintf(&b, "vllm:prefix_cache_hits_total{model_name=%q} %g\n", s.cfg.Model, hits)
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprint(w, b.String())
}

func contentChunk(chat bool, model, text string) map[string]any {
	choice := map[string]any{"index": 0, "finish_reason": nil}
	if chat {
		choice["delta"] = map[string]string{"content": text}
	} else {
		choice["text"] = text
	}
	return map[string]any{"id": "cmpl-mock", "model": model, "choices": []any{choice}}
}

func finishChunk(chat bool, model string) map[string]any {
	choice := map[string]any{"index": 0, "finish_reason": "length"}
	if chat {
		choice["delta"] = map[string]string{}
	} else {
		choice["text"] = ""
	}
	return map[string]any{"id": "cmpl-mock", "model": model, "choices": []any{choice}}
}

func writeEvent(w http.ResponseWriter, v any) {
	b, _ := json.Marshal(v)
	fmt.Fprintf(w, "data: %s\n\n", b)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
