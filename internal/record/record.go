// Package record defines the per-request measurement produced by the
// streaming client and consumed by aggregation and reporting.
package record

import (
	"time"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusTimedOut Status = "timed_out"
)

// Terminal reports whether s is one of the final states.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// DetailCancelled is the error detail given to requests that were still
// pending when a run was stopped.
const DetailCancelled = "cancelled"

// RequestRecord holds the timestamps and outcome of one streaming request.
// A record is written only by the goroutine that issued the request and is
// not modified once its status is terminal.
type RequestRecord struct {
	ID             int64       `json:"request_id"`
	DispatchTime   time.Time   `json:"dispatch_time"`
	FirstTokenTime *time.Time  `json:"first_token_time,omitempty"`
	CompletionTime *time.Time  `json:"completion_time,omitempty"`
	Chunks         []time.Time `json:"chunk_timestamps"`
	Status         Status      `json:"status"`
	ErrorDetail    string      `json:"error_detail,omitempty"`
	Attempts       int         `json:"attempts"`
	HTTPStatus     int         `json:"http_status,omitempty"`
	OutputTokens   int         `json:"output_tokens"`
	PromptTokens   int         `json:"prompt_tokens,omitempty"`
}

// New returns a pending record dispatched at t.
func New(id int64, t time.Time) RequestRecord {
	return RequestRecord{ID: id, DispatchTime: t, Status: StatusPending}
}

// AddChunk appends the arrival time of one streamed increment. Timestamps
// are kept strictly increasing: a reading that does not advance past the
// previous chunk is moved forward by one nanosecond.
func (r *RequestRecord) AddChunk(t time.Time) time.Time {
	if n := len(r.Chunks); n > 0 && !t.After(r.Chunks[n-1]) {
		t = r.Chunks[n-1].Add(time.Nanosecond)
	}
	if t.Before(r.DispatchTime) {
		t = r.DispatchTime
	}
	r.Chunks = append(r.Chunks, t)
	if r.FirstTokenTime == nil {
		first := t
		r.FirstTokenTime = &first
	}
	return t
}

// Succeed marks the record successful. The completion time is the arrival
// of the final chunk.
func (r *RequestRecord) Succeed() {
	if n := len(r.Chunks); n > 0 {
		last := r.Chunks[n-1]
		r.CompletionTime = &last
	}
	r.Status = StatusSuccess
	r.ErrorDetail = ""
}

// Fail marks the record failed with the given detail.
func (r *RequestRecord) Fail(detail string) {
	r.Status = StatusFailed
	r.ErrorDetail = detail
	r.CompletionTime = nil
}

// TimeOut marks the record timed out. Chunks already received are kept.
func (r *RequestRecord) TimeOut(detail string) {
	r.Status = StatusTimedOut
	r.ErrorDetail = detail
	r.CompletionTime = nil
}

// ChunkOffsets returns the arrival time of each chunk relative to dispatch.
func (r RequestRecord) ChunkOffsets() []time.Duration {
	out := make([]time.Duration, len(r.Chunks))
	for i, c := range r.Chunks {
		out[i] = c.Sub(r.DispatchTime)
	}
	return out
}

// Cancelled builds the terminal record for a request that never resolved
// before the run was stopped.
func Cancelled(id int64, dispatched time.Time) RequestRecord {
	r := New(id, dispatched)
	r.Fail(DetailCancelled)
	return r
}
