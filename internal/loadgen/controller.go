// Package loadgen dispatches a workload's requests under an arrival policy
// and collects their records.
package loadgen

import (
	"cmp"
	"context"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/accelbench/kvbench/internal/record"
	"github.com/accelbench/kvbench/internal/workload"
)

// Doer issues one streaming request and returns its terminal record.
type Doer interface {
	Do(ctx context.Context, id int64, prompt string) record.RequestRecord
}

// Prompter supplies the prompt of each request.
type Prompter interface {
	Prompt(id int64) string
}

// Retry re-issues requests that failed before streaming any content.
// Timed out requests and requests that produced chunks are never retried.
type Retry struct {
	Max     int
	Backoff time.Duration
}

// Options tune a Controller. The zero value is usable.
type Options struct {
	// DrainTimeout bounds how long in-flight requests may keep running after
	// the run is cancelled. Zero waits for every request to resolve on its
	// own timeout.
	DrainTimeout time.Duration
	Retry        Retry
	// OnDispatch and OnRecord are called from a single goroutine.
	OnDispatch func(id int64)
	OnRecord   func(rec record.RequestRecord)
	Logger     *slog.Logger
}

// Result is the outcome of a run.
type Result struct {
	// Records holds one terminal record per dispatched request, ordered by
	// request id.
	Records    []record.RequestRecord
	Dispatched int
	Cancelled  bool
}

// Controller runs a workload against a Doer.
type Controller struct {
	doer    Doer
	prompts Prompter
	spec    workload.Spec
	opts    Options
	logger  *slog.Logger
}

// New creates a controller for spec. The spec must be valid.
func New(doer Doer, prompts Prompter, spec workload.Spec, opts Options) (*Controller, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{doer: doer, prompts: prompts, spec: spec, opts: opts, logger: logger}, nil
}

type dispatchEvent struct {
	id int64
	at time.Time
}

// Run dispatches the workload and blocks until every dispatched request is
// terminal. Cancelling ctx stops new dispatches; requests already in flight
// keep their own deadlines, up to DrainTimeout, after which they are
// aborted and recorded as cancelled.
func (c *Controller) Run(ctx context.Context) Result {
	n := c.spec.RequestCount
	results := make(chan record.RequestRecord, n)
	dispatched := make(chan dispatchEvent, n)
	dispatchDone := make(chan struct{})

	reqCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()

	go func() {
		defer close(dispatchDone)
		c.dispatch(ctx, reqCtx, dispatched, results)
	}()

	res := Result{Records: make([]record.RequestRecord, 0, n)}
	pending := make(map[int64]time.Time)
	emit := func(rec record.RequestRecord) {
		res.Records = append(res.Records, rec)
		if c.opts.OnRecord != nil {
			c.opts.OnRecord(rec)
		}
	}
	// Pull every dispatch event so pending always covers issued requests
	// before their records are matched.
	drainDispatched := func() {
		for {
			select {
			case ev := <-dispatched:
				c.onDispatch(ev, pending, &res)
			default:
				return
			}
		}
	}

	drainResults := func() {
		for {
			select {
			case rec := <-results:
				delete(pending, rec.ID)
				emit(rec)
			default:
				return
			}
		}
	}

	ctxDone := ctx.Done()
	dispatchClosed := dispatchDone
	var drain <-chan time.Time
	for {
		if dispatchClosed == nil {
			drainDispatched()
			if len(pending) == 0 {
				break
			}
		}
		select {
		case ev := <-dispatched:
			c.onDispatch(ev, pending, &res)
		case rec := <-results:
			drainDispatched()
			delete(pending, rec.ID)
			emit(rec)
		case <-dispatchClosed:
			dispatchClosed = nil
		case <-ctxDone:
			ctxDone = nil
			res.Cancelled = true
			c.logger.Info("run cancelled, draining in-flight requests", "in_flight", len(pending))
			if c.opts.DrainTimeout > 0 {
				t := time.NewTimer(c.opts.DrainTimeout)
				defer t.Stop()
				drain = t.C
			}
		case <-drain:
			<-dispatchDone
			drainDispatched()
			// Records that finished before the deadline keep their status.
			drainResults()
			abort()
			c.logger.Warn("drain timeout reached, cancelling pending requests", "pending", len(pending))
			ids := make([]int64, 0, len(pending))
			for id := range pending {
				ids = append(ids, id)
			}
			slices.Sort(ids)
			for _, id := range ids {
				emit(record.Cancelled(id, pending[id]))
			}
			clear(pending)
			dispatchClosed = nil
		}
	}

	slices.SortFunc(res.Records, func(a, b record.RequestRecord) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return res
}

func (c *Controller) onDispatch(ev dispatchEvent, pending map[int64]time.Time, res *Result) {
	pending[ev.id] = ev.at
	res.Dispatched++
	if c.opts.OnDispatch != nil {
		c.opts.OnDispatch(ev.id)
	}
}

// dispatch releases requests according to the arrival policy. Request ids
// are assigned in dispatch order starting at zero.
func (c *Controller) dispatch(ctx, reqCtx context.Context, events chan<- dispatchEvent, results chan<- record.RequestRecord) {
	start := func(id int64, release func()) {
		events <- dispatchEvent{id: id, at: time.Now()}
		go func() {
			rec := c.execute(reqCtx, id)
			release()
			results <- rec
		}()
	}

	switch c.spec.Arrival.Kind {
	case workload.PolicyPoisson:
		c.dispatchPoisson(ctx, start)
	default:
		c.dispatchFixed(ctx, start)
	}
}

func (c *Controller) dispatchFixed(ctx context.Context, start func(int64, func())) {
	gate := semaphore.NewWeighted(int64(c.spec.Arrival.Concurrency))
	var limiter *rate.Limiter
	if r := c.spec.Arrival.MaxRate; r > 0 {
		limiter = rate.NewLimiter(rate.Limit(r), 1)
	}
	for id := int64(0); id < int64(c.spec.RequestCount); id++ {
		if err := gate.Acquire(ctx, 1); err != nil {
			return
		}
		if ctx.Err() != nil {
			gate.Release(1)
			return
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				gate.Release(1)
				return
			}
		}
		start(id, func() { gate.Release(1) })
	}
}

// dispatchPoisson follows an absolute schedule of exponential gaps so slow
// dispatches do not shift later arrivals. The first request goes out
// immediately.
func (c *Controller) dispatchPoisson(ctx context.Context, start func(int64, func())) {
	seed := c.spec.Arrival.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	rng := rand.New(rand.NewPCG(seed, seed>>1|1))
	ratePerSec := c.spec.Arrival.Rate

	t0 := time.Now()
	var offset time.Duration
	for id := int64(0); id < int64(c.spec.RequestCount); id++ {
		if id > 0 {
			offset += time.Duration(rng.ExpFloat64() / ratePerSec * float64(time.Second))
		}
		if !sleepUntil(ctx, t0.Add(offset)) {
			return
		}
		start(id, func() {})
	}
}

func (c *Controller) execute(ctx context.Context, id int64) record.RequestRecord {
	prompt := c.prompts.Prompt(id)
	backoff := c.opts.Retry.Backoff
	for attempt := 1; ; attempt++ {
		rec := c.doer.Do(ctx, id, prompt)
		rec.Attempts = attempt
		if !retryable(rec) || attempt > c.opts.Retry.Max {
			return rec
		}
		c.logger.Debug("retrying request", "request_id", id, "attempt", attempt, "error", rec.ErrorDetail, "backoff", backoff)
		if !sleepUntil(ctx, time.Now().Add(backoff)) {
			return rec
		}
		backoff *= 2
	}
}

func retryable(rec record.RequestRecord) bool {
	return rec.Status == record.StatusFailed && len(rec.Chunks) == 0
}

func sleepUntil(ctx context.Context, t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
