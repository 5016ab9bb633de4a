// Package dispatcher drives jobs from the queue store to worker
// sessions. One goroutine owns the whole dispatch state machine:
// results, timeouts, and session failures all arrive as Result values
// on a single channel, so no ordering races exist between them.
package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/semantest/nodejs.server-sub008/internal/metrics"
	"github.com/semantest/nodejs.server-sub008/internal/queue"
	"github.com/semantest/nodejs.server-sub008/internal/registry"
	"github.com/semantest/nodejs.server-sub008/pkg/ratelimit"
	"github.com/semantest/nodejs.server-sub008/pkg/types"

	"github.com/sirupsen/logrus"
)

// ResultKind discriminates the inputs to the dispatch loop.
type ResultKind string

const (
	KindComplete    ResultKind = "complete"
	KindFail        ResultKind = "fail"
	KindProgress    ResultKind = "progress"
	KindTimeout     ResultKind = "timeout"
	KindSessionDown ResultKind = "session_down"
)

// Result is one input to the dispatch loop. Worker frames, HTTP
// out-of-band settlements, processing timeouts, and session removals
// all reduce to this shape.
type Result struct {
	Kind        ResultKind
	JobID       string
	ExtensionID string
	Payload     json.RawMessage
	Error       string
	Retryable   bool
	Progress    int
}

// Config holds the dispatcher tunables.
type Config struct {
	// MaxConcurrent caps total in-flight jobs across all sessions.
	MaxConcurrent int

	// ProcessingTimeout bounds each assignment; an overdue job is
	// failed as retryable.
	ProcessingTimeout time.Duration

	// TickInterval is the wake-up cadence for time-gated retries.
	TickInterval time.Duration
}

const (
	defaultMaxConcurrent     = 10
	defaultProcessingTimeout = 30 * time.Second
	defaultTickInterval      = time.Second
	resultBufferSize         = 1024

	// tokenRetryDelay is how long the loop yields after a rate-limit
	// miss before re-attempting, well under the tick interval.
	tokenRetryDelay = 100 * time.Millisecond
)

// Stats counters for the dispatcher.
type Stats struct {
	Dispatched  int64 `json:"dispatched"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	TimedOut    int64 `json:"timed_out"`
	Duplicates  int64 `json:"duplicates"`
	Failovers   int64 `json:"failovers"`
	RateLimited int64 `json:"rate_limited"`
}

type pendingEntry struct {
	extensionID  string
	dispatchedAt time.Time
	timer        *time.Timer
}

// Dispatcher binds jobs to sessions and settles their results.
type Dispatcher struct {
	config   Config
	store    *queue.Store
	registry *registry.Registry
	router   *Router
	limiter  *ratelimit.TokenBucket
	logger   *logrus.Logger
	clock    types.Clock
	sink     types.EventSink

	resultCh chan Result
	wakeCh   chan struct{}

	// pending is owned by the run goroutine; no lock needed.
	pending map[string]*pendingEntry

	mutex     sync.Mutex
	stats     Stats
	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a stopped dispatcher.
func New(config Config, store *queue.Store, reg *registry.Registry, router *Router,
	limiter *ratelimit.TokenBucket, logger *logrus.Logger, clock types.Clock, sink types.EventSink) *Dispatcher {

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaultMaxConcurrent
	}
	if config.ProcessingTimeout <= 0 {
		config.ProcessingTimeout = defaultProcessingTimeout
	}
	if config.TickInterval <= 0 {
		config.TickInterval = defaultTickInterval
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if sink == nil {
		sink = types.NopEventSink{}
	}
	return &Dispatcher{
		config:   config,
		store:    store,
		registry: reg,
		router:   router,
		limiter:  limiter,
		logger:   logger,
		clock:    clock,
		sink:     sink,
		resultCh: make(chan Result, resultBufferSize),
		wakeCh:   make(chan struct{}, 1),
		pending:  make(map[string]*pendingEntry),
	}
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.isRunning {
		return
	}
	d.isRunning = true
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.run(d.ctx)

	d.logger.WithFields(logrus.Fields{
		"max_concurrent":     d.config.MaxConcurrent,
		"processing_timeout": d.config.ProcessingTimeout,
		"tick_interval":      d.config.TickInterval,
	}).Info("Dispatcher started")
}

// Stop halts the loop and waits for it to exit. Pending timers are
// stopped; in-flight jobs stay in the store for a snapshot.
func (d *Dispatcher) Stop() {
	d.mutex.Lock()
	if !d.isRunning {
		d.mutex.Unlock()
		return
	}
	d.isRunning = false
	d.cancel()
	d.mutex.Unlock()

	d.wg.Wait()
	for _, entry := range d.pending {
		entry.timer.Stop()
	}
}

// Enqueue admits a job and wakes the loop.
func (d *Dispatcher) Enqueue(job types.Job) error {
	if err := d.store.Enqueue(job); err != nil {
		return err
	}
	d.Wake()
	return nil
}

// Wake nudges the loop without blocking; coalesces with a pending nudge.
func (d *Dispatcher) Wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// InjectResult feeds a settlement into the loop. Safe from any
// goroutine; blocks only if the buffer is full.
func (d *Dispatcher) InjectResult(res Result) {
	d.mutex.Lock()
	ctx := d.ctx
	running := d.isRunning
	d.mutex.Unlock()
	if !running {
		return
	}
	select {
	case d.resultCh <- res:
	case <-ctx.Done():
	}
}

// HandleSessionRemoval is the registry removal hook. The actual
// failover work happens inside the loop goroutine. The hook can fire
// on the loop goroutine itself (a failed send during bind removes the
// session), so it must never block on the loop's own channel.
func (d *Dispatcher) HandleSessionRemoval(extensionID string) {
	res := Result{Kind: KindSessionDown, ExtensionID: extensionID}
	select {
	case d.resultCh <- res:
	default:
		go d.InjectResult(res)
	}
}

// GetStats returns a copy of the counters.
func (d *Dispatcher) GetStats() Stats {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.stats
}

// IsHealthy reports whether the loop is running.
func (d *Dispatcher) IsHealthy() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.isRunning
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wakeCh:
			d.dispatchEligible()
		case <-ticker.C:
			d.dispatchEligible()
		case res := <-d.resultCh:
			d.applyResult(res)
			d.dispatchEligible()
		}
	}
}

// dispatchEligible binds as many jobs as the concurrency cap, the
// session pool, and the rate limiter allow.
func (d *Dispatcher) dispatchEligible() {
	for {
		if d.store.InFlightCount() >= d.config.MaxConcurrent {
			return
		}

		job, ok := d.store.Pop()
		if !ok {
			return
		}

		decision, ok := d.router.Select(job)
		if !ok {
			// No routable session; the job keeps its place in line.
			if err := d.store.ReturnToHead(job.ID); err != nil {
				d.logger.WithField("job_id", job.ID).WithError(err).Error("Failed to return job to lane")
			}
			return
		}

		if d.limiter != nil && !d.limiter.TryConsume() {
			if err := d.store.ReturnToHead(job.ID); err != nil {
				d.logger.WithField("job_id", job.ID).WithError(err).Error("Failed to return job to lane")
			}
			metrics.RateLimitedTotal.WithLabelValues("dispatch").Inc()
			d.mutex.Lock()
			d.stats.RateLimited++
			d.mutex.Unlock()
			time.AfterFunc(tokenRetryDelay, d.Wake)
			return
		}

		d.bind(job, decision)
	}
}

func (d *Dispatcher) bind(job types.Job, decision Decision) {
	bound, err := d.store.MarkProcessing(job.ID, decision.ExtensionID)
	if err != nil {
		d.logger.WithField("job_id", job.ID).WithError(err).Error("Failed to mark job processing")
		return
	}

	d.registry.RecordDispatch(decision.ExtensionID)

	frame := types.GenerateImageFrame{
		Type:          types.FrameGenerateImage,
		RequestID:     bound.ID,
		URL:           bound.Payload.URL,
		Headers:       bound.Payload.Headers,
		Prompt:        bound.Payload.Prompt,
		Model:         bound.Payload.Model,
		Parameters:    bound.Payload.Metadata,
		UserID:        bound.Payload.UserID,
		AddonID:       bound.Payload.AddonID,
		CorrelationID: bound.CorrelationID,
		Timestamp:     d.clock.Now().UnixMilli(),
	}
	if err := d.registry.Send(decision.ExtensionID, types.FrameGenerateImage, frame); err != nil {
		// Send failure removed the session; its removal hook queues the
		// failover that reclaims this job.
		return
	}

	jobID := bound.ID
	extID := decision.ExtensionID
	d.pending[jobID] = &pendingEntry{
		extensionID:  extID,
		dispatchedAt: d.clock.Now(),
		timer: time.AfterFunc(d.config.ProcessingTimeout, func() {
			d.InjectResult(Result{
				Kind:        KindTimeout,
				JobID:       jobID,
				ExtensionID: extID,
			})
		}),
	}

	d.mutex.Lock()
	d.stats.Dispatched++
	d.mutex.Unlock()

	d.logger.WithFields(logrus.Fields{
		"job_id":       jobID,
		"extension_id": extID,
		"score":        decision.Score,
		"reason":       decision.Reason,
		"attempt":      bound.Attempts,
	}).Debug("Job dispatched")

	d.sink.Publish(types.Event{
		Topic:         types.TopicItemProcessing,
		Timestamp:     d.clock.Now(),
		JobID:         jobID,
		ExtensionID:   extID,
		CorrelationID: bound.CorrelationID,
		Data: map[string]interface{}{
			"score":      decision.Score,
			"confidence": decision.Confidence,
			"reason":     decision.Reason,
		},
	})
}

func (d *Dispatcher) applyResult(res Result) {
	if res.Kind == KindSessionDown {
		d.failover(res.ExtensionID)
		return
	}

	entry, ok := d.pending[res.JobID]
	if !ok {
		// Duplicate or stale settlement. First write wins.
		d.mutex.Lock()
		d.stats.Duplicates++
		d.mutex.Unlock()
		d.logger.WithFields(logrus.Fields{
			"job_id": res.JobID,
			"kind":   res.Kind,
		}).Debug("Ignoring settlement for non-pending job")
		return
	}

	if res.Kind == KindProgress {
		d.store.SetProgress(res.JobID, res.Progress)
		return
	}

	entry.timer.Stop()
	delete(d.pending, res.JobID)
	responseTime := d.clock.Now().Sub(entry.dispatchedAt)

	switch res.Kind {
	case KindComplete:
		if _, err := d.store.Complete(res.JobID, res.Payload, responseTime); err != nil {
			d.logger.WithField("job_id", res.JobID).WithError(err).Error("Failed to settle completion")
			return
		}
		d.registry.RecordResult(entry.extensionID, responseTime, true)
		d.mutex.Lock()
		d.stats.Completed++
		d.mutex.Unlock()

	case KindFail:
		if _, err := d.store.Fail(res.JobID, res.Error, res.Retryable); err != nil {
			d.logger.WithField("job_id", res.JobID).WithError(err).Error("Failed to settle failure")
			return
		}
		d.registry.RecordResult(entry.extensionID, responseTime, false)
		d.mutex.Lock()
		d.stats.Failed++
		d.mutex.Unlock()

	case KindTimeout:
		if _, err := d.store.Fail(res.JobID, "processing timeout", true); err != nil {
			d.logger.WithField("job_id", res.JobID).WithError(err).Error("Failed to settle timeout")
			return
		}
		d.registry.RecordResult(entry.extensionID, responseTime, false)
		metrics.RecordError("dispatcher", "processing_timeout")
		d.mutex.Lock()
		d.stats.TimedOut++
		d.mutex.Unlock()
		d.logger.WithFields(logrus.Fields{
			"job_id":       res.JobID,
			"extension_id": entry.extensionID,
			"timeout":      d.config.ProcessingTimeout,
		}).Warn("Job timed out in flight")
	}
}
