// Package queue implements the priority queue store: three FIFO lanes,
// the in-flight table, the dead letter queue, and the job index. All
// collections mutate under a single mutex so every snapshot is
// consistent.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/semantest/nodejs.server-sub008/internal/metrics"
	"github.com/semantest/nodejs.server-sub008/pkg/types"

	"github.com/sirupsen/logrus"
)

var (
	// ErrQueueFull is returned by Enqueue when the admission cap
	// (waiting plus in-flight) is reached.
	ErrQueueFull = errors.New("queue is at capacity")

	// ErrUnknownJob is returned for operations on job IDs the store has
	// never seen.
	ErrUnknownJob = errors.New("unknown job")

	// ErrNotCancellable is returned by Cancel for jobs that are no
	// longer pending.
	ErrNotCancellable = errors.New("job is not pending")

	// ErrNotPending is returned by dispatch-side transitions when the
	// job was settled (a cancel winning the race) after it left its lane.
	ErrNotPending = errors.New("job is no longer pending")

	// ErrNotInFlight is returned by Complete/Fail when the job is not
	// currently assigned.
	ErrNotInFlight = errors.New("job is not in flight")

	// ErrNotInDLQ is returned by RetryFromDLQ for jobs outside the dead
	// letter queue.
	ErrNotInDLQ = errors.New("job is not in the dead letter queue")
)

// Config holds the store tunables.
type Config struct {
	// RetryDelays is the ordered backoff schedule. Attempt k (1-indexed)
	// waits RetryDelays[k-1]; attempts past the end wait FallbackDelay.
	RetryDelays   []time.Duration
	FallbackDelay time.Duration

	// DLQThreshold is the default MaxAttempts for admitted jobs.
	DLQThreshold int

	// MaxQueueSize caps waiting plus in-flight jobs. Zero disables the cap.
	MaxQueueSize int
}

const (
	defaultDLQThreshold  = 3
	defaultFallbackDelay = 30 * time.Second

	// rateWindow is the sliding window used for the throughput figure
	// reported in QueueStatus.
	rateWindow = 60 * time.Second
)

var defaultRetryDelays = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

// Store owns all job state. Methods return value copies; callers never
// see the internal pointers.
type Store struct {
	config Config
	logger *logrus.Logger
	clock  types.Clock
	sink   types.EventSink

	mutex    sync.Mutex
	lanes    map[types.Priority][]*types.Job
	inFlight map[string]*types.Job
	dlq      []*types.Job
	jobs     map[string]*types.Job

	totalEnqueued  int64
	totalProcessed int64
	totalFailed    int64
	totalInDLQ     int64
	totalCancelled int64

	// capacityReached flips on the crossing into saturation and back
	// off when space frees up, so the event fires once per crossing.
	capacityReached bool

	completions         []time.Time
	totalProcessingTime time.Duration
}

// NewStore creates an empty store.
func NewStore(config Config, logger *logrus.Logger, clock types.Clock, sink types.EventSink) *Store {
	if config.DLQThreshold <= 0 {
		config.DLQThreshold = defaultDLQThreshold
	}
	if len(config.RetryDelays) == 0 {
		config.RetryDelays = defaultRetryDelays
	}
	if config.FallbackDelay <= 0 {
		config.FallbackDelay = defaultFallbackDelay
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if sink == nil {
		sink = types.NopEventSink{}
	}

	lanes := make(map[types.Priority][]*types.Job, len(types.Priorities))
	for _, p := range types.Priorities {
		lanes[p] = nil
	}
	return &Store{
		config:   config,
		logger:   logger,
		clock:    clock,
		sink:     sink,
		lanes:    lanes,
		inFlight: make(map[string]*types.Job),
		jobs:     make(map[string]*types.Job),
	}
}

// BackoffDelay returns the wait before retry attempt k (1-indexed).
func (s *Store) BackoffDelay(attempt int) time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.backoffDelayLocked(attempt)
}

func (s *Store) backoffDelayLocked(attempt int) time.Duration {
	if attempt >= 1 && attempt <= len(s.config.RetryDelays) {
		return s.config.RetryDelays[attempt-1]
	}
	return s.config.FallbackDelay
}

// SetRetryDelays replaces the backoff schedule at runtime.
func (s *Store) SetRetryDelays(delays []time.Duration, fallback time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if len(delays) > 0 {
		s.config.RetryDelays = delays
	}
	if fallback > 0 {
		s.config.FallbackDelay = fallback
	}
}

// Enqueue admits a pending job at the tail of its priority lane.
func (s *Store) Enqueue(job types.Job) error {
	if !job.Priority.IsValid() {
		return fmt.Errorf("invalid priority %q", job.Priority)
	}
	if job.ID == "" {
		return errors.New("job id is required")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("duplicate job id %q", job.ID)
	}

	if s.atCapacityLocked() {
		s.noteCapacityLocked()
		return ErrQueueFull
	}

	job.Status = types.JobPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.clock.Now()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = s.config.DLQThreshold
	}

	stored := job.Copy()
	s.jobs[stored.ID] = &stored
	s.lanes[stored.Priority] = append(s.lanes[stored.Priority], &stored)
	s.totalEnqueued++
	s.noteCapacityLocked()

	metrics.JobsEnqueuedTotal.WithLabelValues(string(stored.Priority)).Inc()
	s.updateGaugesLocked()

	s.sink.Publish(types.Event{
		Topic:         types.TopicItemAdded,
		Timestamp:     s.clock.Now(),
		JobID:         stored.ID,
		CorrelationID: stored.CorrelationID,
		Data:          map[string]interface{}{"priority": string(stored.Priority)},
	})
	return nil
}

// Pop removes and returns the next dispatchable job. Within each lane,
// a retry whose backoff has elapsed wins over the head; a head that is
// itself waiting on backoff blocks nothing, the scan falls through to
// the next lane.
func (s *Store) Pop() (types.Job, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.clock.Now()
	for _, p := range types.Priorities {
		lane := s.lanes[p]
		if len(lane) == 0 {
			continue
		}

		// First retry-ready job in FIFO order.
		for i, job := range lane {
			if job.NextRetryAt != nil && !job.NextRetryAt.After(now) {
				s.lanes[p] = append(lane[:i], lane[i+1:]...)
				s.updateGaugesLocked()
				return job.Copy(), true
			}
		}

		// Otherwise the head, but only if it is not itself gated.
		if lane[0].NextRetryAt == nil {
			job := lane[0]
			s.lanes[p] = lane[1:]
			s.updateGaugesLocked()
			return job.Copy(), true
		}
	}
	return types.Job{}, false
}

// ReturnToHead pushes a popped job back to the front of its lane,
// unchanged. Used when no worker could accept it. Jobs settled since
// the pop are refused with ErrNotPending.
func (s *Store) ReturnToHead(jobID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	if job.Status != types.JobPending {
		return ErrNotPending
	}
	s.lanes[job.Priority] = append([]*types.Job{job}, s.lanes[job.Priority]...)
	s.noteCapacityLocked()
	s.updateGaugesLocked()
	return nil
}

// MarkProcessing moves a popped job into the in-flight table and
// records the attempt. A job cancelled between Pop and this call is
// refused with ErrNotPending; the caller drops the dispatch.
func (s *Store) MarkProcessing(jobID, extensionID string) (types.Job, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return types.Job{}, ErrUnknownJob
	}
	if job.Status != types.JobPending {
		return types.Job{}, ErrNotPending
	}

	now := s.clock.Now()
	job.Status = types.JobProcessing
	job.Attempts++
	job.LastAttemptAt = &now
	job.NextRetryAt = nil
	job.AssignedExtensionID = extensionID
	s.inFlight[jobID] = job

	metrics.DispatchLatency.WithLabelValues(string(job.Priority)).Observe(now.Sub(job.CreatedAt).Seconds())
	s.updateGaugesLocked()
	return job.Copy(), nil
}

// Complete settles an in-flight job as successfully finished.
func (s *Store) Complete(jobID string, result []byte, processingTime time.Duration) (types.Job, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	job, ok := s.inFlight[jobID]
	if !ok {
		if _, known := s.jobs[jobID]; !known {
			return types.Job{}, ErrUnknownJob
		}
		return types.Job{}, ErrNotInFlight
	}
	delete(s.inFlight, jobID)

	now := s.clock.Now()
	job.Status = types.JobCompleted
	job.CompletedAt = &now
	job.Result = result
	job.ProcessingTime = processingTime
	job.Progress = 100

	s.totalProcessed++
	s.totalProcessingTime += processingTime
	s.completions = append(s.completions, now)
	s.pruneCompletionsLocked(now)

	if s.capacityReached && !s.atCapacityLocked() {
		s.capacityReached = false
	}

	metrics.JobsCompletedTotal.Inc()
	metrics.ProcessingDuration.Observe(processingTime.Seconds())
	s.updateGaugesLocked()

	s.sink.Publish(types.Event{
		Topic:         types.TopicItemCompleted,
		Timestamp:     now,
		JobID:         jobID,
		ExtensionID:   job.AssignedExtensionID,
		CorrelationID: job.CorrelationID,
		Data:          map[string]interface{}{"processing_time_ms": processingTime.Milliseconds()},
	})
	return job.Copy(), nil
}

// Fail settles an in-flight attempt as failed. Retryable failures
// below the attempt limit re-enter the lane tail with a backoff gate;
// everything else goes to the dead letter queue.
func (s *Store) Fail(jobID, errMsg string, retryable bool) (types.Job, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	job, ok := s.inFlight[jobID]
	if !ok {
		if _, known := s.jobs[jobID]; !known {
			return types.Job{}, ErrUnknownJob
		}
		return types.Job{}, ErrNotInFlight
	}
	delete(s.inFlight, jobID)

	now := s.clock.Now()
	job.Error = errMsg
	job.AssignedExtensionID = ""
	s.totalFailed++
	metrics.JobsFailedTotal.WithLabelValues(failReason(retryable)).Inc()

	if s.capacityReached && !s.atCapacityLocked() {
		s.capacityReached = false
	}

	if !retryable || job.Attempts >= job.MaxAttempts {
		job.Status = types.JobDead
		s.dlq = append(s.dlq, job)
		s.totalInDLQ++

		metrics.JobsDLQTotal.Inc()
		s.updateGaugesLocked()

		s.logger.WithFields(logrus.Fields{
			"job_id":   jobID,
			"attempts": job.Attempts,
			"error":    errMsg,
		}).Warn("Job moved to dead letter queue")

		s.sink.Publish(types.Event{
			Topic:         types.TopicItemDLQ,
			Timestamp:     now,
			JobID:         jobID,
			CorrelationID: job.CorrelationID,
			Data: map[string]interface{}{
				"attempts":  job.Attempts,
				"error":     errMsg,
				"retryable": retryable,
			},
		})
		return job.Copy(), nil
	}

	delay := s.backoffDelayLocked(job.Attempts)
	retryAt := now.Add(delay)
	job.Status = types.JobPending
	job.NextRetryAt = &retryAt
	s.lanes[job.Priority] = append(s.lanes[job.Priority], job)

	metrics.JobsRetriedTotal.Inc()
	s.updateGaugesLocked()

	s.sink.Publish(types.Event{
		Topic:         types.TopicItemRetry,
		Timestamp:     now,
		JobID:         jobID,
		CorrelationID: job.CorrelationID,
		Data: map[string]interface{}{
			"attempt":       job.Attempts,
			"next_retry_at": retryAt,
			"delay_ms":      delay.Milliseconds(),
		},
	})
	return job.Copy(), nil
}

// Cancel removes a pending job from its lane. Processing and terminal
// jobs cannot be cancelled.
func (s *Store) Cancel(jobID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	if job.Status != types.JobPending {
		return ErrNotCancellable
	}

	lane := s.lanes[job.Priority]
	for i, j := range lane {
		if j.ID == jobID {
			s.lanes[job.Priority] = append(lane[:i], lane[i+1:]...)
			break
		}
	}

	job.Status = types.JobCancelled
	job.NextRetryAt = nil
	s.totalCancelled++

	if s.capacityReached && !s.atCapacityLocked() {
		s.capacityReached = false
	}

	metrics.JobsCancelledTotal.Inc()
	s.updateGaugesLocked()

	s.sink.Publish(types.Event{
		Topic:         types.TopicItemCancelled,
		Timestamp:     s.clock.Now(),
		JobID:         jobID,
		CorrelationID: job.CorrelationID,
	})
	return nil
}

// RetryFromDLQ gives a dead job a fresh life: attempts reset, error
// cleared, re-admitted at the tail of its original lane.
func (s *Store) RetryFromDLQ(jobID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	idx := -1
	for i, j := range s.dlq {
		if j.ID == jobID {
			idx = i
			break
		}
	}
	if idx < 0 {
		if _, known := s.jobs[jobID]; !known {
			return ErrUnknownJob
		}
		return ErrNotInDLQ
	}

	job := s.dlq[idx]
	s.dlq = append(s.dlq[:idx], s.dlq[idx+1:]...)

	job.Status = types.JobPending
	job.Attempts = 0
	job.Error = ""
	job.NextRetryAt = nil
	job.AssignedExtensionID = ""
	s.lanes[job.Priority] = append(s.lanes[job.Priority], job)

	s.noteCapacityLocked()
	s.updateGaugesLocked()

	s.sink.Publish(types.Event{
		Topic:         types.TopicItemDLQRetry,
		Timestamp:     s.clock.Now(),
		JobID:         jobID,
		CorrelationID: job.CorrelationID,
	})
	return nil
}

// PurgeDLQ drops every dead job and returns how many were removed.
func (s *Store) PurgeDLQ() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	n := len(s.dlq)
	for _, j := range s.dlq {
		delete(s.jobs, j.ID)
	}
	s.dlq = nil
	s.updateGaugesLocked()
	return n
}

// DLQSnapshot returns copies of the dead jobs in arrival order.
func (s *Store) DLQSnapshot() []types.Job {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	out := make([]types.Job, 0, len(s.dlq))
	for _, j := range s.dlq {
		out = append(out, j.Copy())
	}
	return out
}

// DetachInFlight pulls every in-flight job assigned to the given
// worker out of the in-flight table for failover. The jobs stay in the
// index with a cleared assignment and a bumped rebind counter.
func (s *Store) DetachInFlight(extensionID string) []types.Job {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var detached []types.Job
	for id, job := range s.inFlight {
		if job.AssignedExtensionID != extensionID {
			continue
		}
		delete(s.inFlight, id)
		job.AssignedExtensionID = ""
		job.Status = types.JobPending
		job.RetryCount++
		detached = append(detached, job.Copy())
	}
	if len(detached) > 0 {
		s.updateGaugesLocked()
	}
	return detached
}

// Reassign binds a detached job to a new worker without counting a new
// attempt. Used by failover when another healthy session exists. Jobs
// settled since the detach are refused with ErrNotPending.
func (s *Store) Reassign(jobID, extensionID string) (types.Job, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return types.Job{}, ErrUnknownJob
	}
	if job.Status != types.JobPending {
		return types.Job{}, ErrNotPending
	}
	job.Status = types.JobProcessing
	job.AssignedExtensionID = extensionID
	s.inFlight[jobID] = job
	s.noteCapacityLocked()
	s.updateGaugesLocked()
	return job.Copy(), nil
}

// RequeueHead puts a detached job at the front of its lane, eligible
// immediately. Jobs settled since the detach are refused with
// ErrNotPending.
func (s *Store) RequeueHead(jobID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	if job.Status != types.JobPending {
		return ErrNotPending
	}
	now := s.clock.Now()
	job.NextRetryAt = &now
	s.lanes[job.Priority] = append([]*types.Job{job}, s.lanes[job.Priority]...)
	s.noteCapacityLocked()
	s.updateGaugesLocked()
	return nil
}

// GetJob returns a copy of any known job.
func (s *Store) GetJob(jobID string) (types.Job, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return types.Job{}, false
	}
	return job.Copy(), true
}

// SetProgress records a progress percentage on an in-flight job.
func (s *Store) SetProgress(jobID string, progress int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if job, ok := s.inFlight[jobID]; ok {
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		job.Progress = progress
	}
}

// InFlightCount returns the current number of assigned jobs.
func (s *Store) InFlightCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.inFlight)
}

// Status returns a consistent snapshot of depths, counters, and rates.
func (s *Store) Status() types.QueueStatus {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.clock.Now()
	s.pruneCompletionsLocked(now)

	depths := make(map[types.Priority]int, len(types.Priorities))
	for _, p := range types.Priorities {
		depths[p] = len(s.lanes[p])
	}

	var avg time.Duration
	if s.totalProcessed > 0 {
		avg = time.Duration(int64(s.totalProcessingTime) / s.totalProcessed)
	}

	return types.QueueStatus{
		LaneDepths:        depths,
		InFlight:          len(s.inFlight),
		DLQSize:           len(s.dlq),
		TotalEnqueued:     s.totalEnqueued,
		TotalProcessed:    s.totalProcessed,
		TotalFailed:       s.totalFailed,
		TotalInDLQ:        s.totalInDLQ,
		TotalCancelled:    s.totalCancelled,
		CurrentRate:       float64(len(s.completions)) / rateWindow.Seconds(),
		AvgProcessingTime: avg,
		CapacityReached:   s.capacityReached,
	}
}

// Snapshot returns copies of every live job (waiting, in-flight, and
// dead) for the periodic state dump.
func (s *Store) Snapshot() []types.Job {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	out := make([]types.Job, 0, len(s.jobs))
	for _, p := range types.Priorities {
		for _, j := range s.lanes[p] {
			out = append(out, j.Copy())
		}
	}
	for _, j := range s.inFlight {
		out = append(out, j.Copy())
	}
	for _, j := range s.dlq {
		out = append(out, j.Copy())
	}
	return out
}

func (s *Store) waitingLocked() int {
	n := 0
	for _, p := range types.Priorities {
		n += len(s.lanes[p])
	}
	return n
}

func (s *Store) atCapacityLocked() bool {
	return s.config.MaxQueueSize > 0 && s.waitingLocked()+len(s.inFlight) >= s.config.MaxQueueSize
}

// noteCapacityLocked fires capacity.reached when the store fills up.
// The latch holds until a settle frees a slot, so the event is emitted
// exactly once per crossing. Called from every mutation that grows the
// waiting or in-flight sets.
func (s *Store) noteCapacityLocked() {
	if s.capacityReached || !s.atCapacityLocked() {
		return
	}
	s.capacityReached = true
	s.sink.Publish(types.Event{
		Topic:     types.TopicCapacityReached,
		Timestamp: s.clock.Now(),
		Data:      map[string]interface{}{"max_queue_size": s.config.MaxQueueSize},
	})
	s.logger.WithField("max_queue_size", s.config.MaxQueueSize).Warn("Queue capacity reached")
}

func (s *Store) pruneCompletionsLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(s.completions) && s.completions[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		s.completions = s.completions[i:]
	}
}

func (s *Store) updateGaugesLocked() {
	for _, p := range types.Priorities {
		metrics.SetLaneDepth(string(p), len(s.lanes[p]))
	}
	metrics.InFlightJobs.Set(float64(len(s.inFlight)))
	metrics.DLQSize.Set(float64(len(s.dlq)))
}

func failReason(retryable bool) string {
	if retryable {
		return "retryable"
	}
	return "terminal"
}
