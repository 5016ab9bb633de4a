package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/semantest/nodejs.server-sub008/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

// recordingSink captures published events for assertions.
type recordingSink struct {
	mutex  sync.Mutex
	events []types.Event
}

func (r *recordingSink) Publish(ev types.Event) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) byTopic(topic string) []types.Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	var out []types.Event
	for _, ev := range r.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

func testStore(t *testing.T, config Config, clock *fakeClock) (*Store, *recordingSink) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	sink := &recordingSink{}
	return NewStore(config, logger, clock, sink), sink
}

func testJob(id string, p types.Priority) types.Job {
	return types.Job{
		ID:            id,
		Priority:      p,
		Payload:       types.JobPayload{URL: "https://example.com/" + id},
		CorrelationID: "corr-" + id,
	}
}

func TestStore_PopPrefersHigherLane(t *testing.T) {
	clock := newFakeClock()
	store, _ := testStore(t, Config{}, clock)

	require.NoError(t, store.Enqueue(testJob("low-1", types.PriorityLow)))
	require.NoError(t, store.Enqueue(testJob("norm-1", types.PriorityNormal)))
	require.NoError(t, store.Enqueue(testJob("high-1", types.PriorityHigh)))
	require.NoError(t, store.Enqueue(testJob("high-2", types.PriorityHigh)))

	order := []string{}
	for {
		job, ok := store.Pop()
		if !ok {
			break
		}
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"high-1", "high-2", "norm-1", "low-1"}, order)
}

func TestStore_BackoffSchedule(t *testing.T) {
	clock := newFakeClock()
	store, _ := testStore(t, Config{
		RetryDelays:   []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
		FallbackDelay: 30 * time.Second,
		DLQThreshold:  10,
	}, clock)

	assert.Equal(t, time.Second, store.BackoffDelay(1))
	assert.Equal(t, 5*time.Second, store.BackoffDelay(2))
	assert.Equal(t, 15*time.Second, store.BackoffDelay(3))
	assert.Equal(t, 30*time.Second, store.BackoffDelay(4))
	assert.Equal(t, 30*time.Second, store.BackoffDelay(99))
}

func TestStore_FailSchedulesRetryAtTail(t *testing.T) {
	clock := newFakeClock()
	store, sink := testStore(t, Config{DLQThreshold: 3}, clock)

	require.NoError(t, store.Enqueue(testJob("j1", types.PriorityNormal)))
	require.NoError(t, store.Enqueue(testJob("j2", types.PriorityNormal)))

	job, ok := store.Pop()
	require.True(t, ok)
	require.Equal(t, "j1", job.ID)
	_, err := store.MarkProcessing("j1", "ext-1")
	require.NoError(t, err)

	_, err = store.Fail("j1", "worker crashed", true)
	require.NoError(t, err)

	// The retry gate holds j1 back; j2 dispatches first.
	job, ok = store.Pop()
	require.True(t, ok)
	assert.Equal(t, "j2", job.ID)

	_, ok = store.Pop()
	assert.False(t, ok, "j1 must stay gated until its backoff elapses")

	// First attempt waits the first schedule entry (1s default).
	clock.Advance(time.Second)
	job, ok = store.Pop()
	require.True(t, ok)
	assert.Equal(t, "j1", job.ID)

	retries := sink.byTopic(types.TopicItemRetry)
	require.Len(t, retries, 1)
	assert.Equal(t, "j1", retries[0].JobID)
}

func TestStore_GatedHeadDoesNotBlockOtherLanes(t *testing.T) {
	clock := newFakeClock()
	store, _ := testStore(t, Config{DLQThreshold: 5}, clock)

	require.NoError(t, store.Enqueue(testJob("h1", types.PriorityHigh)))
	require.NoError(t, store.Enqueue(testJob("n1", types.PriorityNormal)))

	job, _ := store.Pop()
	require.Equal(t, "h1", job.ID)
	_, err := store.MarkProcessing("h1", "ext-1")
	require.NoError(t, err)
	_, err = store.Fail("h1", "transient", true)
	require.NoError(t, err)

	// h1 is back in the high lane but gated. The normal lane must not
	// starve behind it.
	job, ok := store.Pop()
	require.True(t, ok)
	assert.Equal(t, "n1", job.ID)
}

func TestStore_ExhaustedAttemptsGoToDLQ(t *testing.T) {
	clock := newFakeClock()
	store, sink := testStore(t, Config{
		RetryDelays:  []time.Duration{time.Millisecond},
		DLQThreshold: 3,
	}, clock)

	require.NoError(t, store.Enqueue(testJob("doomed", types.PriorityNormal)))

	for attempt := 1; attempt <= 3; attempt++ {
		clock.Advance(time.Minute)
		job, ok := store.Pop()
		require.True(t, ok, "attempt %d should dispatch", attempt)
		require.Equal(t, "doomed", job.ID)
		_, err := store.MarkProcessing("doomed", "ext-1")
		require.NoError(t, err)
		_, err = store.Fail("doomed", "boom", true)
		require.NoError(t, err)
	}

	dlq := store.DLQSnapshot()
	require.Len(t, dlq, 1)
	assert.Equal(t, types.JobDead, dlq[0].Status)
	assert.Equal(t, 3, dlq[0].Attempts)
	assert.Equal(t, "boom", dlq[0].Error)

	assert.Len(t, sink.byTopic(types.TopicItemRetry), 2)
	assert.Len(t, sink.byTopic(types.TopicItemDLQ), 1)
}

func TestStore_TerminalErrorSkipsRetries(t *testing.T) {
	clock := newFakeClock()
	store, _ := testStore(t, Config{DLQThreshold: 3}, clock)

	require.NoError(t, store.Enqueue(testJob("bad-input", types.PriorityNormal)))
	store.Pop()
	_, err := store.MarkProcessing("bad-input", "ext-1")
	require.NoError(t, err)

	job, err := store.Fail("bad-input", "unsupported format", false)
	require.NoError(t, err)
	assert.Equal(t, types.JobDead, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Len(t, store.DLQSnapshot(), 1)
}

func TestStore_RetryFromDLQResetsAttempts(t *testing.T) {
	clock := newFakeClock()
	store, sink := testStore(t, Config{DLQThreshold: 1}, clock)

	require.NoError(t, store.Enqueue(testJob("revive", types.PriorityHigh)))
	store.Pop()
	_, err := store.MarkProcessing("revive", "ext-1")
	require.NoError(t, err)
	_, err = store.Fail("revive", "boom", true)
	require.NoError(t, err)
	require.Len(t, store.DLQSnapshot(), 1)

	require.NoError(t, store.RetryFromDLQ("revive"))
	assert.Empty(t, store.DLQSnapshot())

	job, ok := store.GetJob("revive")
	require.True(t, ok)
	assert.Equal(t, types.JobPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Empty(t, job.Error)
	assert.Equal(t, types.PriorityHigh, job.Priority)

	assert.Len(t, sink.byTopic(types.TopicItemDLQRetry), 1)
}

func TestStore_CapacityCrossingEmitsOnce(t *testing.T) {
	clock := newFakeClock()
	store, sink := testStore(t, Config{MaxQueueSize: 2}, clock)

	require.NoError(t, store.Enqueue(testJob("a", types.PriorityNormal)))
	require.NoError(t, store.Enqueue(testJob("b", types.PriorityNormal)))

	// The event fires on the admission that fills the store, not on the
	// first rejection.
	assert.Len(t, sink.byTopic(types.TopicCapacityReached), 1)

	// Saturated: further admissions are refused without re-firing.
	assert.ErrorIs(t, store.Enqueue(testJob("c", types.PriorityNormal)), ErrQueueFull)
	assert.ErrorIs(t, store.Enqueue(testJob("d", types.PriorityNormal)), ErrQueueFull)
	assert.Len(t, sink.byTopic(types.TopicCapacityReached), 1)

	assert.True(t, store.Status().CapacityReached)

	// A settled job frees a slot and re-arms the crossing.
	store.Pop()
	_, err := store.MarkProcessing("a", "ext-1")
	require.NoError(t, err)
	_, err = store.Complete("a", nil, 100*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, store.Enqueue(testJob("e", types.PriorityNormal)))
	assert.ErrorIs(t, store.Enqueue(testJob("f", types.PriorityNormal)), ErrQueueFull)
	assert.Len(t, sink.byTopic(types.TopicCapacityReached), 2)
}

func TestStore_CapacityCountsInFlight(t *testing.T) {
	clock := newFakeClock()
	store, _ := testStore(t, Config{MaxQueueSize: 1}, clock)

	require.NoError(t, store.Enqueue(testJob("only", types.PriorityNormal)))
	store.Pop()
	_, err := store.MarkProcessing("only", "ext-1")
	require.NoError(t, err)

	// In-flight still occupies the slot.
	assert.ErrorIs(t, store.Enqueue(testJob("extra", types.PriorityNormal)), ErrQueueFull)
}

func TestStore_CancelOnlyPending(t *testing.T) {
	clock := newFakeClock()
	store, sink := testStore(t, Config{}, clock)

	require.NoError(t, store.Enqueue(testJob("p", types.PriorityLow)))
	require.NoError(t, store.Enqueue(testJob("q", types.PriorityLow)))

	require.NoError(t, store.Cancel("p"))
	job, ok := store.GetJob("p")
	require.True(t, ok)
	assert.Equal(t, types.JobCancelled, job.Status)

	// Cancelled jobs never dispatch.
	next, ok := store.Pop()
	require.True(t, ok)
	assert.Equal(t, "q", next.ID)

	_, err := store.MarkProcessing("q", "ext-1")
	require.NoError(t, err)
	assert.ErrorIs(t, store.Cancel("q"), ErrNotCancellable)
	assert.ErrorIs(t, store.Cancel("missing"), ErrUnknownJob)

	assert.Len(t, sink.byTopic(types.TopicItemCancelled), 1)
}

func TestStore_CancelBetweenPopAndDispatchWins(t *testing.T) {
	clock := newFakeClock()
	store, _ := testStore(t, Config{}, clock)

	require.NoError(t, store.Enqueue(testJob("raced", types.PriorityNormal)))

	// HTTP cancel lands after the loop popped the job but before it
	// bound a worker. The cancel sticks and the dispatch is refused.
	job, ok := store.Pop()
	require.True(t, ok)
	require.NoError(t, store.Cancel(job.ID))

	_, err := store.MarkProcessing(job.ID, "ext-1")
	assert.ErrorIs(t, err, ErrNotPending)
	assert.ErrorIs(t, store.ReturnToHead(job.ID), ErrNotPending)

	got, ok := store.GetJob(job.ID)
	require.True(t, ok)
	assert.Equal(t, types.JobCancelled, got.Status)
	assert.Equal(t, 0, store.InFlightCount())

	// The settled job never re-enters a lane.
	_, ok = store.Pop()
	assert.False(t, ok)
}

func TestStore_ReturnToHeadPreservesOrder(t *testing.T) {
	clock := newFakeClock()
	store, _ := testStore(t, Config{}, clock)

	require.NoError(t, store.Enqueue(testJob("first", types.PriorityNormal)))
	require.NoError(t, store.Enqueue(testJob("second", types.PriorityNormal)))

	job, ok := store.Pop()
	require.True(t, ok)
	require.Equal(t, "first", job.ID)

	// No worker available: the job goes back to the front, not the tail.
	require.NoError(t, store.ReturnToHead("first"))

	job, ok = store.Pop()
	require.True(t, ok)
	assert.Equal(t, "first", job.ID)
}

func TestStore_FailoverDetachAndRequeue(t *testing.T) {
	clock := newFakeClock()
	store, _ := testStore(t, Config{DLQThreshold: 3}, clock)

	require.NoError(t, store.Enqueue(testJob("f1", types.PriorityNormal)))
	require.NoError(t, store.Enqueue(testJob("f2", types.PriorityNormal)))
	store.Pop()
	store.Pop()
	_, err := store.MarkProcessing("f1", "ext-dead")
	require.NoError(t, err)
	_, err = store.MarkProcessing("f2", "ext-alive")
	require.NoError(t, err)

	detached := store.DetachInFlight("ext-dead")
	require.Len(t, detached, 1)
	assert.Equal(t, "f1", detached[0].ID)
	assert.Equal(t, 1, detached[0].RetryCount)
	assert.Equal(t, 1, detached[0].Attempts, "failover must not burn an attempt")
	assert.Equal(t, 1, store.InFlightCount())

	// With no other session, the job re-enters at the head, eligible now.
	require.NoError(t, store.RequeueHead("f1"))
	job, ok := store.Pop()
	require.True(t, ok)
	assert.Equal(t, "f1", job.ID)
}

func TestStore_ReassignKeepsAttemptCount(t *testing.T) {
	clock := newFakeClock()
	store, _ := testStore(t, Config{}, clock)

	require.NoError(t, store.Enqueue(testJob("move", types.PriorityNormal)))
	store.Pop()
	_, err := store.MarkProcessing("move", "ext-dead")
	require.NoError(t, err)

	detached := store.DetachInFlight("ext-dead")
	require.Len(t, detached, 1)

	job, err := store.Reassign("move", "ext-alive")
	require.NoError(t, err)
	assert.Equal(t, types.JobProcessing, job.Status)
	assert.Equal(t, "ext-alive", job.AssignedExtensionID)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 1, store.InFlightCount())
}

func TestStore_CompleteRequiresInFlight(t *testing.T) {
	clock := newFakeClock()
	store, _ := testStore(t, Config{}, clock)

	require.NoError(t, store.Enqueue(testJob("idle", types.PriorityNormal)))

	_, err := store.Complete("idle", nil, time.Second)
	assert.ErrorIs(t, err, ErrNotInFlight)
	_, err = store.Complete("ghost", nil, time.Second)
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestStore_StatusSnapshot(t *testing.T) {
	clock := newFakeClock()
	store, _ := testStore(t, Config{}, clock)

	require.NoError(t, store.Enqueue(testJob("s1", types.PriorityHigh)))
	require.NoError(t, store.Enqueue(testJob("s2", types.PriorityNormal)))
	require.NoError(t, store.Enqueue(testJob("s3", types.PriorityNormal)))

	store.Pop()
	_, err := store.MarkProcessing("s1", "ext-1")
	require.NoError(t, err)
	_, err = store.Complete("s1", []byte(`{"ok":true}`), 2*time.Second)
	require.NoError(t, err)

	status := store.Status()
	assert.Equal(t, 0, status.LaneDepths[types.PriorityHigh])
	assert.Equal(t, 2, status.LaneDepths[types.PriorityNormal])
	assert.Equal(t, 0, status.InFlight)
	assert.Equal(t, int64(3), status.TotalEnqueued)
	assert.Equal(t, int64(1), status.TotalProcessed)
	assert.Equal(t, 2*time.Second, status.AvgProcessingTime)
	assert.Greater(t, status.CurrentRate, 0.0)
}

func TestStore_DuplicateIDRejected(t *testing.T) {
	clock := newFakeClock()
	store, _ := testStore(t, Config{}, clock)

	require.NoError(t, store.Enqueue(testJob("dup", types.PriorityNormal)))
	assert.Error(t, store.Enqueue(testJob("dup", types.PriorityNormal)))
}

func TestStore_PurgeDLQ(t *testing.T) {
	clock := newFakeClock()
	store, _ := testStore(t, Config{DLQThreshold: 1}, clock)

	for _, id := range []string{"d1", "d2"} {
		require.NoError(t, store.Enqueue(testJob(id, types.PriorityNormal)))
		store.Pop()
		_, err := store.MarkProcessing(id, "ext-1")
		require.NoError(t, err)
		_, err = store.Fail(id, "boom", true)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, store.PurgeDLQ())
	assert.Empty(t, store.DLQSnapshot())
	_, ok := store.GetJob("d1")
	assert.False(t, ok, "purged jobs leave the index")
}
