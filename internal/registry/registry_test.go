package registry

import (
	"errors"
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

// fakeTransport records frames and close reasons.
type fakeTransport struct {
	mutex       sync.Mutex
	frames      []interface{}
	closeReason string
	closed      bool
	enqueueErr  error
}

func (ft *fakeTransport) Enqueue(frame interface{}) error {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	if ft.enqueueErr != nil {
		return ft.enqueueErr
	}
	ft.frames = append(ft.frames, frame)
	return nil
}

func (ft *fakeTransport) Close(reason string) {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	ft.closed = true
	ft.closeReason = reason
}

func (ft *fakeTransport) frameCount() int {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	return len(ft.frames)
}

func (ft *fakeTransport) isClosed() bool {
	ft.mutex.Lock()
	defer ft.mutex.Unlock()
	return ft.closed
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

func testRegistry(clock *fakeClock) *Registry {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewRegistry(logger, clock, types.NopEventSink{})
}

func testRegistryWithSink(clock *fakeClock) (*Registry, *recordingSink) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	sink := &recordingSink{}
	return NewRegistry(logger, clock, sink), sink
}

func TestRegistry_AuthenticateSwapsIdentity(t *testing.T) {
	clock := newFakeClock()
	reg := testRegistry(clock)
	transport := &fakeTransport{}

	reg.Register("temp-123", transport)

	info, ok := reg.Get("temp-123")
	require.True(t, ok)
	assert.Equal(t, types.ExtensionUnauthenticated, info.Status)
	assert.Empty(t, reg.ConnectedSessions(), "unauthenticated sessions are not routable")

	caps := []types.Capability{{Name: "image_generation", Version: "2.1.0"}}
	require.NoError(t, reg.Authenticate("temp-123", "ext-real", caps))

	_, ok = reg.Get("temp-123")
	assert.False(t, ok, "temporary id is gone after authentication")

	info, ok = reg.Get("ext-real")
	require.True(t, ok)
	assert.Equal(t, types.ExtensionConnected, info.Status)
	assert.Equal(t, caps, info.Capabilities)
	assert.Len(t, reg.ConnectedSessions(), 1)
}

func TestRegistry_AuthenticateUnknownTempID(t *testing.T) {
	reg := testRegistry(newFakeClock())
	err := reg.Authenticate("ghost", "ext-1", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistry_ReconnectReplacesOldSession(t *testing.T) {
	clock := newFakeClock()
	reg, sink := testRegistryWithSink(clock)

	var removed []string
	reg.SetRemovalHook(func(id string) { removed = append(removed, id) })

	oldTransport := &fakeTransport{}
	reg.Register("temp-a", oldTransport)
	require.NoError(t, reg.Authenticate("temp-a", "ext-1", nil))

	newTransport := &fakeTransport{}
	reg.Register("temp-b", newTransport)
	require.NoError(t, reg.Authenticate("temp-b", "ext-1", nil))

	assert.True(t, oldTransport.isClosed(), "replaced transport must close")
	assert.False(t, newTransport.isClosed())
	assert.Equal(t, 1, reg.Count())
	assert.Equal(t, []string{"ext-1"}, removed, "failover hook fires for the replaced session")

	// Bus subscribers see connect, disconnect, connect, in that order.
	assert.Len(t, sink.byTopic(types.TopicExtensionConnected), 2)
	disconnects := sink.byTopic(types.TopicExtensionDisconnected)
	require.Len(t, disconnects, 1)
	assert.Equal(t, "ext-1", disconnects[0].ExtensionID)
}

func TestRegistry_SendFullBufferRemovesSession(t *testing.T) {
	clock := newFakeClock()
	reg := testRegistry(clock)

	var removed []string
	reg.SetRemovalHook(func(id string) { removed = append(removed, id) })

	transport := &fakeTransport{enqueueErr: errors.New("send buffer full")}
	reg.Register("temp-1", transport)
	require.NoError(t, reg.Authenticate("temp-1", "ext-1", nil))

	err := reg.Send("ext-1", types.FramePing, types.NewSimpleFrame(types.FramePing, clock.Now()))
	require.Error(t, err)

	assert.Equal(t, 0, reg.Count())
	assert.True(t, transport.isClosed())
	assert.Equal(t, []string{"ext-1"}, removed)
}

func TestRegistry_RecordResultFeedsRunningMean(t *testing.T) {
	clock := newFakeClock()
	reg := testRegistry(clock)
	reg.Register("temp-1", &fakeTransport{})
	require.NoError(t, reg.Authenticate("temp-1", "ext-1", nil))

	reg.RecordDispatch("ext-1")
	reg.RecordDispatch("ext-1")

	info, _ := reg.Get("ext-1")
	assert.Equal(t, 2, info.InFlightCount)

	reg.RecordResult("ext-1", 100*time.Millisecond, true)
	reg.RecordResult("ext-1", 300*time.Millisecond, false)

	info, _ = reg.Get("ext-1")
	assert.Equal(t, 0, info.InFlightCount)
	assert.InDelta(t, 200.0, info.AvgResponseTimeMs, 0.01)
	assert.Equal(t, int64(1), info.SuccessCount)
	assert.Equal(t, int64(1), info.FailureCount)
}

func TestHeartbeat_IdleSessionTurnsUnhealthyThenRecovers(t *testing.T) {
	clock := newFakeClock()
	reg := testRegistry(clock)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	transport := &fakeTransport{}
	reg.Register("temp-1", transport)
	require.NoError(t, reg.Authenticate("temp-1", "ext-1", nil))

	hs := NewHeartbeatSupervisor(HeartbeatConfig{
		Interval:           30 * time.Second,
		UnhealthyThreshold: 60 * time.Second,
		MaxMissed:          3,
	}, reg, logger, clock)

	// Within the threshold nothing happens.
	clock.Advance(45 * time.Second)
	hs.sweep()
	info, _ := reg.Get("ext-1")
	assert.Equal(t, types.ExtensionConnected, info.Status)
	assert.Equal(t, 0, transport.frameCount())

	// Past the threshold the session is unhealthy and gets probed.
	clock.Advance(30 * time.Second)
	hs.sweep()
	info, _ = reg.Get("ext-1")
	assert.Equal(t, types.ExtensionUnhealthy, info.Status)
	assert.Equal(t, 1, info.MissedHeartbeats)
	assert.Equal(t, 1, transport.frameCount())
	assert.Empty(t, reg.ConnectedSessions(), "unhealthy sessions are not routable")

	// Any activity recovers the session.
	reg.MarkActivity("ext-1")
	info, _ = reg.Get("ext-1")
	assert.Equal(t, types.ExtensionConnected, info.Status)
	assert.Equal(t, 0, info.MissedHeartbeats)
	assert.Len(t, reg.ConnectedSessions(), 1)
}

func TestHeartbeat_SilentSessionRemovedAfterMaxMissed(t *testing.T) {
	clock := newFakeClock()
	reg := testRegistry(clock)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	var removed []string
	reg.SetRemovalHook(func(id string) { removed = append(removed, id) })

	transport := &fakeTransport{}
	reg.Register("temp-1", transport)
	require.NoError(t, reg.Authenticate("temp-1", "ext-1", nil))

	hs := NewHeartbeatSupervisor(HeartbeatConfig{
		Interval:           30 * time.Second,
		UnhealthyThreshold: 60 * time.Second,
		MaxMissed:          3,
	}, reg, logger, clock)

	clock.Advance(90 * time.Second)
	hs.sweep() // missed 1
	hs.sweep() // missed 2
	assert.Equal(t, 1, reg.Count())

	hs.sweep() // missed 3: removal
	assert.Equal(t, 0, reg.Count())
	assert.True(t, transport.isClosed())
	assert.Equal(t, []string{"ext-1"}, removed)
}
