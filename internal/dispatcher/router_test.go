package dispatcher

import (
	"testing"
	"time"

	"github.com/semantest/nodejs.server-sub008/internal/registry"
	"github.com/semantest/nodejs.server-sub008/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func addSession(t *testing.T, reg *registry.Registry, id string, caps []types.Capability) *fakeTransport {
	t.Helper()
	transport := &fakeTransport{}
	reg.Register("temp-"+id, transport)
	require.NoError(t, reg.Authenticate("temp-"+id, id, caps))
	return transport
}

func TestCapabilityScore(t *testing.T) {
	offered := []types.Capability{
		{Name: "image_generation", Version: "2.1.0"},
		{Name: "download", Version: "1.0.0"},
	}

	// Exact version match.
	assert.Equal(t, 100.0, capabilityScore(offered, []types.Capability{
		{Name: "image_generation", Version: "2.1.0"},
	}))

	// Same major, newer minor offered: compatible.
	assert.Equal(t, 80.0, capabilityScore(offered, []types.Capability{
		{Name: "image_generation", Version: "2.0.0"},
	}))

	// Older minor offered than required: incompatible.
	assert.Equal(t, 20.0, capabilityScore(offered, []types.Capability{
		{Name: "image_generation", Version: "2.3.0"},
	}))

	// Different major: incompatible.
	assert.Equal(t, 20.0, capabilityScore(offered, []types.Capability{
		{Name: "image_generation", Version: "1.1.0"},
	}))

	// Capability not offered at all.
	assert.Equal(t, 20.0, capabilityScore(offered, []types.Capability{
		{Name: "video_generation", Version: "1.0.0"},
	}))

	// Mixed requirements average out.
	assert.Equal(t, 60.0, capabilityScore(offered, []types.Capability{
		{Name: "image_generation", Version: "2.1.0"},
		{Name: "video_generation", Version: "1.0.0"},
	}))

	// No requirements: perfect fit.
	assert.Equal(t, 100.0, capabilityScore(offered, nil))
}

func TestLoadScore(t *testing.T) {
	assert.Equal(t, 100.0, loadScore(0))
	assert.Equal(t, 50.0, loadScore(5))
	assert.Equal(t, 0.0, loadScore(10))
	assert.Equal(t, 0.0, loadScore(25))
}

func TestPerformanceScore(t *testing.T) {
	assert.Equal(t, 50.0, performanceScore(0), "no samples gets a neutral score")
	assert.Equal(t, 100.0, performanceScore(50))
	assert.Equal(t, 100.0, performanceScore(100))
	assert.Equal(t, 50.0, performanceScore(200))
	assert.Equal(t, 10.0, performanceScore(1000))
}

func TestRouter_PinnedTargetIsExact(t *testing.T) {
	clock := newFakeClock()
	reg := registry.NewRegistry(quietLogger(), clock, types.NopEventSink{})
	router := NewRouter(reg, quietLogger(), clock)

	addSession(t, reg, "ext-a", nil)
	addSession(t, reg, "ext-b", nil)

	decision, ok := router.Select(types.Job{ID: "j1", TargetExtensionID: "ext-b"})
	require.True(t, ok)
	assert.Equal(t, "ext-b", decision.ExtensionID)
	assert.Equal(t, 1.0, decision.Confidence)
	assert.Equal(t, "exact_match", decision.Reason)
}

func TestRouter_PinnedTargetMissingMeansNoCandidate(t *testing.T) {
	clock := newFakeClock()
	reg := registry.NewRegistry(quietLogger(), clock, types.NopEventSink{})
	router := NewRouter(reg, quietLogger(), clock)

	addSession(t, reg, "ext-a", nil)

	_, ok := router.Select(types.Job{ID: "j1", TargetExtensionID: "ext-gone"})
	assert.False(t, ok, "a pinned job must wait for its target")
}

func TestRouter_PrefersCapabilityFit(t *testing.T) {
	clock := newFakeClock()
	reg := registry.NewRegistry(quietLogger(), clock, types.NopEventSink{})
	router := NewRouter(reg, quietLogger(), clock)

	addSession(t, reg, "ext-plain", nil)
	addSession(t, reg, "ext-capable", []types.Capability{
		{Name: "image_generation", Version: "2.1.0"},
	})

	decision, ok := router.Select(types.Job{
		ID: "j1",
		RequiredCapabilities: []types.Capability{
			{Name: "image_generation", Version: "2.1.0"},
		},
	})
	require.True(t, ok)
	assert.Equal(t, "ext-capable", decision.ExtensionID)
	assert.Equal(t, "best_capability", decision.Reason)
	assert.Equal(t, 0.8, decision.Confidence)
}

func TestRouter_LighterSessionWins(t *testing.T) {
	clock := newFakeClock()
	reg := registry.NewRegistry(quietLogger(), clock, types.NopEventSink{})
	router := NewRouter(reg, quietLogger(), clock)

	addSession(t, reg, "ext-busy", nil)
	addSession(t, reg, "ext-idle", nil)

	// Same ConnectedAt and capabilities; load separates them.
	for i := 0; i < 3; i++ {
		reg.RecordDispatch("ext-busy")
	}

	decision, ok := router.Select(types.Job{ID: "j1"})
	require.True(t, ok)
	assert.Equal(t, "ext-idle", decision.ExtensionID)
}

func TestRouter_ScoreTieBreaksOnInFlight(t *testing.T) {
	clock := newFakeClock()
	reg := registry.NewRegistry(quietLogger(), clock, types.NopEventSink{})
	router := NewRouter(reg, quietLogger(), clock)

	addSession(t, reg, "ext-a", nil)
	addSession(t, reg, "ext-b", nil)
	clock.Advance(time.Minute)

	// Both sessions are past full load, so the load component bottoms
	// out at zero for each and the total scores tie. The raw in-flight
	// count breaks the tie.
	for i := 0; i < 15; i++ {
		reg.RecordDispatch("ext-a")
	}
	for i := 0; i < 12; i++ {
		reg.RecordDispatch("ext-b")
	}

	decision, ok := router.Select(types.Job{ID: "j1"})
	require.True(t, ok)
	assert.Equal(t, "ext-b", decision.ExtensionID)
}

func TestRouter_NoSessions(t *testing.T) {
	clock := newFakeClock()
	reg := registry.NewRegistry(quietLogger(), clock, types.NopEventSink{})
	router := NewRouter(reg, quietLogger(), clock)

	_, ok := router.Select(types.Job{ID: "j1"})
	assert.False(t, ok)
}
