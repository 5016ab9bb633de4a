package monitoring

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/semantest/nodejs.server-sub008/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestMonitorCollectsSample(t *testing.T) {
	m := NewMonitor(types.MonitoringConfig{Enabled: true, IntervalMS: 10}, testLogger())

	m.Start(context.Background())
	defer m.Stop()

	// Start performs an initial synchronous collect.
	sample := m.GetMetrics()
	require.False(t, sample.Timestamp.IsZero())
	assert.Greater(t, sample.Goroutines, 0)
	assert.Greater(t, sample.MemorySysMB, uint64(0))
}

func TestMonitorChecksGradeThresholds(t *testing.T) {
	// Keep enough live heap around that the alloc check trips for sure.
	ballast := make([]byte, 8<<20)

	m := NewMonitor(types.MonitoringConfig{
		Enabled:          true,
		IntervalMS:       10,
		MemoryWarnMB:     1,
		MemoryCriticalMB: 2,
		GoroutineWarn:    1,
	}, testLogger())

	m.Start(context.Background())
	defer m.Stop()

	checks := m.Checks()
	memory := checks["memory"].(map[string]interface{})
	goroutines := checks["goroutines"].(map[string]interface{})

	assert.Equal(t, "critical", memory["status"])
	assert.Equal(t, "warning", goroutines["status"])
	assert.False(t, m.IsHealthy())
	runtime.KeepAlive(ballast)
}

func TestMonitorDisabled(t *testing.T) {
	m := NewMonitor(types.MonitoringConfig{Enabled: false}, testLogger())

	m.Start(context.Background())
	m.Stop()

	assert.True(t, m.IsHealthy())
	assert.True(t, m.GetMetrics().Timestamp.IsZero())
}

func TestMonitorStopHaltsLoop(t *testing.T) {
	m := NewMonitor(types.MonitoringConfig{Enabled: true, IntervalMS: 5}, testLogger())

	m.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	m.Stop()

	after := m.GetMetrics()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after.Timestamp, m.GetMetrics().Timestamp)
}
