// Package monitoring samples process resources (heap, goroutines,
// CPU) on an interval and grades them against warn/critical
// thresholds for the health and stats endpoints.
package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/semantest/nodejs.server-sub008/pkg/types"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/sirupsen/logrus"
)

// Metrics is one sampled snapshot.
type Metrics struct {
	Timestamp       time.Time `json:"timestamp"`
	Goroutines      int       `json:"goroutines"`
	MemoryAllocMB   uint64    `json:"memory_alloc_mb"`
	MemoryTotalMB   uint64    `json:"memory_total_mb"`
	MemorySysMB     uint64    `json:"memory_sys_mb"`
	HeapObjects     uint64    `json:"heap_objects"`
	NumGC           uint32    `json:"num_gc"`
	GCPauseMs       float64   `json:"gc_pause_ms"`
	CPUPercent      float64   `json:"cpu_percent"`
	FileDescriptors int       `json:"file_descriptors"`
}

// Monitor runs the sampling loop.
type Monitor struct {
	config types.MonitoringConfig
	logger *logrus.Logger

	mutex        sync.RWMutex
	current      Metrics
	lastCPUTimes *cpu.TimesStat

	cancel    context.CancelFunc
	done      chan struct{}
	isRunning bool
}

// NewMonitor creates a monitor; Start launches the loop.
func NewMonitor(config types.MonitoringConfig, logger *logrus.Logger) *Monitor {
	if config.IntervalMS <= 0 {
		config.IntervalMS = 15000
	}
	if config.MemoryWarnMB <= 0 {
		config.MemoryWarnMB = 1024
	}
	if config.MemoryCriticalMB <= 0 {
		config.MemoryCriticalMB = 2048
	}
	if config.GoroutineWarn <= 0 {
		config.GoroutineWarn = 5000
	}
	if config.CPUWarnPercent <= 0 {
		config.CPUWarnPercent = 85
	}
	return &Monitor{
		config: config,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start begins sampling. A disabled monitor still answers GetMetrics
// with zero values so handlers never branch.
func (m *Monitor) Start(ctx context.Context) {
	if !m.config.Enabled {
		m.logger.Info("Resource monitor disabled")
		return
	}
	if m.isRunning {
		return
	}
	m.isRunning = true

	ctx, m.cancel = context.WithCancel(ctx)

	m.collect()

	go m.run(ctx)

	m.logger.WithField("interval_ms", m.config.IntervalMS).Info("Resource monitor started")
}

// Stop halts the sampling loop.
func (m *Monitor) Stop() {
	if !m.isRunning {
		return
	}
	m.isRunning = false
	m.cancel()
	<-m.done
	m.logger.Info("Resource monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(time.Duration(m.config.IntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	snapshot := Metrics{
		Timestamp:       time.Now(),
		Goroutines:      runtime.NumGoroutine(),
		MemoryAllocMB:   memStats.Alloc / 1024 / 1024,
		MemoryTotalMB:   memStats.TotalAlloc / 1024 / 1024,
		MemorySysMB:     memStats.Sys / 1024 / 1024,
		HeapObjects:     memStats.HeapObjects,
		NumGC:           memStats.NumGC,
		FileDescriptors: openFileDescriptors(),
	}
	if memStats.NumGC > 0 {
		snapshot.GCPauseMs = float64(memStats.PauseNs[(memStats.NumGC+255)%256]) / 1e6
	}

	m.mutex.Lock()
	snapshot.CPUPercent = m.cpuPercentLocked()
	m.current = snapshot
	m.mutex.Unlock()

	if snapshot.MemoryAllocMB > uint64(m.config.MemoryCriticalMB) {
		m.logger.WithFields(logrus.Fields{
			"alloc_mb":    snapshot.MemoryAllocMB,
			"critical_mb": m.config.MemoryCriticalMB,
		}).Error("Memory usage critical")
	} else if snapshot.MemoryAllocMB > uint64(m.config.MemoryWarnMB) {
		m.logger.WithFields(logrus.Fields{
			"alloc_mb": snapshot.MemoryAllocMB,
			"warn_mb":  m.config.MemoryWarnMB,
		}).Warn("Memory usage high")
	}
	if snapshot.Goroutines > m.config.GoroutineWarn {
		m.logger.WithField("goroutines", snapshot.Goroutines).Warn("Goroutine count high")
	}
}

// cpuPercentLocked derives process-host CPU busy share from the delta
// between consecutive cumulative samples. The first sample yields zero.
func (m *Monitor) cpuPercentLocked() float64 {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return 0
	}
	sample := times[0]

	defer func() { m.lastCPUTimes = &sample }()

	if m.lastCPUTimes == nil {
		return 0
	}

	totalDelta := cpuTotal(sample) - cpuTotal(*m.lastCPUTimes)
	idleDelta := sample.Idle - m.lastCPUTimes.Idle
	if totalDelta <= 0 {
		return 0
	}
	busy := (totalDelta - idleDelta) / totalDelta * 100
	if busy < 0 {
		busy = 0
	}
	if busy > 100 {
		busy = 100
	}
	return busy
}

func cpuTotal(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
}

func openFileDescriptors() int {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return -1
	}
	return len(entries)
}

// GetMetrics returns the latest sample.
func (m *Monitor) GetMetrics() Metrics {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.current
}

// Checks grades the latest sample for the health endpoint. Keys map to
// a status string plus the observed value.
func (m *Monitor) Checks() map[string]interface{} {
	sample := m.GetMetrics()

	memoryStatus := "healthy"
	if sample.MemoryAllocMB > uint64(m.config.MemoryCriticalMB) {
		memoryStatus = "critical"
	} else if sample.MemoryAllocMB > uint64(m.config.MemoryWarnMB) {
		memoryStatus = "warning"
	}

	goroutineStatus := "healthy"
	if sample.Goroutines > m.config.GoroutineWarn {
		goroutineStatus = "warning"
	}

	cpuStatus := "healthy"
	if sample.CPUPercent > float64(m.config.CPUWarnPercent) {
		cpuStatus = "warning"
	}

	return map[string]interface{}{
		"memory": map[string]interface{}{
			"status":   memoryStatus,
			"alloc_mb": sample.MemoryAllocMB,
			"sys_mb":   sample.MemorySysMB,
		},
		"goroutines": map[string]interface{}{
			"status": goroutineStatus,
			"count":  sample.Goroutines,
		},
		"cpu": map[string]interface{}{
			"status":  cpuStatus,
			"percent": sample.CPUPercent,
		},
	}
}

// IsHealthy reports whether no check is critical.
func (m *Monitor) IsHealthy() bool {
	if !m.config.Enabled {
		return true
	}
	sample := m.GetMetrics()
	return sample.MemoryAllocMB <= uint64(m.config.MemoryCriticalMB)
}
