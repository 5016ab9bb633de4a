package registry

import (
	"context"
	"sync"
	"time"

	"github.com/semantest/nodejs.server-sub008/pkg/types"

	"github.com/sirupsen/logrus"
)

// HeartbeatConfig tunes the liveness supervisor.
type HeartbeatConfig struct {
	// Interval between supervision sweeps.
	Interval time.Duration

	// UnhealthyThreshold is the idle time after which a session is
	// marked unhealthy and probed.
	UnhealthyThreshold time.Duration

	// MaxMissed probes before the session is removed.
	MaxMissed int
}

const (
	defaultHeartbeatInterval  = 30 * time.Second
	defaultUnhealthyThreshold = 60 * time.Second
	defaultMaxMissed          = 3
)

// HeartbeatSupervisor sweeps the registry on a fixed cadence, probing
// idle sessions and removing the ones that stay silent.
type HeartbeatSupervisor struct {
	config   HeartbeatConfig
	registry *Registry
	logger   *logrus.Logger
	clock    types.Clock

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mutex     sync.Mutex
	isRunning bool
}

// NewHeartbeatSupervisor wires the supervisor to a registry.
func NewHeartbeatSupervisor(config HeartbeatConfig, registry *Registry, logger *logrus.Logger, clock types.Clock) *HeartbeatSupervisor {
	if config.Interval <= 0 {
		config.Interval = defaultHeartbeatInterval
	}
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = defaultUnhealthyThreshold
	}
	if config.MaxMissed <= 0 {
		config.MaxMissed = defaultMaxMissed
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &HeartbeatSupervisor{
		config:   config,
		registry: registry,
		logger:   logger,
		clock:    clock,
	}
}

// Start launches the sweep loop.
func (hs *HeartbeatSupervisor) Start(ctx context.Context) {
	hs.mutex.Lock()
	defer hs.mutex.Unlock()
	if hs.isRunning {
		return
	}
	hs.isRunning = true

	ctx, hs.cancel = context.WithCancel(ctx)
	hs.wg.Add(1)
	go hs.run(ctx)

	hs.logger.WithFields(logrus.Fields{
		"interval":            hs.config.Interval,
		"unhealthy_threshold": hs.config.UnhealthyThreshold,
		"max_missed":          hs.config.MaxMissed,
	}).Info("Heartbeat supervisor started")
}

// Stop halts the sweep loop and waits for it to exit.
func (hs *HeartbeatSupervisor) Stop() {
	hs.mutex.Lock()
	defer hs.mutex.Unlock()
	if !hs.isRunning {
		return
	}
	hs.isRunning = false
	hs.cancel()
	hs.wg.Wait()
}

// SetThresholds updates the supervision tunables at runtime.
func (hs *HeartbeatSupervisor) SetThresholds(unhealthy time.Duration, maxMissed int) {
	hs.mutex.Lock()
	defer hs.mutex.Unlock()
	if unhealthy > 0 {
		hs.config.UnhealthyThreshold = unhealthy
	}
	if maxMissed > 0 {
		hs.config.MaxMissed = maxMissed
	}
}

func (hs *HeartbeatSupervisor) run(ctx context.Context) {
	defer hs.wg.Done()

	ticker := time.NewTicker(hs.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hs.sweep()
		}
	}
}

// Sweep inspects every session once. Exported indirectly through the
// ticker; tests call it via advanceable clocks.
func (hs *HeartbeatSupervisor) sweep() {
	hs.mutex.Lock()
	threshold := hs.config.UnhealthyThreshold
	maxMissed := hs.config.MaxMissed
	hs.mutex.Unlock()

	now := hs.clock.Now()

	hs.registry.mutex.Lock()
	type probe struct {
		id     string
		missed int
	}
	var probes []probe
	var removals []string

	for id, session := range hs.registry.sessions {
		idle := now.Sub(session.LastActivityAt)
		if idle <= threshold {
			continue
		}

		session.MissedHeartbeats++
		if session.Status == types.ExtensionConnected {
			session.Status = types.ExtensionUnhealthy
			hs.registry.updateSessionGaugeLocked()
		}

		if session.MissedHeartbeats >= maxMissed {
			removals = append(removals, id)
		} else {
			probes = append(probes, probe{id: id, missed: session.MissedHeartbeats})
		}
	}
	hs.registry.mutex.Unlock()

	for _, p := range probes {
		hs.logger.WithFields(logrus.Fields{
			"extension_id": p.id,
			"missed":       p.missed,
		}).Warn("Session idle, probing")
		// Probe failures surface as send errors and remove the session.
		_ = hs.registry.Send(p.id, types.FramePing, types.NewSimpleFrame(types.FramePing, now))
	}
	for _, id := range removals {
		hs.registry.Remove(id, "heartbeat timeout")
	}
}
