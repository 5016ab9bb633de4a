// Package registry tracks worker sessions: registration, the
// temp-to-real identity swap at authentication, per-session stats
// feeding the router, and liveness supervision.
package registry

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
	// ErrSessionNotFound is returned for operations on unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")
)

// Transport is the outbound half of a worker connection. Enqueue must
// not block; a full send buffer is an error and the session is torn
// down by the caller.
type Transport interface {
	Enqueue(frame interface{}) error
	Close(reason string)
}

// Session is the registry's record of one worker connection. Fields
// mutate only under the registry mutex.
type Session struct {
	ID           string
	Status       types.ExtensionStatus
	Capabilities []types.Capability
	Transport    Transport

	ConnectedAt    time.Time
	LastActivityAt time.Time

	MessagesSent     int64
	MessagesReceived int64

	InFlightCount     int
	TotalResponseTime time.Duration
	ResponseSamples   int64
	SuccessCount      int64
	FailureCount      int64

	MissedHeartbeats int
}

func (s *Session) info() types.ExtensionInfo {
	var avgMs float64
	if s.ResponseSamples > 0 {
		avgMs = float64(s.TotalResponseTime.Milliseconds()) / float64(s.ResponseSamples)
	}
	return types.ExtensionInfo{
		ID:                s.ID,
		Status:            s.Status,
		Capabilities:      append([]types.Capability(nil), s.Capabilities...),
		ConnectedAt:       s.ConnectedAt,
		LastActivityAt:    s.LastActivityAt,
		MessagesSent:      s.MessagesSent,
		MessagesReceived:  s.MessagesReceived,
		InFlightCount:     s.InFlightCount,
		AvgResponseTimeMs: avgMs,
		SuccessCount:      s.SuccessCount,
		FailureCount:      s.FailureCount,
		MissedHeartbeats:  s.MissedHeartbeats,
	}
}

// Registry is the session table. A removal hook lets the failover
// controller reclaim in-flight work when a session dies.
type Registry struct {
	logger *logrus.Logger
	clock  types.Clock
	sink   types.EventSink

	mutex     sync.RWMutex
	sessions  map[string]*Session
	startedAt time.Time

	// onRemoval runs outside the mutex after a session is deleted.
	onRemoval func(extensionID string)
}

// NewRegistry creates an empty session table.
func NewRegistry(logger *logrus.Logger, clock types.Clock, sink types.EventSink) *Registry {
	if clock == nil {
		clock = types.RealClock{}
	}
	if sink == nil {
		sink = types.NopEventSink{}
	}
	return &Registry{
		logger:    logger,
		clock:     clock,
		sink:      sink,
		sessions:  make(map[string]*Session),
		startedAt: clock.Now(),
	}
}

// SetRemovalHook installs the callback invoked after any session
// removal. Must be set before traffic starts.
func (r *Registry) SetRemovalHook(hook func(extensionID string)) {
	r.onRemoval = hook
}

// StartedAt is the registry epoch used for availability scoring.
func (r *Registry) StartedAt() time.Time {
	return r.startedAt
}

// Register adds an unauthenticated session under its temporary ID.
func (r *Registry) Register(tempID string, transport Transport) {
	now := r.clock.Now()
	session := &Session{
		ID:             tempID,
		Status:         types.ExtensionUnauthenticated,
		Transport:      transport,
		ConnectedAt:    now,
		LastActivityAt: now,
	}

	r.mutex.Lock()
	r.sessions[tempID] = session
	r.updateSessionGaugeLocked()
	r.mutex.Unlock()

	r.logger.WithField("session_id", tempID).Debug("Session registered, awaiting authentication")
}

// Authenticate swaps the temporary ID for the worker's real identity
// and records its capabilities. A live session under the same real ID
// is replaced; its transport closes and the removal hook fires so
// in-flight work fails over.
func (r *Registry) Authenticate(tempID, extensionID string, capabilities []types.Capability) error {
	if extensionID == "" {
		return errors.New("extension id is required")
	}

	r.mutex.Lock()
	session, ok := r.sessions[tempID]
	if !ok {
		r.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, tempID)
	}

	var replaced *Session
	if old, exists := r.sessions[extensionID]; exists && old != session {
		replaced = old
		delete(r.sessions, extensionID)
	}

	delete(r.sessions, tempID)
	session.ID = extensionID
	session.Status = types.ExtensionConnected
	session.Capabilities = capabilities
	session.LastActivityAt = r.clock.Now()
	r.sessions[extensionID] = session
	r.updateSessionGaugeLocked()
	r.mutex.Unlock()

	if replaced != nil {
		replaced.Transport.Close("replaced by a new connection")
		r.logger.WithField("extension_id", extensionID).Warn("Existing session replaced by reconnect")
		r.sink.Publish(types.Event{
			Topic:       types.TopicExtensionDisconnected,
			Timestamp:   r.clock.Now(),
			ExtensionID: extensionID,
			Data:        map[string]interface{}{"reason": "replaced by a new connection"},
		})
		if r.onRemoval != nil {
			r.onRemoval(extensionID)
		}
	}

	r.logger.WithFields(logrus.Fields{
		"extension_id": extensionID,
		"capabilities": len(capabilities),
	}).Info("Extension authenticated")

	r.sink.Publish(types.Event{
		Topic:       types.TopicExtensionConnected,
		Timestamp:   r.clock.Now(),
		ExtensionID: extensionID,
		Data:        map[string]interface{}{"capabilities": capabilities},
	})
	return nil
}

// MarkActivity refreshes the liveness clock. An unhealthy session that
// shows activity recovers to connected.
func (r *Registry) MarkActivity(extensionID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	session, ok := r.sessions[extensionID]
	if !ok {
		return
	}
	session.LastActivityAt = r.clock.Now()
	session.MissedHeartbeats = 0
	if session.Status == types.ExtensionUnhealthy {
		session.Status = types.ExtensionConnected
		r.updateSessionGaugeLocked()
		r.logger.WithField("extension_id", extensionID).Info("Extension recovered")
	}
}

// RecordReceived counts one inbound frame for the session.
func (r *Registry) RecordReceived(extensionID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if session, ok := r.sessions[extensionID]; ok {
		session.MessagesReceived++
	}
}

// Send enqueues a frame on the session transport. A full buffer tears
// the session down so a stalled worker cannot wedge the dispatcher.
func (r *Registry) Send(extensionID, frameType string, frame interface{}) error {
	r.mutex.Lock()
	session, ok := r.sessions[extensionID]
	if !ok {
		r.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, extensionID)
	}
	transport := session.Transport
	r.mutex.Unlock()

	if err := transport.Enqueue(frame); err != nil {
		r.logger.WithFields(logrus.Fields{
			"extension_id": extensionID,
			"frame_type":   frameType,
		}).WithError(err).Warn("Send buffer rejected frame, removing session")
		r.Remove(extensionID, "send buffer full")
		return err
	}

	r.mutex.Lock()
	if session, ok := r.sessions[extensionID]; ok {
		session.MessagesSent++
	}
	r.mutex.Unlock()

	metrics.RecordFrameSent(frameType)
	return nil
}

// RecordDispatch counts one job assigned to the session.
func (r *Registry) RecordDispatch(extensionID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if session, ok := r.sessions[extensionID]; ok {
		session.InFlightCount++
	}
}

// RecordResult settles one assignment: load decreases, the response
// time feeds the running mean used by the router.
func (r *Registry) RecordResult(extensionID string, responseTime time.Duration, success bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	session, ok := r.sessions[extensionID]
	if !ok {
		return
	}
	if session.InFlightCount > 0 {
		session.InFlightCount--
	}
	if responseTime > 0 {
		session.TotalResponseTime += responseTime
		session.ResponseSamples++
	}
	if success {
		session.SuccessCount++
	} else {
		session.FailureCount++
	}
}

// Get returns a snapshot of one session.
func (r *Registry) Get(extensionID string) (types.ExtensionInfo, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if session, ok := r.sessions[extensionID]; ok {
		return session.info(), true
	}
	return types.ExtensionInfo{}, false
}

// Snapshot returns all sessions, any status.
func (r *Registry) Snapshot() []types.ExtensionInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]types.ExtensionInfo, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, session.info())
	}
	return out
}

// ConnectedSessions returns the healthy, authenticated sessions the
// router may pick from.
func (r *Registry) ConnectedSessions() []types.ExtensionInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var out []types.ExtensionInfo
	for _, session := range r.sessions {
		if session.Status == types.ExtensionConnected {
			out = append(out, session.info())
		}
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.sessions)
}

// Remove deletes the session, closes its transport, and fires the
// removal hook so in-flight work fails over.
func (r *Registry) Remove(extensionID, reason string) {
	r.mutex.Lock()
	session, ok := r.sessions[extensionID]
	if !ok {
		r.mutex.Unlock()
		return
	}
	delete(r.sessions, extensionID)
	session.Status = types.ExtensionDisconnected
	r.updateSessionGaugeLocked()
	r.mutex.Unlock()

	session.Transport.Close(reason)

	r.logger.WithFields(logrus.Fields{
		"extension_id": extensionID,
		"reason":       reason,
	}).Info("Session removed")

	r.sink.Publish(types.Event{
		Topic:       types.TopicExtensionDisconnected,
		Timestamp:   r.clock.Now(),
		ExtensionID: extensionID,
		Data:        map[string]interface{}{"reason": reason},
	})

	if r.onRemoval != nil {
		r.onRemoval(extensionID)
	}
}

// CloseAll tears down every session during shutdown without firing
// failover.
func (r *Registry) CloseAll(reason string) {
	r.mutex.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, session := range r.sessions {
		sessions = append(sessions, session)
		delete(r.sessions, id)
	}
	r.updateSessionGaugeLocked()
	r.mutex.Unlock()

	for _, session := range sessions {
		session.Transport.Close(reason)
	}
}

func (r *Registry) updateSessionGaugeLocked() {
	counts := map[types.ExtensionStatus]int{}
	for _, session := range r.sessions {
		counts[session.Status]++
	}
	for _, status := range []types.ExtensionStatus{
		types.ExtensionUnauthenticated,
		types.ExtensionConnected,
		types.ExtensionUnhealthy,
	} {
		metrics.ExtensionSessions.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
