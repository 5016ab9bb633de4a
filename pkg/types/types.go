package types

import (
	"encoding/json"
	"time"
)

// Priority identifies the queue lane a job is admitted to.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities in strict dominance order (high before normal before low).
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// IsValid reports whether the priority is one of the three known lanes.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a job. A job is in exactly one
// state at any instant.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobDead       JobStatus = "dead"
	JobCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further state changes are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobDead || s == JobCancelled
}

// JobPayload is the typed envelope around the work description. The
// metadata blob is opaque to the engine and forwarded to the worker
// verbatim. Prompt, Model and UserID are set by the image-generation
// surface; download jobs carry only the URL.
type JobPayload struct {
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
	Metadata    json.RawMessage   `json:"metadata,omitempty"`
	AddonID     string            `json:"addon_id,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
	AITool      string            `json:"ai_tool,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	Model       string            `json:"model,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
}

// Job is a single unit of work tracked by the queue store.
//
// Invariants enforced by the store:
//   - status=processing implies AssignedExtensionID != ""
//   - status=dead implies Attempts >= MaxAttempts (or a terminal worker error)
//   - once completed or dead, no further state changes
type Job struct {
	ID            string     `json:"id"`
	Priority      Priority   `json:"priority"`
	Payload       JobPayload `json:"payload"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	Status        JobStatus  `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	Error         string     `json:"error,omitempty"`

	Result         json.RawMessage `json:"result,omitempty"`
	ProcessingTime time.Duration   `json:"processing_time,omitempty"`
	Progress       int             `json:"progress"`

	// Router bookkeeping.
	AssignedExtensionID string `json:"assigned_extension_id,omitempty"`
	TargetExtensionID   string `json:"target_extension_id,omitempty"`
	CorrelationID       string `json:"correlation_id"`

	// RetryCount tracks failover rebinds. Unlike Attempts it does not
	// count toward the DLQ threshold (a worker disconnect is not the
	// job's fault).
	RetryCount int `json:"retry_count"`

	RequiredCapabilities []Capability `json:"required_capabilities,omitempty"`
}

// Copy returns a deep copy safe to hand outside the store's lock.
func (j *Job) Copy() Job {
	cp := *j
	if j.Payload.Headers != nil {
		cp.Payload.Headers = make(map[string]string, len(j.Payload.Headers))
		for k, v := range j.Payload.Headers {
			cp.Payload.Headers[k] = v
		}
	}
	if j.Payload.Metadata != nil {
		cp.Payload.Metadata = append(json.RawMessage(nil), j.Payload.Metadata...)
	}
	if j.Result != nil {
		cp.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.RequiredCapabilities != nil {
		cp.RequiredCapabilities = append([]Capability(nil), j.RequiredCapabilities...)
	}
	if j.LastAttemptAt != nil {
		t := *j.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.NextRetryAt != nil {
		t := *j.NextRetryAt
		cp.NextRetryAt = &t
	}
	return cp
}

// Capability names a feature a worker advertises, with a semantic
// version used by the router's compatibility scoring.
type Capability struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ExtensionStatus is the lifecycle state of a worker session.
type ExtensionStatus string

const (
	ExtensionUnauthenticated ExtensionStatus = "unauthenticated"
	ExtensionConnected       ExtensionStatus = "connected"
	ExtensionUnhealthy       ExtensionStatus = "unhealthy"
	ExtensionDisconnected    ExtensionStatus = "disconnected"
)

// ExtensionInfo is a value snapshot of a registered worker session.
type ExtensionInfo struct {
	ID                string          `json:"id"`
	Status            ExtensionStatus `json:"status"`
	Capabilities      []Capability    `json:"capabilities,omitempty"`
	ConnectedAt       time.Time       `json:"connected_at"`
	LastActivityAt    time.Time       `json:"last_activity_at"`
	MessagesSent      int64           `json:"messages_sent"`
	MessagesReceived  int64           `json:"messages_received"`
	InFlightCount     int             `json:"in_flight_count"`
	AvgResponseTimeMs float64         `json:"avg_response_time_ms"`
	SuccessCount      int64           `json:"success_count"`
	FailureCount      int64           `json:"failure_count"`
	MissedHeartbeats  int             `json:"missed_heartbeats"`
}

// QueueStatus is the snapshot returned by the queue store and served
// on GET /queue/status.
type QueueStatus struct {
	LaneDepths        map[Priority]int `json:"lane_depths"`
	InFlight          int              `json:"in_flight"`
	DLQSize           int              `json:"dlq_size"`
	TotalEnqueued     int64            `json:"total_enqueued"`
	TotalProcessed    int64            `json:"total_processed"`
	TotalFailed       int64            `json:"total_failed"`
	TotalInDLQ        int64            `json:"total_in_dlq"`
	TotalCancelled    int64            `json:"total_cancelled"`
	CurrentRate       float64          `json:"current_rate"`
	AvgProcessingTime time.Duration    `json:"avg_processing_time"`
	CapacityReached   bool             `json:"capacity_reached"`
}

// Clock abstracts wall-clock reads so time-gated behavior (retry
// eligibility, heartbeat thresholds, token refill) is deterministic
// under test.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
