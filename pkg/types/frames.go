package types

import (
	"encoding/json"
	"time"
)

// Wire frame types exchanged with browser-extension workers over the
// persistent channel at /ws. Every frame is a single JSON object with
// a string "type" and a millisecond "timestamp".
const (
	// Inbound (extension -> engine).
	FrameAuthenticate   = "authenticate"
	FrameHeartbeat      = "heartbeat"
	FrameImageGenerated = "image_generated"
	FrameImageFailed    = "image_generation_failed"
	FrameImageProgress  = "image_generation_progress"

	// Outbound (engine -> extension).
	FrameAuthRequired  = "authentication_required"
	FrameAuthSuccess   = "authentication_success"
	FrameHeartbeatResp = "heartbeat_response"
	FrameGenerateImage = "generate_image"
	FrameError         = "error"
	FramePing          = "ping"
)

// Envelope carries the fields common to every frame plus the raw
// message for a second, type-specific decode pass.
type Envelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// DecodeEnvelope performs the first decode pass and retains the raw
// bytes for the type-specific pass.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, err
	}
	env.Raw = data
	return env, nil
}

// AuthenticateFrame is the first frame a worker must send.
type AuthenticateFrame struct {
	Type         string            `json:"type"`
	ExtensionID  string            `json:"extensionId"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Capabilities []Capability      `json:"capabilities,omitempty"`
	Timestamp    int64             `json:"timestamp,omitempty"`
}

// HeartbeatFrame is the periodic liveness report from a worker.
type HeartbeatFrame struct {
	Type      string                 `json:"type"`
	Status    string                 `json:"status,omitempty"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
	Timestamp int64                  `json:"timestamp,omitempty"`
}

// ImageGeneratedFrame reports successful completion of an assignment.
type ImageGeneratedFrame struct {
	Type          string          `json:"type"`
	RequestID     string          `json:"requestId"`
	ImageURL      string          `json:"imageUrl"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Timestamp     int64           `json:"timestamp,omitempty"`
}

// ImageFailedFrame reports a failed assignment. Retryable defaults to
// true; a worker sets it false for terminal errors that must not be
// retried.
type ImageFailedFrame struct {
	Type          string `json:"type"`
	RequestID     string `json:"requestId"`
	Error         string `json:"error"`
	Reason        string `json:"reason,omitempty"`
	Retryable     *bool  `json:"retryable,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
}

// IsRetryable applies the default-true rule.
func (f *ImageFailedFrame) IsRetryable() bool {
	return f.Retryable == nil || *f.Retryable
}

// ImageProgressFrame is an in-flight progress report; it refreshes
// liveness but changes no job state.
type ImageProgressFrame struct {
	Type          string `json:"type"`
	RequestID     string `json:"requestId"`
	Progress      int    `json:"progress"`
	Status        string `json:"status,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
}

// GenerateImageFrame is the work assignment shipped to a worker.
type GenerateImageFrame struct {
	Type          string            `json:"type"`
	RequestID     string            `json:"requestId"`
	URL           string            `json:"url,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Prompt        string            `json:"prompt,omitempty"`
	Model         string            `json:"model,omitempty"`
	Parameters    json.RawMessage   `json:"parameters,omitempty"`
	UserID        string            `json:"userId,omitempty"`
	AddonID       string            `json:"addonId,omitempty"`
	CorrelationID string            `json:"correlationId"`
	Timestamp     int64             `json:"timestamp"`
}

// AuthSuccessFrame acknowledges a successful authenticate.
type AuthSuccessFrame struct {
	Type        string `json:"type"`
	ExtensionID string `json:"extensionId"`
	Timestamp   int64  `json:"timestamp"`
}

// ErrorFrame reports a protocol violation back to the worker.
type ErrorFrame struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// SimpleFrame covers frames that carry nothing but type and timestamp
// (authentication_required, heartbeat_response, ping).
type SimpleFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewSimpleFrame stamps a bare frame with the current time.
func NewSimpleFrame(frameType string, now time.Time) SimpleFrame {
	return SimpleFrame{Type: frameType, Timestamp: now.UnixMilli()}
}
