// Package ws serves the persistent worker channel at /ws. Each
// connection gets a reader and a writer goroutine; every outbound
// frame goes through a bounded channel so a stalled worker can never
// block the dispatcher.
package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/semantest/nodejs.server-sub008/internal/dispatcher"
	"github.com/semantest/nodejs.server-sub008/internal/metrics"
	"github.com/semantest/nodejs.server-sub008/internal/registry"
	"github.com/semantest/nodejs.server-sub008/pkg/types"
)

var (
	errBufferFull = errors.New("send buffer full")
	errClosed     = errors.New("transport closed")
)

const (
	defaultSendBuffer = 256
	writeTimeout      = 10 * time.Second
	maxFrameSize      = 1 << 20 // 1 MiB
)

// Config tunes the connection handler.
type Config struct {
	// SendBufferSize bounds each session's outbound channel.
	SendBufferSize int
}

// Handler upgrades worker connections and runs their frame loops.
type Handler struct {
	config     Config
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	logger     *logrus.Logger
	clock      types.Clock
	sink       types.EventSink
	upgrader   websocket.Upgrader

	wg sync.WaitGroup
}

// NewHandler wires the channel endpoint to the registry and dispatcher.
func NewHandler(config Config, reg *registry.Registry, disp *dispatcher.Dispatcher,
	logger *logrus.Logger, clock types.Clock, sink types.EventSink) *Handler {

	if config.SendBufferSize <= 0 {
		config.SendBufferSize = defaultSendBuffer
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if sink == nil {
		sink = types.NopEventSink{}
	}
	return &Handler{
		config:     config,
		registry:   reg,
		dispatcher: disp,
		logger:     logger,
		clock:      clock,
		sink:       sink,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Workers are browser extensions; origin enforcement happens
			// at authentication, not at the HTTP layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and starts the session goroutines.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocket upgrade failed")
		metrics.RecordError("ws", "upgrade_failed")
		return
	}

	tempID := "temp-" + uuid.NewString()
	sess := &session{
		handler:   h,
		conn:      conn,
		currentID: tempID,
		transport: &wsTransport{
			sendCh: make(chan interface{}, h.config.SendBufferSize),
			closed: make(chan struct{}),
		},
	}

	h.registry.Register(tempID, sess.transport)

	h.wg.Add(2)
	go sess.writeLoop()
	go sess.readLoop()

	// The worker must authenticate before anything else.
	if err := h.registry.Send(tempID, types.FrameAuthRequired,
		types.NewSimpleFrame(types.FrameAuthRequired, h.clock.Now())); err != nil {
		h.logger.WithField("session_id", tempID).WithError(err).Warn("Failed to send auth challenge")
	}
}

// Shutdown closes every live connection with a normal-closure frame.
func (h *Handler) Shutdown() {
	h.registry.CloseAll("server shutdown")
	h.wg.Wait()
}

// wsTransport is the bounded outbound half handed to the registry.
type wsTransport struct {
	sendCh chan interface{}

	closeOnce sync.Once
	closed    chan struct{}

	mutex  sync.Mutex
	reason string
}

func (t *wsTransport) Enqueue(frame interface{}) error {
	select {
	case <-t.closed:
		return errClosed
	default:
	}
	select {
	case t.sendCh <- frame:
		return nil
	default:
		return errBufferFull
	}
}

func (t *wsTransport) Close(reason string) {
	t.closeOnce.Do(func() {
		t.mutex.Lock()
		t.reason = reason
		t.mutex.Unlock()
		close(t.closed)
	})
}

func (t *wsTransport) closeReason() string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.reason
}

// session couples one connection to its registry identity. The ID
// changes once, at authentication.
type session struct {
	handler   *Handler
	conn      *websocket.Conn
	transport *wsTransport

	mutex         sync.Mutex
	currentID     string
	authenticated bool
}

func (s *session) id() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.currentID
}

func (s *session) isAuthenticated() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.authenticated
}

func (s *session) setIdentity(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.currentID = id
	s.authenticated = true
}

func (s *session) writeLoop() {
	defer s.handler.wg.Done()

	for {
		select {
		case <-s.transport.closed:
			reason := s.transport.closeReason()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
			_ = s.conn.Close()
			return

		case frame := <-s.transport.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.handler.logger.WithField("session_id", s.id()).WithError(err).Debug("Write failed")
				s.handler.registry.Remove(s.id(), "write error")
			}
		}
	}
}

func (s *session) readLoop() {
	defer s.handler.wg.Done()

	s.conn.SetReadLimit(maxFrameSize)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.transport.closed:
				// Server-initiated close; the registry entry is gone.
			default:
				s.handler.registry.Remove(s.id(), "connection closed")
			}
			return
		}
		s.handleFrame(data)
	}
}

func (s *session) handleFrame(data []byte) {
	h := s.handler

	env, err := types.DecodeEnvelope(data)
	if err != nil {
		s.protocolError("malformed frame")
		metrics.RecordError("ws", "malformed_frame")
		return
	}

	metrics.RecordFrameReceived(env.Type)
	h.registry.RecordReceived(s.id())
	h.registry.MarkActivity(s.id())

	if !s.isAuthenticated() && env.Type != types.FrameAuthenticate {
		s.protocolError("authentication required")
		return
	}

	switch env.Type {
	case types.FrameAuthenticate:
		s.handleAuthenticate(env.Raw)

	case types.FrameHeartbeat:
		var frame types.HeartbeatFrame
		_ = json.Unmarshal(env.Raw, &frame)
		_ = h.registry.Send(s.id(), types.FrameHeartbeatResp,
			types.NewSimpleFrame(types.FrameHeartbeatResp, h.clock.Now()))
		h.sink.Publish(types.Event{
			Topic:       types.TopicExtensionHeartbeat,
			Timestamp:   h.clock.Now(),
			ExtensionID: s.id(),
			Data:        map[string]interface{}{"status": frame.Status},
		})

	case types.FrameImageGenerated:
		var frame types.ImageGeneratedFrame
		if err := json.Unmarshal(env.Raw, &frame); err != nil || frame.RequestID == "" {
			s.protocolError("invalid image_generated frame")
			return
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"imageUrl": frame.ImageURL,
			"metadata": frame.Metadata,
		})
		h.dispatcher.InjectResult(dispatcher.Result{
			Kind:        dispatcher.KindComplete,
			JobID:       frame.RequestID,
			ExtensionID: s.id(),
			Payload:     payload,
		})

	case types.FrameImageFailed:
		var frame types.ImageFailedFrame
		if err := json.Unmarshal(env.Raw, &frame); err != nil || frame.RequestID == "" {
			s.protocolError("invalid failure frame")
			return
		}
		h.dispatcher.InjectResult(dispatcher.Result{
			Kind:        dispatcher.KindFail,
			JobID:       frame.RequestID,
			ExtensionID: s.id(),
			Error:       frame.Error,
			Retryable:   frame.IsRetryable(),
		})

	case types.FrameImageProgress:
		var frame types.ImageProgressFrame
		if err := json.Unmarshal(env.Raw, &frame); err != nil || frame.RequestID == "" {
			return
		}
		h.dispatcher.InjectResult(dispatcher.Result{
			Kind:        dispatcher.KindProgress,
			JobID:       frame.RequestID,
			ExtensionID: s.id(),
			Progress:    frame.Progress,
		})

	default:
		s.protocolError("unknown frame type: " + env.Type)
	}
}

func (s *session) handleAuthenticate(raw json.RawMessage) {
	h := s.handler

	var frame types.AuthenticateFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.ExtensionID == "" {
		s.protocolError("invalid authenticate frame")
		return
	}

	tempID := s.id()
	if err := h.registry.Authenticate(tempID, frame.ExtensionID, frame.Capabilities); err != nil {
		s.protocolError("authentication failed")
		h.logger.WithField("session_id", tempID).WithError(err).Warn("Authentication rejected")
		return
	}
	s.setIdentity(frame.ExtensionID)

	_ = h.registry.Send(frame.ExtensionID, types.FrameAuthSuccess, types.AuthSuccessFrame{
		Type:        types.FrameAuthSuccess,
		ExtensionID: frame.ExtensionID,
		Timestamp:   h.clock.Now().UnixMilli(),
	})

	// A new worker may unblock queued jobs immediately.
	h.dispatcher.Wake()
}

func (s *session) protocolError(msg string) {
	_ = s.handler.registry.Send(s.id(), types.FrameError, types.ErrorFrame{
		Type:      types.FrameError,
		Error:     msg,
		Timestamp: s.handler.clock.Now().UnixMilli(),
	})
}
