package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/semantest/nodejs.server-sub008/internal/dispatcher"
	"github.com/semantest/nodejs.server-sub008/internal/metrics"
	"github.com/semantest/nodejs.server-sub008/internal/queue"
	"github.com/semantest/nodejs.server-sub008/pkg/tracing"
	"github.com/semantest/nodejs.server-sub008/pkg/types"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// metricsMiddleware records request latency per path and method.
func (app *App) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		metrics.ResponseTimeSeconds.WithLabelValues(r.URL.Path, r.Method).Observe(time.Since(start).Seconds())
	})
}

// edgeLimit gates an admission endpoint with its per-path token bucket.
// Paths without a configured bucket pass through.
func (app *App) edgeLimit(path string, next http.Handler) http.Handler {
	limiter, ok := app.edgeLimiters[path]
	if !ok {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.TryConsume() {
			metrics.RateLimitedTotal.WithLabelValues("edge").Inc()
			app.respondError(w, http.StatusTooManyRequests, "rate limit exceeded", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (app *App) registerHandlers(router *mux.Router) {
	middleware := func(h http.Handler) http.Handler {
		return app.metricsMiddleware(h)
	}
	if app.tracing != nil && app.config.Tracing.Enabled {
		tracer := app.tracing.GetTracer()
		prevMiddleware := middleware
		middleware = func(h http.Handler) http.Handler {
			return tracing.TraceHandler(tracer, "http_request")(prevMiddleware(h))
		}
	}

	// Queue surface.
	router.Handle("/queue/enqueue", middleware(app.edgeLimit("/queue/enqueue", http.HandlerFunc(app.enqueueHandler)))).Methods("POST")
	router.Handle("/queue/status", middleware(http.HandlerFunc(app.queueStatusHandler))).Methods("GET")
	router.Handle("/queue/item/{id}", middleware(http.HandlerFunc(app.getJobHandler))).Methods("GET")
	router.Handle("/queue/item/{id}", middleware(http.HandlerFunc(app.cancelJobHandler))).Methods("DELETE")
	router.Handle("/queue/dlq", middleware(http.HandlerFunc(app.dlqListHandler))).Methods("GET")
	router.Handle("/queue/dlq", middleware(http.HandlerFunc(app.dlqPurgeHandler))).Methods("DELETE")
	router.Handle("/queue/dlq/{id}/retry", middleware(http.HandlerFunc(app.dlqRetryHandler))).Methods("POST")
	router.Handle("/queue/process/{id}/complete", middleware(http.HandlerFunc(app.processCompleteHandler))).Methods("POST")
	router.Handle("/queue/process/{id}/fail", middleware(http.HandlerFunc(app.processFailHandler))).Methods("POST")

	// Image-generation surface.
	router.Handle("/api/images/generate", middleware(app.edgeLimit("/api/images/generate", http.HandlerFunc(app.generateImageHandler)))).Methods("POST")
	router.Handle("/api/images/{id}/status", middleware(http.HandlerFunc(app.imageStatusHandler))).Methods("GET")
	router.Handle("/api/images/{id}", middleware(http.HandlerFunc(app.imageResultHandler))).Methods("GET")

	// Operational surface.
	router.Handle("/health", middleware(http.HandlerFunc(app.healthHandler))).Methods("GET")
	router.Handle("/stats", middleware(http.HandlerFunc(app.statsHandler))).Methods("GET")
	router.Handle("/extensions", middleware(http.HandlerFunc(app.extensionsHandler))).Methods("GET")
	router.Handle("/config", middleware(http.HandlerFunc(app.configHandler))).Methods("GET")
	router.Handle("/config/reload", middleware(http.HandlerFunc(app.configReloadHandler))).Methods("POST")
	router.Handle("/metrics", middleware(http.HandlerFunc(app.metricsHandler))).Methods("GET")

	// The upgrade handler needs the raw ResponseWriter (http.Hijacker),
	// so it bypasses the middleware chain.
	router.Handle("/ws", app.wsHandler)
}

// respond writes the common envelope: every body carries an ISO-8601
// timestamp and, when known, the correlation id that threads through
// the job's lifecycle events.
func (app *App) respond(w http.ResponseWriter, status int, correlationID string, body map[string]interface{}) {
	if body == nil {
		body = map[string]interface{}{}
	}
	body["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	if correlationID != "" {
		body["correlationId"] = correlationID
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		app.logger.WithError(err).Error("Failed to encode response")
	}
}

func (app *App) respondError(w http.ResponseWriter, status int, message, correlationID string) {
	app.respond(w, status, correlationID, map[string]interface{}{"error": message})
}

// correlationID resolves the id threaded through a request's events:
// an explicit body value wins, then the X-Correlation-ID header, then
// a fresh one.
func correlationID(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if header := r.Header.Get("X-Correlation-ID"); header != "" {
		return header
	}
	return "corr-" + uuid.NewString()
}

type enqueueRequest struct {
	URL                  string             `json:"url"`
	Priority             string             `json:"priority,omitempty"`
	Headers              map[string]string  `json:"headers,omitempty"`
	Metadata             json.RawMessage    `json:"metadata,omitempty"`
	AddonID              string             `json:"addon_id,omitempty"`
	CallbackURL          string             `json:"callback_url,omitempty"`
	AITool               string             `json:"ai_tool,omitempty"`
	Prompt               string             `json:"prompt,omitempty"`
	Model                string             `json:"model,omitempty"`
	UserID               string             `json:"user_id,omitempty"`
	MaxAttempts          int                `json:"max_attempts,omitempty"`
	TargetExtensionID    string             `json:"target_extension_id,omitempty"`
	RequiredCapabilities []types.Capability `json:"required_capabilities,omitempty"`
	CorrelationID        string             `json:"correlation_id,omitempty"`
}

// enqueueHandler admits a download job. 201 with the stored item on
// success, 400 on validation failure, 429 when the queue is at
// capacity.
func (app *App) enqueueHandler(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		app.respondError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.URL == "" {
		app.respondError(w, http.StatusBadRequest, "url is required", "")
		return
	}

	priority := types.PriorityNormal
	if req.Priority != "" {
		priority = types.Priority(req.Priority)
		if !priority.IsValid() {
			app.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid priority %q", req.Priority), "")
			return
		}
	}

	job := types.Job{
		ID:       "job-" + uuid.NewString(),
		Priority: priority,
		Payload: types.JobPayload{
			URL:         req.URL,
			Headers:     req.Headers,
			Metadata:    req.Metadata,
			AddonID:     req.AddonID,
			CallbackURL: req.CallbackURL,
			AITool:      req.AITool,
			Prompt:      req.Prompt,
			Model:       req.Model,
			UserID:      req.UserID,
		},
		MaxAttempts:          req.MaxAttempts,
		TargetExtensionID:    req.TargetExtensionID,
		RequiredCapabilities: req.RequiredCapabilities,
		CorrelationID:        correlationID(r, req.CorrelationID),
	}

	if err := app.dispatcher.Enqueue(job); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			app.respondError(w, http.StatusTooManyRequests, "queue is at capacity", job.CorrelationID)
			return
		}
		app.respondError(w, http.StatusBadRequest, err.Error(), job.CorrelationID)
		return
	}
	tracing.AnnotateJob(r.Context(), job.ID, job.CorrelationID)

	stored, _ := app.store.GetJob(job.ID)
	app.respond(w, http.StatusCreated, job.CorrelationID, map[string]interface{}{
		"item": stored,
	})
}

func (app *App) queueStatusHandler(w http.ResponseWriter, r *http.Request) {
	app.respond(w, http.StatusOK, "", map[string]interface{}{
		"queue": app.store.Status(),
	})
}

func (app *App) getJobHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := app.store.GetJob(id)
	if !ok {
		app.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown job %q", id), "")
		return
	}
	app.respond(w, http.StatusOK, job.CorrelationID, map[string]interface{}{
		"item": job,
	})
}

// cancelJobHandler cancels a waiting job. In-flight, completed, and
// dead jobs are not cancellable.
func (app *App) cancelJobHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := app.store.Cancel(id); err != nil {
		switch {
		case errors.Is(err, queue.ErrUnknownJob):
			app.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown job %q", id), "")
		case errors.Is(err, queue.ErrNotCancellable):
			app.respondError(w, http.StatusBadRequest, err.Error(), "")
		default:
			app.respondError(w, http.StatusInternalServerError, err.Error(), "")
		}
		return
	}
	app.respond(w, http.StatusOK, "", map[string]interface{}{
		"id":     id,
		"status": string(types.JobCancelled),
	})
}

func (app *App) dlqListHandler(w http.ResponseWriter, r *http.Request) {
	items := app.store.DLQSnapshot()
	app.respond(w, http.StatusOK, "", map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// dlqRetryHandler re-admits a dead job with a reset attempt budget.
func (app *App) dlqRetryHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := app.store.RetryFromDLQ(id); err != nil {
		if errors.Is(err, queue.ErrUnknownJob) || errors.Is(err, queue.ErrNotInDLQ) {
			app.respondError(w, http.StatusNotFound, fmt.Sprintf("no dead-letter entry for job %q", id), "")
			return
		}
		app.respondError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	app.dispatcher.Wake()
	app.respond(w, http.StatusOK, "", map[string]interface{}{
		"id":     id,
		"status": string(types.JobPending),
	})
}

func (app *App) dlqPurgeHandler(w http.ResponseWriter, r *http.Request) {
	purged := app.store.PurgeDLQ()
	app.respond(w, http.StatusOK, "", map[string]interface{}{
		"purged": purged,
	})
}

// processCompleteHandler settles a job out of band, for callers that
// report over HTTP instead of the worker socket. The dispatch loop
// applies first-write-wins against frame settlements.
func (app *App) processCompleteHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := app.store.GetJob(id)
	if !ok {
		app.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown job %q", id), "")
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		app.respondError(w, http.StatusBadRequest, "failed to read request body", job.CorrelationID)
		return
	}

	app.dispatcher.InjectResult(dispatcher.Result{
		Kind:    dispatcher.KindComplete,
		JobID:   id,
		Payload: payload,
	})
	app.respond(w, http.StatusAccepted, job.CorrelationID, map[string]interface{}{
		"id":     id,
		"status": "accepted",
	})
}

type processFailRequest struct {
	Error     string `json:"error"`
	Retryable *bool  `json:"retryable,omitempty"`
}

func (app *App) processFailHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := app.store.GetJob(id)
	if !ok {
		app.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown job %q", id), "")
		return
	}

	var req processFailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		app.respondError(w, http.StatusBadRequest, "invalid request body", job.CorrelationID)
		return
	}
	if req.Error == "" {
		req.Error = "failed"
	}
	retryable := true
	if req.Retryable != nil {
		retryable = *req.Retryable
	}

	app.dispatcher.InjectResult(dispatcher.Result{
		Kind:      dispatcher.KindFail,
		JobID:     id,
		Error:     req.Error,
		Retryable: retryable,
	})
	app.respond(w, http.StatusAccepted, job.CorrelationID, map[string]interface{}{
		"id":     id,
		"status": "accepted",
	})
}

type generateImageRequest struct {
	Prompt        string          `json:"prompt"`
	Model         string          `json:"model,omitempty"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	UserID        string          `json:"userId,omitempty"`
	Tier          string          `json:"tier,omitempty"`
	Priority      string          `json:"priority,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// generateImageHandler accepts an image-generation request and maps it
// onto the queue: premium tier rides the high lane, free tier the low
// lane, everything else normal. An explicit priority wins over tier.
func (app *App) generateImageHandler(w http.ResponseWriter, r *http.Request) {
	var req generateImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		app.respondError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.Prompt == "" {
		app.respondError(w, http.StatusBadRequest, "prompt is required", "")
		return
	}

	priority := types.PriorityNormal
	switch req.Tier {
	case "premium":
		priority = types.PriorityHigh
	case "free":
		priority = types.PriorityLow
	}
	if req.Priority != "" {
		explicit := types.Priority(req.Priority)
		if !explicit.IsValid() {
			app.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid priority %q", req.Priority), "")
			return
		}
		priority = explicit
	}

	job := types.Job{
		ID:       "img-" + uuid.NewString(),
		Priority: priority,
		Payload: types.JobPayload{
			Prompt:   req.Prompt,
			Model:    req.Model,
			Metadata: req.Parameters,
			UserID:   req.UserID,
		},
		CorrelationID: correlationID(r, req.CorrelationID),
	}

	if err := app.dispatcher.Enqueue(job); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			app.respondError(w, http.StatusTooManyRequests, "queue is at capacity", job.CorrelationID)
			return
		}
		app.respondError(w, http.StatusBadRequest, err.Error(), job.CorrelationID)
		return
	}
	tracing.AnnotateJob(r.Context(), job.ID, job.CorrelationID)

	app.respond(w, http.StatusAccepted, job.CorrelationID, map[string]interface{}{
		"requestId": job.ID,
		"status":    "accepted",
	})
}

func (app *App) imageStatusHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := app.store.GetJob(id)
	if !ok {
		app.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown request %q", id), "")
		return
	}
	body := map[string]interface{}{
		"requestId": job.ID,
		"status":    string(job.Status),
		"progress":  job.Progress,
	}
	if job.Error != "" {
		body["error"] = job.Error
	}
	app.respond(w, http.StatusOK, job.CorrelationID, body)
}

// imageResultHandler returns the artifact record once the job has
// completed; until then it reports progress with 202.
func (app *App) imageResultHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, ok := app.store.GetJob(id)
	if !ok {
		app.respondError(w, http.StatusNotFound, fmt.Sprintf("unknown request %q", id), "")
		return
	}

	switch job.Status {
	case types.JobCompleted:
		body := map[string]interface{}{
			"requestId": job.ID,
			"status":    string(job.Status),
		}
		if len(job.Result) > 0 {
			body["image"] = json.RawMessage(job.Result)
		}
		app.respond(w, http.StatusOK, job.CorrelationID, body)
	case types.JobDead, types.JobCancelled:
		app.respond(w, http.StatusOK, job.CorrelationID, map[string]interface{}{
			"requestId": job.ID,
			"status":    string(job.Status),
			"error":     job.Error,
		})
	default:
		app.respond(w, http.StatusAccepted, job.CorrelationID, map[string]interface{}{
			"requestId": job.ID,
			"status":    string(job.Status),
			"progress":  job.Progress,
		})
	}
}

func (app *App) extensionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions := app.registry.Snapshot()
	app.respond(w, http.StatusOK, "", map[string]interface{}{
		"extensions": sessions,
		"count":      len(sessions),
	})
}

// healthHandler reports per-service health plus operational checks.
// Any unhealthy service, or a critical queue utilization, degrades the
// overall status to 503.
func (app *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   app.config.App.Version,
		"uptime":    time.Since(app.startTime).String(),
	}

	services := make(map[string]interface{})
	allHealthy := true

	dispatcherHealthy := app.dispatcher.IsHealthy()
	services["dispatcher"] = map[string]interface{}{
		"healthy": dispatcherHealthy,
		"stats":   app.dispatcher.GetStats(),
	}
	if !dispatcherHealthy {
		allHealthy = false
	}

	services["registry"] = map[string]interface{}{
		"healthy":  true,
		"sessions": app.registry.Count(),
	}

	if app.config.Events.Kafka.Enabled {
		kafkaHealthy := app.publisher.IsHealthy()
		services["kafka_publisher"] = map[string]interface{}{
			"healthy": kafkaHealthy,
			"stats":   app.publisher.GetStats(),
		}
		if !kafkaHealthy {
			allHealthy = false
		}
	}

	if app.config.Snapshot.Enabled {
		snapshotHealthy := app.snapshotter.IsHealthy()
		services["snapshotter"] = map[string]interface{}{
			"healthy": snapshotHealthy,
			"stats":   app.snapshotter.GetStats(),
		}
		if !snapshotHealthy {
			allHealthy = false
		}
	}

	if app.config.HotReload.Enabled {
		services["config_reloader"] = map[string]interface{}{
			"healthy": app.reloader.IsHealthy(),
			"stats":   app.reloader.GetStats(),
		}
		if !app.reloader.IsHealthy() {
			allHealthy = false
		}
	}

	checks := make(map[string]interface{})
	status := app.store.Status()

	if app.config.Engine.MaxQueueSize > 0 {
		waiting := status.InFlight
		for _, depth := range status.LaneDepths {
			waiting += depth
		}
		utilization := float64(waiting) / float64(app.config.Engine.MaxQueueSize) * 100
		checkStatus := "ok"
		switch {
		case utilization > 90:
			checkStatus = "critical"
			allHealthy = false
		case utilization > 70:
			checkStatus = "warning"
		}
		checks["queue_utilization"] = map[string]interface{}{
			"status":  checkStatus,
			"percent": utilization,
		}
	}

	dlqStatus := "ok"
	if status.DLQSize > 1000 {
		dlqStatus = "critical"
	} else if status.DLQSize > 100 {
		dlqStatus = "warning"
	}
	checks["dlq_size"] = map[string]interface{}{
		"status": dlqStatus,
		"size":   status.DLQSize,
	}

	for name, check := range app.monitor.Checks() {
		checks[name] = check
	}

	health["services"] = services
	health["checks"] = checks

	code := http.StatusOK
	if !allHealthy {
		health["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		app.logger.WithError(err).Error("Failed to encode health response")
	}
}

func (app *App) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"application": map[string]interface{}{
			"name":        app.config.App.Name,
			"version":     app.config.App.Version,
			"environment": app.config.App.Environment,
			"uptime":      time.Since(app.startTime).String(),
			"goroutines":  runtime.NumGoroutine(),
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		},
		"queue":      app.store.Status(),
		"dispatcher": app.dispatcher.GetStats(),
		"extensions": map[string]interface{}{
			"count":    app.registry.Count(),
			"sessions": app.registry.Snapshot(),
		},
		"rate_limiter": app.limiter.GetStats(),
		"events":       app.bus.GetStats(),
		"kafka":        app.publisher.GetStats(),
		"snapshots":    app.snapshotter.GetStats(),
		"resources":    app.monitor.GetMetrics(),
		"hot_reload":   app.reloader.GetStats(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		app.logger.WithError(err).Error("Failed to encode stats response")
	}
}

// configHandler returns the running configuration with credentials
// removed.
func (app *App) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := app.config
	sanitized := map[string]interface{}{
		"app": map[string]interface{}{
			"name":        cfg.App.Name,
			"version":     cfg.App.Version,
			"environment": cfg.App.Environment,
			"log_level":   cfg.App.LogLevel,
			"log_format":  cfg.App.LogFormat,
		},
		"server": map[string]interface{}{
			"host":              cfg.Server.Host,
			"port":              cfg.Server.Port,
			"shutdown_grace_ms": cfg.Server.ShutdownGraceMS,
		},
		"metrics": map[string]interface{}{
			"enabled": cfg.Metrics.Enabled,
			"port":    cfg.Metrics.Port,
			"path":    cfg.Metrics.Path,
		},
		"engine": map[string]interface{}{
			"max_concurrent":          cfg.Engine.MaxConcurrent,
			"rate_limit":              cfg.Engine.RateLimit,
			"retry_delays_ms":         cfg.Engine.RetryDelaysMS,
			"fallback_retry_delay_ms": cfg.Engine.FallbackRetryDelayMS,
			"dlq_threshold":           cfg.Engine.DLQThreshold,
			"processing_timeout_ms":   cfg.Engine.ProcessingTimeoutMS,
			"max_queue_size":          cfg.Engine.MaxQueueSize,
			"tick_interval_ms":        cfg.Engine.TickIntervalMS,
			"send_buffer_size":        cfg.Engine.SendBufferSize,
		},
		"heartbeat": map[string]interface{}{
			"interval_ms":            cfg.Heartbeat.IntervalMS,
			"unhealthy_threshold_ms": cfg.Heartbeat.UnhealthyThresholdMS,
			"max_missed":             cfg.Heartbeat.MaxMissed,
		},
		"edge": map[string]interface{}{
			"rate_limit": cfg.Edge.RateLimit,
			"overrides":  cfg.Edge.Overrides,
		},
		"events": map[string]interface{}{
			"subscriber_buffer": cfg.Events.SubscriberBuffer,
			"kafka": map[string]interface{}{
				"enabled":      cfg.Events.Kafka.Enabled,
				"brokers":      cfg.Events.Kafka.Brokers,
				"topic":        cfg.Events.Kafka.Topic,
				"sasl_enabled": cfg.Events.Kafka.SASLEnabled,
				"tls_enabled":  cfg.Events.Kafka.TLSEnabled,
			},
		},
		"snapshot": map[string]interface{}{
			"enabled":     cfg.Snapshot.Enabled,
			"directory":   cfg.Snapshot.Directory,
			"interval_ms": cfg.Snapshot.IntervalMS,
			"max_files":   cfg.Snapshot.MaxFiles,
		},
		"tracing": map[string]interface{}{
			"enabled":      cfg.Tracing.Enabled,
			"endpoint":     cfg.Tracing.Endpoint,
			"service_name": cfg.Tracing.ServiceName,
			"sample_ratio": cfg.Tracing.SampleRatio,
		},
		"hot_reload": map[string]interface{}{
			"enabled": cfg.HotReload.Enabled,
		},
		"monitoring": map[string]interface{}{
			"enabled":     cfg.Monitoring.Enabled,
			"interval_ms": cfg.Monitoring.IntervalMS,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sanitized); err != nil {
		app.logger.WithError(err).Error("Failed to encode config response")
	}
}

func (app *App) configReloadHandler(w http.ResponseWriter, r *http.Request) {
	if !app.config.HotReload.Enabled {
		app.respondError(w, http.StatusServiceUnavailable, "config hot reload is disabled", "")
		return
	}
	if err := app.reloader.TriggerReload(); err != nil {
		app.respondError(w, http.StatusInternalServerError, fmt.Sprintf("reload failed: %v", err), "")
		return
	}
	app.respond(w, http.StatusOK, "", map[string]interface{}{
		"status": "success",
	})
}

// metricsHandler proxies the standalone Prometheus endpoint so the
// main port exposes everything.
func (app *App) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if app.metricsServer == nil {
		app.respondError(w, http.StatusServiceUnavailable, "metrics collection is disabled", "")
		return
	}

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d%s", app.config.Metrics.Port, app.config.Metrics.Path))
	if err != nil {
		app.respondError(w, http.StatusBadGateway, "failed to fetch metrics", "")
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		app.logger.WithError(err).Error("Failed to proxy metrics response")
	}
}
