package types

// Config is the root application configuration, loaded from YAML with
// environment-variable overrides.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Engine    EngineConfig    `yaml:"engine"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Edge      EdgeConfig      `yaml:"edge"`
	Events    EventsConfig    `yaml:"events"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Tracing   TracingConfig   `yaml:"tracing"`
	HotReload HotReloadConfig `yaml:"hot_reload"`

	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// AppConfig identifies the service and controls logging.
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // "json" or "text"
}

// ServerConfig is the HTTP/WebSocket listener.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ShutdownGraceMS int    `yaml:"shutdown_grace_ms"`
}

// MetricsConfig is the standalone Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// EngineConfig carries the dispatch-engine tunables of the queue
// store, the router, and the rate limiter.
type EngineConfig struct {
	// MaxConcurrent caps simultaneous in-flight jobs across all workers.
	MaxConcurrent int `yaml:"max_concurrent"`

	// RateLimit is the token-bucket capacity and refill rate
	// (dispatches per second). Zero disables the gate.
	RateLimit float64 `yaml:"rate_limit"`

	// RetryDelaysMS is the ordered backoff schedule; attempt k
	// (1-indexed) sleeps RetryDelaysMS[k-1]. Attempts beyond the list
	// use FallbackRetryDelayMS.
	RetryDelaysMS        []int `yaml:"retry_delays_ms"`
	FallbackRetryDelayMS int   `yaml:"fallback_retry_delay_ms"`

	// DLQThreshold is the attempt count at which a job is declared dead.
	DLQThreshold int `yaml:"dlq_threshold"`

	// ProcessingTimeoutMS bounds each in-flight assignment.
	ProcessingTimeoutMS int `yaml:"processing_timeout_ms"`

	// MaxQueueSize is the optional admission cap counting lanes plus
	// in-flight. Zero means unbounded.
	MaxQueueSize int `yaml:"max_queue_size"`

	// TickIntervalMS is the dispatcher wake-up cadence for time-gated
	// retries.
	TickIntervalMS int `yaml:"tick_interval_ms"`

	// SendBufferSize bounds each session's outbound frame channel.
	SendBufferSize int `yaml:"send_buffer_size"`
}

// HeartbeatConfig supervises worker-session liveness.
type HeartbeatConfig struct {
	IntervalMS           int `yaml:"interval_ms"`
	UnhealthyThresholdMS int `yaml:"unhealthy_threshold_ms"`
	MaxMissed            int `yaml:"max_missed"`
}

// EdgeConfig holds HTTP-edge admission settings, including optional
// per-endpoint rate overrides. These never couple into the engine.
type EdgeConfig struct {
	RateLimit float64            `yaml:"rate_limit"`
	Overrides map[string]float64 `yaml:"overrides"` // path -> req/s
}

// EventsConfig configures the optional Kafka lifecycle-event publisher.
type EventsConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`

	// SubscriberBuffer bounds each bus subscriber channel.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// KafkaConfig mirrors the broker settings of the event publisher.
type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	Topic        string   `yaml:"topic"`
	SASLEnabled  bool     `yaml:"sasl_enabled"`
	SASLUser     string   `yaml:"sasl_user"`
	SASLPassword string   `yaml:"sasl_password"`
	SASLSHA512   bool     `yaml:"sasl_sha512"`
	TLSEnabled   bool     `yaml:"tls_enabled"`
	FlushMS      int      `yaml:"flush_ms"`
}

// SnapshotConfig configures the optional queue-state snapshotter. The
// engine never reads snapshots back; recovery after crash assumes all
// state lost.
type SnapshotConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Directory  string `yaml:"directory"`
	IntervalMS int    `yaml:"interval_ms"`
	MaxFiles   int    `yaml:"max_files"`
}

// TracingConfig configures the optional OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// HotReloadConfig enables the fsnotify config reloader.
type HotReloadConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MonitoringConfig tunes the resource monitor surfaced in /health and
// /stats.
type MonitoringConfig struct {
	Enabled          bool `yaml:"enabled"`
	IntervalMS       int  `yaml:"interval_ms"`
	MemoryWarnMB     int  `yaml:"memory_warn_mb"`
	MemoryCriticalMB int  `yaml:"memory_critical_mb"`
	GoroutineWarn    int  `yaml:"goroutine_warn"`
	CPUWarnPercent   int  `yaml:"cpu_warn_percent"`
}
