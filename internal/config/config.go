// Package config loads the engine configuration from a YAML file,
// fills defaults, and applies SEMANTEST_-prefixed environment
// overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/semantest/nodejs.server-sub008/pkg/types"

	"gopkg.in/yaml.v2"
)

// LoadConfig reads the YAML file (when given), applies defaults, then
// environment overrides. A missing or unreadable file is downgraded to
// a warning so the engine can start on defaults alone.
func LoadConfig(configFile string) (*types.Config, error) {
	config := &types.Config{}

	if configFile != "" {
		if err := loadConfigFile(configFile, config); err != nil {
			fmt.Printf("Warning: Failed to load config file %s: %v\n", configFile, err)
		} else {
			fmt.Printf("Loaded configuration from file: %s\n", configFile)
		}
	}

	applyDefaults(config)
	applyEnvironmentOverrides(config)

	return config, nil
}

func loadConfigFile(filename string, config *types.Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// applyDefaults fills zero values with production defaults.
func applyDefaults(config *types.Config) {
	// App defaults
	if config.App.Name == "" {
		config.App.Name = "semantest-dispatch"
	}
	if config.App.Version == "" {
		config.App.Version = "v1.0.0"
	}
	if config.App.Environment == "" {
		config.App.Environment = "production"
	}
	if config.App.LogLevel == "" {
		config.App.LogLevel = "info"
	}
	if config.App.LogFormat == "" {
		config.App.LogFormat = "json"
	}

	// Server defaults
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}
	if config.Server.ShutdownGraceMS == 0 {
		config.Server.ShutdownGraceMS = 10000
	}

	// Metrics defaults
	if config.Metrics.Port == 0 {
		config.Metrics.Port = 9090
	}
	if config.Metrics.Path == "" {
		config.Metrics.Path = "/metrics"
	}

	// Engine defaults
	if config.Engine.MaxConcurrent == 0 {
		config.Engine.MaxConcurrent = 10
	}
	if config.Engine.RateLimit == 0 {
		config.Engine.RateLimit = 10
	}
	if len(config.Engine.RetryDelaysMS) == 0 {
		config.Engine.RetryDelaysMS = []int{1000, 5000, 15000}
	}
	if config.Engine.FallbackRetryDelayMS == 0 {
		config.Engine.FallbackRetryDelayMS = 30000
	}
	if config.Engine.DLQThreshold == 0 {
		config.Engine.DLQThreshold = 3
	}
	if config.Engine.ProcessingTimeoutMS == 0 {
		config.Engine.ProcessingTimeoutMS = 30000
	}
	if config.Engine.TickIntervalMS == 0 {
		config.Engine.TickIntervalMS = 1000
	}
	if config.Engine.SendBufferSize == 0 {
		config.Engine.SendBufferSize = 256
	}

	// Heartbeat defaults
	if config.Heartbeat.IntervalMS == 0 {
		config.Heartbeat.IntervalMS = 30000
	}
	if config.Heartbeat.UnhealthyThresholdMS == 0 {
		config.Heartbeat.UnhealthyThresholdMS = 60000
	}
	if config.Heartbeat.MaxMissed == 0 {
		config.Heartbeat.MaxMissed = 3
	}

	// Events defaults
	if config.Events.SubscriberBuffer == 0 {
		config.Events.SubscriberBuffer = 256
	}
	if config.Events.Kafka.Topic == "" {
		config.Events.Kafka.Topic = "semantest.job-events"
	}
	if len(config.Events.Kafka.Brokers) == 0 {
		config.Events.Kafka.Brokers = []string{"localhost:9092"}
	}
	if config.Events.Kafka.FlushMS == 0 {
		config.Events.Kafka.FlushMS = 1000
	}

	// Snapshot defaults
	if config.Snapshot.Directory == "" {
		config.Snapshot.Directory = "./data/snapshots"
	}
	if config.Snapshot.IntervalMS == 0 {
		config.Snapshot.IntervalMS = 30000
	}
	if config.Snapshot.MaxFiles == 0 {
		config.Snapshot.MaxFiles = 10
	}

	// Tracing defaults
	if config.Tracing.Endpoint == "" {
		config.Tracing.Endpoint = "localhost:4318"
	}
	if config.Tracing.ServiceName == "" {
		config.Tracing.ServiceName = config.App.Name
	}
	if config.Tracing.SampleRatio == 0 {
		config.Tracing.SampleRatio = 1.0
	}

	// Monitoring defaults
	config.Monitoring.Enabled = true // Default enabled
	if config.Monitoring.IntervalMS == 0 {
		config.Monitoring.IntervalMS = 15000
	}
	if config.Monitoring.MemoryWarnMB == 0 {
		config.Monitoring.MemoryWarnMB = 1024
	}
	if config.Monitoring.MemoryCriticalMB == 0 {
		config.Monitoring.MemoryCriticalMB = 2048
	}
	if config.Monitoring.GoroutineWarn == 0 {
		config.Monitoring.GoroutineWarn = 5000
	}
	if config.Monitoring.CPUWarnPercent == 0 {
		config.Monitoring.CPUWarnPercent = 85
	}
}

// applyEnvironmentOverrides lets deployments override file values
// without editing YAML. All variables carry the SEMANTEST_ prefix.
func applyEnvironmentOverrides(config *types.Config) {
	// Server overrides
	if host := getEnvString("SEMANTEST_SERVER_HOST", ""); host != "" {
		config.Server.Host = host
	}
	if port := getEnvInt("SEMANTEST_SERVER_PORT", 0); port != 0 {
		config.Server.Port = port
	}

	// Metrics overrides
	if enabled := getEnvBool("SEMANTEST_METRICS_ENABLED", config.Metrics.Enabled); enabled != config.Metrics.Enabled {
		config.Metrics.Enabled = enabled
	}
	if port := getEnvInt("SEMANTEST_METRICS_PORT", 0); port != 0 {
		config.Metrics.Port = port
	}

	// Logging overrides
	if level := getEnvString("SEMANTEST_LOG_LEVEL", ""); level != "" {
		config.App.LogLevel = level
	}
	if format := getEnvString("SEMANTEST_LOG_FORMAT", ""); format != "" {
		config.App.LogFormat = format
	}

	// Engine overrides
	if maxCon := getEnvInt("SEMANTEST_MAX_CONCURRENT", 0); maxCon != 0 {
		config.Engine.MaxConcurrent = maxCon
	}
	if rate := getEnvFloat("SEMANTEST_RATE_LIMIT", 0); rate != 0 {
		config.Engine.RateLimit = rate
	}
	if delays := getEnvIntSlice("SEMANTEST_RETRY_DELAYS_MS", nil); len(delays) > 0 {
		config.Engine.RetryDelaysMS = delays
	}
	if threshold := getEnvInt("SEMANTEST_DLQ_THRESHOLD", 0); threshold != 0 {
		config.Engine.DLQThreshold = threshold
	}
	if timeout := getEnvInt("SEMANTEST_PROCESSING_TIMEOUT_MS", 0); timeout != 0 {
		config.Engine.ProcessingTimeoutMS = timeout
	}
	if size := getEnvInt("SEMANTEST_MAX_QUEUE_SIZE", 0); size != 0 {
		config.Engine.MaxQueueSize = size
	}

	// Heartbeat overrides
	if interval := getEnvInt("SEMANTEST_HEARTBEAT_INTERVAL_MS", 0); interval != 0 {
		config.Heartbeat.IntervalMS = interval
	}
	if threshold := getEnvInt("SEMANTEST_UNHEALTHY_THRESHOLD_MS", 0); threshold != 0 {
		config.Heartbeat.UnhealthyThresholdMS = threshold
	}
	if missed := getEnvInt("SEMANTEST_MAX_MISSED_HEARTBEATS", 0); missed != 0 {
		config.Heartbeat.MaxMissed = missed
	}

	// Edge overrides
	if rate := getEnvFloat("SEMANTEST_EDGE_RATE_LIMIT", 0); rate != 0 {
		config.Edge.RateLimit = rate
	}

	// Kafka overrides
	if enabled := getEnvBool("SEMANTEST_KAFKA_ENABLED", config.Events.Kafka.Enabled); enabled != config.Events.Kafka.Enabled {
		config.Events.Kafka.Enabled = enabled
	}
	if brokers := getEnvStringSlice("SEMANTEST_KAFKA_BROKERS", nil); len(brokers) > 0 {
		config.Events.Kafka.Brokers = brokers
	}
	if topic := getEnvString("SEMANTEST_KAFKA_TOPIC", ""); topic != "" {
		config.Events.Kafka.Topic = topic
	}
	if user := getEnvString("SEMANTEST_KAFKA_SASL_USER", ""); user != "" {
		config.Events.Kafka.SASLUser = user
		config.Events.Kafka.SASLEnabled = true
	}
	if password := getEnvString("SEMANTEST_KAFKA_SASL_PASSWORD", ""); password != "" {
		config.Events.Kafka.SASLPassword = password
	}

	// Snapshot overrides
	if enabled := getEnvBool("SEMANTEST_SNAPSHOT_ENABLED", config.Snapshot.Enabled); enabled != config.Snapshot.Enabled {
		config.Snapshot.Enabled = enabled
	}
	if dir := getEnvString("SEMANTEST_SNAPSHOT_DIRECTORY", ""); dir != "" {
		config.Snapshot.Directory = dir
	}

	// Tracing overrides
	if enabled := getEnvBool("SEMANTEST_TRACING_ENABLED", config.Tracing.Enabled); enabled != config.Tracing.Enabled {
		config.Tracing.Enabled = enabled
	}
	if endpoint := getEnvString("SEMANTEST_TRACING_ENDPOINT", ""); endpoint != "" {
		config.Tracing.Endpoint = endpoint
	}

	// Hot reload override
	if enabled := getEnvBool("SEMANTEST_HOT_RELOAD_ENABLED", config.HotReload.Enabled); enabled != config.HotReload.Enabled {
		config.HotReload.Enabled = enabled
	}

	// Monitoring override
	if enabled := getEnvBool("SEMANTEST_MONITORING_ENABLED", config.Monitoring.Enabled); enabled != config.Monitoring.Enabled {
		config.Monitoring.Enabled = enabled
	}
}

// Environment helpers

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

func getEnvIntSlice(key string, defaultValue []int) []int {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]int, 0, len(parts))
		for _, part := range parts {
			intValue, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return defaultValue
			}
			result = append(result, intValue)
		}
		return result
	}
	return defaultValue
}

// ValidateConfig rejects configurations the engine cannot run with.
func ValidateConfig(config *types.Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Metrics.Enabled {
		if config.Metrics.Port <= 0 || config.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", config.Metrics.Port)
		}
		if config.Metrics.Port == config.Server.Port {
			return fmt.Errorf("metrics port %d collides with server port", config.Metrics.Port)
		}
	}

	if config.App.LogFormat != "json" && config.App.LogFormat != "text" {
		return fmt.Errorf("invalid log format: %s (want json or text)", config.App.LogFormat)
	}

	if config.Engine.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive, got %d", config.Engine.MaxConcurrent)
	}
	if config.Engine.RateLimit < 0 {
		return fmt.Errorf("rate_limit cannot be negative, got %f", config.Engine.RateLimit)
	}
	if config.Engine.DLQThreshold <= 0 {
		return fmt.Errorf("dlq_threshold must be positive, got %d", config.Engine.DLQThreshold)
	}
	if config.Engine.ProcessingTimeoutMS <= 0 {
		return fmt.Errorf("processing_timeout_ms must be positive, got %d", config.Engine.ProcessingTimeoutMS)
	}
	if config.Engine.MaxQueueSize < 0 {
		return fmt.Errorf("max_queue_size cannot be negative, got %d", config.Engine.MaxQueueSize)
	}
	for i, delay := range config.Engine.RetryDelaysMS {
		if delay < 0 {
			return fmt.Errorf("retry_delays_ms[%d] cannot be negative, got %d", i, delay)
		}
	}

	if config.Heartbeat.IntervalMS <= 0 {
		return fmt.Errorf("heartbeat interval_ms must be positive, got %d", config.Heartbeat.IntervalMS)
	}
	if config.Heartbeat.UnhealthyThresholdMS <= 0 {
		return fmt.Errorf("unhealthy_threshold_ms must be positive, got %d", config.Heartbeat.UnhealthyThresholdMS)
	}
	if config.Heartbeat.MaxMissed <= 0 {
		return fmt.Errorf("max_missed must be positive, got %d", config.Heartbeat.MaxMissed)
	}

	if config.Edge.RateLimit < 0 {
		return fmt.Errorf("edge rate_limit cannot be negative, got %f", config.Edge.RateLimit)
	}
	for path, rate := range config.Edge.Overrides {
		if rate <= 0 {
			return fmt.Errorf("edge override for %s must be positive, got %f", path, rate)
		}
	}

	if config.Events.Kafka.Enabled {
		if len(config.Events.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers cannot be empty when the publisher is enabled")
		}
		if config.Events.Kafka.Topic == "" {
			return fmt.Errorf("kafka topic cannot be empty when the publisher is enabled")
		}
		if config.Events.Kafka.SASLEnabled && (config.Events.Kafka.SASLUser == "" || config.Events.Kafka.SASLPassword == "") {
			return fmt.Errorf("kafka SASL credentials required when sasl_enabled is set")
		}
	}

	if config.Snapshot.Enabled {
		if config.Snapshot.Directory == "" {
			return fmt.Errorf("snapshot directory cannot be empty when snapshots are enabled")
		}
		if config.Snapshot.IntervalMS <= 0 {
			return fmt.Errorf("snapshot interval_ms must be positive, got %d", config.Snapshot.IntervalMS)
		}
	}

	if config.Tracing.Enabled {
		if config.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing endpoint cannot be empty when tracing is enabled")
		}
		if config.Tracing.SampleRatio < 0 || config.Tracing.SampleRatio > 1 {
			return fmt.Errorf("tracing sample_ratio must be within [0,1], got %f", config.Tracing.SampleRatio)
		}
	}

	return nil
}
