package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/semantest/nodejs.server-sub008/pkg/types"
)

// TestDefaultsApplied tests that zero values are filled with defaults
func TestDefaultsApplied(t *testing.T) {
	config := &types.Config{}

	applyDefaults(config)

	if config.App.Name != "semantest-dispatch" {
		t.Errorf("Expected default app name, got %s", config.App.Name)
	}
	if config.Server.Port != 8080 {
		t.Errorf("Expected default server port 8080, got %d", config.Server.Port)
	}
	if config.Engine.MaxConcurrent != 10 {
		t.Errorf("Expected default max_concurrent 10, got %d", config.Engine.MaxConcurrent)
	}
	if config.Engine.DLQThreshold != 3 {
		t.Errorf("Expected default dlq_threshold 3, got %d", config.Engine.DLQThreshold)
	}
	if len(config.Engine.RetryDelaysMS) != 3 {
		t.Errorf("Expected 3 default retry delays, got %v", config.Engine.RetryDelaysMS)
	}
	if config.Engine.FallbackRetryDelayMS != 30000 {
		t.Errorf("Expected fallback retry delay 30000, got %d", config.Engine.FallbackRetryDelayMS)
	}
	if config.Heartbeat.IntervalMS != 30000 {
		t.Errorf("Expected heartbeat interval 30000, got %d", config.Heartbeat.IntervalMS)
	}
	if config.Tracing.ServiceName != config.App.Name {
		t.Errorf("Expected tracing service name to follow app name, got %s", config.Tracing.ServiceName)
	}
}

// TestDefaultsRespectExplicitValues tests that file values survive defaulting
func TestDefaultsRespectExplicitValues(t *testing.T) {
	config := &types.Config{}
	config.Server.Port = 9000
	config.Engine.MaxConcurrent = 4
	config.Engine.RetryDelaysMS = []int{500}

	applyDefaults(config)

	if config.Server.Port != 9000 {
		t.Errorf("Expected explicit port 9000 preserved, got %d", config.Server.Port)
	}
	if config.Engine.MaxConcurrent != 4 {
		t.Errorf("Expected explicit max_concurrent 4 preserved, got %d", config.Engine.MaxConcurrent)
	}
	if len(config.Engine.RetryDelaysMS) != 1 || config.Engine.RetryDelaysMS[0] != 500 {
		t.Errorf("Expected explicit retry delays preserved, got %v", config.Engine.RetryDelaysMS)
	}
}

// TestLoadConfigFromFile tests YAML parsing plus defaults
func TestLoadConfigFromFile(t *testing.T) {
	configContent := `
app:
  name: "dispatch-test"
  log_level: "debug"

server:
  port: 18080

engine:
  max_concurrent: 2
  rate_limit: 5.5
  retry_delays_ms: [100, 200]
  dlq_threshold: 2
  max_queue_size: 50

heartbeat:
  interval_ms: 1000

edge:
  rate_limit: 100
  overrides:
    /queue/enqueue: 25
`
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(configFile)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.App.Name != "dispatch-test" {
		t.Errorf("Expected app name from file, got %s", config.App.Name)
	}
	if config.App.LogLevel != "debug" {
		t.Errorf("Expected log level debug, got %s", config.App.LogLevel)
	}
	if config.Server.Port != 18080 {
		t.Errorf("Expected port 18080, got %d", config.Server.Port)
	}
	if config.Engine.RateLimit != 5.5 {
		t.Errorf("Expected rate limit 5.5, got %f", config.Engine.RateLimit)
	}
	if config.Engine.MaxQueueSize != 50 {
		t.Errorf("Expected max queue size 50, got %d", config.Engine.MaxQueueSize)
	}
	if got := config.Edge.Overrides["/queue/enqueue"]; got != 25 {
		t.Errorf("Expected edge override 25 for enqueue, got %f", got)
	}

	// Unspecified values still get defaults.
	if config.App.Version != "v1.0.0" {
		t.Errorf("Expected default version, got %s", config.App.Version)
	}
	if config.Engine.ProcessingTimeoutMS != 30000 {
		t.Errorf("Expected default processing timeout, got %d", config.Engine.ProcessingTimeoutMS)
	}
}

// TestLoadConfigMissingFile tests that a missing file falls back to defaults
func TestLoadConfigMissingFile(t *testing.T) {
	config, err := LoadConfig("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("LoadConfig should not fail on missing file: %v", err)
	}
	if config.App.Name != "semantest-dispatch" {
		t.Errorf("Expected defaults on missing file, got app name %s", config.App.Name)
	}
}

// TestEnvironmentOverrides tests SEMANTEST_ variable precedence
func TestEnvironmentOverrides(t *testing.T) {
	os.Setenv("SEMANTEST_SERVER_PORT", "17000")
	os.Setenv("SEMANTEST_MAX_CONCURRENT", "7")
	os.Setenv("SEMANTEST_RATE_LIMIT", "2.5")
	os.Setenv("SEMANTEST_RETRY_DELAYS_MS", "50,100,150,200")
	os.Setenv("SEMANTEST_LOG_LEVEL", "warn")
	defer func() {
		os.Unsetenv("SEMANTEST_SERVER_PORT")
		os.Unsetenv("SEMANTEST_MAX_CONCURRENT")
		os.Unsetenv("SEMANTEST_RATE_LIMIT")
		os.Unsetenv("SEMANTEST_RETRY_DELAYS_MS")
		os.Unsetenv("SEMANTEST_LOG_LEVEL")
	}()

	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.Server.Port != 17000 {
		t.Errorf("Expected env port 17000, got %d", config.Server.Port)
	}
	if config.Engine.MaxConcurrent != 7 {
		t.Errorf("Expected env max_concurrent 7, got %d", config.Engine.MaxConcurrent)
	}
	if config.Engine.RateLimit != 2.5 {
		t.Errorf("Expected env rate limit 2.5, got %f", config.Engine.RateLimit)
	}
	if len(config.Engine.RetryDelaysMS) != 4 || config.Engine.RetryDelaysMS[3] != 200 {
		t.Errorf("Expected env retry delays, got %v", config.Engine.RetryDelaysMS)
	}
	if config.App.LogLevel != "warn" {
		t.Errorf("Expected env log level warn, got %s", config.App.LogLevel)
	}
}

// TestValidateConfig tests validation rules on the loaded tree
func TestValidateConfig(t *testing.T) {
	valid, _ := LoadConfig("")
	if err := ValidateConfig(valid); err != nil {
		t.Errorf("Default config should validate, got %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*types.Config)
	}{
		{"bad server port", func(c *types.Config) { c.Server.Port = -1 }},
		{"metrics port collision", func(c *types.Config) {
			c.Metrics.Enabled = true
			c.Metrics.Port = c.Server.Port
		}},
		{"bad log format", func(c *types.Config) { c.App.LogFormat = "xml" }},
		{"zero max concurrent", func(c *types.Config) { c.Engine.MaxConcurrent = 0 }},
		{"negative rate limit", func(c *types.Config) { c.Engine.RateLimit = -1 }},
		{"zero dlq threshold", func(c *types.Config) { c.Engine.DLQThreshold = 0 }},
		{"negative retry delay", func(c *types.Config) { c.Engine.RetryDelaysMS = []int{100, -5} }},
		{"zero heartbeat interval", func(c *types.Config) { c.Heartbeat.IntervalMS = 0 }},
		{"zero edge override", func(c *types.Config) {
			c.Edge.Overrides = map[string]float64{"/queue/enqueue": 0}
		}},
		{"kafka without brokers", func(c *types.Config) {
			c.Events.Kafka.Enabled = true
			c.Events.Kafka.Brokers = nil
		}},
		{"kafka sasl without credentials", func(c *types.Config) {
			c.Events.Kafka.Enabled = true
			c.Events.Kafka.SASLEnabled = true
			c.Events.Kafka.SASLUser = ""
		}},
		{"snapshot without directory", func(c *types.Config) {
			c.Snapshot.Enabled = true
			c.Snapshot.Directory = ""
		}},
		{"tracing bad sample ratio", func(c *types.Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRatio = 2
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			config, _ := LoadConfig("")
			tc.mutate(config)
			if err := ValidateConfig(config); err == nil {
				t.Errorf("Expected validation error for %s", tc.name)
			}
		})
	}
}

// TestGetEnvIntSliceMalformed tests that bad list input keeps the default
func TestGetEnvIntSliceMalformed(t *testing.T) {
	os.Setenv("SEMANTEST_TEST_SLICE", "10,abc,30")
	defer os.Unsetenv("SEMANTEST_TEST_SLICE")

	got := getEnvIntSlice("SEMANTEST_TEST_SLICE", []int{1, 2})
	if len(got) != 2 || got[0] != 1 {
		t.Errorf("Expected default slice on malformed input, got %v", got)
	}
}
