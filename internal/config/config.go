package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the AgentMesh coordination service.
type Config struct {
	Port      int
	Version   string
	Redis     RedisConfig
	Agents    AgentsConfig
	Hub       HubConfig
	Telemetry TelemetryConfig
}

type RedisConfig struct {
	// URL selects the backing store. Empty means the in-memory store.
	URL string
}

type AgentsConfig struct {
	// IDs of the agents to run, comma separated in the environment.
	IDs                 []string
	QueueCapacity       int
	MonitorInterval     time.Duration
	LearnInterval       time.Duration
	LearnBatchSize      int
	MessagePollInterval time.Duration
	FailureThreshold    float64
	ExecTimeThreshold   float64
	// PerformanceThresholds holds per-metric breach thresholds parsed
	// from a JSON object in the environment. Entries override the
	// scalar threshold options above.
	PerformanceThresholds map[string]float64
	LearningRate          float64
}

type HubConfig struct {
	CleanupInterval time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("AGENTMESH_PORT", 8080),
		Version: envStr("AGENTMESH_VERSION", "0.1.0"),
		Redis: RedisConfig{
			URL: envStr("REDIS_URL", ""),
		},
		Agents: AgentsConfig{
			IDs:                   envList("AGENTMESH_AGENTS", []string{"coordinator", "analyst", "strategist"}),
			QueueCapacity:         envInt("AGENTMESH_QUEUE_CAPACITY", 256),
			MonitorInterval:       envDuration("AGENTMESH_MONITOR_INTERVAL", 5*time.Minute),
			LearnInterval:         envDuration("AGENTMESH_LEARN_INTERVAL", time.Hour),
			LearnBatchSize:        envInt("AGENTMESH_LEARN_BATCH_SIZE", 10),
			MessagePollInterval:   envDuration("AGENTMESH_MESSAGE_POLL_INTERVAL", time.Second),
			FailureThreshold:      envFloat("AGENTMESH_FAILURE_THRESHOLD", 0.3),
			ExecTimeThreshold:     envFloat("AGENTMESH_EXEC_TIME_THRESHOLD", 300),
			PerformanceThresholds: envFloatMap("AGENTMESH_THRESHOLDS"),
			LearningRate:          envFloat("AGENTMESH_LEARNING_RATE", 0.01),
		},
		Hub: HubConfig{
			CleanupInterval: envDuration("AGENTMESH_CLEANUP_INTERVAL", time.Hour),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "agentmesh"),
		},
	}
}

// Thresholds builds the monitor threshold map from config values. The
// scalar options seed the two common metrics; PerformanceThresholds
// entries are layered on top, so any metric can be tuned per fleet.
func (c AgentsConfig) Thresholds() map[string]float64 {
	m := map[string]float64{
		"task_failure_rate":   c.FailureThreshold,
		"task_execution_time": c.ExecTimeThreshold,
	}
	for metric, v := range c.PerformanceThresholds {
		m[metric] = v
	}
	return m
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envFloatMap parses a JSON object of metric→number pairs, e.g.
// {"success_rate": 0.7, "queue_size": 50}. Malformed input is ignored.
func envFloatMap(key string) map[string]float64 {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var m map[string]float64
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		return nil
	}
	return m
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
