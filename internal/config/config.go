package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Collector holds the server-side settings, all sourced from the
// environment. Postgres is used when POSTGRES_HOST is set; otherwise the
// collector falls back to the sqlite file for single-node runs.
type Collector struct {
	Port            string
	LogLevel        string
	SQLitePath      string
	Postgres        DBConfig
	MQTTBrokerURL   string
	MQTTClientID    string
	MQTTInsecureTLS bool
	FanoutPrefix    string
	PushInterval    time.Duration
	AggregateWindow int
	AggregateEvery  time.Duration
}

type DBConfig struct {
	User     string
	Password string
	DBName   string
	Host     string
	Port     string
	SSLMode  string
}

func (c DBConfig) Enabled() bool {
	return c.Host != ""
}

// Agent holds the sensor-agent settings.
type Agent struct {
	ServerURL         string
	LogLevel          string
	StateDir          string
	SampleInterval    time.Duration
	ReconnectInterval time.Duration
	RollbackWindow    int
}

func LoadCollector() *Collector {
	cfg := &Collector{
		Port:            getEnv("RELAY_PORT", "8090"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		SQLitePath:      getEnv("RELAY_SQLITE_PATH", "relay.db"),
		MQTTBrokerURL:   strings.TrimSpace(os.Getenv("MQTT_BROKER_URL")),
		MQTTClientID:    getEnv("RELAY_MQTT_CLIENT_ID", "telemetry-relay"),
		MQTTInsecureTLS: parseBool(getEnv("RELAY_MQTT_INSECURE_TLS", "false")),
		FanoutPrefix:    getEnv("RELAY_FANOUT_PREFIX", "relay/readings/"),
		PushInterval:    parseDuration(getEnv("RELAY_PUSH_INTERVAL", "10s"), 10*time.Second),
		AggregateWindow: parseInt(getEnv("RELAY_AGGREGATE_WINDOW", "5"), 5),
		AggregateEvery:  parseDuration(getEnv("RELAY_AGGREGATE_INTERVAL", "10s"), 10*time.Second),
		Postgres: DBConfig{
			User:     strings.TrimSpace(os.Getenv("POSTGRES_USER")),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			DBName:   strings.TrimSpace(os.Getenv("POSTGRES_DB")),
			Host:     strings.TrimSpace(os.Getenv("POSTGRES_HOST")),
			Port:     getEnv("POSTGRES_PORT", "5432"),
			SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		},
	}

	slog.Info("collector config loaded", "port", cfg.Port, "postgres", cfg.Postgres.Enabled(), "mqtt", cfg.MQTTBrokerURL != "")
	return cfg
}

func LoadAgent() *Agent {
	cfg := &Agent{
		ServerURL:         getEnv("RELAY_SERVER_URL", "ws://localhost:8090/ws"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		StateDir:          getEnv("AGENT_STATE_DIR", "agent-state"),
		SampleInterval:    parseDuration(getEnv("AGENT_SAMPLE_INTERVAL", "5s"), 5*time.Second),
		ReconnectInterval: parseDuration(getEnv("AGENT_RECONNECT_INTERVAL", "5s"), 5*time.Second),
		RollbackWindow:    parseInt(getEnv("AGENT_ROLLBACK_WINDOW", "3"), 3),
	}

	slog.Info("agent config loaded", "server", cfg.ServerURL, "state_dir", cfg.StateDir, "sample_interval", cfg.SampleInterval)
	return cfg
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func parseDuration(val string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseInt(val string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
