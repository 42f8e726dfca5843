package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config enumerates every tunable spec.md §6 names, parsed once at
// startup. A malformed or out-of-range value is a startup precondition
// failure, not a runtime fault.
type Config struct {
	KafkaBootstrapServers []string
	KafkaTopic            string
	KafkaGroupID          string
	KafkaInitialPollTimeout time.Duration
	KafkaInitialMaxBatchSize int

	TimescaleHost           string
	TimescalePort           int
	TimescaleDBName         string
	TimescaleUser           string
	TimescalePassword       string
	TimescalePoolSize       int
	TimescaleConnTimeout    time.Duration
	TimescaleTable          string

	InsertBatchSize    int
	InsertTimeInterval time.Duration
	InsertRetryAttempts int
	InsertRetryDelay   time.Duration

	LatencyThresholdHigh time.Duration
	LatencyThresholdLow  time.Duration
	PollTimeoutMin       time.Duration
	PollTimeoutMax       time.Duration
	BatchSizeMin         int
	BatchSizeMax         int

	CBFailureThreshold int
	CBResetTimeout     time.Duration
	CBHalfOpenTimeout  time.Duration

	MetricsPort int
	LogLevel    string
	LogFormat   string

	WALPath                  string
	WALReplayCheckInterval   time.Duration
	WALMaxIdleCyclesBeforeSpill int
}

// Load reads the process environment into a Config, applying defaults
// and validating bounds. A non-nil error means the process should exit
// with code 2 (startup precondition failure) before doing any work.
func Load() (Config, error) {
	c := Config{
		KafkaBootstrapServers:    splitCSV(getEnv("KAFKA_BOOTSTRAP_SERVERS", "localhost:9092")),
		KafkaTopic:               getEnv("KAFKA_TOPIC", "candles"),
		KafkaGroupID:             getEnv("KAFKA_GROUP_ID", "candlestream"),
		KafkaInitialPollTimeout:  getEnvDuration("KAFKA_INITIAL_POLL_TIMEOUT", 500*time.Millisecond),
		KafkaInitialMaxBatchSize: getEnvInt("KAFKA_INITIAL_MAX_BATCH_SIZE", 100),

		TimescaleHost:        getEnv("TIMESCALEDB_HOST", "localhost"),
		TimescalePort:        getEnvInt("TIMESCALEDB_PORT", 5432),
		TimescaleDBName:      getEnv("TIMESCALEDB_DBNAME", "candlestream"),
		TimescaleUser:        getEnv("TIMESCALEDB_USER", "postgres"),
		TimescalePassword:    getEnv("TIMESCALEDB_PASSWORD", "postgres"),
		TimescalePoolSize:    getEnvInt("TIMESCALEDB_POOL_SIZE", 10),
		TimescaleConnTimeout: getEnvDuration("TIMESCALEDB_CONNECTION_TIMEOUT", 5*time.Second),
		TimescaleTable:       getEnv("TIMESCALEDB_TABLE", "candles"),

		InsertBatchSize:     getEnvInt("INSERT_BATCH_SIZE", 500),
		InsertTimeInterval:  getEnvDuration("INSERT_TIME_INTERVAL", 5*time.Second),
		InsertRetryAttempts: getEnvInt("INSERT_RETRY_ATTEMPTS", 5),
		InsertRetryDelay:    getEnvDuration("INSERT_RETRY_DELAY", 500*time.Millisecond),

		LatencyThresholdHigh: getEnvDuration("LATENCY_THRESHOLD_HIGH", time.Second),
		LatencyThresholdLow:  getEnvDuration("LATENCY_THRESHOLD_LOW", 100*time.Millisecond),
		PollTimeoutMin:       getEnvDuration("POLL_TIMEOUT_MIN", 50*time.Millisecond),
		PollTimeoutMax:       getEnvDuration("POLL_TIMEOUT_MAX", 5*time.Second),
		BatchSizeMin:         getEnvInt("BATCH_SIZE_MIN", 10),
		BatchSizeMax:         getEnvInt("BATCH_SIZE_MAX", 2000),

		CBFailureThreshold: getEnvInt("CB_FAILURE_THRESHOLD", 5),
		CBResetTimeout:     getEnvDuration("CB_RESET_TIMEOUT", 60*time.Second),
		CBHalfOpenTimeout:  getEnvDuration("CB_HALF_OPEN_TIMEOUT", 10*time.Second),

		MetricsPort: getEnvInt("METRICS_PORT", 9102),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		WALPath:                     getEnv("WAL_PATH", "/var/lib/candlestream/wal/data.wal"),
		WALReplayCheckInterval:      getEnvDuration("WAL_REPLAY_CHECK_INTERVAL", 30*time.Second),
		WALMaxIdleCyclesBeforeSpill: getEnvInt("WAL_MAX_IDLE_CYCLES_BEFORE_SPILL", 5),
	}

	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if len(c.KafkaBootstrapServers) == 0 || c.KafkaBootstrapServers[0] == "" {
		return fmt.Errorf("config: KAFKA_BOOTSTRAP_SERVERS must not be empty")
	}
	if c.KafkaTopic == "" {
		return fmt.Errorf("config: KAFKA_TOPIC must not be empty")
	}
	if c.InsertBatchSize <= 0 {
		return fmt.Errorf("config: INSERT_BATCH_SIZE must be positive, got %d", c.InsertBatchSize)
	}
	if c.PollTimeoutMin >= c.PollTimeoutMax {
		return fmt.Errorf("config: POLL_TIMEOUT_MIN (%s) must be less than POLL_TIMEOUT_MAX (%s)", c.PollTimeoutMin, c.PollTimeoutMax)
	}
	if c.BatchSizeMin >= c.BatchSizeMax {
		return fmt.Errorf("config: BATCH_SIZE_MIN (%d) must be less than BATCH_SIZE_MAX (%d)", c.BatchSizeMin, c.BatchSizeMax)
	}
	if c.LatencyThresholdLow >= c.LatencyThresholdHigh {
		return fmt.Errorf("config: LATENCY_THRESHOLD_LOW (%s) must be less than LATENCY_THRESHOLD_HIGH (%s)", c.LatencyThresholdLow, c.LatencyThresholdHigh)
	}
	if c.CBFailureThreshold <= 0 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be positive, got %d", c.CBFailureThreshold)
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("config: METRICS_PORT out of range, got %d", c.MetricsPort)
	}
	return nil
}

// DSN builds a libpq-style connection string for pgxpool.
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&pool_max_conns=%d&connect_timeout=%d",
		c.TimescaleUser, c.TimescalePassword, c.TimescaleHost, c.TimescalePort, c.TimescaleDBName,
		c.TimescalePoolSize, int(c.TimescaleConnTimeout.Seconds()))
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
