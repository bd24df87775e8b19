package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// LoadEnv loads environment variables from local .env files, if present.
func LoadEnv(logger *logrus.Logger) {
	files := []string{".env", ".env.dev"}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("Failed to load %s", file)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	if logger == nil {
		return
	}
	if len(loaded) == 0 {
		logger.Debug("No local env files loaded; relying on process environment")
	} else {
		logger.Debugf("Loaded env files: %s", strings.Join(loaded, ", "))
	}
}

// GetEnv gets an environment variable with a default value.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt gets an integer environment variable with a default value.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvBool gets a boolean environment variable with a default value.
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvDuration gets a duration environment variable with a default value.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Runtime holds the knobs for the core runtime. Everything has a default so
// the process starts with an empty environment.
type Runtime struct {
	DBPath            string
	DeploymentPath    string
	SnapshotDir       string
	RecordingDir      string
	RingSize          int
	ConnectTimeout    time.Duration
	ReconnectMax      time.Duration
	ReconnectRetries  int
	CorrelationWindow time.Duration
	EventBusHistory   int
	DebugListenAddr   string
}

// FromEnv builds the runtime configuration from the process environment.
func FromEnv() Runtime {
	return Runtime{
		DBPath:            GetEnv("OVERWATCH_DB", "overwatch.db"),
		DeploymentPath:    GetEnv("OVERWATCH_DEPLOYMENT", "deployment.yaml"),
		SnapshotDir:       GetEnv("OVERWATCH_SNAPSHOT_DIR", "data/snapshots"),
		RecordingDir:      GetEnv("OVERWATCH_RECORDING_DIR", "data/recordings"),
		RingSize:          GetEnvInt("OVERWATCH_RING_SIZE", 300),
		ConnectTimeout:    GetEnvDuration("OVERWATCH_CONNECT_TIMEOUT", 30*time.Second),
		ReconnectMax:      GetEnvDuration("OVERWATCH_RECONNECT_MAX", 30*time.Second),
		ReconnectRetries:  GetEnvInt("OVERWATCH_RECONNECT_RETRIES", 10),
		CorrelationWindow: GetEnvDuration("OVERWATCH_CORRELATION_WINDOW", 30*time.Second),
		EventBusHistory:   GetEnvInt("OVERWATCH_BUS_HISTORY", 1000),
		DebugListenAddr:   GetEnv("OVERWATCH_DEBUG_ADDR", ""),
	}
}
