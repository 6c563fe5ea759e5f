// basement/utils/env.go
package utils

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// GetEnv reads an environment variable or returns a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetEnvDuration parses a duration variable, warning and falling back on bad input.
func GetEnvDuration(logger *slog.Logger, key, fallback string) time.Duration {
	d, err := time.ParseDuration(GetEnv(key, fallback))
	if err != nil || d <= 0 {
		logger.Warn("Invalid duration, using default", "key", key, "value", GetEnv(key, ""), "default", fallback)
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

// GetEnvInt parses an integer variable, warning and falling back on bad input.
func GetEnvInt(logger *slog.Logger, key string, fallback int) int {
	n, err := strconv.Atoi(GetEnv(key, strconv.Itoa(fallback)))
	if err != nil {
		logger.Warn("Invalid integer, using default", "key", key, "value", GetEnv(key, ""), "default", fallback)
		return fallback
	}
	return n
}

// GetEnvBool reads "true"/"false" style variables.
func GetEnvBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(GetEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return b
}
