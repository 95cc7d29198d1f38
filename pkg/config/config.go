package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// lookup reads key and converts it with parse. Unset or blank variables
// yield fallback, as do malformed ones, which are also logged.
func lookup[T any](key string, fallback T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return fallback
	}
	value, err := parse(raw)
	if err != nil {
		slog.Warn("ignoring malformed configuration value", "key", key, "value", raw, "error", err)
		return fallback
	}
	return value
}

// GetString returns the trimmed value of key, or fallback when unset or blank.
func GetString(key, fallback string) string {
	return lookup(key, fallback, func(s string) (string, error) { return s, nil })
}

// GetInt returns key parsed as an integer.
func GetInt(key string, fallback int) int {
	return lookup(key, fallback, strconv.Atoi)
}

// GetFloat returns key parsed as a float64.
func GetFloat(key string, fallback float64) float64 {
	return lookup(key, fallback, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

// GetBool returns key parsed with strconv.ParseBool.
func GetBool(key string, fallback bool) bool {
	return lookup(key, fallback, strconv.ParseBool)
}
