// Package config supplies the small env-var/flag-default helper both
// cmd/ binaries bind their cobra persistent flags through, the same
// envOrDefault pattern the teacher's two main.go files each redefine
// locally. Logger construction is not this package's concern — both
// binaries build theirs with internal/obslog directly.
package config

import (
	"os"
	"strconv"
)

// EnvOrDefault returns the named environment variable's value, or def if
// it is unset or empty.
func EnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvIntOrDefault returns the named environment variable parsed as an
// integer, or def if it is unset or unparseable.
func EnvIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// EnvBool parses the named environment variable as "true"/"false", falling
// back to def on anything else (including unset).
func EnvBool(key string, def bool) bool {
	switch os.Getenv(key) {
	case "true":
		return true
	case "false":
		return false
	default:
		return def
	}
}
