package envutil

import (
	"fmt"
	"os"
)

const DefaultPort = "8080"

// GetEnvOrError gets the environment variable for the specified key, and returns
// an error if the key is not found.
func GetEnvOrError(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("%q environment variable was not set", key)
	}
	return v, nil
}

// GetPort returns the port the control server binds to: CALLTRACER_PORT,
// then PORT, then DefaultPort.
func GetPort() string {
	for _, key := range []string{"CALLTRACER_PORT", "PORT"} {
		if port, err := GetEnvOrError(key); err == nil {
			return port
		}
	}
	return DefaultPort
}

// GetEnvOrFallback gets the environment variable for the specified key, but if
// it doesn't find a value, it'll instead return fallback.
func GetEnvOrFallback(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		value = fallback
	}
	return value
}
