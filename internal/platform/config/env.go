// Package config loads process configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every environment variable read by classroom-rpc.
const EnvPrefix = "CLASSROOM_RPC_"

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LookupTrimmed returns the trimmed value of an environment variable and
// whether it was set to something other than whitespace.
func LookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}
