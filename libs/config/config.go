package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Parse loads environment variables into target according to its `env` struct tags.
func Parse(target any) error {
	return ParseFrom(target, nil)
}

// ParseFrom is Parse over an explicit variable set. A nil environ reads the process environment.
func ParseFrom(target any, environ map[string]string) error {
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(target, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Port validates a TCP port value read from key.
func Port(key, value string) (string, error) {
	value = strings.TrimSpace(value)
	p, err := strconv.Atoi(value)
	if err != nil || p < 1 || p > 65535 {
		return "", fmt.Errorf("%s must be a valid TCP port (got %q)", key, value)
	}
	return value, nil
}

// SplitList splits a comma-separated value, dropping blanks.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
