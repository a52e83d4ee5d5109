// Package config provides functions for reading config settings from ENV.
package config

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultOverridesPath is the default location for the optional tuning
// override file, following the common hidden-dotfile convention.
const DefaultOverridesPath = ".tracecollector.yaml"

// OverridesPathEnvVar names the environment variable carrying a custom
// override file path.
const OverridesPathEnvVar = "TRACECOLLECTOR_CONFIG_PATH"

// ForwarderOverrides holds the subset of §6.5's `forwarder_*`/`otlp_forwarder_*`
// keys that operators may want to tune without touching the environment,
// loaded before env vars (env still wins when both are set).
type ForwarderOverrides struct {
	DebounceSeconds        *int    `yaml:"forwarder_debounce_seconds"`
	RunTimeoutSeconds      *int    `yaml:"forward_run_timeout_seconds"`
	MaxSyntheticSpans      *int    `yaml:"forwarder_max_synthetic_spans"`
	AttrMaxStr             *int    `yaml:"forwarder_attr_max_str"`
	AttrMaxKVStr           *int    `yaml:"forwarder_attr_max_kv_str"`
	AttrMaxListItems       *int    `yaml:"forwarder_attr_max_list_items"`
	ForwarderEndpoint      *string `yaml:"otlp_forwarder_endpoint"`
	ForwarderProtocol      *string `yaml:"otlp_forwarder_protocol"`
	ForwarderServiceName   *string `yaml:"otlp_forwarder_service_name"`
}

// LoadForwarderOverrides loads tuning overrides from a YAML file at path.
//
// A missing file is not
// an error (overrides are optional), and invalid YAML logs a warning and
// falls back to an empty override set rather than failing startup.
func LoadForwarderOverrides(path string) (*ForwarderOverrides, error) {
	cfg := &ForwarderOverrides{}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("forwarder overrides file not found, using env/defaults", slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("failed to read forwarder overrides file, using env/defaults",
			slog.String("path", path), slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("failed to parse forwarder overrides file, using env/defaults",
			slog.String("path", path), slog.String("error", err.Error()))

		return &ForwarderOverrides{}, nil
	}

	return cfg, nil
}

// LoadForwarderOverridesFromEnv loads overrides from the path named by
// TRACECOLLECTOR_CONFIG_PATH, falling back to DefaultOverridesPath.
func LoadForwarderOverridesFromEnv() (*ForwarderOverrides, error) {
	path := GetEnvStr(OverridesPathEnvVar, DefaultOverridesPath)

	return LoadForwarderOverrides(path)
}

// IntOr returns *v if non-nil, else def. Used to layer a YAML override under
// an env var: the caller passes the result as the env getter's default, so a
// set env var still wins.
func IntOr(v *int, def int) int {
	if v != nil {
		return *v
	}

	return def
}

// StrOr returns *v if non-nil, else def.
func StrOr(v *string, def string) string {
	if v != nil {
		return *v
	}

	return def
}
