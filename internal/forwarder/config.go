package forwarder

import (
	"time"

	"github.com/agentsight/tracecollector/internal/config"
)

const (
	defaultDebounceSeconds   = 5
	defaultRunTimeoutSeconds = 30
	defaultMaxSyntheticSpans = 10
	defaultAttrMaxStr        = 500
	defaultAttrMaxKVStr      = 200
	defaultAttrMaxListItems  = 5

	defaultForwarderServiceName = "tracecollector-forwarder"
	defaultForwarderTimeout     = 10 * time.Second
)

// LoadConfig builds the Grouper's Config from environment variables layered
// over optional YAML overrides (§6.5, §11): overrides supply a value when
// the environment variable is unset, env always wins when both are present.
func LoadConfig(overrides *ForwarderOverrides) Config {
	if overrides == nil {
		overrides = &ForwarderOverrides{}
	}

	return Config{
		Debounce: time.Duration(config.GetEnvInt(
			"FORWARDER_DEBOUNCE_SECONDS", config.IntOr(overrides.DebounceSeconds, defaultDebounceSeconds))) * time.Second,
		RunTimeout: time.Duration(config.GetEnvInt(
			"FORWARD_RUN_TIMEOUT_SECONDS", config.IntOr(overrides.RunTimeoutSeconds, defaultRunTimeoutSeconds))) * time.Second,
		MaxSyntheticSpans: config.GetEnvInt(
			"FORWARDER_MAX_SYNTHETIC_SPANS", config.IntOr(overrides.MaxSyntheticSpans, defaultMaxSyntheticSpans)),
		AttrMaxStr: config.GetEnvInt(
			"FORWARDER_ATTR_MAX_STR", config.IntOr(overrides.AttrMaxStr, defaultAttrMaxStr)),
		AttrMaxKVStr: config.GetEnvInt(
			"FORWARDER_ATTR_MAX_KV_STR", config.IntOr(overrides.AttrMaxKVStr, defaultAttrMaxKVStr)),
		AttrMaxListItems: config.GetEnvInt(
			"FORWARDER_ATTR_MAX_LIST_ITEMS", config.IntOr(overrides.AttrMaxListItems, defaultAttrMaxListItems)),
	}
}

// ForwarderOverrides is a type alias kept local to this package so callers
// don't need to import internal/config just to build one; it mirrors
// config.ForwarderOverrides field-for-field.
type ForwarderOverrides = config.ForwarderOverrides

// LoadExporterConfig builds the downstream OTLP exporter configuration from
// environment variables layered over optional YAML overrides (§6.5).
func LoadExporterConfig(overrides *ForwarderOverrides) ExporterConfig {
	if overrides == nil {
		overrides = &ForwarderOverrides{}
	}

	return ExporterConfig{
		Enabled:     config.GetEnvBool("OTLP_FORWARDER_ENABLED", false),
		Protocol:    config.GetEnvStr("OTLP_FORWARDER_PROTOCOL", config.StrOr(overrides.ForwarderProtocol, "http")),
		Endpoint:    config.GetEnvStr("OTLP_FORWARDER_ENDPOINT", config.StrOr(overrides.ForwarderEndpoint, "")),
		ServiceName: config.GetEnvStr("OTLP_FORWARDER_SERVICE_NAME", config.StrOr(overrides.ForwarderServiceName, defaultForwarderServiceName)),
		Timeout:     config.GetEnvDuration("OTLP_FORWARDER_TIMEOUT", defaultForwarderTimeout),
		Insecure:    config.GetEnvBool("OTLP_FORWARDER_INSECURE", false),
	}
}
