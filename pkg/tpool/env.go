package tpool

import (
	"os"
	"strings"

	"github.com/spf13/cast"
)

// EnvironmentPrefix is prepended to every override key read by ApplyEnvironment.
const EnvironmentPrefix = "TURBOPOOL_"

// ApplyEnvironment applies overrides from TURBOPOOL_* environment variables.
func (c *PoolConfig) ApplyEnvironment() error {
	values := make(map[string]string)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvironmentPrefix) {
			continue
		}
		values[strings.TrimPrefix(key, EnvironmentPrefix)] = value
	}

	return c.ApplyOverrides(values)
}

// ApplyOverrides sets config fields from key/value pairs such as MAX_CONNECTIONS=20.
// Unknown keys are ignored. A value that can't be parsed returns ErrInvalidConfig.
func (c *PoolConfig) ApplyOverrides(values map[string]string) error {
	for key, value := range values {
		value = strings.TrimSpace(value)

		var err error
		switch strings.ToUpper(key) {
		case "MIN_CONNECTIONS":
			c.MinConnections, err = cast.ToUint32E(value)
		case "MAX_CONNECTIONS":
			c.MaxConnections, err = cast.ToUint32E(value)
		case "CONNECTION_TIMEOUT_MS":
			c.ConnectionTimeout, err = cast.ToUint32E(value)
		case "IDLE_TIMEOUT_MS":
			c.IdleTimeout, err = cast.ToUint32E(value)
		case "MAX_RETRIES":
			c.MaxRetries, err = cast.ToUint32E(value)
		case "RETRY_BASE_DELAY_MS":
			c.RetryBaseDelay, err = cast.ToUint32E(value)
		case "HEALTH_CHECK_INTERVAL_MS":
			c.HealthCheckInterval, err = cast.ToUint32E(value)
		case "LEAK_DETECTION_TIMEOUT_MS":
			c.LeakDetectionTimeout, err = cast.ToUint32E(value)
		case "PROBE_TIMEOUT_MS":
			c.ProbeTimeout, err = cast.ToUint32E(value)
		case "SHUTDOWN_TIMEOUT_MS":
			c.ShutdownTimeout, err = cast.ToUint32E(value)
		case "SHUTDOWN_POLL_INTERVAL_MS":
			c.ShutdownPollInterval, err = cast.ToUint32E(value)
		case "RESPONSE_TIME_SAMPLES":
			c.ResponseTimeSamples, err = cast.ToUint32E(value)
		case "APPLICATION_NAME":
			c.ApplicationName = value
		case "CLASSES":
			c.Classes = parseClasses(value)
		case "HEALTH_CHECK_ENABLED":
			var enabled bool
			enabled, err = cast.ToBoolE(value)
			c.DisableHealthCheck = !enabled
		default:
			continue
		}

		if err != nil {
			return invalidConfig(key, "override %q: %v", value, err)
		}
	}

	return nil
}

func parseClasses(value string) []Class {
	var classes []Class
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			classes = append(classes, Class(part))
		}
	}
	return classes
}
