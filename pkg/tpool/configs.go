package tpool

import (
	"strings"
	"time"
)

// Class identifies which kind of connection a caller needs. Classes are not interchangeable.
type Class string

const (
	// ReadClass is used for connections to read replicas.
	ReadClass Class = "read"

	// WriteClass is used for connections to the primary.
	WriteClass Class = "write"
)

const (
	defaultMinConnections       = 2
	defaultMaxConnections       = 10
	defaultConnectionTimeout    = 5000
	defaultIdleTimeout          = 300000
	defaultMaxRetries           = 3
	defaultRetryBaseDelay       = 100
	defaultHealthCheckInterval  = 30000
	defaultLeakDetectionTimeout = 60000
	defaultProbeTimeout         = 5000
	defaultShutdownTimeout      = 30000
	defaultShutdownPollInterval = 100
	defaultResponseTimeSamples  = 100
	defaultApplicationName      = "turbopool"

	minimumInterval = 10 // ms
)

// PoolSeasoning represents the configuration values loaded from a file.
type PoolSeasoning struct {
	PoolConfig *PoolConfig `json:"PoolConfig" yaml:"PoolConfig"`
	HostConfig *HostConfig `json:"HostConfig" yaml:"HostConfig"`
}

// PoolConfig represents settings for creating/configuring pools. All intervals are in milliseconds.
type PoolConfig struct {
	ApplicationName      string  `json:"ApplicationName" yaml:"ApplicationName"`
	Classes              []Class `json:"Classes" yaml:"Classes"`
	MinConnections       uint32  `json:"MinConnections" yaml:"MinConnections"`             // split across classes
	MaxConnections       uint32  `json:"MaxConnections" yaml:"MaxConnections"`             // pool-wide total
	ConnectionTimeout    uint32  `json:"ConnectionTimeout" yaml:"ConnectionTimeout"`
	IdleTimeout          uint32  `json:"IdleTimeout" yaml:"IdleTimeout"`
	MaxRetries           uint32  `json:"MaxRetries" yaml:"MaxRetries"`
	RetryBaseDelay       uint32  `json:"RetryBaseDelay" yaml:"RetryBaseDelay"`
	HealthCheckInterval  uint32  `json:"HealthCheckInterval" yaml:"HealthCheckInterval"`
	LeakDetectionTimeout uint32  `json:"LeakDetectionTimeout" yaml:"LeakDetectionTimeout"`
	ProbeTimeout         uint32  `json:"ProbeTimeout" yaml:"ProbeTimeout"`                 // if zero, defaults
	ShutdownTimeout      uint32  `json:"ShutdownTimeout" yaml:"ShutdownTimeout"`           // if zero, defaults
	ShutdownPollInterval uint32  `json:"ShutdownPollInterval" yaml:"ShutdownPollInterval"` // if zero, defaults
	ResponseTimeSamples  uint32  `json:"ResponseTimeSamples" yaml:"ResponseTimeSamples"`   // if zero, defaults
	DisableHealthCheck   bool    `json:"DisableHealthCheck" yaml:"DisableHealthCheck"`
}

// HostConfig represents the settings the driver hosts need to dial connections for each class.
type HostConfig struct {
	Driver      string           `json:"Driver" yaml:"Driver"`
	Credentials map[Class]string `json:"Credentials" yaml:"Credentials"` // DSN or URI per class
	DialTimeout uint32           `json:"DialTimeout" yaml:"DialTimeout"` // ms
	Heartbeat   uint32           `json:"Heartbeat" yaml:"Heartbeat"`     // seconds, amqp only
	TLSConfig   *TLSConfig       `json:"TLSConfig" yaml:"TLSConfig"`
}

// TLSConfig represents settings for configuring TLS.
type TLSConfig struct {
	EnableTLS         bool   `json:"EnableTLS" yaml:"EnableTLS"`
	PEMCertLocation   string `json:"PEMCertLocation" yaml:"PEMCertLocation"`
	LocalCertLocation string `json:"LocalCertLocation" yaml:"LocalCertLocation"`
	LocalKeyLocation  string `json:"LocalKeyLocation" yaml:"LocalKeyLocation"` // empty when the key is in LocalCertLocation
	CertServerName    string `json:"CertServerName" yaml:"CertServerName"`
}

// DefaultPoolConfig returns a PoolConfig with every field set to its default.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		ApplicationName:      defaultApplicationName,
		Classes:              []Class{ReadClass, WriteClass},
		MinConnections:       defaultMinConnections,
		MaxConnections:       defaultMaxConnections,
		ConnectionTimeout:    defaultConnectionTimeout,
		IdleTimeout:          defaultIdleTimeout,
		MaxRetries:           defaultMaxRetries,
		RetryBaseDelay:       defaultRetryBaseDelay,
		HealthCheckInterval:  defaultHealthCheckInterval,
		LeakDetectionTimeout: defaultLeakDetectionTimeout,
		ProbeTimeout:         defaultProbeTimeout,
		ShutdownTimeout:      defaultShutdownTimeout,
		ShutdownPollInterval: defaultShutdownPollInterval,
		ResponseTimeSamples:  defaultResponseTimeSamples,
	}
}

// settings is the validated, immutable form of a PoolConfig.
type settings struct {
	applicationName      string
	classes              []Class
	minConnections       int
	maxConnections       int64
	connectionTimeout    time.Duration
	idleTimeout          time.Duration
	maxRetries           int
	retryBaseDelay       time.Duration
	healthCheckInterval  time.Duration
	leakDetectionTimeout time.Duration
	probeTimeout         time.Duration
	shutdownTimeout      time.Duration
	shutdownPollInterval time.Duration
	responseTimeSamples  int
	healthCheckEnabled   bool
}

// Validate checks the config and returns an error wrapping ErrInvalidConfig naming the first bad field.
func (c *PoolConfig) Validate() error {
	_, err := c.settings()
	return err
}

func (c *PoolConfig) settings() (*settings, error) {
	if c == nil {
		return nil, invalidConfig("PoolConfig", "can't be nil")
	}

	if c.MinConnections < 1 {
		return nil, invalidConfig("MinConnections", "must be at least 1")
	}
	if c.MaxConnections < c.MinConnections {
		return nil, invalidConfig("MaxConnections", "(%d) can't be less than MinConnections (%d)", c.MaxConnections, c.MinConnections)
	}
	if c.ConnectionTimeout < minimumInterval {
		return nil, invalidConfig("ConnectionTimeout", "must be at least %dms", minimumInterval)
	}
	if c.IdleTimeout < minimumInterval {
		return nil, invalidConfig("IdleTimeout", "must be at least %dms", minimumInterval)
	}
	if c.MaxRetries < 1 {
		return nil, invalidConfig("MaxRetries", "must be at least 1")
	}
	if c.RetryBaseDelay < 1 {
		return nil, invalidConfig("RetryBaseDelay", "must be at least 1ms")
	}
	if c.HealthCheckInterval < minimumInterval {
		return nil, invalidConfig("HealthCheckInterval", "must be at least %dms", minimumInterval)
	}
	if c.LeakDetectionTimeout < minimumInterval {
		return nil, invalidConfig("LeakDetectionTimeout", "must be at least %dms", minimumInterval)
	}
	if c.ShutdownTimeout != 0 && c.ShutdownTimeout < minimumInterval {
		return nil, invalidConfig("ShutdownTimeout", "must be at least %dms", minimumInterval)
	}

	classes := c.Classes
	if len(classes) == 0 {
		classes = []Class{ReadClass, WriteClass}
	}
	seen := make(map[Class]struct{}, len(classes))
	for _, class := range classes {
		if strings.TrimSpace(string(class)) == "" {
			return nil, invalidConfig("Classes", "can't contain an empty class")
		}
		if _, ok := seen[class]; ok {
			return nil, invalidConfig("Classes", "contains duplicate class %q", class)
		}
		seen[class] = struct{}{}
	}
	if int(c.MinConnections) < len(classes) {
		return nil, invalidConfig("MinConnections", "must be at least one per class (%d classes)", len(classes))
	}

	s := &settings{
		applicationName:      c.ApplicationName,
		classes:              append([]Class(nil), classes...),
		minConnections:       int(c.MinConnections),
		maxConnections:       int64(c.MaxConnections),
		connectionTimeout:    time.Duration(c.ConnectionTimeout) * time.Millisecond,
		idleTimeout:          time.Duration(c.IdleTimeout) * time.Millisecond,
		maxRetries:           int(c.MaxRetries),
		retryBaseDelay:       time.Duration(c.RetryBaseDelay) * time.Millisecond,
		healthCheckInterval:  time.Duration(c.HealthCheckInterval) * time.Millisecond,
		leakDetectionTimeout: time.Duration(c.LeakDetectionTimeout) * time.Millisecond,
		probeTimeout:         time.Duration(valueOrDefault(c.ProbeTimeout, defaultProbeTimeout)) * time.Millisecond,
		shutdownTimeout:      time.Duration(valueOrDefault(c.ShutdownTimeout, defaultShutdownTimeout)) * time.Millisecond,
		shutdownPollInterval: time.Duration(valueOrDefault(c.ShutdownPollInterval, defaultShutdownPollInterval)) * time.Millisecond,
		responseTimeSamples:  int(valueOrDefault(c.ResponseTimeSamples, defaultResponseTimeSamples)),
		healthCheckEnabled:   !c.DisableHealthCheck,
	}

	if s.applicationName == "" {
		s.applicationName = defaultApplicationName
	}

	return s, nil
}

// minimums splits MinConnections across the classes, remainder going to the earlier classes.
func (s *settings) minimums() map[Class]int {
	mins := make(map[Class]int, len(s.classes))
	share := s.minConnections / len(s.classes)
	remainder := s.minConnections % len(s.classes)
	for i, class := range s.classes {
		mins[class] = share
		if i < remainder {
			mins[class]++
		}
	}
	return mins
}

func valueOrDefault(value, def uint32) uint32 {
	if value == 0 {
		return def
	}
	return value
}
