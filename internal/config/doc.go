// Package config handles configuration loading, saving, and schema definition.
package config

import "time"

// Config is the top-level agentbus configuration.
// Uses json tags in camelCase to match the JSON config file format.
type Config struct {
	Broker  BrokerConfig  `json:"broker"`
	Queue   QueueConfig   `json:"queue"`
	Health  HealthConfig  `json:"health"`
	Gateway GatewayConfig `json:"gateway"`
}

// BrokerConfig holds Redis connection settings.
type BrokerConfig struct {
	URL      string `json:"url"` // redis://host:port
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`

	PoolSize      int `json:"poolSize,omitempty"`      // max pooled connections
	MaxRetries    int `json:"maxRetries,omitempty"`    // retry attempts per command
	ProbeInterval int `json:"probeInterval,omitempty"` // liveness probe interval (seconds)
}

// QueueConfig holds reliable-queue tuning.
type QueueConfig struct {
	PollInterval      int `json:"pollInterval,omitempty"`      // blocking-dequeue poll step (ms)
	ProcessingTimeout int `json:"processingTimeout,omitempty"` // unacked message staleness (seconds)
	SweepInterval     int `json:"sweepInterval,omitempty"`     // stale sweep cadence (seconds)
	DeadLetterCap     int `json:"deadLetterCap,omitempty"`     // max dead letters kept per queue
}

// HealthConfig holds health-monitor tuning.
type HealthConfig struct {
	CheckInterval int `json:"checkInterval,omitempty"` // probe cadence (seconds)
	WindowSize    int `json:"windowSize,omitempty"`    // rolling latency sample count
	WarnLatency   int `json:"warnLatency,omitempty"`   // degraded threshold (ms)
	CheckTimeout  int `json:"checkTimeout,omitempty"`  // per-check deadline (ms)
}

// GatewayConfig holds HTTP/WebSocket server settings.
type GatewayConfig struct {
	Host              string `json:"host,omitempty"`
	Port              int    `json:"port,omitempty"`
	APIKey            string `json:"apiKey,omitempty"`            // Bearer auth for /api/* (AGENTBUS_API_KEY)
	HeartbeatInterval int    `json:"heartbeatInterval,omitempty"` // ping cadence (seconds)
	IdleTimeout       int    `json:"idleTimeout,omitempty"`       // reap sessions silent this long (seconds)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Broker: BrokerConfig{
			URL:           "redis://localhost:6379",
			PoolSize:      10,
			MaxRetries:    3,
			ProbeInterval: 15,
		},
		Queue: QueueConfig{
			PollInterval:      100,
			ProcessingTimeout: 60,
			SweepInterval:     30,
			DeadLetterCap:     1000,
		},
		Health: HealthConfig{
			CheckInterval: 30,
			WindowSize:    20,
			WarnLatency:   250,
			CheckTimeout:  2000,
		},
		Gateway: GatewayConfig{
			Host:              "0.0.0.0",
			Port:              18890,
			HeartbeatInterval: 10,
			IdleTimeout:       60,
		},
	}
}

// ProbeIntervalDuration returns the broker probe interval as a Duration.
func (c BrokerConfig) ProbeIntervalDuration() time.Duration {
	return time.Duration(c.ProbeInterval) * time.Second
}

// PollIntervalDuration returns the dequeue poll step as a Duration.
func (c QueueConfig) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

// ProcessingTimeoutDuration returns the staleness threshold as a Duration.
func (c QueueConfig) ProcessingTimeoutDuration() time.Duration {
	return time.Duration(c.ProcessingTimeout) * time.Second
}

// SweepIntervalDuration returns the sweep cadence as a Duration.
func (c QueueConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}

// CheckIntervalDuration returns the health probe cadence as a Duration.
func (c HealthConfig) CheckIntervalDuration() time.Duration {
	return time.Duration(c.CheckInterval) * time.Second
}

// WarnLatencyDuration returns the degraded threshold as a Duration.
func (c HealthConfig) WarnLatencyDuration() time.Duration {
	return time.Duration(c.WarnLatency) * time.Millisecond
}

// CheckTimeoutDuration returns the per-check deadline as a Duration.
func (c HealthConfig) CheckTimeoutDuration() time.Duration {
	return time.Duration(c.CheckTimeout) * time.Millisecond
}

// HeartbeatIntervalDuration returns the ping cadence as a Duration.
func (c GatewayConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// IdleTimeoutDuration returns the session reap window as a Duration.
func (c GatewayConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(c.IdleTimeout) * time.Second
}
