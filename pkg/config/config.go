// Package config defines kbot's flat, well-typed configuration struct,
// organized as one sub-struct per component, and its defaults. Parsing
// environment variables into it is done with caarlos0/env; loading from a
// file or flags is left to the caller.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the single source of runtime policy for every component.
// Components accept only the sub-struct fields they need.
type Config struct {
	BaseDir string `env:"KBOT_BASE_DIR" envDefault:".kbot"`

	DefaultAgent string `env:"KBOT_DEFAULT_AGENT" envDefault:"main"`

	Lifecycle  LifecycleConfig
	Agent      AgentConfig
	DMPolicy   DMPolicyConfig
	Coalescer  CoalescerConfig
	Channel    ChannelConfig
	Orchestrator OrchestratorConfig
	Usage      UsageConfig
}

type LifecycleConfig struct {
	// RotationThreshold is the context-usage fraction (0,1] at or above
	// which getOrCreateSession rotates the agent session.
	RotationThreshold float64 `env:"KBOT_ROTATION_THRESHOLD" envDefault:"0.7"`
}

type AgentConfig struct {
	HealthCheckInterval time.Duration `env:"KBOT_AGENT_HEALTH_INTERVAL" envDefault:"30s"`
	UnhealthyAfter      int           `env:"KBOT_AGENT_UNHEALTHY_AFTER" envDefault:"3"`
	EscalateAfter       int           `env:"KBOT_AGENT_ESCALATE_AFTER" envDefault:"3"`
	StopTimeout         time.Duration `env:"KBOT_AGENT_STOP_TIMEOUT" envDefault:"10s"`
	ReadyTimeout        time.Duration `env:"KBOT_AGENT_READY_TIMEOUT" envDefault:"30s"`
	Command             string        `env:"KBOT_AGENT_COMMAND"`
	Args                []string      `env:"KBOT_AGENT_ARGS"`
}

type DMPolicyConfig struct {
	PairingTTL  time.Duration `env:"KBOT_PAIRING_TTL" envDefault:"60m"`
	CleanupCron string        `env:"KBOT_DMPOLICY_CLEANUP_CRON" envDefault:"*/5 * * * *"`
}

type CoalescerConfig struct {
	MaxLen    int `env:"KBOT_COALESCER_MAX_LEN" envDefault:"2000"`
	SoftLimit int `env:"KBOT_COALESCER_SOFT_LIMIT" envDefault:"1800"`
}

type ChannelConfig struct {
	FailureThreshold int           `env:"KBOT_CHANNEL_FAILURE_THRESHOLD" envDefault:"3"`
	ReconnectDelay   time.Duration `env:"KBOT_CHANNEL_RECONNECT_DELAY" envDefault:"5s"`
	ReconnectMaxAttempts int       `env:"KBOT_CHANNEL_RECONNECT_MAX_ATTEMPTS" envDefault:"10"`
	SendQueueBaseBackoff time.Duration `env:"KBOT_CHANNEL_SEND_BASE_BACKOFF" envDefault:"100ms"`
	SendQueueMaxBackoff  time.Duration `env:"KBOT_CHANNEL_SEND_MAX_BACKOFF" envDefault:"2s"`
	SendQueueMaxAttempts int           `env:"KBOT_CHANNEL_SEND_MAX_ATTEMPTS" envDefault:"5"`
	ShutdownDrain        time.Duration `env:"KBOT_CHANNEL_SHUTDOWN_DRAIN" envDefault:"30s"`
}

type OrchestratorConfig struct {
	ShutdownTimeout  time.Duration `env:"KBOT_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	InflightPoll     time.Duration `env:"KBOT_INFLIGHT_POLL" envDefault:"100ms"`
	EscalationChannel string       `env:"KBOT_ESCALATION_CHANNEL"`
}

type UsageConfig struct {
	SampleDebounce time.Duration `env:"KBOT_USAGE_DEBOUNCE" envDefault:"30s"`
	ProbeTimeout   time.Duration `env:"KBOT_USAGE_PROBE_TIMEOUT" envDefault:"10s"`
	SampleCron     string        `env:"KBOT_USAGE_SAMPLE_CRON"`
}

// Load reads process environment variables into a Config seeded with
// defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
