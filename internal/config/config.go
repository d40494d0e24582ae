// Package config loads daemon configuration with priority
// environment > config file > defaults.
package config

import (
	"time"
)

// Config is the root configuration.
type Config struct {
	Storage   StorageConfig   `json:"storage"`
	Trigger   TriggerConfig   `json:"trigger"`
	Access    AccessConfig    `json:"access"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Queue     QueueConfig     `json:"queue"`
	Sandbox   SandboxConfig   `json:"sandbox"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Runtime   RuntimeConfig   `json:"runtime"`
	Gateway   GatewayConfig   `json:"gateway"`
	Channels  ChannelsConfig  `json:"channels"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	DBPath string `json:"db_path" envconfig:"SANDCLAW_DB_PATH"`
}

// TriggerConfig holds the process-wide trigger defaults; conversations
// override these via group config.
type TriggerConfig struct {
	Patterns      []string `json:"patterns" envconfig:"SANDCLAW_TRIGGER_PATTERNS"`
	Mode          string   `json:"mode" envconfig:"SANDCLAW_TRIGGER_MODE"`
	CaseSensitive bool     `json:"case_sensitive" envconfig:"SANDCLAW_TRIGGER_CASE_SENSITIVE"`
}

// AccessConfig seeds the permission model.
type AccessConfig struct {
	SeedAdmins    []string `json:"seed_admins" envconfig:"SANDCLAW_SEED_ADMINS"`
	SystemCallers []string `json:"system_callers" envconfig:"SANDCLAW_SYSTEM_CALLERS"`
}

// RateLimitConfig tunes the sliding-window limiter.
type RateLimitConfig struct {
	Limit         int           `json:"limit" envconfig:"SANDCLAW_RATE_LIMIT"`
	Window        time.Duration `json:"window" envconfig:"SANDCLAW_RATE_WINDOW"`
	SweepInterval time.Duration `json:"sweep_interval" envconfig:"SANDCLAW_RATE_SWEEP_INTERVAL"`
}

// QueueConfig bounds global concurrency.
type QueueConfig struct {
	Limit int `json:"limit" envconfig:"SANDCLAW_QUEUE_LIMIT"`
}

// SandboxConfig controls the container runner.
type SandboxConfig struct {
	Engine        string        `json:"engine" envconfig:"SANDCLAW_SANDBOX_ENGINE"`
	Image         string        `json:"image" envconfig:"SANDCLAW_SANDBOX_IMAGE"`
	Label         string        `json:"label" envconfig:"SANDCLAW_SANDBOX_LABEL"`
	Timeout       time.Duration `json:"timeout" envconfig:"SANDCLAW_SANDBOX_TIMEOUT"`
	KillGrace     time.Duration `json:"kill_grace" envconfig:"SANDCLAW_SANDBOX_KILL_GRACE"`
	Memory        string        `json:"memory" envconfig:"SANDCLAW_SANDBOX_MEMORY"`
	SharedDir     string        `json:"shared_dir" envconfig:"SANDCLAW_SANDBOX_SHARED_DIR"`
	WorkspaceRoot string        `json:"workspace_root" envconfig:"SANDCLAW_SANDBOX_WORKSPACE_ROOT"`
	Env           []string      `json:"env" envconfig:"SANDCLAW_SANDBOX_ENV"`
}

// SchedulerConfig tunes the task poller.
type SchedulerConfig struct {
	PollInterval time.Duration `json:"poll_interval" envconfig:"SANDCLAW_SCHEDULER_POLL_INTERVAL"`
}

// RuntimeConfig tunes the orchestrator.
type RuntimeConfig struct {
	HistoryLimit    int           `json:"history_limit" envconfig:"SANDCLAW_HISTORY_LIMIT"`
	DrainTimeout    time.Duration `json:"drain_timeout" envconfig:"SANDCLAW_DRAIN_TIMEOUT"`
	ShutdownCeiling time.Duration `json:"shutdown_ceiling" envconfig:"SANDCLAW_SHUTDOWN_CEILING"`
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	Enabled bool   `json:"enabled" envconfig:"SANDCLAW_GATEWAY_ENABLED"`
	Listen  string `json:"listen" envconfig:"SANDCLAW_GATEWAY_LISTEN"`
}

// ChannelsConfig holds per-platform adapter settings.
type ChannelsConfig struct {
	Slack    SlackConfig    `json:"slack"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Kafka    KafkaConfig    `json:"kafka"`
}

// SlackConfig drives the Socket Mode adapter.
type SlackConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"SANDCLAW_SLACK_ENABLED"`
	BotToken string `json:"bot_token" envconfig:"SANDCLAW_SLACK_BOT_TOKEN"`
	AppToken string `json:"app_token" envconfig:"SANDCLAW_SLACK_APP_TOKEN"`
}

// WhatsAppConfig drives the whatsmeow multi-device adapter.
type WhatsAppConfig struct {
	Enabled     bool   `json:"enabled" envconfig:"SANDCLAW_WHATSAPP_ENABLED"`
	SessionPath string `json:"session_path" envconfig:"SANDCLAW_WHATSAPP_SESSION_PATH"`
	QRPath      string `json:"qr_path" envconfig:"SANDCLAW_WHATSAPP_QR_PATH"`
}

// KafkaConfig drives the headless bridge topics.
type KafkaConfig struct {
	Enabled       bool     `json:"enabled" envconfig:"SANDCLAW_KAFKA_ENABLED"`
	Brokers       []string `json:"brokers" envconfig:"SANDCLAW_KAFKA_BROKERS"`
	InboundTopic  string   `json:"inbound_topic" envconfig:"SANDCLAW_KAFKA_INBOUND_TOPIC"`
	OutboundTopic string   `json:"outbound_topic" envconfig:"SANDCLAW_KAFKA_OUTBOUND_TOPIC"`
	GroupID       string   `json:"group_id" envconfig:"SANDCLAW_KAFKA_GROUP_ID"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DBPath: "~/.sandclaw/sandclaw.db",
		},
		Trigger: TriggerConfig{
			Patterns: []string{"@sandclaw"},
			Mode:     "mention",
		},
		RateLimit: RateLimitConfig{
			Limit:         10,
			Window:        time.Minute,
			SweepInterval: time.Minute,
		},
		Queue: QueueConfig{
			Limit: 3,
		},
		Sandbox: SandboxConfig{
			Engine:        "docker",
			Image:         "sandclaw-agent:latest",
			Label:         "sandclaw",
			Timeout:       30 * time.Minute,
			KillGrace:     3 * time.Second,
			Memory:        "2g",
			SharedDir:     "~/.sandclaw/shared",
			WorkspaceRoot: "~/.sandclaw/workspaces",
		},
		Scheduler: SchedulerConfig{
			PollInterval: 10 * time.Second,
		},
		Runtime: RuntimeConfig{
			HistoryLimit:    50,
			DrainTimeout:    15 * time.Second,
			ShutdownCeiling: 60 * time.Second,
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8787",
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				SessionPath: "~/.sandclaw/whatsapp.db",
				QRPath:      "~/.sandclaw/whatsapp-qr.png",
			},
			Kafka: KafkaConfig{
				InboundTopic:  "sandclaw.inbound",
				OutboundTopic: "sandclaw.outbound",
				GroupID:       "sandclaw",
			},
		},
	}
}
