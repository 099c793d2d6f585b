// Package config loads the orchestrator's configuration tree and the
// separately-watched admin config (user-identity mappings, repo
// allowlist) (SPEC_FULL §4.10).
package config

import "sync"

// Config is the root configuration for the orchestrator.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Channels  ChannelsConfig  `json:"channels"`
	Repos     ReposConfig     `json:"repos"`
	Agent     AgentConfig     `json:"agent,omitempty"`
	Worktree  WorktreeConfig  `json:"worktree,omitempty"`
	History   HistoryConfig   `json:"history,omitempty"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// GatewayConfig configures the loopback authorization gateway (spec §4.2).
type GatewayConfig struct {
	BindAddr  string `json:"bind_addr,omitempty"` // default "127.0.0.1"
	Port      int    `json:"port,omitempty"`      // default 3001, 0 = ephemeral
	TokenPath string `json:"token_path,omitempty"` // default "~/.claps/auth-token"
}

// ChannelsConfig groups per-channel-adapter settings.
type ChannelsConfig struct {
	Slack  SlackConfig  `json:"slack,omitempty"`
	Line   LineConfig   `json:"line,omitempty"`
	HTTP   HTTPConfig   `json:"http,omitempty"`
	GitHub GitHubConfig `json:"github,omitempty"`
}

// SlackConfig configures the Slack adapter (Bolt-style bot token + signing secret).
type SlackConfig struct {
	Enabled       bool     `json:"enabled,omitempty"`
	BotToken      string   `json:"-"` // env CLAPS_SLACK_BOT_TOKEN only
	SigningSecret string   `json:"-"` // env CLAPS_SLACK_SIGNING_SECRET only
	AppToken      string   `json:"-"` // env CLAPS_SLACK_APP_TOKEN only; loaded but not used (the adapter has no socket mode)
	AllowedUsers  []string `json:"allowed_users,omitempty"`
	BindAddr      string   `json:"bind_addr,omitempty"`     // Events API webhook listener, default "127.0.0.1:8089"
	NotifyChannel string   `json:"notify_channel,omitempty"` // channel id GitHub issue threads/reflection broadcasts post to
}

// LineConfig configures the LINE Messaging API adapter.
type LineConfig struct {
	Enabled       bool     `json:"enabled,omitempty"`
	ChannelSecret string   `json:"-"` // env CLAPS_LINE_CHANNEL_SECRET only
	ChannelToken  string   `json:"-"` // env CLAPS_LINE_CHANNEL_TOKEN only
	AllowedUsers  []string `json:"allowed_users,omitempty"`
	BindAddr      string   `json:"bind_addr,omitempty"` // webhook listener, default "127.0.0.1:8090"
}

// HTTPConfig configures the poll-based HTTP channel. The adapter is served
// under /api/v1/ on the gateway's own listener; it opens no listener of
// its own.
type HTTPConfig struct {
	Enabled      bool     `json:"enabled,omitempty"`
	BindAddr     string   `json:"bind_addr,omitempty"` // default "127.0.0.1:8088"; not read by the adapter
	AllowedUsers []string `json:"allowed_users,omitempty"`
}

// GitHubConfig configures the GitHub issue-comment poller/notifier.
type GitHubConfig struct {
	Enabled      bool     `json:"enabled,omitempty"`
	Token        string   `json:"-"` // env CLAPS_GITHUB_TOKEN only
	PollInterval int      `json:"poll_interval_seconds,omitempty"` // default 30
	Repos        []string `json:"repos,omitempty"`                // "owner/repo" allowlist
}

// ReposConfig configures where repo clones and the shared workspace live.
type ReposConfig struct {
	BaseDir string `json:"base_dir,omitempty"` // default "~/.claps/repos"
}

// AgentConfig configures how the coding-agent CLI subprocess is invoked
// (spec §4.6). The agent CLI itself is out of scope; this only names the
// binary and the bounds the runner enforces around it.
type AgentConfig struct {
	BinaryPath     string `json:"binary_path,omitempty"`      // default "claude"
	SystemPrompt   string `json:"system_prompt,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`  // default 600
	MaxOutputBytes int64  `json:"max_output_bytes,omitempty"` // default 1 MiB
	MaxTurns       int    `json:"max_turns,omitempty"`
}

// WorktreeConfig configures worktree lifecycle behavior (spec §4.7).
type WorktreeConfig struct {
	WarmUp bool `json:"warm_up,omitempty"` // default true; not read: every new worktree gets its warm-up marker and no trust dialog is run
}

// HistoryConfig configures the audit-log store (SPEC_FULL §4.11).
type HistoryConfig struct {
	Mode       string `json:"mode,omitempty"`        // "memory" (default), "sqlite", or "postgres"
	MaxEntries int    `json:"max_entries,omitempty"` // ring buffer capacity for "memory" mode
	SQLitePath string `json:"sqlite_path,omitempty"` // default "~/.claps/history.db"
}

// DatabaseConfig configures Postgres for the history store's "postgres"
// mode. PostgresDSN is NEVER read from config.json (secret) — only from
// env, mirroring the teacher's DatabaseConfig.PostgresDSN convention.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"` // env CLAPS_POSTGRES_DSN only
}

// TelemetryConfig configures OpenTelemetry export for traces.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // default "grpc"; not read: traces are always exported over OTLP/HTTP
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// AdminConfig is the separately-persisted, fsnotify-watched document
// holding the cross-channel user-identity mapping table and the repo
// allowlist (spec §6 "admin-config.json"; spec §4.8 "admin config's
// user-mapping table").
type AdminConfig struct {
	Users []UserMapping `json:"users,omitempty"`
	Repos []string      `json:"repos,omitempty"` // "owner/repo" allowlist
}

// UserMapping binds one person's identities across channels to a single
// canonical id, used for cross-channel session continuity (spec §4.8,
// GLOSSARY "Canonical user identity").
type UserMapping struct {
	Canonical string `json:"canonical"`
	GitHub    string `json:"github,omitempty"`
	Slack     string `json:"slack,omitempty"`
	Line      string `json:"line,omitempty"`
	HTTP      string `json:"http,omitempty"`
	Admin     bool   `json:"admin,omitempty"`
}
