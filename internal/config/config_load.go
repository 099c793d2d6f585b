package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// StateRoot resolves the orchestrator's state directory: CLAPS_HOME if
// set, otherwise "~/.claps" (spec §6 "Persistent state layout").
func StateRoot() string {
	if v := os.Getenv("CLAPS_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claps"
	}
	return filepath.Join(home, ".claps")
}

// Default returns a Config with sensible defaults rooted at StateRoot().
func Default() *Config {
	root := StateRoot()
	return &Config{
		Gateway: GatewayConfig{
			BindAddr:  "127.0.0.1",
			Port:      3001,
			TokenPath: filepath.Join(root, "auth-token"),
		},
		Channels: ChannelsConfig{
			Slack: SlackConfig{BindAddr: "127.0.0.1:8089"},
			Line:  LineConfig{BindAddr: "127.0.0.1:8090"},
			HTTP:  HTTPConfig{BindAddr: "127.0.0.1:8088"},
			GitHub: GitHubConfig{
				PollInterval: 30,
			},
		},
		Repos: ReposConfig{
			BaseDir: filepath.Join(root, "repos"),
		},
		Agent: AgentConfig{
			BinaryPath:     "claude",
			SystemPrompt:   "You are an automated coding agent operating inside a Git worktree on behalf of a chat user. Make the requested change, run any relevant checks, and summarize what you did.",
			TimeoutSeconds: 600,
			MaxOutputBytes: 1 << 20,
		},
		Worktree: WorktreeConfig{WarmUp: true},
		History: HistoryConfig{
			Mode:       "memory",
			MaxEntries: 500,
			SQLitePath: filepath.Join(root, "history.db"),
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "claps",
		},
	}
}

// Load reads config.json (json5) from path, overlaying onto Default(),
// then applies environment overrides. A missing file is not an error —
// Default() plus env overrides is a valid configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.expandPaths()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnvOverrides()
	cfg.expandPaths()
	return cfg, nil
}

// expandPaths resolves a leading ~ in any path-shaped field a hand-edited
// config.json might supply, since Default()'s own paths are already
// absolute and never need it.
func (c *Config) expandPaths() {
	c.Repos.BaseDir = ExpandHome(c.Repos.BaseDir)
	c.Gateway.TokenPath = ExpandHome(c.Gateway.TokenPath)
	c.History.SQLitePath = ExpandHome(c.History.SQLitePath)
}

func (c *Config) applyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("CLAPS_SLACK_BOT_TOKEN", &c.Channels.Slack.BotToken)
	envStr("CLAPS_SLACK_SIGNING_SECRET", &c.Channels.Slack.SigningSecret)
	envStr("CLAPS_SLACK_APP_TOKEN", &c.Channels.Slack.AppToken)
	if c.Channels.Slack.BotToken != "" {
		c.Channels.Slack.Enabled = true
	}

	envStr("CLAPS_LINE_CHANNEL_SECRET", &c.Channels.Line.ChannelSecret)
	envStr("CLAPS_LINE_CHANNEL_TOKEN", &c.Channels.Line.ChannelToken)
	if c.Channels.Line.ChannelToken != "" {
		c.Channels.Line.Enabled = true
	}

	envStr("CLAPS_GITHUB_TOKEN", &c.Channels.GitHub.Token)
	if c.Channels.GitHub.Token != "" {
		c.Channels.GitHub.Enabled = true
	}

	envStr("CLAPS_POSTGRES_DSN", &c.Database.PostgresDSN)
	if c.Database.PostgresDSN != "" && c.History.Mode == "memory" {
		c.History.Mode = "postgres"
	}

	envStr("CLAPS_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	if v := os.Getenv("CLAPS_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}

	envStr("CLAPS_REPOS_BASE_DIR", &c.Repos.BaseDir)
	envStr("CLAPS_GATEWAY_BIND_ADDR", &c.Gateway.BindAddr)
}

// ExpandHome replaces a leading ~ with the user home directory, for config
// fields like repos.base_dir that are written with a ~-relative default.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// LoadAdminConfig reads admin-config.json (mode 0600), returning an empty
// AdminConfig if the file doesn't exist yet (spec §6).
func LoadAdminConfig(path string) (*AdminConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &AdminConfig{}, nil
		}
		return nil, fmt.Errorf("config: read admin config %s: %w", path, err)
	}
	var ac AdminConfig
	if err := json.Unmarshal(data, &ac); err != nil {
		// Malformed admin config: log and fall back to empty rather than
		// fail startup (same tolerance spec §7.4 asks of the session store).
		slog.Error("config: malformed admin config, ignoring", "path", path, "error", err)
		return &AdminConfig{}, nil
	}
	return &ac, nil
}

// IdentityResolver resolves canonical user identities from the admin
// config's user-mapping table (spec §4.8) and hot-reloads it via
// fsnotify so a running gateway picks up new mappings without a restart
// (SPEC_FULL §4.10), grounded on the teacher's internal/config.Watcher.
type IdentityResolver struct {
	mu             sync.RWMutex
	path           string
	byGitHub       map[string]string
	bySlack        map[string]string
	byLine         map[string]string
	byHTTP         map[string]string
	canonicalSlack map[string]string
	admins         map[string]bool
	repos          map[string]bool
}

// NewIdentityResolver loads path once and returns a resolver ready to use;
// call Watch to keep it live-updated.
func NewIdentityResolver(path string) (*IdentityResolver, error) {
	r := &IdentityResolver{path: path}
	ac, err := LoadAdminConfig(path)
	if err != nil {
		return nil, err
	}
	r.reload(ac)
	return r, nil
}

func (r *IdentityResolver) reload(ac *AdminConfig) {
	byGitHub := make(map[string]string)
	bySlack := make(map[string]string)
	byLine := make(map[string]string)
	byHTTP := make(map[string]string)
	canonicalSlack := make(map[string]string)
	admins := make(map[string]bool)
	for _, u := range ac.Users {
		if u.GitHub != "" {
			byGitHub[u.GitHub] = u.Canonical
		}
		if u.Slack != "" {
			bySlack[u.Slack] = u.Canonical
			canonicalSlack[u.Canonical] = u.Slack
		}
		if u.Line != "" {
			byLine[u.Line] = u.Canonical
		}
		if u.HTTP != "" {
			byHTTP[u.HTTP] = u.Canonical
		}
		if u.Admin {
			admins[u.Canonical] = true
		}
	}
	repos := make(map[string]bool, len(ac.Repos))
	for _, rp := range ac.Repos {
		repos[rp] = true
	}

	r.mu.Lock()
	r.byGitHub, r.bySlack, r.byLine, r.byHTTP, r.canonicalSlack, r.admins, r.repos = byGitHub, bySlack, byLine, byHTTP, canonicalSlack, admins, repos
	r.mu.Unlock()
}

// SlackForCanonical returns the Slack id mapped to a canonical user, if
// any — used to derive requestedByUserId for GitHub-sourced tasks (spec
// §4.8: "mapped Slack id ... for GitHub tasks").
func (r *IdentityResolver) SlackForCanonical(canonicalID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.canonicalSlack[canonicalID]
	return v, ok
}

// ResolveGitHub/ResolveSlack/ResolveLine/ResolveHTTP map a channel-native
// id to the canonical user id, or return ("", false) if unmapped — the
// caller then has no cross-channel fallback (spec §4.8).
func (r *IdentityResolver) ResolveGitHub(id string) (string, bool) { return r.lookup(r.byGitHub, id) }
func (r *IdentityResolver) ResolveSlack(id string) (string, bool)  { return r.lookup(r.bySlack, id) }
func (r *IdentityResolver) ResolveLine(id string) (string, bool)   { return r.lookup(r.byLine, id) }
func (r *IdentityResolver) ResolveHTTP(id string) (string, bool)   { return r.lookup(r.byHTTP, id) }

func (r *IdentityResolver) lookup(m map[string]string, id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := m[id]
	return v, ok
}

// IsAdmin reports whether canonicalID is flagged as an admin, used to
// derive requestedByUserId for GitHub-sourced tasks with no Slack mapping
// (spec §4.8: "mapped Slack id or admin for GitHub tasks").
func (r *IdentityResolver) IsAdmin(canonicalID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.admins[canonicalID]
}

// IsRepoAllowed reports whether owner/repo is in the admin allowlist. An
// empty allowlist permits everything (no admin config configured yet).
func (r *IdentityResolver) IsRepoAllowed(ownerRepo string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.repos) == 0 {
		return true
	}
	return r.repos[ownerRepo]
}

// Watch starts an fsnotify watch on path and reloads the resolver
// whenever it changes, until ctx is canceled.
func (r *IdentityResolver) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: new watcher: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Name != r.path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				ac, err := LoadAdminConfig(r.path)
				if err != nil {
					slog.Error("config: admin config reload failed", "error", err)
					continue
				}
				r.reload(ac)
				slog.Info("config: admin config reloaded", "path", r.path)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				slog.Error("config: watcher error", "error", err)
			}
		}
	}()
	return nil
}
