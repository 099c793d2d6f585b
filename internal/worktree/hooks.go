package worktree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Hook scripts are copied into every worktree's .claude/hooks/ directory
// and made executable (spec §4.7 step 4). Both simply shell out to the
// "claps hook" subcommand, which speaks the gateway's /approve and
// /notify-tool wire protocol (spec §7.2 "Authorization hook protocol").
const authorizeScript = `#!/bin/sh
exec claps hook approve "$@"
`

const notifyScript = `#!/bin/sh
exec claps hook notify "$@"
`

const (
	authorizeScriptName = "authorize.sh"
	notifyScriptName    = "notify.sh"

	// authorizeMatcher is empty: the authorization hook must fire for
	// every tool call, not just a named subset (spec §4.7 step 4).
	authorizeMatcher  = ""
	notifyMatcher     = ".*"
	authorizeTimeoutS = 320
	notifyTimeoutS    = 5
)

// InjectHooks copies the hook scripts into worktreeDir/.claude/hooks and
// merges two PreToolUse entries into .claude/settings.json: an
// authorization hook (matcher "", prepended, 320s timeout) and a
// notification hook (matcher ".*", appended, 5s timeout). Existing
// settings are merged, not replaced, and re-running this is a no-op
// (entries are matched by substring on the command path, spec §4.7 step
// 4 and §8 property 7).
func InjectHooks(worktreeDir string) error {
	hooksDir := filepath.Join(worktreeDir, ".claude", "hooks")
	if err := os.MkdirAll(hooksDir, 0o755); err != nil {
		return fmt.Errorf("mkdir .claude/hooks: %w", err)
	}
	authorizePath := filepath.Join(hooksDir, authorizeScriptName)
	notifyPath := filepath.Join(hooksDir, notifyScriptName)
	if err := writeExecutable(authorizePath, authorizeScript); err != nil {
		return fmt.Errorf("write authorize hook: %w", err)
	}
	if err := writeExecutable(notifyPath, notifyScript); err != nil {
		return fmt.Errorf("write notify hook: %w", err)
	}

	settingsPath := filepath.Join(worktreeDir, ".claude", "settings.json")
	settings, err := loadSettings(settingsPath)
	if err != nil {
		return err
	}

	mergeHooks(settings, authorizePath, notifyPath)

	out, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(settingsPath, out, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

func writeExecutable(path, contents string) error {
	if err := os.WriteFile(path, []byte(contents), 0o755); err != nil {
		return err
	}
	return os.Chmod(path, 0o755)
}

func loadSettings(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	var settings map[string]any
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if settings == nil {
		settings = map[string]any{}
	}
	return settings, nil
}

// mergeHooks installs the two PreToolUse entries, dropping any prior
// entry whose command references the same script path so re-injection
// stays idempotent (spec §4.7 step 4: "detected by substring match on
// the command path and not duplicated").
func mergeHooks(settings map[string]any, authorizePath, notifyPath string) {
	hooksRaw, _ := settings["hooks"].(map[string]any)
	if hooksRaw == nil {
		hooksRaw = map[string]any{}
	}

	entries, _ := hooksRaw["PreToolUse"].([]any)
	var kept []any
	for _, e := range entries {
		if entryReferencesPath(e, authorizePath) || entryReferencesPath(e, notifyPath) {
			continue
		}
		kept = append(kept, e)
	}

	authorizeEntry := map[string]any{
		"matcher": authorizeMatcher,
		"hooks": []any{
			map[string]any{
				"type":    "command",
				"command": authorizePath,
				"timeout": authorizeTimeoutS,
			},
		},
	}
	notifyEntry := map[string]any{
		"matcher": notifyMatcher,
		"hooks": []any{
			map[string]any{
				"type":    "command",
				"command": notifyPath,
				"timeout": notifyTimeoutS,
			},
		},
	}

	merged := make([]any, 0, len(kept)+2)
	merged = append(merged, authorizeEntry)
	merged = append(merged, kept...)
	merged = append(merged, notifyEntry)

	hooksRaw["PreToolUse"] = merged
	settings["hooks"] = hooksRaw
}

func entryReferencesPath(e any, path string) bool {
	entry, ok := e.(map[string]any)
	if !ok {
		return false
	}
	hooks, _ := entry["hooks"].([]any)
	for _, h := range hooks {
		hm, ok := h.(map[string]any)
		if !ok {
			continue
		}
		cmd, _ := hm["command"].(string)
		if strings.Contains(cmd, path) {
			return true
		}
	}
	return false
}
