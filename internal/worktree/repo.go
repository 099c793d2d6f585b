package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// RepoDir returns the on-disk clone path for owner/repo under baseDir,
// matching the layout spec §6 names: "repos/<owner>/<repo>/".
func RepoDir(baseDir, owner, repo string) string {
	return filepath.Join(baseDir, "repos", owner, repo)
}

// WorkspaceDir returns the shared (non-repo-bound) workspace directory
// used by Slack/LINE/HTTP tasks with no target repo (spec §6: "workspace/
// for the shared workspace").
func WorkspaceDir(baseDir string) string {
	return filepath.Join(baseDir, "workspace")
}

// EnsureRepo clones owner/repo into its slot under baseDir if absent, or
// runs `git fetch origin` if already cloned (spec §4.8: "clone-or-
// fetch repo" — invoked at the top of every per-source policy that names
// a target repository). cloneURL is the full git remote URL (https or
// ssh) the caller constructs, typically including an auth token for
// private repos.
func (m *Manager) EnsureRepo(ctx context.Context, baseDir, owner, repo, cloneURL string) (string, error) {
	path := RepoDir(baseDir, owner, repo)

	if info, err := os.Stat(filepath.Join(path, ".git")); err == nil && info != nil {
		if err := m.run(ctx, path, "fetch", "origin"); err != nil {
			return "", fmt.Errorf("worktree: fetch %s/%s: %w", owner, repo, err)
		}
		return path, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("worktree: mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := m.run(ctx, ".", "clone", cloneURL, path); err != nil {
		return "", fmt.Errorf("worktree: clone %s/%s: %w", owner, repo, err)
	}
	return path, nil
}

// EnsureWorkspace makes sure the shared workspace directory exists and is
// a git repository (spec §4.7 InitializeWorkspace: "initializes a Git
// repository if absent, injects the hook configuration, writes a starter
// marker document, and warms up").
func (m *Manager) EnsureWorkspace(ctx context.Context, baseDir string) (string, error) {
	path := WorkspaceDir(baseDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("worktree: mkdir workspace %s: %w", path, err)
	}
	if _, err := os.Stat(filepath.Join(path, ".git")); os.IsNotExist(err) {
		if err := m.run(ctx, path, "init"); err != nil {
			return "", fmt.Errorf("worktree: init workspace: %w", err)
		}
		marker := filepath.Join(path, "WORKSPACE.md")
		if _, statErr := os.Stat(marker); os.IsNotExist(statErr) {
			_ = os.WriteFile(marker, []byte("# claps shared workspace\n\nThis directory is shared across tasks with no target repository.\n"), 0o644)
		}
	}
	if err := InjectHooks(path); err != nil {
		return "", fmt.Errorf("worktree: inject hooks into workspace: %w", err)
	}
	if err := writeWarmupMarker(path); err != nil {
		return "", fmt.Errorf("worktree: warm-up workspace: %w", err)
	}
	return path, nil
}

