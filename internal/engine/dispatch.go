package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jujucub/claps/internal/session"
	"github.com/jujucub/claps/internal/task"
)

// dispatch is everything processTask needs to actually run the agent,
// resolved by the per-source policy table in spec §4.8.
type dispatch struct {
	workingDir        string
	sessionKey        string
	fallbackRepo      string // "" for shared-workspace tasks; "owner/repo" otherwise
	canonicalUserID   string
	requestedByUserID string
	promptContext     string

	// postPush is set only for the slack-linked-issue policy: after a
	// successful run, commit and push any changes the agent left behind.
	postPush bool
	branch   string // worktree branch, populated alongside postPush

	githubOwner string
	githubRepo  string
	githubIssue int

	// dualWriteFallback is set only by the github policy: persist the
	// returned session id under both the issue key and the cross-channel
	// fallback key (spec §4.8 "persist ... also under
	// user:<canonical>:<owner/repo>").
	dualWriteFallback bool
}

// resolveDispatch implements the single switch on metadata.Source spec §9
// calls for ("all engine dispatch is a single switch on metadata.source").
func (e *Engine) resolveDispatch(ctx context.Context, t *task.Task) (*dispatch, error) {
	switch t.Metadata.Source {
	case task.SourceGitHub:
		return e.resolveGitHub(ctx, t)
	case task.SourceSlack:
		return e.resolveSlack(ctx, t)
	case task.SourceLine:
		return e.resolveLine(ctx, t)
	case task.SourceHTTP:
		return e.resolveHTTP(ctx, t)
	default:
		return nil, fmt.Errorf("engine: unknown task source %q", t.Metadata.Source)
	}
}

func (e *Engine) resolveGitHub(ctx context.Context, t *task.Task) (*dispatch, error) {
	gh := t.Metadata.GitHub
	repoPath, err := e.worktrees.EnsureRepo(ctx, e.cfg.Repos.BaseDir, gh.Owner, gh.Repo, e.cloneURL(gh.Owner, gh.Repo))
	if err != nil {
		return nil, err
	}
	wtKey := fmt.Sprintf("%s/%s#%d", gh.Owner, gh.Repo, gh.IssueNumber)
	wt, _, err := e.worktrees.GetOrCreateWorktree(ctx, repoPath, wtKey)
	if err != nil {
		return nil, err
	}

	canonical, _ := e.identity.ResolveGitHub(gh.RequestingUser)
	requestedBy := e.githubRequestedBy(canonical)

	return &dispatch{
		workingDir:        wt.Path,
		sessionKey:        session.GitHubKey(gh.Owner, gh.Repo, gh.IssueNumber),
		fallbackRepo:      gh.Owner + "/" + gh.Repo,
		canonicalUserID:   canonical,
		requestedByUserID: requestedBy,
		promptContext:     fmt.Sprintf("Repository: %s/%s\nIssue: #%d %s\nBranch: %s\n", gh.Owner, gh.Repo, gh.IssueNumber, gh.IssueTitle, wt.Branch),
		githubOwner:       gh.Owner,
		githubRepo:        gh.Repo,
		githubIssue:       gh.IssueNumber,
		dualWriteFallback: true,
	}, nil
}

// githubRequestedBy derives requestedByUserId for a GitHub-sourced task:
// the requester's mapped Slack id if one exists, otherwise an admin
// canonical id if they're an admin, otherwise the empty string (spec
// §4.8: "mapped Slack id or admin for GitHub tasks").
func (e *Engine) githubRequestedBy(canonical string) string {
	if canonical == "" {
		return ""
	}
	if slackID, ok := e.identity.SlackForCanonical(canonical); ok {
		return slackID
	}
	if e.identity.IsAdmin(canonical) {
		return canonical
	}
	return ""
}

func (e *Engine) resolveSlack(ctx context.Context, t *task.Task) (*dispatch, error) {
	sm := t.Metadata.Slack
	canonical, _ := e.identity.ResolveSlack(sm.UserID)

	if link, ok := e.sessions.IssueForThread(sm.ThreadID); ok {
		return e.resolveSlackLinkedIssue(ctx, sm, canonical, link)
	}
	if sm.TargetRepo != "" {
		return e.resolveSlackTargetRepo(ctx, sm, canonical)
	}
	return e.resolveSlackPlain(ctx, sm, canonical)
}

func (e *Engine) resolveSlackLinkedIssue(ctx context.Context, sm *task.SlackMetadata, canonical string, link session.IssueLink) (*dispatch, error) {
	repoPath, err := e.worktrees.EnsureRepo(ctx, e.cfg.Repos.BaseDir, link.Owner, link.Repo, e.cloneURL(link.Owner, link.Repo))
	if err != nil {
		return nil, err
	}
	wtKey := fmt.Sprintf("%s/%s#%d", link.Owner, link.Repo, link.Issue)
	wt, _, err := e.worktrees.GetOrCreateWorktree(ctx, repoPath, wtKey)
	if err != nil {
		return nil, err
	}
	return &dispatch{
		workingDir:        wt.Path,
		sessionKey:        session.GitHubKey(link.Owner, link.Repo, link.Issue),
		fallbackRepo:      link.Owner + "/" + link.Repo,
		canonicalUserID:   canonical,
		requestedByUserID: sm.UserID,
		promptContext:     fmt.Sprintf("Repository: %s/%s\nLinked issue: #%d\nBranch: %s\n", link.Owner, link.Repo, link.Issue, wt.Branch),
		postPush:          true,
		branch:            wt.Branch,
		githubOwner:       link.Owner,
		githubRepo:        link.Repo,
		githubIssue:       link.Issue,
	}, nil
}

func (e *Engine) resolveSlackTargetRepo(ctx context.Context, sm *task.SlackMetadata, canonical string) (*dispatch, error) {
	owner, repo, err := splitOwnerRepo(sm.TargetRepo)
	if err != nil {
		return nil, err
	}
	repoPath, err := e.worktrees.EnsureRepo(ctx, e.cfg.Repos.BaseDir, owner, repo, e.cloneURL(owner, repo))
	if err != nil {
		return nil, err
	}
	wtKey := slackTargetRepoWorktreeKey(sm.ThreadID)
	wt, _, err := e.worktrees.GetOrCreateWorktree(ctx, repoPath, wtKey)
	if err != nil {
		return nil, err
	}
	if err := e.sessions.LinkThreadToRepo(sm.ThreadID, sm.TargetRepo); err != nil {
		return nil, err
	}
	return &dispatch{
		workingDir:        wt.Path,
		sessionKey:        session.SlackKey(sm.ThreadID, sm.UserID),
		fallbackRepo:      sm.TargetRepo,
		canonicalUserID:   canonical,
		requestedByUserID: sm.UserID,
		promptContext:     fmt.Sprintf("Repository: %s\nBranch: %s\n", sm.TargetRepo, wt.Branch),
	}, nil
}

func (e *Engine) resolveSlackPlain(ctx context.Context, sm *task.SlackMetadata, canonical string) (*dispatch, error) {
	workDir, err := e.worktrees.EnsureWorkspace(ctx, e.cfg.Repos.BaseDir)
	if err != nil {
		return nil, err
	}
	return &dispatch{
		workingDir:        workDir,
		sessionKey:        session.SlackKey(sm.ThreadID, sm.UserID),
		canonicalUserID:   canonical,
		requestedByUserID: sm.UserID,
	}, nil
}

func (e *Engine) resolveLine(ctx context.Context, t *task.Task) (*dispatch, error) {
	lm := t.Metadata.Line
	canonical, _ := e.identity.ResolveLine(lm.UserID)
	if lm.TargetRepo == "" {
		workDir, err := e.worktrees.EnsureWorkspace(ctx, e.cfg.Repos.BaseDir)
		if err != nil {
			return nil, err
		}
		return &dispatch{
			workingDir:        workDir,
			sessionKey:        session.LineKey(lm.UserID),
			canonicalUserID:   canonical,
			requestedByUserID: lm.UserID,
		}, nil
	}

	owner, repo, err := splitOwnerRepo(lm.TargetRepo)
	if err != nil {
		return nil, err
	}
	repoPath, err := e.worktrees.EnsureRepo(ctx, e.cfg.Repos.BaseDir, owner, repo, e.cloneURL(owner, repo))
	if err != nil {
		return nil, err
	}
	wt, _, err := e.worktrees.GetOrCreateWorktree(ctx, repoPath, "line-"+lm.UserID)
	if err != nil {
		return nil, err
	}
	return &dispatch{
		workingDir:        wt.Path,
		sessionKey:        session.LineKey(lm.UserID),
		fallbackRepo:      lm.TargetRepo,
		canonicalUserID:   canonical,
		requestedByUserID: lm.UserID,
		promptContext:     fmt.Sprintf("Repository: %s\nBranch: %s\n", lm.TargetRepo, wt.Branch),
	}, nil
}

func (e *Engine) resolveHTTP(ctx context.Context, t *task.Task) (*dispatch, error) {
	hm := t.Metadata.HTTP
	canonical, _ := e.identity.ResolveHTTP(hm.DeviceID)
	if hm.TargetRepo == "" {
		workDir, err := e.worktrees.EnsureWorkspace(ctx, e.cfg.Repos.BaseDir)
		if err != nil {
			return nil, err
		}
		return &dispatch{
			workingDir:        workDir,
			sessionKey:        session.HTTPKey(hm.CorrelationID),
			canonicalUserID:   canonical,
			requestedByUserID: hm.DeviceID,
		}, nil
	}

	owner, repo, err := splitOwnerRepo(hm.TargetRepo)
	if err != nil {
		return nil, err
	}
	repoPath, err := e.worktrees.EnsureRepo(ctx, e.cfg.Repos.BaseDir, owner, repo, e.cloneURL(owner, repo))
	if err != nil {
		return nil, err
	}
	wt, _, err := e.worktrees.GetOrCreateWorktree(ctx, repoPath, "http-"+hm.CorrelationID)
	if err != nil {
		return nil, err
	}
	return &dispatch{
		workingDir:        wt.Path,
		sessionKey:        session.HTTPKey(hm.CorrelationID),
		fallbackRepo:      hm.TargetRepo,
		canonicalUserID:   canonical,
		requestedByUserID: hm.DeviceID,
		promptContext:     fmt.Sprintf("Repository: %s\nBranch: %s\n", hm.TargetRepo, wt.Branch),
	}, nil
}

func splitOwnerRepo(ownerRepo string) (string, string, error) {
	owner, repo, ok := strings.Cut(ownerRepo, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("engine: malformed target repo %q, want owner/repo", ownerRepo)
	}
	return owner, repo, nil
}

// slackTargetRepoWorktreeKey derives a worktree key from the last 8
// characters of a Slack thread id reinterpreted as a decimal integer,
// falling back to the current wall-clock millisecond when the thread id
// isn't numeric (spec §9 open question: "treat as-is; do not invent new
// behavior").
func slackTargetRepoWorktreeKey(threadID string) string {
	s := threadID
	if len(s) > 8 {
		s = s[len(s)-8:]
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}
