package githubapi

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// NewIssue is what the poller reports when it observes an issue or issue
// comment it hasn't dispatched before.
type NewIssue struct {
	Owner   string
	Repo    string
	Number  int
	Title   string
	URL     string
	Author  string
	Comment string // the triggering comment body, or the issue body on first open
}

// Poller watches a fixed set of repositories for new issues/comments and
// for issues transitioning to closed, driving the engine's GitHub intake
// and spec §4.9 issue lifecycle without requiring a webhook receiver.
// Grounded on the teacher's cron-scheduled reflection job style, generalized
// from a single daily job to a per-repo polling cadence using
// github.com/adhocore/gronx's cron-expression evaluator instead of a
// hardcoded ticker.
type Poller struct {
	client *Client
	repos  []string
	cron   string

	onNewIssue     func(ctx context.Context, issue NewIssue)
	onIssueClosed  func(ctx context.Context, owner, repo string, number int)

	mu       sync.Mutex
	lastSeen map[string]time.Time // "owner/repo" -> last poll time
	known    map[string]bool      // "owner/repo#number" -> already dispatched at least once
	openSet  map[string]bool      // "owner/repo#number" -> currently known open
}

// NewPoller builds a Poller for repos (each "owner/repo"), due per
// cronExpr (e.g. "*/2 * * * *" for every two minutes).
func NewPoller(client *Client, repos []string, cronExpr string, onNewIssue func(ctx context.Context, issue NewIssue), onIssueClosed func(ctx context.Context, owner, repo string, number int)) *Poller {
	return &Poller{
		client:        client,
		repos:         repos,
		cron:          cronExpr,
		onNewIssue:    onNewIssue,
		onIssueClosed: onIssueClosed,
		lastSeen:      make(map[string]time.Time),
		known:         make(map[string]bool),
		openSet:       make(map[string]bool),
	}
}

// Run blocks, checking the cron schedule once a minute and polling every
// configured repo whenever it fires, until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	g := gronx.New()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := g.IsDue(p.cron, now)
			if err != nil {
				slog.Error("githubapi: invalid poll cron expression", "cron", p.cron, "error", err)
				continue
			}
			if !due {
				continue
			}
			for _, ownerRepo := range p.repos {
				p.pollRepo(ctx, ownerRepo)
			}
		}
	}
}

func (p *Poller) pollRepo(ctx context.Context, ownerRepo string) {
	owner, repo, ok := splitOwnerRepo(ownerRepo)
	if !ok {
		slog.Error("githubapi: malformed repo in poll list", "repo", ownerRepo)
		return
	}

	p.mu.Lock()
	since := p.lastSeen[ownerRepo]
	p.mu.Unlock()

	issues, err := p.client.ListOpenIssues(ctx, owner, repo, since)
	if err != nil {
		slog.Error("githubapi: poll failed", "repo", ownerRepo, "error", err)
		return
	}

	p.mu.Lock()
	p.lastSeen[ownerRepo] = time.Now()
	p.mu.Unlock()

	for _, issue := range issues {
		key := issueKey(owner, repo, issue.Number)
		p.mu.Lock()
		wasOpen := p.openSet[key]
		alreadyKnown := p.known[key]
		p.mu.Unlock()

		if issue.State == "closed" {
			p.mu.Lock()
			delete(p.openSet, key)
			p.mu.Unlock()
			if wasOpen && p.onIssueClosed != nil {
				p.onIssueClosed(ctx, owner, repo, issue.Number)
			}
			continue
		}

		p.mu.Lock()
		p.openSet[key] = true
		p.mu.Unlock()

		if !alreadyKnown {
			p.mu.Lock()
			p.known[key] = true
			p.lastSeen[key] = p.lastSeen[ownerRepo]
			p.mu.Unlock()
			if p.onNewIssue != nil {
				p.onNewIssue(ctx, NewIssue{
					Owner:  owner,
					Repo:   repo,
					Number: issue.Number,
					Title:  issue.Title,
					URL:    issue.HTMLURL,
					Author: issue.User.Login,
				})
			}
			continue
		}

		p.pollComments(ctx, owner, repo, issue)
	}
}

func (p *Poller) pollComments(ctx context.Context, owner, repo string, issue Issue) {
	key := issueKey(owner, repo, issue.Number)
	p.mu.Lock()
	since := p.lastSeen[key]
	p.mu.Unlock()

	comments, err := p.client.ListIssueComments(ctx, owner, repo, issue.Number, since)
	if err != nil {
		slog.Error("githubapi: list comments failed", "repo", owner+"/"+repo, "issue", issue.Number, "error", err)
		return
	}

	p.mu.Lock()
	p.lastSeen[key] = time.Now()
	p.mu.Unlock()

	for _, c := range comments {
		if p.onNewIssue != nil {
			p.onNewIssue(ctx, NewIssue{
				Owner:   owner,
				Repo:    repo,
				Number:  issue.Number,
				Title:   issue.Title,
				URL:     issue.HTMLURL,
				Author:  c.User.Login,
				Comment: c.Body,
			})
		}
	}
}

func issueKey(owner, repo string, number int) string {
	return owner + "/" + repo + "#" + strconv.Itoa(number)
}

func splitOwnerRepo(s string) (owner, repo string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i], s[i+1:], i > 0 && i < len(s)-1
		}
	}
	return "", "", false
}
