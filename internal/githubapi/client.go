// Package githubapi is a minimal hand-rolled REST client for the GitHub
// operations the engine actually invokes: posting issue comments and
// discovering/closing issues for the poller (spec §4.9, SPEC_FULL
// domain-stack wiring). Grounded on the teacher's internal/channels/feishu
// LarkClient: a thin net/http wrapper with its own bearer token and JSON
// envelope, no generated SDK.
package githubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultBaseURL = "https://api.github.com"

// Client is a small GitHub REST v3 client authenticated with a personal
// access token or GitHub App installation token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New builds a Client. token is sent as a "Bearer" Authorization header,
// matching GitHub's fine-grained PAT and installation-token conventions.
func New(token string) *Client {
	return &Client{
		baseURL:    defaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("githubapi: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("githubapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("githubapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return fmt.Errorf("githubapi: %s %s: %d %s", method, path, resp.StatusCode, apiErr.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("githubapi: decode response: %w", err)
	}
	return nil
}

// PostIssueComment adds body as a comment on owner/repo issue number
// (spec §4.8 Finalization: "post an issue comment").
func (c *Client) PostIssueComment(ctx context.Context, owner, repo string, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	return c.do(ctx, http.MethodPost, path, map[string]string{"body": body}, nil)
}

// Issue is the subset of GitHub's issue resource the poller needs.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	HTMLURL   string    `json:"html_url"`
	State     string    `json:"state"`
	User      IssueUser `json:"user"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IssueUser is the reporter of an issue or author of a comment.
type IssueUser struct {
	Login string `json:"login"`
}

// Comment is a single issue comment.
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	User      IssueUser `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

// ListOpenIssues returns every open issue in owner/repo updated since
// sinceUpdatedAt (zero value lists all open issues), used by the poller
// to notice both new issues and closures.
func (c *Client) ListOpenIssues(ctx context.Context, owner, repo string, sinceUpdatedAt time.Time) ([]Issue, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues?state=all&per_page=50", owner, repo)
	if !sinceUpdatedAt.IsZero() {
		path += "&since=" + sinceUpdatedAt.UTC().Format(time.RFC3339)
	}
	var issues []Issue
	if err := c.do(ctx, http.MethodGet, path, nil, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

// ListIssueComments returns comments on owner/repo issue number created
// after sinceCreatedAt (zero value lists all comments), used by the
// poller to discover a new request without reprocessing old ones.
func (c *Client) ListIssueComments(ctx context.Context, owner, repo string, number int, sinceCreatedAt time.Time) ([]Comment, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments?per_page=50", owner, repo, number)
	if !sinceCreatedAt.IsZero() {
		path += "&since=" + sinceCreatedAt.UTC().Format(time.RFC3339)
	}
	var comments []Comment
	if err := c.do(ctx, http.MethodGet, path, nil, &comments); err != nil {
		return nil, err
	}
	return comments, nil
}
