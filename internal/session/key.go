// Package session persists the mapping from conversation key to agent
// session id and working directory (spec §3 "Session record"), plus the
// thread↔issue and thread↔repo side-link maps used for cross-message
// continuity.
package session

import "fmt"

// Key builders for the five canonical conversation-key formats. Mirrors
// the teacher's internal/sessions/key.go composite-key approach, adapted
// from the agent-chat domain (agent:{id}:{scope}) to this system's
// channel-conversation domain.

// SlackKey builds "slack:{thread}:{user}".
func SlackKey(thread, user string) string {
	return fmt.Sprintf("slack:%s:%s", thread, user)
}

// GitHubKey builds "github:{owner}/{repo}#{issue}".
func GitHubKey(owner, repo string, issue int) string {
	return fmt.Sprintf("github:%s/%s#%d", owner, repo, issue)
}

// LineKey builds "line:{user}".
func LineKey(user string) string {
	return fmt.Sprintf("line:%s", user)
}

// HTTPKey builds "http:{correlationId}".
func HTTPKey(correlationID string) string {
	return fmt.Sprintf("http:%s", correlationID)
}

// UserFallbackKey builds the cross-channel fallback key
// "user:{canonicalUserId}:{targetRepo|default}".
func UserFallbackKey(canonicalUserID, targetRepo string) string {
	repo := targetRepo
	if repo == "" {
		repo = "default"
	}
	return fmt.Sprintf("user:%s:%s", canonicalUserID, repo)
}
