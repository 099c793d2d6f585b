// Package gateway implements the loopback HTTP authorization server that
// the agent subprocess calls back into for tool-use approval, questions,
// and work-log notifications (spec §4.2).
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jujucub/claps/internal/channel"
	"github.com/jujucub/claps/internal/task"
	"github.com/jujucub/claps/pkg/protocol"
)

// fingerprint derives the auto-approval key for a tool invocation (spec
// §4.2 step 2): "Bash:<cmd>" and "Write:<path>"/"Edit:<path>" collapse on
// the command or path so repeated invocations of the same shape within a
// task scope skip the human round-trip; every other gated tool name is
// used bare.
func fingerprint(tool string, input map[string]any) string {
	switch tool {
	case "Bash":
		return "Bash:" + stringField(input, "command")
	case "Write":
		return "Write:" + stringField(input, "file_path")
	case "Edit":
		return "Edit:" + stringField(input, "file_path")
	default:
		return tool
	}
}

// commandPreview renders a human-readable summary of a tool invocation
// for the approval prompt (spec §4.2 step 4).
func commandPreview(tool string, input map[string]any) string {
	switch tool {
	case "Bash":
		return stringField(input, "command")
	case "Write":
		path := stringField(input, "file_path")
		content, truncated := truncateWithFlag(stringField(input, "content"), 200)
		preview := fmt.Sprintf("Write to: %s\n\nContent preview:\n%s", path, content)
		if truncated {
			preview += "…"
		}
		return preview
	case "Edit":
		path := stringField(input, "file_path")
		oldS, _ := truncateWithFlag(stringField(input, "old_string"), 100)
		newS, _ := truncateWithFlag(stringField(input, "new_string"), 100)
		return fmt.Sprintf("Edit: %s\n\nOld:\n%s\n\nNew:\n%s", path, oldS, newS)
	default:
		b, err := json.MarshalIndent(input, "", "  ")
		if err != nil {
			return tool
		}
		return string(b)
	}
}

func truncateWithFlag(s string, n int) (string, bool) {
	if len(s) <= n {
		return s, false
	}
	return s[:n], true
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

// scope tracks the task currently bound to the gateway, its already
// approved fingerprints, and the bookkeeping the approval algorithm
// needs (spec §4.2: allowedKeysForTask, autoApproveCounter). It is
// replaced wholesale by SetCurrentTaskId (spec §8 property 3: "approval
// scope resets between tasks").
type scope struct {
	taskID            string
	meta              task.Metadata
	requestedByUserID string

	approved     map[string]bool
	autoApproveN map[string]int
	notifyLim    *rate.Limiter
}

// Gateway correlates subprocess approval/question callbacks with the
// task currently owning the gateway and forwards anything not
// auto-approvable to the channel router for a human decision.
type Gateway struct {
	mu     sync.Mutex
	scope  *scope
	router *channel.Router
}

// New builds a Gateway that forwards unresolved approvals/questions
// through router.
func New(router *channel.Router) *Gateway {
	return &Gateway{router: router}
}

// SetCurrentTaskId binds the gateway to a new task, replacing any
// previous scope outright (spec §4.2: "SetCurrentTaskId ... replaces
// the current scope and clears allowedKeysForTask").
func (g *Gateway) SetCurrentTaskId(taskID string, meta task.Metadata, requestedByUserID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scope = &scope{
		taskID:            taskID,
		meta:              meta,
		requestedByUserID: requestedByUserID,
		approved:          make(map[string]bool),
		autoApproveN:      make(map[string]int),
		notifyLim:         rate.NewLimiter(rate.Every(notifyThrottle), 1),
	}
}

// ClearCurrentTaskId releases the gateway's binding once a task
// finishes, so any late/stray callback is rejected rather than silently
// auto-approved against a stale scope.
func (g *Gateway) ClearCurrentTaskId() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scope = nil
}

// currentScope returns the active scope or an error if none is set.
func (g *Gateway) currentScope() (*scope, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.scope == nil {
		return nil, fmt.Errorf("gateway: no task currently bound")
	}
	return g.scope, nil
}

// Approve resolves one tool-use approval request per the algorithm in
// spec §4.2 steps 1-7. Errors are never propagated to the caller as
// failures of the HTTP request itself — per step 7 a gateway-internal
// error resolves as a deny, matching a fail-closed posture — except
// when no task is currently bound, which is a caller-scoping error.
func (g *Gateway) Approve(ctx context.Context, requestID, tool string, input map[string]any) (decision channel.Decision, err error) {
	if !protocol.ApprovalGatedTools[tool] {
		return channel.Decision{Allow: true}, nil
	}

	sc, err := g.currentScope()
	if err != nil {
		return channel.Decision{}, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("gateway: approval request panicked", "recover", rec)
			decision, err = channel.Decision{Allow: false, Comment: "Approval request failed"}, nil
		}
	}()

	fp := fingerprint(tool, input)

	g.mu.Lock()
	if sc.approved[fp] {
		n := sc.autoApproveN[fp]
		sc.autoApproveN[fp] = n + 1
		g.mu.Unlock()
		logAutoApprove(fp, n)
		return channel.Decision{Allow: true, Comment: "Auto-approved: repeat invocation within this task"}, nil
	}
	g.mu.Unlock()

	preview := commandPreview(tool, input)
	d, reqErr := g.router.RequestApproval(ctx, sc.taskID, sc.meta, requestID, tool, preview, sc.requestedByUserID)
	if reqErr != nil {
		slog.Error("gateway: approval round-trip failed", "error", reqErr)
		return channel.Decision{Allow: false, Comment: "Approval request failed"}, nil
	}
	if d.Allow {
		g.mu.Lock()
		sc.approved[fp] = true
		sc.autoApproveN[fp] = 0
		g.mu.Unlock()
	}
	return d, nil
}

// logAutoApprove logs only the first 5 auto-approvals of a given
// fingerprint, then a single suppression notice, matching spec §4.2
// step 3's log-noise guard.
func logAutoApprove(fp string, priorCount int) {
	switch {
	case priorCount < 5:
		slog.Info("gateway: auto-approved repeat tool invocation", "fingerprint", fp)
	case priorCount == 5:
		slog.Info("gateway: suppressing further auto-approve logs for this fingerprint", "fingerprint", fp)
	}
}

// Ask forwards a free-form question from the agent subprocess to the
// owning channel and blocks for the human's answer (spec §4.2, §6 "/ask").
func (g *Gateway) Ask(ctx context.Context, requestID, question string, options []string) (string, error) {
	sc, err := g.currentScope()
	if err != nil {
		return "", err
	}
	if len(options) == 0 {
		options = protocol.DefaultAskOptions
	}
	return g.router.AskQuestion(ctx, sc.taskID, sc.meta, requestID, question, options)
}

// notifyThrottle is the minimum spacing between /notify-tool broadcasts
// within one task (spec §4.2: "rate-limited to one progress post per 10s").
const notifyThrottle = 10 * time.Second

// NotifyTool forwards a tool-invocation work-log event (fire-and-forget,
// never a pending approval) to the owning channel, throttled to at most
// one post every notifyThrottle.
func (g *Gateway) NotifyTool(ctx context.Context, eventType, tool string, input map[string]any) error {
	sc, err := g.currentScope()
	if err != nil {
		return err
	}

	g.mu.Lock()
	allowed := sc.notifyLim.Allow()
	g.mu.Unlock()
	if !allowed {
		return nil
	}

	details := commandPreview(tool, input)
	return g.router.NotifyWorkLog(ctx, sc.taskID, sc.meta, eventType, details)
}
