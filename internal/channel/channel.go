// Package channel defines the uniform capability surface every channel
// adapter implements (spec §4.3) plus the registry and notification router
// that sit on top of it (spec §4.4, §4.5).
package channel

import (
	"context"

	"github.com/jujucub/claps/internal/task"
)

// Decision is the outcome of an approval round-trip.
type Decision struct {
	Allow        bool
	Comment      string
	RespondedBy  string
}

// NotificationContext carries the task id and its origin metadata to an
// adapter call. Adapters must tolerate being invoked with a metadata
// source different from their own — the router may have fallen back to
// the default adapter (spec §4.3).
type NotificationContext struct {
	TaskID   string
	Metadata task.Metadata
}

// Adapter is the capability surface every channel implementation
// satisfies: lifecycle, messaging, approvals, questions, and progress
// notifications. Mirrors the teacher's channels.Channel interface
// (internal/channels/channel.go) generalized from "deliver chat messages"
// to "deliver task lifecycle notifications for one external channel".
type Adapter interface {
	// Name is the adapter's identifier, e.g. "slack", "line", "http", "github".
	Name() string

	// Source is the task.Source this adapter originates and is addressed by.
	Source() task.Source

	// Init wires the adapter with callbacks into the engine (new inbound
	// task creation). Called once before Start.
	Init(ctx context.Context, onInbound InboundHandler) error

	// Start begins listening for inbound events. Must return promptly;
	// long-running work happens on adapter-owned goroutines.
	Start(ctx context.Context) error

	// Stop gracefully shuts the adapter down.
	Stop(ctx context.Context) error

	// Health reports whether the adapter is currently able to serve
	// requests (used by the registry's HealthAll and by the primary
	// adapter's mandatory post-start health check, spec §7.3).
	Health(ctx context.Context) error

	// IsUserAllowed checks an allowlist, if the adapter enforces one.
	IsUserAllowed(id string) bool

	// SendMessage delivers free-form text to the given destination (the
	// adapter defines what "destination" means: a thread id, chat id, etc).
	SendMessage(ctx context.Context, destination, text string) error

	// SendSplitMessage delivers text that may exceed the channel's single
	// message size limit, splitting as the adapter sees fit.
	SendSplitMessage(ctx context.Context, destination, text string) error

	// RequestApproval asks a human to allow/deny a pending tool call.
	RequestApproval(ctx context.Context, nc NotificationContext, requestID, tool, commandPreview string, requestedBy string) (Decision, error)

	// AskQuestion asks a human a free-form question with a fixed option set.
	AskQuestion(ctx context.Context, nc NotificationContext, requestID, question string, options []string) (string, error)

	NotifyTaskStarted(ctx context.Context, nc NotificationContext) error
	NotifyTaskCompleted(ctx context.Context, nc NotificationContext, result *task.Result) error
	NotifyTaskError(ctx context.Context, nc NotificationContext, errMsg string) error
	NotifyProgress(ctx context.Context, nc NotificationContext, message string) error
	NotifyWorkLog(ctx context.Context, nc NotificationContext, eventType, details string) error
}

// ReflectionBroadcaster is implemented by adapters that want to receive
// the periodic reflection broadcast (spec §4.5 postReflectionResult).
// Optional — most adapters only need the base Adapter surface.
type ReflectionBroadcaster interface {
	PostReflectionResult(ctx context.Context, result string) error
}

// IssueThreadCreator is implemented only by the default adapter (spec
// §4.3: "only the default adapter implements it meaningfully; others
// return empty").
type IssueThreadCreator interface {
	CreateIssueThread(ctx context.Context, owner, repo string, issue int, title, url string) (threadID string, err error)
}

// InboundHandler is supplied by the engine to adapters at Init time;
// adapters call it with a freshly-built task.Task whenever they observe a
// new request on their channel.
type InboundHandler func(t *task.Task)
