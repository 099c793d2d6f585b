package channel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jujucub/claps/internal/task"
)

// Router resolves which adapter serves a given task's metadata and
// delegates the per-task methods to it (spec §4.5). PostReflectionResult
// broadcasts to every active adapter instead.
type Router struct {
	registry *Registry
}

// NewRouter builds a router over registry.
func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

// resolveAdapter returns the adapter for metadata.Source if registered,
// otherwise the default adapter, otherwise an error.
func (r *Router) resolveAdapter(meta task.Metadata) (Adapter, error) {
	if a, ok := r.registry.Get(meta.Source); ok {
		return a, nil
	}
	if a, ok := r.registry.Default(); ok {
		return a, nil
	}
	return nil, fmt.Errorf("no adapter available for source %q and no default registered", meta.Source)
}

func (r *Router) RequestApproval(ctx context.Context, taskID string, meta task.Metadata, requestID, tool, commandPreview, requestedBy string) (Decision, error) {
	a, err := r.resolveAdapter(meta)
	if err != nil {
		return Decision{}, err
	}
	nc := NotificationContext{TaskID: taskID, Metadata: meta}
	return a.RequestApproval(ctx, nc, requestID, tool, commandPreview, requestedBy)
}

func (r *Router) AskQuestion(ctx context.Context, taskID string, meta task.Metadata, requestID, question string, options []string) (string, error) {
	a, err := r.resolveAdapter(meta)
	if err != nil {
		return "", err
	}
	nc := NotificationContext{TaskID: taskID, Metadata: meta}
	return a.AskQuestion(ctx, nc, requestID, question, options)
}

func (r *Router) NotifyTaskStarted(ctx context.Context, taskID string, meta task.Metadata) error {
	a, err := r.resolveAdapter(meta)
	if err != nil {
		return err
	}
	return a.NotifyTaskStarted(ctx, NotificationContext{TaskID: taskID, Metadata: meta})
}

func (r *Router) NotifyTaskCompleted(ctx context.Context, taskID string, meta task.Metadata, result *task.Result) error {
	a, err := r.resolveAdapter(meta)
	if err != nil {
		return err
	}
	return a.NotifyTaskCompleted(ctx, NotificationContext{TaskID: taskID, Metadata: meta}, result)
}

func (r *Router) NotifyTaskError(ctx context.Context, taskID string, meta task.Metadata, errMsg string) error {
	a, err := r.resolveAdapter(meta)
	if err != nil {
		return err
	}
	return a.NotifyTaskError(ctx, NotificationContext{TaskID: taskID, Metadata: meta}, errMsg)
}

func (r *Router) NotifyProgress(ctx context.Context, taskID string, meta task.Metadata, message string) error {
	a, err := r.resolveAdapter(meta)
	if err != nil {
		return err
	}
	return a.NotifyProgress(ctx, NotificationContext{TaskID: taskID, Metadata: meta}, message)
}

func (r *Router) NotifyWorkLog(ctx context.Context, taskID string, meta task.Metadata, eventType, details string) error {
	a, err := r.resolveAdapter(meta)
	if err != nil {
		return err
	}
	return a.NotifyWorkLog(ctx, NotificationContext{TaskID: taskID, Metadata: meta}, eventType, details)
}

// PostReflectionResult iterates every active adapter, isolating per-call
// failures so one broken adapter never skips its siblings (spec §4.5,
// §8 property 10).
func (r *Router) PostReflectionResult(ctx context.Context, result string) {
	for _, a := range r.registry.ActiveAdapters() {
		func(a Adapter) {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("reflection broadcast panicked", "adapter", a.Name(), "recover", rec)
				}
			}()
			rb, ok := a.(ReflectionBroadcaster)
			if !ok {
				return
			}
			if err := rb.PostReflectionResult(ctx, result); err != nil {
				slog.Error("reflection broadcast failed", "adapter", a.Name(), "error", err)
			}
		}(a)
	}
}

// CreateIssueThread delegates only to the default adapter (spec §4.5).
// Non-default or non-implementing adapters return an empty thread id.
func (r *Router) CreateIssueThread(ctx context.Context, owner, repo string, issue int, title, url string) (string, error) {
	def, ok := r.registry.Default()
	if !ok {
		return "", fmt.Errorf("no default adapter registered")
	}
	creator, ok := def.(IssueThreadCreator)
	if !ok {
		return "", nil
	}
	return creator.CreateIssueThread(ctx, owner, repo, issue, title, url)
}
