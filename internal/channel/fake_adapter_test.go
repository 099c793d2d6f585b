package channel

import (
	"context"
	"errors"

	"github.com/jujucub/claps/internal/task"
)

// fakeAdapter is a minimal in-test Adapter implementation used by
// registry_test.go and router_test.go.
type fakeAdapter struct {
	name       string
	source     task.Source
	initErr    error
	startErr   error
	healthErr  error
	stopPanics bool

	approvalDecision Decision
	reflectionCalls  *int
	reflectionErr    error
	reflectionPanics bool

	threadID string
}

func (f *fakeAdapter) Name() string        { return f.name }
func (f *fakeAdapter) Source() task.Source { return f.source }

func (f *fakeAdapter) Init(ctx context.Context, onInbound InboundHandler) error { return f.initErr }
func (f *fakeAdapter) Start(ctx context.Context) error                          { return f.startErr }
func (f *fakeAdapter) Stop(ctx context.Context) error {
	if f.stopPanics {
		panic("stop exploded")
	}
	return nil
}
func (f *fakeAdapter) Health(ctx context.Context) error { return f.healthErr }

func (f *fakeAdapter) IsUserAllowed(id string) bool { return true }

func (f *fakeAdapter) SendMessage(ctx context.Context, destination, text string) error { return nil }
func (f *fakeAdapter) SendSplitMessage(ctx context.Context, destination, text string) error {
	return nil
}

func (f *fakeAdapter) RequestApproval(ctx context.Context, nc NotificationContext, requestID, tool, commandPreview, requestedBy string) (Decision, error) {
	return f.approvalDecision, nil
}

func (f *fakeAdapter) AskQuestion(ctx context.Context, nc NotificationContext, requestID, question string, options []string) (string, error) {
	return "yes", nil
}

func (f *fakeAdapter) NotifyTaskStarted(ctx context.Context, nc NotificationContext) error { return nil }
func (f *fakeAdapter) NotifyTaskCompleted(ctx context.Context, nc NotificationContext, result *task.Result) error {
	return nil
}
func (f *fakeAdapter) NotifyTaskError(ctx context.Context, nc NotificationContext, errMsg string) error {
	return nil
}
func (f *fakeAdapter) NotifyProgress(ctx context.Context, nc NotificationContext, message string) error {
	return nil
}
func (f *fakeAdapter) NotifyWorkLog(ctx context.Context, nc NotificationContext, eventType, details string) error {
	return nil
}

func (f *fakeAdapter) PostReflectionResult(ctx context.Context, result string) error {
	if f.reflectionPanics {
		panic("reflection exploded")
	}
	if f.reflectionCalls != nil {
		*f.reflectionCalls++
	}
	return f.reflectionErr
}

func (f *fakeAdapter) CreateIssueThread(ctx context.Context, owner, repo string, issue int, title, url string) (string, error) {
	return f.threadID, nil
}

var errBoom = errors.New("boom")
