package channel

import (
	"context"
	"testing"

	"github.com/jujucub/claps/internal/task"
)

func setupRouter(t *testing.T) (*Router, *fakeAdapter, *fakeAdapter) {
	t.Helper()
	r := NewRegistry()
	slack := &fakeAdapter{name: "slack", source: task.SourceSlack, threadID: "t-default"}
	github := &fakeAdapter{name: "github", source: task.SourceGitHub}
	r.Register(slack) // default
	r.Register(github)
	ctx := context.Background()
	r.InitAll(ctx, func(t *task.Task) {})
	r.StartAll(ctx)
	return NewRouter(r), slack, github
}

func TestRouterResolvesBySource(t *testing.T) {
	router, _, _ := setupRouter(t)
	meta := task.Metadata{Source: task.SourceGitHub, GitHub: &task.GitHubMetadata{}}
	if err := router.NotifyProgress(context.Background(), "t1", meta, "hi"); err != nil {
		t.Fatalf("expected resolution to github adapter to succeed: %v", err)
	}
}

func TestRouterFallsBackToDefault(t *testing.T) {
	router, _, _ := setupRouter(t)
	// "line" has no registered adapter in this test setup; must fall back
	// to the default ("slack").
	meta := task.Metadata{Source: task.SourceLine, Line: &task.LineMetadata{}}
	if err := router.NotifyProgress(context.Background(), "t1", meta, "hi"); err != nil {
		t.Fatalf("expected fallback to default adapter: %v", err)
	}
}

func TestRouterCreateIssueThreadDelegatesToDefaultOnly(t *testing.T) {
	router, _, _ := setupRouter(t)
	id, err := router.CreateIssueThread(context.Background(), "o", "r", 1, "title", "url")
	if err != nil {
		t.Fatal(err)
	}
	if id != "t-default" {
		t.Fatalf("expected default adapter's thread id, got %s", id)
	}
}

func TestRouterBroadcastIsolatesFailures(t *testing.T) {
	r := NewRegistry()
	var calls int
	bad := &fakeAdapter{name: "bad", source: task.SourceSlack, reflectionPanics: true}
	good := &fakeAdapter{name: "good", source: task.SourceLine, reflectionCalls: &calls}
	r.Register(bad)
	r.Register(good)
	ctx := context.Background()
	r.InitAll(ctx, func(t *task.Task) {})
	r.StartAll(ctx)

	router := NewRouter(r)
	router.PostReflectionResult(ctx, "reflection text")

	if calls != 1 {
		t.Fatalf("expected good adapter to still receive broadcast despite bad panicking, got calls=%d", calls)
	}
}
