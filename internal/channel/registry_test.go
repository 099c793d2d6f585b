package channel

import (
	"context"
	"testing"

	"github.com/jujucub/claps/internal/task"
)

func TestRegistryFirstRegisteredIsDefault(t *testing.T) {
	r := NewRegistry()
	slack := &fakeAdapter{name: "slack", source: task.SourceSlack}
	line := &fakeAdapter{name: "line", source: task.SourceLine}
	r.Register(slack)
	r.Register(line)

	def, ok := r.Default()
	if !ok || def.Name() != "slack" {
		t.Fatalf("expected slack as default, got %+v", def)
	}
}

func TestRegistryFaultIsolation(t *testing.T) {
	r := NewRegistry()
	bad := &fakeAdapter{name: "bad", source: task.SourceLine, initErr: errBoom}
	good := &fakeAdapter{name: "good", source: task.SourceSlack}
	r.Register(good) // default
	r.Register(bad)

	ctx := context.Background()
	r.InitAll(ctx, func(t *task.Task) {})
	if err := r.StartAll(ctx); err != nil {
		t.Fatalf("default adapter start should succeed: %v", err)
	}

	active := r.ActiveList()
	if len(active) != 1 || active[0] != task.SourceSlack {
		t.Fatalf("expected only slack active (bad failed init so start skipped), got %v", active)
	}
}

func TestRegistryPrimaryUnhealthyAbortsStartup(t *testing.T) {
	r := NewRegistry()
	primary := &fakeAdapter{name: "primary", source: task.SourceSlack, healthErr: errBoom}
	r.Register(primary)

	ctx := context.Background()
	r.InitAll(ctx, func(t *task.Task) {})
	if err := r.StartAll(ctx); err == nil {
		t.Fatal("expected startup to fail when primary adapter is unhealthy after start")
	}
}

func TestRegistryStopIsolatesPanic(t *testing.T) {
	r := NewRegistry()
	bad := &fakeAdapter{name: "bad", source: task.SourceSlack, stopPanics: true}
	good := &fakeAdapter{name: "good", source: task.SourceLine}
	r.Register(bad)
	r.Register(good)

	ctx := context.Background()
	r.InitAll(ctx, func(t *task.Task) {})
	r.StartAll(ctx)

	// Must not panic out of StopAll despite bad.Stop panicking.
	r.StopAll(ctx)

	if len(r.ActiveList()) != 0 {
		t.Fatalf("expected no active adapters after StopAll, got %v", r.ActiveList())
	}
}

func TestRegistryStartSkippedWithoutInit(t *testing.T) {
	r := NewRegistry()
	a := &fakeAdapter{name: "a", source: task.SourceSlack}
	r.Register(a)

	ctx := context.Background()
	// Deliberately skip InitAll.
	r.StartAll(ctx)

	if len(r.ActiveList()) != 0 {
		t.Fatalf("expected start to be skipped without init, got active=%v", r.ActiveList())
	}
}
