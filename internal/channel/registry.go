package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jujucub/claps/internal/task"
)

// Registry stores adapters keyed by source; the first registered becomes
// the default (spec §4.4). Every per-adapter lifecycle call is isolated —
// one failing adapter is logged but never prevents its siblings from
// completing the same step, matching the teacher's
// internal/channels/manager.go StartAll/StopAll try/log/continue pattern.
type Registry struct {
	mu      sync.RWMutex
	order   []task.Source
	byName  map[task.Source]Adapter
	initOK  map[task.Source]bool
	active  map[task.Source]bool
	defSrc  task.Source
	hasDef  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[task.Source]Adapter),
		initOK: make(map[task.Source]bool),
		active: make(map[task.Source]bool),
	}
}

// Register adds an adapter. The first one registered becomes the default
// (used by the router's fallback resolution and by CreateIssueThread).
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := a.Source()
	if _, exists := r.byName[src]; exists {
		return
	}
	r.byName[src] = a
	r.order = append(r.order, src)
	if !r.hasDef {
		r.defSrc = src
		r.hasDef = true
	}
}

// Get returns the adapter registered for source, if any.
func (r *Registry) Get(src task.Source) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[src]
	return a, ok
}

// Default returns the default (first-registered) adapter.
func (r *Registry) Default() (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.hasDef {
		return nil, false
	}
	a, ok := r.byName[r.defSrc]
	return a, ok
}

func (r *Registry) snapshot() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.order))
	for _, src := range r.order {
		out = append(out, r.byName[src])
	}
	return out
}

// isolate runs fn, converting a panic into an error so one misbehaving
// adapter can never abort a lifecycle fan-out.
func isolate(name, step string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("adapter %s: %s panicked: %v", name, step, rec)
		}
	}()
	return fn()
}

// InitAll calls Init on every adapter. Failures are logged and recorded;
// Start is gated on Init having succeeded for the same source.
func (r *Registry) InitAll(ctx context.Context, onInbound InboundHandler) {
	for _, a := range r.snapshot() {
		err := isolate(a.Name(), "init", func() error { return a.Init(ctx, onInbound) })
		r.mu.Lock()
		r.initOK[a.Source()] = err == nil
		r.mu.Unlock()
		if err != nil {
			slog.Error("channel adapter init failed", "adapter", a.Name(), "error", err)
		}
	}
}

// StartAll calls Start on every adapter whose Init succeeded. The
// "active" set tracks adapters that reached Start without error (spec
// §4.4). Returns an error only if the default adapter did not start
// (skipped or failed) or is unhealthy after starting — it is the
// mandatory interaction surface (spec §7.3).
func (r *Registry) StartAll(ctx context.Context) error {
	for _, a := range r.snapshot() {
		r.mu.RLock()
		ok := r.initOK[a.Source()]
		r.mu.RUnlock()
		if !ok {
			slog.Warn("channel adapter start skipped: init did not succeed", "adapter", a.Name())
			continue
		}
		err := isolate(a.Name(), "start", func() error { return a.Start(ctx) })
		r.mu.Lock()
		r.active[a.Source()] = err == nil
		r.mu.Unlock()
		if err != nil {
			slog.Error("channel adapter start failed", "adapter", a.Name(), "error", err)
		}
	}

	def, ok := r.Default()
	if !ok {
		return nil
	}
	r.mu.RLock()
	defActive := r.active[def.Source()]
	r.mu.RUnlock()
	if !defActive {
		return fmt.Errorf("primary adapter %s failed to start", def.Name())
	}
	if err := isolate(def.Name(), "health", func() error { return def.Health(ctx) }); err != nil {
		return fmt.Errorf("primary adapter %s unhealthy after start: %w", def.Name(), err)
	}
	return nil
}

// StopAll calls Stop on every adapter, isolating failures.
func (r *Registry) StopAll(ctx context.Context) {
	for _, a := range r.snapshot() {
		if err := isolate(a.Name(), "stop", func() error { return a.Stop(ctx) }); err != nil {
			slog.Error("channel adapter stop failed", "adapter", a.Name(), "error", err)
		}
		r.mu.Lock()
		r.active[a.Source()] = false
		r.mu.Unlock()
	}
}

// ActiveList returns the sources whose adapters are currently active.
func (r *Registry) ActiveList() []task.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []task.Source
	for _, src := range r.order {
		if r.active[src] {
			out = append(out, src)
		}
	}
	return out
}

// ActiveAdapters returns the adapters currently active, in registration order.
func (r *Registry) ActiveAdapters() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Adapter
	for _, src := range r.order {
		if r.active[src] {
			out = append(out, r.byName[src])
		}
	}
	return out
}

// HealthAll returns each adapter's health check result, isolated.
func (r *Registry) HealthAll(ctx context.Context) map[task.Source]error {
	out := make(map[task.Source]error)
	for _, a := range r.snapshot() {
		out[a.Source()] = isolate(a.Name(), "health", func() error { return a.Health(ctx) })
	}
	return out
}
