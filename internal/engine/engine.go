// Package engine wires the queue, session store, worktree manager, agent
// runner, auth gateway, and channel router together into the single
// dispatch loop described in spec §4.8. It owns the "isProcessing"
// single-flight discipline: at most one agent subprocess runs at a time,
// grounded on the teacher's internal/engine.Engine worker loop generalized
// from a worker pool down to exactly one concurrent task.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	noop "go.opentelemetry.io/otel/trace/noop"

	"github.com/jujucub/claps/internal/channel"
	"github.com/jujucub/claps/internal/config"
	"github.com/jujucub/claps/internal/gateway"
	"github.com/jujucub/claps/internal/history"
	"github.com/jujucub/claps/internal/runner"
	"github.com/jujucub/claps/internal/session"
	"github.com/jujucub/claps/internal/task"
	"github.com/jujucub/claps/internal/worktree"
)

// Options configures an Engine.
type Options struct {
	Config     *config.Config
	Queue      *task.Queue
	Sessions   *session.Store
	Worktrees  *worktree.Manager
	Runner     *runner.Runner
	Gateway    *gateway.Gateway
	GatewayURL string // gateway loopback address the agent subprocess calls back into
	GatewayToken string
	Router     *channel.Router
	Identity   *config.IdentityResolver
	History    history.Store
	Tracer     trace.Tracer // defaults to a no-op tracer if nil
}

// Engine is the task-processing loop. Build with New, call Start once.
type Engine struct {
	cfg        *config.Config
	queue      *task.Queue
	sessions   *session.Store
	worktrees  *worktree.Manager
	run        *runner.Runner
	gw         *gateway.Gateway
	gatewayURL string
	gatewayToken string
	router     *channel.Router
	identity   *config.IdentityResolver
	history    history.Store
	tracer     trace.Tracer

	once sync.Once
	wg   sync.WaitGroup

	mu         sync.Mutex
	processing bool
	wake       chan struct{}

	lastError atomic.Pointer[string]
}

// New builds an Engine from opts. Every field is required except History,
// which defaults to an in-memory ring buffer if nil, and Tracer, which
// defaults to a no-op tracer if nil.
func New(opts Options) *Engine {
	h := opts.History
	if h == nil {
		h = history.NewMemoryStore(0)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("engine")
	}
	return &Engine{
		cfg:          opts.Config,
		queue:        opts.Queue,
		sessions:     opts.Sessions,
		worktrees:    opts.Worktrees,
		run:          opts.Runner,
		gw:           opts.Gateway,
		gatewayURL:   opts.GatewayURL,
		gatewayToken: opts.GatewayToken,
		router:       opts.Router,
		identity:     opts.Identity,
		history:      h,
		tracer:       tracer,
		wake:         make(chan struct{}, 1),
	}
}

// Start subscribes to the queue and launches the single drain goroutine.
// Safe to call more than once; only the first call has effect.
func (e *Engine) Start(ctx context.Context) {
	e.once.Do(func() {
		e.queue.Subscribe(func(evt string, t *task.Task) {
			if evt == task.EventAdded {
				e.signalWake()
			}
		})
		e.wg.Add(1)
		go e.loop(ctx)
		e.signalWake() // pick up anything already queued before Start was called
	})
}

// Wait blocks until the drain loop exits (ctx canceled).
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// loop is the engine's single long-lived goroutine. It never runs two
// tasks concurrently: NextPending is only ever called from here, and the
// next call happens only after the previous task's finalize step returns
// (spec §8 property 4).
func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		}

		for {
			t := e.queue.NextPending()
			if t == nil {
				break
			}
			e.mu.Lock()
			e.processing = true
			e.mu.Unlock()

			e.processTask(ctx, t)

			e.mu.Lock()
			e.processing = false
			e.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

// IsProcessing reports whether a task is currently running.
func (e *Engine) IsProcessing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processing
}

func (e *Engine) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
	slog.Error("engine: task processing error", "error", err)
}

// LastError returns the most recent processing error message, if any.
func (e *Engine) LastError() string {
	if p := e.lastError.Load(); p != nil {
		return *p
	}
	return ""
}

// cloneURL builds the git remote URL for owner/repo, embedding the
// configured GitHub token for authenticated HTTPS access when present.
func (e *Engine) cloneURL(owner, repo string) string {
	if e.cfg.Channels.GitHub.Token != "" {
		return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", e.cfg.Channels.GitHub.Token, owner, repo)
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
}

// agentTimeout returns the configured agent subprocess timeout, defaulting
// to the runner package's own default when unset.
func (e *Engine) agentTimeout() time.Duration {
	if e.cfg.Agent.TimeoutSeconds <= 0 {
		return runner.DefaultTimeout
	}
	return time.Duration(e.cfg.Agent.TimeoutSeconds) * time.Second
}
