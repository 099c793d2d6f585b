package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/jujucub/claps/internal/channel"
	"github.com/jujucub/claps/internal/channel/httpchan"
	"github.com/jujucub/claps/internal/channel/line"
	"github.com/jujucub/claps/internal/channel/slack"
	"github.com/jujucub/claps/internal/config"
	"github.com/jujucub/claps/internal/engine"
	"github.com/jujucub/claps/internal/gateway"
	"github.com/jujucub/claps/internal/githubapi"
	"github.com/jujucub/claps/internal/history"
	"github.com/jujucub/claps/internal/runner"
	"github.com/jujucub/claps/internal/session"
	"github.com/jujucub/claps/internal/task"
	"github.com/jujucub/claps/internal/telemetry"
	"github.com/jujucub/claps/internal/worktree"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: channel adapters, authorization gateway, and dispatch loop",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

// runServe wires every component spec §5/§7 names into the running
// process: the channel registry, the loopback auth gateway, the dispatch
// engine, and (when configured) the GitHub issue poller. Grounded on the
// teacher's runGateway bootstrap sequence, generalized from its
// provider/tool/bus wiring to this orchestrator's queue/session/worktree
// wiring.
func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("serve: load config", "error", err)
		os.Exit(1)
	}

	root := config.StateRoot()
	if err := os.MkdirAll(root, 0755); err != nil {
		slog.Error("serve: create state dir", "dir", root, "error", err)
		os.Exit(1)
	}

	identity, err := config.NewIdentityResolver(filepath.Join(root, "admin-config.json"))
	if err != nil {
		slog.Error("serve: load admin config", "error", err)
		os.Exit(1)
	}

	sessions, err := session.New(filepath.Join(root, "sessions.json"), 0)
	if err != nil {
		slog.Error("serve: open session store", "error", err)
		os.Exit(1)
	}

	historyStore, err := openHistoryStore(cfg)
	if err != nil {
		slog.Error("serve: open history store", "error", err)
		os.Exit(1)
	}

	tp, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		slog.Error("serve: telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer tp.Shutdown(context.Background())

	worktrees := worktree.New()
	agentRunner := runner.New(cfg.Agent.BinaryPath)
	queue := task.NewQueue()

	registry := channel.NewRegistry()
	if cfg.Channels.Slack.Enabled {
		registry.Register(slack.New(cfg.Channels.Slack))
	}
	if cfg.Channels.Line.Enabled {
		registry.Register(line.New(cfg.Channels.Line))
	}
	httpAdapter := httpchan.New(cfg.Channels.HTTP)
	if cfg.Channels.HTTP.Enabled {
		registry.Register(httpAdapter)
	}
	router := channel.NewRouter(registry)

	gw := gateway.New(router)
	gwAddr := fmt.Sprintf("%s:%d", cfg.Gateway.BindAddr, cfg.Gateway.Port)
	gwServer, err := gateway.NewServer(gwAddr, gw, cfg.Gateway.TokenPath)
	if err != nil {
		slog.Error("serve: start gateway listener", "error", err)
		os.Exit(1)
	}
	if cfg.Channels.HTTP.Enabled {
		gwServer.Mount(httpAdapter)
	}

	eng := engine.New(engine.Options{
		Config:       cfg,
		Queue:        queue,
		Sessions:     sessions,
		Worktrees:    worktrees,
		Runner:       agentRunner,
		Gateway:      gw,
		GatewayURL:   "http://" + gwServer.Addr(),
		GatewayToken: gwServer.Token(),
		Router:       router,
		Identity:     identity,
		History:      historyStore,
		Tracer:       tp.Tracer,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry.InitAll(ctx, func(t *task.Task) { queue.AddTask(t) })
	if err := registry.StartAll(ctx); err != nil {
		slog.Error("serve: primary channel adapter failed to start", "error", err)
		os.Exit(1)
	}
	defer registry.StopAll(context.Background())

	if err := identity.Watch(ctx); err != nil {
		slog.Warn("serve: admin config watch failed, continuing without hot-reload", "error", err)
	}

	go func() {
		if err := gwServer.Serve(ctx); err != nil {
			slog.Error("serve: gateway server exited", "error", err)
		}
	}()
	defer gwServer.Stop(context.Background())

	if cfg.Channels.GitHub.Enabled && len(cfg.Channels.GitHub.Repos) > 0 {
		ghClient := githubapi.New(cfg.Channels.GitHub.Token)
		poller := githubapi.NewPoller(ghClient, cfg.Channels.GitHub.Repos, fmt.Sprintf("*/%d * * * *", pollMinutes(cfg)),
			func(ctx context.Context, issue githubapi.NewIssue) {
				queue.AddTask(taskFromIssue(issue))
			},
			func(ctx context.Context, owner, repo string, number int) {
				slog.Info("serve: issue closed", "owner", owner, "repo", repo, "number", number)
			},
		)
		go poller.Run(ctx)
	}

	eng.Start(ctx)
	slog.Info("claps serving", "gateway_addr", gwServer.Addr(), "channels", registry.ActiveList())
	<-ctx.Done()
	slog.Info("serve: shutting down")
	eng.Wait()
}

// pollMinutes clamps the configured poll interval (seconds) down to a
// whole-minute cron cadence, since the poller's own ticker only fires
// once a minute regardless.
func pollMinutes(cfg *config.Config) int {
	m := cfg.Channels.GitHub.PollInterval / 60
	if m < 1 {
		m = 1
	}
	return m
}

func taskFromIssue(issue githubapi.NewIssue) *task.Task {
	return &task.Task{
		ID:        uuid.NewString(),
		Source:    task.SourceGitHub,
		CreatedAt: time.Now(),
		Prompt:    issue.Comment,
		Metadata: task.Metadata{
			Source: task.SourceGitHub,
			GitHub: &task.GitHubMetadata{
				Owner:          issue.Owner,
				Repo:           issue.Repo,
				IssueNumber:    issue.Number,
				IssueTitle:     issue.Title,
				IssueURL:       issue.URL,
				RequestingUser: issue.Author,
			},
		},
	}
}

func openHistoryStore(cfg *config.Config) (history.Store, error) {
	switch cfg.History.Mode {
	case "sqlite":
		return history.NewSQLiteStore(cfg.History.SQLitePath)
	case "postgres":
		return openPostgresHistory(cfg)
	default:
		return history.NewMemoryStore(cfg.History.MaxEntries), nil
	}
}

// openPostgresHistory brings the schema up to date (idempotent) and hands
// back a pool-backed store, mirroring the teacher's migrate-then-serve
// startup sequence for its own Postgres-backed stores.
func openPostgresHistory(cfg *config.Config) (history.Store, error) {
	if cfg.Database.PostgresDSN == "" {
		return nil, fmt.Errorf("serve: history.mode=postgres requires CLAPS_POSTGRES_DSN")
	}
	if err := history.RunMigrations(cfg.Database.PostgresDSN, "internal/store/pg/migrations"); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(context.Background(), cfg.Database.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("serve: connect postgres: %w", err)
	}
	return history.NewPostgresStore(pool), nil
}
