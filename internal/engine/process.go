package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jujucub/claps/internal/githubapi"
	"github.com/jujucub/claps/internal/history"
	"github.com/jujucub/claps/internal/runner"
	"github.com/jujucub/claps/internal/session"
	"github.com/jujucub/claps/internal/task"
)

// maxNotifiedOutput is the notification-facing truncation limit (spec
// §4.8 Finalization: "truncate output at 3000 chars with an ellipsis
// suffix").
const maxNotifiedOutput = 3000

const emptyOutputPlaceholder = "(the agent finished the task but produced no output)"

// processTask resolves dispatch for t, runs exactly one agent invocation,
// and finalizes the result. It never returns an error: every failure mode
// is folded into the recorded task.Result so the engine's drain loop can
// always move on to the next pending task (spec §8 property 4).
func (e *Engine) processTask(ctx context.Context, t *task.Task) {
	startedAt := time.Now()

	ctx, span := e.tracer.Start(ctx, "engine.process_task")
	span.SetAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.source", string(t.Metadata.Source)),
	)
	defer span.End()

	d, err := e.resolveDispatch(ctx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.setLastError(err)
		res := &task.Result{Success: false, Error: err.Error()}
		e.finalize(ctx, t, d, res, startedAt)
		return
	}

	if t.Metadata.Source == task.SourceGitHub && t.Metadata.GitHub.NotificationThread == "" {
		e.createIssueThread(ctx, t)
	}

	requestedBy := d.requestedByUserID
	if requestedBy == "" {
		requestedBy = t.RequestedByUserID
	}
	t.RequestedByUserID = requestedBy

	rec, _, found := e.sessions.Resolve(d.sessionKey, d.canonicalUserID, d.fallbackRepo)
	resumeID := ""
	workingDir := d.workingDir
	if found {
		resumeID = rec.AgentSessionID
		if rec.WorkingDirectory != "" {
			workingDir = rec.WorkingDirectory
		}
	}

	prompt := t.Prompt
	if d.promptContext != "" {
		prompt = d.promptContext + "\n" + t.Prompt
	}

	e.gw.SetCurrentTaskId(t.ID, t.Metadata, requestedBy)
	defer e.gw.ClearCurrentTaskId()

	if err := e.router.NotifyTaskStarted(ctx, t.ID, t.Metadata); err != nil {
		slog.Warn("engine: task-started notification failed", "task_id", t.ID, "error", err)
	}

	runCtx, runSpan := e.tracer.Start(ctx, "agent.run")
	runSpan.SetAttributes(attribute.String("agent.binary", e.cfg.Agent.BinaryPath))
	res, runErr := e.run.Run(runCtx, runner.Options{
		BinaryPath:          e.cfg.Agent.BinaryPath,
		WorkingDirectory:    workingDir,
		SystemPrompt:        e.cfg.Agent.SystemPrompt,
		Prompt:              prompt,
		ResumeSessionID:     resumeID,
		MaxTurns:            e.cfg.Agent.MaxTurns,
		Timeout:             e.agentTimeout(),
		MaxOutputBytes:      e.cfg.Agent.MaxOutputBytes,
		TaskID:              t.ID,
		ApprovalServerURL:   e.gatewayURL,
		ApprovalServerToken: e.gatewayToken,
		OnWorkLog: func(evt runner.WorkLogEvent) {
			if err := e.router.NotifyWorkLog(ctx, t.ID, t.Metadata, evt.Type, evt.Details); err != nil {
				slog.Warn("engine: work-log notification failed", "task_id", t.ID, "error", err)
			}
		},
	})
	if runErr != nil {
		runSpan.RecordError(runErr)
		runSpan.SetStatus(codes.Error, runErr.Error())
		e.setLastError(runErr)
		res = &task.Result{Success: false, Error: runErr.Error()}
	}
	runSpan.End()

	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
	}

	e.persistSession(d, res, found)

	if d.postPush && res.Success {
		e.commitAndPush(ctx, t, d)
	}

	e.finalize(ctx, t, d, res, startedAt)
}

// persistSession writes back the agent's returned session id (spec §4.8:
// "A session id is only written back ... if the agent actually returned
// one"), or just bumps LastUsed when it didn't. GitHub-sourced tasks are
// additionally persisted under the cross-channel fallback key so a later
// Slack follow-up from the same canonical user can resume it.
func (e *Engine) persistSession(d *dispatch, res *task.Result, hadPriorSession bool) {
	workingDir := d.workingDir
	if res.SessionID == "" {
		if hadPriorSession {
			if err := e.sessions.Touch(d.sessionKey); err != nil {
				slog.Error("engine: session touch failed", "key", d.sessionKey, "error", err)
			}
		}
		return
	}
	if err := e.sessions.Put(d.sessionKey, res.SessionID, workingDir); err != nil {
		slog.Error("engine: session persist failed", "key", d.sessionKey, "error", err)
	}
	if d.dualWriteFallback && d.canonicalUserID != "" {
		fallbackKey := session.UserFallbackKey(d.canonicalUserID, d.githubOwner+"/"+d.githubRepo)
		if err := e.sessions.Put(fallbackKey, res.SessionID, workingDir); err != nil {
			slog.Error("engine: fallback session persist failed", "key", fallbackKey, "error", err)
		}
	}
}

// commitAndPush implements the slack-linked-issue policy's post-run step
// (spec §4.8: "commit-and-push any changes with message fix: Issue #<n> -
// additional changes; notify if changes were pushed").
func (e *Engine) commitAndPush(ctx context.Context, t *task.Task, d *dispatch) {
	msg := fmt.Sprintf("fix: Issue #%d - additional changes", d.githubIssue)
	changed, err := e.worktrees.CommitAndPush(ctx, d.workingDir, d.branch, msg)
	if err != nil {
		slog.Error("engine: post-run commit/push failed", "task_id", t.ID, "error", err)
		return
	}
	if changed {
		if err := e.router.NotifyProgress(ctx, t.ID, t.Metadata, "Pushed additional changes to the linked issue's branch."); err != nil {
			slog.Warn("engine: push notification failed", "task_id", t.ID, "error", err)
		}
	}
}

// createIssueThread populates GitHubMetadata.NotificationThread on first
// dispatch of a GitHub-sourced task, so the default adapter has a
// destination to post progress/approval traffic to, and links the thread
// to the issue for future slack-linked-issue dispatch.
func (e *Engine) createIssueThread(ctx context.Context, t *task.Task) {
	gh := t.Metadata.GitHub
	threadID, err := e.router.CreateIssueThread(ctx, gh.Owner, gh.Repo, gh.IssueNumber, gh.IssueTitle, gh.IssueURL)
	if err != nil {
		slog.Warn("engine: create issue thread failed", "task_id", t.ID, "error", err)
		return
	}
	if threadID == "" {
		return
	}
	gh.NotificationThread = threadID
	if err := e.sessions.LinkThreadToIssue(threadID, session.IssueLink{Owner: gh.Owner, Repo: gh.Repo, Issue: gh.IssueNumber}); err != nil {
		slog.Error("engine: link thread to issue failed", "task_id", t.ID, "error", err)
	}
}

// finalize implements spec §4.8's Finalization step: complete the task in
// the queue, notify, and record history. It neither clears the approval
// scope nor releases the single-flight flag; loop releases the flag after
// processTask returns. d may be nil if dispatch resolution itself failed.
func (e *Engine) finalize(ctx context.Context, t *task.Task, d *dispatch, res *task.Result, startedAt time.Time) {
	completedAt := time.Now()
	e.queue.Complete(t.ID, res)

	if res.Success {
		notifyResult := &task.Result{
			Success:   true,
			Output:    notifiableOutput(res.Output),
			PRURL:     res.PRURL,
			SessionID: res.SessionID,
		}
		if err := e.router.NotifyTaskCompleted(ctx, t.ID, t.Metadata, notifyResult); err != nil {
			slog.Warn("engine: task-completed notification failed", "task_id", t.ID, "error", err)
		}
		if d != nil && t.Metadata.Source == task.SourceGitHub {
			e.postIssueComment(ctx, t, d, notifyResult)
		}
	} else {
		if err := e.router.NotifyTaskError(ctx, t.ID, t.Metadata, res.Error); err != nil {
			slog.Warn("engine: task-error notification failed", "task_id", t.ID, "error", err)
		}
	}

	entry := history.NewEntry(t.ID, string(t.Metadata.Source), t.Prompt, res.Success, res.Output, res.PRURL, res.Error, startedAt, completedAt)
	if err := e.history.Record(ctx, entry); err != nil {
		slog.Error("engine: history record failed", "task_id", t.ID, "error", err)
	}
}

// postIssueComment posts the task's result as an issue comment (spec
// §4.8: "If the task is GitHub-sourced, post an issue comment (optionally
// including the PR URL)"). A missing GitHub token means this is a no-op:
// the comment step degrades gracefully rather than failing the task,
// since the agent run itself already succeeded.
func (e *Engine) postIssueComment(ctx context.Context, t *task.Task, d *dispatch, notifyResult *task.Result) {
	if e.cfg.Channels.GitHub.Token == "" {
		return
	}
	comment := notifyResult.Output
	if notifyResult.PRURL != "" {
		comment += "\n\nPR: " + notifyResult.PRURL
	}
	gh := githubapi.New(e.cfg.Channels.GitHub.Token)
	if err := gh.PostIssueComment(ctx, d.githubOwner, d.githubRepo, d.githubIssue, comment); err != nil {
		slog.Error("engine: post issue comment failed", "task_id", t.ID, "error", err)
	}
}

// notifiableOutput applies the Finalization truncation/placeholder rule.
func notifiableOutput(output string) string {
	if strings.TrimSpace(output) == "" {
		return emptyOutputPlaceholder
	}
	if len(output) > maxNotifiedOutput {
		return output[:maxNotifiedOutput] + "…"
	}
	return output
}
