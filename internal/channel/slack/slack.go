// Package slack implements the Slack channel adapter (spec §4.3) over
// Slack's Events API (inbound messages/mentions) and Web API (outbound
// chat.postMessage) plus interactive Block Kit button callbacks for
// approvals, using net/http directly rather than a Slack SDK — none of
// the example repos in the retrieval pack vendor one, and the teacher's
// own channel adapters (internal/channels/feishu) are themselves
// hand-rolled REST clients over net/http, so this follows the same
// idiom rather than reaching for an unseen dependency.
package slack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jujucub/claps/internal/channel"
	"github.com/jujucub/claps/internal/config"
	"github.com/jujucub/claps/internal/task"
)

const apiBase = "https://slack.com/api"

// maxSignatureAge guards against replayed Events API requests (Slack's
// own recommendation of a 5 minute window).
const maxSignatureAge = 5 * time.Minute

// splitLimit is Slack's practical single-message size before messages
// start truncating in clients; SendSplitMessage chunks at this boundary.
const splitLimit = 3500

type pendingApproval struct {
	requestID string
	respCh    chan channel.Decision
}

type pendingQuestion struct {
	requestID string
	respCh    chan string
}

// Adapter is the Slack channel adapter: an Events API webhook receiver
// plus a chat.postMessage/interactive-button client.
type Adapter struct {
	cfg        config.SlackConfig
	httpClient *http.Client
	onInbound  channel.InboundHandler

	httpSrv *http.Server

	mu        sync.Mutex
	approvals map[string]*pendingApproval // requestID -> pending
	questions map[string]*pendingQuestion
}

var _ channel.Adapter = (*Adapter)(nil)

// New builds the Slack adapter from its config section.
func New(cfg config.SlackConfig) *Adapter {
	return &Adapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		approvals:  make(map[string]*pendingApproval),
		questions:  make(map[string]*pendingQuestion),
	}
}

func (a *Adapter) Name() string        { return "slack" }
func (a *Adapter) Source() task.Source { return task.SourceSlack }

func (a *Adapter) Init(ctx context.Context, onInbound channel.InboundHandler) error {
	if a.cfg.Enabled && (a.cfg.BotToken == "" || a.cfg.SigningSecret == "") {
		return fmt.Errorf("slack: bot_token and signing_secret are required")
	}
	a.onInbound = onInbound
	return nil
}

// Start launches the Events API webhook listener. Bound address is the
// Slack-specific listener (distinct from the loopback auth gateway).
func (a *Adapter) Start(ctx context.Context) error {
	if !a.cfg.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /slack/events", a.handleEvents)
	mux.HandleFunc("POST /slack/interactive", a.handleInteractive)

	addr := a.cfg.BindAddr
	if addr == "" {
		addr = "127.0.0.1:8089"
	}
	a.httpSrv = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("slack: webhook server exited", "error", err)
		}
	}()
	slog.Info("slack: webhook listening", "addr", addr)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if a.httpSrv == nil {
		return nil
	}
	return a.httpSrv.Shutdown(ctx)
}

func (a *Adapter) Health(ctx context.Context) error {
	if !a.cfg.Enabled {
		return fmt.Errorf("slack channel disabled")
	}
	return nil
}

func (a *Adapter) IsUserAllowed(id string) bool {
	if len(a.cfg.AllowedUsers) == 0 {
		return true
	}
	for _, u := range a.cfg.AllowedUsers {
		if u == id {
			return true
		}
	}
	return false
}

// verifySignature checks Slack's HMAC-SHA256 request signature (the
// v0:timestamp:body scheme documented for the Events API).
func (a *Adapter) verifySignature(r *http.Request, body []byte) bool {
	ts := r.Header.Get("X-Slack-Request-Timestamp")
	sig := r.Header.Get("X-Slack-Signature")
	if ts == "" || sig == "" {
		return false
	}
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if time.Since(time.Unix(secs, 0)).Abs() > maxSignatureAge {
		return false
	}

	base := "v0:" + ts + ":" + string(body)
	mac := hmac.New(sha256.New, []byte(a.cfg.SigningSecret))
	mac.Write([]byte(base))
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

type slackEventEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Event     struct {
		Type    string `json:"type"`
		User    string `json:"user"`
		Text    string `json:"text"`
		Channel string `json:"channel"`
		ThreadTS string `json:"thread_ts"`
		TS      string `json:"ts"`
		BotID   string `json:"bot_id"`
	} `json:"event"`
}

func (a *Adapter) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !a.verifySignature(r, body) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var env slackEventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if env.Type == "url_verification" {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(env.Challenge))
		return
	}

	w.WriteHeader(http.StatusOK) // ack immediately; Slack retries on non-2xx

	if env.Type != "event_callback" || env.Event.BotID != "" {
		return
	}
	if env.Event.Type != "message" && env.Event.Type != "app_mention" {
		return
	}
	if !a.IsUserAllowed(env.Event.User) {
		return
	}

	threadID := env.Event.ThreadTS
	if threadID == "" {
		threadID = env.Event.TS
	}

	text, targetRepo := extractTargetRepo(env.Event.Text)
	t := &task.Task{
		ID:        uuid.NewString(),
		Source:    task.SourceSlack,
		CreatedAt: time.Now(),
		Prompt:    text,
		Metadata: task.Metadata{
			Source: task.SourceSlack,
			Slack: &task.SlackMetadata{
				ChannelID:  env.Event.Channel,
				ThreadID:   threadID,
				UserID:     env.Event.User,
				RawText:    env.Event.Text,
				TargetRepo: targetRepo,
			},
		},
		RequestedByUserID: env.Event.User,
	}
	if a.onInbound != nil {
		a.onInbound(t)
	}
}

// extractTargetRepo pulls a leading "owner/repo:" prefix off the message
// text, if present, as the repo-targeting convention for Slack requests
// (spec §4.8 "slack with explicit targetRepo").
func extractTargetRepo(text string) (prompt, targetRepo string) {
	trimmed := strings.TrimSpace(text)
	// strip a leading @mention token, e.g. "<@U123> owner/repo: do X"
	if strings.HasPrefix(trimmed, "<@") {
		if idx := strings.Index(trimmed, "> "); idx != -1 {
			trimmed = strings.TrimSpace(trimmed[idx+2:])
		}
	}
	if idx := strings.Index(trimmed, ":"); idx != -1 {
		candidate := trimmed[:idx]
		if strings.Count(candidate, "/") == 1 && !strings.ContainsAny(candidate, " \t\n") {
			return strings.TrimSpace(trimmed[idx+1:]), candidate
		}
	}
	return trimmed, ""
}

// --- interactive (approval button) callbacks ---

type blockActionPayload struct {
	Type    string `json:"type"`
	User    struct{ ID string `json:"id"` } `json:"user"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
}

func (a *Adapter) handleInteractive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !a.verifySignature(r, body) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var payload blockActionPayload
	if err := json.Unmarshal([]byte(form.Get("payload")), &payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)

	if payload.Type != "block_actions" || len(payload.Actions) == 0 {
		return
	}
	action := payload.Actions[0]
	// action_id is "approve:<requestId>" / "deny:<requestId>", or
	// "answer:<requestId>" with value carrying the chosen option text.
	kind, requestID, ok := strings.Cut(action.ActionID, ":")
	if !ok {
		return
	}

	switch kind {
	case "approve", "deny":
		a.mu.Lock()
		p := a.approvals[requestID]
		delete(a.approvals, requestID)
		a.mu.Unlock()
		if p != nil {
			p.respCh <- channel.Decision{Allow: kind == "approve", RespondedBy: payload.User.ID}
		}
	case "answer":
		a.mu.Lock()
		q := a.questions[requestID]
		delete(a.questions, requestID)
		a.mu.Unlock()
		if q != nil {
			q.respCh <- action.Value
		}
	}
}

// --- outbound Web API calls ---

func (a *Adapter) post(ctx context.Context, method string, payload map[string]any) (map[string]any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/"+method, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+a.cfg.BotToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("slack: %s decode: %w", method, err)
	}
	if ok, _ := out["ok"].(bool); !ok {
		return out, fmt.Errorf("slack: %s failed: %v", method, out["error"])
	}
	return out, nil
}

func (a *Adapter) SendMessage(ctx context.Context, destination, text string) error {
	channelID, thread, _ := strings.Cut(destination, ":")
	payload := map[string]any{"channel": channelID, "text": text}
	if thread != "" {
		payload["thread_ts"] = thread
	}
	_, err := a.post(ctx, "chat.postMessage", payload)
	return err
}

func (a *Adapter) SendSplitMessage(ctx context.Context, destination, text string) error {
	for len(text) > 0 {
		chunk := text
		if len(chunk) > splitLimit {
			chunk = chunk[:splitLimit]
		}
		if err := a.SendMessage(ctx, destination, chunk); err != nil {
			return err
		}
		text = text[len(chunk):]
	}
	return nil
}

func destinationFor(meta task.Metadata) string {
	if meta.Slack == nil {
		return ""
	}
	return meta.Slack.ChannelID + ":" + meta.Slack.ThreadID
}

func (a *Adapter) RequestApproval(ctx context.Context, nc channel.NotificationContext, requestID, tool, commandPreview, requestedBy string) (channel.Decision, error) {
	dest := destinationFor(nc.Metadata)
	if dest == "" {
		return channel.Decision{}, fmt.Errorf("slack: task %s has no slack metadata", nc.TaskID)
	}

	ch := make(chan channel.Decision, 1)
	a.mu.Lock()
	a.approvals[requestID] = &pendingApproval{requestID: requestID, respCh: ch}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.approvals, requestID)
		a.mu.Unlock()
	}()

	channelID, thread, _ := strings.Cut(dest, ":")
	blocks := approvalBlocks(tool, commandPreview, requestID)
	payload := map[string]any{"channel": channelID, "text": fmt.Sprintf("Approval requested for %s", tool), "blocks": blocks}
	if thread != "" {
		payload["thread_ts"] = thread
	}
	if _, err := a.post(ctx, "chat.postMessage", payload); err != nil {
		return channel.Decision{}, err
	}

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return channel.Decision{Allow: false, Comment: "context canceled"}, ctx.Err()
	}
}

func approvalBlocks(tool, preview, requestID string) []map[string]any {
	return []map[string]any{
		{"type": "section", "text": map[string]string{"type": "mrkdwn", "text": fmt.Sprintf("*%s*\n```%s```", tool, truncate(preview, 2900))}},
		{
			"type": "actions",
			"elements": []map[string]any{
				{"type": "button", "text": map[string]string{"type": "plain_text", "text": "Allow"}, "style": "primary", "action_id": "approve:" + requestID, "value": requestID},
				{"type": "button", "text": map[string]string{"type": "plain_text", "text": "Deny"}, "style": "danger", "action_id": "deny:" + requestID, "value": requestID},
			},
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func (a *Adapter) AskQuestion(ctx context.Context, nc channel.NotificationContext, requestID, question string, options []string) (string, error) {
	dest := destinationFor(nc.Metadata)
	if dest == "" {
		return "", fmt.Errorf("slack: task %s has no slack metadata", nc.TaskID)
	}

	ch := make(chan string, 1)
	a.mu.Lock()
	a.questions[requestID] = &pendingQuestion{requestID: requestID, respCh: ch}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.questions, requestID)
		a.mu.Unlock()
	}()

	channelID, thread, _ := strings.Cut(dest, ":")
	elements := make([]map[string]any, 0, len(options))
	for _, opt := range options {
		elements = append(elements, map[string]any{
			"type": "button", "text": map[string]string{"type": "plain_text", "text": opt},
			"action_id": "answer:" + requestID, "value": opt,
		})
	}
	blocks := []map[string]any{
		{"type": "section", "text": map[string]string{"type": "mrkdwn", "text": question}},
		{"type": "actions", "elements": elements},
	}
	payload := map[string]any{"channel": channelID, "text": question, "blocks": blocks}
	if thread != "" {
		payload["thread_ts"] = thread
	}
	if _, err := a.post(ctx, "chat.postMessage", payload); err != nil {
		return "", err
	}

	select {
	case ans := <-ch:
		return ans, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *Adapter) NotifyTaskStarted(ctx context.Context, nc channel.NotificationContext) error {
	return a.SendMessage(ctx, destinationFor(nc.Metadata), "Started working on this.")
}

func (a *Adapter) NotifyTaskCompleted(ctx context.Context, nc channel.NotificationContext, result *task.Result) error {
	msg := result.Output
	if strings.TrimSpace(msg) == "" {
		msg = "(no output)"
	}
	if result.PRURL != "" {
		msg += "\n\nPR: " + result.PRURL
	}
	return a.SendSplitMessage(ctx, destinationFor(nc.Metadata), msg)
}

func (a *Adapter) NotifyTaskError(ctx context.Context, nc channel.NotificationContext, errMsg string) error {
	return a.SendMessage(ctx, destinationFor(nc.Metadata), "Task failed: "+errMsg)
}

func (a *Adapter) NotifyProgress(ctx context.Context, nc channel.NotificationContext, message string) error {
	return a.SendMessage(ctx, destinationFor(nc.Metadata), message)
}

func (a *Adapter) NotifyWorkLog(ctx context.Context, nc channel.NotificationContext, eventType, details string) error {
	return a.SendMessage(ctx, destinationFor(nc.Metadata), fmt.Sprintf("_%s_: %s", eventType, details))
}

// CreateIssueThread posts a new top-level message announcing a GitHub
// issue in the configured notification channel and returns its ts as the
// thread id the engine links to the issue (spec §4.3: "only the default
// adapter implements it meaningfully"). Slack is registered first in the
// default wiring, making it the default adapter.
func (a *Adapter) CreateIssueThread(ctx context.Context, owner, repo string, issue int, title, url string) (string, error) {
	if a.cfg.NotifyChannel == "" {
		return "", nil
	}
	text := fmt.Sprintf("*%s/%s#%d* %s\n%s", owner, repo, issue, title, url)
	out, err := a.post(ctx, "chat.postMessage", map[string]any{"channel": a.cfg.NotifyChannel, "text": text})
	if err != nil {
		return "", err
	}
	ts, _ := out["ts"].(string)
	return ts, nil
}

// PostReflectionResult broadcasts a reflection summary to the
// configured notification channel (spec §4.5 postReflectionResult).
func (a *Adapter) PostReflectionResult(ctx context.Context, result string) error {
	if a.cfg.NotifyChannel == "" {
		return nil
	}
	return a.SendMessage(ctx, a.cfg.NotifyChannel, result)
}
