// Package line implements the LINE Messaging API channel adapter (spec
// §4.3) over a webhook receiver (signature-verified with the channel
// secret) and the Messaging API's push endpoint, hand-rolled over
// net/http in the same idiom as the teacher's internal/channels/feishu
// client — no line-bot-sdk dependency appears anywhere in the retrieval
// pack, so this follows the pack's own "write the REST client" idiom
// rather than reaching for an unseen one.
package line

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jujucub/claps/internal/channel"
	"github.com/jujucub/claps/internal/config"
	"github.com/jujucub/claps/internal/task"
)

const apiBase = "https://api.line.me/v2/bot"

// askPromptTemplate renders a pending question as plain text followed by
// its option list. No buttons or quick-reply row are sent; the user's
// next free-text message is taken as the answer.
const askPromptTemplate = "%s\n\n(reply with one of: %s)"

type pendingApproval struct {
	respCh chan channel.Decision
}

type pendingQuestion struct {
	options []string
	respCh  chan string
}

// Adapter is the LINE Messaging API channel adapter.
type Adapter struct {
	cfg        config.LineConfig
	httpClient *http.Client
	onInbound  channel.InboundHandler

	httpSrv *http.Server

	mu        sync.Mutex
	approvals map[string]*pendingApproval // userID -> pending (LINE has one open request per user)
	questions map[string]*pendingQuestion
}

var _ channel.Adapter = (*Adapter)(nil)

// New builds the LINE adapter from its config section.
func New(cfg config.LineConfig) *Adapter {
	return &Adapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		approvals:  make(map[string]*pendingApproval),
		questions:  make(map[string]*pendingQuestion),
	}
}

func (a *Adapter) Name() string        { return "line" }
func (a *Adapter) Source() task.Source { return task.SourceLine }

func (a *Adapter) Init(ctx context.Context, onInbound channel.InboundHandler) error {
	if a.cfg.Enabled && (a.cfg.ChannelToken == "" || a.cfg.ChannelSecret == "") {
		return fmt.Errorf("line: channel_token and channel_secret are required")
	}
	a.onInbound = onInbound
	return nil
}

func (a *Adapter) Start(ctx context.Context) error {
	if !a.cfg.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /line/webhook", a.handleWebhook)

	addr := a.cfg.BindAddr
	if addr == "" {
		addr = "127.0.0.1:8090"
	}
	a.httpSrv = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("line: webhook server exited", "error", err)
		}
	}()
	slog.Info("line: webhook listening", "addr", addr)
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
		return fmt.Errorf("line channel disabled")
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

func (a *Adapter) verifySignature(body []byte, sig string) bool {
	mac := hmac.New(sha256.New, []byte(a.cfg.ChannelSecret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

type lineWebhookBody struct {
	Events []struct {
		Type       string `json:"type"`
		ReplyToken string `json:"replyToken"`
		Source     struct {
			UserID string `json:"userId"`
		} `json:"source"`
		Message struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"message"`
	} `json:"events"`
}

func (a *Adapter) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !a.verifySignature(body, r.Header.Get("X-Line-Signature")) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusOK) // ack immediately, LINE retries on non-2xx

	var payload lineWebhookBody
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Error("line: malformed webhook body", "error", err)
		return
	}

	for _, ev := range payload.Events {
		if ev.Type != "message" || ev.Message.Type != "text" {
			continue
		}
		if !a.IsUserAllowed(ev.Source.UserID) {
			continue
		}

		// A pending approval/question for this user takes priority over
		// starting a new task — the free-text reply resolves it.
		if a.resolvePendingApproval(ev.Source.UserID, ev.Message.Text) {
			continue
		}
		if a.resolvePendingQuestion(ev.Source.UserID, ev.Message.Text) {
			continue
		}

		text, targetRepo := extractTargetRepo(ev.Message.Text)
		t := &task.Task{
			ID:        uuid.NewString(),
			Source:    task.SourceLine,
			CreatedAt: time.Now(),
			Prompt:    text,
			Metadata: task.Metadata{
				Source: task.SourceLine,
				Line: &task.LineMetadata{
					UserID:     ev.Source.UserID,
					ReplyToken: ev.ReplyToken,
					Text:       ev.Message.Text,
					TargetRepo: targetRepo,
				},
			},
			RequestedByUserID: ev.Source.UserID,
		}
		if a.onInbound != nil {
			a.onInbound(t)
		}
	}
}

func (a *Adapter) resolvePendingApproval(userID, text string) bool {
	a.mu.Lock()
	p, ok := a.approvals[userID]
	if ok {
		delete(a.approvals, userID)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	allow := isAffirmative(text)
	p.respCh <- channel.Decision{Allow: allow, RespondedBy: userID}
	return true
}

func (a *Adapter) resolvePendingQuestion(userID, text string) bool {
	a.mu.Lock()
	q, ok := a.questions[userID]
	if ok {
		delete(a.questions, userID)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	q.respCh <- strings.TrimSpace(text)
	return true
}

func isAffirmative(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	return t == "allow" || t == "yes" || t == "はい" || t == "y"
}

func extractTargetRepo(text string) (prompt, targetRepo string) {
	trimmed := strings.TrimSpace(text)
	if idx := strings.Index(trimmed, ":"); idx != -1 {
		candidate := trimmed[:idx]
		if strings.Count(candidate, "/") == 1 && !strings.ContainsAny(candidate, " \t\n") {
			return strings.TrimSpace(trimmed[idx+1:]), candidate
		}
	}
	return trimmed, ""
}

// --- outbound Messaging API calls ---

func (a *Adapter) doJSON(ctx context.Context, path string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.ChannelToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("line: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("line: %s failed: %s: %s", path, resp.Status, string(b))
	}
	return nil
}

// push sends a message to a user outside of a reply-token window (the
// normal case for progress/approval notifications, since the reply
// token from the triggering message has already been consumed or has
// expired by the time a tool-use approval is needed).
func (a *Adapter) push(ctx context.Context, userID, text string) error {
	return a.doJSON(ctx, "/message/push", map[string]any{
		"to":       userID,
		"messages": []map[string]string{{"type": "text", "text": text}},
	})
}

func destinationFor(meta task.Metadata) string {
	if meta.Line == nil {
		return ""
	}
	return meta.Line.UserID
}

func (a *Adapter) SendMessage(ctx context.Context, destination, text string) error {
	return a.push(ctx, destination, text)
}

func (a *Adapter) SendSplitMessage(ctx context.Context, destination, text string) error {
	const limit = 4500 // LINE's text message size cap
	for len(text) > 0 {
		chunk := text
		if len(chunk) > limit {
			chunk = chunk[:limit]
		}
		if err := a.SendMessage(ctx, destination, chunk); err != nil {
			return err
		}
		text = text[len(chunk):]
	}
	return nil
}

func (a *Adapter) RequestApproval(ctx context.Context, nc channel.NotificationContext, requestID, tool, commandPreview, requestedBy string) (channel.Decision, error) {
	userID := destinationFor(nc.Metadata)
	if userID == "" {
		return channel.Decision{}, fmt.Errorf("line: task %s has no line metadata", nc.TaskID)
	}

	ch := make(chan channel.Decision, 1)
	a.mu.Lock()
	a.approvals[userID] = &pendingApproval{respCh: ch}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.approvals, userID)
		a.mu.Unlock()
	}()

	msg := fmt.Sprintf("Approval requested for %s:\n%s\n\nReply \"yes\" to allow or \"no\" to deny.", tool, truncate(commandPreview, 1900))
	if err := a.push(ctx, userID, msg); err != nil {
		return channel.Decision{}, err
	}

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return channel.Decision{Allow: false, Comment: "context canceled"}, ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func (a *Adapter) AskQuestion(ctx context.Context, nc channel.NotificationContext, requestID, question string, options []string) (string, error) {
	userID := destinationFor(nc.Metadata)
	if userID == "" {
		return "", fmt.Errorf("line: task %s has no line metadata", nc.TaskID)
	}

	ch := make(chan string, 1)
	a.mu.Lock()
	a.questions[userID] = &pendingQuestion{options: options, respCh: ch}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.questions, userID)
		a.mu.Unlock()
	}()

	msg := fmt.Sprintf(askPromptTemplate, question, strings.Join(options, " / "))
	if err := a.push(ctx, userID, msg); err != nil {
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
	return a.push(ctx, destinationFor(nc.Metadata), "Started working on this.")
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
	return a.push(ctx, destinationFor(nc.Metadata), "Task failed: "+errMsg)
}

func (a *Adapter) NotifyProgress(ctx context.Context, nc channel.NotificationContext, message string) error {
	return a.push(ctx, destinationFor(nc.Metadata), message)
}

func (a *Adapter) NotifyWorkLog(ctx context.Context, nc channel.NotificationContext, eventType, details string) error {
	return a.push(ctx, destinationFor(nc.Metadata), fmt.Sprintf("[%s] %s", eventType, details))
}
