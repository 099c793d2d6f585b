// Package httpchan implements the poll-based HTTP channel adapter (spec
// §4.3, §6 "HTTP channel API (/api/v1)") for devices that cannot receive
// push notifications: they submit a message, then poll for status until
// an approval, a question, or a final result needs their attention.
//
// Unlike the Slack and LINE adapters, this one sends nothing to the
// device on its own: SendMessage/SendSplitMessage/NotifyProgress/NotifyWorkLog
// append to the per-task log, which is pushed only to clients connected
// to the optional /stream websocket (GET /tasks/{id} does not include
// the log). The design is grounded
// on the teacher's internal/gateway/server.go request/response handler
// style (net/http + ServeMux, no framework).
package httpchan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/jujucub/claps/internal/channel"
	"github.com/jujucub/claps/internal/config"
	"github.com/jujucub/claps/internal/task"
	"github.com/jujucub/claps/pkg/protocol"
)

// deviceRateLimit bounds how often one device may POST a new message,
// independent of the gateway's own per-task notify throttle.
const deviceRateLimit = 1 * time.Second

// pendingKind distinguishes what a task is currently blocked on.
type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingApproval
	pendingAnswer
)

type pendingState struct {
	kind      pendingKind
	requestID string
	tool      string
	preview   string
	question  string
	options   []string
	approveCh chan channel.Decision
	answerCh  chan string
}

type taskState struct {
	mu          sync.Mutex
	status      string
	result      *task.Result
	errMsg      string
	pending     *pendingState
	log         []string
	subscribers []chan []byte
}

// broadcast fans a JSON-encoded event out to every live
// /api/v1/tasks/{id}/stream subscriber, dropping it for any subscriber
// whose buffer is full rather than blocking the caller.
func (st *taskState) broadcast(event string, payload any) {
	msg, err := json.Marshal(map[string]any{"event": event, "data": payload})
	if err != nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, ch := range st.subscribers {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Adapter is the HTTP-polling channel adapter. It is mounted onto the
// auth gateway's loopback server at /api/v1 (spec §6) rather than
// opening a listener of its own.
type Adapter struct {
	cfg       config.HTTPConfig
	onInbound channel.InboundHandler

	mu    sync.Mutex
	tasks map[string]*taskState

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

var _ channel.Adapter = (*Adapter)(nil)
var _ http.Handler = (*Adapter)(nil)

// New builds the HTTP channel adapter from its config section.
func New(cfg config.HTTPConfig) *Adapter {
	a := &Adapter{
		cfg:      cfg,
		tasks:    make(map[string]*taskState),
		limiters: make(map[string]*rate.Limiter),
		upgrader: websocket.Upgrader{
			// Same-origin only matters for browser clients; this is a
			// service-to-service poll/stream API, not a public web app.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	a.mux = http.NewServeMux()
	a.mux.HandleFunc("POST /api/v1/messages", a.handlePostMessage)
	a.mux.HandleFunc("GET /api/v1/tasks/{id}", a.handleGetTask)
	a.mux.HandleFunc("POST /api/v1/tasks/{id}/approve", a.handleApprove)
	a.mux.HandleFunc("POST /api/v1/tasks/{id}/answer", a.handleAnswer)
	a.mux.HandleFunc("GET /api/v1/tasks/{id}/stream", a.handleStream)
	a.mux.HandleFunc("GET /api/v1/health", a.handleHealth)
	return a
}

// deviceLimiter returns (creating if needed) the per-device token bucket
// gating how often a device may submit a new message.
func (a *Adapter) deviceLimiter(deviceID string) *rate.Limiter {
	a.limMu.Lock()
	defer a.limMu.Unlock()
	l, ok := a.limiters[deviceID]
	if !ok {
		l = rate.NewLimiter(rate.Every(deviceRateLimit), 3)
		a.limiters[deviceID] = l
	}
	return l
}

func (a *Adapter) Name() string        { return "http" }
func (a *Adapter) Source() task.Source { return task.SourceHTTP }

func (a *Adapter) Init(ctx context.Context, onInbound channel.InboundHandler) error {
	a.onInbound = onInbound
	return nil
}

// Start is a no-op: the adapter's handlers are served by the gateway's
// HTTP server once mounted (see cmd's wiring, which calls server.Mount(a)).
func (a *Adapter) Start(ctx context.Context) error { return nil }
func (a *Adapter) Stop(ctx context.Context) error  { return nil }
func (a *Adapter) Health(ctx context.Context) error {
	if !a.cfg.Enabled {
		return fmt.Errorf("http channel disabled")
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

// ServeHTTP lets the adapter itself be passed directly to
// gateway.Server.Mount.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *Adapter) state(taskID string) *taskState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.tasks[taskID]
	if !ok {
		st = &taskState{status: protocol.HTTPStatusQueued}
		a.tasks[taskID] = st
	}
	return st
}

// SendMessage appends free-form text to the task's log and pushes it to
// any stream subscribers. The GET /tasks/{id} response does not carry
// the log.
func (a *Adapter) SendMessage(ctx context.Context, destination, text string) error {
	st := a.state(destination)
	st.mu.Lock()
	st.log = append(st.log, text)
	st.mu.Unlock()
	st.broadcast("log", text)
	return nil
}

func (a *Adapter) SendSplitMessage(ctx context.Context, destination, text string) error {
	return a.SendMessage(ctx, destination, text)
}

// RequestApproval blocks until POST /tasks/{id}/approve resolves the
// pending request, or ctx is canceled (e.g. the gateway shutting down,
// spec §5 "pending approvals at gateway shutdown resolve as deny").
func (a *Adapter) RequestApproval(ctx context.Context, nc channel.NotificationContext, requestID, tool, commandPreview, requestedBy string) (channel.Decision, error) {
	st := a.state(nc.TaskID)
	ch := make(chan channel.Decision, 1)

	st.mu.Lock()
	st.status = protocol.HTTPStatusAwaitingApproval
	st.pending = &pendingState{kind: pendingApproval, requestID: requestID, tool: tool, preview: commandPreview, approveCh: ch}
	st.mu.Unlock()

	defer func() {
		st.mu.Lock()
		st.pending = nil
		st.status = protocol.HTTPStatusProcessing
		st.mu.Unlock()
	}()

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return channel.Decision{Allow: false, Comment: "context canceled"}, ctx.Err()
	}
}

// AskQuestion blocks until POST /tasks/{id}/answer resolves the pending
// question, or ctx is canceled.
func (a *Adapter) AskQuestion(ctx context.Context, nc channel.NotificationContext, requestID, question string, options []string) (string, error) {
	st := a.state(nc.TaskID)
	ch := make(chan string, 1)

	st.mu.Lock()
	st.status = protocol.HTTPStatusAwaitingAnswer
	st.pending = &pendingState{kind: pendingAnswer, requestID: requestID, question: question, options: options, answerCh: ch}
	st.mu.Unlock()

	defer func() {
		st.mu.Lock()
		st.pending = nil
		st.status = protocol.HTTPStatusProcessing
		st.mu.Unlock()
	}()

	select {
	case ans := <-ch:
		return ans, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *Adapter) NotifyTaskStarted(ctx context.Context, nc channel.NotificationContext) error {
	st := a.state(nc.TaskID)
	st.mu.Lock()
	st.status = protocol.HTTPStatusProcessing
	st.mu.Unlock()
	return nil
}

func (a *Adapter) NotifyTaskCompleted(ctx context.Context, nc channel.NotificationContext, result *task.Result) error {
	st := a.state(nc.TaskID)
	st.mu.Lock()
	st.status = protocol.HTTPStatusCompleted
	st.result = result
	st.mu.Unlock()
	st.broadcast("status", protocol.HTTPStatusCompleted)
	return nil
}

func (a *Adapter) NotifyTaskError(ctx context.Context, nc channel.NotificationContext, errMsg string) error {
	st := a.state(nc.TaskID)
	st.mu.Lock()
	st.status = protocol.HTTPStatusFailed
	st.errMsg = errMsg
	st.mu.Unlock()
	st.broadcast("status", protocol.HTTPStatusFailed)
	return nil
}

func (a *Adapter) NotifyProgress(ctx context.Context, nc channel.NotificationContext, message string) error {
	return a.SendMessage(ctx, nc.TaskID, message)
}

func (a *Adapter) NotifyWorkLog(ctx context.Context, nc channel.NotificationContext, eventType, details string) error {
	return a.SendMessage(ctx, nc.TaskID, fmt.Sprintf("[%s] %s", eventType, details))
}

// --- HTTP handlers ---

type postMessageRequest struct {
	Message    string `json:"message"`
	DeviceID   string `json:"deviceId"`
	TargetRepo string `json:"targetRepo"`
}

func (a *Adapter) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}
	if !a.IsUserAllowed(req.DeviceID) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "device not allowed"})
		return
	}
	if !a.deviceLimiter(req.DeviceID).Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded, retry shortly"})
		return
	}

	correlationID := uuid.NewString()
	t := &task.Task{
		ID:        correlationID,
		Source:    task.SourceHTTP,
		CreatedAt: time.Now(),
		Prompt:    req.Message,
		Metadata: task.Metadata{
			Source: task.SourceHTTP,
			HTTP: &task.HTTPMetadata{
				CorrelationID: correlationID,
				DeviceID:      req.DeviceID,
				Text:          req.Message,
				TargetRepo:    req.TargetRepo,
			},
		},
		RequestedByUserID: req.DeviceID,
	}

	a.state(correlationID) // pre-seed queued status before the engine picks it up
	if a.onInbound != nil {
		a.onInbound(t)
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"taskId":  correlationID,
		"status":  protocol.HTTPStatusQueued,
		"pollUrl": "/api/v1/tasks/" + correlationID,
	})
}

func (a *Adapter) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a.mu.Lock()
	st, ok := a.tasks[id]
	a.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task id"})
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	resp := map[string]any{
		"taskId": id,
		"status": st.status,
	}
	if st.pending != nil {
		pending := map[string]any{}
		switch st.pending.kind {
		case pendingApproval:
			pending["requestId"] = st.pending.requestID
			pending["tool"] = st.pending.tool
			pending["preview"] = st.pending.preview
		case pendingAnswer:
			pending["requestId"] = st.pending.requestID
			pending["question"] = st.pending.question
			pending["options"] = st.pending.options
		}
		resp["pending"] = pending
	}
	if st.result != nil {
		resp["result"] = st.result
	}
	if st.errMsg != "" {
		resp["error"] = st.errMsg
	}
	writeJSON(w, http.StatusOK, resp)
}

type approveRequest struct {
	RequestID string `json:"requestId"`
	Decision  string `json:"decision"`
	Comment   string `json:"comment"`
}

func (a *Adapter) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st := a.lookup(id)
	if st == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task id"})
		return
	}
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	st.mu.Lock()
	p := st.pending
	if p == nil || p.kind != pendingApproval || (req.RequestID != "" && p.requestID != req.RequestID) {
		st.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no matching pending approval"})
		return
	}
	ch := p.approveCh
	st.mu.Unlock()

	ch <- channel.Decision{Allow: req.Decision == protocol.DecisionAllow, Comment: req.Comment}
	writeJSON(w, http.StatusOK, map[string]any{"requestId": req.RequestID, "decision": req.Decision, "accepted": true})
}

type answerRequest struct {
	RequestID string `json:"requestId"`
	Answer    string `json:"answer"`
}

func (a *Adapter) handleAnswer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st := a.lookup(id)
	if st == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task id"})
		return
	}
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	st.mu.Lock()
	p := st.pending
	if p == nil || p.kind != pendingAnswer || (req.RequestID != "" && p.requestID != req.RequestID) {
		st.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no matching pending question"})
		return
	}
	ch := p.answerCh
	st.mu.Unlock()

	ch <- req.Answer
	writeJSON(w, http.StatusOK, map[string]any{"requestId": req.RequestID, "answer": req.Answer, "accepted": true})
}

// handleStream upgrades to a websocket and pushes log/status events for
// one task as they happen, an additive alternative to polling GET
// /api/v1/tasks/{id} for clients that want push delivery.
func (a *Adapter) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st := a.lookup(id)
	if st == nil {
		http.Error(w, "unknown task id", http.StatusNotFound)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("httpchan: websocket upgrade failed", "task_id", id, "error", err)
		return
	}
	defer conn.Close()

	ch := make(chan []byte, 16)
	st.mu.Lock()
	st.subscribers = append(st.subscribers, ch)
	st.mu.Unlock()
	defer a.unsubscribe(st, ch)

	for {
		select {
		case msg := <-ch:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (a *Adapter) unsubscribe(st *taskState, ch chan []byte) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, c := range st.subscribers {
		if c == ch {
			st.subscribers = append(st.subscribers[:i], st.subscribers[i+1:]...)
			return
		}
	}
}

func (a *Adapter) lookup(id string) *taskState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tasks[id]
}

func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
