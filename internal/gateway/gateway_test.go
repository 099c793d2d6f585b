package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jujucub/claps/internal/channel"
	"github.com/jujucub/claps/internal/task"
)

// stubAdapter is a minimal channel.Adapter used only by this package's
// tests; it always allows approvals and answers questions with "ok".
type stubAdapter struct {
	approvalCalls int
}

func (s *stubAdapter) Name() string        { return "stub" }
func (s *stubAdapter) Source() task.Source { return task.SourceSlack }

func (s *stubAdapter) Init(ctx context.Context, h channel.InboundHandler) error { return nil }
func (s *stubAdapter) Start(ctx context.Context) error                          { return nil }
func (s *stubAdapter) Stop(ctx context.Context) error                           { return nil }
func (s *stubAdapter) Health(ctx context.Context) error                        { return nil }

func (s *stubAdapter) IsUserAllowed(id string) bool { return true }

func (s *stubAdapter) SendMessage(ctx context.Context, destination, text string) error { return nil }
func (s *stubAdapter) SendSplitMessage(ctx context.Context, destination, text string) error {
	return nil
}

func (s *stubAdapter) RequestApproval(ctx context.Context, nc channel.NotificationContext, requestID, tool, commandPreview, requestedBy string) (channel.Decision, error) {
	s.approvalCalls++
	return channel.Decision{Allow: true, RespondedBy: "tester"}, nil
}

func (s *stubAdapter) AskQuestion(ctx context.Context, nc channel.NotificationContext, requestID, question string, options []string) (string, error) {
	return "ok", nil
}

func (s *stubAdapter) NotifyTaskStarted(ctx context.Context, nc channel.NotificationContext) error {
	return nil
}
func (s *stubAdapter) NotifyTaskCompleted(ctx context.Context, nc channel.NotificationContext, result *task.Result) error {
	return nil
}
func (s *stubAdapter) NotifyTaskError(ctx context.Context, nc channel.NotificationContext, errMsg string) error {
	return nil
}
func (s *stubAdapter) NotifyProgress(ctx context.Context, nc channel.NotificationContext, message string) error {
	return nil
}
func (s *stubAdapter) NotifyWorkLog(ctx context.Context, nc channel.NotificationContext, eventType, details string) error {
	return nil
}

func newTestServer(t *testing.T) (*Server, *stubAdapter) {
	t.Helper()
	reg := channel.NewRegistry()
	stub := &stubAdapter{}
	reg.Register(stub)
	ctx := context.Background()
	reg.InitAll(ctx, func(*task.Task) {})
	if err := reg.StartAll(ctx); err != nil {
		t.Fatalf("start registry: %v", err)
	}
	router := channel.NewRouter(reg)
	gw := New(router)
	srv, err := NewServer("127.0.0.1:0", gw, "")
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go srv.Serve(ctx)
	t.Cleanup(func() { srv.Stop(context.Background()) })
	return srv, stub
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, "http://"+srv.Addr()+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthRequiresNoAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, _ := doJSON(t, srv, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestApproveRejectsBadToken(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, _ := doJSON(t, srv, http.MethodPost, "/approve", "wrong-token", map[string]any{
		"tool_name": "Bash", "tool_input": map[string]any{"command": "ls"},
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestApproveWithoutBoundTaskFails(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, _ := doJSON(t, srv, http.MethodPost, "/approve", srv.Token(), map[string]any{
		"tool_name": "Bash", "tool_input": map[string]any{"command": "ls"},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 when no task bound, got %d", resp.StatusCode)
	}
}

func TestApproveAutoApprovesRepeatFingerprintWithinTask(t *testing.T) {
	srv, stub := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/set-task", srv.Token(), map[string]any{
		"taskId": "t1", "source": "slack", "requestedByUserId": "u1",
		"slack": map[string]any{"channelId": "c1", "threadId": "th1", "userId": "u1"},
	})

	body := map[string]any{"tool_name": "Bash", "tool_input": map[string]any{"command": "echo hi"}}
	resp1, out1 := doJSON(t, srv, http.MethodPost, "/approve", srv.Token(), body)
	if resp1.StatusCode != http.StatusOK || out1["permissionDecision"] != "allow" {
		t.Fatalf("first approval should succeed via adapter: %v %v", resp1.StatusCode, out1)
	}
	if stub.approvalCalls != 1 {
		t.Fatalf("expected exactly one adapter call for first invocation, got %d", stub.approvalCalls)
	}

	resp2, out2 := doJSON(t, srv, http.MethodPost, "/approve", srv.Token(), body)
	if resp2.StatusCode != http.StatusOK || out2["permissionDecision"] != "allow" {
		t.Fatalf("repeat invocation should be auto-approved: %v %v", resp2.StatusCode, out2)
	}
	if stub.approvalCalls != 1 {
		t.Fatalf("expected adapter not to be called again for repeat fingerprint, got %d calls", stub.approvalCalls)
	}
}

func TestSetTaskResetsApprovalScope(t *testing.T) {
	srv, stub := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/set-task", srv.Token(), map[string]any{
		"taskId": "t1", "source": "slack", "requestedByUserId": "u1",
		"slack": map[string]any{"channelId": "c1", "threadId": "th1", "userId": "u1"},
	})
	body := map[string]any{"tool_name": "Bash", "tool_input": map[string]any{"command": "echo hi"}}
	doJSON(t, srv, http.MethodPost, "/approve", srv.Token(), body)

	// New task bound: the previously-approved fingerprint must not carry
	// over into the new scope.
	doJSON(t, srv, http.MethodPost, "/set-task", srv.Token(), map[string]any{
		"taskId": "t2", "source": "slack", "requestedByUserId": "u1",
		"slack": map[string]any{"channelId": "c1", "threadId": "th1", "userId": "u1"},
	})
	doJSON(t, srv, http.MethodPost, "/approve", srv.Token(), body)

	if stub.approvalCalls != 2 {
		t.Fatalf("expected a fresh adapter call after task switch, got %d calls", stub.approvalCalls)
	}
}

func TestAskDelegatesToAdapter(t *testing.T) {
	srv, _ := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/set-task", srv.Token(), map[string]any{
		"taskId": "t1", "source": "slack",
		"slack": map[string]any{"channelId": "c1", "threadId": "th1", "userId": "u1"},
	})
	resp, out := doJSON(t, srv, http.MethodPost, "/ask", srv.Token(), map[string]any{
		"question": "proceed?", "options": []string{"yes", "no"},
	})
	if resp.StatusCode != http.StatusOK || out["answer"] != "ok" {
		t.Fatalf("expected delegated answer, got %v %v", resp.StatusCode, out)
	}
}
