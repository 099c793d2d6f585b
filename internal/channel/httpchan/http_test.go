package httpchan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jujucub/claps/internal/channel"
	"github.com/jujucub/claps/internal/config"
	"github.com/jujucub/claps/internal/task"
)

func postJSON(t *testing.T, a *Adapter, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)
	return rec
}

func getJSON(t *testing.T, a *Adapter, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)
	return rec
}

// TestPostMessageEnqueuesTask verifies S5: POST /messages returns 202 with
// a taskId and queued status, and calls the engine's inbound handler.
func TestPostMessageEnqueuesTask(t *testing.T) {
	a := New(config.HTTPConfig{Enabled: true})
	var got *task.Task
	a.Init(context.Background(), func(t *task.Task) { got = t })

	rec := postJSON(t, a, "/api/v1/messages", `{"message":"hi"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["status"] != "queued" || resp["taskId"] == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got == nil || got.Prompt != "hi" || got.Metadata.HTTP.CorrelationID != resp["taskId"] {
		t.Fatalf("inbound handler not called with expected task: %+v", got)
	}
}

// TestTaskLifecyclePolling verifies S5's full queued -> processing ->
// completed transition is observable via GET /tasks/{id}.
func TestTaskLifecyclePolling(t *testing.T) {
	a := New(config.HTTPConfig{Enabled: true})
	a.Init(context.Background(), func(t *task.Task) {})

	rec := postJSON(t, a, "/api/v1/messages", `{"message":"hi","deviceId":"d1"}`)
	var created map[string]string
	json.NewDecoder(rec.Body).Decode(&created)
	id := created["taskId"]

	nc := channel.NotificationContext{TaskID: id, Metadata: task.Metadata{Source: task.SourceHTTP}}
	if err := a.NotifyTaskStarted(context.Background(), nc); err != nil {
		t.Fatal(err)
	}
	rec = getJSON(t, a, "/api/v1/tasks/"+id)
	var status map[string]any
	json.NewDecoder(rec.Body).Decode(&status)
	if status["status"] != "processing" {
		t.Fatalf("status = %v, want processing", status["status"])
	}

	if err := a.NotifyTaskCompleted(context.Background(), nc, &task.Result{Success: true, Output: "done"}); err != nil {
		t.Fatal(err)
	}
	rec = getJSON(t, a, "/api/v1/tasks/"+id)
	json.NewDecoder(rec.Body).Decode(&status)
	if status["status"] != "completed" {
		t.Fatalf("status = %v, want completed", status["status"])
	}
}

// TestApprovalRoundTrip verifies a blocked RequestApproval call is
// released exactly by a matching POST /tasks/{id}/approve.
func TestApprovalRoundTrip(t *testing.T) {
	a := New(config.HTTPConfig{Enabled: true})
	a.Init(context.Background(), func(t *task.Task) {})

	taskID := "t1"
	a.state(taskID) // seed

	resultCh := make(chan channel.Decision, 1)
	go func() {
		nc := channel.NotificationContext{TaskID: taskID, Metadata: task.Metadata{Source: task.SourceHTTP}}
		d, _ := a.RequestApproval(context.Background(), nc, "req1", "Bash", "rm -rf /tmp/x", "dev1")
		resultCh <- d
	}()

	// Poll until the pending approval surfaces.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := getJSON(t, a, "/api/v1/tasks/"+taskID)
		var status map[string]any
		json.NewDecoder(rec.Body).Decode(&status)
		if status["status"] == "awaiting_approval" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("approval never surfaced as pending")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec := postJSON(t, a, "/api/v1/tasks/"+taskID+"/approve", `{"requestId":"req1","decision":"allow"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d", rec.Code)
	}

	select {
	case d := <-resultCh:
		if !d.Allow {
			t.Fatal("expected allow decision")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RequestApproval never returned")
	}
}

func TestIsUserAllowed(t *testing.T) {
	a := New(config.HTTPConfig{AllowedUsers: []string{"d1"}})
	if !a.IsUserAllowed("d1") {
		t.Fatal("expected d1 to be allowed")
	}
	if a.IsUserAllowed("d2") {
		t.Fatal("expected d2 to be denied")
	}
}
