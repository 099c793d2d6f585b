package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestBuildArgsOrder(t *testing.T) {
	args := buildArgs(Options{
		ResumeSessionID: "sess-1",
		SystemPrompt:    "be helpful",
		Prompt:          "fix the bug",
		MaxTurns:        5,
	})
	want := []string{
		permissionBypassFlag,
		"--resume", "sess-1",
		"--system-prompt", "be helpful",
		"-p", "fix the bug",
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", "5",
	}
	if strings.Join(args, "|") != strings.Join(want, "|") {
		t.Fatalf("arg order mismatch:\n got: %v\nwant: %v", args, want)
	}
}

func TestBuildArgsOmitsOptionalFlags(t *testing.T) {
	args := buildArgs(Options{SystemPrompt: "p", Prompt: "q"})
	for _, a := range args {
		if a == "--resume" || a == "--max-turns" {
			t.Fatalf("did not expect optional flag %q when unset: %v", a, args)
		}
	}
}

func TestBuildEnvStripsPrefixesAndInjectsTaskVars(t *testing.T) {
	opts := Options{
		EnvOverride:       []string{"SLACK_TOKEN=secret", "PATH=/bin", "HOME=/root"},
		StripEnvPrefixes:  []string{"SLACK_"},
		WorkingDirectory:  "/work/repo",
		TaskID:            "t-1",
		ApprovalServerURL: "http://127.0.0.1:9/approve",
	}
	env := buildEnv(opts)
	joined := strings.Join(env, "\n")
	if strings.Contains(joined, "SLACK_TOKEN") {
		t.Fatalf("expected SLACK_TOKEN to be stripped: %v", env)
	}
	for _, want := range []string{"CLAUDE_PROJECT_DIR=/work/repo", "CLAPS_TASK_ID=t-1", "APPROVAL_SERVER_URL=http://127.0.0.1:9/approve", "PATH=/bin"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected env to contain %q, got %v", want, env)
		}
	}
}

func TestClassifyLineAssistantToolUse(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hi"},{"type":"tool_use","name":"Bash","input":{"command":"ls -la"}}]}}`)
	parsed, err := classifyLine(line)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.text != "hi" {
		t.Fatalf("expected accumulated text 'hi', got %q", parsed.text)
	}
	if len(parsed.workLog) != 1 || parsed.workLog[0].Tool != "Bash" {
		t.Fatalf("expected one Bash tool_start event, got %+v", parsed.workLog)
	}
}

func TestClassifyLineUserToolResultError(t *testing.T) {
	line := []byte(`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","is_error":true,"content":"boom"}]}}`)
	parsed, err := classifyLine(line)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed.workLog) != 1 || parsed.workLog[0].Type != "error" {
		t.Fatalf("expected one error work-log event, got %+v", parsed.workLog)
	}
}

func TestClassifyLineResult(t *testing.T) {
	line := []byte(`{"type":"result","result":"done","session_id":"sess-9"}`)
	parsed, err := classifyLine(line)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.result == nil || parsed.result.Result != "done" || parsed.sessionID != "sess-9" {
		t.Fatalf("unexpected parsed result: %+v", parsed)
	}
}

func TestOutputCollectorCapsBytes(t *testing.T) {
	c := &outputCollector{limit: 5}
	c.mu.Lock()
	remaining := c.limit - c.stdoutBytes
	text := "hello world"
	if int64(len(text)) > remaining {
		text = text[:remaining]
		c.stdoutTruncated = true
	}
	c.textBuilder.WriteString(text)
	c.stdoutBytes += int64(len(text))
	c.mu.Unlock()

	if c.assistantText() != "hello" {
		t.Fatalf("expected capped text 'hello', got %q", c.assistantText())
	}
	if !c.stdoutTruncated {
		t.Fatal("expected truncation flag set")
	}
}

// writeFakeAgent writes an executable shell script standing in for the
// coding-agent CLI binary, emitting canned stream-json lines regardless
// of the arguments it is invoked with.
func writeFakeAgent(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-agent.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunHappyPath(t *testing.T) {
	agent := writeFakeAgent(t, `cat <<'EOF'
{"type":"system","subtype":"init"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"Bash","input":{"command":"ls"}}]}}
{"type":"user","message":{"role":"user","content":[{"type":"tool_result","content":"file1"}]}}
{"type":"result","result":"Created https://github.com/acme/repo/pull/42","session_id":"sess-123"}
EOF`)

	r := New(agent)
	var events []WorkLogEvent
	result, err := r.Run(context.Background(), Options{
		SystemPrompt:   "p",
		Prompt:         "q",
		WorkingDirectory: t.TempDir(),
		TaskID:         "t1",
		OnWorkLog: func(e WorkLogEvent) {
			events = append(events, e)
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.SessionID != "sess-123" {
		t.Fatalf("expected session id propagated, got %q", result.SessionID)
	}
	if result.PRURL != "https://github.com/acme/repo/pull/42" {
		t.Fatalf("expected PR url extracted, got %q", result.PRURL)
	}
	if len(events) == 0 {
		t.Fatal("expected at least one work-log event")
	}
}

func TestRunTimeout(t *testing.T) {
	agent := writeFakeAgent(t, `sleep 5`)
	r := New(agent)
	result, err := r.Run(context.Background(), Options{
		SystemPrompt:     "p",
		Prompt:           "q",
		WorkingDirectory: t.TempDir(),
		Timeout:          100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected timeout to be reported as failure")
	}
	if !strings.HasPrefix(result.Error, "Timeout after") || !strings.HasSuffix(result.Error, "ms") {
		t.Fatalf("expected %q-prefixed, %q-suffixed timeout error message, got %q", "Timeout after", "ms", result.Error)
	}
}

func TestRunContextCancellation(t *testing.T) {
	agent := writeFakeAgent(t, `sleep 5`)
	r := New(agent)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	result, err := r.Run(ctx, Options{
		SystemPrompt:     "p",
		Prompt:           "q",
		WorkingDirectory: t.TempDir(),
		Timeout:          10 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected cancellation to be reported as failure")
	}
}
