package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// hookCmd is the thin client every worktree's .claude/settings.json
// points its PreToolUse hooks at (internal/worktree.InjectHooks). It
// reads the Claude Code hook payload from stdin, forwards it to the
// running gateway over the loopback HTTP API, and prints the gateway's
// decision back out (spec §7.2 "Authorization hook protocol").
func hookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Internal PreToolUse hook client (invoked by the agent subprocess, not by users)",
	}
	cmd.AddCommand(hookApproveCmd(), hookNotifyCmd())
	return cmd
}

type hookPayload struct {
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
	SessionID string         `json:"session_id,omitempty"`
}

func readHookPayload() (hookPayload, error) {
	var p hookPayload
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return p, fmt.Errorf("hook: read stdin: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("hook: parse stdin payload: %w", err)
	}
	return p, nil
}

func gatewayURL(path string) (string, string, error) {
	base := strings.TrimSuffix(os.Getenv("APPROVAL_SERVER_URL"), "/")
	if base == "" {
		return "", "", fmt.Errorf("hook: APPROVAL_SERVER_URL not set")
	}
	return base + path, os.Getenv("APPROVAL_SERVER_TOKEN"), nil
}

func postToGateway(path string, body any) (map[string]any, error) {
	url, token, err := gatewayURL(path)
	if err != nil {
		return nil, err
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("hook: encode request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("hook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hook: call gateway %s: %w", path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("hook: decode gateway response: %w", err)
	}
	return out, nil
}

// hookApproveCmd implements the blocking half of the protocol: it must
// receive {permissionDecision, message} back before the subprocess's
// tool call is allowed to proceed.
func hookApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "approve",
		Short:  "Request tool-use approval from the running gateway",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readHookPayload()
			if err != nil {
				return failClosed(err)
			}
			out, err := postToGateway("/approve", map[string]any{
				"tool_name":  payload.ToolName,
				"tool_input": payload.ToolInput,
			})
			if err != nil {
				return failClosed(err)
			}
			enc := json.NewEncoder(os.Stdout)
			return enc.Encode(out)
		},
	}
}

// hookNotifyCmd implements the fire-and-forget half of the protocol.
// Failures here are logged to stderr but never block the tool call.
func hookNotifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "notify",
		Short:  "Fire-and-forget tool-use notification to the running gateway",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readHookPayload()
			if err != nil {
				fmt.Fprintln(os.Stderr, "hook notify:", err)
				return nil
			}
			if _, err := postToGateway("/notify-tool", map[string]any{
				"eventType":  "tool_start",
				"tool_name":  payload.ToolName,
				"tool_input": payload.ToolInput,
			}); err != nil {
				fmt.Fprintln(os.Stderr, "hook notify:", err)
			}
			return nil
		},
	}
}

// failClosed prints a deny decision and returns the original error so
// the command exits non-zero, matching spec §7.2's "any exception ends
// the call as deny" posture even on the client side of the hook.
func failClosed(err error) error {
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(map[string]any{"permissionDecision": "deny", "message": err.Error()})
	return err
}
