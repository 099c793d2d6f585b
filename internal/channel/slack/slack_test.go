package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/jujucub/claps/internal/config"
)

func TestVerifySignatureAcceptsValid(t *testing.T) {
	a := New(config.SlackConfig{SigningSecret: "shhh"})
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	body := []byte(`{"type":"url_verification"}`)
	base := "v0:" + ts + ":" + string(body)
	mac := hmac.New(sha256.New, []byte("shhh"))
	mac.Write([]byte(base))
	sig := "v0=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest("POST", "/slack/events", nil)
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", sig)

	if !a.verifySignature(req, body) {
		t.Fatal("expected valid signature to verify")
	}
}

func TestVerifySignatureRejectsTampered(t *testing.T) {
	a := New(config.SlackConfig{SigningSecret: "shhh"})
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest("POST", "/slack/events", nil)
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0=deadbeef")

	if a.verifySignature(req, []byte(`{"type":"url_verification"}`)) {
		t.Fatal("expected tampered signature to be rejected")
	}
}

func TestVerifySignatureRejectsStale(t *testing.T) {
	a := New(config.SlackConfig{SigningSecret: "shhh"})
	ts := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	body := []byte(`{"type":"url_verification"}`)
	base := "v0:" + ts + ":" + string(body)
	mac := hmac.New(sha256.New, []byte("shhh"))
	mac.Write([]byte(base))
	sig := "v0=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest("POST", "/slack/events", nil)
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", sig)

	if a.verifySignature(req, body) {
		t.Fatal("expected stale timestamp to be rejected")
	}
}

func TestExtractTargetRepo(t *testing.T) {
	prompt, repo := extractTargetRepo("<@U123> acme/widgets: fix the bug")
	if repo != "acme/widgets" || prompt != "fix the bug" {
		t.Fatalf("got prompt=%q repo=%q", prompt, repo)
	}

	prompt, repo = extractTargetRepo("just do the thing")
	if repo != "" || prompt != "just do the thing" {
		t.Fatalf("got prompt=%q repo=%q, want no target repo", prompt, repo)
	}
}
