package line

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/jujucub/claps/internal/config"
)

func TestVerifySignatureAcceptsValid(t *testing.T) {
	a := New(config.LineConfig{ChannelSecret: "secret"})
	body := []byte(`{"events":[]}`)
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(body)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !a.verifySignature(body, sig) {
		t.Fatal("expected valid signature to verify")
	}
}

func TestVerifySignatureRejectsTampered(t *testing.T) {
	a := New(config.LineConfig{ChannelSecret: "secret"})
	if a.verifySignature([]byte(`{"events":[]}`), "bm90dGhlcmlnaHRzaWc=") {
		t.Fatal("expected tampered signature to be rejected")
	}
}

func TestIsAffirmative(t *testing.T) {
	cases := map[string]bool{"yes": true, "Yes": true, "はい": true, "y": true, "no": false, "nope": false}
	for in, want := range cases {
		if got := isAffirmative(in); got != want {
			t.Errorf("isAffirmative(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestExtractTargetRepo(t *testing.T) {
	prompt, repo := extractTargetRepo("acme/widgets: fix the bug")
	if repo != "acme/widgets" || prompt != "fix the bug" {
		t.Fatalf("got prompt=%q repo=%q", prompt, repo)
	}
}
