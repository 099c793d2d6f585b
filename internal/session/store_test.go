package session

import (
	"path/filepath"
	"testing"
	"time"
)

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "sessions.json"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	key := SlackKey("t1", "U1")
	if err := s.Put(key, "sess-abc", "/repos/o/r/.worktrees/issue-1"); err != nil {
		t.Fatal(err)
	}

	rec, ok := s.Get(key)
	if !ok {
		t.Fatal("expected record present")
	}
	if rec.AgentSessionID != "sess-abc" {
		t.Fatalf("expected sess-abc, got %s", rec.AgentSessionID)
	}
	if rec.WorkingDirectory != "/repos/o/r/.worktrees/issue-1" {
		t.Fatalf("unexpected working dir %s", rec.WorkingDirectory)
	}
}

func TestWorkingDirectoryImmutableOnFollowUp(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(filepath.Join(dir, "sessions.json"), time.Hour)
	key := SlackKey("t1", "U1")

	s.Put(key, "sess-1", "/work/a")
	s.Put(key, "sess-2", "/work/b") // follow-up — working dir must not move

	rec, _ := s.Get(key)
	if rec.WorkingDirectory != "/work/a" {
		t.Fatalf("expected working dir to stay /work/a, got %s", rec.WorkingDirectory)
	}
	if rec.AgentSessionID != "sess-2" {
		t.Fatalf("expected session id updated to sess-2, got %s", rec.AgentSessionID)
	}
}

func TestPersistenceReloadsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	s1, _ := New(path, time.Hour)
	s1.Put(GitHubKey("o", "r", 42), "sess-gh", "/repos/o/r/.worktrees/issue-42")
	s1.LinkThreadToIssue("t1", IssueLink{Owner: "o", Repo: "r", Issue: 42})

	s2, err := New(path, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := s2.Get(GitHubKey("o", "r", 42))
	if !ok {
		t.Fatal("expected reloaded record")
	}
	if rec.AgentSessionID != "sess-gh" {
		t.Fatalf("unexpected session id %s", rec.AgentSessionID)
	}
	link, ok := s2.IssueForThread("t1")
	if !ok || link.Issue != 42 {
		t.Fatalf("expected thread link reloaded, got %+v", link)
	}
}

func TestTTLEvictionAtLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	s1, _ := New(path, time.Hour)
	s1.Put(LineKey("U1"), "sess-1", "/work")
	// Force the record to look stale by writing directly.
	s1.mu.Lock()
	s1.records[LineKey("U1")].LastUsed = time.Now().Add(-2 * time.Hour)
	s1.mu.Unlock()
	s1.saveLocked()

	s2, err := New(path, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s2.Get(LineKey("U1")); ok {
		t.Fatal("expected TTL-expired record to be dropped at load")
	}
}

func TestCrossChannelFallback(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(filepath.Join(dir, "sessions.json"), time.Hour)

	fallback := UserFallbackKey("canon-1", "o/r")
	s.Put(fallback, "sess-fallback", "/work/shared")

	rec, resolvedKey, ok := s.Resolve(SlackKey("t-missing", "U9"), "canon-1", "o/r")
	if !ok {
		t.Fatal("expected fallback resolution to succeed")
	}
	if resolvedKey != fallback {
		t.Fatalf("expected resolved key %s, got %s", fallback, resolvedKey)
	}
	if rec.AgentSessionID != "sess-fallback" {
		t.Fatalf("unexpected session id %s", rec.AgentSessionID)
	}
}

func TestIssueUnlinkAndDeleteIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(filepath.Join(dir, "sessions.json"), time.Hour)

	s.LinkThreadToIssue("t1", IssueLink{Owner: "o", Repo: "r", Issue: 1})
	s.Put(GitHubKey("o", "r", 1), "sess", "/work")

	if err := s.UnlinkThread("t1"); err != nil {
		t.Fatal(err)
	}
	if err := s.UnlinkThread("t1"); err != nil { // idempotent
		t.Fatal(err)
	}
	if _, ok := s.IssueForThread("t1"); ok {
		t.Fatal("expected thread unlinked")
	}

	if err := s.Delete(GitHubKey("o", "r", 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(GitHubKey("o", "r", 1)); err != nil { // idempotent
		t.Fatal(err)
	}
	if _, ok := s.Get(GitHubKey("o", "r", 1)); ok {
		t.Fatal("expected record deleted")
	}
}
