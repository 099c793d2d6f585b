package history

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteStoreRecordAndRecent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Record(ctx, entryN(i)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	got, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].TaskID != "task-2" {
		t.Fatalf("expected most recent first, got %+v", got[0])
	}
}

func TestSQLiteStoreUpsertsOnRepeatTaskID(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	e := entryN(0)
	if err := s.Record(ctx, e); err != nil {
		t.Fatalf("record: %v", err)
	}
	e.Success = false
	e.Error = "boom"
	if err := s.Record(ctx, e); err != nil {
		t.Fatalf("re-record: %v", err)
	}

	got, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected upsert to keep a single row, got %d", len(got))
	}
	if got[0].Success || got[0].Error != "boom" {
		t.Fatalf("expected updated row, got %+v", got[0])
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	ctx := context.Background()
	if err := s.Record(ctx, entryN(0)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent after reopen: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected persisted entry, got %d", len(got))
	}
}
