package history

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func entryN(n int) Entry {
	now := time.Unix(int64(1000+n), 0)
	return NewEntry(fmt.Sprintf("task-%d", n), "slack", "do thing", n%2 == 0, "output", "", "", now, now.Add(time.Minute))
}

func TestMemoryStoreRecordAndRecent(t *testing.T) {
	m := NewMemoryStore(10)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := m.Record(ctx, entryN(i)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	got, err := m.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	// most recent first
	if got[0].TaskID != "task-2" || got[2].TaskID != "task-0" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestMemoryStoreWrapsAtCapacity(t *testing.T) {
	m := NewMemoryStore(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := m.Record(ctx, entryN(i)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	got, err := m.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected ring buffer capped at 3, got %d", len(got))
	}
	if got[0].TaskID != "task-4" || got[2].TaskID != "task-2" {
		t.Fatalf("expected oldest two entries evicted, got %+v", got)
	}
}

func TestMemoryStoreRecentRespectsLimit(t *testing.T) {
	m := NewMemoryStore(10)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = m.Record(ctx, entryN(i))
	}
	got, err := m.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].TaskID != "task-4" || got[1].TaskID != "task-3" {
		t.Fatalf("unexpected entries: %+v", got)
	}
}
