// Package history records one audit entry per finalized task (spec
// §4.8 "Always record a history entry", expanded in SPEC_FULL §4.11
// with a storage shape the distilled spec left unspecified).
package history

import (
	"context"
	"time"

	"github.com/jujucub/claps/pkg/protocol"
)

// Entry is one finalized task's audit record.
type Entry struct {
	ProtocolVersion int
	TaskID          string
	Source          string
	Prompt          string
	Success         bool
	Output          string
	PRURL           string
	Error           string
	StartedAt       time.Time
	CompletedAt     time.Time
}

// NewEntry stamps entry.ProtocolVersion from pkg/protocol so readers can
// tell which field set to expect.
func NewEntry(taskID, source, prompt string, success bool, output, prURL, errMsg string, startedAt, completedAt time.Time) Entry {
	return Entry{
		ProtocolVersion: protocol.ProtocolVersion,
		TaskID:          taskID,
		Source:          source,
		Prompt:          prompt,
		Success:         success,
		Output:          output,
		PRURL:           prURL,
		Error:           errMsg,
		StartedAt:       startedAt,
		CompletedAt:     completedAt,
	}
}

// Store persists Entry records and answers recency queries.
type Store interface {
	Record(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}
