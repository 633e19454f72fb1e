package queue

import (
	"context"
	"errors"
	"time"

	"tt2tg/internal/item"
)

var ErrClosed = errors.New("queue store closed")

// Config configures the queue store.
//
// Driver values:
//   - "file": JSON array on disk, rewritten atomically on every accepted append
//   - "sqlite": embedded SQLite database (modernc.org/sqlite)
//
// Empty Driver means "file".
type Config struct {
	Driver      string
	Path        string
	ArchiveDir  string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Result is the outcome of AppendIfAbsent.
type Result int

const (
	Accepted Result = iota + 1
	Duplicate
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Store is the authoritative, crash-consistent list of pending items.
//
// Every read-modify-write runs under one per-store mutex, shared by the
// ingest and drain paths.
type Store interface {
	// AppendIfAbsent persists it unless an item with the same identity key is
	// pending or in flight.
	AppendIfAbsent(ctx context.Context, it item.Item) (Result, error)
	// Keys lists identity keys of in-flight then pending items, oldest first.
	Keys(ctx context.Context) ([]string, error)
	// Pending counts items not yet archived (in flight included).
	Pending(ctx context.Context) (int, error)
	// Claim moves every pending item into an in-flight batch and returns it.
	// A batch left in flight by an earlier run is returned first, flagged
	// Recovered. It returns (nil, nil) when there is nothing to drain.
	Claim(ctx context.Context) (*Batch, error)
	Close() error
}

// Batch is a claimed, ordered set of items awaiting dispatch.
type Batch struct {
	ID        string
	Items     []item.Item
	Recovered bool

	commit func(ctx context.Context) (string, error)
}

// Commit archives the batch and returns the archive path. It is the drain
// commit point; until it succeeds a crash makes the batch reappear on the
// next Claim.
//
// When the archive cannot be written the batch is parked next to the store
// and an error is returned. A parked batch is never claimed again and its
// keys are released: both drivers accept the same items as new afterwards.
func (b *Batch) Commit(ctx context.Context) (string, error) {
	if b == nil || b.commit == nil {
		return "", errors.New("batch already committed")
	}
	fn := b.commit
	b.commit = nil
	return fn(ctx)
}

func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Items)
}
