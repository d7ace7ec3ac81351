package crawler

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// SourceRegistry gives read access to a source's configuration.
type SourceRegistry interface {
	GetSource(ctx context.Context, id string) (Source, error)
}

// SourceStore adds the management operations used by the source service.
type SourceStore interface {
	SourceRegistry
	CreateSource(ctx context.Context, src Source) error
	UpdateSource(ctx context.Context, src Source) error
	// DeleteSource removes the source together with its attempts and items.
	DeleteSource(ctx context.Context, id string) error
	SourceNameExists(ctx context.Context, owner, name string) (bool, error)
	ListSourcesByOwner(ctx context.Context, owner string) ([]Source, error)
	ListPublicSources(ctx context.Context) ([]Source, error)
}

// UserDirectory resolves users and their roles.
type UserDirectory interface {
	GetUser(ctx context.Context, username string) (User, error)
	UpsertUser(ctx context.Context, user User) error
}

// AttemptStore persists crawl attempt records.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, attempt Attempt) error
	GetAttempt(ctx context.Context, id string) (Attempt, error)
	FinishAttempt(
		ctx context.Context,
		id string,
		status AttemptStatus,
		errMsg *string,
		counters AttemptCounters,
		finishedAt time.Time,
	) error
	ListAttempts(ctx context.Context, sourceID string) ([]Attempt, error)
}

// ItemStore persists ingested items.
type ItemStore interface {
	ItemExists(ctx context.Context, sourceID, fingerprint string) (bool, error)
	CreateItem(ctx context.Context, item Item) error
	ListItems(ctx context.Context, attemptID string) ([]Item, error)
	CountItems(ctx context.Context, sourceID string) (int, error)
}

// Tx exposes the stores bound to one open transaction.
type Tx interface {
	Sources() SourceStore
	Users() UserDirectory
	Attempts() AttemptStore
	Items() ItemStore
}

// Transactor runs fn inside a transaction. A nil return commits, any error rolls back.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// ScrapeEngine performs the page fetch and extraction for a source.
type ScrapeEngine interface {
	Crawl(ctx context.Context, url string, selectors json.RawMessage) (RawResult, error)
}

// Hasher computes content fingerprints for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
	Fingerprint(payload map[string]any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes attempt completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Queue provides enqueue/dequeue semantics for attempts awaiting execution.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// QueueItem wraps an attempt ready to execute.
type QueueItem struct {
	AttemptID string
	SourceID  string
	Submitted int64
}
