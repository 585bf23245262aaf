package ports

import (
	"context"

	"github.com/ghalamif/ProxiFlow/internal/domain"
)

type EntryID uint64

// Store is the local, table-partitioned append log behind Persistence.
// Iterate visits ids >= from in append order. Entries at or below the
// committed id are the ones already uploaded to the remote.
type Store interface {
	Append(table string, payload []byte) (EntryID, error)
	Iterate(table string, from EntryID, fn func(id EntryID, payload []byte) error) error
	Commit(table string, upto EntryID) error
	TruncateCommitted(table string) error
	Stats(table string) StoreStats
	Close() error
}

// BatchStore is implemented by stores that append a batch atomically:
// either every payload is stored or none is.
type BatchStore interface {
	AppendBatch(table string, payloads [][]byte) ([]EntryID, error)
}

type StoreStats struct {
	OldestUncommitted EntryID
	LatestAppended    EntryID
	Entries           int64
	SizeBytes         int64
}

// SyncConfig tunes one StartSync call.
type SyncConfig struct {
	RemoveAfterSync bool
	BatchSize       int
}

// Persistence is the collaborator the pipeline flushes into.
type Persistence interface {
	Save(ctx context.Context, table string, entries ...domain.Entry) error
	StartSync(ctx context.Context, table string, cfg SyncConfig) error
	Close() error
}
