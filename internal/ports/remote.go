package ports

import (
	"context"
	"encoding/json"
)

// SyncItem is one stored entry on its way to the remote store.
type SyncItem struct {
	ID        EntryID         `json:"id"`
	DeviceID  string          `json:"device_id"`
	Timestamp int64           `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// Remote uploads batches of stored entries. Upload must be idempotent per
// (DeviceID, Timestamp, ID) because a failed commit causes a resend.
type Remote interface {
	Upload(ctx context.Context, table string, items []SyncItem) error
	Name() string
	Close() error
}
