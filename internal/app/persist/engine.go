package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghalamif/ProxiFlow/internal/domain"
	"github.com/ghalamif/ProxiFlow/internal/ports"
)

// ErrNoRemote is returned by StartSync when no remote store is configured.
var ErrNoRemote = errors.New("persist: no remote configured")

const DefaultBatchSize = 500

var errBatchFull = errors.New("batch full")

type Option func(*Engine)

func WithRemote(r ports.Remote) Option {
	return func(e *Engine) { e.remote = r }
}

func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// Engine implements ports.Persistence: entries go to the local store as JSON
// and are uploaded to the remote on demand.
type Engine struct {
	store     ports.Store
	remote    ports.Remote
	obs       ports.Observability
	batchSize int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store ports.Store, obs ports.Observability, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if obs == nil {
		obs = ports.NopObservability{}
	}
	e := &Engine{
		store:     store,
		obs:       obs,
		batchSize: DefaultBatchSize,
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

func (e *Engine) tableLock(table string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[table]
	if !ok {
		l = &sync.Mutex{}
		e.locks[table] = l
	}
	return l
}

// Save encodes every entry and appends them as one batch. Stores that
// implement ports.BatchStore make the batch all-or-nothing; on other stores a
// failure leaves the entries before it persisted.
func (e *Engine) Save(ctx context.Context, table string, entries ...domain.Entry) error {
	payloads := make([][]byte, 0, len(entries))
	for _, en := range entries {
		if en == nil {
			continue
		}
		b, err := json.Marshal(en)
		if err != nil {
			return fmt.Errorf("encode %s entry: %w", table, err)
		}
		payloads = append(payloads, b)
	}
	if len(payloads) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if bs, ok := e.store.(ports.BatchStore); ok {
		if _, err := bs.AppendBatch(table, payloads); err != nil {
			return fmt.Errorf("append %s: %w", table, err)
		}
		return nil
	}
	for _, b := range payloads {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := e.store.Append(table, b); err != nil {
			return fmt.Errorf("append %s: %w", table, err)
		}
	}
	return nil
}

// StartSync uploads every uncommitted entry of table in batches and commits
// after each accepted batch. A failed upload leaves the rest for the next call.
func (e *Engine) StartSync(ctx context.Context, table string, cfg ports.SyncConfig) error {
	if e.remote == nil {
		return ErrNoRemote
	}
	lock := e.tableLock(table)
	lock.Lock()
	defer lock.Unlock()

	size := cfg.BatchSize
	if size <= 0 {
		size = e.batchSize
	}

	start := time.Now()
	uploaded := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := e.collect(table, e.store.Stats(table).OldestUncommitted, size)
		if err != nil {
			return fmt.Errorf("read %s: %w", table, err)
		}
		if len(batch) == 0 {
			break
		}
		if err := e.remote.Upload(ctx, table, batch); err != nil {
			e.obs.IncCounter(ports.MetricSyncFailures, 1)
			e.obs.LogError("sync_upload_failed", err,
				ports.Field{Key: "table", Value: table},
				ports.Field{Key: "remote", Value: e.remote.Name()},
				ports.Field{Key: "batch", Value: len(batch)})
			return fmt.Errorf("upload %s: %w", table, err)
		}
		if err := e.store.Commit(table, batch[len(batch)-1].ID); err != nil {
			return fmt.Errorf("commit %s: %w", table, err)
		}
		uploaded += len(batch)
		e.obs.IncCounter(ports.MetricSyncUploaded, float64(len(batch)))
		if len(batch) < size {
			break
		}
	}

	if cfg.RemoveAfterSync {
		if err := e.store.TruncateCommitted(table); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	e.obs.ObserveLatency(ports.MetricSyncLatency, time.Since(start).Seconds())
	e.obs.LogInfo("sync_done",
		ports.Field{Key: "table", Value: table},
		ports.Field{Key: "uploaded", Value: uploaded},
		ports.Field{Key: "removed", Value: cfg.RemoveAfterSync})
	return nil
}

// entryHeader is the part of every stored entry the remote keys on.
type entryHeader struct {
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
}

func (e *Engine) collect(table string, from ports.EntryID, size int) ([]ports.SyncItem, error) {
	batch := make([]ports.SyncItem, 0, size)
	err := e.store.Iterate(table, from, func(id ports.EntryID, payload []byte) error {
		var h entryHeader
		if err := json.Unmarshal(payload, &h); err != nil {
			return fmt.Errorf("corrupt entry %d: %w", id, err)
		}
		batch = append(batch, ports.SyncItem{
			ID:        id,
			DeviceID:  h.DeviceID,
			Timestamp: h.Timestamp,
			Payload:   json.RawMessage(payload),
		})
		if len(batch) == size {
			return errBatchFull
		}
		return nil
	})
	if err != nil && !errors.Is(err, errBatchFull) {
		return nil, err
	}
	return batch, nil
}

// Pending is the number of entries of table not yet uploaded.
func (e *Engine) Pending(table string) uint64 {
	st := e.store.Stats(table)
	if st.LatestAppended < st.OldestUncommitted {
		return 0
	}
	return uint64(st.LatestAppended-st.OldestUncommitted) + 1
}

func (e *Engine) HasRemote() bool { return e.remote != nil }

func (e *Engine) Close() error {
	var errs []error
	if e.remote != nil {
		if err := e.remote.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close remote: %w", err))
		}
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

var _ ports.Persistence = (*Engine)(nil)
