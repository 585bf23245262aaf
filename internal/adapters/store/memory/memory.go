package memory

import (
	"sync"

	"github.com/ghalamif/ProxiFlow/internal/ports"
)

type entry struct {
	id      ports.EntryID
	payload []byte
}

type table struct {
	entries   []entry
	last      ports.EntryID
	committed ports.EntryID
	size      int64
}

// Store is a volatile ports.Store for tests and embedded runs.
type Store struct {
	mu     sync.Mutex
	tables map[string]*table
}

func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

func (s *Store) tableLocked(name string) *table {
	t, ok := s.tables[name]
	if !ok {
		t = &table{}
		s.tables[name] = t
	}
	return t
}

func (s *Store) Append(name string, payload []byte) (ports.EntryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tableLocked(name)
	t.last++
	t.entries = append(t.entries, entry{id: t.last, payload: append([]byte(nil), payload...)})
	t.size += int64(len(payload))
	return t.last, nil
}

func (s *Store) AppendBatch(name string, payloads [][]byte) ([]ports.EntryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tableLocked(name)
	ids := make([]ports.EntryID, len(payloads))
	for i, p := range payloads {
		t.last++
		t.entries = append(t.entries, entry{id: t.last, payload: append([]byte(nil), p...)})
		t.size += int64(len(p))
		ids[i] = t.last
	}
	return ids, nil
}

// Iterate runs fn over a snapshot so fn may call back into the store.
func (s *Store) Iterate(name string, from ports.EntryID, fn func(id ports.EntryID, payload []byte) error) error {
	s.mu.Lock()
	snapshot := append([]entry(nil), s.tableLocked(name).entries...)
	s.mu.Unlock()

	for _, e := range snapshot {
		if e.id < from {
			continue
		}
		if err := fn(e.id, e.payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Commit(name string, upto ports.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tableLocked(name)
	upto = min(upto, t.last)
	if upto > t.committed {
		t.committed = upto
	}
	return nil
}

func (s *Store) TruncateCommitted(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tableLocked(name)
	kept := t.entries[:0]
	var size int64
	for _, e := range t.entries {
		if e.id > t.committed {
			kept = append(kept, e)
			size += int64(len(e.payload))
		}
	}
	clear(t.entries[len(kept):])
	t.entries = kept
	t.size = size
	return nil
}

func (s *Store) Stats(name string) ports.StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tableLocked(name)
	return ports.StoreStats{
		OldestUncommitted: t.committed + 1,
		LatestAppended:    t.last,
		Entries:           int64(len(t.entries)),
		SizeBytes:         t.size,
	}
}

func (s *Store) Close() error { return nil }

var (
	_ ports.Store      = (*Store)(nil)
	_ ports.BatchStore = (*Store)(nil)
)
