package badger

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/ghalamif/ProxiFlow/internal/ports"
)

// Store implements ports.Store on BadgerDB.
//
// Key layout:
//
//	<table>/e/<id big-endian>  entry payload
//	<table>/m/committed        highest committed id
//	<table>/m/next             highest id ever appended
type Store struct {
	db *badger.DB
	mu sync.Mutex // serializes writers so id allocation never conflicts
}

type Config struct {
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB caps the memtable budget; 0 keeps a small edge-friendly default.
	MaxMemoryMB int64
}

func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	memTableSize := int64(16 << 20)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB << 20 / 3
	}
	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithNumCompactors(2).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &Store{db: db}, nil
}

func entryPrefix(table string) []byte {
	return []byte(table + "/e/")
}

func entryKey(table string, id ports.EntryID) []byte {
	k := entryPrefix(table)
	return binary.BigEndian.AppendUint64(k, uint64(id))
}

func metaKey(table, name string) []byte {
	return []byte(table + "/m/" + name)
}

func readID(txn *badger.Txn, key []byte) (ports.EntryID, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var id ports.EntryID
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("corrupt meta key %q", key)
		}
		id = ports.EntryID(binary.BigEndian.Uint64(v))
		return nil
	})
	return id, err
}

func writeID(txn *badger.Txn, key []byte, id ports.EntryID) error {
	return txn.Set(key, binary.BigEndian.AppendUint64(nil, uint64(id)))
}

func (s *Store) Append(table string, payload []byte) (ports.EntryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id ports.EntryID
	err := s.db.Update(func(txn *badger.Txn) error {
		last, err := readID(txn, metaKey(table, "next"))
		if err != nil {
			return err
		}
		id = last + 1
		if err := txn.Set(entryKey(table, id), payload); err != nil {
			return fmt.Errorf("failed to write entry: %w", err)
		}
		return writeID(txn, metaKey(table, "next"), id)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AppendBatch writes every payload and the new next id in one transaction.
func (s *Store) AppendBatch(table string, payloads [][]byte) ([]ports.EntryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]ports.EntryID, len(payloads))
	err := s.db.Update(func(txn *badger.Txn) error {
		last, err := readID(txn, metaKey(table, "next"))
		if err != nil {
			return err
		}
		for i, p := range payloads {
			last++
			if err := txn.Set(entryKey(table, last), p); err != nil {
				return fmt.Errorf("failed to write entry: %w", err)
			}
			ids[i] = last
		}
		return writeID(txn, metaKey(table, "next"), last)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) Iterate(table string, from ports.EntryID, fn func(id ports.EntryID, payload []byte) error) error {
	prefix := entryPrefix(table)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(entryKey(table, from)); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := ports.EntryID(binary.BigEndian.Uint64(bytes.TrimPrefix(item.Key(), prefix)))
			payload, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(id, payload); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Commit(table string, upto ports.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		last, err := readID(txn, metaKey(table, "next"))
		if err != nil {
			return err
		}
		committed, err := readID(txn, metaKey(table, "committed"))
		if err != nil {
			return err
		}
		upto = min(upto, last)
		if upto <= committed {
			return nil
		}
		return writeID(txn, metaKey(table, "committed"), upto)
	})
}

func (s *Store) TruncateCommitted(table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var committed ports.EntryID
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		if committed, err = readID(txn, metaKey(table, "committed")); err != nil {
			return err
		}
		prefix := entryPrefix(table)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if ports.EntryID(binary.BigEndian.Uint64(key[len(prefix):])) > committed {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("failed to delete entry: %w", err)
		}
	}
	return wb.Flush()
}

func (s *Store) Stats(table string) ports.StoreStats {
	var st ports.StoreStats
	_ = s.db.View(func(txn *badger.Txn) error {
		committed, err := readID(txn, metaKey(table, "committed"))
		if err != nil {
			return err
		}
		last, err := readID(txn, metaKey(table, "next"))
		if err != nil {
			return err
		}
		st.OldestUncommitted = committed + 1
		st.LatestAppended = last

		prefix := entryPrefix(table)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			st.Entries++
			st.SizeBytes += int64(len(item.Key())) + item.ValueSize()
		}
		return nil
	})
	return st
}

// RunGC reclaims value log space after compaction.
func (s *Store) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

var (
	_ ports.Store      = (*Store)(nil)
	_ ports.BatchStore = (*Store)(nil)
)
