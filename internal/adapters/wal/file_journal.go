package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ghalamif/ProxiFlow/internal/ports"
)

const frameHeaderLen = 12

var errClosed = errors.New("journal closed")

// FileJournal keeps one append-only log per table under dir/<table>/.
type FileJournal struct {
	dir string

	mu     sync.Mutex
	tables map[string]*journal
	closed bool
}

// journal is a single table's log.
// Frame format: [8 bytes id][4 bytes len][len bytes payload].
// Meta format: "<committed> <next>\n".
type journal struct {
	mu        sync.Mutex
	path      string
	metaPath  string
	file      *os.File
	writer    *bufio.Writer
	lastID    ports.EntryID
	committed ports.EntryID
	entries   int64
	sizeBytes int64
}

func NewFileJournal(dir string) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileJournal{dir: dir, tables: make(map[string]*journal)}, nil
}

func (f *FileJournal) table(name string) (*journal, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("journal: invalid table name %q", name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, errClosed
	}
	if j, ok := f.tables[name]; ok {
		return j, nil
	}
	j, err := openJournal(filepath.Join(f.dir, name))
	if err != nil {
		return nil, fmt.Errorf("journal %s: %w", name, err)
	}
	f.tables[name] = j
	return j, nil
}

func openJournal(dir string) (*journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	j := &journal{
		path:     filepath.Join(dir, "journal.log"),
		metaPath: filepath.Join(dir, "journal.meta"),
	}
	if err := j.openFile(); err != nil {
		return nil, err
	}
	if err := j.bootstrap(); err != nil {
		_ = j.file.Close()
		return nil, err
	}
	return j, nil
}

func (j *journal) openFile() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	j.file = f
	j.writer = bufio.NewWriterSize(f, 64<<10)
	return nil
}

func (j *journal) bootstrap() error {
	if err := j.scanExisting(); err != nil {
		return err
	}
	next, err := j.loadMeta()
	if err != nil {
		return err
	}
	// ids never repeat, even after compaction emptied the log
	if j.lastID < next {
		j.lastID = next
	}
	if j.lastID < j.committed {
		j.lastID = j.committed
	}
	_, err = j.file.Seek(0, io.SeekEnd)
	return err
}

// scanExisting walks the frames and cuts a torn tail left by a crash mid-write.
func (j *journal) scanExisting() error {
	rf, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	reader := bufio.NewReader(rf)
	var offset int64

	for {
		var hdr [frameHeaderLen]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("scan header: %w", err)
		}
		id := ports.EntryID(binary.BigEndian.Uint64(hdr[0:8]))
		length := binary.BigEndian.Uint32(hdr[8:12])

		if length > 0 {
			if _, err := io.CopyN(io.Discard, reader, int64(length)); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					break
				}
				return fmt.Errorf("scan body: %w", err)
			}
		}
		offset += frameHeaderLen + int64(length)
		j.lastID = id
		j.entries++
	}

	if err := j.file.Truncate(offset); err != nil {
		return err
	}
	j.sizeBytes = offset
	return nil
}

func (j *journal) loadMeta() (ports.EntryID, error) {
	data, err := os.ReadFile(j.metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, nil
	}
	committed, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("meta parse: %w", err)
	}
	j.committed = ports.EntryID(committed)

	var next uint64
	if len(fields) > 1 {
		if next, err = strconv.ParseUint(fields[1], 10, 64); err != nil {
			return 0, fmt.Errorf("meta parse: %w", err)
		}
	}
	return ports.EntryID(next), nil
}

func (j *journal) persistMetaLocked() error {
	data := []byte(fmt.Sprintf("%d %d\n", j.committed, j.lastID))
	tmp := j.metaPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, j.metaPath)
}

func (f *FileJournal) Append(table string, payload []byte) (ports.EntryID, error) {
	ids, err := f.AppendBatch(table, [][]byte{payload})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// AppendBatch writes all frames with a single flush. On a failed write the
// file is cut back to the last complete batch and the writer is reset.
func (f *FileJournal) AppendBatch(table string, payloads [][]byte) ([]ports.EntryID, error) {
	j, err := f.table(table)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	ids := make([]ports.EntryID, len(payloads))
	var written int64
	for i, payload := range payloads {
		id := j.lastID + ports.EntryID(i) + 1

		var hdr [frameHeaderLen]byte
		binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
		binary.BigEndian.PutUint32(hdr[8:12], uint32(len(payload)))

		if _, err := j.writer.Write(hdr[:]); err != nil {
			return nil, j.rollbackLocked(err)
		}
		if _, err := j.writer.Write(payload); err != nil {
			return nil, j.rollbackLocked(err)
		}
		ids[i] = id
		written += int64(len(payload) + len(hdr))
	}
	if err := j.writer.Flush(); err != nil {
		return nil, j.rollbackLocked(err)
	}

	j.lastID += ports.EntryID(len(payloads))
	j.entries += int64(len(payloads))
	j.sizeBytes += written
	return ids, nil
}

func (j *journal) rollbackLocked(cause error) error {
	j.writer.Reset(j.file)
	if err := j.file.Truncate(j.sizeBytes); err != nil {
		return errors.Join(cause, fmt.Errorf("truncate torn batch: %w", err))
	}
	return cause
}

func (f *FileJournal) Iterate(table string, from ports.EntryID, fn func(id ports.EntryID, payload []byte) error) error {
	j, err := f.table(table)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.scanLocked(func(id ports.EntryID, payload []byte) error {
		if id < from {
			return nil
		}
		return fn(id, payload)
	})
}

func (j *journal) scanLocked(fn func(id ports.EntryID, payload []byte) error) error {
	rf, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	r := bufio.NewReader(rf)
	for {
		var hdr [frameHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("corrupt journal header: %w", err)
		}
		id := ports.EntryID(binary.BigEndian.Uint64(hdr[0:8]))
		l := binary.BigEndian.Uint32(hdr[8:12])

		b := make([]byte, l)
		if _, err := io.ReadFull(r, b); err != nil {
			return fmt.Errorf("corrupt journal entry %d: %w", id, err)
		}
		if err := fn(id, b); err != nil {
			return err
		}
	}
}

func (f *FileJournal) Commit(table string, upto ports.EntryID) error {
	j, err := f.table(table)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if upto > j.lastID {
		upto = j.lastID
	}
	if upto > j.committed {
		j.committed = upto
	}
	return j.persistMetaLocked()
}

// TruncateCommitted rewrites the log without the committed prefix.
func (f *FileJournal) TruncateCommitted(table string) error {
	j, err := f.table(table)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		return err
	}
	// meta first, so a crash after the rename still knows the next id
	if err := j.persistMetaLocked(); err != nil {
		return err
	}

	tmpPath := j.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(tmp, 64<<10)

	var (
		kept int64
		size int64
	)
	err = j.scanLocked(func(id ports.EntryID, payload []byte) error {
		if id <= j.committed {
			return nil
		}
		var hdr [frameHeaderLen]byte
		binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
		binary.BigEndian.PutUint32(hdr[8:12], uint32(len(payload)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
		kept++
		size += frameHeaderLen + int64(len(payload))
		return nil
	})
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("compact %s: %w", table, err)
	}

	if err := j.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		_ = os.Remove(tmpPath)
		if rerr := j.openFile(); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	if err := j.openFile(); err != nil {
		return err
	}
	j.entries = kept
	j.sizeBytes = size
	return nil
}

func (f *FileJournal) Stats(table string) ports.StoreStats {
	j, err := f.table(table)
	if err != nil {
		return ports.StoreStats{}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return ports.StoreStats{
		OldestUncommitted: j.committed + 1,
		LatestAppended:    j.lastID,
		Entries:           j.entries,
		SizeBytes:         j.sizeBytes,
	}
}

func (f *FileJournal) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true

	var errs []error
	for name, j := range f.tables {
		j.mu.Lock()
		if err := j.writer.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", name, err))
		}
		if err := j.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		j.mu.Unlock()
	}
	return errors.Join(errs...)
}

var (
	_ ports.Store      = (*FileJournal)(nil)
	_ ports.BatchStore = (*FileJournal)(nil)
)
