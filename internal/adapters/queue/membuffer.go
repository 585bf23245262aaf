package queue

import (
	"sync"

	"github.com/ghalamif/ProxiFlow/internal/domain"
	"github.com/ghalamif/ProxiFlow/internal/ports"
)

// MemBuffer is a bounded in-memory record buffer that preserves FIFO ordering.
// Append and Drain may run on different goroutines.
type MemBuffer struct {
	mu   sync.Mutex
	data []*domain.Record
	cap  int
}

func NewMemBuffer(capacity int) *MemBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemBuffer{
		data: make([]*domain.Record, 0, min(capacity, 1024)),
		cap:  capacity,
	}
}

func (b *MemBuffer) Append(r *domain.Record) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) >= b.cap {
		return false
	}
	b.data = append(b.data, r)
	return true
}

// Drain hands the whole backing slice to the caller and starts a fresh one, so
// the returned records are never touched by the buffer again.
func (b *MemBuffer) Drain() []*domain.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 {
		return nil
	}
	out := b.data
	b.data = make([]*domain.Record, 0, min(b.cap, max(len(out), 16)))
	return out
}

func (b *MemBuffer) DropOldest(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || len(b.data) == 0 {
		return 0
	}
	if n > len(b.data) {
		n = len(b.data)
	}
	clear(b.data[:n])
	b.data = append(b.data[:0], b.data[n:]...)
	return n
}

func (b *MemBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *MemBuffer) Cap() int { return b.cap }

var _ ports.RecordBuffer = (*MemBuffer)(nil)
