package ports

import "github.com/ghalamif/ProxiFlow/internal/domain"

// RecordBuffer accumulates records between flushes. Drain returns everything
// buffered and empties the buffer in one step.
type RecordBuffer interface {
	Append(r *domain.Record) bool
	Drain() []*domain.Record
	DropOldest(n int) int
	Len() int
	Cap() int
}
