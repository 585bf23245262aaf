package pipeline

// FlushScheduler decides when buffered records are due for persistence.
type FlushScheduler struct {
	last int64
}

// Due reports whether periodMinutes elapsed since the last flush. A true result
// already records now as the new flush time.
func (f *FlushScheduler) Due(now int64, periodMinutes float64) bool {
	if float64(now-f.last) < periodMinutes*60_000 {
		return false
	}
	f.last = now
	return true
}

func (f *FlushScheduler) Mark(now int64) { f.last = now }

func (f *FlushScheduler) LastFlush() int64 { return f.last }
