package pipeline

const rateWindowMillis = 1000

// StatsCounter reports how many records were accepted in the previous
// complete one-second window.
type StatsCounter struct {
	count       int
	windowStart int64
	rate        int
}

// Roll closes the current window once it is at least one second old.
func (s *StatsCounter) Roll(now int64) {
	if now-s.windowStart >= rateWindowMillis {
		s.rate = s.count
		s.count = 0
		s.windowStart = now
	}
}

func (s *StatsCounter) Tick() { s.count++ }

func (s *StatsCounter) Rate() int { return s.rate }

func (s *StatsCounter) Count() int { return s.count }

func (s *StatsCounter) Reset(now int64) {
	*s = StatsCounter{windowStart: now}
}
