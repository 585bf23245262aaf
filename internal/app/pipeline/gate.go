package pipeline

import "math"

// rateSpacingMillis is 90% of a nominal 1000ms period, leaving room for timer jitter.
const rateSpacingMillis = 900.0

// RateGate throttles events to roughly IntervalHz.
type RateGate struct {
	last   int64
	primed bool
}

// Accept reports whether an event at now is spaced far enough from the last
// accepted one. The first event after Reset always passes.
func (g *RateGate) Accept(now int64, intervalHz int) bool {
	if intervalHz > 0 && g.primed {
		if float64(now-g.last) < rateSpacingMillis/float64(intervalHz) {
			return false
		}
	}
	g.last = now
	g.primed = true
	return true
}

func (g *RateGate) LastAccepted() int64 { return g.last }

func (g *RateGate) Reset() { *g = RateGate{} }

// ChangeFilter drops values that moved less than the threshold since the last
// accepted value.
type ChangeFilter struct {
	last float64
}

func (f *ChangeFilter) Accept(value, threshold float64) bool {
	if threshold > 0 && math.Abs(value-f.last) < threshold {
		return false
	}
	f.last = value
	return true
}

func (f *ChangeFilter) LastValue() float64 { return f.last }

func (f *ChangeFilter) Reset() { f.last = 0 }
