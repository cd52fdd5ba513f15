// Package clock supplies the millisecond wall-clock source used for
// expiry comparisons, wrapping github.com/benbjohnson/clock so tests can
// substitute a mock clock instead of sleeping real time.
package clock

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Clock returns the current time as milliseconds since the Unix epoch.
type Clock interface {
	NowMS() int64
}

// System is the production Clock, backed by clock.Clock's real-time
// implementation.
type System struct {
	underlying clock.Clock
}

// NewSystem returns a Clock backed by the real wall clock.
func NewSystem() System {
	return System{underlying: clock.New()}
}

func (s System) NowMS() int64 {
	return s.underlying.Now().UnixMilli()
}

// Mock is a controllable Clock for tests: it wraps a *clock.Mock and
// advances only when told to, so expiry-monotonicity tests don't depend
// on wall-clock scheduling jitter.
type Mock struct {
	underlying *clock.Mock
}

// NewMock returns a Mock clock set to the Unix epoch.
func NewMock() *Mock {
	return &Mock{underlying: clock.NewMock()}
}

func (m *Mock) NowMS() int64 {
	return m.underlying.Now().UnixMilli()
}

// Advance moves the mock clock forward by ms milliseconds.
func (m *Mock) Advance(ms int64) {
	m.underlying.Add(time.Duration(ms) * time.Millisecond)
}
