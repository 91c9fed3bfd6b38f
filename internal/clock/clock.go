// Package clock abstracts wall-clock time and jitter randomness so that
// lease expiry, backoff scheduling, and retry jitter are deterministic in
// tests.
package clock

import (
	"math/rand"
	"sync"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Rand supplies jitter in [0, 1).
type Rand interface {
	Float64() float64
}

// System is the production clock.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// NewRand returns a production jitter source seeded from the current time.
func NewRand() Rand {
	return &lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock pinned to t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// FixedRand always returns the same jitter value. Useful to pin backoff
// calculations in tests.
type FixedRand struct{ V float64 }

func (f FixedRand) Float64() float64 { return f.V }
