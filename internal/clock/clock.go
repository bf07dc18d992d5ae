// Package clock abstracts wall time and randomness so that scoring windows,
// cooldown expiry and scheduler jitter can be driven deterministically in tests.
package clock

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Clock reports the current instant.
type Clock interface {
	Now() time.Time
}

// Rand yields uniform values in [0, 1).
type Rand interface {
	Float64() float64
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System returns the process wall clock, normalized to UTC.
func System() Clock { return systemClock{} }

type systemRand struct{}

func (systemRand) Float64() float64 { return rand.Float64() }

// NewRand returns a Rand backed by the runtime's concurrency-safe generator.
func NewRand() Rand { return systemRand{} }

// Fake is a manually driven Clock.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a Fake frozen at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set pins the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t.UTC()
	f.mu.Unlock()
}

// FixedRand always returns the same value. Values outside [0, 1) are clamped.
type FixedRand float64

func (r FixedRand) Float64() float64 {
	switch {
	case r < 0:
		return 0
	case r >= 1:
		return 0.9999999999
	}
	return float64(r)
}
