// Package migrate rate-limits how often a task may change CPUs.
//
// Each task owns a Bucket holding the timestamps of its most recent
// migrations. A migration is allowed while fewer than Max migrations fall
// inside the trailing Window, so the bound holds for every sliding window,
// not only for aligned ones.
package migrate

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// MaxPerWindowLimit bounds the configurable burst so a Bucket is a fixed-size
// value with no allocation.
const MaxPerWindowLimit = 32

var ErrInvalidLimits = errors.New("invalid migration limits")

// Limits configures the limiter. A zero Window or Max disables limiting.
type Limits struct {
	Window uint64 // nanoseconds
	Max    int
}

// Validate rejects limits a Bucket cannot represent.
func (l Limits) Validate() error {
	if l.Max < 0 || l.Max > MaxPerWindowLimit {
		return fmt.Errorf("%w: max %d outside [0, %d]", ErrInvalidLimits, l.Max, MaxPerWindowLimit)
	}
	if l.Max > 0 && l.Window == 0 {
		return fmt.Errorf("%w: max %d with zero window", ErrInvalidLimits, l.Max)
	}
	return nil
}

func (l Limits) enabled() bool { return l.Window > 0 && l.Max > 0 }

// Bucket is the per-task state. The zero value is a full bucket.
type Bucket struct {
	stamps [MaxPerWindowLimit]uint64
	head   uint8 // index of the oldest stamp
	n      uint8
}

// Reset empties the migration history, refilling the bucket.
func (b *Bucket) Reset() { *b = Bucket{} }

// expire drops stamps that left the window ending at now.
func (b *Bucket) expire(now, window uint64) {
	for b.n > 0 {
		oldest := b.stamps[b.head]
		if oldest <= now && now-oldest < window {
			return
		}
		b.head = (b.head + 1) % MaxPerWindowLimit
		b.n--
	}
}

func (b *Bucket) record(now uint64) {
	tail := (int(b.head) + int(b.n)) % MaxPerWindowLimit
	b.stamps[tail] = now
	if int(b.n) == MaxPerWindowLimit {
		b.head = (b.head + 1) % MaxPerWindowLimit
		return
	}
	b.n++
}

// WindowStart returns the timestamp of the oldest migration still counted,
// or false when the window is empty.
func (b *Bucket) WindowStart() (uint64, bool) {
	if b.n == 0 {
		return 0, false
	}
	return b.stamps[b.head], true
}

// Decision is the outcome of a migration attempt.
type Decision uint8

const (
	Allowed Decision = iota
	Blocked
	Overridden
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Blocked:
		return "blocked"
	case Overridden:
		return "overridden"
	default:
		return "unknown"
	}
}

// Permitted reports whether the task may move.
func (d Decision) Permitted() bool { return d != Blocked }

// Limiter applies Limits to buckets and keeps aggregate counters. Limits can
// be swapped at any time; buckets are read with whatever limits are current.
type Limiter struct {
	limits atomic.Pointer[Limits]

	attempts   atomic.Uint64
	allowed    atomic.Uint64
	blocked    atomic.Uint64
	overridden atomic.Uint64
}

func NewLimiter(l Limits) (*Limiter, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	lim := &Limiter{}
	lim.limits.Store(&l)
	return lim, nil
}

// SetLimits replaces the limits used by subsequent calls.
func (x *Limiter) SetLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	x.limits.Store(&l)
	return nil
}

func (x *Limiter) Limits() Limits { return *x.limits.Load() }

// Tokens returns how many migrations b may still perform at now.
func (x *Limiter) Tokens(b *Bucket, now uint64) int {
	l := x.limits.Load()
	if !l.enabled() {
		return MaxPerWindowLimit
	}
	b.expire(now, l.Window)
	if left := l.Max - int(b.n); left > 0 {
		return left
	}
	return 0
}

// Attempt registers a migration attempt at now. With no token left the move
// is blocked unless override is set, in which case it is permitted and still
// recorded. Callers must not retry a blocked attempt in a loop; the next
// natural scheduling event is the retry.
func (x *Limiter) Attempt(b *Bucket, now uint64, override bool) Decision {
	x.attempts.Add(1)
	l := x.limits.Load()
	if !l.enabled() {
		x.allowed.Add(1)
		return Allowed
	}

	b.expire(now, l.Window)
	if int(b.n) < l.Max {
		b.record(now)
		x.allowed.Add(1)
		return Allowed
	}
	if override {
		b.record(now)
		x.overridden.Add(1)
		return Overridden
	}
	x.blocked.Add(1)
	return Blocked
}

// Counters is a point-in-time copy of the limiter statistics.
type Counters struct {
	Attempts   uint64
	Allowed    uint64
	Blocked    uint64
	Overridden uint64
}

func (x *Limiter) Counters() Counters {
	return Counters{
		Attempts:   x.attempts.Load(),
		Allowed:    x.allowed.Load(),
		Blocked:    x.blocked.Load(),
		Overridden: x.overridden.Load(),
	}
}
