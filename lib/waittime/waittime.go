// Package waittime normalizes the different ways a caller can bound a
// blocking wait into a single deadline computation.
package waittime

import "time"

// Clock provides the current time
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time {
	return time.Now()
}

type kind uint8

const (
	never kind = iota
	infinite
	relative
	absolute
)

// Spec describes how long a blocking call may wait.
// The zero value means "do not wait".
type Spec struct {
	kind kind
	rel  time.Duration
	abs  time.Time
}

// Never returns a Spec that does not wait at all
func Never() Spec {
	return Spec{}
}

// Infinite returns a Spec that waits until woken
func Infinite() Spec {
	return Spec{kind: infinite}
}

// Relative returns a Spec that waits at most d from the moment the deadline is computed.
// A non-positive d is the same as Never.
func Relative(d time.Duration) Spec {
	if d <= 0 {
		return Never()
	}
	return Spec{kind: relative, rel: d}
}

// Absolute returns a Spec that waits until t. A zero t is the same as Never.
func Absolute(t time.Time) Spec {
	if t.IsZero() {
		return Never()
	}
	return Spec{kind: absolute, abs: t}
}

// IsInfinite reports whether the Spec never times out
func (s Spec) IsInfinite() bool {
	return s.kind == infinite
}

// IsNever reports whether the Spec does not wait
func (s Spec) IsNever() bool {
	return s.kind == never
}

// Deadline returns the moment the wait ends, measured on c.
// It returns the zero time for Never and Infinite specs; use IsInfinite to
// tell them apart.
func (s Spec) Deadline(c Clock) time.Time {
	switch s.kind {
	case relative:
		if c == nil {
			c = SystemClock{}
		}
		return c.Now().Add(s.rel)
	case absolute:
		return s.abs
	default:
		return time.Time{}
	}
}

// String returns a human-readable description
func (s Spec) String() string {
	switch s.kind {
	case infinite:
		return "infinite"
	case relative:
		return "relative(" + s.rel.String() + ")"
	case absolute:
		return "absolute(" + s.abs.Format(time.RFC3339Nano) + ")"
	default:
		return "never"
	}
}
