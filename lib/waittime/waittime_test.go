package waittime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func TestSpec_Deadline(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := fixedClock{now: base}

	tests := []struct {
		name     string
		spec     Spec
		expected time.Time
		infinite bool
	}{
		{"zero value", Spec{}, time.Time{}, false},
		{"never", Never(), time.Time{}, false},
		{"infinite", Infinite(), time.Time{}, true},
		{"relative", Relative(50 * time.Millisecond), base.Add(50 * time.Millisecond), false},
		{"zero relative", Relative(0), time.Time{}, false},
		{"negative relative", Relative(-time.Second), time.Time{}, false},
		{"absolute", Absolute(base.Add(time.Hour)), base.Add(time.Hour), false},
		{"zero absolute", Absolute(time.Time{}), time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.spec.Deadline(clock))
			assert.Equal(t, tt.infinite, tt.spec.IsInfinite())
		})
	}
}

func TestSpec_RelativeUsesClockAtComputeTime(t *testing.T) {
	spec := Relative(time.Second)
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, first.Add(time.Second), spec.Deadline(fixedClock{now: first}))
	assert.Equal(t, first.Add(time.Minute+time.Second), spec.Deadline(fixedClock{now: first.Add(time.Minute)}))
}

func TestSpec_NilClockFallsBackToSystem(t *testing.T) {
	before := time.Now()
	deadline := Relative(time.Second).Deadline(nil)
	assert.False(t, deadline.Before(before.Add(time.Second)))
}

func TestSpec_String(t *testing.T) {
	assert.Equal(t, "never", Never().String())
	assert.Equal(t, "infinite", Infinite().String())
	assert.Equal(t, "relative(10ms)", Relative(10*time.Millisecond).String())
	assert.True(t, Never().IsNever())
	assert.False(t, Infinite().IsNever())
}
