package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialJitter_Ceiling(t *testing.T) {
	b := ExponentialJitter{Initial: time.Second, Max: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{60, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Ceiling(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponentialJitter_DelayBounds(t *testing.T) {
	b := ExponentialJitter{Initial: 100 * time.Millisecond, Max: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		ceiling := b.Ceiling(attempt)
		for range 50 {
			d := b.Delay(attempt)
			assert.GreaterOrEqual(t, d, ceiling/2)
			assert.LessOrEqual(t, d, ceiling)
		}
	}
}

func TestExponentialJitter_DeterministicSource(t *testing.T) {
	low := ExponentialJitter{Initial: time.Second, Max: time.Minute, Int64N: func(int64) int64 { return 0 }}
	high := ExponentialJitter{Initial: time.Second, Max: time.Minute, Int64N: func(n int64) int64 { return n - 1 }}

	assert.Equal(t, 2*time.Second, low.Delay(3))
	assert.Equal(t, 4*time.Second, high.Delay(3))
}

func TestExponentialJitter_Disabled(t *testing.T) {
	assert.Zero(t, ExponentialJitter{}.Delay(3))
}

func TestConstantAndNoBackoff(t *testing.T) {
	assert.Equal(t, 3*time.Second, ConstantBackoff(3*time.Second).Delay(7))
	assert.Zero(t, NoBackoff{}.Delay(1))
}
