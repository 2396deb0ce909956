package retry

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNominalDelay(t *testing.T) {
	tests := []struct {
		name        string
		attempt     int
		base        time.Duration
		maxInterval time.Duration
		want        time.Duration
	}{
		{"first retry", 1, 100 * time.Millisecond, 0, 100 * time.Millisecond},
		{"second retry doubles", 2, 100 * time.Millisecond, 0, 200 * time.Millisecond},
		{"fourth retry", 4, 100 * time.Millisecond, 0, 800 * time.Millisecond},
		{"zero attempt treated as first", 0, 50 * time.Millisecond, 0, 50 * time.Millisecond},
		{"capped", 5, 100 * time.Millisecond, time.Second, time.Second},
		{"below cap", 3, 100 * time.Millisecond, time.Second, 400 * time.Millisecond},
		{"overflow saturates", 200, time.Second, 0, time.Duration(math.MaxInt64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NominalDelay(tt.attempt, tt.base, tt.maxInterval))
		})
	}
}

func TestNewBackOff_WithinJitterOfNominal(t *testing.T) {
	base := 10 * time.Millisecond
	b := NewBackOff(base, 0)

	for attempt := 1; attempt <= 5; attempt++ {
		nominal := NominalDelay(attempt, base, 0)
		got := b.NextBackOff()
		assert.InDelta(t, float64(nominal), float64(got), float64(nominal)*0.2+1, "attempt %d", attempt)
	}
}
