package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoubles(t *testing.T) {
	base := 30 * time.Second
	cap := time.Hour

	assert.Equal(t, 30*time.Second, Backoff(base, cap, 1))
	assert.Equal(t, time.Minute, Backoff(base, cap, 2))
	assert.Equal(t, 2*time.Minute, Backoff(base, cap, 3))
	assert.Equal(t, 4*time.Minute, Backoff(base, cap, 4))
}

func TestBackoffMonotone(t *testing.T) {
	base := time.Second
	cap := 10 * time.Minute

	prev := time.Duration(0)
	for retry := 1; retry <= 40; retry++ {
		d := Backoff(base, cap, retry)
		assert.GreaterOrEqual(t, d, prev, "retry %d", retry)
		assert.LessOrEqual(t, d, cap)
		prev = d
	}
	// deep retry counts must not overflow into a negative duration
	assert.Equal(t, cap, Backoff(base, cap, 100))
}

func TestBackoffDefaults(t *testing.T) {
	assert.Equal(t, 30*time.Second, Backoff(0, 0, 1))
	assert.Equal(t, 30*time.Second, Backoff(30*time.Second, time.Hour, 0))
}
