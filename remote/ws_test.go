package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_GrowsAndCaps(t *testing.T) {
	cfg := &WSConfig{ReconnectBaseDelay: 100 * time.Millisecond, ReconnectMaxDelay: time.Second, MaxReconnectAttempts: 6}
	cfg.defaults()
	b := &backoff{config: cfg}

	floors := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, floor := range floors {
		assert.False(t, b.exhausted(), "attempt %d", i+1)
		n, d := b.next()
		assert.Equal(t, i+1, n)
		floor *= time.Millisecond
		assert.GreaterOrEqual(t, d, floor, "attempt %d", n)
		assert.LessOrEqual(t, d, min(floor+50*time.Millisecond, time.Second), "attempt %d", n)
	}
	assert.True(t, b.exhausted())

	b.reset()
	assert.False(t, b.exhausted())
	_, d := b.next()
	assert.Less(t, d, 200*time.Millisecond)
}

func TestBackoff_Unlimited(t *testing.T) {
	cfg := &WSConfig{MaxReconnectAttempts: -1}
	cfg.defaults()
	b := &backoff{config: cfg}
	for i := 0; i < 100; i++ {
		_, d := b.next()
		assert.LessOrEqual(t, d, cfg.ReconnectMaxDelay)
	}
	assert.False(t, b.exhausted())
}

func TestWSConfig_Defaults(t *testing.T) {
	var cfg WSConfig
	cfg.defaults()
	assert.Equal(t, 10, cfg.MaxReconnectAttempts)
	assert.Equal(t, time.Second, cfg.ReconnectBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMaxDelay)
	assert.NotNil(t, cfg.Logger)
}
