package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcceptLimiterPerIPBurst(t *testing.T) {
	al := NewAcceptLimiter(AcceptLimiterConfig{IPBurst: 3, IPRate: 0.001})
	defer al.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, al.Allow("10.0.0.1"), "upgrade %d within burst", i)
	}
	assert.False(t, al.Allow("10.0.0.1"))

	// A different address has its own bucket.
	assert.True(t, al.Allow("10.0.0.2"))
}

func TestAcceptLimiterGlobalCap(t *testing.T) {
	al := NewAcceptLimiter(AcceptLimiterConfig{
		IPBurst:     100,
		IPRate:      100,
		GlobalBurst: 2,
		GlobalRate:  0.001,
	})
	defer al.Stop()

	assert.True(t, al.Allow("10.0.0.1"))
	assert.True(t, al.Allow("10.0.0.2"))
	assert.False(t, al.Allow("10.0.0.3"))
}
