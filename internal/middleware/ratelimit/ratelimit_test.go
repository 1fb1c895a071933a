package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowConsumesTokens(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 3})
	defer rl.Stop()

	assert.True(t, rl.allow("owner-1"))
	assert.True(t, rl.allow("owner-1"))
	assert.True(t, rl.allow("owner-1"))
	assert.False(t, rl.allow("owner-1"))
}

func TestAllowKeysAreIndependent(t *testing.T) {
	rl := New(Config{MaxRequestsPerMinute: 1})
	defer rl.Stop()

	assert.True(t, rl.allow("owner-1"))
	assert.False(t, rl.allow("owner-1"))
	assert.True(t, rl.allow("owner-2"))
}

func TestDefaultsApplied(t *testing.T) {
	rl := New(Config{})
	defer rl.Stop()

	assert.Equal(t, 60, rl.maxTokens)
}
