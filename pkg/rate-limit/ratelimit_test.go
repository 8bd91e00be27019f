package ratelimit

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilZoneAdmitsAll(t *testing.T) {
	var z *Zone
	for i := 0; i < 100; i++ {
		assert.True(t, z.Admit("anyone"))
	}
	assert.Equal(t, http.StatusTooManyRequests, z.RejectStatus())
	assert.Equal(t, "1", z.RetryAfter())
}

func TestDisabledConfigReturnsNil(t *testing.T) {
	assert.Nil(t, NewZone(Config{Enabled: false, RefillRate: 10}))
	assert.Nil(t, NewZone(Config{Enabled: true, RefillRate: 0}))
}

func TestBurstThenReject(t *testing.T) {
	z := NewZone(Config{Enabled: true, ZoneCapacity: 16, RefillRate: 1, Burst: 3})
	require.NotNil(t, z)

	for i := 0; i < 3; i++ {
		assert.True(t, z.Admit("10.0.0.1"), "request %d within burst", i)
	}
	assert.False(t, z.Admit("10.0.0.1"), "burst exhausted")
}

func TestIdentitiesAreIndependent(t *testing.T) {
	z := NewZone(Config{Enabled: true, ZoneCapacity: 16, RefillRate: 1, Burst: 1})
	require.NotNil(t, z)

	assert.True(t, z.Admit("10.0.0.1"))
	assert.False(t, z.Admit("10.0.0.1"))
	assert.True(t, z.Admit("10.0.0.2"), "a second identity has its own bucket")
}

func TestRefill(t *testing.T) {
	z := NewZone(Config{Enabled: true, ZoneCapacity: 16, RefillRate: 50, Burst: 1})
	require.NotNil(t, z)

	require.True(t, z.Admit("10.0.0.1"))
	require.False(t, z.Admit("10.0.0.1"))
	time.Sleep(40 * time.Millisecond)
	assert.True(t, z.Admit("10.0.0.1"), "bucket refills from elapsed time")
}

func TestZoneCapacityTurnover(t *testing.T) {
	z := NewZone(Config{Enabled: true, ZoneCapacity: 1, RefillRate: 1, Burst: 1})
	require.NotNil(t, z)

	require.True(t, z.Admit("10.0.0.1"))
	require.False(t, z.Admit("10.0.0.1"))
	// a new identity evicts the old bucket; the old identity starts fresh
	require.True(t, z.Admit("10.0.0.2"))
	assert.True(t, z.Admit("10.0.0.1"))
}

func TestRejectStatusAndRetryAfter(t *testing.T) {
	z := NewZone(Config{Enabled: true, RefillRate: 0.5, Burst: 1, RejectStatus: http.StatusServiceUnavailable})
	require.NotNil(t, z)
	assert.Equal(t, http.StatusServiceUnavailable, z.RejectStatus())
	assert.Equal(t, "2", z.RetryAfter())

	z = NewZone(Config{Enabled: true, RefillRate: 10, Burst: 1})
	assert.Equal(t, http.StatusTooManyRequests, z.RejectStatus())
	assert.Equal(t, "1", z.RetryAfter())
}
