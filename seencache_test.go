package gossipsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSeenCacheAddIdempotentWithinTTL(t *testing.T) {
	c := NewSeenCache(time.Minute, 0)
	require.True(t, c.Add("m1"))
	require.False(t, c.Add("m1"))
	require.True(t, c.Contains("m1"))
}

func TestSeenCacheBoundedSizeEvictsOldest(t *testing.T) {
	c := NewSeenCache(time.Minute, 2)
	require.True(t, c.Add("m1"))
	require.True(t, c.Add("m2"))
	require.True(t, c.Add("m3"))
	require.LessOrEqual(t, c.Len(), 2)
}

func TestSeenCacheDistinctIDsIndependent(t *testing.T) {
	c := NewSeenCache(time.Minute, 0)
	require.True(t, c.Add("a"))
	require.True(t, c.Add("b"))
	require.False(t, c.Contains("c"))
}
