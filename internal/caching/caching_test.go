package caching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/fedcore/event"
)

func TestRistrettoPartitions(t *testing.T) {
	caches, err := NewRistrettoCache(8*MB, time.Hour, false)
	require.NoError(t, err)

	caches.StoreRoomVersion("!room:test", event.RoomVersionV10)
	caches.StoreRejected("$bad", "eventauth: sender not in room")
	caches.RoomVersions.(*RistrettoCachePartition[string, event.RoomVersion]).Wait()

	version, ok := caches.GetRoomVersion("!room:test")
	assert.True(t, ok)
	assert.Equal(t, event.RoomVersionV10, version)

	reason, ok := caches.IsRejected("$bad")
	assert.True(t, ok)
	assert.Equal(t, "eventauth: sender not in room", reason)

	// The partitions share one cache but never each other's keys.
	_, ok = caches.IsRejected("!room:test")
	assert.False(t, ok)

	caches.RejectedEvents.Unset("$bad")
	_, ok = caches.IsRejected("$bad")
	assert.False(t, ok)
}

func TestImmutablePartitionPanicsOnChange(t *testing.T) {
	caches, err := NewRistrettoCache(8*MB, time.Hour, false)
	require.NoError(t, err)
	partition := caches.RoomVersions.(*RistrettoCachePartition[string, event.RoomVersion])
	partition.Set("!room:test", event.RoomVersionV9)
	partition.Wait()
	assert.Panics(t, func() { partition.Set("!room:test", event.RoomVersionV10) })
	assert.Panics(t, func() { partition.Unset("!room:test") })
}
