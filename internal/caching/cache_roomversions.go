package caching

import "github.com/matrix-org/fedcore/event"

// RoomVersionCache contains the subset of functions needed for
// a room version cache.
type RoomVersionCache interface {
	GetRoomVersion(roomID string) (roomVersion event.RoomVersion, ok bool)
	StoreRoomVersion(roomID string, roomVersion event.RoomVersion)
}

func (c Caches) GetRoomVersion(roomID string) (event.RoomVersion, bool) {
	return c.RoomVersions.Get(roomID)
}

func (c Caches) StoreRoomVersion(roomID string, roomVersion event.RoomVersion) {
	c.RoomVersions.Set(roomID, roomVersion)
}
