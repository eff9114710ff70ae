package caching

import "github.com/matrix-org/fedcore/event"

// RoomEventsCache contains the subset of functions needed for
// an event cache.
type RoomEventsCache interface {
	GetRoomEvent(eventID string) (*event.Event, bool)
	StoreRoomEvent(ev *event.Event)
}

func (c Caches) GetRoomEvent(eventID string) (*event.Event, bool) {
	return c.RoomEvents.Get(eventID)
}

func (c Caches) StoreRoomEvent(ev *event.Event) {
	if ev != nil {
		c.RoomEvents.Set(ev.EventID(), ev)
	}
}
