package caching

// RejectedEventsCache remembers the IDs of events that failed validation so
// that they are not validated again when a server resends them.
type RejectedEventsCache interface {
	IsRejected(eventID string) (reason string, rejected bool)
	StoreRejected(eventID, reason string)
}

func (c Caches) IsRejected(eventID string) (string, bool) {
	return c.RejectedEvents.Get(eventID)
}

func (c Caches) StoreRejected(eventID, reason string) {
	c.RejectedEvents.Set(eventID, reason)
}
