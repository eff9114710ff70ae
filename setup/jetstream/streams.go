package jetstream

import (
	"regexp"
	"time"

	"github.com/nats-io/nats.go"
)

// Header keys set on every message of the OutputRoomEvent stream.
const (
	RoomID        = "room_id"
	EventID       = "event_id"
	RoomEventType = "output_room_event_type"
)

// OutputRoomEvent carries the events the roomserver accepted.
const OutputRoomEvent = "OutputRoomEvent"

var unsafeSubjectChars = regexp.MustCompile(`[^A-Za-z0-9$]+`)

// Tokenise makes s usable as a single NATS subject token.
func Tokenise(s string) string {
	return unsafeSubjectChars.ReplaceAllString(s, "_")
}

// OutputRoomEventSubj is the per-room subject below a prefixed
// OutputRoomEvent stream name.
func OutputRoomEventSubj(stream, roomID string) string {
	return stream + "." + Tokenise(roomID)
}

// streams are created on first connect if they do not exist yet. Accepted
// events only need to outlive a consumer restart.
var streams = []nats.StreamConfig{
	{
		Name:      OutputRoomEvent,
		Retention: nats.InterestPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    24 * time.Hour,
	},
}
