package api

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-org/fedcore/event"
)

// An OutputType is a type of roomserver output.
type OutputType string

// OutputTypeNewRoomEvent indicates that the event is an OutputNewRoomEvent
const OutputTypeNewRoomEvent OutputType = "new_room_event"

// An OutputEvent is an entry in the roomserver output stream.
type OutputEvent struct {
	// The type of event stored in this output.
	Type OutputType `json:"type"`
	// The content of an event with type OutputTypeNewRoomEvent.
	NewRoomEvent *OutputNewRoomEvent `json:"new_room_event,omitempty"`
}

// An OutputNewRoomEvent is written when the roomserver accepts a new event
// into the room DAG.
type OutputNewRoomEvent struct {
	// The JSON of the event, including the unsigned section.
	Event       json.RawMessage   `json:"event"`
	RoomVersion event.RoomVersion `json:"room_version"`
	Redacted    bool              `json:"redacted,omitempty"`
	// The server that sent us the event. It already has it, so it is not
	// sent back.
	Origin spec.ServerName `json:"origin,omitempty"`
	// The forward extremities of the room after the event.
	LatestEventIDs []string `json:"latest_event_ids"`
}

// ParseEvent loads the event carried by the output.
func (o *OutputNewRoomEvent) ParseEvent() (*event.Event, error) {
	return event.NewEventFromTrustedJSON(o.Event, o.Redacted, o.RoomVersion)
}
