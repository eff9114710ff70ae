/* Copyright 2016-2017 Vector Creations Ltd
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package signing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/fedcore/event"
)

// An EventBuilder is used to build a new event.
// These can be exchanged between matrix servers in the federation APIs when
// joining or leaving a room.
type EventBuilder struct {
	// The user ID of the user sending the event.
	Sender string `json:"sender"`
	// The room ID of the room this event is in.
	RoomID string `json:"room_id"`
	// The type of the event.
	Type string `json:"type"`
	// The state_key of the event if the event is a state event or nil if
	// the event is not a state event.
	StateKey *string `json:"state_key,omitempty"`
	// The events that immediately preceded this event in the room history.
	PrevEvents []string `json:"prev_events"`
	// The events needed to authenticate this event.
	AuthEvents []string `json:"auth_events"`
	// The event ID of the event being redacted if this event is a
	// "m.room.redaction".
	Redacts string `json:"redacts,omitempty"`
	// The depth of the event. This should be one greater than the maximum
	// depth of the previous events.
	Depth int64 `json:"depth"`
	// The JSON object for "content" key of the event.
	Content json.RawMessage `json:"content"`
	// The JSON object for the "unsigned" key.
	Unsigned json.RawMessage `json:"unsigned,omitempty"`
}

// SetContent sets the JSON content key of the event.
func (eb *EventBuilder) SetContent(content interface{}) (err error) {
	eb.Content, err = json.Marshal(content)
	return
}

// SetUnsigned sets the JSON unsigned key of the event.
func (eb *EventBuilder) SetUnsigned(unsigned interface{}) (err error) {
	eb.Unsigned, err = json.Marshal(unsigned)
	return
}

// Build a new Event. This is used when a local event is created on this
// server. The event is hashed and signed, and then loaded through the same
// checks as an event received over federation.
func (eb *EventBuilder) Build(
	now time.Time, origin spec.ServerName, keyID KeyID,
	privateKey ed25519.PrivateKey, roomVersion event.RoomVersion,
) (*event.Event, error) {
	verImpl, err := event.GetRoomVersion(roomVersion)
	if err != nil {
		return nil, err
	}

	content := eb.Content
	if len(content) == 0 {
		content = json.RawMessage("{}")
	}
	fields := map[string]interface{}{
		"sender":           eb.Sender,
		"room_id":          eb.RoomID,
		"type":             eb.Type,
		"content":          content,
		"depth":            eb.Depth,
		"origin":           origin,
		"origin_server_ts": spec.AsTimestamp(now),
		"prev_events":      references(eb.PrevEvents, verImpl.EventFormat()),
		"auth_events":      references(eb.AuthEvents, verImpl.EventFormat()),
	}
	if eb.StateKey != nil {
		fields["state_key"] = *eb.StateKey
	}
	if eb.Redacts != "" {
		fields["redacts"] = eb.Redacts
	}
	if verImpl.EventFormat() == event.EventFormatV1 {
		fields["event_id"] = fmt.Sprintf("$%s:%s", util.RandomString(16), origin)
	}

	eventJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	if eventJSON, err = AddContentHash(eventJSON); err != nil {
		return nil, err
	}
	if eventJSON, err = SignEventJSON(eventJSON, verImpl, origin, keyID, privateKey); err != nil {
		return nil, err
	}

	ev, err := event.NewEventFromUntrustedJSON(eventJSON, roomVersion)
	if err != nil {
		return nil, err
	}
	if len(eb.Unsigned) == 0 {
		return ev, nil
	}
	withUnsigned, err := sjson.SetRawBytes(ev.SignedJSON(), "unsigned", eb.Unsigned)
	if err != nil {
		return nil, err
	}
	return event.NewEventFromTrustedJSONWithEventID(ev.EventID(), withUnsigned, false, roomVersion)
}

// references renders event IDs in the shape the room version expects: bare
// IDs, or [id, hashes] pairs for the original event format.
func references(eventIDs []string, format event.EventFormat) interface{} {
	if format != event.EventFormatV1 {
		if eventIDs == nil {
			return []string{}
		}
		return eventIDs
	}
	refs := make([][]interface{}, 0, len(eventIDs))
	for _, id := range eventIDs {
		refs = append(refs, []interface{}{id, map[string]string{}})
	}
	return refs
}
