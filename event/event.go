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

package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/matrix-org/fedcore/canonicaljson"
)

// Limits from the server-server API.
const (
	maxEventLength  = 65536
	maxPrevEvents   = 20
	maxAuthEvents   = 10
	maxDepth        = 1<<63 - 1
	maxTypeLength   = 255
	maxStateKeySize = 255
)

// A StateKeyTuple is the combination of an event type and an event state key.
// It is often used as a key in maps.
type StateKeyTuple struct {
	// The "type" key of a matrix event.
	EventType string
	// The "state_key" of a matrix event.
	// The empty string is a legitimate value for the "state_key" in matrix
	// so take care to initialise this field lest you accidentally request a
	// "state_key" with the go default of the empty string.
	StateKey string
}

func (t StateKeyTuple) String() string {
	return t.EventType + "|" + t.StateKey
}

// FormatError is returned when an event does not have the shape its room
// version requires.
type FormatError struct {
	Field  string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Field == "" {
		return "malformed event: " + e.Reason
	}
	return fmt.Sprintf("malformed event: %q %s", e.Field, e.Reason)
}

// An Event is a matrix PDU. The identity-bearing JSON never changes once the
// event is constructed. Only the unsigned section may be amended.
type Event struct {
	eventID   string
	redacted  bool
	eventJSON []byte // canonical, without "unsigned"
	fields    eventFields
	verImpl   VersionImpl

	unsignedMu sync.RWMutex
	unsigned   []byte
}

type eventFields struct {
	EventID        string          `json:"event_id,omitempty"`
	RoomID         string          `json:"room_id"`
	Sender         string          `json:"sender"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Content        json.RawMessage `json:"content"`
	Redacts        string          `json:"redacts,omitempty"`
	Depth          int64           `json:"depth"`
	OriginServerTS spec.Timestamp  `json:"origin_server_ts"`
	Origin         spec.ServerName `json:"origin,omitempty"`

	prevEvents []string
	authEvents []string
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindNumber
	kindObject
	kindArray
)

var requiredFields = []struct {
	name string
	kind fieldKind
}{
	{"room_id", kindString},
	{"sender", kindString},
	{"type", kindString},
	{"content", kindObject},
	{"origin_server_ts", kindNumber},
	{"depth", kindNumber},
	{"prev_events", kindArray},
	{"auth_events", kindArray},
	{"hashes", kindObject},
	{"signatures", kindObject},
}

var optionalFields = []struct {
	name string
	kind fieldKind
}{
	{"state_key", kindString},
	{"redacts", kindString},
	{"origin", kindString},
}

func hasKind(r gjson.Result, kind fieldKind) bool {
	switch kind {
	case kindString:
		return r.Type == gjson.String
	case kindNumber:
		return r.Type == gjson.Number
	case kindObject:
		return r.IsObject()
	case kindArray:
		return r.IsArray()
	}
	return false
}

// NewEventFromUntrustedJSON loads an event received over federation. Keys
// that a remote server has no business sending are removed, the JSON is
// canonicalised with the room version's rules and the shape of every field
// is checked. Signatures and hashes are not checked here.
func NewEventFromUntrustedJSON(eventJSON []byte, roomVersion RoomVersion) (*Event, error) {
	verImpl, err := GetRoomVersion(roomVersion)
	if err != nil {
		return nil, err
	}
	if len(eventJSON) > maxEventLength {
		return nil, &FormatError{Reason: fmt.Sprintf("event is larger than %d bytes", maxEventLength)}
	}
	if !gjson.ValidBytes(eventJSON) {
		return nil, &FormatError{Reason: "invalid JSON"}
	}
	if !gjson.ParseBytes(eventJSON).IsObject() {
		return nil, &FormatError{Reason: "event is not a JSON object"}
	}
	for _, key := range []string{"outlier", "destinations", "age_ts", "unsigned"} {
		if eventJSON, err = sjson.DeleteBytes(eventJSON, key); err != nil {
			return nil, &FormatError{Field: key, Reason: err.Error()}
		}
	}
	if eventJSON, err = canonicaljson.Canonicalize(eventJSON, verImpl.EnforceCanonicalJSON()); err != nil {
		return nil, &FormatError{Reason: err.Error()}
	}
	if err = checkFormat(eventJSON, verImpl); err != nil {
		return nil, err
	}
	ev := &Event{
		eventJSON: eventJSON,
		verImpl:   verImpl,
	}
	if err = ev.populateFields(); err != nil {
		return nil, err
	}
	if err = ev.checkFields(); err != nil {
		return nil, err
	}
	if ev.eventID, err = computeEventID(eventJSON, &ev.fields, verImpl); err != nil {
		return nil, err
	}
	return ev, nil
}

// NewEventFromTrustedJSON loads an event that was validated before, e.g. one
// read back from the database. The unsigned section is kept.
func NewEventFromTrustedJSON(eventJSON []byte, redacted bool, roomVersion RoomVersion) (*Event, error) {
	verImpl, err := GetRoomVersion(roomVersion)
	if err != nil {
		return nil, err
	}
	ev, err := newTrustedEvent(eventJSON, redacted, verImpl)
	if err != nil {
		return nil, err
	}
	if ev.eventID, err = computeEventID(ev.eventJSON, &ev.fields, verImpl); err != nil {
		return nil, err
	}
	return ev, nil
}

// NewEventFromTrustedJSONWithEventID is NewEventFromTrustedJSON for callers
// that already know the event ID, which saves recomputing the reference hash.
func NewEventFromTrustedJSONWithEventID(eventID string, eventJSON []byte, redacted bool, roomVersion RoomVersion) (*Event, error) {
	verImpl, err := GetRoomVersion(roomVersion)
	if err != nil {
		return nil, err
	}
	ev, err := newTrustedEvent(eventJSON, redacted, verImpl)
	if err != nil {
		return nil, err
	}
	ev.eventID = eventID
	return ev, nil
}

func newTrustedEvent(eventJSON []byte, redacted bool, verImpl VersionImpl) (*Event, error) {
	unsigned := gjson.GetBytes(eventJSON, "unsigned")
	ev := &Event{
		redacted: redacted,
		verImpl:  verImpl,
	}
	if unsigned.Exists() {
		ev.unsigned = []byte(unsigned.Raw)
		var err error
		if eventJSON, err = sjson.DeleteBytes(eventJSON, "unsigned"); err != nil {
			return nil, err
		}
	}
	canonical, err := canonicaljson.Canonicalize(eventJSON, false)
	if err != nil {
		return nil, err
	}
	ev.eventJSON = canonical
	if err := ev.populateFields(); err != nil {
		return nil, err
	}
	return ev, nil
}

func checkFormat(eventJSON []byte, verImpl VersionImpl) error {
	root := gjson.ParseBytes(eventJSON)
	for _, f := range requiredFields {
		r := root.Get(f.name)
		if !r.Exists() {
			return &FormatError{Field: f.name, Reason: "is missing"}
		}
		if !hasKind(r, f.kind) {
			return &FormatError{Field: f.name, Reason: "has the wrong type"}
		}
	}
	for _, f := range optionalFields {
		if r := root.Get(f.name); r.Exists() && !hasKind(r, f.kind) {
			return &FormatError{Field: f.name, Reason: "has the wrong type"}
		}
	}
	eventID := root.Get("event_id")
	switch verImpl.EventFormat() {
	case EventFormatV1:
		if !eventID.Exists() || eventID.Type != gjson.String {
			return &FormatError{Field: "event_id", Reason: "is required in room version " + string(verImpl.Version())}
		}
	default:
		if eventID.Exists() {
			return &FormatError{Field: "event_id", Reason: "is not allowed in room version " + string(verImpl.Version())}
		}
	}
	if sha := root.Get("hashes.sha256"); !sha.Exists() || sha.Type != gjson.String {
		return &FormatError{Field: "hashes.sha256", Reason: "is missing"}
	}
	return nil
}

// populateFields decodes the JSON into the typed fields. The reference lists
// are read with gjson because their shape depends on the room version.
func (e *Event) populateFields() error {
	if err := json.Unmarshal(e.eventJSON, &e.fields); err != nil {
		return &FormatError{Reason: err.Error()}
	}
	var err error
	if e.fields.prevEvents, err = parseReferences(gjson.GetBytes(e.eventJSON, "prev_events"), e.verImpl.EventFormat()); err != nil {
		return &FormatError{Field: "prev_events", Reason: err.Error()}
	}
	if e.fields.authEvents, err = parseReferences(gjson.GetBytes(e.eventJSON, "auth_events"), e.verImpl.EventFormat()); err != nil {
		return &FormatError{Field: "auth_events", Reason: err.Error()}
	}
	return nil
}

func parseReferences(refs gjson.Result, format EventFormat) ([]string, error) {
	if !refs.Exists() {
		return nil, nil
	}
	if !refs.IsArray() {
		return nil, fmt.Errorf("is not an array")
	}
	var ids []string
	var err error
	refs.ForEach(func(_, ref gjson.Result) bool {
		var id gjson.Result
		switch format {
		case EventFormatV1:
			if !ref.IsArray() || len(ref.Array()) < 1 {
				err = fmt.Errorf("contains a malformed reference %s", ref.Raw)
				return false
			}
			id = ref.Array()[0]
		default:
			id = ref
		}
		if id.Type != gjson.String || !strings.HasPrefix(id.Str, "$") {
			err = fmt.Errorf("contains an invalid event ID %s", id.Raw)
			return false
		}
		ids = append(ids, id.Str)
		return true
	})
	return ids, err
}

func (e *Event) checkFields() error {
	f := &e.fields
	if err := ValidateRoomID(f.RoomID); err != nil {
		return &FormatError{Field: "room_id", Reason: err.Error()}
	}
	if err := ValidateUserID(f.Sender); err != nil {
		return &FormatError{Field: "sender", Reason: err.Error()}
	}
	if f.Type == "" || len(f.Type) > maxTypeLength {
		return &FormatError{Field: "type", Reason: "has an invalid length"}
	}
	if f.StateKey != nil && len(*f.StateKey) > maxStateKeySize {
		return &FormatError{Field: "state_key", Reason: "is too long"}
	}
	if f.Depth < 0 || f.Depth > maxDepth {
		return &FormatError{Field: "depth", Reason: "is out of range"}
	}
	if len(f.prevEvents) > maxPrevEvents {
		return &FormatError{Field: "prev_events", Reason: fmt.Sprintf("has more than %d entries", maxPrevEvents)}
	}
	if len(f.authEvents) > maxAuthEvents {
		return &FormatError{Field: "auth_events", Reason: fmt.Sprintf("has more than %d entries", maxAuthEvents)}
	}
	if e.verImpl.EventIDFormat() == EventIDFormatV1 {
		if _, err := DomainFromID(f.EventID); err != nil || !strings.HasPrefix(f.EventID, "$") {
			return &FormatError{Field: "event_id", Reason: "is not a valid event ID"}
		}
	}
	return nil
}

// EventID returns the event ID of the event.
func (e *Event) EventID() string { return e.eventID }

// RoomID returns the room ID of the room the event is in.
func (e *Event) RoomID() string { return e.fields.RoomID }

// Sender returns the user ID of the sender of the event.
func (e *Event) Sender() string { return e.fields.Sender }

// Type returns the type of the event.
func (e *Event) Type() string { return e.fields.Type }

// StateKey returns the "state_key" of the event, or nil if the event is not
// a state event.
func (e *Event) StateKey() *string { return e.fields.StateKey }

// StateKeyEquals returns true if the event is a state event and the
// "state_key" matches.
func (e *Event) StateKeyEquals(stateKey string) bool {
	return e.fields.StateKey != nil && *e.fields.StateKey == stateKey
}

// IsState reports whether the event has a state key.
func (e *Event) IsState() bool { return e.fields.StateKey != nil }

// StateKeyTuple returns the (type, state_key) pair of a state event.
func (e *Event) StateKeyTuple() (StateKeyTuple, bool) {
	if e.fields.StateKey == nil {
		return StateKeyTuple{}, false
	}
	return StateKeyTuple{EventType: e.fields.Type, StateKey: *e.fields.StateKey}, true
}

// Content returns the content JSON of the event.
func (e *Event) Content() []byte { return []byte(e.fields.Content) }

// Redacts returns the event ID of the event this event redacts. In room
// version 11 the key moved into the content.
func (e *Event) Redacts() string {
	if e.fields.Redacts != "" {
		return e.fields.Redacts
	}
	if e.fields.Type == MRoomRedaction {
		return gjson.GetBytes(e.fields.Content, "redacts").Str
	}
	return ""
}

// PrevEventIDs returns the event IDs of the direct ancestors of the event.
func (e *Event) PrevEventIDs() []string { return e.fields.prevEvents }

// AuthEventIDs returns the event IDs of the events needed to auth the event.
func (e *Event) AuthEventIDs() []string { return e.fields.authEvents }

// Depth returns the depth of the event.
func (e *Event) Depth() int64 { return e.fields.Depth }

// OriginServerTS returns the unix timestamp when this event was created on
// the origin server, with millisecond resolution.
func (e *Event) OriginServerTS() spec.Timestamp { return e.fields.OriginServerTS }

// Origin returns the name of the server that sent the event. Not present in
// every room version.
func (e *Event) Origin() spec.ServerName { return e.fields.Origin }

// Redacted reports whether the content of the event has been redacted.
func (e *Event) Redacted() bool { return e.redacted }

// Version returns the version of the room the event belongs to.
func (e *Event) Version() RoomVersion { return e.verImpl.Version() }

// VersionImpl returns the algorithm variants of the event's room version.
func (e *Event) VersionImpl() VersionImpl { return e.verImpl }

// SenderDomain returns the server name part of the sender's user ID.
func (e *Event) SenderDomain() (spec.ServerName, error) {
	return DomainFromID(e.fields.Sender)
}

// Membership returns the value of the content.membership field if this
// event is an "m.room.member" event.
func (e *Event) Membership() (string, error) {
	if e.fields.Type != MRoomMember {
		return "", fmt.Errorf("not an m.room.member event")
	}
	m := gjson.GetBytes(e.fields.Content, "membership")
	if m.Type != gjson.String {
		return "", fmt.Errorf("missing or invalid membership")
	}
	return m.Str, nil
}

// JSON returns the JSON bytes of the event, including the unsigned section.
func (e *Event) JSON() []byte {
	e.unsignedMu.RLock()
	defer e.unsignedMu.RUnlock()
	if len(e.unsigned) == 0 {
		return e.eventJSON
	}
	out, err := sjson.SetRawBytes(e.eventJSON, "unsigned", e.unsigned)
	if err != nil {
		return e.eventJSON
	}
	return out
}

// SignedJSON returns the canonical JSON of the event without the unsigned
// section. This is what hashes and signatures are calculated over.
func (e *Event) SignedJSON() []byte { return e.eventJSON }

// Unsigned returns the unsigned section of the event, or nil.
func (e *Event) Unsigned() []byte {
	e.unsignedMu.RLock()
	defer e.unsignedMu.RUnlock()
	return e.unsigned
}

// SetUnsignedField sets a key in the unsigned section of the event. The
// event ID and signatures are unaffected.
func (e *Event) SetUnsignedField(path string, value interface{}) error {
	e.unsignedMu.Lock()
	defer e.unsignedMu.Unlock()
	unsigned := e.unsigned
	if len(unsigned) == 0 {
		unsigned = []byte("{}")
	}
	updated, err := sjson.SetBytes(unsigned, path, value)
	if err != nil {
		return err
	}
	e.unsigned = updated
	return nil
}

// Redact returns a redacted copy of the event. The event ID is unchanged
// because it is derived from the redacted form anyway.
func (e *Event) Redact() (*Event, error) {
	redacted, err := RedactJSON(e.eventJSON, e.verImpl)
	if err != nil {
		return nil, err
	}
	out := &Event{
		eventID:   e.eventID,
		redacted:  true,
		eventJSON: redacted,
		verImpl:   e.verImpl,
		unsigned:  append([]byte(nil), e.Unsigned()...),
	}
	if err := out.populateFields(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Event) String() string {
	return fmt.Sprintf("%s (%s, %q in %s)", e.eventID, e.fields.Type, e.fields.Sender, e.fields.RoomID)
}
