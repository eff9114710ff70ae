// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package test

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matrix-org/fedcore/auth"
	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/signing"
)

type Preset int

var (
	PresetNone               Preset = 0
	PresetPrivateChat        Preset = 1
	PresetPublicChat         Preset = 2
	PresetTrustedPrivateChat Preset = 3

	roomIDCounter = int64(0)
)

type Room struct {
	ID      string
	Version event.RoomVersion
	preset  Preset
	creator *User

	authEvents   *auth.AuthEvents
	currentState map[event.StateKeyTuple]*event.Event
	events       []*event.Event
	byID         map[string]*event.Event
}

// Create a new test room. Automatically creates the initial create events.
func NewRoom(t *testing.T, creator *User, modifiers ...roomModifier) *Room {
	t.Helper()
	counter := atomic.AddInt64(&roomIDCounter, 1)
	if creator.srvName == "" {
		t.Fatalf("NewRoom: creator doesn't belong to a server: %+v", *creator)
	}
	authEvents, _ := auth.NewAuthEvents(nil)
	r := &Room{
		ID:           fmt.Sprintf("!%d:%s", counter, creator.srvName),
		creator:      creator,
		authEvents:   authEvents,
		preset:       PresetPublicChat,
		Version:      event.RoomVersionV10,
		currentState: make(map[event.StateKeyTuple]*event.Event),
		byID:         make(map[string]*event.Event),
	}
	for _, m := range modifiers {
		m(t, r)
	}
	r.insertCreateEvents(t)
	return r
}

// InitialPowerLevelsContent returns the power levels content a room starts
// with, giving the creator level 100.
func InitialPowerLevelsContent(roomCreator string) map[string]interface{} {
	return map[string]interface{}{
		"ban":            50,
		"invite":         0,
		"kick":           50,
		"redact":         50,
		"events_default": 0,
		"state_default":  50,
		"users_default":  0,
		"events": map[string]int64{
			"m.room.name":               50,
			"m.room.power_levels":       100,
			"m.room.history_visibility": 100,
			"m.room.canonical_alias":    50,
			"m.room.avatar":             50,
			"m.room.tombstone":          100,
			"m.room.encryption":         100,
			"m.room.server_acl":         100,
		},
		"users": map[string]int64{roomCreator: 100},
	}
}

// Creator returns the user that created the room.
func (r *Room) Creator() *User {
	return r.creator
}

// AuthEvents returns the auth state of the room as it stands.
func (r *Room) AuthEvents() *auth.AuthEvents {
	return r.authEvents
}

func (r *Room) ForwardExtremities() []string {
	if len(r.events) == 0 {
		return nil
	}
	return []string{
		r.events[len(r.events)-1].EventID(),
	}
}

func (r *Room) insertCreateEvents(t *testing.T) {
	t.Helper()
	joinRule := map[string]string{}
	switch r.preset {
	case PresetTrustedPrivateChat:
		fallthrough
	case PresetPrivateChat:
		joinRule["join_rule"] = event.JoinRuleInvite
	case PresetPublicChat:
		joinRule["join_rule"] = event.JoinRulePublic
	}

	createContent := map[string]interface{}{
		"room_version": r.Version,
	}
	if !event.MustGetRoomVersion(r.Version).CreatorFromSender() {
		createContent["creator"] = r.creator.ID
	}
	r.CreateAndInsert(t, r.creator, event.MRoomCreate, createContent, WithStateKey(""))
	r.CreateAndInsert(t, r.creator, event.MRoomMember, map[string]interface{}{
		"membership": "join",
	}, WithStateKey(r.creator.ID))
	r.CreateAndInsert(t, r.creator, event.MRoomPowerLevels, InitialPowerLevelsContent(r.creator.ID), WithStateKey(""))
	if len(joinRule) > 0 {
		r.CreateAndInsert(t, r.creator, event.MRoomJoinRules, joinRule, WithStateKey(""))
	}
	r.CreateAndInsert(t, r.creator, event.MRoomHistoryVisibility, map[string]string{
		"history_visibility": "shared",
	}, WithStateKey(""))
}

// Create an event in this room but do not insert it. Does not modify the room in any way (depth, fwd extremities, etc) so is thread-safe.
func (r *Room) CreateEvent(t *testing.T, creator *User, eventType string, content interface{}, mods ...eventModifier) *event.Event {
	t.Helper()

	// possible event modifiers (optional fields)
	mod := &eventMods{}
	for _, m := range mods {
		m(mod)
	}

	if mod.privKey == nil {
		mod.privKey = creator.privKey
	}
	if mod.keyID == "" {
		mod.keyID = creator.keyID
	}
	if mod.originServerTS.IsZero() {
		mod.originServerTS = time.Now()
	}
	if mod.origin == "" {
		mod.origin = creator.srvName
	}

	var unsigned json.RawMessage
	var err error
	if mod.unsigned != nil {
		unsigned, err = json.Marshal(mod.unsigned)
		if err != nil {
			t.Fatalf("CreateEvent[%s]: failed to marshal unsigned field: %s", eventType, err)
		}
	}

	builder := &signing.EventBuilder{
		Sender:   creator.ID,
		RoomID:   r.ID,
		Type:     eventType,
		StateKey: mod.stateKey,
		Redacts:  mod.redacts,
		Unsigned: unsigned,
	}
	err = builder.SetContent(content)
	if err != nil {
		t.Fatalf("CreateEvent[%s]: failed to SetContent: %s", eventType, err)
	}

	builder.PrevEvents = mod.prevEvents
	if builder.PrevEvents == nil && len(r.events) > 0 {
		builder.PrevEvents = []string{r.events[len(r.events)-1].EventID()}
	}
	builder.Depth = 1
	for _, prevID := range builder.PrevEvents {
		if prev, ok := r.byID[prevID]; ok && prev.Depth() >= builder.Depth {
			builder.Depth = prev.Depth() + 1
		}
	}

	if len(mod.authEvents) > 0 {
		builder.AuthEvents = mod.authEvents
	} else {
		needed := auth.StateNeededFor(eventType, creator.ID, mod.stateKey, builder.Content)
		builder.AuthEvents, err = needed.AuthEventIDs(r.authEvents)
		if err != nil {
			t.Fatalf("CreateEvent[%s]: failed to AuthEventIDs: %s", eventType, err)
		}
	}

	ev, err := builder.Build(
		mod.originServerTS, mod.origin, mod.keyID,
		mod.privKey, r.Version,
	)
	if err != nil {
		t.Fatalf("CreateEvent[%s]: failed to build event: %s", eventType, err)
	}
	if !mod.skipAuthCheck {
		if err = auth.Allowed(ev, r.authEvents); err != nil {
			t.Fatalf("CreateEvent[%s]: failed to verify event was allowed: %s", eventType, err)
		}
	}
	return ev
}

// Add a new event to this room DAG. Not thread-safe.
func (r *Room) InsertEvent(t *testing.T, ev *event.Event) {
	t.Helper()
	// Add the event to the list of auth/state events
	r.events = append(r.events, ev)
	r.byID[ev.EventID()] = ev
	if tuple, ok := ev.StateKeyTuple(); ok {
		err := r.authEvents.AddEvent(ev)
		if err != nil {
			t.Fatalf("InsertEvent: failed to add event to auth events: %s", err)
		}
		r.currentState[tuple] = ev
	}
}

// AddEventWithoutState records an event so that later events may reference
// it, without making it part of the current state.
func (r *Room) AddEventWithoutState(ev *event.Event) {
	r.byID[ev.EventID()] = ev
}

func (r *Room) Events() []*event.Event {
	return r.events
}

// EventByID returns an event created in this room.
func (r *Room) EventByID(eventID string) *event.Event {
	return r.byID[eventID]
}

// CurrentState returns the current state events ordered by event ID.
func (r *Room) CurrentState() []*event.Event {
	events := make([]*event.Event, 0, len(r.currentState))
	for _, e := range r.currentState {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].EventID() < events[j].EventID()
	})
	return events
}

// StateEvent returns the current state event for the tuple, if any.
func (r *Room) StateEvent(eventType, stateKey string) *event.Event {
	return r.currentState[event.StateKeyTuple{EventType: eventType, StateKey: stateKey}]
}

func (r *Room) CreateAndInsert(t *testing.T, creator *User, eventType string, content interface{}, mods ...eventModifier) *event.Event {
	t.Helper()
	ev := r.CreateEvent(t, creator, eventType, content, mods...)
	r.InsertEvent(t, ev)
	return ev
}

// All room modifiers are below

type roomModifier func(t *testing.T, r *Room)

func RoomPreset(p Preset) roomModifier {
	return func(t *testing.T, r *Room) {
		switch p {
		case PresetPrivateChat:
			fallthrough
		case PresetPublicChat:
			fallthrough
		case PresetTrustedPrivateChat:
			fallthrough
		case PresetNone:
			r.preset = p
		default:
			t.Errorf("invalid RoomPreset: %v", p)
		}
	}
}

func RoomVersion(ver event.RoomVersion) roomModifier {
	return func(t *testing.T, r *Room) {
		r.Version = ver
	}
}
