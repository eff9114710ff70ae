/* Copyright 2017 Vector Creations Ltd
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

// Package auth implements the room-version aware event authorization rules.
package auth

import (
	"fmt"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/matrix-org/fedcore/event"
)

// AuthEventProvider provides auth_events for the authentication checks.
// A missing event is reported as a nil event and a nil error.
type AuthEventProvider interface {
	// Create returns the m.room.create event for the room or nil if there isn't a m.room.create event.
	Create() (*event.Event, error)
	// JoinRules returns the m.room.join_rules event for the room or nil if there isn't a m.room.join_rules event.
	JoinRules() (*event.Event, error)
	// PowerLevels returns the m.room.power_levels event for the room or nil if there isn't a m.room.power_levels event.
	PowerLevels() (*event.Event, error)
	// Member returns the m.room.member event for the given user_id state_key or nil if there isn't a m.room.member event.
	Member(stateKey string) (*event.Event, error)
	// ThirdPartyInvite returns the m.room.third_party_invite event for the
	// given state_key or nil if there isn't a m.room.third_party_invite event
	ThirdPartyInvite(stateKey string) (*event.Event, error)
}

// AuthEvents is an implementation of AuthEventProvider backed by a map.
type AuthEvents struct {
	events map[event.StateKeyTuple]*event.Event
}

// NewAuthEvents returns an AuthEventProvider backed by the given events. New
// events can be added by calling AddEvent().
func NewAuthEvents(events []*event.Event) (*AuthEvents, error) {
	a := &AuthEvents{events: make(map[event.StateKeyTuple]*event.Event, len(events))}
	for _, ev := range events {
		if err := a.AddEvent(ev); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// AddEvent adds an event to the provider. If an event already existed for the
// (type, state_key) then the event is replaced with the new event.
func (a *AuthEvents) AddEvent(ev *event.Event) error {
	tuple, ok := ev.StateKeyTuple()
	if !ok {
		return fmt.Errorf("AddEvent: event %q does not have a state key", ev.EventID())
	}
	a.events[tuple] = ev
	return nil
}

// Events returns the held events ordered by event ID.
func (a *AuthEvents) Events() []*event.Event {
	events := make([]*event.Event, 0, len(a.events))
	for _, ev := range a.events {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].EventID() < events[j].EventID()
	})
	return events
}

// Create implements AuthEventProvider
func (a *AuthEvents) Create() (*event.Event, error) {
	return a.events[event.StateKeyTuple{EventType: event.MRoomCreate, StateKey: ""}], nil
}

// JoinRules implements AuthEventProvider
func (a *AuthEvents) JoinRules() (*event.Event, error) {
	return a.events[event.StateKeyTuple{EventType: event.MRoomJoinRules, StateKey: ""}], nil
}

// PowerLevels implements AuthEventProvider
func (a *AuthEvents) PowerLevels() (*event.Event, error) {
	return a.events[event.StateKeyTuple{EventType: event.MRoomPowerLevels, StateKey: ""}], nil
}

// Member implements AuthEventProvider
func (a *AuthEvents) Member(stateKey string) (*event.Event, error) {
	return a.events[event.StateKeyTuple{EventType: event.MRoomMember, StateKey: stateKey}], nil
}

// ThirdPartyInvite implements AuthEventProvider
func (a *AuthEvents) ThirdPartyInvite(stateKey string) (*event.Event, error) {
	return a.events[event.StateKeyTuple{EventType: event.MRoomThirdPartyInvite, StateKey: stateKey}], nil
}

// StateNeeded lists the state entries needed to authenticate an event.
type StateNeeded struct {
	// Is the m.room.create event needed to auth the event.
	Create bool
	// Is the m.room.join_rules event needed to auth the event.
	JoinRules bool
	// Is the m.room.power_levels event needed to auth the event.
	PowerLevels bool
	// List of m.room.member state_keys needed to auth the event
	Member []string
	// List of m.room.third_party_invite state_keys
	ThirdPartyInvite []string
}

// Tuples returns the needed state key tuples for performing auth on an event.
func (s StateNeeded) Tuples() (res []event.StateKeyTuple) {
	if s.Create {
		res = append(res, event.StateKeyTuple{EventType: event.MRoomCreate, StateKey: ""})
	}
	if s.JoinRules {
		res = append(res, event.StateKeyTuple{EventType: event.MRoomJoinRules, StateKey: ""})
	}
	if s.PowerLevels {
		res = append(res, event.StateKeyTuple{EventType: event.MRoomPowerLevels, StateKey: ""})
	}
	for _, userID := range s.Member {
		res = append(res, event.StateKeyTuple{EventType: event.MRoomMember, StateKey: userID})
	}
	for _, token := range s.ThirdPartyInvite {
		res = append(res, event.StateKeyTuple{EventType: event.MRoomThirdPartyInvite, StateKey: token})
	}
	return
}

// AuthEventIDs returns the event IDs of the needed events that the provider
// holds, in a stable order.
func (s StateNeeded) AuthEventIDs(provider AuthEventProvider) ([]string, error) {
	var ids []string
	add := func(ev *event.Event, err error) error {
		if err != nil {
			return err
		}
		if ev != nil {
			ids = append(ids, ev.EventID())
		}
		return nil
	}
	if s.Create {
		if err := add(provider.Create()); err != nil {
			return nil, err
		}
	}
	if s.JoinRules {
		if err := add(provider.JoinRules()); err != nil {
			return nil, err
		}
	}
	if s.PowerLevels {
		if err := add(provider.PowerLevels()); err != nil {
			return nil, err
		}
	}
	for _, userID := range s.Member {
		if err := add(provider.Member(userID)); err != nil {
			return nil, err
		}
	}
	for _, token := range s.ThirdPartyInvite {
		if err := add(provider.ThirdPartyInvite(token)); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// StateNeededFor returns the state needed to authenticate an event with the
// given fields. It is usable before the event is built.
func StateNeededFor(eventType, sender string, stateKey *string, content []byte) StateNeeded {
	result := StateNeeded{}
	if eventType == event.MRoomCreate {
		// The create event has no auth events.
		return result
	}
	result.Create = true
	result.PowerLevels = true
	result.Member = append(result.Member, sender)

	if eventType != event.MRoomMember || stateKey == nil {
		return result
	}
	if *stateKey != sender {
		result.Member = append(result.Member, *stateKey)
	}
	c := gjson.ParseBytes(content)
	switch c.Get("membership").Str {
	case event.Invite:
		result.JoinRules = true
		if token := c.Get("third_party_invite.signed.token"); token.Type == gjson.String {
			result.ThirdPartyInvite = append(result.ThirdPartyInvite, token.Str)
		}
	case event.Join:
		result.JoinRules = true
		authoriser := c.Get("join_authorised_via_users_server")
		if authoriser.Type == gjson.String && authoriser.Str != sender && authoriser.Str != *stateKey {
			result.Member = append(result.Member, authoriser.Str)
		}
	case event.Knock:
		result.JoinRules = true
	}
	return result
}

// StateNeededForEvent returns the state needed to authenticate the event.
func StateNeededForEvent(ev *event.Event) StateNeeded {
	return StateNeededFor(ev.Type(), ev.Sender(), ev.StateKey(), ev.Content())
}

// ValidateAuthEvents checks the auth_events of an event: every entry has to
// be one the event needs and no (type, state_key) may appear twice.
func ValidateAuthEvents(ev *event.Event, authEvents []*event.Event) error {
	wanted := map[event.StateKeyTuple]struct{}{}
	for _, tuple := range StateNeededForEvent(ev).Tuples() {
		wanted[tuple] = struct{}{}
	}
	seen := make(map[event.StateKeyTuple]string, len(authEvents))
	for _, authEv := range authEvents {
		tuple, ok := authEv.StateKeyTuple()
		if !ok {
			return errorf("auth event %s is not a state event", authEv.EventID())
		}
		if authEv.RoomID() != ev.RoomID() {
			return errorf("auth event %s is from room %s", authEv.EventID(), authEv.RoomID())
		}
		if other, ok := seen[tuple]; ok {
			return errorf("auth events %s and %s both provide %s", other, authEv.EventID(), tuple)
		}
		seen[tuple] = authEv.EventID()
		if _, ok := wanted[tuple]; !ok {
			return errorf("auth event %s (%s) is not needed to authorise this event", authEv.EventID(), tuple)
		}
	}
	return nil
}

// NotAllowed is an error returned if an event does not pass the auth checks.
type NotAllowed struct {
	Message string
}

func (a *NotAllowed) Error() string {
	return "eventauth: " + a.Message
}

func errorf(message string, args ...interface{}) error {
	return &NotAllowed{Message: fmt.Sprintf(message, args...)}
}
