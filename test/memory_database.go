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
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/roomserver/api"
)

// InMemoryRoomserverDatabase is an api.Database for tests.
type InMemoryRoomserverDatabase struct {
	mu          sync.RWMutex
	events      map[string]*event.Event
	outcomes    map[string]api.Outcome
	kinds       map[string]api.EventKind
	rooms       map[string]event.RoomVersion
	state       map[string]map[event.StateKeyTuple]string
	extremities map[string]map[string]struct{}
	referenced  map[string]struct{}
	// StoreErr, if set, is returned by StoreEvent.
	StoreErr error
}

var _ api.Database = &InMemoryRoomserverDatabase{}

func NewInMemoryRoomserverDatabase() *InMemoryRoomserverDatabase {
	return &InMemoryRoomserverDatabase{
		events:      make(map[string]*event.Event),
		outcomes:    make(map[string]api.Outcome),
		kinds:       make(map[string]api.EventKind),
		rooms:       make(map[string]event.RoomVersion),
		state:       make(map[string]map[event.StateKeyTuple]string),
		extremities: make(map[string]map[string]struct{}),
		referenced:  make(map[string]struct{}),
	}
}

// StoreRoom stores every event of the room as valid and makes the room's
// current state the stored current state.
func (d *InMemoryRoomserverDatabase) StoreRoom(t *testing.T, room *Room) {
	t.Helper()
	ctx := context.Background()
	for _, ev := range room.Events() {
		if err := d.StoreEvent(ctx, ev, api.Valid{Event: ev}, api.KindNew); err != nil {
			t.Fatalf("StoreRoom: %s", err)
		}
	}
	for _, ev := range room.CurrentState() {
		tuple, _ := ev.StateKeyTuple()
		if err := d.SetCurrentStateEvent(ctx, room.ID, tuple, ev.EventID()); err != nil {
			t.Fatalf("StoreRoom: %s", err)
		}
	}
}

// Kind returns how a stored event was stored.
func (d *InMemoryRoomserverDatabase) Kind(eventID string) (api.EventKind, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	kind, ok := d.kinds[eventID]
	return kind, ok
}

// Len returns the number of stored events.
func (d *InMemoryRoomserverDatabase) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.events)
}

func (d *InMemoryRoomserverDatabase) Event(ctx context.Context, eventID string) (*event.Event, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.events[eventID], nil
}

func (d *InMemoryRoomserverDatabase) EventsByID(ctx context.Context, eventIDs []string) ([]*event.Event, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var events []*event.Event
	for _, eventID := range eventIDs {
		if ev, ok := d.events[eventID]; ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (d *InMemoryRoomserverDatabase) Outcome(ctx context.Context, eventID string) (api.Outcome, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.outcomes[eventID], nil
}

func (d *InMemoryRoomserverDatabase) RoomVersion(ctx context.Context, roomID string) (event.RoomVersion, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rooms[roomID], nil
}

func (d *InMemoryRoomserverDatabase) KnownRooms(ctx context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	roomIDs := make([]string, 0, len(d.rooms))
	for roomID := range d.rooms {
		roomIDs = append(roomIDs, roomID)
	}
	sort.Strings(roomIDs)
	return roomIDs, nil
}

func (d *InMemoryRoomserverDatabase) CurrentState(ctx context.Context, roomID string) (map[event.StateKeyTuple]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	state := make(map[event.StateKeyTuple]string, len(d.state[roomID]))
	for tuple, eventID := range d.state[roomID] {
		state[tuple] = eventID
	}
	return state, nil
}

func (d *InMemoryRoomserverDatabase) StateEvent(ctx context.Context, roomID, evType, stateKey string) (*event.Event, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	eventID, ok := d.state[roomID][event.StateKeyTuple{EventType: evType, StateKey: stateKey}]
	if !ok {
		return nil, nil
	}
	return d.events[eventID], nil
}

func (d *InMemoryRoomserverDatabase) ForwardExtremities(ctx context.Context, roomID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	eventIDs := make([]string, 0, len(d.extremities[roomID]))
	for eventID := range d.extremities[roomID] {
		eventIDs = append(eventIDs, eventID)
	}
	sort.Strings(eventIDs)
	return eventIDs, nil
}

func (d *InMemoryRoomserverDatabase) StoreEvent(ctx context.Context, ev *event.Event, result api.ValidationResult, kind api.EventKind) error {
	if d.StoreErr != nil {
		return d.StoreErr
	}
	if result.Outcome() == api.OutcomeRejected {
		return fmt.Errorf("StoreEvent: rejected events are not stored")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.events[ev.EventID()]; ok {
		return nil
	}
	d.events[ev.EventID()] = ev
	d.outcomes[ev.EventID()] = result.Outcome()
	d.kinds[ev.EventID()] = kind
	valid := result.Outcome() == api.OutcomeValid
	if valid && ev.Type() == event.MRoomCreate && ev.StateKeyEquals("") {
		d.rooms[ev.RoomID()] = ev.Version()
	}
	if !valid || kind != api.KindNew {
		return nil
	}
	extremities := d.extremities[ev.RoomID()]
	if extremities == nil {
		extremities = make(map[string]struct{})
		d.extremities[ev.RoomID()] = extremities
	}
	for _, prevEventID := range ev.PrevEventIDs() {
		d.referenced[prevEventID] = struct{}{}
		delete(extremities, prevEventID)
	}
	if _, ok := d.referenced[ev.EventID()]; !ok {
		extremities[ev.EventID()] = struct{}{}
	}
	return nil
}

func (d *InMemoryRoomserverDatabase) SetCurrentStateEvent(ctx context.Context, roomID string, tuple event.StateKeyTuple, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state[roomID] == nil {
		d.state[roomID] = make(map[event.StateKeyTuple]string)
	}
	d.state[roomID][tuple] = eventID
	return nil
}
