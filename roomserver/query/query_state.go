// Copyright 2020 The Matrix.org Foundation C.I.C.
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

package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/internal"
	"github.com/matrix-org/fedcore/stateres"
)

// StateAtEvent returns the state of the room before the event, worked out
// by replaying the stored events that precede it. Where branches of the
// room disagree about a key, the branches are resolved against each other.
// Events whose prev events are not stored start from empty state.
func (r *Queryer) StateAtEvent(ctx context.Context, roomID, eventID string) ([]*event.Event, error) {
	trace, ctx := internal.StartRegion(ctx, "StateAtEvent")
	defer trace.End()

	target, err := r.DB.Event(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("r.DB.Event: %w", err)
	}
	if target == nil || target.RoomID() != roomID {
		return nil, ErrUnknownEvent
	}
	roomVersion, err := r.DB.RoomVersion(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("r.DB.RoomVersion: %w", err)
	}
	if roomVersion == "" {
		roomVersion = target.Version()
	}

	ancestors, err := r.ancestors(ctx, target)
	if err != nil {
		return nil, err
	}
	after := make(map[string]stateres.StateMap, len(ancestors))
	for _, ev := range ancestors {
		state, err := r.mergeStates(ctx, roomVersion, ev.PrevEventIDs(), after)
		if err != nil {
			trace.LogError(err)
			return nil, err
		}
		if tuple, ok := ev.StateKeyTuple(); ok {
			state[tuple] = ev
		}
		after[ev.EventID()] = state
	}
	before, err := r.mergeStates(ctx, roomVersion, target.PrevEventIDs(), after)
	if err != nil {
		trace.LogError(err)
		return nil, err
	}

	state := make([]*event.Event, 0, len(before))
	for _, ev := range before {
		state = append(state, ev)
	}
	sort.Slice(state, func(i, j int) bool {
		return state[i].EventID() < state[j].EventID()
	})
	return state, nil
}

// ancestors returns the stored events before the target, each one after all
// of its prev events.
func (r *Queryer) ancestors(ctx context.Context, target *event.Event) ([]*event.Event, error) {
	events := map[string]*event.Event{}
	front := target.PrevEventIDs()
	for len(front) > 0 {
		var wanted []string
		for _, id := range front {
			if _, ok := events[id]; !ok && id != target.EventID() {
				wanted = append(wanted, id)
			}
		}
		if len(wanted) == 0 {
			break
		}
		found, err := r.DB.EventsByID(ctx, wanted)
		if err != nil {
			return nil, fmt.Errorf("r.DB.EventsByID: %w", err)
		}
		front = nil
		for _, ev := range found {
			if ev.RoomID() != target.RoomID() {
				continue
			}
			if _, ok := events[ev.EventID()]; ok {
				continue
			}
			events[ev.EventID()] = ev
			front = append(front, ev.PrevEventIDs()...)
		}
	}

	// Kahn's algorithm, taking the shallowest ready event first.
	pending := make(map[string]int, len(events))
	children := make(map[string][]string, len(events))
	var ready []*event.Event
	for id, ev := range events {
		for _, prevID := range ev.PrevEventIDs() {
			if _, ok := events[prevID]; ok {
				pending[id]++
				children[prevID] = append(children[prevID], id)
			}
		}
		if pending[id] == 0 {
			ready = append(ready, ev)
		}
	}
	ordered := make([]*event.Event, 0, len(events))
	for len(ready) > 0 {
		sortByDepth(ready)
		ev := ready[0]
		ready = ready[1:]
		ordered = append(ordered, ev)
		for _, childID := range children[ev.EventID()] {
			pending[childID]--
			if pending[childID] == 0 {
				ready = append(ready, events[childID])
			}
		}
	}
	if len(ordered) != len(events) {
		return nil, fmt.Errorf("prev events of %s form a cycle", target.EventID())
	}
	return ordered, nil
}

// mergeStates returns the state after all of the prev events. Keys the
// branches agree on are taken as they are; the rest are resolved.
func (r *Queryer) mergeStates(
	ctx context.Context, roomVersion event.RoomVersion, prevEventIDs []string, after map[string]stateres.StateMap,
) (stateres.StateMap, error) {
	var branches []stateres.StateMap
	for _, id := range prevEventIDs {
		if state, ok := after[id]; ok {
			branches = append(branches, state)
		}
	}
	merged := stateres.StateMap{}
	if len(branches) == 1 {
		for tuple, ev := range branches[0] {
			merged[tuple] = ev
		}
		return merged, nil
	}

	candidates := map[event.StateKeyTuple]map[string]*event.Event{}
	for _, branch := range branches {
		for tuple, ev := range branch {
			if candidates[tuple] == nil {
				candidates[tuple] = map[string]*event.Event{}
			}
			candidates[tuple][ev.EventID()] = ev
		}
	}
	var conflicted []event.StateKeyTuple
	for tuple, evs := range candidates {
		if len(evs) == 1 {
			for _, ev := range evs {
				merged[tuple] = ev
			}
			continue
		}
		conflicted = append(conflicted, tuple)
	}

	// Auth events first, so that later keys are resolved against them.
	sort.Slice(conflicted, func(i, j int) bool {
		ri, rj := resolveRank(conflicted[i].EventType), resolveRank(conflicted[j].EventType)
		if ri != rj {
			return ri < rj
		}
		if conflicted[i].EventType != conflicted[j].EventType {
			return conflicted[i].EventType < conflicted[j].EventType
		}
		return conflicted[i].StateKey < conflicted[j].StateKey
	})
	for _, tuple := range conflicted {
		evs := make([]*event.Event, 0, len(candidates[tuple]))
		for _, ev := range candidates[tuple] {
			evs = append(evs, ev)
		}
		winner, err := stateres.Resolve(ctx, evs, roomVersion, merged, r.DB)
		if err != nil {
			return nil, fmt.Errorf("stateres.Resolve: %w", err)
		}
		merged[tuple] = winner
	}
	return merged, nil
}

func resolveRank(eventType string) int {
	switch eventType {
	case event.MRoomCreate:
		return 0
	case event.MRoomPowerLevels:
		return 1
	case event.MRoomJoinRules:
		return 2
	case event.MRoomMember:
		return 3
	case event.MRoomThirdPartyInvite:
		return 4
	default:
		return 5
	}
}
