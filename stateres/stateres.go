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

// Package stateres picks a deterministic winner among state events that
// compete for the same (type, state_key).
package stateres

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/fedcore/auth"
	"github.com/matrix-org/fedcore/event"
)

// StateProvider is the room state the candidates are resolved against,
// usually the current state of the room.
type StateProvider interface {
	// StateEvent returns the event for the tuple or nil if there isn't one.
	StateEvent(ctx context.Context, tuple event.StateKeyTuple) (*event.Event, error)
}

// AuthEventLoader loads the events that auth chains refer to.
type AuthEventLoader interface {
	// EventsByID returns the events that are known. Unknown IDs are left out
	// of the result rather than reported as errors.
	EventsByID(ctx context.Context, eventIDs []string) ([]*event.Event, error)
}

// StateMap is a StateProvider over an in-memory map.
type StateMap map[event.StateKeyTuple]*event.Event

// StateEvent implements StateProvider
func (m StateMap) StateEvent(ctx context.Context, tuple event.StateKeyTuple) (*event.Event, error) {
	return m[tuple], nil
}

// EventMap is an AuthEventLoader over an in-memory map.
type EventMap map[string]*event.Event

// NewEventMap indexes the events by ID.
func NewEventMap(events ...*event.Event) EventMap {
	m := make(EventMap, len(events))
	for _, ev := range events {
		m[ev.EventID()] = ev
	}
	return m
}

// EventsByID implements AuthEventLoader
func (m EventMap) EventsByID(ctx context.Context, eventIDs []string) ([]*event.Event, error) {
	events := make([]*event.Event, 0, len(eventIDs))
	for _, id := range eventIDs {
		if ev, ok := m[id]; ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

// Resolve picks the winner among state events that share one (type,
// state_key). The order of the conflicted slice does not matter. The base
// state supplies every other key the auth checks need; its entry for the
// contested key is ignored.
func Resolve(
	ctx context.Context, conflicted []*event.Event, roomVersion event.RoomVersion,
	base StateProvider, authEvents AuthEventLoader,
) (*event.Event, error) {
	verImpl, err := event.GetRoomVersion(roomVersion)
	if err != nil {
		return nil, err
	}
	if len(conflicted) == 0 {
		return nil, fmt.Errorf("stateres: no events to resolve")
	}
	tuple, ok := conflicted[0].StateKeyTuple()
	if !ok {
		return nil, fmt.Errorf("stateres: event %s is not a state event", conflicted[0].EventID())
	}
	roomID := conflicted[0].RoomID()
	for _, ev := range conflicted[1:] {
		if t, ok := ev.StateKeyTuple(); !ok || t != tuple {
			return nil, fmt.Errorf("stateres: event %s does not compete for %s", ev.EventID(), tuple)
		}
		if ev.RoomID() != roomID {
			return nil, fmt.Errorf("stateres: event %s is not in room %s", ev.EventID(), roomID)
		}
	}

	r := &resolver{
		verImpl:  verImpl,
		tuple:    tuple,
		base:     base,
		arena:    newArena(roomID, tuple, authEvents),
		resolved: make(map[event.StateKeyTuple]*event.Event),
		logger: logrus.WithFields(logrus.Fields{
			"room_id":   roomID,
			"type":      tuple.EventType,
			"state_key": tuple.StateKey,
		}),
	}

	// Candidates go into the arena sorted by ID and without duplicates, so
	// nothing downstream can depend on the order they arrived in.
	sorted := make([]*event.Event, len(conflicted))
	copy(sorted, conflicted)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].EventID() < sorted[j].EventID()
	})
	var candidates []int
	for _, ev := range sorted {
		if _, ok := r.arena.index[ev.EventID()]; ok {
			continue
		}
		candidates = append(candidates, r.arena.add(ev))
	}
	for _, c := range candidates {
		if _, err = r.arena.authChain(ctx, c); err != nil {
			return nil, err
		}
	}

	switch verImpl.StateResAlgorithm() {
	case event.StateResV1:
		return r.resolveV1(ctx, candidates)
	case event.StateResV2:
		return r.resolveV2(ctx, candidates)
	default:
		return nil, fmt.Errorf("stateres: unsupported algorithm for room version %q", roomVersion)
	}
}

type resolver struct {
	verImpl event.VersionImpl
	tuple   event.StateKeyTuple
	base    StateProvider
	arena   *arena
	// resolved is the partially resolved state, laid over the base state.
	resolved map[event.StateKeyTuple]*event.Event
	logger   *logrus.Entry
}

// stateEvent looks a tuple up in the partially resolved state and then in
// the base state. The contested key only comes from the resolved state.
func (r *resolver) stateEvent(ctx context.Context, tuple event.StateKeyTuple) (*event.Event, error) {
	if ev, ok := r.resolved[tuple]; ok {
		return ev, nil
	}
	if tuple == r.tuple || r.base == nil {
		return nil, nil
	}
	return r.base.StateEvent(ctx, tuple)
}

// authEventsFor builds the auth state for an event: its own auth events,
// overridden by the resolved and base state for every key it needs.
func (r *resolver) authEventsFor(ctx context.Context, idx int) (*auth.AuthEvents, error) {
	parents, err := r.arena.authParents(ctx, idx)
	if err != nil {
		return nil, err
	}
	provider, _ := auth.NewAuthEvents(nil)
	for _, p := range parents {
		// Non-state auth events are simply not usable.
		_ = provider.AddEvent(r.arena.event(p))
	}
	for _, tuple := range auth.StateNeededForEvent(r.arena.event(idx)).Tuples() {
		ev, err := r.stateEvent(ctx, tuple)
		if err != nil {
			return nil, fmt.Errorf("r.stateEvent: %w", err)
		}
		if ev != nil {
			_ = provider.AddEvent(ev)
		}
	}
	return provider, nil
}

// iterativeAuthChecks checks the events in order, each against the state
// resolved so far, and adds the ones that pass to the resolved state.
func (r *resolver) iterativeAuthChecks(ctx context.Context, order []int) error {
	for _, idx := range order {
		ev := r.arena.event(idx)
		provider, err := r.authEventsFor(ctx, idx)
		if err != nil {
			return err
		}
		if err = auth.Allowed(ev, provider); err != nil {
			r.logger.WithError(err).Debugf("Discarding %s during state resolution", ev.EventID())
			continue
		}
		tuple, _ := ev.StateKeyTuple()
		r.resolved[tuple] = ev
	}
	return nil
}

// winner returns the resolved event for the contested key.
func (r *resolver) winner(candidates []int) (*event.Event, error) {
	if ev := r.resolved[r.tuple]; ev != nil {
		return ev, nil
	}
	set := make(eventSet, len(candidates))
	for _, c := range candidates {
		set[c] = struct{}{}
	}
	return nil, r.arena.fail(NoValidCandidate, r.arena.sortedIDs(set)...)
}
