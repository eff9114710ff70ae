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

// Package query answers the questions other servers ask about rooms: which
// events they are missing, the auth chain of events and the state at an
// event.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/internal"
)

// ErrUnknownEvent is returned when a query starts from an event that is not
// stored, or not stored in the room the query is about.
var ErrUnknownEvent = errors.New("query: unknown event")

// Database is the storage queries read from. The roomserver's api.Database
// satisfies it.
type Database interface {
	Event(ctx context.Context, eventID string) (*event.Event, error)
	EventsByID(ctx context.Context, eventIDs []string) ([]*event.Event, error)
	RoomVersion(ctx context.Context, roomID string) (event.RoomVersion, error)
}

type Queryer struct {
	DB Database
}

// MissingEvents walks back from latest over prev_events, breadth first, and
// returns up to limit events that the requester, who has earliest, does not
// have. The latest events themselves are not returned. Events below minDepth
// are neither returned nor walked past.
func (r *Queryer) MissingEvents(
	ctx context.Context, roomID string, earliest, latest []string, limit int, minDepth int64,
) ([]*event.Event, error) {
	trace, ctx := internal.StartRegion(ctx, "MissingEvents")
	defer trace.End()

	visited := make(map[string]bool, len(earliest)+len(latest)+limit)
	for _, id := range earliest {
		visited[id] = true
	}
	var front []string
	for _, id := range latest {
		if !visited[id] {
			visited[id] = true
			front = append(front, id)
		}
	}
	start, err := r.DB.EventsByID(ctx, front)
	if err != nil {
		return nil, err
	}
	front = nil
	for _, ev := range start {
		if ev.RoomID() == roomID {
			front = append(front, ev.PrevEventIDs()...)
		}
	}
	if len(front) == 0 {
		// we are missing the events being asked to search from, give up.
		return nil, nil
	}
	return r.walkPrevEvents(ctx, roomID, front, visited, limit, minDepth)
}

// Backfill returns up to limit events, starting with the from events and
// walking back over prev_events breadth first.
func (r *Queryer) Backfill(ctx context.Context, roomID string, from []string, limit int) ([]*event.Event, error) {
	trace, ctx := internal.StartRegion(ctx, "Backfill")
	defer trace.End()
	return r.walkPrevEvents(ctx, roomID, from, map[string]bool{}, limit, 0)
}

// walkPrevEvents visits the front and everything before it, one generation
// per database round trip.
func (r *Queryer) walkPrevEvents(
	ctx context.Context, roomID string, front []string, visited map[string]bool, limit int, minDepth int64,
) ([]*event.Event, error) {
	var result []*event.Event
	for len(front) > 0 && len(result) < limit {
		var next []string
		for _, id := range front {
			if !visited[id] {
				visited[id] = true
				next = append(next, id)
			}
		}
		if len(next) == 0 {
			break
		}
		events, err := r.DB.EventsByID(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("r.DB.EventsByID: %w", err)
		}
		byID := make(map[string]*event.Event, len(events))
		for _, ev := range events {
			byID[ev.EventID()] = ev
		}

		// Keep the order in which the IDs were found.
		front = nil
		for _, id := range next {
			ev, ok := byID[id]
			if !ok || ev.RoomID() != roomID || ev.Depth() < minDepth {
				continue
			}
			result = append(result, ev)
			if len(result) == limit {
				break
			}
			front = append(front, ev.PrevEventIDs()...)
		}
	}
	return result, nil
}

type eventsFromIDs func(context.Context, []string) ([]*event.Event, error)

// GetAuthChain fetches the auth chain for the given auth events. An auth chain
// is the list of all events that are referenced in the auth_events section, and
// all their auth_events, recursively. The returned set of events contain the
// given events, ordered by depth and then event ID. Will *not* error if we
// don't have all auth events.
func GetAuthChain(ctx context.Context, fn eventsFromIDs, authEventIDs []string) ([]*event.Event, error) {
	eventsToFetch := append([]string(nil), authEventIDs...)
	authEventsMap := make(map[string]*event.Event)

	for len(eventsToFetch) > 0 {
		events, err := fn(ctx, eventsToFetch)
		if err != nil {
			return nil, err
		}
		eventsToFetch = eventsToFetch[:0]
		for _, ev := range events {
			if _, ok := authEventsMap[ev.EventID()]; ok {
				continue
			}
			authEventsMap[ev.EventID()] = ev
			for _, authEventID := range ev.AuthEventIDs() {
				if _, ok := authEventsMap[authEventID]; !ok {
					eventsToFetch = append(eventsToFetch, authEventID)
				}
			}
		}
	}

	authEvents := make([]*event.Event, 0, len(authEventsMap))
	for _, ev := range authEventsMap {
		authEvents = append(authEvents, ev)
	}
	sortByDepth(authEvents)
	return authEvents, nil
}

// AuthChain returns the auth chain of the events, including the events.
func (r *Queryer) AuthChain(ctx context.Context, eventIDs []string) ([]*event.Event, error) {
	return GetAuthChain(ctx, r.DB.EventsByID, eventIDs)
}

// StateAndAuthChain returns the state of the room before the event and the
// auth chain of that state.
func (r *Queryer) StateAndAuthChain(ctx context.Context, roomID, eventID string) (state, authChain []*event.Event, err error) {
	state, err = r.StateAtEvent(ctx, roomID, eventID)
	if err != nil {
		return nil, nil, err
	}
	var authEventIDs []string
	for _, ev := range state {
		authEventIDs = append(authEventIDs, ev.AuthEventIDs()...)
	}
	authChain, err = r.AuthChain(ctx, authEventIDs)
	if err != nil {
		return nil, nil, err
	}
	return state, authChain, nil
}

// StateIDs is StateAndAuthChain for callers that only want the IDs.
func (r *Queryer) StateIDs(ctx context.Context, roomID, eventID string) (stateIDs, authChainIDs []string, err error) {
	state, authChain, err := r.StateAndAuthChain(ctx, roomID, eventID)
	if err != nil {
		return nil, nil, err
	}
	return eventIDs(state), eventIDs(authChain), nil
}

func eventIDs(events []*event.Event) []string {
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.EventID())
	}
	return ids
}

func sortByDepth(events []*event.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Depth() != events[j].Depth() {
			return events[i].Depth() < events[j].Depth()
		}
		return events[i].EventID() < events[j].EventID()
	})
}
