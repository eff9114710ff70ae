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

package stateres

import (
	"context"
	"fmt"
	"sort"

	"github.com/matrix-org/fedcore/event"
)

type eventSet map[int]struct{}

// arena holds every event the resolver has seen. Events are addressed by
// their index, and the auth_events edges are kept as index lists so that
// traversals never chase pointers between events.
type arena struct {
	roomID  string
	tuple   event.StateKeyTuple
	loader  AuthEventLoader
	events  []*event.Event
	index   map[string]int
	parents map[int][]int
	chains  map[int]eventSet
}

func newArena(roomID string, tuple event.StateKeyTuple, loader AuthEventLoader) *arena {
	return &arena{
		roomID:  roomID,
		tuple:   tuple,
		loader:  loader,
		index:   make(map[string]int),
		parents: make(map[int][]int),
		chains:  make(map[int]eventSet),
	}
}

func (a *arena) add(ev *event.Event) int {
	if idx, ok := a.index[ev.EventID()]; ok {
		return idx
	}
	a.events = append(a.events, ev)
	idx := len(a.events) - 1
	a.index[ev.EventID()] = idx
	return idx
}

func (a *arena) event(idx int) *event.Event {
	return a.events[idx]
}

func (a *arena) fail(kind FailureKind, eventIDs ...string) error {
	return &StateResolutionError{
		RoomID:   a.roomID,
		Tuple:    a.tuple,
		Kind:     kind,
		EventIDs: eventIDs,
	}
}

// authParents returns the auth events of the event, loading any that the
// arena does not hold yet.
func (a *arena) authParents(ctx context.Context, idx int) ([]int, error) {
	if parents, ok := a.parents[idx]; ok {
		return parents, nil
	}
	authEventIDs := a.events[idx].AuthEventIDs()
	var missing []string
	for _, id := range authEventIDs {
		if _, ok := a.index[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		if a.loader == nil {
			return nil, a.fail(MissingAuthEvents, missing...)
		}
		loaded, err := a.loader.EventsByID(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("a.loader.EventsByID: %w", err)
		}
		for _, ev := range loaded {
			if ev == nil || ev.RoomID() != a.roomID {
				continue
			}
			a.add(ev)
		}
		var stillMissing []string
		for _, id := range missing {
			if _, ok := a.index[id]; !ok {
				stillMissing = append(stillMissing, id)
			}
		}
		if len(stillMissing) > 0 {
			return nil, a.fail(MissingAuthEvents, stillMissing...)
		}
	}
	parents := make([]int, 0, len(authEventIDs))
	for _, id := range authEventIDs {
		parents = append(parents, a.index[id])
	}
	a.parents[idx] = parents
	return parents, nil
}

// authChain returns every event reachable from the event through
// auth_events, excluding the event itself. The walk uses an explicit stack
// and fails on the first edge back into the current path.
func (a *arena) authChain(ctx context.Context, root int) (eventSet, error) {
	if chain, ok := a.chains[root]; ok {
		return chain, nil
	}
	const (
		onPath = iota + 1
		finished
	)
	type frame struct {
		node    int
		parents []int
		next    int
	}
	parents, err := a.authParents(ctx, root)
	if err != nil {
		return nil, err
	}
	state := map[int]int{root: onPath}
	stack := []frame{{node: root, parents: parents}}
	chain := eventSet{}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next == len(top.parents) {
			state[top.node] = finished
			stack = stack[:len(stack)-1]
			continue
		}
		parent := top.parents[top.next]
		top.next++
		switch state[parent] {
		case onPath:
			cycle := make([]string, 0, len(stack))
			for _, f := range stack {
				cycle = append(cycle, a.events[f.node].EventID())
			}
			return nil, a.fail(AuthChainCycle, append(cycle, a.events[parent].EventID())...)
		case finished:
			continue
		}
		state[parent] = onPath
		chain[parent] = struct{}{}
		grandparents, err := a.authParents(ctx, parent)
		if err != nil {
			return nil, err
		}
		stack = append(stack, frame{node: parent, parents: grandparents})
	}
	a.chains[root] = chain
	return chain, nil
}

// authParentOfType returns the auth event of the given type with an empty
// state key, or -1.
func (a *arena) authParentOfType(ctx context.Context, idx int, eventType string) (int, error) {
	parents, err := a.authParents(ctx, idx)
	if err != nil {
		return -1, err
	}
	for _, p := range parents {
		if ev := a.events[p]; ev.Type() == eventType && ev.StateKeyEquals("") {
			return p, nil
		}
	}
	return -1, nil
}

func (a *arena) sortedIDs(set eventSet) []string {
	ids := make([]string, 0, len(set))
	for idx := range set {
		ids = append(ids, a.events[idx].EventID())
	}
	sort.Strings(ids)
	return ids
}
