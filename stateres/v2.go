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
	"container/heap"
	"context"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/matrix-org/fedcore/auth"
	"github.com/matrix-org/fedcore/event"
)

func (r *resolver) resolveV2(ctx context.Context, candidates []int) (*event.Event, error) {
	// The auth difference is every event in some but not all of the
	// candidates' auth chains.
	counts := map[int]int{}
	for _, c := range candidates {
		chain, err := r.arena.authChain(ctx, c)
		if err != nil {
			return nil, err
		}
		for idx := range chain {
			counts[idx]++
		}
	}
	full := make(eventSet, len(candidates)+len(counts))
	for _, c := range candidates {
		full[c] = struct{}{}
	}
	for idx, count := range counts {
		if count < len(candidates) {
			full[idx] = struct{}{}
		}
	}

	// Power events, with their auth ancestors that are part of the full
	// conflicted set.
	power := eventSet{}
	for idx := range full {
		if !isPowerEvent(r.arena.event(idx)) {
			continue
		}
		power[idx] = struct{}{}
		chain, err := r.arena.authChain(ctx, idx)
		if err != nil {
			return nil, err
		}
		for ancestor := range chain {
			if _, ok := full[ancestor]; ok {
				power[ancestor] = struct{}{}
			}
		}
	}

	powerOrder, err := r.reverseTopologicalPowerOrder(ctx, power)
	if err != nil {
		return nil, err
	}
	if err = r.iterativeAuthChecks(ctx, powerOrder); err != nil {
		return nil, err
	}

	others := make([]int, 0, len(full)-len(power))
	for idx := range full {
		if _, ok := power[idx]; !ok {
			others = append(others, idx)
		}
	}
	if err = r.mainlineSort(ctx, others); err != nil {
		return nil, err
	}
	if err = r.iterativeAuthChecks(ctx, others); err != nil {
		return nil, err
	}
	return r.winner(candidates)
}

// isPowerEvent reports whether the event can change who may do what:
// create, power levels, join rules, and kicks or bans.
func isPowerEvent(ev *event.Event) bool {
	switch ev.Type() {
	case event.MRoomCreate, event.MRoomPowerLevels, event.MRoomJoinRules:
		return ev.StateKeyEquals("")
	case event.MRoomMember:
		stateKey := ev.StateKey()
		if stateKey == nil || *stateKey == ev.Sender() {
			return false
		}
		membership, err := ev.Membership()
		return err == nil && (membership == event.Leave || membership == event.Ban)
	}
	return false
}

type powerOrderEntry struct {
	idx         int
	senderLevel int64
	ts          int64
	eventID     string
}

// powerOrderHeap pops the highest sender level first, then the oldest
// origin_server_ts, then the lowest event ID.
type powerOrderHeap []powerOrderEntry

func (h powerOrderHeap) Len() int { return len(h) }
func (h powerOrderHeap) Less(i, j int) bool {
	if h[i].senderLevel != h[j].senderLevel {
		return h[i].senderLevel > h[j].senderLevel
	}
	if h[i].ts != h[j].ts {
		return h[i].ts < h[j].ts
	}
	return h[i].eventID < h[j].eventID
}
func (h powerOrderHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *powerOrderHeap) Push(x interface{}) { *h = append(*h, x.(powerOrderEntry)) }
func (h *powerOrderHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// reverseTopologicalPowerOrder sorts the events with Kahn's algorithm so that
// every event comes after the auth events it has in the set.
func (r *resolver) reverseTopologicalPowerOrder(ctx context.Context, set eventSet) ([]int, error) {
	inDegree := make(map[int]int, len(set))
	children := make(map[int][]int, len(set))
	for idx := range set {
		parents, err := r.arena.authParents(ctx, idx)
		if err != nil {
			return nil, err
		}
		if _, ok := inDegree[idx]; !ok {
			inDegree[idx] = 0
		}
		for _, p := range parents {
			if _, ok := set[p]; ok {
				inDegree[idx]++
				children[p] = append(children[p], idx)
			}
		}
	}

	entry := func(idx int) (powerOrderEntry, error) {
		level, err := r.senderPowerLevel(ctx, idx)
		if err != nil {
			return powerOrderEntry{}, err
		}
		ev := r.arena.event(idx)
		return powerOrderEntry{
			idx:         idx,
			senderLevel: level,
			ts:          int64(ev.OriginServerTS()),
			eventID:     ev.EventID(),
		}, nil
	}

	ready := &powerOrderHeap{}
	for idx, degree := range inDegree {
		if degree == 0 {
			e, err := entry(idx)
			if err != nil {
				return nil, err
			}
			heap.Push(ready, e)
		}
	}
	order := make([]int, 0, len(set))
	for ready.Len() > 0 {
		next := heap.Pop(ready).(powerOrderEntry)
		order = append(order, next.idx)
		for _, child := range children[next.idx] {
			inDegree[child]--
			if inDegree[child] == 0 {
				e, err := entry(child)
				if err != nil {
					return nil, err
				}
				heap.Push(ready, e)
			}
		}
	}
	if len(order) != len(set) {
		return nil, r.arena.fail(AuthChainCycle, r.arena.sortedIDs(set)...)
	}
	return order, nil
}

// senderPowerLevel is the sender's level according to the power levels in
// the event's own auth events. Without power levels the room creator has
// 100 and everybody else 0.
func (r *resolver) senderPowerLevel(ctx context.Context, idx int) (int64, error) {
	ev := r.arena.event(idx)
	plIdx, err := r.arena.authParentOfType(ctx, idx, event.MRoomPowerLevels)
	if err != nil {
		return 0, err
	}
	if plIdx >= 0 {
		pl, err := auth.NewPowerLevelContentFromEvent(r.arena.event(plIdx))
		if err != nil {
			// Broken power levels cannot have been accepted, so they grant
			// nothing.
			return 0, nil
		}
		return pl.UserLevel(ev.Sender()), nil
	}
	createIdx, err := r.arena.authParentOfType(ctx, idx, event.MRoomCreate)
	if err != nil {
		return 0, err
	}
	if createIdx < 0 {
		if ev.Type() == event.MRoomCreate {
			return 100, nil
		}
		return 0, nil
	}
	create := r.arena.event(createIdx)
	creator := create.Sender()
	if !create.VersionImpl().CreatorFromSender() {
		creator = gjson.GetBytes(create.Content(), "creator").Str
	}
	if ev.Sender() == creator {
		return 100, nil
	}
	return 0, nil
}

// mainlineSort orders events by the position of their closest power levels
// event on the mainline of the resolved power levels, then by
// origin_server_ts and event ID.
func (r *resolver) mainlineSort(ctx context.Context, events []int) error {
	resolvedPL, err := r.stateEvent(ctx, event.StateKeyTuple{EventType: event.MRoomPowerLevels, StateKey: ""})
	if err != nil {
		return err
	}

	// Positions count from the oldest power levels event, starting at 1.
	// Events that reach no mainline event get 0 and sort first.
	mainline := map[int]int{}
	if resolvedPL != nil {
		var chain []int
		visited := eventSet{}
		for idx := r.arena.add(resolvedPL); idx >= 0; {
			if _, ok := visited[idx]; ok {
				return r.arena.fail(AuthChainCycle, r.arena.event(idx).EventID())
			}
			visited[idx] = struct{}{}
			chain = append(chain, idx)
			if idx, err = r.arena.authParentOfType(ctx, idx, event.MRoomPowerLevels); err != nil {
				return err
			}
		}
		for i, idx := range chain {
			mainline[idx] = len(chain) - i
		}
	}

	positions := make(map[int]int, len(events))
	for _, start := range events {
		visited := eventSet{}
		for idx := start; idx >= 0; {
			if pos, ok := mainline[idx]; ok {
				positions[start] = pos
				break
			}
			if _, ok := visited[idx]; ok {
				return r.arena.fail(AuthChainCycle, r.arena.event(idx).EventID())
			}
			visited[idx] = struct{}{}
			if idx, err = r.arena.authParentOfType(ctx, idx, event.MRoomPowerLevels); err != nil {
				return err
			}
		}
	}

	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if positions[a] != positions[b] {
			return positions[a] < positions[b]
		}
		evA, evB := r.arena.event(a), r.arena.event(b)
		if evA.OriginServerTS() != evB.OriginServerTS() {
			return evA.OriginServerTS() < evB.OriginServerTS()
		}
		return evA.EventID() < evB.EventID()
	})
	return nil
}
