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
	"math/rand"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/roomserver/api"
	"github.com/matrix-org/fedcore/test"
)

func store(t *testing.T, db *test.InMemoryRoomserverDatabase, events ...*event.Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, db.StoreEvent(context.Background(), ev, api.Valid{Event: ev}, api.KindNew))
	}
}

// roomWithMessages returns a stored room with n messages after the initial
// state.
func roomWithMessages(t *testing.T, n int) (*test.Room, *Queryer, *test.InMemoryRoomserverDatabase, []*event.Event) {
	t.Helper()
	room := test.NewRoom(t, test.NewUser(t))
	var messages []*event.Event
	for i := 0; i < n; i++ {
		messages = append(messages, room.CreateAndInsert(t, room.Creator(), "m.room.message", map[string]string{"body": fmt.Sprintf("m%d", i)}))
	}
	db := test.NewInMemoryRoomserverDatabase()
	db.StoreRoom(t, room)
	return room, &Queryer{DB: db}, db, messages
}

func TestMissingEventsWalksBackFromLatest(t *testing.T) {
	room, r, _, m := roomWithMessages(t, 5)
	ctx := context.Background()

	got, err := r.MissingEvents(ctx, room.ID, []string{m[0].EventID()}, []string{m[4].EventID()}, 10, 0)
	require.NoError(t, err)
	test.AssertEventsEqual(t, got, []*event.Event{m[3], m[2], m[1]})

	got, err = r.MissingEvents(ctx, room.ID, []string{m[0].EventID()}, []string{m[4].EventID()}, 2, 0)
	require.NoError(t, err)
	test.AssertEventsEqual(t, got, []*event.Event{m[3], m[2]})

	got, err = r.MissingEvents(ctx, room.ID, nil, []string{m[4].EventID()}, 10, m[2].Depth())
	require.NoError(t, err)
	test.AssertEventsEqual(t, got, []*event.Event{m[3], m[2]})

	// Searching from unknown events or another room finds nothing.
	got, err = r.MissingEvents(ctx, room.ID, nil, []string{"$unknown"}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = r.MissingEvents(ctx, "!other:test", nil, []string{m[4].EventID()}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBackfillIncludesStartingEvents(t *testing.T) {
	room, r, _, m := roomWithMessages(t, 5)
	got, err := r.Backfill(context.Background(), room.ID, []string{m[4].EventID()}, 3)
	require.NoError(t, err)
	test.AssertEventsEqual(t, got, []*event.Event{m[4], m[3], m[2]})

	// Walking past the start of the room stops at the create event.
	got, err = r.Backfill(context.Background(), room.ID, []string{m[4].EventID()}, 100)
	require.NoError(t, err)
	assert.Len(t, got, len(room.Events()))
	assert.Equal(t, event.MRoomCreate, got[len(got)-1].Type())
}

func TestAuthChain(t *testing.T) {
	room := test.NewRoom(t, test.NewUser(t))
	bob := test.NewUser(t)
	join := room.CreateAndInsert(t, bob, event.MRoomMember, map[string]string{"membership": event.Join}, test.WithStateKey(bob.ID))
	db := test.NewInMemoryRoomserverDatabase()
	db.StoreRoom(t, room)
	r := &Queryer{DB: db}

	chain, err := r.AuthChain(context.Background(), []string{join.EventID()})
	require.NoError(t, err)
	want := []string{
		join.EventID(),
		room.StateEvent(event.MRoomCreate, "").EventID(),
		room.StateEvent(event.MRoomMember, room.Creator().ID).EventID(),
		room.StateEvent(event.MRoomPowerLevels, "").EventID(),
		room.StateEvent(event.MRoomJoinRules, "").EventID(),
	}
	test.AssertEventIDsMatch(t, eventIDs(chain), want)
	for i := 1; i < len(chain); i++ {
		assert.LessOrEqual(t, chain[i-1].Depth(), chain[i].Depth())
	}

	// Missing auth events are skipped.
	chain, err = r.AuthChain(context.Background(), []string{"$missing"})
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func TestStateAtEventFollowsLinearHistory(t *testing.T) {
	room := test.NewRoom(t, test.NewUser(t))
	bob := test.NewUser(t)
	room.CreateAndInsert(t, bob, event.MRoomMember, map[string]string{"membership": event.Join}, test.WithStateKey(bob.ID))
	room.CreateAndInsert(t, room.Creator(), "m.room.topic", map[string]string{"topic": "before"}, test.WithStateKey(""))
	want := room.CurrentState()
	message := room.CreateAndInsert(t, bob, "m.room.message", map[string]string{"body": "hi"})
	room.CreateAndInsert(t, room.Creator(), "m.room.topic", map[string]string{"topic": "after"}, test.WithStateKey(""))
	db := test.NewInMemoryRoomserverDatabase()
	db.StoreRoom(t, room)
	r := &Queryer{DB: db}

	state, err := r.StateAtEvent(context.Background(), room.ID, message.EventID())
	require.NoError(t, err)
	test.AssertEventsEqual(t, state, want)

	stateIDs, authChainIDs, err := r.StateIDs(context.Background(), room.ID, message.EventID())
	require.NoError(t, err)
	assert.Len(t, stateIDs, len(want))
	assert.Contains(t, authChainIDs, room.StateEvent(event.MRoomCreate, "").EventID())
}

func TestStateAtEventResolvesForks(t *testing.T) {
	room := test.NewRoom(t, test.NewUser(t))
	alice := room.Creator()
	base := room.ForwardExtremities()
	now := time.Now()
	older := room.CreateEvent(t, alice, "m.room.topic", map[string]string{"topic": "older"},
		test.WithStateKey(""), test.WithPrevEvents(base), test.WithTimestamp(now))
	newer := room.CreateEvent(t, alice, "m.room.topic", map[string]string{"topic": "newer"},
		test.WithStateKey(""), test.WithPrevEvents(base), test.WithTimestamp(now.Add(time.Minute)))
	room.AddEventWithoutState(older)
	room.AddEventWithoutState(newer)
	merge := room.CreateEvent(t, alice, "m.room.message", map[string]string{"body": "merged"},
		test.WithPrevEvents([]string{older.EventID(), newer.EventID()}))

	db := test.NewInMemoryRoomserverDatabase()
	db.StoreRoom(t, room)
	store(t, db, older, newer, merge)
	r := &Queryer{DB: db}

	state, err := r.StateAtEvent(context.Background(), room.ID, merge.EventID())
	require.NoError(t, err)
	ids := eventIDs(state)
	assert.Contains(t, ids, newer.EventID())
	assert.NotContains(t, ids, older.EventID())
	assert.Len(t, ids, len(room.CurrentState())+1)

	// The state before a fork does not contain either side.
	state, err = r.StateAtEvent(context.Background(), room.ID, older.EventID())
	require.NoError(t, err)
	ids = eventIDs(state)
	assert.NotContains(t, ids, newer.EventID())
	assert.NotContains(t, ids, older.EventID())
}

func TestStateAtUnknownEvent(t *testing.T) {
	room, r, _, m := roomWithMessages(t, 1)
	_, err := r.StateAtEvent(context.Background(), room.ID, "$unknown")
	assert.ErrorIs(t, err, ErrUnknownEvent)
	_, err = r.StateAtEvent(context.Background(), "!elsewhere:test", m[0].EventID())
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestMissingEventsProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)
	properties.Property("missing events are unseen ancestors within the limit", prop.ForAll(
		func(seed int64, size, limit int) bool {
			rng := rand.New(rand.NewSource(seed))
			room := test.NewRoom(t, test.NewUser(t))
			db := test.NewInMemoryRoomserverDatabase()
			db.StoreRoom(t, room)
			dag := append([]*event.Event(nil), room.Events()...)
			for i := 0; i < size; i++ {
				prevs := []string{dag[rng.Intn(len(dag))].EventID()}
				if other := dag[rng.Intn(len(dag))].EventID(); other != prevs[0] && rng.Intn(2) == 0 {
					prevs = append(prevs, other)
				}
				ev := room.CreateEvent(t, room.Creator(), "m.room.message", map[string]int{"n": i}, test.WithPrevEvents(prevs))
				room.AddEventWithoutState(ev)
				store(t, db, ev)
				dag = append(dag, ev)
			}
			latest := dag[len(dag)-1]
			earliest := dag[rng.Intn(len(dag))]

			got, err := (&Queryer{DB: db}).MissingEvents(context.Background(), room.ID,
				[]string{earliest.EventID()}, []string{latest.EventID()}, limit, 0)
			if err != nil || len(got) > limit {
				return false
			}

			ancestors := map[string]bool{}
			front := latest.PrevEventIDs()
			for len(front) > 0 {
				id := front[0]
				front = front[1:]
				if ancestors[id] {
					continue
				}
				ancestors[id] = true
				front = append(front, room.EventByID(id).PrevEventIDs()...)
			}
			seen := map[string]bool{}
			for _, ev := range got {
				id := ev.EventID()
				if seen[id] || !ancestors[id] || id == earliest.EventID() || id == latest.EventID() {
					return false
				}
				seen[id] = true
			}
			return true
		},
		gen.Int64(),
		gen.IntRange(1, 15),
		gen.IntRange(1, 20),
	))
	properties.TestingRun(t)
}
