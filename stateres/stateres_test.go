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

package stateres_test

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/stateres"
	"github.com/matrix-org/fedcore/test"
)

func stateOf(room *test.Room) stateres.StateMap {
	m := stateres.StateMap{}
	for _, ev := range room.CurrentState() {
		tuple, _ := ev.StateKeyTuple()
		m[tuple] = ev
	}
	return m
}

func resolve(t *testing.T, room *test.Room, candidates ...*event.Event) (*event.Event, error) {
	t.Helper()
	return stateres.Resolve(
		context.Background(), candidates, room.Version,
		stateOf(room), stateres.NewEventMap(room.Events()...),
	)
}

// powerLevelsFork returns a room where bob has level 50, which is enough to
// send power levels, plus two competing power levels events: alice demoting
// bob and bob lowering the kick level afterwards.
func powerLevelsFork(t *testing.T, roomVersion event.RoomVersion) (room *test.Room, demote, lowerKick *event.Event) {
	alice, bob := test.NewUser(t), test.NewUser(t)
	room = test.NewRoom(t, alice, test.RoomVersion(roomVersion))
	room.CreateAndInsert(t, bob, event.MRoomMember, map[string]string{"membership": event.Join}, test.WithStateKey(bob.ID))

	levels := func(bobLevel, kick int64) map[string]interface{} {
		content := test.InitialPowerLevelsContent(alice.ID)
		content["events"].(map[string]int64)[event.MRoomPowerLevels] = 50
		content["users"] = map[string]int64{alice.ID: 100, bob.ID: bobLevel}
		content["kick"] = kick
		return content
	}
	room.CreateAndInsert(t, alice, event.MRoomPowerLevels, levels(50, 50), test.WithStateKey(""))

	now := time.Now()
	demote = room.CreateEvent(t, alice, event.MRoomPowerLevels, levels(0, 50),
		test.WithStateKey(""), test.WithTimestamp(now))
	lowerKick = room.CreateEvent(t, bob, event.MRoomPowerLevels, levels(50, 40),
		test.WithStateKey(""), test.WithTimestamp(now.Add(time.Minute)))
	room.AddEventWithoutState(demote)
	room.AddEventWithoutState(lowerKick)
	return room, demote, lowerKick
}

func TestPowerBeatsTimestamp(t *testing.T) {
	room, demote, lowerKick := powerLevelsFork(t, event.RoomVersionV10)

	winner, err := resolve(t, room, lowerKick, demote)
	require.NoError(t, err)
	assert.Equal(t, demote.EventID(), winner.EventID())

	winner, err = resolve(t, room, demote, lowerKick)
	require.NoError(t, err)
	assert.Equal(t, demote.EventID(), winner.EventID())
}

func TestPowerLevelsV1(t *testing.T) {
	room, demote, lowerKick := powerLevelsFork(t, event.RoomVersionV1)
	winner, err := resolve(t, room, lowerKick, demote)
	require.NoError(t, err)
	assert.Equal(t, demote.EventID(), winner.EventID())
}

func TestSequentialPowerLevels(t *testing.T) {
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	current := room.StateEvent(event.MRoomPowerLevels, "")
	content := test.InitialPowerLevelsContent(alice.ID)
	content["ban"] = 60
	next := room.CreateEvent(t, alice, event.MRoomPowerLevels, content, test.WithStateKey(""))

	winner, err := resolve(t, room, current, next)
	require.NoError(t, err)
	assert.Equal(t, next.EventID(), winner.EventID())
}

func TestTopicsOrderedByTimestamp(t *testing.T) {
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	now := time.Now()
	older := room.CreateEvent(t, alice, "m.room.topic", map[string]string{"topic": "older"},
		test.WithStateKey(""), test.WithTimestamp(now))
	newer := room.CreateEvent(t, alice, "m.room.topic", map[string]string{"topic": "newer"},
		test.WithStateKey(""), test.WithTimestamp(now.Add(time.Second)))

	for _, input := range [][]*event.Event{{older, newer}, {newer, older}} {
		winner, err := resolve(t, room, input...)
		require.NoError(t, err)
		assert.Equal(t, newer.EventID(), winner.EventID())
	}
}

func TestResolutionIsIndependentOfInputOrder(t *testing.T) {
	alice, bob := test.NewUser(t), test.NewUser(t)
	room := test.NewRoom(t, alice)
	room.CreateAndInsert(t, bob, event.MRoomMember, map[string]string{"membership": event.Join}, test.WithStateKey(bob.ID))
	now := time.Now()
	var candidates []*event.Event
	for i := 0; i < 6; i++ {
		sender := alice
		if i%2 == 1 {
			// bob cannot send topics, so his are discarded.
			sender = bob
		}
		ev := room.CreateEvent(t, sender, "m.room.topic", map[string]string{"topic": fmt.Sprintf("topic %d", i)},
			test.WithStateKey(""), test.WithTimestamp(now.Add(time.Duration(i%3)*time.Second)), test.WithoutAuthCheck())
		candidates = append(candidates, ev)
	}
	want, err := resolve(t, room, candidates...)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, want.Sender())

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)
	properties.Property("the winner does not depend on the input order", prop.ForAll(
		func(seed int64) bool {
			shuffled := make([]*event.Event, len(candidates))
			copy(shuffled, candidates)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			got, err := resolve(t, room, shuffled...)
			return err == nil && got.EventID() == want.EventID()
		},
		gen.Int64(),
	))
	properties.TestingRun(t)
}

func TestV1OrdersByDepthThenSHA1(t *testing.T) {
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice, test.RoomVersion(event.RoomVersionV1))
	first := room.CreateEvent(t, alice, "m.room.topic", map[string]string{"topic": "a"}, test.WithStateKey(""))
	second := room.CreateEvent(t, alice, "m.room.topic", map[string]string{"topic": "b"}, test.WithStateKey(""))

	// Same depth: the lowest SHA-1 of the event ID sorts last and wins.
	want := first
	sumFirst, sumSecond := sha1.Sum([]byte(first.EventID())), sha1.Sum([]byte(second.EventID()))
	if bytes.Compare(sumSecond[:], sumFirst[:]) < 0 {
		want = second
	}
	winner, err := resolve(t, room, first, second)
	require.NoError(t, err)
	assert.Equal(t, want.EventID(), winner.EventID())

	// A deeper event wins regardless of its hash.
	room.AddEventWithoutState(first)
	deeper := room.CreateEvent(t, alice, "m.room.topic", map[string]string{"topic": "c"},
		test.WithStateKey(""), test.WithPrevEvents([]string{first.EventID()}))
	winner, err = resolve(t, room, second, deeper)
	require.NoError(t, err)
	assert.Equal(t, deeper.EventID(), winner.EventID())
}

func TestNoValidCandidate(t *testing.T) {
	alice, bob := test.NewUser(t), test.NewUser(t)
	room := test.NewRoom(t, alice)
	topic := room.CreateEvent(t, bob, "m.room.topic", map[string]string{"topic": "x"},
		test.WithStateKey(""), test.WithoutAuthCheck())
	_, err := resolve(t, room, topic)
	var resErr *stateres.StateResolutionError
	require.True(t, errors.As(err, &resErr), "got %v", err)
	assert.Equal(t, stateres.NoValidCandidate, resErr.Kind)
	assert.Equal(t, []string{topic.EventID()}, resErr.EventIDs)
}

func rawEvent(t *testing.T, eventID, eventType string, authEvents ...string) *event.Event {
	t.Helper()
	refs := make([]string, 0, len(authEvents))
	for _, id := range authEvents {
		refs = append(refs, `"`+id+`"`)
	}
	eventJSON := fmt.Sprintf(
		`{"room_id":"!r:test","sender":"@a:test","type":%q,"state_key":"","content":{},`+
			`"prev_events":[],"auth_events":[%s],"depth":3,"origin_server_ts":1,`+
			`"hashes":{"sha256":"x"},"signatures":{}}`,
		eventType, strings.Join(refs, ","),
	)
	ev, err := event.NewEventFromTrustedJSONWithEventID(eventID, []byte(eventJSON), false, event.RoomVersionV10)
	require.NoError(t, err)
	return ev
}

func TestAuthChainFailures(t *testing.T) {
	a := rawEvent(t, "$a", "m.room.topic", "$b")
	b := rawEvent(t, "$b", event.MRoomPowerLevels, "$c")
	c := rawEvent(t, "$c", event.MRoomJoinRules, "$b")
	d := rawEvent(t, "$d", "m.room.topic")
	e := rawEvent(t, "$e", "m.room.topic", "$missing")

	testCases := []struct {
		name       string
		candidates []*event.Event
		kind       stateres.FailureKind
	}{
		{"cycle", []*event.Event{a, d}, stateres.AuthChainCycle},
		{"self reference", []*event.Event{rawEvent(t, "$self", "m.room.topic", "$self")}, stateres.AuthChainCycle},
		{"missing auth event", []*event.Event{d, e}, stateres.MissingAuthEvents},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := stateres.Resolve(
				context.Background(), tc.candidates, event.RoomVersionV10,
				stateres.StateMap{}, stateres.NewEventMap(a, b, c, d, e),
			)
			var resErr *stateres.StateResolutionError
			require.True(t, errors.As(err, &resErr), "got %v", err)
			assert.Equal(t, tc.kind, resErr.Kind)
			assert.Equal(t, "!r:test", resErr.RoomID)
		})
	}
}

func TestResolveRejectsMixedKeys(t *testing.T) {
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	topic := room.CreateEvent(t, alice, "m.room.topic", map[string]string{"topic": "x"}, test.WithStateKey(""))
	name := room.CreateEvent(t, alice, "m.room.name", map[string]string{"name": "x"}, test.WithStateKey(""))
	_, err := resolve(t, room, topic, name)
	assert.Error(t, err)

	_, err = resolve(t, room)
	assert.Error(t, err)
}
