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

package auth_test

import (
	"context"
	"testing"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/fedcore/auth"
	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/test"
)

type aclDatabase struct {
	rooms []*test.Room
}

func (d *aclDatabase) KnownRooms(ctx context.Context) ([]string, error) {
	roomIDs := make([]string, 0, len(d.rooms))
	for _, r := range d.rooms {
		roomIDs = append(roomIDs, r.ID)
	}
	return roomIDs, nil
}

func (d *aclDatabase) StateEvent(ctx context.Context, roomID, evType, stateKey string) (*event.Event, error) {
	for _, r := range d.rooms {
		if r.ID == roomID {
			return r.StateEvent(evType, stateKey), nil
		}
	}
	return nil, nil
}

func TestOpenACLsWithBlacklist(t *testing.T) {
	alice := test.NewUser(t)
	roomBlacklist := test.NewRoom(t, alice)
	roomNoACL := test.NewRoom(t, alice)
	roomBlacklist.CreateAndInsert(t, alice, event.MRoomServerACL, auth.ServerACL{
		AllowIPLiterals: true,
		Allowed:         []string{"*"},
		Denied:          []string{"1.2.3.4", "*.evil.com", "hello.world.com"},
	}, test.WithStateKey(""))

	acls, err := auth.LoadServerACLs(context.Background(), &aclDatabase{rooms: []*test.Room{roomBlacklist, roomNoACL}})
	require.NoError(t, err)

	testCases := []struct {
		serverName spec.ServerName
		banned     bool
	}{
		{"1.2.3.4", true},
		{"1.2.3.4:2345", true},
		{"foo.evil.com", true},
		{"evil.com", false},
		{"hello.world.com", true},
		{"hello.world.com:1234", true},
		{"mysite.com", false},
		{"mysite.com:1234", false},
		{"5.6.7.8", false},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.banned, acls.IsServerBannedFromRoom(tc.serverName, roomBlacklist.ID), "server %q", tc.serverName)
		assert.False(t, acls.IsServerBannedFromRoom(tc.serverName, roomNoACL.ID), "server %q in a room without ACLs", tc.serverName)
	}
}

func TestDefaultACLsWithWhitelist(t *testing.T) {
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	acls := auth.NewServerACLs()
	acls.OnServerACLUpdate(room.CreateAndInsert(t, alice, event.MRoomServerACL, auth.ServerACL{
		AllowIPLiterals: false,
		Allowed:         []string{"hello.world.com", "*.foo.com", "ba?.org"},
		Denied:          []string{},
	}, test.WithStateKey("")))

	testCases := []struct {
		serverName spec.ServerName
		banned     bool
	}{
		{"1.2.3.4", true},
		{"[1:2::3]:8448", true},
		{"hello.world.com", false},
		{"hello.world.com:1234", false},
		{"a.foo.com", false},
		{"afoo.com", true},
		{"bar.org", false},
		{"baar.org", true},
		{"hello.world.com.evil.com", true},
		{"mysite.com", true},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.banned, acls.IsServerBannedFromRoom(tc.serverName, room.ID), "server %q", tc.serverName)
	}
}

func TestACLsIgnoreOtherEvents(t *testing.T) {
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	acls := auth.NewServerACLs()
	acls.OnServerACLUpdate(room.CreateAndInsert(t, alice, "m.room.topic", map[string]string{"topic": "allow nothing"}, test.WithStateKey("")))
	assert.False(t, acls.IsServerBannedFromRoom("anywhere.test", room.ID))
}
