package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/internal/caching"
	"github.com/matrix-org/fedcore/internal/sqlutil"
	"github.com/matrix-org/fedcore/roomserver/api"
	"github.com/matrix-org/fedcore/roomserver/storage"
	"github.com/matrix-org/fedcore/roomserver/storage/shared"
	"github.com/matrix-org/fedcore/setup/process"
	"github.com/matrix-org/fedcore/test"
)

func mustCreateDatabase(t *testing.T, dbType test.DBType, withCache bool) *shared.Database {
	t.Helper()
	dbOpts, closeDB := test.PrepareDBConnectionString(t, dbType)
	t.Cleanup(closeDB)
	var caches *caching.Caches
	if withCache {
		var err error
		caches, err = caching.NewRistrettoCache(8*caching.MB, time.Hour, false)
		require.NoError(t, err)
	}
	processCtx := process.NewProcessContext()
	t.Cleanup(func() {
		processCtx.ShutdownFedCore()
		processCtx.WaitForComponentsToFinish()
	})
	db, err := storage.Open(context.Background(), sqlutil.NewConnectionManager(processCtx), &dbOpts, caches)
	require.NoError(t, err)
	return db
}

func storeRoom(t *testing.T, db api.Database, room *test.Room) {
	t.Helper()
	ctx := context.Background()
	for _, ev := range room.Events() {
		require.NoError(t, db.StoreEvent(ctx, ev, api.Valid{Event: ev}, api.KindNew))
		if tuple, ok := ev.StateKeyTuple(); ok {
			require.NoError(t, db.SetCurrentStateEvent(ctx, room.ID, tuple, ev.EventID()))
		}
	}
}

func TestStoreAndLoadEvents(t *testing.T) {
	alice := test.NewUser(t)
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		for _, withCache := range []bool{false, true} {
			db := mustCreateDatabase(t, dbType, withCache)
			ctx := context.Background()
			room := test.NewRoom(t, alice)
			storeRoom(t, db, room)

			// Storing twice is harmless.
			create := room.Events()[0]
			require.NoError(t, db.StoreEvent(ctx, create, api.Valid{Event: create}, api.KindNew))

			for _, want := range room.Events() {
				got, err := db.Event(ctx, want.EventID())
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, want.EventID(), got.EventID())
				assert.JSONEq(t, string(want.JSON()), string(got.JSON()))

				outcome, err := db.Outcome(ctx, want.EventID())
				require.NoError(t, err)
				assert.Equal(t, api.OutcomeValid, outcome)
			}

			ids := []string{room.Events()[1].EventID(), "$unknown", room.Events()[2].EventID()}
			events, err := db.EventsByID(ctx, ids)
			require.NoError(t, err)
			assert.Len(t, events, 2)

			missing, err := db.Event(ctx, "$unknown")
			assert.NoError(t, err)
			assert.Nil(t, missing)
			outcome, err := db.Outcome(ctx, "$unknown")
			assert.NoError(t, err)
			assert.Equal(t, api.Outcome(""), outcome)

			roomVersion, err := db.RoomVersion(ctx, room.ID)
			require.NoError(t, err)
			assert.Equal(t, room.Version, roomVersion)
			roomVersion, err = db.RoomVersion(ctx, "!unknown:test")
			require.NoError(t, err)
			assert.Equal(t, event.RoomVersion(""), roomVersion)

			rooms, err := db.KnownRooms(ctx)
			require.NoError(t, err)
			assert.Contains(t, rooms, room.ID)
		}
	})
}

func TestCurrentState(t *testing.T) {
	alice, bob := test.NewUser(t), test.NewUser(t)
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db := mustCreateDatabase(t, dbType, false)
		ctx := context.Background()
		room := test.NewRoom(t, alice)
		storeRoom(t, db, room)

		state, err := db.CurrentState(ctx, room.ID)
		require.NoError(t, err)
		assert.Len(t, state, len(room.CurrentState()))
		for _, ev := range room.CurrentState() {
			tuple, _ := ev.StateKeyTuple()
			assert.Equal(t, ev.EventID(), state[tuple])
		}

		join := room.CreateAndInsert(t, bob, event.MRoomMember, map[string]string{"membership": event.Join}, test.WithStateKey(bob.ID))
		require.NoError(t, db.StoreEvent(ctx, join, api.Valid{Event: join}, api.KindNew))
		tuple, _ := join.StateKeyTuple()
		require.NoError(t, db.SetCurrentStateEvent(ctx, room.ID, tuple, join.EventID()))

		leave := room.CreateAndInsert(t, bob, event.MRoomMember, map[string]string{"membership": event.Leave}, test.WithStateKey(bob.ID))
		require.NoError(t, db.StoreEvent(ctx, leave, api.Valid{Event: leave}, api.KindNew))
		require.NoError(t, db.SetCurrentStateEvent(ctx, room.ID, tuple, leave.EventID()))

		got, err := db.StateEvent(ctx, room.ID, event.MRoomMember, bob.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, leave.EventID(), got.EventID())

		got, err = db.StateEvent(ctx, room.ID, "m.room.topic", "")
		assert.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestForwardExtremities(t *testing.T) {
	alice := test.NewUser(t)
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db := mustCreateDatabase(t, dbType, false)
		ctx := context.Background()
		room := test.NewRoom(t, alice)
		storeRoom(t, db, room)

		extremities, err := db.ForwardExtremities(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, room.ForwardExtremities(), extremities)

		// Two events on top of the same parent fork the DAG.
		parent := room.ForwardExtremities()
		a := room.CreateEvent(t, alice, "m.room.message", map[string]string{"body": "a"}, test.WithPrevEvents(parent))
		b := room.CreateEvent(t, alice, "m.room.message", map[string]string{"body": "b"}, test.WithPrevEvents(parent))
		require.NoError(t, db.StoreEvent(ctx, a, api.Valid{Event: a}, api.KindNew))
		require.NoError(t, db.StoreEvent(ctx, b, api.Valid{Event: b}, api.KindNew))
		extremities, err = db.ForwardExtremities(ctx, room.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{a.EventID(), b.EventID()}, extremities)

		// Soft-failed events and outliers never become extremities.
		c := room.CreateEvent(t, alice, "m.room.message", map[string]string{"body": "c"},
			test.WithPrevEvents([]string{a.EventID(), b.EventID()}))
		require.NoError(t, db.StoreEvent(ctx, c, api.SoftFailed{Event: c, EventID: c.EventID()}, api.KindNew))
		d := room.CreateEvent(t, alice, "m.room.message", map[string]string{"body": "d"},
			test.WithPrevEvents([]string{a.EventID()}))
		require.NoError(t, db.StoreEvent(ctx, d, api.Valid{Event: d}, api.KindOutlier))
		extremities, err = db.ForwardExtremities(ctx, room.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{a.EventID(), b.EventID()}, extremities)

		outcome, err := db.Outcome(ctx, c.EventID())
		require.NoError(t, err)
		assert.Equal(t, api.OutcomeSoftFailed, outcome)

		// Merging the fork leaves one extremity.
		e := room.CreateEvent(t, alice, "m.room.message", map[string]string{"body": "e"},
			test.WithPrevEvents([]string{a.EventID(), b.EventID()}))
		require.NoError(t, db.StoreEvent(ctx, e, api.Valid{Event: e}, api.KindNew))
		extremities, err = db.ForwardExtremities(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{e.EventID()}, extremities)
	})
}

func TestRejectedEventsAreNotStored(t *testing.T) {
	alice := test.NewUser(t)
	test.WithAllDatabases(t, func(t *testing.T, dbType test.DBType) {
		db := mustCreateDatabase(t, dbType, false)
		room := test.NewRoom(t, alice)
		ev := room.Events()[0]
		err := db.StoreEvent(context.Background(), ev, api.Rejected{EventID: ev.EventID()}, api.KindNew)
		assert.Error(t, err)
	})
}
