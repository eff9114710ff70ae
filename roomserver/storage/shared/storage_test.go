package shared

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/fedcore/internal/sqlutil"
	"github.com/matrix-org/fedcore/roomserver/api"
	"github.com/matrix-org/fedcore/roomserver/storage/tables"
	"github.com/matrix-org/fedcore/test"
)

var errBroken = errors.New("broken table")

type brokenEventsTable struct {
	tables.Events
	inserted bool
}

func (t *brokenEventsTable) InsertEvent(ctx context.Context, txn *sql.Tx, row *tables.EventRow) error {
	t.inserted = true
	return nil
}

func (t *brokenEventsTable) SelectEvent(ctx context.Context, txn *sql.Tx, eventID string) (*tables.EventRow, error) {
	return nil, errBroken
}

type brokenPrevEventsTable struct {
	tables.PreviousEvents
}

func (t *brokenPrevEventsTable) InsertPreviousEvent(ctx context.Context, txn *sql.Tx, previousEventID, eventID string) error {
	return errBroken
}

func TestStoreEventRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close() // nolint: errcheck

	mock.ExpectBegin()
	mock.ExpectRollback()

	events := &brokenEventsTable{}
	d := &Database{
		DB:              db,
		Writer:          sqlutil.NewDummyWriter(),
		EventsTable:     events,
		PrevEventsTable: &brokenPrevEventsTable{},
	}
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	ev := room.Events()[1]

	err = d.StoreEvent(context.Background(), ev, api.Valid{Event: ev}, api.KindNew)
	assert.ErrorIs(t, err, errBroken)
	assert.True(t, events.inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventSurfacesDatabaseErrors(t *testing.T) {
	d := &Database{EventsTable: &brokenEventsTable{}}
	ev, err := d.Event(context.Background(), "$event")
	assert.ErrorIs(t, err, errBroken)
	assert.Nil(t, ev)
}
