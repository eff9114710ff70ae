package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/fedcore/event"
)

// EventRow is a row of the events table.
type EventRow struct {
	EventID     string
	RoomID      string
	RoomVersion event.RoomVersion
	EventType   string
	// StateKey is nil for non-state events.
	StateKey *string
	Depth    int64
	Outcome  string
	Reason   string
	Outlier  bool
	Redacted bool
	JSON     []byte
}

type Events interface {
	// InsertEvent stores the event. Storing the same event ID twice is a
	// no-op.
	InsertEvent(ctx context.Context, txn *sql.Tx, row *EventRow) error
	// SelectEvent returns sql.ErrNoRows if the event is unknown.
	SelectEvent(ctx context.Context, txn *sql.Tx, eventID string) (*EventRow, error)
	BulkSelectEvents(ctx context.Context, txn *sql.Tx, eventIDs []string) ([]*EventRow, error)
	// SelectOutcome returns sql.ErrNoRows if the event is unknown.
	SelectOutcome(ctx context.Context, txn *sql.Tx, eventID string) (string, error)
}

type Rooms interface {
	InsertRoom(ctx context.Context, txn *sql.Tx, roomID string, roomVersion event.RoomVersion) error
	// SelectRoomVersion returns sql.ErrNoRows if the room is unknown.
	SelectRoomVersion(ctx context.Context, txn *sql.Tx, roomID string) (event.RoomVersion, error)
	SelectRoomIDs(ctx context.Context, txn *sql.Tx) ([]string, error)
}

type CurrentState interface {
	UpsertCurrentState(ctx context.Context, txn *sql.Tx, roomID string, tuple event.StateKeyTuple, eventID string) error
	SelectCurrentState(ctx context.Context, txn *sql.Tx, roomID string) (map[event.StateKeyTuple]string, error)
	// SelectStateEventID returns sql.ErrNoRows if nothing holds the key.
	SelectStateEventID(ctx context.Context, txn *sql.Tx, roomID string, tuple event.StateKeyTuple) (string, error)
}

type ForwardExtremities interface {
	InsertForwardExtremity(ctx context.Context, txn *sql.Tx, roomID, eventID string) error
	DeleteForwardExtremities(ctx context.Context, txn *sql.Tx, roomID string, eventIDs []string) error
	SelectForwardExtremities(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error)
}

type PreviousEvents interface {
	InsertPreviousEvent(ctx context.Context, txn *sql.Tx, previousEventID, eventID string) error
	// SelectPreviousEventExists returns sql.ErrNoRows if no stored event
	// refers to the event.
	SelectPreviousEventExists(ctx context.Context, txn *sql.Tx, eventID string) error
}
