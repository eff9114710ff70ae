// Copyright 2017-2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
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

package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/internal"
	"github.com/matrix-org/fedcore/internal/sqlutil"
	"github.com/matrix-org/fedcore/roomserver/storage/tables"
)

const eventsSchema = `
-- Stores every event that was accepted or soft-failed. Rejected events are
-- never stored.
CREATE TABLE IF NOT EXISTS roomserver_events (
    event_id TEXT NOT NULL PRIMARY KEY,
    room_id TEXT NOT NULL,
    room_version TEXT NOT NULL,
    event_type TEXT NOT NULL,
    -- NULL for non-state events.
    state_key TEXT,
    depth BIGINT NOT NULL,
    -- One of "valid" or "soft_failed".
    outcome TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    -- Outliers are stored without their place in the room DAG.
    is_outlier BOOLEAN NOT NULL DEFAULT FALSE,
    -- The content was stripped because the content hash did not match.
    is_redacted BOOLEAN NOT NULL DEFAULT FALSE,
    event_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS roomserver_events_room_depth_idx ON roomserver_events (room_id, depth);
`

const insertEventSQL = "" +
	"INSERT INTO roomserver_events (event_id, room_id, room_version, event_type, state_key, depth, outcome, reason, is_outlier, is_redacted, event_json)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)" +
	" ON CONFLICT (event_id) DO NOTHING"

const selectEventSQL = "" +
	"SELECT event_id, room_id, room_version, event_type, state_key, depth, outcome, reason, is_outlier, is_redacted, event_json" +
	" FROM roomserver_events WHERE event_id = $1"

const bulkSelectEventsSQL = "" +
	"SELECT event_id, room_id, room_version, event_type, state_key, depth, outcome, reason, is_outlier, is_redacted, event_json" +
	" FROM roomserver_events WHERE event_id = ANY($1)"

const selectOutcomeSQL = "" +
	"SELECT outcome FROM roomserver_events WHERE event_id = $1"

type eventStatements struct {
	insertEventStmt      *sql.Stmt
	selectEventStmt      *sql.Stmt
	bulkSelectEventsStmt *sql.Stmt
	selectOutcomeStmt    *sql.Stmt
}

func CreateEventsTable(db *sql.DB) error {
	_, err := db.Exec(eventsSchema)
	return err
}

func PrepareEventsTable(db *sql.DB) (tables.Events, error) {
	s := &eventStatements{}

	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertEventSQL},
		{&s.selectEventStmt, selectEventSQL},
		{&s.bulkSelectEventsStmt, bulkSelectEventsSQL},
		{&s.selectOutcomeStmt, selectOutcomeSQL},
	}.Prepare(db)
}

func (s *eventStatements) InsertEvent(ctx context.Context, txn *sql.Tx, row *tables.EventRow) error {
	stmt := sqlutil.TxStmt(txn, s.insertEventStmt)
	_, err := stmt.ExecContext(
		ctx, row.EventID, row.RoomID, string(row.RoomVersion), row.EventType, row.StateKey,
		row.Depth, row.Outcome, row.Reason, row.Outlier, row.Redacted, string(row.JSON),
	)
	return err
}

func (s *eventStatements) SelectEvent(ctx context.Context, txn *sql.Tx, eventID string) (*tables.EventRow, error) {
	stmt := sqlutil.TxStmt(txn, s.selectEventStmt)
	return scanEventRow(stmt.QueryRowContext(ctx, eventID))
}

func (s *eventStatements) BulkSelectEvents(ctx context.Context, txn *sql.Tx, eventIDs []string) ([]*tables.EventRow, error) {
	stmt := sqlutil.TxStmt(txn, s.bulkSelectEventsStmt)
	rows, err := stmt.QueryContext(ctx, pq.StringArray(eventIDs))
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "BulkSelectEvents: rows.close() failed")
	results := make([]*tables.EventRow, 0, len(eventIDs))
	for rows.Next() {
		row, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

func (s *eventStatements) SelectOutcome(ctx context.Context, txn *sql.Tx, eventID string) (outcome string, err error) {
	stmt := sqlutil.TxStmt(txn, s.selectOutcomeStmt)
	err = stmt.QueryRowContext(ctx, eventID).Scan(&outcome)
	return
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEventRow(sc scanner) (*tables.EventRow, error) {
	var (
		row         tables.EventRow
		roomVersion string
		stateKey    sql.NullString
		eventJSON   string
	)
	if err := sc.Scan(
		&row.EventID, &row.RoomID, &roomVersion, &row.EventType, &stateKey,
		&row.Depth, &row.Outcome, &row.Reason, &row.Outlier, &row.Redacted, &eventJSON,
	); err != nil {
		return nil, err
	}
	row.RoomVersion = event.RoomVersion(roomVersion)
	if stateKey.Valid {
		row.StateKey = &stateKey.String
	}
	row.JSON = []byte(eventJSON)
	return &row, nil
}
