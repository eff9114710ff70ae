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

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/internal"
	"github.com/matrix-org/fedcore/internal/sqlutil"
	"github.com/matrix-org/fedcore/roomserver/storage/tables"
)

const currentStateSchema = `
  CREATE TABLE IF NOT EXISTS roomserver_current_state (
    room_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    state_key TEXT NOT NULL,
    event_id TEXT NOT NULL,
    UNIQUE (room_id, event_type, state_key)
  );
`

const upsertCurrentStateSQL = "" +
	"INSERT INTO roomserver_current_state (room_id, event_type, state_key, event_id)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (room_id, event_type, state_key)" +
	" DO UPDATE SET event_id = excluded.event_id"

const selectCurrentStateSQL = "" +
	"SELECT event_type, state_key, event_id FROM roomserver_current_state WHERE room_id = $1"

const selectStateEventIDSQL = "" +
	"SELECT event_id FROM roomserver_current_state" +
	" WHERE room_id = $1 AND event_type = $2 AND state_key = $3"

type currentStateStatements struct {
	upsertCurrentStateStmt *sql.Stmt
	selectCurrentStateStmt *sql.Stmt
	selectStateEventIDStmt *sql.Stmt
}

func CreateCurrentStateTable(db *sql.DB) error {
	_, err := db.Exec(currentStateSchema)
	return err
}

func PrepareCurrentStateTable(db *sql.DB) (tables.CurrentState, error) {
	s := &currentStateStatements{}

	return s, sqlutil.StatementList{
		{&s.upsertCurrentStateStmt, upsertCurrentStateSQL},
		{&s.selectCurrentStateStmt, selectCurrentStateSQL},
		{&s.selectStateEventIDStmt, selectStateEventIDSQL},
	}.Prepare(db)
}

func (s *currentStateStatements) UpsertCurrentState(
	ctx context.Context, txn *sql.Tx, roomID string, tuple event.StateKeyTuple, eventID string,
) error {
	stmt := sqlutil.TxStmt(txn, s.upsertCurrentStateStmt)
	_, err := stmt.ExecContext(ctx, roomID, tuple.EventType, tuple.StateKey, eventID)
	return err
}

func (s *currentStateStatements) SelectCurrentState(
	ctx context.Context, txn *sql.Tx, roomID string,
) (map[event.StateKeyTuple]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectCurrentStateStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectCurrentState: rows.close() failed")
	state := map[event.StateKeyTuple]string{}
	for rows.Next() {
		var tuple event.StateKeyTuple
		var eventID string
		if err = rows.Scan(&tuple.EventType, &tuple.StateKey, &eventID); err != nil {
			return nil, err
		}
		state[tuple] = eventID
	}
	return state, rows.Err()
}

func (s *currentStateStatements) SelectStateEventID(
	ctx context.Context, txn *sql.Tx, roomID string, tuple event.StateKeyTuple,
) (eventID string, err error) {
	stmt := sqlutil.TxStmt(txn, s.selectStateEventIDStmt)
	err = stmt.QueryRowContext(ctx, roomID, tuple.EventType, tuple.StateKey).Scan(&eventID)
	return
}
