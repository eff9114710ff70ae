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

package postgres

import (
	"context"
	"database/sql"

	"github.com/matrix-org/fedcore/internal/sqlutil"
	"github.com/matrix-org/fedcore/roomserver/storage/tables"
)

// roomserver_previous_events records the prev_events edges of stored events,
// so forward extremities can be recomputed when an event arrives late.
const previousEventSchema = `
CREATE TABLE IF NOT EXISTS roomserver_previous_events (
    previous_event_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    CONSTRAINT roomserver_previous_event_id_unique UNIQUE (previous_event_id, event_id)
);
`

const insertPreviousEventSQL = `
INSERT INTO roomserver_previous_events (previous_event_id, event_id) VALUES ($1, $2)
  ON CONFLICT ON CONSTRAINT roomserver_previous_event_id_unique DO NOTHING
`

const selectPreviousEventExistsSQL = `
SELECT 1 FROM roomserver_previous_events WHERE previous_event_id = $1 LIMIT 1
`

type previousEventStatements struct {
	insertStmt *sql.Stmt
	existsStmt *sql.Stmt
}

func CreatePrevEventsTable(db *sql.DB) error {
	_, err := db.Exec(previousEventSchema)
	return err
}

func PreparePrevEventsTable(db *sql.DB) (tables.PreviousEvents, error) {
	s := &previousEventStatements{}
	return s, sqlutil.StatementList{
		{&s.insertStmt, insertPreviousEventSQL},
		{&s.existsStmt, selectPreviousEventExistsSQL},
	}.Prepare(db)
}

func (s *previousEventStatements) InsertPreviousEvent(
	ctx context.Context, txn *sql.Tx, previousEventID, eventID string,
) error {
	_, err := sqlutil.TxStmt(txn, s.insertStmt).ExecContext(ctx, previousEventID, eventID)
	return err
}

func (s *previousEventStatements) SelectPreviousEventExists(
	ctx context.Context, txn *sql.Tx, eventID string,
) error {
	var one int
	return sqlutil.TxStmt(txn, s.existsStmt).QueryRowContext(ctx, eventID).Scan(&one)
}
