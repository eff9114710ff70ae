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

	"github.com/lib/pq"

	"github.com/matrix-org/fedcore/internal"
	"github.com/matrix-org/fedcore/internal/sqlutil"
	"github.com/matrix-org/fedcore/roomserver/storage/tables"
)

const forwardExtremitiesSchema = `
-- The events of a room that no stored event refers to as a prev event.
CREATE TABLE IF NOT EXISTS roomserver_forward_extremities (
    room_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    CONSTRAINT roomserver_forward_extremities_unique UNIQUE (room_id, event_id)
);
`

const insertForwardExtremitySQL = "" +
	"INSERT INTO roomserver_forward_extremities (room_id, event_id) VALUES ($1, $2)" +
	" ON CONFLICT ON CONSTRAINT roomserver_forward_extremities_unique DO NOTHING"

const deleteForwardExtremitiesSQL = "" +
	"DELETE FROM roomserver_forward_extremities WHERE room_id = $1 AND event_id = ANY($2)"

const selectForwardExtremitiesSQL = "" +
	"SELECT event_id FROM roomserver_forward_extremities WHERE room_id = $1 ORDER BY event_id"

type forwardExtremitiesStatements struct {
	insertForwardExtremityStmt   *sql.Stmt
	deleteForwardExtremitiesStmt *sql.Stmt
	selectForwardExtremitiesStmt *sql.Stmt
}

func CreateForwardExtremitiesTable(db *sql.DB) error {
	_, err := db.Exec(forwardExtremitiesSchema)
	return err
}

func PrepareForwardExtremitiesTable(db *sql.DB) (tables.ForwardExtremities, error) {
	s := &forwardExtremitiesStatements{}

	return s, sqlutil.StatementList{
		{&s.insertForwardExtremityStmt, insertForwardExtremitySQL},
		{&s.deleteForwardExtremitiesStmt, deleteForwardExtremitiesSQL},
		{&s.selectForwardExtremitiesStmt, selectForwardExtremitiesSQL},
	}.Prepare(db)
}

func (s *forwardExtremitiesStatements) InsertForwardExtremity(ctx context.Context, txn *sql.Tx, roomID, eventID string) error {
	_, err := sqlutil.TxStmt(txn, s.insertForwardExtremityStmt).ExecContext(ctx, roomID, eventID)
	return err
}

func (s *forwardExtremitiesStatements) DeleteForwardExtremities(ctx context.Context, txn *sql.Tx, roomID string, eventIDs []string) error {
	stmt := sqlutil.TxStmt(txn, s.deleteForwardExtremitiesStmt)
	_, err := stmt.ExecContext(ctx, roomID, pq.StringArray(eventIDs))
	return err
}

func (s *forwardExtremitiesStatements) SelectForwardExtremities(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectForwardExtremitiesStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectForwardExtremities: rows.close() failed")
	var eventIDs []string
	for rows.Next() {
		var eventID string
		if err = rows.Scan(&eventID); err != nil {
			return nil, err
		}
		eventIDs = append(eventIDs, eventID)
	}
	return eventIDs, rows.Err()
}
