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

	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/internal"
	"github.com/matrix-org/fedcore/internal/sqlutil"
	"github.com/matrix-org/fedcore/roomserver/storage/tables"
)

const roomsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_rooms (
    room_id TEXT NOT NULL PRIMARY KEY,
    -- Taken from the content of the accepted m.room.create event.
    room_version TEXT NOT NULL
);
`

const insertRoomSQL = "" +
	"INSERT INTO roomserver_rooms (room_id, room_version) VALUES ($1, $2)" +
	" ON CONFLICT (room_id) DO NOTHING"

const selectRoomVersionSQL = "" +
	"SELECT room_version FROM roomserver_rooms WHERE room_id = $1"

const selectRoomIDsSQL = "" +
	"SELECT room_id FROM roomserver_rooms ORDER BY room_id"

type roomStatements struct {
	insertRoomStmt        *sql.Stmt
	selectRoomVersionStmt *sql.Stmt
	selectRoomIDsStmt     *sql.Stmt
}

func CreateRoomsTable(db *sql.DB) error {
	_, err := db.Exec(roomsSchema)
	return err
}

func PrepareRoomsTable(db *sql.DB) (tables.Rooms, error) {
	s := &roomStatements{}

	return s, sqlutil.StatementList{
		{&s.insertRoomStmt, insertRoomSQL},
		{&s.selectRoomVersionStmt, selectRoomVersionSQL},
		{&s.selectRoomIDsStmt, selectRoomIDsSQL},
	}.Prepare(db)
}

func (s *roomStatements) InsertRoom(ctx context.Context, txn *sql.Tx, roomID string, roomVersion event.RoomVersion) error {
	_, err := sqlutil.TxStmt(txn, s.insertRoomStmt).ExecContext(ctx, roomID, string(roomVersion))
	return err
}

func (s *roomStatements) SelectRoomVersion(ctx context.Context, txn *sql.Tx, roomID string) (event.RoomVersion, error) {
	var roomVersion string
	err := sqlutil.TxStmt(txn, s.selectRoomVersionStmt).QueryRowContext(ctx, roomID).Scan(&roomVersion)
	return event.RoomVersion(roomVersion), err
}

func (s *roomStatements) SelectRoomIDs(ctx context.Context, txn *sql.Tx) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRoomIDsStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRoomIDs: rows.close() failed")
	var roomIDs []string
	for rows.Next() {
		var roomID string
		if err = rows.Scan(&roomID); err != nil {
			return nil, err
		}
		roomIDs = append(roomIDs, roomID)
	}
	return roomIDs, rows.Err()
}
