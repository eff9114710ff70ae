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

	// Import the postgres database driver.
	_ "github.com/lib/pq"

	"github.com/matrix-org/fedcore/internal/caching"
	"github.com/matrix-org/fedcore/internal/sqlutil"
	"github.com/matrix-org/fedcore/roomserver/storage/postgres/deltas"
	"github.com/matrix-org/fedcore/roomserver/storage/shared"
	"github.com/matrix-org/fedcore/setup/config"
)

// NewDatabase opens a postgres database, creating and migrating the tables
// as needed.
func NewDatabase(ctx context.Context, conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions, cache *caching.Caches) (*shared.Database, error) {
	db, writer, err := conMan.Connection(dbProperties)
	if err != nil {
		return nil, err
	}
	if err = executeMigration(ctx, db); err != nil {
		return nil, err
	}
	return prepare(db, writer, cache)
}

func executeMigration(ctx context.Context, db *sql.DB) error {
	for _, create := range []func(*sql.DB) error{
		CreateRoomsTable,
		CreateEventsTable,
		CreateCurrentStateTable,
		CreateForwardExtremitiesTable,
		CreatePrevEventsTable,
	} {
		if err := create(db); err != nil {
			return err
		}
	}
	m := sqlutil.NewMigrator(db)
	m.AddMigrations(sqlutil.Migration{
		Version: "roomserver: add event type index",
		Up:      deltas.UpAddEventTypeIndex,
	})
	return m.Up(ctx)
}

func prepare(db *sql.DB, writer sqlutil.Writer, cache *caching.Caches) (*shared.Database, error) {
	rooms, err := PrepareRoomsTable(db)
	if err != nil {
		return nil, err
	}
	events, err := PrepareEventsTable(db)
	if err != nil {
		return nil, err
	}
	currentState, err := PrepareCurrentStateTable(db)
	if err != nil {
		return nil, err
	}
	extremities, err := PrepareForwardExtremitiesTable(db)
	if err != nil {
		return nil, err
	}
	prevEvents, err := PreparePrevEventsTable(db)
	if err != nil {
		return nil, err
	}
	return &shared.Database{
		DB:                      db,
		Cache:                   cache,
		Writer:                  writer,
		EventsTable:             events,
		RoomsTable:              rooms,
		CurrentStateTable:       currentState,
		ForwardExtremitiesTable: extremities,
		PrevEventsTable:         prevEvents,
	}, nil
}
