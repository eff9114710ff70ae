// Copyright 2022 The Matrix.org Foundation C.I.C.
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

package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/fedcore/internal"
)

const createDBMigrationsSQL = "" +
	"CREATE TABLE IF NOT EXISTS db_migrations (" +
	" version TEXT PRIMARY KEY NOT NULL," +
	" time TEXT NOT NULL," +
	" fedcore_version TEXT NOT NULL" +
	");"

const insertVersionSQL = "" +
	"INSERT INTO db_migrations (version, time, fedcore_version)" +
	" VALUES ($1, $2, $3)"

const selectDBMigrationsSQL = "SELECT version FROM db_migrations"

// Migration is one named schema change. Versions are unique per database.
type Migration struct {
	Version string
	Up      func(ctx context.Context, txn *sql.Tx) error
}

// Migrator applies the migrations not yet recorded in db_migrations.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// AddMigrations queues migrations in order. A version that is already
// queued is ignored.
func (m *Migrator) AddMigrations(migrations ...Migration) {
	for _, mig := range migrations {
		if !m.queued(mig.Version) {
			m.migrations = append(m.migrations, mig)
		}
	}
}

func (m *Migrator) queued(version string) bool {
	for _, mig := range m.migrations {
		if mig.Version == version {
			return true
		}
	}
	return false
}

// Up runs every pending migration in a single transaction.
func (m *Migrator) Up(ctx context.Context) error {
	executed, err := m.ExecutedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("unable to create/get migrations: %w", err)
	}
	var pending []Migration
	for _, mig := range m.migrations {
		if _, ok := executed[mig.Version]; !ok {
			pending = append(pending, mig)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	return WithTransaction(m.db, func(txn *sql.Tx) error {
		for _, mig := range pending {
			logrus.WithField("version", mig.Version).Debug("Running database migration")
			if err := mig.Up(ctx, txn); err != nil {
				return fmt.Errorf("migration %q: %w", mig.Version, err)
			}
			if _, err := txn.ExecContext(
				ctx, insertVersionSQL, mig.Version, time.Now().Format(time.RFC3339), internal.VersionString(),
			); err != nil {
				return fmt.Errorf("recording migration %q: %w", mig.Version, err)
			}
		}
		return nil
	})
}

// ExecutedMigrations creates db_migrations if needed and returns the
// versions recorded in it.
func (m *Migrator) ExecutedMigrations(ctx context.Context) (map[string]struct{}, error) {
	if _, err := m.db.ExecContext(ctx, createDBMigrationsSQL); err != nil {
		return nil, fmt.Errorf("unable to create db_migrations: %w", err)
	}
	rows, err := m.db.QueryContext(ctx, selectDBMigrationsSQL)
	if err != nil {
		return nil, fmt.Errorf("unable to query db_migrations: %w", err)
	}
	defer internal.CloseAndLogIfError(ctx, rows, "ExecutedMigrations: rows.close() failed")
	executed := map[string]struct{}{}
	for rows.Next() {
		var version string
		if err = rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("unable to scan version: %w", err)
		}
		executed[version] = struct{}{}
	}
	return executed, rows.Err()
}
