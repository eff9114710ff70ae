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

package sqlutil_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/fedcore/internal/sqlutil"
	"github.com/matrix-org/fedcore/setup/config"
)

func addColumn(version, column string) sqlutil.Migration {
	return sqlutil.Migration{
		Version: version,
		Up: func(ctx context.Context, txn *sql.Tx) error {
			_, err := txn.ExecContext(ctx, "ALTER TABLE dummy ADD COLUMN "+column+" TEXT;")
			return err
		},
	}
}

var dummyMigrations = []sqlutil.Migration{
	{
		Version: "init",
		Up: func(ctx context.Context, txn *sql.Tx) error {
			_, err := txn.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS dummy ( test TEXT );")
			return err
		},
	},
	addColumn("v2", "test2"),
	addColumn("v2", "test2"), // duplicate, skipped
	addColumn("v3", "test3"),
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlutil.Open(&config.DatabaseOptions{
		ConnectionString: config.DataSource("file:" + filepath.Join(t.TempDir(), "migrate.db")),
	}, sqlutil.NewExclusiveWriter())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrationsUp(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := sqlutil.NewMigrator(db)
	m.AddMigrations(dummyMigrations...)
	require.NoError(t, m.Up(ctx))

	executed, err := m.ExecutedMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"init": {}, "v2": {}, "v3": {}}, executed)

	// Running again is a no-op, so the ALTERs are not repeated.
	again := sqlutil.NewMigrator(db)
	again.AddMigrations(dummyMigrations...)
	require.NoError(t, again.Up(ctx))
}

func TestMigrationsRollBackOnFailure(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := sqlutil.NewMigrator(db)
	m.AddMigrations(dummyMigrations...)
	m.AddMigrations(sqlutil.Migration{
		Version: "iFail",
		Up: func(ctx context.Context, txn *sql.Tx) error {
			return fmt.Errorf("iFail")
		},
	})
	require.Error(t, m.Up(ctx))

	executed, err := m.ExecutedMigrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, executed)
}
