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

package test

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/lib/pq"

	"github.com/matrix-org/fedcore/setup/config"
)

type DBType int

var DBTypeSQLite DBType = 1
var DBTypePostgres DBType = 2

func (d DBType) String() string {
	switch d {
	case DBTypeSQLite:
		return "sqlite"
	case DBTypePostgres:
		return "postgres"
	}
	return "unknown"
}

var Quiet = false

// Required makes a missing postgres fail the test instead of skipping it.
var Required = os.Getenv("FEDCORE_TEST_REQUIRE_POSTGRES") != ""

func skipOrFail(t *testing.T, format string, args ...interface{}) {
	t.Helper()
	if Required {
		t.Fatalf(format, args...)
	} else {
		t.Skipf(format, args...)
	}
}

func createLocalDB(t *testing.T, dbName string) {
	if _, err := exec.LookPath("createdb"); err != nil {
		skipOrFail(t, "Note: postgres tests require a postgres install accessible to the current user")
		return
	}
	createDB := exec.Command("createdb", dbName)
	if !Quiet {
		createDB.Stdout = os.Stdout
		createDB.Stderr = os.Stderr
	}
	if err := createDB.Run(); err != nil && !Quiet {
		fmt.Println("createLocalDB returned error:", err)
	}
}

func createRemoteDB(t *testing.T, dbName, user, connStr string) {
	db, err := sql.Open("postgres", connStr+" dbname=postgres")
	if err != nil {
		skipOrFail(t, "failed to open postgres conn with connstr=%s : %s", connStr, err)
	}
	if err = db.Ping(); err != nil {
		skipOrFail(t, "failed to open postgres conn with connstr=%s : %s", connStr, err)
	}
	defer db.Close() // nolint: errcheck
	_, err = db.Exec(fmt.Sprintf(`CREATE DATABASE %s;`, dbName))
	if err != nil {
		var pqErr *pq.Error
		if !errors.As(err, &pqErr) {
			t.Fatalf("failed to CREATE DATABASE: %s", err)
		}
		// duplicate_database is expected when a previous run left it behind
		if pqErr.Code != "42P04" {
			t.Fatalf("failed to CREATE DATABASE with code=%s msg=%s", pqErr.Code, pqErr.Message)
		}
	}
	if _, err = db.Exec(fmt.Sprintf(`GRANT ALL PRIVILEGES ON DATABASE %s TO %s`, dbName, user)); err != nil {
		t.Fatalf("failed to GRANT: %s", err)
	}
}

func currentUser(t *testing.T) string {
	u, err := user.Current()
	if err != nil {
		t.Fatalf("cannot get current user: %s", err)
	}
	return u.Username
}

// PrepareDBConnectionString returns database options for a fresh sqlite or
// postgres database, and a close function that must be called when the test
// finishes. SQLite databases live in a temporary directory of the test.
func PrepareDBConnectionString(t *testing.T, dbType DBType) (opts config.DatabaseOptions, close func()) {
	t.Helper()
	if dbType == DBTypeSQLite {
		path := filepath.Join(t.TempDir(), "fedcore_test.db")
		return config.DatabaseOptions{
			ConnectionString:   config.DataSource("file:" + path),
			MaxOpenConnections: 10,
		}, func() {}
	}

	if os.Getenv("POSTGRES_HOST") == "" && !Required {
		if _, err := exec.LookPath("createdb"); err != nil {
			t.Skip("Note: postgres tests need POSTGRES_HOST or a local postgres install")
		}
	}
	dbUser := os.Getenv("POSTGRES_USER")
	if dbUser == "" {
		dbUser = currentUser(t)
	}
	connStr := fmt.Sprintf("user=%s sslmode=disable", dbUser)
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		connStr += fmt.Sprintf(" password=%s", password)
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		connStr += fmt.Sprintf(" host=%s", host)
	}

	// Packages are tested concurrently, so each test directory gets its own
	// database named after a hash of the working directory.
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("cannot get working directory: %s", err)
	}
	hash := sha256.Sum256([]byte(wd))
	dbName := fmt.Sprintf("fedcore_test_%s", hex.EncodeToString(hash[:16]))
	if os.Getenv("POSTGRES_DB") == "" {
		createLocalDB(t, dbName)
	} else {
		createRemoteDB(t, dbName, dbUser, connStr)
	}
	connStr += fmt.Sprintf(" dbname=%s", dbName)

	return config.DatabaseOptions{
			ConnectionString:   config.DataSource(connStr),
			MaxOpenConnections: 10,
		}, func() {
			db, err := sql.Open("postgres", connStr)
			if err != nil {
				t.Fatalf("failed to connect to postgres db '%s': %s", connStr, err)
			}
			defer db.Close() // nolint: errcheck
			if _, err = db.Exec(`DROP SCHEMA public CASCADE; CREATE SCHEMA public;`); err != nil {
				t.Fatalf("failed to cleanup postgres db '%s': %s", connStr, err)
			}
		}
}

// WithAllDatabases runs the test once per database backend.
func WithAllDatabases(t *testing.T, testFn func(t *testing.T, db DBType)) {
	for _, dbType := range []DBType{DBTypeSQLite, DBTypePostgres} {
		dbt := dbType
		t.Run(dbt.String(), func(tt *testing.T) {
			testFn(tt, dbt)
		})
	}
}
