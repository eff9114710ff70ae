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

package sqlutil

import (
	"database/sql"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/matrix-org/fedcore/setup/config"
)

var dsnCredentials = regexp.MustCompile(`://[^@]*@`)

// Open opens the SQLite file or Postgres database named by the connection
// string. Connection pool limits only apply to Postgres.
func Open(dbProperties *config.DatabaseOptions, writer Writer) (*sql.DB, error) {
	conn := dbProperties.ConnectionString
	switch {
	case conn.IsSQLite():
		dsn, err := ParseFileURI(conn)
		if err != nil {
			return nil, fmt.Errorf("ParseFileURI: %w", err)
		}
		return sql.Open(SQLITE_DRIVER_NAME, sqliteDSNExtension(dsn))
	case conn.IsPostgres():
		db, err := sql.Open("postgres", string(conn))
		if err != nil {
			return nil, err
		}
		configurePool(db, dbProperties)
		return db, nil
	default:
		return nil, fmt.Errorf("invalid database connection string %q", conn)
	}
}

func configurePool(db *sql.DB, opts *config.DatabaseOptions) {
	logrus.WithFields(logrus.Fields{
		"max_open_conns":    opts.MaxOpenConns(),
		"max_idle_conns":    opts.MaxIdleConns(),
		"conn_max_lifetime": opts.ConnMaxLifetime(),
		"data_source_name":  dsnCredentials.ReplaceAllLiteralString(string(opts.ConnectionString), "://"),
	}).Debug("Setting DB connection limits")
	db.SetMaxOpenConns(opts.MaxOpenConns())
	db.SetMaxIdleConns(opts.MaxIdleConns())
	db.SetConnMaxLifetime(opts.ConnMaxLifetime())
	if opts.MaxOpenConns() == 0 {
		logrus.Warn("max_open_conns is unlimited, which can exhaust the Postgres server")
	}
}
