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

package storage

import (
	"fmt"

	"github.com/matrix-org/fedcore/federationapi/storage/postgres"
	"github.com/matrix-org/fedcore/federationapi/storage/shared"
	"github.com/matrix-org/fedcore/federationapi/storage/sqlite3"
	"github.com/matrix-org/fedcore/internal/sqlutil"
	"github.com/matrix-org/fedcore/setup/config"
)

// NewDatabase opens the server key database with the backend the
// connection string names.
func NewDatabase(cm *sqlutil.Connections, opts *config.DatabaseOptions) (*shared.Database, error) {
	if opts.ConnectionString.IsPostgres() {
		return postgres.NewDatabase(cm, opts)
	}
	if opts.ConnectionString.IsSQLite() {
		return sqlite3.NewDatabase(cm, opts)
	}
	return nil, fmt.Errorf("federationapi: unsupported connection string %q", opts.ConnectionString)
}
