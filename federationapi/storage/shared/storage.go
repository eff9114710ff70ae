// Copyright 2017-2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
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

package shared

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-org/fedcore/internal/sqlutil"
	"github.com/matrix-org/fedcore/signing"
	"github.com/matrix-org/fedcore/federationapi/storage/tables"
)

// Database is the key database of the key ring.
type Database struct {
	DB                *sql.DB
	Writer            sqlutil.Writer
	ServerSigningKeys tables.ServerSigningKeys
}

var _ signing.KeyDatabase = &Database{}

// FetcherName implements signing.KeyFetcher
func (d *Database) FetcherName() string {
	return "FederationAPIKeyDatabase"
}

// FetchKeys implements signing.KeyDatabase
func (d *Database) FetchKeys(
	ctx context.Context,
	requests map[signing.PublicKeyRequest]spec.Timestamp,
) (map[signing.PublicKeyRequest]signing.PublicKeyLookupResult, error) {
	return d.ServerSigningKeys.BulkSelectServerKeys(ctx, nil, requests)
}

// StoreKeys implements signing.KeyDatabase
func (d *Database) StoreKeys(
	ctx context.Context,
	keyMap map[signing.PublicKeyRequest]signing.PublicKeyLookupResult,
) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		var lastErr error
		for request, keys := range keyMap {
			if err := d.ServerSigningKeys.UpsertServerKeys(ctx, txn, request, keys); err != nil {
				// Keep going so that which keys get stored does not depend
				// on map iteration order.
				lastErr = err
			}
		}
		return lastErr
	})
}
