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

package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-org/fedcore/signing"
)

// ServerSigningKeys holds the verify keys fetched from remote servers.
type ServerSigningKeys interface {
	BulkSelectServerKeys(ctx context.Context, txn *sql.Tx, requests map[signing.PublicKeyRequest]spec.Timestamp) (map[signing.PublicKeyRequest]signing.PublicKeyLookupResult, error)
	UpsertServerKeys(ctx context.Context, txn *sql.Tx, request signing.PublicKeyRequest, key signing.PublicKeyLookupResult) error
}
