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

package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-org/fedcore/federationapi/storage/tables"
	"github.com/matrix-org/fedcore/internal"
	"github.com/matrix-org/fedcore/internal/sqlutil"
	"github.com/matrix-org/fedcore/signing"
)

const serverSigningKeysSchema = `
-- Verify keys fetched from remote servers.
CREATE TABLE IF NOT EXISTS federationapi_server_keys (
	server_name TEXT NOT NULL,
	server_key_id TEXT NOT NULL,
	-- server_name and server_key_id joined by the ASCII unit separator, so
	-- that bulk lookups need a single array parameter.
	server_name_and_key_id TEXT NOT NULL,
	-- 0 for an expired key, in which case expired_ts is set.
	valid_until_ts BIGINT NOT NULL,
	-- 0 for an active key.
	expired_ts BIGINT NOT NULL,
	-- unpadded base64
	server_key TEXT NOT NULL,
	CONSTRAINT federationapi_server_keys_unique UNIQUE (server_name, server_key_id)
);

CREATE INDEX IF NOT EXISTS federationapi_server_name_and_key_id ON federationapi_server_keys (server_name_and_key_id);
`

const bulkSelectServerSigningKeysSQL = "" +
	"SELECT server_name, server_key_id, valid_until_ts, expired_ts, " +
	"   server_key FROM federationapi_server_keys" +
	" WHERE server_name_and_key_id = ANY($1)"

const upsertServerSigningKeysSQL = "" +
	"INSERT INTO federationapi_server_keys (server_name, server_key_id," +
	" server_name_and_key_id, valid_until_ts, expired_ts, server_key)" +
	" VALUES ($1, $2, $3, $4, $5, $6)" +
	" ON CONFLICT ON CONSTRAINT federationapi_server_keys_unique" +
	" DO UPDATE SET valid_until_ts = $4, expired_ts = $5, server_key = $6"

type serverSigningKeyStatements struct {
	bulkSelectServerKeysStmt *sql.Stmt
	upsertServerKeysStmt     *sql.Stmt
}

func CreateServerSigningKeysTable(db *sql.DB) error {
	_, err := db.Exec(serverSigningKeysSchema)
	return err
}

func PrepareServerSigningKeysTable(db *sql.DB) (tables.ServerSigningKeys, error) {
	s := &serverSigningKeyStatements{}
	return s, sqlutil.StatementList{
		{&s.bulkSelectServerKeysStmt, bulkSelectServerSigningKeysSQL},
		{&s.upsertServerKeysStmt, upsertServerSigningKeysSQL},
	}.Prepare(db)
}

func (s *serverSigningKeyStatements) BulkSelectServerKeys(
	ctx context.Context, txn *sql.Tx,
	requests map[signing.PublicKeyRequest]spec.Timestamp,
) (map[signing.PublicKeyRequest]signing.PublicKeyLookupResult, error) {
	nameAndKeyIDs := make([]string, 0, len(requests))
	for request := range requests {
		nameAndKeyIDs = append(nameAndKeyIDs, nameAndKeyID(request))
	}
	rows, err := sqlutil.TxStmt(txn, s.bulkSelectServerKeysStmt).QueryContext(ctx, pq.StringArray(nameAndKeyIDs))
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "bulkSelectServerKeys: rows.close() failed")
	results := make(map[signing.PublicKeyRequest]signing.PublicKeyLookupResult, len(requests))
	for rows.Next() {
		var serverName, keyID, key string
		var validUntilTS, expiredTS int64
		if err = rows.Scan(&serverName, &keyID, &validUntilTS, &expiredTS, &key); err != nil {
			return nil, err
		}
		var vk signing.VerifyKey
		if err = vk.Key.Decode(key); err != nil {
			return nil, err
		}
		results[signing.PublicKeyRequest{
			ServerName: spec.ServerName(serverName),
			KeyID:      signing.KeyID(keyID),
		}] = signing.PublicKeyLookupResult{
			VerifyKey:    vk,
			ValidUntilTS: spec.Timestamp(validUntilTS),
			ExpiredTS:    spec.Timestamp(expiredTS),
		}
	}
	return results, rows.Err()
}

func (s *serverSigningKeyStatements) UpsertServerKeys(
	ctx context.Context, txn *sql.Tx,
	request signing.PublicKeyRequest,
	key signing.PublicKeyLookupResult,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertServerKeysStmt).ExecContext(
		ctx,
		string(request.ServerName),
		string(request.KeyID),
		nameAndKeyID(request),
		int64(key.ValidUntilTS),
		int64(key.ExpiredTS),
		key.Key.Encode(),
	)
	return err
}

func nameAndKeyID(request signing.PublicKeyRequest) string {
	return string(request.ServerName) + "\x1F" + string(request.KeyID)
}
