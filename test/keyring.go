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

package test

import (
	"context"
	"sync"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/fedcore/signing"
)

// NopJSONVerifier is a JSONVerifier that verifies nothing and returns no errors.
type NopJSONVerifier struct {
	// this verifier verifies nothing
}

func (t *NopJSONVerifier) VerifyJSONs(ctx context.Context, requests []signing.VerifyJSONRequest) ([]signing.VerifyJSONResult, error) {
	result := make([]signing.VerifyJSONResult, len(requests))
	return result, nil
}

// KeyDatabase is an in-memory signing.KeyDatabase.
type KeyDatabase struct {
	mu   sync.Mutex
	keys map[signing.PublicKeyRequest]signing.PublicKeyLookupResult
}

// NewKeyDatabase returns a key database that trusts the default test server
// key and the given extra keys forever.
func NewKeyDatabase(extra ...*User) *KeyDatabase {
	db := &KeyDatabase{keys: map[signing.PublicKeyRequest]signing.PublicKeyLookupResult{}}
	db.Trust(serverName, keyID, privateKey)
	for _, u := range extra {
		db.Trust(u.srvName, u.keyID, u.privKey)
	}
	return db
}

// Trust adds the public half of the private key for the server.
func (db *KeyDatabase) Trust(srvName spec.ServerName, keyID signing.KeyID, privKey ed25519.PrivateKey) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.keys[signing.PublicKeyRequest{ServerName: srvName, KeyID: keyID}] = signing.PublicKeyLookupResult{
		VerifyKey:    signing.VerifyKey{Key: signing.Base64Bytes(privKey.Public().(ed25519.PublicKey))},
		ValidUntilTS: 1 << 62,
		ExpiredTS:    signing.PublicKeyNotExpired,
	}
}

func (db *KeyDatabase) FetcherName() string { return "test" }

func (db *KeyDatabase) FetchKeys(
	ctx context.Context, requests map[signing.PublicKeyRequest]spec.Timestamp,
) (map[signing.PublicKeyRequest]signing.PublicKeyLookupResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	results := map[signing.PublicKeyRequest]signing.PublicKeyLookupResult{}
	for req := range requests {
		if res, ok := db.keys[req]; ok {
			results[req] = res
		}
	}
	return results, nil
}

func (db *KeyDatabase) StoreKeys(ctx context.Context, results map[signing.PublicKeyRequest]signing.PublicKeyLookupResult) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for req, res := range results {
		db.keys[req] = res
	}
	return nil
}
