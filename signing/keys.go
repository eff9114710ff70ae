/* Copyright 2016-2017 Vector Creations Ltd
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package signing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"golang.org/x/crypto/ed25519"
)

// A KeyID is the ID of a ed25519 key used to sign JSON.
// The key IDs have a format of "ed25519:[0-9A-Za-z_]+"
type KeyID string

// IsSupported reports whether the key uses an algorithm we can verify.
func (k KeyID) IsSupported() bool {
	return strings.HasPrefix(string(k), "ed25519:")
}

// A PublicKeyRequest is a request for a public key with a particular key ID.
type PublicKeyRequest struct {
	// The server to fetch a key for.
	ServerName spec.ServerName
	// The ID of the key to fetch.
	KeyID KeyID
}

// PublicKeyNotExpired is a magic value for PublicKeyLookupResult.ExpiredTS:
// it indicates that this is an active key which has not yet expired
const PublicKeyNotExpired = spec.Timestamp(0)

// PublicKeyNotValid is a magic value for PublicKeyLookupResult.ValidUntilTS:
// it is used when we don't have a validity period for this key. Most likely
// it is an old key with an expiry date.
const PublicKeyNotValid = spec.Timestamp(0)

// A VerifyKey is a ed25519 public key for a server.
type VerifyKey struct {
	Key Base64Bytes `json:"key"`
}

// An OldVerifyKey is an old ed25519 public key that is no longer valid.
type OldVerifyKey struct {
	VerifyKey
	// When this key stopped being valid for event signing in milliseconds.
	ExpiredTS spec.Timestamp `json:"expired_ts"`
}

// A PublicKeyLookupResult is the result of looking up a server signing key.
type PublicKeyLookupResult struct {
	VerifyKey
	// if this key has expired, the time it stopped being valid for event
	// signing in milliseconds, otherwise PublicKeyNotExpired.
	ExpiredTS spec.Timestamp
	// When this result is valid until in milliseconds, or PublicKeyNotValid
	// for an expired key.
	ValidUntilTS spec.Timestamp
}

// WasValidAt checks if this signing key is valid for an event signed at the
// given timestamp. The validity period is only enforced when strict is set,
// which room versions 5 and later require.
func (r PublicKeyLookupResult) WasValidAt(atTs spec.Timestamp, strict bool) bool {
	if r.ExpiredTS != PublicKeyNotExpired && atTs >= r.ExpiredTS {
		return false
	}
	if strict {
		if r.ExpiredTS == PublicKeyNotExpired && (r.ValidUntilTS == PublicKeyNotValid || atTs > r.ValidUntilTS) {
			return false
		}
	}
	return true
}

// A KeyFetcher is a way of fetching public keys in bulk.
type KeyFetcher interface {
	// FetchKeys looks up a batch of public keys. The map values are the
	// timestamps that the keys need to be valid up to. The result may have
	// fewer or more entries than were requested.
	FetchKeys(ctx context.Context, requests map[PublicKeyRequest]spec.Timestamp) (map[PublicKeyRequest]PublicKeyLookupResult, error)

	// FetcherName returns the name of this fetcher, for logging.
	FetcherName() string
}

// A KeyDatabase is a store for caching public keys.
type KeyDatabase interface {
	KeyFetcher
	// StoreKeys adds a block of public keys to the database. Partial
	// writes are acceptable since the database is only a cache.
	StoreKeys(ctx context.Context, results map[PublicKeyRequest]PublicKeyLookupResult) error
}

// ServerKeys are the ed25519 signing keys published by a matrix server.
type ServerKeys struct {
	// Copy of the raw JSON for signature checking.
	Raw []byte
	ServerKeyFields
}

// ServerKeyFields are the parsed JSON contents of /_matrix/key/v2/server.
type ServerKeyFields struct {
	ServerName    spec.ServerName        `json:"server_name"`
	VerifyKeys    map[KeyID]VerifyKey    `json:"verify_keys"`
	ValidUntilTS  spec.Timestamp         `json:"valid_until_ts"`
	OldVerifyKeys map[KeyID]OldVerifyKey `json:"old_verify_keys"`
}

func (keys *ServerKeys) UnmarshalJSON(data []byte) error {
	keys.Raw = data
	return json.Unmarshal(data, &keys.ServerKeyFields)
}

func (keys ServerKeys) MarshalJSON() ([]byte, error) {
	return keys.Raw, nil
}

// CheckSelfSigned verifies that the key response is for the expected server
// and that it is signed by every current key it lists.
func (keys ServerKeys) CheckSelfSigned(serverName spec.ServerName) error {
	if keys.ServerName != serverName {
		return fmt.Errorf("key response is for %q, not %q", keys.ServerName, serverName)
	}
	if len(keys.VerifyKeys) == 0 {
		return fmt.Errorf("key response for %q has no verify keys", serverName)
	}
	for keyID, key := range keys.VerifyKeys {
		if err := VerifyJSON(string(serverName), keyID, ed25519.PublicKey(key.Key), keys.Raw); err != nil {
			return fmt.Errorf("key response for %q not signed by %q: %w", serverName, keyID, err)
		}
	}
	return nil
}

// LookupResults flattens the response into the shape returned by a
// KeyFetcher.
func (keys ServerKeys) LookupResults() map[PublicKeyRequest]PublicKeyLookupResult {
	results := make(map[PublicKeyRequest]PublicKeyLookupResult, len(keys.VerifyKeys)+len(keys.OldVerifyKeys))
	for keyID, key := range keys.VerifyKeys {
		results[PublicKeyRequest{ServerName: keys.ServerName, KeyID: keyID}] = PublicKeyLookupResult{
			VerifyKey:    key,
			ExpiredTS:    PublicKeyNotExpired,
			ValidUntilTS: keys.ValidUntilTS,
		}
	}
	for keyID, key := range keys.OldVerifyKeys {
		results[PublicKeyRequest{ServerName: keys.ServerName, KeyID: keyID}] = PublicKeyLookupResult{
			VerifyKey:    key.VerifyKey,
			ExpiredTS:    key.ExpiredTS,
			ValidUntilTS: PublicKeyNotValid,
		}
	}
	return results
}
