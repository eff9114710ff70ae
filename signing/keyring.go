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
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// A KeyRing stores keys for matrix servers and provides methods for
// verifying JSON messages.
type KeyRing struct {
	KeyFetchers []KeyFetcher
	KeyDatabase KeyDatabase

	// collapses concurrent fetches for the same server and key IDs
	inflight singleflight.Group
}

// NewKeyRing returns a key ring that consults the database first and then
// each fetcher in order.
func NewKeyRing(db KeyDatabase, fetchers ...KeyFetcher) *KeyRing {
	return &KeyRing{
		KeyFetchers: fetchers,
		KeyDatabase: db,
	}
}

// VerifyJSONs implements JSONVerifier.
func (k *KeyRing) VerifyJSONs(ctx context.Context, requests []VerifyJSONRequest) ([]VerifyJSONResult, error) {
	results := make([]VerifyJSONResult, len(requests))
	keyIDs := make([][]KeyID, len(requests))

	for i := range requests {
		ids, err := ListKeyIDs(string(requests[i].ServerName), requests[i].Message)
		if err != nil {
			results[i].Error = &SignatureError{
				Kind:       SignatureMissing,
				ServerName: requests[i].ServerName,
				Reason:     "error extracting key IDs",
			}
			continue
		}
		for _, keyID := range ids {
			if keyID.IsSupported() {
				keyIDs[i] = append(keyIDs[i], keyID)
			}
		}
		if len(keyIDs[i]) == 0 {
			results[i].Error = &SignatureError{
				Kind:       SignatureMissing,
				ServerName: requests[i].ServerName,
				Reason:     "not signed with a supported algorithm",
			}
			continue
		}
		// Only remains in place if no key could be found for any key ID.
		results[i].Error = &SignatureError{
			Kind:       SignatureUnknownKey,
			ServerName: requests[i].ServerName,
			Reason:     "could not find a key",
		}
	}

	keyRequests := k.publicKeyRequests(requests, results, keyIDs)
	if len(keyRequests) == 0 {
		return results, nil
	}
	if k.KeyDatabase != nil {
		keysFromDatabase, err := k.KeyDatabase.FetchKeys(ctx, keyRequests)
		if err != nil {
			return nil, fmt.Errorf("KeyDatabase.FetchKeys: %w", err)
		}
		k.checkUsingKeys(requests, results, keyIDs, keysFromDatabase)
	}

	keyRequests = k.publicKeyRequests(requests, results, keyIDs)
	if len(keyRequests) == 0 || len(k.KeyFetchers) == 0 {
		return results, nil
	}

	keysFetched, err := k.fetchRemote(ctx, keyRequests)
	if err != nil {
		return nil, err
	}
	k.checkUsingKeys(requests, results, keyIDs, keysFetched)

	if k.KeyDatabase != nil && len(keysFetched) > 0 {
		if err := k.KeyDatabase.StoreKeys(ctx, keysFetched); err != nil {
			return nil, fmt.Errorf("KeyDatabase.StoreKeys: %w", err)
		}
	}
	return results, nil
}

// fetchRemote asks the fetchers for the outstanding keys. Each server is
// looked up in its own goroutine, and concurrent lookups of the same keys
// share one fetch.
func (k *KeyRing) fetchRemote(
	ctx context.Context, keyRequests map[PublicKeyRequest]spec.Timestamp,
) (map[PublicKeyRequest]PublicKeyLookupResult, error) {
	byServer := map[spec.ServerName]map[PublicKeyRequest]spec.Timestamp{}
	for req, ts := range keyRequests {
		if byServer[req.ServerName] == nil {
			byServer[req.ServerName] = map[PublicKeyRequest]spec.Timestamp{}
		}
		byServer[req.ServerName][req] = ts
	}

	var mu sync.Mutex
	fetched := map[PublicKeyRequest]PublicKeyLookupResult{}
	g, gctx := errgroup.WithContext(ctx)
	for serverName, serverRequests := range byServer {
		serverName, serverRequests := serverName, serverRequests
		g.Go(func() error {
			v, err, _ := k.inflight.Do(flightKey(serverName, serverRequests), func() (interface{}, error) {
				return k.fetchFromFetchers(gctx, serverRequests), nil
			})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for req, res := range v.(map[PublicKeyRequest]PublicKeyLookupResult) {
				fetched[req] = res
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return fetched, nil
}

// fetchFromFetchers tries each fetcher in order until every request has a
// result. A failing fetcher is logged and skipped: the signatures it would
// have checked are then reported as unknown keys.
func (k *KeyRing) fetchFromFetchers(
	ctx context.Context, requests map[PublicKeyRequest]spec.Timestamp,
) map[PublicKeyRequest]PublicKeyLookupResult {
	logger := util.GetLogger(ctx)
	results := map[PublicKeyRequest]PublicKeyLookupResult{}
	for _, fetcher := range k.KeyFetchers {
		remaining := map[PublicKeyRequest]spec.Timestamp{}
		for req, ts := range requests {
			if res, ok := results[req]; !ok || !res.WasValidAt(ts, false) {
				remaining[req] = ts
			}
		}
		if len(remaining) == 0 {
			break
		}
		fetcherLogger := logger.WithField("fetcher", fetcher.FetcherName())
		fetcherLogger.WithField("num_key_requests", len(remaining)).Debug("Requesting keys from fetcher")

		keys, err := fetcher.FetchKeys(ctx, remaining)
		if err != nil {
			fetcherLogger.WithError(err).Warn("Failed to fetch keys")
			continue
		}
		fetcherLogger.WithField("num_keys_fetched", len(keys)).Debug("Got keys from fetcher")
		for req, res := range keys {
			if prev, ok := results[req]; ok && prev.ValidUntilTS > res.ValidUntilTS {
				continue
			}
			results[req] = res
		}
	}
	return results
}

func flightKey(serverName spec.ServerName, requests map[PublicKeyRequest]spec.Timestamp) string {
	parts := make([]string, 0, len(requests))
	for req, ts := range requests {
		parts = append(parts, fmt.Sprintf("%s@%d", req.KeyID, ts))
	}
	sort.Strings(parts)
	return string(serverName) + "|" + strings.Join(parts, ",")
}

func (k *KeyRing) publicKeyRequests(
	requests []VerifyJSONRequest, results []VerifyJSONResult, keyIDs [][]KeyID,
) map[PublicKeyRequest]spec.Timestamp {
	keyRequests := map[PublicKeyRequest]spec.Timestamp{}
	for i := range requests {
		if results[i].Error == nil {
			continue
		}
		if sigErr, ok := results[i].Error.(*SignatureError); ok && sigErr.Kind != SignatureUnknownKey {
			continue
		}
		for _, keyID := range keyIDs[i] {
			req := PublicKeyRequest{ServerName: requests[i].ServerName, KeyID: keyID}
			// Keep the latest timestamp the key is needed at.
			if maxTS, ok := keyRequests[req]; !ok || maxTS < requests[i].AtTS {
				keyRequests[req] = requests[i].AtTS
			}
		}
	}
	return keyRequests
}

func (k *KeyRing) checkUsingKeys(
	requests []VerifyJSONRequest, results []VerifyJSONResult, keyIDs [][]KeyID,
	keys map[PublicKeyRequest]PublicKeyLookupResult,
) {
	for i := range requests {
		if results[i].Error == nil {
			continue
		}
		if sigErr, ok := results[i].Error.(*SignatureError); ok && sigErr.Kind == SignatureInvalid {
			// A bad signature under a trusted key is final.
			continue
		}
		for _, keyID := range keyIDs[i] {
			serverKey, ok := keys[PublicKeyRequest{ServerName: requests[i].ServerName, KeyID: keyID}]
			if !ok {
				continue
			}
			if !serverKey.WasValidAt(requests[i].AtTS, requests[i].StrictValidityChecking) {
				results[i].Error = &SignatureError{
					Kind:       SignatureUnknownKey,
					ServerName: requests[i].ServerName,
					Reason:     fmt.Sprintf("key %q not valid at %d", keyID, requests[i].AtTS),
				}
				continue
			}
			if err := VerifyJSON(
				string(requests[i].ServerName), keyID, ed25519.PublicKey(serverKey.Key), requests[i].Message,
			); err != nil {
				results[i].Error = &SignatureError{
					Kind:       SignatureInvalid,
					ServerName: requests[i].ServerName,
					Reason:     err.Error(),
				}
				continue
			}
			results[i].Error = nil
			break
		}
	}
}
