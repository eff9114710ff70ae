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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/crypto/ed25519"
)

var privateKeySeed1 = `QJvXAPj0D9MUb1exkD8pIWmCvT1xajlsB8jRYz/G5HE`

// testKeys taken from a copy of synapse.
var testKeys = `{
	"old_verify_keys": {
		"ed25519:old": {
			"expired_ts": 929059200,
			"key": "O2onvM62pC1io6jQKm8Nc2UyFXcd4kOmOsBIoYtZ2ik"
		}
	},
	"server_name": "localhost:8800",
	"signatures": {
		"localhost:8800": {
			"ed25519:a_Obwu": "xkr4Z49ODoQnRi//ePfXlt8Q68vzd+DkzBNCt60NcwnLjNREx0qVQrw1iTFSoxkgGtz30NDkmyffDrCrmX5KBw"
		}
	},
	"tls_fingerprints": [
		{
			"sha256": "I2ohBnqpb5m3HldWFwyA10WdjqDksukiKVUdZ690WzM"
		}
	],
	"valid_until_ts": 1493142432964,
	"verify_keys": {
		"ed25519:a_Obwu": {
			"key": "2UwTWD4+tgTgENV7znGGNqhAOGY+BW1mRAnC6W6FBQg"
		}
	}
}`

// memoryKeyDatabase is a KeyDatabase backed by a map.
type memoryKeyDatabase struct {
	sync.Mutex
	keys   map[PublicKeyRequest]PublicKeyLookupResult
	stored atomic.Int32
}

func newMemoryKeyDatabase(results map[PublicKeyRequest]PublicKeyLookupResult) *memoryKeyDatabase {
	db := &memoryKeyDatabase{keys: map[PublicKeyRequest]PublicKeyLookupResult{}}
	for k, v := range results {
		db.keys[k] = v
	}
	return db
}

func (db *memoryKeyDatabase) FetcherName() string { return "memory" }

func (db *memoryKeyDatabase) FetchKeys(
	ctx context.Context, requests map[PublicKeyRequest]spec.Timestamp,
) (map[PublicKeyRequest]PublicKeyLookupResult, error) {
	db.Lock()
	defer db.Unlock()
	results := map[PublicKeyRequest]PublicKeyLookupResult{}
	for req := range requests {
		if res, ok := db.keys[req]; ok {
			results[req] = res
		}
	}
	return results, nil
}

func (db *memoryKeyDatabase) StoreKeys(ctx context.Context, results map[PublicKeyRequest]PublicKeyLookupResult) error {
	db.Lock()
	defer db.Unlock()
	for k, v := range results {
		db.keys[k] = v
		db.stored.Inc()
	}
	return nil
}

// countingFetcher serves fixed keys and counts how often it was asked.
type countingFetcher struct {
	keys  map[PublicKeyRequest]PublicKeyLookupResult
	err   error
	calls atomic.Int32
	delay time.Duration
}

func (f *countingFetcher) FetcherName() string { return "counting" }

func (f *countingFetcher) FetchKeys(
	ctx context.Context, requests map[PublicKeyRequest]spec.Timestamp,
) (map[PublicKeyRequest]PublicKeyLookupResult, error) {
	f.calls.Inc()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	results := map[PublicKeyRequest]PublicKeyLookupResult{}
	for req := range requests {
		if res, ok := f.keys[req]; ok {
			results[req] = res
		}
	}
	return results, nil
}

func testServerKeys(t *testing.T) ServerKeys {
	t.Helper()
	var keys ServerKeys
	require.NoError(t, json.Unmarshal([]byte(testKeys), &keys))
	return keys
}

func signatureErrorKind(t *testing.T, err error) SignatureErrorKind {
	t.Helper()
	var sigErr *SignatureError
	require.True(t, errors.As(err, &sigErr), "expected a *SignatureError, got %v", err)
	return sigErr.Kind
}

func TestServerKeysSelfSigned(t *testing.T) {
	keys := testServerKeys(t)
	assert.NoError(t, keys.CheckSelfSigned("localhost:8800"))
	assert.Error(t, keys.CheckSelfSigned("elsewhere"))

	results := keys.LookupResults()
	current := results[PublicKeyRequest{ServerName: "localhost:8800", KeyID: "ed25519:a_Obwu"}]
	assert.Equal(t, spec.Timestamp(1493142432964), current.ValidUntilTS)
	assert.Equal(t, PublicKeyNotExpired, current.ExpiredTS)
	old := results[PublicKeyRequest{ServerName: "localhost:8800", KeyID: "ed25519:old"}]
	assert.Equal(t, spec.Timestamp(929059200), old.ExpiredTS)
}

func TestWasValidAt(t *testing.T) {
	current := PublicKeyLookupResult{ValidUntilTS: 1000}
	assert.True(t, current.WasValidAt(999, true))
	assert.True(t, current.WasValidAt(1000, true))
	assert.False(t, current.WasValidAt(1001, true))
	assert.True(t, current.WasValidAt(1001, false), "validity is only enforced when strict")

	expired := PublicKeyLookupResult{ExpiredTS: 500}
	assert.True(t, expired.WasValidAt(499, true))
	assert.False(t, expired.WasValidAt(500, false))
}

func TestVerifyJSONsSuccess(t *testing.T) {
	k := NewKeyRing(newMemoryKeyDatabase(testServerKeys(t).LookupResults()))
	results, err := k.VerifyJSONs(context.Background(), []VerifyJSONRequest{{
		ServerName: "localhost:8800",
		Message:    []byte(testKeys),
		AtTS:       1493142432964,
	}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Error)
}

func TestVerifyJSONsUnknownServerFails(t *testing.T) {
	k := NewKeyRing(newMemoryKeyDatabase(testServerKeys(t).LookupResults()))
	results, err := k.VerifyJSONs(context.Background(), []VerifyJSONRequest{{
		ServerName: "unknown:800",
		Message:    []byte(testKeys),
		AtTS:       1493142432964,
	}})
	require.NoError(t, err)
	assert.Equal(t, SignatureMissing, signatureErrorKind(t, results[0].Error))
}

func TestVerifyJSONsDistantFutureFails(t *testing.T) {
	k := NewKeyRing(newMemoryKeyDatabase(testServerKeys(t).LookupResults()))
	results, err := k.VerifyJSONs(context.Background(), []VerifyJSONRequest{{
		ServerName:             "localhost:8800",
		Message:                []byte(testKeys),
		AtTS:                   2000000000000,
		StrictValidityChecking: true,
	}})
	require.NoError(t, err)
	assert.Equal(t, SignatureUnknownKey, signatureErrorKind(t, results[0].Error))
}

func TestVerifyJSONsFetcherErrorsAreTolerated(t *testing.T) {
	keys := testServerKeys(t).LookupResults()
	db := newMemoryKeyDatabase(nil)
	failing := &countingFetcher{err: errors.New("connection refused")}
	working := &countingFetcher{keys: keys}
	k := NewKeyRing(db, failing, working)

	results, err := k.VerifyJSONs(context.Background(), []VerifyJSONRequest{{
		ServerName: "localhost:8800",
		Message:    []byte(testKeys),
		AtTS:       1493142432964,
	}})
	require.NoError(t, err)
	assert.NoError(t, results[0].Error)
	assert.Equal(t, int32(1), failing.calls.Load())
	assert.Equal(t, int32(1), working.calls.Load())
	assert.NotZero(t, db.stored.Load(), "fetched keys are written back to the database")

	// The next lookup is served by the database.
	_, err = k.VerifyJSONs(context.Background(), []VerifyJSONRequest{{
		ServerName: "localhost:8800",
		Message:    []byte(testKeys),
		AtTS:       1493142432964,
	}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), working.calls.Load())
}

func TestVerifyJSONsInvalidSignature(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signed, err := SignJSON("remote", "ed25519:k", privateKey, []byte(`{"a":"b"}`))
	require.NoError(t, err)

	otherPublic, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	db := newMemoryKeyDatabase(map[PublicKeyRequest]PublicKeyLookupResult{
		{ServerName: "remote", KeyID: "ed25519:k"}: {VerifyKey: VerifyKey{Key: Base64Bytes(otherPublic)}, ValidUntilTS: 5000},
	})
	results, err := NewKeyRing(db).VerifyJSONs(context.Background(), []VerifyJSONRequest{{
		ServerName: "remote", Message: signed, AtTS: 1000,
	}})
	require.NoError(t, err)
	assert.Equal(t, SignatureInvalid, signatureErrorKind(t, results[0].Error))

	db = newMemoryKeyDatabase(map[PublicKeyRequest]PublicKeyLookupResult{
		{ServerName: "remote", KeyID: "ed25519:k"}: {VerifyKey: VerifyKey{Key: Base64Bytes(publicKey)}, ValidUntilTS: 5000},
	})
	results, err = NewKeyRing(db).VerifyJSONs(context.Background(), []VerifyJSONRequest{{
		ServerName: "remote", Message: signed, AtTS: 1000,
	}})
	require.NoError(t, err)
	assert.NoError(t, results[0].Error)
}

func TestKeyRingCollapsesConcurrentFetches(t *testing.T) {
	fetcher := &countingFetcher{keys: testServerKeys(t).LookupResults(), delay: 50 * time.Millisecond}
	k := NewKeyRing(nil, fetcher)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := k.VerifyJSONs(context.Background(), []VerifyJSONRequest{{
				ServerName: "localhost:8800",
				Message:    []byte(testKeys),
				AtTS:       1493142432964,
			}})
			assert.NoError(t, err)
			assert.NoError(t, results[0].Error)
		}()
	}
	wg.Wait()
	assert.Less(t, fetcher.calls.Load(), int32(8))
}

func TestCachingKeyFetcher(t *testing.T) {
	keys := testServerKeys(t).LookupResults()
	fetcher := &countingFetcher{keys: keys}
	cached := NewCachingKeyFetcher(fetcher, time.Hour)
	cached.now = func() time.Time { return time.UnixMilli(1493142000000) }

	req := PublicKeyRequest{ServerName: "localhost:8800", KeyID: "ed25519:a_Obwu"}
	for i := 0; i < 3; i++ {
		results, err := cached.FetchKeys(context.Background(), map[PublicKeyRequest]spec.Timestamp{req: 1493142000000})
		require.NoError(t, err)
		assert.Contains(t, results, req)
	}
	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.Equal(t, "cached counting", cached.FetcherName())
}
