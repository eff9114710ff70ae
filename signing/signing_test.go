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
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

// The appendix seed from https://spec.matrix.org/latest/appendices/#signing-json
const appendixSeed = "YJDBA9Xnr2sVqXD9Vj7XVUnmFZcZrlw8Md7kMW+3XA1"

func appendixKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	seed, err := base64.RawStdEncoding.DecodeString(appendixSeed)
	require.NoError(t, err)
	publicKey, privateKey, err := ed25519.GenerateKey(bytes.NewBuffer(seed))
	require.NoError(t, err)
	return publicKey, privateKey
}

func TestSignJSONTestVectors(t *testing.T) {
	publicKey, privateKey := appendixKeys(t)

	testcases := []struct {
		input string
		sig   string
	}{
		{
			input: `{}`,
			sig:   "K8280/U9SSy9IVtjBuVeLr+HpOB4BQFWbg+UZaADMtTdGYI7Geitb76LTrr5QV/7Xg4ahLwYGYZzuHGZKM5ZAQ",
		},
		{
			input: `{"one": 1, "two": "Two"}`,
			sig:   "KqmLSbO39/Bzb0QIYE82zqLwsA+PDzYIpIRA2sRQ4sL53+sN6/fpNSoqE7BP7vBZhG6kYdD13EIMJpvhJI+6Bw",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.input, func(t *testing.T) {
			signed, err := SignJSON("domain", "ed25519:1", privateKey, []byte(tc.input))
			require.NoError(t, err)

			sigs, err := ListKeyIDs("domain", signed)
			require.NoError(t, err)
			assert.Equal(t, []KeyID{"ed25519:1"}, sigs)

			assert.Contains(t, string(signed), tc.sig)
			assert.NoError(t, VerifyJSON("domain", "ed25519:1", publicKey, signed))
		})
	}
}

func TestVerifyJSONFailures(t *testing.T) {
	publicKey, privateKey := appendixKeys(t)
	signed, err := SignJSON("domain", "ed25519:1", privateKey, []byte(`{"one":1}`))
	require.NoError(t, err)

	// Unsigned data is not covered.
	withUnsigned, err := SignJSON("domain", "ed25519:1", privateKey, []byte(`{"one":1,"unsigned":{"age":5}}`))
	require.NoError(t, err)
	assert.NoError(t, VerifyJSON("domain", "ed25519:1", publicKey, withUnsigned))

	assert.Error(t, VerifyJSON("other", "ed25519:1", publicKey, signed), "wrong entity")
	assert.Error(t, VerifyJSON("domain", "ed25519:2", publicKey, signed), "wrong key ID")
	assert.Error(t, VerifyJSON("domain", "ed25519:1", publicKey[:16], signed), "short public key")
	assert.Error(t, VerifyJSON("domain", "ed25519:1", publicKey, []byte(`{"one":1}`)), "no signatures")

	tampered := bytes.Replace(signed, []byte(`"one":1`), []byte(`"one":2`), 1)
	assert.Error(t, VerifyJSON("domain", "ed25519:1", publicKey, tampered), "modified message")
}

func TestSignJSONKeepsExistingSignatures(t *testing.T) {
	publicKey, privateKey := appendixKeys(t)
	once, err := SignJSON("a", "ed25519:1", privateKey, []byte(`{"x":"y"}`))
	require.NoError(t, err)
	twice, err := SignJSON("b", "ed25519:1", privateKey, once)
	require.NoError(t, err)
	assert.NoError(t, VerifyJSON("a", "ed25519:1", publicKey, twice))
	assert.NoError(t, VerifyJSON("b", "ed25519:1", publicKey, twice))
}

func TestSignJSONInteropWithGomatrixserverlib(t *testing.T) {
	publicKey, privateKey := appendixKeys(t)
	message := []byte(`{"b":[1,2,{"z":"é"}],"a":"\n","c":{"y":null,"x":true}}`)

	ours, err := SignJSON("domain", "ed25519:1", privateKey, message)
	require.NoError(t, err)
	assert.NoError(t, gomatrixserverlib.VerifyJSON("domain", gomatrixserverlib.KeyID("ed25519:1"), publicKey, ours))

	theirs, err := gomatrixserverlib.SignJSON("domain", gomatrixserverlib.KeyID("ed25519:1"), privateKey, message)
	require.NoError(t, err)
	assert.NoError(t, VerifyJSON("domain", "ed25519:1", publicKey, theirs))
}

func TestBase64Bytes(t *testing.T) {
	var b Base64Bytes
	require.NoError(t, b.Decode("SGVsbG8/"))
	assert.Equal(t, "Hello?", string(b))
	require.NoError(t, b.Decode("SGVsbG8_"))
	assert.Equal(t, "Hello?", string(b))
	require.NoError(t, b.Decode("SGVsbG8="))
	assert.Equal(t, "Hello", string(b))
	assert.Equal(t, "SGVsbG8", b.Encode())

	out, err := b.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"SGVsbG8"`, string(out))

	assert.Error(t, b.Decode("!!!"))
}
