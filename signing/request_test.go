// Copyright 2017 New Vector Ltd
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

package signing

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

// This GET request is taken from a request made by a synapse run by sytest.
// Synapse did not send the destination in the header at the time, but it
// was covered by the signature.
const exampleGetRequest = "GET /_matrix/federation/v1/query/directory?room_alias=%23test%3Alocalhost%3A44033 HTTP/1.1\r\n" +
	"Host: localhost:44033\r\n" +
	"Authorization: X-Matrix" +
	" origin=\"localhost:8800\"" +
	",key=\"ed25519:a_Obwu\"" +
	",sig=\"7vt4vP/w8zYB3Zg77nuTPwie3TxEy2OHZQMsSa4nsXZzL4/qw+DguXbyMy3BF77XvSJmBt+Gw+fU6T4HId7fBg\"" +
	"\r\n" +
	"\r\n"

const exampleGetSig = "7vt4vP/w8zYB3Zg77nuTPwie3TxEy2OHZQMsSa4nsXZzL4/qw+DguXbyMy3BF77XvSJmBt+Gw+fU6T4HId7fBg"

const examplePutRequest = "PUT /_matrix/federation/v1/send/1493385816575/ HTTP/1.1\r\n" +
	"Host: localhost:44033\r\n" +
	"Content-Length: 321\r\n" +
	"Authorization: X-Matrix" +
	" origin=\"localhost:8800\"" +
	",key=\"ed25519:a_Obwu\"" +
	",sig=\"+hmW6UjEXx7vMt2+MXO/EImSfdEYdBsZEOmpiz3evYktAgGNpGuNMBYXIA969WGubmceREKA/r1phasUFHBpDg\"" +
	"\r\n" +
	"Content-Type: application/json\r\n" +
	"\r\n" +
	examplePutContent

const examplePutSig = "+hmW6UjEXx7vMt2+MXO/EImSfdEYdBsZEOmpiz3evYktAgGNpGuNMBYXIA969WGubmceREKA/r1phasUFHBpDg"

const examplePutContent = `{"edus":[{"content":{"device_id":"YHRUBZNPFS",` +
	`"keys":{"device_id":"YHRUBZNPFS","device_keys":{},"user_id":` +
	`"@ANON-22:localhost:8800"},"prev_id":[],"stream_id":30,"user_id":` +
	`"@ANON-22:localhost:8800"},"edu_type":"m.device_list_update"}],"origin"` +
	`:"localhost:8800","origin_server_ts":1493385822396,"pdu_failures":[],` +
	`"pdus":[]}`

var privateKey1 = mustLoadPrivateKey(privateKeySeed1)

func mustLoadPrivateKey(seed string) ed25519.PrivateKey {
	seedBytes, err := base64.RawStdEncoding.DecodeString(seed)
	if err != nil {
		panic(err)
	}
	_, privateKey, err := ed25519.GenerateKey(bytes.NewBuffer(seedBytes))
	if err != nil {
		panic(err)
	}
	return privateKey
}

func testKeyRing(t *testing.T) *KeyRing {
	return NewKeyRing(newMemoryKeyDatabase(testServerKeys(t).LookupResults()))
}

func TestSignGetRequest(t *testing.T) {
	request := NewFederationRequest(
		"GET", "localhost:44033",
		"/_matrix/federation/v1/query/directory?room_alias=%23test%3Alocalhost%3A44033",
	)
	require.NoError(t, request.Sign("localhost:8800", "ed25519:a_Obwu", privateKey1))

	hr, err := request.HTTPRequest()
	require.NoError(t, err)
	assert.Equal(t,
		`X-Matrix origin="localhost:8800",destination="localhost:44033",key="ed25519:a_Obwu",sig="`+exampleGetSig+`"`,
		hr.Header.Get("Authorization"),
	)
	assert.Equal(t, "/_matrix/federation/v1/query/directory?room_alias=%23test%3Alocalhost%3A44033", hr.URL.RequestURI())
}

func TestVerifyGetRequest(t *testing.T) {
	hr, err := http.ReadRequest(bufio.NewReader(bytes.NewReader([]byte(exampleGetRequest))))
	require.NoError(t, err)
	request, jsonResp := VerifyHTTPRequest(hr, time.Unix(1493142432, 96400), "localhost:44033", testKeyRing(t))
	require.NotNil(t, request, "response was %#v", jsonResp)

	assert.Equal(t, "GET", request.Method())
	assert.EqualValues(t, "localhost:8800", request.Origin())
	assert.Nil(t, request.Content())
	assert.Equal(t, "/_matrix/federation/v1/query/directory?room_alias=%23test%3Alocalhost%3A44033", request.RequestURI())
}

func TestSignPutRequest(t *testing.T) {
	request := NewFederationRequest("PUT", "localhost:44033", "/_matrix/federation/v1/send/1493385816575/")
	require.NoError(t, request.SetContent(json.RawMessage(examplePutContent)))
	require.NoError(t, request.Sign("localhost:8800", "ed25519:a_Obwu", privateKey1))

	hr, err := request.HTTPRequest()
	require.NoError(t, err)
	assert.Contains(t, hr.Header.Get("Authorization"), `sig="`+examplePutSig+`"`)
	assert.Equal(t, "application/json", hr.Header.Get("Content-Type"))
	body, err := io.ReadAll(hr.Body)
	require.NoError(t, err)
	assert.Equal(t, examplePutContent, string(body))
}

func TestVerifyPutRequest(t *testing.T) {
	hr, err := http.ReadRequest(bufio.NewReader(bytes.NewReader([]byte(examplePutRequest))))
	require.NoError(t, err)
	request, jsonResp := VerifyHTTPRequest(hr, time.Unix(1493142432, 96400), "localhost:44033", testKeyRing(t))
	require.NotNil(t, request, "response was %#v", jsonResp)

	assert.Equal(t, "PUT", request.Method())
	assert.EqualValues(t, "localhost:8800", request.Origin())
	assert.Equal(t, examplePutContent, string(request.Content()))
	assert.Equal(t, "/_matrix/federation/v1/send/1493385816575/", request.RequestURI())
}

func TestVerifyRequestRejections(t *testing.T) {
	read := func(raw string) *http.Request {
		hr, err := http.ReadRequest(bufio.NewReader(bytes.NewReader([]byte(raw))))
		require.NoError(t, err)
		return hr
	}

	// Addressed to someone else.
	request, jsonResp := VerifyHTTPRequest(read(exampleGetRequest), time.Unix(1493142432, 96400), "elsewhere", testKeyRing(t))
	assert.Nil(t, request)
	assert.Equal(t, http.StatusUnauthorized, jsonResp.Code)

	// Key no longer valid.
	request, jsonResp = VerifyHTTPRequest(read(exampleGetRequest), time.Unix(1593142432, 0), "localhost:44033", testKeyRing(t))
	assert.Nil(t, request)
	assert.Equal(t, http.StatusUnauthorized, jsonResp.Code)

	// No authorization header at all.
	request, jsonResp = VerifyHTTPRequest(read("GET /foo HTTP/1.1\r\nHost: localhost:44033\r\n\r\n"), time.Unix(1493142432, 0), "localhost:44033", testKeyRing(t))
	assert.Nil(t, request)
	assert.Equal(t, http.StatusBadRequest, jsonResp.Code)
}

func TestSignedRequestRoundTrip(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	db := newMemoryKeyDatabase(map[PublicKeyRequest]PublicKeyLookupResult{
		{ServerName: "origin.test", KeyID: "ed25519:auto"}: {VerifyKey: VerifyKey{Key: Base64Bytes(publicKey)}, ValidUntilTS: PublicKeyNotValid},
	})
	keyRing := NewKeyRing(db)

	request := NewFederationRequest("put", "dest.test", "/_matrix/federation/v1/send/1")
	require.NoError(t, request.SetContent(map[string]interface{}{"pdus": []string{}, "origin": "origin.test"}))
	require.NoError(t, request.Sign("origin.test", "ed25519:auto", privateKey))
	hr, err := request.HTTPRequest()
	require.NoError(t, err)

	// Requests always enforce key validity, so a key without a validity
	// period is refused.
	got, jsonResp := VerifyHTTPRequest(hr, time.Now(), "dest.test", keyRing)
	assert.Nil(t, got)
	assert.Equal(t, http.StatusUnauthorized, jsonResp.Code)

	db.keys[PublicKeyRequest{ServerName: "origin.test", KeyID: "ed25519:auto"}] = PublicKeyLookupResult{
		VerifyKey:    VerifyKey{Key: Base64Bytes(publicKey)},
		ValidUntilTS: 1 << 62,
	}
	hr, err = request.HTTPRequest()
	require.NoError(t, err)
	got, jsonResp = VerifyHTTPRequest(hr, time.Now(), "dest.test", keyRing)
	require.NotNil(t, got, "response was %#v", jsonResp)
	assert.Equal(t, "PUT", got.Method())
	assert.EqualValues(t, "dest.test", got.Destination())
	assert.JSONEq(t, `{"origin":"origin.test","pdus":[]}`, string(got.Content()))
}

func TestParseXMatrixAuthorization(t *testing.T) {
	origin, destination, keyID, sig, err := ParseXMatrixAuthorization(
		`X-Matrix origin="a.test",destination="b.test",key="ed25519:1",sig="abc"`,
	)
	require.NoError(t, err)
	assert.EqualValues(t, "a.test", origin)
	assert.EqualValues(t, "b.test", destination)
	assert.EqualValues(t, "ed25519:1", keyID)
	assert.Equal(t, "abc", sig)

	_, _, _, _, err = ParseXMatrixAuthorization(`Bearer abc`)
	assert.Error(t, err)
	_, _, _, _, err = ParseXMatrixAuthorization(`X-Matrix origin="a.test"`)
	assert.Error(t, err)
}
