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
	"errors"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/fedcore/canonicaljson"
	"github.com/matrix-org/fedcore/event"
)

const (
	vectorMinimalSigned = `{
		"event_id": "$0:domain",
		"hashes": {"sha256": "6tJjLpXtggfke8UxFhAKg82QVkJzvKOVOOSjUDK4ZSI"},
		"origin": "domain",
		"origin_server_ts": 1000000,
		"signatures": {"domain": {"ed25519:1": "2Wptgo4CwmLo/Y8B8qinxApKaCkBG2fjTWB7AbP5Uy+aIbygsSdLOFzvdDjww8zUVKCmI02eP9xtyJxc/cLiBA"}},
		"type": "X",
		"unsigned": {"age_ts": 1000000}
	}`
	vectorMessageSigned = `{
		"content": {"body": "Here is the message content"},
		"event_id": "$0:domain",
		"hashes": {"sha256": "onLKD1bGljeBWQhWZ1kaP9SorVmRQNdN5aM2JYU2n/g"},
		"origin": "domain",
		"origin_server_ts": 1000000,
		"type": "m.room.message",
		"room_id": "!r:domain",
		"sender": "@u:domain",
		"signatures": {"domain": {"ed25519:1": "Wm+VzmOUOz08Ds+0NTWb1d4CZrVsJSikkeRxh6aCcUwu6pNC78FunoD7KNWzqFn241eYHYMGCA5McEiVPdhzBA"}},
		"unsigned": {"age_ts": 1000000}
	}`
)

func verifyEventJSON(publicKey ed25519.PublicKey, eventJSON string) error {
	redacted, err := event.RedactJSON([]byte(eventJSON), event.MustGetRoomVersion(event.RoomVersionV1))
	if err != nil {
		return err
	}
	return VerifyJSON("domain", "ed25519:1", publicKey, redacted)
}

func TestVerifyEventSignatureTestVectors(t *testing.T) {
	publicKey, _ := appendixKeys(t)

	assert.NoError(t, verifyEventJSON(publicKey, vectorMinimalSigned))
	assert.NoError(t, verifyEventJSON(publicKey, vectorMessageSigned))

	// Removing unsigned data or redacting the content leaves the signature intact.
	noUnsigned, err := sjson.Delete(vectorMinimalSigned, "unsigned")
	require.NoError(t, err)
	assert.NoError(t, verifyEventJSON(publicKey, noUnsigned))
	redacted, err := sjson.SetRaw(vectorMessageSigned, "content", `{}`)
	require.NoError(t, err)
	assert.NoError(t, verifyEventJSON(publicKey, redacted))

	modifiedType, err := sjson.Set(vectorMinimalSigned, "type", "modified")
	require.NoError(t, err)
	assert.Error(t, verifyEventJSON(publicKey, modifiedType))

	modifiedHash, err := sjson.Set(vectorMessageSigned, "hashes.sha256", "adifferenthashvalueaP9SorVmRQNdN5aM2JYU2n/g")
	require.NoError(t, err)
	assert.Error(t, verifyEventJSON(publicKey, modifiedHash))
}

func TestSignEventTestVectors(t *testing.T) {
	_, privateKey := appendixKeys(t)
	verImpl := event.MustGetRoomVersion(event.RoomVersionV1)

	testcases := []struct {
		input string
		want  string
	}{
		{
			input: `{"event_id":"$0:domain","origin":"domain","origin_server_ts":1000000,"type":"X","unsigned":{"age_ts":1000000}}`,
			want:  vectorMinimalSigned,
		},
		{
			input: `{"content":{"body":"Here is the message content"},"event_id":"$0:domain","origin":"domain",` +
				`"origin_server_ts":1000000,"type":"m.room.message","room_id":"!r:domain","sender":"@u:domain",` +
				`"unsigned":{"age_ts":1000000}}`,
			want: vectorMessageSigned,
		},
	}
	for _, tc := range testcases {
		hashed, err := AddContentHash([]byte(tc.input))
		require.NoError(t, err)
		signed, err := SignEventJSON(hashed, verImpl, "domain", "ed25519:1", privateKey)
		require.NoError(t, err)

		got, err := canonicaljson.Canonicalize(signed, false)
		require.NoError(t, err)
		want, err := canonicaljson.Canonicalize([]byte(tc.want), false)
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got))
	}
}

type stubVerifier struct {
	requests []VerifyJSONRequest
	results  []VerifyJSONResult
}

func (v *stubVerifier) VerifyJSONs(ctx context.Context, requests []VerifyJSONRequest) ([]VerifyJSONResult, error) {
	v.requests = append(v.requests, requests...)
	return v.results, nil
}

func TestRequiredSigningServers(t *testing.T) {
	_, privateKey := appendixKeys(t)
	stateKey := "@joiner:remote"

	build := func(roomVersion event.RoomVersion, content string) *event.Event {
		eb := EventBuilder{
			Sender:     "@joiner:remote",
			RoomID:     "!room:origin",
			Type:       event.MRoomMember,
			StateKey:   &stateKey,
			PrevEvents: []string{},
			AuthEvents: []string{},
			Depth:      3,
			Content:    []byte(content),
		}
		ev, err := eb.Build(time.UnixMilli(1000000), "remote", "ed25519:1", privateKey, roomVersion)
		require.NoError(t, err)
		return ev
	}

	servers, err := RequiredSigningServers(build(event.RoomVersionV1, `{"membership":"join"}`))
	require.NoError(t, err)
	assert.Equal(t, []spec.ServerName{"remote"}, servers, "v1 event IDs are minted by the sender's server")

	servers, err = RequiredSigningServers(build(event.RoomVersionV8,
		`{"membership":"join","join_authorised_via_users_server":"@admin:resident"}`))
	require.NoError(t, err)
	assert.Equal(t, []spec.ServerName{"remote", "resident"}, servers)

	servers, err = RequiredSigningServers(build(event.RoomVersionV7,
		`{"membership":"join","join_authorised_via_users_server":"@admin:resident"}`))
	require.NoError(t, err)
	assert.Equal(t, []spec.ServerName{"remote"}, servers, "restricted joins do not exist before v8")
}

func TestVerifyEventCryptoRequests(t *testing.T) {
	_, privateKey := appendixKeys(t)
	eb := EventBuilder{
		Sender:  "@u:domain",
		RoomID:  "!r:domain",
		Type:    "m.room.message",
		Depth:   1,
		Content: []byte(`{"body":"hello"}`),
	}
	ev, err := eb.Build(time.UnixMilli(1000000), "domain", "ed25519:1", privateKey, event.RoomVersionV5)
	require.NoError(t, err)

	verifier := &stubVerifier{results: []VerifyJSONResult{{}}}
	require.NoError(t, VerifyEventCrypto(context.Background(), ev, verifier))
	require.Len(t, verifier.requests, 1)
	req := verifier.requests[0]
	assert.Equal(t, spec.ServerName("domain"), req.ServerName)
	assert.Equal(t, spec.Timestamp(1000000), req.AtTS)
	assert.True(t, req.StrictValidityChecking, "room v5 enforces key validity")
	assert.NotContains(t, string(req.Message), "hello", "the redacted form is verified")

	verifier = &stubVerifier{results: []VerifyJSONResult{{Error: errors.New("boom")}}}
	err = VerifyEventCrypto(context.Background(), ev, verifier)
	var sigErr *SignatureError
	require.True(t, errors.As(err, &sigErr))
	assert.Equal(t, SignatureInvalid, sigErr.Kind)
	assert.Equal(t, spec.ServerName("domain"), sigErr.ServerName)

	verifier = &stubVerifier{results: []VerifyJSONResult{{Error: &SignatureError{Kind: SignatureUnknownKey, ServerName: "domain"}}}}
	err = VerifyEventCrypto(context.Background(), ev, verifier)
	require.True(t, errors.As(err, &sigErr))
	assert.Equal(t, SignatureUnknownKey, sigErr.Kind)
}

func TestSignEventKeepsEventIDAndUnsigned(t *testing.T) {
	publicKey, privateKey := appendixKeys(t)
	eb := EventBuilder{
		Sender:   "@u:domain",
		RoomID:   "!r:domain",
		Type:     "m.room.message",
		Depth:    1,
		Content:  []byte(`{"body":"hello"}`),
		Unsigned: []byte(`{"age":10}`),
	}
	ev, err := eb.Build(time.UnixMilli(1000000), "domain", "ed25519:1", privateKey, event.RoomVersionV10)
	require.NoError(t, err)

	otherPublic, otherPrivate, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signed, err := SignEvent(ev, "other", "ed25519:x", otherPrivate)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID(), signed.EventID())
	assert.JSONEq(t, `{"age":10}`, string(signed.Unsigned()))

	redacted, err := event.RedactJSON(signed.SignedJSON(), signed.VersionImpl())
	require.NoError(t, err)
	assert.NoError(t, VerifyJSON("domain", "ed25519:1", publicKey, redacted))
	assert.NoError(t, VerifyJSON("other", "ed25519:x", otherPublic, redacted))

	sig, err := Sign(ev, "other", "ed25519:x", otherPrivate)
	require.NoError(t, err)
	assert.Len(t, sig, ed25519.SignatureSize)
}
