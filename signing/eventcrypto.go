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
	"fmt"
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/fedcore/event"
)

// SignatureErrorKind says why a signature check failed.
type SignatureErrorKind int

const (
	// SignatureMissing means the server did not sign the object at all, or
	// not with a supported algorithm.
	SignatureMissing SignatureErrorKind = iota + 1
	// SignatureInvalid means a signature was present but did not verify.
	SignatureInvalid
	// SignatureUnknownKey means no trusted key could be found for the key
	// IDs the server signed with, at the time the object was signed.
	SignatureUnknownKey
)

func (k SignatureErrorKind) String() string {
	switch k {
	case SignatureMissing:
		return "missing"
	case SignatureInvalid:
		return "invalid"
	case SignatureUnknownKey:
		return "unknown key"
	}
	return "unknown"
}

// SignatureError is always fatal to the object it refers to.
type SignatureError struct {
	Kind       SignatureErrorKind
	ServerName spec.ServerName
	Reason     string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature from %q %s: %s", e.ServerName, e.Kind, e.Reason)
}

// A VerifyJSONRequest is a request to check for a signature on a JSON
// message. The message is valid for a server if it has at least one valid
// signature from that server.
type VerifyJSONRequest struct {
	// The name of the matrix server to check for a signature for.
	ServerName spec.ServerName
	// The millisecond posix timestamp the message needs to be valid at.
	AtTS spec.Timestamp
	// The JSON bytes.
	Message []byte
	// Whether to enforce the key's validity period.
	StrictValidityChecking bool
}

// A VerifyJSONResult is the result of checking the signature of a JSON
// message. Error is nil if the message passed the checks.
type VerifyJSONResult struct {
	Error error
}

// A JSONVerifier is an object which can verify the signatures of JSON
// messages.
type JSONVerifier interface {
	// VerifyJSONs performs bulk JSON signature verification. Returns a list
	// of results with the same length and order as the requests. The error
	// is for failures talking to the key stores, not for bad signatures.
	VerifyJSONs(ctx context.Context, requests []VerifyJSONRequest) ([]VerifyJSONResult, error)
}

// SignEventJSON signs the redacted form of the event JSON and returns the
// JSON with the new signature merged into "signatures".
func SignEventJSON(eventJSON []byte, verImpl event.VersionImpl, signingName spec.ServerName, keyID KeyID, privateKey ed25519.PrivateKey) ([]byte, error) {
	redacted, err := event.RedactJSON(eventJSON, verImpl)
	if err != nil {
		return nil, err
	}
	signed, err := SignJSON(string(signingName), keyID, privateKey, redacted)
	if err != nil {
		return nil, err
	}
	signatures := gjson.GetBytes(signed, "signatures")
	return sjson.SetRawBytes(eventJSON, "signatures", []byte(signatures.Raw))
}

// Sign returns the signature that signingName would attach to the event.
func Sign(ev *event.Event, signingName spec.ServerName, keyID KeyID, privateKey ed25519.PrivateKey) (Base64Bytes, error) {
	signed, err := SignEventJSON(ev.SignedJSON(), ev.VersionImpl(), signingName, keyID, privateKey)
	if err != nil {
		return nil, err
	}
	var sig Base64Bytes
	path := "signatures." + gjson.Escape(string(signingName)) + "." + gjson.Escape(string(keyID))
	if err = sig.Decode(gjson.GetBytes(signed, path).Str); err != nil {
		return nil, err
	}
	return sig, nil
}

// SignEvent returns a copy of the event with an added signature. The event
// ID does not change because signatures are not part of the reference hash.
func SignEvent(ev *event.Event, signingName spec.ServerName, keyID KeyID, privateKey ed25519.PrivateKey) (*event.Event, error) {
	signed, err := SignEventJSON(ev.SignedJSON(), ev.VersionImpl(), signingName, keyID, privateKey)
	if err != nil {
		return nil, err
	}
	if unsigned := ev.Unsigned(); len(unsigned) > 0 {
		if signed, err = sjson.SetRawBytes(signed, "unsigned", unsigned); err != nil {
			return nil, err
		}
	}
	return event.NewEventFromTrustedJSONWithEventID(ev.EventID(), signed, ev.Redacted(), ev.Version())
}

// RequiredSigningServers returns the servers that must have signed an event:
// the sender's server, the server that minted a v1 event ID and, for
// restricted joins, the server of the authorising user.
func RequiredSigningServers(ev *event.Event) ([]spec.ServerName, error) {
	servers := map[spec.ServerName]struct{}{}
	sender, err := ev.SenderDomain()
	if err != nil {
		return nil, fmt.Errorf("failed to get sender domain: %w", err)
	}
	servers[sender] = struct{}{}

	verImpl := ev.VersionImpl()
	if verImpl.EventIDFormat() == event.EventIDFormatV1 {
		origin, err := event.DomainFromID(ev.EventID())
		if err != nil {
			return nil, fmt.Errorf("failed to get event ID domain: %w", err)
		}
		servers[origin] = struct{}{}
	}

	if verImpl.AllowRestrictedJoinsInEventAuth() && ev.Type() == event.MRoomMember {
		if membership, err := ev.Membership(); err == nil && membership == event.Join {
			if authoriser := gjson.GetBytes(ev.Content(), "join_authorised_via_users_server"); authoriser.Type == gjson.String {
				domain, err := event.DomainFromID(authoriser.Str)
				if err != nil {
					return nil, fmt.Errorf("failed to get authorising user domain: %w", err)
				}
				servers[domain] = struct{}{}
			}
		}
	}

	result := make([]spec.ServerName, 0, len(servers))
	for s := range servers {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

// VerifyEventCrypto checks that every server required to sign the event has
// a valid signature under a key trusted at the time the event was sent. It
// fails closed: any missing or invalid signature is an error.
func VerifyEventCrypto(ctx context.Context, ev *event.Event, verifier JSONVerifier) error {
	servers, err := RequiredSigningServers(ev)
	if err != nil {
		return &SignatureError{Kind: SignatureMissing, Reason: err.Error()}
	}
	redacted, err := event.RedactJSON(ev.SignedJSON(), ev.VersionImpl())
	if err != nil {
		return &SignatureError{Kind: SignatureInvalid, Reason: err.Error()}
	}

	requests := make([]VerifyJSONRequest, 0, len(servers))
	for _, server := range servers {
		requests = append(requests, VerifyJSONRequest{
			ServerName:             server,
			AtTS:                   ev.OriginServerTS(),
			Message:                redacted,
			StrictValidityChecking: ev.VersionImpl().EnforceSigningKeyValidity(),
		})
	}
	results, err := verifier.VerifyJSONs(ctx, requests)
	if err != nil {
		return fmt.Errorf("VerifyJSONs: %w", err)
	}
	if len(results) != len(requests) {
		return fmt.Errorf("VerifyJSONs: expected %d results, got %d", len(requests), len(results))
	}
	for i, result := range results {
		if result.Error == nil {
			continue
		}
		var sigErr *SignatureError
		if errors.As(result.Error, &sigErr) {
			return sigErr
		}
		return &SignatureError{Kind: SignatureInvalid, ServerName: requests[i].ServerName, Reason: result.Error.Error()}
	}
	return nil
}
