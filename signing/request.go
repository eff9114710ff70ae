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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/fedcore/canonicaljson"
)

// maxRequestBodySize bounds the body read when verifying inbound requests.
const maxRequestBodySize = 1 << 24

// A FederationRequest is a request to send to a remote server or a request
// received from a remote server. Federation requests are signed by building
// a JSON object representing the request and signing that object.
type FederationRequest struct {
	fields federationRequestFields
}

type federationRequestFields struct {
	Content     json.RawMessage                           `json:"content,omitempty"`
	Destination spec.ServerName                           `json:"destination"`
	Method      string                                    `json:"method"`
	Origin      spec.ServerName                           `json:"origin"`
	RequestURI  string                                    `json:"uri"`
	Signatures  map[spec.ServerName]map[KeyID]Base64Bytes `json:"signatures,omitempty"`
}

// NewFederationRequest creates a matrix request. Takes an HTTP method, a
// destination homeserver and a request path which can have a query string.
// The path must be encoded in the form it will appear on the wire.
func NewFederationRequest(method string, destination spec.ServerName, requestURI string) FederationRequest {
	return FederationRequest{
		fields: federationRequestFields{
			Destination: destination,
			Method:      strings.ToUpper(method),
			RequestURI:  requestURI,
		},
	}
}

// SetContent sets the JSON content for the request. Returns an error if
// there are already signatures on the request.
func (r *FederationRequest) SetContent(content interface{}) error {
	if r.fields.Signatures != nil {
		return fmt.Errorf("fedcore: content must be set before signing the request")
	}
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	if r.fields.Content, err = canonicaljson.Canonicalize(data, false); err != nil {
		return err
	}
	return nil
}

// Method returns the JSON method for the request.
func (r *FederationRequest) Method() string {
	return r.fields.Method
}

// Content returns the JSON content for the request.
func (r *FederationRequest) Content() []byte {
	return []byte(r.fields.Content)
}

// Origin returns the server that the request originated on.
func (r *FederationRequest) Origin() spec.ServerName {
	return r.fields.Origin
}

// Destination returns the server that the request is addressed to.
func (r *FederationRequest) Destination() spec.ServerName {
	return r.fields.Destination
}

// RequestURI returns the path and query sections of the HTTP request URL.
func (r *FederationRequest) RequestURI() string {
	return r.fields.RequestURI
}

// Sign the matrix request with an ed25519 key. Uses the algorithm
// specified in https://matrix.org/docs/spec/server_server/unstable.html#request-authentication
// Updates the request with the signature in place.
func (r *FederationRequest) Sign(serverName spec.ServerName, keyID KeyID, privateKey ed25519.PrivateKey) error {
	if r.fields.Origin != "" && r.fields.Origin != serverName {
		return fmt.Errorf("fedcore: the request is already signed by a different server")
	}
	r.fields.Origin = serverName
	data, err := json.Marshal(r.fields)
	if err != nil {
		return err
	}
	signedData, err := SignJSON(string(serverName), keyID, privateKey, data)
	if err != nil {
		return err
	}
	return json.Unmarshal(signedData, &r.fields)
}

// HTTPRequest constructs an net/http.Request for this matrix request. The
// URL host is the destination server name; callers that resolve the name to
// a different address rewrite req.URL.Host and leave req.Host alone.
func (r *FederationRequest) HTTPRequest() (*http.Request, error) {
	urlStr := fmt.Sprintf("https://%s%s", r.fields.Destination, r.fields.RequestURI)

	var content io.Reader
	if r.fields.Content != nil {
		content = bytes.NewReader([]byte(r.fields.Content))
	}

	httpReq, err := http.NewRequest(r.fields.Method, urlStr, content)
	if err != nil {
		return nil, err
	}

	if r.fields.Content != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	for keyID, sig := range r.fields.Signatures[r.fields.Origin] {
		httpReq.Header.Add("Authorization", FormatXMatrixAuthorization(
			r.fields.Origin, r.fields.Destination, keyID, sig,
		))
	}
	return httpReq, nil
}

// FormatXMatrixAuthorization renders one X-Matrix Authorization header.
func FormatXMatrixAuthorization(origin, destination spec.ServerName, keyID KeyID, sig Base64Bytes) string {
	return fmt.Sprintf(
		`X-Matrix origin="%s",destination="%s",key="%s",sig="%s"`,
		origin, destination, keyID, sig.Encode(),
	)
}

// ParseXMatrixAuthorization parses an X-Matrix Authorization header. The
// destination is empty if the sender did not include it.
func ParseXMatrixAuthorization(header string) (
	origin, destination spec.ServerName, keyID KeyID, sig string, err error,
) {
	scheme, params, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "X-Matrix") {
		return "", "", "", "", fmt.Errorf("not an X-Matrix authorization header")
	}
	for _, param := range strings.Split(params, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"`)
		switch strings.ToLower(name) {
		case "origin":
			origin = spec.ServerName(value)
		case "destination":
			destination = spec.ServerName(value)
		case "key":
			keyID = KeyID(value)
		case "sig":
			sig = value
		}
	}
	if origin == "" || keyID == "" || sig == "" {
		return "", "", "", "", fmt.Errorf("X-Matrix authorization header is missing origin, key or sig")
	}
	return origin, destination, keyID, sig, nil
}

// VerifyHTTPRequest extracts and verifies the contents of a net/http.Request.
// It consumes the body of the request.
// The JSON content can be accessed using FederationRequest.Content()
// Returns an 400 error if there was a problem parsing the request.
// It authenticates the request using an ed25519 signature using the JSONVerifier.
// The origin server can be accessed using FederationRequest.Origin()
// Returns a 401 error if there was a problem authenticating the request.
// HTTP handlers using this should be careful that they only use the parts of
// the request that have been authenticated: the method, the request path,
// the query parameters, and the JSON content. In particular the version of
// HTTP and the headers aren't protected by the signature.
func VerifyHTTPRequest(
	req *http.Request, now time.Time, destination spec.ServerName, keys JSONVerifier,
) (*FederationRequest, util.JSONResponse) {
	request, err := readHTTPRequest(req)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Debug("Invalid request")
		return nil, util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.BadJSON("Error parsing HTTP headers: " + err.Error()),
		}
	}
	if request.fields.Destination != "" && request.fields.Destination != destination {
		return nil, util.JSONResponse{
			Code: http.StatusUnauthorized,
			JSON: spec.Forbidden("The request is not addressed to this server"),
		}
	}
	request.fields.Destination = destination

	toVerify, err := request.signedJSON()
	if err != nil {
		return nil, util.JSONResponse{
			Code: http.StatusUnauthorized,
			JSON: spec.Forbidden("Error authenticating request"),
		}
	}
	results, err := keys.VerifyJSONs(req.Context(), []VerifyJSONRequest{{
		ServerName:             request.Origin(),
		AtTS:                   spec.AsTimestamp(now),
		Message:                toVerify,
		StrictValidityChecking: true,
	}})
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("Failed to verify request signature")
		return nil, util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	if results[0].Error != nil {
		return nil, util.JSONResponse{
			Code: http.StatusUnauthorized,
			JSON: spec.Forbidden("Invalid request signature: " + results[0].Error.Error()),
		}
	}
	return request, util.JSONResponse{Code: http.StatusOK}
}

// VerifyFederationRequest checks an already parsed request against the key
// ring. It is used by tests and by callers that construct requests directly.
func VerifyFederationRequest(ctx context.Context, r *FederationRequest, now time.Time, keys JSONVerifier) error {
	toVerify, err := r.signedJSON()
	if err != nil {
		return err
	}
	results, err := keys.VerifyJSONs(ctx, []VerifyJSONRequest{{
		ServerName:             r.Origin(),
		AtTS:                   spec.AsTimestamp(now),
		Message:                toVerify,
		StrictValidityChecking: true,
	}})
	if err != nil {
		return err
	}
	return results[0].Error
}

func (r *FederationRequest) signedJSON() ([]byte, error) {
	return json.Marshal(r.fields)
}

func readHTTPRequest(req *http.Request) (*FederationRequest, error) {
	var result FederationRequest

	result.fields.Method = req.Method
	result.fields.RequestURI = req.URL.RequestURI()

	content, err := io.ReadAll(io.LimitReader(req.Body, maxRequestBodySize))
	if err != nil {
		return nil, err
	}
	if len(content) != 0 {
		if !strings.HasPrefix(req.Header.Get("Content-Type"), "application/json") {
			return nil, fmt.Errorf("the request must be \"application/json\" not %q", req.Header.Get("Content-Type"))
		}
		if result.fields.Content, err = canonicaljson.Canonicalize(content, false); err != nil {
			return nil, err
		}
	}

	for _, authorization := range req.Header["Authorization"] {
		origin, destination, keyID, sig, err := ParseXMatrixAuthorization(authorization)
		if err != nil {
			continue
		}
		if result.fields.Origin != "" && result.fields.Origin != origin {
			return nil, fmt.Errorf("different origins in X-Matrix authorization headers")
		}
		if destination != "" {
			result.fields.Destination = destination
		}
		var sigBytes Base64Bytes
		if err = sigBytes.Decode(sig); err != nil {
			return nil, fmt.Errorf("invalid signature in X-Matrix authorization header: %w", err)
		}
		result.fields.Origin = origin
		if result.fields.Signatures == nil {
			result.fields.Signatures = map[spec.ServerName]map[KeyID]Base64Bytes{origin: {keyID: sigBytes}}
		} else {
			result.fields.Signatures[origin][keyID] = sigBytes
		}
	}
	if result.fields.Origin == "" {
		return nil, fmt.Errorf("missing X-Matrix authorization header")
	}
	return &result, nil
}
