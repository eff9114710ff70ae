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
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/fedcore/canonicaljson"
)

// SignJSON signs a JSON object returning a copy signed with the given key.
// Existing signatures are kept. The "unsigned" key is not covered by the
// signature but is carried through to the output.
func SignJSON(signingName string, keyID KeyID, privateKey ed25519.PrivateKey, message []byte) ([]byte, error) {
	var object map[string]*json.RawMessage
	var signatures map[string]map[KeyID]Base64Bytes
	if err := json.Unmarshal(message, &object); err != nil {
		return nil, err
	}

	rawUnsigned, hasUnsigned := object["unsigned"]
	delete(object, "unsigned")

	if rawSignatures := object["signatures"]; rawSignatures != nil {
		if err := json.Unmarshal(*rawSignatures, &signatures); err != nil {
			return nil, err
		}
		delete(object, "signatures")
	} else {
		signatures = map[string]map[KeyID]Base64Bytes{}
	}

	canonical, err := canonicaljson.Marshal(object, false)
	if err != nil {
		return nil, err
	}

	signature := Base64Bytes(ed25519.Sign(privateKey, canonical))

	if signaturesForEntity := signatures[signingName]; signaturesForEntity != nil {
		signaturesForEntity[keyID] = signature
	} else {
		signatures[signingName] = map[KeyID]Base64Bytes{keyID: signature}
	}
	rawSignatures, err := json.Marshal(signatures)
	if err != nil {
		return nil, err
	}
	raw := json.RawMessage(rawSignatures)
	object["signatures"] = &raw

	if hasUnsigned {
		object["unsigned"] = rawUnsigned
	}

	return canonicaljson.Marshal(object, false)
}

// ListKeyIDs lists the key IDs a given entity has signed a message with.
func ListKeyIDs(signingName string, message []byte) ([]KeyID, error) {
	var object struct {
		Signatures map[string]map[KeyID]json.RawMessage `json:"signatures"`
	}
	if err := json.Unmarshal(message, &object); err != nil {
		return nil, err
	}
	var result []KeyID
	for keyID := range object.Signatures[signingName] {
		result = append(result, keyID)
	}
	return result, nil
}

// VerifyJSON checks that the entity has signed the message using a
// particular key.
func VerifyJSON(signingName string, keyID KeyID, publicKey ed25519.PublicKey, message []byte) error {
	var object map[string]*json.RawMessage
	var signatures map[string]map[KeyID]Base64Bytes
	if err := json.Unmarshal(message, &object); err != nil {
		return err
	}

	if object["signatures"] == nil {
		return fmt.Errorf("no signatures")
	}
	if err := json.Unmarshal(*object["signatures"], &signatures); err != nil {
		return err
	}
	signature, ok := signatures[signingName][keyID]
	if !ok {
		return fmt.Errorf("no signature from %q with ID %q", signingName, keyID)
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("bad signature length from %q with ID %q", signingName, keyID)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("bad public key length for %q with ID %q", signingName, keyID)
	}

	delete(object, "unsigned")
	delete(object, "signatures")

	canonical, err := canonicaljson.Marshal(object, false)
	if err != nil {
		return err
	}

	if !ed25519.Verify(publicKey, canonical, signature) {
		return fmt.Errorf("bad signature from %q with ID %q", signingName, keyID)
	}
	return nil
}
