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
	"crypto/sha256"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/matrix-org/fedcore/canonicaljson"
	"github.com/matrix-org/fedcore/event"
)

// HashMismatchError is returned when the content hash of an event does not
// match the hash it claims. The event is redacted rather than rejected.
type HashMismatchError struct {
	EventID  string
	Expected Base64Bytes
	Actual   Base64Bytes
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("content hash mismatch for event %s: claimed %s, computed %s",
		e.EventID, e.Expected.Encode(), e.Actual.Encode())
}

// ContentHash computes the SHA-256 content hash of an event's JSON: the
// canonical JSON without "signatures", "unsigned" and "hashes".
func ContentHash(eventJSON []byte) (Base64Bytes, error) {
	var err error
	for _, key := range []string{"signatures", "unsigned", "hashes"} {
		if eventJSON, err = sjson.DeleteBytes(eventJSON, key); err != nil {
			return nil, err
		}
	}
	canonical, err := canonicaljson.Canonicalize(eventJSON, false)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canonical)
	return Base64Bytes(sum[:]), nil
}

// AddContentHash computes the content hash of the event JSON and stores it
// under "hashes.sha256".
func AddContentHash(eventJSON []byte) ([]byte, error) {
	hash, err := ContentHash(eventJSON)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(eventJSON, "hashes", map[string]string{"sha256": hash.Encode()})
}

// CheckContentHash recomputes the content hash of the event and compares it
// with "hashes.sha256". A mismatch returns a *HashMismatchError.
func CheckContentHash(ev *event.Event) error {
	claimed := gjson.GetBytes(ev.SignedJSON(), "hashes.sha256")
	if claimed.Type != gjson.String {
		return fmt.Errorf("event %s has no sha256 content hash", ev.EventID())
	}
	actual, err := ContentHash(ev.SignedJSON())
	if err != nil {
		return err
	}
	var expected Base64Bytes
	if err = expected.Decode(claimed.Str); err != nil || !bytes.Equal(expected, actual) {
		return &HashMismatchError{EventID: ev.EventID(), Expected: expected, Actual: actual}
	}
	return nil
}
