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

package event

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/matrix-org/fedcore/canonicaljson"
)

// Top level keys that survive a redaction.
var (
	preservedKeysV1 = keySet(
		"event_id", "type", "room_id", "sender", "state_key", "content", "hashes",
		"signatures", "depth", "prev_events", "prev_state", "auth_events", "origin",
		"origin_server_ts", "membership",
	)
	// Room version 11 stops keeping origin, membership and prev_state.
	preservedKeysV11 = keySet(
		"event_id", "type", "room_id", "sender", "state_key", "content", "hashes",
		"signatures", "depth", "prev_events", "auth_events", "origin_server_ts",
	)
)

func keySet(keys ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

// preservedContentKeys returns the content keys that survive a redaction for
// an event type. keepAll is set when the whole content survives.
func preservedContentKeys(eventType string, alg RedactionAlgorithm) (keys []string, keepAll bool) {
	switch eventType {
	case MRoomCreate:
		if alg >= RedactionAlgorithmV5 {
			return nil, true
		}
		return []string{"creator"}, false
	case MRoomMember:
		keys = []string{"membership"}
		if alg >= RedactionAlgorithmV4 {
			keys = append(keys, "join_authorised_via_users_server")
		}
		return keys, false
	case MRoomJoinRules:
		keys = []string{"join_rule"}
		if alg >= RedactionAlgorithmV3 {
			keys = append(keys, "allow")
		}
		return keys, false
	case MRoomPowerLevels:
		keys = []string{
			"ban", "events", "events_default", "kick", "redact",
			"state_default", "users", "users_default",
		}
		if alg >= RedactionAlgorithmV5 {
			keys = append(keys, "invite")
		}
		return keys, false
	case MRoomAliases:
		if alg == RedactionAlgorithmV1 {
			return []string{"aliases"}, false
		}
	case MRoomHistoryVisibility:
		return []string{"history_visibility"}, false
	case MRoomRedaction:
		if alg >= RedactionAlgorithmV5 {
			return []string{"redacts"}, false
		}
	}
	return nil, false
}

// RedactJSON strips the event down to the keys that the room version's
// redaction algorithm preserves. The output is canonical JSON.
func RedactJSON(eventJSON []byte, verImpl VersionImpl) ([]byte, error) {
	alg := verImpl.RedactionAlgorithm()
	preserved := preservedKeysV1
	if alg >= RedactionAlgorithmV5 {
		preserved = preservedKeysV11
	}

	root := gjson.ParseBytes(eventJSON)
	if !root.IsObject() {
		return nil, fmt.Errorf("RedactJSON: event is not an object")
	}
	out := make(map[string]json.RawMessage)
	root.ForEach(func(key, value gjson.Result) bool {
		if _, ok := preserved[key.Str]; ok {
			out[key.Str] = json.RawMessage(value.Raw)
		}
		return true
	})

	content := root.Get("content")
	newContent := make(map[string]json.RawMessage)
	keys, keepAll := preservedContentKeys(root.Get("type").Str, alg)
	switch {
	case !content.IsObject():
	case keepAll:
		content.ForEach(func(key, value gjson.Result) bool {
			newContent[key.Str] = json.RawMessage(value.Raw)
			return true
		})
	default:
		for _, k := range keys {
			if v := content.Get(k); v.Exists() {
				newContent[k] = json.RawMessage(v.Raw)
			}
		}
		// Version 11 keeps only the signed block of a third party invite.
		if alg >= RedactionAlgorithmV5 && root.Get("type").Str == MRoomMember {
			if signed := content.Get("third_party_invite.signed"); signed.Exists() {
				newContent["third_party_invite"] = json.RawMessage(`{"signed":` + signed.Raw + `}`)
			}
		}
	}
	contentJSON, err := json.Marshal(newContent)
	if err != nil {
		return nil, err
	}
	out["content"] = contentJSON

	redacted, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return canonicaljson.Canonicalize(redacted, false)
}
