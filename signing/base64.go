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
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Base64Bytes is a slice of bytes that are unpadded base64 encoded when used
// in JSON or YAML.
type Base64Bytes []byte

// Encode encodes the bytes as unpadded standard base64.
func (b64 Base64Bytes) Encode() string {
	return base64.RawStdEncoding.EncodeToString(b64)
}

// Decode decodes the given input into this Base64Bytes. Remote servers are
// not consistent about the alphabet or padding they use, so both are
// accepted.
func (b64 *Base64Bytes) Decode(str string) error {
	str = strings.TrimRight(str, "=")
	var err error
	if strings.ContainsAny(str, "-_") {
		*b64, err = base64.RawURLEncoding.DecodeString(str)
	} else {
		*b64, err = base64.RawStdEncoding.DecodeString(str)
	}
	return err
}

// MarshalJSON takes a value receiver so that maps and slices of Base64Bytes
// encode correctly.
func (b64 Base64Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(b64.Encode())
}

func (b64 *Base64Bytes) UnmarshalJSON(raw []byte) error {
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return err
	}
	return b64.Decode(str)
}

func (b64 Base64Bytes) MarshalYAML() (interface{}, error) {
	return b64.Encode(), nil
}

func (b64 *Base64Bytes) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	return b64.Decode(str)
}
