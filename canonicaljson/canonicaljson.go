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

// Package canonicaljson encodes JSON in the canonical form used as the input
// to every hash and signature exchanged over federation.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Integers outside of this range cannot be represented exactly by every
// implementation and are rejected by rooms that enforce canonical JSON.
const (
	MaxSafeInteger = 1<<53 - 1
	MinSafeInteger = -(1<<53 - 1)
)

// InvalidJSONError is returned when the input cannot be canonicalised.
type InvalidJSONError struct {
	Reason string
}

func (e *InvalidJSONError) Error() string {
	return "canonicaljson: " + e.Reason
}

// Canonicalize re-encodes a single JSON value in canonical form. Object keys
// are sorted by code point and insignificant whitespace is removed. Strings
// are written as UTF-8, escaping only what JSON requires. Numbers are kept
// as written, except that -0 becomes 0.
//
// If strict is set then fractions, exponents, negative zero and integers
// outside of [MinSafeInteger, MaxSafeInteger] are rejected.
func Canonicalize(input []byte, strict bool) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return nil, &InvalidJSONError{Reason: err.Error()}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &InvalidJSONError{Reason: "trailing data after JSON value"}
	}
	var buf bytes.Buffer
	buf.Grow(len(input))
	if err := encode(&buf, value, strict); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Marshal encodes v with encoding/json and canonicalises the result.
func Marshal(v interface{}, strict bool) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Canonicalize(raw, strict)
}

// IsCanonical reports whether the input is already in canonical form.
func IsCanonical(input []byte, strict bool) bool {
	out, err := Canonicalize(input, strict)
	if err != nil {
		return false
	}
	return bytes.Equal(out, input)
}

func encode(buf *bytes.Buffer, value interface{}, strict bool) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		encodeString(buf, v)
	case json.Number:
		return encodeNumber(buf, v, strict)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem, strict); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		// Byte-wise ordering of UTF-8 matches code point ordering.
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeString(buf, k)
			buf.WriteByte(':')
			if err := encode(buf, v[k], strict); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return &InvalidJSONError{Reason: fmt.Sprintf("unexpected type %T", value)}
	}
	return nil
}

// encodeNumber writes number tokens as they were received. Compacting must
// not change the bytes a remote server signed, and expanding exponents would
// let a tiny input grow without bound. Strict mode only accepts plain
// integer literals within the safe range.
func encodeNumber(buf *bytes.Buffer, n json.Number, strict bool) error {
	text := n.String()
	if !strict {
		// Negative zero is the one number every implementation rewrites.
		if text == "-0" {
			text = "0"
		}
		buf.WriteString(text)
		return nil
	}
	if strings.ContainsAny(text, ".eE") {
		return &InvalidJSONError{Reason: fmt.Sprintf("number %q is not an integer", text)}
	}
	if text == "-0" {
		return &InvalidJSONError{Reason: "negative zero is not canonical"}
	}
	i, err := strconv.ParseInt(text, 10, 64)
	if err != nil || i > MaxSafeInteger || i < MinSafeInteger {
		return &InvalidJSONError{Reason: fmt.Sprintf("integer %.32q is out of range", text)}
	}
	buf.WriteString(text)
	return nil
}

const hex = "0123456789abcdef"

func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	if !strings.ContainsAny(s, "\"\\") && !hasControl(s) {
		buf.WriteString(s)
		buf.WriteByte('"')
		return
	}
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		s = s[size:]
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hex[r>>4])
				buf.WriteByte(hex[r&0xF])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

func hasControl(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 {
			return true
		}
	}
	return false
}
