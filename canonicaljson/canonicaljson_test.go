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

package canonicaljson

import (
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCanonical(t *testing.T, input, want string) {
	t.Helper()
	got, err := Canonicalize([]byte(input), false)
	if err != nil {
		t.Fatalf("Canonicalize(%q): %v", input, err)
	}
	if string(got) != want {
		t.Errorf("Canonicalize(%q): want %q got %q", input, want, string(got))
	}
}

func TestCanonicalizeAppendixVectors(t *testing.T) {
	testCanonical(t, `{}`, `{}`)
	testCanonical(t, `{"one": 1, "two": "Two"}`, `{"one":1,"two":"Two"}`)
	testCanonical(t, `{"b": "2", "a": "1"}`, `{"a":"1","b":"2"}`)
	testCanonical(t,
		`{"auth":{"success":true,"mxid":"@john.doe:example.com","profile":{"display_name":"John Doe","three_pids":[{"medium":"email","address":"john.doe@example.org"},{"medium":"msisdn","address":"123456789"}]}}}`,
		`{"auth":{"mxid":"@john.doe:example.com","profile":{"display_name":"John Doe","three_pids":[{"address":"john.doe@example.org","medium":"email"},{"address":"123456789","medium":"msisdn"}]},"success":true}}`,
	)
	testCanonical(t, `{"a": "日本語"}`, `{"a":"日本語"}`)
	testCanonical(t, `{"本": 2, "日": 1}`, `{"日":1,"本":2}`)
	testCanonical(t, `{"a": "日"}`, `{"a":"日"}`)
	testCanonical(t, `{"a": null}`, `{"a":null}`)
	testCanonical(t, `{"a": -0, "b": 1e10, "c": 1.0}`, `{"a":0,"b":1e10,"c":1.0}`)
}

func TestCanonicalizeEscapes(t *testing.T) {
	testCanonical(t, `"\u0000\u001f\b\f\n\r\t"`, `"\u0000\u001f\b\f\n\r\t"`)
	testCanonical(t, `"\"\\\/"`, `"\"\\/"`)
	testCanonical(t, `"  <>&"`, "\"  <>&\"")
	testCanonical(t, `"😀"`, `"😀"`)
}

func TestCanonicalizeStrict(t *testing.T) {
	for _, input := range []string{
		`{"a":1.5}`, `{"a":1.0}`, `{"a":1e2}`, `{"a":1E2}`, `{"a":-0}`,
		`{"a":9007199254740992}`, `{"a":-9007199254740992}`, `{"a":123456789012345678901234567890}`,
	} {
		_, err := Canonicalize([]byte(input), true)
		assert.Error(t, err, "input %s", input)
	}
	out, err := Canonicalize([]byte(`{"a":9007199254740991,"b":-9007199254740991}`), true)
	require.NoError(t, err)
	assert.Equal(t, `{"a":9007199254740991,"b":-9007199254740991}`, string(out))

	// Non-strict mode keeps non-integral numbers as they were written.
	out, err = Canonicalize([]byte(`{"a": 1.5}`), false)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1.5}`, string(out))
}

func TestCanonicalizeDoesNotExpandExponents(t *testing.T) {
	input := []byte("[" + strings.TrimSuffix(strings.Repeat("1e1000000,", 20), ",") + "]")

	out, err := Canonicalize(input, false)
	require.NoError(t, err)
	assert.Equal(t, string(input), string(out))

	start := time.Now()
	_, err = Canonicalize(input, true)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCanonicalizeRejectsGarbage(t *testing.T) {
	for _, input := range []string{``, `{`, `{"a":1}{}`, `{"a":1} x`, `[1,]`} {
		_, err := Canonicalize([]byte(input), false)
		assert.Error(t, err, "input %q", input)
	}
}

func TestCanonicalizeMatchesGomatrixserverlib(t *testing.T) {
	inputs := []string{
		`{"type":"m.room.message","content":{"body":"hello \"world\"","msgtype":"m.text"},"depth":3}`,
		`{"z":[3,2,1],"a":{"y":true,"x":false,"w":null}}`,
		`{"emoji":"😀","tab":"\t"}`,
		`{"big":9007199254740991,"neg":-42,"zero":0}`,
	}
	for _, input := range inputs {
		want, err := gomatrixserverlib.CanonicalJSON([]byte(input))
		require.NoError(t, err)
		got, err := Canonicalize([]byte(input), true)
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got))
	}

	// Rooms without strict canonical JSON sign numbers as they were written.
	for _, input := range []string{
		`{"a":1.0}`, `{"a":1e2}`, `{"b": 0.5e-3, "a": [2.50, 1E+2, -7.25]}`, `{"a":-0}`,
	} {
		want, err := gomatrixserverlib.CanonicalJSON([]byte(input))
		require.NoError(t, err)
		got, err := Canonicalize([]byte(input), false)
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got), "input %s", input)
	}
}

// objectFromKeys writes a flat object with the given keys in the given order.
func objectFromKeys(keys []string) string {
	parts := make([]string, 0, len(keys))
	for i, k := range keys {
		parts = append(parts, fmt.Sprintf("%q: %d", k, i*7))
	}
	return "{ " + strings.Join(parts, " , ") + " }"
}

func TestCanonicalizeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("output is idempotent", prop.ForAll(
		func(keys []string) bool {
			once, err := Canonicalize([]byte(objectFromKeys(keys)), true)
			if err != nil {
				return false
			}
			twice, err := Canonicalize(once, true)
			if err != nil {
				return false
			}
			return string(once) == string(twice) && IsCanonical(once, true)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("output is independent of key order", prop.ForAll(
		func(keys []string) bool {
			seen := map[string]bool{}
			unique := []string{}
			for _, k := range keys {
				if !seen[k] {
					seen[k] = true
					unique = append(unique, k)
				}
			}
			forward := make([]string, len(unique))
			copy(forward, unique)
			sort.Strings(forward)
			reverse := make([]string, len(unique))
			copy(reverse, unique)
			sort.Sort(sort.Reverse(sort.StringSlice(reverse)))

			// Values are tied to the key rather than to the position.
			build := func(ks []string) string {
				parts := make([]string, 0, len(ks))
				for _, k := range ks {
					parts = append(parts, fmt.Sprintf("%q:%d", k, len(k)))
				}
				return "{" + strings.Join(parts, ",") + "}"
			}
			a, errA := Canonicalize([]byte(build(forward)), true)
			b, errB := Canonicalize([]byte(build(reverse)), true)
			return errA == nil && errB == nil && string(a) == string(b)
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
