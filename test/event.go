// Copyright 2022 The Matrix.org Foundation C.I.C.
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

package test

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/signing"
)

type eventMods struct {
	originServerTS time.Time
	origin         spec.ServerName
	stateKey       *string
	unsigned       interface{}
	keyID          signing.KeyID
	privKey        ed25519.PrivateKey
	authEvents     []string
	prevEvents     []string
	redacts        string
	skipAuthCheck  bool
}

type eventModifier func(e *eventMods)

func WithTimestamp(ts time.Time) eventModifier {
	return func(e *eventMods) {
		e.originServerTS = ts
	}
}

func WithStateKey(skey string) eventModifier {
	return func(e *eventMods) {
		e.stateKey = &skey
	}
}

func WithUnsigned(unsigned interface{}) eventModifier {
	return func(e *eventMods) {
		e.unsigned = unsigned
	}
}

func WithKeyID(keyID signing.KeyID) eventModifier {
	return func(e *eventMods) {
		e.keyID = keyID
	}
}

func WithPrivateKey(pkey ed25519.PrivateKey) eventModifier {
	return func(e *eventMods) {
		e.privKey = pkey
	}
}

func WithOrigin(origin spec.ServerName) eventModifier {
	return func(e *eventMods) {
		e.origin = origin
	}
}

// WithAuthEvents overrides the auth events that would be selected from the
// room's current state.
func WithAuthEvents(evs []string) eventModifier {
	return func(e *eventMods) {
		e.authEvents = evs
	}
}

// WithPrevEvents overrides the prev events, which otherwise point at the
// last event inserted into the room. Used to build forks.
func WithPrevEvents(evs []string) eventModifier {
	return func(e *eventMods) {
		e.prevEvents = evs
	}
}

func WithRedacts(eventID string) eventModifier {
	return func(e *eventMods) {
		e.redacts = eventID
	}
}

// WithoutAuthCheck builds the event even if the room's current state would
// not allow it.
func WithoutAuthCheck() eventModifier {
	return func(e *eventMods) {
		e.skipAuthCheck = true
	}
}

// Reverse a list of events
func Reversed(in []*event.Event) []*event.Event {
	out := make([]*event.Event, len(in))
	for i := 0; i < len(in); i++ {
		out[i] = in[len(in)-i-1]
	}
	return out
}

func AssertEventIDsEqual(t *testing.T, gotEventIDs []string, wants []*event.Event) {
	t.Helper()
	if len(gotEventIDs) != len(wants) {
		t.Fatalf("length mismatch: got %d events, want %d", len(gotEventIDs), len(wants))
	}
	for i := range wants {
		w := wants[i].EventID()
		g := gotEventIDs[i]
		if w != g {
			t.Errorf("event at index %d mismatch:\ngot  %s\n\nwant %s", i, string(g), string(w))
		}
	}
}

func AssertEventsEqual(t *testing.T, gots, wants []*event.Event) {
	t.Helper()
	if len(gots) != len(wants) {
		t.Fatalf("length mismatch: got %d events, want %d", len(gots), len(wants))
	}
	for i := range wants {
		w := wants[i].JSON()
		g := gots[i].JSON()
		if !bytes.Equal(w, g) {
			t.Errorf("event at index %d mismatch:\ngot  %s\n\nwant %s", i, string(g), string(w))
		}
	}
}

// AssertEventIDsMatch compares two sets of event IDs regardless of order.
func AssertEventIDsMatch(t *testing.T, gots, wants []string) {
	t.Helper()
	less := func(a, b string) bool { return a < b }
	if diff := cmp.Diff(wants, gots, cmpopts.SortSlices(less)); diff != "" {
		t.Errorf("event IDs mismatch (-want +got):\n%s", diff)
	}
}
