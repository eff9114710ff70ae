// Copyright 2020 The Matrix.org Foundation C.I.C.
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

package stateres

import (
	"fmt"
	"strings"

	"github.com/matrix-org/fedcore/event"
)

// FailureKind says why no winner could be picked for a state key.
type FailureKind int

const (
	// AuthChainCycle means an event is reachable from itself through
	// auth_events.
	AuthChainCycle FailureKind = iota + 1
	// MissingAuthEvents means part of an auth chain could not be loaded.
	MissingAuthEvents
	// NoValidCandidate means every candidate failed the auth checks.
	NoValidCandidate
)

func (k FailureKind) String() string {
	switch k {
	case AuthChainCycle:
		return "auth chain cycle"
	case MissingAuthEvents:
		return "missing auth events"
	case NoValidCandidate:
		return "no valid candidate"
	default:
		return "unknown failure"
	}
}

// StateResolutionError is returned when the resolver cannot produce a
// winner. The affected state key cannot move forward until the cause is
// corrected, so callers must surface it rather than retry.
type StateResolutionError struct {
	RoomID string
	Tuple  event.StateKeyTuple
	Kind   FailureKind
	// EventIDs are the events involved: the cycle, the missing events or
	// the rejected candidates.
	EventIDs []string
}

func (e *StateResolutionError) Error() string {
	return fmt.Sprintf(
		"stateres: %s resolving %s in room %s: [%s]",
		e.Kind, e.Tuple, e.RoomID, strings.Join(e.EventIDs, ", "),
	)
}
