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

// Package api holds the types the roomserver shares with its collaborators:
// the outcome of validating a PDU and the storage and fetching interfaces
// the validator depends on.
package api

import (
	"context"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-org/fedcore/event"
)

// Database is the storage the roomserver validates against and writes to.
type Database interface {
	// Event returns a stored event, or nil if it is unknown.
	Event(ctx context.Context, eventID string) (*event.Event, error)
	// EventsByID returns the stored events among the IDs. Unknown IDs are
	// left out.
	EventsByID(ctx context.Context, eventIDs []string) ([]*event.Event, error)
	// Outcome returns how a stored event was validated, or "" if it is
	// unknown.
	Outcome(ctx context.Context, eventID string) (Outcome, error)
	// RoomVersion returns the version of a known room, or "" if the room
	// is unknown.
	RoomVersion(ctx context.Context, roomID string) (event.RoomVersion, error)
	// KnownRooms returns every room with a create event.
	KnownRooms(ctx context.Context) ([]string, error)
	// CurrentState returns the current state of the room as event IDs.
	CurrentState(ctx context.Context, roomID string) (map[event.StateKeyTuple]string, error)
	// StateEvent returns the current state event for the key, or nil.
	StateEvent(ctx context.Context, roomID, evType, stateKey string) (*event.Event, error)
	// ForwardExtremities returns the events in the room that nothing
	// refers to as a prev event yet.
	ForwardExtremities(ctx context.Context, roomID string) ([]string, error)
	// StoreEvent persists a Valid or SoftFailed event. Only Valid events of
	// KindNew become forward extremities.
	StoreEvent(ctx context.Context, ev *event.Event, result ValidationResult, kind EventKind) error
	// SetCurrentStateEvent makes the event the current state for the key.
	SetCurrentStateEvent(ctx context.Context, roomID string, tuple event.StateKeyTuple, eventID string) error
}

// EventFetcher asks remote servers for events the validator is missing.
type EventFetcher interface {
	// GetEvent fetches a single PDU from the server.
	GetEvent(ctx context.Context, server spec.ServerName, eventID string) (json.RawMessage, error)
	// LookupMissingEvents asks the server for the events between the
	// earliest and latest events of a room.
	LookupMissingEvents(ctx context.Context, server spec.ServerName, roomID string, missing MissingEvents) ([]json.RawMessage, error)
}

// MissingEvents is the body of a /get_missing_events request.
type MissingEvents struct {
	// The maximum number of events to return.
	Limit int `json:"limit"`
	// The minimum depth of events to return.
	MinDepth int64 `json:"min_depth"`
	// The latest event IDs that the sender already has.
	EarliestEvents []string `json:"earliest_events"`
	// The event IDs to retrieve the previous events for.
	LatestEvents []string `json:"latest_events"`
}

// EventKind says how the event relates to the room DAG.
type EventKind int

const (
	// KindOutlier events fall outside the contiguous event graph.
	// We do not have the state for these events.
	// These events are state events used to authenticate other events.
	// They can become part of the contiguous event graph via backfill.
	KindOutlier EventKind = iota + 1
	// KindNew events extend the contiguous graph going forwards.
	// They usually don't need state, but may include state if the
	// there was a new event that references an event that we don't
	// have a copy of. New events will influence the fwd extremities
	// of the room and output events will be generated as a result.
	KindNew
)

func (k EventKind) String() string {
	switch k {
	case KindOutlier:
		return "KindOutlier"
	case KindNew:
		return "KindNew"
	default:
		return "(unknown)"
	}
}
