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

// Package api holds the types shared between the federation client, the
// outbound queue and the inbound federation endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-org/fedcore/event"
	roomserverAPI "github.com/matrix-org/fedcore/roomserver/api"
)

const (
	// MaxPDUsPerTransaction and MaxEDUsPerTransaction are the most a single
	// /send transaction may carry.
	MaxPDUsPerTransaction = 50
	MaxEDUsPerTransaction = 100
)

// ErrCircuitOpen is returned, wrapped in a Temporary FederationError, when
// a destination has failed too often recently to be tried again yet.
var ErrCircuitOpen = errors.New("circuit open")

type FederationErrorKind int

const (
	// Temporary errors may succeed if tried again later.
	Temporary FederationErrorKind = iota
	// Permanent errors will fail the same way every time.
	Permanent
	// Timeout errors ran out of time before an answer came back.
	Timeout
)

func (k FederationErrorKind) String() string {
	switch k {
	case Temporary:
		return "temporary"
	case Permanent:
		return "permanent"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("FederationErrorKind(%d)", int(k))
	}
}

// FederationError is the error returned by every outbound federation
// request. Code is the HTTP status code, or 0 if no response was had.
type FederationError struct {
	Kind FederationErrorKind
	Code int
	Err  error
}

func (e *FederationError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("federation request failed (%s, HTTP %d): %s", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("federation request failed (%s): %s", e.Kind, e.Err)
}

func (e *FederationError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a FederationError that should not be
// retried.
func IsPermanent(err error) bool {
	var fedErr *FederationError
	return errors.As(err, &fedErr) && fedErr.Kind == Permanent
}

// A ServerResolver turns a server name into the base URL to send requests
// to, for example "https://matrix.example.org:8448".
type ServerResolver interface {
	Resolve(ctx context.Context, serverName spec.ServerName) (string, error)
}

// An EDU is an ephemeral event sent alongside PDUs in a transaction.
type EDU struct {
	Type        string          `json:"edu_type"`
	Origin      string          `json:"origin,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
}

// A Transaction is the body of a /send request.
type Transaction struct {
	// The ID of the transaction, unique per origin and destination.
	TransactionID string `json:"-"`
	// The server that sent the transaction.
	Origin spec.ServerName `json:"origin"`
	// The server that should receive the transaction.
	Destination spec.ServerName `json:"-"`
	// The millisecond posix timestamp on the origin server when the
	// transaction was created.
	OriginServerTS spec.Timestamp `json:"origin_server_ts"`
	// The room events pushed from the origin server to the destination
	// server by this transaction.
	PDUs []json.RawMessage `json:"pdus"`
	// The ephemeral events pushed from origin server to destination
	// server by this transaction.
	EDUs []EDU `json:"edus,omitempty"`
}

// PDUResult is the outcome of one PDU of a transaction. Error is empty for
// accepted PDUs.
type PDUResult struct {
	Error string `json:"error,omitempty"`
}

// RespSend is the response to a /send request.
type RespSend struct {
	PDUs map[string]PDUResult `json:"pdus"`
}

// RespMakeMembership is the template returned by make_join, make_leave and
// make_knock. The event is filled in and signed by the joining server.
type RespMakeMembership struct {
	Event       json.RawMessage   `json:"event"`
	RoomVersion event.RoomVersion `json:"room_version,omitempty"`
}

// RespSendJoin is the state of the room returned when a join is accepted.
type RespSendJoin struct {
	StateEvents []json.RawMessage `json:"state"`
	AuthEvents  []json.RawMessage `json:"auth_chain"`
	Event       json.RawMessage   `json:"event,omitempty"`
	Origin      spec.ServerName   `json:"origin"`
}

// RespSendKnock is the state shown to a server that knocked on a room.
type RespSendKnock struct {
	KnockRoomState []json.RawMessage `json:"knock_room_state"`
}

// RespInvite carries the invite event after the invited server signed it.
type RespInvite struct {
	Event json.RawMessage `json:"event"`
}

// RespState is the state at an event and the auth chain of that state.
type RespState struct {
	StateEvents []json.RawMessage `json:"pdus"`
	AuthEvents  []json.RawMessage `json:"auth_chain"`
}

// RespStateIDs is RespState as event IDs.
type RespStateIDs struct {
	StateEventIDs []string `json:"pdu_ids"`
	AuthEventIDs  []string `json:"auth_chain_ids"`
}

// RespEventAuth is the auth chain of an event.
type RespEventAuth struct {
	AuthEvents []json.RawMessage `json:"auth_chain"`
}

// RespMissingEvents is the response to get_missing_events.
type RespMissingEvents struct {
	Events []json.RawMessage `json:"events"`
}

// ReqMissingEvents is the body of a get_missing_events request.
type ReqMissingEvents struct {
	EarliestEvents []string `json:"earliest_events"`
	LatestEvents   []string `json:"latest_events"`
	Limit          int      `json:"limit"`
	MinDepth       int64    `json:"min_depth"`
}

// RespTransaction is the shape of event and backfill responses, which
// carry PDUs with an origin and timestamp.
type RespTransaction = Transaction

// RespDirectory is the response to a room alias lookup.
type RespDirectory struct {
	RoomID  string            `json:"room_id"`
	Servers []spec.ServerName `json:"servers"`
}

// PublicRoom is one entry of the public rooms directory.
type PublicRoom struct {
	RoomID           string   `json:"room_id"`
	Name             string   `json:"name,omitempty"`
	Topic            string   `json:"topic,omitempty"`
	CanonicalAlias   string   `json:"canonical_alias,omitempty"`
	Aliases          []string `json:"aliases,omitempty"`
	JoinedMembersCnt int      `json:"num_joined_members"`
	WorldReadable    bool     `json:"world_readable"`
	GuestCanJoin     bool     `json:"guest_can_join"`
	AvatarURL        string   `json:"avatar_url,omitempty"`
}

// RespPublicRooms is a page of the public rooms directory.
type RespPublicRooms struct {
	Chunk                  []PublicRoom `json:"chunk"`
	NextBatch              string       `json:"next_batch,omitempty"`
	PrevBatch              string       `json:"prev_batch,omitempty"`
	TotalRoomCountEstimate int          `json:"total_room_count_estimate,omitempty"`
}

// RespProfile is the response to a profile query.
type RespProfile struct {
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// FederationClient is the set of requests this server makes to other
// servers. Every method returns a *FederationError on failure.
type FederationClient interface {
	roomserverAPI.EventFetcher
	SendTransaction(ctx context.Context, t Transaction) (RespSend, error)
	MakeJoin(ctx context.Context, s spec.ServerName, roomID, userID string, roomVersions []event.RoomVersion) (RespMakeMembership, error)
	SendJoin(ctx context.Context, s spec.ServerName, ev *event.Event) (RespSendJoin, error)
	MakeLeave(ctx context.Context, s spec.ServerName, roomID, userID string) (RespMakeMembership, error)
	SendLeave(ctx context.Context, s spec.ServerName, ev *event.Event) error
	MakeKnock(ctx context.Context, s spec.ServerName, roomID, userID string, roomVersions []event.RoomVersion) (RespMakeMembership, error)
	SendKnock(ctx context.Context, s spec.ServerName, ev *event.Event) (RespSendKnock, error)
	SendInvite(ctx context.Context, s spec.ServerName, ev *event.Event, inviteRoomState []json.RawMessage) (RespInvite, error)
	GetEventAuth(ctx context.Context, s spec.ServerName, roomID, eventID string) (RespEventAuth, error)
	LookupState(ctx context.Context, s spec.ServerName, roomID, eventID string) (RespState, error)
	LookupStateIDs(ctx context.Context, s spec.ServerName, roomID, eventID string) (RespStateIDs, error)
	Backfill(ctx context.Context, s spec.ServerName, roomID string, limit int, eventIDs []string) (RespTransaction, error)
	LookupRoomAlias(ctx context.Context, s spec.ServerName, roomAlias string) (RespDirectory, error)
	GetPublicRooms(ctx context.Context, s spec.ServerName, limit int, since string) (RespPublicRooms, error)
	LookupUserInfo(ctx context.Context, s spec.ServerName, userID, field string) (RespProfile, error)
}
