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

package fclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/federationapi/api"
	roomserverAPI "github.com/matrix-org/fedcore/roomserver/api"
	"github.com/matrix-org/fedcore/signing"
)

var _ api.FederationClient = &Client{}

func federationPathPrefix(version int) string {
	return "/_matrix/federation/v" + strconv.Itoa(version)
}

func path(version int, segments ...string) string {
	p := federationPathPrefix(version)
	for _, segment := range segments {
		p += "/" + url.PathEscape(segment)
	}
	return p
}

// newRequest builds a request with a JSON body, unless content is nil.
func newRequest(method string, destination spec.ServerName, requestURI string, content interface{}) (signing.FederationRequest, error) {
	req := signing.NewFederationRequest(method, destination, requestURI)
	if content != nil {
		if err := req.SetContent(content); err != nil {
			return req, &api.FederationError{Kind: api.Permanent, Err: fmt.Errorf("req.SetContent: %w", err)}
		}
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method string, s spec.ServerName, requestURI string, content, resp interface{}) error {
	req, err := newRequest(method, s, requestURI, content)
	if err != nil {
		return err
	}
	return c.doRequest(ctx, req, resp)
}

// isUnsupportedEndpoint reports whether the remote server does not know
// the endpoint, so that an older version of it should be tried.
func isUnsupportedEndpoint(err error) bool {
	var fedErr *api.FederationError
	if !errors.As(err, &fedErr) {
		return false
	}
	switch fedErr.Code {
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		var respErr gomatrix.RespError
		var httpErr gomatrix.HTTPError
		if errors.As(err, &httpErr) && json.Unmarshal(httpErr.Contents, &respErr) == nil {
			return respErr.ErrCode == "" || respErr.ErrCode == "M_UNRECOGNIZED"
		}
		return true
	}
	return false
}

// SendTransaction sends a transaction of PDUs and EDUs. Transactions over
// the size limits are refused before anything is sent.
func (c *Client) SendTransaction(ctx context.Context, t api.Transaction) (api.RespSend, error) {
	if len(t.PDUs) > api.MaxPDUsPerTransaction || len(t.EDUs) > api.MaxEDUsPerTransaction {
		return api.RespSend{}, &api.FederationError{
			Kind: api.Permanent,
			Err: fmt.Errorf(
				"transaction has %d PDUs and %d EDUs, at most %d and %d are allowed",
				len(t.PDUs), len(t.EDUs), api.MaxPDUsPerTransaction, api.MaxEDUsPerTransaction,
			),
		}
	}
	if t.TransactionID == "" {
		return api.RespSend{}, &api.FederationError{Kind: api.Permanent, Err: errors.New("transaction has no ID")}
	}
	if t.PDUs == nil {
		t.PDUs = []json.RawMessage{}
	}
	if t.Origin == "" {
		t.Origin = c.origin
	}
	var resp api.RespSend
	err := c.do(ctx, http.MethodPut, t.Destination, path(1, "send", t.TransactionID), t, &resp)
	return resp, err
}

func versionQuery(roomVersions []event.RoomVersion) string {
	if len(roomVersions) == 0 {
		return ""
	}
	query := url.Values{}
	for _, ver := range roomVersions {
		query.Add("ver", string(ver))
	}
	return "?" + query.Encode()
}

// MakeJoin asks a resident server for a join event template.
func (c *Client) MakeJoin(
	ctx context.Context, s spec.ServerName, roomID, userID string, roomVersions []event.RoomVersion,
) (resp api.RespMakeMembership, err error) {
	err = c.do(ctx, http.MethodGet, s, path(1, "make_join", roomID, userID)+versionQuery(roomVersions), nil, &resp)
	return
}

// SendJoin sends a signed join event. The v2 endpoint is tried first and
// the v1 endpoint if the server does not know it.
func (c *Client) SendJoin(ctx context.Context, s spec.ServerName, ev *event.Event) (resp api.RespSendJoin, err error) {
	err = c.do(ctx, http.MethodPut, s, path(2, "send_join", ev.RoomID(), ev.EventID()), json.RawMessage(ev.JSON()), &resp)
	if !isUnsupportedEndpoint(err) {
		return
	}
	err = c.sendV1(ctx, s, path(1, "send_join", ev.RoomID(), ev.EventID()), json.RawMessage(ev.JSON()), &resp)
	return
}

// MakeLeave asks a resident server for a leave event template.
func (c *Client) MakeLeave(ctx context.Context, s spec.ServerName, roomID, userID string) (resp api.RespMakeMembership, err error) {
	err = c.do(ctx, http.MethodGet, s, path(1, "make_leave", roomID, userID), nil, &resp)
	return
}

// SendLeave sends a signed leave event, falling back to v1 like SendJoin.
func (c *Client) SendLeave(ctx context.Context, s spec.ServerName, ev *event.Event) error {
	err := c.do(ctx, http.MethodPut, s, path(2, "send_leave", ev.RoomID(), ev.EventID()), json.RawMessage(ev.JSON()), nil)
	if !isUnsupportedEndpoint(err) {
		return err
	}
	return c.sendV1(ctx, s, path(1, "send_leave", ev.RoomID(), ev.EventID()), json.RawMessage(ev.JSON()), nil)
}

// MakeKnock asks a resident server for a knock event template.
func (c *Client) MakeKnock(
	ctx context.Context, s spec.ServerName, roomID, userID string, roomVersions []event.RoomVersion,
) (resp api.RespMakeMembership, err error) {
	err = c.do(ctx, http.MethodGet, s, path(1, "make_knock", roomID, userID)+versionQuery(roomVersions), nil, &resp)
	return
}

// SendKnock sends a signed knock event.
func (c *Client) SendKnock(ctx context.Context, s spec.ServerName, ev *event.Event) (resp api.RespSendKnock, err error) {
	err = c.do(ctx, http.MethodPut, s, path(1, "send_knock", ev.RoomID(), ev.EventID()), json.RawMessage(ev.JSON()), &resp)
	return
}

type inviteV2Request struct {
	Event           json.RawMessage   `json:"event"`
	RoomVersion     event.RoomVersion `json:"room_version"`
	InviteRoomState []json.RawMessage `json:"invite_room_state"`
}

// SendInvite asks the invited user's server to sign an invite.
func (c *Client) SendInvite(
	ctx context.Context, s spec.ServerName, ev *event.Event, inviteRoomState []json.RawMessage,
) (resp api.RespInvite, err error) {
	if inviteRoomState == nil {
		inviteRoomState = []json.RawMessage{}
	}
	body := inviteV2Request{
		Event:           ev.JSON(),
		RoomVersion:     ev.Version(),
		InviteRoomState: inviteRoomState,
	}
	err = c.do(ctx, http.MethodPut, s, path(2, "invite", ev.RoomID(), ev.EventID()), body, &resp)
	if !isUnsupportedEndpoint(err) {
		return
	}
	if ver := ev.Version(); ver != event.RoomVersionV1 && ver != event.RoomVersionV2 {
		// Servers without v2 invites cannot take part in this room.
		return
	}
	err = c.sendV1(ctx, s, path(1, "invite", ev.RoomID(), ev.EventID()), json.RawMessage(ev.JSON()), &resp)
	return
}

// sendV1 sends to a v1 endpoint, which wraps its response in a
// [code, body] tuple.
func (c *Client) sendV1(ctx context.Context, s spec.ServerName, requestURI string, content, resp interface{}) error {
	var tuple []json.RawMessage
	if err := c.do(ctx, http.MethodPut, s, requestURI, content, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return &api.FederationError{Kind: api.Permanent, Code: http.StatusOK, Err: fmt.Errorf("expected a [code, body] tuple, got %d elements", len(tuple))}
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(tuple[1], resp); err != nil {
		return &api.FederationError{Kind: api.Permanent, Code: http.StatusOK, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

// GetEvent fetches a single PDU from the server.
func (c *Client) GetEvent(ctx context.Context, s spec.ServerName, eventID string) (json.RawMessage, error) {
	var resp api.RespTransaction
	if err := c.do(ctx, http.MethodGet, s, path(1, "event", eventID), nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.PDUs) == 0 {
		return nil, &api.FederationError{Kind: api.Permanent, Code: http.StatusOK, Err: fmt.Errorf("server returned no PDU for %s", eventID)}
	}
	return resp.PDUs[0], nil
}

// GetEventAuth fetches the auth chain of an event.
func (c *Client) GetEventAuth(ctx context.Context, s spec.ServerName, roomID, eventID string) (resp api.RespEventAuth, err error) {
	err = c.do(ctx, http.MethodGet, s, path(1, "event_auth", roomID, eventID), nil, &resp)
	return
}

// LookupState fetches the state of the room before the event.
func (c *Client) LookupState(ctx context.Context, s spec.ServerName, roomID, eventID string) (resp api.RespState, err error) {
	uri := path(1, "state", roomID) + "?event_id=" + url.QueryEscape(eventID)
	err = c.do(ctx, http.MethodGet, s, uri, nil, &resp)
	return
}

// LookupStateIDs is LookupState for event IDs only.
func (c *Client) LookupStateIDs(ctx context.Context, s spec.ServerName, roomID, eventID string) (resp api.RespStateIDs, err error) {
	uri := path(1, "state_ids", roomID) + "?event_id=" + url.QueryEscape(eventID)
	err = c.do(ctx, http.MethodGet, s, uri, nil, &resp)
	return
}

// Backfill asks for up to limit events before the given events.
func (c *Client) Backfill(
	ctx context.Context, s spec.ServerName, roomID string, limit int, eventIDs []string,
) (resp api.RespTransaction, err error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	for _, id := range eventIDs {
		query.Add("v", id)
	}
	err = c.do(ctx, http.MethodGet, s, path(1, "backfill", roomID)+"?"+query.Encode(), nil, &resp)
	return
}

// LookupMissingEvents asks the server for the events between the earliest
// and latest events of a room.
func (c *Client) LookupMissingEvents(
	ctx context.Context, s spec.ServerName, roomID string, missing roomserverAPI.MissingEvents,
) ([]json.RawMessage, error) {
	body := api.ReqMissingEvents{
		EarliestEvents: missing.EarliestEvents,
		LatestEvents:   missing.LatestEvents,
		Limit:          missing.Limit,
		MinDepth:       missing.MinDepth,
	}
	if body.EarliestEvents == nil {
		body.EarliestEvents = []string{}
	}
	var resp api.RespMissingEvents
	if err := c.do(ctx, http.MethodPost, s, path(1, "get_missing_events", roomID), body, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// LookupRoomAlias asks the server which room an alias points to.
func (c *Client) LookupRoomAlias(ctx context.Context, s spec.ServerName, roomAlias string) (resp api.RespDirectory, err error) {
	uri := federationPathPrefix(1) + "/query/directory?room_alias=" + url.QueryEscape(roomAlias)
	err = c.do(ctx, http.MethodGet, s, uri, nil, &resp)
	return
}

// GetPublicRooms fetches a page of the server's public rooms directory.
func (c *Client) GetPublicRooms(ctx context.Context, s spec.ServerName, limit int, since string) (resp api.RespPublicRooms, err error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if since != "" {
		query.Set("since", since)
	}
	uri := federationPathPrefix(1) + "/publicRooms"
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}
	err = c.do(ctx, http.MethodGet, s, uri, nil, &resp)
	return
}

// LookupUserInfo fetches a profile field of a user on the server. An empty
// field fetches the whole profile.
func (c *Client) LookupUserInfo(ctx context.Context, s spec.ServerName, userID, field string) (resp api.RespProfile, err error) {
	query := url.Values{}
	query.Set("user_id", userID)
	if field != "" {
		query.Set("field", field)
	}
	err = c.do(ctx, http.MethodGet, s, federationPathPrefix(1)+"/query/profile?"+query.Encode(), nil, &resp)
	return
}
