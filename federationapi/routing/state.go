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

package routing

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	fedapi "github.com/matrix-org/fedcore/federationapi/api"
	"github.com/matrix-org/fedcore/roomserver/query"
	"github.com/matrix-org/fedcore/signing"
)

// GetState returns state events & auth events for the roomID, eventID
func GetState(
	httpReq *http.Request,
	request *signing.FederationRequest,
	rooms *roomAccess,
	queryer Queryer,
	roomID string,
) util.JSONResponse {
	ctx := httpReq.Context()
	eventID, resErr := parseEventIDParam(request)
	if resErr != nil {
		return *resErr
	}
	if resErr = checkEventInRoom(ctx, request, rooms, roomID, eventID); resErr != nil {
		return *resErr
	}

	state, authChain, err := queryer.StateAndAuthChain(ctx, roomID, eventID)
	if err != nil {
		return queryErrorResponse(ctx, err, "queryer.StateAndAuthChain")
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: fedapi.RespState{
		StateEvents: eventsJSON(state),
		AuthEvents:  eventsJSON(authChain),
	}}
}

// GetStateIDs returns state event IDs & auth event IDs for the roomID, eventID
func GetStateIDs(
	httpReq *http.Request,
	request *signing.FederationRequest,
	rooms *roomAccess,
	queryer Queryer,
	roomID string,
) util.JSONResponse {
	ctx := httpReq.Context()
	eventID, resErr := parseEventIDParam(request)
	if resErr != nil {
		return *resErr
	}
	if resErr = checkEventInRoom(ctx, request, rooms, roomID, eventID); resErr != nil {
		return *resErr
	}

	stateEventIDs, authEventIDs, err := queryer.StateIDs(ctx, roomID, eventID)
	if err != nil {
		return queryErrorResponse(ctx, err, "queryer.StateIDs")
	}
	if stateEventIDs == nil {
		stateEventIDs = []string{}
	}
	if authEventIDs == nil {
		authEventIDs = []string{}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: fedapi.RespStateIDs{
		StateEventIDs: stateEventIDs,
		AuthEventIDs:  authEventIDs,
	}}
}

func parseEventIDParam(
	request *signing.FederationRequest,
) (eventID string, resErr *util.JSONResponse) {
	URL, err := url.Parse(request.RequestURI())
	if err != nil {
		resErr = &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("Invalid request URI"),
		}
		return
	}

	eventID = URL.Query().Get("event_id")
	if eventID == "" {
		resErr = &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.MissingParam("event_id missing"),
		}
	}

	return
}

// checkEventInRoom makes sure that the origin may read the room and that
// the event is one of the room's.
func checkEventInRoom(
	ctx context.Context, request *signing.FederationRequest, rooms *roomAccess, roomID, eventID string,
) *util.JSONResponse {
	if resErr := rooms.check(ctx, request.Origin(), roomID); resErr != nil {
		return resErr
	}
	ev, err := rooms.db.Event(ctx, eventID)
	if err != nil {
		resErr := queryErrorResponse(ctx, err, "db.Event")
		return &resErr
	}
	if ev == nil || ev.RoomID() != roomID {
		return &util.JSONResponse{Code: http.StatusNotFound, JSON: spec.NotFound("event does not belong to this room")}
	}
	return nil
}

func queryErrorResponse(ctx context.Context, err error, what string) util.JSONResponse {
	if errors.Is(err, query.ErrUnknownEvent) {
		return util.JSONResponse{Code: http.StatusNotFound, JSON: spec.NotFound("Unknown event")}
	}
	util.GetLogger(ctx).WithError(err).Error(what + " failed")
	return util.JSONResponse{
		Code: http.StatusInternalServerError,
		JSON: spec.InternalServerError{},
	}
}
