// Copyright 2017 New Vector Ltd
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

package routing

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/matrix-org/fedcore/event"
	fedapi "github.com/matrix-org/fedcore/federationapi/api"
	"github.com/matrix-org/fedcore/signing"
)

// GetEvent returns the requested event
func GetEvent(
	ctx context.Context,
	request *signing.FederationRequest,
	rooms *roomAccess,
	eventID string,
	origin spec.ServerName,
) util.JSONResponse {
	ev, resErr := fetchEvent(ctx, rooms.db, eventID)
	if resErr != nil {
		return *resErr
	}
	if resErr = rooms.check(ctx, request.Origin(), ev.RoomID()); resErr != nil {
		return *resErr
	}

	return util.JSONResponse{Code: http.StatusOK, JSON: fedapi.RespTransaction{
		Origin:         origin,
		OriginServerTS: spec.AsTimestamp(time.Now()),
		PDUs: []json.RawMessage{
			ev.JSON(),
		},
	}}
}

// fetchEvent fetches the event without auth checks. Returns an error if the event cannot be found.
func fetchEvent(ctx context.Context, db Database, eventID string) (*event.Event, *util.JSONResponse) {
	ev, err := db.Event(ctx, eventID)
	if err != nil {
		util.GetLogger(ctx).WithError(err).Error("db.Event failed")
		return nil, &util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	if ev == nil {
		return nil, &util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: spec.NotFound("Event not found"),
		}
	}
	return ev, nil
}
