// Copyright 2017 Vector Creations Ltd
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
	"net/http"

	"github.com/matrix-org/util"

	fedapi "github.com/matrix-org/fedcore/federationapi/api"
	"github.com/matrix-org/fedcore/signing"
)

// GetEventAuth returns event auth for the roomID and eventID
func GetEventAuth(
	ctx context.Context,
	request *signing.FederationRequest,
	rooms *roomAccess,
	queryer Queryer,
	roomID string,
	eventID string,
) util.JSONResponse {
	if resErr := checkEventInRoom(ctx, request, rooms, roomID, eventID); resErr != nil {
		return *resErr
	}
	ev, resErr := fetchEvent(ctx, rooms.db, eventID)
	if resErr != nil {
		return *resErr
	}

	// The auth chain of the event, without the event itself.
	authChain, err := queryer.AuthChain(ctx, ev.AuthEventIDs())
	if err != nil {
		return queryErrorResponse(ctx, err, "queryer.AuthChain")
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: fedapi.RespEventAuth{AuthEvents: eventsJSON(authChain)},
	}
}
