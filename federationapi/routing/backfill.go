// Copyright 2018 New Vector Ltd
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
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	fedapi "github.com/matrix-org/fedcore/federationapi/api"
	"github.com/matrix-org/fedcore/signing"
)

// maxBackfillLimit caps how many events one backfill request returns.
const maxBackfillLimit = 100

// Backfill implements the /backfill federation endpoint.
// https://matrix.org/docs/spec/server_server/unstable.html#get-matrix-federation-v1-backfill-roomid
func Backfill(
	httpReq *http.Request,
	request *signing.FederationRequest,
	rooms *roomAccess,
	queryer Queryer,
	roomID string,
	origin spec.ServerName,
) util.JSONResponse {
	ctx := httpReq.Context()

	// Check if all of the required parameters are there.
	eIDs, exists := httpReq.URL.Query()["v"]
	if !exists || len(eIDs) == 0 {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.MissingParam("v is missing"),
		}
	}
	limitStr := httpReq.URL.Query().Get("limit")
	if len(limitStr) == 0 {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.MissingParam("limit is missing"),
		}
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 1 {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam(fmt.Sprintf("limit %q is invalid format", limitStr)),
		}
	}
	if limit > maxBackfillLimit {
		limit = maxBackfillLimit
	}
	if resErr := rooms.check(ctx, request.Origin(), roomID); resErr != nil {
		return *resErr
	}

	events, err := queryer.Backfill(ctx, roomID, eIDs, limit)
	if err != nil {
		return queryErrorResponse(ctx, err, "queryer.Backfill")
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: fedapi.RespTransaction{
			Origin:         origin,
			OriginServerTS: spec.AsTimestamp(time.Now()),
			PDUs:           eventsJSON(events),
		},
	}
}
