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

package routing

import (
	"encoding/json"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	fedapi "github.com/matrix-org/fedcore/federationapi/api"
	"github.com/matrix-org/fedcore/signing"
)

const (
	defaultMissingEventsLimit = 10
	maxMissingEventsLimit     = 20
	// maxMissingEventsIDs bounds earliest_events and latest_events each.
	maxMissingEventsIDs = 50
)

type getMissingEventRequest struct {
	EarliestEvents []string `json:"earliest_events"`
	LatestEvents   []string `json:"latest_events"`
	Limit          *int     `json:"limit"`
	MinDepth       int64    `json:"min_depth"`
}

// GetMissingEvents returns missing events between earliest_events and latest_events.
// Events are fetched from room DAG starting from latest_events until we reach earliest_events or the limit.
func GetMissingEvents(
	httpReq *http.Request,
	request *signing.FederationRequest,
	rooms *roomAccess,
	queryer Queryer,
	roomID string,
) util.JSONResponse {
	ctx := httpReq.Context()
	var gme getMissingEventRequest
	if err := json.Unmarshal(request.Content(), &gme); err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.NotJSON("The request body could not be decoded into valid JSON. " + err.Error()),
		}
	}
	limit := defaultMissingEventsLimit
	if gme.Limit != nil {
		limit = *gme.Limit
	}
	switch {
	case limit < 1:
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("limit must be positive"),
		}
	case limit > maxMissingEventsLimit:
		limit = maxMissingEventsLimit
	}
	if gme.MinDepth < 0 {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("min_depth must not be negative"),
		}
	}
	if len(gme.LatestEvents) == 0 {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.MissingParam("latest_events must not be empty"),
		}
	}
	if len(gme.LatestEvents) > maxMissingEventsIDs || len(gme.EarliestEvents) > maxMissingEventsIDs {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("too many event IDs"),
		}
	}
	if errResp := rooms.check(ctx, request.Origin(), roomID); errResp != nil {
		return *errResp
	}

	events, err := queryer.MissingEvents(ctx, roomID, gme.EarliestEvents, gme.LatestEvents, limit, gme.MinDepth)
	if err != nil {
		util.GetLogger(ctx).WithError(err).Error("queryer.MissingEvents failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: fedapi.RespMissingEvents{Events: eventsJSON(events)},
	}
}
