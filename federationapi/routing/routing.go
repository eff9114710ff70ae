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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/internal/httputil"
	"github.com/matrix-org/fedcore/roomserver/api"
	"github.com/matrix-org/fedcore/setup/config"
	"github.com/matrix-org/fedcore/signing"
)

const (
	SendRouteName             = "Send"
	GetMissingEventsRouteName = "GetMissingEvents"
)

// Inputer validates the PDUs of inbound transactions.
type Inputer interface {
	InputTransaction(ctx context.Context, origin spec.ServerName, pdus []json.RawMessage) (map[string]api.ValidationResult, error)
}

// Queryer answers questions about the room DAG.
type Queryer interface {
	MissingEvents(ctx context.Context, roomID string, earliest, latest []string, limit int, minDepth int64) ([]*event.Event, error)
	Backfill(ctx context.Context, roomID string, from []string, limit int) ([]*event.Event, error)
	AuthChain(ctx context.Context, eventIDs []string) ([]*event.Event, error)
	StateAndAuthChain(ctx context.Context, roomID, eventID string) (state, authChain []*event.Event, err error)
	StateIDs(ctx context.Context, roomID, eventID string) (stateIDs, authChainIDs []string, err error)
}

// Database is what the handlers read directly.
type Database interface {
	Event(ctx context.Context, eventID string) (*event.Event, error)
	RoomVersion(ctx context.Context, roomID string) (event.RoomVersion, error)
}

// ServerACLs says whether a server may take part in a room.
type ServerACLs interface {
	IsServerBannedFromRoom(serverName spec.ServerName, roomID string) bool
}

// Setup registers HTTP handlers with the given routers. fedMux serves
// /_matrix/federation and keyMux serves /_matrix/key. The routers MUST have
// UseEncodedPath() enabled, since path variables are unescaped by MakeFedAPI.
//
// Due to Setup being used to call many other functions, a gocyclo nolint is
// applied:
// nolint: gocyclo
func Setup(
	fedMux, keyMux *mux.Router,
	cfg *config.FederationAPI,
	inputer Inputer,
	queryer Queryer,
	db Database,
	acls ServerACLs,
	keys signing.JSONVerifier,
) {
	limits := newOriginLimiter(cfg.RateLimiting)
	serverName := cfg.Matrix.ServerName
	rooms := &roomAccess{db: db, acls: acls}

	localKeys := httputil.MakeExternalAPI("localkeys", func(req *http.Request) util.JSONResponse {
		return LocalKeys(req, cfg.Matrix)
	})
	v2keysmux := keyMux.PathPrefix("/v2").Subrouter()
	v2keysmux.Handle("/server/{keyID}", localKeys).Methods(http.MethodGet)
	v2keysmux.Handle("/server/", localKeys).Methods(http.MethodGet)
	v2keysmux.Handle("/server", localKeys).Methods(http.MethodGet)

	v1fedmux := fedMux.PathPrefix("/v1").Subrouter()

	v1fedmux.Handle("/version", httputil.MakeExternalAPI(
		"federation_version",
		func(httpReq *http.Request) util.JSONResponse {
			return Version()
		},
	)).Methods(http.MethodGet)

	send := newSendHandler(cfg, inputer)
	v1fedmux.Handle("/send/{txnID}", MakeFedAPI(
		"federation_send", serverName, keys, limits,
		func(httpReq *http.Request, request *signing.FederationRequest, vars map[string]string) util.JSONResponse {
			return send.Send(httpReq, request, vars["txnID"])
		},
	)).Methods(http.MethodPut).Name(SendRouteName)

	getMissingEvents := MakeFedAPI(
		"federation_get_missing_events", serverName, keys, limits,
		func(httpReq *http.Request, request *signing.FederationRequest, vars map[string]string) util.JSONResponse {
			return GetMissingEvents(httpReq, request, rooms, queryer, vars["roomID"])
		},
	)
	v1fedmux.Handle("/get_missing_events/{roomID}", getMissingEvents).
		Methods(http.MethodGet, http.MethodPost).Name(GetMissingEventsRouteName)

	v1fedmux.Handle("/event_auth/{roomID}/{eventID}", MakeFedAPI(
		"federation_get_event_auth", serverName, keys, limits,
		func(httpReq *http.Request, request *signing.FederationRequest, vars map[string]string) util.JSONResponse {
			return GetEventAuth(httpReq.Context(), request, rooms, queryer, vars["roomID"], vars["eventID"])
		},
	)).Methods(http.MethodGet)

	v1fedmux.Handle("/state/{roomID}", MakeFedAPI(
		"federation_get_state", serverName, keys, limits,
		func(httpReq *http.Request, request *signing.FederationRequest, vars map[string]string) util.JSONResponse {
			return GetState(httpReq, request, rooms, queryer, vars["roomID"])
		},
	)).Methods(http.MethodGet)

	v1fedmux.Handle("/state_ids/{roomID}", MakeFedAPI(
		"federation_get_state_ids", serverName, keys, limits,
		func(httpReq *http.Request, request *signing.FederationRequest, vars map[string]string) util.JSONResponse {
			return GetStateIDs(httpReq, request, rooms, queryer, vars["roomID"])
		},
	)).Methods(http.MethodGet)

	v1fedmux.Handle("/backfill/{roomID}", MakeFedAPI(
		"federation_backfill", serverName, keys, limits,
		func(httpReq *http.Request, request *signing.FederationRequest, vars map[string]string) util.JSONResponse {
			return Backfill(httpReq, request, rooms, queryer, vars["roomID"], serverName)
		},
	)).Methods(http.MethodGet)

	v1fedmux.Handle("/event/{eventID}", MakeFedAPI(
		"federation_get_event", serverName, keys, limits,
		func(httpReq *http.Request, request *signing.FederationRequest, vars map[string]string) util.JSONResponse {
			return GetEvent(httpReq.Context(), request, rooms, vars["eventID"], serverName)
		},
	)).Methods(http.MethodGet)
}

// MakeFedAPI makes an http.Handler that checks matrix federation
// authentication and the request rate of the origin.
func MakeFedAPI(
	metricsName string, serverName spec.ServerName,
	keyRing signing.JSONVerifier,
	limits *originLimiter,
	f func(*http.Request, *signing.FederationRequest, map[string]string) util.JSONResponse,
) http.Handler {
	h := func(req *http.Request) util.JSONResponse {
		fedReq, errResp := signing.VerifyHTTPRequest(
			req, time.Now(), serverName, keyRing,
		)
		if fedReq == nil {
			return errResp
		}
		if errResp := limits.check(fedReq.Origin()); errResp != nil {
			return *errResp
		}
		// add the origin to Sentry, if enabled
		hub := sentry.GetHubFromContext(req.Context())
		if hub != nil {
			// clone the hub, so we don't send garbage events with e.g. mismatching rooms/event_ids
			hub = hub.Clone()
			hub.Scope().SetTag("origin", string(fedReq.Origin()))
			hub.Scope().SetTag("uri", fedReq.RequestURI())
		}
		defer func() {
			if r := recover(); r != nil {
				if hub != nil {
					hub.CaptureException(fmt.Errorf("%s panicked", req.URL.Path))
				}
				// re-panic to return the 500
				panic(r)
			}
		}()
		vars, err := httputil.URLDecodeMapValues(mux.Vars(req))
		if err != nil {
			return util.MatrixErrorResponse(http.StatusBadRequest, string(spec.ErrorUnrecognized), "badly encoded query params")
		}

		jsonRes := f(req, fedReq, vars)
		// do not log 4xx as errors as they are client fails, not server fails
		if jsonRes.Code >= 500 {
			if hub != nil {
				hub.Scope().SetExtra("response", jsonRes)
				hub.CaptureException(fmt.Errorf("%s returned HTTP %d", req.URL.Path, jsonRes.Code))
			} else {
				sentry.CaptureException(fmt.Errorf("%s returned HTTP %d", req.URL.Path, jsonRes.Code))
			}
		}
		return jsonRes
	}
	return httputil.MakeExternalAPI(metricsName, h)
}

// roomAccess decides whether an origin may read from a room.
type roomAccess struct {
	db   Database
	acls ServerACLs
}

// check returns an error response if the room is unknown here or the
// origin is banned from it by the room's server ACLs.
func (r *roomAccess) check(ctx context.Context, origin spec.ServerName, roomID string) *util.JSONResponse {
	if err := event.ValidateRoomID(roomID); err != nil {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("Invalid room ID"),
		}
	}
	roomVersion, err := r.db.RoomVersion(ctx, roomID)
	if err != nil {
		util.GetLogger(ctx).WithError(err).Error("db.RoomVersion failed")
		return &util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	if roomVersion == "" {
		return &util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: spec.NotFound(fmt.Sprintf("This server is not joined to room %s", roomID)),
		}
	}
	if r.acls != nil && r.acls.IsServerBannedFromRoom(origin, roomID) {
		return &util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.Forbidden("Forbidden by server ACLs"),
		}
	}
	return nil
}

func eventsJSON(events []*event.Event) []json.RawMessage {
	result := make([]json.RawMessage, 0, len(events))
	for _, ev := range events {
		result = append(result, ev.JSON())
	}
	return result
}
