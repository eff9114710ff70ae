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

// Package input validates PDUs received over federation and feeds the ones
// that pass into the room.
package input

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Arceliar/phony"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/matrix-org/fedcore/auth"
	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/internal/caching"
	"github.com/matrix-org/fedcore/roomserver/api"
	"github.com/matrix-org/fedcore/roomserver/producers"
	"github.com/matrix-org/fedcore/roomserver/state"
	"github.com/matrix-org/fedcore/setup/config"
	"github.com/matrix-org/fedcore/signing"
)

// Step names a stage of the validation pipeline.
type Step string

const (
	StepFormat          Step = "format"
	StepSignature       Step = "signature"
	StepHash            Step = "hash"
	StepAuth            Step = "auth"
	StepStateResolution Step = "state_resolution"
	StepSoftFail        Step = "soft_fail"
)

// Inputer runs the validation pipeline. Events of one room submitted through
// InputTransaction are processed in order on the room's actor, while rooms
// proceed in parallel.
type Inputer struct {
	Cfg      *config.RoomServer
	DB       api.Database
	Fetcher  api.EventFetcher
	KeyRing  signing.JSONVerifier
	ACLs     *auth.ServerACLs
	Producer *producers.RoomEventProducer
	Cache    *caching.Caches
	// StepHook, if set, is called as each step of the pipeline starts. The
	// event ID is empty for the format step.
	StepHook func(eventID string, step Step)

	state    *state.Manager
	workers  *xsync.MapOf[string, *phony.Inbox] // room ID -> actor
	fetching singleflight.Group                 // event ID -> remote fetch
}

func NewInputer(
	cfg *config.RoomServer, db api.Database, fetcher api.EventFetcher,
	keyRing signing.JSONVerifier, acls *auth.ServerACLs,
	producer *producers.RoomEventProducer, cache *caching.Caches,
) *Inputer {
	return &Inputer{
		Cfg:      cfg,
		DB:       db,
		Fetcher:  fetcher,
		KeyRing:  keyRing,
		ACLs:     acls,
		Producer: producer,
		Cache:    cache,
		state:    state.NewManager(db),
		workers:  xsync.NewMapOf[string, *phony.Inbox](),
	}
}

// State returns the manager that owns the current state of the rooms.
func (r *Inputer) State() *state.Manager {
	return r.state
}

// InputTransaction validates the PDUs of an inbound transaction. Each room
// is handled on its own actor, in the order the PDUs were sent. The results
// are keyed by event ID; PDUs whose event ID cannot be worked out are left
// out. The error reports the first infrastructure failure, if any.
func (r *Inputer) InputTransaction(
	ctx context.Context, origin spec.ServerName, pdus []json.RawMessage,
) (map[string]api.ValidationResult, error) {
	logger := util.GetLogger(ctx).WithFields(logrus.Fields{
		"origin": origin,
		"pdus":   len(pdus),
	})

	type roomPDU struct {
		roomVersion event.RoomVersion
		json        json.RawMessage
	}
	var roomOrder []string
	byRoom := map[string][]roomPDU{}
	for _, pdu := range pdus {
		roomID := gjson.GetBytes(pdu, "room_id").Str
		roomVersion, err := r.roomVersionFor(ctx, roomID, pdu)
		if err != nil {
			return nil, err
		}
		if roomVersion == "" {
			logger.WithField("room_id", roomID).Warn("Dropping PDU for a room we do not know")
			continue
		}
		if _, ok := byRoom[roomID]; !ok {
			roomOrder = append(roomOrder, roomID)
		}
		byRoom[roomID] = append(byRoom[roomID], roomPDU{roomVersion, pdu})
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	results := make(map[string]api.ValidationResult, len(pdus))
	for _, roomID := range roomOrder {
		roomPDUs := byRoom[roomID]
		inbox, _ := r.workers.LoadOrCompute(roomID, func() *phony.Inbox {
			return &phony.Inbox{}
		})
		roomserverInputBackpressure.With(prometheus.Labels{"room_id": roomID}).Add(float64(len(roomPDUs)))
		wg.Add(1)
		inbox.Act(nil, func() {
			defer wg.Done()
			for _, pdu := range roomPDUs {
				result, err := r.ProcessPDU(ctx, origin, pdu.roomVersion, pdu.json)
				roomserverInputBackpressure.With(prometheus.Labels{"room_id": roomID}).Dec()
				mu.Lock()
				if err != nil && firstErr == nil {
					firstErr = err
				}
				if result != nil && result.ResultEventID() != "" {
					results[result.ResultEventID()] = result
				}
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return results, firstErr
}

// roomVersionFor returns the version of the room the PDU belongs to, or ""
// if the room is unknown. A create event brings its own version.
func (r *Inputer) roomVersionFor(ctx context.Context, roomID string, pdu []byte) (event.RoomVersion, error) {
	if r.Cache != nil {
		if roomVersion, ok := r.Cache.GetRoomVersion(roomID); ok {
			return roomVersion, nil
		}
	}
	roomVersion, err := r.DB.RoomVersion(ctx, roomID)
	if err != nil {
		return "", err
	}
	if roomVersion != "" {
		return roomVersion, nil
	}
	fields := gjson.GetManyBytes(pdu, "type", "state_key", "content.room_version")
	if fields[0].Str != event.MRoomCreate || !fields[1].Exists() || fields[1].Str != "" {
		return "", nil
	}
	if fields[2].Exists() {
		return event.RoomVersion(fields[2].Str), nil
	}
	// Create events without a version are from version 1 rooms.
	return event.RoomVersionV1, nil
}

func init() {
	prometheus.MustRegister(roomserverInputBackpressure)
}

var roomserverInputBackpressure = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "fedcore",
		Subsystem: "roomserver",
		Name:      "input_backpressure",
		Help:      "How many events are queued for input for a given room",
	},
	[]string{"room_id"},
)
