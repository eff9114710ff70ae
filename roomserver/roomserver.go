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

package roomserver

import (
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/fedcore/auth"
	"github.com/matrix-org/fedcore/internal/caching"
	"github.com/matrix-org/fedcore/internal/sqlutil"
	"github.com/matrix-org/fedcore/roomserver/api"
	"github.com/matrix-org/fedcore/roomserver/input"
	"github.com/matrix-org/fedcore/roomserver/producers"
	"github.com/matrix-org/fedcore/roomserver/query"
	"github.com/matrix-org/fedcore/roomserver/storage"
	"github.com/matrix-org/fedcore/roomserver/storage/shared"
	"github.com/matrix-org/fedcore/setup/config"
	"github.com/matrix-org/fedcore/setup/jetstream"
	"github.com/matrix-org/fedcore/setup/process"
	"github.com/matrix-org/fedcore/signing"
)

// RoomserverInternalAPI is the roomserver component: the validation
// pipeline for inbound PDUs and the queries remote servers make about rooms.
type RoomserverInternalAPI struct {
	DB      *shared.Database
	ACLs    *auth.ServerACLs
	Inputer *input.Inputer
	Queryer *query.Queryer
}

// NewInternalAPI opens the roomserver database and builds the component.
// fetcher is used to fetch events from remote servers and keyRing to check
// their signatures.
func NewInternalAPI(
	processContext *process.ProcessContext,
	cfg *config.FedCore,
	cm *sqlutil.Connections,
	natsInstance *jetstream.NATSInstance,
	caches *caching.Caches,
	fetcher api.EventFetcher,
	keyRing signing.JSONVerifier,
) *RoomserverInternalAPI {
	roomserverDB, err := storage.Open(processContext.Context(), cm, &cfg.RoomServer.Database, caches)
	if err != nil {
		logrus.WithError(err).Panicf("failed to connect to room server db")
	}

	acls, err := auth.LoadServerACLs(processContext.Context(), roomserverDB)
	if err != nil {
		logrus.WithError(err).Panicf("failed to load server ACLs")
	}

	js, _, err := natsInstance.Prepare(processContext, &cfg.Global.JetStream)
	if err != nil {
		logrus.WithError(err).Panicf("failed to connect to JetStream")
	}
	producer := &producers.RoomEventProducer{
		Topic:     cfg.Global.JetStream.Prefixed(jetstream.OutputRoomEvent),
		ACLs:      acls,
		JetStream: js,
		Process:   processContext,
	}

	return &RoomserverInternalAPI{
		DB:      roomserverDB,
		ACLs:    acls,
		Inputer: input.NewInputer(&cfg.RoomServer, roomserverDB, fetcher, keyRing, acls, producer, caches),
		Queryer: &query.Queryer{DB: roomserverDB},
	}
}
