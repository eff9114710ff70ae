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

package federationapi

import (
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/fedcore/federationapi/api"
	"github.com/matrix-org/fedcore/federationapi/consumers"
	"github.com/matrix-org/fedcore/federationapi/fclient"
	"github.com/matrix-org/fedcore/federationapi/queue"
	"github.com/matrix-org/fedcore/federationapi/routing"
	"github.com/matrix-org/fedcore/federationapi/statistics"
	"github.com/matrix-org/fedcore/federationapi/storage"
	"github.com/matrix-org/fedcore/internal/sqlutil"
	"github.com/matrix-org/fedcore/setup/config"
	"github.com/matrix-org/fedcore/setup/jetstream"
	"github.com/matrix-org/fedcore/setup/process"
	"github.com/matrix-org/fedcore/signing"
)

// FederationInternalAPI is the federation component: the outbound client
// with its circuit breakers, the key ring, and the transaction queues.
type FederationInternalAPI struct {
	cfg        *config.FederationAPI
	process    *process.ProcessContext
	Statistics *statistics.Statistics
	Client     *fclient.Client
	KeyRing    *signing.KeyRing
	Queues     *queue.OutgoingQueues
}

// NewInternalAPI builds the client and key ring. The key ring keeps the keys
// it fetches in the federation database.
func NewInternalAPI(
	processContext *process.ProcessContext,
	fedCfg *config.FedCore,
	cm *sqlutil.Connections,
	resolver api.ServerResolver,
) *FederationInternalAPI {
	cfg := &fedCfg.FederationAPI

	keyDB, err := storage.NewDatabase(cm, &cfg.Database)
	if err != nil {
		logrus.WithError(err).Panic("failed to connect to federation API db")
	}

	stats := statistics.NewStatistics(cfg.FailuresUntilOpen)
	client := fclient.NewClient(cfg, resolver, stats)
	keyRing := signing.NewKeyRing(
		keyDB,
		signing.NewCachingKeyFetcher(&fclient.KeyFetcher{Client: client}, cfg.KeyCacheLifetime),
	)

	return &FederationInternalAPI{
		cfg:        cfg,
		process:    processContext,
		Statistics: stats,
		Client:     client,
		KeyRing:    keyRing,
	}
}

// StartOutbound starts sending the events the roomserver accepts to the
// other servers in their rooms.
func (f *FederationInternalAPI) StartOutbound(
	natsInstance *jetstream.NATSInstance,
	rooms consumers.RoomState,
	acls queue.ServerACLs,
) {
	js, _, err := natsInstance.Prepare(f.process, &f.cfg.Matrix.JetStream)
	if err != nil {
		logrus.WithError(err).Panic("failed to connect to JetStream")
	}

	f.Queues = queue.NewOutgoingQueues(
		f.process, false, f.cfg.Matrix.ServerName, f.Client, f.Statistics, acls,
	)

	rsConsumer := consumers.NewOutputRoomEventConsumer(f.process, f.cfg, js, f.Queues, rooms)
	if err = rsConsumer.Start(); err != nil {
		logrus.WithError(err).Panic("failed to start room server consumer")
	}
}

// AddPublicRoutes registers the federation and key endpoints.
func (f *FederationInternalAPI) AddPublicRoutes(
	fedRouter, keyRouter *mux.Router,
	inputer routing.Inputer,
	queryer routing.Queryer,
	db routing.Database,
	acls routing.ServerACLs,
) {
	routing.Setup(fedRouter, keyRouter, f.cfg, inputer, queryer, db, acls, f.KeyRing)
}
