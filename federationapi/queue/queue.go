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

package queue

import (
	"context"
	"sync"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/fedcore/event"
	fedapi "github.com/matrix-org/fedcore/federationapi/api"
	"github.com/matrix-org/fedcore/federationapi/statistics"
	"github.com/matrix-org/fedcore/setup/process"
)

// TransactionSender sends transactions to other servers. The federation
// client is one.
type TransactionSender interface {
	SendTransaction(ctx context.Context, t fedapi.Transaction) (fedapi.RespSend, error)
}

// ServerACLs says whether a server may take part in a room.
type ServerACLs interface {
	IsServerBannedFromRoom(serverName spec.ServerName, roomID string) bool
}

// OutgoingQueues is a collection of queues for sending transactions to other
// matrix servers
type OutgoingQueues struct {
	process     *process.ProcessContext
	disabled    bool
	origin      spec.ServerName
	client      TransactionSender
	statistics  *statistics.Statistics
	acls        ServerACLs
	queuesMutex sync.Mutex // protects the below
	queues      map[spec.ServerName]*destinationQueue
}

func init() {
	prometheus.MustRegister(
		destinationQueueTotal, destinationQueueRunning,
		destinationQueueBackingOff, destinationQueuePending,
		destinationQueueDropped,
	)
}

var destinationQueueTotal = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fedcore",
		Subsystem: "federationapi",
		Name:      "destination_queues_total",
	},
)

var destinationQueueRunning = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fedcore",
		Subsystem: "federationapi",
		Name:      "destination_queues_running",
	},
)

var destinationQueueBackingOff = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fedcore",
		Subsystem: "federationapi",
		Name:      "destination_queues_backing_off",
	},
)

var destinationQueuePending = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "fedcore",
		Subsystem: "federationapi",
		Name:      "destination_queues_pending",
		Help:      "Number of PDUs and EDUs waiting to be sent, over all destinations",
	},
	[]string{"kind"},
)

var destinationQueueDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fedcore",
		Subsystem: "federationapi",
		Name:      "destination_queues_dropped_total",
		Help:      "Number of PDUs and EDUs that were not sent",
	},
	[]string{"kind", "reason"},
)

// NewOutgoingQueues makes a new OutgoingQueues. acls may be nil.
func NewOutgoingQueues(
	process *process.ProcessContext,
	disabled bool,
	origin spec.ServerName,
	client TransactionSender,
	statistics *statistics.Statistics,
	acls ServerACLs,
) *OutgoingQueues {
	return &OutgoingQueues{
		disabled:   disabled,
		process:    process,
		origin:     origin,
		client:     client,
		statistics: statistics,
		acls:       acls,
		queues:     map[spec.ServerName]*destinationQueue{},
	}
}

func (oqs *OutgoingQueues) getQueue(destination spec.ServerName) *destinationQueue {
	oqs.queuesMutex.Lock()
	defer oqs.queuesMutex.Unlock()
	oq, ok := oqs.queues[destination]
	if !ok || oq == nil {
		destinationQueueTotal.Inc()
		oq = &destinationQueue{
			queues:      oqs,
			process:     oqs.process,
			origin:      oqs.origin,
			destination: destination,
			client:      oqs.client,
			statistics:  oqs.statistics.ForServer(destination),
			notify:      make(chan struct{}, 1),
		}
		oq.statistics.AssignBackoffNotifier(oq.handleBackoffNotifier)
		oqs.queues[destination] = oq
	}
	return oq
}

// destinations deduplicates the servers, leaving out this server and
// servers that the room's ACLs do not allow.
func (oqs *OutgoingQueues) destinations(roomID string, servers []spec.ServerName) []spec.ServerName {
	seen := make(map[spec.ServerName]struct{}, len(servers))
	result := make([]spec.ServerName, 0, len(servers))
	for _, destination := range servers {
		if destination == oqs.origin || destination == "" {
			continue
		}
		if _, ok := seen[destination]; ok {
			continue
		}
		seen[destination] = struct{}{}
		if roomID != "" && oqs.acls != nil && oqs.acls.IsServerBannedFromRoom(destination, roomID) {
			continue
		}
		result = append(result, destination)
	}
	return result
}

// SendEvent sends an event to the destinations
func (oqs *OutgoingQueues) SendEvent(ev *event.Event, destinations []spec.ServerName) {
	if oqs.disabled {
		log.Trace("Federation is disabled, not sending event")
		return
	}
	destinations = oqs.destinations(ev.RoomID(), destinations)
	if len(destinations) == 0 {
		return
	}

	log.WithFields(log.Fields{
		"destinations": len(destinations), "event": ev.EventID(),
	}).Debug("Sending event")

	for _, destination := range destinations {
		oqs.getQueue(destination).sendEvent(ev)
	}
}

// SendEDU sends an EDU event to the destinations.
func (oqs *OutgoingQueues) SendEDU(e *fedapi.EDU, destinations []spec.ServerName) {
	if oqs.disabled {
		log.Trace("Federation is disabled, not sending EDU")
		return
	}

	// There is absolutely no guarantee that the EDU will have a room_id
	// field, as it is not required by the Matrix spec. However, if it *does*
	// (e.g. typing notifications) then we should try to make sure we don't
	// bother sending them to servers that are prohibited by the server
	// ACLs.
	destinations = oqs.destinations(gjson.GetBytes(e.Content, "room_id").Str, destinations)
	if len(destinations) == 0 {
		return
	}

	log.WithFields(log.Fields{
		"destinations": len(destinations), "edu_type": e.Type,
	}).Debug("Sending EDU event")

	for _, destination := range destinations {
		oqs.getQueue(destination).sendEDU(e)
	}
}

// Pending returns how many PDUs and EDUs wait to be sent to the server.
func (oqs *OutgoingQueues) Pending(destination spec.ServerName) (pdus, edus int) {
	oqs.queuesMutex.Lock()
	oq, ok := oqs.queues[destination]
	oqs.queuesMutex.Unlock()
	if !ok {
		return 0, 0
	}
	oq.pendingMutex.RLock()
	defer oq.pendingMutex.RUnlock()
	return len(oq.pendingPDUs), len(oq.pendingEDUs)
}
