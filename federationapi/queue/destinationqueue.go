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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/matrix-org/fedcore/event"
	fedapi "github.com/matrix-org/fedcore/federationapi/api"
	"github.com/matrix-org/fedcore/federationapi/statistics"
	"github.com/matrix-org/fedcore/setup/process"
)

const (
	maxPDUsInMemory  = 1024
	maxEDUsInMemory  = 1024
	queueIdleTimeout = time.Second * 30
	// queueRetryDelay is how long a queue waits before trying again after
	// a failure that did not open the circuit.
	queueRetryDelay = time.Second * 2
	sendTimeout     = time.Minute * 5
)

// destinationQueue is a queue of events for a single destination.
// It is responsible for sending the events to the destination and
// ensures that only one request is in flight to a given destination
// at a time.
type destinationQueue struct {
	queues             *OutgoingQueues
	process            *process.ProcessContext
	client             TransactionSender            // federation client
	origin             spec.ServerName              // origin of requests
	destination        spec.ServerName              // destination of requests
	running            atomic.Bool                  // is the queue worker running?
	backingOff         atomic.Bool                  // true if we're backing off
	statistics         *statistics.ServerStatistics // statistics about this remote server
	transactionIDMutex sync.Mutex                   // protects transactionID
	transactionID      string                       // last transaction ID if retrying, or "" if last txn was successful
	notify             chan struct{}                // interrupts idle wait pending PDUs/EDUs
	pendingPDUs        []*event.Event               // PDUs waiting to be sent
	pendingEDUs        []*fedapi.EDU                // EDUs waiting to be sent
	pendingMutex       sync.RWMutex                 // protects pendingPDUs and pendingEDUs
}

// sendEvent adds the event to the pending queue for the destination and
// makes sure a worker is running, unless the destination is backing off.
func (oq *destinationQueue) sendEvent(ev *event.Event) {
	if ev == nil {
		logrus.Errorf("attempt to send nil PDU with destination %q", oq.destination)
		return
	}
	oq.pendingMutex.Lock()
	if len(oq.pendingPDUs) >= maxPDUsInMemory {
		oq.pendingMutex.Unlock()
		destinationQueueDropped.WithLabelValues("pdu", "full").Inc()
		logrus.WithField("destination", oq.destination).Warn("Destination queue is full, dropping PDU")
		return
	}
	oq.pendingPDUs = append(oq.pendingPDUs, ev)
	oq.pendingMutex.Unlock()
	destinationQueuePending.WithLabelValues("pdu").Inc()

	if !oq.backingOff.Load() {
		oq.wakeQueueAndNotify()
	}
}

// sendEDU is sendEvent for EDUs.
func (oq *destinationQueue) sendEDU(edu *fedapi.EDU) {
	if edu == nil {
		logrus.Errorf("attempt to send nil EDU with destination %q", oq.destination)
		return
	}
	oq.pendingMutex.Lock()
	if len(oq.pendingEDUs) >= maxEDUsInMemory {
		oq.pendingMutex.Unlock()
		destinationQueueDropped.WithLabelValues("edu", "full").Inc()
		logrus.WithField("destination", oq.destination).Warn("Destination queue is full, dropping EDU")
		return
	}
	oq.pendingEDUs = append(oq.pendingEDUs, edu)
	oq.pendingMutex.Unlock()
	destinationQueuePending.WithLabelValues("edu").Inc()

	if !oq.backingOff.Load() {
		oq.wakeQueueAndNotify()
	}
}

// handleBackoffNotifier is registered as the backoff notification
// callback with Statistics. It will wakeup and notify the queue
// if the queue is currently backing off.
func (oq *destinationQueue) handleBackoffNotifier() {
	// Only wake up the queue if it is backing off.
	// Otherwise there is no pending work for the queue to handle
	// so waking the queue would be a waste of resources.
	if oq.backingOff.Load() {
		oq.wakeQueueAndNotify()
	}
}

// wakeQueueAndNotify ensures the destination queue is running and notifies it
// that there is pending work.
func (oq *destinationQueue) wakeQueueAndNotify() {
	// NOTE : Send notification before waking queue to prevent a race
	// where the queue was running and stops due to a timeout in between
	// checking it and sending the notification.
	select {
	case oq.notify <- struct{}{}:
	default:
	}

	// Wake up the queue if it's asleep.
	oq.wakeQueueIfNeeded()
}

// wakeQueueIfNeeded will wake up the destination queue if it is
// not already running.
func (oq *destinationQueue) wakeQueueIfNeeded() {
	// Clear the backingOff flag and update the backoff metrics if it was set.
	if oq.backingOff.CompareAndSwap(true, false) {
		destinationQueueBackingOff.Dec()
	}

	// If we aren't running then wake up the queue.
	if !oq.running.Load() {
		go oq.backgroundSend()
	}
}

// checkNotificationsOnClose checks for any remaining notifications
// and starts a new backgroundSend goroutine if any exist.
func (oq *destinationQueue) checkNotificationsOnClose() {
	if oq.backingOff.Load() {
		return
	}
	select {
	case <-oq.notify:
		// We received a new notification in between the
		// idle timeout firing and stopping the goroutine.
		// Immediately restart the queue.
		oq.wakeQueueAndNotify()
	default:
	}
}

// backgroundSend is the worker goroutine for sending events.
func (oq *destinationQueue) backgroundSend() {
	// Check if a worker is already running, and if it isn't, then
	// mark it as started.
	if !oq.running.CompareAndSwap(false, true) {
		return
	}

	// NOTE : The ordering here is very intentional.
	defer oq.checkNotificationsOnClose()
	defer oq.running.Store(false)

	destinationQueueRunning.Inc()
	defer destinationQueueRunning.Dec()

	idleTimeout := time.NewTimer(queueIdleTimeout)
	defer idleTimeout.Stop()

	for {
		// Reset the queue idle timeout.
		if !idleTimeout.Stop() {
			select {
			case <-idleTimeout.C:
			default:
			}
		}
		idleTimeout.Reset(queueIdleTimeout)

		// If we have nothing to do then wait either for incoming events, or
		// until we hit an idle timeout.
		select {
		case <-oq.notify:
			// There's work to do, either because a new event has come in
			// via sendEvent/sendEDU, or we are backing off and it is time
			// to retry.
		case <-idleTimeout.C:
			// The worker is idle so stop the goroutine. It'll get
			// restarted automatically the next time we have an event to
			// send.
			return
		case <-oq.process.Context().Done():
			// The parent process is shutting down, so stop.
			return
		}

		// Work out which PDUs/EDUs to include in the next transaction.
		oq.pendingMutex.RLock()
		pduCount := min(len(oq.pendingPDUs), fedapi.MaxPDUsPerTransaction)
		eduCount := min(len(oq.pendingEDUs), fedapi.MaxEDUsPerTransaction)
		toSendPDUs := oq.pendingPDUs[:pduCount]
		toSendEDUs := oq.pendingEDUs[:eduCount]
		oq.pendingMutex.RUnlock()

		if pduCount == 0 && eduCount == 0 {
			continue
		}

		err := oq.nextTransaction(toSendPDUs, toSendEDUs)
		switch {
		case err == nil:
			oq.handleTransactionSuccess(pduCount, eduCount)
		case isUnsendable(err):
			// Sending the same transaction again will fail the same way.
			logrus.WithError(err).WithField("destination", oq.destination).Warn("Dropping transaction that the destination refused")
			destinationQueueDropped.WithLabelValues("pdu", "refused").Add(float64(pduCount))
			destinationQueueDropped.WithLabelValues("edu", "refused").Add(float64(eduCount))
			oq.handleTransactionSuccess(pduCount, eduCount)
		default:
			// Register the backoff state and exit the goroutine. It'll
			// get restarted when the backoff completes.
			oq.backingOff.Store(true)
			destinationQueueBackingOff.Inc()
			if oq.statistics.BackoffInfo() == nil {
				// The circuit is still closed, so no notification will
				// come from the statistics.
				time.AfterFunc(queueRetryDelay, oq.handleBackoffNotifier)
			}
			return
		}
	}
}

// isUnsendable reports whether the destination refused the transaction
// itself, rather than being unreachable or refusing who we are.
func isUnsendable(err error) bool {
	var fedErr *fedapi.FederationError
	return errors.As(err, &fedErr) && fedErr.Kind == fedapi.Permanent && fedErr.Code != http.StatusUnauthorized
}

// nextTransaction creates a new transaction from the pending event
// queue and sends it.
// Returns an error if the transaction wasn't sent.
func (oq *destinationQueue) nextTransaction(pdus []*event.Event, edus []*fedapi.EDU) error {
	t := oq.createTransaction(pdus, edus)
	logrus.WithField("server_name", oq.destination).Debugf("Sending transaction %q containing %d PDUs, %d EDUs", t.TransactionID, len(t.PDUs), len(t.EDUs))

	// Try to send the transaction to the destination server.
	ctx, cancel := context.WithTimeout(oq.process.Context(), sendTimeout)
	defer cancel()
	resp, err := oq.client.SendTransaction(ctx, t)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"destination":   oq.destination,
			logrus.ErrorKey: err,
		}).Debugf("Failed to send transaction %q", t.TransactionID)
		return err
	}
	for eventID, result := range resp.PDUs {
		if result.Error != "" {
			logrus.WithFields(logrus.Fields{
				"destination": oq.destination,
				"event_id":    eventID,
			}).Debugf("Destination did not accept PDU: %s", result.Error)
		}
	}

	// Reset the transaction ID.
	oq.transactionIDMutex.Lock()
	oq.transactionID = ""
	oq.transactionIDMutex.Unlock()
	return nil
}

// createTransaction generates a transaction from the provided pdus and
// edus. A transaction that is retried keeps its ID, so that the
// destination can tell it was already received.
func (oq *destinationQueue) createTransaction(pdus []*event.Event, edus []*fedapi.EDU) fedapi.Transaction {
	oq.transactionIDMutex.Lock()
	if oq.transactionID == "" {
		now := spec.AsTimestamp(time.Now())
		oq.transactionID = fmt.Sprintf("%d-%d", now, oq.statistics.SuccessCount())
	}
	transactionID := oq.transactionID
	oq.transactionIDMutex.Unlock()

	t := fedapi.Transaction{
		TransactionID:  transactionID,
		Origin:         oq.origin,
		Destination:    oq.destination,
		OriginServerTS: spec.AsTimestamp(time.Now()),
		PDUs:           make([]json.RawMessage, 0, len(pdus)),
		EDUs:           make([]fedapi.EDU, 0, len(edus)),
	}
	for _, pdu := range pdus {
		t.PDUs = append(t.PDUs, pdu.JSON())
	}
	for _, edu := range edus {
		t.EDUs = append(t.EDUs, *edu)
	}
	return t
}

// handleTransactionSuccess removes the sent events from the queue and
// notifies the worker if there are more.
func (oq *destinationQueue) handleTransactionSuccess(pduCount int, eduCount int) {
	oq.pendingMutex.Lock()
	defer oq.pendingMutex.Unlock()

	for i := range oq.pendingPDUs[:pduCount] {
		oq.pendingPDUs[i] = nil
	}
	for i := range oq.pendingEDUs[:eduCount] {
		oq.pendingEDUs[i] = nil
	}
	oq.pendingPDUs = oq.pendingPDUs[pduCount:]
	oq.pendingEDUs = oq.pendingEDUs[eduCount:]
	destinationQueuePending.WithLabelValues("pdu").Sub(float64(pduCount))
	destinationQueuePending.WithLabelValues("edu").Sub(float64(eduCount))

	if len(oq.pendingPDUs) > 0 || len(oq.pendingEDUs) > 0 {
		select {
		case oq.notify <- struct{}{}:
		default:
		}
	}
}
