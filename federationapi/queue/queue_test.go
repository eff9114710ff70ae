// Copyright 2022 The Matrix.org Foundation C.I.C.
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
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"gotest.tools/v3/poll"

	"github.com/matrix-org/fedcore/event"
	fedapi "github.com/matrix-org/fedcore/federationapi/api"
	"github.com/matrix-org/fedcore/federationapi/statistics"
	"github.com/matrix-org/fedcore/setup/process"
	"github.com/matrix-org/fedcore/test"
)

const origin = spec.ServerName("localhost")

type stubClient struct {
	mu           sync.Mutex
	transactions []fedapi.Transaction
	// fail decides the outcome of the n-th attempt, counting from 1.
	fail     func(n int) error
	attempts atomic.Int32
}

func (c *stubClient) SendTransaction(ctx context.Context, t fedapi.Transaction) (fedapi.RespSend, error) {
	n := int(c.attempts.Inc())
	if c.fail != nil {
		if err := c.fail(n); err != nil {
			return fedapi.RespSend{}, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transactions = append(c.transactions, t)
	return fedapi.RespSend{PDUs: map[string]fedapi.PDUResult{}}, nil
}

func (c *stubClient) sent() []fedapi.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fedapi.Transaction(nil), c.transactions...)
}

func (c *stubClient) pduCount() int {
	count := 0
	for _, t := range c.sent() {
		count += len(t.PDUs)
	}
	return count
}

type bannedServers map[spec.ServerName]bool

func (b bannedServers) IsServerBannedFromRoom(serverName spec.ServerName, roomID string) bool {
	return b[serverName]
}

func newTestQueues(t *testing.T, client TransactionSender, acls ServerACLs) (*OutgoingQueues, *statistics.Statistics) {
	t.Helper()
	processCtx := process.NewProcessContext()
	t.Cleanup(processCtx.ShutdownFedCore)
	stats := statistics.NewStatistics(3)
	return NewOutgoingQueues(processCtx, false, origin, client, stats, acls), stats
}

func newTestEvents(t *testing.T, count int) []*event.Event {
	t.Helper()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	events := make([]*event.Event, 0, count)
	for i := 0; i < count; i++ {
		events = append(events, room.CreateAndInsert(t, alice, "m.room.message", map[string]interface{}{
			"body": fmt.Sprintf("message %d", i),
		}))
	}
	return events
}

func pollFor(t *testing.T, check func() bool, msg string) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if check() {
			return poll.Success()
		}
		return poll.Continue(msg)
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(10*time.Millisecond))
}

func TestSendEventReachesEveryDestination(t *testing.T) {
	client := &stubClient{}
	queues, _ := newTestQueues(t, client, nil)
	ev := newTestEvents(t, 1)[0]

	queues.SendEvent(ev, []spec.ServerName{"remote1", "remote2", "remote1", origin, ""})

	pollFor(t, func() bool { return len(client.sent()) == 2 }, "waiting for two transactions")
	destinations := map[spec.ServerName]bool{}
	for _, txn := range client.sent() {
		destinations[txn.Destination] = true
		assert.Equal(t, origin, txn.Origin)
		require.Len(t, txn.PDUs, 1)
		assert.JSONEq(t, string(ev.JSON()), string(txn.PDUs[0]))
		assert.NotEmpty(t, txn.TransactionID)
	}
	assert.Equal(t, map[spec.ServerName]bool{"remote1": true, "remote2": true}, destinations)
}

func TestBannedDestinationsAreSkipped(t *testing.T) {
	client := &stubClient{}
	queues, _ := newTestQueues(t, client, bannedServers{"evil": true})
	ev := newTestEvents(t, 1)[0]

	queues.SendEvent(ev, []spec.ServerName{"evil", "good"})

	pollFor(t, func() bool { return len(client.sent()) == 1 }, "waiting for one transaction")
	assert.Equal(t, spec.ServerName("good"), client.sent()[0].Destination)
	pdus, _ := queues.Pending("evil")
	assert.Zero(t, pdus)
}

func TestTransactionsAreBatched(t *testing.T) {
	client := &stubClient{}
	// Hold the first transaction back until everything is queued.
	release := make(chan struct{})
	client.fail = func(n int) error {
		if n == 1 {
			<-release
		}
		return nil
	}
	queues, _ := newTestQueues(t, client, nil)
	events := newTestEvents(t, fedapi.MaxPDUsPerTransaction+10)

	queues.SendEvent(events[0], []spec.ServerName{"remote"})
	pollFor(t, func() bool { return client.attempts.Load() == 1 }, "waiting for the first attempt")
	for _, ev := range events[1:] {
		queues.SendEvent(ev, []spec.ServerName{"remote"})
	}
	close(release)

	pollFor(t, func() bool { return client.pduCount() == len(events) }, "waiting for all PDUs")
	for _, txn := range client.sent() {
		assert.LessOrEqual(t, len(txn.PDUs), fedapi.MaxPDUsPerTransaction)
	}
	pdus, edus := queues.Pending("remote")
	assert.Zero(t, pdus)
	assert.Zero(t, edus)
}

func TestTransientFailureIsRetriedWithSameID(t *testing.T) {
	client := &stubClient{}
	client.fail = func(n int) error {
		if n == 1 {
			return &fedapi.FederationError{Kind: fedapi.Temporary, Code: http.StatusBadGateway}
		}
		return nil
	}
	queues, _ := newTestQueues(t, client, nil)
	ev := newTestEvents(t, 1)[0]

	queues.SendEvent(ev, []spec.ServerName{"remote"})
	oq := queues.getQueue("remote")
	pollFor(t, func() bool { return client.attempts.Load() >= 1 }, "waiting for the first attempt")
	oq.transactionIDMutex.Lock()
	failedID := oq.transactionID
	oq.transactionIDMutex.Unlock()

	pollFor(t, func() bool { return len(client.sent()) == 1 }, "waiting for the retry")
	assert.NotEmpty(t, failedID)
	assert.Equal(t, failedID, client.sent()[0].TransactionID)
	assert.Equal(t, int32(2), client.attempts.Load())
}

func TestRefusedTransactionIsDropped(t *testing.T) {
	client := &stubClient{}
	client.fail = func(n int) error {
		if n == 1 {
			return &fedapi.FederationError{Kind: fedapi.Permanent, Code: http.StatusBadRequest}
		}
		return nil
	}
	queues, _ := newTestQueues(t, client, nil)
	events := newTestEvents(t, 2)

	queues.SendEvent(events[0], []spec.ServerName{"remote"})
	pollFor(t, func() bool {
		pdus, _ := queues.Pending("remote")
		return client.attempts.Load() == 1 && pdus == 0
	}, "waiting for the refused transaction to be dropped")

	queues.SendEvent(events[1], []spec.ServerName{"remote"})
	pollFor(t, func() bool { return len(client.sent()) == 1 }, "waiting for the next transaction")
	sent := client.sent()[0]
	require.Len(t, sent.PDUs, 1)
	assert.JSONEq(t, string(events[1].JSON()), string(sent.PDUs[0]))
}

func TestOpenCircuitWakesQueueWhenBackoffEnds(t *testing.T) {
	client := &stubClient{}
	client.fail = func(n int) error {
		if n == 1 {
			return &fedapi.FederationError{Kind: fedapi.Temporary, Err: fedapi.ErrCircuitOpen}
		}
		return nil
	}
	queues, stats := newTestQueues(t, client, nil)
	server := stats.ForServer("remote")
	for i := 0; i < 3; i++ {
		server.Failure()
	}
	require.Equal(t, statistics.Open, server.State())
	ev := newTestEvents(t, 1)[0]

	queues.SendEvent(ev, []spec.ServerName{"remote"})
	oq := queues.getQueue("remote")
	pollFor(t, func() bool { return oq.backingOff.Load() }, "waiting for the queue to back off")
	assert.Empty(t, client.sent())

	// Reaching the end of the backoff hands control back to the queue.
	oq.handleBackoffNotifier()
	pollFor(t, func() bool { return len(client.sent()) == 1 }, "waiting for the queue to resume")
}

func TestSendEDU(t *testing.T) {
	client := &stubClient{}
	queues, _ := newTestQueues(t, client, bannedServers{"evil": true})
	content, err := json.Marshal(map[string]interface{}{"room_id": "!room:localhost", "typing": true})
	require.NoError(t, err)
	edu := &fedapi.EDU{Type: "m.typing", Origin: string(origin), Content: content}

	queues.SendEDU(edu, []spec.ServerName{"evil", "good"})

	pollFor(t, func() bool { return len(client.sent()) == 1 }, "waiting for the EDU")
	txn := client.sent()[0]
	assert.Equal(t, spec.ServerName("good"), txn.Destination)
	require.Len(t, txn.EDUs, 1)
	assert.Equal(t, "m.typing", txn.EDUs[0].Type)
	assert.Empty(t, txn.PDUs)
}

func TestDisabledQueuesSendNothing(t *testing.T) {
	client := &stubClient{}
	processCtx := process.NewProcessContext()
	t.Cleanup(processCtx.ShutdownFedCore)
	queues := NewOutgoingQueues(processCtx, true, origin, client, statistics.NewStatistics(3), nil)
	ev := newTestEvents(t, 1)[0]

	queues.SendEvent(ev, []spec.ServerName{"remote"})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, client.sent())
	pdus, _ := queues.Pending("remote")
	assert.Zero(t, pdus)
}

func TestFullQueueDropsEvents(t *testing.T) {
	client := &stubClient{}
	queues, _ := newTestQueues(t, client, nil)
	oq := queues.getQueue("remote")
	// A backing off queue only buffers.
	oq.backingOff.Store(true)
	destinationQueueBackingOff.Inc()
	ev := newTestEvents(t, 1)[0]

	for i := 0; i < maxPDUsInMemory+5; i++ {
		oq.sendEvent(ev)
	}
	pdus, _ := queues.Pending("remote")
	assert.Equal(t, maxPDUsInMemory, pdus)
}
