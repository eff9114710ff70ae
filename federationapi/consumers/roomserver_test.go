package consumers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/roomserver/api"
	"github.com/matrix-org/fedcore/roomserver/producers"
	"github.com/matrix-org/fedcore/setup/config"
	"github.com/matrix-org/fedcore/setup/jetstream"
	"github.com/matrix-org/fedcore/setup/process"
	"github.com/matrix-org/fedcore/test"
)

type sentEvent struct {
	eventID      string
	destinations []spec.ServerName
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentEvent
	ch   chan sentEvent
}

func newRecordingSender() *recordingSender {
	return &recordingSender{ch: make(chan sentEvent, 16)}
}

func (r *recordingSender) SendEvent(ev *event.Event, destinations []spec.ServerName) {
	s := sentEvent{eventID: ev.EventID(), destinations: destinations}
	r.mu.Lock()
	r.sent = append(r.sent, s)
	r.mu.Unlock()
	r.ch <- s
}

func newTestConfig(t *testing.T, prefix string) *config.FedCore {
	t.Helper()
	cfg := &config.FedCore{}
	cfg.Defaults(config.DefaultOpts{Generate: true})
	cfg.Global.ServerName = "test"
	cfg.Global.JetStream.TopicPrefix = prefix
	return cfg
}

// newRoomWithRemoteMember makes a room created on "test" that a user of
// "remote" has joined.
func newRoomWithRemoteMember(t *testing.T) (*test.Room, *test.User, *test.User) {
	t.Helper()
	alice := test.NewUser(t)
	bob := test.NewUser(t, test.WithSigningServer("remote", "ed25519:remote", test.PrivateKeyA))
	room := test.NewRoom(t, alice)
	room.CreateAndInsert(t, bob, event.MRoomMember, map[string]string{"membership": event.Join}, test.WithStateKey(bob.ID))
	return room, alice, bob
}

func TestLocalEventsAreSentToJoinedServers(t *testing.T) {
	js, jsCfg := test.PrepareJetStream(t)
	cfg := newTestConfig(t, jsCfg.TopicPrefix)
	processCtx := process.NewProcessContext()
	t.Cleanup(processCtx.ShutdownFedCore)

	room, alice, _ := newRoomWithRemoteMember(t)
	db := test.NewInMemoryRoomserverDatabase()
	db.StoreRoom(t, room)

	sender := newRecordingSender()
	consumer := NewOutputRoomEventConsumer(processCtx, &cfg.FederationAPI, js, sender, db)
	require.NoError(t, consumer.Start())

	producer := &producers.RoomEventProducer{
		Topic:     jsCfg.Prefixed(jetstream.OutputRoomEvent),
		JetStream: js,
	}
	message := room.CreateAndInsert(t, alice, "m.room.message", map[string]string{"body": "hello"})
	require.NoError(t, producer.ProduceRoomEvents(room.ID, []api.OutputEvent{{
		Type: api.OutputTypeNewRoomEvent,
		NewRoomEvent: &api.OutputNewRoomEvent{
			Event:       message.JSON(),
			RoomVersion: message.Version(),
			Origin:      "test",
		},
	}}))

	select {
	case sent := <-sender.ch:
		assert.Equal(t, message.EventID(), sent.eventID)
		assert.ElementsMatch(t, []spec.ServerName{"test", "remote"}, sent.destinations)
	case <-time.After(10 * time.Second):
		t.Fatal("event was not sent")
	}
}

func TestRemoteEventsAreNotSentOn(t *testing.T) {
	cfg := newTestConfig(t, "Test")
	room, _, bob := newRoomWithRemoteMember(t)
	db := test.NewInMemoryRoomserverDatabase()
	db.StoreRoom(t, room)
	sender := newRecordingSender()
	consumer := &OutputRoomEventConsumer{cfg: &cfg.FederationAPI, db: db, queues: sender}

	message := room.CreateAndInsert(t, bob, "m.room.message", map[string]string{"body": "hi"})
	err := consumer.processMessage(context.Background(), &api.OutputNewRoomEvent{
		Event:       message.JSON(),
		RoomVersion: message.Version(),
		Origin:      "remote",
	})
	require.NoError(t, err)
	assert.Empty(t, sender.sent)
}

func TestMembershipEventsReachTheMember(t *testing.T) {
	cfg := newTestConfig(t, "Test")
	room, alice, _ := newRoomWithRemoteMember(t)
	db := test.NewInMemoryRoomserverDatabase()
	db.StoreRoom(t, room)
	consumer := &OutputRoomEventConsumer{cfg: &cfg.FederationAPI, db: db}

	charlie := test.NewUser(t, test.WithSigningServer("other", "ed25519:other", test.PrivateKeyB))
	invite := room.CreateAndInsert(t, alice, event.MRoomMember, map[string]string{"membership": "invite"}, test.WithStateKey(charlie.ID))

	hosts, err := consumer.joinedHostsAtEvent(context.Background(), invite)
	require.NoError(t, err)
	assert.ElementsMatch(t, []spec.ServerName{"test", "remote", "other"}, hosts)
}

func TestUnparseableOutputIsSkipped(t *testing.T) {
	cfg := newTestConfig(t, "Test")
	sender := newRecordingSender()
	consumer := &OutputRoomEventConsumer{cfg: &cfg.FederationAPI, db: test.NewInMemoryRoomserverDatabase(), queues: sender}

	err := consumer.processMessage(context.Background(), &api.OutputNewRoomEvent{
		Event:       []byte(`{"not":"an event"}`),
		RoomVersion: event.RoomVersionV10,
	})
	assert.NoError(t, err)
	assert.Empty(t, sender.sent)
}
