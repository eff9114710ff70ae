package producers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/fedcore/auth"
	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/roomserver/api"
	"github.com/matrix-org/fedcore/setup/jetstream"
	"github.com/matrix-org/fedcore/setup/process"
	"github.com/matrix-org/fedcore/test"
)

func TestProduceRoomEvents(t *testing.T) {
	js, cfg := test.PrepareJetStream(t)
	room := test.NewRoom(t, test.NewUser(t))
	acls := auth.NewServerACLs()
	producer := &RoomEventProducer{
		Topic:     cfg.Prefixed(jetstream.OutputRoomEvent),
		ACLs:      acls,
		JetStream: js,
	}

	received := make(chan *nats.Msg, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := jetstream.JetStreamConsumer(ctx, js, producer.Topic+".>", "TestProducer", 1,
		func(ctx context.Context, msgs []*nats.Msg) bool {
			received <- msgs[0]
			return true
		},
	)
	require.NoError(t, err)

	acl := room.CreateAndInsert(t, room.Creator(), event.MRoomServerACL, map[string]interface{}{
		"allow": []string{"*"},
		"deny":  []string{"evil.example"},
	}, test.WithStateKey(""))
	err = producer.ProduceRoomEvents(room.ID, []api.OutputEvent{{
		Type: api.OutputTypeNewRoomEvent,
		NewRoomEvent: &api.OutputNewRoomEvent{
			Event:          acl.JSON(),
			RoomVersion:    acl.Version(),
			LatestEventIDs: []string{acl.EventID()},
		},
	}})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, room.ID, msg.Header.Get(jetstream.RoomID))
		assert.Equal(t, acl.EventID(), msg.Header.Get(jetstream.EventID))
		assert.Equal(t, string(api.OutputTypeNewRoomEvent), msg.Header.Get(jetstream.RoomEventType))
		var output api.OutputEvent
		require.NoError(t, json.Unmarshal(msg.Data, &output))
		require.NotNil(t, output.NewRoomEvent)
		ev, err := output.NewRoomEvent.ParseEvent()
		require.NoError(t, err)
		assert.Equal(t, acl.EventID(), ev.EventID())
	case <-time.After(10 * time.Second):
		t.Fatal("event was not published")
	}

	// Publishing an ACL event also applies it.
	assert.True(t, acls.IsServerBannedFromRoom("evil.example", room.ID))
	assert.False(t, acls.IsServerBannedFromRoom("good.example", room.ID))
}

func TestProduceFailureDegradesProcess(t *testing.T) {
	js, _ := test.PrepareJetStream(t)
	room := test.NewRoom(t, test.NewUser(t))
	acls := auth.NewServerACLs()
	processCtx := process.NewProcessContext()
	producer := &RoomEventProducer{
		Topic:     "NoSuchStream",
		ACLs:      acls,
		JetStream: js,
		Process:   processCtx,
	}

	acl := room.CreateAndInsert(t, room.Creator(), event.MRoomServerACL, map[string]interface{}{
		"allow": []string{"*"},
		"deny":  []string{"evil.example"},
	}, test.WithStateKey(""))
	err := producer.ProduceRoomEvents(room.ID, []api.OutputEvent{{
		Type: api.OutputTypeNewRoomEvent,
		NewRoomEvent: &api.OutputNewRoomEvent{
			Event:       acl.JSON(),
			RoomVersion: acl.Version(),
		},
	}})
	require.Error(t, err)
	assert.True(t, processCtx.IsDegraded())
	assert.False(t, acls.IsServerBannedFromRoom("evil.example", room.ID), "unpublished ACL must not apply")
}
