package jetstream

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/fedcore/setup/config"
	"github.com/matrix-org/fedcore/setup/process"
)

func TestPublishAndConsume(t *testing.T) {
	processCtx := process.NewProcessContext()
	t.Cleanup(func() {
		processCtx.ShutdownFedCore()
		processCtx.WaitForComponentsToFinish()
	})
	cfg := &config.JetStream{TopicPrefix: "Test", InMemory: true, StoragePath: config.Path(t.TempDir())}

	var instance NATSInstance
	js, _, err := instance.Prepare(processCtx, cfg)
	require.NoError(t, err)

	// Preparing twice hands out the same connection.
	js2, _, err := instance.Prepare(processCtx, cfg)
	require.NoError(t, err)
	assert.Equal(t, js, js2)

	stream := cfg.Prefixed(OutputRoomEvent)
	received := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err = JetStreamConsumer(ctx, js, stream+".>", "TestConsumer", 1,
		func(ctx context.Context, msgs []*nats.Msg) bool {
			received <- msgs[0].Header.Get(RoomID)
			return true
		},
	)
	require.NoError(t, err)

	msg := nats.NewMsg(OutputRoomEventSubj(stream, "!room:test"))
	msg.Header.Set(RoomID, "!room:test")
	msg.Data = []byte(`{}`)
	_, err = js.PublishMsg(msg)
	require.NoError(t, err)

	select {
	case roomID := <-received:
		assert.Equal(t, "!room:test", roomID)
	case <-time.After(10 * time.Second):
		t.Fatal("message was not consumed")
	}
}

func TestTokenise(t *testing.T) {
	assert.Equal(t, "_room_test", Tokenise("!room:test"))
	assert.Equal(t, "Test.OutputRoomEvent._a_b", OutputRoomEventSubj("Test.OutputRoomEvent", "!a:b"))
}
