package test

import (
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/matrix-org/fedcore/setup/config"
	"github.com/matrix-org/fedcore/setup/jetstream"
	"github.com/matrix-org/fedcore/setup/process"
)

// PrepareJetStream starts an in-memory NATS server for the test. It is shut
// down when the test finishes.
func PrepareJetStream(t *testing.T) (nats.JetStreamContext, *config.JetStream) {
	t.Helper()
	processCtx := process.NewProcessContext()
	t.Cleanup(func() {
		processCtx.ShutdownFedCore()
		processCtx.WaitForComponentsToFinish()
	})
	cfg := &config.JetStream{
		TopicPrefix: "Test",
		InMemory:    true,
		StoragePath: config.Path(t.TempDir()),
	}
	var instance jetstream.NATSInstance
	js, _, err := instance.Prepare(processCtx, cfg)
	if err != nil {
		t.Fatalf("PrepareJetStream: %s", err)
	}
	return js, cfg
}
