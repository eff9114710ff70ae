package jetstream

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/fedcore/setup/config"
	"github.com/matrix-org/fedcore/setup/process"
)

// NATSInstance owns the in-process NATS server, if one is needed, and the
// client connection to it.
type NATSInstance struct {
	mu     sync.Mutex
	server *natsserver.Server
	nc     *nats.Conn
	js     nats.JetStreamContext
}

// Prepare connects to JetStream and makes sure that every stream exists.
// Without configured addresses an in-process server is started, which is
// shut down together with the process.
func (s *NATSInstance) Prepare(processCtx *process.ProcessContext, cfg *config.JetStream) (nats.JetStreamContext, *nats.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.js != nil {
		return s.js, s.nc, nil
	}
	if len(cfg.Addresses) == 0 && s.server == nil {
		var err error
		s.server, err = natsserver.NewServer(&natsserver.Options{
			ServerName:      "fedcore",
			DontListen:      true,
			JetStream:       true,
			StoreDir:        string(cfg.StoragePath),
			NoSystemAccount: true,
			MaxPayload:      16 * 1024 * 1024,
			NoSigs:          true,
			NoLog:           cfg.InMemory,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("natsserver.NewServer: %w", err)
		}
		s.server.SetLoggerV2(newNATSLogger(string(cfg.StoragePath)), false, false, false)
		go s.server.Start()
		processCtx.ComponentStarted()
		go func() {
			<-processCtx.WaitForShutdown()
			s.server.Shutdown()
			s.server.WaitForShutdown()
			processCtx.ComponentFinished()
		}()
		if !s.server.ReadyForConnections(time.Second * 10) {
			return nil, nil, fmt.Errorf("NATS did not start in time")
		}
	}
	nc, js, err := setupNATS(s.server, cfg)
	if err != nil {
		return nil, nil, err
	}
	s.nc, s.js = nc, js
	return js, nc, nil
}

func setupNATS(server *natsserver.Server, cfg *config.JetStream) (*nats.Conn, nats.JetStreamContext, error) {
	var nc *nats.Conn
	var err error
	if server != nil {
		nc, err = nats.Connect("", nats.InProcessServer(server))
	} else {
		nc, err = nats.Connect(strings.Join(cfg.Addresses, ","))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("nats.Connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, nil, fmt.Errorf("nc.JetStream: %w", err)
	}

	for _, stream := range streams {
		if err = ensureStream(js, cfg, stream); err != nil {
			return nil, nil, err
		}
	}
	return nc, js, nil
}

// ensureStream creates the prefixed stream unless the server already has it.
// Tests that keep everything in memory get memory storage.
func ensureStream(js nats.JetStreamContext, cfg *config.JetStream, stream nats.StreamConfig) error {
	stream.Name = cfg.Prefixed(stream.Name)
	switch _, err := js.StreamInfo(stream.Name); {
	case err == nil:
		return nil
	case !errors.Is(err, nats.ErrStreamNotFound):
		return fmt.Errorf("js.StreamInfo(%s): %w", stream.Name, err)
	}
	stream.Subjects = []string{stream.Name, stream.Name + ".>"}
	if cfg.InMemory {
		stream.Storage = nats.MemoryStorage
	}
	if _, err := js.AddStream(&stream); err != nil {
		return fmt.Errorf("js.AddStream(%s): %w", stream.Name, err)
	}
	logrus.WithField("stream", stream.Name).Debug("Created JetStream stream")
	return nil
}
