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

package consumers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/roomserver/api"
	"github.com/matrix-org/fedcore/setup/config"
	"github.com/matrix-org/fedcore/setup/jetstream"
	"github.com/matrix-org/fedcore/setup/process"
)

// RoomState is the part of the roomserver database the consumer reads to
// find out which servers are in a room.
type RoomState interface {
	CurrentState(ctx context.Context, roomID string) (map[event.StateKeyTuple]string, error)
	EventsByID(ctx context.Context, eventIDs []string) ([]*event.Event, error)
}

// EventSender queues events for other servers.
type EventSender interface {
	SendEvent(ev *event.Event, destinations []spec.ServerName)
}

// OutputRoomEventConsumer consumes events that originated in the room server.
type OutputRoomEventConsumer struct {
	ctx       context.Context
	cfg       *config.FederationAPI
	jetstream nats.JetStreamContext
	durable   string
	db        RoomState
	queues    EventSender
	topic     string
}

// NewOutputRoomEventConsumer creates a new OutputRoomEventConsumer. Call Start() to begin consuming from room servers.
func NewOutputRoomEventConsumer(
	process *process.ProcessContext,
	cfg *config.FederationAPI,
	js nats.JetStreamContext,
	queues EventSender,
	store RoomState,
) *OutputRoomEventConsumer {
	return &OutputRoomEventConsumer{
		ctx:       process.Context(),
		cfg:       cfg,
		jetstream: js,
		durable:   cfg.Matrix.JetStream.Durable("FederationAPIRoomServerConsumer"),
		db:        store,
		queues:    queues,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputRoomEvent),
	}
}

// Start consuming from room servers
func (s *OutputRoomEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic+".>", s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

// onMessage is called when the federation server receives a new event from
// the room server output log. Messages of a room are handled one at a time,
// in the order the roomserver accepted them.
func (s *OutputRoomEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called

	// Parse out the event JSON
	var output api.OutputEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		// If the message was invalid, log it and move on to the next message in the stream
		log.WithError(err).Errorf("roomserver output log: message parse failure")
		return true
	}

	switch output.Type {
	case api.OutputTypeNewRoomEvent:
		if output.NewRoomEvent == nil {
			log.Errorf("roomserver output log: %q without payload", output.Type)
			return true
		}
		if err := s.processMessage(ctx, output.NewRoomEvent); err != nil {
			log.WithFields(log.Fields{
				"room_id":    msg.Header.Get(jetstream.RoomID),
				"event_id":   msg.Header.Get(jetstream.EventID),
				log.ErrorKey: err,
			}).Error("roomserver output log: failed to send event to other servers")
			sentry.CaptureException(err)
			return false
		}
	default:
		log.WithField("type", output.Type).Debug(
			"roomserver output log: ignoring unknown output type",
		)
	}
	return true
}

// processMessage sends an event that this server created to every other
// server in the room. Events that came in over federation were already
// sent to the room by the server they came from.
func (s *OutputRoomEventConsumer) processMessage(ctx context.Context, ore *api.OutputNewRoomEvent) error {
	ev, err := ore.ParseEvent()
	if err != nil {
		// A broken event will not get better by retrying it.
		log.WithError(err).Error("roomserver output log: event parse failure")
		return nil
	}
	if ore.Origin != "" && ore.Origin != s.cfg.Matrix.ServerName {
		return nil
	}
	senderDomain, err := ev.SenderDomain()
	if err != nil || senderDomain != s.cfg.Matrix.ServerName {
		return nil
	}

	destinations, err := s.joinedHostsAtEvent(ctx, ev)
	if err != nil {
		return fmt.Errorf("s.joinedHostsAtEvent: %w", err)
	}

	log.WithFields(log.Fields{
		"event_id":     ev.EventID(),
		"room_id":      ev.RoomID(),
		"destinations": len(destinations),
	}).Debug("Sending event to other servers")

	s.queues.SendEvent(ev, destinations)
	return nil
}

// joinedHostsAtEvent returns the servers of the members joined to the room
// after the event. A membership event is also sent to the server of the
// member it is about, so that a server hears about its users leaving or
// being invited.
func (s *OutputRoomEventConsumer) joinedHostsAtEvent(ctx context.Context, ev *event.Event) ([]spec.ServerName, error) {
	state, err := s.db.CurrentState(ctx, ev.RoomID())
	if err != nil {
		return nil, fmt.Errorf("s.db.CurrentState: %w", err)
	}
	var memberEventIDs []string
	for tuple, eventID := range state {
		if tuple.EventType == event.MRoomMember {
			memberEventIDs = append(memberEventIDs, eventID)
		}
	}
	members, err := s.db.EventsByID(ctx, memberEventIDs)
	if err != nil {
		return nil, fmt.Errorf("s.db.EventsByID: %w", err)
	}

	seen := map[spec.ServerName]struct{}{}
	var hosts []spec.ServerName
	addHost := func(userID string) {
		domain, err := event.DomainFromID(userID)
		if err != nil {
			return
		}
		if _, ok := seen[domain]; ok {
			return
		}
		seen[domain] = struct{}{}
		hosts = append(hosts, domain)
	}
	for _, member := range members {
		membership, err := member.Membership()
		if err != nil || membership != event.Join || member.StateKey() == nil {
			continue
		}
		addHost(*member.StateKey())
	}
	if ev.Type() == event.MRoomMember && ev.StateKey() != nil {
		addHost(*ev.StateKey())
	}
	return hosts, nil
}
