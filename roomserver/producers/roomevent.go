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

package producers

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/fedcore/auth"
	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/roomserver/api"
	"github.com/matrix-org/fedcore/setup/jetstream"
	"github.com/matrix-org/fedcore/setup/process"
)

// loggedContentFields name the content key worth logging per event type.
var loggedContentFields = map[string]string{
	event.MRoomJoinRules:         "join_rule",
	event.MRoomHistoryVisibility: "history_visibility",
	event.MRoomMember:            "membership",
}

// RoomEventProducer publishes accepted events to the OutputRoomEvent stream.
// A server ACL event is applied to ACLs once it has been published.
type RoomEventProducer struct {
	Topic     string
	ACLs      *auth.ServerACLs
	JetStream nats.JetStreamContext
	// Process, if set, is marked degraded when publishing fails.
	Process *process.ProcessContext
}

func (r *RoomEventProducer) ProduceRoomEvents(roomID string, updates []api.OutputEvent) error {
	for _, update := range updates {
		if err := r.produce(roomID, update); err != nil {
			return err
		}
	}
	return nil
}

func (r *RoomEventProducer) produce(roomID string, update api.OutputEvent) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(jetstream.OutputRoomEventSubj(r.Topic, roomID))
	msg.Data = data
	msg.Header.Set(jetstream.RoomEventType, string(update.Type))
	msg.Header.Set(jetstream.RoomID, roomID)
	logger := log.WithFields(log.Fields{
		"room_id": roomID,
		"type":    update.Type,
	})

	var aclEvent *event.Event
	if update.NewRoomEvent != nil {
		ev, err := update.NewRoomEvent.ParseEvent()
		if err != nil {
			return err
		}
		msg.Header.Set(jetstream.EventID, ev.EventID())
		logger = withEventFields(logger, ev, len(update.NewRoomEvent.LatestEventIDs))
		if ev.Type() == event.MRoomServerACL && ev.StateKeyEquals("") {
			aclEvent = ev
		}
	}

	logger.Tracef("Producing to topic '%s'", r.Topic)
	if _, err = r.JetStream.PublishMsg(msg); err != nil {
		logger.WithError(err).Errorf("Failed to produce to topic '%s'", r.Topic)
		if r.Process != nil {
			r.Process.Degraded(fmt.Errorf("publishing to %s: %w", r.Topic, err))
		}
		return err
	}
	if aclEvent != nil && r.ACLs != nil {
		r.ACLs.OnServerACLUpdate(aclEvent)
	}
	return nil
}

func withEventFields(logger *log.Entry, ev *event.Event, latest int) *log.Entry {
	logger = logger.WithFields(log.Fields{
		"event_type": ev.Type(),
		"event_id":   ev.EventID(),
		"sender":     ev.Sender(),
		"latest":     latest,
	})
	if ev.StateKey() != nil {
		logger = logger.WithField("state_key", *ev.StateKey())
	}
	if key, ok := loggedContentFields[ev.Type()]; ok {
		if value := gjson.GetBytes(ev.Content(), key); value.Exists() {
			logger = logger.WithField("content_value", value.String())
		}
	}
	return logger
}
