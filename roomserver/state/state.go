// Copyright 2020 The Matrix.org Foundation C.I.C.
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

// Package state moves the current state of rooms forward. It is the only
// writer of the current state.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/fedcore/auth"
	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/internal"
	"github.com/matrix-org/fedcore/roomserver/api"
	"github.com/matrix-org/fedcore/stateres"
)

// RoomState maps each state key of a room to the event that holds it.
type RoomState map[event.StateKeyTuple]string

// Persist stores the outcome of an event. The current state only moves
// after it succeeds.
type Persist func(ctx context.Context, result api.ValidationResult) error

// BlockedKey is a state key that failed to resolve.
type BlockedKey struct {
	RoomID string
	Tuple  event.StateKeyTuple
	Cause  *stateres.StateResolutionError
}

// Manager resolves incoming state events against the current state and
// soft-fails events the current state does not allow.
type Manager struct {
	db        api.Database
	locks     *internal.MutexByKey
	blockedMu sync.Mutex
	blocked   map[string]BlockedKey
}

func NewManager(db api.Database) *Manager {
	return &Manager{
		db:      db,
		locks:   internal.NewMutexByKey(),
		blocked: make(map[string]BlockedKey),
	}
}

func lockKey(roomID string, tuple event.StateKeyTuple) string {
	return roomID + "\x00" + tuple.EventType + "\x00" + tuple.StateKey
}

// CurrentState returns the current state of the room.
func (m *Manager) CurrentState(ctx context.Context, roomID string) (RoomState, error) {
	state, err := m.db.CurrentState(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("m.db.CurrentState: %w", err)
	}
	return RoomState(state), nil
}

// Apply runs the last two checks for an event that its own auth events
// allow. State events are first resolved against the current holder of
// their key, then every event is checked against the current state. The
// outcome is handed to persist, and a winning Valid state event becomes
// the current state afterwards. Both steps run under a lock on the state
// key, so concurrent events for the same key are serialised.
func (m *Manager) Apply(ctx context.Context, ev *event.Event, persist Persist) (api.ValidationResult, error) {
	tuple, isState := ev.StateKeyTuple()
	if !isState {
		result, err := m.softFailCheck(ctx, ev)
		if err != nil {
			return nil, err
		}
		return result, persist(ctx, result)
	}

	key := lockKey(ev.RoomID(), tuple)
	m.locks.Lock(key)
	defer m.locks.Unlock(key)

	logger := util.GetLogger(ctx).WithFields(logrus.Fields{
		"event_id":  ev.EventID(),
		"room_id":   ev.RoomID(),
		"type":      tuple.EventType,
		"state_key": tuple.StateKey,
	})

	if blocked, ok := m.blockedKey(key); ok {
		logger.Warn("Soft-failing event for a blocked state key")
		result := api.SoftFailed{
			Event:   ev,
			EventID: ev.EventID(),
			Reason:  fmt.Errorf("state key is blocked: %w", blocked.Cause),
		}
		return result, persist(ctx, result)
	}

	winner, err := m.resolve(ctx, ev, tuple)
	var resErr *stateres.StateResolutionError
	switch {
	case errors.As(err, &resErr):
		m.block(key, BlockedKey{RoomID: ev.RoomID(), Tuple: tuple, Cause: resErr})
		logger.WithError(err).Error("State resolution failed, blocking the state key")
		stateResolutionErrors.WithLabelValues(resErr.Kind.String()).Inc()
		sentry.CaptureException(err)
		result := api.SoftFailed{Event: ev, EventID: ev.EventID(), Reason: err}
		return result, persist(ctx, result)
	case err != nil:
		return nil, err
	}

	result, err := m.softFailCheck(ctx, ev)
	if err != nil {
		return nil, err
	}
	if err = persist(ctx, result); err != nil {
		return nil, err
	}
	if result.Outcome() != api.OutcomeValid {
		return result, nil
	}
	if winner.EventID() != ev.EventID() {
		logger.WithField("winner", winner.EventID()).Debug("Event lost state resolution")
		return result, nil
	}
	if err = m.db.SetCurrentStateEvent(ctx, ev.RoomID(), tuple, ev.EventID()); err != nil {
		return nil, fmt.Errorf("m.db.SetCurrentStateEvent: %w", err)
	}
	return result, nil
}

// resolve picks the winner between the event and the current holder of its
// state key.
func (m *Manager) resolve(ctx context.Context, ev *event.Event, tuple event.StateKeyTuple) (*event.Event, error) {
	metrics := resolveMetrics{
		algorithm: algorithmName(ev.VersionImpl().StateResAlgorithm()),
		startTime: time.Now(),
	}
	holder, err := m.db.StateEvent(ctx, ev.RoomID(), tuple.EventType, tuple.StateKey)
	if err != nil {
		return nil, fmt.Errorf("m.db.StateEvent: %w", err)
	}
	if holder == nil || holder.EventID() == ev.EventID() {
		metrics.stop("no_conflict")
		return ev, nil
	}
	winner, err := stateres.Resolve(
		ctx, []*event.Event{holder, ev}, ev.Version(),
		&roomStateProvider{db: m.db, roomID: ev.RoomID()}, m.db,
	)
	if err != nil {
		metrics.stop("failure")
		return nil, err
	}
	metrics.stop("resolved")
	return winner, nil
}

// softFailCheck authorises the event against the current state of the
// room instead of its own auth events.
func (m *Manager) softFailCheck(ctx context.Context, ev *event.Event) (api.ValidationResult, error) {
	provider, _ := auth.NewAuthEvents(nil)
	for _, tuple := range auth.StateNeededForEvent(ev).Tuples() {
		current, err := m.db.StateEvent(ctx, ev.RoomID(), tuple.EventType, tuple.StateKey)
		if err != nil {
			return nil, fmt.Errorf("m.db.StateEvent: %w", err)
		}
		if current != nil {
			_ = provider.AddEvent(current)
		}
	}
	if err := auth.Allowed(ev, provider); err != nil {
		return api.SoftFailed{Event: ev, EventID: ev.EventID(), Reason: err}, nil
	}
	return api.Valid{Event: ev}, nil
}

func (m *Manager) blockedKey(key string) (BlockedKey, bool) {
	m.blockedMu.Lock()
	defer m.blockedMu.Unlock()
	blocked, ok := m.blocked[key]
	return blocked, ok
}

func (m *Manager) block(key string, blocked BlockedKey) {
	m.blockedMu.Lock()
	defer m.blockedMu.Unlock()
	m.blocked[key] = blocked
	blockedStateKeys.Set(float64(len(m.blocked)))
}

// Unblock lets events for the state key through again. It reports whether
// the key was blocked.
func (m *Manager) Unblock(roomID string, tuple event.StateKeyTuple) bool {
	key := lockKey(roomID, tuple)
	m.blockedMu.Lock()
	defer m.blockedMu.Unlock()
	_, ok := m.blocked[key]
	delete(m.blocked, key)
	blockedStateKeys.Set(float64(len(m.blocked)))
	return ok
}

// Blocked returns the blocked state keys ordered by room and key.
func (m *Manager) Blocked() []BlockedKey {
	m.blockedMu.Lock()
	defer m.blockedMu.Unlock()
	keys := make([]BlockedKey, 0, len(m.blocked))
	for _, blocked := range m.blocked {
		keys = append(keys, blocked)
	}
	sort.Slice(keys, func(i, j int) bool {
		return lockKey(keys[i].RoomID, keys[i].Tuple) < lockKey(keys[j].RoomID, keys[j].Tuple)
	})
	return keys
}

type roomStateProvider struct {
	db     api.Database
	roomID string
}

func (p *roomStateProvider) StateEvent(ctx context.Context, tuple event.StateKeyTuple) (*event.Event, error) {
	return p.db.StateEvent(ctx, p.roomID, tuple.EventType, tuple.StateKey)
}

func algorithmName(alg event.StateResAlgorithm) string {
	switch alg {
	case event.StateResV1:
		return "v1"
	case event.StateResV2:
		return "v2"
	}
	return "unknown"
}
