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

package shared

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/matrix-org/util"

	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/internal/caching"
	"github.com/matrix-org/fedcore/internal/sqlutil"
	"github.com/matrix-org/fedcore/roomserver/api"
	"github.com/matrix-org/fedcore/roomserver/storage/tables"
)

// Database implements api.Database on top of the tables. The sqlite3 and
// postgres packages only differ in how they prepare the tables.
type Database struct {
	DB                      *sql.DB
	Cache                   *caching.Caches
	Writer                  sqlutil.Writer
	EventsTable             tables.Events
	RoomsTable              tables.Rooms
	CurrentStateTable       tables.CurrentState
	ForwardExtremitiesTable tables.ForwardExtremities
	PrevEventsTable         tables.PreviousEvents
}

var _ api.Database = &Database{}

func (d *Database) Event(ctx context.Context, eventID string) (*event.Event, error) {
	if d.Cache != nil {
		if ev, ok := d.Cache.GetRoomEvent(eventID); ok {
			return ev, nil
		}
	}
	row, err := d.EventsTable.SelectEvent(ctx, nil, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("d.EventsTable.SelectEvent: %w", err)
	}
	return d.eventFromRow(row)
}

func (d *Database) EventsByID(ctx context.Context, eventIDs []string) ([]*event.Event, error) {
	eventIDs = util.UniqueStrings(eventIDs)
	results := make([]*event.Event, 0, len(eventIDs))
	fetch := make([]string, 0, len(eventIDs))
	for _, eventID := range eventIDs {
		if d.Cache != nil {
			if ev, ok := d.Cache.GetRoomEvent(eventID); ok {
				results = append(results, ev)
				continue
			}
		}
		fetch = append(fetch, eventID)
	}
	if len(fetch) == 0 {
		return results, nil
	}
	rows, err := d.EventsTable.BulkSelectEvents(ctx, nil, fetch)
	if err != nil {
		return nil, fmt.Errorf("d.EventsTable.BulkSelectEvents: %w", err)
	}
	for _, row := range rows {
		ev, err := d.eventFromRow(row)
		if err != nil {
			return nil, err
		}
		results = append(results, ev)
	}
	return results, nil
}

func (d *Database) eventFromRow(row *tables.EventRow) (*event.Event, error) {
	ev, err := event.NewEventFromTrustedJSONWithEventID(row.EventID, row.JSON, row.Redacted, row.RoomVersion)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", row.EventID, err)
	}
	if d.Cache != nil {
		d.Cache.StoreRoomEvent(ev)
	}
	return ev, nil
}

func (d *Database) Outcome(ctx context.Context, eventID string) (api.Outcome, error) {
	outcome, err := d.EventsTable.SelectOutcome(ctx, nil, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return api.Outcome(outcome), err
}

func (d *Database) RoomVersion(ctx context.Context, roomID string) (event.RoomVersion, error) {
	if d.Cache != nil {
		if roomVersion, ok := d.Cache.GetRoomVersion(roomID); ok {
			return roomVersion, nil
		}
	}
	roomVersion, err := d.RoomsTable.SelectRoomVersion(ctx, nil, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("d.RoomsTable.SelectRoomVersion: %w", err)
	}
	if d.Cache != nil {
		d.Cache.StoreRoomVersion(roomID, roomVersion)
	}
	return roomVersion, nil
}

func (d *Database) KnownRooms(ctx context.Context) ([]string, error) {
	return d.RoomsTable.SelectRoomIDs(ctx, nil)
}

func (d *Database) CurrentState(ctx context.Context, roomID string) (map[event.StateKeyTuple]string, error) {
	return d.CurrentStateTable.SelectCurrentState(ctx, nil, roomID)
}

func (d *Database) StateEvent(ctx context.Context, roomID, evType, stateKey string) (*event.Event, error) {
	tuple := event.StateKeyTuple{EventType: evType, StateKey: stateKey}
	eventID, err := d.CurrentStateTable.SelectStateEventID(ctx, nil, roomID, tuple)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("d.CurrentStateTable.SelectStateEventID: %w", err)
	}
	return d.Event(ctx, eventID)
}

func (d *Database) ForwardExtremities(ctx context.Context, roomID string) ([]string, error) {
	return d.ForwardExtremitiesTable.SelectForwardExtremities(ctx, nil, roomID)
}

func (d *Database) StoreEvent(ctx context.Context, ev *event.Event, result api.ValidationResult, kind api.EventKind) error {
	var reason string
	switch r := result.(type) {
	case api.Valid:
	case api.SoftFailed:
		if r.Reason != nil {
			reason = r.Reason.Error()
		}
	default:
		return fmt.Errorf("StoreEvent: %s events are not stored", result.Outcome())
	}
	evType := ev.Type()
	row := &tables.EventRow{
		EventID:     ev.EventID(),
		RoomID:      ev.RoomID(),
		RoomVersion: ev.Version(),
		EventType:   evType,
		StateKey:    ev.StateKey(),
		Depth:       ev.Depth(),
		Outcome:     string(result.Outcome()),
		Reason:      reason,
		Outlier:     kind == api.KindOutlier,
		Redacted:    ev.Redacted(),
		JSON:        ev.JSON(),
	}
	valid := result.Outcome() == api.OutcomeValid

	err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		if err := d.EventsTable.InsertEvent(ctx, txn, row); err != nil {
			return fmt.Errorf("d.EventsTable.InsertEvent: %w", err)
		}
		if valid && evType == event.MRoomCreate && ev.StateKeyEquals("") {
			if err := d.RoomsTable.InsertRoom(ctx, txn, ev.RoomID(), ev.Version()); err != nil {
				return fmt.Errorf("d.RoomsTable.InsertRoom: %w", err)
			}
		}
		if !valid || kind != api.KindNew {
			return nil
		}
		return d.updateForwardExtremities(ctx, txn, ev)
	})
	if err != nil {
		return err
	}
	if d.Cache != nil {
		d.Cache.StoreRoomEvent(ev)
	}
	return nil
}

// updateForwardExtremities replaces the prev events of the new event with
// the event itself, unless something already stored refers to it.
func (d *Database) updateForwardExtremities(ctx context.Context, txn *sql.Tx, ev *event.Event) error {
	prevEventIDs := ev.PrevEventIDs()
	for _, prevEventID := range prevEventIDs {
		if err := d.PrevEventsTable.InsertPreviousEvent(ctx, txn, prevEventID, ev.EventID()); err != nil {
			return fmt.Errorf("d.PrevEventsTable.InsertPreviousEvent: %w", err)
		}
	}
	if len(prevEventIDs) > 0 {
		if err := d.ForwardExtremitiesTable.DeleteForwardExtremities(ctx, txn, ev.RoomID(), prevEventIDs); err != nil {
			return fmt.Errorf("d.ForwardExtremitiesTable.DeleteForwardExtremities: %w", err)
		}
	}
	err := d.PrevEventsTable.SelectPreviousEventExists(ctx, txn, ev.EventID())
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err = d.ForwardExtremitiesTable.InsertForwardExtremity(ctx, txn, ev.RoomID(), ev.EventID()); err != nil {
			return fmt.Errorf("d.ForwardExtremitiesTable.InsertForwardExtremity: %w", err)
		}
	case err != nil:
		return fmt.Errorf("d.PrevEventsTable.SelectPreviousEventExists: %w", err)
	}
	return nil
}

func (d *Database) SetCurrentStateEvent(ctx context.Context, roomID string, tuple event.StateKeyTuple, eventID string) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.CurrentStateTable.UpsertCurrentState(ctx, txn, roomID, tuple, eventID)
	})
}
