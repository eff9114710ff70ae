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

package input

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/roomserver/api"
)

const (
	// maxFetchDepth bounds how deep fetching auth events of fetched auth
	// events may go.
	maxFetchDepth = 32
	// authFetchRetryDelay is multiplied by the attempt number.
	authFetchRetryDelay = 250 * time.Millisecond
)

// fetchAuthEvents returns the auth events of ev, fetching the ones we do not
// have from the origin. Fetched events are validated as outliers before they
// are used. missing is true if some auth events could not be had; the error
// is only set for infrastructure failures.
func (r *Inputer) fetchAuthEvents(
	ctx context.Context, logger *logrus.Entry, req *pduRequest, ev *event.Event,
) (authEvents []*event.Event, missing bool, err error) {
	authEventIDs := ev.AuthEventIDs()
	if len(authEventIDs) == 0 {
		return nil, false, nil
	}
	known, err := r.DB.EventsByID(ctx, authEventIDs)
	if err != nil {
		return nil, false, fmt.Errorf("r.DB.EventsByID: %w", err)
	}
	have := make(map[string]*event.Event, len(authEventIDs))
	for _, authEvent := range known {
		// Auth events from other rooms are treated as unknown.
		if authEvent.RoomID() == ev.RoomID() {
			have[authEvent.EventID()] = authEvent
		}
	}
	var wanted []string
	for _, id := range authEventIDs {
		if _, ok := have[id]; !ok && !slices.Contains(wanted, id) {
			wanted = append(wanted, id)
		}
	}

	if len(wanted) > 0 {
		fetched, err := r.fetchMissingAuthEvents(ctx, logger, req, ev, wanted)
		if err != nil {
			return nil, false, err
		}
		for _, authEvent := range fetched {
			have[authEvent.EventID()] = authEvent
		}
	}

	for _, id := range authEventIDs {
		authEvent, ok := have[id]
		if !ok {
			missing = true
			continue
		}
		if !slices.Contains(authEvents, authEvent) {
			authEvents = append(authEvents, authEvent)
		}
	}
	return authEvents, missing, nil
}

// fetchMissingAuthEvents fetches the events in parallel. Concurrent requests
// for the same event share one fetch. Events that cannot be fetched before
// the timeout are left out of the result.
func (r *Inputer) fetchMissingAuthEvents(
	ctx context.Context, logger *logrus.Entry, req *pduRequest, ev *event.Event, eventIDs []string,
) ([]*event.Event, error) {
	if r.Fetcher == nil {
		return nil, nil
	}
	if len(req.fetchChain) >= maxFetchDepth {
		logger.Warn("Auth event chain is too deep, not fetching further")
		return nil, nil
	}
	chain := append(slices.Clone(req.fetchChain), ev.EventID())

	ctx, cancel := context.WithTimeout(ctx, r.Cfg.AuthEventFetchTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	results := make([]*event.Event, len(eventIDs))
	for i, eventID := range eventIDs {
		if slices.Contains(chain, eventID) {
			// The event is already being fetched further up the chain.
			continue
		}
		i, eventID := i, eventID
		g.Go(func() error {
			ch := r.fetching.DoChan(eventID, func() (interface{}, error) {
				return r.fetchAuthEvent(gctx, logger, req, chain, eventID)
			})
			select {
			case res := <-ch:
				if res.Err != nil {
					return res.Err
				}
				authEvent, _ := res.Val.(*event.Event)
				if authEvent != nil && authEvent.RoomID() == ev.RoomID() {
					results[i] = authEvent
				}
				return nil
			case <-gctx.Done():
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fetched := make([]*event.Event, 0, len(results))
	for _, authEvent := range results {
		if authEvent != nil {
			fetched = append(fetched, authEvent)
		}
	}
	return fetched, nil
}

// fetchAuthEvent asks the origin for the event, retrying a few times, and
// validates what comes back as an outlier. It returns nil if no valid event
// with that ID could be had.
func (r *Inputer) fetchAuthEvent(
	ctx context.Context, logger *logrus.Entry, req *pduRequest, chain []string, eventID string,
) (*event.Event, error) {
	logger = logger.WithField("auth_event_id", eventID)
	var (
		pdu json.RawMessage
		err error
	)
	for attempt := 0; attempt < r.Cfg.AuthEventFetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * authFetchRetryDelay):
			case <-ctx.Done():
				return nil, nil
			}
		}
		if pdu, err = r.Fetcher.GetEvent(ctx, req.origin, eventID); err == nil {
			break
		}
		logger.WithError(err).Debugf("Failed to fetch auth event (attempt %d)", attempt+1)
	}
	if err != nil || pdu == nil {
		logger.WithError(err).Warn("Giving up fetching auth event")
		return nil, nil
	}

	result, err := r.processPDU(ctx, &pduRequest{
		origin:      req.origin,
		roomVersion: req.roomVersion,
		json:        pdu,
		kind:        api.KindOutlier,
		fetchChain:  chain,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	valid, ok := result.(api.Valid)
	if !ok {
		logger.WithField("outcome", result.Outcome()).Warn("Fetched auth event did not validate")
		return nil, nil
	}
	if valid.Event.EventID() != eventID {
		logger.WithField("got_event_id", valid.Event.EventID()).Warn("Server sent a different event than asked for")
		return nil, nil
	}
	return valid.Event, nil
}

// fillGap fetches missing prev events of ev from the origin and validates
// them oldest first. It reports whether every prev event is known
// afterwards.
func (r *Inputer) fillGap(
	ctx context.Context, logger *logrus.Entry, req *pduRequest, ev *event.Event,
) (bool, error) {
	prevEventIDs := ev.PrevEventIDs()
	missing, err := r.unknownEvents(ctx, prevEventIDs)
	if err != nil || len(missing) == 0 {
		return err == nil, err
	}
	if !req.fillGaps || r.Fetcher == nil {
		return false, nil
	}
	logger = logger.WithField("missing_prev_events", len(missing))

	latest, err := r.DB.ForwardExtremities(ctx, ev.RoomID())
	if err != nil {
		return false, fmt.Errorf("r.DB.ForwardExtremities: %w", err)
	}
	extremities, err := r.DB.EventsByID(ctx, latest)
	if err != nil {
		return false, fmt.Errorf("r.DB.EventsByID: %w", err)
	}
	var minDepth int64
	for i, extremity := range extremities {
		if i == 0 || extremity.Depth() < minDepth {
			minDepth = extremity.Depth()
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.Cfg.AuthEventFetchTimeout)
	defer cancel()
	pdus, err := r.Fetcher.LookupMissingEvents(fetchCtx, req.origin, ev.RoomID(), api.MissingEvents{
		Limit:          r.Cfg.MissingEventsLimit,
		MinDepth:       minDepth,
		EarliestEvents: latest,
		LatestEvents:   []string{ev.EventID()},
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to fetch missing prev events")
		return false, nil
	}

	type gapEvent struct {
		event *event.Event
		json  json.RawMessage
	}
	gap := make([]gapEvent, 0, len(pdus))
	for _, pdu := range pdus {
		gapEv, err := event.NewEventFromUntrustedJSON(pdu, req.roomVersion)
		if err != nil || gapEv.RoomID() != ev.RoomID() || gapEv.EventID() == ev.EventID() {
			continue
		}
		gap = append(gap, gapEvent{gapEv, pdu})
	}
	sort.SliceStable(gap, func(i, j int) bool {
		if gap[i].event.Depth() != gap[j].event.Depth() {
			return gap[i].event.Depth() < gap[j].event.Depth()
		}
		return gap[i].event.EventID() < gap[j].event.EventID()
	})

	for _, missingEvent := range gap {
		result, err := r.processPDU(fetchCtx, &pduRequest{
			origin:      req.origin,
			roomVersion: req.roomVersion,
			json:        missingEvent.json,
			kind:        api.KindNew,
			fetchChain:  req.fetchChain,
		})
		if err != nil {
			if fetchCtx.Err() != nil {
				break
			}
			return false, err
		}
		logger.WithField("prev_event_id", missingEvent.event.EventID()).Debugf("Processed missing event: %s", result.Outcome())
	}

	missing, err = r.unknownEvents(ctx, prevEventIDs)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// unknownEvents returns the IDs that are not stored.
func (r *Inputer) unknownEvents(ctx context.Context, eventIDs []string) ([]string, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	known, err := r.DB.EventsByID(ctx, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("r.DB.EventsByID: %w", err)
	}
	have := make(map[string]struct{}, len(known))
	for _, ev := range known {
		have[ev.EventID()] = struct{}{}
	}
	var unknown []string
	for _, id := range eventIDs {
		if _, ok := have[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	return unknown, nil
}
