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

package stateres

import (
	"bytes"
	"context"
	"crypto/sha1"
	"sort"

	"github.com/matrix-org/fedcore/auth"
	"github.com/matrix-org/fedcore/event"
)

func (r *resolver) resolveV1(ctx context.Context, candidates []int) (*event.Event, error) {
	type sortable struct {
		idx   int
		depth int64
		sha1  [sha1.Size]byte
	}
	order := make([]sortable, 0, len(candidates))
	for _, idx := range candidates {
		ev := r.arena.event(idx)
		order = append(order, sortable{
			idx:   idx,
			depth: ev.Depth(),
			sha1:  sha1.Sum([]byte(ev.EventID())),
		})
	}
	// Lowest depth first, and for equal depths the highest SHA-1 of the
	// event ID first.
	sort.Slice(order, func(i, j int) bool {
		if order[i].depth != order[j].depth {
			return order[i].depth < order[j].depth
		}
		return bytes.Compare(order[i].sha1[:], order[j].sha1[:]) > 0
	})

	if isAuthType(r.tuple.EventType) {
		// Each event has to be allowed with the previous winner in its auth
		// state, so later events can only win by building on earlier ones.
		for _, s := range order {
			provider, err := r.authEventsFor(ctx, s.idx)
			if err != nil {
				return nil, err
			}
			ev := r.arena.event(s.idx)
			if err = auth.Allowed(ev, provider); err != nil {
				r.logger.WithError(err).Debugf("Discarding %s during state resolution", ev.EventID())
				continue
			}
			r.resolved[r.tuple] = ev
		}
		return r.winner(candidates)
	}

	// Other types take the last event in the order that is allowed.
	for i := len(order) - 1; i >= 0; i-- {
		provider, err := r.authEventsFor(ctx, order[i].idx)
		if err != nil {
			return nil, err
		}
		ev := r.arena.event(order[i].idx)
		if err = auth.Allowed(ev, provider); err != nil {
			r.logger.WithError(err).Debugf("Discarding %s during state resolution", ev.EventID())
			continue
		}
		r.resolved[r.tuple] = ev
		break
	}
	return r.winner(candidates)
}

func isAuthType(eventType string) bool {
	switch eventType {
	case event.MRoomCreate, event.MRoomPowerLevels, event.MRoomJoinRules,
		event.MRoomMember, event.MRoomThirdPartyInvite:
		return true
	}
	return false
}
