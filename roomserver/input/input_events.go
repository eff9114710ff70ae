// Copyright 2017 Vector Creations Ltd
// Copyright 2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
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
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/fedcore/auth"
	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/internal"
	"github.com/matrix-org/fedcore/roomserver/api"
	"github.com/matrix-org/fedcore/signing"
)

var processedPDUs = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fedcore",
		Subsystem: "roomserver",
		Name:      "processed_pdus_total",
		Help:      "How many PDUs were validated, by outcome and kind",
	},
	[]string{"outcome", "kind"},
)

var rejectedPDUs = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fedcore",
		Subsystem: "roomserver",
		Name:      "rejected_pdus_total",
		Help:      "How many PDUs were rejected, by the step that rejected them",
	},
	[]string{"step"},
)

var redactedPDUs = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fedcore",
		Subsystem: "roomserver",
		Name:      "hash_redacted_pdus_total",
		Help:      "How many PDUs were redacted because of a content hash mismatch",
	},
)

var stepDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fedcore",
		Subsystem: "roomserver",
		Name:      "pipeline_step_duration_millis",
		Help:      "How long each step of PDU validation takes",
		Buckets: []float64{ // milliseconds
			1, 5, 10, 25, 50, 100, 250, 500,
			1000, 2000, 5000, 10000, 30000,
		},
	},
	[]string{"step"},
)

func init() {
	prometheus.MustRegister(processedPDUs, rejectedPDUs, redactedPDUs, stepDuration)
}

var (
	errPreviouslyRejected   = errors.New("event was rejected before")
	errPreviouslySoftFailed = errors.New("event was soft-failed before")
)

// pduRequest is one run of the pipeline. Events fetched to complete another
// event run through the pipeline with requests of their own.
type pduRequest struct {
	origin      spec.ServerName
	roomVersion event.RoomVersion
	json        []byte
	kind        api.EventKind
	// The events whose missing auth events led to this request, outermost
	// first.
	fetchChain []string
	// Whether missing prev events may be fetched. Events fetched to fill a
	// gap do not open gaps of their own.
	fillGaps bool
}

// pipeline tracks the step a request is in, for the step hook and the step
// duration metric.
type pipeline struct {
	r       *Inputer
	eventID string
	current Step
	started time.Time
}

func (p *pipeline) enter(step Step) {
	p.finish()
	p.current, p.started = step, time.Now()
	if p.r.StepHook != nil {
		p.r.StepHook(p.eventID, step)
	}
}

func (p *pipeline) finish() {
	if p.current == "" {
		return
	}
	stepDuration.With(prometheus.Labels{"step": string(p.current)}).Observe(float64(time.Since(p.started).Milliseconds()))
	p.current = ""
}

// ProcessPDU validates a PDU received from origin in a room of the given
// version. The steps run in a fixed order: format, signatures, content
// hash, authorisation against the auth events, then state resolution and
// the soft-fail check against the current state. Valid and soft-failed
// events are stored; rejected ones are not. The error is only set when the
// event could not be processed at all, e.g. because the database failed.
func (r *Inputer) ProcessPDU(
	ctx context.Context, origin spec.ServerName, roomVersion event.RoomVersion, pduJSON []byte,
) (api.ValidationResult, error) {
	return r.processPDU(ctx, &pduRequest{
		origin:      origin,
		roomVersion: roomVersion,
		json:        pduJSON,
		kind:        api.KindNew,
		fillGaps:    true,
	})
}

// nolint:gocyclo
func (r *Inputer) processPDU(ctx context.Context, req *pduRequest) (result api.ValidationResult, err error) {
	select {
	case <-ctx.Done():
		// The caller has given up already.
		return nil, ctx.Err()
	default:
	}

	trace, ctx := internal.StartRegion(ctx, "processPDU")
	defer trace.End()
	p := &pipeline{r: r}
	defer p.finish()

	kind := req.kind
	defer func() {
		if result != nil {
			processedPDUs.With(prometheus.Labels{
				"outcome": string(result.Outcome()),
				"kind":    kind.String(),
			}).Inc()
		}
	}()

	logger := util.GetLogger(ctx).WithFields(logrus.Fields{
		"origin": req.origin,
		"kind":   req.kind,
	})

	// Step 1: the event must have the shape its room version requires.
	p.enter(StepFormat)
	ev, err := event.NewEventFromUntrustedJSON(req.json, req.roomVersion)
	if err != nil {
		// Only rooms before version 3 carry the event ID in the event, and
		// it cannot be trusted here, so it is not remembered.
		eventID := gjson.GetBytes(req.json, "event_id").Str
		return r.reject(logger.WithField("event_id", eventID), eventID, StepFormat, err, false), nil
	}
	p.eventID = ev.EventID()
	trace.SetTag("event_id", ev.EventID())
	trace.SetTag("room_id", ev.RoomID())
	logger = logger.WithFields(logrus.Fields{
		"event_id": ev.EventID(),
		"room_id":  ev.RoomID(),
		"type":     ev.Type(),
	})

	if r.Cache != nil {
		if reason, ok := r.Cache.IsRejected(ev.EventID()); ok {
			logger.Debug("Ignoring event that was rejected before")
			return api.Rejected{EventID: ev.EventID(), Reason: fmt.Errorf("%w: %s", errPreviouslyRejected, reason)}, nil
		}
	}
	if result, err = r.previousResult(ctx, ev); err != nil || result != nil {
		return result, err
	}

	// Step 2: every server that has to sign the event did, and the room
	// lets those servers take part.
	p.enter(StepSignature)
	if err = r.checkServerACLs(ev, req.origin); err != nil {
		return r.reject(logger, ev.EventID(), StepSignature, err, false), nil
	}
	if err = signing.VerifyEventCrypto(ctx, ev, r.KeyRing); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Signatures are not covered by the event ID, so anyone can relay
		// an unsigned copy of a real event. Neither bad signatures nor
		// unreachable keys are remembered.
		return r.reject(logger, ev.EventID(), StepSignature, err, false), nil
	}

	// Step 3: a content hash mismatch redacts the event, which carries on
	// through the remaining steps.
	p.enter(StepHash)
	checked, err := checkHash(ev)
	if err != nil {
		return r.reject(logger, ev.EventID(), StepHash, err, true), nil
	}
	// Content is not covered by the event ID either. Once a copy had to be
	// redacted, later rejections may be about the tampered copy only.
	rememberAuth := true
	if redacted, ok := checked.(hashRedacted); ok {
		logger.WithError(redacted.Mismatch).Warn("Redacting event with a content hash mismatch")
		redactedPDUs.Inc()
		rememberAuth = false
	}
	ev = checked.checkedEvent()

	isCreateEvent := ev.Type() == event.MRoomCreate && ev.StateKeyEquals("")
	if kind == api.KindNew && !isCreateEvent {
		var complete bool
		if complete, err = r.fillGap(ctx, logger, req, ev); err != nil {
			return nil, fmt.Errorf("r.fillGap: %w", err)
		}
		if !complete {
			logger.Warn("Prev events are missing, storing the event as an outlier")
			kind = api.KindOutlier
		}
	}

	// Step 4: the event must be allowed by its own auth events.
	p.enter(StepAuth)
	authEvents, missingAuth, err := r.fetchAuthEvents(ctx, logger, req, ev)
	if err != nil {
		return nil, fmt.Errorf("r.fetchAuthEvents: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err = auth.ValidateAuthEvents(ev, authEvents); err != nil {
		return r.reject(logger, ev.EventID(), StepAuth, err, rememberAuth), nil
	}
	provider, err := auth.NewAuthEvents(authEvents)
	if err != nil {
		return r.reject(logger, ev.EventID(), StepAuth, err, rememberAuth), nil
	}
	if err = auth.Allowed(ev, provider); err != nil {
		if missingAuth {
			err = fmt.Errorf("%w (some auth events could not be fetched)", err)
		}
		// Missing auth events may turn up later.
		return r.reject(logger, ev.EventID(), StepAuth, err, rememberAuth && !missingAuth), nil
	}

	if kind == api.KindOutlier {
		result = api.Valid{Event: ev}
		if err = r.DB.StoreEvent(ctx, ev, result, api.KindOutlier); err != nil {
			return nil, fmt.Errorf("r.DB.StoreEvent: %w", err)
		}
		logger.Debug("Stored outlier")
		return result, nil
	}

	// Steps 5 and 6 run together under the lock of the event's state key.
	if ev.IsState() {
		p.enter(StepStateResolution)
	}
	p.enter(StepSoftFail)
	result, err = r.state.Apply(ctx, ev, func(ctx context.Context, result api.ValidationResult) error {
		return r.DB.StoreEvent(ctx, ev, result, api.KindNew)
	})
	if err != nil {
		return nil, fmt.Errorf("r.state.Apply: %w", err)
	}
	p.finish()

	switch res := result.(type) {
	case api.Valid:
		r.produce(ctx, logger, req.origin, ev)
	case api.SoftFailed:
		logger.WithError(res.Reason).Info("Soft-failed event")
	}
	return result, nil
}

// previousResult returns the outcome of an event that is stored already, or
// nil if the event is new.
func (r *Inputer) previousResult(ctx context.Context, ev *event.Event) (api.ValidationResult, error) {
	outcome, err := r.DB.Outcome(ctx, ev.EventID())
	if err != nil {
		return nil, fmt.Errorf("r.DB.Outcome: %w", err)
	}
	if outcome == "" {
		return nil, nil
	}
	stored, err := r.DB.Event(ctx, ev.EventID())
	if err != nil {
		return nil, fmt.Errorf("r.DB.Event: %w", err)
	}
	if stored == nil {
		return nil, nil
	}
	if outcome == api.OutcomeSoftFailed {
		return api.SoftFailed{Event: stored, EventID: stored.EventID(), Reason: errPreviouslySoftFailed}, nil
	}
	return api.Valid{Event: stored}, nil
}

func (r *Inputer) checkServerACLs(ev *event.Event, origin spec.ServerName) error {
	if r.ACLs == nil {
		return nil
	}
	senderDomain, err := ev.SenderDomain()
	if err != nil {
		return err
	}
	for _, serverName := range []spec.ServerName{origin, senderDomain} {
		if serverName != "" && r.ACLs.IsServerBannedFromRoom(serverName, ev.RoomID()) {
			return fmt.Errorf("server %q is denied by the server ACL of room %s", serverName, ev.RoomID())
		}
	}
	return nil
}

// reject builds the Rejected result. Remembered rejections are not
// validated again when the event is sent again.
func (r *Inputer) reject(logger *logrus.Entry, eventID string, step Step, reason error, remember bool) api.ValidationResult {
	logger.WithError(reason).WithField("step", step).Warn("Rejecting event")
	rejectedPDUs.With(prometheus.Labels{"step": string(step)}).Inc()
	if remember && eventID != "" && r.Cache != nil {
		r.Cache.StoreRejected(eventID, reason.Error())
	}
	return api.Rejected{EventID: eventID, Reason: reason}
}

// produce hands a valid event to the output stream. The event is stored
// already, so a failure here is logged rather than returned.
func (r *Inputer) produce(ctx context.Context, logger *logrus.Entry, origin spec.ServerName, ev *event.Event) {
	if r.Producer == nil {
		if r.ACLs != nil {
			r.ACLs.OnServerACLUpdate(ev)
		}
		return
	}
	latest, err := r.DB.ForwardExtremities(ctx, ev.RoomID())
	if err != nil {
		logger.WithError(err).Error("Failed to get forward extremities")
	}
	err = r.Producer.ProduceRoomEvents(ev.RoomID(), []api.OutputEvent{{
		Type: api.OutputTypeNewRoomEvent,
		NewRoomEvent: &api.OutputNewRoomEvent{
			Event:          ev.JSON(),
			RoomVersion:    ev.Version(),
			Redacted:       ev.Redacted(),
			Origin:         origin,
			LatestEventIDs: latest,
		},
	}})
	if err != nil {
		logger.WithError(err).Error("Failed to produce output event")
		sentry.CaptureException(err)
	}
}
