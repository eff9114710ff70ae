package input

import (
	"errors"
	"fmt"

	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/signing"
)

// hashCheckOutcome is what the hash step hands to the later steps: either
// the event as received or its redacted form.
type hashCheckOutcome interface {
	checkedEvent() *event.Event
}

// hashValid carries an event whose content matches its content hash.
type hashValid struct {
	Event *event.Event
}

// hashRedacted carries the redacted form of an event whose content did not
// match its content hash.
type hashRedacted struct {
	Event    *event.Event
	Mismatch *signing.HashMismatchError
}

func (h hashValid) checkedEvent() *event.Event    { return h.Event }
func (h hashRedacted) checkedEvent() *event.Event { return h.Event }

// redactedBecauseHash is stored in unsigned.redacted_because of events that
// were redacted because of a content hash mismatch.
var redactedBecauseHash = map[string]string{"reason": "content hash mismatch"}

// checkHash compares the content of the event with its content hash. A
// mismatch is not fatal: the event is redacted and carries on. Only an
// event without a usable hash is an error.
func checkHash(ev *event.Event) (hashCheckOutcome, error) {
	err := signing.CheckContentHash(ev)
	if err == nil {
		return hashValid{Event: ev}, nil
	}
	var mismatch *signing.HashMismatchError
	if !errors.As(err, &mismatch) {
		return nil, err
	}
	redacted, err := ev.Redact()
	if err != nil {
		return nil, fmt.Errorf("ev.Redact: %w", err)
	}
	if err = redacted.SetUnsignedField("redacted_because", redactedBecauseHash); err != nil {
		return nil, fmt.Errorf("redacted.SetUnsignedField: %w", err)
	}
	return hashRedacted{Event: redacted, Mismatch: mismatch}, nil
}
