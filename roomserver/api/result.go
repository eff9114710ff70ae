package api

import (
	"fmt"

	"github.com/matrix-org/fedcore/event"
)

// Outcome names the variant of a ValidationResult.
type Outcome string

const (
	OutcomeValid      Outcome = "valid"
	OutcomeRejected   Outcome = "rejected"
	OutcomeSoftFailed Outcome = "soft_failed"
)

// ValidationResult is what validating a PDU ends in. It is one of Valid,
// Rejected or SoftFailed.
type ValidationResult interface {
	Outcome() Outcome
	ResultEventID() string
	validationResult()
}

// Valid events passed every check and may change the room state.
type Valid struct {
	Event *event.Event
}

// Rejected events are not stored. Reason is the first check that failed.
type Rejected struct {
	EventID string
	Reason  error
}

// SoftFailed events were allowed by their auth events but not by the
// current state of the room. They are stored but change nothing.
type SoftFailed struct {
	Event   *event.Event
	EventID string
	Reason  error
}

func (Valid) Outcome() Outcome      { return OutcomeValid }
func (Rejected) Outcome() Outcome   { return OutcomeRejected }
func (SoftFailed) Outcome() Outcome { return OutcomeSoftFailed }

func (v Valid) ResultEventID() string      { return v.Event.EventID() }
func (r Rejected) ResultEventID() string   { return r.EventID }
func (s SoftFailed) ResultEventID() string { return s.EventID }

func (Valid) validationResult()      {}
func (Rejected) validationResult()   {}
func (SoftFailed) validationResult() {}

func (v Valid) String() string {
	return fmt.Sprintf("valid %s", v.Event.EventID())
}

func (r Rejected) String() string {
	return fmt.Sprintf("rejected %s: %v", r.EventID, r.Reason)
}

func (s SoftFailed) String() string {
	return fmt.Sprintf("soft-failed %s: %v", s.EventID, s.Reason)
}
