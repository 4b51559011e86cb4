package reconcile

import (
	"context"
	"errors"
	"strings"

	"github.com/codelaboratoryltd/meridian/internal/device"
	"github.com/codelaboratoryltd/meridian/internal/store"
)

// Outcome is the result of one reconciliation step.
type Outcome string

const (
	// OutcomeUnchanged means the device already matched and nothing was written.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeApplied means the device was changed.
	OutcomeApplied Outcome = "applied"
	// OutcomeVerified means a post-write read confirmed the change.
	OutcomeVerified Outcome = "verified"
	// OutcomePrerequisiteMissing is a warning: configuration the step relies on
	// is absent but the step went ahead.
	OutcomePrerequisiteMissing Outcome = "prerequisite_missing"
	// OutcomeInconsistent means a post-write read disagreed with what was written.
	OutcomeInconsistent Outcome = "inconsistent"
	// OutcomeRejected means the device or local validation refused the change.
	OutcomeRejected Outcome = "rejected"
	// OutcomeUnreachable means the device state is unknown.
	OutcomeUnreachable Outcome = "unreachable"
	// OutcomeTimeout means the operation exceeded its deadline.
	OutcomeTimeout Outcome = "timeout"
)

// Step names.
const (
	StepPackage     = "package"
	StepSecret      = "secret"
	StepDisconnect  = "disconnect"
	StepHostIP      = "host-ip"
	StepPacketMark  = "packet-mark"
	StepQueueDown   = "queue-download"
	StepQueueUp     = "queue-upload"
	StepAddressList = "address-list"
	StepVerifyList  = "verify-list"
)

// Target is the state the device should converge to.
type Target string

const (
	TargetProvisioned   Target = "provisioned"
	TargetUnprovisioned Target = "unprovisioned"
)

// StepResult is the outcome of one step.
type StepResult struct {
	Step    string  `json:"step"`
	Outcome Outcome `json:"outcome"`
	Detail  string  `json:"detail,omitempty"`
	Err     error   `json:"-"`
}

// Failed reports whether the step left the device in an unknown or
// unintended state.
func (s StepResult) Failed() bool {
	switch s.Outcome {
	case OutcomeRejected, OutcomeUnreachable, OutcomeTimeout:
		return true
	}
	return false
}

func (s StepResult) String() string {
	var b strings.Builder
	b.WriteString(s.Step)
	b.WriteString(": ")
	b.WriteString(string(s.Outcome))
	if s.Detail != "" {
		b.WriteString(" (")
		b.WriteString(s.Detail)
		b.WriteString(")")
	}
	if s.Err != nil {
		b.WriteString(": ")
		b.WriteString(s.Err.Error())
	}
	return b.String()
}

// Result is the outcome of reconciling one customer.
type Result struct {
	CustomerID     int64        `json:"customer_id"`
	SubscriptionID int64        `json:"subscription_id,omitempty"`
	Target         Target       `json:"target"`
	Steps          []StepResult `json:"steps"`
}

func (r *Result) add(step string, outcome Outcome, detail string, err error) {
	r.Steps = append(r.Steps, StepResult{Step: step, Outcome: outcome, Detail: detail, Err: err})
}

// Status summarizes the result for the subscription row.
func (r Result) Status() store.ReconciliationStatus {
	pending := false
	for _, s := range r.Steps {
		if s.Failed() {
			return store.ReconciliationFailed
		}
		if s.Outcome == OutcomeInconsistent {
			pending = true
		}
	}
	if pending {
		return store.ReconciliationPending
	}
	return store.ReconciliationSynced
}

// Detail lists every step that did not end cleanly, or "" when all did.
func (r Result) Detail() string {
	var parts []string
	for _, s := range r.Steps {
		switch s.Outcome {
		case OutcomeUnchanged, OutcomeApplied, OutcomeVerified:
			continue
		}
		parts = append(parts, s.String())
	}
	return strings.Join(parts, "; ")
}

// Writes returns how many steps changed the device.
func (r Result) Writes() int {
	n := 0
	for _, s := range r.Steps {
		if s.Outcome == OutcomeApplied {
			n++
		}
	}
	return n
}

// outcomeOf maps a gateway error to a step outcome. Errors of unknown shape
// are treated as unreachable: the device state is unknown, not unprovisioned.
func outcomeOf(err error) Outcome {
	switch device.KindOf(err) {
	case device.KindRejected:
		return OutcomeRejected
	case device.KindTimeout:
		return OutcomeTimeout
	case device.KindUnreachable:
		return OutcomeUnreachable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	return OutcomeUnreachable
}
