package outage

import (
	"time"

	"github.com/codelaboratoryltd/meridian/internal/notify"
	"github.com/codelaboratoryltd/meridian/internal/store"
)

// Thresholds are measured from the first failed probe.
type Thresholds struct {
	// StillDown moves a customer from timeout_5 to timeout_10.
	StillDown time.Duration
	// AskConfirmation moves a customer to awaiting confirmation.
	AskConfirmation time.Duration
	// ConfirmationWindow is the earliest a confirmed customer-side outage
	// closes the incident.
	ConfirmationWindow time.Duration
	// Ticket is when an unanswered confirmation becomes a technician ticket.
	Ticket time.Duration
}

// DefaultThresholds returns the standard 5/10/12/15 minute escalation.
func DefaultThresholds() Thresholds {
	return Thresholds{
		StillDown:          5 * time.Minute,
		AskConfirmation:    10 * time.Minute,
		ConfirmationWindow: 12 * time.Minute,
		Ticket:             15 * time.Minute,
	}
}

// ActionType is a side effect of a transition.
type ActionType int

const (
	// ActionNotify sends the customer a notification.
	ActionNotify ActionType = iota + 1
	// ActionCreateTicket opens a technician ticket. It must succeed before
	// the transition is committed.
	ActionCreateTicket
)

// Action is one side effect requested by Step.
type Action struct {
	Type   ActionType
	Notify notify.Kind
}

func notifyAction(kind notify.Kind) Action {
	return Action{Type: ActionNotify, Notify: kind}
}

// Step computes the next monitoring state after a probe at now. It is pure:
// the caller performs the returned actions and persists the state. A ticket
// action always precedes the ticket-created notification.
func Step(s store.MonitoringState, probeOK bool, now time.Time, th Thresholds) (store.MonitoringState, []Action) {
	next := s

	if next.Phase == "" || next.Phase == store.PhaseResolved {
		next.Reset()
	}

	switch next.Phase {
	case store.PhaseNormal:
		if probeOK {
			return next, nil
		}
		started := now
		next.Phase = store.PhaseTimeout5
		next.TimeoutStartedAt = &started
		return next, []Action{notifyAction(notify.KindChecking)}

	case store.PhaseTicketCreated:
		// Terminal until a technician resolves it. A successful probe does not
		// close the incident and no restored notice is sent; Resolve does both.
		return next, nil
	}

	if probeOK {
		next.Reset()
		return next, []Action{notifyAction(notify.KindRestored)}
	}

	if next.TimeoutStartedAt == nil {
		started := now
		next.TimeoutStartedAt = &started
	}
	elapsed := now.Sub(*next.TimeoutStartedAt)

	switch next.Phase {
	case store.PhaseTimeout5:
		if elapsed >= th.StillDown {
			next.Phase = store.PhaseTimeout10
			return next, []Action{notifyAction(notify.KindStillDown)}
		}

	case store.PhaseTimeout10:
		if elapsed >= th.AskConfirmation {
			next.Phase = store.PhaseAwaitingConfirmation
			next.AwaitingResponse = true
			next.ResponseReceived = false
			return next, []Action{notifyAction(notify.KindAskConfirmation)}
		}

	case store.PhaseAwaitingConfirmation:
		switch {
		case next.ResponseReceived && elapsed >= th.ConfirmationWindow:
			// The customer confirmed the problem is on their side.
			next.Reset()
			return next, nil
		case !next.ResponseReceived && elapsed >= th.Ticket:
			next.Phase = store.PhaseTicketCreated
			next.AwaitingResponse = false
			return next, []Action{
				{Type: ActionCreateTicket},
				notifyAction(notify.KindTicketCreated),
			}
		}
	}

	return next, nil
}

// changed reports whether b differs from a in any persisted escalation field.
func changed(a, b store.MonitoringState) bool {
	if a.Phase != b.Phase ||
		a.AwaitingResponse != b.AwaitingResponse ||
		a.ResponseReceived != b.ResponseReceived ||
		a.TicketID != b.TicketID {
		return true
	}
	if (a.TimeoutStartedAt == nil) != (b.TimeoutStartedAt == nil) {
		return true
	}
	return a.TimeoutStartedAt != nil && !a.TimeoutStartedAt.Equal(*b.TimeoutStartedAt)
}
