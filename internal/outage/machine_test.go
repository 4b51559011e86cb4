package outage

import (
	"testing"
	"time"

	"github.com/codelaboratoryltd/meridian/internal/notify"
	"github.com/codelaboratoryltd/meridian/internal/store"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

func downSince(phase store.MonitoringPhase, started time.Time) store.MonitoringState {
	return store.MonitoringState{
		CustomerID:       42,
		Phase:            phase,
		TimeoutStartedAt: &started,
		AwaitingResponse: phase == store.PhaseAwaitingConfirmation,
	}
}

func TestStep(t *testing.T) {
	th := DefaultThresholds()

	confirmed := downSince(store.PhaseAwaitingConfirmation, t0)
	confirmed.AwaitingResponse = false
	confirmed.ResponseReceived = true

	ticketed := downSince(store.PhaseTicketCreated, t0)
	ticketed.TicketID = "T-1"

	tests := []struct {
		name    string
		state   store.MonitoringState
		probeOK bool
		now     time.Time
		want    store.MonitoringPhase
		actions []Action
	}{
		{"normal stays up", store.MonitoringState{Phase: store.PhaseNormal}, true, at(0), store.PhaseNormal, nil},
		{"new record goes down", store.MonitoringState{}, false, at(0), store.PhaseTimeout5, []Action{notifyAction(notify.KindChecking)}},
		{"normal goes down", store.MonitoringState{Phase: store.PhaseNormal}, false, at(0), store.PhaseTimeout5, []Action{notifyAction(notify.KindChecking)}},
		{"timeout_5 waits", downSince(store.PhaseTimeout5, t0), false, at(4), store.PhaseTimeout5, nil},
		{"timeout_5 escalates", downSince(store.PhaseTimeout5, t0), false, at(5), store.PhaseTimeout10, []Action{notifyAction(notify.KindStillDown)}},
		{"timeout_5 restores early", downSince(store.PhaseTimeout5, t0), true, at(1), store.PhaseNormal, []Action{notifyAction(notify.KindRestored)}},
		{"timeout_10 waits", downSince(store.PhaseTimeout10, t0), false, at(9), store.PhaseTimeout10, nil},
		{"timeout_10 asks", downSince(store.PhaseTimeout10, t0), false, at(10), store.PhaseAwaitingConfirmation, []Action{notifyAction(notify.KindAskConfirmation)}},
		{"timeout_10 restores", downSince(store.PhaseTimeout10, t0), true, at(7), store.PhaseNormal, []Action{notifyAction(notify.KindRestored)}},
		{"awaiting waits", downSince(store.PhaseAwaitingConfirmation, t0), false, at(14), store.PhaseAwaitingConfirmation, nil},
		{"awaiting tickets", downSince(store.PhaseAwaitingConfirmation, t0), false, at(15), store.PhaseTicketCreated, []Action{{Type: ActionCreateTicket}, notifyAction(notify.KindTicketCreated)}},
		{"awaiting restores", downSince(store.PhaseAwaitingConfirmation, t0), true, at(13), store.PhaseNormal, []Action{notifyAction(notify.KindRestored)}},
		{"confirmed before window", confirmed, false, at(11), store.PhaseAwaitingConfirmation, nil},
		{"confirmed closes at window", confirmed, false, at(12), store.PhaseNormal, nil},
		{"confirmed never tickets", confirmed, false, at(20), store.PhaseNormal, nil},
		{"ticketed ignores down", ticketed, false, at(30), store.PhaseTicketCreated, nil},
		{"ticketed ignores up", ticketed, true, at(30), store.PhaseTicketCreated, nil},
		{"resolved behaves as normal", store.MonitoringState{Phase: store.PhaseResolved}, true, at(0), store.PhaseNormal, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, actions := Step(tt.state, tt.probeOK, tt.now, th)
			if next.Phase != tt.want {
				t.Errorf("Step() phase = %s, want %s", next.Phase, tt.want)
			}
			if len(actions) != len(tt.actions) {
				t.Fatalf("Step() actions = %v, want %v", actions, tt.actions)
			}
			for i := range actions {
				if actions[i] != tt.actions[i] {
					t.Errorf("action[%d] = %v, want %v", i, actions[i], tt.actions[i])
				}
			}
		})
	}
}

func TestStep_FieldsOnTransition(t *testing.T) {
	th := DefaultThresholds()

	next, _ := Step(store.MonitoringState{CustomerID: 42}, false, at(0), th)
	if next.TimeoutStartedAt == nil || !next.TimeoutStartedAt.Equal(at(0)) {
		t.Errorf("TimeoutStartedAt = %v, want %v", next.TimeoutStartedAt, at(0))
	}

	// The timer is not restarted by later failures.
	next, _ = Step(next, false, at(5), th)
	if !next.TimeoutStartedAt.Equal(at(0)) {
		t.Errorf("TimeoutStartedAt moved to %v", next.TimeoutStartedAt)
	}

	next, _ = Step(next, false, at(10), th)
	if !next.AwaitingResponse || next.ResponseReceived {
		t.Errorf("awaiting flags = %v/%v", next.AwaitingResponse, next.ResponseReceived)
	}

	next, _ = Step(next, true, at(11), th)
	if next.Phase != store.PhaseNormal || next.TimeoutStartedAt != nil || next.AwaitingResponse || next.ResponseReceived || next.TicketID != "" {
		t.Errorf("restored state not cleared: %+v", next)
	}
	if next.CustomerID != 42 {
		t.Errorf("CustomerID = %d, want 42", next.CustomerID)
	}
}

// No path reaches awaiting confirmation twice without passing through normal,
// and a ticket is requested exactly once per incident.
func TestStep_Liveness(t *testing.T) {
	th := DefaultThresholds()
	state := store.MonitoringState{CustomerID: 42}

	tickets := 0
	for minute := 0; minute <= 60; minute++ {
		var actions []Action
		state, actions = Step(state, false, at(minute), th)
		for _, a := range actions {
			if a.Type == ActionCreateTicket {
				tickets++
				if minute != 15 {
					t.Errorf("ticket requested at minute %d, want 15", minute)
				}
			}
		}
	}
	if tickets != 1 {
		t.Errorf("tickets requested = %d, want 1", tickets)
	}
	if state.Phase != store.PhaseTicketCreated {
		t.Errorf("final phase = %s, want ticket_created", state.Phase)
	}
}

func TestChanged(t *testing.T) {
	a := downSince(store.PhaseTimeout5, t0)
	b := downSince(store.PhaseTimeout5, t0)
	if changed(a, b) {
		t.Error("changed() = true for equal states")
	}

	b = downSince(store.PhaseTimeout5, at(1))
	if !changed(a, b) {
		t.Error("changed() = false for different start times")
	}

	if !changed(a, store.MonitoringState{Phase: store.PhaseTimeout5}) {
		t.Error("changed() = false when the timer was cleared")
	}
}
