// Package notify sends customer notifications. Delivery is best effort: a
// notification is attempted at least once and failures are only logged.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("meridian-notify")

// Kind names the message template the notification service renders.
type Kind string

const (
	KindChecking        Kind = "checking"
	KindStillDown       Kind = "still-down"
	KindRestored        Kind = "restored"
	KindAskConfirmation Kind = "ask-confirmation"
	KindTicketCreated   Kind = "ticket-created"
)

var ErrUnknownKind = fmt.Errorf("unknown notification kind")

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindChecking, KindStillDown, KindRestored, KindAskConfirmation, KindTicketCreated:
		return true
	}
	return false
}

// Notifier delivers one notification to a customer.
type Notifier interface {
	Notify(ctx context.Context, customerID int64, kind Kind, params map[string]string) error
}

// Logger is a Notifier that only logs. It stands in when no notification
// service is configured.
type Logger struct{}

func (Logger) Notify(ctx context.Context, customerID int64, kind Kind, params map[string]string) error {
	log.Infow("Notification", "customer", customerID, "kind", kind, "params", params)
	return nil
}

// Async dispatches notifications on background goroutines so callers never
// wait on the notification service. At most limit deliveries run at once;
// further notifications wait for a free slot and are never dropped.
type Async struct {
	next    Notifier
	timeout time.Duration
	slots   chan struct{}
	wg      sync.WaitGroup
}

// NewAsync wraps next. Each delivery gets its own timeout, detached from the
// caller's context.
func NewAsync(next Notifier, limit int, timeout time.Duration) *Async {
	if limit < 1 {
		limit = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Async{
		next:    next,
		timeout: timeout,
		slots:   make(chan struct{}, limit),
	}
}

// Notify schedules the delivery and returns immediately. The delivery
// timeout starts once a slot is free.
func (a *Async) Notify(_ context.Context, customerID int64, kind Kind, params map[string]string) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.slots <- struct{}{}
		defer func() { <-a.slots }()

		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Notify(ctx, customerID, kind, params); err != nil {
			log.Warnf("Failed to send %s notification to customer %d: %v", kind, customerID, err)
		}
	}()
	return nil
}

// Wait blocks until all scheduled deliveries, including queued ones, finish.
func (a *Async) Wait() {
	a.wg.Wait()
}
