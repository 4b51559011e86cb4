package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codelaboratoryltd/meridian/internal/audit"
	"github.com/codelaboratoryltd/meridian/internal/store"
)

// Provisioner reconciles customers from the billing store. It is the hook
// billing calls after committing a subscription change, and the unit of work
// of the sweeper.
type Provisioner struct {
	engine *Engine
	store  store.SubscriptionStore
	audit  *audit.Logger
}

// NewProvisioner creates a provisioner applying state loaded from subs.
func NewProvisioner(engine *Engine, subs store.SubscriptionStore, auditLogger *audit.Logger) *Provisioner {
	return &Provisioner{
		engine: engine,
		store:  subs,
		audit:  auditLogger,
	}
}

// AfterCommit reconciles a customer whose billing state has just been
// committed. It outlives the caller's cancellation and is bounded by the
// engine's configured timeout.
func (p *Provisioner) AfterCommit(ctx context.Context, customerID int64) (Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.engine.config.Timeout)
	defer cancel()
	return p.Reconcile(ctx, customerID)
}

// Reconcile loads the customer and its active subscription fresh under the
// customer's lock, applies the desired state and records the outcome on the
// subscription. The error is non-nil only when the store could not be read;
// device failures are reported through the result.
func (p *Provisioner) Reconcile(ctx context.Context, customerID int64) (Result, error) {
	unlock := p.engine.lockCustomer(customerID)
	defer unlock()

	c, err := p.store.Customer(ctx, customerID)
	if err != nil {
		return Result{CustomerID: customerID}, fmt.Errorf("failed to load customer %d: %w", customerID, err)
	}
	sub, err := p.store.ActiveSubscription(ctx, customerID)
	if err != nil {
		return Result{CustomerID: customerID}, fmt.Errorf("failed to load subscription of customer %d: %w", customerID, err)
	}

	res := p.engine.apply(ctx, c, sub)

	// The outcome of a reversion is recorded on the subscription that lapsed.
	record := sub
	if record == nil {
		record, err = p.store.LatestSubscription(ctx, customerID)
		if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
			log.Warnw("failed to load latest subscription", "customer", customerID, "error", err)
		}
	}

	status, detail := res.Status(), res.Detail()
	if record != nil {
		res.SubscriptionID = record.ID
		// Recorded even if the caller gave up waiting.
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.store.SetReconciliationStatus(recordCtx, record.ID, status, detail, p.engine.now()); err != nil {
			log.Errorw("failed to record reconciliation status", "customer", customerID, "subscription", record.ID, "error", err)
		}
	}

	p.audit.LogReconcileCompleted(ctx, customerID, res.SubscriptionID, string(status), detail)
	return res, nil
}
