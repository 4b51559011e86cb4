package store

import (
	"context"
	"time"
)

// SubscriptionStore is the billing system's record of customers and
// subscriptions. The provisioning core reads from it and only writes
// reconciliation annotations and expiry transitions.
type SubscriptionStore interface {
	Customer(ctx context.Context, customerID int64) (*Customer, error)
	ListCustomers(ctx context.Context) ([]*Customer, error)

	// ListMonitoredCustomers returns active static IP customers that have an
	// address and an active subscription.
	ListMonitoredCustomers(ctx context.Context) ([]*Customer, error)

	// ActiveSubscription returns nil without error when the customer has none.
	ActiveSubscription(ctx context.Context, customerID int64) (*Subscription, error)
	LatestSubscription(ctx context.Context, customerID int64) (*Subscription, error)

	// ReplaceActiveSubscription marks the current active subscription of the
	// customer as replaced and inserts the new active one in one transaction.
	ReplaceActiveSubscription(ctx context.Context, customerID, packageID int64, activation, expiry time.Time) (*Subscription, error)

	// ExpireDue marks every active subscription with expiry at or before now as
	// expired and returns the affected rows.
	ExpireDue(ctx context.Context, now time.Time) ([]*Subscription, error)

	SetReconciliationStatus(ctx context.Context, subscriptionID int64, status ReconciliationStatus, detail string, at time.Time) error
}

// MonitoringStore persists outage monitoring state keyed by customer.
type MonitoringStore interface {
	Get(ctx context.Context, customerID int64) (*MonitoringState, error)
	List(ctx context.Context) ([]*MonitoringState, error)
	Delete(ctx context.Context, customerID int64) error

	// Update runs fn on the current state of a customer (a normal state when
	// none is stored) and persists it if fn returns true. Updates of the same
	// customer are serialized.
	Update(ctx context.Context, customerID int64, fn func(state *MonitoringState) (bool, error)) (*MonitoringState, error)
}
