package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemorySubscriptionStore implements SubscriptionStore in memory. It backs
// local development runs and tests.
type MemorySubscriptionStore struct {
	mu            sync.RWMutex
	customers     map[int64]*Customer
	packages      map[int64]*Package
	subscriptions []*Subscription
	nextID        int64
}

// NewMemorySubscriptionStore creates an empty in-memory subscription store.
func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{
		customers: make(map[int64]*Customer),
		packages:  make(map[int64]*Package),
	}
}

// PutCustomer adds or replaces a customer.
func (m *MemorySubscriptionStore) PutCustomer(c *Customer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.customers[c.ID] = &cp
}

// PutPackage adds or replaces a package.
func (m *MemorySubscriptionStore) PutPackage(p *Package) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.packages[p.ID] = &cp
}

// copySubscription returns a detached copy with the package attached.
func (m *MemorySubscriptionStore) copySubscription(s *Subscription) *Subscription {
	cp := *s
	if p, ok := m.packages[s.PackageID]; ok {
		pkg := *p
		cp.Package = &pkg
	}
	if s.ReconciledAt != nil {
		t := *s.ReconciledAt
		cp.ReconciledAt = &t
	}
	return &cp
}

func (m *MemorySubscriptionStore) Customer(ctx context.Context, customerID int64) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.customers[customerID]
	if !ok {
		return nil, fmt.Errorf("customer %d: %w", customerID, ErrCustomerNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *MemorySubscriptionStore) sortedCustomers(keep func(*Customer) bool) []*Customer {
	customers := make([]*Customer, 0, len(m.customers))
	for _, c := range m.customers {
		if keep(c) {
			cp := *c
			customers = append(customers, &cp)
		}
	}
	sort.Slice(customers, func(i, j int) bool { return customers[i].ID < customers[j].ID })
	return customers
}

func (m *MemorySubscriptionStore) ListCustomers(ctx context.Context) ([]*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedCustomers(func(*Customer) bool { return true }), nil
}

func (m *MemorySubscriptionStore) ListMonitoredCustomers(ctx context.Context) ([]*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedCustomers(func(c *Customer) bool {
		return c.ConnectionType == ConnectionStaticIP &&
			c.Status == CustomerActive &&
			c.IPAddress != "" &&
			m.active(c.ID) != nil
	}), nil
}

func (m *MemorySubscriptionStore) active(customerID int64) *Subscription {
	for _, s := range m.subscriptions {
		if s.CustomerID == customerID && s.Status == SubscriptionActive {
			return s
		}
	}
	return nil
}

func (m *MemorySubscriptionStore) ActiveSubscription(ctx context.Context, customerID int64) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.active(customerID)
	if s == nil {
		return nil, nil
	}
	return m.copySubscription(s), nil
}

func (m *MemorySubscriptionStore) LatestSubscription(ctx context.Context, customerID int64) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.subscriptions) - 1; i >= 0; i-- {
		if m.subscriptions[i].CustomerID == customerID {
			return m.copySubscription(m.subscriptions[i]), nil
		}
	}
	return nil, fmt.Errorf("customer %d: %w", customerID, ErrSubscriptionNotFound)
}

func (m *MemorySubscriptionStore) ReplaceActiveSubscription(ctx context.Context, customerID, packageID int64, activation, expiry time.Time) (*Subscription, error) {
	if !expiry.After(activation) {
		return nil, ErrInvalidPeriod
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.customers[customerID]; !ok {
		return nil, fmt.Errorf("customer %d: %w", customerID, ErrCustomerNotFound)
	}
	if _, ok := m.packages[packageID]; !ok {
		return nil, fmt.Errorf("package %d: %w", packageID, ErrPackageNotFound)
	}

	if prev := m.active(customerID); prev != nil {
		prev.Status = SubscriptionReplaced
	}

	m.nextID++
	sub := &Subscription{
		ID:             m.nextID,
		CustomerID:     customerID,
		PackageID:      packageID,
		ActivationDate: activation,
		ExpiryDate:     expiry,
		Status:         SubscriptionActive,
	}
	m.subscriptions = append(m.subscriptions, sub)
	return m.copySubscription(sub), nil
}

func (m *MemorySubscriptionStore) ExpireDue(ctx context.Context, now time.Time) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := make([]*Subscription, 0)
	for _, s := range m.subscriptions {
		if s.Status == SubscriptionActive && !s.ExpiryDate.After(now) {
			s.Status = SubscriptionExpired
			expired = append(expired, m.copySubscription(s))
		}
	}
	return expired, nil
}

func (m *MemorySubscriptionStore) SetReconciliationStatus(ctx context.Context, subscriptionID int64, status ReconciliationStatus, detail string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.subscriptions {
		if s.ID == subscriptionID {
			s.ReconciliationStatus = status
			s.ReconciliationDetail = detail
			t := at
			s.ReconciledAt = &t
			return nil
		}
	}
	return fmt.Errorf("subscription %d: %w", subscriptionID, ErrSubscriptionNotFound)
}
