package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codelaboratoryltd/meridian/internal/audit"
	"github.com/codelaboratoryltd/meridian/internal/store"
)

// SweeperConfig holds sweeper configuration.
type SweeperConfig struct {
	// Interval is how often a sweep runs.
	Interval time.Duration

	// Parallelism bounds concurrent customer reconciliations; it should not
	// exceed the router's session limit.
	Parallelism int
}

// DefaultSweeperConfig returns sensible defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:    5 * time.Minute,
		Parallelism: 4,
	}
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Expired   int `json:"expired"`
	Customers int `json:"customers"`
	Synced    int `json:"synced"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Errors    int `json:"errors"`
}

// SweeperOption configures the Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperConfig sets the sweeper configuration.
func WithSweeperConfig(cfg SweeperConfig) SweeperOption {
	return func(s *Sweeper) {
		s.config = cfg
	}
}

// WithSweeperMetrics enables Prometheus metrics.
func WithSweeperMetrics(m *Metrics) SweeperOption {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

// Sweeper periodically expires overdue subscriptions and re-applies the
// desired state of every customer, repairing drift and failed writes.
type Sweeper struct {
	provisioner *Provisioner
	store       store.SubscriptionStore
	audit       *audit.Logger
	config      SweeperConfig
	metrics     *Metrics

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewSweeper creates a sweeper reconciling through p.
func NewSweeper(p *Provisioner, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		provisioner: p,
		store:       p.store,
		audit:       p.audit,
		config:      DefaultSweeperConfig(),
		stopCh:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.config.Parallelism <= 0 {
		s.config.Parallelism = 1
	}

	return s
}

// RunOnce performs a single sweep. Per-customer failures are counted and
// logged; an error is returned only when the customer list cannot be read.
// Cancelling ctx stops the sweep before the next customer.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
		}
	}()

	var report SweepReport

	expired, err := s.store.ExpireDue(ctx, s.provisioner.engine.now())
	if err != nil {
		// Reconciling below still reverts anything past its expiry date.
		log.Errorw("failed to expire due subscriptions", "error", err)
		report.Errors++
	}
	for _, sub := range expired {
		log.Infow("subscription expired", "customer", sub.CustomerID, "subscription", sub.ID)
		s.audit.LogSubscriptionExpired(ctx, sub.CustomerID, sub.ID)
	}
	report.Expired = len(expired)
	if s.metrics != nil {
		s.metrics.Expired.Add(float64(len(expired)))
	}

	customers, err := s.store.ListCustomers(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list customers: %w", err)
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.config.Parallelism)

	for _, c := range customers {
		if ctx.Err() != nil {
			break
		}
		customerID := c.ID
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res, err := s.provisioner.Reconcile(ctx, customerID)

			mu.Lock()
			defer mu.Unlock()
			report.Customers++
			if err != nil {
				log.Errorw("sweep reconcile failed", "customer", customerID, "error", err)
				report.Errors++
				return nil
			}
			switch res.Status() {
			case store.ReconciliationSynced:
				report.Synced++
			case store.ReconciliationPending:
				report.Pending++
			case store.ReconciliationFailed:
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Infow("sweep complete",
		"expired", report.Expired,
		"customers", report.Customers,
		"synced", report.Synced,
		"pending", report.Pending,
		"failed", report.Failed,
		"duration", time.Since(start))

	return report, ctx.Err()
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop stops the sweep loop. A sweep in progress finishes its current
// customers.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
}

// IsRunning returns whether the sweep loop is running.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		log.Errorw("sweep failed", "error", err)
	}
}
