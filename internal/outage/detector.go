// Package outage watches static-IP customers for loss of reachability and
// escalates unresolved outages from customer notifications to a technician
// ticket.
package outage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/codelaboratoryltd/meridian/internal/audit"
	"github.com/codelaboratoryltd/meridian/internal/device"
	"github.com/codelaboratoryltd/meridian/internal/lock"
	"github.com/codelaboratoryltd/meridian/internal/notify"
	"github.com/codelaboratoryltd/meridian/internal/session"
	"github.com/codelaboratoryltd/meridian/internal/store"
	"github.com/codelaboratoryltd/meridian/internal/ticket"
	"github.com/codelaboratoryltd/meridian/internal/util"
	"github.com/codelaboratoryltd/meridian/internal/validation"
)

var log = logging.Logger("meridian-outage")

var tracer = otel.Tracer("github.com/codelaboratoryltd/meridian/internal/outage")

const (
	// DefaultCheckInterval is the default interval between sweeps.
	DefaultCheckInterval = time.Minute

	// DefaultWorkers is the default number of customers checked at once.
	DefaultWorkers = 4

	// DefaultConfirmationTTL is how long a confirmation question stays
	// answerable.
	DefaultConfirmationTTL = 30 * time.Minute
)

// Config holds configuration for the outage detector.
type Config struct {
	// CheckInterval is how often all eligible customers are probed.
	CheckInterval time.Duration

	// Workers bounds concurrent customer checks.
	Workers int

	// Thresholds drive the escalation.
	Thresholds Thresholds

	// ConfirmationTTL bounds how long a customer's reply is routed back.
	ConfirmationTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:   DefaultCheckInterval,
		Workers:         DefaultWorkers,
		Thresholds:      DefaultThresholds(),
		ConfirmationTTL: DefaultConfirmationTTL,
	}
}

// CustomerSource lists the customers to watch.
type CustomerSource interface {
	ListMonitoredCustomers(ctx context.Context) ([]*store.Customer, error)
}

// CheckResult is the outcome of checking one customer.
type CheckResult struct {
	CustomerID int64
	Skipped    bool
	Up         bool
	From       store.MonitoringPhase
	To         store.MonitoringPhase
	Err        error
}

// Transitioned reports whether the check changed the customer's state.
func (r CheckResult) Transitioned() bool {
	return r.From != r.To
}

// Report summarizes one sweep.
type Report struct {
	Checked     int `json:"checked"`
	Skipped     int `json:"skipped"`
	Down        int `json:"down"`
	Transitions int `json:"transitions"`
	Errors      int `json:"errors"`
}

// Detector probes customers on an interval and drives their monitoring state.
type Detector struct {
	mu sync.Mutex

	customers CustomerSource
	states    store.MonitoringStore
	prober    device.Prober
	hosts     util.HostResolver

	notifier notify.Notifier
	tickets  ticket.Ticketing
	guard    lock.Guard
	sessions session.Store
	audit    *audit.Logger

	config  Config
	metrics *Metrics
	now     func() time.Time

	running bool
	stopCh  chan struct{}
}

// Option is a functional option for configuring the Detector.
type Option func(*Detector)

// WithConfig sets the detector configuration.
func WithConfig(cfg Config) Option {
	return func(d *Detector) {
		d.config = cfg
	}
}

// WithMetrics sets the Prometheus metrics for the detector.
func WithMetrics(m *Metrics) Option {
	return func(d *Detector) {
		d.metrics = m
	}
}

// WithNotifier sets where customer notifications go.
func WithNotifier(n notify.Notifier) Option {
	return func(d *Detector) {
		d.notifier = n
	}
}

// WithTicketing sets the helpdesk used for escalations.
func WithTicketing(t ticket.Ticketing) Option {
	return func(d *Detector) {
		d.tickets = t
	}
}

// WithGuard sets the in-progress guard shared by overlapping sweeps.
func WithGuard(g lock.Guard) Option {
	return func(d *Detector) {
		d.guard = g
	}
}

// WithSessions sets the store routing confirmation replies to customers.
func WithSessions(s session.Store) Option {
	return func(d *Detector) {
		d.sessions = s
	}
}

// WithAudit records transitions in the audit log.
func WithAudit(l *audit.Logger) Option {
	return func(d *Detector) {
		d.audit = l
	}
}

// WithHostResolver sets how customer addresses map to probed hosts. Pass the
// reconciliation engine's resolver so the provisioned host is the one probed.
func WithHostResolver(r util.HostResolver) Option {
	return func(d *Detector) {
		d.hosts = r
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// NewDetector creates a detector watching customers from source.
func NewDetector(source CustomerSource, states store.MonitoringStore, prober device.Prober, opts ...Option) *Detector {
	d := &Detector{
		customers: source,
		states:    states,
		prober:    prober,
		notifier:  notify.Logger{},
		guard:     lock.NewMemoryGuard(),
		sessions:  session.NewMemoryStore(),
		config:    DefaultConfig(),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.config.Workers <= 0 {
		d.config.Workers = 1
	}

	return d
}

// Start begins the detection loop in a background goroutine. It runs until
// Stop is called or ctx is cancelled.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop stops the detection loop.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.running = false
	close(d.stopCh)
}

// IsRunning returns whether the detector is currently running.
func (d *Detector) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Detector) run(ctx context.Context) {
	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	d.CheckNow(ctx)

	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.running = false
			d.mu.Unlock()
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.CheckNow(ctx)
		}
	}
}

// CheckNow runs one sweep and logs its outcome.
func (d *Detector) CheckNow(ctx context.Context) {
	if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
		log.Errorw("outage sweep failed", "error", err)
	}
}

// RunOnce probes every eligible customer once with bounded parallelism.
// Per-customer failures are counted and logged; the sweep always continues.
func (d *Detector) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.CheckDuration.Observe(time.Since(start).Seconds())
		}
	}()

	customers, err := d.customers.ListMonitoredCustomers(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list monitored customers: %w", err)
	}

	var (
		mu     sync.Mutex
		report Report
	)
	g := new(errgroup.Group)
	g.SetLimit(d.config.Workers)

	for _, c := range customers {
		if ctx.Err() != nil {
			break
		}
		c := c
		g.Go(func() error {
			res := d.Check(ctx, c)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case res.Err != nil:
				report.Errors++
			case res.Skipped:
				report.Skipped++
			default:
				report.Checked++
				if !res.Up {
					report.Down++
				}
				if res.Transitioned() {
					report.Transitions++
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if d.metrics != nil {
		d.metrics.CustomersDown.Set(float64(report.Down))
	}
	return report, ctx.Err()
}

func guardKey(customerID int64) string {
	return "outage/" + strconv.FormatInt(customerID, 10)
}

// Check probes one customer and commits the resulting transition. A customer
// whose previous check is still in flight is skipped.
func (d *Detector) Check(ctx context.Context, c *store.Customer) (res CheckResult) {
	res.CustomerID = c.ID
	defer func() {
		if d.metrics == nil {
			return
		}
		result := "up"
		switch {
		case res.Err != nil:
			result = "error"
		case res.Skipped:
			result = "skipped"
		case !res.Up:
			result = "down"
		}
		d.metrics.Checks.WithLabelValues(result).Inc()
	}()

	release, ok, err := d.guard.TryAcquire(ctx, guardKey(c.ID))
	if err != nil {
		res.Err = fmt.Errorf("failed to acquire check guard: %w", err)
		log.Warnw("outage check guard failed", "customer", c.ID, "error", err)
		return res
	}
	if !ok {
		res.Skipped = true
		log.Debugw("outage check still in progress, skipping", "customer", c.ID)
		return res
	}
	defer release()

	ctx, span := tracer.Start(ctx, "outage.Check", trace.WithAttributes(
		attribute.Int64("customer.id", c.ID),
	))
	defer span.End()

	host, err := d.hosts.Resolve(c.ID, c.IPAddress)
	if err != nil {
		res.Err = err
		log.Warnw("customer address unusable for probing", "customer", c.ID, "address", c.IPAddress, "error", err)
		return res
	}

	up, err := d.prober.Probe(ctx, host)
	if err != nil {
		// Exhausting every probe path counts as down.
		log.Debugw("probe failed", "customer", c.ID, "host", host, "error", err)
	}
	res.Up = up
	span.SetAttributes(attribute.Bool("outage.up", up))

	now := d.now()
	ticketID, err := d.openTicketIfDue(ctx, c, up, now)
	if err != nil {
		res.Err = err
		log.Errorw("failed to open outage ticket", "customer", c.ID, "error", err)
		return res
	}

	var (
		prev    store.MonitoringState
		actions []Action
	)
	state, err := d.states.Update(ctx, c.ID, func(s *store.MonitoringState) (bool, error) {
		prev = *s
		next, acts := Step(*s, up, now, d.config.Thresholds)
		if !changed(prev, next) && len(acts) == 0 {
			return false, nil
		}
		if wantsTicket(acts) {
			if ticketID == "" {
				return false, ErrStateChanged
			}
			next.TicketID = ticketID
			ticketID = ""
		}

		next.UpdatedAt = now
		*s = next
		actions = acts
		return true, nil
	})
	if err != nil {
		res.Err = err
		res.From, res.To = prev.Phase, prev.Phase
		log.Errorw("failed to update monitoring state", "customer", c.ID, "state", prev.Phase, "error", err)
		return res
	}
	if ticketID != "" {
		log.Warnw("ticket opened but outage state moved on", "customer", c.ID, "ticket", ticketID, "state", state.Phase)
	}

	res.From, res.To = normalized(prev.Phase), state.Phase
	d.afterTransition(ctx, c, prev, *state, actions, now)
	return res
}

// openTicketIfDue opens the outage ticket when this probe result would move
// the customer to ticket_created. It runs outside the state lock; the ticket
// reference is derived from the outage start so a retried sweep gets the same
// ticket back.
func (d *Detector) openTicketIfDue(ctx context.Context, c *store.Customer, up bool, now time.Time) (string, error) {
	var (
		snapshot store.MonitoringState
		due      bool
	)
	_, err := d.states.Update(ctx, c.ID, func(s *store.MonitoringState) (bool, error) {
		snapshot = *s
		_, acts := Step(*s, up, now, d.config.Thresholds)
		due = wantsTicket(acts)
		return false, nil
	})
	if err != nil || !due {
		return "", err
	}
	return d.createTicket(ctx, c, snapshot, now)
}

func wantsTicket(actions []Action) bool {
	for _, a := range actions {
		if a.Type == ActionCreateTicket {
			return true
		}
	}
	return false
}

func normalized(p store.MonitoringPhase) store.MonitoringPhase {
	if p == "" {
		return store.PhaseNormal
	}
	return p
}

func (d *Detector) createTicket(ctx context.Context, c *store.Customer, s store.MonitoringState, now time.Time) (string, error) {
	if d.tickets == nil {
		return "", ErrNoTicketing
	}

	since := now
	if s.TimeoutStartedAt != nil {
		since = *s.TimeoutStartedAt
	}
	title := fmt.Sprintf("Outage: %s (#%d)", c.Name, c.ID)
	description := fmt.Sprintf("Customer %s (#%d, %s) has been unreachable since %s (%s) and did not answer the confirmation request.",
		c.Name, c.ID, c.IPAddress, since.Format(time.RFC3339), now.Sub(since).Round(time.Minute))

	id, err := d.tickets.CreateTicket(ctx, ticket.Request{
		CustomerID:  c.ID,
		Title:       title,
		Description: description,
		Priority:    ticket.PriorityHigh,
		Ref:         fmt.Sprintf("outage-%d-%d", c.ID, since.Unix()),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create ticket: %w", err)
	}
	log.Infow("ticket created for outage", "customer", c.ID, "ticket", id)
	if d.metrics != nil {
		d.metrics.TicketsCreated.Inc()
	}
	d.audit.LogTicketCreated(ctx, c.ID, id)
	return id, nil
}

// afterTransition runs the side effects of a committed transition.
func (d *Detector) afterTransition(ctx context.Context, c *store.Customer, prev, next store.MonitoringState, actions []Action, now time.Time) {
	from := normalized(prev.Phase)
	if from != next.Phase {
		log.Infow("monitoring state changed", "customer", c.ID, "from", from, "to", next.Phase)
		d.audit.LogOutageTransition(ctx, c.ID, string(from), string(next.Phase))
		if d.metrics != nil {
			d.metrics.Transitions.WithLabelValues(string(from), string(next.Phase)).Inc()
		}
	}

	if c.Phone != "" {
		switch {
		case next.Phase == store.PhaseAwaitingConfirmation && from != store.PhaseAwaitingConfirmation:
			id := strconv.FormatInt(c.ID, 10)
			if err := d.sessions.Put(ctx, sessionKey(c.Phone), id, d.config.ConfirmationTTL); err != nil {
				log.Warnw("failed to open confirmation session", "customer", c.ID, "error", err)
			}
		case from == store.PhaseAwaitingConfirmation && next.Phase != store.PhaseAwaitingConfirmation:
			if err := d.sessions.Delete(ctx, sessionKey(c.Phone)); err != nil {
				log.Debugw("failed to close confirmation session", "customer", c.ID, "error", err)
			}
		}
	}

	for _, a := range actions {
		if a.Type != ActionNotify {
			continue
		}
		params := map[string]string{
			"name": c.Name,
			"ip":   c.IPAddress,
		}
		if prev.TimeoutStartedAt != nil {
			params["down_minutes"] = strconv.Itoa(int(now.Sub(*prev.TimeoutStartedAt) / time.Minute))
		}
		if next.TicketID != "" {
			params["ticket_id"] = next.TicketID
		}
		if err := d.notifier.Notify(ctx, c.ID, a.Notify, params); err != nil {
			log.Warnw("notification failed", "customer", c.ID, "kind", a.Notify, "error", err)
		}
	}
}

// RecordResponse records a customer's answer to the confirmation question.
// confirmedLocal means the customer confirmed the problem is on their side.
func (d *Detector) RecordResponse(ctx context.Context, customerID int64, confirmedLocal bool) (*store.MonitoringState, error) {
	now := d.now()
	state, err := d.states.Update(ctx, customerID, func(s *store.MonitoringState) (bool, error) {
		if s.Phase != store.PhaseAwaitingConfirmation || !s.AwaitingResponse {
			return false, ErrNotAwaiting
		}
		s.AwaitingResponse = false
		s.ResponseReceived = confirmedLocal
		s.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	log.Infow("customer answered outage confirmation", "customer", customerID, "local_issue", confirmedLocal)
	d.audit.LogCustomerConfirmed(ctx, customerID, confirmedLocal)
	return state, nil
}

// ParseAnswer interprets a chat reply to the confirmation question.
func ParseAnswer(answer string) (confirmedLocal bool, err error) {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "1", "y", "yes", "ya", "iya":
		return true, nil
	case "2", "n", "no", "tidak", "bukan":
		return false, nil
	}
	return false, fmt.Errorf("%q: %w", answer, ErrUnrecognizedAnswer)
}

// RecordReply routes a chat reply from phone to the customer currently being
// asked about an outage.
func (d *Detector) RecordReply(ctx context.Context, phone, answer string) (*store.MonitoringState, error) {
	confirmedLocal, err := ParseAnswer(answer)
	if err != nil {
		return nil, err
	}

	value, err := d.sessions.Get(ctx, sessionKey(phone))
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrNoConversation
	} else if err != nil {
		return nil, fmt.Errorf("failed to look up confirmation session: %w", err)
	}
	customerID, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt confirmation session %q: %w", value, err)
	}

	state, err := d.RecordResponse(ctx, customerID, confirmedLocal)
	if err != nil {
		return nil, err
	}
	if err := d.sessions.Delete(ctx, sessionKey(phone)); err != nil {
		log.Debugw("failed to close confirmation session", "customer", customerID, "error", err)
	}
	return state, nil
}

// sessionKey is the confirmation session key of a phone number, which
// arrives formatted differently from the billing record and the chat gateway.
func sessionKey(phone string) string {
	if normalized, err := validation.NormalizePhone(phone); err == nil {
		return normalized
	}
	return phone
}

// Resolve closes a ticketed outage on behalf of a technician and returns the
// customer to normal monitoring.
func (d *Detector) Resolve(ctx context.Context, customerID int64, technician string) (*store.MonitoringState, error) {
	now := d.now()
	var ticketID string
	state, err := d.states.Update(ctx, customerID, func(s *store.MonitoringState) (bool, error) {
		if s.Phase != store.PhaseTicketCreated {
			return false, ErrNotTicketed
		}
		ticketID = s.TicketID
		s.Reset()
		s.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	log.Infow("outage resolved", "customer", customerID, "ticket", ticketID, "technician", technician)
	d.audit.LogOutageTransition(ctx, customerID, string(store.PhaseTicketCreated), string(store.PhaseResolved))
	d.audit.LogOutageResolved(ctx, customerID, ticketID, technician)
	if d.metrics != nil {
		d.metrics.Transitions.WithLabelValues(string(store.PhaseTicketCreated), string(store.PhaseNormal)).Inc()
	}
	return state, nil
}

// Get returns a customer's monitoring state. Customers never seen down are
// reported as normal.
func (d *Detector) Get(ctx context.Context, customerID int64) (*store.MonitoringState, error) {
	state, err := d.states.Get(ctx, customerID)
	if errors.Is(err, store.ErrMonitoringNotFound) {
		return &store.MonitoringState{CustomerID: customerID, Phase: store.PhaseNormal}, nil
	}
	return state, err
}

// List returns every stored monitoring state.
func (d *Detector) List(ctx context.Context) ([]*store.MonitoringState, error) {
	return d.states.List(ctx)
}
