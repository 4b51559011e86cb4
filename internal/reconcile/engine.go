// Package reconcile converges the access router to the network state implied
// by a customer's billing status.
package reconcile

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/codelaboratoryltd/meridian/internal/audit"
	"github.com/codelaboratoryltd/meridian/internal/device"
	"github.com/codelaboratoryltd/meridian/internal/lock"
	"github.com/codelaboratoryltd/meridian/internal/naming"
	"github.com/codelaboratoryltd/meridian/internal/store"
	"github.com/codelaboratoryltd/meridian/internal/util"
)

var log = logging.Logger("meridian-reconcile")

var tracer = otel.Tracer("github.com/codelaboratoryltd/meridian/internal/reconcile")

// Config holds reconciliation configuration.
type Config struct {
	// UnprovisionedProfile is the PPP profile given to customers without an
	// active subscription.
	UnprovisionedProfile string

	// ManagementAddress is the router's own address; it is never assigned
	// to a customer.
	ManagementAddress net.IP

	// SettleDelay is how long to wait before re-reading address list
	// membership after moving a host.
	SettleDelay time.Duration

	// HostOverrides pins the host address of individual customers,
	// replacing the address derived from their configured block.
	HostOverrides map[int64]string

	// Timeout bounds one post-commit reconciliation.
	Timeout time.Duration
}

// HostResolver returns the resolver mapping customer addresses to hosts under
// this configuration. The outage detector probes the same hosts.
func (c Config) HostResolver() util.HostResolver {
	return util.HostResolver{Overrides: c.HostOverrides, Management: c.ManagementAddress}
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		UnprovisionedProfile: "no-package",
		SettleDelay:          500 * time.Millisecond,
		Timeout:              60 * time.Second,
	}
}

// Option configures the Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.config = cfg
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithAudit records every step in the audit log.
func WithAudit(l *audit.Logger) Option {
	return func(e *Engine) {
		e.audit = l
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine computes the desired device state for a customer and applies the
// difference through a Gateway.
type Engine struct {
	gateway device.Gateway
	config  Config
	metrics *Metrics
	audit   *audit.Logger
	now     func() time.Time
	locks   *lock.KeyedMutex
}

// NewEngine creates a reconciliation engine writing through gateway.
func NewEngine(gateway device.Gateway, opts ...Option) *Engine {
	e := &Engine{
		gateway: gateway,
		config:  DefaultConfig(),
		now:     time.Now,
		locks:   lock.NewKeyedMutex(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

func (e *Engine) lockCustomer(customerID int64) func() {
	return e.locks.Lock("customer/" + strconv.FormatInt(customerID, 10))
}

// DesiredTarget returns the state a customer should be in at now.
func DesiredTarget(c *store.Customer, sub *store.Subscription, now time.Time) Target {
	if c.Status == store.CustomerSuspended || !sub.ActiveAt(now) {
		return TargetUnprovisioned
	}
	return TargetProvisioned
}

// Apply converges the device to the state implied by c and sub, which may be
// nil. Overlapping calls for the same customer are serialized. Apply never
// returns an error: every failure is recorded in the result.
func (e *Engine) Apply(ctx context.Context, c *store.Customer, sub *store.Subscription) Result {
	unlock := e.lockCustomer(c.ID)
	defer unlock()
	return e.apply(ctx, c, sub)
}

func (e *Engine) apply(ctx context.Context, c *store.Customer, sub *store.Subscription) Result {
	start := time.Now()

	res := Result{
		CustomerID: c.ID,
		Target:     DesiredTarget(c, sub, e.now()),
	}
	if sub != nil {
		res.SubscriptionID = sub.ID
	}

	ctx, span := tracer.Start(ctx, "reconcile.Apply", trace.WithAttributes(
		attribute.Int64("customer.id", c.ID),
		attribute.String("customer.connection_type", string(c.ConnectionType)),
		attribute.String("reconcile.target", string(res.Target)),
	))
	defer span.End()

	var pkg *store.Package
	if res.Target == TargetProvisioned {
		pkg = sub.Package
		if pkg == nil {
			res.add(StepPackage, OutcomeRejected, "", ErrNoPackage)
		}
	}

	if len(res.Steps) == 0 {
		switch c.ConnectionType {
		case store.ConnectionPPPoE:
			e.applyPPPoE(ctx, c, pkg, &res)
		case store.ConnectionStaticIP:
			e.applyStatic(ctx, c, pkg, &res)
		default:
			res.add(StepPackage, OutcomeRejected, string(c.ConnectionType), ErrUnknownType)
		}
	}

	status := res.Status()
	span.SetAttributes(attribute.String("reconcile.status", string(status)))
	if status == store.ReconciliationFailed {
		span.SetStatus(codes.Error, res.Detail())
	}

	for _, s := range res.Steps {
		if s.Failed() || s.Outcome == OutcomeInconsistent || s.Outcome == OutcomePrerequisiteMissing {
			log.Warnw("reconcile step did not complete", "customer", c.ID, "step", s.Step, "outcome", s.Outcome, "detail", s.Detail, "error", s.Err)
		}
		e.audit.LogReconcileStep(ctx, c.ID, s.Step, string(s.Outcome), s.Err)
		if e.metrics != nil {
			e.metrics.Steps.WithLabelValues(s.Step, string(s.Outcome)).Inc()
		}
	}
	if e.metrics != nil {
		e.metrics.Applies.WithLabelValues(string(status)).Inc()
		e.metrics.ApplyDuration.Observe(time.Since(start).Seconds())
	}

	log.Debugw("reconciled", "customer", c.ID, "target", res.Target, "status", status, "writes", res.Writes())
	return res
}

func (e *Engine) applyPPPoE(ctx context.Context, c *store.Customer, pkg *store.Package, res *Result) {
	if c.PPPoEUsername == "" {
		res.add(StepSecret, OutcomeRejected, "", ErrMissingUsername)
		return
	}

	profile := e.config.UnprovisionedProfile
	if pkg != nil {
		profile = pkg.Profile
		if profile == "" {
			res.add(StepSecret, OutcomeRejected, pkg.Name, ErrMissingProfile)
			return
		}
	}

	current, err := e.gateway.GetSecret(ctx, c.PPPoEUsername)
	if err != nil {
		res.add(StepSecret, outcomeOf(err), c.PPPoEUsername, err)
		return
	}

	if current.Profile == profile && !current.Disabled {
		res.add(StepSecret, OutcomeUnchanged, profile, nil)
		return
	}

	err = e.gateway.SetSecret(ctx, device.Secret{
		ID:      current.ID,
		Name:    c.PPPoEUsername,
		Profile: profile,
		Comment: naming.Comment(c.ID, c.Name),
	})
	if err != nil {
		res.add(StepSecret, outcomeOf(err), profile, err)
		return
	}
	res.add(StepSecret, OutcomeApplied, fmt.Sprintf("%s -> %s", current.Profile, profile), nil)

	// A live session keeps its old profile until it reconnects.
	if current.Profile == profile {
		return
	}
	if err := e.gateway.DisconnectSession(ctx, c.PPPoEUsername); err != nil {
		res.add(StepDisconnect, outcomeOf(err), c.PPPoEUsername, err)
		return
	}
	res.add(StepDisconnect, OutcomeApplied, c.PPPoEUsername, nil)
}

func (e *Engine) applyStatic(ctx context.Context, c *store.Customer, pkg *store.Package, res *Result) {
	host, err := e.config.HostResolver().Resolve(c.ID, c.IPAddress)
	if err != nil {
		res.add(StepHostIP, OutcomeRejected, c.IPAddress, err)
		return
	}

	queues := naming.Queues(c.ID, c.Name)
	comment := naming.Comment(c.ID, c.Name)

	if pkg == nil {
		e.removeQueue(ctx, StepQueueDown, queues.Download, res)
		e.removeQueue(ctx, StepQueueUp, queues.Upload, res)
		e.moveList(ctx, host, device.ListActive, device.ListNoPackage, comment, res)
		return
	}

	marks := naming.Marks(host)
	e.checkMarks(ctx, marks, res)

	e.upsertQueue(ctx, StepQueueDown, device.QueueNode{
		Name:       queues.Download,
		Parent:     pkg.ParentDownloadQueue,
		MaxLimit:   naming.Rate(pkg.DownloadMbps),
		PacketMark: marks.Download,
		Comment:    comment,
	}, res)
	e.upsertQueue(ctx, StepQueueUp, device.QueueNode{
		Name:       queues.Upload,
		Parent:     pkg.ParentUploadQueue,
		MaxLimit:   naming.Rate(pkg.UploadMbps),
		PacketMark: marks.Upload,
		Comment:    comment,
	}, res)

	e.moveList(ctx, host, device.ListNoPackage, device.ListActive, comment, res)
}

func (e *Engine) checkMarks(ctx context.Context, marks naming.PacketMarks, res *Result) {
	var missing []string
	for _, mark := range []string{marks.Download, marks.Upload} {
		ok, err := e.gateway.HasPacketMark(ctx, mark)
		if err != nil {
			res.add(StepPacketMark, outcomeOf(err), mark, err)
			return
		}
		if !ok {
			missing = append(missing, mark)
		}
	}
	if len(missing) > 0 {
		res.add(StepPacketMark, OutcomePrerequisiteMissing, fmt.Sprintf("missing %v", missing), nil)
		return
	}
	res.add(StepPacketMark, OutcomeUnchanged, "", nil)
}

func (e *Engine) upsertQueue(ctx context.Context, step string, want device.QueueNode, res *Result) {
	current, err := e.gateway.GetQueueNode(ctx, want.Name)
	if err != nil {
		res.add(step, outcomeOf(err), want.Name, err)
		return
	}
	if current.Matches(want) {
		res.add(step, OutcomeUnchanged, want.Name, nil)
		return
	}
	if err := e.gateway.UpsertQueueNode(ctx, want); err != nil {
		res.add(step, outcomeOf(err), want.Name, err)
		return
	}
	res.add(step, OutcomeApplied, fmt.Sprintf("%s max-limit %s", want.Name, want.MaxLimit), nil)
}

func (e *Engine) removeQueue(ctx context.Context, step, name string, res *Result) {
	current, err := e.gateway.GetQueueNode(ctx, name)
	if err != nil {
		res.add(step, outcomeOf(err), name, err)
		return
	}
	if current == nil {
		res.add(step, OutcomeUnchanged, name, nil)
		return
	}
	if err := e.gateway.RemoveQueueNode(ctx, name); err != nil {
		res.add(step, outcomeOf(err), name, err)
		return
	}
	res.add(step, OutcomeApplied, "removed "+name, nil)
}

// membership reads whether host is in the from and to lists.
func (e *Engine) membership(ctx context.Context, host, from, to string) (inFrom, inTo bool, err error) {
	if inFrom, err = e.gateway.IsInList(ctx, from, host); err != nil {
		return false, false, err
	}
	if inTo, err = e.gateway.IsInList(ctx, to, host); err != nil {
		return false, false, err
	}
	return inFrom, inTo, nil
}

// moveList moves host from one address list to another, removing before
// adding, then re-reads membership once the router has settled.
func (e *Engine) moveList(ctx context.Context, host, from, to, comment string, res *Result) {
	detail := fmt.Sprintf("%s %s -> %s", host, from, to)

	inFrom, inTo, err := e.membership(ctx, host, from, to)
	if err != nil {
		res.add(StepAddressList, outcomeOf(err), detail, err)
		return
	}
	if inTo && !inFrom {
		res.add(StepAddressList, OutcomeUnchanged, detail, nil)
		return
	}

	if inFrom {
		if err := e.gateway.RemoveFromList(ctx, from, host); err != nil {
			res.add(StepAddressList, outcomeOf(err), detail, err)
			return
		}
	}
	if !inTo {
		if err := e.gateway.AddToList(ctx, to, host, comment); err != nil {
			res.add(StepAddressList, outcomeOf(err), detail, err)
			return
		}
	}
	res.add(StepAddressList, OutcomeApplied, detail, nil)

	if err := sleep(ctx, e.config.SettleDelay); err != nil {
		res.add(StepVerifyList, OutcomeTimeout, detail, err)
		return
	}

	inFrom, inTo, err = e.membership(ctx, host, from, to)
	switch {
	case err != nil:
		res.add(StepVerifyList, outcomeOf(err), detail, err)
	case inFrom || !inTo:
		res.add(StepVerifyList, OutcomeInconsistent,
			fmt.Sprintf("%s: in %s=%t, in %s=%t", host, from, inFrom, to, inTo), nil)
	default:
		res.add(StepVerifyList, OutcomeVerified, detail, nil)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
