package device

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-routeros/routeros/v3"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("meridian-device")

// routerOSConn is a Conn over the RouterOS API protocol.
type routerOSConn struct {
	client *routeros.Client
}

// DialRouterOS returns a Dialer for the router described by cfg.
func DialRouterOS(cfg Config) Dialer {
	return func(ctx context.Context) (Conn, error) {
		timeout := cfg.Timeout
		if deadline, ok := ctx.Deadline(); ok {
			if d := time.Until(deadline); d < timeout {
				timeout = d
			}
		}
		client, err := routeros.DialTimeout(cfg.Address, cfg.Username, cfg.Password, timeout)
		if err != nil {
			return nil, err
		}
		return &routerOSConn{client: client}, nil
	}
}

type runResult struct {
	reply *routeros.Reply
	err   error
}

func (c *routerOSConn) Run(ctx context.Context, sentence ...string) ([]map[string]string, error) {
	done := make(chan runResult, 1)
	go func() {
		reply, err := c.client.RunArgs(sentence)
		done <- runResult{reply: reply, err: err}
	}()

	select {
	case <-ctx.Done():
		// Closing unblocks the pending read; the session is discarded.
		c.client.Close()
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			var devErr *routeros.DeviceError
			if errors.As(res.err, &devErr) {
				return nil, rejected(sentence[0], res.err)
			}
			return nil, res.err
		}
		rows := make([]map[string]string, 0, len(res.reply.Re))
		for _, s := range res.reply.Re {
			rows = append(rows, s.Map)
		}
		return rows, nil
	}
}

func (c *routerOSConn) Close() error {
	c.client.Close()
	return nil
}

// RouterOS implements Gateway against a MikroTik router over a session pool.
type RouterOS struct {
	config  Config
	pool    *Pool
	metrics *Metrics
}

// Option is a functional option for configuring RouterOS.
type Option func(*RouterOS)

// WithMetrics sets the Prometheus metrics for the gateway.
func WithMetrics(m *Metrics) Option {
	return func(r *RouterOS) {
		r.metrics = m
	}
}

// WithDialer replaces the RouterOS API dialer.
func WithDialer(dial Dialer) Option {
	return func(r *RouterOS) {
		r.pool = NewPool(dial, r.config.MaxSessions)
	}
}

// NewRouterOS creates a gateway for the router described by cfg.
func NewRouterOS(cfg Config, opts ...Option) *RouterOS {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PingCount <= 0 {
		cfg.PingCount = DefaultPingCount
	}
	r := &RouterOS{config: cfg}
	r.pool = NewPool(DialRouterOS(cfg), cfg.MaxSessions)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close releases idle sessions.
func (r *RouterOS) Close() error {
	return r.pool.Close()
}

// run executes one sentence on a pooled session and classifies any failure.
func (r *RouterOS) run(ctx context.Context, op string, sentence ...string) (rows []map[string]string, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	if r.metrics != nil {
		start := time.Now()
		defer func() {
			r.metrics.Operations.WithLabelValues(op, outcome(err)).Inc()
			r.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		}()
	}

	conn, err := r.pool.Get(ctx)
	if err != nil {
		return nil, classify(ctx, op, err)
	}
	if r.metrics != nil {
		r.metrics.SessionsInUse.Inc()
		defer r.metrics.SessionsInUse.Dec()
	}

	rows, err = conn.Run(ctx, sentence...)
	if err != nil {
		err = classify(ctx, op, err)
		if KindOf(err) == KindRejected {
			r.pool.Put(conn)
		} else {
			log.Debugf("Discarding session after %s: %v", op, err)
			r.pool.Discard(conn)
		}
		return nil, err
	}
	r.pool.Put(conn)
	return rows, nil
}

func classify(ctx context.Context, op string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		e.Op = op
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return &Error{Kind: KindUnreachable, Op: op, Err: err}
}

func (r *RouterOS) GetSecret(ctx context.Context, name string) (*Secret, error) {
	rows, err := r.run(ctx, "get-secret", "/ppp/secret/print", "?name="+name)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, rejected("get-secret", ErrSecretNotFound)
	}
	row := rows[0]
	return &Secret{
		ID:       row[".id"],
		Name:     row["name"],
		Profile:  row["profile"],
		Disabled: row["disabled"] == "true" || row["disabled"] == "yes",
		Comment:  row["comment"],
	}, nil
}

func (r *RouterOS) SetSecret(ctx context.Context, secret Secret) error {
	if secret.ID == "" {
		current, err := r.GetSecret(ctx, secret.Name)
		if err != nil {
			return err
		}
		secret.ID = current.ID
	}
	_, err := r.run(ctx, "set-secret", "/ppp/secret/set",
		"=.id="+secret.ID,
		"=profile="+secret.Profile,
		"=comment="+secret.Comment,
		"=disabled="+yesNo(secret.Disabled),
	)
	return err
}

func (r *RouterOS) DisconnectSession(ctx context.Context, name string) error {
	rows, err := r.run(ctx, "disconnect", "/ppp/active/print", "?name="+name)
	if err != nil {
		return err
	}
	for _, row := range rows {
		_, err := r.run(ctx, "disconnect", "/ppp/active/remove", "=.id="+row[".id"])
		// A session that dropped between print and remove is already gone.
		if err != nil && KindOf(err) != KindRejected {
			return err
		}
	}
	return nil
}

func (r *RouterOS) listEntries(ctx context.Context, op, list, address string) ([]map[string]string, error) {
	return r.run(ctx, op, "/ip/firewall/address-list/print", "?list="+list, "?address="+address)
}

func (r *RouterOS) AddToList(ctx context.Context, list, address, comment string) error {
	_, err := r.run(ctx, "list-add", "/ip/firewall/address-list/add",
		"=list="+list,
		"=address="+address,
		"=comment="+comment,
	)
	return err
}

func (r *RouterOS) RemoveFromList(ctx context.Context, list, address string) error {
	rows, err := r.listEntries(ctx, "list-remove", list, address)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := r.run(ctx, "list-remove", "/ip/firewall/address-list/remove", "=.id="+row[".id"]); err != nil {
			return err
		}
	}
	return nil
}

func (r *RouterOS) IsInList(ctx context.Context, list, address string) (bool, error) {
	rows, err := r.listEntries(ctx, "list-check", list, address)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (r *RouterOS) GetQueueNode(ctx context.Context, name string) (*QueueNode, error) {
	rows, err := r.run(ctx, "get-queue", "/queue/tree/print", "?name="+name)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]
	return &QueueNode{
		ID:         row[".id"],
		Name:       row["name"],
		Parent:     row["parent"],
		MaxLimit:   row["max-limit"],
		PacketMark: row["packet-mark"],
		Comment:    row["comment"],
	}, nil
}

func (r *RouterOS) UpsertQueueNode(ctx context.Context, node QueueNode) error {
	current, err := r.GetQueueNode(ctx, node.Name)
	if err != nil {
		return err
	}
	attrs := []string{
		"=parent=" + node.Parent,
		"=max-limit=" + node.MaxLimit,
		"=packet-mark=" + node.PacketMark,
		"=comment=" + node.Comment,
	}
	if current == nil {
		_, err = r.run(ctx, "upsert-queue", append([]string{"/queue/tree/add", "=name=" + node.Name}, attrs...)...)
		return err
	}
	_, err = r.run(ctx, "upsert-queue", append([]string{"/queue/tree/set", "=.id=" + current.ID}, attrs...)...)
	return err
}

func (r *RouterOS) RemoveQueueNode(ctx context.Context, name string) error {
	current, err := r.GetQueueNode(ctx, name)
	if err != nil || current == nil {
		return err
	}
	_, err = r.run(ctx, "remove-queue", "/queue/tree/remove", "=.id="+current.ID)
	return err
}

func (r *RouterOS) HasPacketMark(ctx context.Context, mark string) (bool, error) {
	rows, err := r.run(ctx, "packet-mark", "/ip/firewall/mangle/print", "?new-packet-mark="+mark)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (r *RouterOS) Ping(ctx context.Context, address string) (bool, error) {
	rows, err := r.run(ctx, "ping", "/ping", "=address="+address, "=count="+strconv.Itoa(r.config.PingCount))
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		if n, err := strconv.Atoi(row["received"]); err == nil && n > 0 {
			return true, nil
		}
	}
	return false, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
