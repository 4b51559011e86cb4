package device

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Conn is one control session with the router. Run executes a command
// sentence and returns the attribute maps of the reply.
type Conn interface {
	Run(ctx context.Context, sentence ...string) ([]map[string]string, error)
	Close() error
}

// Dialer opens a new session.
type Dialer func(ctx context.Context) (Conn, error)

// Pool bounds the number of concurrent sessions with a router and reuses idle
// ones. Callers beyond the limit wait in Get until a session is returned or
// their context ends.
type Pool struct {
	dial Dialer
	sem  *semaphore.Weighted

	mu     sync.Mutex
	idle   []Conn
	closed bool
}

// NewPool creates a pool allowing at most maxSessions sessions at once.
func NewPool(dial Dialer, maxSessions int) *Pool {
	if maxSessions < 1 {
		maxSessions = 1
	}
	return &Pool{
		dial: dial,
		sem:  semaphore.NewWeighted(int64(maxSessions)),
	}
}

// Get returns an idle session or dials a new one. Every successful Get must be
// followed by Put or Discard.
func (p *Pool) Get(ctx context.Context) (Conn, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := p.dial(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return conn, nil
}

// Put returns a healthy session to the pool.
func (p *Pool) Put(conn Conn) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
	} else {
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
	p.sem.Release(1)
}

// Discard closes a broken session and frees its slot.
func (p *Pool) Discard(conn Conn) {
	conn.Close()
	p.sem.Release(1)
}

// Idle returns the number of idle sessions.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close closes idle sessions. Sessions in use are closed when returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for _, conn := range p.idle {
		conn.Close()
	}
	p.idle = nil
	return nil
}
