// Package device talks to the access router. It carries no business logic:
// every operation is a single read or write, bounded by a timeout, and expected
// failures come back as *Error values rather than panics or silent drops.
package device

import (
	"context"
	"time"
)

const (
	// DefaultTimeout bounds every gateway operation.
	DefaultTimeout = 8 * time.Second

	// DefaultMaxSessions is the number of concurrent API sessions the router
	// is known to accept safely.
	DefaultMaxSessions = 4

	// DefaultPingCount is the number of echo requests per probe.
	DefaultPingCount = 2
)

// Gateway is the router control surface used by the reconciler and the
// outage detector.
type Gateway interface {
	// GetSecret returns a KindRejected error wrapping ErrSecretNotFound when
	// the secret does not exist.
	GetSecret(ctx context.Context, name string) (*Secret, error)
	SetSecret(ctx context.Context, secret Secret) error
	// DisconnectSession succeeds when the user is not connected.
	DisconnectSession(ctx context.Context, name string) error

	AddToList(ctx context.Context, list, address, comment string) error
	RemoveFromList(ctx context.Context, list, address string) error
	IsInList(ctx context.Context, list, address string) (bool, error)

	// GetQueueNode returns nil without error when the node does not exist.
	GetQueueNode(ctx context.Context, name string) (*QueueNode, error)
	UpsertQueueNode(ctx context.Context, node QueueNode) error
	RemoveQueueNode(ctx context.Context, name string) error
	HasPacketMark(ctx context.Context, mark string) (bool, error)

	// Ping asks the router to probe address and reports whether any reply
	// came back.
	Ping(ctx context.Context, address string) (bool, error)
}

// Config holds the connection settings of one router.
type Config struct {
	Address     string
	Username    string
	Password    string
	Timeout     time.Duration
	MaxSessions int
	PingCount   int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Address:     "192.168.88.1:8728",
		Username:    "admin",
		Timeout:     DefaultTimeout,
		MaxSessions: DefaultMaxSessions,
		PingCount:   DefaultPingCount,
	}
}
