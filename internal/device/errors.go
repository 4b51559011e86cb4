package device

import (
	"errors"
	"fmt"
)

// Kind classifies an expected device failure.
type Kind int

const (
	// KindUnreachable means the transport failed and the device state is unknown.
	KindUnreachable Kind = iota + 1
	// KindRejected means the device answered but refused the command, usually
	// because the target object does not exist.
	KindRejected
	// KindTimeout means the operation did not finish within its deadline.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindRejected:
		return "rejected"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

var (
	ErrUnreachable = fmt.Errorf("device unreachable")
	ErrRejected    = fmt.Errorf("device rejected command")
	ErrTimeout     = fmt.Errorf("device timeout")

	ErrSecretNotFound = fmt.Errorf("secret not found")
	ErrPoolClosed     = fmt.Errorf("session pool closed")
)

// Error is the typed result of a failed gateway operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("device %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("device %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnreachable:
		return e.Kind == KindUnreachable
	case ErrRejected:
		return e.Kind == KindRejected
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

// KindOf returns the kind of a gateway error, or 0 if err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func rejected(op string, err error) *Error {
	return &Error{Kind: KindRejected, Op: op, Err: err}
}
