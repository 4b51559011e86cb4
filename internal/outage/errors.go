package outage

import "fmt"

var (
	ErrNotTicketed        = fmt.Errorf("customer has no open ticket")
	ErrNotAwaiting        = fmt.Errorf("customer is not awaiting confirmation")
	ErrNoConversation     = fmt.Errorf("no pending confirmation for this phone")
	ErrUnrecognizedAnswer = fmt.Errorf("unrecognized confirmation answer")
	ErrNoTicketing        = fmt.Errorf("no ticketing service configured")
	ErrStateChanged       = fmt.Errorf("monitoring state changed during check")
)
