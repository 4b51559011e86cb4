package store

import "fmt"

var (
	ErrMalformedKey         = fmt.Errorf("malformed key")
	ErrCustomerNotFound     = fmt.Errorf("customer not found")
	ErrPackageNotFound      = fmt.Errorf("package not found")
	ErrSubscriptionNotFound = fmt.Errorf("subscription not found")
	ErrMonitoringNotFound   = fmt.Errorf("monitoring state not found")
	ErrInvalidPeriod        = fmt.Errorf("expiry date must be after activation date")
	ErrConcurrentActivation = fmt.Errorf("another activation for this customer committed first")
)
