package util

import "fmt"

var (
	ErrIPOutOfCIDR          = fmt.Errorf("IP out of CIDR")
	ErrOffsetOutOfCIDRRange = fmt.Errorf("offset out of CIDR range")
	ErrInvalidAddress       = fmt.Errorf("invalid address")
	ErrMissingAddress       = fmt.Errorf("customer has no IP address")
	ErrManagementAddress    = fmt.Errorf("address is the device management address")
	ErrReservedAddress      = fmt.Errorf("address is a network, gateway or broadcast address")
)
