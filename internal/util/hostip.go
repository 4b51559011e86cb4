package util

import (
	"fmt"
	"math/big"
	"net"
	"strings"

	"github.com/apparentlymart/go-cidr/cidr"
)

// sharedBlockPrefix is the prefix length of point-to-point customer blocks
// where the first usable address is the gateway and the second the host.
const sharedBlockPrefix = 30

// hostOffset is the offset of the customer host within a shared block.
var hostOffset = big.NewInt(2)

// ResolveHostIP returns the customer host address for addr, which is either a
// bare IP or an address in CIDR notation. Any address inside a /30 resolves to
// the block's second usable address; every other prefix is returned unchanged.
func ResolveHostIP(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !strings.Contains(addr, "/") {
		ip := net.ParseIP(addr)
		if ip == nil {
			return "", fmt.Errorf("%q: %w", addr, ErrInvalidAddress)
		}
		return ip.String(), nil
	}

	ip, network, err := net.ParseCIDR(addr)
	if err != nil {
		return "", fmt.Errorf("%q: %w", addr, ErrInvalidAddress)
	}

	ones, bits := network.Mask.Size()
	if bits != 32 || ones != sharedBlockPrefix {
		return ip.String(), nil
	}

	host, err := OffsetToIP(network, hostOffset)
	if err != nil {
		return "", err
	}
	return host.To4().String(), nil
}

// CheckHostIP rejects host addresses that cannot belong to a customer: the
// router's own management address, and the network, gateway or broadcast
// address of the subnet addr was configured with.
func CheckHostIP(addr string, host, management net.IP) error {
	if host == nil {
		return ErrInvalidAddress
	}
	if management != nil && host.Equal(management) {
		return fmt.Errorf("%s: %w", host, ErrManagementAddress)
	}

	if !strings.Contains(addr, "/") {
		return nil
	}
	_, network, err := net.ParseCIDR(strings.TrimSpace(addr))
	if err != nil {
		return fmt.Errorf("%q: %w", addr, ErrInvalidAddress)
	}

	ones, bits := network.Mask.Size()
	if bits != 32 || bits-ones < 2 {
		// /31 and /32 have no network or broadcast address
		return nil
	}

	if _, err := IPToOffset(network, host); err != nil {
		return err
	}

	first, last := cidr.AddressRange(network)
	gateway, err := cidr.Host(network, 1)
	if err != nil {
		return err
	}
	for _, reserved := range []net.IP{first, gateway, last} {
		if host.Equal(reserved) {
			return fmt.Errorf("%s in %s: %w", host, network, ErrReservedAddress)
		}
	}
	return nil
}

// HostResolver maps a customer's configured address to the host address that
// is provisioned on the router and probed for outages.
type HostResolver struct {
	// Overrides pins the configured address of individual customers.
	Overrides map[int64]string

	// Management is the router's own address, never a customer host.
	Management net.IP
}

// Resolve applies any override for customerID to addr, resolves the host and
// rejects reserved or management addresses.
func (r HostResolver) Resolve(customerID int64, addr string) (string, error) {
	if override, ok := r.Overrides[customerID]; ok {
		addr = override
	}
	if strings.TrimSpace(addr) == "" {
		return "", ErrMissingAddress
	}

	host, err := ResolveHostIP(addr)
	if err != nil {
		return "", err
	}
	if err := CheckHostIP(addr, net.ParseIP(host), r.Management); err != nil {
		return "", err
	}
	return host, nil
}
