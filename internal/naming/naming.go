// Package naming derives device object names from customer identity. Every
// name the reconciler writes to the router comes from here so that repeated
// runs address the same objects.
package naming

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gosimple/slug"
)

const (
	// DownloadSuffix and UploadSuffix terminate the two queue node names.
	DownloadSuffix = "_DOWNLOAD"
	UploadSuffix   = "_UPLOAD"

	// maxQueueBaseLength keeps names well inside the router's name limit
	// once a suffix is appended.
	maxQueueBaseLength = 48
)

// QueueNames are the queue tree node names of one customer.
type QueueNames struct {
	Base     string
	Download string
	Upload   string
}

// PacketMarks are the mangle packet marks a customer's queue nodes match on.
type PacketMarks struct {
	Download string
	Upload   string
}

// QueueBase returns the collision-free base name for a customer. The customer
// ID is always part of the name, so two customers sharing a display name
// never share a queue.
func QueueBase(customerID int64, name string) string {
	id := strconv.FormatInt(customerID, 10)

	s := slug.Make(name)
	if s == "" {
		return "cust-" + id
	}
	if limit := maxQueueBaseLength - len(id) - 1; len(s) > limit {
		s = strings.TrimRight(s[:limit], "-")
	}
	return s + "-" + id
}

// Queues returns the download and upload queue node names for a customer.
func Queues(customerID int64, name string) QueueNames {
	base := QueueBase(customerID, name)
	return QueueNames{
		Base:     base,
		Download: base + DownloadSuffix,
		Upload:   base + UploadSuffix,
	}
}

// Marks returns the packet marks expected for a customer host address.
func Marks(hostIP string) PacketMarks {
	return PacketMarks{
		Download: hostIP + "-download",
		Upload:   hostIP + "-upload",
	}
}

// Rate formats a bandwidth in Mbps as a router max-limit value.
func Rate(mbps int) string {
	return fmt.Sprintf("%dM", mbps)
}

// ParseRate converts a router max-limit value such as "10M", "512k" or
// "10000000" to bits per second. Routers report limits in either form.
func ParseRate(rate string) (int64, error) {
	rate = strings.TrimSpace(rate)
	if rate == "" {
		return 0, nil
	}

	multiplier := int64(1)
	switch rate[len(rate)-1] {
	case 'k', 'K':
		multiplier = 1_000
	case 'M':
		multiplier = 1_000_000
	case 'G':
		multiplier = 1_000_000_000
	}
	if multiplier != 1 {
		rate = rate[:len(rate)-1]
	}

	n, err := strconv.ParseInt(rate, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q: %w", rate, err)
	}
	return n * multiplier, nil
}

// SameRate reports whether two max-limit values describe the same bandwidth.
func SameRate(a, b string) bool {
	ra, errA := ParseRate(a)
	rb, errB := ParseRate(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return ra == rb
}

// Comment returns the comment stamped on every object owned by a customer.
func Comment(customerID int64, name string) string {
	if name == "" {
		return fmt.Sprintf("meridian:%d", customerID)
	}
	return fmt.Sprintf("meridian:%d %s", customerID, name)
}
