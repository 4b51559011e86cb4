package device

import "github.com/codelaboratoryltd/meridian/internal/naming"

// Address lists a customer host moves between.
const (
	ListActive    = "active"
	ListNoPackage = "no-package"
)

// Secret is a PPP credential on the device.
type Secret struct {
	ID       string `json:"-"`
	Name     string `json:"name"`
	Profile  string `json:"profile"`
	Disabled bool   `json:"disabled"`
	Comment  string `json:"comment,omitempty"`
}

// ListEntry is an address list membership.
type ListEntry struct {
	ID      string `json:"-"`
	List    string `json:"list"`
	Address string `json:"address"`
	Comment string `json:"comment,omitempty"`
}

// QueueNode is a queue tree entry shaping one direction of a customer's traffic.
type QueueNode struct {
	ID         string `json:"-"`
	Name       string `json:"name"`
	Parent     string `json:"parent"`
	MaxLimit   string `json:"max_limit"`
	PacketMark string `json:"packet_mark"`
	Comment    string `json:"comment,omitempty"`
}

// Matches reports whether the node already has the shape of want. Names and
// comments are not compared.
func (q *QueueNode) Matches(want QueueNode) bool {
	return q != nil &&
		q.Parent == want.Parent &&
		q.PacketMark == want.PacketMark &&
		naming.SameRate(q.MaxLimit, want.MaxLimit)
}
