package store

import (
	"time"
)

// ConnectionType is how a customer attaches to the access router.
type ConnectionType string

const (
	ConnectionPPPoE    ConnectionType = "pppoe"
	ConnectionStaticIP ConnectionType = "static_ip"
)

// BillingMode is how a customer pays.
type BillingMode string

const (
	BillingPrepaid  BillingMode = "prepaid"
	BillingPostpaid BillingMode = "postpaid"
)

// CustomerStatus is the administrative status of a customer.
type CustomerStatus string

const (
	CustomerActive    CustomerStatus = "active"
	CustomerSuspended CustomerStatus = "suspended"
)

// SubscriptionStatus is the lifecycle status of a subscription row.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionReplaced  SubscriptionStatus = "replaced"
)

// ReconciliationStatus tells an operator whether the router reflects a subscription.
type ReconciliationStatus string

const (
	ReconciliationSynced  ReconciliationStatus = "synced"
	ReconciliationPending ReconciliationStatus = "pending"
	ReconciliationFailed  ReconciliationStatus = "failed"
)

// Customer is a billing customer as seen by the provisioning core.
type Customer struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	Phone          string         `json:"phone,omitempty"`
	ConnectionType ConnectionType `json:"connection_type"`
	PPPoEUsername  string         `json:"pppoe_username,omitempty"`
	IPAddress      string         `json:"ip_address,omitempty"` // host address or CIDR block
	BillingMode    BillingMode    `json:"billing_mode"`
	Isolated       bool           `json:"isolated"`
	Status         CustomerStatus `json:"status"`
}

// Package is the network shape sold with a subscription.
type Package struct {
	ID                  int64  `json:"id"`
	Name                string `json:"name"`
	Profile             string `json:"profile,omitempty"`
	ParentDownloadQueue string `json:"parent_download_queue,omitempty"`
	ParentUploadQueue   string `json:"parent_upload_queue,omitempty"`
	DownloadMbps        int    `json:"download_mbps"`
	UploadMbps          int    `json:"upload_mbps"`
}

// Subscription is one purchased period of service.
type Subscription struct {
	ID                   int64                `json:"id"`
	CustomerID           int64                `json:"customer_id"`
	PackageID            int64                `json:"package_id"`
	Package              *Package             `json:"package,omitempty"`
	ActivationDate       time.Time            `json:"activation_date"`
	ExpiryDate           time.Time            `json:"expiry_date"`
	Status               SubscriptionStatus   `json:"status"`
	ReconciliationStatus ReconciliationStatus `json:"reconciliation_status,omitempty"`
	ReconciliationDetail string               `json:"reconciliation_detail,omitempty"`
	ReconciledAt         *time.Time           `json:"reconciled_at,omitempty"`
}

// ActiveAt reports whether the subscription grants service at t.
func (s *Subscription) ActiveAt(t time.Time) bool {
	return s != nil && s.Status == SubscriptionActive && t.Before(s.ExpiryDate)
}

// MonitoringPhase is a stage of the outage escalation.
type MonitoringPhase string

const (
	PhaseNormal               MonitoringPhase = "normal"
	PhaseTimeout5             MonitoringPhase = "timeout_5"
	PhaseTimeout10            MonitoringPhase = "timeout_10"
	PhaseAwaitingConfirmation MonitoringPhase = "awaiting_confirmation_12"
	PhaseTicketCreated        MonitoringPhase = "ticket_created"
	PhaseResolved             MonitoringPhase = "resolved"
)

// MonitoringState is the persisted outage escalation state of one customer.
type MonitoringState struct {
	CustomerID       int64           `json:"customer_id" cbor:"customer_id"`
	Phase            MonitoringPhase `json:"state" cbor:"state"`
	TimeoutStartedAt *time.Time      `json:"timeout_started_at,omitempty" cbor:"timeout_started_at"`
	AwaitingResponse bool            `json:"awaiting_response" cbor:"awaiting_response"`
	ResponseReceived bool            `json:"response_received" cbor:"response_received"`
	TicketID         string          `json:"ticket_id,omitempty" cbor:"ticket_id"`
	UpdatedAt        time.Time       `json:"updated_at" cbor:"updated_at"`
}

// Reset clears every escalation field and returns the state to normal.
func (m *MonitoringState) Reset() {
	m.Phase = PhaseNormal
	m.TimeoutStartedAt = nil
	m.AwaitingResponse = false
	m.ResponseReceived = false
	m.TicketID = ""
}
