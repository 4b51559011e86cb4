// Package audit records what the provisioning core did to the router and to
// customer incidents, for operators and later dispute resolution.
package audit

import (
	"net"
	"time"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Admin API events
	EventAPIAccess       EventType = "API_ACCESS"
	EventAPIAuthFailure  EventType = "API_AUTH_FAILURE"
	EventAPIAccessDenied EventType = "API_ACCESS_DENIED"
	EventAPIError        EventType = "API_ERROR"

	// Billing-triggered events
	EventSubscriptionActivated EventType = "SUBSCRIPTION_ACTIVATED"
	EventSubscriptionExpired   EventType = "SUBSCRIPTION_EXPIRED"

	// Reconciliation events
	EventReconcileStep      EventType = "RECONCILE_STEP"
	EventReconcileCompleted EventType = "RECONCILE_COMPLETED"

	// Outage events
	EventOutageTransition  EventType = "OUTAGE_TRANSITION"
	EventTicketCreated     EventType = "TICKET_CREATED"
	EventOutageResolved    EventType = "OUTAGE_RESOLVED"
	EventCustomerConfirmed EventType = "CUSTOMER_CONFIRMED"

	// System events
	EventSystemStart EventType = "SYSTEM_START"
	EventSystemStop  EventType = "SYSTEM_STOP"
	EventSystemError EventType = "SYSTEM_ERROR"
)

// Severity represents the severity of an event.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityNotice
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "DEBUG"
	case SeverityInfo:
		return "INFO"
	case SeverityNotice:
		return "NOTICE"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// GetSeverity returns the severity for an event type.
func (e EventType) GetSeverity() Severity {
	switch e {
	case EventReconcileStep:
		return SeverityDebug
	case EventAPIAuthFailure, EventAPIAccessDenied:
		return SeverityWarning
	case EventTicketCreated:
		return SeverityWarning
	case EventAPIError, EventSystemError:
		return SeverityError
	case EventSubscriptionActivated, EventSubscriptionExpired, EventOutageResolved:
		return SeverityNotice
	default:
		return SeverityInfo
	}
}

// Category returns the category for an event type.
func (e EventType) Category() string {
	switch e {
	case EventAPIAccess, EventAPIAuthFailure, EventAPIAccessDenied, EventAPIError:
		return "api"
	case EventSubscriptionActivated, EventSubscriptionExpired:
		return "billing"
	case EventReconcileStep, EventReconcileCompleted:
		return "reconcile"
	case EventOutageTransition, EventTicketCreated, EventOutageResolved, EventCustomerConfirmed:
		return "outage"
	case EventSystemStart, EventSystemStop, EventSystemError:
		return "system"
	default:
		return "other"
	}
}

// Event represents a single audit event.
type Event struct {
	// Core fields
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	ServerID  string    `json:"server_id"`

	// Actor information
	ActorID   string `json:"actor_id,omitempty"`   // operator, technician or service
	ActorType string `json:"actor_type,omitempty"` // "user", "service", "system"

	// Request context
	RequestID   string `json:"request_id,omitempty"`
	SourceIP    net.IP `json:"source_ip,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	APIEndpoint string `json:"api_endpoint,omitempty"`
	HTTPMethod  string `json:"http_method,omitempty"`
	HTTPStatus  int    `json:"http_status,omitempty"`

	// Customer context
	CustomerID     int64  `json:"customer_id,omitempty"`
	SubscriptionID int64  `json:"subscription_id,omitempty"`
	Step           string `json:"step,omitempty"`    // reconcile step, e.g. "queue-download"
	Outcome        string `json:"outcome,omitempty"` // step outcome or reconciliation status
	FromState      string `json:"from_state,omitempty"`
	ToState        string `json:"to_state,omitempty"`
	TicketID       string `json:"ticket_id,omitempty"`

	// Result information
	Success      bool   `json:"success"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	// Retention
	RetentionDays int       `json:"retention_days,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
}
