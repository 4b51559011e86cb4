// Package ticket opens technician tickets in the helpdesk system.
package ticket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// Priority of a ticket.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

var ErrNoTicketID = fmt.Errorf("helpdesk response carried no ticket id")

// Request describes a ticket to open.
type Request struct {
	CustomerID  int64
	Title       string
	Description string
	Priority    Priority

	// Ref identifies the incident. Creating a ticket again with the same Ref
	// returns the ticket already opened for it.
	Ref string
}

// Ticketing creates technician tickets.
type Ticketing interface {
	CreateTicket(ctx context.Context, req Request) (string, error)
}

type createRequest struct {
	CustomerID  int64    `json:"customer_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
	ExternalRef string   `json:"external_ref,omitempty"`
}

type createResponse struct {
	ID string `json:"id"`
}

// Client creates tickets through the helpdesk HTTP API.
type Client struct {
	http *resty.Client
}

// NewClient creates a helpdesk client for baseURL.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &Client{http: client}
}

// CreateTicket posts the ticket. The Ref is sent as the Idempotency-Key so a
// retried request does not open a second ticket.
func (c *Client) CreateTicket(ctx context.Context, req Request) (string, error) {
	var out createResponse
	r := c.http.R().
		SetContext(ctx).
		SetBody(createRequest{
			CustomerID:  req.CustomerID,
			Title:       req.Title,
			Description: req.Description,
			Priority:    req.Priority,
			ExternalRef: req.Ref,
		}).
		SetResult(&out)
	if req.Ref != "" {
		r.SetHeader("Idempotency-Key", req.Ref)
	}
	resp, err := r.Post("/tickets")
	if err != nil {
		return "", fmt.Errorf("failed to call helpdesk: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("helpdesk returned %d: %s", resp.StatusCode(), resp.String())
	}
	if out.ID == "" {
		return "", ErrNoTicketID
	}
	return out.ID, nil
}

// Ticket is a ticket held by Memory.
type Ticket struct {
	ID          string
	CustomerID  int64
	Title       string
	Description string
	Priority    Priority
	Ref         string
	CreatedAt   time.Time
}

// Memory keeps tickets in process. It stands in when no helpdesk is
// configured.
type Memory struct {
	mu      sync.Mutex
	tickets []Ticket
	byRef   map[string]string
}

func NewMemory() *Memory {
	return &Memory{byRef: make(map[string]string)}
}

func (m *Memory) CreateTicket(ctx context.Context, req Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byRef[req.Ref]; ok && req.Ref != "" {
		return id, nil
	}
	t := Ticket{
		ID:          "T-" + uuid.NewString()[:8],
		CustomerID:  req.CustomerID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		Ref:         req.Ref,
		CreatedAt:   time.Now().UTC(),
	}
	m.tickets = append(m.tickets, t)
	if req.Ref != "" {
		if m.byRef == nil {
			m.byRef = make(map[string]string)
		}
		m.byRef[req.Ref] = t.ID
	}
	return t.ID, nil
}

// Tickets returns a copy of every ticket created so far.
func (m *Memory) Tickets() []Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Ticket(nil), m.tickets...)
}
