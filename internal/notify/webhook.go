package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Message is the JSON body posted to the notification service.
type Message struct {
	CustomerID int64             `json:"customer_id"`
	Kind       Kind              `json:"kind"`
	Params     map[string]string `json:"params,omitempty"`
	SentAt     time.Time         `json:"sent_at"`
}

// Webhook posts notifications to an HTTP notification service, which owns
// templates and the chat transport.
type Webhook struct {
	client *resty.Client
}

// NewWebhook creates a notifier posting to baseURL + "/notifications".
func NewWebhook(baseURL, token string, timeout time.Duration) *Webhook {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &Webhook{client: client}
}

func (w *Webhook) Notify(ctx context.Context, customerID int64, kind Kind, params map[string]string) error {
	if !kind.Valid() {
		return fmt.Errorf("%q: %w", kind, ErrUnknownKind)
	}

	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(Message{CustomerID: customerID, Kind: kind, Params: params, SentAt: time.Now().UTC()}).
		Post("/notifications")
	if err != nil {
		return fmt.Errorf("failed to call notification service: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notification service returned %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
