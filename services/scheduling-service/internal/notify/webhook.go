package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// WebhookSender posts notices as JSON to an HTTP endpoint, typically the chat bot that owns
// the client conversation.
type WebhookSender struct {
	endpoint string
	token    string
	loc      *time.Location
	client   *http.Client
}

func NewWebhookSender(endpoint, token string, loc *time.Location) *WebhookSender {
	return &WebhookSender{
		endpoint: strings.TrimSpace(endpoint),
		token:    strings.TrimSpace(token),
		loc:      loc,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *WebhookSender) ProviderID() string { return "webhook" }

type webhookPayload struct {
	ReminderID    string `json:"reminder_id"`
	Kind          string `json:"kind"`
	AppointmentID string `json:"appointment_id"`
	CompanyID     string `json:"company_id"`
	ChatID        string `json:"chat_id,omitempty"`
	To            string `json:"to"`
	Body          string `json:"body"`
}

var errNoWebhook = errors.New("notify: webhook endpoint not configured")

func (s *WebhookSender) SendReminder(ctx context.Context, n Notice) error {
	if s.endpoint == "" {
		return errNoWebhook
	}
	body, err := json.Marshal(webhookPayload{
		ReminderID:    n.ReminderID,
		Kind:          string(n.Kind),
		AppointmentID: n.Appointment.ID,
		CompanyID:     n.Appointment.CompanyID,
		ChatID:        n.Appointment.ChatID,
		To:            NormalizePhone(n.Appointment.Client.Phone),
		Body:          Text(n, s.loc),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	// Receivers dedupe retries of the same reminder on this key.
	req.Header.Set("Idempotency-Key", n.ReminderID)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return fmt.Errorf("notify: webhook status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
}
