package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// From is the sender number. A "whatsapp:" prefix routes through WhatsApp Business.
	From string
}

// TwilioSender delivers reminders as SMS or WhatsApp Business messages.
type TwilioSender struct {
	api  messageCreator
	from string
	loc  *time.Location
}

func NewTwilioSender(cfg TwilioConfig, loc *time.Location) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioSender{api: client.Api, from: strings.TrimSpace(cfg.From), loc: loc}
}

func (s *TwilioSender) ProviderID() string {
	return "twilio"
}

func (s *TwilioSender) SendReminder(ctx context.Context, n Notice) error {
	if s.from == "" {
		return errors.New("twilio sender number not configured")
	}
	phone := NormalizePhone(n.Appointment.Client.Phone)
	if phone == "" {
		return fmt.Errorf("appointment %s has no client phone", n.Appointment.ID)
	}
	to := "+" + phone
	if strings.HasPrefix(s.from, "whatsapp:") {
		to = "whatsapp:" + to
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(Text(n, s.loc))

	// The REST client takes no context; the call is abandoned when ctx ends.
	done := make(chan error, 1)
	go func() {
		_, err := s.api.CreateMessage(params)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("twilio create message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
