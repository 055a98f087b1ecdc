// Package notify delivers reminder notices to clients over the configured channel.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/model"
)

// Notice is one reminder to deliver. ReminderID is stable across retries and is the
// idempotency key handed to channels that support one.
type Notice struct {
	ReminderID  string
	Kind        model.ReminderKind
	Appointment model.Appointment
	// SentAt is when the message goes out; the text phrases the appointment day relative to it.
	SentAt      time.Time
}

type Sender interface {
	SendReminder(ctx context.Context, n Notice) error
	ProviderID() string
}

// LogSender only logs the notice. It is the default channel for local runs.
type LogSender struct {
	logger *slog.Logger
	loc    *time.Location
}

func NewLogSender(logger *slog.Logger, loc *time.Location) *LogSender {
	return &LogSender{logger: logger, loc: loc}
}

func (s *LogSender) ProviderID() string {
	return "log"
}

func (s *LogSender) SendReminder(_ context.Context, n Notice) error {
	s.logger.Info("reminder notice",
		"reminder_id", n.ReminderID,
		"kind", string(n.Kind),
		"appointment_id", n.Appointment.ID,
		"company_id", n.Appointment.CompanyID,
		"to", n.Appointment.Client.Phone,
		"body", Text(n, s.loc),
	)
	return nil
}

// NormalizePhone reduces a phone number to digits in international form. Local Brazilian
// numbers (area code plus 8 or 9 digits) get the 55 country code.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := strings.TrimLeft(b.String(), "0")
	if (len(digits) == 10 || len(digits) == 11) && !strings.HasPrefix(digits, "55") {
		digits = "55" + digits
	}
	return digits
}
