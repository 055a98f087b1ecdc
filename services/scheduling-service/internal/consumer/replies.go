package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/model"
)

// Reply is what the chat agent publishes when a client answers a reminder.
type Reply struct {
	CompanyID     string `json:"company_id"`
	AppointmentID string `json:"appointment_id"`
	Action        string `json:"action"`
	Reason        string `json:"reason,omitempty"`
}

// Appointments is the slice of the scheduling service a reply can drive.
type Appointments interface {
	Confirm(ctx context.Context, companyID, id string, by model.Party) (model.Appointment, error)
	Cancel(ctx context.Context, companyID, id, reason string) (model.Appointment, error)
}

// ReplyHandler applies client replies. Malformed replies are permanent failures, replies
// that the appointment's state no longer accepts are dropped with a warning, and anything
// else (a busy tenant, a storage error) is returned for retry.
func ReplyHandler(svc Appointments, logger *slog.Logger) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var r Reply
		if err := json.Unmarshal(msg.Value, &r); err != nil {
			return Permanent(fmt.Errorf("decode reply: %w", err))
		}
		if r.CompanyID == "" || r.AppointmentID == "" {
			return Permanent(errors.New("reply missing company_id or appointment_id"))
		}

		var err error
		switch strings.ToLower(strings.TrimSpace(r.Action)) {
		case "confirm":
			_, err = svc.Confirm(ctx, r.CompanyID, r.AppointmentID, model.PartyClient)
		case "cancel":
			reason := r.Reason
			if reason == "" {
				reason = "canceled by client via chat"
			}
			_, err = svc.Cancel(ctx, r.CompanyID, r.AppointmentID, reason)
		default:
			return Permanent(fmt.Errorf("unknown reply action %q", r.Action))
		}

		if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrInvalidTransition) {
			logger.Warn("reply dropped", "appointment_id", r.AppointmentID, "action", r.Action, "err", err)
			return nil
		}
		return err
	}
}
