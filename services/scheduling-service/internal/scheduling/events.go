package scheduling

import (
	"encoding/json"
	"time"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/model"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/outbox"
)

const (
	EventBooked      = "scheduling.appointment.booked.v1"
	EventRescheduled = "scheduling.appointment.rescheduled.v1"
	EventCanceled    = "scheduling.appointment.canceled.v1"
	EventConfirmed   = "scheduling.appointment.confirmed.v1"
	EventStarted     = "scheduling.appointment.started.v1"
	EventCompleted   = "scheduling.appointment.completed.v1"
	EventNoShow      = "scheduling.appointment.no_show.v1"
)

func appointmentEvent(eventType string, a model.Appointment, at time.Time, extra map[string]any) (outbox.Event, error) {
	payload := map[string]any{
		"appointment_id":       a.ID,
		"company_id":           a.CompanyID,
		"chat_id":              a.ChatID,
		"client_name":          a.Client.Name,
		"client_phone":         a.Client.Phone,
		"pet_name":             a.Pet.Name,
		"service_id":           a.Service.ID,
		"service_name":         a.Service.Name,
		"date":                 a.Date,
		"time":                 a.Time,
		"starts_at":            a.StartsAt.UTC().Format(time.RFC3339),
		"ends_at":              a.EndsAt.UTC().Format(time.RFC3339),
		"status":               string(a.Status),
		"confirmed_by_client":  a.ConfirmedByClient,
		"confirmed_by_company": a.ConfirmedByCompany,
		"occurred_at":          at.UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: "appointment",
		AggregateID:   a.ID,
		EventType:     eventType,
		Payload:       raw,
	}, nil
}
