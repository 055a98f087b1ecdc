package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/libs/kafkax"
)

// ReminderDueTopic carries reminders for an external chat agent to deliver.
const ReminderDueTopic = "scheduling.reminder.due.v1"

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSender hands the notice to whoever consumes ReminderDueTopic, keyed by appointment so a
// client's reminders stay ordered.
type KafkaSender struct {
	writer MessageWriter
	loc    *time.Location
}

func NewKafkaSender(writer MessageWriter, loc *time.Location) *KafkaSender {
	return &KafkaSender{writer: writer, loc: loc}
}

func (s *KafkaSender) ProviderID() string {
	return "kafka"
}

func (s *KafkaSender) SendReminder(ctx context.Context, n Notice) error {
	a := n.Appointment
	payload, err := json.Marshal(map[string]any{
		"reminder_id":    n.ReminderID,
		"kind":           string(n.Kind),
		"appointment_id": a.ID,
		"company_id":     a.CompanyID,
		"chat_id":        a.ChatID,
		"to":             NormalizePhone(a.Client.Phone),
		"starts_at":      a.StartsAt.UTC().Format(time.RFC3339),
		"body":           Text(n, s.loc),
	})
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic:   ReminderDueTopic,
		Key:     []byte(a.ID),
		Value:   payload,
		Headers: kafkax.Headers(kafkax.EventMeta{EventID: n.ReminderID, EventType: ReminderDueTopic}),
	}
	msg.Headers = kafkax.InjectTraceHeaders(ctx, msg.Headers)
	return s.writer.WriteMessages(ctx, msg)
}
