// Package reminders computes the reminder schedule of an appointment.
package reminders

import (
	"time"

	"github.com/google/uuid"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/model"
)

// Plan returns one reminder per kind whose trigger instant is strictly after now.
// Triggers already due or past are skipped, never backfilled.
// Plan is a pure function of the appointment's schedule, so it can be rerun at any time.
func Plan(appt model.Appointment, now time.Time) []model.Reminder {
	if appt.Status.Terminal() || appt.Status == model.StatusInProgress {
		return nil
	}
	out := make([]model.Reminder, 0, len(model.ReminderKinds))
	for _, kind := range model.ReminderKinds {
		at := appt.StartsAt.Add(-kind.Offset())
		if !at.After(now) {
			continue
		}
		out = append(out, model.Reminder{
			ID:            uuid.NewString(),
			AppointmentID: appt.ID,
			CompanyID:     appt.CompanyID,
			Kind:          kind,
			ScheduledFor:  at,
			NextAttemptAt: at,
			CreatedAt:     now,
		})
	}
	return out
}

// Missing returns the planned reminders that have no pending or sent counterpart in existing.
// Matching is on kind and trigger instant; it lets replanning stay idempotent.
func Missing(planned, existing []model.Reminder) []model.Reminder {
	type key struct {
		kind model.ReminderKind
		at   int64
	}
	seen := make(map[key]struct{}, len(existing))
	for _, r := range existing {
		if r.InvalidatedAt != nil {
			continue
		}
		seen[key{r.Kind, r.ScheduledFor.UnixNano()}] = struct{}{}
	}
	var out []model.Reminder
	for _, r := range planned {
		if _, ok := seen[key{r.Kind, r.ScheduledFor.UnixNano()}]; ok {
			continue
		}
		out = append(out, r)
	}
	return out
}
