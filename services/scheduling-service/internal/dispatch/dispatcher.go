// Package dispatch delivers due reminders and runs the periodic jobs of the service.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/model"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/notify"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/outbox"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/storage"
)

const (
	EventReminderSent   = "scheduling.reminder.sent.v1"
	EventReminderFailed = "scheduling.reminder.failed.v1"
)

// leaseGrace pads the claim lease beyond the send timeout for the settle transaction.
const leaseGrace = 30 * time.Second

type Config struct {
	BatchSize   int
	Concurrency int
	SendTimeout time.Duration
	// MaxAttempts is how many sends are tried before a reminder is given up.
	MaxAttempts int
	// RetryBackoff is the wait after the first failure. It doubles per attempt up to MaxBackoff.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

type Dispatcher struct {
	store  storage.Store
	sender notify.Sender
	logger *slog.Logger
	cfg    Config
}

func NewDispatcher(store storage.Store, sender notify.Sender, logger *slog.Logger, cfg Config) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Minute
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = max(time.Hour, cfg.RetryBackoff)
	}
	return &Dispatcher{store: store, sender: sender, logger: logger, cfg: cfg}
}

// DispatchDue sends every reminder due at now and reports how many were sent. Failed sends
// are retried with backoff on later scans; only storage failures are returned.
func (d *Dispatcher) DispatchDue(ctx context.Context, now time.Time) (int, error) {
	started := time.Now()
	due, err := d.store.FindDueReminders(ctx, now, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("find due reminders: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	var sent atomic.Int64
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for _, r := range due {
		g.Go(func() error {
			// Leases are measured from when the claim happens, not from when the scan began.
			lease := now.Add(time.Since(started) + d.cfg.SendTimeout + leaseGrace).Truncate(time.Microsecond)
			ok, err := d.dispatchOne(ctx, r.ID, now, lease)
			if err != nil {
				return fmt.Errorf("dispatch reminder %s: %w", r.ID, err)
			}
			if ok {
				sent.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	return int(sent.Load()), err
}

// dispatchOne claims the reminder, sends it with no lock held and settles the outcome in a
// second short transaction.
func (d *Dispatcher) dispatchOne(ctx context.Context, id string, now, lease time.Time) (bool, error) {
	due, err := d.store.ClaimReminder(ctx, id, now, lease)
	if err != nil {
		return false, d.unavailable(id, err)
	}
	r, appt := due.Reminder, due.Appointment

	if reason := skipReason(appt, now); reason != "" {
		err := d.settle(ctx, r, lease, func(ctx context.Context, tx storage.ReminderTx) error {
			return tx.Invalidate(ctx, now)
		})
		if err == nil {
			d.logger.Info("reminder invalidated",
				"reminder_id", r.ID,
				"appointment_id", appt.ID,
				"kind", string(r.Kind),
				"reason", reason,
			)
		}
		return false, d.unavailable(id, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	sendErr := d.sender.SendReminder(sendCtx, notify.Notice{ReminderID: r.ID, Kind: r.Kind, Appointment: appt, SentAt: now})
	cancel()
	if sendErr != nil {
		return false, d.unavailable(id, d.recordFailure(ctx, r, appt, now, lease, sendErr))
	}

	var delivered bool
	err = d.settle(ctx, r, lease, func(ctx context.Context, tx storage.ReminderTx) error {
		// A cancel that raced the send invalidates the reminder itself; this catches a status
		// change that left the reminder pending.
		if cur := tx.Appointment(); cur.Status.Terminal() {
			d.logger.Warn("reminder delivered after appointment closed",
				"reminder_id", r.ID,
				"appointment_id", cur.ID,
				"status", string(cur.Status),
			)
			return tx.Invalidate(ctx, now)
		}
		if err := tx.MarkSent(ctx, now); err != nil {
			return err
		}
		evt, err := reminderEvent(EventReminderSent, r, appt, now, map[string]any{
			"sent_at":  now.UTC().Format(time.RFC3339),
			"provider": d.sender.ProviderID(),
		})
		if err != nil {
			return err
		}
		delivered = true
		return tx.AppendEvent(ctx, evt)
	})
	if err != nil {
		d.logger.Warn("reminder delivered but not recorded", "reminder_id", id, "err", err)
		return false, d.unavailable(id, err)
	}
	if delivered {
		d.logger.Info("reminder sent", "reminder_id", id, "provider", d.sender.ProviderID())
	}
	return delivered, nil
}

var errLeaseLost = fmt.Errorf("%w: lease taken over", storage.ErrReminderUnavailable)

// settle runs fn over the reminder if this dispatcher still holds its lease.
func (d *Dispatcher) settle(ctx context.Context, r model.Reminder, lease time.Time, fn func(context.Context, storage.ReminderTx) error) error {
	return d.store.WithReminder(ctx, r.ID, func(ctx context.Context, tx storage.ReminderTx) error {
		if !tx.Reminder().NextAttemptAt.Equal(lease) {
			return errLeaseLost
		}
		return fn(ctx, tx)
	})
}

func (d *Dispatcher) recordFailure(ctx context.Context, r model.Reminder, appt model.Appointment, now, lease time.Time, sendErr error) error {
	attempts := r.Attempts + 1
	failure := fmt.Errorf("%w: %s: %v", model.ErrDispatch, d.sender.ProviderID(), sendErr)

	if attempts >= d.cfg.MaxAttempts {
		d.logger.Error("reminder given up",
			"reminder_id", r.ID,
			"appointment_id", appt.ID,
			"kind", string(r.Kind),
			"attempts", attempts,
			"err", failure,
		)
		return d.settle(ctx, r, lease, func(ctx context.Context, tx storage.ReminderTx) error {
			if err := tx.MarkFailed(ctx, sendErr.Error(), now); err != nil {
				return err
			}
			evt, err := reminderEvent(EventReminderFailed, r, appt, now, map[string]any{
				"attempts":   attempts,
				"last_error": sendErr.Error(),
				"provider":   d.sender.ProviderID(),
			})
			if err != nil {
				return err
			}
			return tx.AppendEvent(ctx, evt)
		})
	}

	retryAt := now.Add(d.backoff(attempts))
	d.logger.Warn("reminder send failed",
		"reminder_id", r.ID,
		"appointment_id", appt.ID,
		"kind", string(r.Kind),
		"attempts", attempts,
		"retry_at", retryAt,
		"err", failure,
	)
	return d.settle(ctx, r, lease, func(ctx context.Context, tx storage.ReminderTx) error {
		return tx.RecordFailure(ctx, sendErr.Error(), retryAt)
	})
}

// backoff doubles RetryBackoff per failed attempt, capped at MaxBackoff.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	wait := d.cfg.RetryBackoff
	for i := 1; i < attempts && wait < d.cfg.MaxBackoff; i++ {
		wait *= 2
	}
	return min(wait, d.cfg.MaxBackoff)
}

// unavailable drops the errors that only mean another party got to the reminder first.
func (d *Dispatcher) unavailable(id string, err error) error {
	switch {
	case err == nil, errors.Is(err, storage.ErrReminderUnavailable):
		return nil
	case errors.Is(err, model.ErrTenantBusy):
		d.logger.Debug("reminder deferred, tenant busy", "reminder_id", id)
		return nil
	}
	return err
}

// skipReason says why a due reminder must not be sent anymore, or "" when it may be.
func skipReason(appt model.Appointment, now time.Time) string {
	switch {
	case appt.Status.Terminal():
		return "appointment is " + string(appt.Status)
	case appt.Status == model.StatusInProgress:
		return "appointment already started"
	case !appt.StartsAt.After(now):
		return "appointment start has passed"
	}
	return ""
}

func reminderEvent(eventType string, r model.Reminder, appt model.Appointment, at time.Time, extra map[string]any) (outbox.Event, error) {
	body := map[string]any{
		"reminder_id":    r.ID,
		"appointment_id": appt.ID,
		"company_id":     appt.CompanyID,
		"chat_id":        appt.ChatID,
		"kind":           string(r.Kind),
		"scheduled_for":  r.ScheduledFor.UTC().Format(time.RFC3339),
		"occurred_at":    at.UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}
