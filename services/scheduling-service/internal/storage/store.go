// Package storage persists appointments, their reminders and the outbox. Two implementations
// exist: Postgres for deployments and Memory for tests and single-process runs.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/model"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/outbox"
)

// ErrReminderUnavailable means the reminder was sent, invalidated or claimed by another
// dispatcher since it was listed as due.
var ErrReminderUnavailable = errors.New("reminder unavailable")

// Store is the appointment repository.
type Store interface {
	// InTenant runs fn with exclusive access to companyID's schedule. Writes made through tx
	// become visible together when fn returns nil and are discarded otherwise. Failing to get
	// the tenant lock in time yields model.ErrTenantBusy.
	InTenant(ctx context.Context, companyID string, fn func(ctx context.Context, tx Tx) error) error

	Get(ctx context.Context, companyID, id string) (model.Appointment, error)
	ListByDate(ctx context.Context, companyID, date string) ([]model.Appointment, error)
	FindOverlapping(ctx context.Context, companyID, date string, start, end time.Time, excludeID string) ([]model.Appointment, error)
	ListReminders(ctx context.Context, companyID, appointmentID string) ([]model.Reminder, error)
	// ListOverdue returns pending or confirmed appointments of any tenant that started at or
	// before the given instant, earliest first.
	ListOverdue(ctx context.Context, startedBy time.Time, limit int) ([]model.Appointment, error)

	// FindDueReminders lists pending reminders whose next attempt is at or before now,
	// earliest first.
	FindDueReminders(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error)
	// ClaimReminder leases a reminder that is due at now to the caller until the given instant,
	// so other dispatchers leave it alone, and returns it with a fresh read of its appointment.
	// The lease becomes the reminder's NextAttemptAt. A reminder that is no longer due yields
	// ErrReminderUnavailable.
	ClaimReminder(ctx context.Context, id string, now, until time.Time) (model.DueReminder, error)
	// WithReminder runs fn in a short transaction over a pending reminder. fn must not do
	// outbound I/O: the memory store holds the tenant lock while it runs.
	// A reminder that is no longer pending yields ErrReminderUnavailable.
	WithReminder(ctx context.Context, id string, fn func(ctx context.Context, tx ReminderTx) error) error
}

// Tx is the tenant-scoped unit of work handed out by InTenant.
type Tx interface {
	FindOverlapping(ctx context.Context, companyID, date string, start, end time.Time, excludeID string) ([]model.Appointment, error)
	GetForUpdate(ctx context.Context, id string) (model.Appointment, error)
	Insert(ctx context.Context, appt model.Appointment) error
	Update(ctx context.Context, appt model.Appointment) error

	Reminders(ctx context.Context, appointmentID string) ([]model.Reminder, error)
	InsertReminders(ctx context.Context, reminders []model.Reminder) error
	// InvalidateReminders flags every unsent live reminder of the appointment and reports how
	// many were touched. Sent reminders are left as they are.
	InvalidateReminders(ctx context.Context, appointmentID string, at time.Time) (int, error)

	AppendEvent(ctx context.Context, evt outbox.Event) error
}

// ReminderTx is the unit of work handed out by WithReminder.
type ReminderTx interface {
	Reminder() model.Reminder
	// Appointment is a fresh read of the owning appointment.
	Appointment() model.Appointment
	MarkSent(ctx context.Context, at time.Time) error
	Invalidate(ctx context.Context, at time.Time) error
	// RecordFailure counts a failed attempt and makes the reminder due again at retryAt.
	RecordFailure(ctx context.Context, reason string, retryAt time.Time) error
	// MarkFailed counts a failed attempt and gives the reminder up for good.
	MarkFailed(ctx context.Context, reason string, at time.Time) error
	AppendEvent(ctx context.Context, evt outbox.Event) error
}
