package model

import (
	"fmt"
	"time"
)

type ReminderKind string

const (
	ReminderDayBefore ReminderKind = "D-1"
	Reminder12h       ReminderKind = "12h"
	Reminder4h        ReminderKind = "4h"
	Reminder1h        ReminderKind = "1h"
)

// ReminderKinds lists every kind, earliest trigger first.
var ReminderKinds = []ReminderKind{ReminderDayBefore, Reminder12h, Reminder4h, Reminder1h}

// Offset is how long before the appointment start a reminder of this kind fires.
func (k ReminderKind) Offset() time.Duration {
	switch k {
	case ReminderDayBefore:
		return 24 * time.Hour
	case Reminder12h:
		return 12 * time.Hour
	case Reminder4h:
		return 4 * time.Hour
	case Reminder1h:
		return time.Hour
	}
	return 0
}

func ParseReminderKind(raw string) (ReminderKind, error) {
	for _, k := range ReminderKinds {
		if string(k) == raw {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown reminder kind %q", raw)
}

// Reminder is one scheduled notification owned by an appointment. Once Sent it is never
// modified again; invalidated reminders are never sent.
type Reminder struct {
	ID            string
	AppointmentID string
	CompanyID     string
	Kind          ReminderKind
	ScheduledFor  time.Time
	// NextAttemptAt is when a dispatcher may pick the reminder up. It starts at ScheduledFor,
	// is pushed forward while a dispatcher holds it and after each failed send.
	NextAttemptAt time.Time
	Sent          bool
	SentAt        *time.Time
	InvalidatedAt *time.Time
	// FailedAt is set when delivery was given up after too many attempts.
	FailedAt  *time.Time
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Pending reports whether the reminder may still be dispatched.
func (r Reminder) Pending() bool {
	return !r.Sent && r.InvalidatedAt == nil && r.FailedAt == nil
}

// DueAt reports whether a dispatcher may pick the reminder up at now.
func (r Reminder) DueAt(now time.Time) bool {
	next := r.NextAttemptAt
	if next.IsZero() {
		next = r.ScheduledFor
	}
	return r.Pending() && !next.After(now)
}

// DueReminder pairs a reminder with a fresh snapshot of its owning appointment.
type DueReminder struct {
	Reminder    Reminder
	Appointment Appointment
}
