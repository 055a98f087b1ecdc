package model

import (
	"errors"
	"testing"
	"time"
)

func TestSetScheduleDerivesInterval(t *testing.T) {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	a := Appointment{Service: Service{DurationMinutes: 90}}
	if err := a.SetSchedule("2025-06-01", "14:00", loc); err != nil {
		t.Fatalf("SetSchedule failed: %v", err)
	}
	if a.StartsAt.Location() != loc || a.StartsAt.Hour() != 14 {
		t.Fatalf("unexpected start %s", a.StartsAt)
	}
	if got := a.EndsAt.Sub(a.StartsAt); got != 90*time.Minute {
		t.Fatalf("expected 90m, got %s", got)
	}
	if err := a.SetSchedule("2025-13-01", "14:00", loc); err == nil {
		t.Fatal("expected invalid date error")
	}
	if err := a.SetSchedule("2025-06-01", "25:00", loc); err == nil {
		t.Fatal("expected invalid time error")
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	if !errors.Is(Invalid("date", "in the past"), ErrValidation) {
		t.Fatal("validation error should match ErrValidation")
	}
	if !errors.Is(&ConflictError{}, ErrConflict) {
		t.Fatal("conflict error should match ErrConflict")
	}
	if !errors.Is(&TransitionError{From: StatusCompleted, To: StatusCanceled}, ErrInvalidTransition) {
		t.Fatal("transition error should match ErrInvalidTransition")
	}
	var verr *ValidationError
	if verr.OrNil() != nil {
		t.Fatal("nil validation error should be nil")
	}
}

func TestReminderKindOffsets(t *testing.T) {
	want := map[ReminderKind]time.Duration{
		ReminderDayBefore: 24 * time.Hour,
		Reminder12h:       12 * time.Hour,
		Reminder4h:        4 * time.Hour,
		Reminder1h:        time.Hour,
	}
	for kind, offset := range want {
		if kind.Offset() != offset {
			t.Fatalf("%s: expected %s, got %s", kind, offset, kind.Offset())
		}
		parsed, err := ParseReminderKind(string(kind))
		if err != nil || parsed != kind {
			t.Fatalf("ParseReminderKind(%s) = %s, %v", kind, parsed, err)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCanceled, StatusNoShow} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusConfirmed, StatusInProgress} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCanceled, StatusNoShow} {
		if !s.Valid() {
			t.Fatalf("%s should be valid", s)
		}
	}
	for _, s := range []Status{"", "cancelled", "CONFIRMED"} {
		if s.Valid() {
			t.Fatalf("%q should not be valid", s)
		}
	}
}
