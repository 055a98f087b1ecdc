package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/model"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/outbox"
)

func appt(t *testing.T, id, company, date, clock string, minutes int) model.Appointment {
	t.Helper()
	a := model.Appointment{
		ID:        id,
		CompanyID: company,
		Client:    model.Client{Name: "Ana"},
		Service:   model.Service{Name: "Banho", DurationMinutes: minutes},
		Status:    model.StatusPending,
	}
	if err := a.SetSchedule(date, clock, time.UTC); err != nil {
		t.Fatalf("SetSchedule: %v", err)
	}
	return a
}

func reminder(id string, a model.Appointment, kind model.ReminderKind) model.Reminder {
	return model.Reminder{ID: id, AppointmentID: a.ID, CompanyID: a.CompanyID, Kind: kind, ScheduledFor: a.StartsAt.Add(-kind.Offset())}
}

func TestMemoryCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil, time.Second)
	a := appt(t, "a1", "c1", "2025-06-01", "14:00", 60)

	boom := errors.New("boom")
	err := s.InTenant(ctx, "c1", func(ctx context.Context, tx Tx) error {
		if err := tx.Insert(ctx, a); err != nil {
			return err
		}
		if err := tx.InsertReminders(ctx, []model.Reminder{reminder("r1", a, model.Reminder1h)}); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, outbox.Event{AggregateID: a.ID, EventType: "scheduling.appointment.booked.v1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.Get(ctx, "c1", "a1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("rolled back appointment must not exist, got %v", err)
	}
	if due, _ := s.FindDueReminders(ctx, a.StartsAt, 0); len(due) != 0 {
		t.Fatalf("rolled back reminders must not exist, got %d", len(due))
	}
	if len(s.Outbox().Pending()) != 0 {
		t.Fatalf("rolled back events must not exist")
	}

	err = s.InTenant(ctx, "c1", func(ctx context.Context, tx Tx) error {
		if err := tx.Insert(ctx, a); err != nil {
			return err
		}
		return tx.InsertReminders(ctx, []model.Reminder{reminder("r1", a, model.Reminder1h), reminder("r2", a, model.Reminder4h)})
	})
	if err != nil {
		t.Fatalf("InTenant: %v", err)
	}
	got, err := s.Get(ctx, "c1", "a1")
	if err != nil || got.ID != "a1" {
		t.Fatalf("Get: %+v %v", got, err)
	}
	if _, err := s.Get(ctx, "other", "a1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("appointment must be tenant-scoped, got %v", err)
	}
	rs, _ := s.ListReminders(ctx, "c1", "a1")
	if len(rs) != 2 || rs[0].Kind != model.Reminder4h {
		t.Fatalf("unexpected reminders %+v", rs)
	}
}

func TestMemoryFindOverlapping(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil, time.Second)
	base := appt(t, "a1", "c1", "2025-06-01", "14:00", 60)
	canceled := appt(t, "a2", "c1", "2025-06-01", "14:30", 30)
	canceled.Status = model.StatusCanceled
	otherTenant := appt(t, "a3", "c2", "2025-06-01", "14:00", 60)
	for _, a := range []model.Appointment{base, canceled, otherTenant} {
		a := a
		if err := s.InTenant(ctx, a.CompanyID, func(ctx context.Context, tx Tx) error { return tx.Insert(ctx, a) }); err != nil {
			t.Fatalf("insert %s: %v", a.ID, err)
		}
	}

	slot := appt(t, "p", "c1", "2025-06-01", "14:30", 30)
	hits, _ := s.FindOverlapping(ctx, "c1", "2025-06-01", slot.StartsAt, slot.EndsAt, "")
	if len(hits) != 1 || hits[0].ID != "a1" {
		t.Fatalf("expected only a1, got %+v", hits)
	}
	touching := appt(t, "p", "c1", "2025-06-01", "15:00", 30)
	if hits, _ := s.FindOverlapping(ctx, "c1", "2025-06-01", touching.StartsAt, touching.EndsAt, ""); len(hits) != 0 {
		t.Fatalf("touching slot must not overlap, got %+v", hits)
	}
	if hits, _ := s.FindOverlapping(ctx, "c1", "2025-06-01", slot.StartsAt, slot.EndsAt, "a1"); len(hits) != 0 {
		t.Fatalf("excluded appointment must be skipped, got %+v", hits)
	}
}

func TestMemoryInvalidateKeepsSentReminders(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil, time.Second)
	a := appt(t, "a1", "c1", "2025-06-01", "14:00", 60)
	if err := s.InTenant(ctx, "c1", func(ctx context.Context, tx Tx) error {
		if err := tx.Insert(ctx, a); err != nil {
			return err
		}
		return tx.InsertReminders(ctx, []model.Reminder{reminder("r1", a, model.ReminderDayBefore), reminder("r2", a, model.Reminder1h)})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sentAt := a.StartsAt.Add(-24 * time.Hour)
	if err := s.WithReminder(ctx, "r1", func(ctx context.Context, tx ReminderTx) error {
		return tx.MarkSent(ctx, sentAt)
	}); err != nil {
		t.Fatalf("WithReminder: %v", err)
	}
	if err := s.WithReminder(ctx, "r1", func(context.Context, ReminderTx) error { return nil }); !errors.Is(err, ErrReminderUnavailable) {
		t.Fatalf("sent reminder must be unavailable, got %v", err)
	}

	var n int
	if err := s.InTenant(ctx, "c1", func(ctx context.Context, tx Tx) error {
		var err error
		n, err = tx.InvalidateReminders(ctx, "a1", sentAt.Add(time.Hour))
		return err
	}); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one invalidated reminder, got %d", n)
	}
	rs, _ := s.ListReminders(ctx, "c1", "a1")
	for _, r := range rs {
		switch r.ID {
		case "r1":
			if !r.Sent || r.InvalidatedAt != nil || r.Attempts != 1 {
				t.Fatalf("sent reminder altered: %+v", r)
			}
		case "r2":
			if r.Sent || r.InvalidatedAt == nil {
				t.Fatalf("unsent reminder not invalidated: %+v", r)
			}
		}
	}
}

func TestMemoryInsertRemindersSkipsLiveDuplicates(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil, time.Second)
	a := appt(t, "a1", "c1", "2025-06-01", "14:00", 60)
	err := s.InTenant(ctx, "c1", func(ctx context.Context, tx Tx) error {
		if err := tx.Insert(ctx, a); err != nil {
			return err
		}
		if err := tx.InsertReminders(ctx, []model.Reminder{reminder("r1", a, model.Reminder1h)}); err != nil {
			return err
		}
		return tx.InsertReminders(ctx, []model.Reminder{reminder("r9", a, model.Reminder1h)})
	})
	if err != nil {
		t.Fatalf("InTenant: %v", err)
	}
	if rs, _ := s.ListReminders(ctx, "c1", "a1"); len(rs) != 1 || rs[0].ID != "r1" {
		t.Fatalf("expected the duplicate to be skipped, got %+v", rs)
	}
}

func TestMemoryTenantLockTimeout(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil, 20*time.Millisecond)
	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.InTenant(ctx, "c1", func(context.Context, Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := s.InTenant(ctx, "c1", func(context.Context, Tx) error { return nil })
	if !errors.Is(err, model.ErrTenantBusy) {
		t.Fatalf("expected ErrTenantBusy, got %v", err)
	}
	if err := s.InTenant(ctx, "c2", func(context.Context, Tx) error { return nil }); err != nil {
		t.Fatalf("other tenant must not be blocked: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder: %v", err)
	}
}

func TestMemoryListOverdue(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil, time.Second)
	early := appt(t, "a1", "c1", "2025-06-01", "09:00", 30)
	late := appt(t, "a2", "c2", "2025-06-01", "18:00", 30)
	done := appt(t, "a3", "c1", "2025-06-01", "08:00", 30)
	done.Status = model.StatusNoShow
	for _, a := range []model.Appointment{early, late, done} {
		a := a
		if err := s.InTenant(ctx, a.CompanyID, func(ctx context.Context, tx Tx) error { return tx.Insert(ctx, a) }); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	got, _ := s.ListOverdue(ctx, early.StartsAt.Add(time.Hour), 0)
	if len(got) != 1 || got[0].ID != "a1" {
		t.Fatalf("expected only a1, got %+v", got)
	}
}

func TestMemoryClaimReminderLeases(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil, 50*time.Millisecond)
	a := appt(t, "a1", "c1", "2025-06-01", "14:00", 60)
	if err := s.InTenant(ctx, "c1", func(ctx context.Context, tx Tx) error {
		if err := tx.Insert(ctx, a); err != nil {
			return err
		}
		return tx.InsertReminders(ctx, []model.Reminder{reminder("r1", a, model.ReminderDayBefore)})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	now := a.StartsAt.Add(-24 * time.Hour)
	lease := now.Add(time.Minute)
	due, err := s.ClaimReminder(ctx, "r1", now, lease)
	if err != nil {
		t.Fatalf("ClaimReminder: %v", err)
	}
	if due.Appointment.ID != "a1" || !due.Reminder.NextAttemptAt.Equal(lease) {
		t.Fatalf("unexpected claim %+v", due)
	}
	if _, err := s.ClaimReminder(ctx, "r1", now, lease); !errors.Is(err, ErrReminderUnavailable) {
		t.Fatalf("a leased reminder must not be claimed twice, got %v", err)
	}
	if rs, _ := s.FindDueReminders(ctx, now, 0); len(rs) != 0 {
		t.Fatalf("leased reminder listed as due: %+v", rs)
	}

	// The tenant is free again right after the claim.
	if err := s.InTenant(ctx, "c1", func(context.Context, Tx) error { return nil }); err != nil {
		t.Fatalf("tenant still locked after claim: %v", err)
	}

	if _, err := s.ClaimReminder(ctx, "r1", lease, lease.Add(time.Minute)); err != nil {
		t.Fatalf("an expired lease should be claimable: %v", err)
	}
}
