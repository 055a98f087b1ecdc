package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/model"
)

var start = time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)

func newAppt(status model.Status) *model.Appointment {
	return &model.Appointment{
		ID:       "a1",
		Status:   status,
		StartsAt: start,
		EndsAt:   start.Add(time.Hour),
		Service:  model.Service{DurationMinutes: 60},
	}
}

func TestTerminalStatusesRejectEverything(t *testing.T) {
	targets := []model.Status{
		model.StatusPending, model.StatusConfirmed, model.StatusInProgress,
		model.StatusCompleted, model.StatusCanceled, model.StatusNoShow,
	}
	for _, from := range []model.Status{model.StatusCompleted, model.StatusCanceled, model.StatusNoShow} {
		for _, to := range targets {
			if Allowed(from, to) {
				t.Fatalf("%s -> %s should be rejected", from, to)
			}
		}
		later := start.Add(48 * time.Hour)
		checks := map[string]error{
			"start":    Start(newAppt(from), later),
			"complete": Complete(newAppt(from), later),
			"cancel":   Cancel(newAppt(from), "x", later),
			"no_show":  MarkNoShow(newAppt(from), later),
		}
		for name, err := range checks {
			if !errors.Is(err, model.ErrInvalidTransition) {
				t.Fatalf("%s from %s: expected ErrInvalidTransition, got %v", name, from, err)
			}
		}
		if _, err := Confirm(newAppt(from), model.PartyClient, later); !errors.Is(err, model.ErrInvalidTransition) {
			t.Fatalf("confirm from %s: expected ErrInvalidTransition, got %v", from, err)
		}
	}
}

func TestHappyPath(t *testing.T) {
	a := newAppt(model.StatusPending)
	if err := Start(a, start); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if a.Status != model.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", a.Status)
	}
	if err := Complete(a, start.Add(time.Hour)); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if a.Status != model.StatusCompleted || a.CompletedAt == nil || !a.AuditConsistent() {
		t.Fatalf("unexpected appointment after completion: %+v", a)
	}
}

func TestStartRequiresScheduledTime(t *testing.T) {
	a := newAppt(model.StatusConfirmed)
	if err := Start(a, start.Add(-time.Minute)); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected early start to fail, got %v", err)
	}
	if a.Status != model.StatusConfirmed {
		t.Fatalf("status should be unchanged, got %s", a.Status)
	}
}

func TestNoShowOnlyAfterEnd(t *testing.T) {
	a := newAppt(model.StatusPending)
	if err := MarkNoShow(a, start.Add(30*time.Minute)); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected no_show before end to fail, got %v", err)
	}
	if err := MarkNoShow(a, start.Add(61*time.Minute)); err != nil {
		t.Fatalf("MarkNoShow failed: %v", err)
	}
	if a.Status != model.StatusNoShow || !a.AuditConsistent() {
		t.Fatalf("unexpected appointment: %+v", a)
	}
	started := newAppt(model.StatusInProgress)
	if err := MarkNoShow(started, start.Add(2*time.Hour)); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("started appointment cannot be a no_show, got %v", err)
	}
}

func TestConfirmFlags(t *testing.T) {
	a := newAppt(model.StatusPending)
	changed, err := Confirm(a, model.PartyClient, start)
	if err != nil || !changed {
		t.Fatalf("first confirm: changed=%v err=%v", changed, err)
	}
	if a.Status != model.StatusConfirmed || !a.ConfirmedByClient || a.ConfirmedByCompany {
		t.Fatalf("unexpected state %+v", a)
	}
	changed, err = Confirm(a, model.PartyClient, start)
	if err != nil || changed {
		t.Fatalf("repeat confirm should be a no-op: changed=%v err=%v", changed, err)
	}
	changed, err = Confirm(a, model.PartyCompany, start)
	if err != nil || !changed || a.Status != model.StatusConfirmed || !a.ConfirmedByCompany {
		t.Fatalf("second party confirm: changed=%v err=%v state=%+v", changed, err, a)
	}
	if _, err := Confirm(a, model.Party("vet"), start); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("unknown party should be a validation failure, got %v", err)
	}

	running := newAppt(model.StatusInProgress)
	if changed, err := Confirm(running, model.PartyCompany, start); err != nil || !changed || running.Status != model.StatusInProgress {
		t.Fatalf("flag on in_progress should not change status: changed=%v err=%v status=%s", changed, err, running.Status)
	}
}

func TestCancelSetsAudit(t *testing.T) {
	a := newAppt(model.StatusInProgress)
	if err := Cancel(a, "  pet is sick ", start); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if a.CanceledAt == nil || a.CancelReason != "pet is sick" || !a.AuditConsistent() {
		t.Fatalf("unexpected appointment: %+v", a)
	}
}

func TestCanReschedule(t *testing.T) {
	if err := CanReschedule(*newAppt(model.StatusConfirmed)); err != nil {
		t.Fatalf("confirmed should be reschedulable: %v", err)
	}
	for _, s := range []model.Status{model.StatusInProgress, model.StatusCompleted, model.StatusCanceled, model.StatusNoShow} {
		if err := CanReschedule(*newAppt(s)); !errors.Is(err, model.ErrInvalidTransition) {
			t.Fatalf("%s: expected ErrInvalidTransition, got %v", s, err)
		}
	}
}
