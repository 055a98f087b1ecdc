package scheduling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/clock"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/conflict"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/model"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/storage"
)

type fixture struct {
	svc   *Service
	store *storage.Memory
	clock *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemory(nil, time.Second)
	clk := clock.NewManual(time.Date(2025, 5, 30, 9, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{svc: NewService(store, clk, time.UTC, logger), store: store, clock: clk}
}

func request(company, date, clockTime string, minutes int) model.BookingRequest {
	return model.BookingRequest{
		CompanyID:       company,
		ChatID:          "chat-1",
		Client:          model.Client{Name: "Ana", Phone: "11987654321"},
		Pet:             model.Pet{Name: "Rex", Type: "dog", Size: model.PetSizeSmall},
		ServiceID:       "svc-bath",
		ServiceName:     "Banho",
		Date:            date,
		Time:            clockTime,
		DurationMinutes: minutes,
		Price:           80,
	}
}

func (f *fixture) book(t *testing.T, req model.BookingRequest) model.Appointment {
	t.Helper()
	a, err := f.svc.Book(context.Background(), req)
	if err != nil {
		t.Fatalf("Book(%s %s): %v", req.Date, req.Time, err)
	}
	return a
}

func (f *fixture) reminders(t *testing.T, a model.Appointment) []model.Reminder {
	t.Helper()
	rs, err := f.svc.Reminders(context.Background(), a.CompanyID, a.ID)
	if err != nil {
		t.Fatalf("Reminders: %v", err)
	}
	return rs
}

func TestBookingScenario(t *testing.T) {
	f := newFixture(t)
	first := f.book(t, request("tenant-1", "2025-06-01", "14:00", 60))

	_, err := f.svc.Book(context.Background(), request("tenant-1", "2025-06-01", "14:30", 30))
	var conflictErr *model.ConflictError
	if !errors.As(err, &conflictErr) || !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(conflictErr.Result.Conflicts) != 1 || conflictErr.Result.Conflicts[0].ID != first.ID {
		t.Fatalf("conflict should list the first appointment: %+v", conflictErr.Result)
	}
	if conflictErr.Result.Message == "" {
		t.Fatalf("conflict should carry a message")
	}

	second := f.book(t, request("tenant-1", "2025-06-01", "15:00", 30))
	if second.Status != model.StatusPending || second.ConfirmedByClient || second.ConfirmedByCompany {
		t.Fatalf("new booking must be pending and unconfirmed: %+v", second)
	}
	want := map[model.ReminderKind]time.Time{
		model.ReminderDayBefore: time.Date(2025, 5, 31, 15, 0, 0, 0, time.UTC),
		model.Reminder12h:       time.Date(2025, 6, 1, 3, 0, 0, 0, time.UTC),
		model.Reminder4h:        time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
		model.Reminder1h:        time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC),
	}
	rs := f.reminders(t, second)
	if len(rs) != 4 {
		t.Fatalf("expected 4 reminders, got %d", len(rs))
	}
	for _, r := range rs {
		if !r.ScheduledFor.Equal(want[r.Kind]) {
			t.Fatalf("%s at %s, want %s", r.Kind, r.ScheduledFor, want[r.Kind])
		}
	}

	events := f.store.Outbox().Pending()
	if len(events) != 2 || events[0].EventType != EventBooked {
		t.Fatalf("expected two booked events, got %+v", events)
	}
}

func TestTouchingSlotsAndOtherTenants(t *testing.T) {
	f := newFixture(t)
	f.book(t, request("c1", "2025-06-02", "09:00", 60))
	f.book(t, request("c1", "2025-06-02", "10:00", 30))
	f.book(t, request("c2", "2025-06-02", "09:30", 60))
	if _, err := f.svc.Book(context.Background(), request("c1", "2025-06-02", "09:59", 2)); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("slot spanning both appointments must conflict, got %v", err)
	}
}

func TestCanceledAppointmentFreesSlot(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, request("c1", "2025-06-02", "09:00", 60))
	if _, err := f.svc.Cancel(context.Background(), "c1", a.ID, "owner sick"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	f.book(t, request("c1", "2025-06-02", "09:00", 60))
}

func TestConcurrentBookingSameSlot(t *testing.T) {
	f := newFixture(t)
	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, conflicts int
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Book(context.Background(), request("c1", "2025-06-03", "10:00", 45))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, model.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if ok != 1 || conflicts != n-1 {
		t.Fatalf("expected exactly one booking, got ok=%d conflicts=%d", ok, conflicts)
	}
	list, _ := f.svc.ListByDate(context.Background(), "c1", "2025-06-03")
	if len(list) != 1 {
		t.Fatalf("expected one stored appointment, got %d", len(list))
	}
}

func TestBookValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]model.BookingRequest{
		"past":           request("c1", "2025-05-29", "10:00", 30),
		"now":            request("c1", "2025-05-30", "09:00", 30),
		"zero duration":  request("c1", "2025-06-01", "10:00", 0),
		"bad date":       request("c1", "2025-13-01", "10:00", 30),
		"missing tenant": request("", "2025-06-01", "10:00", 30),
	}
	negative := request("c1", "2025-06-01", "10:00", 30)
	negative.Price = -1
	cases["negative price"] = negative
	badSize := request("c1", "2025-06-01", "10:00", 30)
	badSize.Pet.Size = "giant"
	cases["pet size"] = badSize

	for name, req := range cases {
		if _, err := f.svc.Book(context.Background(), req); !errors.Is(err, model.ErrValidation) {
			t.Fatalf("%s: expected validation failure, got %v", name, err)
		}
	}
}

func TestRescheduleToOwnSlot(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, request("c1", "2025-06-01", "14:00", 60))
	moved, err := f.svc.Reschedule(context.Background(), "c1", a.ID, "2025-06-01", "14:00")
	if err != nil {
		t.Fatalf("self reschedule must succeed: %v", err)
	}
	if !moved.StartsAt.Equal(a.StartsAt) {
		t.Fatalf("slot changed unexpectedly: %s", moved.StartsAt)
	}
	live := 0
	for _, r := range f.reminders(t, a) {
		if r.InvalidatedAt == nil {
			live++
		}
	}
	if live != 4 {
		t.Fatalf("expected 4 live reminders after replanning, got %d", live)
	}
}

func TestRescheduleReplansAndChecksConflicts(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, request("c1", "2025-06-01", "14:00", 60))
	other := f.book(t, request("c1", "2025-06-01", "16:00", 60))

	if _, err := f.svc.Reschedule(context.Background(), "c1", a.ID, "2025-06-01", "15:30"); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected conflict with %s, got %v", other.ID, err)
	}

	f.clock.Set(time.Date(2025, 5, 31, 21, 30, 0, 0, time.UTC))
	moved, err := f.svc.Reschedule(context.Background(), "c1", a.ID, "2025-06-01", "09:00")
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if moved.Time != "09:00" || moved.Status != model.StatusPending {
		t.Fatalf("unexpected appointment %+v", moved)
	}
	var live []model.Reminder
	for _, r := range f.reminders(t, a) {
		if r.InvalidatedAt == nil {
			live = append(live, r)
		}
	}
	// 09:00 next morning seen from 21:30: only the 4h and 1h triggers are still ahead.
	if len(live) != 2 || live[0].Kind != model.Reminder4h || live[1].Kind != model.Reminder1h {
		t.Fatalf("unexpected live reminders %+v", live)
	}

	if _, err := f.svc.Reschedule(context.Background(), "c1", "missing", "2025-06-01", "09:00"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.svc.Reschedule(context.Background(), "c1", a.ID, "2025-05-01", "09:00"); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected validation failure for a past slot, got %v", err)
	}
}

func TestCancelInvalidatesAndIsTerminal(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, request("c1", "2025-06-01", "14:00", 60))
	canceled, err := f.svc.Cancel(context.Background(), "c1", a.ID, "cliente desmarcou")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if canceled.Status != model.StatusCanceled || canceled.CanceledAt == nil || canceled.CancelReason != "cliente desmarcou" {
		t.Fatalf("unexpected appointment %+v", canceled)
	}
	for _, r := range f.reminders(t, a) {
		if r.InvalidatedAt == nil {
			t.Fatalf("reminder %s still live after cancel", r.ID)
		}
	}
	due, _ := f.store.FindDueReminders(context.Background(), a.StartsAt, 0)
	if len(due) != 0 {
		t.Fatalf("canceled appointment must have no due reminders, got %d", len(due))
	}

	for name, op := range map[string]func() error{
		"cancel":     func() error { _, err := f.svc.Cancel(context.Background(), "c1", a.ID, "again"); return err },
		"confirm":    func() error { _, err := f.svc.Confirm(context.Background(), "c1", a.ID, model.PartyClient); return err },
		"reschedule": func() error { _, err := f.svc.Reschedule(context.Background(), "c1", a.ID, "2025-06-02", "10:00"); return err },
		"complete":   func() error { _, err := f.svc.Complete(context.Background(), "c1", a.ID); return err },
	} {
		if err := op(); !errors.Is(err, model.ErrInvalidTransition) {
			t.Fatalf("%s after cancel: expected ErrInvalidTransition, got %v", name, err)
		}
	}
}

func TestLifecycleThroughService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, request("c1", "2025-06-01", "14:00", 60))

	confirmed, err := f.svc.Confirm(ctx, "c1", a.ID, model.PartyCompany)
	if err != nil || confirmed.Status != model.StatusConfirmed || !confirmed.ConfirmedByCompany {
		t.Fatalf("Confirm: %+v %v", confirmed, err)
	}
	before := len(f.store.Outbox().Pending())
	if _, err := f.svc.Confirm(ctx, "c1", a.ID, model.PartyCompany); err != nil {
		t.Fatalf("repeat confirm: %v", err)
	}
	if len(f.store.Outbox().Pending()) != before {
		t.Fatalf("repeat confirm must not emit an event")
	}

	if _, err := f.svc.Start(ctx, "c1", a.ID); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("start before scheduled time must fail, got %v", err)
	}
	f.clock.Set(a.StartsAt)
	started, err := f.svc.Start(ctx, "c1", a.ID)
	if err != nil || started.Status != model.StatusInProgress {
		t.Fatalf("Start: %+v %v", started, err)
	}
	for _, r := range f.reminders(t, a) {
		if r.Pending() {
			t.Fatalf("reminder %s still pending after start", r.Kind)
		}
	}
	f.clock.Advance(time.Hour)
	completed, err := f.svc.Complete(ctx, "c1", a.ID)
	if err != nil || completed.Status != model.StatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("Complete: %+v %v", completed, err)
	}
	if _, err := f.svc.Cancel(ctx, "c1", a.ID, "late"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("completed appointment must reject cancel, got %v", err)
	}

	got, err := f.svc.Get(ctx, "c1", a.ID)
	if err != nil || got.Status != model.StatusCompleted {
		t.Fatalf("Get: %+v %v", got, err)
	}
	if _, err := f.svc.Get(ctx, "c2", a.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("other tenant must not see the appointment, got %v", err)
	}
}

func TestMarkNoShow(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, request("c1", "2025-06-01", "14:00", 60))
	f.clock.Set(a.StartsAt.Add(30 * time.Minute))
	if _, err := f.svc.MarkNoShow(context.Background(), "c1", a.ID); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("no_show before end must fail, got %v", err)
	}
	f.clock.Set(a.EndsAt)
	got, err := f.svc.MarkNoShow(context.Background(), "c1", a.ID)
	if err != nil || got.Status != model.StatusNoShow {
		t.Fatalf("MarkNoShow: %+v %v", got, err)
	}
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	early := f.book(t, request("c1", "2025-06-01", "08:00", 30))
	late := f.book(t, request("c2", "2025-06-01", "10:00", 30))
	future := f.book(t, request("c1", "2025-06-01", "18:00", 30))

	f.clock.Set(time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC))
	res, err := f.svc.Sweep(ctx, SweepOptions{AutoStart: true, AutoNoShow: true, NoShowGrace: 30 * time.Minute})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.NoShows != 1 || res.Started != 1 {
		t.Fatalf("unexpected sweep result %+v", res)
	}
	for id, want := range map[string]model.Status{
		early.ID:  model.StatusNoShow,
		late.ID:   model.StatusInProgress,
		future.ID: model.StatusPending,
	} {
		var company string
		switch id {
		case late.ID:
			company = "c2"
		default:
			company = "c1"
		}
		got, _ := f.svc.Get(ctx, company, id)
		if got.Status != want {
			t.Fatalf("%s: status %s, want %s", id, got.Status, want)
		}
	}

	if res, _ := f.svc.Sweep(ctx, SweepOptions{}); res != (SweepResult{}) {
		t.Fatalf("disabled sweep must do nothing, got %+v", res)
	}
}

func TestReplanRemindersIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, request("c1", "2025-06-01", "14:00", 60))

	first, err := f.svc.ReplanReminders(ctx, "c1", a.ID)
	if err != nil {
		t.Fatalf("ReplanReminders: %v", err)
	}
	second, err := f.svc.ReplanReminders(ctx, "c1", a.ID)
	if err != nil {
		t.Fatalf("ReplanReminders: %v", err)
	}
	if len(first) != 4 || len(second) != 4 {
		t.Fatalf("expected 4 live reminders, got %d then %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("replanning must keep matching reminders")
		}
	}
	if all := f.reminders(t, a); len(all) != 4 {
		t.Fatalf("replanning must not create duplicates, have %d", len(all))
	}
}

func TestBookFailsCleanlyWhenTenantBusy(t *testing.T) {
	store := storage.NewMemory(nil, 20*time.Millisecond)
	clk := clock.NewManual(time.Date(2025, 5, 30, 9, 0, 0, 0, time.UTC))
	svc := NewService(store, clk, time.UTC, slog.New(slog.NewTextHandler(io.Discard, nil)))

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = store.InTenant(context.Background(), "c1", func(context.Context, storage.Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	_, err := svc.Book(context.Background(), request("c1", "2025-06-01", "14:00", 60))
	close(release)
	if !errors.Is(err, model.ErrTenantBusy) {
		t.Fatalf("expected ErrTenantBusy, got %v", err)
	}
	if list, _ := svc.ListByDate(context.Background(), "c1", "2025-06-01"); len(list) != 0 {
		t.Fatalf("no appointment may be stored, got %d", len(list))
	}
	if due, _ := store.FindDueReminders(context.Background(), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 0); len(due) != 0 {
		t.Fatalf("no reminder may be stored, got %d", len(due))
	}
}

func TestCheckConflict(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, request("c1", "2025-06-01", "14:00", 60))
	res, err := f.svc.CheckConflict(context.Background(), conflict.Proposal{CompanyID: "c1", Date: "2025-06-01", Time: "14:30", DurationMinutes: 30})
	if err != nil || !res.HasConflict || res.Conflicts[0].ID != a.ID {
		t.Fatalf("CheckConflict: %+v %v", res, err)
	}
	res, err = f.svc.CheckConflict(context.Background(), conflict.Proposal{CompanyID: "c1", Date: "2025-06-01", Time: "14:30", DurationMinutes: 30, ExcludeID: a.ID})
	if err != nil || res.HasConflict {
		t.Fatalf("excluded appointment must not conflict: %+v %v", res, err)
	}
}
