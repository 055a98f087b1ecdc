package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/locks"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/model"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/outbox"
)

// Memory keeps everything in process. Tenant transactions stage their writes and apply them
// on success, so a failed or timed-out call leaves no partial state behind.
type Memory struct {
	mu        sync.RWMutex
	appts     map[string]model.Appointment
	reminders map[string]model.Reminder
	byAppt    map[string][]string

	tenants     *locks.Keyed
	outbox      *outbox.Memory
	lockTimeout time.Duration
}

func NewMemory(outboxMem *outbox.Memory, lockTimeout time.Duration) *Memory {
	if outboxMem == nil {
		outboxMem = outbox.NewMemory()
	}
	return &Memory{
		appts:       make(map[string]model.Appointment),
		reminders:   make(map[string]model.Reminder),
		byAppt:      make(map[string][]string),
		tenants:     locks.NewKeyed(),
		outbox:      outboxMem,
		lockTimeout: lockTimeout,
	}
}

// Outbox exposes the event buffer written by this store.
func (m *Memory) Outbox() *outbox.Memory { return m.outbox }

func (m *Memory) lockTenant(ctx context.Context, companyID string) (func(), error) {
	lockCtx := ctx
	if m.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, m.lockTimeout)
		defer cancel()
	}
	unlock, err := m.tenants.Lock(lockCtx, companyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrTenantBusy, err)
	}
	return unlock, nil
}

func (m *Memory) InTenant(ctx context.Context, companyID string, fn func(context.Context, Tx) error) error {
	unlock, err := m.lockTenant(ctx, companyID)
	if err != nil {
		return err
	}
	defer unlock()

	tx := m.newTx(companyID)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

func (m *Memory) Get(_ context.Context, companyID, id string) (model.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appts[id]
	if !ok || a.CompanyID != companyID {
		return model.Appointment{}, model.ErrNotFound
	}
	return a, nil
}

func (m *Memory) ListByDate(_ context.Context, companyID, date string) ([]model.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Appointment
	for _, a := range m.appts {
		if a.CompanyID == companyID && a.Date == date {
			out = append(out, a)
		}
	}
	sortByStart(out)
	return out, nil
}

func (m *Memory) FindOverlapping(_ context.Context, companyID, date string, start, end time.Time, excludeID string) ([]model.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]model.Appointment, 0, len(m.appts))
	for _, a := range m.appts {
		all = append(all, a)
	}
	return overlapping(all, companyID, date, start, end, excludeID), nil
}

func (m *Memory) ListReminders(_ context.Context, companyID, appointmentID string) ([]model.Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Reminder
	for _, id := range m.byAppt[appointmentID] {
		if r := m.reminders[id]; r.CompanyID == companyID {
			out = append(out, r)
		}
	}
	sortReminders(out)
	return out, nil
}

func (m *Memory) ListOverdue(_ context.Context, startedBy time.Time, limit int) ([]model.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Appointment
	for _, a := range m.appts {
		if (a.Status == model.StatusPending || a.Status == model.StatusConfirmed) && !a.StartsAt.After(startedBy) {
			out = append(out, a)
		}
	}
	sortByStart(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) FindDueReminders(_ context.Context, now time.Time, limit int) ([]model.Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Reminder
	for _, r := range m.reminders {
		if r.DueAt(now) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].NextAttemptAt.Equal(out[j].NextAttemptAt) {
			return out[i].NextAttemptAt.Before(out[j].NextAttemptAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimReminder takes the tenant lock only long enough to move the lease.
func (m *Memory) ClaimReminder(ctx context.Context, id string, now, until time.Time) (model.DueReminder, error) {
	r, err := m.reminder(id)
	if err != nil {
		return model.DueReminder{}, err
	}
	unlock, err := m.lockTenant(ctx, r.CompanyID)
	if err != nil {
		return model.DueReminder{}, err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	r = m.reminders[id]
	if !r.DueAt(now) {
		return model.DueReminder{}, ErrReminderUnavailable
	}
	appt, ok := m.appts[r.AppointmentID]
	if !ok {
		return model.DueReminder{}, model.ErrNotFound
	}
	r.NextAttemptAt = until
	m.reminders[id] = r
	return model.DueReminder{Reminder: r, Appointment: appt}, nil
}

// WithReminder holds the owning tenant's lock while fn runs, which orders it against
// cancellations and reschedules of the same appointment.
func (m *Memory) WithReminder(ctx context.Context, id string, fn func(context.Context, ReminderTx) error) error {
	r, err := m.reminder(id)
	if err != nil {
		return err
	}
	unlock, err := m.lockTenant(ctx, r.CompanyID)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.RLock()
	r = m.reminders[id]
	appt, ok := m.appts[r.AppointmentID]
	m.mu.RUnlock()
	if !r.Pending() {
		return ErrReminderUnavailable
	}
	if !ok {
		return model.ErrNotFound
	}

	tx := &memReminderTx{memTx: m.newTx(r.CompanyID), reminder: r, appt: appt}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.commit(tx.memTx)
	return nil
}

func (m *Memory) reminder(id string) (model.Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reminders[id]
	if !ok {
		return model.Reminder{}, ErrReminderUnavailable
	}
	return r, nil
}

func (m *Memory) newTx(companyID string) *memTx {
	return &memTx{
		m:         m,
		companyID: companyID,
		appts:     make(map[string]model.Appointment),
		reminders: make(map[string]model.Reminder),
	}
}

func (m *Memory) commit(tx *memTx) {
	m.mu.Lock()
	for id, a := range tx.appts {
		m.appts[id] = a
	}
	for _, id := range tx.reminderOrder {
		r := tx.reminders[id]
		if _, exists := m.reminders[id]; !exists {
			m.byAppt[r.AppointmentID] = append(m.byAppt[r.AppointmentID], id)
		}
		m.reminders[id] = r
	}
	m.mu.Unlock()
	m.outbox.Append(tx.events...)
}

type memTx struct {
	m         *Memory
	companyID string

	appts         map[string]model.Appointment
	reminders     map[string]model.Reminder
	reminderOrder []string
	events        []outbox.Record
}

func (t *memTx) appointment(id string) (model.Appointment, bool) {
	if a, ok := t.appts[id]; ok {
		return a, true
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	a, ok := t.m.appts[id]
	return a, ok
}

func (t *memTx) FindOverlapping(_ context.Context, companyID, date string, start, end time.Time, excludeID string) ([]model.Appointment, error) {
	t.m.mu.RLock()
	all := make([]model.Appointment, 0, len(t.m.appts)+len(t.appts))
	for id, a := range t.m.appts {
		if _, staged := t.appts[id]; !staged {
			all = append(all, a)
		}
	}
	t.m.mu.RUnlock()
	for _, a := range t.appts {
		all = append(all, a)
	}
	return overlapping(all, companyID, date, start, end, excludeID), nil
}

func (t *memTx) GetForUpdate(_ context.Context, id string) (model.Appointment, error) {
	a, ok := t.appointment(id)
	if !ok || a.CompanyID != t.companyID {
		return model.Appointment{}, model.ErrNotFound
	}
	return a, nil
}

func (t *memTx) Insert(_ context.Context, a model.Appointment) error {
	if a.CompanyID != t.companyID {
		return fmt.Errorf("insert appointment for %q inside tenant %q", a.CompanyID, t.companyID)
	}
	if _, exists := t.appointment(a.ID); exists {
		return fmt.Errorf("appointment %s already exists", a.ID)
	}
	t.appts[a.ID] = a
	return nil
}

func (t *memTx) Update(_ context.Context, a model.Appointment) error {
	cur, ok := t.appointment(a.ID)
	if !ok || cur.CompanyID != t.companyID {
		return model.ErrNotFound
	}
	t.appts[a.ID] = a
	return nil
}

func (t *memTx) Reminders(_ context.Context, appointmentID string) ([]model.Reminder, error) {
	seen := make(map[string]bool)
	var out []model.Reminder
	t.m.mu.RLock()
	for _, id := range t.m.byAppt[appointmentID] {
		r := t.m.reminders[id]
		if staged, ok := t.reminders[id]; ok {
			r = staged
		}
		seen[id] = true
		out = append(out, r)
	}
	t.m.mu.RUnlock()
	for _, id := range t.reminderOrder {
		if r := t.reminders[id]; !seen[id] && r.AppointmentID == appointmentID {
			out = append(out, r)
		}
	}
	sortReminders(out)
	return out, nil
}

func (t *memTx) stageReminder(r model.Reminder) {
	if _, ok := t.reminders[r.ID]; !ok {
		t.reminderOrder = append(t.reminderOrder, r.ID)
	}
	t.reminders[r.ID] = r
}

func (t *memTx) InsertReminders(ctx context.Context, reminders []model.Reminder) error {
	for _, r := range reminders {
		if _, ok := t.appointment(r.AppointmentID); !ok {
			return fmt.Errorf("reminder %s references unknown appointment %s", r.ID, r.AppointmentID)
		}
		existing, err := t.Reminders(ctx, r.AppointmentID)
		if err != nil {
			return err
		}
		if duplicateLive(existing, r) {
			continue
		}
		if r.NextAttemptAt.IsZero() {
			r.NextAttemptAt = r.ScheduledFor
		}
		t.stageReminder(r)
	}
	return nil
}

func (t *memTx) InvalidateReminders(ctx context.Context, appointmentID string, at time.Time) (int, error) {
	rs, err := t.Reminders(ctx, appointmentID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rs {
		if !r.Pending() {
			continue
		}
		invalidatedAt := at
		r.InvalidatedAt = &invalidatedAt
		t.stageReminder(r)
		n++
	}
	return n, nil
}

func (t *memTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	t.events = append(t.events, t.m.outbox.Stage(ctx, evt))
	return nil
}

type memReminderTx struct {
	*memTx
	reminder model.Reminder
	appt     model.Appointment
}

func (t *memReminderTx) Reminder() model.Reminder       { return t.reminder }
func (t *memReminderTx) Appointment() model.Appointment { return t.appt }

func (t *memReminderTx) MarkSent(_ context.Context, at time.Time) error {
	sentAt := at
	t.reminder.Sent = true
	t.reminder.SentAt = &sentAt
	t.reminder.Attempts++
	t.reminder.LastError = ""
	t.stageReminder(t.reminder)
	return nil
}

func (t *memReminderTx) Invalidate(_ context.Context, at time.Time) error {
	invalidatedAt := at
	t.reminder.InvalidatedAt = &invalidatedAt
	t.stageReminder(t.reminder)
	return nil
}

func (t *memReminderTx) RecordFailure(_ context.Context, reason string, retryAt time.Time) error {
	t.reminder.Attempts++
	t.reminder.LastError = reason
	t.reminder.NextAttemptAt = retryAt
	t.stageReminder(t.reminder)
	return nil
}

func (t *memReminderTx) MarkFailed(_ context.Context, reason string, at time.Time) error {
	failedAt := at
	t.reminder.Attempts++
	t.reminder.LastError = reason
	t.reminder.FailedAt = &failedAt
	t.stageReminder(t.reminder)
	return nil
}

func duplicateLive(existing []model.Reminder, r model.Reminder) bool {
	for _, e := range existing {
		if e.InvalidatedAt == nil && e.Kind == r.Kind && e.ScheduledFor.Equal(r.ScheduledFor) {
			return true
		}
	}
	return false
}

func overlapping(all []model.Appointment, companyID, date string, start, end time.Time, excludeID string) []model.Appointment {
	var out []model.Appointment
	for _, a := range all {
		if a.CompanyID != companyID || a.Date != date || a.Status == model.StatusCanceled || a.ID == excludeID {
			continue
		}
		if start.Before(a.EndsAt) && a.StartsAt.Before(end) {
			out = append(out, a)
		}
	}
	sortByStart(out)
	return out
}

func sortByStart(appts []model.Appointment) {
	sort.SliceStable(appts, func(i, j int) bool {
		if appts[i].StartsAt.Equal(appts[j].StartsAt) {
			return appts[i].ID < appts[j].ID
		}
		return appts[i].StartsAt.Before(appts[j].StartsAt)
	})
}

func sortReminders(rs []model.Reminder) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].ScheduledFor.Equal(rs[j].ScheduledFor) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].ScheduledFor.Before(rs[j].ScheduledFor)
	})
}
