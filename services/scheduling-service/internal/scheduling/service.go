// Package scheduling orchestrates booking, rescheduling and the appointment lifecycle. Every
// mutation runs inside one tenant-serialized unit of work together with its reminder changes
// and its outbox event.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/clock"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/conflict"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/lifecycle"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/model"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/reminders"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/storage"
)

type Service struct {
	store    storage.Store
	detector *conflict.Detector
	clock    clock.Clock
	loc      *time.Location
	logger   *slog.Logger
}

func NewService(store storage.Store, clk clock.Clock, loc *time.Location, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.System()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		store:    store,
		detector: conflict.NewDetector(loc),
		clock:    clk,
		loc:      loc,
		logger:   logger,
	}
}

// Location is the business time zone used to read dates and times.
func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) Book(ctx context.Context, req model.BookingRequest) (model.Appointment, error) {
	now := s.clock.Now()
	appt, err := newAppointment(req, now, s.loc)
	if err != nil {
		return model.Appointment{}, err
	}
	appt.ID = uuid.NewString()

	var planned int
	err = s.store.InTenant(ctx, appt.CompanyID, func(ctx context.Context, tx storage.Tx) error {
		res, err := s.detector.Check(ctx, tx, conflict.Proposal{
			CompanyID:       appt.CompanyID,
			Date:            appt.Date,
			Time:            appt.Time,
			DurationMinutes: appt.Service.DurationMinutes,
		})
		if err != nil {
			return err
		}
		if res.HasConflict {
			return &model.ConflictError{Result: res}
		}
		if err := tx.Insert(ctx, appt); err != nil {
			return fmt.Errorf("insert appointment: %w", err)
		}
		rs := reminders.Plan(appt, now)
		if err := tx.InsertReminders(ctx, rs); err != nil {
			return fmt.Errorf("insert reminders: %w", err)
		}
		planned = len(rs)
		return s.appendEvent(ctx, tx, EventBooked, appt, now, nil)
	})
	if err != nil {
		return model.Appointment{}, err
	}

	s.logger.Info("appointment booked",
		"appointment_id", appt.ID,
		"company_id", appt.CompanyID,
		"starts_at", appt.StartsAt,
		"reminders", planned,
	)
	return appt, nil
}

// Reschedule moves an appointment to a new slot, excluding itself from the conflict check.
// Unsent reminders are invalidated and the schedule is planned again.
func (s *Service) Reschedule(ctx context.Context, companyID, id, date, clockTime string) (model.Appointment, error) {
	now := s.clock.Now()
	var out model.Appointment
	err := s.store.InTenant(ctx, companyID, func(ctx context.Context, tx storage.Tx) error {
		appt, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := lifecycle.CanReschedule(appt); err != nil {
			return err
		}

		prevDate, prevTime := appt.Date, appt.Time
		problems := &model.ValidationError{}
		checkSlot(problems, &appt, date, clockTime, now, s.loc)
		if err := problems.OrNil(); err != nil {
			return err
		}

		res, err := s.detector.Check(ctx, tx, conflict.Proposal{
			CompanyID:       companyID,
			Date:            appt.Date,
			Time:            appt.Time,
			DurationMinutes: appt.Service.DurationMinutes,
			ExcludeID:       appt.ID,
		})
		if err != nil {
			return err
		}
		if res.HasConflict {
			return &model.ConflictError{Result: res}
		}

		appt.UpdatedAt = now
		if err := tx.Update(ctx, appt); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}
		if _, err := tx.InvalidateReminders(ctx, appt.ID, now); err != nil {
			return fmt.Errorf("invalidate reminders: %w", err)
		}
		if err := tx.InsertReminders(ctx, reminders.Plan(appt, now)); err != nil {
			return fmt.Errorf("insert reminders: %w", err)
		}
		out = appt
		return s.appendEvent(ctx, tx, EventRescheduled, appt, now, map[string]any{
			"previous_date": prevDate,
			"previous_time": prevTime,
		})
	})
	if err != nil {
		return model.Appointment{}, err
	}
	s.logger.Info("appointment rescheduled", "appointment_id", out.ID, "company_id", out.CompanyID, "starts_at", out.StartsAt)
	return out, nil
}

func (s *Service) Cancel(ctx context.Context, companyID, id, reason string) (model.Appointment, error) {
	return s.transition(ctx, companyID, id, EventCanceled, func(a *model.Appointment, now time.Time) error {
		return lifecycle.Cancel(a, reason, now)
	})
}

// Confirm records a party's confirmation. Repeating a confirmation changes nothing and
// emits no event.
func (s *Service) Confirm(ctx context.Context, companyID, id string, by model.Party) (model.Appointment, error) {
	now := s.clock.Now()
	var out model.Appointment
	err := s.store.InTenant(ctx, companyID, func(ctx context.Context, tx storage.Tx) error {
		appt, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		changed, err := lifecycle.Confirm(&appt, by, now)
		if err != nil {
			return err
		}
		out = appt
		if !changed {
			return nil
		}
		if err := tx.Update(ctx, appt); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}
		return s.appendEvent(ctx, tx, EventConfirmed, appt, now, map[string]any{"confirmed_by": string(by)})
	})
	if err != nil {
		return model.Appointment{}, err
	}
	s.logger.Info("appointment confirmed", "appointment_id", out.ID, "company_id", out.CompanyID, "by", string(by), "status", string(out.Status))
	return out, nil
}

func (s *Service) Start(ctx context.Context, companyID, id string) (model.Appointment, error) {
	return s.transition(ctx, companyID, id, EventStarted, lifecycle.Start)
}

func (s *Service) Complete(ctx context.Context, companyID, id string) (model.Appointment, error) {
	return s.transition(ctx, companyID, id, EventCompleted, lifecycle.Complete)
}

func (s *Service) MarkNoShow(ctx context.Context, companyID, id string) (model.Appointment, error) {
	return s.transition(ctx, companyID, id, EventNoShow, lifecycle.MarkNoShow)
}

// transition applies a status change and retires the appointment's unsent reminders, since
// none of the resulting statuses is ever reminded about.
func (s *Service) transition(ctx context.Context, companyID, id, eventType string, apply func(*model.Appointment, time.Time) error) (model.Appointment, error) {
	now := s.clock.Now()
	var out model.Appointment
	var invalidated int
	err := s.store.InTenant(ctx, companyID, func(ctx context.Context, tx storage.Tx) error {
		appt, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := apply(&appt, now); err != nil {
			return err
		}
		if err := tx.Update(ctx, appt); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}
		if invalidated, err = tx.InvalidateReminders(ctx, appt.ID, now); err != nil {
			return fmt.Errorf("invalidate reminders: %w", err)
		}
		out = appt
		var extra map[string]any
		if appt.Status == model.StatusCanceled {
			extra = map[string]any{"reason": appt.CancelReason}
		}
		return s.appendEvent(ctx, tx, eventType, appt, now, extra)
	})
	if err != nil {
		return model.Appointment{}, err
	}
	s.logger.Info("appointment status changed",
		"appointment_id", out.ID,
		"company_id", out.CompanyID,
		"status", string(out.Status),
		"reminders_invalidated", invalidated,
	)
	return out, nil
}

// ReplanReminders brings the stored reminders in line with the appointment's current schedule:
// stale unsent reminders are invalidated and missing ones created. Running it twice changes
// nothing the second time. It returns the live reminders afterwards.
func (s *Service) ReplanReminders(ctx context.Context, companyID, id string) ([]model.Reminder, error) {
	now := s.clock.Now()
	var live []model.Reminder
	err := s.store.InTenant(ctx, companyID, func(ctx context.Context, tx storage.Tx) error {
		appt, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		existing, err := tx.Reminders(ctx, appt.ID)
		if err != nil {
			return err
		}
		planned := reminders.Plan(appt, now)
		if stale(existing, planned) {
			if _, err := tx.InvalidateReminders(ctx, appt.ID, now); err != nil {
				return fmt.Errorf("invalidate reminders: %w", err)
			}
			if existing, err = tx.Reminders(ctx, appt.ID); err != nil {
				return err
			}
		}
		if err := tx.InsertReminders(ctx, reminders.Missing(planned, existing)); err != nil {
			return fmt.Errorf("insert reminders: %w", err)
		}
		all, err := tx.Reminders(ctx, appt.ID)
		if err != nil {
			return err
		}
		for _, r := range all {
			if r.InvalidatedAt == nil {
				live = append(live, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return live, nil
}

// stale reports whether some pending reminder is not part of the current plan.
func stale(existing, planned []model.Reminder) bool {
	for _, r := range existing {
		if !r.Pending() {
			continue
		}
		if len(reminders.Missing([]model.Reminder{r}, planned)) == 1 {
			return true
		}
	}
	return false
}

func (s *Service) Get(ctx context.Context, companyID, id string) (model.Appointment, error) {
	if strings.TrimSpace(companyID) == "" || strings.TrimSpace(id) == "" {
		return model.Appointment{}, model.ErrNotFound
	}
	return s.store.Get(ctx, companyID, id)
}

func (s *Service) Reminders(ctx context.Context, companyID, id string) ([]model.Reminder, error) {
	if _, err := s.Get(ctx, companyID, id); err != nil {
		return nil, err
	}
	return s.store.ListReminders(ctx, companyID, id)
}

func (s *Service) ListByDate(ctx context.Context, companyID, date string) ([]model.Appointment, error) {
	if strings.TrimSpace(companyID) == "" {
		return nil, model.Invalid("company_id", "required")
	}
	day, err := time.ParseInLocation(model.DateLayout, strings.TrimSpace(date), s.loc)
	if err != nil {
		return nil, model.Invalid("date", "must be YYYY-MM-DD")
	}
	return s.store.ListByDate(ctx, companyID, day.Format(model.DateLayout))
}

// CheckConflict answers whether a slot is free right now without reserving it. Booking
// repeats the check under the tenant lock.
func (s *Service) CheckConflict(ctx context.Context, p conflict.Proposal) (model.ConflictResult, error) {
	if strings.TrimSpace(p.CompanyID) == "" {
		return model.ConflictResult{}, model.Invalid("company_id", "required")
	}
	return s.detector.Check(ctx, s.store, p)
}

type SweepOptions struct {
	AutoStart   bool
	AutoNoShow  bool
	NoShowGrace time.Duration
	Limit       int
}

type SweepResult struct {
	Started int
	NoShows int
}

// Sweep moves overdue pending or confirmed appointments forward: to no_show once their end
// plus the grace period has passed, otherwise to in_progress once they have started.
func (s *Service) Sweep(ctx context.Context, opts SweepOptions) (SweepResult, error) {
	var res SweepResult
	if !opts.AutoStart && !opts.AutoNoShow {
		return res, nil
	}
	now := s.clock.Now()
	overdue, err := s.store.ListOverdue(ctx, now, opts.Limit)
	if err != nil {
		return res, fmt.Errorf("list overdue appointments: %w", err)
	}

	var errs []error
	for _, a := range overdue {
		var err error
		switch {
		case opts.AutoNoShow && !now.Before(a.EndsAt.Add(opts.NoShowGrace)):
			if _, err = s.MarkNoShow(ctx, a.CompanyID, a.ID); err == nil {
				res.NoShows++
			}
		case opts.AutoStart:
			if _, err = s.Start(ctx, a.CompanyID, a.ID); err == nil {
				res.Started++
			}
		}
		// Someone else moved it since the listing.
		if errors.Is(err, model.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", a.ID, err))
		}
	}
	return res, errors.Join(errs...)
}

func (s *Service) appendEvent(ctx context.Context, tx storage.Tx, eventType string, a model.Appointment, at time.Time, extra map[string]any) error {
	evt, err := appointmentEvent(eventType, a, at, extra)
	if err != nil {
		return fmt.Errorf("build %s event: %w", eventType, err)
	}
	if err := tx.AppendEvent(ctx, evt); err != nil {
		return fmt.Errorf("append %s event: %w", eventType, err)
	}
	return nil
}
