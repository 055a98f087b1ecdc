// Package lifecycle enforces the appointment status machine:
//
//	pending -> confirmed -> in_progress -> completed
//	pending|confirmed|in_progress -> canceled
//	pending|confirmed -> no_show
//
// completed, canceled and no_show are terminal. Confirmation flags live beside the status
// and only drive the pending -> confirmed edge.
package lifecycle

import (
	"strings"
	"time"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/model"
)

var transitions = map[model.Status][]model.Status{
	model.StatusPending:    {model.StatusConfirmed, model.StatusInProgress, model.StatusCanceled, model.StatusNoShow},
	model.StatusConfirmed:  {model.StatusInProgress, model.StatusCanceled, model.StatusNoShow},
	model.StatusInProgress: {model.StatusCompleted, model.StatusCanceled},
}

// Allowed reports whether the edge from -> to exists, ignoring time preconditions.
func Allowed(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func move(a *model.Appointment, to model.Status, now time.Time) error {
	if !Allowed(a.Status, to) {
		reason := ""
		if a.Status.Terminal() {
			reason = "status is terminal"
		}
		return &model.TransitionError{From: a.Status, To: to, Reason: reason}
	}
	a.Status = to
	a.UpdatedAt = now
	return nil
}

// Confirm records a party's confirmation. The first flag on a pending appointment confirms it;
// later flags only flip the boolean. It reports whether anything changed.
func Confirm(a *model.Appointment, by model.Party, now time.Time) (bool, error) {
	if a.Status.Terminal() {
		return false, &model.TransitionError{From: a.Status, To: model.StatusConfirmed, Reason: "status is terminal"}
	}
	changed := false
	switch by {
	case model.PartyClient:
		changed = !a.ConfirmedByClient
		a.ConfirmedByClient = true
	case model.PartyCompany:
		changed = !a.ConfirmedByCompany
		a.ConfirmedByCompany = true
	default:
		return false, model.Invalid("by", "must be client or company")
	}
	if a.Status == model.StatusPending {
		if err := move(a, model.StatusConfirmed, now); err != nil {
			return false, err
		}
		return true, nil
	}
	if changed {
		a.UpdatedAt = now
	}
	return changed, nil
}

// Start moves a pending or confirmed appointment to in_progress once its start has arrived.
func Start(a *model.Appointment, now time.Time) error {
	if Allowed(a.Status, model.StatusInProgress) && now.Before(a.StartsAt) {
		return &model.TransitionError{From: a.Status, To: model.StatusInProgress, Reason: "appointment has not started yet"}
	}
	return move(a, model.StatusInProgress, now)
}

func Complete(a *model.Appointment, now time.Time) error {
	if err := move(a, model.StatusCompleted, now); err != nil {
		return err
	}
	completedAt := now
	a.CompletedAt = &completedAt
	return nil
}

func Cancel(a *model.Appointment, reason string, now time.Time) error {
	if err := move(a, model.StatusCanceled, now); err != nil {
		return err
	}
	canceledAt := now
	a.CanceledAt = &canceledAt
	a.CancelReason = strings.TrimSpace(reason)
	return nil
}

// MarkNoShow closes a pending or confirmed appointment whose scheduled end has passed
// without it being started.
func MarkNoShow(a *model.Appointment, now time.Time) error {
	if Allowed(a.Status, model.StatusNoShow) && now.Before(a.EndsAt) {
		return &model.TransitionError{From: a.Status, To: model.StatusNoShow, Reason: "scheduled end has not passed"}
	}
	return move(a, model.StatusNoShow, now)
}

// CanReschedule reports whether the appointment's slot may still be moved.
func CanReschedule(a model.Appointment) error {
	if a.Status == model.StatusPending || a.Status == model.StatusConfirmed {
		return nil
	}
	reason := "status is terminal"
	if a.Status == model.StatusInProgress {
		reason = "appointment already started"
	}
	return &model.TransitionError{From: a.Status, To: a.Status, Reason: reason}
}
