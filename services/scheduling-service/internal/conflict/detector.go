package conflict

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/model"
)

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether two half-open intervals share any instant; touching endpoints do not.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

func IntervalOf(a model.Appointment) Interval {
	return Interval{Start: a.StartsAt, End: a.EndsAt}
}

// Finder narrows the candidate set. Implementations may over-return; Evaluate re-checks
// every candidate.
type Finder interface {
	FindOverlapping(ctx context.Context, companyID, date string, start, end time.Time, excludeID string) ([]model.Appointment, error)
}

// Proposal is a slot someone wants to book, optionally excluding the appointment being moved.
type Proposal struct {
	CompanyID       string
	Date            string
	Time            string
	DurationMinutes int
	ExcludeID       string
}

type Detector struct {
	loc *time.Location
}

func NewDetector(loc *time.Location) *Detector {
	if loc == nil {
		loc = time.UTC
	}
	return &Detector{loc: loc}
}

// Check decides whether p can be booked. It must run inside the same tenant-serialized unit of
// work as the insert that follows it.
func (d *Detector) Check(ctx context.Context, f Finder, p Proposal) (model.ConflictResult, error) {
	if p.DurationMinutes <= 0 {
		return model.ConflictResult{}, model.Invalid("duration_minutes", "must be greater than zero")
	}
	start, err := model.ParseSlot(p.Date, p.Time, d.loc)
	if err != nil {
		return model.ConflictResult{}, model.Invalid("date", err.Error())
	}
	proposed := Interval{Start: start, End: start.Add(time.Duration(p.DurationMinutes) * time.Minute)}
	date := start.Format(model.DateLayout)

	candidates, err := f.FindOverlapping(ctx, p.CompanyID, date, proposed.Start, proposed.End, p.ExcludeID)
	if err != nil {
		return model.ConflictResult{}, fmt.Errorf("find overlapping: %w", err)
	}
	return Evaluate(p.CompanyID, date, proposed, candidates, p.ExcludeID), nil
}

// Evaluate is the pure overlap decision over a candidate set.
func Evaluate(companyID, date string, proposed Interval, candidates []model.Appointment, excludeID string) model.ConflictResult {
	var hits []model.Appointment
	for _, c := range candidates {
		if c.CompanyID != companyID || c.Date != date {
			continue
		}
		if c.Status == model.StatusCanceled {
			continue
		}
		if excludeID != "" && c.ID == excludeID {
			continue
		}
		if proposed.Overlaps(IntervalOf(c)) {
			hits = append(hits, c)
		}
	}
	if len(hits) == 0 {
		return model.ConflictResult{}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].StartsAt.Before(hits[j].StartsAt) })
	return model.ConflictResult{
		HasConflict: true,
		Message:     describe(hits[0]),
		Conflicts:   hits,
	}
}

func describe(a model.Appointment) string {
	name := strings.TrimSpace(a.Client.Name)
	if name == "" {
		name = "another client"
	}
	return fmt.Sprintf("slot conflicts with %s's appointment on %s from %s to %s",
		name, a.Date, a.StartsAt.Format(model.ClockLayout), a.EndsAt.Format(model.ClockLayout))
}
