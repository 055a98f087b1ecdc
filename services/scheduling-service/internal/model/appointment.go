package model

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout and ClockLayout are the wire formats of an appointment's calendar date and
// time-of-day, both interpreted in the business time zone.
const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCanceled   Status = "canceled"
	StatusNoShow     Status = "no_show"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCanceled, StatusNoShow:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusNoShow
}

type PetSize string

const (
	PetSizeSmall  PetSize = "small"
	PetSizeMedium PetSize = "medium"
	PetSizeLarge  PetSize = "large"
)

func ParsePetSize(raw string) (PetSize, error) {
	switch s := PetSize(strings.ToLower(strings.TrimSpace(raw))); s {
	case PetSizeSmall, PetSizeMedium, PetSizeLarge:
		return s, nil
	case "":
		return "", nil
	default:
		return "", fmt.Errorf("unknown pet size %q", raw)
	}
}

// Party identifies who confirmed an appointment.
type Party string

const (
	PartyClient  Party = "client"
	PartyCompany Party = "company"
)

type Client struct {
	Name  string
	Phone string
}

type Pet struct {
	Name string
	Type string
	Size PetSize
}

type Service struct {
	ID              string
	Name            string
	DurationMinutes int
	Price           float64
}

// Appointment is one scheduled service instance for a tenant. It occupies the half-open
// interval [StartsAt, EndsAt).
type Appointment struct {
	ID        string
	CompanyID string
	ChatID    string

	Client  Client
	Pet     Pet
	Service Service

	Date     string // DateLayout, business-local
	Time     string // ClockLayout, business-local
	StartsAt time.Time
	EndsAt   time.Time

	Status             Status
	ConfirmedByClient  bool
	ConfirmedByCompany bool

	Notes        string
	CancelReason string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CanceledAt  *time.Time
	CompletedAt *time.Time
}

func (a Appointment) Duration() time.Duration {
	return time.Duration(a.Service.DurationMinutes) * time.Minute
}

// SetSchedule places the appointment at date/clock in loc and derives StartsAt/EndsAt.
func (a *Appointment) SetSchedule(date, clock string, loc *time.Location) error {
	start, err := ParseSlot(date, clock, loc)
	if err != nil {
		return err
	}
	a.Date = start.Format(DateLayout)
	a.Time = start.Format(ClockLayout)
	a.StartsAt = start
	a.EndsAt = start.Add(a.Duration())
	return nil
}

// ParseSlot combines a calendar date and a time-of-day in loc.
func ParseSlot(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation(DateLayout, strings.TrimSpace(date), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", date)
	}
	tod, err := time.Parse(ClockLayout, strings.TrimSpace(clock))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", clock)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), tod.Hour(), tod.Minute(), 0, 0, loc), nil
}

// AuditConsistent reports whether the canceled/completed timestamps match the status.
func (a Appointment) AuditConsistent() bool {
	switch a.Status {
	case StatusCanceled:
		return a.CanceledAt != nil && a.CompletedAt == nil
	case StatusCompleted:
		return a.CompletedAt != nil && a.CanceledAt == nil
	default:
		return a.CanceledAt == nil && a.CompletedAt == nil
	}
}
