package scheduling

import (
	"strings"
	"time"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/model"
)

const maxDurationMinutes = 24 * 60

// newAppointment re-validates the temporal and monetary fields of a request and builds the
// pending appointment it describes.
func newAppointment(req model.BookingRequest, now time.Time, loc *time.Location) (model.Appointment, error) {
	problems := &model.ValidationError{}

	companyID := strings.TrimSpace(req.CompanyID)
	if companyID == "" {
		problems.Add("company_id", "required")
	}
	clientName := strings.TrimSpace(req.Client.Name)
	if clientName == "" {
		problems.Add("client.name", "required")
	}
	serviceName := strings.TrimSpace(req.ServiceName)
	if serviceName == "" {
		problems.Add("service_name", "required")
	}
	switch {
	case req.DurationMinutes <= 0:
		problems.Add("duration_minutes", "must be greater than zero")
	case req.DurationMinutes > maxDurationMinutes:
		problems.Add("duration_minutes", "must not exceed one day")
	}
	if req.Price < 0 {
		problems.Add("price", "must not be negative")
	}
	size, err := model.ParsePetSize(string(req.Pet.Size))
	if err != nil {
		problems.Add("pet.size", "must be small, medium or large")
	}

	appt := model.Appointment{
		CompanyID: companyID,
		ChatID:    strings.TrimSpace(req.ChatID),
		Client:    model.Client{Name: clientName, Phone: strings.TrimSpace(req.Client.Phone)},
		Pet:       model.Pet{Name: strings.TrimSpace(req.Pet.Name), Type: strings.TrimSpace(req.Pet.Type), Size: size},
		Service: model.Service{
			ID:              strings.TrimSpace(req.ServiceID),
			Name:            serviceName,
			DurationMinutes: req.DurationMinutes,
			Price:           req.Price,
		},
		Status:    model.StatusPending,
		Notes:     strings.TrimSpace(req.Notes),
		CreatedAt: now,
		UpdatedAt: now,
	}
	checkSlot(problems, &appt, req.Date, req.Time, now, loc)
	if err := problems.OrNil(); err != nil {
		return model.Appointment{}, err
	}
	return appt, nil
}

// checkSlot places appt at date/clock and requires the start to lie in the future.
func checkSlot(problems *model.ValidationError, appt *model.Appointment, date, clock string, now time.Time, loc *time.Location) {
	if strings.TrimSpace(date) == "" || strings.TrimSpace(clock) == "" {
		problems.Add("date", "date and time are required")
		return
	}
	if err := appt.SetSchedule(date, clock, loc); err != nil {
		problems.Add("date", err.Error())
		return
	}
	if !appt.StartsAt.After(now) {
		problems.Add("date", "appointment must start in the future")
	}
}
