package model

// BookingRequest is the already shape-validated input of a booking.
type BookingRequest struct {
	CompanyID       string
	ChatID          string
	Client          Client
	Pet             Pet
	ServiceID       string
	ServiceName     string
	Date            string
	Time            string
	DurationMinutes int
	Price           float64
	Notes           string
}
