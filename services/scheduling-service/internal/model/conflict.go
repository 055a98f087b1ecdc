package model

// ConflictResult explains whether a proposed slot can be booked. It is never persisted.
type ConflictResult struct {
	HasConflict bool
	Message     string
	Conflicts   []Appointment
}
