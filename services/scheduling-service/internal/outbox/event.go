package outbox

import (
	"context"
	"time"
)

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Record is a stored event awaiting relay.
type Record struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
}

// Source hands out batches of unpublished records. A batch is marked published only when
// send returns nil.
type Source interface {
	Drain(ctx context.Context, limit int, send func(ctx context.Context, records []Record) error) (int, error)
}
