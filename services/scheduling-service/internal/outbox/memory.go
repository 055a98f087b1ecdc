package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	otelx "github.com/fellipesaraiva88/agentedaauzap-sub004/libs/otel"
)

// Memory is a process-local outbox used with the in-memory appointment store.
type Memory struct {
	mu      sync.Mutex
	nextID  int64
	pending []Record
}

func NewMemory() *Memory {
	return &Memory{}
}

// Stage builds a record for evt without storing it, so callers can append it on commit.
func (m *Memory) Stage(ctx context.Context, evt Event) Record {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	return Record{
		EventID:       uuid.NewString(),
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		EventType:     evt.EventType,
		Payload:       evt.Payload,
		Traceparent:   traceparent,
		Tracestate:    tracestate,
		CreatedAt:     time.Now().UTC(),
	}
}

// Append stores staged records in order.
func (m *Memory) Append(records ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.nextID++
		r.ID = m.nextID
		m.pending = append(m.pending, r)
	}
}

// Pending returns a copy of the unpublished records.
func (m *Memory) Pending() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.pending...)
}

func (m *Memory) Drain(ctx context.Context, limit int, send func(context.Context, []Record) error) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return 0, nil
	}
	if limit <= 0 || limit > len(m.pending) {
		limit = len(m.pending)
	}
	batch := append([]Record(nil), m.pending[:limit]...)
	if err := send(ctx, batch); err != nil {
		return 0, err
	}
	m.pending = m.pending[limit:]
	return limit, nil
}
