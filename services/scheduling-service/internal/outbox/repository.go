package outbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/libs/db"
	otelx "github.com/fellipesaraiva88/agentedaauzap-sub004/libs/otel"
)

// Repository is the Postgres outbox. Events are inserted inside the caller's transaction, so
// an event exists exactly when the state change that produced it committed.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

const insertEvent = `
INSERT INTO outbox_events (event_id, aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt Event) error {
	parent, state := otelx.TraceContextStrings(ctx)
	if _, err := tx.Exec(ctx, insertEvent,
		uuid.NewString(), evt.AggregateType, evt.AggregateID, evt.EventType, evt.Payload, parent, state,
	); err != nil {
		return fmt.Errorf("outbox insert %s: %w", evt.EventType, err)
	}
	return nil
}

// Column order matches the Record fields.
const lockBatch = `
SELECT id, event_id::text, aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate, created_at
FROM outbox_events
WHERE published_at IS NULL
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED`

// Drain relays the oldest unpublished events. Concurrent relays skip each other's rows, and
// the batch is only marked published when send succeeds.
func (r *Repository) Drain(ctx context.Context, limit int, send func(context.Context, []Record) error) (int, error) {
	var sent int
	err := r.pool.InTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, lockBatch, limit)
		if err != nil {
			return err
		}
		batch, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Record])
		if err != nil || len(batch) == 0 {
			return err
		}
		if err := send(ctx, batch); err != nil {
			return err
		}
		ids := make([]int64, len(batch))
		for i := range batch {
			ids[i] = batch[i].ID
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox_events SET published_at = now() WHERE id = ANY($1)`, ids); err != nil {
			return err
		}
		sent = len(batch)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sent, nil
}
