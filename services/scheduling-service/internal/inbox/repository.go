package inbox

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/libs/db"
)

// Recorder remembers processed event ids. Record reports false for an id seen before.
// Forget drops an id again so a redelivery of an event whose handling failed is processed.
type Recorder interface {
	Record(ctx context.Context, eventID string, eventType string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Record(ctx context.Context, eventID string, eventType string) (bool, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
	`, eventID, eventType)
	if err == nil {
		return true, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return false, nil
	}

	return false, err
}

func (r *Repository) Forget(ctx context.Context, eventID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM inbox_events WHERE event_id = $1`, eventID)
	return err
}

type Memory struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{seen: make(map[string]struct{})}
}

func (m *Memory) Record(_ context.Context, eventID string, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[eventID]; ok {
		return false, nil
	}
	m.seen[eventID] = struct{}{}
	return true, nil
}

func (m *Memory) Forget(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, eventID)
	return nil
}
