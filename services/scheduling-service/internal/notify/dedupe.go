package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduped guards a channel that cannot dedupe by itself. A reminder id is claimed in Redis
// before sending and released again when the send fails, so retries still go out while a
// second dispatcher racing on the same reminder does not.
type Deduped struct {
	next   Sender
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

func NewDeduped(next Sender, rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger) *Deduped {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &Deduped{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

func (d *Deduped) ProviderID() string {
	return d.next.ProviderID()
}

func (d *Deduped) key(id string) string {
	return "reminder:sent:" + id
}

func (d *Deduped) SendReminder(ctx context.Context, n Notice) error {
	claimed, err := d.rdb.SetNX(ctx, d.key(n.ReminderID), d.next.ProviderID(), d.ttl).Result()
	if err != nil {
		// Fail open.
		d.logger.Warn("reminder dedupe unavailable", "reminder_id", n.ReminderID, "err", err)
		return d.next.SendReminder(ctx, n)
	}
	if !claimed {
		d.logger.Info("reminder already delivered", "reminder_id", n.ReminderID)
		return nil
	}
	if err := d.next.SendReminder(ctx, n); err != nil {
		if delErr := d.rdb.Del(context.WithoutCancel(ctx), d.key(n.ReminderID)).Err(); delErr != nil {
			d.logger.Warn("reminder dedupe release failed", "reminder_id", n.ReminderID, "err", delErr)
		}
		return err
	}
	return nil
}
