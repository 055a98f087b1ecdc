package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/libs/db"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/model"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/outbox"
)

//go:embed schema.sql
var schema string

const appointmentColumns = `id, company_id, chat_id, client_name, client_phone, pet_name, pet_type, pet_size,
	service_id, service_name, duration_minutes, price::float8, appt_date, appt_time, starts_at, ends_at,
	status, confirmed_by_client, confirmed_by_company, notes, cancel_reason,
	created_at, updated_at, canceled_at, completed_at`

const reminderColumns = `id, appointment_id, company_id, kind, scheduled_for, next_attempt_at, sent, sent_at,
	invalidated_at, failed_at, attempts, last_error, created_at`

type Postgres struct {
	pool        *db.Pool
	outbox      *outbox.Repository
	lockTimeout time.Duration
}

func NewPostgres(pool *db.Pool, outboxRepo *outbox.Repository, lockTimeout time.Duration) *Postgres {
	return &Postgres{pool: pool, outbox: outboxRepo, lockTimeout: lockTimeout}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) InTenant(ctx context.Context, companyID string, fn func(context.Context, Tx) error) error {
	err := p.pool.InTx(ctx, func(tx pgx.Tx) error {
		if p.lockTimeout > 0 {
			if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.lockTimeout.Milliseconds())); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, companyID); err != nil {
			if ctx.Err() != nil || isCode(err, "55P03") {
				return fmt.Errorf("%w: %v", model.ErrTenantBusy, err)
			}
			return err
		}
		return fn(ctx, &pgTx{tx: tx, companyID: companyID, outbox: p.outbox})
	})
	return mapError(err)
}

func (p *Postgres) Get(ctx context.Context, companyID, id string) (model.Appointment, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 AND company_id = $2`, id, companyID)
	appt, err := scanAppointment(row)
	return appt, mapError(err)
}

func (p *Postgres) ListByDate(ctx context.Context, companyID, date string) ([]model.Appointment, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE company_id = $1 AND appt_date = $2
		ORDER BY starts_at ASC
	`, companyID, date)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (p *Postgres) FindOverlapping(ctx context.Context, companyID, date string, start, end time.Time, excludeID string) ([]model.Appointment, error) {
	return findOverlapping(ctx, p.pool, companyID, date, start, end, excludeID)
}

func (p *Postgres) ListReminders(ctx context.Context, companyID, appointmentID string) ([]model.Reminder, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+reminderColumns+`
		FROM reminders
		WHERE appointment_id = $1 AND company_id = $2
		ORDER BY scheduled_for ASC, created_at ASC
	`, appointmentID, companyID)
	if err != nil {
		return nil, err
	}
	return collectReminders(rows)
}

func (p *Postgres) ListOverdue(ctx context.Context, startedBy time.Time, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status IN ('pending', 'confirmed') AND starts_at <= $1
		ORDER BY starts_at ASC
		LIMIT $2
	`, startedBy, limit)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (p *Postgres) FindDueReminders(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+reminderColumns+`
		FROM reminders
		WHERE `+reminderPending+` AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC, id ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectReminders(rows)
}

const reminderPending = `NOT sent AND invalidated_at IS NULL AND failed_at IS NULL`

// ClaimReminder moves the lease in a single statement, so only one dispatcher wins a row and
// no lock outlives the call.
func (p *Postgres) ClaimReminder(ctx context.Context, id string, now, until time.Time) (model.DueReminder, error) {
	var due model.DueReminder
	err := p.pool.InTx(ctx, func(tx pgx.Tx) error {
		rem, err := scanReminder(tx.QueryRow(ctx, `
			UPDATE reminders
			SET next_attempt_at = $3
			WHERE id = $1 AND `+reminderPending+` AND next_attempt_at <= $2
			RETURNING `+reminderColumns,
			id, now, until))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrReminderUnavailable
		}
		if err != nil {
			return err
		}
		appt, err := scanAppointment(tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, rem.AppointmentID))
		if err != nil {
			return mapError(err)
		}
		due = model.DueReminder{Reminder: rem, Appointment: appt}
		return nil
	})
	return due, err
}

func (p *Postgres) WithReminder(ctx context.Context, id string, fn func(context.Context, ReminderTx) error) error {
	return p.pool.InTx(ctx, func(tx pgx.Tx) error {
		rem, err := scanReminder(tx.QueryRow(ctx, `
			SELECT `+reminderColumns+`
			FROM reminders
			WHERE id = $1 AND `+reminderPending+`
			FOR UPDATE
		`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrReminderUnavailable
		}
		if err != nil {
			return err
		}
		appt, err := scanAppointment(tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, rem.AppointmentID))
		if err != nil {
			return mapError(err)
		}
		return fn(ctx, &pgReminderTx{tx: tx, outbox: p.outbox, reminder: rem, appt: appt})
	})
}

type pgTx struct {
	tx        pgx.Tx
	companyID string
	outbox    *outbox.Repository
}

func (t *pgTx) FindOverlapping(ctx context.Context, companyID, date string, start, end time.Time, excludeID string) ([]model.Appointment, error) {
	return findOverlapping(ctx, t.tx, companyID, date, start, end, excludeID)
}

func (t *pgTx) GetForUpdate(ctx context.Context, id string) (model.Appointment, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 AND company_id = $2 FOR UPDATE`, id, t.companyID)
	appt, err := scanAppointment(row)
	return appt, mapError(err)
}

func (t *pgTx) Insert(ctx context.Context, a model.Appointment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointments
			(id, company_id, chat_id, client_name, client_phone, pet_name, pet_type, pet_size,
			 service_id, service_name, duration_minutes, price, appt_date, appt_time, starts_at, ends_at,
			 status, confirmed_by_client, confirmed_by_company, notes, cancel_reason,
			 created_at, updated_at, canceled_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25)
	`, a.ID, a.CompanyID, a.ChatID, a.Client.Name, a.Client.Phone, a.Pet.Name, a.Pet.Type, string(a.Pet.Size),
		a.Service.ID, a.Service.Name, a.Service.DurationMinutes, a.Service.Price, a.Date, a.Time, a.StartsAt, a.EndsAt,
		string(a.Status), a.ConfirmedByClient, a.ConfirmedByCompany, a.Notes, a.CancelReason,
		a.CreatedAt, a.UpdatedAt, a.CanceledAt, a.CompletedAt)
	return mapError(err)
}

func (t *pgTx) Update(ctx context.Context, a model.Appointment) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET appt_date = $3,
			appt_time = $4,
			starts_at = $5,
			ends_at = $6,
			status = $7,
			confirmed_by_client = $8,
			confirmed_by_company = $9,
			notes = $10,
			cancel_reason = $11,
			updated_at = $12,
			canceled_at = $13,
			completed_at = $14
		WHERE id = $1 AND company_id = $2
	`, a.ID, t.companyID, a.Date, a.Time, a.StartsAt, a.EndsAt, string(a.Status),
		a.ConfirmedByClient, a.ConfirmedByCompany, a.Notes, a.CancelReason, a.UpdatedAt, a.CanceledAt, a.CompletedAt)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (t *pgTx) Reminders(ctx context.Context, appointmentID string) ([]model.Reminder, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+reminderColumns+`
		FROM reminders
		WHERE appointment_id = $1 AND company_id = $2
		ORDER BY scheduled_for ASC
	`, appointmentID, t.companyID)
	if err != nil {
		return nil, err
	}
	return collectReminders(rows)
}

func (t *pgTx) InsertReminders(ctx context.Context, reminders []model.Reminder) error {
	if len(reminders) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range reminders {
		batch.Queue(`
			INSERT INTO reminders (id, appointment_id, company_id, kind, scheduled_for, next_attempt_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $5, $6)
			ON CONFLICT (appointment_id, kind, scheduled_for) WHERE invalidated_at IS NULL DO NOTHING
		`, r.ID, r.AppointmentID, r.CompanyID, string(r.Kind), r.ScheduledFor, r.CreatedAt)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *pgTx) InvalidateReminders(ctx context.Context, appointmentID string, at time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE reminders
		SET invalidated_at = $2
		WHERE appointment_id = $1 AND `+reminderPending+`
	`, appointmentID, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, evt)
}

type pgReminderTx struct {
	tx       pgx.Tx
	outbox   *outbox.Repository
	reminder model.Reminder
	appt     model.Appointment
}

func (t *pgReminderTx) Reminder() model.Reminder       { return t.reminder }
func (t *pgReminderTx) Appointment() model.Appointment { return t.appt }

func (t *pgReminderTx) MarkSent(ctx context.Context, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE reminders
		SET sent = true, sent_at = $2, attempts = attempts + 1, last_error = ''
		WHERE id = $1
	`, t.reminder.ID, at)
	return err
}

func (t *pgReminderTx) Invalidate(ctx context.Context, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE reminders SET invalidated_at = $2 WHERE id = $1`, t.reminder.ID, at)
	return err
}

func (t *pgReminderTx) RecordFailure(ctx context.Context, reason string, retryAt time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE reminders
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3
		WHERE id = $1
	`, t.reminder.ID, reason, retryAt)
	return err
}

func (t *pgReminderTx) MarkFailed(ctx context.Context, reason string, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE reminders
		SET attempts = attempts + 1, last_error = $2, failed_at = $3
		WHERE id = $1
	`, t.reminder.ID, reason, at)
	return err
}

func (t *pgReminderTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, evt)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func findOverlapping(ctx context.Context, q querier, companyID, date string, start, end time.Time, excludeID string) ([]model.Appointment, error) {
	rows, err := q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE company_id = $1
			AND appt_date = $2
			AND status <> 'canceled'
			AND starts_at < $4
			AND ends_at > $3
			AND id <> $5
		ORDER BY starts_at ASC
	`, companyID, date, start, end, excludeID)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var a model.Appointment
	var size, status string
	err := row.Scan(
		&a.ID,
		&a.CompanyID,
		&a.ChatID,
		&a.Client.Name,
		&a.Client.Phone,
		&a.Pet.Name,
		&a.Pet.Type,
		&size,
		&a.Service.ID,
		&a.Service.Name,
		&a.Service.DurationMinutes,
		&a.Service.Price,
		&a.Date,
		&a.Time,
		&a.StartsAt,
		&a.EndsAt,
		&status,
		&a.ConfirmedByClient,
		&a.ConfirmedByCompany,
		&a.Notes,
		&a.CancelReason,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.CanceledAt,
		&a.CompletedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	a.Pet.Size = model.PetSize(size)
	a.Status = model.Status(status)
	if !a.Status.Valid() {
		return model.Appointment{}, fmt.Errorf("appointment %s: unknown status %q", a.ID, status)
	}
	return a, nil
}

func collectAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	defer rows.Close()
	var appts []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, a)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func scanReminder(row pgx.Row) (model.Reminder, error) {
	var r model.Reminder
	var kind string
	err := row.Scan(&r.ID, &r.AppointmentID, &r.CompanyID, &kind, &r.ScheduledFor, &r.NextAttemptAt, &r.Sent,
		&r.SentAt, &r.InvalidatedAt, &r.FailedAt, &r.Attempts, &r.LastError, &r.CreatedAt)
	if err != nil {
		return model.Reminder{}, err
	}
	r.Kind = model.ReminderKind(kind)
	return r, nil
}

func collectReminders(rows pgx.Rows) ([]model.Reminder, error) {
	defer rows.Close()
	var out []model.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// mapError translates driver errors into model errors. Errors that already carry a model
// kind pass through unchanged.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return model.ErrNotFound
	case isCode(err, "23P01"):
		return &model.ConflictError{Result: model.ConflictResult{
			HasConflict: true,
			Message:     "slot overlaps an existing appointment",
		}}
	case isCode(err, "55P03"):
		return fmt.Errorf("%w: %v", model.ErrTenantBusy, err)
	}
	return err
}

func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
