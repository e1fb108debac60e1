package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pipelinehq/workfabric/internal/domain/notification"
	"github.com/pipelinehq/workfabric/internal/observability"
)

// NotificationAttemptsRepo persists the append-only NotificationAttempt
// history the dispatcher's TX2 writes on every send outcome.
type NotificationAttemptsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

// NewNotificationAttemptsRepo constructs a NotificationAttemptsRepo. prom
// may be nil.
func NewNotificationAttemptsRepo(pool *pgxpool.Pool, prom *observability.Prom) *NotificationAttemptsRepo {
	return &NotificationAttemptsRepo{pool: pool, prom: prom}
}

func (r *NotificationAttemptsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// CountAttempts implements notifications.Store, giving the dispatcher's
// TX1 the count it needs to compute the next attempt number and detect
// retry-budget exhaustion.
func (r *NotificationAttemptsRepo) CountAttempts(ctx context.Context, tx pgx.Tx, notificationID string) (int, error) {
	op := "notification_attempts.count"
	var count int
	err := r.observe(op, func() error {
		return tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM notification_attempts WHERE notification_id = $1
		`, notificationID).Scan(&count)
	})
	return count, err
}

// InsertAttempt implements notifications.Store.
func (r *NotificationAttemptsRepo) InsertAttempt(ctx context.Context, tx pgx.Tx, a notification.NotificationAttempt) error {
	op := "notification_attempts.insert"
	return r.observe(op, func() error {
		_, err := tx.Exec(ctx, `
			INSERT INTO notification_attempts (id, notification_id, attempt_number, status, error, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, a.ID, a.NotificationID, a.AttemptNumber, string(a.Status), a.Error, a.CreatedAt)
		return err
	})
}

// ListByNotification is an admin-facing read of one notification's full
// attempt history, newest first.
func (r *NotificationAttemptsRepo) ListByNotification(ctx context.Context, notificationID string) ([]notification.NotificationAttempt, error) {
	op := "notification_attempts.list_by_notification"
	var out []notification.NotificationAttempt
	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
			SELECT id, notification_id, attempt_number, status, error, created_at
			FROM notification_attempts
			WHERE notification_id = $1
			ORDER BY attempt_number DESC
		`, notificationID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var a notification.NotificationAttempt
			var status string
			if err := rows.Scan(&a.ID, &a.NotificationID, &a.AttemptNumber, &status, &a.Error, &a.CreatedAt); err != nil {
				return err
			}
			a.Status = notification.AttemptStatus(status)
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}
