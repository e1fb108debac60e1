package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pipelinehq/workfabric/internal/domain/notification"
	"github.com/pipelinehq/workfabric/internal/observability"
)

// NotificationDLQRepo persists dead-lettered notifications. It carries two
// write paths on purpose: InsertDLQTx is the tx-scoped method
// internal/notifications.Store calls so the DLQ row commits atomically with
// the notification's terminal state flip; Insert is the context-only method
// internal/dlq.Repository declares for callers outside that dispatcher's
// TX1/TX2 pairs. Generalized from notification_deliveries_repo.go's single
// failure-path UPDATE into its own append-only table, since a DLQ entry is
// a historical record, not a mutable field on the notification row.
type NotificationDLQRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

// NewNotificationDLQRepo constructs a NotificationDLQRepo. prom may be nil.
func NewNotificationDLQRepo(pool *pgxpool.Pool, prom *observability.Prom) *NotificationDLQRepo {
	return &NotificationDLQRepo{pool: pool, prom: prom}
}

func (r *NotificationDLQRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// InsertDLQTx implements internal/notifications.Store.InsertDLQ.
func (r *NotificationDLQRepo) InsertDLQTx(ctx context.Context, tx pgx.Tx, row notification.NotificationDLQ) error {
	op := "notification_dlq.insert_tx"
	return r.observe(op, func() error {
		_, err := tx.Exec(ctx, `
			INSERT INTO notification_dlq (id, notification_id, channel, reason, created_at, org_id)
			VALUES ($1, $2, $3, $4, $5, (SELECT org_id FROM notifications WHERE id = $2))
		`, row.ID, row.NotificationID, row.Channel, row.Reason, row.CreatedAt)
		return err
	})
}

// Insert implements internal/dlq.Repository for callers with no open
// transaction of their own. orgID is stored alongside the row (rather than
// looked up) since the caller, unlike InsertDLQTx, is not guaranteed to be
// racing inside the same transaction as the notifications table write.
func (r *NotificationDLQRepo) Insert(ctx context.Context, orgID string, row notification.NotificationDLQ) error {
	op := "notification_dlq.insert"
	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO notification_dlq (id, notification_id, channel, reason, created_at, org_id)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, row.ID, row.NotificationID, row.Channel, row.Reason, row.CreatedAt, orgID)
		return err
	})
}

// ListByOrg implements internal/dlq.Repository.
func (r *NotificationDLQRepo) ListByOrg(ctx context.Context, orgID string, limit int) ([]notification.NotificationDLQ, error) {
	op := "notification_dlq.list_by_org"
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []notification.NotificationDLQ
	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
			SELECT id, notification_id, channel, reason, created_at
			FROM notification_dlq
			WHERE org_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		`, orgID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var row notification.NotificationDLQ
			if err := rows.Scan(&row.ID, &row.NotificationID, &row.Channel, &row.Reason, &row.CreatedAt); err != nil {
				return err
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	return out, err
}
