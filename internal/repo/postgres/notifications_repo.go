package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pipelinehq/workfabric/internal/domain/notification"
	"github.com/pipelinehq/workfabric/internal/observability"
)

// NotificationsRepo persists the Notification row itself: load, claim,
// reset, save, and commit-mark. Generalized from
// notification_deliveries_repo.go's single-kind "registration confirmation"
// delivery row into the multi-channel shape internal/domain/notification
// describes; the insert-or-claim dance that repo did against a unique
// (kind, registration_id) pair is replaced here by the dispatcher's own
// delivery_token claim (ClaimDelivery), since every notification already
// has a stable row created ahead of dispatch rather than being
// lazily inserted on first send attempt.
type NotificationsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

// NewNotificationsRepo constructs a NotificationsRepo. prom may be nil.
func NewNotificationsRepo(pool *pgxpool.Pool, prom *observability.Prom) *NotificationsRepo {
	return &NotificationsRepo{pool: pool, prom: prom}
}

func (r *NotificationsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// Create inserts a fresh pending notification, used by whatever job body
// enqueues a delivery (outside the dispatcher's own TX1/TX2).
func (r *NotificationsRepo) Create(ctx context.Context, n notification.Notification) error {
	op := "notifications.create"
	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO notifications (id, org_id, user_id, channel, template, payload, status, delivery_token, delivery_committed_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, n.ID, n.OrgID, n.UserID, n.Channel, n.Template, n.Payload, string(n.Status), n.DeliveryToken, n.DeliveryCommittedAt, n.UpdatedAt)
		return err
	})
}

// LoadNotification implements notifications.Store. It locks the row
// FOR UPDATE, since the dispatcher's TX1 reads it immediately before
// deciding whether to claim and start it.
func (r *NotificationsRepo) LoadNotification(ctx context.Context, tx pgx.Tx, id string) (notification.Notification, bool, error) {
	op := "notifications.load"
	var n notification.Notification
	var status string
	err := r.observe(op, func() error {
		return tx.QueryRow(ctx, `
			SELECT id, org_id, user_id, channel, template, payload, status, delivery_token, delivery_committed_at, updated_at
			FROM notifications
			WHERE id = $1
			FOR UPDATE
		`, id).Scan(&n.ID, &n.OrgID, &n.UserID, &n.Channel, &n.Template, &n.Payload, &status, &n.DeliveryToken, &n.DeliveryCommittedAt, &n.UpdatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notification.Notification{}, false, nil
		}
		return notification.Notification{}, false, err
	}
	n.Status = notification.Status(status)
	return n, true, nil
}

// ClaimDelivery implements notifications.Store via a compare-and-swap
// UPDATE: only the caller that flips delivery_token from NULL wins.
func (r *NotificationsRepo) ClaimDelivery(ctx context.Context, tx pgx.Tx, id, token string) (bool, error) {
	op := "notifications.claim_delivery"
	var claimed bool
	err := r.observe(op, func() error {
		tag, err := tx.Exec(ctx, `
			UPDATE notifications
			SET delivery_token = $2
			WHERE id = $1 AND delivery_token IS NULL
		`, id, token)
		if err != nil {
			return err
		}
		claimed = tag.RowsAffected() == 1
		return nil
	})
	return claimed, err
}

// ResetFailedToPending implements notifications.Store. It is a no-op, not
// an error, when the row is not currently 'failed'.
func (r *NotificationsRepo) ResetFailedToPending(ctx context.Context, tx pgx.Tx, id string) error {
	op := "notifications.reset_failed_to_pending"
	return r.observe(op, func() error {
		_, err := tx.Exec(ctx, `
			UPDATE notifications
			SET status = 'pending', delivery_token = NULL, updated_at = NOW()
			WHERE id = $1 AND status = 'failed'
		`, id)
		return err
	})
}

// SaveNotification implements notifications.Store: a full-row update
// driven by the domain entity's current field values after a state
// transition.
func (r *NotificationsRepo) SaveNotification(ctx context.Context, tx pgx.Tx, n notification.Notification) error {
	op := "notifications.save"
	return r.observe(op, func() error {
		_, err := tx.Exec(ctx, `
			UPDATE notifications
			SET status = $2, delivery_token = $3, delivery_committed_at = $4, updated_at = $5
			WHERE id = $1
		`, n.ID, string(n.Status), n.DeliveryToken, n.DeliveryCommittedAt, n.UpdatedAt)
		return err
	})
}

// MarkDeliveryCommitted implements notifications.Store, stamping the
// idempotency witness a retried Dispatch call checks via Delivered().
func (r *NotificationsRepo) MarkDeliveryCommitted(ctx context.Context, tx pgx.Tx, id string) error {
	op := "notifications.mark_delivery_committed"
	return r.observe(op, func() error {
		_, err := tx.Exec(ctx, `
			UPDATE notifications
			SET delivery_committed_at = NOW()
			WHERE id = $1 AND delivery_committed_at IS NULL
		`, id)
		return err
	})
}

// NotificationStore composes the four notification repos into the single
// internal/notifications.Store the dispatcher depends on, so each
// table-scoped repo stays independently testable/admin-usable while the
// dispatcher still gets one constructor call.
type NotificationStore struct {
	notifications *NotificationsRepo
	preferences   *NotificationPreferencesRepo
	attempts      *NotificationAttemptsRepo
	dlq           *NotificationDLQRepo
}

// NewNotificationStore wires the four sub-repos against one pool.
func NewNotificationStore(pool *pgxpool.Pool, prom *observability.Prom) *NotificationStore {
	return &NotificationStore{
		notifications: NewNotificationsRepo(pool, prom),
		preferences:   NewNotificationPreferencesRepo(pool, prom),
		attempts:      NewNotificationAttemptsRepo(pool, prom),
		dlq:           NewNotificationDLQRepo(pool, prom),
	}
}

func (s *NotificationStore) LoadNotification(ctx context.Context, tx pgx.Tx, id string) (notification.Notification, bool, error) {
	return s.notifications.LoadNotification(ctx, tx, id)
}

func (s *NotificationStore) CountAttempts(ctx context.Context, tx pgx.Tx, notificationID string) (int, error) {
	return s.attempts.CountAttempts(ctx, tx, notificationID)
}

func (s *NotificationStore) LoadPreference(ctx context.Context, tx pgx.Tx, userID, channel string) (notification.NotificationPreference, bool, error) {
	return s.preferences.LoadPreference(ctx, tx, userID, channel)
}

func (s *NotificationStore) ClaimDelivery(ctx context.Context, tx pgx.Tx, id, token string) (bool, error) {
	return s.notifications.ClaimDelivery(ctx, tx, id, token)
}

func (s *NotificationStore) ResetFailedToPending(ctx context.Context, tx pgx.Tx, id string) error {
	return s.notifications.ResetFailedToPending(ctx, tx, id)
}

func (s *NotificationStore) SaveNotification(ctx context.Context, tx pgx.Tx, n notification.Notification) error {
	return s.notifications.SaveNotification(ctx, tx, n)
}

func (s *NotificationStore) MarkDeliveryCommitted(ctx context.Context, tx pgx.Tx, id string) error {
	return s.notifications.MarkDeliveryCommitted(ctx, tx, id)
}

func (s *NotificationStore) InsertAttempt(ctx context.Context, tx pgx.Tx, a notification.NotificationAttempt) error {
	return s.attempts.InsertAttempt(ctx, tx, a)
}

func (s *NotificationStore) InsertDLQ(ctx context.Context, tx pgx.Tx, row notification.NotificationDLQ) error {
	return s.dlq.InsertDLQTx(ctx, tx, row)
}
