package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pipelinehq/workfabric/internal/domain/notification"
	"github.com/pipelinehq/workfabric/internal/observability"
)

// NotificationPreferencesRepo persists per-(user, channel) delivery
// preferences. Unique on (user_id, channel) — that pair, not the surrogate
// id, is the upsert conflict target, matching
// internal/domain/notification.NotificationPreference's doc comment.
type NotificationPreferencesRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

// NewNotificationPreferencesRepo constructs a NotificationPreferencesRepo.
// prom may be nil.
func NewNotificationPreferencesRepo(pool *pgxpool.Pool, prom *observability.Prom) *NotificationPreferencesRepo {
	return &NotificationPreferencesRepo{pool: pool, prom: prom}
}

func (r *NotificationPreferencesRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// LoadPreference implements notifications.Store. ok is false when the user
// has never set an explicit preference for channel, in which case the
// dispatcher treats the channel as enabled by default.
func (r *NotificationPreferencesRepo) LoadPreference(ctx context.Context, tx pgx.Tx, userID, channel string) (notification.NotificationPreference, bool, error) {
	op := "notification_preferences.load"
	var p notification.NotificationPreference
	var freq string
	err := r.observe(op, func() error {
		return tx.QueryRow(ctx, `
			SELECT id, user_id, channel, enabled, frequency
			FROM notification_preferences
			WHERE user_id = $1 AND channel = $2
		`, userID, channel).Scan(&p.ID, &p.UserID, &p.Channel, &p.Enabled, &freq)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notification.NotificationPreference{}, false, nil
		}
		return notification.NotificationPreference{}, false, err
	}
	p.Frequency = notification.Frequency(freq)
	return p, true, nil
}

// Upsert creates or updates a user's channel preference. Admin-facing; the
// dispatcher itself only ever reads preferences.
func (r *NotificationPreferencesRepo) Upsert(ctx context.Context, p notification.NotificationPreference) error {
	op := "notification_preferences.upsert"
	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO notification_preferences (id, user_id, channel, enabled, frequency)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, channel) DO UPDATE
			SET enabled = EXCLUDED.enabled, frequency = EXCLUDED.frequency
		`, p.ID, p.UserID, p.Channel, p.Enabled, string(p.Frequency))
		return err
	})
}
