package notifications

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pipelinehq/workfabric/internal/domain/notification"
)

// Store is the transaction-scoped persistence contract the dispatcher
// drives, mirroring internal/publishsaga.Store's explicit-tx convention so
// TX1 and TX2 each run their reads/writes as one transaction. Implemented
// by internal/repo/postgres.
//
// InsertDLQ is deliberately part of this tx-scoped contract rather than
// internal/dlq.Repository's context-only Insert: spec.md 4.5 requires the
// DLQ row and the status flip to commit atomically, which a context-only
// method (opening its own transaction) cannot guarantee. internal/dlq.
// Repository remains the read-side (ListByOrg) and non-transactional-write
// contract for callers outside this dispatcher's TX1/TX2 pairs.
type Store interface {
	LoadNotification(ctx context.Context, tx pgx.Tx, id string) (n notification.Notification, ok bool, err error)
	CountAttempts(ctx context.Context, tx pgx.Tx, notificationID string) (int, error)
	LoadPreference(ctx context.Context, tx pgx.Tx, userID, channel string) (p notification.NotificationPreference, ok bool, err error)

	// ClaimDelivery runs UPDATE notifications SET delivery_token=$token
	// WHERE id=$id AND delivery_token IS NULL, reporting whether this call
	// won the claim (false means another worker already claimed it).
	ClaimDelivery(ctx context.Context, tx pgx.Tx, id, token string) (claimed bool, err error)

	// ResetFailedToPending performs the failed->pending SQL reset spec.md
	// 4.5 step 7 requires before Start() can legally run again. It is a
	// no-op (not an error) if the row is not currently 'failed'.
	ResetFailedToPending(ctx context.Context, tx pgx.Tx, id string) error

	SaveNotification(ctx context.Context, tx pgx.Tx, n notification.Notification) error
	MarkDeliveryCommitted(ctx context.Context, tx pgx.Tx, id string) error
	InsertAttempt(ctx context.Context, tx pgx.Tx, a notification.NotificationAttempt) error
	InsertDLQ(ctx context.Context, tx pgx.Tx, row notification.NotificationDLQ) error
}
