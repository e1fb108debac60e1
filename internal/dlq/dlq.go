// Package dlq is the storage-facing contract for dead-letter persistence,
// scoped by org so a cross-tenant list query is structurally impossible to
// write against this interface without passing an org id.
//
// Grounded on notification.NotificationDLQ (internal/domain/notification)
// and spec.md 9's "any search/DLQ list method that omits org_id is a bug" —
// every method here takes orgID explicitly rather than trusting a caller to
// remember to filter.
package dlq

import (
	"context"

	"github.com/pipelinehq/workfabric/internal/domain/notification"
)

// Repository persists and lists DLQ rows, always scoped to one org.
type Repository interface {
	Insert(ctx context.Context, orgID string, row notification.NotificationDLQ) error
	ListByOrg(ctx context.Context, orgID string, limit int) ([]notification.NotificationDLQ, error)
}
