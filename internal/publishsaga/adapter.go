package publishsaga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/pipelinehq/workfabric/internal/clockid"
	"github.com/pipelinehq/workfabric/internal/domain/publish"
)

// LogAdapter is the default Adapter: it logs the publish call instead of
// reaching a real external system. Its PUBLISHER_SLEEP_MS / PUBLISHER_FAIL
// simulation knobs mirror internal/notifications.LogAdapter's
// NOTIFIER_SLEEP_MS / NOTIFIER_FAIL so chaos/load testing
// exercises phase 2's retry-and-breaker path identically to notification
// delivery.
type LogAdapter struct {
	log *slog.Logger
}

// NewLogAdapter constructs a LogAdapter. log may be nil, in which case
// slog.Default() is used.
func NewLogAdapter(log *slog.Logger) *LogAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &LogAdapter{log: log}
}

// Publish implements Adapter.
func (a *LogAdapter) Publish(ctx context.Context, intent publish.PublishIntent) (externalID, externalURL string, metadata json.RawMessage, err error) {
	if msStr := os.Getenv("PUBLISHER_SLEEP_MS"); msStr != "" {
		if ms, _ := strconv.Atoi(msStr); ms > 0 {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return "", "", nil, ctx.Err()
			}
		}
	}

	if os.Getenv("PUBLISHER_FAIL") == "1" {
		return "", "", nil, fmt.Errorf("publish provider down (simulated)")
	}

	externalID = clockid.NewID()
	externalURL = fmt.Sprintf("https://cdn.example.invalid/published/%s", externalID)
	meta, merr := json.Marshal(map[string]string{"org_id": intent.OrgID})
	if merr != nil {
		return "", "", nil, merr
	}

	a.log.InfoContext(ctx, "publishsaga.published_via_log_adapter",
		"intent_id", intent.ID, "org_id", intent.OrgID, "external_id", externalID)
	return externalID, externalURL, meta, nil
}
