package jobhandlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pipelinehq/workfabric/internal/broker"
	"github.com/pipelinehq/workfabric/internal/jobs"
	"github.com/pipelinehq/workfabric/internal/jobs/exportcsv"
	"github.com/pipelinehq/workfabric/internal/workerr"
)

// RegistrationRow is the exported shape of one registration record,
// generalized from the teacher's internal/domain/registration.Registration.
type RegistrationRow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// RegistrationsSource looks up the rows one export-registrations run should
// include. The actual query/business logic behind this — which rows belong
// to orgId, any filtering the real product would apply — is out of scope
// (spec.md Non-goals); this interface exists solely so the handler body
// below can be exercised end to end against a real or stub implementation.
type RegistrationsSource interface {
	ListByOrg(ctx context.Context, orgID string) ([]RegistrationRow, error)
}

// NoopRegistrationsSource always returns an empty result set. It is the
// default wired in cmd/worker until a real registrations store exists.
type NoopRegistrationsSource struct{}

// ListByOrg implements RegistrationsSource.
func (NoopRegistrationsSource) ListByOrg(ctx context.Context, orgID string) ([]RegistrationRow, error) {
	return nil, nil
}

// ExportResult is what the handler logs and (for a "download" destination)
// would hand back to a caller through some out-of-band channel — the
// scheduler.Handler signature itself has no return value beyond error, so
// this fabric only demonstrates the mechanics (escaping, path safety, data
// URL construction) rather than a full result-delivery story.
type ExportResult struct {
	DownloadURL string
	FilePath    string
	RecordCount int
}

// NewExportRegistrationsHandler builds the "export-registrations" handler:
// decode payload, pull rows from source, render CSV or JSON with
// exportcsv's formula-injection escaping, and land the result either as an
// in-memory data URL (spec.md 8 scenario 1) or a file under baseDir
// resolved through exportcsv.SafeJoin.
func NewExportRegistrationsHandler(source RegistrationsSource, baseDir string, log *slog.Logger) func(ctx context.Context, payload json.RawMessage, j broker.Job) error {
	if source == nil {
		source = NoopRegistrationsSource{}
	}
	if log == nil {
		log = slog.Default()
	}

	return func(ctx context.Context, payload json.RawMessage, j broker.Job) error {
		p, err := jobs.Decode[jobs.ExportRegistrationsPayload](payload)
		if err != nil {
			return workerr.New(workerr.Validation, "jobhandlers.export", err).WithNoRetry()
		}

		rows, err := source.ListByOrg(ctx, p.OrgID)
		if err != nil {
			return workerr.New(workerr.Infrastructure, "jobhandlers.export", err)
		}

		content, err := renderExport(rows, p.Format, p.IncludeContent)
		if err != nil {
			return workerr.New(workerr.Integrity, "jobhandlers.export", err).WithNoRetry()
		}

		result := ExportResult{RecordCount: len(content)}

		switch p.Destination.Type {
		case jobs.ExportDestinationDownload:
			mime := "application/json"
			if p.Format == jobs.ExportFormatCSV {
				mime = "text/csv"
			}
			result.DownloadURL = fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(content))

		case jobs.ExportDestinationFile:
			path, err := exportcsv.SafeJoin(baseDir, p.Destination.Path)
			if err != nil {
				return workerr.New(workerr.Validation, "jobhandlers.export", err).WithNoRetry()
			}
			if err := os.WriteFile(path, content, 0o600); err != nil {
				return workerr.New(workerr.Infrastructure, "jobhandlers.export", err)
			}
			result.FilePath = path

		default:
			return workerr.New(workerr.Validation, "jobhandlers.export",
				fmt.Errorf("unknown destination type %q", p.Destination.Type)).WithNoRetry()
		}

		log.InfoContext(ctx, "jobhandlers.export_completed",
			"org_id", p.OrgID, "actor_id", p.ActorID, "format", p.Format,
			"record_count", result.RecordCount, "destination", p.Destination.Type)
		return nil
	}
}

func renderExport(rows []RegistrationRow, format jobs.ExportFormat, includeContent bool) ([]byte, error) {
	if format == jobs.ExportFormatJSON {
		if !includeContent {
			ids := make([]string, len(rows))
			for i, r := range rows {
				ids[i] = r.ID
			}
			return json.Marshal(ids)
		}
		return json.Marshal(rows)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := exportcsv.WriteRow(w, []string{"id", "name", "email", "created_at"}); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := exportcsv.WriteRow(w, []string{r.ID, r.Name, r.Email, r.CreatedAt.Format(time.RFC3339)}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
