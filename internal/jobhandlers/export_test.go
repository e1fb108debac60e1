package jobhandlers

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pipelinehq/workfabric/internal/broker"
	"github.com/pipelinehq/workfabric/internal/jobs"
)

type stubSource struct {
	rows []RegistrationRow
}

func (s stubSource) ListByOrg(ctx context.Context, orgID string) ([]RegistrationRow, error) {
	return s.rows, nil
}

func TestExportRegistrationsHandler_DownloadDataURL(t *testing.T) {
	source := stubSource{rows: []RegistrationRow{
		{ID: "reg-1", Name: "Ada Lovelace", Email: "ada@example.com", CreatedAt: time.Now()},
	}}
	handler := NewExportRegistrationsHandler(source, t.TempDir(), nil)

	payload, err := jobs.MarshalPayload(jobs.ExportRegistrationsPayload{
		OrgID:       "11111111-1111-1111-1111-111111111111",
		ActorID:     "22222222-2222-2222-2222-222222222222",
		Format:      jobs.ExportFormatJSON,
		Destination: jobs.ExportDestination{Type: jobs.ExportDestinationDownload},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	if err := handler(context.Background(), payload, broker.Job{}); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
}

func TestExportRegistrationsHandler_EscapesFormulaCell(t *testing.T) {
	source := stubSource{rows: []RegistrationRow{
		{ID: "reg-1", Name: "=cmd|'/c calc'!A0", Email: "a@example.com", CreatedAt: time.Now()},
	}}

	content, err := renderExport(source.rows, jobs.ExportFormatCSV, true)
	if err != nil {
		t.Fatalf("renderExport: %v", err)
	}
	if !strings.Contains(string(content), "'=cmd") {
		t.Errorf("expected escaped formula cell in CSV output, got %q", content)
	}
}

func TestExportRegistrationsHandler_RejectsInvalidPayload(t *testing.T) {
	handler := NewExportRegistrationsHandler(nil, t.TempDir(), nil)
	if err := handler(context.Background(), json.RawMessage(`{}`), broker.Job{}); err == nil {
		t.Fatal("expected validation error for empty payload, got nil")
	}
}
