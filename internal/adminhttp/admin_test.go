package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pipelinehq/workfabric/internal/domain/execution"
)

type stubLister struct {
	items      []execution.JobExecution
	nextCursor *string
	hasMore    bool
	byID       map[string]execution.JobExecution
}

func (s stubLister) ListCursor(ctx context.Context, orgID string, status *execution.Status, limit int, afterUpdatedAt time.Time, afterID string) ([]execution.JobExecution, *string, bool, error) {
	return s.items, s.nextCursor, s.hasMore, nil
}

func (s stubLister) GetByID(ctx context.Context, id string) (execution.JobExecution, error) {
	e, ok := s.byID[id]
	if !ok {
		return execution.JobExecution{}, execution.ErrNotFound
	}
	return e, nil
}

func newTestRouter(repo ExecutionsLister) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, repo)
	return r
}

func TestListExecutions_ReturnsRows(t *testing.T) {
	lister := stubLister{items: []execution.JobExecution{
		{ID: "exec-1", JobType: "publish", EntityID: "org-1", Status: execution.StatusCompleted,
			CreatedAt: time.Now(), UpdatedAt: time.Now()},
	}}
	router := newTestRouter(lister)

	req := httptest.NewRequest(http.MethodGet, "/admin/orgs/org-1/executions", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Items []executionRow `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Items) != 1 || body.Items[0].ID != "exec-1" {
		t.Errorf("expected one row for exec-1, got %+v", body.Items)
	}
}

func TestGetExecution_NotFound(t *testing.T) {
	router := newTestRouter(stubLister{byID: map[string]execution.JobExecution{}})

	req := httptest.NewRequest(http.MethodGet, "/admin/orgs/org-1/executions/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetExecution_Found(t *testing.T) {
	lister := stubLister{byID: map[string]execution.JobExecution{
		"exec-1": {ID: "exec-1", JobType: "publish", EntityID: "org-1", Status: execution.StatusStarted,
			CreatedAt: time.Now(), UpdatedAt: time.Now()},
	}}
	router := newTestRouter(lister)

	req := httptest.NewRequest(http.MethodGet, "/admin/orgs/org-1/executions/exec-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var row executionRow
	if err := json.Unmarshal(rec.Body.Bytes(), &row); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if row.ID != "exec-1" || row.Status != "started" {
		t.Errorf("unexpected row: %+v", row)
	}
}
