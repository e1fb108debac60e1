// Package adminhttp is the operator-facing gin surface over job execution
// state: list a tenant's executions with cursor pagination and fetch one by
// id. Directly adapted from the teacher's internal/http/handlers/admin_jobs.go
// (same gin.Context + RespondError/RespondNotFound conventions, same
// (updated_at, id) keyset cursor), generalized from the teacher's job table
// onto internal/domain/execution.JobExecution and internal/repo/postgres's
// cursor-paginated ExecutionsRepo.
package adminhttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pipelinehq/workfabric/internal/domain/execution"
	"github.com/pipelinehq/workfabric/internal/http/handlers"
	"github.com/pipelinehq/workfabric/internal/utils"
)

const (
	defaultListLimit = 25
	maxListLimit     = 100
)

// ExecutionsLister is the read surface this package depends on —
// internal/repo/postgres.ExecutionsRepo satisfies it.
type ExecutionsLister interface {
	ListCursor(ctx context.Context, orgID string, status *execution.Status, limit int, afterUpdatedAt time.Time, afterID string) ([]execution.JobExecution, *string, bool, error)
	GetByID(ctx context.Context, id string) (execution.JobExecution, error)
}

// executionRow is the admin-facing JSON projection of a JobExecution.
type executionRow struct {
	ID             string  `json:"id"`
	JobType        string  `json:"jobType"`
	EntityID       string  `json:"entityId"`
	IdempotencyKey string  `json:"idempotencyKey"`
	Status         string  `json:"status"`
	Error          *string `json:"error,omitempty"`
	CreatedAt      string  `json:"createdAt"`
	UpdatedAt      string  `json:"updatedAt"`
}

func toRow(e execution.JobExecution) executionRow {
	return executionRow{
		ID:             e.ID,
		JobType:        e.JobType,
		EntityID:       e.EntityID,
		IdempotencyKey: e.IdempotencyKey,
		Status:         string(e.Status),
		Error:          e.Error,
		CreatedAt:      e.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      e.UpdatedAt.Format(time.RFC3339),
	}
}

// RegisterRoutes mounts GET /admin/orgs/:orgId/executions and
// GET /admin/orgs/:orgId/executions/:id under rg.
func RegisterRoutes(rg gin.IRouter, repo ExecutionsLister) {
	rg.GET("/admin/orgs/:orgId/executions", listExecutions(repo))
	rg.GET("/admin/orgs/:orgId/executions/:id", getExecution(repo))
}

func listExecutions(repo ExecutionsLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := c.Param("orgId")
		if orgID == "" {
			handlers.RespondBadRequest(c, "orgId is required", nil)
			return
		}

		limit := defaultListLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				handlers.RespondBadRequest(c, "limit must be a positive integer", nil)
				return
			}
			if n > maxListLimit {
				n = maxListLimit
			}
			limit = n
		}

		var statusFilter *execution.Status
		if raw := c.Query("status"); raw != "" {
			s := execution.Status(raw)
			statusFilter = &s
		}

		afterUpdatedAt := time.Now().Add(24 * time.Hour)
		afterID := "￿"
		if raw := c.Query("cursor"); raw != "" {
			cur, err := utils.DecodeJobCursor(raw)
			if err != nil {
				handlers.RespondBadRequest(c, "invalid cursor", nil)
				return
			}
			afterUpdatedAt = cur.UpdatedAt
			afterID = cur.ID
		}

		items, nextCursor, hasMore, err := repo.ListCursor(c.Request.Context(), orgID, statusFilter, limit, afterUpdatedAt, afterID)
		if err != nil {
			handlers.RespondInternal(c, "failed to list executions")
			return
		}

		rows := make([]executionRow, len(items))
		for i, e := range items {
			rows[i] = toRow(e)
		}

		c.JSON(http.StatusOK, gin.H{
			"items":      rows,
			"nextCursor": nextCursor,
			"hasMore":    hasMore,
		})
	}
}

func getExecution(repo ExecutionsLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		e, err := repo.GetByID(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, execution.ErrNotFound) {
				handlers.RespondNotFound(c, "execution not found")
				return
			}
			handlers.RespondInternal(c, "failed to fetch execution")
			return
		}
		c.JSON(http.StatusOK, toRow(e))
	}
}
