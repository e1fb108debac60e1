package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pipelinehq/workfabric/internal/domain/tenant"
	"github.com/pipelinehq/workfabric/internal/observability"
)

var ErrTenantNotFound = errors.New("tenants: not found")

// TenantsRepo persists Org and User rows, generalized from the teacher's
// auth-oriented users.go into the capacity/addressing-only shape
// internal/domain/tenant describes (no password or session fields — see
// DESIGN.md on dropped auth packages).
type TenantsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

// NewTenantsRepo constructs a TenantsRepo. prom may be nil.
func NewTenantsRepo(pool *pgxpool.Pool, prom *observability.Prom) *TenantsRepo {
	return &TenantsRepo{pool: pool, prom: prom}
}

func (r *TenantsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// CreateOrg inserts a new Org.
func (r *TenantsRepo) CreateOrg(ctx context.Context, o tenant.Org) error {
	op := "tenants.create_org"
	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO orgs (id, name, max_active_jobs, created_at)
			VALUES ($1, $2, $3, $4)
		`, o.ID, o.Name, o.MaxActiveJobs, o.CreatedAt)
		return err
	})
}

// GetOrg fetches an Org by id.
func (r *TenantsRepo) GetOrg(ctx context.Context, id string) (tenant.Org, error) {
	op := "tenants.get_org"
	var o tenant.Org
	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			SELECT id, name, max_active_jobs, created_at FROM orgs WHERE id = $1
		`, id).Scan(&o.ID, &o.Name, &o.MaxActiveJobs, &o.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tenant.Org{}, ErrTenantNotFound
		}
		return tenant.Org{}, err
	}
	return o, nil
}

// CreateUser inserts a new User under an Org.
func (r *TenantsRepo) CreateUser(ctx context.Context, u tenant.User) error {
	op := "tenants.create_user"
	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO users (id, org_id, email, created_at)
			VALUES ($1, $2, $3, $4)
		`, u.ID, u.OrgID, u.Email, u.CreatedAt)
		return err
	})
}

// GetUser fetches a User by id.
func (r *TenantsRepo) GetUser(ctx context.Context, id string) (tenant.User, error) {
	op := "tenants.get_user"
	var u tenant.User
	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			SELECT id, org_id, email, created_at FROM users WHERE id = $1
		`, id).Scan(&u.ID, &u.OrgID, &u.Email, &u.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tenant.User{}, ErrTenantNotFound
		}
		return tenant.User{}, err
	}
	return u, nil
}

// ListUsersByOrg lists every user belonging to orgID, ordered by creation.
func (r *TenantsRepo) ListUsersByOrg(ctx context.Context, orgID string) ([]tenant.User, error) {
	op := "tenants.list_users_by_org"
	var out []tenant.User
	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
			SELECT id, org_id, email, created_at FROM users WHERE org_id = $1 ORDER BY created_at ASC
		`, orgID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var u tenant.User
			if err := rows.Scan(&u.ID, &u.OrgID, &u.Email, &u.CreatedAt); err != nil {
				return err
			}
			out = append(out, u)
		}
		return rows.Err()
	})
	return out, err
}
