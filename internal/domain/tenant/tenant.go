// Package tenant models the Org and User entities every job_executions,
// notification, and publish row is scoped by.
//
// Adapted from the prior generation's internal/domain/user.User, which
// carried auth/session fields this service has no business holding (the
// worker fabric is not an auth boundary — see DESIGN.md on dropped auth
// packages); only the identity and capacity-relevant fields survive.
package tenant

import "time"

// Org is a tenant. MaxActiveJobs overrides the global default capacity-gate
// cap (env MAX_ACTIVE_JOBS_PER_ORG) when non-zero; zero means "use the
// global default."
type Org struct {
	ID            string
	Name          string
	MaxActiveJobs int
	CreatedAt     time.Time
}

// EffectiveCap returns Org's override if set, else fallback.
func (o Org) EffectiveCap(fallback int) int {
	if o.MaxActiveJobs > 0 {
		return o.MaxActiveJobs
	}
	return fallback
}

// User belongs to exactly one Org and is the addressee of notifications.
type User struct {
	ID        string
	OrgID     string
	Email     string
	CreatedAt time.Time
}
