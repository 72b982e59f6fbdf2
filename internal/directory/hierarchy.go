package directory

import (
	"context"
	"fmt"

	"github.com/linnemanlabs/go-core/log"
)

// MaxHops bounds Chain. Directory data is not assumed to form a clean tree.
const MaxHops = 10

// Resolver finds the next senior reviewer for escalation.
type Resolver struct {
	dir      Directory
	selector Selector
	logger   log.Logger
}

// NewResolver creates a resolver over dir. A nil selector picks the first
// eligible senior in directory order.
func NewResolver(dir Directory, selector Selector, logger log.Logger) *Resolver {
	if selector == nil {
		selector = FirstMatch{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Resolver{
		dir:      dir,
		selector: selector,
		logger:   logger,
	}
}

// NextSenior returns an active user one rung above userID in the same
// department. orgID, when set, replaces the user's own department as the
// search scope. It returns false at the top of the ladder, for an unknown
// user, or when nobody holds the next role.
func (r *Resolver) NextSenior(ctx context.Context, userID, orgID string) (*User, bool, error) {
	u, ok, err := r.dir.GetUser(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("get user %s: %w", userID, err)
	}
	if !ok {
		return nil, false, nil
	}

	next, ok := NextRole(u.Role)
	if !ok {
		return nil, false, nil
	}

	dept := u.Department
	if orgID != "" {
		dept = orgID
	}

	found, err := r.dir.FindActiveByRoleAndDepartment(ctx, next, dept)
	if err != nil {
		return nil, false, fmt.Errorf("find %s in %s: %w", next, dept, err)
	}

	candidates := make([]*User, 0, len(found))
	for _, c := range found {
		if c.ID != u.ID {
			candidates = append(candidates, c)
		}
	}

	senior, err := SelectActive(ctx, r.dir, r.selector, string(next)+"/"+dept, candidates)
	if err != nil || senior == nil {
		return nil, false, err
	}
	return senior, true, nil
}

// Chain climbs from userID collecting each senior's ID, stopping when no
// senior exists or after MaxHops.
func (r *Resolver) Chain(ctx context.Context, userID string) ([]string, error) {
	var chain []string
	current := userID

	for range MaxHops {
		senior, ok, err := r.NextSenior(ctx, current, "")
		if err != nil {
			return chain, err
		}
		if !ok {
			return chain, nil
		}
		chain = append(chain, senior.ID)
		current = senior.ID
	}

	r.logger.Warn(ctx, "hierarchy chain hit hop limit", "user_id", userID, "limit", MaxHops)
	return chain, nil
}
