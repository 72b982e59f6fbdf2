// Package directory provides read-only reviewer lookups, the seniority ladder,
// escalation target resolution, and reviewer selection strategies.
package directory

import "context"

// Role is a reviewer's seniority.
type Role string

const (
	RoleAnalyst           Role = "analyst"
	RoleComplianceOfficer Role = "compliance_officer"
	RoleManager           Role = "manager"
	RoleAdmin             Role = "admin"
)

// ladder is ordered junior to senior.
var ladder = []Role{RoleAnalyst, RoleComplianceOfficer, RoleManager, RoleAdmin}

// Valid reports whether r is on the ladder.
func (r Role) Valid() bool {
	for _, l := range ladder {
		if l == r {
			return true
		}
	}
	return false
}

// NextRole returns the role above r, or false at the top of the ladder or for
// an unknown role.
func NextRole(r Role) (Role, bool) {
	for i, l := range ladder {
		if l == r && i+1 < len(ladder) {
			return ladder[i+1], true
		}
	}
	return "", false
}

// User is a directory entry.
type User struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	Email      string `json:"email" yaml:"email"`
	Role       Role   `json:"role" yaml:"role"`
	Department string `json:"department" yaml:"department"`
	Active     bool   `json:"active" yaml:"active"`
}

// Directory is the read-only view of reviewers. List methods return users in
// the directory's natural order, which selection strategies rely on.
type Directory interface {
	GetUser(ctx context.Context, id string) (*User, bool, error)
	FindActiveByRoleAndDepartment(ctx context.Context, role Role, department string) ([]*User, error)
	FindFirstActiveByRole(ctx context.Context, role Role) (*User, bool, error)
	FindActiveByRole(ctx context.Context, role Role) ([]*User, error)
}
