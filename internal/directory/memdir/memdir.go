// Package memdir provides an in-memory implementation of directory.Directory,
// optionally seeded from a YAML file.
package memdir

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/warden/internal/directory"
)

// Directory holds users in insertion order. Suitable for dev/testing.
type Directory struct {
	mu    sync.RWMutex
	users []*directory.User
	index map[string]int // user ID -> position in users
}

// New returns a directory containing users in the given order.
func New(users ...*directory.User) *Directory {
	d := &Directory{index: make(map[string]int)}
	for _, u := range users {
		d.Put(u)
	}
	return d
}

type seedFile struct {
	Users []*directory.User `yaml:"users"`
}

// LoadFile reads a YAML seed of the form `users: [{id, name, email, role, department, active}]`.
func LoadFile(path string) (*Directory, error) {
	b, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(b, &seed); err != nil {
		return nil, fmt.Errorf("parse directory file: %w", err)
	}
	for i, u := range seed.Users {
		if u.ID == "" {
			return nil, fmt.Errorf("directory file: user %d has no id", i)
		}
		if !u.Role.Valid() {
			return nil, fmt.Errorf("directory file: user %s has unknown role %q", u.ID, u.Role)
		}
	}
	return New(seed.Users...), nil
}

// Put adds or replaces a user, keeping the original position on replace.
func (d *Directory) Put(u *directory.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *u
	if i, ok := d.index[u.ID]; ok {
		d.users[i] = &cp
		return
	}
	d.index[u.ID] = len(d.users)
	d.users = append(d.users, &cp)
}

// Len returns the number of users.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// GetUser returns a copy of the user, active or not.
func (d *Directory) GetUser(_ context.Context, id string) (*directory.User, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i, ok := d.index[id]
	if !ok {
		return nil, false, nil
	}
	cp := *d.users[i]
	return &cp, true, nil
}

// FindActiveByRoleAndDepartment returns active users with role in department.
func (d *Directory) FindActiveByRoleAndDepartment(_ context.Context, role directory.Role, department string) ([]*directory.User, error) {
	return d.filter(func(u *directory.User) bool {
		return u.Role == role && u.Department == department
	}), nil
}

// FindFirstActiveByRole returns the earliest-inserted active user with role.
func (d *Directory) FindFirstActiveByRole(ctx context.Context, role directory.Role) (*directory.User, bool, error) {
	users, _ := d.FindActiveByRole(ctx, role)
	if len(users) == 0 {
		return nil, false, nil
	}
	return users[0], true, nil
}

// FindActiveByRole returns active users with role across all departments.
func (d *Directory) FindActiveByRole(_ context.Context, role directory.Role) ([]*directory.User, error) {
	return d.filter(func(u *directory.User) bool { return u.Role == role }), nil
}

func (d *Directory) filter(match func(*directory.User) bool) []*directory.User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*directory.User
	for _, u := range d.users {
		if u.Active && match(u) {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out
}
