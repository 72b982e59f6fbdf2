package directory

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cached memoizes the list lookups for a fixed TTL. Misses are cached too, so
// a newly added user can take up to one TTL to show up in a list. GetUser is
// never cached: it is the point read callers use to confirm a user is still
// active before acting on them.
type Cached struct {
	inner Directory
	c     *gocache.Cache
}

type cachedUser struct {
	user *User
	ok   bool
}

// NewCached wraps inner with a TTL cache.
func NewCached(inner Directory, ttl time.Duration) *Cached {
	return &Cached{
		inner: inner,
		c:     gocache.New(ttl, 2*ttl),
	}
}

// GetUser implements Directory. It always reads through to inner.
func (d *Cached) GetUser(ctx context.Context, id string) (*User, bool, error) {
	return d.inner.GetUser(ctx, id)
}

// FindActiveByRoleAndDepartment implements Directory.
func (d *Cached) FindActiveByRoleAndDepartment(ctx context.Context, role Role, department string) ([]*User, error) {
	key := "role-dept:" + string(role) + "/" + department
	if v, ok := d.c.Get(key); ok {
		return copyUsers(v.([]*User)), nil
	}
	users, err := d.inner.FindActiveByRoleAndDepartment(ctx, role, department)
	if err != nil {
		return nil, err
	}
	d.c.Set(key, copyUsers(users), gocache.DefaultExpiration)
	return users, nil
}

// FindFirstActiveByRole implements Directory.
func (d *Cached) FindFirstActiveByRole(ctx context.Context, role Role) (*User, bool, error) {
	key := "role-first:" + string(role)
	if v, ok := d.c.Get(key); ok {
		cu := v.(cachedUser)
		return copyUser(cu.user), cu.ok, nil
	}
	u, ok, err := d.inner.FindFirstActiveByRole(ctx, role)
	if err != nil {
		return nil, false, err
	}
	d.c.Set(key, cachedUser{user: copyUser(u), ok: ok}, gocache.DefaultExpiration)
	return u, ok, nil
}

// FindActiveByRole implements Directory.
func (d *Cached) FindActiveByRole(ctx context.Context, role Role) ([]*User, error) {
	key := "role:" + string(role)
	if v, ok := d.c.Get(key); ok {
		return copyUsers(v.([]*User)), nil
	}
	users, err := d.inner.FindActiveByRole(ctx, role)
	if err != nil {
		return nil, err
	}
	d.c.Set(key, copyUsers(users), gocache.DefaultExpiration)
	return users, nil
}

// Flush drops every cached entry.
func (d *Cached) Flush() {
	d.c.Flush()
}

func copyUser(u *User) *User {
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}

func copyUsers(users []*User) []*User {
	out := make([]*User, len(users))
	for i, u := range users {
		out[i] = copyUser(u)
	}
	return out
}
