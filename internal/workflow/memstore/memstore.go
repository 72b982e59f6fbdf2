// Package memstore provides an in-memory implementation of workflow.Store.
package memstore

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/workflow"
)

// DefaultNotificationLimit applies when a filter leaves Limit unset.
const DefaultNotificationLimit = 50

// Store holds alerts, actions and notifications in memory. Suitable for dev/testing.
type Store struct {
	mu            sync.RWMutex
	alerts        map[string]*alert.Alert    // alert ID -> current state
	actions       map[string][]*alert.Action // alert ID -> actions in commit order
	notifications []*alert.Notification      // commit order
}

// New initializes an empty Store.
func New() *Store {
	return &Store{
		alerts:  make(map[string]*alert.Alert),
		actions: make(map[string][]*alert.Action),
	}
}

// Get returns a copy of the alert.
func (s *Store) Get(_ context.Context, id string) (*alert.Alert, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

// Query returns one page of matching alerts, newest first.
func (s *Store) Query(_ context.Context, f alert.Filter) (*alert.Page, error) {
	f.Normalize()

	s.mu.RLock()
	var matched []*alert.Alert
	for _, a := range s.alerts {
		if f.Matches(a) {
			matched = append(matched, a.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	page := &alert.Page{Total: len(matched), Page: f.Page, PageSize: f.PageSize, Alerts: []*alert.Alert{}}
	if off := f.Offset(); off < len(matched) {
		page.Alerts = matched[off:min(off+f.PageSize, len(matched))]
	}
	return page, nil
}

// Commit applies c under the store lock, checking the version first.
func (s *Store) Commit(_ context.Context, c *workflow.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.alerts[c.Alert.ID]
	switch {
	case c.ExpectedVersion == 0 && exists:
		return alert.ErrConflict
	case c.ExpectedVersion != 0 && (!exists || cur.Version != c.ExpectedVersion):
		return alert.ErrConflict
	}

	s.alerts[c.Alert.ID] = c.Alert.Clone()
	if c.Action != nil {
		act := *c.Action
		s.actions[c.Alert.ID] = append(s.actions[c.Alert.ID], &act)
	}
	for _, n := range c.Notifications {
		s.notifications = append(s.notifications, copyNotification(n))
	}
	return nil
}

// Actions returns copies of the alert's actions, newest first.
func (s *Store) Actions(_ context.Context, alertID string) ([]*alert.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.actions[alertID]
	out := make([]*alert.Action, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		act := *src[i]
		out = append(out, &act)
	}
	return out, nil
}

// Notifications returns the user's notifications, newest first.
func (s *Store) Notifications(_ context.Context, f alert.NotificationFilter) ([]*alert.Notification, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultNotificationLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*alert.Notification{}
	for i := len(s.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		n := s.notifications[i]
		if f.TargetUser != "" && n.TargetUser != f.TargetUser {
			continue
		}
		if f.UnreadOnly && n.Read {
			continue
		}
		out = append(out, copyNotification(n))
	}
	return out, nil
}

// MarkNotificationRead flags the notification as read. Marking it again keeps
// the first reader and time.
func (s *Store) MarkNotificationRead(_ context.Context, id, by string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notifications {
		if n.ID != id {
			continue
		}
		if !n.Read {
			n.Read = true
			n.ReadBy = by
			n.ReadAt = &at
		}
		return true, nil
	}
	return false, nil
}

// ListOverdue returns copies of alerts whose SLA has lapsed, earliest due first.
func (s *Store) ListOverdue(_ context.Context, now time.Time, limit int) ([]*alert.Alert, error) {
	s.mu.RLock()
	var out []*alert.Alert
	for _, a := range s.alerts {
		if !a.State.Terminal() && a.SLAStatus == alert.SLAOnTime && a.DueDate.Before(now) {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyNotification(n *alert.Notification) *alert.Notification {
	cp := *n
	cp.Payload = maps.Clone(n.Payload)
	if n.ReadAt != nil {
		t := *n.ReadAt
		cp.ReadAt = &t
	}
	if n.ExpiresAt != nil {
		t := *n.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}
