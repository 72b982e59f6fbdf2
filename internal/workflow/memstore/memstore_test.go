package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/workflow"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newAlert(id string, created time.Time) *alert.Alert {
	return &alert.Alert{
		ID:        id,
		State:     alert.StatePendingReview,
		Priority:  alert.PriorityMedium,
		SLAStatus: alert.SLAOnTime,
		DueDate:   alert.DueDate(created, alert.PriorityMedium),
		CreatedAt: created,
		Version:   1,
	}
}

func insert(t *testing.T, s *Store, a *alert.Alert, notes ...*alert.Notification) {
	t.Helper()
	err := s.Commit(context.Background(), &workflow.Change{
		Alert:         a,
		Action:        &alert.Action{ID: "act-" + a.ID, AlertID: a.ID, Type: alert.ActionCreated, NewState: a.State, At: a.CreatedAt},
		Notifications: notes,
	})
	if err != nil {
		t.Fatalf("Commit insert %s: %v", a.ID, err)
	}
}

func TestStore_CommitAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	insert(t, s, newAlert("a-1", t0))

	got, ok, err := s.Get(context.Background(), "a-1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Version != 1 || got.State != alert.StatePendingReview {
		t.Errorf("got %+v", got)
	}

	if _, ok, _ := s.Get(context.Background(), "missing"); ok {
		t.Error("Get(missing) ok = true")
	}
}

func TestStore_CommitVersionCheck(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	insert(t, s, newAlert("a-1", t0))

	// second insert of the same ID
	err := s.Commit(ctx, &workflow.Change{Alert: newAlert("a-1", t0)})
	if !errors.Is(err, alert.ErrConflict) {
		t.Errorf("duplicate insert err = %v, want ErrConflict", err)
	}

	next := newAlert("a-1", t0)
	next.State = alert.StateUnderReview
	next.Version = 2
	if err := s.Commit(ctx, &workflow.Change{Alert: next, ExpectedVersion: 1}); err != nil {
		t.Fatalf("update: %v", err)
	}

	stale := newAlert("a-1", t0)
	stale.State = alert.StateClosed
	stale.Version = 2
	if err := s.Commit(ctx, &workflow.Change{Alert: stale, ExpectedVersion: 1}); !errors.Is(err, alert.ErrConflict) {
		t.Errorf("stale update err = %v, want ErrConflict", err)
	}

	missing := newAlert("nope", t0)
	missing.Version = 2
	if err := s.Commit(ctx, &workflow.Change{Alert: missing, ExpectedVersion: 1}); !errors.Is(err, alert.ErrConflict) {
		t.Errorf("update of missing alert err = %v, want ErrConflict", err)
	}

	got, _, _ := s.Get(ctx, "a-1")
	if got.State != alert.StateUnderReview || got.Version != 2 {
		t.Errorf("after conflict: state=%s version=%d", got.State, got.Version)
	}
	acts, _ := s.Actions(ctx, "a-1")
	if len(acts) != 1 {
		t.Errorf("actions = %d, want 1 (rejected commits must not append)", len(acts))
	}
}

func TestStore_ConcurrentCommitsOneWins(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	insert(t, s, newAlert("a-1", t0))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := range 20 {
		wg.Go(func() {
			next := newAlert("a-1", t0)
			next.Version = 2
			next.UpdatedBy = fmt.Sprintf("u-%d", i)
			if err := s.Commit(ctx, &workflow.Change{Alert: next, ExpectedVersion: 1}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("winning commits = %d, want 1", wins)
	}
}

func TestStore_ActionsNewestFirst(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	a := newAlert("a-1", t0)
	insert(t, s, a)

	for v, typ := range []alert.ActionType{alert.ActionAssigned, alert.ActionReviewed} {
		next := a.Clone()
		next.Version = int64(v + 2)
		err := s.Commit(ctx, &workflow.Change{
			Alert:           next,
			ExpectedVersion: int64(v + 1),
			Action:          &alert.Action{ID: string(typ), AlertID: a.ID, Type: typ},
		})
		if err != nil {
			t.Fatalf("Commit %s: %v", typ, err)
		}
	}

	acts, err := s.Actions(ctx, "a-1")
	if err != nil {
		t.Fatal(err)
	}
	want := []alert.ActionType{alert.ActionReviewed, alert.ActionAssigned, alert.ActionCreated}
	if len(acts) != len(want) {
		t.Fatalf("actions = %d, want %d", len(acts), len(want))
	}
	for i := range want {
		if acts[i].Type != want[i] {
			t.Errorf("actions[%d] = %s, want %s", i, acts[i].Type, want[i])
		}
	}
}

func TestStore_QueryFiltersAndPages(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	for i := range 5 {
		a := newAlert(fmt.Sprintf("a-%d", i), t0.Add(time.Duration(i)*time.Minute))
		if i%2 == 0 {
			a.AssignedTo = "ana"
		}
		insert(t, s, a)
	}

	p, err := s.Query(ctx, alert.Filter{AssignedTo: "ana", PageSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if p.Total != 3 || len(p.Alerts) != 2 || p.Page != 1 {
		t.Fatalf("page = total %d len %d page %d", p.Total, len(p.Alerts), p.Page)
	}
	if p.Alerts[0].ID != "a-4" || p.Alerts[1].ID != "a-2" {
		t.Errorf("order = %s,%s want a-4,a-2", p.Alerts[0].ID, p.Alerts[1].ID)
	}

	p, _ = s.Query(ctx, alert.Filter{AssignedTo: "ana", Page: 2, PageSize: 2})
	if len(p.Alerts) != 1 || p.Alerts[0].ID != "a-0" {
		t.Errorf("page 2 = %v", p.Alerts)
	}

	p, _ = s.Query(ctx, alert.Filter{Page: 9})
	if len(p.Alerts) != 0 || p.Total != 5 {
		t.Errorf("past end: len %d total %d", len(p.Alerts), p.Total)
	}

	p, _ = s.Query(ctx, alert.Filter{Status: alert.StatusOpen})
	if p.Total != 5 {
		t.Errorf("status filter total = %d, want 5", p.Total)
	}
}

func TestStore_Notifications(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	insert(t, s, newAlert("a-1", t0),
		&alert.Notification{ID: "n-1", TargetUser: "max", Payload: map[string]any{"alert_id": "a-1"}},
		&alert.Notification{ID: "n-2", TargetUser: "ana"},
	)
	insert(t, s, newAlert("a-2", t0), &alert.Notification{ID: "n-3", TargetUser: "max"})

	got, _ := s.Notifications(ctx, alert.NotificationFilter{TargetUser: "max"})
	if len(got) != 2 || got[0].ID != "n-3" || got[1].ID != "n-1" {
		t.Fatalf("max inbox = %v", got)
	}
	got[1].Payload["alert_id"] = "mutated"

	ok, err := s.MarkNotificationRead(ctx, "n-1", "max", t0)
	if err != nil || !ok {
		t.Fatalf("MarkNotificationRead: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.MarkNotificationRead(ctx, "n-1", "someone-else", t0.Add(time.Hour)); !ok {
		t.Error("second mark returned ok=false")
	}
	if ok, _ := s.MarkNotificationRead(ctx, "missing", "max", t0); ok {
		t.Error("mark of missing notification returned ok=true")
	}

	unread, _ := s.Notifications(ctx, alert.NotificationFilter{TargetUser: "max", UnreadOnly: true})
	if len(unread) != 1 || unread[0].ID != "n-3" {
		t.Errorf("unread = %v", unread)
	}

	all, _ := s.Notifications(ctx, alert.NotificationFilter{TargetUser: "max", Limit: 5})
	read := all[1]
	if !read.Read || read.ReadBy != "max" || !read.ReadAt.Equal(t0) {
		t.Errorf("read metadata = %+v", read)
	}
	if read.AlertID() != "a-1" {
		t.Errorf("payload was shared with caller: alert_id = %q", read.AlertID())
	}

	limited, _ := s.Notifications(ctx, alert.NotificationFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit 1 returned %d", len(limited))
	}
}

func TestStore_ListOverdue(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	late := newAlert("late", t0) // due t0+24h
	later := newAlert("later", t0.Add(-time.Hour))
	fresh := newAlert("fresh", t0.Add(48*time.Hour))
	done := newAlert("done", t0)
	done.State = alert.StateApproved
	marked := newAlert("marked", t0)
	marked.SLAStatus = alert.SLAOverdue
	for _, a := range []*alert.Alert{late, later, fresh, done, marked} {
		insert(t, s, a)
	}

	now := t0.Add(30 * time.Hour)
	got, err := s.ListOverdue(ctx, now, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "later" || got[1].ID != "late" {
		t.Errorf("overdue = %v", got)
	}

	got, _ = s.ListOverdue(ctx, now, 1)
	if len(got) != 1 {
		t.Errorf("limit 1 returned %d", len(got))
	}
}
