package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/directory"
	"github.com/linnemanlabs/warden/internal/directory/memdir"
	"github.com/linnemanlabs/warden/internal/workflow"
	"github.com/linnemanlabs/warden/internal/workflow/memstore"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func orgUsers() []*directory.User {
	return []*directory.User{
		{ID: "ana", Name: "Ana", Email: "ana@example.com", Role: directory.RoleAnalyst, Department: "aml", Active: true},
		{ID: "zed", Name: "Zed", Role: directory.RoleAnalyst, Department: "aml", Active: false},
		{ID: "oli", Name: "Oli", Email: "oli@example.com", Role: directory.RoleComplianceOfficer, Department: "aml", Active: true},
		{ID: "mo", Name: "Mo", Email: "mo@example.com", Role: directory.RoleManager, Department: "aml", Active: true},
		{ID: "ad", Name: "Ad", Email: "ad@example.com", Role: directory.RoleAdmin, Department: "aml", Active: true},
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []*alert.Notification
	err error
}

func (n *recordingNotifier) Notify(_ context.Context, note *alert.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, note)
	return n.err
}

func (n *recordingNotifier) sent() []*alert.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*alert.Notification(nil), n.got...)
}

type env struct {
	store     workflow.Store
	users     []*directory.User
	hooks     workflow.EngineHooks
	notifyErr error
	// cacheTTL > 0 puts a directory.Cached in front of the memdir
	cacheTTL time.Duration
}

type harness struct {
	eng      *workflow.Engine
	store    workflow.Store
	users    *memdir.Directory
	notifier *recordingNotifier
	clock    *clock
}

func newHarness(t *testing.T, e env) *harness {
	t.Helper()
	if e.store == nil {
		e.store = memstore.New()
	}
	if e.users == nil {
		e.users = orgUsers()
	}
	md := memdir.New(e.users...)
	var dir directory.Directory = md
	if e.cacheTTL > 0 {
		dir = directory.NewCached(md, e.cacheTTL)
	}
	n := &recordingNotifier{err: e.notifyErr}
	c := &clock{now: t0}

	eng := workflow.NewEngine(e.store, dir,
		directory.NewResolver(dir, nil, log.Nop()),
		workflow.NewRouter(dir, nil),
		n, log.Nop(), e.hooks)
	eng.SetNow(c.Now)

	return &harness{eng: eng, store: e.store, users: md, notifier: n, clock: c}
}

func draft(p alert.Priority) *alert.Draft {
	return &alert.Draft{
		CustomerID:      "cust-1",
		Department:      "aml",
		Context:         alert.ContextOnboarding,
		Type:            alert.TypePEP,
		SimilarityScore: decimal.RequireFromString("87.5"),
		MatchAlgorithm:  "jaro_winkler",
		Priority:        p,
		CreatedBy:       "detector",
	}
}

func (h *harness) create(t *testing.T, p alert.Priority) *alert.Alert {
	t.Helper()
	a, err := h.eng.Create(context.Background(), draft(p))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return a
}

func (h *harness) get(t *testing.T, id string) *alert.Alert {
	t.Helper()
	a, err := h.eng.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return a
}

func (h *harness) history(t *testing.T, id string) []*alert.Action {
	t.Helper()
	acts, err := h.eng.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History %s: %v", id, err)
	}
	return acts
}

func (h *harness) inbox(t *testing.T, user string) []*alert.Notification {
	t.Helper()
	ns, err := h.eng.Notifications(context.Background(), alert.NotificationFilter{TargetUser: user})
	if err != nil {
		t.Fatalf("Notifications %s: %v", user, err)
	}
	return ns
}

func TestCreate_CriticalDueDateRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{})

	a := h.create(t, alert.PriorityCritical)
	got := h.get(t, a.ID)

	if want := t0.Add(4 * time.Hour); !got.DueDate.Equal(want) {
		t.Errorf("DueDate = %v, want %v", got.DueDate, want)
	}
	if !got.CreatedAt.Equal(t0) || got.SLAHours != 4 || got.SLAStatus != alert.SLAOnTime {
		t.Errorf("created=%v sla_hours=%d sla_status=%s", got.CreatedAt, got.SLAHours, got.SLAStatus)
	}
	if got.State != alert.StatePendingReview || got.Version != 1 || got.LastAction != alert.ActionCreated {
		t.Errorf("state=%s version=%d last_action=%s", got.State, got.Version, got.LastAction)
	}
	if !got.SimilarityScore.Equal(decimal.RequireFromString("87.5")) {
		t.Errorf("score = %s", got.SimilarityScore)
	}
}

func TestCreate_DispatchesCriticalToManager(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{})

	a := h.create(t, alert.PriorityCritical)
	if a.AssignedTo != "mo" {
		t.Fatalf("AssignedTo = %q, want mo", a.AssignedTo)
	}

	inbox := h.inbox(t, "mo")
	if len(inbox) != 1 {
		t.Fatalf("notifications for mo = %d, want 1", len(inbox))
	}
	n := inbox[0]
	if n.Type != alert.NotificationDispatched || n.Recipient != "mo@example.com" || n.AlertID() != a.ID {
		t.Errorf("notification = %+v", n)
	}
	if n.Payload["priority"] != string(alert.PriorityCritical) || n.Payload["alert_type"] != string(alert.TypePEP) {
		t.Errorf("payload = %v", n.Payload)
	}

	all, _ := h.store.Notifications(context.Background(), alert.NotificationFilter{})
	if len(all) != 1 {
		t.Errorf("total notifications = %d, want 1", len(all))
	}
	if sent := h.notifier.sent(); len(sent) != 1 || sent[0].ID != n.ID {
		t.Errorf("handed off = %v", sent)
	}

	acts := h.history(t, a.ID)
	if len(acts) != 1 || acts[0].Type != alert.ActionCreated || acts[0].NewAssignee != "mo" {
		t.Errorf("history = %+v", acts)
	}
}

func TestCreate_DispatchTargetByPriority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		priority alert.Priority
		want     string
	}{
		{alert.PriorityLow, "ana"},
		{alert.PriorityMedium, "ana"},
		{alert.PriorityHigh, "oli"},
		{alert.PriorityCritical, "mo"},
	}
	for _, tt := range tests {
		t.Run(string(tt.priority), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, env{})
			if a := h.create(t, tt.priority); a.AssignedTo != tt.want {
				t.Errorf("AssignedTo = %q, want %q", a.AssignedTo, tt.want)
			}
		})
	}
}

func TestCreate_NoReviewerLeavesUnassigned(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{users: []*directory.User{}})

	a := h.create(t, alert.PriorityHigh)
	if a.AssignedTo != "" {
		t.Errorf("AssignedTo = %q, want empty", a.AssignedTo)
	}
	all, _ := h.store.Notifications(context.Background(), alert.NotificationFilter{})
	if len(all) != 0 {
		t.Errorf("notifications = %d, want 0", len(all))
	}
	if acts := h.history(t, a.ID); len(acts) != 1 {
		t.Errorf("history = %d entries, want 1", len(acts))
	}
}

func TestCreate_InvalidDraft(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{})

	d := draft("urgent")
	if _, err := h.eng.Create(context.Background(), d); !errors.Is(err, alert.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	p, err := h.eng.List(context.Background(), alert.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if p.Total != 0 {
		t.Errorf("stored alerts = %d, want 0", p.Total)
	}
}

func TestAssign_FromPendingReview(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{})
	a := h.create(t, alert.PriorityMedium)

	h.clock.Advance(time.Minute)
	got, err := h.eng.Assign(context.Background(), a.ID, "oli", "mo", "take this")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if got.State != alert.StateUnderReview || got.AssignedTo != "oli" || got.CurrentReviewer != "oli" {
		t.Errorf("state=%s assigned=%s reviewer=%s", got.State, got.AssignedTo, got.CurrentReviewer)
	}
	if got.Version != 2 || got.UpdatedBy != "mo" || !got.UpdatedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("version=%d updated_by=%s updated_at=%v", got.Version, got.UpdatedBy, got.UpdatedAt)
	}

	acts := h.history(t, a.ID)
	assigned := 0
	for _, act := range acts {
		if act.Type == alert.ActionAssigned {
			assigned++
		}
	}
	if assigned != 1 {
		t.Errorf("Assigned entries = %d, want 1", assigned)
	}
	e := acts[0]
	if e.PreviousState != alert.StatePendingReview || e.NewState != alert.StateUnderReview ||
		e.PreviousAssignee != "ana" || e.NewAssignee != "oli" || e.Comments != "take this" || e.PerformedBy != "mo" {
		t.Errorf("entry = %+v", e)
	}

	inbox := h.inbox(t, "oli")
	if len(inbox) != 1 || inbox[0].Type != alert.NotificationAssigned || inbox[0].Payload["assigned_by"] != "mo" {
		t.Errorf("oli inbox = %v", inbox)
	}
}

func TestAssign_Reassign(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{})
	a := h.create(t, alert.PriorityMedium)
	ctx := context.Background()

	if _, err := h.eng.Assign(ctx, a.ID, "ana", "mo", ""); err != nil {
		t.Fatal(err)
	}
	got, err := h.eng.Assign(ctx, a.ID, "oli", "mo", "")
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if got.AssignedTo != "oli" || got.Version != 3 {
		t.Errorf("assigned=%s version=%d", got.AssignedTo, got.Version)
	}
}

func TestAssign_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		assignee string
		by       string
	}{
		{"missing assignee", "", "mo"},
		{"unknown assignee", "ghost", "mo"},
		{"inactive assignee", "zed", "mo"},
		{"missing actor", "oli", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, env{})
			a := h.create(t, alert.PriorityMedium)

			_, err := h.eng.Assign(context.Background(), a.ID, tt.assignee, tt.by, "")
			if !errors.Is(err, alert.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			if got := h.get(t, a.ID); got.Version != 1 || got.AssignedTo != "ana" {
				t.Errorf("alert mutated: version=%d assigned=%s", got.Version, got.AssignedTo)
			}
			if acts := h.history(t, a.ID); len(acts) != 1 {
				t.Errorf("history = %d entries, want 1", len(acts))
			}
		})
	}
}

func (h *harness) deactivate(t *testing.T, id string) {
	t.Helper()
	for _, u := range orgUsers() {
		if u.ID == id {
			u.Active = false
			h.users.Put(u)
			return
		}
	}
	t.Fatalf("no user %s", id)
}

func TestAssign_DeactivatedBehindDirectoryCache(t *testing.T) {
	t.Parallel()

	h := newHarness(t, env{cacheTTL: 30 * time.Second})
	ctx := context.Background()
	a := h.create(t, alert.PriorityMedium)

	if _, err := h.eng.Assign(ctx, a.ID, "oli", "mo", ""); err != nil {
		t.Fatalf("first Assign: %v", err)
	}
	h.deactivate(t, "oli")

	_, err := h.eng.Assign(ctx, a.ID, "oli", "mo", "again")
	if !errors.Is(err, alert.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	var ve *alert.ValidationError
	if !errors.As(err, &ve) || ve.Field != "assignee_id" {
		t.Errorf("err = %v, want assignee_id validation error", err)
	}
	if got := h.get(t, a.ID); got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}
}

func TestDispatch_SkipsReviewerDeactivatedBehindDirectoryCache(t *testing.T) {
	t.Parallel()

	users := append(orgUsers(),
		&directory.User{ID: "bea", Name: "Bea", Role: directory.RoleAnalyst, Department: "aml", Active: true})
	h := newHarness(t, env{users: users, cacheTTL: 30 * time.Second})

	if a := h.create(t, alert.PriorityLow); a.AssignedTo != "ana" {
		t.Fatalf("first dispatch to %q, want ana", a.AssignedTo)
	}
	h.deactivate(t, "ana")

	a := h.create(t, alert.PriorityLow)
	if a.AssignedTo != "bea" {
		t.Errorf("dispatch after deactivation to %q, want bea", a.AssignedTo)
	}
}

func TestEscalate_SkipsSeniorDeactivatedBehindDirectoryCache(t *testing.T) {
	t.Parallel()

	h := newHarness(t, env{cacheTTL: 30 * time.Second})
	ctx := context.Background()

	// warm the officer list
	if _, err := h.eng.HierarchyChain(ctx, "ana"); err != nil {
		t.Fatalf("HierarchyChain: %v", err)
	}
	h.deactivate(t, "oli")

	a := h.create(t, alert.PriorityMedium)
	_, err := h.eng.Escalate(ctx, a.ID, "ana", "needs a second look")
	if !errors.Is(err, alert.ErrEscalationUnavailable) {
		t.Fatalf("err = %v, want ErrEscalationUnavailable", err)
	}
}

func TestApprove_FromPendingReviewRefused(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{})
	a := h.create(t, alert.PriorityMedium)

	_, err := h.eng.Approve(context.Background(), a.ID, "mo", "looks fine", "")
	if !errors.Is(err, alert.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	var te *alert.TransitionError
	if !errors.As(err, &te) || te.From != alert.StatePendingReview || te.Action != alert.ActionApproved {
		t.Errorf("transition error = %+v", te)
	}

	got := h.get(t, a.ID)
	if got.State != alert.StatePendingReview || got.Version != 1 || got.ApprovedBy != "" {
		t.Errorf("alert mutated: %+v", got)
	}
	if acts := h.history(t, a.ID); len(acts) != 1 {
		t.Errorf("history = %d entries, want 1", len(acts))
	}
}

func TestApprove_Twice(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{})
	a := h.create(t, alert.PriorityMedium)
	ctx := context.Background()

	if _, err := h.eng.Assign(ctx, a.ID, "ana", "mo", ""); err != nil {
		t.Fatal(err)
	}
	got, err := h.eng.Approve(ctx, a.ID, "mo", "confirmed", "")
	if err != nil {
		t.Fatalf("first Approve: %v", err)
	}
	if got.State != alert.StateApproved || got.Outcome != workflow.DefaultOutcome || got.ApprovedBy != "mo" || got.ApprovedAt == nil {
		t.Errorf("approved alert = %+v", got)
	}

	_, err = h.eng.Approve(ctx, a.ID, "mo", "again", "")
	var te *alert.TransitionError
	if !errors.As(err, &te) || te.From != alert.StateApproved {
		t.Fatalf("second Approve err = %v, want transition error from approved", err)
	}
	if acts := h.history(t, a.ID); len(acts) != 3 {
		t.Errorf("history = %d entries, want 3", len(acts))
	}
}

func TestReject(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{})
	a := h.create(t, alert.PriorityMedium)
	ctx := context.Background()

	if _, err := h.eng.Assign(ctx, a.ID, "ana", "mo", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := h.eng.Reject(ctx, a.ID, "ana", ""); !errors.Is(err, alert.ErrValidation) {
		t.Fatalf("empty reason err = %v, want ErrValidation", err)
	}

	got, err := h.eng.Reject(ctx, a.ID, "ana", "different date of birth")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got.State != alert.StateRejected || got.RejectedBy != "ana" || got.RejectionReason != "different date of birth" {
		t.Errorf("rejected alert = %+v", got)
	}
	if acts := h.history(t, a.ID); acts[0].Reason != "different date of birth" {
		t.Errorf("entry reason = %q", acts[0].Reason)
	}
}

func TestTerminalStatesMapToCoarseStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		finish func(h *harness, id string) (*alert.Alert, error)
		want   alert.Status
	}{
		{"approved", func(h *harness, id string) (*alert.Alert, error) {
			return h.eng.Approve(context.Background(), id, "mo", "", "")
		}, alert.StatusClosed},
		{"rejected", func(h *harness, id string) (*alert.Alert, error) {
			return h.eng.Reject(context.Background(), id, "mo", "no match")
		}, alert.StatusFalsePositive},
		{"closed", func(h *harness, id string) (*alert.Alert, error) {
			return h.eng.Close(context.Background(), id, "mo", "duplicate")
		}, alert.StatusClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, env{})
			a := h.create(t, alert.PriorityMedium)
			if _, err := h.eng.Review(context.Background(), a.ID, "ana", "checked"); err != nil {
				t.Fatal(err)
			}
			got, err := tt.finish(h, a.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.Status() != tt.want {
				t.Errorf("Status() = %s, want %s", got.Status(), tt.want)
			}
			if _, err := h.eng.Escalate(context.Background(), a.ID, "ana", ""); !errors.Is(err, alert.ErrInvalidTransition) {
				t.Errorf("Escalate on terminal alert err = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestReview_ReentryAndReopen(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{})
	a := h.create(t, alert.PriorityMedium)
	ctx := context.Background()

	if _, err := h.eng.Review(ctx, a.ID, "ana", "first pass"); err != nil {
		t.Fatal(err)
	}
	got, err := h.eng.Review(ctx, a.ID, "oli", "second pass")
	if err != nil {
		t.Fatalf("re-review: %v", err)
	}
	if got.ReviewedBy != "oli" || got.OutcomeNotes != "second pass" || got.ReviewedAt == nil {
		t.Errorf("reviewed alert = %+v", got)
	}

	if _, err := h.eng.SubmitForApproval(ctx, a.ID, "oli", "ready"); err != nil {
		t.Fatalf("SubmitForApproval: %v", err)
	}
	got, err = h.eng.Review(ctx, a.ID, "mo", "")
	if err != nil {
		t.Fatalf("review from pending approval: %v", err)
	}
	if got.State != alert.StateUnderReview || got.OutcomeNotes != "second pass" {
		t.Errorf("state=%s notes=%q", got.State, got.OutcomeNotes)
	}
}

func TestSubmitForApproval_RequiresUnderReview(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{})
	a := h.create(t, alert.PriorityMedium)

	if _, err := h.eng.SubmitForApproval(context.Background(), a.ID, "ana", ""); !errors.Is(err, alert.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestEscalate_ToNextSenior(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{})
	a := h.create(t, alert.PriorityMedium)
	ctx := context.Background()

	h.clock.Advance(2 * time.Hour)
	got, err := h.eng.Escalate(ctx, a.ID, "ana", "needs an officer")
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	now := t0.Add(2 * time.Hour)
	if got.EscalationLevel != 1 || got.EscalatedTo != "oli" || got.AssignedTo != "oli" || got.CurrentReviewer != "oli" {
		t.Errorf("escalated alert = %+v", got)
	}
	if got.State != alert.StatePendingReview || got.Status() != alert.StatusEscalated {
		t.Errorf("state=%s status=%s", got.State, got.Status())
	}
	if !got.DueDate.Equal(now.Add(24*time.Hour)) || got.SLAStatus != alert.SLAOnTime {
		t.Errorf("due=%v sla=%s, want restarted SLA", got.DueDate, got.SLAStatus)
	}
	if got.EscalatedAt == nil || !got.EscalatedAt.Equal(now) {
		t.Errorf("EscalatedAt = %v", got.EscalatedAt)
	}

	inbox := h.inbox(t, "oli")
	if len(inbox) != 1 || inbox[0].Type != alert.NotificationEscalated {
		t.Fatalf("oli inbox = %v", inbox)
	}
	if inbox[0].Payload["escalated_by"] != "ana" || inbox[0].Payload["escalation_level"] != 1 {
		t.Errorf("payload = %v", inbox[0].Payload)
	}
	if acts := h.history(t, a.ID); acts[0].Type != alert.ActionEscalated || acts[0].Reason != "needs an officer" {
		t.Errorf("entry = %+v", acts[0])
	}

	got, err = h.eng.Escalate(ctx, a.ID, "oli", "")
	if err != nil {
		t.Fatalf("second Escalate: %v", err)
	}
	if got.EscalationLevel != 2 || got.AssignedTo != "mo" {
		t.Errorf("level=%d assigned=%s, want 2/mo", got.EscalationLevel, got.AssignedTo)
	}
}

func TestEscalate_FromAdminUnavailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{})
	a := h.create(t, alert.PriorityCritical)

	_, err := h.eng.Escalate(context.Background(), a.ID, "ad", "over my head")
	if !errors.Is(err, alert.ErrEscalationUnavailable) {
		t.Fatalf("err = %v, want ErrEscalationUnavailable", err)
	}
	got := h.get(t, a.ID)
	if got.EscalationLevel != 0 || got.Version != 1 || got.AssignedTo != "mo" {
		t.Errorf("alert mutated: level=%d version=%d assigned=%s", got.EscalationLevel, got.Version, got.AssignedTo)
	}
	if acts := h.history(t, a.ID); len(acts) != 1 {
		t.Errorf("history = %d entries, want 1", len(acts))
	}
}

func TestLifecycle_LevelMonotonicAndAuditCoversStates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{})
	ctx := context.Background()
	a := h.create(t, alert.PriorityLow)

	steps := []func() (*alert.Alert, error){
		func() (*alert.Alert, error) { return h.eng.Assign(ctx, a.ID, "ana", "oli", "") },
		func() (*alert.Alert, error) { return h.eng.Escalate(ctx, a.ID, "ana", "unsure") },
		func() (*alert.Alert, error) { return h.eng.Review(ctx, a.ID, "oli", "looked") },
		func() (*alert.Alert, error) { return h.eng.Escalate(ctx, a.ID, "oli", "pep tier 1") },
		func() (*alert.Alert, error) { return h.eng.Review(ctx, a.ID, "mo", "confirmed") },
		func() (*alert.Alert, error) { return h.eng.SubmitForApproval(ctx, a.ID, "mo", "") },
		func() (*alert.Alert, error) { return h.eng.Approve(ctx, a.ID, "ad", "ok", "Escalated to EDD") },
	}

	held := map[alert.State]bool{a.State: true}
	level := a.EscalationLevel
	for i, step := range steps {
		h.clock.Advance(time.Minute)
		got, err := step()
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got.EscalationLevel < level {
			t.Fatalf("step %d: escalation level dropped %d -> %d", i, level, got.EscalationLevel)
		}
		level = got.EscalationLevel
		held[got.State] = true
	}

	final := h.get(t, a.ID)
	if final.State != alert.StateApproved || final.Outcome != "Escalated to EDD" || final.EscalationLevel != 2 {
		t.Errorf("final = state %s outcome %q level %d", final.State, final.Outcome, final.EscalationLevel)
	}

	acts := h.history(t, a.ID)
	if len(acts) != len(steps)+1 {
		t.Fatalf("history = %d entries, want %d", len(acts), len(steps)+1)
	}
	recorded := map[alert.State]bool{}
	for i, act := range acts {
		recorded[act.NewState] = true
		if i > 0 && act.At.After(acts[i-1].At) {
			t.Errorf("history not newest first at %d", i)
		}
	}
	for s := range held {
		if !recorded[s] {
			t.Errorf("state %s held but never recorded in audit trail", s)
		}
	}
}

func TestClose_IsTerminal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{})
	a := h.create(t, alert.PriorityMedium)
	ctx := context.Background()

	got, err := h.eng.Close(ctx, a.ID, "mo", "duplicate of another alert")
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got.State != alert.StateClosed {
		t.Errorf("state = %s", got.State)
	}
	if _, err := h.eng.Assign(ctx, a.ID, "ana", "mo", ""); !errors.Is(err, alert.ErrInvalidTransition) {
		t.Errorf("Assign after close err = %v, want ErrInvalidTransition", err)
	}
}

func TestRedispatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{})
	a := h.create(t, alert.PriorityMedium)
	ctx := context.Background()

	got, err := h.eng.Redispatch(ctx, a.ID, "mo")
	if err != nil {
		t.Fatalf("Redispatch: %v", err)
	}
	if got.AssignedTo != "ana" || got.State != alert.StatePendingReview || got.Version != 2 {
		t.Errorf("redispatched = %+v", got)
	}
	if inbox := h.inbox(t, "ana"); len(inbox) != 2 {
		t.Errorf("ana notifications = %d, want 2 (one per dispatch)", len(inbox))
	}
	if acts := h.history(t, a.ID); acts[0].Type != alert.ActionAssigned || acts[0].Comments != "redispatched to ana" {
		t.Errorf("entry = %+v", acts[0])
	}
}

func TestRedispatch_NoReviewer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{users: []*directory.User{
		{ID: "ana", Role: directory.RoleAnalyst, Department: "aml", Active: true},
	}})
	a := h.create(t, alert.PriorityHigh)
	if a.AssignedTo != "" {
		t.Fatalf("AssignedTo = %q, want empty", a.AssignedTo)
	}

	_, err := h.eng.Redispatch(context.Background(), a.ID, "ana")
	if !errors.Is(err, alert.ErrEscalationUnavailable) {
		t.Fatalf("err = %v, want ErrEscalationUnavailable", err)
	}
	if got := h.get(t, a.ID); got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
}

// racingStore lets a competing writer commit just before the first update
// it sees.
type racingStore struct {
	*memstore.Store
	once sync.Once
}

func (s *racingStore) Commit(ctx context.Context, c *workflow.Change) error {
	if c.ExpectedVersion > 0 {
		s.once.Do(func() {
			rival := c.Alert.Clone()
			rival.State = alert.StateRejected
			rival.RejectionReason = "rival"
			err := s.Store.Commit(ctx, &workflow.Change{
				Alert:           rival,
				ExpectedVersion: c.ExpectedVersion,
				Action:          &alert.Action{ID: "rival", AlertID: rival.ID, Type: alert.ActionRejected, NewState: rival.State},
			})
			if err != nil {
				panic(err)
			}
		})
	}
	return s.Store.Commit(ctx, c)
}

func TestConcurrentTerminalTransitionLoses(t *testing.T) {
	t.Parallel()
	store := &racingStore{Store: memstore.New()}
	h := newHarness(t, env{store: store})
	ctx := context.Background()
	a := h.create(t, alert.PriorityMedium)

	_, err := h.eng.Close(ctx, a.ID, "mo", "")
	if !errors.Is(err, alert.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if got := h.get(t, a.ID); got.State != alert.StateRejected || got.RejectionReason != "rival" {
		t.Errorf("winner state = %s reason %q", got.State, got.RejectionReason)
	}
	acts := h.history(t, a.ID)
	if len(acts) != 2 || acts[0].ID != "rival" {
		t.Errorf("history = %+v", acts)
	}
}

func TestCommand_CanceledBeforeCommit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{})
	a := h.create(t, alert.PriorityMedium)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.eng.Assign(ctx, a.ID, "oli", "mo", "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if workflow.Outcome(err) != "canceled" {
		t.Errorf("Outcome = %s", workflow.Outcome(err))
	}
	if got := h.get(t, a.ID); got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
}

func TestNotifierFailureKeepsCommit(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	handedOff := map[bool]int{}
	h := newHarness(t, env{
		notifyErr: errors.New("queue full"),
		hooks: workflow.EngineHooks{
			OnNotification: func(_ alert.NotificationType, ok bool) {
				mu.Lock()
				handedOff[ok]++
				mu.Unlock()
			},
		},
	})

	a := h.create(t, alert.PriorityCritical)
	if inbox := h.inbox(t, "mo"); len(inbox) != 1 || inbox[0].AlertID() != a.ID {
		t.Errorf("stored notifications = %v", inbox)
	}
	mu.Lock()
	defer mu.Unlock()
	if handedOff[false] != 1 || handedOff[true] != 0 {
		t.Errorf("handed off counts = %v", handedOff)
	}
}

func TestHooks(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	commands := map[string]int{}
	var transitions []string
	h := newHarness(t, env{hooks: workflow.EngineHooks{
		OnCommand: func(command, outcome string, _ float64) {
			mu.Lock()
			commands[command+"/"+outcome]++
			mu.Unlock()
		},
		OnTransition: func(from, to alert.State) {
			mu.Lock()
			transitions = append(transitions, string(from)+">"+string(to))
			mu.Unlock()
		},
	}})
	ctx := context.Background()

	a := h.create(t, alert.PriorityMedium)
	_, _ = h.eng.Approve(ctx, a.ID, "mo", "", "")
	_, _ = h.eng.Assign(ctx, a.ID, "ana", "mo", "")
	_, _ = h.eng.Assign(ctx, a.ID, "oli", "mo", "")
	_, _ = h.eng.Assign(ctx, "missing", "oli", "mo", "")

	mu.Lock()
	defer mu.Unlock()
	want := map[string]int{
		"create/ok":                  1,
		"approve/invalid_transition": 1,
		"assign/ok":                  2,
		"assign/not_found":           1,
	}
	for k, v := range want {
		if commands[k] != v {
			t.Errorf("commands[%s] = %d, want %d", k, commands[k], v)
		}
	}
	// reassignment keeps the state, so only two transitions
	wantTr := []string{">pending_review", "pending_review>under_review"}
	if len(transitions) != len(wantTr) {
		t.Fatalf("transitions = %v, want %v", transitions, wantTr)
	}
	for i := range wantTr {
		if transitions[i] != wantTr[i] {
			t.Errorf("transitions[%d] = %s, want %s", i, transitions[i], wantTr[i])
		}
	}
}

func TestReads(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{})
	ctx := context.Background()

	var nf *alert.NotFoundError
	if _, err := h.eng.Get(ctx, "nope"); !errors.As(err, &nf) || nf.Kind != "alert" {
		t.Errorf("Get(missing) err = %v", err)
	}
	if _, err := h.eng.History(ctx, "nope"); !errors.Is(err, alert.ErrNotFound) {
		t.Errorf("History(missing) err = %v", err)
	}
	if _, err := h.eng.Assign(ctx, "nope", "ana", "mo", ""); !errors.Is(err, alert.ErrNotFound) {
		t.Errorf("Assign(missing) err = %v", err)
	}

	h.create(t, alert.PriorityCritical)
	h.create(t, alert.PriorityLow)
	p, err := h.eng.List(ctx, alert.Filter{AssignedTo: "mo"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Total != 1 || p.PageSize != alert.DefaultPageSize || p.Page != 1 {
		t.Errorf("page = %+v", p)
	}
}

func TestHierarchyChain(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{})
	ctx := context.Background()

	chain, err := h.eng.HierarchyChain(ctx, "ana")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"oli", "mo", "ad"}
	if len(chain) != len(want) {
		t.Fatalf("chain = %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Errorf("chain[%d] = %s, want %s", i, chain[i], want[i])
		}
	}

	var nf *alert.NotFoundError
	if _, err := h.eng.HierarchyChain(ctx, "ghost"); !errors.As(err, &nf) || nf.Kind != "user" {
		t.Errorf("unknown user err = %v", err)
	}
}

func TestNotificationInbox(t *testing.T) {
	t.Parallel()
	h := newHarness(t, env{})
	ctx := context.Background()
	h.create(t, alert.PriorityCritical)

	if _, err := h.eng.Notifications(ctx, alert.NotificationFilter{}); !errors.Is(err, alert.ErrValidation) {
		t.Errorf("missing target_user err = %v", err)
	}

	inbox := h.inbox(t, "mo")
	if len(inbox) != 1 {
		t.Fatalf("inbox = %v", inbox)
	}
	if err := h.eng.MarkNotificationRead(ctx, inbox[0].ID, ""); !errors.Is(err, alert.ErrValidation) {
		t.Errorf("missing reader err = %v", err)
	}
	if err := h.eng.MarkNotificationRead(ctx, "nope", "mo"); !errors.Is(err, alert.ErrNotFound) {
		t.Errorf("missing notification err = %v", err)
	}
	if err := h.eng.MarkNotificationRead(ctx, inbox[0].ID, "mo"); err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}

	unread, err := h.eng.Notifications(ctx, alert.NotificationFilter{TargetUser: "mo", UnreadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 0 {
		t.Errorf("unread = %d, want 0", len(unread))
	}
}

func TestOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{&alert.NotFoundError{Kind: "alert", ID: "x"}, "not_found"},
		{alert.Invalid("reason", "required"), "invalid"},
		{&alert.TransitionError{From: alert.StateApproved, Action: alert.ActionApproved}, "invalid_transition"},
		{alert.ErrConflict, "conflict"},
		{alert.ErrEscalationUnavailable, "escalation_unavailable"},
		{context.DeadlineExceeded, "canceled"},
		{errors.New("connection reset"), "internal"},
	}
	for _, tt := range tests {
		if got := workflow.Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
