package alert

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Priority drives the SLA deadline and notification routing.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Type classifies what the alert matched against.
type Type string

const (
	TypePEP            Type = "pep"
	TypeSanctions      Type = "sanctions"
	TypeAdverseMedia   Type = "adverse_media"
	TypeNameSimilarity Type = "name_similarity"
)

// Context is the detection context that produced the alert.
type Context string

const (
	ContextOnboarding  Context = "onboarding"
	ContextBatch       Context = "batch"
	ContextRealTime    Context = "real_time"
	ContextTransaction Context = "transaction"
	ContextPeriodic    Context = "periodic"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Valid reports whether t is a known alert type.
func (t Type) Valid() bool {
	switch t {
	case TypePEP, TypeSanctions, TypeAdverseMedia, TypeNameSimilarity:
		return true
	}
	return false
}

// Valid reports whether c is a known detection context.
func (c Context) Valid() bool {
	switch c {
	case ContextOnboarding, ContextBatch, ContextRealTime, ContextTransaction, ContextPeriodic:
		return true
	}
	return false
}

// ParsePriority normalizes user input such as "Critical" into a Priority.
func ParsePriority(s string) Priority {
	return Priority(strings.ToLower(strings.TrimSpace(s)))
}

// Alert is one watch-list or adverse-media match under review.
type Alert struct {
	ID               string `json:"id"`
	CustomerID       string `json:"customer_id,omitempty"`
	WatchlistEntryID string `json:"watchlist_entry_id,omitempty"`
	Department       string `json:"department,omitempty"`

	Context         Context         `json:"context"`
	Type            Type            `json:"type"`
	SimilarityScore decimal.Decimal `json:"similarity_score"`
	MatchAlgorithm  string          `json:"match_algorithm,omitempty"`

	State    State    `json:"workflow_status"`
	Priority Priority `json:"priority"`

	AssignedTo      string `json:"assigned_to,omitempty"`
	CurrentReviewer string `json:"current_reviewer,omitempty"`

	ReviewedBy       string     `json:"reviewed_by,omitempty"`
	ReviewedAt       *time.Time `json:"reviewed_at,omitempty"`
	ApprovedBy       string     `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
	RejectedBy       string     `json:"rejected_by,omitempty"`
	RejectedAt       *time.Time `json:"rejected_at,omitempty"`
	RejectionReason  string     `json:"rejection_reason,omitempty"`
	ApprovalComments string     `json:"approval_comments,omitempty"`
	Outcome          string     `json:"outcome,omitempty"`
	OutcomeNotes     string     `json:"outcome_notes,omitempty"`

	DueDate         time.Time  `json:"due_date"`
	EscalatedTo     string     `json:"escalated_to,omitempty"`
	EscalatedAt     *time.Time `json:"escalated_at,omitempty"`
	SLAStatus       string     `json:"sla_status"`
	SLAHours        int        `json:"sla_hours"`
	EscalationLevel int        `json:"escalation_level"`

	CreatedBy    string     `json:"created_by,omitempty"`
	UpdatedBy    string     `json:"updated_by,omitempty"`
	LastAction   ActionType `json:"last_action,omitempty"`
	LastActionAt time.Time  `json:"last_action_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	// Version is the optimistic concurrency marker; a store write only
	// succeeds against the version that was read.
	Version int64 `json:"version"`
}

// Status derives the coarse lifecycle status from the alert's state.
func (a *Alert) Status() Status {
	return DeriveStatus(a.State, a.EscalationLevel)
}

// Clone returns a copy that shares no mutable state with a.
func (a *Alert) Clone() *Alert {
	cp := *a
	cp.ReviewedAt = clonePtr(a.ReviewedAt)
	cp.ApprovedAt = clonePtr(a.ApprovedAt)
	cp.RejectedAt = clonePtr(a.RejectedAt)
	cp.EscalatedAt = clonePtr(a.EscalatedAt)
	return &cp
}

// MarshalJSON adds the derived coarse status next to the stored fields.
func (a Alert) MarshalJSON() ([]byte, error) {
	type plain Alert
	return json.Marshal(struct {
		plain
		Status Status `json:"status"`
	}{plain(a), a.Status()})
}

func clonePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Draft is the input to alert creation, supplied by a detection process or
// a manual entry.
type Draft struct {
	CustomerID       string          `json:"customer_id,omitempty"`
	WatchlistEntryID string          `json:"watchlist_entry_id,omitempty"`
	Department       string          `json:"department,omitempty"`
	Context          Context         `json:"context"`
	Type             Type            `json:"type"`
	SimilarityScore  decimal.Decimal `json:"similarity_score"`
	MatchAlgorithm   string          `json:"match_algorithm,omitempty"`
	Priority         Priority        `json:"priority"`
	CreatedBy        string          `json:"created_by,omitempty"`
}

// ScoreScale is the number of decimal places a similarity score may carry.
// It matches the NUMERIC(6,3) column so every store holds the same value.
const ScoreScale = 3

var (
	minScore = decimal.Zero
	maxScore = decimal.NewFromInt(100)
)

// Validate checks the draft's enumerations and the score's range and scale.
func (d *Draft) Validate() error {
	if !d.Type.Valid() {
		return Invalid("type", "unknown alert type "+string(d.Type))
	}
	if !d.Priority.Valid() {
		return Invalid("priority", "unknown priority "+string(d.Priority))
	}
	if !d.Context.Valid() {
		return Invalid("context", "unknown detection context "+string(d.Context))
	}
	if d.SimilarityScore.LessThan(minScore) || d.SimilarityScore.GreaterThan(maxScore) {
		return Invalid("similarity_score", "must be between 0 and 100")
	}
	if !d.SimilarityScore.Equal(d.SimilarityScore.Truncate(ScoreScale)) {
		return Invalid("similarity_score", "at most 3 decimal places")
	}
	return nil
}

// Filter narrows an alert listing. Zero fields are ignored.
type Filter struct {
	Status     Status
	State      State
	AssignedTo string
	Priority   Priority
	Page       int
	PageSize   int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Normalize clamps paging to sane bounds.
func (f *Filter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
}

// Offset returns the number of rows to skip for the filter's page.
func (f *Filter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// Matches reports whether a satisfies every non-zero filter field.
func (f *Filter) Matches(a *Alert) bool {
	if f.Status != "" && a.Status() != f.Status {
		return false
	}
	if f.State != "" && a.State != f.State {
		return false
	}
	if f.AssignedTo != "" && a.AssignedTo != f.AssignedTo {
		return false
	}
	if f.Priority != "" && a.Priority != f.Priority {
		return false
	}
	return true
}

// Page is one page of a listing.
type Page struct {
	Alerts   []*Alert `json:"alerts"`
	Total    int      `json:"total"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
}
