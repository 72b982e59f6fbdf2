package alertapi

import (
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/warden/internal/alert"
)

// commandRequest is the union of every command's body. Each command reads
// only the fields it needs.
type commandRequest struct {
	AssigneeID string `json:"assignee_id"`
	Comments   string `json:"comments"`
	Notes      string `json:"notes"`
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason"`
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	var d alert.Draft
	if err := decode(w, r, &d); err != nil {
		a.writeError(w, r, err)
		return
	}
	// the authenticated actor is the creator; the body only names one for
	// callers that send no actor header
	if by := actor(r); by != "" {
		d.CreatedBy = by
	}

	created, err := a.svc.Create(r.Context(), &d)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("warden.alert.id", created.ID),
		attribute.String("warden.alert.assigned_to", created.AssignedTo),
	)
	w.Header().Set("Location", "/api/v1/alerts/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	page, err := a.svc.List(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("warden.alert.id", id))

	got, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("warden.alert.id", id))

	actions, err := a.svc.History(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (a *API) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	command := chi.URLParam(r, "command")
	by := actor(r)
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("warden.alert.id", id),
		attribute.String("warden.command", command),
		attribute.String("warden.actor", by),
	)

	var req commandRequest
	if err := decode(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	var (
		updated *alert.Alert
		err     error
	)
	switch command {
	case "assign":
		updated, err = a.svc.Assign(ctx, id, req.AssigneeID, by, req.Comments)
	case "review":
		updated, err = a.svc.Review(ctx, id, by, req.Notes)
	case "submit":
		updated, err = a.svc.SubmitForApproval(ctx, id, by, req.Comments)
	case "approve":
		updated, err = a.svc.Approve(ctx, id, by, req.Comments, req.Outcome)
	case "reject":
		updated, err = a.svc.Reject(ctx, id, by, req.Reason)
	case "escalate":
		updated, err = a.svc.Escalate(ctx, id, by, req.Reason)
	case "close":
		updated, err = a.svc.Close(ctx, id, by, req.Reason)
	case "redispatch":
		updated, err = a.svc.Redispatch(ctx, id, by)
	default:
		http.Error(w, `{"error":"unknown command"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func parseFilter(r *http.Request) (alert.Filter, error) {
	q := r.URL.Query()
	f := alert.Filter{
		Status:     alert.Status(q.Get("status")),
		State:      alert.State(q.Get("state")),
		AssignedTo: q.Get("assigned_to"),
		Priority:   alert.Priority(q.Get("priority")),
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, alert.Invalid("status", "unknown status "+string(f.Status))
	}
	if f.State != "" && !f.State.Valid() {
		return f, alert.Invalid("state", "unknown state "+string(f.State))
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return f, alert.Invalid("priority", "unknown priority "+string(f.Priority))
	}

	var err error
	if f.Page, err = intParam(q.Get("page"), "page"); err != nil {
		return f, err
	}
	if f.PageSize, err = intParam(q.Get("page_size"), "page_size"); err != nil {
		return f, err
	}
	return f, nil
}

// intParam parses an optional non-negative integer query parameter.
func intParam(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, alert.Invalid(name, "must be a non-negative integer")
	}
	return n, nil
}
