// Package alertapi exposes the alert workflow over HTTP.
package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/authmw"
	"github.com/linnemanlabs/warden/internal/workflow"
)

// maxBodyBytes caps request bodies. Drafts and command payloads are small.
const maxBodyBytes = 1 << 20

// Service defines the workflow operations alertapi needs.
type Service interface {
	Create(ctx context.Context, d *alert.Draft) (*alert.Alert, error)
	Assign(ctx context.Context, id, assignee, by, comments string) (*alert.Alert, error)
	Review(ctx context.Context, id, reviewer, notes string) (*alert.Alert, error)
	SubmitForApproval(ctx context.Context, id, by, comments string) (*alert.Alert, error)
	Approve(ctx context.Context, id, approver, comments, outcome string) (*alert.Alert, error)
	Reject(ctx context.Context, id, rejecter, reason string) (*alert.Alert, error)
	Escalate(ctx context.Context, id, by, reason string) (*alert.Alert, error)
	Close(ctx context.Context, id, by, reason string) (*alert.Alert, error)
	Redispatch(ctx context.Context, id, by string) (*alert.Alert, error)

	Get(ctx context.Context, id string) (*alert.Alert, error)
	List(ctx context.Context, f alert.Filter) (*alert.Page, error)
	History(ctx context.Context, id string) ([]*alert.Action, error)
	HierarchyChain(ctx context.Context, userID string) ([]string, error)
	Notifications(ctx context.Context, f alert.NotificationFilter) ([]*alert.Notification, error)
	MarkNotificationRead(ctx context.Context, id, by string) error
	SweepSLA(ctx context.Context, now time.Time) (*workflow.SweepReport, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    Service
	now    func() time.Time
}

// New creates a new API handler.
func New(logger log.Logger, svc Service) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("workflow service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/alerts", func(r chi.Router) {
			r.Post("/", a.handleCreate)
			r.Get("/", a.handleList)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGet)
				r.Get("/actions", a.handleHistory)
				r.Post("/{command}", a.handleCommand)
			})
		})
		r.Get("/users/{id}/hierarchy", a.handleHierarchy)
		r.Get("/notifications", a.handleNotifications)
		r.Post("/notifications/{id}/read", a.handleMarkRead)
		r.Post("/sla/sweep", a.handleSweep)
	})
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string           `json:"error"`
	Field  string           `json:"field,omitempty"`
	State  alert.State      `json:"state,omitempty"`
	Action alert.ActionType `json:"action,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps workflow errors to HTTP statuses. Anything unexpected is
// logged and reported as a bare 500.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.outcome", workflow.Outcome(err)))

	var (
		verr *alert.ValidationError
		terr *alert.TransitionError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Field: verr.Field})
	case errors.Is(err, alert.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, alert.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.As(err, &terr):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), State: terr.From, Action: terr.Action})
	case errors.Is(err, alert.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: "alert was modified concurrently, retry"})
	case errors.Is(err, alert.ErrEscalationUnavailable):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	default:
		a.logger.Error(r.Context(), err, "request failed", "method", r.Method, "path", r.URL.Path)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

// decode reads an optional JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return alert.Invalid("body", "invalid JSON payload")
	}
	return nil
}

func actor(r *http.Request) string {
	return authmw.ActorFromContext(r.Context())
}
