package alertapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/warden/internal/alert"
)

const defaultInboxLimit = 100

func (a *API) handleHierarchy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	chain, err := a.svc.HierarchyChain(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if chain == nil {
		chain = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "chain": chain})
}

// handleNotifications lists an inbox. The user defaults to the actor.
func (a *API) handleNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := alert.NotificationFilter{
		TargetUser: q.Get("user"),
		Limit:      defaultInboxLimit,
	}
	if f.TargetUser == "" {
		f.TargetUser = actor(r)
	}
	if v := q.Get("unread"); v != "" {
		unread, err := strconv.ParseBool(v)
		if err != nil {
			a.writeError(w, r, alert.Invalid("unread", "must be a boolean"))
			return
		}
		f.UnreadOnly = unread
	}
	if v := q.Get("limit"); v != "" {
		limit, err := intParam(v, "limit")
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		if limit > 0 {
			f.Limit = limit
		}
	}

	ns, err := a.svc.Notifications(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if ns == nil {
		ns = []*alert.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": ns})
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.svc.MarkNotificationRead(r.Context(), id, actor(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSweep runs one SLA sweep on demand, alongside the periodic one.
func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := a.svc.SweepSLA(r.Context(), a.now())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
