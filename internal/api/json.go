package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"fleetplan/internal/planner"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type           string   `json:"type"`
	Title          string   `json:"title"`
	Status         int      `json:"status"`
	Detail         string   `json:"detail,omitempty"`
	Instance       string   `json:"instance,omitempty"`
	InvalidTaskIDs []string `json:"invalidTaskIds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeError maps a planner error to its problem response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var pe *planner.PreconditionError
	switch {
	case errors.As(err, &pe):
		p := Problem{Type: "about:blank", Title: "Precondition failed", Status: http.StatusBadRequest, Detail: pe.Reason, Instance: r.URL.Path}
		for _, id := range pe.TaskIDs {
			p.InvalidTaskIDs = append(p.InvalidTaskIDs, id.String())
		}
		writeJSON(w, p.Status, p)
	case errors.Is(err, planner.ErrPrecondition):
		writeProblem(w, http.StatusBadRequest, "Precondition failed", err.Error(), r.URL.Path)
	case errors.Is(err, planner.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not found", err.Error(), r.URL.Path)
	case errors.Is(err, planner.ErrInfeasible):
		writeProblem(w, http.StatusUnprocessableEntity, "Infeasible plan", "unable to produce a feasible plan", r.URL.Path)
	default:
		s.Log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
		writeProblem(w, http.StatusInternalServerError, "Internal error", "the operation could not be completed", r.URL.Path)
	}
}
