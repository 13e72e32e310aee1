package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fleetplan/internal/model"
)

type generateResponse struct {
	Created bool                 `json:"created"`
	Routes  []model.RouteSummary `json:"routes"`
}

type reorderRequest struct {
	OrderedTaskIDs []string `json:"orderedTaskIds"`
}

// generate handles POST /v1/offices/{officeID}/routes/generate
func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	officeID, ok := pathUUID(w, r, "officeID")
	if !ok {
		return
	}
	day, ok := serviceDate(w, r)
	if !ok {
		return
	}
	res, err := s.Planner.Generate(r.Context(), officeID, day)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, generateResponse{Created: res.Created, Routes: nonNil(res.Routes)})
}

// listRoutes handles GET /v1/offices/{officeID}/routes
func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	officeID, ok := pathUUID(w, r, "officeID")
	if !ok {
		return
	}
	day, ok := serviceDate(w, r)
	if !ok {
		return
	}
	routes, err := s.Planner.Planning(r.Context(), officeID, day)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"serviceDate": day.Format(time.DateOnly), "routes": nonNil(routes)})
}

// routeDetail handles GET /v1/routes/{routeID}
func (s *Server) routeDetail(w http.ResponseWriter, r *http.Request) {
	routeID, ok := pathUUID(w, r, "routeID")
	if !ok {
		return
	}
	d, err := s.Planner.Detail(r.Context(), routeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// recalculate handles POST /v1/routes/{routeID}/recalculate
func (s *Server) recalculate(w http.ResponseWriter, r *http.Request) {
	routeID, ok := pathUUID(w, r, "routeID")
	if !ok {
		return
	}
	d, err := s.Planner.Recalculate(r.Context(), routeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// reorder handles PATCH /v1/routes/{routeID}/stops/order
func (s *Server) reorder(w http.ResponseWriter, r *http.Request) {
	routeID, ok := pathUUID(w, r, "routeID")
	if !ok {
		return
	}
	var req reorderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.OrderedTaskIDs == nil {
		writeProblem(w, http.StatusBadRequest, "Invalid request", "orderedTaskIds is required", r.URL.Path)
		return
	}
	ordered := make([]uuid.UUID, len(req.OrderedTaskIDs))
	for i, raw := range req.OrderedTaskIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid request", fmt.Sprintf("orderedTaskIds[%d] is not a valid id", i), r.URL.Path)
			return
		}
		ordered[i] = id
	}
	d, err := s.Planner.Reorder(r.Context(), routeID, ordered)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// removeStop handles DELETE /v1/routes/{routeID}/stops/{taskID}
func (s *Server) removeStop(w http.ResponseWriter, r *http.Request) {
	routeID, ok := pathUUID(w, r, "routeID")
	if !ok {
		return
	}
	taskID, ok := pathUUID(w, r, "taskID")
	if !ok {
		return
	}
	d, err := s.Planner.RemoveStop(r.Context(), routeID, taskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid request", name+" must be a UUID", r.URL.Path)
		return uuid.Nil, false
	}
	return id, true
}

func serviceDate(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("serviceDate")
	if raw == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid request", "serviceDate is required (YYYY-MM-DD)", r.URL.Path)
		return time.Time{}, false
	}
	day, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid request", "serviceDate must be YYYY-MM-DD", r.URL.Path)
		return time.Time{}, false
	}
	return day, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
