package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openfroyo/changeflow/pkg/engine"
	"github.com/openfroyo/changeflow/pkg/orchestrator"
)

// CreateRequest is the body of POST /v1/change-requests.
type CreateRequest struct {
	Intent engine.Intent `json:"intent"`

	// OverrideApproverID scopes a gate override, requested with
	// "override:<gate>" tags, to this request.
	OverrideApproverID string `json:"override_approver_id,omitempty"`
}

// ApproveRequest is the body of POST /v1/change-requests/{id}/approve.
type ApproveRequest struct {
	ApproverID string `json:"approver_id"`
	GateRunID  string `json:"gate_run_id,omitempty"`
}

// ActorRequest is the body of cancel and destroy requests.
type ActorRequest struct {
	ActorID string `json:"actor_id"`
}

// AmendRequest is the body of POST /v1/change-requests/{id}/amend. Patch
// is an RFC 7386 merge patch applied to the original intent.
type AmendRequest struct {
	RequesterID        string          `json:"requester_id"`
	Patch              json.RawMessage `json:"patch"`
	OverrideApproverID string          `json:"override_approver_id,omitempty"`
}

func (s *Server) createChangeRequest(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	var opts []orchestrator.CreateOption
	if req.OverrideApproverID != "" {
		opts = append(opts, orchestrator.WithOverrideApprover(req.OverrideApproverID))
	}
	cr, err := s.svc.CreateChangeRequest(r.Context(), req.Intent, opts...)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, cr)
}

func (s *Server) listChangeRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	crs, err := s.svc.List(r.Context(), q.Get("tenant_id"), q.Get("workspace_id"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"change_requests": crs})
}

func (s *Server) getChangeRequest(w http.ResponseWriter, r *http.Request) {
	cr, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, http.StatusOK, cr, err)
}

func (s *Server) advance(w http.ResponseWriter, r *http.Request) {
	cr, err := s.svc.Advance(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, http.StatusOK, cr, err)
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if !s.decode(w, r, &req) {
		return
	}
	var opts []orchestrator.ApproveOption
	if req.GateRunID != "" {
		opts = append(opts, orchestrator.ForGateRun(req.GateRunID))
	}
	cr, err := s.svc.Approve(r.Context(), chi.URLParam(r, "id"), req.ApproverID, opts...)
	s.respond(w, r, http.StatusOK, cr, err)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !s.decode(w, r, &req) {
		return
	}
	cr, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id"), req.ActorID)
	s.respond(w, r, http.StatusOK, cr, err)
}

func (s *Server) amend(w http.ResponseWriter, r *http.Request) {
	var req AmendRequest
	if !s.decode(w, r, &req) {
		return
	}
	var opts []orchestrator.CreateOption
	if req.OverrideApproverID != "" {
		opts = append(opts, orchestrator.WithOverrideApprover(req.OverrideApproverID))
	}
	cr, err := s.svc.Amend(r.Context(), chi.URLParam(r, "id"), req.Patch, req.RequesterID, opts...)
	s.respond(w, r, http.StatusCreated, cr, err)
}

func (s *Server) requestDestroy(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if !s.decode(w, r, &req) {
		return
	}
	cr, err := s.svc.RequestDestroy(r.Context(), chi.URLParam(r, "id"), req.ActorID)
	s.respond(w, r, http.StatusOK, cr, err)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.svc.ListRuns(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilter(r)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	records, err := s.svc.ListAudit(r.Context(), chi.URLParam(r, "tenant"), filter)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) listGates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"gates": s.svc.Gates()})
}

func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.svc.ListLocks(r.Context())
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"locks": locks})
}

// auditFilter reads the audit query parameters. Times are RFC 3339.
func auditFilter(r *http.Request) (engine.AuditFilter, error) {
	q := r.URL.Query()
	filter := engine.AuditFilter{
		RequesterID:     q.Get("requester_id"),
		WorkspaceID:     q.Get("workspace_id"),
		State:           engine.ChangeState(q.Get("state")),
		Kind:            engine.AuditKind(q.Get("kind")),
		ChangeRequestID: q.Get("change_request_id"),
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, engine.NewValidationError("invalid " + p.name + " time: " + raw)
		}
		*p.dst = &t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, engine.NewValidationError("invalid limit: " + raw)
		}
		filter.Limit = n
	}
	return filter, nil
}
