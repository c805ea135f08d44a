package edgeplane

import (
	"net/http"
	"strconv"
	"strings"
)

func (s *Server) handleSandboxRequest(w http.ResponseWriter, r *http.Request) {
	var in RequestInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.svc.Sandbox.Request(r.Context(), scope(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleSandboxVote(w http.ResponseWriter, r *http.Request) {
	var in VoteInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Sandbox.Vote(r.Context(), scope(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSandboxClaim(w http.ResponseWriter, r *http.Request) {
	var in ClaimInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Sandbox.Claim(r.Context(), scope(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSandboxRelease(w http.ResponseWriter, r *http.Request) {
	var in ReleaseInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.svc.Sandbox.Release(r.Context(), scope(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleSandboxList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reqs, err := s.svc.Sandbox.List(r.Context(), scope(r), RequestFilter{
		Status: strings.TrimSpace(q.Get("status")),
		SiteID: strings.TrimSpace(q.Get("site_id")),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

func (s *Server) handleSandboxAllocation(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Sandbox.Allocation(r.Context(), scope(r), strings.TrimSpace(r.URL.Query().Get("request_id")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleConflictReport(w http.ResponseWriter, r *http.Request) {
	var in ConflictReport
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.svc.Conflicts.Report(r.Context(), scope(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type conflictListRequest struct {
	Status    string `json:"status"`
	SiteID    string `json:"site_id"`
	RequestID string `json:"request_id"`
	Limit     int    `json:"limit"`
}

func (s *Server) handleConflictList(w http.ResponseWriter, r *http.Request) {
	var in conflictListRequest
	if len(requestBody(r)) > 0 {
		if err := decodeJSON(r, &in); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" && in.Limit == 0 {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, ValidationError("limit_invalid", "limit must be an integer"))
			return
		}
		in.Limit = n
	}
	conflicts, err := s.svc.Conflicts.List(r.Context(), scope(r), ConflictFilter{
		Status:    strings.TrimSpace(in.Status),
		SiteID:    strings.TrimSpace(in.SiteID),
		RequestID: strings.TrimSpace(in.RequestID),
		Limit:     in.Limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *Server) handleConflictResolve(w http.ResponseWriter, r *http.Request) {
	var in ConflictResolution
	if err := decodeJSON(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.svc.Conflicts.Resolve(r.Context(), scope(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
