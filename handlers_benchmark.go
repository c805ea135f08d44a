package edgeplane

import "net/http"

func (s *Server) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	var req BenchmarkRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Scoring.Benchmark(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, err := s.svc.Scoring.Profile(r.Context(), q.Get("site_id"), q.Get("vps_fingerprint"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type loadtestSharedRequest struct {
	SiteID string `json:"site_id"`
}

func (s *Server) handleLoadtestReport(w http.ResponseWriter, r *http.Request) {
	var req LoadtestReport
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.svc.Fleet.Report(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"site_id": req.SiteID, "stored": n})
}

func (s *Server) handleLoadtestShared(w http.ResponseWriter, r *http.Request) {
	var req loadtestSharedRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	summary, err := s.svc.Fleet.Shared(r.Context(), req.SiteID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
