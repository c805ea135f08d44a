package edgeplane

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// handleEdge serves /edge/cache/<path> for the configured origin.
func (s *Server) handleEdge(w http.ResponseWriter, r *http.Request) {
	base := strings.TrimRight(s.cfg.Cache.OriginURL, "/")
	if base == "" {
		s.writeError(w, r, UnavailableError("origin_not_configured", nil))
		return
	}
	target := base + "/" + strings.TrimLeft(chi.URLParam(r, "*"), "/")
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Cache.MaxBodyBytes))
		if err != nil {
			s.writeError(w, r, ValidationError("body_too_large", "request body exceeds %d bytes", s.cfg.Cache.MaxBodyBytes))
			return
		}
	}

	res, err := s.svc.Router.Serve(r.Context(), &ServeRequest{
		Method: r.Method,
		URL:    target,
		Header: r.Header,
		Body:   body,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for k, v := range res.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(res.Status)
	if r.Method != http.MethodHead {
		w.Write(res.Body) //nolint:errcheck
	}
}

type purgeRequest struct {
	Tags  []string `json:"tags"`
	URLs  []string `json:"urls"`
	Async bool     `json:"async"`
}

type purgeResponse struct {
	Purged int            `json:"purged"`
	Tags   map[string]int `json:"tags,omitempty"`
	URLs   int            `json:"urls"`
	Queued int            `json:"queued,omitempty"`
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Tags = ParseTags(req.Tags)
	if len(req.Tags) == 0 && len(req.URLs) == 0 {
		s.writeError(w, r, ValidationError("purge_target_required", "tags or urls are required"))
		return
	}

	if err := s.checkURLs(req.URLs); err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.Async {
		items := make([]WorkItem, 0, len(req.Tags)+len(req.URLs))
		for _, tag := range req.Tags {
			items = append(items, WorkItem{Kind: WorkPurgeTag, Value: tag})
		}
		for _, u := range req.URLs {
			items = append(items, WorkItem{Kind: WorkPurgeURL, Value: u})
		}
		if err := s.svc.Queue.Enqueue(items...); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, purgeResponse{Queued: len(items)})
		return
	}

	resp, err := s.purgeNow(r.Context(), req.Tags, req.URLs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// checkURLs rejects the request when any URL cannot become a cache key, so
// queued work never carries a value the worker will refuse.
func (s *Server) checkURLs(urls []string) error {
	for _, u := range urls {
		if _, err := s.svc.Router.Normalizer().Normalize(u); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) purgeNow(ctx context.Context, tags, urls []string) (*purgeResponse, error) {
	resp := &purgeResponse{Tags: make(map[string]int, len(tags))}
	for _, tag := range tags {
		n, err := s.svc.Router.PurgeByTag(ctx, tag)
		if err != nil {
			return nil, err
		}
		resp.Tags[tag] = n
		resp.Purged += n
	}
	if len(urls) > 0 {
		n, err := s.svc.Router.PurgeURLs(ctx, urls)
		if err != nil {
			return nil, err
		}
		resp.URLs = n
		resp.Purged += n
	}
	return resp, nil
}

type preloadRequest struct {
	URLs  []string `json:"urls"`
	Async *bool    `json:"async,omitempty"`
}

func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	var req preloadRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, r, ValidationError("urls_required", "urls must not be empty"))
		return
	}
	if err := s.checkURLs(req.URLs); err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.Async != nil && !*req.Async {
		n, err := s.svc.Router.Preload(r.Context(), req.URLs, s.cfg.Queue.PreloadWorkers)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"preloaded": n})
		return
	}

	items := make([]WorkItem, len(req.URLs))
	for i, u := range req.URLs {
		items[i] = WorkItem{Kind: WorkPreloadURL, Value: u}
	}
	if err := s.svc.Queue.Enqueue(items...); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": len(items)})
}

type rebuildRequest struct {
	SiteID string   `json:"site_id"`
	Owner  string   `json:"owner"`
	Tags   []string `json:"tags"`
	URLs   []string `json:"urls"`
}

// handleRebuild purges under the site lock and queues the preloads, so two
// rebuilds of one site never interleave their purges.
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.Tags = ParseTags(req.Tags)
	if err := s.checkURLs(req.URLs); err != nil {
		s.writeError(w, r, err)
		return
	}

	grant, err := s.svc.Locks.Acquire(r.Context(), req.SiteID, req.Owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() {
		if err := s.svc.Locks.Release(context.WithoutCancel(r.Context()), req.SiteID, req.Owner); err != nil {
			s.logger.Warn("rebuild lock release failed", String("site_id", req.SiteID), Err(err))
		}
	}()

	purged, err := s.purgeNow(r.Context(), req.Tags, req.URLs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]WorkItem, len(req.URLs))
	for i, u := range req.URLs {
		items[i] = WorkItem{Kind: WorkPreloadURL, Value: u}
	}
	if len(items) > 0 {
		if err := s.svc.Queue.Enqueue(items...); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	purged.Queued = len(items)
	writeJSON(w, http.StatusOK, map[string]any{"site_id": grant.SiteID, "owner": grant.Owner, "result": purged})
}

type lockRequest struct {
	SiteID string `json:"site_id"`
	Owner  string `json:"owner"`
}

func (s *Server) handleLockAcquire(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	grant, err := s.svc.Locks.Acquire(r.Context(), req.SiteID, req.Owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (s *Server) handleLockRelease(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Locks.Release(r.Context(), req.SiteID, req.Owner); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"site_id": req.SiteID, "released": true})
}

func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.Locks.Status(r.Context(), r.URL.Query().Get("site_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
