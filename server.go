package edgeplane

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HeaderIdempotentReplayed marks a response replayed from the idempotency store.
const HeaderIdempotentReplayed = "Idempotent-Replayed"

// Services are the components behind the HTTP API. Metrics, when set, is
// mounted on /metrics.
type Services struct {
	Guard       *SignatureGuard
	Idempotency *IdempotencyStore
	Router      *TieredCacheRouter
	Scoring     *ScoringEngine
	Fleet       *FleetTelemetry
	Sandbox     *SandboxScheduler
	Conflicts   *ConflictPool
	Locks       *SiteLock
	Queue       *QueueDispatcher
	Metrics     http.Handler
}

// Server is the HTTP face of the control plane.
type Server struct {
	svc    Services
	cfg    Config
	logger Logger
}

// NewServer validates that every service is present.
func NewServer(cfg Config, svc Services, logger Logger) (*Server, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	switch {
	case svc.Guard == nil, svc.Idempotency == nil:
		return nil, errors.New("server needs a signature guard and idempotency store")
	case svc.Router == nil, svc.Queue == nil, svc.Locks == nil:
		return nil, errors.New("server needs the cache router, queue and site locks")
	case svc.Scoring == nil, svc.Fleet == nil, svc.Sandbox == nil, svc.Conflicts == nil:
		return nil, errors.New("server needs the scoring, fleet, sandbox and conflict services")
	}
	return &Server{svc: svc, cfg: cfg, logger: logger.Named("http")}, nil
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	if s.svc.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.svc.Metrics)
	}
	r.HandleFunc("/edge/cache/*", s.handleEdge)

	r.Route("/plugin/wp", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate(false), s.idempotent)

			r.Post("/cache/benchmark", s.handleBenchmark)
			r.Get("/cache/profile", s.handleProfile)
			r.Post("/cache/purge", s.handlePurge)
			r.Post("/cache/preload", s.handlePreload)
			r.Post("/cache/rebuild", s.handleRebuild)

			r.Get("/site/lock", s.handleLockStatus)
			r.Post("/site/lock/acquire", s.handleLockAcquire)
			r.Post("/site/lock/release", s.handleLockRelease)

			r.Get("/sandbox/requests", s.handleSandboxList)
			r.Get("/sandbox/allocation", s.handleSandboxAllocation)
			r.Post("/sandbox/conflicts/list", s.handleConflictList)
			r.Post("/sandbox/loadtests/shared", s.handleLoadtestShared)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate(true), s.idempotent)

			r.Post("/sandbox/request", s.handleSandboxRequest)
			r.Post("/sandbox/vote", s.handleSandboxVote)
			r.Post("/sandbox/claim", s.handleSandboxClaim)
			r.Post("/sandbox/release", s.handleSandboxRelease)
			r.Post("/sandbox/conflicts/report", s.handleConflictReport)
			r.Post("/sandbox/conflicts/resolve", s.handleConflictResolve)
			r.Post("/sandbox/loadtests/report", s.handleLoadtestReport)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"queue_depth": s.svc.Queue.Len(),
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request served",
			String("request_id", middleware.GetReqID(r.Context())),
			String("method", r.Method),
			String("path", r.URL.Path),
			Int("status", ww.Status()),
			Int("bytes", ww.BytesWritten()),
			Duration("elapsed", time.Since(start)))
	})
}

type ctxKey int

const (
	ctxSigned ctxKey = iota
	ctxBody
)

// Caller returns the authenticated request envelope, if any.
func Caller(ctx context.Context) (*SignedRequest, bool) {
	req, ok := ctx.Value(ctxSigned).(*SignedRequest)
	return req, ok
}

func requestBody(r *http.Request) []byte {
	body, _ := r.Context().Value(ctxBody).([]byte)
	return body
}

// authenticate reads the (size-limited) body, verifies the signature and
// consumes the nonce. elevated routes also need the capability token.
func (s *Server) authenticate(elevated bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.Auth.MaxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					s.writeError(w, r, ValidationError("body_too_large", "request body exceeds %d bytes", tooLarge.Limit))
					return
				}
				s.writeError(w, r, ValidationError("body_unreadable", "cannot read request body"))
				return
			}

			signed, err := s.svc.Guard.Authenticate(r.Context(), r.Header, r.Method, CanonicalPath(r.URL), body, elevated)
			if err != nil {
				s.writeError(w, r, err)
				return
			}

			ctx := context.WithValue(r.Context(), ctxSigned, signed)
			ctx = context.WithValue(ctx, ctxBody, body)
			r = r.WithContext(ctx)
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

// idempotent replays stored responses for mutating calls that carry an
// Idempotency-Key.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		signed, ok := Caller(r.Context())
		if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead || !ok {
			next.ServeHTTP(w, r)
			return
		}

		scoped := ScopedIdempotencyKey(signed.CallerID, r.Method, r.URL.Path, key)
		resp, replayed, err := s.svc.Idempotency.GetOrExecute(r.Context(), scoped, signed.BodyHash,
			func(ctx context.Context) (*StoredResponse, error) {
				rec := newResponseCapture()
				next.ServeHTTP(rec, r.WithContext(ctx))
				return rec.stored(), nil
			})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		for k, v := range resp.Header {
			w.Header()[k] = append([]string(nil), v...)
		}
		if replayed {
			w.Header().Set(HeaderIdempotentReplayed, "true")
		}
		w.WriteHeader(resp.Status)
		w.Write(resp.Body) //nolint:errcheck
	})
}

// responseCapture buffers a handler's response so it can be stored.
type responseCapture struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseCapture() *responseCapture {
	return &responseCapture{header: make(http.Header)}
}

func (c *responseCapture) Header() http.Header { return c.header }

func (c *responseCapture) WriteHeader(status int) {
	if c.status == 0 {
		c.status = status
	}
}

func (c *responseCapture) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(p)
}

func (c *responseCapture) stored() *StoredResponse {
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	return &StoredResponse{Status: status, Header: c.header.Clone(), Body: c.body.Bytes()}
}

// decodeJSON decodes the authenticated body into v.
func decodeJSON(r *http.Request, v any) error {
	body := requestBody(r)
	if len(bytes.TrimSpace(body)) == 0 {
		return ValidationError("body_required", "request body must be a JSON object")
	}
	if err := jsonFast.Unmarshal(body, v); err != nil {
		return ValidationError("body_invalid", "malformed JSON body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	raw, err := jsonFast.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":{"code":"internal","message":"response encoding failed"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(raw) //nolint:errcheck
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		err = UnavailableError("request_cancelled", err)
	}
	e := AsError(err)
	status := e.Kind.Status()
	fields := []Field{
		String("request_id", middleware.GetReqID(r.Context())),
		String("path", r.URL.Path),
		String("code", e.Code),
		Int("status", status),
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", append(fields, Err(err))...)
	} else {
		s.logger.Debug("request rejected", append(fields, String("message", e.Message))...)
	}
	writeJSON(w, status, map[string]errorBody{"error": {Code: e.Code, Message: e.Message, Details: e.Details}})
}

// scope is the namespace sandbox operations run in.
func scope(r *http.Request) string {
	if signed, ok := Caller(r.Context()); ok {
		return signed.CallerID
	}
	return ""
}
