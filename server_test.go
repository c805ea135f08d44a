package edgeplane

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testCaller     = "wp-1"
	apiTestSecret  = "shared-secret"
	testCapability = "cap-token"
)

type testServer struct {
	*httptest.Server
	origin *pageOrigin
	svc    Services
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Auth.SharedSecret = apiTestSecret
	cfg.Auth.CapabilityToken = testCapability
	cfg.Cache.OriginURL = "https://s.example"
	cfg.Sandbox.Pool = []string{"sb-1", "sb-2"}
	logger := newTestLogger(t)

	kv := newTestKV(t)
	guard, err := NewSignatureGuard(cfg.Auth, kv, logger)
	require.NoError(t, err)
	idem, err := NewIdempotencyStore(kv, cfg.Idempotency, logger)
	require.NoError(t, err)

	origin := &pageOrigin{}
	router := newTestRouter(t, origin, nil)

	store := newTestStore(t)
	fleet, err := NewFleetTelemetry(store, cfg.Scoring, logger)
	require.NoError(t, err)
	scoring, err := NewScoringEngine(store, fleet, cfg.Scoring, logger)
	require.NoError(t, err)
	sched, err := NewSandboxScheduler(store, cfg.Sandbox, logger)
	require.NoError(t, err)
	conflicts, err := NewConflictPool(store, cfg.Sandbox, logger)
	require.NoError(t, err)
	locks, err := NewSiteLock(cfg.Locks.Timeout, logger)
	require.NoError(t, err)
	t.Cleanup(locks.Close)

	queue, err := NewQueueDispatcher(router, cfg.Queue, logger, nil)
	require.NoError(t, err)
	queue.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = queue.Stop(ctx)
	})

	svc := Services{
		Guard:       guard,
		Idempotency: idem,
		Router:      router.TieredCacheRouter,
		Scoring:     scoring,
		Fleet:       fleet,
		Sandbox:     sched,
		Conflicts:   conflicts,
		Locks:       locks,
		Queue:       queue,
	}
	srv, err := NewServer(cfg, svc, logger)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, origin: origin, svc: svc}
}

// newRequest builds a request signed as testCaller. opts run after signing.
func (s *testServer) newRequest(t *testing.T, method, path string, body any, opts ...func(*http.Request)) *http.Request {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		raw = b
	default:
		var err error
		raw, err = jsonFast.Marshal(b)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, s.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	SignRequest(req, testCaller, []byte(apiTestSecret), raw)
	for _, opt := range opts {
		opt(req)
	}
	return req
}

func (s *testServer) send(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func (s *testServer) do(t *testing.T, method, path string, body any, opts ...func(*http.Request)) (*http.Response, []byte) {
	t.Helper()
	return s.send(t, s.newRequest(t, method, path, body, opts...))
}

func elevated(r *http.Request) { r.Header.Set(HeaderCapability, testCapability) }

func withIdempotencyKey(key string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set(HeaderIdempotencyKey, key) }
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, jsonFast.Unmarshal(raw, &v), string(raw))
	return v
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func requireErrorResponse(t *testing.T, resp *http.Response, raw []byte, status int, code string) errorEnvelope {
	t.Helper()
	require.Equal(t, status, resp.StatusCode, string(raw))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	env := decode[errorEnvelope](t, raw)
	require.Equal(t, code, env.Error.Code)
	assert.NotEmpty(t, env.Error.Message)
	return env
}

func TestServerHealth(t *testing.T) {
	s := newTestServer(t)
	resp, err := s.Client().Get(s.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	body := decode[map[string]any](t, raw)
	assert.Equal(t, "ok", body["status"])
}

func TestNewServerRequiresServices(t *testing.T) {
	_, err := NewServer(DefaultConfig(), Services{}, newTestLogger(t))
	assert.Error(t, err)
	_, err = NewServer(DefaultConfig(), Services{}, nil)
	assert.ErrorIs(t, err, ErrNilLogger)
}

func TestServerAuthentication(t *testing.T) {
	s := newTestServer(t)
	path := "/plugin/wp/site/lock?site_id=site-1"

	t.Run("unsigned", func(t *testing.T) {
		resp, err := s.Client().Get(s.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		requireErrorResponse(t, resp, raw, http.StatusUnauthorized, "caller_missing")
	})

	t.Run("replayed nonce", func(t *testing.T) {
		first := s.newRequest(t, http.MethodGet, path, nil)
		resp, raw := s.send(t, first)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

		again, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
		require.NoError(t, err)
		again.Header = first.Header.Clone()
		resp, raw = s.send(t, again)
		requireErrorResponse(t, resp, raw, http.StatusUnauthorized, "nonce_replayed")
	})

	t.Run("tampered query", func(t *testing.T) {
		req := s.newRequest(t, http.MethodGet, path, nil)
		req.URL.RawQuery = "site_id=site-2"
		resp, raw := s.send(t, req)
		requireErrorResponse(t, resp, raw, http.StatusUnauthorized, "signature_invalid")
	})

	t.Run("tampered body", func(t *testing.T) {
		req := s.newRequest(t, http.MethodPost, "/plugin/wp/site/lock/acquire", map[string]string{"site_id": "a", "owner": "b"})
		forged := []byte(`{"site_id":"a","owner":"mallory"}`)
		req.Body = io.NopCloser(bytes.NewReader(forged))
		req.ContentLength = int64(len(forged))
		resp, raw := s.send(t, req)
		requireErrorResponse(t, resp, raw, http.StatusUnauthorized, "signature_invalid")
	})

	in := RequestInput{SiteID: "site-1", AgentID: "agent-a", TaskType: "loadtest", PriorityBase: 3, EstimatedMinutes: 20}

	t.Run("capability missing", func(t *testing.T) {
		resp, raw := s.do(t, http.MethodPost, "/plugin/wp/sandbox/request", in)
		requireErrorResponse(t, resp, raw, http.StatusUnauthorized, "capability_missing")
	})

	t.Run("capability wrong", func(t *testing.T) {
		resp, raw := s.do(t, http.MethodPost, "/plugin/wp/sandbox/request", in, func(r *http.Request) {
			r.Header.Set(HeaderCapability, "guess")
		})
		requireErrorResponse(t, resp, raw, http.StatusForbidden, "capability_invalid")
	})

	t.Run("capability accepted", func(t *testing.T) {
		resp, raw := s.do(t, http.MethodPost, "/plugin/wp/sandbox/request", in, elevated)
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	})
}

func TestServerIdempotentReplay(t *testing.T) {
	s := newTestServer(t)
	body := map[string]string{"site_id": "site-1", "owner": "agent-a"}

	resp, first := s.do(t, http.MethodPost, "/plugin/wp/site/lock/acquire", body, withIdempotencyKey("k-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(first))
	assert.Empty(t, resp.Header.Get(HeaderIdempotentReplayed))
	assert.False(t, decode[LockGrant](t, first).Renewed)

	resp, second := s.do(t, http.MethodPost, "/plugin/wp/site/lock/acquire", body, withIdempotencyKey("k-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get(HeaderIdempotentReplayed))
	assert.JSONEq(t, string(first), string(second), "the stored response is replayed, not re-executed")

	resp, raw := s.do(t, http.MethodPost, "/plugin/wp/site/lock/acquire",
		map[string]string{"site_id": "site-2", "owner": "agent-a"}, withIdempotencyKey("k-1"))
	requireErrorResponse(t, resp, raw, http.StatusConflict, "idempotency_key_reused")

	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/site/lock/acquire", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[LockGrant](t, raw).Renewed)
}

func TestServerEdgeRoute(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.Client().Get(s.URL + "/edge/cache/post")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get(HeaderEdgeCache))
	assert.Equal(t, "<p>https://s.example/post</p>", string(raw))

	resp, err = s.Client().Get(s.URL + "/edge/cache/post?utm_source=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "HIT", resp.Header.Get(HeaderEdgeCache))
	assert.Equal(t, int32(1), s.origin.calls.Load())
}

func TestServerPurge(t *testing.T) {
	s := newTestServer(t)
	warm := func() string {
		resp, err := s.Client().Get(s.URL + "/edge/cache/post")
		require.NoError(t, err)
		resp.Body.Close()
		return resp.Header.Get(HeaderEdgeCache)
	}
	warm()
	require.Equal(t, "HIT", warm())

	resp, raw := s.do(t, http.MethodPost, "/plugin/wp/cache/purge", purgeRequest{Tags: []string{"post", "missing"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	out := decode[purgeResponse](t, raw)
	assert.Equal(t, 1, out.Purged)
	assert.Equal(t, map[string]int{"post": 1, "missing": 0}, out.Tags)
	assert.Equal(t, "MISS", warm())

	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/cache/purge", purgeRequest{
		URLs: []string{"https://s.example/post"}, Async: true,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(raw))
	assert.Equal(t, 1, decode[purgeResponse](t, raw).Queued)
	assert.Eventually(t, func() bool { return warm() == "MISS" }, 2*time.Second, 20*time.Millisecond)

	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/cache/purge", purgeRequest{})
	requireErrorResponse(t, resp, raw, http.StatusBadRequest, "purge_target_required")

	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/cache/purge", []byte(`{"tags":`))
	requireErrorResponse(t, resp, raw, http.StatusBadRequest, "body_invalid")
}

func TestServerRejectsRelativeURLsBeforeQueueing(t *testing.T) {
	s := newTestServer(t)
	warm := func() string {
		resp, err := s.Client().Get(s.URL + "/edge/cache/keep")
		require.NoError(t, err)
		resp.Body.Close()
		return resp.Header.Get(HeaderEdgeCache)
	}
	warm()
	require.Equal(t, "HIT", warm())

	for _, async := range []bool{true, false} {
		resp, raw := s.do(t, http.MethodPost, "/plugin/wp/cache/purge", purgeRequest{
			Tags: []string{"page"}, URLs: []string{"/relative-typo", "https://s.example/keep"}, Async: async,
		})
		requireErrorResponse(t, resp, raw, http.StatusBadRequest, "url_invalid")
	}
	assert.Equal(t, "HIT", warm(), "a rejected request purges nothing")

	resp, raw := s.do(t, http.MethodPost, "/plugin/wp/cache/preload", preloadRequest{
		URLs: []string{"https://s.example/a", "relative"},
	})
	requireErrorResponse(t, resp, raw, http.StatusBadRequest, "url_invalid")

	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/cache/rebuild", rebuildRequest{
		SiteID: "site-1", Owner: "agent-a", URLs: []string{"/home"},
	})
	requireErrorResponse(t, resp, raw, http.StatusBadRequest, "url_invalid")
	resp, raw = s.do(t, http.MethodGet, "/plugin/wp/site/lock?site_id=site-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[LockStatus](t, raw).Locked)

	assert.Equal(t, int32(1), s.origin.calls.Load())
}

func TestServerPreload(t *testing.T) {
	s := newTestServer(t)
	async := false
	resp, raw := s.do(t, http.MethodPost, "/plugin/wp/cache/preload", preloadRequest{
		URLs: []string{"https://s.example/a", "https://s.example/b"}, Async: &async,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Equal(t, 2, decode[map[string]int](t, raw)["preloaded"])
	assert.Equal(t, int32(2), s.origin.calls.Load())

	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/cache/preload", preloadRequest{URLs: []string{"https://s.example/c"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(raw))
	assert.Eventually(t, func() bool { return s.origin.calls.Load() == 3 }, 2*time.Second, 10*time.Millisecond)

	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/cache/preload", preloadRequest{})
	requireErrorResponse(t, resp, raw, http.StatusBadRequest, "urls_required")
}

func TestServerSiteLockAndRebuild(t *testing.T) {
	s := newTestServer(t)

	resp, raw := s.do(t, http.MethodPost, "/plugin/wp/site/lock/acquire", lockRequest{SiteID: "site-1", Owner: "agent-a"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/site/lock/acquire", lockRequest{SiteID: "site-1", Owner: "agent-b"})
	env := requireErrorResponse(t, resp, raw, http.StatusConflict, "site_locked")
	assert.Equal(t, "agent-a", env.Error.Details["held_by"])

	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/cache/rebuild", rebuildRequest{
		SiteID: "site-1", Owner: "agent-b", Tags: []string{"page"},
	})
	requireErrorResponse(t, resp, raw, http.StatusConflict, "site_locked")

	resp, raw = s.do(t, http.MethodGet, "/plugin/wp/site/lock?site_id=site-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[LockStatus](t, raw)
	assert.True(t, st.Locked)
	assert.Equal(t, "agent-a", st.HeldBy)

	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/site/lock/release", lockRequest{SiteID: "site-1", Owner: "agent-b"})
	requireErrorResponse(t, resp, raw, http.StatusConflict, "lock_owner_mismatch")
	resp, _ = s.do(t, http.MethodPost, "/plugin/wp/site/lock/release", lockRequest{SiteID: "site-1", Owner: "agent-a"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/cache/rebuild", rebuildRequest{
		SiteID: "site-1", Owner: "agent-b", Tags: []string{"page"}, URLs: []string{"https://s.example/home"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Eventually(t, func() bool { return s.origin.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, raw = s.do(t, http.MethodGet, "/plugin/wp/site/lock?site_id=site-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[LockStatus](t, raw).Locked, "rebuild releases its lock")

	resp, raw = s.do(t, http.MethodGet, "/plugin/wp/site/lock", nil)
	requireErrorResponse(t, resp, raw, http.StatusBadRequest, "site_id_required")
}

func TestServerSandboxFlow(t *testing.T) {
	s := newTestServer(t)

	resp, raw := s.do(t, http.MethodPost, "/plugin/wp/sandbox/request", RequestInput{
		SiteID: "site-1", AgentID: "agent-a", TaskType: "loadtest", PriorityBase: 3, EstimatedMinutes: 20,
	}, elevated)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	req := decode[SandboxRequest](t, raw)
	assert.Equal(t, StatusQueued, req.Status)

	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/sandbox/vote", VoteInput{RequestID: req.ID, AgentID: "agent-b", Vote: intp(1)}, elevated)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Equal(t, 1, decode[VoteResult](t, raw).VoteTotal)

	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/sandbox/claim", ClaimInput{AgentID: "agent-c", SlotMinutes: 45}, elevated)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	claim := decode[ClaimResult](t, raw)
	assert.Equal(t, req.ID, claim.Request.ID)
	assert.Equal(t, StatusClaimed, claim.Request.Status)
	assert.Equal(t, 45*time.Minute, claim.Allocation.EndAt.Sub(claim.Allocation.StartAt))

	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/sandbox/claim", ClaimInput{AgentID: "agent-c"}, elevated)
	requireErrorResponse(t, resp, raw, http.StatusConflict, "nothing_to_claim")

	resp, raw = s.do(t, http.MethodGet, "/plugin/wp/sandbox/allocation?request_id="+req.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Equal(t, claim.Allocation.SandboxID, decode[SandboxAllocation](t, raw).SandboxID)

	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/sandbox/release", ReleaseInput{RequestID: req.ID, AgentID: "agent-c", Outcome: OutcomeCompleted}, elevated)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Equal(t, StatusCompleted, decode[SandboxRequest](t, raw).Status)

	resp, raw = s.do(t, http.MethodGet, "/plugin/wp/sandbox/requests?status=completed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	list := decode[struct {
		Requests []SandboxRequest `json:"requests"`
	}](t, raw)
	require.Len(t, list.Requests, 1)
	assert.Equal(t, req.ID, list.Requests[0].ID)
}

func TestServerConflicts(t *testing.T) {
	s := newTestServer(t)

	resp, raw := s.do(t, http.MethodPost, "/plugin/wp/sandbox/conflicts/report", validReport(), elevated)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	c := decode[SandboxConflict](t, raw)

	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/sandbox/conflicts/list", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	list := decode[struct {
		Conflicts []SandboxConflict `json:"conflicts"`
	}](t, raw)
	require.Len(t, list.Conflicts, 1)
	assert.Equal(t, c.ID, list.Conflicts[0].ID)

	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/sandbox/conflicts/list?limit=x", nil)
	requireErrorResponse(t, resp, raw, http.StatusBadRequest, "limit_invalid")

	resolve := ConflictResolution{ConflictID: c.ID, AgentID: "agent-b", Status: ConflictResolved}
	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/sandbox/conflicts/resolve", resolve, elevated)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/sandbox/conflicts/resolve", resolve, elevated)
	env := requireErrorResponse(t, resp, raw, http.StatusConflict, "conflict_already_closed")
	assert.Equal(t, "agent-b", env.Error.Details["resolved_by_agent"])
}

func TestServerBenchmarkAndProfile(t *testing.T) {
	s := newTestServer(t)

	resp, raw := s.do(t, http.MethodPost, "/plugin/wp/cache/benchmark", BenchmarkRequest{
		SiteID:         "site-1",
		VPSFingerprint: "vps-a",
		Candidates:     []StrategyCandidate{candidate("full-page", 200), candidate("object-only", 400)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	res := decode[BenchmarkResult](t, raw)
	assert.Equal(t, "full-page", res.Recommended.Strategy)
	assert.Equal(t, 77.02, res.Recommended.Score)

	resp, raw = s.do(t, http.MethodGet, "/plugin/wp/cache/profile?site_id=site-1&vps_fingerprint=vps-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Equal(t, "full-page", decode[StrategyProfile](t, raw).Strategy)

	resp, raw = s.do(t, http.MethodGet, "/plugin/wp/cache/profile?site_id=site-2&vps_fingerprint=vps-a", nil)
	requireErrorResponse(t, resp, raw, http.StatusNotFound, "profile_not_found")

	leaky := candidate("object-only", 100)
	leaky.Gates.PersonalizedLeak = true
	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/cache/benchmark", BenchmarkRequest{
		SiteID: "site-1", Candidates: []StrategyCandidate{leaky},
	})
	env := requireErrorResponse(t, resp, raw, http.StatusConflict, "no_candidate_passed_gates")
	assert.Len(t, env.Error.Details["evaluated"], 1)
}

func TestServerLoadtests(t *testing.T) {
	s := newTestServer(t)

	resp, raw := s.do(t, http.MethodPost, "/plugin/wp/sandbox/loadtests/report", LoadtestReport{
		SiteID: "site-1", WorkerID: "w-1", Strategy: "full-page",
		PageTests: []PageLoadtest{
			{Path: "/", P95Ms: f64(180), HitRatio: f64(0.9), HardGatePassed: true},
			{Path: "/shop", P95Ms: f64(220), HardGatePassed: true},
		},
	}, elevated)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	assert.EqualValues(t, 2, decode[map[string]any](t, raw)["stored"])

	resp, raw = s.do(t, http.MethodPost, "/plugin/wp/sandbox/loadtests/shared", loadtestSharedRequest{SiteID: "site-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	summary := decode[SharedSummary](t, raw)
	require.Len(t, summary.Strategies, 1)
	assert.Equal(t, 2, summary.Strategies[0].Samples)
	assert.Equal(t, 200.0, summary.Strategies[0].MeanP95Ms)
}
