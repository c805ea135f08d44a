package edgeplane

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type conflictFixture struct {
	pool      *ConflictPool
	scheduler *SandboxScheduler
}

func newConflictFixture(t *testing.T) *conflictFixture {
	t.Helper()
	store := newTestStore(t)
	cfg := DefaultConfig().Sandbox
	cfg.ConflictPageSize = 2
	cfg.ConflictMaxPage = 10
	pool, err := NewConflictPool(store, cfg, newTestLogger(t))
	require.NoError(t, err)
	sched, err := NewSandboxScheduler(store, cfg, newTestLogger(t))
	require.NoError(t, err)
	return &conflictFixture{pool: pool, scheduler: sched}
}

func validReport() ConflictReport {
	return ConflictReport{
		SiteID:       "site-1",
		AgentID:      "agent-a",
		ConflictType: "file_lock",
		Severity:     3,
		Summary:      "wp-config.php edited by two agents",
		Details:      map[string]any{"path": "/var/www/wp-config.php"},
	}
}

func TestConflictReportValidation(t *testing.T) {
	f := newConflictFixture(t)
	cases := map[string]func(r *ConflictReport){
		"site_id_required":       func(r *ConflictReport) { r.SiteID = "" },
		"agent_id_required":      func(r *ConflictReport) { r.AgentID = " " },
		"conflict_type_required": func(r *ConflictReport) { r.ConflictType = "" },
		"summary_required":       func(r *ConflictReport) { r.Summary = "" },
		"severity_invalid":       func(r *ConflictReport) { r.Severity = 0 },
		"request_not_found":      func(r *ConflictReport) { r.RequestID = "missing" },
	}
	for code, mutate := range cases {
		t.Run(code, func(t *testing.T) {
			r := validReport()
			mutate(&r)
			_, err := f.pool.Report(context.Background(), testScope, r)
			requireCode(t, err, code)
		})
	}
}

func TestConflictReportReferences(t *testing.T) {
	ctx := context.Background()
	f := newConflictFixture(t)

	req, err := f.scheduler.Request(ctx, testScope, RequestInput{
		SiteID: "site-1", AgentID: "agent-a", TaskType: "deploy", PriorityBase: 2, EstimatedMinutes: 15,
	})
	require.NoError(t, err)
	other, err := f.scheduler.Request(ctx, testScope, RequestInput{
		SiteID: "site-2", AgentID: "agent-b", TaskType: "deploy", PriorityBase: 2, EstimatedMinutes: 15,
	})
	require.NoError(t, err)

	r := validReport()
	r.RequestID = req.ID
	r.SandboxID = "sb-1"
	c, err := f.pool.Report(ctx, testScope, r)
	require.NoError(t, err)
	assert.Equal(t, ConflictOpen, c.Status)
	require.NotNil(t, c.RequestID)
	assert.Equal(t, req.ID, *c.RequestID)

	r = validReport()
	r.BlockedByRequestID = other.ID
	_, err = f.pool.Report(ctx, testScope, r)
	requireCode(t, err, "request_site_mismatch")

	r = validReport()
	r.RequestID = req.ID
	_, err = f.pool.Report(ctx, "wp-2", r)
	requireCode(t, err, "request_not_found")

	list, err := f.pool.List(ctx, testScope, ConflictFilter{RequestID: req.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "/var/www/wp-config.php", list[0].Details["path"])
	require.NotNil(t, list[0].SandboxID)
	assert.Equal(t, "sb-1", *list[0].SandboxID)
}

func TestConflictList(t *testing.T) {
	ctx := context.Background()
	f := newConflictFixture(t)

	base := time.Now()
	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		f.pool.now = func() time.Time { return at }
		r := validReport()
		if i == 2 {
			r.SiteID = "site-2"
		}
		c, err := f.pool.Report(ctx, testScope, r)
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}

	page, err := f.pool.List(ctx, testScope, ConflictFilter{})
	require.NoError(t, err)
	require.Len(t, page, 2, "default page size")
	assert.Equal(t, ids[2], page[0].ID, "newest first")
	assert.Equal(t, ids[1], page[1].ID)

	site1, err := f.pool.List(ctx, testScope, ConflictFilter{SiteID: "site-1", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, site1, 2)

	_, err = f.pool.Resolve(ctx, testScope, ConflictResolution{ConflictID: ids[0], AgentID: "agent-b", Status: ConflictDismissed})
	require.NoError(t, err)
	open, err := f.pool.List(ctx, testScope, ConflictFilter{Status: ConflictOpen, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	other, err := f.pool.List(ctx, "wp-2", ConflictFilter{})
	require.NoError(t, err)
	assert.Empty(t, other)

	_, err = f.pool.List(ctx, testScope, ConflictFilter{Limit: 11})
	requireCode(t, err, "limit_invalid")
	_, err = f.pool.List(ctx, testScope, ConflictFilter{Limit: -1})
	requireCode(t, err, "limit_invalid")
	_, err = f.pool.List(ctx, testScope, ConflictFilter{Status: "closed"})
	requireCode(t, err, "status_invalid")
}

func TestConflictResolve(t *testing.T) {
	ctx := context.Background()
	f := newConflictFixture(t)
	c, err := f.pool.Report(ctx, testScope, validReport())
	require.NoError(t, err)

	resolved, err := f.pool.Resolve(ctx, testScope, ConflictResolution{
		ConflictID: c.ID, AgentID: "agent-b", Status: ConflictResolved, Note: "merged",
	})
	require.NoError(t, err)
	assert.Equal(t, ConflictResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedByAgent)
	assert.Equal(t, "agent-b", *resolved.ResolvedByAgent)
	require.NotNil(t, resolved.ResolutionNote)
	assert.Equal(t, "merged", *resolved.ResolutionNote)
	assert.NotNil(t, resolved.ResolvedAt)

	_, err = f.pool.Resolve(ctx, testScope, ConflictResolution{ConflictID: c.ID, AgentID: "agent-c", Status: ConflictDismissed})
	requireCode(t, err, "conflict_already_closed")
	assert.Equal(t, 409, HTTPStatus(err))
	details, ok := AsError(err).Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, ConflictResolved, details["status"])
	by, ok := details["resolved_by_agent"].(*string)
	require.True(t, ok)
	assert.Equal(t, "agent-b", *by)

	_, err = f.pool.Resolve(ctx, testScope, ConflictResolution{ConflictID: "missing", AgentID: "a", Status: ConflictResolved})
	requireCode(t, err, "conflict_not_found")
	assert.Equal(t, 404, HTTPStatus(err))

	_, err = f.pool.Resolve(ctx, "wp-2", ConflictResolution{ConflictID: c.ID, AgentID: "a", Status: ConflictResolved})
	requireCode(t, err, "conflict_not_found")

	validation := map[string]ConflictResolution{
		"conflict_id_required": {AgentID: "a", Status: ConflictResolved},
		"agent_id_required":    {ConflictID: c.ID, Status: ConflictResolved},
		"status_invalid":       {ConflictID: c.ID, AgentID: "a", Status: ConflictOpen},
	}
	for code, in := range validation {
		_, err := f.pool.Resolve(ctx, testScope, in)
		requireCode(t, err, code)
	}
}

func TestConflictResolveRace(t *testing.T) {
	ctx := context.Background()
	f := newConflictFixture(t)
	c, err := f.pool.Report(ctx, testScope, validReport())
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		closed  int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			_, err := f.pool.Resolve(ctx, testScope, ConflictResolution{ConflictID: c.ID, AgentID: agent, Status: ConflictResolved})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners++
			} else if IsCode(err, "conflict_already_closed") {
				closed++
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.Equal(t, 5, closed)
}
