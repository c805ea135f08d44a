package edgeplane

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sandbox request states.
const (
	StatusQueued    = "queued"
	StatusClaimed   = "claimed"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusReleased  = "released"
)

// Release outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeRequeue   = "requeue"
	OutcomeReleased  = "released"
)

const maxEstimatedMinutes = 24 * 60

// SandboxRequest is a request for exclusive use of a sandbox slot.
type SandboxRequest struct {
	ID               string     `json:"id"`
	SiteID           string     `json:"site_id"`
	RequestedByAgent string     `json:"requested_by_agent"`
	TaskType         string     `json:"task_type"`
	PriorityBase     int        `json:"priority_base"`
	EstimatedMinutes int        `json:"estimated_minutes"`
	EarliestStartAt  *time.Time `json:"earliest_start_at,omitempty"`
	Status           string     `json:"status"`
	ClaimedByAgent   *string    `json:"claimed_by_agent,omitempty"`
	ClaimedAt        *time.Time `json:"claimed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	VoteTotal        int        `json:"vote_total"`
	SelectionScore   int        `json:"selection_score"`
}

// SandboxAllocation is the time window a claim holds on a sandbox.
type SandboxAllocation struct {
	ID             string     `json:"id"`
	RequestID      string     `json:"request_id"`
	SandboxID      string     `json:"sandbox_id"`
	ClaimedByAgent string     `json:"claimed_by_agent"`
	StartAt        time.Time  `json:"start_at"`
	EndAt          time.Time  `json:"end_at"`
	Status         string     `json:"status"`
	ReleasedAt     *time.Time `json:"released_at,omitempty"`
}

// RequestInput creates a sandbox request.
type RequestInput struct {
	SiteID           string     `json:"site_id"`
	AgentID          string     `json:"agent_id"`
	TaskType         string     `json:"task_type"`
	PriorityBase     int        `json:"priority_base"`
	EstimatedMinutes int        `json:"estimated_minutes"`
	EarliestStartAt  *time.Time `json:"earliest_start_at,omitempty"`
}

// VoteInput casts or replaces an agent's vote on a request.
type VoteInput struct {
	RequestID string `json:"request_id"`
	AgentID   string `json:"agent_id"`
	Vote      *int   `json:"vote"`
	Reason    string `json:"reason,omitempty"`
}

// VoteResult reports the request's standing after a vote.
type VoteResult struct {
	RequestID      string `json:"request_id"`
	AgentID        string `json:"agent_id"`
	Vote           int    `json:"vote"`
	VoteTotal      int    `json:"vote_total"`
	SelectionScore int    `json:"selection_score"`
}

// ClaimInput asks for the best eligible request.
type ClaimInput struct {
	AgentID     string `json:"agent_id"`
	SiteID      string `json:"site_id,omitempty"`
	SlotMinutes int    `json:"slot_minutes,omitempty"`
	SandboxID   string `json:"sandbox_id,omitempty"`
}

// ClaimResult is a won claim.
type ClaimResult struct {
	Request    *SandboxRequest    `json:"request"`
	Allocation *SandboxAllocation `json:"allocation"`
}

// ReleaseInput ends or returns a claim.
type ReleaseInput struct {
	RequestID string `json:"request_id"`
	AgentID   string `json:"agent_id"`
	Outcome   string `json:"outcome"`
}

// RequestFilter narrows List.
type RequestFilter struct {
	Status string
	SiteID string
}

// SandboxScheduler runs the request/vote/claim/release state machine. Every
// operation is confined to a scope, the authenticated caller's namespace.
//
//	queued --claim--> claimed --release(completed|failed)--> terminal
//	claimed --release(requeue)--> queued
//	queued|claimed --release(released, requester only)--> released
type SandboxScheduler struct {
	store  *Store
	pool   []string
	slot   struct{ min, max int }
	logger Logger
	now    func() time.Time
}

// NewSandboxScheduler builds a scheduler over store.
func NewSandboxScheduler(store *Store, cfg SandboxConfig, logger Logger) (*SandboxScheduler, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	if len(cfg.Pool) == 0 {
		return nil, errors.New("sandbox pool must not be empty")
	}
	s := &SandboxScheduler{
		store:  store,
		pool:   slices.Clone(cfg.Pool),
		logger: logger.Named("sandbox"),
		now:    time.Now,
	}
	s.slot.min, s.slot.max = cfg.MinSlotMinutes, cfg.MaxSlotMinutes
	if s.slot.min <= 0 {
		s.slot.min = 5
	}
	if s.slot.max < s.slot.min {
		s.slot.max = max(240, s.slot.min)
	}
	return s, nil
}

// Request enqueues a new request.
func (s *SandboxScheduler) Request(ctx context.Context, scope string, in RequestInput) (*SandboxRequest, error) {
	in.SiteID = strings.TrimSpace(in.SiteID)
	in.AgentID = strings.TrimSpace(in.AgentID)
	in.TaskType = strings.TrimSpace(in.TaskType)
	switch {
	case in.SiteID == "":
		return nil, ValidationError("site_id_required", "site_id is required")
	case in.AgentID == "":
		return nil, ValidationError("agent_id_required", "agent_id is required")
	case in.TaskType == "":
		return nil, ValidationError("task_type_required", "task_type is required")
	case in.PriorityBase < 1 || in.PriorityBase > 5:
		return nil, ValidationError("priority_invalid", "priority_base must be within [1,5]")
	case in.EstimatedMinutes < 1 || in.EstimatedMinutes > maxEstimatedMinutes:
		return nil, ValidationError("estimate_invalid", "estimated_minutes must be within [1,%d]", maxEstimatedMinutes)
	}

	now := s.now().UTC()
	req := &SandboxRequest{
		ID:               uuid.NewString(),
		SiteID:           in.SiteID,
		RequestedByAgent: in.AgentID,
		TaskType:         in.TaskType,
		PriorityBase:     in.PriorityBase,
		EstimatedMinutes: in.EstimatedMinutes,
		EarliestStartAt:  in.EarliestStartAt,
		Status:           StatusQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
		SelectionScore:   in.PriorityBase * 10,
	}
	_, err := s.store.db.ExecContext(ctx, `
INSERT INTO sandbox_requests(id, scope, site_id, requested_by_agent, task_type, priority_base, estimated_minutes, earliest_start_at, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, req.ID, scope, req.SiteID, req.RequestedByAgent, req.TaskType, req.PriorityBase, req.EstimatedMinutes,
		nullableMS(req.EarliestStartAt), req.Status, ms(now), ms(now))
	if err != nil {
		return nil, InternalError(fmt.Errorf("insert sandbox request: %w", err))
	}
	s.logger.Info("sandbox requested",
		String("request_id", req.ID), String("site_id", req.SiteID), String("agent_id", req.RequestedByAgent))
	return req, nil
}

// Vote upserts agent's vote on an open request.
func (s *SandboxScheduler) Vote(ctx context.Context, scope string, in VoteInput) (*VoteResult, error) {
	in.RequestID = strings.TrimSpace(in.RequestID)
	in.AgentID = strings.TrimSpace(in.AgentID)
	switch {
	case in.RequestID == "":
		return nil, ValidationError("request_id_required", "request_id is required")
	case in.AgentID == "":
		return nil, ValidationError("agent_id_required", "agent_id is required")
	case in.Vote == nil:
		return nil, ValidationError("vote_required", "vote is required")
	case *in.Vote < -5 || *in.Vote > 5:
		return nil, ValidationError("vote_invalid", "vote must be within [-5,5]")
	}

	var res *VoteResult
	err := s.store.withTx(ctx, func(tx *sql.Tx) error {
		req, err := getRequest(ctx, tx, scope, in.RequestID)
		if err != nil {
			return err
		}
		if req.Status != StatusQueued && req.Status != StatusClaimed {
			return ConflictError("request_closed", "request %s is %s", req.ID, req.Status)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO sandbox_votes(request_id, agent_id, vote, reason, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(request_id, agent_id) DO UPDATE SET
	vote=excluded.vote,
	reason=excluded.reason,
	updated_at=excluded.updated_at
`, req.ID, in.AgentID, *in.Vote, nullIfEmpty(in.Reason), ms(s.now()))
		if err != nil {
			return InternalError(fmt.Errorf("upsert vote: %w", err))
		}
		total, err := voteTotal(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		res = &VoteResult{
			RequestID:      req.ID,
			AgentID:        in.AgentID,
			Vote:           *in.Vote,
			VoteTotal:      total,
			SelectionScore: req.PriorityBase*10 + total,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Claim picks the eligible queued request with the highest
// priority_base*10 + sum(votes), oldest first on ties, and allocates a
// sandbox slot for it. Selection, the conditional queued->claimed update and
// the allocation insert commit together; losing the race to another claim
// yields claim_lost.
func (s *SandboxScheduler) Claim(ctx context.Context, scope string, in ClaimInput) (*ClaimResult, error) {
	in.AgentID = strings.TrimSpace(in.AgentID)
	in.SiteID = strings.TrimSpace(in.SiteID)
	in.SandboxID = strings.TrimSpace(in.SandboxID)
	if in.AgentID == "" {
		return nil, ValidationError("agent_id_required", "agent_id is required")
	}
	if in.SlotMinutes != 0 && (in.SlotMinutes < s.slot.min || in.SlotMinutes > s.slot.max) {
		return nil, ValidationError("slot_minutes_invalid", "slot_minutes must be within [%d,%d]", s.slot.min, s.slot.max)
	}
	if in.SandboxID != "" && !slices.Contains(s.pool, in.SandboxID) {
		return nil, ValidationError("sandbox_unknown", "sandbox %q is not in the pool", in.SandboxID)
	}

	var res *ClaimResult
	err := s.store.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UTC()

		query := `
SELECT r.id, r.priority_base * 10 + COALESCE(SUM(v.vote), 0) AS score
FROM sandbox_requests r
LEFT JOIN sandbox_votes v ON v.request_id = r.id
WHERE r.scope = ? AND r.status = 'queued'
	AND (r.earliest_start_at IS NULL OR r.earliest_start_at <= ?)`
		args := []any{scope, ms(now)}
		if in.SiteID != "" {
			query += ` AND r.site_id = ?`
			args = append(args, in.SiteID)
		}
		query += `
GROUP BY r.id
ORDER BY score DESC, r.created_at ASC, r.rowid ASC
LIMIT 1`

		var (
			id    string
			score int
		)
		err := tx.QueryRowContext(ctx, query, args...).Scan(&id, &score)
		if errors.Is(err, sql.ErrNoRows) {
			return ConflictError("nothing_to_claim", "no eligible queued request")
		}
		if err != nil {
			return InternalError(fmt.Errorf("select claim candidate: %w", err))
		}

		req, err := getRequest(ctx, tx, scope, id)
		if err != nil {
			return err
		}

		slot := in.SlotMinutes
		if slot == 0 {
			slot = min(max(req.EstimatedMinutes, s.slot.min), s.slot.max)
		}
		start, end := now, now.Add(time.Duration(slot)*time.Minute)

		sandboxID, err := s.pickSandbox(ctx, tx, in.SandboxID, start, end)
		if err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `
UPDATE sandbox_requests
SET status = 'claimed', claimed_by_agent = ?, claimed_at = ?, updated_at = ?
WHERE id = ? AND status = 'queued'
`, in.AgentID, ms(now), ms(now), id)
		if err != nil {
			return InternalError(fmt.Errorf("claim request: %w", err))
		}
		if n, err := result.RowsAffected(); err != nil {
			return InternalError(err)
		} else if n != 1 {
			return ConflictError("claim_lost", "request %s was claimed concurrently", id)
		}

		alloc := &SandboxAllocation{
			ID:             uuid.NewString(),
			RequestID:      id,
			SandboxID:      sandboxID,
			ClaimedByAgent: in.AgentID,
			StartAt:        start,
			EndAt:          end,
			Status:         "active",
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO sandbox_allocations(id, request_id, sandbox_id, claimed_by_agent, start_at, end_at, status)
VALUES (?, ?, ?, ?, ?, ?, 'active')
`, alloc.ID, alloc.RequestID, alloc.SandboxID, alloc.ClaimedByAgent, ms(start), ms(end))
		if err != nil {
			return InternalError(fmt.Errorf("insert allocation: %w", err))
		}

		agent := in.AgentID
		req.Status = StatusClaimed
		req.ClaimedByAgent = &agent
		req.ClaimedAt = &now
		req.UpdatedAt = now
		req.SelectionScore = score
		res = &ClaimResult{Request: req, Allocation: alloc}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("sandbox claimed",
		String("request_id", res.Request.ID),
		String("agent_id", in.AgentID),
		String("sandbox_id", res.Allocation.SandboxID),
		Int("selection_score", res.Request.SelectionScore))
	return res, nil
}

// pickSandbox returns want if it is free over [start, end), otherwise the
// first free pool sandbox.
func (s *SandboxScheduler) pickSandbox(ctx context.Context, tx *sql.Tx, want string, start, end time.Time) (string, error) {
	candidates := s.pool
	if want != "" {
		candidates = []string{want}
	}
	for _, id := range candidates {
		var busy int
		err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM sandbox_allocations
WHERE sandbox_id = ? AND status = 'active' AND start_at < ? AND end_at > ?
`, id, ms(end), ms(start)).Scan(&busy)
		if err != nil {
			return "", InternalError(fmt.Errorf("check sandbox %s: %w", id, err))
		}
		if busy == 0 {
			return id, nil
		}
	}
	if want != "" {
		return "", ConflictError("sandbox_busy", "sandbox %q has an overlapping allocation", want)
	}
	return "", ConflictError("sandbox_busy", "every sandbox in the pool has an overlapping allocation")
}

// Release applies outcome to a request. Only the claimant or the requester
// may release; only the requester may cancel with "released". The active
// allocation, if any, is released on every outcome.
func (s *SandboxScheduler) Release(ctx context.Context, scope string, in ReleaseInput) (*SandboxRequest, error) {
	in.RequestID = strings.TrimSpace(in.RequestID)
	in.AgentID = strings.TrimSpace(in.AgentID)
	switch {
	case in.RequestID == "":
		return nil, ValidationError("request_id_required", "request_id is required")
	case in.AgentID == "":
		return nil, ValidationError("agent_id_required", "agent_id is required")
	}
	switch in.Outcome {
	case OutcomeCompleted, OutcomeFailed, OutcomeRequeue, OutcomeReleased:
	default:
		return nil, ValidationError("outcome_invalid", "outcome must be one of completed, failed, requeue, released")
	}

	var out *SandboxRequest
	err := s.store.withTx(ctx, func(tx *sql.Tx) error {
		req, err := getRequest(ctx, tx, scope, in.RequestID)
		if err != nil {
			return err
		}

		isClaimant := req.ClaimedByAgent != nil && *req.ClaimedByAgent == in.AgentID
		isRequester := req.RequestedByAgent == in.AgentID
		if !isClaimant && !isRequester {
			return ForbiddenError("not_participant", "only the claimant or the requester may release request %s", req.ID)
		}

		now := s.now().UTC()
		var (
			next   string
			update string
		)
		switch in.Outcome {
		case OutcomeCompleted, OutcomeFailed:
			if req.Status != StatusClaimed {
				return ConflictError("invalid_transition", "cannot mark %s request %s", req.Status, in.Outcome)
			}
			next = in.Outcome
			update = `UPDATE sandbox_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
		case OutcomeRequeue:
			if req.Status != StatusClaimed {
				return ConflictError("invalid_transition", "cannot requeue %s request", req.Status)
			}
			next = StatusQueued
			update = `UPDATE sandbox_requests SET status = ?, claimed_by_agent = NULL, claimed_at = NULL, updated_at = ? WHERE id = ? AND status = ?`
		case OutcomeReleased:
			if !isRequester {
				return ForbiddenError("not_requester", "only the requester may cancel request %s", req.ID)
			}
			if req.Status != StatusQueued && req.Status != StatusClaimed {
				return ConflictError("invalid_transition", "cannot release %s request", req.Status)
			}
			next = StatusReleased
			update = `UPDATE sandbox_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
		}

		result, err := tx.ExecContext(ctx, update, next, ms(now), req.ID, req.Status)
		if err != nil {
			return InternalError(fmt.Errorf("release request: %w", err))
		}
		if n, err := result.RowsAffected(); err != nil {
			return InternalError(err)
		} else if n != 1 {
			return ConflictError("request_state_changed", "request %s changed concurrently", req.ID)
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE sandbox_allocations SET status = 'released', released_at = ?
WHERE request_id = ? AND status = 'active'
`, ms(now), req.ID); err != nil {
			return InternalError(fmt.Errorf("release allocation: %w", err))
		}

		req.Status = next
		req.UpdatedAt = now
		if next == StatusQueued {
			req.ClaimedByAgent, req.ClaimedAt = nil, nil
		}
		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("sandbox released",
		String("request_id", out.ID), String("agent_id", in.AgentID), String("outcome", in.Outcome))
	return out, nil
}

// List returns requests in scope, highest selection score first.
func (s *SandboxScheduler) List(ctx context.Context, scope string, f RequestFilter) ([]SandboxRequest, error) {
	query := requestSelect + ` WHERE r.scope = ?`
	args := []any{scope}
	if f.Status != "" {
		query += ` AND r.status = ?`
		args = append(args, f.Status)
	}
	if f.SiteID != "" {
		query += ` AND r.site_id = ?`
		args = append(args, f.SiteID)
	}
	query += ` GROUP BY r.id ORDER BY r.priority_base * 10 + COALESCE(SUM(v.vote), 0) DESC, r.created_at ASC, r.rowid ASC`

	rows, err := s.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, InternalError(fmt.Errorf("list sandbox requests: %w", err))
	}
	defer rows.Close()

	out := []SandboxRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, InternalError(err)
		}
		out = append(out, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, InternalError(fmt.Errorf("iterate sandbox requests: %w", err))
	}
	return out, nil
}

// Allocation returns the most recent allocation of a request in scope.
func (s *SandboxScheduler) Allocation(ctx context.Context, scope, requestID string) (*SandboxAllocation, error) {
	var (
		a          SandboxAllocation
		start, end int64
		released   sql.NullInt64
	)
	err := s.store.db.QueryRowContext(ctx, `
SELECT a.id, a.request_id, a.sandbox_id, a.claimed_by_agent, a.start_at, a.end_at, a.status, a.released_at
FROM sandbox_allocations a
JOIN sandbox_requests r ON r.id = a.request_id
WHERE a.request_id = ? AND r.scope = ?
ORDER BY a.start_at DESC, a.rowid DESC LIMIT 1
`, requestID, scope).Scan(&a.ID, &a.RequestID, &a.SandboxID, &a.ClaimedByAgent, &start, &end, &a.Status, &released)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundError("allocation_not_found", "request %s has no allocation", requestID)
	}
	if err != nil {
		return nil, InternalError(fmt.Errorf("read allocation: %w", err))
	}
	a.StartAt, a.EndAt, a.ReleasedAt = fromMS(start), fromMS(end), timeFromNull(released)
	return &a, nil
}

const requestSelect = `
SELECT r.id, r.site_id, r.requested_by_agent, r.task_type, r.priority_base, r.estimated_minutes,
	r.earliest_start_at, r.status, r.claimed_by_agent, r.claimed_at, r.created_at, r.updated_at,
	COALESCE(SUM(v.vote), 0)
FROM sandbox_requests r
LEFT JOIN sandbox_votes v ON v.request_id = r.id`

type rowScanner interface{ Scan(dest ...any) error }

func scanRequest(row rowScanner) (*SandboxRequest, error) {
	var (
		r                   SandboxRequest
		earliest, claimedAt sql.NullInt64
		claimedBy           sql.NullString
		created, updated    int64
	)
	if err := row.Scan(&r.ID, &r.SiteID, &r.RequestedByAgent, &r.TaskType, &r.PriorityBase, &r.EstimatedMinutes,
		&earliest, &r.Status, &claimedBy, &claimedAt, &created, &updated, &r.VoteTotal); err != nil {
		return nil, err
	}
	r.EarliestStartAt = timeFromNull(earliest)
	r.ClaimedByAgent = stringFromNull(claimedBy)
	r.ClaimedAt = timeFromNull(claimedAt)
	r.CreatedAt, r.UpdatedAt = fromMS(created), fromMS(updated)
	r.SelectionScore = r.PriorityBase*10 + r.VoteTotal
	return &r, nil
}

func getRequest(ctx context.Context, tx *sql.Tx, scope, id string) (*SandboxRequest, error) {
	row := tx.QueryRowContext(ctx, requestSelect+` WHERE r.scope = ? AND r.id = ? GROUP BY r.id`, scope, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundError("request_not_found", "sandbox request %s not found", id)
	}
	if err != nil {
		return nil, InternalError(fmt.Errorf("read sandbox request: %w", err))
	}
	return req, nil
}

func voteTotal(ctx context.Context, tx *sql.Tx, requestID string) (int, error) {
	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(vote), 0) FROM sandbox_votes WHERE request_id = ?`, requestID).Scan(&total); err != nil {
		return 0, InternalError(fmt.Errorf("sum votes: %w", err))
	}
	return total, nil
}
