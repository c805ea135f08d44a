package edgeplane

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Conflict states.
const (
	ConflictOpen      = "open"
	ConflictResolved  = "resolved"
	ConflictDismissed = "dismissed"
)

// SandboxConflict is a coordination failure reported by an agent.
type SandboxConflict struct {
	ID                 string         `json:"id"`
	SiteID             string         `json:"site_id"`
	RequestID          *string        `json:"request_id,omitempty"`
	AgentID            string         `json:"agent_id"`
	ConflictType       string         `json:"conflict_type"`
	Severity           int            `json:"severity"`
	Summary            string         `json:"summary"`
	Details            map[string]any `json:"details,omitempty"`
	BlockedByRequestID *string        `json:"blocked_by_request_id,omitempty"`
	SandboxID          *string        `json:"sandbox_id,omitempty"`
	Status             string         `json:"status"`
	ResolutionNote     *string        `json:"resolution_note,omitempty"`
	ResolvedByAgent    *string        `json:"resolved_by_agent,omitempty"`
	ResolvedAt         *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// ConflictReport opens a conflict.
type ConflictReport struct {
	SiteID             string         `json:"site_id"`
	RequestID          string         `json:"request_id,omitempty"`
	AgentID            string         `json:"agent_id"`
	ConflictType       string         `json:"conflict_type"`
	Severity           int            `json:"severity"`
	Summary            string         `json:"summary"`
	Details            map[string]any `json:"details,omitempty"`
	BlockedByRequestID string         `json:"blocked_by_request_id,omitempty"`
	SandboxID          string         `json:"sandbox_id,omitempty"`
}

// ConflictFilter narrows List. Limit 0 selects the default page size.
type ConflictFilter struct {
	Status    string
	SiteID    string
	RequestID string
	Limit     int
}

// ConflictResolution closes an open conflict.
type ConflictResolution struct {
	ConflictID string `json:"conflict_id"`
	AgentID    string `json:"agent_id"`
	Status     string `json:"status"`
	Note       string `json:"note,omitempty"`
}

// ConflictPool records conflicts and lets exactly one agent close each.
type ConflictPool struct {
	store    *Store
	pageSize int
	maxPage  int
	logger   Logger
	now      func() time.Time
}

// NewConflictPool builds a pool over store.
func NewConflictPool(store *Store, cfg SandboxConfig, logger Logger) (*ConflictPool, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	p := &ConflictPool{
		store:    store,
		pageSize: cfg.ConflictPageSize,
		maxPage:  cfg.ConflictMaxPage,
		logger:   logger.Named("conflicts"),
		now:      time.Now,
	}
	if p.maxPage <= 0 {
		p.maxPage = 200
	}
	if p.pageSize <= 0 || p.pageSize > p.maxPage {
		p.pageSize = min(50, p.maxPage)
	}
	return p, nil
}

// Report opens a conflict. A referenced request must exist in the same
// scope and site.
func (p *ConflictPool) Report(ctx context.Context, scope string, in ConflictReport) (*SandboxConflict, error) {
	in.SiteID = strings.TrimSpace(in.SiteID)
	in.AgentID = strings.TrimSpace(in.AgentID)
	in.ConflictType = strings.TrimSpace(in.ConflictType)
	in.Summary = strings.TrimSpace(in.Summary)
	in.RequestID = strings.TrimSpace(in.RequestID)
	in.BlockedByRequestID = strings.TrimSpace(in.BlockedByRequestID)
	switch {
	case in.SiteID == "":
		return nil, ValidationError("site_id_required", "site_id is required")
	case in.AgentID == "":
		return nil, ValidationError("agent_id_required", "agent_id is required")
	case in.ConflictType == "":
		return nil, ValidationError("conflict_type_required", "conflict_type is required")
	case in.Summary == "":
		return nil, ValidationError("summary_required", "summary is required")
	case in.Severity < 1 || in.Severity > 5:
		return nil, ValidationError("severity_invalid", "severity must be within [1,5]")
	}

	var details any
	if len(in.Details) > 0 {
		raw, err := jsonFast.Marshal(in.Details)
		if err != nil {
			return nil, ValidationError("details_invalid", "details cannot be encoded: %v", err)
		}
		details = string(raw)
	}

	c := &SandboxConflict{
		ID:           uuid.NewString(),
		SiteID:       in.SiteID,
		AgentID:      in.AgentID,
		ConflictType: in.ConflictType,
		Severity:     in.Severity,
		Summary:      in.Summary,
		Details:      in.Details,
		Status:       ConflictOpen,
		CreatedAt:    p.now().UTC(),
	}
	if in.RequestID != "" {
		c.RequestID = &in.RequestID
	}
	if in.BlockedByRequestID != "" {
		c.BlockedByRequestID = &in.BlockedByRequestID
	}
	if sid := strings.TrimSpace(in.SandboxID); sid != "" {
		c.SandboxID = &sid
	}

	err := p.store.withTx(ctx, func(tx *sql.Tx) error {
		for _, ref := range []string{in.RequestID, in.BlockedByRequestID} {
			if ref == "" {
				continue
			}
			req, err := getRequest(ctx, tx, scope, ref)
			if err != nil {
				return err
			}
			if req.SiteID != in.SiteID {
				return ValidationError("request_site_mismatch", "request %s belongs to site %q", ref, req.SiteID)
			}
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO sandbox_conflicts(id, scope, site_id, request_id, agent_id, conflict_type, severity, summary, details, blocked_by_request_id, sandbox_id, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'open', ?)
`, c.ID, scope, c.SiteID, nullIfEmpty(in.RequestID), c.AgentID, c.ConflictType, c.Severity, c.Summary,
			details, nullIfEmpty(in.BlockedByRequestID), nullIfEmpty(strings.TrimSpace(in.SandboxID)), ms(c.CreatedAt))
		if err != nil {
			return InternalError(fmt.Errorf("insert conflict: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("conflict reported",
		String("conflict_id", c.ID), String("type", c.ConflictType), Int("severity", c.Severity))
	return c, nil
}

// List returns conflicts in scope, newest first, at most f.Limit rows.
func (p *ConflictPool) List(ctx context.Context, scope string, f ConflictFilter) ([]SandboxConflict, error) {
	limit := f.Limit
	switch {
	case limit == 0:
		limit = p.pageSize
	case limit < 0 || limit > p.maxPage:
		return nil, ValidationError("limit_invalid", "limit must be within [1,%d]", p.maxPage)
	}
	if f.Status != "" && f.Status != ConflictOpen && f.Status != ConflictResolved && f.Status != ConflictDismissed {
		return nil, ValidationError("status_invalid", "status must be open, resolved or dismissed")
	}

	query := conflictSelect + ` WHERE scope = ?`
	args := []any{scope}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.SiteID != "" {
		query += ` AND site_id = ?`
		args = append(args, f.SiteID)
	}
	if f.RequestID != "" {
		query += ` AND request_id = ?`
		args = append(args, f.RequestID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := p.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, InternalError(fmt.Errorf("list conflicts: %w", err))
	}
	defer rows.Close()

	out := []SandboxConflict{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, InternalError(err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, InternalError(fmt.Errorf("iterate conflicts: %w", err))
	}
	return out, nil
}

// Resolve moves an open conflict to resolved or dismissed. Closing an
// already closed conflict is conflict_already_closed, so two agents can
// never both claim the fix.
func (p *ConflictPool) Resolve(ctx context.Context, scope string, in ConflictResolution) (*SandboxConflict, error) {
	in.ConflictID = strings.TrimSpace(in.ConflictID)
	in.AgentID = strings.TrimSpace(in.AgentID)
	switch {
	case in.ConflictID == "":
		return nil, ValidationError("conflict_id_required", "conflict_id is required")
	case in.AgentID == "":
		return nil, ValidationError("agent_id_required", "agent_id is required")
	case in.Status != ConflictResolved && in.Status != ConflictDismissed:
		return nil, ValidationError("status_invalid", "status must be resolved or dismissed")
	}

	var out *SandboxConflict
	err := p.store.withTx(ctx, func(tx *sql.Tx) error {
		now := p.now().UTC()
		result, err := tx.ExecContext(ctx, `
UPDATE sandbox_conflicts
SET status = ?, resolution_note = ?, resolved_by_agent = ?, resolved_at = ?
WHERE id = ? AND scope = ? AND status = 'open'
`, in.Status, nullIfEmpty(in.Note), in.AgentID, ms(now), in.ConflictID, scope)
		if err != nil {
			return InternalError(fmt.Errorf("resolve conflict: %w", err))
		}
		n, err := result.RowsAffected()
		if err != nil {
			return InternalError(err)
		}

		c, err := scanConflict(tx.QueryRowContext(ctx, conflictSelect+` WHERE id = ? AND scope = ?`, in.ConflictID, scope))
		if errors.Is(err, sql.ErrNoRows) {
			return NotFoundError("conflict_not_found", "conflict %s not found", in.ConflictID)
		}
		if err != nil {
			return InternalError(err)
		}
		if n == 0 {
			return ConflictError("conflict_already_closed", "conflict %s is already %s", c.ID, c.Status).
				WithDetails(map[string]any{"status": c.Status, "resolved_by_agent": c.ResolvedByAgent})
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("conflict closed",
		String("conflict_id", out.ID), String("status", out.Status), String("agent_id", in.AgentID))
	return out, nil
}

const conflictSelect = `
SELECT id, site_id, request_id, agent_id, conflict_type, severity, summary, details,
	blocked_by_request_id, sandbox_id, status, resolution_note, resolved_by_agent, resolved_at, created_at
FROM sandbox_conflicts`

func scanConflict(row rowScanner) (*SandboxConflict, error) {
	var (
		c                             SandboxConflict
		requestID, details, blockedBy sql.NullString
		sandboxID, note, resolvedBy   sql.NullString
		resolvedAt                    sql.NullInt64
		created                       int64
	)
	if err := row.Scan(&c.ID, &c.SiteID, &requestID, &c.AgentID, &c.ConflictType, &c.Severity, &c.Summary, &details,
		&blockedBy, &sandboxID, &c.Status, &note, &resolvedBy, &resolvedAt, &created); err != nil {
		return nil, err
	}
	c.RequestID = stringFromNull(requestID)
	c.BlockedByRequestID = stringFromNull(blockedBy)
	c.SandboxID = stringFromNull(sandboxID)
	c.ResolutionNote = stringFromNull(note)
	c.ResolvedByAgent = stringFromNull(resolvedBy)
	c.ResolvedAt = timeFromNull(resolvedAt)
	c.CreatedAt = fromMS(created)
	if details.Valid && details.String != "" {
		if err := jsonFast.Unmarshal([]byte(details.String), &c.Details); err != nil {
			return nil, fmt.Errorf("decode conflict details: %w", err)
		}
	}
	return &c, nil
}
