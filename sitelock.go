package edgeplane

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
)

// LockGrant is returned by a successful Acquire.
type LockGrant struct {
	SiteID    string  `json:"site_id"`
	Owner     string  `json:"owner"`
	Granted   bool    `json:"granted"`
	Renewed   bool    `json:"renewed"`
	ExpiresIn float64 `json:"expires_in"`
}

// LockStatus describes the current holder of a site lock.
type LockStatus struct {
	SiteID    string  `json:"site_id"`
	Locked    bool    `json:"locked"`
	HeldBy    string  `json:"held_by,omitempty"`
	ExpiresIn float64 `json:"expires_in,omitempty"`
}

type lockOpKind int

const (
	lockAcquire lockOpKind = iota
	lockRelease
	lockStatus
)

type lockOp struct {
	kind  lockOpKind
	owner string
	reply chan lockReply
}

type lockReply struct {
	grant  *LockGrant
	status *LockStatus
	err    error
}

// SiteLock is a per-site soft lease. Each site is served by its own
// goroutine, so operations on one site are serialized while different
// sites proceed in parallel. A holder that outlives the timeout loses the
// lock to the next acquirer.
type SiteLock struct {
	timeout time.Duration
	logger  Logger
	now     func() time.Time

	mu     sync.Mutex
	actors map[string]chan lockOp
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewSiteLock creates a lock manager. timeout <= 0 defaults to 120s.
func NewSiteLock(timeout time.Duration, logger Logger) (*SiteLock, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &SiteLock{
		timeout: timeout,
		logger:  logger.Named("sitelock"),
		now:     time.Now,
		actors:  make(map[string]chan lockOp),
		done:    make(chan struct{}),
	}, nil
}

// Acquire grants the lock to owner when it is free, expired, or already
// held by owner (in which case the lease is renewed). Otherwise it fails
// with site_locked.
func (l *SiteLock) Acquire(ctx context.Context, siteID, owner string) (*LockGrant, error) {
	r, err := l.do(ctx, siteID, owner, lockAcquire)
	if err != nil {
		return nil, err
	}
	return r.grant, r.err
}

// Release frees the lock. Only the recorded owner may release it.
func (l *SiteLock) Release(ctx context.Context, siteID, owner string) error {
	r, err := l.do(ctx, siteID, owner, lockRelease)
	if err != nil {
		return err
	}
	return r.err
}

// Status reports the holder of siteID's lock, if any.
func (l *SiteLock) Status(ctx context.Context, siteID string) (*LockStatus, error) {
	siteID = strings.TrimSpace(siteID)
	if siteID == "" {
		return nil, ValidationError("site_id_required", "site_id is required")
	}
	r, err := l.send(ctx, siteID, lockOp{kind: lockStatus, reply: make(chan lockReply, 1)})
	if err != nil {
		return nil, err
	}
	return r.status, r.err
}

// Close stops every site actor. Later calls fail with ErrClosed.
func (l *SiteLock) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.done)
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *SiteLock) do(ctx context.Context, siteID, owner string, kind lockOpKind) (lockReply, error) {
	siteID = strings.TrimSpace(siteID)
	owner = strings.TrimSpace(owner)
	if siteID == "" {
		return lockReply{}, ValidationError("site_id_required", "site_id is required")
	}
	if owner == "" {
		return lockReply{}, ValidationError("owner_required", "owner is required")
	}
	return l.send(ctx, siteID, lockOp{kind: kind, owner: owner, reply: make(chan lockReply, 1)})
}

func (l *SiteLock) send(ctx context.Context, siteID string, op lockOp) (lockReply, error) {
	ops, err := l.actor(siteID)
	if err != nil {
		return lockReply{}, err
	}
	select {
	case ops <- op:
	case <-l.done:
		return lockReply{}, ErrClosed
	case <-ctx.Done():
		return lockReply{}, ctx.Err()
	}
	select {
	case r := <-op.reply:
		return r, nil
	case <-ctx.Done():
		return lockReply{}, ctx.Err()
	}
}

func (l *SiteLock) actor(siteID string) (chan lockOp, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	ops, ok := l.actors[siteID]
	if !ok {
		ops = make(chan lockOp)
		l.actors[siteID] = ops
		l.wg.Add(1)
		go l.run(siteID, ops)
	}
	return ops, nil
}

// run owns the state of one site's lock.
func (l *SiteLock) run(siteID string, ops chan lockOp) {
	defer l.wg.Done()
	var (
		owner      string
		acquiredAt time.Time
	)
	remaining := func(now time.Time) time.Duration {
		if owner == "" {
			return 0
		}
		return acquiredAt.Add(l.timeout).Sub(now)
	}

	for {
		select {
		case <-l.done:
			return
		case op := <-ops:
			now := l.now()
			if owner != "" && remaining(now) <= 0 {
				l.logger.Info("site lock expired", String("site_id", siteID), String("owner", owner))
				owner = ""
			}

			var r lockReply
			switch op.kind {
			case lockAcquire:
				switch owner {
				case "", op.owner:
					renewed := owner == op.owner
					owner, acquiredAt = op.owner, now
					r.grant = &LockGrant{
						SiteID:    siteID,
						Owner:     owner,
						Granted:   true,
						Renewed:   renewed,
						ExpiresIn: seconds(l.timeout),
					}
				default:
					r.err = ConflictError("site_locked", "site %s is locked by %s", siteID, owner).
						WithDetails(map[string]any{"held_by": owner, "expires_in": seconds(remaining(now))})
				}
			case lockRelease:
				switch owner {
				case "":
					r.err = ConflictError("lock_not_held", "site %s is not locked", siteID)
				case op.owner:
					owner = ""
				default:
					r.err = ConflictError("lock_owner_mismatch", "site %s is locked by another owner", siteID).
						WithDetails(map[string]any{"held_by": owner})
				}
			case lockStatus:
				r.status = &LockStatus{SiteID: siteID, Locked: owner != ""}
				if owner != "" {
					r.status.HeldBy = owner
					r.status.ExpiresIn = seconds(remaining(now))
				}
			}
			op.reply <- r
		}
	}
}

func seconds(d time.Duration) float64 {
	return math.Max(0, math.Round(d.Seconds()*1000)/1000)
}
