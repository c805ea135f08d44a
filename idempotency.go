package edgeplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// StoredResponse is a captured HTTP response replayed for duplicate keys.
type StoredResponse struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body"`
}

const (
	idemPending  = "pending"
	idemComplete = "complete"
)

type idempotencyRecord struct {
	State       string          `json:"state"`
	RequestHash string          `json:"request_hash"`
	Response    *StoredResponse `json:"response,omitempty"`
	CreatedAt   int64           `json:"created_at"`
}

// IdempotencyStore guarantees at-most-once execution per idempotency key.
//
// The first caller wins an atomic SetNX of a pending marker and executes;
// duplicates either replay the stored response or, while the winner is still
// running, get idempotency_in_progress. Failed executions abandon the marker
// so the caller can retry with the same key.
type IdempotencyStore struct {
	kv         KVStore
	ttl        time.Duration
	pendingTTL time.Duration
	logger     Logger
	now        func() time.Time
}

// NewIdempotencyStore builds a store over kv.
func NewIdempotencyStore(kv KVStore, cfg IdempotencyConfig, logger Logger) (*IdempotencyStore, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	if kv == nil {
		return nil, InternalError(errNilKV)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 5 * time.Minute
	}
	return &IdempotencyStore{
		kv:         kv,
		ttl:        cfg.TTL,
		pendingTTL: cfg.PendingTTL,
		logger:     logger.Named("idempotency"),
		now:        time.Now,
	}, nil
}

// ScopedIdempotencyKey namespaces a caller-supplied key so two callers (or
// two routes) can never share a record.
func ScopedIdempotencyKey(callerID, method, path, key string) string {
	return idempotencyKeyPrefix + callerID + ":" + strings.ToUpper(method) + ":" + path + ":" + key
}

// Begin claims key. It returns started=true when the caller must execute
// and later Complete or Abandon; otherwise it returns the stored response.
func (s *IdempotencyStore) Begin(ctx context.Context, key, requestHash string) (resp *StoredResponse, started bool, err error) {
	marker, err := jsonFast.Marshal(idempotencyRecord{
		State:       idemPending,
		RequestHash: requestHash,
		CreatedAt:   s.now().UnixMilli(),
	})
	if err != nil {
		return nil, false, InternalError(err)
	}

	// A record can expire between SetNX and Get; one retry covers it.
	for attempt := 0; attempt < 2; attempt++ {
		created, err := s.kv.SetNX(ctx, key, marker, s.pendingTTL)
		if err != nil {
			return nil, false, InternalError(fmt.Errorf("claim idempotency key: %w", err))
		}
		if created {
			return nil, true, nil
		}

		raw, err := s.kv.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, InternalError(fmt.Errorf("read idempotency record: %w", err))
		}

		var rec idempotencyRecord
		if err := jsonFast.Unmarshal(raw, &rec); err != nil {
			return nil, false, InternalError(fmt.Errorf("decode idempotency record: %w", err))
		}
		if rec.RequestHash != requestHash {
			return nil, false, ConflictError("idempotency_key_reused", "idempotency key was used with a different request body")
		}
		if rec.State != idemComplete || rec.Response == nil {
			return nil, false, ConflictError("idempotency_in_progress", "a request with this idempotency key is still running")
		}
		return rec.Response, false, nil
	}
	return nil, false, ConflictError("idempotency_in_progress", "a request with this idempotency key is still running")
}

// Complete persists resp for key.
func (s *IdempotencyStore) Complete(ctx context.Context, key, requestHash string, resp *StoredResponse) error {
	raw, err := jsonFast.Marshal(idempotencyRecord{
		State:       idemComplete,
		RequestHash: requestHash,
		Response:    resp,
		CreatedAt:   s.now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, key, raw, s.ttl)
}

// Abandon releases a pending marker.
func (s *IdempotencyStore) Abandon(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

// GetOrExecute runs handler at most once per key and returns the same
// response for every call. An empty key always executes. replayed reports
// whether resp came from a stored record.
func (s *IdempotencyStore) GetOrExecute(
	ctx context.Context,
	key, requestHash string,
	handler func(ctx context.Context) (*StoredResponse, error),
) (resp *StoredResponse, replayed bool, err error) {
	if key == "" {
		resp, err = handler(ctx)
		return resp, false, err
	}

	stored, started, err := s.Begin(ctx, key, requestHash)
	if err != nil {
		return nil, false, err
	}
	if !started {
		s.logger.Debug("replaying stored response", String("key", key), Int("status", stored.Status))
		return stored, true, nil
	}

	resp, err = s.safeExecute(ctx, handler)
	if err != nil || resp == nil || resp.Status >= http.StatusInternalServerError {
		// Detached from ctx: the marker must go even if the client hung up.
		if abandonErr := s.Abandon(context.WithoutCancel(ctx), key); abandonErr != nil {
			s.logger.Warn("failed to abandon idempotency marker", String("key", key), Err(abandonErr))
		}
		if err == nil && resp == nil {
			err = InternalError(errors.New("handler returned no response"))
		}
		return resp, false, err
	}

	if err := s.Complete(context.WithoutCancel(ctx), key, requestHash, resp); err != nil {
		s.logger.Error("failed to persist idempotent response", String("key", key), Err(err))
		if abandonErr := s.Abandon(context.WithoutCancel(ctx), key); abandonErr != nil {
			s.logger.Warn("failed to abandon idempotency marker", String("key", key), Err(abandonErr))
		}
	}
	return resp, false, nil
}

func (s *IdempotencyStore) safeExecute(ctx context.Context, handler func(ctx context.Context) (*StoredResponse, error)) (resp *StoredResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("idempotent handler panicked", Any("panic", r))
			resp, err = nil, InternalError(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler(ctx)
}
