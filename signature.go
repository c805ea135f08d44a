package edgeplane

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Request signing headers.
const (
	HeaderPluginID       = "X-Plugin-Id"
	HeaderTimestamp      = "X-Plugin-Timestamp"
	HeaderNonce          = "X-Plugin-Nonce"
	HeaderSignature      = "X-Plugin-Signature"
	HeaderCapability     = "X-Capability-Token"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// SignedRequest is the parsed, not yet trusted, authentication envelope.
type SignedRequest struct {
	CallerID        string
	Timestamp       int64
	Nonce           string
	Signature       []byte
	CapabilityToken string
	Method          string
	Path            string
	BodyHash        string
}

// SignatureGuard verifies HMAC authenticity, freshness and nonce uniqueness
// of inbound requests.
type SignatureGuard struct {
	sharedSecret  []byte
	callerSecrets map[string][]byte
	capability    []byte
	window        time.Duration
	kv            KVStore
	logger        Logger
	now           func() time.Time
}

// NewSignatureGuard builds a guard. kv holds the nonce namespace.
func NewSignatureGuard(cfg AuthConfig, kv KVStore, logger Logger) (*SignatureGuard, error) {
	if logger == nil {
		return nil, ErrNilLogger
	}
	if kv == nil {
		return nil, InternalError(errNilKV)
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 300 * time.Second
	}
	secrets := make(map[string][]byte, len(cfg.CallerSecrets))
	for caller, s := range cfg.CallerSecrets {
		secrets[caller] = []byte(s)
	}
	g := &SignatureGuard{
		sharedSecret:  []byte(cfg.SharedSecret),
		callerSecrets: secrets,
		capability:    []byte(cfg.CapabilityToken),
		window:        cfg.ReplayWindow,
		kv:            kv,
		logger:        logger.Named("signature"),
		now:           time.Now,
	}
	if len(g.capability) == 0 {
		g.logger.Warn("no capability token configured, sandbox write routes will reject every request")
	}
	return g, nil
}

// BodyHash returns the lowercase hex SHA-256 of body.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// CanonicalPath is the path component that gets signed: the URL path plus
// the raw query when one is present.
func CanonicalPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		return p + "?" + u.RawQuery
	}
	return p
}

// CanonicalString builds timestamp.nonce.method.path.bodyHash.
func CanonicalString(timestamp int64, nonce, method, path, bodyHash string) string {
	var b strings.Builder
	b.Grow(len(nonce) + len(method) + len(path) + len(bodyHash) + 24)
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteByte('.')
	b.WriteString(nonce)
	b.WriteByte('.')
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('.')
	b.WriteString(path)
	b.WriteByte('.')
	b.WriteString(bodyHash)
	return b.String()
}

// Sign returns the hex HMAC-SHA256 of the canonical string.
func Sign(secret []byte, timestamp int64, nonce, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(CanonicalString(timestamp, nonce, method, path, BodyHash(body))))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest sets the authentication headers on r for body, using a fresh
// UUIDv4 nonce and the current time.
func SignRequest(r *http.Request, callerID string, secret []byte, body []byte) {
	ts := time.Now().Unix()
	nonce := uuid.NewString()
	r.Header.Set(HeaderPluginID, callerID)
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, Sign(secret, ts, nonce, r.Method, CanonicalPath(r.URL), body))
}

// Parse extracts the envelope from headers, rejecting in order: missing
// caller id, malformed nonce, non-integer timestamp, stale timestamp and
// malformed signature encoding.
func (g *SignatureGuard) Parse(h http.Header, method, path string, body []byte) (*SignedRequest, error) {
	caller := strings.TrimSpace(h.Get(HeaderPluginID))
	if caller == "" {
		return nil, AuthError("caller_missing", "missing %s header", HeaderPluginID)
	}

	nonce := strings.TrimSpace(h.Get(HeaderNonce))
	id, err := uuid.Parse(nonce)
	if err != nil || id.Version() != 4 {
		return nil, AuthError("nonce_invalid", "%s must be a UUIDv4", HeaderNonce)
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(h.Get(HeaderTimestamp)), 10, 64)
	if err != nil {
		return nil, AuthError("timestamp_invalid", "%s must be integer unix seconds", HeaderTimestamp)
	}
	skew := g.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > g.window {
		return nil, AuthError("timestamp_expired", "timestamp outside the %s replay window", g.window)
	}

	sig, err := hex.DecodeString(strings.TrimSpace(h.Get(HeaderSignature)))
	if err != nil || len(sig) != sha256.Size {
		return nil, AuthError("signature_malformed", "%s must be hex-encoded HMAC-SHA256", HeaderSignature)
	}

	return &SignedRequest{
		CallerID:        caller,
		Timestamp:       ts,
		Nonce:           nonce,
		Signature:       sig,
		CapabilityToken: h.Get(HeaderCapability),
		Method:          method,
		Path:            path,
		BodyHash:        BodyHash(body),
	}, nil
}

// Verify authenticates a request without touching the nonce store. When
// elevated is set the capability token is also required.
func (g *SignatureGuard) Verify(h http.Header, method, path string, body []byte, elevated bool) (*SignedRequest, error) {
	req, err := g.Parse(h, method, path, body)
	if err != nil {
		return nil, err
	}

	secret := g.secretFor(req.CallerID)
	if len(secret) == 0 {
		return nil, AuthError("unknown_caller", "no signing secret for caller %q", req.CallerID)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(CanonicalString(req.Timestamp, req.Nonce, req.Method, req.Path, req.BodyHash)))
	if !hmac.Equal(mac.Sum(nil), req.Signature) {
		return nil, AuthError("signature_invalid", "signature does not match request")
	}

	if elevated {
		if req.CapabilityToken == "" {
			return nil, AuthError("capability_missing", "missing %s header", HeaderCapability)
		}
		if len(g.capability) == 0 || subtle.ConstantTimeCompare([]byte(req.CapabilityToken), g.capability) != 1 {
			return nil, ForbiddenError("capability_invalid", "capability token rejected")
		}
	}
	return req, nil
}

// Authenticate verifies the request and then records its nonce. The nonce
// is consumed only after the signature verifies.
func (g *SignatureGuard) Authenticate(ctx context.Context, h http.Header, method, path string, body []byte, elevated bool) (*SignedRequest, error) {
	req, err := g.Verify(h, method, path, body, elevated)
	if err != nil {
		return nil, err
	}
	fresh, err := g.kv.SetNX(ctx, nonceKeyPrefix+req.Nonce, []byte(req.CallerID), 2*g.window)
	if err != nil {
		g.logger.Error("nonce store unavailable", String("caller", req.CallerID), Err(err))
		return nil, InternalError(err)
	}
	if !fresh {
		g.logger.Warn("replayed nonce rejected", String("caller", req.CallerID), String("nonce", req.Nonce))
		return nil, AuthError("nonce_replayed", "nonce already used")
	}
	return req, nil
}

func (g *SignatureGuard) secretFor(caller string) []byte {
	if s, ok := g.callerSecrets[caller]; ok && len(s) > 0 {
		return s
	}
	return g.sharedSecret
}
