package edgeplane

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/url"
	"sort"
	"strings"
)

// KeyNormalizer derives canonical cache keys from URLs. Two requests for the
// same resource always produce the same key:
//   - scheme and host are lowercased, default ports and fragments dropped
//   - a trailing slash is removed from every path except "/"
//   - tracking parameters are removed
//   - the remaining query parameters are sorted by key, then value
//
// Everything else (path case, parameter values) is kept verbatim so distinct
// resources never collide.
type KeyNormalizer struct {
	exact    map[string]struct{}
	prefixes []string
}

// NewKeyNormalizer builds a normalizer. Entries ending in "*" match by prefix
// ("utm_*"); the rest match exactly. Matching is case-insensitive.
func NewKeyNormalizer(trackingParams []string) *KeyNormalizer {
	n := &KeyNormalizer{exact: make(map[string]struct{}, len(trackingParams))}
	for _, p := range trackingParams {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "*") {
			n.prefixes = append(n.prefixes, strings.TrimSuffix(p, "*"))
			continue
		}
		n.exact[p] = struct{}{}
	}
	return n
}

// Normalize parses raw and returns its canonical key.
func (n *KeyNormalizer) Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", ValidationError("url_invalid", "cannot parse URL %q: %v", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", ValidationError("url_invalid", "URL %q must be absolute", raw)
	}
	return n.NormalizeURL(u), nil
}

// NormalizeURL returns the canonical key for an absolute URL.
func (n *KeyNormalizer) NormalizeURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := normalizeHost(scheme, u.Host)

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	for len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}

	var b strings.Builder
	b.Grow(len(scheme) + len(host) + len(path) + len(u.RawQuery) + 4)
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if q := n.normalizeQuery(u.RawQuery); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	return b.String()
}

func (n *KeyNormalizer) isTracking(key string) bool {
	key = strings.ToLower(key)
	if _, ok := n.exact[key]; ok {
		return true
	}
	for _, p := range n.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

type queryPair struct{ key, value string }

func (n *KeyNormalizer) normalizeQuery(raw string) string {
	if raw == "" {
		return ""
	}
	pairs := make([]queryPair, 0, strings.Count(raw, "&")+1)
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		if dk, err := url.QueryUnescape(k); err == nil {
			k = dk
		}
		if dv, err := url.QueryUnescape(v); err == nil {
			v = dv
		}
		if k == "" || n.isTracking(k) {
			continue
		}
		pairs = append(pairs, queryPair{key: k, value: v})
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}

func normalizeHost(scheme, hostport string) string {
	hostport = strings.ToLower(hostport)
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return strings.TrimSuffix(hostport, ".")
	}
	host = strings.TrimSuffix(host, ".")
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") || port == "" {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}

// ObjectKey maps a canonical key onto the object-store namespace.
func ObjectKey(canonicalKey string) string {
	sum := sha256.Sum256([]byte(canonicalKey))
	return blobKeyPrefix + hex.EncodeToString(sum[:])
}

// isResolvableURL reports whether a stored key is a full URL that can be
// evicted from the edge tier by key.
func isResolvableURL(key string) bool {
	return strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://")
}
