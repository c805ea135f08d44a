package edgeplane

import (
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Origin headers understood by the cache policy.
const (
	HeaderCacheTags = "X-Cache-Tags"
	HeaderCacheTTL  = "X-Cache-TTL"
)

const (
	maxTagsPerObject = 64
	maxTagLength     = 128
)

// storedHeaders are the origin response headers kept with a cached object.
var storedHeaders = []string{
	"Cache-Control", "Content-Language", "Content-Type", "ETag", "Last-Modified", "Vary",
}

// forwardedHeaders are the client headers sent to the origin on cacheable
// fetches. Cookies and credentials never reach a shared fill.
var forwardedHeaders = []string{"Accept", "User-Agent"}

// CachePolicy decides what is served from cache and for how long.
type CachePolicy struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration

	bypassPaths   []string
	bypassCookies []string
	bypassQuery   map[string]struct{}
}

// NewCachePolicy builds a policy from cfg.
func NewCachePolicy(cfg CacheConfig) *CachePolicy {
	p := &CachePolicy{
		DefaultTTL:    cfg.DefaultTTL,
		MaxTTL:        cfg.MaxTTL,
		bypassPaths:   cfg.BypassPathPrefixes,
		bypassCookies: cfg.BypassCookiePrefixes,
		bypassQuery:   make(map[string]struct{}, len(cfg.BypassQueryKeys)),
	}
	for _, k := range cfg.BypassQueryKeys {
		p.bypassQuery[strings.ToLower(k)] = struct{}{}
	}
	return p
}

// Bypass reports whether a request must skip the cache and why.
func (p *CachePolicy) Bypass(method string, u *url.URL, h http.Header) (string, bool) {
	if method != http.MethodGet && method != http.MethodHead {
		return "method", true
	}
	for _, prefix := range p.bypassPaths {
		if strings.HasPrefix(u.Path, prefix) {
			return "path", true
		}
	}
	for key := range u.Query() {
		if _, ok := p.bypassQuery[strings.ToLower(key)]; ok {
			return "query", true
		}
	}
	if h != nil {
		req := http.Request{Header: h}
		for _, c := range req.Cookies() {
			for _, prefix := range p.bypassCookies {
				if strings.HasPrefix(c.Name, prefix) {
					return "cookie", true
				}
			}
		}
	}
	return "", false
}

// TTL returns how long resp may be cached. Zero means not cacheable.
func (p *CachePolicy) TTL(resp *OriginResponse) time.Duration {
	if resp.Status != http.StatusOK || len(resp.Header.Values("Set-Cookie")) > 0 {
		return 0
	}
	if !cacheableContentType(resp.Header.Get("Content-Type")) {
		return 0
	}

	directives := parseCacheControl(resp.Header.Values("Cache-Control"))
	if _, ok := directives["no-store"]; ok {
		return 0
	}
	if _, ok := directives["private"]; ok {
		return 0
	}

	var ttl time.Duration
	switch {
	case resp.Header.Get(HeaderCacheTTL) != "":
		secs, err := strconv.ParseInt(strings.TrimSpace(resp.Header.Get(HeaderCacheTTL)), 10, 64)
		if err != nil {
			return p.EffectiveTTL(0)
		}
		if secs <= 0 {
			return 0
		}
		ttl = time.Duration(secs) * time.Second
	case directives["s-maxage"] != "":
		ttl = parseSeconds(directives["s-maxage"])
		if ttl <= 0 {
			return 0
		}
	case directives["max-age"] != "":
		ttl = parseSeconds(directives["max-age"])
		if ttl <= 0 {
			return 0
		}
	}
	return p.EffectiveTTL(ttl)
}

// EffectiveTTL applies the default and clamps to MaxTTL.
func (p *CachePolicy) EffectiveTTL(override time.Duration) time.Duration {
	ttl := override
	if ttl <= 0 {
		ttl = p.DefaultTTL
	}
	if p.MaxTTL > 0 && ttl > p.MaxTTL {
		ttl = p.MaxTTL
	}
	return ttl
}

// ParseTags reads the tag set from an X-Cache-Tags value: comma separated,
// trimmed, de-duplicated, in first-seen order.
func ParseTags(values []string) []string {
	seen := make(map[string]struct{})
	var tags []string
	for _, v := range values {
		for _, t := range strings.Split(v, ",") {
			t = strings.TrimSpace(t)
			if t == "" || len(t) > maxTagLength {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			tags = append(tags, t)
			if len(tags) == maxTagsPerObject {
				return tags
			}
		}
	}
	return tags
}

func cacheableContentType(ct string) bool {
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	switch {
	case mt == "text/html", mt == "application/xhtml+xml", mt == "application/json":
		return true
	case strings.HasSuffix(mt, "+json"):
		return true
	}
	return false
}

func parseCacheControl(values []string) map[string]string {
	out := make(map[string]string)
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			name, arg, _ := strings.Cut(part, "=")
			out[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(arg), `"`)
		}
	}
	return out
}

func parseSeconds(s string) time.Duration {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func pickHeaders(src http.Header, names []string) http.Header {
	out := make(http.Header, len(names))
	for _, name := range names {
		if vs := src.Values(name); len(vs) > 0 {
			out[http.CanonicalHeaderKey(name)] = append([]string(nil), vs...)
		}
	}
	return out
}
