package edgeplane

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCachePolicyBypass(t *testing.T) {
	p := NewCachePolicy(DefaultConfig().Cache)
	parse := func(raw string) *url.URL {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatal(err)
		}
		return u
	}

	tests := []struct {
		name   string
		method string
		url    string
		header http.Header
		reason string
	}{
		{"post", http.MethodPost, "https://s.example/", nil, "method"},
		{"admin", http.MethodGet, "https://s.example/wp-admin/edit.php", nil, "path"},
		{"checkout", http.MethodGet, "https://s.example/checkout", nil, "path"},
		{"preview", http.MethodGet, "https://s.example/?p=1&preview=true", nil, "query"},
		{"logged in", http.MethodGet, "https://s.example/", http.Header{"Cookie": {"wordpress_logged_in_abc=1"}}, "cookie"},
		{"cart cookie", http.MethodHead, "https://s.example/", http.Header{"Cookie": {"theme=dark; woocommerce_items_in_cart=1"}}, "cookie"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, ok := p.Bypass(tt.method, parse(tt.url), tt.header)
			assert.True(t, ok)
			assert.Equal(t, tt.reason, reason)
		})
	}

	_, ok := p.Bypass(http.MethodGet, parse("https://s.example/blog?page=2"), http.Header{"Cookie": {"theme=dark"}})
	assert.False(t, ok)
}

// headerOf builds a header through Set so keys are canonicalized the way
// net/http delivers them.
func headerOf(kv ...string) http.Header {
	h := make(http.Header, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestCachePolicyTTL(t *testing.T) {
	p := NewCachePolicy(CacheConfig{DefaultTTL: 5 * time.Minute, MaxTTL: time.Hour})
	resp := func(status int, h http.Header) *OriginResponse {
		if h.Get("Content-Type") == "" {
			h.Set("Content-Type", "text/html; charset=utf-8")
		}
		return &OriginResponse{Status: status, Header: h}
	}

	tests := []struct {
		name string
		resp *OriginResponse
		want time.Duration
	}{
		{"default", resp(200, http.Header{}), 5 * time.Minute},
		{"json", resp(200, http.Header{"Content-Type": {"application/ld+json"}}), 5 * time.Minute},
		{"not ok", resp(404, http.Header{}), 0},
		{"set-cookie", resp(200, http.Header{"Set-Cookie": {"a=b"}}), 0},
		{"image", resp(200, http.Header{"Content-Type": {"image/png"}}), 0},
		{"no-store", resp(200, http.Header{"Cache-Control": {"no-store"}}), 0},
		{"private", resp(200, http.Header{"Cache-Control": {"private, max-age=60"}}), 0},
		{"max-age", resp(200, http.Header{"Cache-Control": {"public, max-age=120"}}), 2 * time.Minute},
		{"s-maxage wins", resp(200, http.Header{"Cache-Control": {"max-age=60, s-maxage=600"}}), 10 * time.Minute},
		{"max-age zero", resp(200, http.Header{"Cache-Control": {"max-age=0"}}), 0},
		{"explicit ttl header", resp(200, headerOf(HeaderCacheTTL, "30", "Cache-Control", "max-age=600")), 30 * time.Second},
		{"ttl header zero", resp(200, headerOf(HeaderCacheTTL, "0")), 0},
		{"ttl header garbage", resp(200, headerOf(HeaderCacheTTL, "soon")), 5 * time.Minute},
		{"clamped", resp(200, headerOf(HeaderCacheTTL, "86400")), time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.TTL(tt.resp))
		})
	}
}

func TestParseTags(t *testing.T) {
	tags := ParseTags([]string{" post-42, home ,,post-42", "category-7"})
	assert.Equal(t, []string{"post-42", "home", "category-7"}, tags)
	assert.Nil(t, ParseTags(nil))

	many := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		many = append(many, "t"+string(rune('a'+i%26))+string(rune('a'+i/26)))
	}
	assert.Len(t, ParseTags(many), 64)
}
