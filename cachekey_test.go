package edgeplane

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyNormalizer(t *testing.T) {
	n := NewKeyNormalizer(DefaultConfig().Cache.TrackingParams)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://Shop.Example.COM/Cart", "https://shop.example.com/Cart"},
		{"drops default port", "https://shop.example:443/", "https://shop.example/"},
		{"keeps custom port", "http://shop.example:8080/a", "http://shop.example:8080/a"},
		{"drops fragment", "https://shop.example/a#reviews", "https://shop.example/a"},
		{"empty path is root", "https://shop.example", "https://shop.example/"},
		{"trailing slash removed", "https://shop.example/products/", "https://shop.example/products"},
		{"sorts params", "https://shop.example/p?size=m&color=blue", "https://shop.example/p?color=blue&size=m"},
		{"sorts repeated values", "https://shop.example/p?c=2&c=1", "https://shop.example/p?c=1&c=2"},
		{"strips tracking", "https://shop.example/p?utm_source=x&gclid=1&UTM_Medium=y&id=7", "https://shop.example/p?id=7"},
		{"only tracking", "https://shop.example/p?fbclid=abc", "https://shop.example/p"},
		{"re-encodes values", "https://shop.example/s?q=a+b&x=%2F", "https://shop.example/s?q=a+b&x=%2F"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := n.Normalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyNormalizerEquivalentURLsCollide(t *testing.T) {
	n := NewKeyNormalizer([]string{"utm_*"})
	a, err := n.Normalize("https://shop.example/products?utm_source=x&color=blue&size=m")
	require.NoError(t, err)
	b, err := n.Normalize("https://shop.example/products/?size=m&color=blue")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := n.Normalize("https://shop.example/Products?size=m&color=blue")
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "path case is significant")
}

func TestKeyNormalizerRejectsRelative(t *testing.T) {
	n := NewKeyNormalizer(nil)
	_, err := n.Normalize("/products")
	requireCode(t, err, "url_invalid")
	_, err = n.Normalize("http://[::1")
	requireCode(t, err, "url_invalid")
}

func TestObjectKey(t *testing.T) {
	k := ObjectKey("https://shop.example/")
	assert.Equal(t, ObjectKey("https://shop.example/"), k)
	assert.NotEqual(t, ObjectKey("https://shop.example/a"), k)
	assert.Len(t, k, len("blob/")+64)
}
