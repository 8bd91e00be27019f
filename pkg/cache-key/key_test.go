package cachekey

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyDeterministic(t *testing.T) {
	keyer := NewKeyer("https")
	a := keyer.Key(httptest.NewRequest("GET", "https://example.com/page?a=1", nil))
	b := keyer.Key(httptest.NewRequest("GET", "https://example.com/page?a=1", nil))
	require.Equal(t, a.Digest, b.Digest)
	assert.Equal(t, "example.com", a.Host)
	assert.Equal(t, "/page?a=1", a.URI)
}

func TestKeyIgnoresClientHeaders(t *testing.T) {
	keyer := NewKeyer("https")
	base := httptest.NewRequest("GET", "https://example.com/page", nil)
	baseKey := keyer.Key(base)

	for name, value := range map[string]string{
		"Cookie":        "session=abc",
		"Authorization": "Bearer token",
		"Cache-Control": "no-cache",
		"Pragma":        "no-cache",
	} {
		r := httptest.NewRequest("GET", "https://example.com/page", nil)
		r.Header.Set(name, value)
		assert.Equal(t, baseKey.Digest, keyer.Key(r).Digest, "header %s must not affect the key", name)
	}
}

func TestKeyHostCaseNormalized(t *testing.T) {
	keyer := NewKeyer("https")
	lower := keyer.Key(httptest.NewRequest("GET", "https://example.com/x", nil))
	upper := httptest.NewRequest("GET", "https://example.com/x", nil)
	upper.Host = "EXAMPLE.com"
	assert.Equal(t, lower.Digest, keyer.Key(upper).Digest)
}

func TestKeyPreservesPercentEncoding(t *testing.T) {
	keyer := NewKeyer("https")
	encoded := keyer.Key(httptest.NewRequest("GET", "https://example.com/a%2Fb", nil))
	slash := keyer.Key(httptest.NewRequest("GET", "https://example.com/a/b", nil))
	assert.NotEqual(t, encoded.Digest, slash.Digest)
}

func TestKeyAcceptEncoding(t *testing.T) {
	keyer := NewKeyer("https")
	plain := keyer.Key(httptest.NewRequest("GET", "https://example.com/x", nil))

	gz := httptest.NewRequest("GET", "https://example.com/x", nil)
	gz.Header.Set("Accept-Encoding", "gzip")
	gzKey := keyer.Key(gz)
	assert.NotEqual(t, plain.Digest, gzKey.Digest)

	// whitespace and quality values do not split variants
	gz2 := httptest.NewRequest("GET", "https://example.com/x", nil)
	gz2.Header.Set("Accept-Encoding", " gzip;q=1.0 ")
	assert.Equal(t, gzKey.Digest, keyer.Key(gz2).Digest)
}

func TestPostBodyAffectsKey(t *testing.T) {
	keyer := NewKeyer("https")
	one := httptest.NewRequest("POST", "https://example.com/api", bytes.NewBufferString("payload-1"))
	two := httptest.NewRequest("POST", "https://example.com/api", bytes.NewBufferString("payload-2"))
	oneAgain := httptest.NewRequest("POST", "https://example.com/api", bytes.NewBufferString("payload-1"))

	k1 := keyer.Key(one)
	k2 := keyer.Key(two)
	k3 := keyer.Key(oneAgain)
	assert.NotEqual(t, k1.Digest, k2.Digest)
	assert.Equal(t, k1.Digest, k3.Digest)
}

func TestPostBodyRewound(t *testing.T) {
	keyer := NewKeyer("https")
	r := httptest.NewRequest("POST", "https://example.com/api", bytes.NewBufferString("payload"))
	keyer.Key(r)

	body := make([]byte, 7)
	n, _ := r.Body.Read(body)
	assert.Equal(t, "payload", string(body[:n]))
}

func TestVariant(t *testing.T) {
	r := httptest.NewRequest("GET", "https://example.com/x", nil)
	r.Header.Set("Accept", "image/webp")
	r.Header.Set("Accept-Language", "en")

	assert.Equal(t, "", Variant(nil, r.Header))
	assert.Equal(t, "accept: image/webp", Variant([]string{"Accept"}, r.Header))
	assert.Equal(t, "accept: image/webp\naccept-language: en",
		Variant([]string{"Accept", "Accept-Language"}, r.Header))
	// absent header still contributes its (empty) value
	assert.Equal(t, "x-missing: ", Variant([]string{"X-Missing"}, r.Header))
}
