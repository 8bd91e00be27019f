package gatehouse

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedirectToTLS(t *testing.T) {
	h := NewRedirectHandler("8443")

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "http://example.com:8080/some/path?q=1", nil)
	h.ServeHTTP(w, r)

	require.Equal(t, 308, w.Code)
	assert.Equal(t, "https://example.com:8443/some/path?q=1", w.Header().Get("Location"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestRedirectOmitsDefaultPort(t *testing.T) {
	h := NewRedirectHandler("443")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "http://example.com/", nil))
	assert.Equal(t, "https://example.com/", w.Header().Get("Location"))
}

func TestRedirectTargetCached(t *testing.T) {
	h := NewRedirectHandler("8443")

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "http://example.com:8080/a", nil))
		assert.Equal(t, "https://example.com:8443/a", w.Header().Get("Location"))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 1, h.targets.Len())
}

func TestRedirectPreservesEncodedURI(t *testing.T) {
	h := NewRedirectHandler("8443")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "http://example.com/a%2Fb?x=%20y", nil))
	assert.Equal(t, "https://example.com:8443/a%2Fb?x=%20y", w.Header().Get("Location"))
}
