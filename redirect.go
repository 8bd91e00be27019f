package gatehouse

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

// RedirectHandler answers plaintext connections with a redirect to the
// TLS equivalent. Nothing is ever proxied over plaintext. The redirect
// target base is cached briefly per host to avoid recomputation.
type RedirectHandler struct {
	// TLSPort is the external TLS port, appended to the redirect target
	// when it is not 443.
	TLSPort string

	mu      sync.Mutex
	targets *lru.Cache
	ttl     time.Duration
}

type redirectTarget struct {
	base    string
	expires time.Time
}

// NewRedirectHandler creates a redirect-only handler for the plaintext
// port.
func NewRedirectHandler(tlsPort string) *RedirectHandler {
	return &RedirectHandler{
		TLSPort: tlsPort,
		targets: lru.New(256),
		ttl:     time.Minute,
	}
}

func (h *RedirectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w.Header())
	http.Redirect(w, r, h.targetBase(r.Host)+r.URL.RequestURI(), http.StatusPermanentRedirect)
}

// targetBase returns the "https://host[:port]" prefix for a request
// host, keyed by host in a small expiring LRU.
func (h *RedirectHandler) targetBase(host string) string {
	now := time.Now()

	h.mu.Lock()
	if v, ok := h.targets.Get(host); ok {
		t := v.(redirectTarget)
		if now.Before(t.expires) {
			h.mu.Unlock()
			return t.base
		}
		h.targets.Remove(host)
	}
	h.mu.Unlock()

	name := host
	if split, _, err := net.SplitHostPort(host); err == nil {
		name = split
	}
	base := "https://" + name
	if h.TLSPort != "" && h.TLSPort != "443" {
		base += ":" + h.TLSPort
	}

	h.mu.Lock()
	h.targets.Add(host, redirectTarget{base: base, expires: now.Add(h.ttl)})
	h.mu.Unlock()
	return base
}
