package gatehouse

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CacheStatusHeader reports the cache outcome of every response.
const CacheStatusHeader = "X-Cache-Status"

// Cache outcomes reported in the diagnostic header.
const (
	OutcomeHit          = "HIT"
	OutcomeMiss         = "MISS"
	OutcomeBypass       = "BYPASS"
	OutcomeStale        = "STALE"
	OutcomeRevalidating = "REVALIDATING"
)

// securityHeaders is the fixed set attached to every response.
var securityHeaders = map[string]string{
	"Strict-Transport-Security": "max-age=63072000; includeSubDomains",
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "SAMEORIGIN",
	"X-XSS-Protection":          "1; mode=block",
	"Referrer-Policy":           "strict-origin-when-cross-origin",
}

func setSecurityHeaders(h http.Header) {
	for k, v := range securityHeaders {
		h.Set(k, v)
	}
}

// hopByHopHeaders lists HTTP/1.x hop-by-hop headers that are stripped in
// both directions.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"proxy-connection":    true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// copyEndToEndHeader copies src into dst, skipping hop-by-hop fields.
func copyEndToEndHeader(dst, src http.Header) {
	for k, vv := range src {
		if hopByHopHeaders[strings.ToLower(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// setForwardHeaders attaches the standard proxy headers to an upstream
// request. The client Cookie, Authorization and Cache-Control headers are
// forwarded untouched; they only ever affect the origin, never the cache.
func setForwardHeaders(out *http.Request, client *http.Request, port string) {
	ip := clientIP(client)
	out.Header.Set("X-Real-IP", ip)
	if prior := client.Header.Get("X-Forwarded-For"); prior != "" {
		out.Header.Set("X-Forwarded-For", prior+", "+ip)
	} else {
		out.Header.Set("X-Forwarded-For", ip)
	}
	out.Header.Set("X-Forwarded-Proto", "https")
	out.Header.Set("X-Forwarded-Host", client.Host)
	if port != "" {
		out.Header.Set("X-Forwarded-Port", port)
	}
}

// clientIP returns the remote address without the port.
func clientIP(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

// setAge writes the Age header for a response served from the store.
func setAge(h http.Header, storedAt time.Time) {
	age := int(time.Since(storedAt).Seconds())
	if age < 0 {
		age = 0
	}
	h.Set("Age", strconv.Itoa(age))
}
