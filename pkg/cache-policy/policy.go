// Package policy implements the cache decision rules: request
// classification, response freshness computation and the store-or-not
// policy applied to origin responses.
//
// All decisions here look at upstream response headers only. Client
// cache-control, pragma, cookies and authorization never influence an
// outcome; callers must not feed them in.
package policy

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Route is the outcome of request classification.
type Route int

const (
	// RouteLookup sends the request through the cache lookup path.
	RouteLookup Route = iota
	// RouteBypass forwards to origin without consulting or writing the cache.
	RouteBypass
	// RoutePassthrough tunnels the connection (protocol upgrade); the
	// cache is never consulted.
	RoutePassthrough
)

func (r Route) String() string {
	switch r {
	case RouteBypass:
		return "bypass"
	case RoutePassthrough:
		return "passthrough"
	default:
		return "lookup"
	}
}

// Classify maps a request to its route. Rules are evaluated in order:
//
//  1. An Upgrade request (with Connection: Upgrade) is a passthrough.
//  2. Any method other than GET, HEAD or POST is a bypass.
//  3. Everything else proceeds to lookup.
//
// POST is cacheable like GET and HEAD; whether a response is stored
// depends solely on upstream response headers.
func Classify(r *http.Request) Route {
	if IsUpgrade(r.Header) {
		return RoutePassthrough
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
		return RouteLookup
	}
	return RouteBypass
}

// IsUpgrade reports whether the request asks for a protocol upgrade.
func IsUpgrade(h http.Header) bool {
	if h.Get("Upgrade") == "" {
		return false
	}
	for _, v := range h.Values("Connection") {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), "upgrade") {
				return true
			}
		}
	}
	return false
}

// Verdict is the freshness state of a stored entry at lookup time.
type Verdict int

const (
	// VerdictFresh: within the freshness deadline, serve directly.
	VerdictFresh Verdict = iota
	// VerdictStale: past freshness but within the stale deadline; serve
	// stale and revalidate in the background.
	VerdictStale
	// VerdictExpired: past the stale deadline; refetch, keeping the entry
	// only as a stale-if-error fallback.
	VerdictExpired
)

// Freshness computes the verdict for an entry with the given deadlines.
func Freshness(freshUntil, staleUntil time.Time, now time.Time) Verdict {
	if !now.After(freshUntil) {
		return VerdictFresh
	}
	if !now.After(staleUntil) {
		return VerdictStale
	}
	return VerdictExpired
}

// CacheControl is a parsed Cache-Control header. Directive names are
// compared case-insensitively; the last occurrence of a directive wins.
type CacheControl struct {
	directives map[string]string
}

// ParseCacheControl parses all Cache-Control header lines of a message.
func ParseCacheControl(values []string) CacheControl {
	m := make(map[string]string)
	for _, value := range values {
		for _, directive := range strings.Split(value, ",") {
			parts := strings.SplitN(strings.TrimSpace(directive), "=", 2)
			name := strings.ToLower(parts[0])
			if name == "" {
				continue
			}
			var arg string
			if len(parts) > 1 {
				// accept both token and quoted-string argument forms
				arg = strings.Trim(parts[1], "\"")
			}
			m[name] = arg
		}
	}
	return CacheControl{directives: m}
}

// Has returns whether the directive is present.
func (c CacheControl) Has(directive string) bool {
	_, ok := c.directives[directive]
	return ok
}

// MaxAge returns the max-age directive as a duration.
func (c CacheControl) MaxAge() (time.Duration, bool) {
	return c.deltaSeconds("max-age")
}

// SMaxAge returns the s-maxage directive as a duration.
func (c CacheControl) SMaxAge() (time.Duration, bool) {
	return c.deltaSeconds("s-maxage")
}

// StaleWhileRevalidate returns the stale-while-revalidate directive.
func (c CacheControl) StaleWhileRevalidate() (time.Duration, bool) {
	return c.deltaSeconds("stale-while-revalidate")
}

func (c CacheControl) deltaSeconds(directive string) (time.Duration, bool) {
	val, ok := c.directives[directive]
	if !ok {
		return 0, false
	}
	secs, err := strconv.Atoi(val)
	if err != nil || secs < 0 {
		// invalid delta-seconds is treated as absent
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// understoodStatus lists the response status codes eligible for storage.
var understoodStatus = map[int]bool{
	http.StatusOK:                   true,
	http.StatusNonAuthoritativeInfo: true,
	http.StatusMovedPermanently:     true,
	http.StatusNotFound:             true,
	http.StatusGone:                 true,
}

// StoreDecision is the result of the store-or-not policy for one origin
// response.
type StoreDecision struct {
	Store      bool
	Reason     string
	VaryOn     []string
	FreshUntil time.Time
	StaleUntil time.Time
}

// Windows configures the fallback freshness windows used when upstream
// does not declare explicit ones.
type Windows struct {
	// DefaultTTL is the freshness lifetime applied when the response
	// carries no explicit expiry.
	DefaultTTL time.Duration
	// StaleWindow is how long past the freshness deadline an entry stays
	// usable for stale-while-revalidate and stale-if-error, unless the
	// response declares stale-while-revalidate itself.
	StaleWindow time.Duration
}

// Storable decides whether an origin response may be stored and, if so,
// computes its deadlines and declared variance. Only the response status
// and headers are inspected. Rules, first match wins:
//
//   - status not understood, or any 5xx: never store
//   - Cache-Control private, no-store or no-cache: never store
//   - effective zero lifetime (max-age=0, s-maxage=0, Expires <= Date): never store
//   - Vary: * : never store (unconditional variance)
//   - otherwise store, fresh for s-maxage | max-age | Expires-Date | DefaultTTL
func Storable(status int, h http.Header, now time.Time, w Windows) StoreDecision {
	if status >= 500 || !understoodStatus[status] {
		return StoreDecision{Reason: "status"}
	}

	cc := ParseCacheControl(h.Values("Cache-Control"))
	switch {
	case cc.Has("private"):
		return StoreDecision{Reason: "private"}
	case cc.Has("no-store"):
		return StoreDecision{Reason: "no-store"}
	case cc.Has("no-cache"):
		return StoreDecision{Reason: "no-cache"}
	}

	lifetime, explicit := freshnessLifetime(cc, h, now)
	if explicit && lifetime <= 0 {
		return StoreDecision{Reason: "zero-lifetime"}
	}
	if !explicit {
		lifetime = w.DefaultTTL
	}

	varyOn, wildcard := VaryFields(h)
	if wildcard {
		return StoreDecision{Reason: "vary-wildcard"}
	}

	stale := w.StaleWindow
	if swr, ok := cc.StaleWhileRevalidate(); ok {
		stale = swr
	}

	fresh := now.Add(lifetime)
	return StoreDecision{
		Store:      true,
		VaryOn:     varyOn,
		FreshUntil: fresh,
		StaleUntil: fresh.Add(stale),
	}
}

// freshnessLifetime returns the explicit freshness lifetime of a response
// and whether one was declared. Evaluation order is s-maxage, max-age,
// then Expires minus Date.
func freshnessLifetime(cc CacheControl, h http.Header, now time.Time) (time.Duration, bool) {
	if val, ok := cc.SMaxAge(); ok {
		return val, true
	}
	if val, ok := cc.MaxAge(); ok {
		return val, true
	}
	if cc.Has("s-maxage") || cc.Has("max-age") {
		// present but unparsable, treat as zero lifetime
		return 0, true
	}
	if expires := h.Get("Expires"); expires != "" {
		exp, err := http.ParseTime(expires)
		if err != nil {
			return 0, true
		}
		date := now
		if d, err := http.ParseTime(h.Get("Date")); err == nil {
			date = d
		}
		return exp.Sub(date), true
	}
	return 0, false
}

// VaryFields returns the normalized field list of the Vary header and
// whether a wildcard was declared.
func VaryFields(h http.Header) (fields []string, wildcard bool) {
	for _, v := range h.Values("Vary") {
		for _, f := range strings.Split(v, ",") {
			f = strings.ToLower(strings.TrimSpace(f))
			if f == "" {
				continue
			}
			if f == "*" {
				return nil, true
			}
			fields = append(fields, f)
		}
	}
	return fields, false
}
