// Package gatehouse implements a caching reverse proxy that fronts a
// single upstream for all hostnames and paths: TLS termination, a cache
// decision and storage engine with request collapsing, stale-while-
// revalidate and stale-if-error, and token-bucket admission control.
package gatehouse

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/gatehouse-proxy/gatehouse/cache"
	"github.com/gatehouse-proxy/gatehouse/pkg/admin"
	cachekey "github.com/gatehouse-proxy/gatehouse/pkg/cache-key"
	policy "github.com/gatehouse-proxy/gatehouse/pkg/cache-policy"
	ratelimit "github.com/gatehouse-proxy/gatehouse/pkg/rate-limit"
)

// Config assembles a Gatehouse instance.
type Config struct {
	Cache        cache.Provider
	Upstream     url.URL
	UpstreamHost string
	// ExternalPort is the port clients reach the proxy on, reported in
	// X-Forwarded-Port.
	ExternalPort string

	// DefaultTTL is the freshness window applied when upstream declares
	// no explicit expiry.
	DefaultTTL time.Duration
	// StaleWindow is how long past freshness an entry stays usable for
	// stale-while-revalidate and stale-if-error.
	StaleWindow time.Duration
	// CollapseTimeout bounds how long a request waits on another
	// request's in-flight origin fetch before going its own way.
	CollapseTimeout time.Duration

	ConnectTimeout     time.Duration
	ResponseTimeout    time.Duration
	IdleTimeout        time.Duration
	UpgradeIdleTimeout time.Duration

	RevalidateWorkers int

	// Sweep bounds the store; SweepInterval is how often it is enforced.
	Sweep         cache.SweepPolicy
	SweepInterval time.Duration

	Limiter *ratelimit.Zone
	Metrics *admin.Metrics
}

// Gatehouse is the proxy engine. It implements http.Handler for the TLS
// service port.
type Gatehouse struct {
	cache              cache.Provider
	upstream           url.URL
	upstreamHost       string
	externalPort       string
	windows            policy.Windows
	collapseTimeout    time.Duration
	connectTimeout     time.Duration
	responseTimeout    time.Duration
	idleTimeout        time.Duration
	upgradeIdleTimeout time.Duration
	limiter            *ratelimit.Zone
	metrics            *admin.Metrics
	keyer              cachekey.Keyer
	group              singleflight.Group
	reval              *revalidator
	httpClient         http.Client
	done               chan struct{}
}

// CreateGatehouse initializes the engine and starts its background
// processes: the revalidation workers and the store sweep loop.
func CreateGatehouse(config Config) *Gatehouse {
	g := &Gatehouse{
		cache:              config.Cache,
		upstream:           config.Upstream,
		upstreamHost:       config.UpstreamHost,
		externalPort:       config.ExternalPort,
		collapseTimeout:    config.CollapseTimeout,
		connectTimeout:     config.ConnectTimeout,
		responseTimeout:    config.ResponseTimeout,
		idleTimeout:        config.IdleTimeout,
		upgradeIdleTimeout: config.UpgradeIdleTimeout,
		limiter:            config.Limiter,
		metrics:            config.Metrics,
		keyer:              cachekey.NewKeyer("https"),
		done:               make(chan struct{}),
	}
	g.windows = policy.Windows{
		DefaultTTL:  config.DefaultTTL,
		StaleWindow: config.StaleWindow,
	}
	if g.windows.DefaultTTL <= 0 {
		g.windows.DefaultTTL = 10 * time.Second
	}
	if g.windows.StaleWindow <= 0 {
		g.windows.StaleWindow = time.Minute
	}
	if g.collapseTimeout <= 0 {
		g.collapseTimeout = 10 * time.Second
	}
	if g.connectTimeout <= 0 {
		g.connectTimeout = 5 * time.Second
	}
	if g.responseTimeout <= 0 {
		g.responseTimeout = time.Minute
	}
	if g.idleTimeout <= 0 {
		g.idleTimeout = 90 * time.Second
	}
	if g.upgradeIdleTimeout <= 0 {
		g.upgradeIdleTimeout = 10 * time.Minute
	}

	g.httpClient = http.Client{
		Transport: newUpstreamTransport(g.connectTimeout, g.responseTimeout, g.idleTimeout, g.upstreamHost),
		// do not follow redirects
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	workers := config.RevalidateWorkers
	if workers <= 0 {
		workers = 2
	}
	g.reval = newRevalidator(g, workers)

	if config.SweepInterval > 0 {
		go g.sweepLoop(config.Sweep, config.SweepInterval)
	}
	return g
}

// Close stops the background processes. In-flight requests are not
// interrupted.
func (g *Gatehouse) Close() {
	close(g.done)
	g.reval.stop()
}

// admissionIdentity is the single zone every request classifies into.
// The zone machinery supports per-identity buckets; this proxy protects
// one origin, so one shared bucket bounds the total admitted rate.
const admissionIdentity = "global"

// ServeHTTP implements the http.Handler interface.
func (g *Gatehouse) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer g.recover(w, r)

	g.metrics.IncTotalRequests()
	start := time.Now()
	id := r.Method + " " + r.URL.String()
	g.metrics.InflightAdd(id)
	defer g.metrics.InflightRemove(id)

	if !g.limiter.Admit(admissionIdentity) {
		g.metrics.IncRejected()
		setSecurityHeaders(w.Header())
		w.Header().Set("Retry-After", g.limiter.RetryAfter())
		http.Error(w, "rate limit exceeded", g.limiter.RejectStatus())
		return
	}

	switch policy.Classify(r) {
	case policy.RoutePassthrough:
		g.tunnel(w, r)
	case policy.RouteBypass:
		g.bypass(w, r, start)
	default:
		g.lookup(w, r, start)
	}
}

// recover keeps a panic in the request path from killing the process.
func (g *Gatehouse) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		log.WithLevel(zerolog.ErrorLevel).Interface("error", err).
			Str("uri", r.URL.RequestURI()).Msg("Panic in request handler")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// lookup is the cache decision engine: find an entry for the request's
// key and variant, judge its freshness, and either serve it, serve it
// stale while revalidating, or go to origin.
func (g *Gatehouse) lookup(w http.ResponseWriter, r *http.Request, start time.Time) {
	key := g.keyer.Key(r)
	logger := log.With().Str("key", shortKey(key)).Str("uri", key.URI).Logger()

	variant := ""
	if varyOn, err := g.cache.VaryOn(key.Digest); err != nil {
		logger.Warn().Err(err).Msg("Could not read variance index")
	} else if len(varyOn) > 0 {
		variant = cachekey.Variant(varyOn, r.Header)
	}

	entry, body, err := g.cache.Get(key.Digest, variant)
	switch {
	case err == nil:
		switch policy.Freshness(entry.FreshUntil, entry.StaleUntil, time.Now()) {
		case policy.VerdictFresh:
			logger.Trace().Msg("Fresh hit")
			g.metrics.IncHit()
			g.serveEntry(w, r, entry, body, OutcomeHit)
			g.observe(OutcomeHit, start)
			return
		case policy.VerdictStale:
			outcome := OutcomeStale
			if g.reval.enqueue(key, variant, r) {
				outcome = OutcomeRevalidating
			}
			logger.Debug().Str("outcome", outcome).Msg("Serving stale entry")
			g.metrics.IncStale()
			g.serveEntry(w, r, entry, body, outcome)
			g.observe(outcome, start)
			return
		default:
			// expired: refetch, keeping the entry as stale-if-error fallback
			logger.Trace().Msg("Entry expired, refetching")
			g.fetchAndServe(w, r, key, variant, &staleFallback{entry: entry, body: body}, start)
			return
		}
	case errors.Is(err, cache.ErrCorruptEntry):
		logger.Warn().Msg("Corrupt cache entry, refetching")
	case errors.Is(err, cache.ErrNotFound):
		logger.Trace().Msg("Cache miss")
	default:
		logger.Warn().Err(err).Msg("Cache read failed")
	}
	g.fetchAndServe(w, r, key, variant, nil, start)
}

// staleFallback is an expired entry kept around for stale-if-error.
type staleFallback struct {
	entry cache.Entry
	body  []byte
}

// fetchAndServe handles the MISS path: a collapsed origin fetch, the
// store-or-not policy, and stale-if-error degradation.
func (g *Gatehouse) fetchAndServe(w http.ResponseWriter, r *http.Request, key cachekey.Key, variant string, fallback *staleFallback, start time.Time) {
	res, shared, err := g.fetchCollapsed(key, variant, r)
	if shared {
		g.metrics.IncCollapsed()
	}

	if errors.Is(err, errCollapseWait) {
		// demoted waiter: serve stale if possible, else fetch on our own
		if fallback != nil {
			g.metrics.IncStale()
			g.serveEntry(w, r, fallback.entry, fallback.body, OutcomeStale)
			g.observe(OutcomeStale, start)
			return
		}
		g.direct(w, r, key, start)
		return
	}

	if err != nil || res.status >= 500 {
		if err != nil {
			g.metrics.IncOriginErrors()
			log.Error().Err(err).Str("uri", key.URI).Msg("Could not fetch response from origin")
		}
		if fallback != nil {
			// stale-if-error: the client never sees the failure
			g.metrics.IncStale()
			g.serveEntry(w, r, fallback.entry, fallback.body, OutcomeStale)
			g.observe(OutcomeStale, start)
			return
		}
		if err != nil {
			setSecurityHeaders(w.Header())
			http.Error(w, "Error contacting origin", http.StatusBadGateway)
			g.observe("ORIGIN-ERROR", start)
			return
		}
		// a 5xx with no stale copy is forwarded, never stored
		g.metrics.IncMiss()
		writeResult(w, r, res, OutcomeMiss)
		g.observe(OutcomeMiss, start)
		return
	}

	// a HEAD response carries no body worth storing under the shared key
	if r.Method != http.MethodHead {
		g.store(key, r.Header, res)
	}
	g.metrics.IncMiss()
	writeResult(w, r, res, OutcomeMiss)
	g.observe(OutcomeMiss, start)
}

// store applies the store-or-not policy to an origin result and publishes
// the entry. A store failure is non-fatal: the response has already been
// (or will be) served, it just is not cached.
func (g *Gatehouse) store(key cachekey.Key, reqHeader http.Header, res *originResult) {
	dec := policy.Storable(res.status, res.header, res.responseTime, g.windows)
	if !dec.Store {
		log.Trace().Str("key", shortKey(key)).Str("reason", dec.Reason).Msg("Response not stored")
		return
	}
	entry := cache.Entry{
		Key:        key.Digest,
		Variant:    cachekey.Variant(dec.VaryOn, reqHeader),
		Status:     res.status,
		Header:     res.header.Clone(),
		VaryOn:     dec.VaryOn,
		StoredAt:   res.responseTime,
		FreshUntil: dec.FreshUntil,
		StaleUntil: dec.StaleUntil,
	}
	if err := g.cache.Put(entry, res.body); err != nil {
		g.metrics.IncStoreErrors()
		log.Error().Err(err).Str("key", shortKey(key)).Msg("Could not write to cache")
		return
	}
	log.Trace().Str("key", shortKey(key)).Time("fresh_until", dec.FreshUntil).Msg("Cache write")
}

// serveEntry sends a stored entry to the client.
func (g *Gatehouse) serveEntry(w http.ResponseWriter, r *http.Request, entry cache.Entry, body []byte, outcome string) {
	copyEndToEndHeader(w.Header(), entry.Header)
	setSecurityHeaders(w.Header())
	setAge(w.Header(), entry.StoredAt)
	w.Header().Set(CacheStatusHeader, outcome)
	w.WriteHeader(entry.Status)
	if r.Method != http.MethodHead {
		w.Write(body)
	}
}

func (g *Gatehouse) observe(outcome string, start time.Time) {
	g.metrics.ObserveDuration(outcome, time.Since(start).Seconds())
}

func shortKey(key cachekey.Key) string {
	if len(key.Digest) > 16 {
		return key.Digest[:16]
	}
	return key.Digest
}
