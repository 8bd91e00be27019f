// Package ratelimit implements the admission controller: a token-bucket
// zone checked before any cache or origin work.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/golang/groupcache/lru"
	"golang.org/x/time/rate"
)

// Config is the admission control surface.
type Config struct {
	// Enabled turns admission control on. A nil or disabled zone admits
	// everything.
	Enabled bool `yaml:"enabled"`
	// ZoneCapacity bounds the number of distinct identities tracked.
	ZoneCapacity int `yaml:"zone_capacity"`
	// RefillRate is the sustained tokens per second per identity.
	RefillRate float64 `yaml:"refill_rate_per_second"`
	// Burst is the bucket capacity.
	Burst int `yaml:"burst"`
	// RejectStatus is the status returned on rejection (default 429).
	RejectStatus int `yaml:"reject_status"`
}

// Zone is a set of token buckets keyed by client identity. Buckets refill
// lazily from elapsed time on each check; there is no background timer.
// Admission is nodelay: a request is either admitted now or rejected now.
//
// Identity tracking is bounded by the zone capacity with LRU turnover, so
// a flood of distinct identities cannot grow the zone without bound.
type Zone struct {
	mu      sync.Mutex
	buckets *lru.Cache
	limit   rate.Limit
	burst   int
	reject  int
	retry   string
}

// NewZone creates a zone from config. Returns nil when disabled, which
// callers treat as admit-all.
func NewZone(cfg Config) *Zone {
	if !cfg.Enabled || cfg.RefillRate <= 0 {
		return nil
	}
	capacity := cfg.ZoneCapacity
	if capacity <= 0 {
		capacity = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	reject := cfg.RejectStatus
	if reject == 0 {
		reject = http.StatusTooManyRequests
	}
	// static hint: roughly one refill interval
	retry := int(1 / cfg.RefillRate)
	if retry < 1 {
		retry = 1
	}
	return &Zone{
		buckets: lru.New(capacity),
		limit:   rate.Limit(cfg.RefillRate),
		burst:   burst,
		reject:  reject,
		retry:   strconv.Itoa(retry),
	}
}

// Admit consumes one token for the identity if available. A nil zone
// admits everything.
func (z *Zone) Admit(identity string) bool {
	if z == nil {
		return true
	}
	z.mu.Lock()
	var limiter *rate.Limiter
	if v, ok := z.buckets.Get(identity); ok {
		limiter = v.(*rate.Limiter)
	} else {
		limiter = rate.NewLimiter(z.limit, z.burst)
		z.buckets.Add(identity, limiter)
	}
	z.mu.Unlock()
	return limiter.Allow()
}

// RejectStatus is the configured over-limit status.
func (z *Zone) RejectStatus() int {
	if z == nil {
		return http.StatusTooManyRequests
	}
	return z.reject
}

// RetryAfter is the static Retry-After hint in seconds.
func (z *Zone) RetryAfter() string {
	if z == nil {
		return "1"
	}
	return z.retry
}
