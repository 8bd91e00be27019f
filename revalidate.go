package gatehouse

import (
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	cachekey "github.com/gatehouse-proxy/gatehouse/pkg/cache-key"
)

// revalJob asks for one stale entry to be refreshed. The request is a
// detached snapshot taken when the job was enqueued — same method,
// headers and buffered body, no client context — so the fetch is
// decoupled from the client that triggered it and a POST entry is
// refreshed with the POST that keyed it.
type revalJob struct {
	key     cachekey.Key
	variant string
	req     *http.Request
}

// revalidator refreshes stale-but-usable entries in the background. At
// most one job per key and variant is pending at a time; failures are
// swallowed and the stale entry stays eligible for stale-if-error.
type revalidator struct {
	g       *Gatehouse
	jobs    chan revalJob
	mu      sync.Mutex
	pending map[string]struct{}
	wg      sync.WaitGroup
}

func newRevalidator(g *Gatehouse, workers int) *revalidator {
	rv := &revalidator{
		g:       g,
		jobs:    make(chan revalJob, 64),
		pending: make(map[string]struct{}),
	}
	rv.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go rv.worker()
	}
	return rv
}

func (rv *revalidator) stop() {
	close(rv.jobs)
	rv.wg.Wait()
}

// enqueue schedules a revalidation for the key unless one is already
// pending. It reports whether this call scheduled the job.
func (rv *revalidator) enqueue(key cachekey.Key, variant string, r *http.Request) bool {
	id := key.Digest + "|" + variant

	rv.mu.Lock()
	if _, ok := rv.pending[id]; ok {
		rv.mu.Unlock()
		return false
	}
	rv.pending[id] = struct{}{}
	rv.mu.Unlock()

	job := revalJob{key: key, variant: variant, req: detachRequest(r)}
	select {
	case rv.jobs <- job:
		log.Trace().Str("key", shortKey(key)).Msg("Revalidation enqueued")
		return true
	default:
		// queue full: drop the job, the next stale hit re-enqueues it
		rv.release(id)
		log.Debug().Str("key", shortKey(key)).Msg("Revalidation queue full, job dropped")
		return false
	}
}

func (rv *revalidator) release(id string) {
	rv.mu.Lock()
	delete(rv.pending, id)
	rv.mu.Unlock()
}

func (rv *revalidator) worker() {
	defer rv.wg.Done()
	for job := range rv.jobs {
		rv.run(job)
	}
}

// run re-fetches through the singleflight coordinator and applies the
// same store-or-not policy as the request path.
func (rv *revalidator) run(job revalJob) {
	id := job.key.Digest + "|" + job.variant
	defer rv.release(id)

	res, _, err := rv.g.fetchCollapsed(job.key, job.variant, job.req)
	if err != nil {
		log.Warn().Err(err).Str("key", shortKey(job.key)).Msg("Background revalidation failed")
		return
	}
	if res.status >= 500 {
		// a failing origin does not replace the stale entry
		log.Warn().Int("status", res.status).Str("key", shortKey(job.key)).
			Msg("Background revalidation got bad status")
		return
	}
	rv.g.store(job.key, job.req.Header, res)
	rv.g.metrics.IncRevalidated()
	log.Trace().Str("key", shortKey(job.key)).Msg("Background revalidation done")
}
