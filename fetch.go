package gatehouse

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	cachekey "github.com/gatehouse-proxy/gatehouse/pkg/cache-key"
	tee "github.com/gatehouse-proxy/gatehouse/pkg/response-writer-tee"
)

// newUpstreamTransport builds the transport for origin traffic: a short
// connect timeout to fail fast, a long but bounded response header
// timeout, and SNI pinned to the configured upstream hostname.
func newUpstreamTransport(connectTimeout, responseTimeout, idleTimeout time.Duration, upstreamHost string) *http.Transport {
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       idleTimeout,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: responseTimeout,
	}
	if upstreamHost != "" {
		t.TLSClientConfig = &tls.Config{ServerName: upstreamHost}
	}
	return t
}

// errCollapseWait signals that a waiter outlived the collapse timeout
// while an in-flight fetch was still running. It is not an error surfaced
// to the client: the waiter demotes itself to the stale-or-own-fetch
// fallback.
var errCollapseWait = errors.New("gatehouse: collapse wait timed out")

// originResult is a fully buffered origin response, shareable between
// collapsed waiters.
type originResult struct {
	status       int
	header       http.Header
	body         []byte
	requestTime  time.Time
	responseTime time.Time
}

// do forwards a request to the upstream and returns the streaming
// response. The caller owns the response body.
func (g *Gatehouse) do(ctx context.Context, r *http.Request) (*http.Response, error) {
	uri := g.upstream.String() + r.URL.RequestURI()
	// a zero-length body must be nil on the outgoing request,
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, body)
	if err != nil {
		return nil, err
	}
	copyEndToEndHeader(req.Header, r.Header)
	setForwardHeaders(req, r, g.externalPort)
	if g.upstreamHost != "" {
		req.Host = g.upstreamHost
	} else {
		req.Host = r.Host
	}

	res, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if res.Header.Get("Date") == "" {
		res.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	return res, nil
}

// fetchBuffered forwards a request and reads the whole response body, so
// the result can be stored and shared between waiters.
func (g *Gatehouse) fetchBuffered(ctx context.Context, r *http.Request) (*originResult, error) {
	requestTime := time.Now()
	res, err := g.do(ctx, r)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	return &originResult{
		status:       res.StatusCode,
		header:       res.Header,
		body:         body,
		requestTime:  requestTime,
		responseTime: time.Now(),
	}, nil
}

// fetchCollapsed performs an origin fetch through the singleflight group:
// concurrent callers for the same key and variant share one fetch. The
// fetch runs under its own bounded context, detached from any single
// client, so a late-joining waiter is not cancelled by the first client
// disconnecting and a completed fetch still fills the cache.
//
// The returned bool reports whether the result was shared with another
// caller. When the in-flight fetch outlives the collapse timeout, the
// waiter gets errCollapseWait and decides independently.
func (g *Gatehouse) fetchCollapsed(key cachekey.Key, variant string, r *http.Request) (*originResult, bool, error) {
	id := key.Digest + "|" + variant
	req := detachRequest(r)

	ch := g.group.DoChan(id, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), g.fetchTimeout())
		defer cancel()
		return g.fetchBuffered(ctx, req)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*originResult), res.Shared, nil
	case <-time.After(g.collapseTimeout):
		return nil, false, errCollapseWait
	}
}

// fetchTimeout bounds a collapsed fetch: connect plus response budget.
func (g *Gatehouse) fetchTimeout() time.Duration {
	return g.connectTimeout + g.responseTimeout
}

// detachRequest clones a request without its client context, buffering a
// small body so the clone is replayable by the fetch goroutine.
func detachRequest(r *http.Request) *http.Request {
	req := r.Clone(context.Background())
	if r.Body != nil && r.ContentLength > 0 {
		if b, err := io.ReadAll(r.Body); err == nil {
			r.Body = io.NopCloser(bytes.NewReader(b))
			req.Body = io.NopCloser(bytes.NewReader(b))
			req.ContentLength = int64(len(b))
		}
	}
	return req
}

// bypass forwards a request to origin without consulting or writing the
// cache. Destructive methods land here; whatever the response looks like,
// it is never stored. The fetch uses the client's context, so a client
// disconnect cancels it.
func (g *Gatehouse) bypass(w http.ResponseWriter, r *http.Request, start time.Time) {
	res, err := g.do(r.Context(), r)
	if err != nil {
		g.metrics.IncOriginErrors()
		setSecurityHeaders(w.Header())
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
		g.observe("ORIGIN-ERROR", start)
		return
	}
	defer res.Body.Close()

	g.metrics.IncBypass()
	copyEndToEndHeader(w.Header(), res.Header)
	setSecurityHeaders(w.Header())
	w.Header().Set(CacheStatusHeader, OutcomeBypass)
	w.WriteHeader(res.StatusCode)
	io.Copy(w, res.Body)
	g.observe(OutcomeBypass, start)
}

// direct is the demoted-waiter path: a waiter that gave up on an
// in-flight fetch with no stale copy performs its own fetch, streaming to
// the client through a tee so the response can still be considered for
// storage afterwards.
func (g *Gatehouse) direct(w http.ResponseWriter, r *http.Request, key cachekey.Key, start time.Time) {
	res, err := g.do(r.Context(), r)
	if err != nil {
		g.metrics.IncOriginErrors()
		setSecurityHeaders(w.Header())
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
		g.observe("ORIGIN-ERROR", start)
		return
	}
	defer res.Body.Close()

	requestTime := time.Now()
	saver := tee.NewResponseSaver(w)
	copyEndToEndHeader(saver.Header(), res.Header)
	setSecurityHeaders(saver.Header())
	saver.Header().Set(CacheStatusHeader, OutcomeMiss)
	saver.WriteHeader(res.StatusCode)
	if r.Method != http.MethodHead {
		if _, err := io.Copy(saver, res.Body); err != nil {
			// client or origin went away mid-stream; nothing to store
			g.observe(OutcomeMiss, start)
			return
		}
	}

	g.metrics.IncMiss()
	if r.Method != http.MethodHead {
		g.store(key, r.Header, &originResult{
			status:       res.StatusCode,
			header:       res.Header,
			body:         saver.Body(),
			requestTime:  requestTime,
			responseTime: time.Now(),
		})
	}
	g.observe(OutcomeMiss, start)
}

// writeResult sends a buffered origin result to the client.
func writeResult(w http.ResponseWriter, r *http.Request, res *originResult, outcome string) {
	copyEndToEndHeader(w.Header(), res.header)
	setSecurityHeaders(w.Header())
	w.Header().Set(CacheStatusHeader, outcome)
	w.WriteHeader(res.status)
	if r.Method != http.MethodHead {
		w.Write(res.body)
	}
}
