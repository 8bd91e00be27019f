package cachekey

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
)

// Key identifies a cacheable resource. The digest is what the store is
// indexed by; the remaining fields are retained for logging only.
type Key struct {
	Digest string
	Host   string
	URI    string
}

// Keyer derives cache keys for incoming requests.
// The key is a pure function of scheme, host, request URI and the
// Accept-Encoding header. Client cookies, authorization and client
// cache-control never contribute.
type Keyer struct {
	// Scheme is the external scheme of this proxy, normally "https".
	Scheme string
}

func NewKeyer(scheme string) Keyer {
	return Keyer{Scheme: scheme}
}

// Key returns the cache key for a request.
// The host is case-normalized; the path and query are used byte-for-byte
// as sent by the client, so ambiguous percent-encodings cannot collide.
// POST requests additionally hash the request body (first part only for
// multipart bodies), so distinct payloads get distinct keys.
func (k Keyer) Key(r *http.Request) Key {
	host := strings.ToLower(r.Host)
	uri := r.URL.RequestURI()

	material := k.Scheme + "|" + host + "|" + uri + "|" + acceptEncoding(r.Header)
	if r.Method == http.MethodPost {
		if h := multipartHash(r); h != "" {
			material += "|" + h
		} else if h := bodyHash(r); h != "" {
			material += "|" + h
		}
	}

	return Key{
		Digest: fmt.Sprintf("%x", sha256.Sum256([]byte(material))),
		Host:   host,
		URI:    uri,
	}
}

// Variant returns the variant subkey for a request given the Vary field
// list declared by a previously stored response. It is the empty string
// when no variance is declared. Field names are lowercased and values
// trimmed, so the mapping is a pure function of the declared header values.
func Variant(varyOn []string, reqHeader http.Header) string {
	if len(varyOn) == 0 {
		return ""
	}
	parts := make([]string, 0, len(varyOn))
	for _, name := range varyOn {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		parts = append(parts, name+": "+strings.TrimSpace(reqHeader.Get(name)))
	}
	return strings.Join(parts, "\n")
}

// acceptEncoding normalizes the Accept-Encoding header into its ordered
// token list, ignoring whitespace and quality parameters.
func acceptEncoding(h http.Header) string {
	tokens := make([]string, 0, 4)
	for _, v := range h.Values("Accept-Encoding") {
		for _, t := range strings.Split(v, ",") {
			t = strings.ToLower(strings.TrimSpace(t))
			if i := strings.IndexByte(t, ';'); i != -1 {
				t = strings.TrimSpace(t[:i])
			}
			if t != "" {
				tokens = append(tokens, t)
			}
		}
	}
	return strings.Join(tokens, ",")
}

// multipartHash returns the hash of the first part of a multipart request
// body, or an empty string if the request is not multipart.
// When it returns, the request body is rewound to the beginning.
func multipartHash(r *http.Request) string {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return ""
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	p, err := mr.NextPart()
	if err != nil {
		return ""
	}
	first, err := io.ReadAll(p)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(first))
}

// bodyHash returns the hash of the request body, rewinding it afterwards.
func bodyHash(r *http.Request) string {
	if r.Body == nil || r.ContentLength == 0 {
		return ""
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	if len(body) == 0 {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(body))
}
