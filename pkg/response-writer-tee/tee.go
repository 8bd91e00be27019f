package tee

import (
	"bytes"
	"net/http"
	"time"
)

// ResponseSaver is a wrapper around http.ResponseWriter that records the
// response while optionally forwarding it to the underlying writer. It
// lets a response be streamed to the client first and considered for
// storage afterwards.
type ResponseSaver struct {
	rw          http.ResponseWriter
	body        *bytes.Buffer
	header      http.Header
	status      int
	wroteHeader bool
	CreatedAt   time.Time
}

// NewResponseSaver returns a new ResponseSaver. If w is not nil, the
// response is tee'd to it in addition to being recorded.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		rw:        w,
		body:      &bytes.Buffer{},
		header:    http.Header{},
		CreatedAt: time.Now(),
	}
}

// Header implements http.ResponseWriter.
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// WriteHeader implements http.ResponseWriter.
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeader {
		return
	}
	t.wroteHeader = true
	t.status = statusCode
	if t.rw != nil {
		copyHeader(t.rw.Header(), t.header)
		t.rw.WriteHeader(statusCode)
	}
}

// Write implements http.ResponseWriter.
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeader {
		t.WriteHeader(http.StatusOK)
	}
	if t.rw != nil {
		if _, err := t.rw.Write(b); err != nil {
			return 0, err
		}
	}
	return t.body.Write(b)
}

// StatusCode returns the recorded status code.
func (t *ResponseSaver) StatusCode() int {
	if !t.wroteHeader {
		return http.StatusOK
	}
	return t.status
}

// HeaderSnapshot returns the headers as recorded.
func (t *ResponseSaver) HeaderSnapshot() http.Header {
	return t.header.Clone()
}

// Body returns the recorded response body.
func (t *ResponseSaver) Body() []byte {
	return t.body.Bytes()
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
