// Package cache implements the store for cached responses: a metadata
// index over content-addressed bodies, with size-bounded eviction and an
// inactivity sweep.
package cache

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no entry exists for a key and variant.
	ErrNotFound = errors.New("cache: entry not found")
	// ErrCorruptEntry is returned when a stored entry fails its integrity
	// check on read. The provider purges the entry before returning it.
	ErrCorruptEntry = errors.New("cache: corrupt entry")
)

// Entry is the stored metadata for one cached response variant.
// Entries are immutable: a newer fetch for the same key and variant
// replaces the entry atomically, it never mutates one in place.
type Entry struct {
	Key        string
	Variant    string
	Status     int
	Header     http.Header
	BodyDigest string
	Size       int64
	VaryOn     []string
	StoredAt   time.Time
	FreshUntil time.Time
	StaleUntil time.Time
}

// SweepPolicy configures Sweep.
type SweepPolicy struct {
	// MaxTotalSize is the size bound; eviction starts once the total
	// stored size exceeds it.
	MaxTotalSize int64
	// MinFreeThreshold is the headroom evicted below MaxTotalSize, so a
	// store at the bound does not evict one entry per request.
	MinFreeThreshold int64
	// InactivityTimeout removes entries unused for longer than this,
	// regardless of size pressure.
	InactivityTimeout time.Duration
}

// Provider stores and retrieves cached response entries.
//
// Implementations must be thread-safe. Readers must see either the
// previous complete entry or the new complete entry, never a mix.
type Provider interface {
	// Get returns the entry and body for the key and variant, updating
	// its recency. Returns ErrNotFound when absent and ErrCorruptEntry
	// when the stored body does not match the entry metadata.
	Get(key, variant string) (Entry, []byte, error)
	// VaryOn returns the variance field list declared by the most
	// recently stored response for the key, or nil when none is stored.
	VaryOn(key string) ([]string, error)
	// Put stores the entry and body, computing the body digest and size.
	// The body is fully materialized before the entry becomes visible.
	Put(e Entry, body []byte) error
	// Delete removes a single variant of a key.
	Delete(key, variant string) error
	// Purge removes all variants of a key.
	Purge(key string) error
	// TotalSize returns the total size of all stored bodies.
	TotalSize() (int64, error)
	// Sweep removes entries past the inactivity window and then evicts
	// by size-weighted recency until the size bound is met. It returns
	// the number of entries removed.
	Sweep(now time.Time, p SweepPolicy) (int, error)
	// Close releases the underlying resources.
	Close() error
}

// bodyDigest is the content address of a body.
func bodyDigest(body []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(body))
}

// headerBytes serializes a header in wire format, preserving order
// within each field and multi-valued fields.
func headerBytes(h http.Header) []byte {
	buf := &bytes.Buffer{}
	h.Write(buf)
	return buf.Bytes()
}

// parseHeader reads a wire-format header block back into an http.Header.
func parseHeader(b []byte) (http.Header, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(append(b, '\r', '\n'))))
	mime, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}
	return http.Header(mime), nil
}

// joinVary and splitVary serialize the declared variance field list.
func joinVary(fields []string) string {
	return strings.Join(fields, ",")
}

func splitVary(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
