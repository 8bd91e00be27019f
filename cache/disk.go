package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/syndtr/goleveldb/leveldb"
)

// DiskStore is the persistent Provider: a sqlite metadata index over a
// leveldb store of content-addressed bodies. Publication is atomic with
// respect to readers: the body blob is written before the index row is
// swapped in, and readers only ever see complete rows.
type DiskStore struct {
	db         *sql.DB
	blobs      *leveldb.DB
	writeMutex sync.Mutex
}

// NewDiskStore opens (or creates) a disk store rooted at dir.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS entries (
			key TEXT NOT NULL,
			variant TEXT NOT NULL,
			status INTEGER NOT NULL,
			header BLOB NOT NULL,
			body_digest TEXT NOT NULL,
			size INTEGER NOT NULL,
			vary_on TEXT NOT NULL,
			stored_at INTEGER NOT NULL,
			fresh_until INTEGER NOT NULL,
			stale_until INTEGER NOT NULL,
			last_used INTEGER NOT NULL,
			PRIMARY KEY (key, variant)
		)`,
		`CREATE INDEX IF NOT EXISTS last_used_idx ON entries (last_used)`,
		`PRAGMA journal_mode=WAL`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init index: %w", err)
		}
	}
	blobs, err := leveldb.OpenFile(filepath.Join(dir, "bodies"), nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open body store: %w", err)
	}
	return &DiskStore{db: db, blobs: blobs}, nil
}

func (s *DiskStore) Get(key, variant string) (Entry, []byte, error) {
	var (
		e          Entry
		headerBlob []byte
		varyOn     string
		storedAt   int64
		freshUntil int64
		staleUntil int64
	)
	err := s.db.QueryRow(
		`SELECT status, header, body_digest, size, vary_on, stored_at, fresh_until, stale_until
		 FROM entries WHERE key = ? AND variant = ?`, key, variant).
		Scan(&e.Status, &headerBlob, &e.BodyDigest, &e.Size, &varyOn, &storedAt, &freshUntil, &staleUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, nil, ErrNotFound
	}
	if err != nil {
		return Entry{}, nil, err
	}
	e.Key = key
	e.Variant = variant
	e.VaryOn = splitVary(varyOn)
	e.StoredAt = time.Unix(0, storedAt)
	e.FreshUntil = time.Unix(0, freshUntil)
	e.StaleUntil = time.Unix(0, staleUntil)

	header, err := parseHeader(headerBlob)
	if err != nil {
		s.dropCorrupt(key, variant, e.BodyDigest)
		return Entry{}, nil, ErrCorruptEntry
	}
	e.Header = header

	body, err := s.blobs.Get([]byte(e.BodyDigest), nil)
	if err != nil || int64(len(body)) != e.Size {
		s.dropCorrupt(key, variant, e.BodyDigest)
		return Entry{}, nil, ErrCorruptEntry
	}

	s.touch(key, variant)
	return e, body, nil
}

func (s *DiskStore) VaryOn(key string) ([]string, error) {
	var varyOn string
	err := s.db.QueryRow(
		`SELECT vary_on FROM entries WHERE key = ? ORDER BY stored_at DESC LIMIT 1`, key).
		Scan(&varyOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return splitVary(varyOn), nil
}

func (s *DiskStore) Put(e Entry, body []byte) error {
	e.BodyDigest = bodyDigest(body)
	e.Size = int64(len(body))
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	// body first, under the write lock: the blob must be fully on disk
	// before the row that references it becomes visible, and a concurrent
	// deref of the same digest must not land between the two
	if err := s.blobs.Put([]byte(e.BodyDigest), body, nil); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	var oldDigest string
	err := s.db.QueryRow(
		`SELECT body_digest FROM entries WHERE key = ? AND variant = ?`, e.Key, e.Variant).
		Scan(&oldDigest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO entries
		 (key, variant, status, header, body_digest, size, vary_on, stored_at, fresh_until, stale_until, last_used)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Key, e.Variant, e.Status, headerBytes(e.Header), e.BodyDigest, e.Size,
		joinVary(e.VaryOn), e.StoredAt.UnixNano(), e.FreshUntil.UnixNano(), e.StaleUntil.UnixNano(),
		e.StoredAt.UnixNano())
	if err != nil {
		return fmt.Errorf("publish entry: %w", err)
	}

	if oldDigest != "" && oldDigest != e.BodyDigest {
		s.derefLocked(oldDigest)
	}
	return nil
}

func (s *DiskStore) Delete(key, variant string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.deleteLocked(key, variant)
}

func (s *DiskStore) deleteLocked(key, variant string) error {
	var digest string
	err := s.db.QueryRow(
		`SELECT body_digest FROM entries WHERE key = ? AND variant = ?`, key, variant).
		Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM entries WHERE key = ? AND variant = ?`, key, variant); err != nil {
		return err
	}
	s.derefLocked(digest)
	return nil
}

func (s *DiskStore) Purge(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	rows, err := s.db.Query(`SELECT variant FROM entries WHERE key = ?`, key)
	if err != nil {
		return err
	}
	variants := make([]string, 0, 2)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		variants = append(variants, v)
	}
	rows.Close()
	for _, v := range variants {
		if err := s.deleteLocked(key, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *DiskStore) TotalSize() (int64, error) {
	var total int64
	err := s.db.QueryRow(`SELECT COALESCE(SUM(size), 0) FROM entries`).Scan(&total)
	return total, err
}

func (s *DiskStore) Sweep(now time.Time, p SweepPolicy) (int, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	removed := 0

	if p.InactivityTimeout > 0 {
		cutoff := now.Add(-p.InactivityTimeout).UnixNano()
		stale, err := s.selectLocked(`SELECT key, variant FROM entries WHERE last_used < ?`, cutoff)
		if err != nil {
			return removed, err
		}
		for _, kv := range stale {
			if err := s.deleteLocked(kv[0], kv[1]); err != nil {
				return removed, err
			}
			removed++
		}
	}

	if p.MaxTotalSize <= 0 {
		return removed, nil
	}
	var total int64
	if err := s.db.QueryRow(`SELECT COALESCE(SUM(size), 0) FROM entries`).Scan(&total); err != nil {
		return removed, err
	}
	if total <= p.MaxTotalSize {
		return removed, nil
	}
	target := p.MaxTotalSize - p.MinFreeThreshold
	if target < 0 {
		target = 0
	}
	for total > target {
		// size-weighted LRU: highest idle-time x size goes first
		var (
			key, variant string
			size         int64
		)
		err := s.db.QueryRow(
			`SELECT key, variant, size FROM entries
			 ORDER BY (? - last_used) * size DESC LIMIT 1`, now.UnixNano()).
			Scan(&key, &variant, &size)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return removed, err
		}
		if err := s.deleteLocked(key, variant); err != nil {
			return removed, err
		}
		total -= size
		removed++
	}
	return removed, nil
}

func (s *DiskStore) Close() error {
	err := s.db.Close()
	if berr := s.blobs.Close(); err == nil {
		err = berr
	}
	return err
}

// touch updates the recency of an entry after a read.
func (s *DiskStore) touch(key, variant string) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	s.db.Exec(`UPDATE entries SET last_used = ? WHERE key = ? AND variant = ?`,
		time.Now().UnixNano(), key, variant)
}

// dropCorrupt removes an entry that failed its integrity check.
func (s *DiskStore) dropCorrupt(key, variant, digest string) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	s.db.Exec(`DELETE FROM entries WHERE key = ? AND variant = ?`, key, variant)
	s.derefLocked(digest)
}

// derefLocked removes a body blob once no index row references it.
func (s *DiskStore) derefLocked(digest string) {
	var refs int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM entries WHERE body_digest = ?`, digest).Scan(&refs); err != nil {
		return
	}
	if refs == 0 {
		s.blobs.Delete([]byte(digest), nil)
	}
}

// selectLocked runs a two-column (key, variant) query and collects rows.
func (s *DiskStore) selectLocked(query string, args ...any) ([][2]string, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([][2]string, 0, 8)
	for rows.Next() {
		var kv [2]string
		if err := rows.Scan(&kv[0], &kv[1]); err != nil {
			return nil, err
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}
