package cache

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
)

func providers(t *testing.T) map[string]Provider {
	t.Helper()
	disk, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })
	return map[string]Provider{
		"memory": NewMemStore(),
		"disk":   disk,
	}
}

func testEntry(key, variant string) Entry {
	now := time.Now()
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Add("Set-Thing", "a")
	h.Add("Set-Thing", "b")
	return Entry{
		Key:        key,
		Variant:    variant,
		Status:     200,
		Header:     h,
		StoredAt:   now,
		FreshUntil: now.Add(time.Minute),
		StaleUntil: now.Add(2 * time.Minute),
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			body := []byte("<html>hello</html>")
			require.NoError(t, p.Put(testEntry("k1", ""), body))

			e, got, err := p.Get("k1", "")
			require.NoError(t, err)
			assert.Equal(t, body, got)
			assert.Equal(t, 200, e.Status)
			assert.Equal(t, int64(len(body)), e.Size)
			assert.Equal(t, "text/html; charset=utf-8", e.Header.Get("Content-Type"))
			assert.Equal(t, []string{"a", "b"}, e.Header.Values("Set-Thing"))
		})
	}
}

func TestGetMissing(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			_, _, err := p.Get("nope", "")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestPutReplacesEntry(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.Put(testEntry("k1", ""), []byte("old body")))
			require.NoError(t, p.Put(testEntry("k1", ""), []byte("new body, different length")))

			e, body, err := p.Get("k1", "")
			require.NoError(t, err)
			assert.Equal(t, "new body, different length", string(body))
			assert.Equal(t, int64(len("new body, different length")), e.Size)

			total, err := p.TotalSize()
			require.NoError(t, err)
			assert.Equal(t, int64(len("new body, different length")), total)
		})
	}
}

func TestVariants(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			gz := testEntry("k1", "accept-encoding: gzip")
			gz.VaryOn = []string{"accept-encoding"}
			plain := testEntry("k1", "accept-encoding: ")
			plain.VaryOn = []string{"accept-encoding"}
			plain.StoredAt = gz.StoredAt.Add(time.Second)

			require.NoError(t, p.Put(gz, []byte("compressed")))
			require.NoError(t, p.Put(plain, []byte("identity")))

			_, body, err := p.Get("k1", "accept-encoding: gzip")
			require.NoError(t, err)
			assert.Equal(t, "compressed", string(body))

			_, body, err = p.Get("k1", "accept-encoding: ")
			require.NoError(t, err)
			assert.Equal(t, "identity", string(body))

			varyOn, err := p.VaryOn("k1")
			require.NoError(t, err)
			assert.Equal(t, []string{"accept-encoding"}, varyOn)
		})
	}
}

func TestVaryOnAbsentKey(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			varyOn, err := p.VaryOn("nope")
			require.NoError(t, err)
			assert.Nil(t, varyOn)
		})
	}
}

func TestDeleteAndPurge(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.Put(testEntry("k1", "a"), []byte("va")))
			require.NoError(t, p.Put(testEntry("k1", "b"), []byte("vb")))

			require.NoError(t, p.Delete("k1", "a"))
			_, _, err := p.Get("k1", "a")
			assert.ErrorIs(t, err, ErrNotFound)
			_, _, err = p.Get("k1", "b")
			assert.NoError(t, err)

			require.NoError(t, p.Purge("k1"))
			_, _, err = p.Get("k1", "b")
			assert.ErrorIs(t, err, ErrNotFound)

			total, err := p.TotalSize()
			require.NoError(t, err)
			assert.Zero(t, total)
		})
	}
}

func TestSweepInactivity(t *testing.T) {
	now := time.Now()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			cold := testEntry("cold", "")
			cold.StoredAt = now.Add(-2 * time.Hour)
			warm := testEntry("warm", "")
			warm.StoredAt = now.Add(-time.Minute)
			require.NoError(t, p.Put(cold, []byte("cold body")))
			require.NoError(t, p.Put(warm, []byte("warm body")))

			removed, err := p.Sweep(now, SweepPolicy{InactivityTimeout: time.Hour})
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			_, _, err = p.Get("cold", "")
			assert.ErrorIs(t, err, ErrNotFound)
			_, _, err = p.Get("warm", "")
			assert.NoError(t, err)
		})
	}
}

func TestSweepSizeWeightedEviction(t *testing.T) {
	now := time.Now()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			// idle x size: big=100000, old=10000, hot=500
			big := testEntry("big", "")
			big.StoredAt = now.Add(-100 * time.Second)
			old := testEntry("old", "")
			old.StoredAt = now.Add(-1000 * time.Second)
			hot := testEntry("hot", "")
			hot.StoredAt = now.Add(-time.Second)

			require.NoError(t, p.Put(big, make([]byte, 1000)))
			require.NoError(t, p.Put(old, make([]byte, 10)))
			require.NoError(t, p.Put(hot, make([]byte, 500)))

			removed, err := p.Sweep(now, SweepPolicy{MaxTotalSize: 600, MinFreeThreshold: 100})
			require.NoError(t, err)
			assert.Equal(t, 2, removed)

			_, _, err = p.Get("big", "")
			assert.ErrorIs(t, err, ErrNotFound, "largest idle-weighted entry goes first")
			_, _, err = p.Get("old", "")
			assert.ErrorIs(t, err, ErrNotFound)
			_, _, err = p.Get("hot", "")
			assert.NoError(t, err)

			total, err := p.TotalSize()
			require.NoError(t, err)
			assert.LessOrEqual(t, total, int64(500))
		})
	}
}

func TestSweepUnderBoundIsNoop(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.Put(testEntry("k1", ""), []byte("body")))
			removed, err := p.Sweep(time.Now(), SweepPolicy{MaxTotalSize: 1 << 20})
			require.NoError(t, err)
			assert.Zero(t, removed)
		})
	}
}

func TestGetRefreshesRecency(t *testing.T) {
	now := time.Now()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			touched := testEntry("touched", "")
			touched.StoredAt = now.Add(-2 * time.Hour)
			idle := testEntry("idle", "")
			idle.StoredAt = now.Add(-2 * time.Hour)
			require.NoError(t, p.Put(touched, []byte("body")))
			require.NoError(t, p.Put(idle, []byte("body")))

			// reading resets the inactivity clock
			_, _, err := p.Get("touched", "")
			require.NoError(t, err)

			removed, err := p.Sweep(now, SweepPolicy{InactivityTimeout: time.Hour})
			require.NoError(t, err)
			assert.Equal(t, 1, removed)
			_, _, err = p.Get("touched", "")
			assert.NoError(t, err)
		})
	}
}

func TestDiskCorruptBodyPurged(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir)
	require.NoError(t, err)

	body := []byte("soon to vanish")
	require.NoError(t, store.Put(testEntry("k1", ""), body))
	require.NoError(t, store.Close())

	// remove the body blob behind the index's back
	digest := fmt.Sprintf("%x", sha256.Sum256(body))
	blobs, err := leveldb.OpenFile(filepath.Join(dir, "bodies"), nil)
	require.NoError(t, err)
	require.NoError(t, blobs.Delete([]byte(digest), nil))
	require.NoError(t, blobs.Close())

	store, err = NewDiskStore(dir)
	require.NoError(t, err)
	defer store.Close()

	_, _, err = store.Get("k1", "")
	assert.ErrorIs(t, err, ErrCorruptEntry)

	// the corrupt entry is gone, later lookups miss cleanly
	_, _, err = store.Get("k1", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiskPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(testEntry("k1", ""), []byte("persistent")))
	require.NoError(t, store.Close())

	store, err = NewDiskStore(dir)
	require.NoError(t, err)
	defer store.Close()

	e, body, err := store.Get("k1", "")
	require.NoError(t, err)
	assert.Equal(t, "persistent", string(body))
	assert.Equal(t, 200, e.Status)
}

func TestDiskConcurrentPutDeleteSharedBody(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	body := []byte("shared payload")
	for i := 0; i < 50; i++ {
		require.NoError(t, store.Put(testEntry("holder", ""), body))

		// a delete of the digest's last reference racing a publish of the
		// same digest must not strand the new row without its body
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			store.Put(testEntry("incoming", ""), body)
		}()
		go func() {
			defer wg.Done()
			store.Delete("holder", "")
		}()
		wg.Wait()

		_, got, err := store.Get("incoming", "")
		require.NoError(t, err)
		require.Equal(t, body, got)
		require.NoError(t, store.Delete("incoming", ""))
		require.NoError(t, store.Delete("holder", ""))
	}
}

func TestDiskSharedBodySurvivesDelete(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	body := []byte("shared across keys")
	require.NoError(t, store.Put(testEntry("k1", ""), body))
	require.NoError(t, store.Put(testEntry("k2", ""), body))

	require.NoError(t, store.Delete("k1", ""))
	_, got, err := store.Get("k2", "")
	require.NoError(t, err)
	assert.Equal(t, body, got)
}
