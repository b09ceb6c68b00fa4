package fetch_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/radawson/apt-mirror/pkg/config"
	"github.com/radawson/apt-mirror/pkg/fetch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDownloader(tb testing.TB, mutate func(*config.Config)) *fetch.Downloader {
	tb.Helper()
	cfg := config.Default()
	cfg.NThreads = 4
	cfg.RetryAttempts = 3
	cfg.RetryDelay = 10 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	client, err := fetch.NewClient(cfg)
	require.NoError(tb, err)
	return fetch.NewDownloader(cfg, client)
}

func TestDownloader_Fetch(t *testing.T) {
	t.Parallel()
	payload := []byte("Package: foobar\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/dists/noble/Release", r.URL.Path)
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "Release")
	d := testDownloader(t, nil)
	status, err := d.Fetch(context.Background(), &fetch.Request{
		URL:     srv.URL + "/dists/noble/Release",
		Dest:    dest,
		Size:    int64(len(payload)),
		Digests: digestsOf(payload),
	})
	require.NoError(t, err)
	assert.Equal(t, fetch.StatusDownloaded, status)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = os.Stat(dest + fetch.PartialSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestDownloader_SkipsMatchingExisting(t *testing.T) {
	t.Parallel()
	payload := []byte("already mirrored")

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	existing := filepath.Join(dir, "mirror", "pkg.deb")
	require.NoError(t, os.MkdirAll(filepath.Dir(existing), 0o755))
	require.NoError(t, os.WriteFile(existing, payload, 0o644))

	d := testDownloader(t, nil)
	status, err := d.Fetch(context.Background(), &fetch.Request{
		URL:      srv.URL + "/pkg.deb",
		Dest:     existing,
		Size:     int64(len(payload)),
		Digests:  digestsOf(payload),
		Existing: existing,
	})
	require.NoError(t, err)
	assert.Equal(t, fetch.StatusUpToDate, status)
	assert.Zero(t, hits.Load(), "no HTTP request for an up-to-date file")
}

func TestDownloader_Resume(t *testing.T) {
	t.Parallel()
	payload := []byte("0123456789abcdef0123456789abcdef")

	var sawRange atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			_, _ = w.Write(payload)
			return
		}
		sawRange.Store(true)
		require.Equal(t, "bytes=10-", rangeHeader)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 10-%d/%d", len(payload)-1, len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(payload[10:])
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "archive.deb")
	require.NoError(t, os.WriteFile(dest+fetch.PartialSuffix, payload[:10], 0o644))

	d := testDownloader(t, nil)
	status, err := d.Fetch(context.Background(), &fetch.Request{
		URL:     srv.URL + "/archive.deb",
		Dest:    dest,
		Size:    int64(len(payload)),
		Digests: digestsOf(payload),
	})
	require.NoError(t, err)
	assert.Equal(t, fetch.StatusDownloaded, status)
	assert.True(t, sawRange.Load(), "expected a Range request")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownloader_RangeRejectRestarts(t *testing.T) {
	t.Parallel()
	payload := []byte("fresh content")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "archive.deb")
	require.NoError(t, os.WriteFile(dest+fetch.PartialSuffix, []byte("stale"), 0o644))

	d := testDownloader(t, nil)
	status, err := d.Fetch(context.Background(), &fetch.Request{
		URL:     srv.URL + "/archive.deb",
		Dest:    dest,
		Size:    int64(len(payload)),
		Digests: digestsOf(payload),
	})
	require.NoError(t, err)
	assert.Equal(t, fetch.StatusDownloaded, status)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownloader_RetriesTransient(t *testing.T) {
	t.Parallel()
	payload := []byte("eventually fine")

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	d := testDownloader(t, nil)
	status, err := d.Fetch(context.Background(), &fetch.Request{
		URL:     srv.URL + "/flaky",
		Dest:    filepath.Join(t.TempDir(), "flaky"),
		Size:    int64(len(payload)),
		Digests: digestsOf(payload),
	})
	require.NoError(t, err)
	assert.Equal(t, fetch.StatusDownloaded, status)
	assert.Equal(t, int64(3), hits.Load())
}

func TestDownloader_ChecksumMismatchExhaustsRetries(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("tampered content"))
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "index.gz")
	d := testDownloader(t, nil)
	_, err := d.Fetch(context.Background(), &fetch.Request{
		URL:     srv.URL + "/index.gz",
		Dest:    dest,
		Size:    16,
		Digests: digestsOf([]byte("expected content")),
	})
	require.Error(t, err)

	var fetchErr *fetch.Error
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, fetch.KindVerify, fetchErr.Kind)
	assert.Equal(t, 3, fetchErr.Attempts)
	assert.Equal(t, int64(3), hits.Load())

	// Neither the destination nor a poisoned partial survives.
	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(dest + fetch.PartialSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestDownloader_NotFoundIsNotRetried(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	d := testDownloader(t, nil)
	_, err := d.Fetch(context.Background(), &fetch.Request{
		URL:  srv.URL + "/gone",
		Dest: filepath.Join(t.TempDir(), "gone"),
		Size: -1,
	})
	require.ErrorIs(t, err, fetch.ErrNotFound)
	assert.Equal(t, int64(1), hits.Load())

	var fetchErr *fetch.Error
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, fetch.KindNotFound, fetchErr.Kind)
}

func TestDownloader_ForbiddenIsNotRetried(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	d := testDownloader(t, nil)
	_, err := d.Fetch(context.Background(), &fetch.Request{
		URL:  srv.URL + "/secret",
		Dest: filepath.Join(t.TempDir(), "secret"),
		Size: -1,
	})
	require.ErrorIs(t, err, fetch.ErrForbidden)
	assert.Equal(t, int64(1), hits.Load())
}

func TestDownloader_BasicAuthChallenge(t *testing.T) {
	t.Parallel()
	payload := []byte("private archive")

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "mirror" || pass != "secret" {
			w.Header().Set("WWW-Authenticate", `Basic realm="archive"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	authURL, err := url.Parse(srv.URL)
	require.NoError(t, err)
	authURL.User = url.UserPassword("mirror", "secret")

	t.Run("challenged", func(t *testing.T) {
		d := testDownloader(t, nil)
		status, err := d.Fetch(context.Background(), &fetch.Request{
			URL:     authURL.JoinPath("private.deb").String(),
			Dest:    filepath.Join(t.TempDir(), "private.deb"),
			Size:    int64(len(payload)),
			Digests: digestsOf(payload),
		})
		require.NoError(t, err)
		assert.Equal(t, fetch.StatusDownloaded, status)
	})

	t.Run("preemptive", func(t *testing.T) {
		before := hits.Load()
		d := testDownloader(t, func(cfg *config.Config) { cfg.AuthNoChallenge = true })
		_, err := d.Fetch(context.Background(), &fetch.Request{
			URL:     authURL.JoinPath("private2.deb").String(),
			Dest:    filepath.Join(t.TempDir(), "private2.deb"),
			Size:    int64(len(payload)),
			Digests: digestsOf(payload),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), hits.Load()-before, "no challenge round-trip")
	})
}

func TestDownloader_NotModified(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-Modified-Since") != "" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write([]byte("release body"))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	existing := filepath.Join(dir, "Release")
	require.NoError(t, os.WriteFile(existing, []byte("release body"), 0o644))

	d := testDownloader(t, nil)
	status, err := d.Fetch(context.Background(), &fetch.Request{
		URL:      srv.URL + "/Release",
		Dest:     filepath.Join(dir, "skel", "Release"),
		Size:     -1,
		Existing: existing,
	})
	require.NoError(t, err)
	assert.Equal(t, fetch.StatusUnchanged, status)
	assert.Equal(t, int64(1), hits.Load())
}

func TestDownloader_ConcurrencyBound(t *testing.T) {
	t.Parallel()
	const nthreads = 3

	var inFlight, peak atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte(strings.TrimPrefix(r.URL.Path, "/")))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	reqs := make([]*fetch.Request, 12)
	for i := range reqs {
		name := "file-" + strconv.Itoa(i)
		reqs[i] = &fetch.Request{
			URL:     srv.URL + "/" + name,
			Dest:    filepath.Join(dir, name),
			Size:    int64(len(name)),
			Digests: digestsOf([]byte(name)),
		}
	}

	d := testDownloader(t, func(cfg *config.Config) { cfg.NThreads = nthreads })
	results := d.Do(context.Background(), reqs, nil)

	for _, res := range results {
		require.NoError(t, res.Err)
	}
	assert.LessOrEqual(t, peak.Load(), int64(nthreads))
	assert.Positive(t, peak.Load())
}

func TestDownloader_RateLimit(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	d := testDownloader(t, func(cfg *config.Config) {
		// 256 KiB/s with a 32 KiB burst: 64 KiB should take roughly 125ms.
		cfg.LimitRate = 256 * 1024
	})

	start := time.Now()
	status, err := d.Fetch(context.Background(), &fetch.Request{
		URL:     srv.URL + "/big",
		Dest:    filepath.Join(t.TempDir(), "big"),
		Size:    int64(len(payload)),
		Digests: digestsOf(payload),
	})
	require.NoError(t, err)
	assert.Equal(t, fetch.StatusDownloaded, status)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestDownloader_CancelDoesNotPromote(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 1024))
		w.(http.Flusher).Flush()
		cancel()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "interrupted.deb")
	d := testDownloader(t, nil)
	_, err := d.Fetch(ctx, &fetch.Request{
		URL:  srv.URL + "/interrupted.deb",
		Dest: dest,
		Size: 4096,
	})
	require.Error(t, err)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "no incomplete file may be promoted")
}
