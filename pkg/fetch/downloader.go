package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/radawson/apt-mirror/pkg/config"
	"github.com/radawson/apt-mirror/pkg/debian"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// PartialSuffix marks in-flight downloads; a .partial file is never visible
// as a complete artifact.
const PartialSuffix = ".partial"

// Request is one file to download.
type Request struct {
	URL     string
	Dest    string // final path: skel for metadata, mirror for archives
	Size    int64  // declared size, -1 unknown
	Digests map[debian.Hash]string

	// Existing is the promoted live path, if any. A matching existing file
	// skips the download; a hashless request uses its mtime for
	// If-Modified-Since.
	Existing string
}

// Status is the terminal outcome of a successful fetch.
type Status int

const (
	// StatusDownloaded means Dest now holds freshly fetched, verified bytes.
	StatusDownloaded Status = iota
	// StatusUpToDate means Existing already matched the declared digests and
	// no HTTP request was issued.
	StatusUpToDate
	// StatusUnchanged means the server answered 304 for a conditional fetch.
	StatusUnchanged
)

func (s Status) String() string {
	switch s {
	case StatusUpToDate:
		return "up-to-date"
	case StatusUnchanged:
		return "unchanged"
	default:
		return "downloaded"
	}
}

// Result pairs a request with its terminal outcome.
type Result struct {
	Req    *Request
	Status Status
	Err    error
}

// Downloader fetches artifacts with bounded concurrency, retries with
// exponential backoff, partial-file resumption, and a global rate limit.
type Downloader struct {
	client          *http.Client
	limiter         *rate.Limiter
	nthreads        int
	attempts        int
	delay           time.Duration
	resume          bool
	unlink          bool
	authNoChallenge bool
}

// NewDownloader wires a downloader from the run configuration.
func NewDownloader(cfg *config.Config, client *http.Client) *Downloader {
	var limiter *rate.Limiter
	if cfg.LimitRate > 0 {
		// The burst is a fixed 32 KiB whatever the rate; reads are capped to
		// it in pacedReader.
		limiter = rate.NewLimiter(rate.Limit(cfg.LimitRate), 32*1024)
	}
	return &Downloader{
		client:          client,
		limiter:         limiter,
		nthreads:        cfg.NThreads,
		attempts:        cfg.RetryAttempts,
		delay:           cfg.RetryDelay,
		resume:          cfg.ResumePartialDownloads,
		unlink:          cfg.Unlink,
		authNoChallenge: cfg.AuthNoChallenge,
	}
}

// gracePeriod is how long in-flight fetches may run on after the run is
// interrupted; their partial files survive for the next run either way.
const gracePeriod = 30 * time.Second

// Do runs every request through the worker pool and returns one result per
// request, in order. Individual failures do not stop the batch; the caller
// scopes them to repositories. When ctx is canceled no new fetches start,
// and in-flight ones get a grace period to conclude.
func (d *Downloader) Do(ctx context.Context, reqs []*Request, progress *Progress) []Result {
	fetchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-finished:
		case <-ctx.Done():
			select {
			case <-finished:
			case <-time.After(gracePeriod):
				cancel()
			}
		}
	}()

	results := make([]Result, len(reqs))

	var g errgroup.Group
	g.SetLimit(d.nthreads)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = Result{Req: req, Err: &Error{URL: req.URL, Kind: KindCanceled, Err: err}}
				return nil
			}
			status, err := d.Fetch(fetchCtx, req)
			results[i] = Result{Req: req, Status: status, Err: err}
			if progress != nil {
				progress.done(req, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// errRestart asks the retry loop to restart from byte zero without
// consuming an attempt (HTTP 416 on a stale partial).
var errRestart = errors.New("restart from zero")

// Fetch downloads one artifact to completion, returning only terminal
// outcomes.
func (d *Downloader) Fetch(ctx context.Context, req *Request) (Status, error) {
	if req.Existing != "" && VerifyFile(req.Existing, req.Size, req.Digests) {
		return StatusUpToDate, nil
	}

	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
		return 0, fmt.Errorf("creating directory: %w", err)
	}

	partial := req.Dest + PartialSuffix
	for attempt := 1; attempt <= d.attempts; attempt++ {
		status, err := d.attempt(ctx, req, partial, attempt)
		if err == nil {
			return status, nil
		}
		if errors.Is(err, errRestart) {
			attempt--
			continue
		}

		kind := classify(err)
		slog.Debug("fetch attempt failed",
			slog.String("url", req.URL),
			slog.Int("attempt", attempt),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		if !kind.Retryable() || attempt == d.attempts {
			return 0, &Error{URL: req.URL, Kind: kind, Attempts: attempt, Err: err}
		}
		if err := sleep(ctx, backoff(d.delay, attempt)); err != nil {
			return 0, &Error{URL: req.URL, Kind: KindCanceled, Attempts: attempt, Err: err}
		}
	}
	panic("unreachable")
}

func (d *Downloader) attempt(ctx context.Context, req *Request, partial string, attempt int) (Status, error) {
	verifier := NewVerifier(req.Size, req.Digests)

	var resumeFrom int64
	if d.resume && req.Size > 0 {
		if st, err := os.Stat(partial); err == nil {
			switch {
			case st.Size() > 0 && st.Size() < req.Size:
				// Hash the bytes already on disk so the verifier sees the
				// whole payload.
				if err := hashInto(verifier, partial); err == nil {
					resumeFrom = st.Size()
				} else {
					verifier.Reset()
					_ = os.Remove(partial)
				}
			case st.Size() >= req.Size:
				_ = os.Remove(partial)
			}
		}
	}

	conditional := len(req.Digests) == 0 && req.Existing != ""
	var modTime time.Time
	if conditional {
		if st, err := os.Stat(req.Existing); err == nil {
			modTime = st.ModTime()
		} else {
			conditional = false
		}
	}

	doRequest := func(withAuth bool) (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		if u := httpReq.URL.User; u != nil {
			httpReq.URL.User = nil
			if withAuth {
				pass, _ := u.Password()
				httpReq.SetBasicAuth(u.Username(), pass)
			}
		}
		if resumeFrom > 0 {
			httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
		}
		if conditional {
			httpReq.Header.Set("If-Modified-Since", modTime.UTC().Format(http.TimeFormat))
		}

		resp, err := d.client.Do(httpReq)
		if err != nil {
			var urlErr *url.Error
			if errors.As(err, &urlErr) {
				err = urlErr.Err
			}
			return nil, fmt.Errorf("request: %w", err)
		}
		return resp, nil
	}

	parsed, parseErr := url.Parse(req.URL)
	hasCreds := parseErr == nil && parsed.User != nil
	resp, err := doRequest(d.authNoChallenge && hasCreds)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode == http.StatusUnauthorized && hasCreds && !d.authNoChallenge {
		// Answer the challenge with the URL's credentials.
		_ = resp.Body.Close()
		if resp, err = doRequest(true); err != nil {
			return 0, err
		}
	}
	defer resp.Body.Close()

	appendTo := false
	switch resp.StatusCode {
	case http.StatusOK:
		verifier.Reset()
	case http.StatusPartialContent:
		appendTo = resumeFrom > 0
	case http.StatusNotModified:
		if conditional {
			return StatusUnchanged, nil
		}
		return 0, &statusError{code: resp.StatusCode, status: resp.Status}
	case http.StatusRequestedRangeNotSatisfiable:
		verifier.Reset()
		_ = os.Remove(partial)
		return 0, errRestart
	case http.StatusNotFound:
		return 0, ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return 0, fmt.Errorf("%w: %s", ErrForbidden, resp.Status)
	default:
		return 0, &statusError{code: resp.StatusCode, status: resp.Status}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appendTo {
		flags = os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(partial, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening partial file: %w", err)
	}

	body := newIdleTimeoutReader(resp.Body, idleTimeout)
	defer body.Close()
	if _, err := io.Copy(io.MultiWriter(f, verifier), d.paced(ctx, body)); err != nil {
		// Keep the partial file; the next attempt (or run) resumes it.
		_ = f.Close()
		return 0, fmt.Errorf("reading body: %w", err)
	}

	if err := verifier.Verify(); err != nil {
		_ = f.Close()
		_ = os.Remove(partial)
		return 0, err
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("closing partial file: %w", err)
	}

	// Destination files may be hardlinked into multiple trees; unlink
	// breaks the shared inode instead of writing through it.
	if d.unlink {
		if _, err := os.Stat(req.Dest); err == nil {
			_ = os.Remove(req.Dest)
		}
	}
	if err := os.Rename(partial, req.Dest); err != nil {
		return 0, fmt.Errorf("promoting download: %w", err)
	}
	attemptLog(req, attempt)
	return StatusDownloaded, nil
}

func attemptLog(req *Request, attempt int) {
	slog.Debug("fetched",
		slog.String("url", req.URL),
		slog.Int64("size", req.Size),
		slog.Int("attempt", attempt),
	)
}

func hashInto(v *Verifier, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(v, f)
	return err
}

func classify(err error) Kind {
	var verifyErr *VerifyError
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindAuth
	case errors.As(err, &verifyErr):
		return KindVerify
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindTransient
	}
}

// backoff is delay * 2^(n-1) with ±20% jitter.
func backoff(delay time.Duration, attempt int) time.Duration {
	d := float64(delay) * float64(int64(1)<<(attempt-1))
	d *= 0.8 + 0.4*rand.Float64() //nolint:gosec // jitter, not crypto
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// paced wraps r with the global token bucket.
func (d *Downloader) paced(ctx context.Context, r io.Reader) io.Reader {
	if d.limiter == nil {
		return r
	}
	return &pacedReader{ctx: ctx, r: r, limiter: d.limiter}
}

type pacedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (p *pacedReader) Read(buf []byte) (int, error) {
	if burst := p.limiter.Burst(); len(buf) > burst {
		buf = buf[:burst]
	}
	n, err := p.r.Read(buf)
	if n > 0 {
		if waitErr := p.limiter.WaitN(p.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

// idleTimeoutReader closes the body when no bytes arrive for the idle
// window, failing the read instead of hanging forever.
type idleTimeoutReader struct {
	r     io.ReadCloser
	idle  time.Duration
	timer *time.Timer
}

func newIdleTimeoutReader(r io.ReadCloser, idle time.Duration) *idleTimeoutReader {
	it := &idleTimeoutReader{r: r, idle: idle}
	it.timer = time.AfterFunc(idle, func() { _ = r.Close() })
	return it
}

func (it *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := it.r.Read(p)
	if err == nil {
		it.timer.Reset(it.idle)
	}
	return n, err
}

func (it *idleTimeoutReader) Close() error {
	it.timer.Stop()
	return it.r.Close()
}
