// Package download keeps a content-addressed cache of payloads. Every file is
// named after its SHA-256 digest and is re-verified whenever it is reused.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/tsukinoko-kun/disize"

	"portablemsvc/internal/config"
	"portablemsvc/internal/fault"
	"portablemsvc/internal/lease"
	"portablemsvc/internal/logx"
	"portablemsvc/internal/paths"
)

const (
	chunkSize         = 1024 * disize.Kib
	progressThreshold = 100 * disize.Kib
	userAgent         = "portablemsvc/1.0"
)

// Request names one payload to fetch.
type Request struct {
	Name   string
	URL    string
	SHA256 string
	Size   int64
}

// Source tells where a fetched payload came from.
type Source int

const (
	SourceCache Source = iota
	SourceMirror
	SourceNetwork
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cached"
	case SourceMirror:
		return "mirror"
	default:
		return "downloaded"
	}
}

// Result is a verified payload on disk.
type Result struct {
	Request
	Path   string
	Source Source
	Bytes  int64
}

// Mirror is a secondary store tried before the origin URL.
type Mirror interface {
	// Fetch writes the object named key to w. It returns ErrMirrorMiss when
	// the mirror does not hold key.
	Fetch(ctx context.Context, key string, w io.Writer) error
	// Store uploads the verified file at path under key.
	Store(ctx context.Context, key, path string) error
}

// ErrMirrorMiss is returned by a Mirror that lacks an object.
var ErrMirrorMiss = errors.New("object not in mirror")

// Progress receives per-payload transfer events.
type Progress interface {
	Start(name string, total int64)
	Advance(name string, done, total int64)
	Finish(name string, src Source, err error)
}

type nopProgress struct{}

func (nopProgress) Start(string, int64)          {}
func (nopProgress) Advance(string, int64, int64) {}
func (nopProgress) Finish(string, Source, error) {}

// Options configure a Cache.
type Options struct {
	Dir         string
	MaxRetries  int
	BackoffBase time.Duration
	Timeout     time.Duration
	Lock        lease.Options

	HTTPClient *http.Client
	Mirror     Mirror
	Progress   Progress
	// Sleep waits between attempts; tests replace it.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

// OptionsFromConfig derives cache options from the loaded configuration.
func OptionsFromConfig(cfg config.Config, dirs paths.Dirs) Options {
	return Options{
		Dir:         dirs.Downloads(),
		MaxRetries:  cfg.Download.MaxRetries,
		BackoffBase: cfg.Download.BackoffBase,
		Timeout:     cfg.Download.Timeout,
		Lock: lease.Options{
			Timeout: cfg.Lock.Timeout,
			TTL:     cfg.Lock.TTL,
		},
	}
}

// Cache fetches payloads into a content-addressed directory.
type Cache struct {
	dir        string
	maxRetries int
	backoff    time.Duration
	timeout    time.Duration
	http       *http.Client
	mirror     Mirror
	progress   Progress
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *slog.Logger

	registry *Registry
	total    int64
}

// Open prepares the cache directory and loads the shared name registry.
func Open(ctx context.Context, opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("download cache directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download cache: %w", err)
	}
	defaults := config.Default()
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaults.Download.MaxRetries
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaults.Download.BackoffBase
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Download.Timeout
	}
	logger := logx.OrDiscard(opts.Logger)

	c := &Cache{
		dir:        opts.Dir,
		maxRetries: opts.MaxRetries,
		backoff:    opts.BackoffBase,
		timeout:    opts.Timeout,
		http:       opts.HTTPClient,
		mirror:     opts.Mirror,
		progress:   opts.Progress,
		sleep:      opts.Sleep,
		logger:     logger,
	}
	if c.http == nil {
		// Body reads are bounded per attempt by an idle timer in attempt.
		c.http = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: opts.Timeout,
			TLSHandshakeTimeout:   opts.Timeout,
		}}
	}
	if c.progress == nil {
		c.progress = nopProgress{}
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}

	reg, err := OpenRegistry(ctx, filepath.Join(opts.Dir, RegistryFile), opts.Lock, logger)
	if err != nil {
		return nil, err
	}
	c.registry = reg
	return c, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Registry exposes the hash to names table.
func (c *Cache) Registry() *Registry { return c.registry }

// Key is the cache file name of a request: the lower-case digest followed by
// the original extension.
func Key(req Request) string {
	return strings.ToLower(req.SHA256) + filepath.Ext(req.Name)
}

// Path returns where req is cached.
func (c *Cache) Path(req Request) string { return filepath.Join(c.dir, Key(req)) }

// Fetch returns a verified local copy of req, downloading it when the cache
// holds no valid copy.
func (c *Cache) Fetch(ctx context.Context, req Request) (Result, error) {
	expected, err := expectedDigest(req)
	if err != nil {
		return Result{}, err
	}
	dest := c.Path(req)
	res := Result{Request: req, Path: dest}

	if ok, size := c.verifyCached(dest, expected); ok {
		c.logger.Debug("using cached payload", "name", req.Name, "hash", expected.Encoded())
		c.registry.Add(expected.Encoded(), req.Name)
		res.Source, res.Bytes = SourceCache, size
		c.progress.Finish(req.Name, SourceCache, nil)
		return res, nil
	}

	c.progress.Start(req.Name, req.Size)
	src, n, err := c.fill(ctx, req, expected, dest)
	c.progress.Finish(req.Name, src, err)
	if err != nil {
		return Result{}, err
	}
	c.registry.Add(expected.Encoded(), req.Name)
	c.total += n
	res.Source, res.Bytes = src, n
	return res, nil
}

// FetchAll fetches every request in order. Any failure fails the whole batch.
// Results are keyed by request name.
func (c *Cache) FetchAll(ctx context.Context, reqs []Request) (map[string]Result, error) {
	out := make(map[string]Result, len(reqs))
	for _, req := range reqs {
		res, err := c.Fetch(ctx, req)
		if err != nil {
			c.logger.Error("payload failed", "name", req.Name, "error", err)
			return nil, fmt.Errorf("fetch %s: %w", req.Name, err)
		}
		out[req.Name] = res
	}
	return out, nil
}

// Downloaded reports the bytes transferred from the mirror or the network.
func (c *Cache) Downloaded() int64 { return c.total }

// Close merges the name registry into its on-disk copy.
func (c *Cache) Close(ctx context.Context) error {
	c.logger.Info("download totals", "downloaded", formatBytes(c.total))
	return c.registry.Flush(ctx)
}

func expectedDigest(req Request) (digest.Digest, error) {
	d := digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(req.SHA256))
	if err := d.Validate(); err != nil {
		return "", fault.Schemaf("payload "+req.Name, "invalid sha256 %q: %v", req.SHA256, err)
	}
	return d, nil
}

func (c *Cache) verifyCached(path string, expected digest.Digest) (bool, int64) {
	f, err := os.Open(path)
	if err != nil {
		return false, 0
	}
	defer f.Close()

	verifier := expected.Verifier()
	n, err := io.Copy(verifier, f)
	if err != nil {
		c.logger.Warn("read cached payload", "path", path, "error", err)
		return false, 0
	}
	if !verifier.Verified() {
		c.logger.Warn("cached payload failed verification, downloading again", "path", path, "expected", expected.Encoded())
		return false, 0
	}
	return true, n
}

// fill populates dest from the mirror or the origin.
func (c *Cache) fill(ctx context.Context, req Request, expected digest.Digest, dest string) (Source, int64, error) {
	if c.mirror != nil {
		n, err := c.fromMirror(ctx, req, expected, dest)
		if err == nil {
			c.logger.Info("payload restored from mirror", "name", req.Name)
			return SourceMirror, n, nil
		}
		if !errors.Is(err, ErrMirrorMiss) {
			c.logger.Warn("mirror fetch failed, using origin", "name", req.Name, "error", err)
		}
	}

	n, err := c.download(ctx, req, expected, dest)
	if err != nil {
		return SourceNetwork, 0, err
	}
	if c.mirror != nil {
		if err := c.mirror.Store(ctx, Key(req), dest); err != nil {
			c.logger.Warn("mirror upload failed", "name", req.Name, "error", err)
		}
	}
	return SourceNetwork, n, nil
}

func (c *Cache) fromMirror(ctx context.Context, req Request, expected digest.Digest, dest string) (int64, error) {
	tmp, err := os.CreateTemp(c.dir, Key(req)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	digester := digest.SHA256.Digester()
	counter := &countingWriter{}
	err = c.mirror.Fetch(ctx, Key(req), io.MultiWriter(tmp, digester.Hash(), counter))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	if actual := digester.Digest(); actual != expected {
		return 0, fault.Integrity("mirror "+req.Name, expected.Encoded(), actual.Encoded())
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return 0, fmt.Errorf("finalize payload: %w", err)
	}
	return counter.n, nil
}

// download streams req.URL into a temp file while hashing it. Failed attempts
// resume with a Range request; a server that ignores the range restarts the
// transfer.
func (c *Cache) download(ctx context.Context, req Request, expected digest.Digest, dest string) (int64, error) {
	tmp, err := os.CreateTemp(c.dir, Key(req)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	c.logger.Info("downloading payload", "name", req.Name, "url", req.URL)
	st := &transfer{file: tmp, digester: digest.SHA256.Digester(), total: req.Size}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoffFor(attempt - 1)
			c.logger.Warn("download attempt failed, retrying",
				"name", req.Name, "attempt", attempt, "wait", wait, "error", lastErr)
			if err := c.sleep(ctx, wait); err != nil {
				return 0, err
			}
		}
		lastErr = c.attempt(ctx, req, st)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}
	if lastErr != nil {
		c.logger.Error("download failed", "name", req.Name, "attempts", c.maxRetries, "error", lastErr)
		return 0, fault.Transient("download "+req.Name, lastErr)
	}

	if actual := st.digester.Digest(); actual != expected {
		return 0, fault.Integrity("download "+req.Name, expected.Encoded(), actual.Encoded())
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return 0, fmt.Errorf("finalize payload: %w", err)
	}
	return st.done, nil
}

type transfer struct {
	file     *os.File
	digester digest.Digester
	done     int64
	total    int64
	reported int64
}

// errStalled marks an attempt whose connection went quiet for longer than the
// per-request timeout.
var errStalled = errors.New("no data received within timeout")

func (c *Cache) attempt(ctx context.Context, req Request, st *transfer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	idle := time.AfterFunc(c.timeout, cancel)
	defer idle.Stop()
	stalled := func(err error) error {
		if ctx.Err() != nil && !idle.Stop() {
			return fmt.Errorf("%w after %s: %v", errStalled, c.timeout, err)
		}
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	if st.done > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", st.done))
		c.logger.Info("resuming download", "name", req.Name, "offset", st.done)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return stalled(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent && st.done > 0:
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if st.done > 0 {
			c.logger.Warn("server ignored range request, restarting", "name", req.Name)
			if err := st.reset(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if st.total <= 0 && resp.ContentLength > 0 {
		st.total = st.done + resp.ContentLength
	}

	buf := make([]byte, chunkSize)
	w := io.MultiWriter(st.file, st.digester.Hash())
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			idle.Reset(c.timeout)
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("write temp file: %w", err)
			}
			st.done += int64(n)
			if st.done-st.reported >= progressThreshold || st.done == st.total {
				st.reported = st.done
				c.progress.Advance(req.Name, st.done, st.total)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return stalled(rerr)
		}
	}
}

func (st *transfer) reset() error {
	if _, err := st.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := st.file.Truncate(0); err != nil {
		return err
	}
	st.digester = digest.SHA256.Digester()
	st.done, st.reported = 0, 0
	return nil
}

// backoffFor returns base^retry seconds, so the default 2s base waits 1s, 2s, 4s.
func (c *Cache) backoffFor(retry int) time.Duration {
	secs := math.Pow(c.backoff.Seconds(), float64(retry))
	return time.Duration(secs * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type countingWriter struct{ n int64 }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}

func formatBytes(n int64) string {
	return fmt.Sprintf("%.2f MB", float64(n)/float64(1024*disize.Kib))
}
