// Package manifest fetches the release channel and package catalog documents
// and keeps a time-bounded copy of each on disk.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	digest "github.com/opencontainers/go-digest"

	"portablemsvc/internal/config"
	"portablemsvc/internal/fault"
	"portablemsvc/internal/logx"
	"portablemsvc/internal/paths"
)

const userAgent = "portablemsvc/1.0"

// Options configure a Client.
type Options struct {
	// Dir holds the cached documents and their metadata sidecars.
	Dir string
	// Channels maps a channel name to its bootstrap document URL.
	Channels map[string]string
	TTL      time.Duration
	Timeout  time.Duration
	// NoCache neither reads nor writes the disk cache.
	NoCache bool

	HTTPClient *http.Client
	Now        func() time.Time
	Logger     *slog.Logger
}

// OptionsFromConfig derives client options from the loaded configuration.
func OptionsFromConfig(cfg config.Config, dirs paths.Dirs) Options {
	return Options{
		Dir: dirs.Manifests(),
		Channels: map[string]string{
			config.ChannelRelease: cfg.Manifest.ReleaseURL,
			config.ChannelPreview: cfg.Manifest.PreviewURL,
		},
		TTL:     cfg.Manifest.TTL,
		Timeout: cfg.Manifest.Timeout,
	}
}

// Client fetches channel and catalog documents.
type Client struct {
	opts   Options
	http   *http.Client
	now    func() time.Time
	logger *slog.Logger
}

// NewClient builds a client. Zero TTL and timeout take the config defaults.
func NewClient(opts Options) *Client {
	defaults := config.Default()
	if opts.TTL <= 0 {
		opts.TTL = defaults.Manifest.TTL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Manifest.Timeout
	}
	c := &Client{
		opts:   opts,
		http:   opts.HTTPClient,
		now:    opts.Now,
		logger: logx.OrDiscard(opts.Logger),
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: opts.Timeout}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// ChannelNames lists the configured channels in sorted order.
func (c *Client) ChannelNames() []string {
	names := make([]string, 0, len(c.opts.Channels))
	for name := range c.opts.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Channel returns the bootstrap document of the named channel.
func (c *Client) Channel(ctx context.Context, name string) (*Channel, error) {
	url, ok := c.opts.Channels[name]
	if !ok || url == "" {
		return nil, fault.NotFound("channel", fmt.Sprintf("channel %q", name), c.ChannelNames())
	}

	var ch *Channel
	err := c.fetchCached(ctx, cacheEntry{
		url:  url,
		data: filepath.Join(c.opts.Dir, name+"_channel_manifest.json"),
		meta: filepath.Join(c.opts.Dir, name+"_channel_manifest_meta.json"),
	}, func(data []byte) error {
		parsed, err := ParseChannel(data)
		if err != nil {
			return err
		}
		ch = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Catalog returns the package catalog the named channel points at.
func (c *Client) Catalog(ctx context.Context, channel string) (*Catalog, error) {
	ch, err := c.Channel(ctx, channel)
	if err != nil {
		return nil, err
	}
	url, err := ch.CatalogURL()
	if err != nil {
		return nil, err
	}
	return c.CatalogAt(ctx, url)
}

// CatalogAt fetches the package catalog at url.
func (c *Client) CatalogAt(ctx context.Context, url string) (*Catalog, error) {
	key := digest.FromString(url).Encoded()[:16]
	var cat *Catalog
	err := c.fetchCached(ctx, cacheEntry{
		url:     url,
		data:    filepath.Join(c.opts.Dir, "vs_manifest_"+key+".json"),
		meta:    filepath.Join(c.opts.Dir, "vs_manifest_"+key+"_meta.json"),
		withURL: true,
	}, func(data []byte) error {
		parsed, err := ParseCatalog(data)
		if err != nil {
			return err
		}
		cat = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cat, nil
}

// LicenseURL returns the English build tools license link of a channel.
func (c *Client) LicenseURL(ctx context.Context, channel string) (string, error) {
	ch, err := c.Channel(ctx, channel)
	if err != nil {
		return "", err
	}
	return ch.LicenseURL()
}

type cacheEntry struct {
	url     string
	data    string
	meta    string
	withURL bool
}

type cacheMeta struct {
	// Timestamp is seconds since the epoch.
	Timestamp float64 `json:"timestamp"`
	Hash      string  `json:"hash"`
	URL       string  `json:"url,omitempty"`
}

// fetchCached serves a fresh disk copy when one exists, otherwise downloads.
// On a transient download failure an expired copy is used instead.
func (c *Client) fetchCached(ctx context.Context, e cacheEntry, decode func([]byte) error) error {
	if !c.opts.NoCache {
		if data, ok := c.readFresh(e); ok {
			if err := decode(data); err == nil {
				c.logger.Debug("using cached manifest", "path", e.data)
				return nil
			}
			c.logger.Warn("cached manifest unreadable, refetching", "path", e.data)
		}
	}

	body, err := c.get(ctx, e.url)
	if err != nil {
		if fault.Is(err, fault.KindTransient) && !c.opts.NoCache {
			if data, rerr := os.ReadFile(e.data); rerr == nil {
				if derr := decode(data); derr == nil {
					c.logger.Warn("using expired manifest cache as fallback", "url", e.url, "error", err)
					return nil
				}
			}
		}
		return err
	}

	if err := decode(body); err != nil {
		return err
	}
	if !c.opts.NoCache {
		if err := c.store(e, body); err != nil {
			c.logger.Warn("failed to cache manifest", "path", e.data, "error", err)
		}
	}
	return nil
}

func (c *Client) readFresh(e cacheEntry) ([]byte, bool) {
	raw, err := os.ReadFile(e.meta)
	if err != nil {
		return nil, false
	}
	var meta cacheMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, false
	}
	fetched := time.Unix(0, int64(meta.Timestamp*float64(time.Second)))
	if c.now().Sub(fetched) >= c.opts.TTL {
		return nil, false
	}
	data, err := os.ReadFile(e.data)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	c.logger.Debug("fetching manifest", "url", url)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fault.Transient("fetch "+url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fault.Transient("fetch "+url, fmt.Errorf("unexpected status %s", resp.Status))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Transient("read "+url, err)
	}
	return body, nil
}

func (c *Client) store(e cacheEntry, body []byte) error {
	if err := os.MkdirAll(c.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("prepare manifest cache: %w", err)
	}
	meta := cacheMeta{
		Timestamp: float64(c.now().UnixNano()) / float64(time.Second),
		Hash:      digest.FromBytes(body).Encoded(),
	}
	if e.withURL {
		meta.URL = e.url
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := paths.WriteFileAtomic(e.data, body, 0o644); err != nil {
		return err
	}
	return paths.WriteFileAtomic(e.meta, metaData, 0o644)
}
