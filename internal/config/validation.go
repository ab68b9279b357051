package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"portablemsvc/internal/arch"
)

// Validate checks the configuration and reports every problem at once.
func (c Config) Validate() error {
	var errs []error

	if _, ok := c.ChannelURL(c.Channel); !ok {
		errs = append(errs, fmt.Errorf("channel must be %q or %q, got %q", ChannelRelease, ChannelPreview, c.Channel))
	}
	if !arch.ValidHost(c.Host) {
		errs = append(errs, fmt.Errorf("host must be one of %s, got %q", strings.Join(arch.Hosts(), ", "), c.Host))
	}
	for _, t := range c.Targets {
		if t != arch.All && !arch.ValidTarget(t) {
			errs = append(errs, fmt.Errorf("target must be one of %s or %q, got %q", strings.Join(arch.Targets(), ", "), arch.All, t))
		}
	}
	for name, raw := range map[string]string{"manifest.release_url": c.Manifest.ReleaseURL, "manifest.preview_url": c.Manifest.PreviewURL} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute URL, got %q", name, raw))
		}
	}
	if c.Manifest.TTL < 0 {
		errs = append(errs, errors.New("manifest.ttl must not be negative"))
	}
	if c.Download.MaxRetries < 1 {
		errs = append(errs, errors.New("download.max_retries must be at least 1"))
	}
	if c.Lock.Timeout <= 0 || c.Lock.TTL <= 0 {
		errs = append(errs, errors.New("lock.timeout and lock.ttl must be positive"))
	}
	if c.Mirror.URI != "" && !strings.HasPrefix(c.Mirror.URI, "s3://") && !strings.HasPrefix(c.Mirror.URI, "s3+http://") {
		errs = append(errs, fmt.Errorf("mirror.uri must use s3:// or s3+http://, got %q", c.Mirror.URI))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, errors.New("logging.level must be debug, info, warn, or error"))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		errs = append(errs, errors.New("logging.format must be json or text"))
	}

	return errors.Join(errs...)
}

// MaskToken returns a masked version of the mirror token for display.
func (c Config) MaskToken() string {
	if c.Mirror.Token == "" {
		return ""
	}
	return "***"
}
