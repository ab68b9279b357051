package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"portablemsvc/internal/config"
	"portablemsvc/internal/download"
	"portablemsvc/internal/extract"
	"portablemsvc/internal/install"
	"portablemsvc/internal/lease"
	"portablemsvc/internal/logx"
	"portablemsvc/internal/manifest"
	"portablemsvc/internal/mirror"
	"portablemsvc/internal/paths"
	"portablemsvc/internal/status"
	"portablemsvc/internal/tui"
)

// errAborted marks a run the user stopped on purpose.
var errAborted = errors.New("aborted")

// app is everything one command invocation shares: the effective config, the
// resolved directories and the logger built from them.
type app struct {
	cfg    config.Config
	dirs   paths.Dirs
	logger *slog.Logger
	mode   tui.OutputMode
	closer io.Closer
}

// loadApp loads the config file, overlays PORTABLEMSVC_* variables and any
// flags bound to v, validates the result and resolves directories.
func loadApp(cmd *cobra.Command, v *viper.Viper) (*app, error) {
	path := configPath
	if path == "" {
		defaults, err := paths.Default()
		if err != nil {
			return nil, err
		}
		path = defaults.ConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = config.NewViper()
	}
	config.Apply(&cfg, v)
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dirs, err := paths.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	if err := dirs.Ensure(); err != nil {
		return nil, err
	}

	a := &app{
		cfg:  cfg,
		dirs: dirs,
		mode: tui.DetectMode(cmd.OutOrStdout(), noProgress, outputJSON),
	}
	stderr := cmd.ErrOrStderr()
	if a.mode == tui.ModeTUI && !verbose {
		// Log lines would tear the live table; keep warnings only.
		cfg.Logging.Level = "warn"
	}
	if cfg.Logging.File {
		logger, closer, err := logx.NewFile(cfg.Logging.Level, cfg.Logging.Format, stderr, dirs.Logs)
		if err != nil {
			return nil, err
		}
		a.logger, a.closer = logger, closer
	} else {
		a.logger = logx.New(cfg.Logging.Level, cfg.Logging.Format, stderr)
	}
	a.logger.Debug("configuration loaded", "path", path, "config_dir", dirs.Config, "data_dir", dirs.Data, "cache_dir", dirs.Cache)
	return a, nil
}

func (a *app) Close() {
	if a.closer != nil {
		_ = a.closer.Close()
	}
}

func (a *app) lockOptions() lease.Options {
	return lease.Options{Timeout: a.cfg.Lock.Timeout, TTL: a.cfg.Lock.TTL, Logger: a.logger}
}

func (a *app) manifestClient() *manifest.Client {
	opts := manifest.OptionsFromConfig(a.cfg, a.dirs)
	opts.NoCache = noCache
	opts.Logger = a.logger
	return manifest.NewClient(opts)
}

func (a *app) store() *status.Store {
	return status.Open(status.Options{
		Path:   a.dirs.StatusFile(),
		Lock:   a.lockOptions(),
		Logger: a.logger,
	})
}

// payloadCache opens the download cache with the configured mirror and the
// given progress sink.
func (a *app) payloadCache(ctx context.Context, progress download.Progress) (*download.Cache, error) {
	opts := download.OptionsFromConfig(a.cfg, a.dirs)
	opts.Lock = a.lockOptions()
	opts.Progress = progress
	opts.Logger = a.logger

	m, err := mirror.New(a.cfg.Mirror, a.logger)
	if err != nil {
		return nil, fmt.Errorf("payload mirror: %w", err)
	}
	if m != nil {
		opts.Mirror = m
	}
	return download.Open(ctx, opts)
}

func (a *app) installer(ctx context.Context, progress download.Progress, phase func(install.Phase)) (*install.Installer, error) {
	cache, err := a.payloadCache(ctx, progress)
	if err != nil {
		return nil, err
	}
	return install.New(install.Options{
		Catalogs:      a.manifestClient(),
		Payloads:      cache,
		Extractor:     extract.New(extract.Options{TempDir: a.dirs.Temp, Logger: a.logger}),
		Store:         a.store(),
		DefaultOutput: a.dirs.DefaultOutput,
		Phase:         phase,
		Logger:        a.logger,
	})
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func nonEmptyOrDash(value string) string {
	if value = strings.TrimSpace(value); value == "" {
		return "-"
	}
	return value
}

func joinOrDash(values []string) string {
	return nonEmptyOrDash(strings.Join(values, ","))
}
