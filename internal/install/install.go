// Package install runs the acquisition end to end: catalog, resolution,
// downloads, cabinet discovery, extraction, layout and the install record.
package install

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"portablemsvc/internal/download"
	"portablemsvc/internal/extract"
	"portablemsvc/internal/layout"
	"portablemsvc/internal/logx"
	"portablemsvc/internal/manifest"
	"portablemsvc/internal/msi"
	"portablemsvc/internal/resolve"
	"portablemsvc/internal/status"
)

// CatalogSource provides package catalogs by channel name.
type CatalogSource interface {
	Catalog(ctx context.Context, channel string) (*manifest.Catalog, error)
}

// PayloadFetcher downloads and verifies payload batches.
type PayloadFetcher interface {
	FetchAll(ctx context.Context, reqs []download.Request) (map[string]download.Result, error)
	Close(ctx context.Context) error
}

// Extractor unpacks payloads into an installation root.
type Extractor interface {
	Extract(ctx context.Context, files map[string]string, output string) (extract.Result, error)
}

// Phase names a step of Install, in the order they run.
type Phase string

const (
	PhaseCatalog   Phase = "Reading catalog"
	PhasePayloads  Phase = "Fetching payloads"
	PhaseCabinets  Phase = "Fetching cabinets"
	PhaseExtract   Phase = "Extracting"
	PhaseLayout    Phase = "Finishing layout"
	PhaseRecording Phase = "Recording install"
)

// Options wires an Installer. Every collaborator is required except Scanner,
// Phase and Logger.
type Options struct {
	Catalogs  CatalogSource
	Payloads  PayloadFetcher
	Extractor Extractor
	Store     *status.Store
	Scanner   msi.Scanner
	// DefaultOutput names the installation root when a request has none.
	DefaultOutput func(msvcFull, sdk string) string
	// Phase is called as Install enters each step.
	Phase  func(Phase)
	Logger *slog.Logger
}

// Installer orchestrates one acquisition at a time.
type Installer struct {
	catalogs  CatalogSource
	payloads  PayloadFetcher
	extractor Extractor
	store     *status.Store
	resolver  *resolve.Resolver
	matcher   *msi.Matcher
	output    func(msvcFull, sdk string) string
	onPhase   func(Phase)
	logger    *slog.Logger
}

// New validates opts and returns an Installer.
func New(opts Options) (*Installer, error) {
	switch {
	case opts.Catalogs == nil:
		return nil, errors.New("install: catalog source is required")
	case opts.Payloads == nil:
		return nil, errors.New("install: payload fetcher is required")
	case opts.Extractor == nil:
		return nil, errors.New("install: extractor is required")
	case opts.Store == nil:
		return nil, errors.New("install: install store is required")
	case opts.DefaultOutput == nil:
		return nil, errors.New("install: default output is required")
	}
	logger := logx.OrDiscard(opts.Logger)
	return &Installer{
		catalogs:  opts.Catalogs,
		payloads:  opts.Payloads,
		extractor: opts.Extractor,
		store:     opts.Store,
		resolver:  resolve.New(logger),
		matcher:   msi.NewMatcher(opts.Scanner, logger),
		output:    opts.DefaultOutput,
		onPhase:   opts.Phase,
		logger:    logger,
	}, nil
}

// Available lists the versions a channel offers.
type Available struct {
	Channel  string   `json:"channel"`
	MSVC     []string `json:"msvc"`
	MSVCFull []string `json:"msvc_full"`
	SDK      []string `json:"sdk"`
}

// AvailableVersions lists MSVC buckets, full builds and SDK versions.
func (i *Installer) AvailableVersions(ctx context.Context, channel string) (Available, error) {
	return ListVersions(ctx, i.catalogs, channel, i.logger)
}

// ListVersions is AvailableVersions for callers that only hold a catalog
// source.
func ListVersions(ctx context.Context, src CatalogSource, channel string, logger *slog.Logger) (Available, error) {
	cat, err := src.Catalog(ctx, channel)
	if err != nil {
		return Available{}, err
	}
	v, err := resolve.Discover(cat.Index(), logx.OrDiscard(logger))
	if err != nil {
		return Available{}, err
	}
	return Available{
		Channel:  channel,
		MSVC:     v.MSVCBuckets(),
		MSVCFull: v.MSVCFull(),
		SDK:      v.SDKVersions(),
	}, nil
}

// Request describes one install.
type Request struct {
	Channel     string
	Host        string
	Targets     []string
	MSVCVersion string
	SDKVersion  string
	// Output overrides the default installation root.
	Output string
	// Force skips the check for an existing installation.
	Force bool
}

// Outcome reports what Install did.
type Outcome struct {
	Record           status.Record     `json:"record"`
	AlreadyInstalled bool              `json:"already_installed"`
	Selection        resolve.Selection `json:"selection"`
	Env              *layout.EnvSpec   `json:"env,omitempty"`
	Payloads         int               `json:"payloads"`
	Cabinets         int               `json:"cabinets"`
	Missing          []string          `json:"missing,omitempty"`
}

// Install acquires the requested toolchain. An install already covering the
// request is returned untouched unless Force is set.
func (i *Installer) Install(ctx context.Context, req Request) (Outcome, error) {
	i.phase(PhaseCatalog)
	cat, err := i.catalogs.Catalog(ctx, req.Channel)
	if err != nil {
		return Outcome{}, err
	}
	res, err := i.resolver.Resolve(cat, resolve.Request{
		Host:        req.Host,
		Targets:     req.Targets,
		MSVCVersion: req.MSVCVersion,
		SDKVersion:  req.SDKVersion,
	})
	if err != nil {
		return Outcome{}, err
	}
	sel := res.Selection
	out := Outcome{Selection: sel, Missing: res.Missing}

	if !req.Force {
		rec, ok, err := i.store.IsInstalled(ctx, status.Query{
			MSVCVersion: sel.MSVCFullVersion,
			SDKVersion:  sel.SDKVersion,
			Host:        res.Host,
			Targets:     res.Targets,
		})
		if err != nil {
			return Outcome{}, err
		}
		if ok {
			i.logger.Info("already installed", "id", rec.ID, "path", rec.Path)
			out.Record, out.AlreadyInstalled = rec, true
			return out, nil
		}
	}

	defer func() {
		if err := i.payloads.Close(ctx); err != nil {
			i.logger.Warn("could not update hash registry", "error", err)
		}
	}()

	i.phase(PhasePayloads)
	payloads := res.Payloads()
	files, err := i.payloads.FetchAll(ctx, requests(payloads))
	if err != nil {
		return Outcome{}, err
	}
	out.Payloads = len(payloads)

	installers := map[string]string{}
	for name := range res.SDKPayloads {
		installers[name] = files[name].Path
	}
	i.phase(PhaseCabinets)
	cabs, err := i.matcher.Cabinets(installers, res.SDKInstallers)
	if err != nil {
		return Outcome{}, err
	}
	cabFiles, err := i.payloads.FetchAll(ctx, requests(sortedPayloads(cabs)))
	if err != nil {
		return Outcome{}, err
	}
	out.Cabinets = len(cabs)

	local := make(map[string]string, len(files)+len(cabFiles))
	for name, r := range files {
		local[name] = r.Path
	}
	for name, r := range cabFiles {
		local[name] = r.Path
	}

	output := req.Output
	if output == "" {
		output = i.output(sel.MSVCFullVersion, sel.SDKVersion)
	}
	if output, err = filepath.Abs(output); err != nil {
		return Outcome{}, fmt.Errorf("resolve output: %w", err)
	}
	i.phase(PhaseExtract)
	if _, err := i.extractor.Extract(ctx, local, output); err != nil {
		return Outcome{}, err
	}

	detected, err := layout.Detect(output)
	if err != nil {
		return Outcome{}, err
	}
	i.logger.Info("detected toolchain",
		"msvc_manifest", sel.MSVCFullVersion,
		"msvc_internal", detected.MSVC,
		"sdk", detected.SDK)

	if !req.Force {
		rec, ok, err := i.store.IsInstalled(ctx, status.Query{
			MSVCVersion: detected.MSVC,
			SDKVersion:  detected.SDK,
			Host:        res.Host,
			Targets:     res.Targets,
		})
		if err != nil {
			return Outcome{}, err
		}
		if ok && rec.Path != output {
			i.logger.Info("detected toolchain already installed, discarding new tree", "id", rec.ID, "path", rec.Path)
			if err := os.RemoveAll(output); err != nil {
				return Outcome{}, fmt.Errorf("discard duplicate tree: %w", err)
			}
			out.Record, out.AlreadyInstalled = rec, true
			return out, nil
		}
	}

	i.phase(PhaseLayout)
	n := &layout.Normalizer{
		Root:     output,
		Versions: detected,
		Host:     res.Host,
		Targets:  res.Targets,
		Logger:   i.logger,
	}
	env, err := n.Finish()
	if err != nil {
		return Outcome{}, err
	}
	out.Env = &env

	i.phase(PhaseRecording)
	rec, err := i.store.Save(ctx, status.Record{
		Path:                output,
		MSVCVersion:         sel.MSVCFullVersion,
		MSVCInternalVersion: detected.MSVC,
		SDKVersion:          sel.SDKVersion,
		SDKInternalVersion:  detected.SDK,
		Host:                res.Host,
		Targets:             res.Targets,
	})
	if err != nil {
		return Outcome{}, err
	}
	out.Record = rec
	i.logger.Info("install complete", "id", rec.ID, "path", rec.Path)
	return out, nil
}

func (i *Installer) phase(p Phase) {
	i.logger.Debug("install phase", "phase", string(p))
	if i.onPhase != nil {
		i.onPhase(p)
	}
}

func requests(payloads []resolve.Payload) []download.Request {
	out := make([]download.Request, len(payloads))
	for i, p := range payloads {
		out[i] = download.Request{Name: p.Name, URL: p.URL, SHA256: p.SHA256, Size: p.Size}
	}
	return out
}

func sortedPayloads(m map[string]resolve.Payload) []resolve.Payload {
	out := make([]resolve.Payload, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
