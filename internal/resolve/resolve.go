// Package resolve turns a package catalog into the concrete package ids and
// payloads needed for one toolchain selection.
package resolve

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"portablemsvc/internal/arch"
	"portablemsvc/internal/fault"
	"portablemsvc/internal/logx"
	"portablemsvc/internal/manifest"
)

const (
	redistUmbrellaPrefix = "microsoft.visualcpp.crt.redist."
	redistDepSuffix      = ".base"
	sdkInstallerPrefix   = `Installers\`
)

// Request describes the toolchain wanted.
type Request struct {
	Host    string
	Targets []string
	// MSVCVersion is empty, a major.minor bucket or a 4-part build.
	MSVCVersion string
	SDKVersion  string
}

// Selection is the chosen toolchain. MSVCFullVersion always starts with
// MSVCVersion.
type Selection struct {
	MSVCVersion     string `json:"msvc_version"`
	MSVCFullVersion string `json:"msvc_full_version"`
	MSVCPackage     string `json:"msvc_package"`
	SDKVersion      string `json:"sdk_version"`
	SDKPackage      string `json:"sdk_package"`
}

// Payload is one file to fetch.
type Payload struct {
	Name    string
	URL     string
	SHA256  string
	Size    int64
	Package string
}

// Result is the outcome of resolving a request against a catalog.
type Result struct {
	Versions  Versions
	Selection Selection
	Host      string
	Targets   []string

	MSVCPackages []string
	SDKPackages  []string
	// Missing lists required ids or installers with no payload in the catalog.
	Missing []string

	MSVCPayloads map[string]Payload
	SDKPayloads  map[string]Payload

	// SDKInstallers is the record whose payloads include every SDK installer
	// and the cabinets they reference.
	SDKInstallers manifest.Package
}

// Resolver resolves requests. It holds no state besides its logger.
type Resolver struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Resolver {
	return &Resolver{logger: logx.OrDiscard(logger)}
}

// Resolve selects versions and computes package sets and payload maps. The
// output is identical for identical catalog and request.
func (r *Resolver) Resolve(cat *manifest.Catalog, req Request) (*Result, error) {
	if cat == nil {
		return nil, fault.Schemaf("resolve", "nil catalog")
	}
	host, err := arch.NormalizeHost(req.Host)
	if err != nil {
		return nil, err
	}
	targets, err := arch.NormalizeTargets(req.Targets, host)
	if err != nil {
		return nil, err
	}

	ix := cat.Index()
	versions, err := Discover(ix, r.logger)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Versions:     versions,
		Host:         host,
		Targets:      targets,
		MSVCPayloads: map[string]Payload{},
		SDKPayloads:  map[string]Payload{},
	}
	sel := &res.Selection
	if sel.MSVCVersion, sel.MSVCFullVersion, sel.MSVCPackage, err = versions.SelectMSVC(req.MSVCVersion); err != nil {
		return nil, err
	}
	if sel.SDKVersion, sel.SDKPackage, err = versions.SelectSDK(req.SDKVersion); err != nil {
		return nil, err
	}

	res.MSVCPackages = r.resolveRedist(ix, MSVCPackages(sel.MSVCFullVersion, host, targets), targets)
	res.SDKPackages = SDKPackages(targets)

	installers, err := sdkInstallers(ix, sel.SDKPackage)
	if err != nil {
		return nil, err
	}
	res.SDKInstallers = installers

	sortedMSVC := append([]string(nil), res.MSVCPackages...)
	sort.Strings(sortedMSVC)
	for _, id := range sortedMSVC {
		pkg, ok := ix.English(id)
		if !ok {
			r.logger.Warn("package missing from catalog", "id", id)
			res.Missing = append(res.Missing, id)
			continue
		}
		if len(pkg.Payloads) == 0 {
			r.logger.Warn("package has no payloads", "id", id)
			res.Missing = append(res.Missing, id)
			continue
		}
		for _, p := range pkg.Payloads {
			res.MSVCPayloads[p.FileName] = payloadOf(p.FileName, p, id)
		}
	}

	sortedSDK := append([]string(nil), res.SDKPackages...)
	sort.Strings(sortedSDK)
	for _, name := range sortedSDK {
		p, ok := findInstaller(installers, name)
		if !ok {
			r.logger.Warn("SDK installer missing from catalog", "name", name)
			res.Missing = append(res.Missing, name)
			continue
		}
		res.SDKPayloads[name] = payloadOf(name, p, installers.ID)
	}

	r.logger.Info("resolved toolchain",
		"msvc", sel.MSVCFullVersion,
		"sdk", sel.SDKVersion,
		"host", host,
		"targets", strings.Join(targets, ","),
		"msvc_payloads", len(res.MSVCPayloads),
		"sdk_payloads", len(res.SDKPayloads),
	)
	return res, nil
}

// MSVCPackages lists the MSVC package ids for a full build, host and targets.
func MSVCPackages(full, host string, targets []string) []string {
	ids := []string{
		"microsoft.visualcpp.dia.sdk",
		"microsoft.vc." + full + ".crt.headers.base",
		"microsoft.vc." + full + ".crt.source.base",
		"microsoft.vc." + full + ".asan.headers.base",
		"microsoft.vc." + full + ".pgo.headers.base",
	}
	for _, t := range targets {
		ids = append(ids,
			fmt.Sprintf("microsoft.vc.%s.tools.host%s.target%s.base", full, host, t),
			fmt.Sprintf("microsoft.vc.%s.tools.host%s.target%s.res.base", full, host, t),
			fmt.Sprintf("microsoft.vc.%s.crt.%s.desktop.base", full, t),
			fmt.Sprintf("microsoft.vc.%s.crt.%s.store.base", full, t),
			fmt.Sprintf("microsoft.vc.%s.premium.tools.host%s.target%s.base", full, host, t),
			fmt.Sprintf("microsoft.vc.%s.pgo.%s.base", full, t),
		)
		if t == arch.X86 || t == arch.X64 {
			ids = append(ids, fmt.Sprintf("microsoft.vc.%s.asan.%s.base", full, t))
		}
		ids = append(ids, fmt.Sprintf("microsoft.vc.%s.crt.redist.%s%s.base", full, t, redistSuffix(t)))
	}
	return ids
}

// SDKPackages lists the SDK installer names. Headers are fetched for every
// architecture; libraries only for the requested targets.
func SDKPackages(targets []string) []string {
	names := []string{
		"Windows SDK for Windows Store Apps Tools-x86_en-us.msi",
		"Windows SDK for Windows Store Apps Headers-x86_en-us.msi",
		"Windows SDK for Windows Store Apps Headers OnecoreUap-x86_en-us.msi",
		"Windows SDK for Windows Store Apps Libs-x86_en-us.msi",
		"Universal CRT Headers Libraries and Sources-x86_en-us.msi",
	}
	for _, a := range arch.Targets() {
		names = append(names,
			fmt.Sprintf("Windows SDK Desktop Headers %s-x86_en-us.msi", a),
			fmt.Sprintf("Windows SDK OnecoreUap Headers %s-x86_en-us.msi", a),
		)
	}
	for _, t := range targets {
		names = append(names, fmt.Sprintf("Windows SDK Desktop Libs %s-x86_en-us.msi", t))
	}
	return names
}

func redistSuffix(target string) string {
	if target == arch.ARM {
		return ".onecore.desktop"
	}
	return ""
}

// resolveRedist replaces redistributable ids absent from the catalog with the
// architecture package listed under the generic redist umbrella. The result
// is de-duplicated.
func (r *Resolver) resolveRedist(ix manifest.Index, ids, targets []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(ids))
	add := func(id string) {
		key := strings.ToLower(id)
		if !seen[key] {
			seen[key] = true
			out = append(out, id)
		}
	}

	for _, id := range ids {
		if _, ok := ix.Lookup(id); ok {
			add(id)
			continue
		}
		if dep, ok := redistDependency(ix, id, targets); ok {
			r.logger.Debug("redist resolved through umbrella", "id", id, "dependency", dep)
			add(dep)
			continue
		}
		add(id)
	}
	return out
}

func redistDependency(ix manifest.Index, id string, targets []string) (string, bool) {
	lower := strings.ToLower(id)
	if !strings.Contains(lower, "crt.redist") {
		return "", false
	}
	for _, t := range targets {
		suffix := redistSuffix(t)
		if !strings.Contains(lower, "."+t+suffix+".") {
			continue
		}
		pkgs, ok := ix.Lookup(redistUmbrellaPrefix + t + suffix)
		if !ok {
			continue
		}
		for _, dep := range pkgs[0].Dependencies {
			if strings.HasSuffix(strings.ToLower(dep), redistDepSuffix) {
				return dep, true
			}
		}
	}
	return "", false
}

func sdkInstallers(ix manifest.Index, sdkPackage string) (manifest.Package, error) {
	pkgs, ok := ix.Lookup(sdkPackage)
	if !ok {
		return manifest.Package{}, fault.Schemaf("resolve sdk", "package %s missing", sdkPackage)
	}
	if len(pkgs[0].Dependencies) == 0 {
		return manifest.Package{}, fault.Schemaf("resolve sdk", "package %s has no dependencies", sdkPackage)
	}
	dep := pkgs[0].Dependencies[0]
	deps, ok := ix.Lookup(dep)
	if !ok {
		return manifest.Package{}, fault.Schemaf("resolve sdk", "installer package %s missing", dep)
	}
	return deps[0], nil
}

func findInstaller(pkg manifest.Package, name string) (manifest.Payload, bool) {
	want := sdkInstallerPrefix + name
	for _, p := range pkg.Payloads {
		if p.FileName == want {
			return p, true
		}
	}
	return manifest.Payload{}, false
}

func payloadOf(name string, p manifest.Payload, pkg string) Payload {
	return Payload{
		Name:    name,
		URL:     p.URL,
		SHA256:  strings.ToLower(p.SHA256),
		Size:    p.Size,
		Package: pkg,
	}
}

// Payloads returns every MSVC and SDK payload ordered by name.
func (r *Result) Payloads() []Payload {
	out := make([]Payload, 0, len(r.MSVCPayloads)+len(r.SDKPayloads))
	for _, p := range r.MSVCPayloads {
		out = append(out, p)
	}
	for _, p := range r.SDKPayloads {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
