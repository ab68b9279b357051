// Package arch names the host and target architectures a toolchain can be
// assembled for.
package arch

import (
	"fmt"
	"slices"
	"strings"
)

const (
	X64   = "x64"
	X86   = "x86"
	ARM   = "arm"
	ARM64 = "arm64"

	// DefaultHost is used when no host is configured.
	DefaultHost = X64
	// DefaultTarget is used when no target is configured and the host is unknown.
	DefaultTarget = X64

	// All expands to every target on the command line.
	All = "all"
)

// Hosts lists every supported host architecture.
func Hosts() []string { return []string{X64, X86, ARM64} }

// Targets lists every supported target architecture, in catalog order.
func Targets() []string { return []string{X64, X86, ARM, ARM64} }

// ValidHost reports whether h is a supported host.
func ValidHost(h string) bool { return slices.Contains(Hosts(), h) }

// ValidTarget reports whether t is a supported target.
func ValidTarget(t string) bool { return slices.Contains(Targets(), t) }

// NormalizeHost lower-cases and validates a host architecture.
func NormalizeHost(h string) (string, error) {
	h = strings.ToLower(strings.TrimSpace(h))
	if h == "" {
		return DefaultHost, nil
	}
	if !ValidHost(h) {
		return "", fmt.Errorf("unknown host architecture %q (supported: %s)", h, strings.Join(Hosts(), ", "))
	}
	return h, nil
}

// NormalizeTargets lower-cases, validates and de-duplicates targets while
// keeping their order. An empty list defaults to the host; "all" anywhere in
// the list expands to every target. Comma-separated entries are split.
func NormalizeTargets(raw []string, host string) ([]string, error) {
	var split []string
	for _, r := range raw {
		for _, part := range strings.Split(r, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part != "" {
				split = append(split, part)
			}
		}
	}
	if len(split) == 0 {
		if ValidTarget(host) {
			return []string{host}, nil
		}
		return []string{DefaultTarget}, nil
	}
	if slices.Contains(split, All) {
		return Targets(), nil
	}
	out := make([]string, 0, len(split))
	for _, t := range split {
		if !ValidTarget(t) {
			return nil, fmt.Errorf("unknown target architecture %q (supported: %s)", t, strings.Join(Targets(), ", "))
		}
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out, nil
}
