// Package msi finds the cabinet files an SDK installer package references.
package msi

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"portablemsvc/internal/logx"
	"portablemsvc/internal/manifest"
	"portablemsvc/internal/resolve"
)

const (
	cabMarker = ".cab"
	// nameWidth is the fixed width of a cabinet name record before the marker.
	nameWidth = 32
)

// benignPrefixes name cabinets that never have a payload record.
var benignPrefixes = []string{"exit.", "inserted."}

// Scanner lists the cabinet names embedded in an installer package.
type Scanner interface {
	CabNames(data []byte) []string
}

// MarkerScanner finds every ".cab" marker and reads the fixed-width name
// record ending at it. It does not parse the installer container, so any
// window that is not plain ASCII is dropped.
type MarkerScanner struct{}

func (MarkerScanner) CabNames(data []byte) []string {
	var names []string
	marker := []byte(cabMarker)
	idx := 0
	for {
		next := bytes.Index(data[min(idx+len(marker), len(data)):], marker)
		if next < 0 {
			break
		}
		idx = idx + len(marker) + next
		if idx < nameWidth {
			continue
		}
		window := data[idx-nameWidth : idx+len(marker)]
		if !isASCII(window) {
			continue
		}
		names = append(names, string(window))
	}
	return names
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= 0x80 {
			return false
		}
	}
	return true
}

// Matcher maps cabinet names found in downloaded installers onto the
// payloads of the SDK installer package.
type Matcher struct {
	scanner Scanner
	logger  *slog.Logger
}

// NewMatcher returns a Matcher using scanner, or MarkerScanner when nil.
func NewMatcher(scanner Scanner, logger *slog.Logger) *Matcher {
	if scanner == nil {
		scanner = MarkerScanner{}
	}
	return &Matcher{scanner: scanner, logger: logx.OrDiscard(logger)}
}

// Cabinets reads every .msi in files (name to local path) and returns the
// payloads for the cabinets they reference, keyed by file name. Names without
// a payload record are logged and skipped.
func (m *Matcher) Cabinets(files map[string]string, installers manifest.Package) (map[string]resolve.Payload, error) {
	lookup := make(map[string]manifest.Payload, len(installers.Payloads))
	for _, p := range installers.Payloads {
		lookup[strings.ToLower(baseName(p.FileName))] = p
	}

	names := make([]string, 0, len(files))
	for name := range files {
		if strings.HasSuffix(strings.ToLower(name), ".msi") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := map[string]resolve.Payload{}
	for _, name := range names {
		data, err := os.ReadFile(files[name])
		if err != nil {
			return nil, fmt.Errorf("read installer %s: %w", name, err)
		}
		for _, raw := range m.scanner.CabNames(data) {
			cab := strings.ToLower(baseName(raw))
			p, ok := lookup[cab]
			if !ok {
				if !hasBenignPrefix(cab) {
					m.logger.Warn("no payload record for embedded cabinet", "installer", name, "cab", raw)
				}
				continue
			}
			file := baseName(p.FileName)
			if _, seen := out[file]; seen {
				continue
			}
			out[file] = resolve.Payload{
				Name:    file,
				URL:     p.URL,
				SHA256:  strings.ToLower(p.SHA256),
				Size:    p.Size,
				Package: installers.ID,
			}
		}
	}
	m.logger.Info("matched installer cabinets", "installers", len(names), "cabinets", len(out))
	return out, nil
}

func baseName(name string) string {
	if i := strings.LastIndexAny(name, `\/`); i >= 0 {
		return name[i+1:]
	}
	return name
}

func hasBenignPrefix(name string) bool {
	for _, p := range benignPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
