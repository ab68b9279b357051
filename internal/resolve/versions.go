package resolve

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"portablemsvc/internal/fault"
	"portablemsvc/internal/manifest"
)

const (
	msvcPrefix     = "microsoft.vc."
	msvcSuffix     = ".tools.hostx64.targetx64.base"
	win10SDKPrefix = "microsoft.visualstudio.component.windows10sdk."
	win11SDKPrefix = "microsoft.visualstudio.component.windows11sdk."
)

// Versions holds every toolchain and SDK version a catalog advertises.
type Versions struct {
	// MSVC maps a major.minor bucket to the package id carrying it.
	MSVC map[string]string
	// SDK maps an SDK build number to its component package id.
	SDK map[string]string
}

// Discover scans catalog ids for MSVC buckets and SDK versions.
func Discover(ix manifest.Index, logger *slog.Logger) (Versions, error) {
	ids := make([]string, 0, len(ix))
	for id := range ix {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	v := Versions{MSVC: map[string]string{}, SDK: map[string]string{}}
	for _, id := range ids {
		switch {
		case strings.HasPrefix(id, msvcPrefix) && strings.HasSuffix(id, msvcSuffix):
			parts := strings.Split(id, ".")
			if len(parts) < 6 || !isDigits(parts[2]) || !isDigits(parts[3]) {
				logger.Warn("skipping malformed MSVC package id", "id", id)
				continue
			}
			bucket := parts[2] + "." + parts[3]
			if prev, ok := v.MSVC[bucket]; ok && !preferMSVC(id, prev) {
				continue
			}
			v.MSVC[bucket] = id
		case strings.HasPrefix(id, win10SDKPrefix) || strings.HasPrefix(id, win11SDKPrefix):
			ver := id[strings.LastIndex(id, ".")+1:]
			if !isDigits(ver) {
				logger.Warn("skipping malformed SDK package id", "id", id)
				continue
			}
			// Sorted iteration lets a Windows 11 component win over a Windows 10 one.
			v.SDK[ver] = id
		}
	}

	if len(v.MSVC) == 0 {
		return Versions{}, fault.Schemaf("discover versions", "no MSVC versions found in catalog")
	}
	if len(v.SDK) == 0 {
		return Versions{}, fault.Schemaf("discover versions", "no SDK versions found in catalog")
	}
	return v, nil
}

// preferMSVC picks between two ids filed under one bucket: the higher full
// version wins, then the shorter (plain tools) id.
func preferMSVC(candidate, current string) bool {
	cf, pf := FullVersion(candidate), FullVersion(current)
	if cf != pf {
		return cf > pf
	}
	return len(candidate) < len(current)
}

// FullVersion extracts the 4-part build from an MSVC package id.
func FullVersion(packageID string) string {
	parts := strings.Split(strings.ToLower(packageID), ".")
	if len(parts) < 6 {
		return ""
	}
	return strings.Join(parts[2:6], ".")
}

// MSVCBuckets returns the sorted bucket versions.
func (v Versions) MSVCBuckets() []string { return sortedKeys(v.MSVC) }

// MSVCFull returns the sorted 4-part builds.
func (v Versions) MSVCFull() []string {
	out := make([]string, 0, len(v.MSVC))
	for _, id := range v.MSVC {
		out = append(out, FullVersion(id))
	}
	sort.Strings(out)
	return out
}

// SDKVersions returns the sorted SDK versions.
func (v Versions) SDKVersions() []string { return sortedKeys(v.SDK) }

// SelectMSVC picks the bucket for a request: "" selects the highest bucket, a
// major.minor request must name a bucket, and a 4-part request must match a
// bucket's full build exactly.
func (v Versions) SelectMSVC(requested string) (bucket, full, packageID string, err error) {
	requested = strings.TrimSpace(requested)
	switch strings.Count(requested, ".") {
	case 0:
		if requested == "" {
			buckets := v.MSVCBuckets()
			bucket = buckets[len(buckets)-1]
			break
		}
		return "", "", "", fault.NotFound("select msvc", fmt.Sprintf("MSVC version %s", requested), v.MSVCBuckets())
	case 1:
		if _, ok := v.MSVC[requested]; !ok {
			return "", "", "", fault.NotFound("select msvc", fmt.Sprintf("MSVC version %s", requested), v.MSVCBuckets())
		}
		bucket = requested
	case 3:
		for b, id := range v.MSVC {
			if FullVersion(id) == requested {
				bucket = b
				break
			}
		}
		if bucket == "" {
			return "", "", "", fault.NotFound("select msvc", fmt.Sprintf("full MSVC version %s", requested), v.MSVCFull())
		}
	default:
		return "", "", "", fault.NotFound("select msvc", fmt.Sprintf("MSVC version %s", requested), v.MSVCBuckets())
	}
	packageID = v.MSVC[bucket]
	return bucket, FullVersion(packageID), packageID, nil
}

// SelectSDK picks the SDK version; "" selects the highest.
func (v Versions) SelectSDK(requested string) (version, packageID string, err error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		versions := v.SDKVersions()
		requested = versions[len(versions)-1]
	}
	id, ok := v.SDK[requested]
	if !ok {
		return "", "", fault.NotFound("select sdk", fmt.Sprintf("SDK version %s", requested), v.SDKVersions())
	}
	return requested, id, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
