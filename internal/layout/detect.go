// Package layout turns an extracted toolchain tree into a relocatable
// installation: it detects the versions actually on disk, trims what the
// requested host and targets do not need and writes activation files.
package layout

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrNoToolchain means the extracted tree holds no usable compiler or SDK.
var ErrNoToolchain = errors.New("no toolchain found in extracted tree")

// Compiler drivers probed in order when detecting the MSVC version.
var driverNames = []string{"cl.exe", "link.exe"}

// Versions are the tool versions found on disk. They may differ from the
// versions the catalog advertises.
type Versions struct {
	MSVC string `json:"msvc"`
	SDK  string `json:"sdk"`
}

func msvcRoot(root string) string { return filepath.Join(root, "VC", "Tools", "MSVC") }
func sdkRoot(root string) string  { return filepath.Join(root, "Windows Kits", "10") }

// Detect finds the MSVC tools folder that really contains a compiler driver
// and the SDK version under the SDK bin folder.
func Detect(root string) (Versions, error) {
	msvc, err := detectMSVC(root)
	if err != nil {
		return Versions{}, err
	}
	sdk, err := detectSDK(root)
	if err != nil {
		return Versions{}, err
	}
	return Versions{MSVC: msvc, SDK: sdk}, nil
}

func detectMSVC(root string) (string, error) {
	dirs, err := subdirs(msvcRoot(root))
	if err != nil {
		return "", fmt.Errorf("%w: no VC/Tools/MSVC folder", ErrNoToolchain)
	}
	for _, driver := range driverNames {
		for _, d := range dirs {
			found, err := containsFile(filepath.Join(msvcRoot(root), d, "bin"), driver)
			if err != nil {
				return "", err
			}
			if found {
				return d, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no %s in any VC/Tools/MSVC folder", ErrNoToolchain, strings.Join(driverNames, " or "))
}

func detectSDK(root string) (string, error) {
	dirs, err := subdirs(filepath.Join(sdkRoot(root), "bin"))
	if err != nil {
		return "", fmt.Errorf("%w: no Windows Kits/10/bin folder", ErrNoToolchain)
	}
	var versions []string
	for _, d := range dirs {
		if _, ok := parseVersion(d); ok {
			versions = append(versions, d)
		}
	}
	if len(versions) == 0 {
		return "", fmt.Errorf("%w: no SDK version under Windows Kits/10/bin", ErrNoToolchain)
	}
	sort.Slice(versions, func(i, j int) bool { return compareVersions(versions[i], versions[j]) < 0 })
	return versions[len(versions)-1], nil
}

func subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

var errFound = errors.New("found")

func containsFile(dir, name string) (bool, error) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipDir
			}
			return err
		}
		if !d.IsDir() && strings.EqualFold(d.Name(), name) {
			return errFound
		}
		return nil
	})
	switch {
	case errors.Is(err, errFound):
		return true, nil
	case err != nil:
		return false, err
	}
	return false, nil
}

func parseVersion(s string) ([]int, bool) {
	parts := strings.Split(s, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}

// compareVersions orders dotted numeric versions component by component.
func compareVersions(a, b string) int {
	av, _ := parseVersion(a)
	bv, _ := parseVersion(b)
	for i := 0; i < len(av) && i < len(bv); i++ {
		if av[i] != bv[i] {
			if av[i] < bv[i] {
				return -1
			}
			return 1
		}
	}
	return len(av) - len(bv)
}
