package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"portablemsvc/internal/config"
)

// HomeEnv relocates every root under a single directory when set.
const HomeEnv = "PORTABLEMSVC_HOME"

const appName = "portablemsvc"

// Dirs captures the canonical locations used by one run. It is resolved once
// at the top level and passed to the components that need a path.
type Dirs struct {
	Config string
	Data   string
	Cache  string
	Temp   string
	Logs   string
}

// Default returns the per-OS default roots.
func Default() (Dirs, error) {
	if override, ok := os.LookupEnv(HomeEnv); ok && strings.TrimSpace(override) != "" {
		abs, err := filepath.Abs(override)
		if err != nil {
			return Dirs{}, fmt.Errorf("resolve %s: %w", HomeEnv, err)
		}
		return underRoot(abs), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return Dirs{}, fmt.Errorf("detect user home: %w", err)
	}

	var d Dirs
	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Local")
		}
		return underRoot(filepath.Join(base, "PortableMSVC")), nil
	case "darwin":
		support := filepath.Join(home, "Library", "Application Support", "PortableMSVC")
		d = Dirs{
			Config: support,
			Data:   filepath.Join(support, "toolchains"),
			Cache:  filepath.Join(home, "Library", "Caches", "PortableMSVC"),
		}
	default:
		d = Dirs{
			Config: filepath.Join(xdg("XDG_CONFIG_HOME", filepath.Join(home, ".config")), appName),
			Data:   filepath.Join(xdg("XDG_DATA_HOME", filepath.Join(home, ".local", "share")), appName),
			Cache:  filepath.Join(xdg("XDG_CACHE_HOME", filepath.Join(home, ".cache")), appName),
		}
	}
	d.Temp = filepath.Join(d.Cache, "tmp")
	d.Logs = filepath.Join(d.Cache, "logs")
	return d, nil
}

// Resolve applies the configured overrides on top of the defaults.
func Resolve(cfg config.Config) (Dirs, error) {
	d, err := Default()
	if err != nil {
		return Dirs{}, err
	}
	overrides := []struct {
		value string
		dst   *string
	}{
		{cfg.Dirs.Config, &d.Config},
		{cfg.Dirs.Data, &d.Data},
		{cfg.Dirs.Cache, &d.Cache},
		{cfg.Dirs.Temp, &d.Temp},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(o.value); v != "" {
			abs, err := filepath.Abs(v)
			if err != nil {
				return Dirs{}, fmt.Errorf("resolve %s: %w", v, err)
			}
			*o.dst = abs
		}
	}
	if cfg.Dirs.Cache != "" {
		if cfg.Dirs.Temp == "" {
			d.Temp = filepath.Join(d.Cache, "tmp")
		}
		d.Logs = filepath.Join(d.Cache, "logs")
	}
	return d, nil
}

func underRoot(root string) Dirs {
	return Dirs{
		Config: filepath.Join(root, "config"),
		Data:   filepath.Join(root, "toolchains"),
		Cache:  filepath.Join(root, "cache"),
		Temp:   filepath.Join(root, "cache", "tmp"),
		Logs:   filepath.Join(root, "cache", "logs"),
	}
}

func xdg(env, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" && filepath.IsAbs(v) {
		return v
	}
	return fallback
}

// ConfigFile is the YAML config location.
func (d Dirs) ConfigFile() string { return filepath.Join(d.Config, config.FileName) }

// StatusFile is the installed-toolchain table.
func (d Dirs) StatusFile() string { return filepath.Join(d.Config, "installed.json") }

// Downloads holds content-addressed payloads.
func (d Dirs) Downloads() string { return filepath.Join(d.Cache, "downloads") }

// Manifests holds cached channel and catalog documents.
func (d Dirs) Manifests() string { return filepath.Join(d.Cache, "manifests") }

// DefaultOutput is where a toolchain lands when no output is given.
func (d Dirs) DefaultOutput(msvcFull, sdk string) string {
	return filepath.Join(d.Data, fmt.Sprintf("msvc-%s_sdk-%s", msvcFull, sdk))
}

// Ensure creates every root.
func (d Dirs) Ensure() error {
	for _, dir := range []string{d.Config, d.Data, d.Cache, d.Temp, d.Logs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// FileExists reports whether a path exists and is a regular file.
func FileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// DirExists reports whether a path exists and is a directory.
func DirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// WriteFileAtomic replaces path with data through a synced temp file in the
// same directory, so readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	committed = true
	return nil
}
