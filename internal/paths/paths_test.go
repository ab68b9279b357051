package paths

import (
	"os"
	"path/filepath"
	"testing"

	"portablemsvc/internal/config"
)

func TestDefaultHonoursHomeOverride(t *testing.T) {
	root := t.TempDir()
	t.Setenv(HomeEnv, root)

	d, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if d.Config != filepath.Join(root, "config") {
		t.Fatalf("expected config under %s, got %s", root, d.Config)
	}
	if d.Downloads() != filepath.Join(root, "cache", "downloads") {
		t.Fatalf("unexpected downloads dir %s", d.Downloads())
	}
	if d.StatusFile() != filepath.Join(root, "config", "installed.json") {
		t.Fatalf("unexpected status file %s", d.StatusFile())
	}
}

func TestResolveAppliesOverrides(t *testing.T) {
	root := t.TempDir()
	t.Setenv(HomeEnv, root)

	cache := filepath.Join(root, "elsewhere")
	cfg := config.Default()
	cfg.Dirs.Cache = cache

	d, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Cache != cache {
		t.Fatalf("expected cache %s, got %s", cache, d.Cache)
	}
	if d.Temp != filepath.Join(cache, "tmp") {
		t.Fatalf("expected temp to follow cache, got %s", d.Temp)
	}
	if d.Data != filepath.Join(root, "toolchains") {
		t.Fatalf("expected data default, got %s", d.Data)
	}
}

func TestDefaultOutput(t *testing.T) {
	d := Dirs{Data: "/data"}
	got := d.DefaultOutput("14.44.17.14", "26100")
	want := filepath.Join("/data", "msvc-14.44.17.14_sdk-26100")
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestEnsureAndExists(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	d, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if err := d.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	ok, err := DirExists(d.Logs)
	if err != nil || !ok {
		t.Fatalf("expected logs dir to exist: %v", err)
	}
	file := filepath.Join(d.Config, "x")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if ok, _ := FileExists(file); !ok {
		t.Fatal("expected file to exist")
	}
	if ok, _ := FileExists(d.Config); ok {
		t.Fatal("directory must not count as file")
	}
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "sub", "table.json")
	if err := WriteFileAtomic(target, []byte("one"), 0o644); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFileAtomic(target, []byte("two"), 0o644); err != nil {
		t.Fatalf("second write: %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "two" {
		t.Fatalf("expected replaced content, got %q", data)
	}
	entries, err := os.ReadDir(filepath.Dir(target))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected no leftover temp files, got %d entries", len(entries))
	}
}
