package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	dir   string
	store *Store
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	n := 0
	var mu sync.Mutex
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := Open(Options{
		Path: filepath.Join(dir, "config", "installed.json"),
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Minute)
			return clock
		},
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("id-%d", n)
		},
	})
	return env{dir: dir, store: store}
}

func (e env) installDir(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(e.dir, "data", name)
	require.NoError(t, os.MkdirAll(p, 0o755))
	return p
}

func record(path string, targets ...string) Record {
	return Record{
		Path:                path,
		MSVCVersion:         "14.44.17.14",
		MSVCInternalVersion: "14.44.35207",
		SDKVersion:          "26100",
		SDKInternalVersion:  "10.0.26100.0",
		Host:                "x64",
		Targets:             targets,
	}
}

func TestSaveAndList(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	saved, err := e.store.Save(ctx, record(e.installDir(t, "a"), "x64", "x86"))
	require.NoError(t, err)
	assert.Equal(t, "id-1", saved.ID)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC), saved.InstalledAt)

	list, err := e.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, saved, list[0])

	// On-disk shape.
	data, err := os.ReadFile(e.store.Path())
	require.NoError(t, err)
	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	entry := raw["id-1"]
	assert.Equal(t, "14.44.17.14", entry["msvc_version"])
	assert.Equal(t, "14.44.35207", entry["msvc_internal_version"])
	assert.Equal(t, "26100", entry["sdk_version"])
	assert.Equal(t, "x64", entry["host"])
	assert.Equal(t, []any{"x64", "x86"}, entry["targets"])
	assert.Equal(t, "2025-06-01T12:01:00Z", entry["installed_at"])
	assert.NotContains(t, entry, "ID")

	assert.NoFileExists(t, e.store.Path()+".lock")
}

func TestIsInstalledSupersetTargets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.store.Save(ctx, record(e.installDir(t, "a"), "x64", "x86"))
	require.NoError(t, err)

	tests := []struct {
		name string
		q    Query
		want bool
	}{
		{"subset", Query{Host: "x64", Targets: []string{"x64"}}, true},
		{"equal set", Query{Host: "x64", Targets: []string{"x86", "x64"}}, true},
		{"extra target", Query{Host: "x64", Targets: []string{"x64", "arm64"}}, false},
		{"other host", Query{Host: "arm64", Targets: []string{"x64"}}, false},
		{"advertised versions", Query{MSVCVersion: "14.44.17.14", SDKVersion: "26100", Host: "x64", Targets: []string{"x64"}}, true},
		{"detected versions", Query{MSVCVersion: "14.44.35207", SDKVersion: "10.0.26100.0", Host: "x64", Targets: []string{"x64"}}, true},
		{"other msvc", Query{MSVCVersion: "14.43.17.10", Host: "x64", Targets: []string{"x64"}}, false},
		{"other sdk", Query{SDKVersion: "22621", Host: "x64", Targets: []string{"x64"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, ok, err := e.store.IsInstalled(ctx, tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			if tt.want {
				assert.Equal(t, "id-1", rec.ID)
			}
		})
	}
}

func TestIsInstalledIgnoresMissingPath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	dir := e.installDir(t, "a")
	_, err := e.store.Save(ctx, record(dir, "x64"))
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	_, ok, err := e.store.IsInstalled(ctx, Query{Host: "x64", Targets: []string{"x64"}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	dir := e.installDir(t, "a")
	first, err := e.store.Save(ctx, record(dir, "x64", "x86"))
	require.NoError(t, err)
	second, err := e.store.Save(ctx, record(dir, "x64"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	list, err := e.store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRemove(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	keep := e.installDir(t, "keep")
	drop := e.installDir(t, "drop")
	a, err := e.store.Save(ctx, record(keep, "x64"))
	require.NoError(t, err)
	b, err := e.store.Save(ctx, record(drop, "arm64"))
	require.NoError(t, err)

	_, err = e.store.Remove(ctx, a.ID, false)
	require.NoError(t, err)
	assert.DirExists(t, keep)

	removed, err := e.store.Remove(ctx, b.ID, true)
	require.NoError(t, err)
	assert.Equal(t, drop, removed.Path)
	assert.NoDirExists(t, drop)

	list, err := e.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = e.store.Remove(ctx, "nope", false)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.store.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestOrdersBySemver(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.store.Latest(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	old := record(e.installDir(t, "old"), "x64")
	old.MSVCVersion, old.MSVCInternalVersion = "14.9.1.1", "14.9.30000"
	newer := record(e.installDir(t, "new"), "x86")
	newer.MSVCVersion, newer.MSVCInternalVersion = "14.44.17.14", "14.44.35207"
	gone := record(filepath.Join(e.dir, "missing"), "arm64")
	gone.MSVCVersion, gone.MSVCInternalVersion = "14.50.1.1", "14.50.40000"

	for _, r := range []Record{newer, old, gone} {
		_, err := e.store.Save(ctx, r)
		require.NoError(t, err)
	}

	latest, err := e.store.Latest(ctx)
	require.NoError(t, err)
	// Lexical order would pick 14.9; the missing 14.50 install is skipped.
	assert.Equal(t, "14.44.35207", latest.MSVCInternalVersion)
}

func TestCorruptTableIsSetAside(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, os.MkdirAll(filepath.Dir(e.store.Path()), 0o755))
	require.NoError(t, os.WriteFile(e.store.Path(), []byte("{not json"), 0o644))

	list, err := e.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	kept, err := filepath.Glob(e.store.Path() + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, kept, 1)
	data, err := os.ReadFile(kept[0])
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))

	_, err = e.store.Save(ctx, record(e.installDir(t, "a"), "x64"))
	require.NoError(t, err)
	data, err = os.ReadFile(kept[0])
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data), "saving must not overwrite the corrupt copy")
}

func TestConcurrentSavesKeepEveryRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "installed.json")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Separate stores stand in for separate processes.
			s := Open(Options{Path: path})
			root := filepath.Join(dir, fmt.Sprintf("install-%d", i))
			if err := os.MkdirAll(root, 0o755); err != nil {
				errs <- err
				return
			}
			rec := record(root, "x64")
			rec.MSVCVersion = fmt.Sprintf("14.4%d.1.1", i)
			_, err := s.Save(ctx, rec)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	list, err := Open(Options{Path: path}).List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 6)
}

func TestSaveReplacesSupersededRecordAtSamePath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	dir := e.installDir(t, "shared")

	first, err := e.store.Save(ctx, record(dir, "x64"))
	require.NoError(t, err)

	next := record(dir, "x64")
	next.MSVCVersion, next.MSVCInternalVersion = "14.43.17.10", "14.43.34808"
	second, err := e.store.Save(ctx, next)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	list, err := e.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "14.43.34808", list[0].MSVCInternalVersion)
}

func TestSaveAtNewPathAddsRecord(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.store.Save(ctx, record(e.installDir(t, "a"), "x64"))
	require.NoError(t, err)
	_, err = e.store.Save(ctx, record(e.installDir(t, "b"), "x64"))
	require.NoError(t, err)

	list, err := e.store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
