package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portablemsvc/internal/layout"
	"portablemsvc/internal/manifest"
	"portablemsvc/internal/paths"
	"portablemsvc/internal/status"
)

// isolate points every directory root at a temp dir.
func isolate(t *testing.T) paths.Dirs {
	t.Helper()
	home := t.TempDir()
	t.Setenv(paths.HomeEnv, home)
	for _, k := range []string{"PORTABLEMSVC_CHANNEL", "PORTABLEMSVC_HOST", "PORTABLEMSVC_TARGETS", "PORTABLEMSVC_MIRROR_URI"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	dirs, err := paths.Default()
	require.NoError(t, err)
	return dirs
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(""))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// seedInstall writes an install tree with env.json and records it.
func seedInstall(t *testing.T, dirs paths.Dirs, msvc, internal string) status.Record {
	t.Helper()
	root := filepath.Join(dirs.Data, "msvc-"+msvc+"_sdk-26100")
	require.NoError(t, os.MkdirAll(root, 0o755))
	spec := layout.BuildEnv(layout.Versions{MSVC: internal, SDK: "10.0.26100.0"}, "x64", []string{"x64"})
	require.NoError(t, layout.WriteEnv(root, spec))

	rec, err := status.Open(status.Options{Path: dirs.StatusFile()}).Save(context.Background(), status.Record{
		Path:                root,
		MSVCVersion:         msvc,
		MSVCInternalVersion: internal,
		SDKVersion:          "26100",
		SDKInternalVersion:  "10.0.26100.0",
		Host:                "x64",
		Targets:             []string{"x64"},
	})
	require.NoError(t, err)
	return rec
}

func TestConfigInitAndShow(t *testing.T) {
	dirs := isolate(t)

	out, _, err := runCLI(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, dirs.ConfigFile())
	assert.FileExists(t, dirs.ConfigFile())

	_, _, err = runCLI(t, "config", "init")
	assert.ErrorContains(t, err, "already exists")

	t.Setenv("PORTABLEMSVC_MIRROR_TOKEN", "ak:sk")
	out, _, err = runCLI(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "channel: release")
	assert.Contains(t, out, "host: x64")
	assert.Contains(t, out, "***")
	assert.NotContains(t, out, "ak:sk")
}

func TestConfigRejectsInvalidEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("PORTABLEMSVC_CHANNEL", "nightly")

	_, _, err := runCLI(t, "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Contains(t, err.Error(), `"nightly"`)
}

func TestListEmptyAndPopulated(t *testing.T) {
	dirs := isolate(t)

	out, _, err := runCLI(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No toolchains installed.")

	rec := seedInstall(t, dirs, "14.44.17.14", "14.44.35207")
	out, _, err = runCLI(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, rec.ID)
	assert.Contains(t, out, "14.44.17.14 (14.44.35207)")

	out, _, err = runCLI(t, "list", "--json")
	require.NoError(t, err)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, rec.ID, entries[0]["id"])
	assert.Equal(t, true, entries[0]["present"])
}

func TestEnvPrintsLatestInstall(t *testing.T) {
	dirs := isolate(t)
	seedInstall(t, dirs, "14.40.17.10", "14.40.33807")
	newest := seedInstall(t, dirs, "14.44.17.14", "14.44.35207")

	out, _, err := runCLI(t, "env", "--shell", "ps")
	require.NoError(t, err)
	assert.Contains(t, out, "$env:VCToolsVersion = '14.44.35207'")
	assert.Contains(t, out, newest.Path)

	out, _, err = runCLI(t, "env", "--shell", "cmd")
	require.NoError(t, err)
	assert.Contains(t, out, "set \"VCToolsVersion=14.44.35207\"")

	_, _, err = runCLI(t, "env", "--shell", "fish")
	assert.ErrorContains(t, err, "unknown shell")

	_, _, err = runCLI(t, "env", "--id", "nope")
	assert.Error(t, err)
}

func TestEnvByIDAsJSON(t *testing.T) {
	dirs := isolate(t)
	old := seedInstall(t, dirs, "14.40.17.10", "14.40.33807")
	seedInstall(t, dirs, "14.44.17.14", "14.44.35207")

	out, _, err := runCLI(t, "env", "--id", old.ID, "--json")
	require.NoError(t, err)
	var spec layout.EnvSpec
	require.NoError(t, json.Unmarshal([]byte(out), &spec))
	assert.Equal(t, "14.40.33807", spec.VCToolsVersion)
	assert.True(t, filepath.IsAbs(spec.VCToolsInstallDir))
}

func TestRemoveDeletesFiles(t *testing.T) {
	dirs := isolate(t)
	rec := seedInstall(t, dirs, "14.44.17.14", "14.44.35207")

	out, _, err := runCLI(t, "remove", rec.ID, "--delete-files")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed "+rec.ID)
	assert.NoDirExists(t, rec.Path)

	_, _, err = runCLI(t, "remove", rec.ID)
	assert.Error(t, err)
}

func TestCacheInfoAndVerify(t *testing.T) {
	dirs := isolate(t)
	require.NoError(t, os.MkdirAll(dirs.Downloads(), 0o755))
	// A file named after a digest it does not match.
	bad := filepath.Join(dirs.Downloads(), strings.Repeat("ab", 32)+".vsix")
	require.NoError(t, os.WriteFile(bad, []byte("not the right bytes"), 0o644))

	out, _, err := runCLI(t, "cache", "info")
	require.NoError(t, err)
	assert.Contains(t, out, "Payloads:  1")

	out, _, err = runCLI(t, "cache", "verify", "--keep")
	require.NoError(t, err)
	assert.Contains(t, out, "Found 1 corrupt payload(s)")
	assert.FileExists(t, bad)

	out, _, err = runCLI(t, "cache", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 corrupt payload(s)")
	assert.NoFileExists(t, bad)
}

func channelServer(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	r := chi.NewRouter()
	r.Get("/channel", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(manifest.Channel{Items: []manifest.ChannelItem{
			{ID: manifest.CatalogItemID, Payloads: []manifest.Payload{{FileName: "catalog.json", URL: srv.URL + "/catalog.json"}}},
			{ID: manifest.BuildToolsItemID, LocalizedResources: []manifest.LocalizedResource{
				{Language: "de-de", License: "https://example.invalid/lizenz"},
				{Language: "en-US", License: "https://example.invalid/license"},
			}},
		}})
	})
	r.Get("/catalog.json", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(manifest.Catalog{Packages: []manifest.Package{
			{ID: "Microsoft.VC.14.40.17.10.Tools.HostX64.TargetX64.base"},
			{ID: "Microsoft.VC.14.44.17.14.Tools.HostX64.TargetX64.base"},
			{ID: "Microsoft.VisualStudio.Component.Windows11SDK.26100"},
		}})
	})
	srv = httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestShowVersions(t *testing.T) {
	isolate(t)
	srv := channelServer(t)
	t.Setenv("PORTABLEMSVC_MANIFEST_RELEASE_URL", srv.URL+"/channel")

	out, _, err := runCLI(t, "show-versions")
	require.NoError(t, err)
	assert.Contains(t, out, "MSVC:    14.40 14.44")
	assert.Contains(t, out, "SDK:     26100")

	out, _, err = runCLI(t, "show-versions", "--full", "--no-cache")
	require.NoError(t, err)
	assert.Contains(t, out, "14.40.17.10 14.44.17.14")

	_, _, err = runCLI(t, "show-versions", "--channel", "nightly")
	assert.Error(t, err)
}

func TestInstallRequiresLicenseWithoutTerminal(t *testing.T) {
	isolate(t)
	srv := channelServer(t)
	t.Setenv("PORTABLEMSVC_MANIFEST_RELEASE_URL", srv.URL+"/channel")

	_, _, err := runCLI(t, "install")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "https://example.invalid/license")
	assert.Contains(t, err.Error(), "--accept-license")
}

func TestInstallRejectsUnknownTarget(t *testing.T) {
	isolate(t)
	_, _, err := runCLI(t, "install", "--target", "mips", "--accept-license")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mips")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(errAborted))
	assert.Equal(t, 1, exitCode(os.ErrNotExist))
}

func TestBindFlagsOnlyOverridesChangedFlags(t *testing.T) {
	isolate(t)
	cmd := newInstallCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--host", "arm64"}))

	v, err := selectionViper(cmd)
	require.NoError(t, err)
	assert.True(t, v.IsSet("host"))
	assert.Equal(t, "arm64", v.GetString("host"))
	assert.False(t, v.IsSet("channel"))
	assert.False(t, v.IsSet("targets"))
}
