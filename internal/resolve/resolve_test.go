package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portablemsvc/internal/fault"
	"portablemsvc/internal/manifest"
)

func payload(name string) manifest.Payload {
	return manifest.Payload{FileName: name, URL: "https://cdn.example/" + name, SHA256: "ABCDEF"}
}

func testCatalog() *manifest.Catalog {
	return &manifest.Catalog{Packages: []manifest.Package{
		{ID: "Microsoft.VC.14.40.33807.00.Tools.HostX64.TargetX64.base", Payloads: []manifest.Payload{payload("old-tools.vsix")}},
		{ID: "Microsoft.VC.14.44.17.14.Tools.HostX64.TargetX64.base", Payloads: []manifest.Payload{payload("tools.vsix")}},
		{ID: "Microsoft.VC.14.44.17.14.Premium.Tools.HostX64.TargetX64.base", Payloads: []manifest.Payload{payload("premium.vsix")}},
		{ID: "Microsoft.VC.vNext.Tools.HostX64.TargetX64.base"},
		{ID: "Microsoft.VC.14.44.17.14.CRT.Headers.base", Payloads: []manifest.Payload{payload("crt-headers.vsix")}},
		{ID: "Microsoft.VC.14.44.17.14.CRT.Source.base"},
		{ID: "Microsoft.VisualCpp.DIA.SDK", Language: "de-DE", Payloads: []manifest.Payload{payload("dia-de.vsix")}},
		{ID: "Microsoft.VisualCpp.DIA.SDK", Language: "en-US", Payloads: []manifest.Payload{payload("dia.vsix")}},
		{ID: "Microsoft.VisualCpp.CRT.Redist.X64", Dependencies: manifest.Dependencies{"Microsoft.VisualCpp.Runtime", "Microsoft.VC.14.44.17.10.CRT.Redist.X64.base"}},
		{ID: "Microsoft.VC.14.44.17.10.CRT.Redist.X64.base", Payloads: []manifest.Payload{payload("redist.vsix")}},
		{ID: "Microsoft.VisualStudio.Component.Windows10SDK.22000", Dependencies: manifest.Dependencies{"Win10SDK_22000"}},
		{ID: "Microsoft.VisualStudio.Component.Windows11SDK.26100", Dependencies: manifest.Dependencies{"Win11SDK_26100"}},
		{ID: "Microsoft.VisualStudio.Component.Windows10SDK.Preview"},
		{ID: "Win11SDK_26100", Payloads: []manifest.Payload{
			payload(`Installers\Windows SDK Desktop Libs x64-x86_en-us.msi`),
			payload(`Installers\Windows SDK Desktop Headers x64-x86_en-us.msi`),
			payload(`Installers\Universal CRT Headers Libraries and Sources-x86_en-us.msi`),
			payload(`Installers\0a1b2c.cab`),
		}},
		{ID: "Win10SDK_22000", Payloads: []manifest.Payload{payload(`Installers\Windows SDK Desktop Libs x64-x86_en-us.msi`)}},
	}}
}

func TestResolveSelectsLatest(t *testing.T) {
	res, err := New(nil).Resolve(testCatalog(), Request{Host: "x64", Targets: []string{"x64"}})
	require.NoError(t, err)

	assert.Equal(t, Selection{
		MSVCVersion:     "14.44",
		MSVCFullVersion: "14.44.17.14",
		MSVCPackage:     "microsoft.vc.14.44.17.14.tools.hostx64.targetx64.base",
		SDKVersion:      "26100",
		SDKPackage:      "microsoft.visualstudio.component.windows11sdk.26100",
	}, res.Selection)
	assert.Equal(t, []string{"14.40", "14.44"}, res.Versions.MSVCBuckets())
	assert.Equal(t, []string{"22000", "26100"}, res.Versions.SDKVersions())
	assert.Equal(t, []string{"14.40.33807.00", "14.44.17.14"}, res.Versions.MSVCFull())
	assert.Equal(t, "x64", res.Host)
	assert.Equal(t, []string{"x64"}, res.Targets)

	assert.Contains(t, res.MSVCPayloads, "tools.vsix")
	assert.Contains(t, res.MSVCPayloads, "premium.vsix")
	assert.Contains(t, res.MSVCPayloads, "crt-headers.vsix")
	assert.NotContains(t, res.MSVCPayloads, "old-tools.vsix")
	assert.Equal(t, "abcdef", res.MSVCPayloads["tools.vsix"].SHA256)

	// Only the English variant contributes.
	assert.Contains(t, res.MSVCPayloads, "dia.vsix")
	assert.NotContains(t, res.MSVCPayloads, "dia-de.vsix")

	assert.Equal(t, "Win11SDK_26100", res.SDKInstallers.ID)
	assert.Len(t, res.SDKPayloads, 3)
	libs, ok := res.SDKPayloads["Windows SDK Desktop Libs x64-x86_en-us.msi"]
	require.True(t, ok)
	assert.Equal(t, "Win11SDK_26100", libs.Package)
}

func TestResolveRedistThroughUmbrella(t *testing.T) {
	res, err := New(nil).Resolve(testCatalog(), Request{Host: "x64", Targets: []string{"x64"}})
	require.NoError(t, err)

	assert.Contains(t, res.MSVCPackages, "Microsoft.VC.14.44.17.10.CRT.Redist.X64.base")
	assert.NotContains(t, res.MSVCPackages, "microsoft.vc.14.44.17.14.crt.redist.x64.base")
	assert.Contains(t, res.MSVCPayloads, "redist.vsix")
}

func TestResolveRecordsEveryMissingID(t *testing.T) {
	res, err := New(nil).Resolve(testCatalog(), Request{Host: "x64", Targets: []string{"x64"}})
	require.NoError(t, err)

	assert.Contains(t, res.Missing, "microsoft.vc.14.44.17.14.pgo.x64.base")
	assert.Contains(t, res.Missing, "Windows SDK OnecoreUap Headers arm64-x86_en-us.msi")
	// present in the catalog but carrying nothing to download
	assert.Contains(t, res.Missing, "microsoft.vc.14.44.17.14.crt.source.base")

	resolved := map[string]bool{}
	for _, p := range res.MSVCPayloads {
		resolved[p.Package] = true
	}
	for _, id := range res.Missing {
		assert.False(t, resolved[id], "id %s both missing and resolved", id)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	req := Request{Host: "x64", Targets: []string{"x64", "x86"}}
	first, err := New(nil).Resolve(testCatalog(), req)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := New(nil).Resolve(testCatalog(), req)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSelectMSVC(t *testing.T) {
	cat := testCatalog()
	tests := []struct {
		name      string
		requested string
		bucket    string
		full      string
		kind      fault.Kind
	}{
		{name: "latest", requested: "", bucket: "14.44", full: "14.44.17.14"},
		{name: "bucket", requested: "14.40", bucket: "14.40", full: "14.40.33807.00"},
		{name: "full build", requested: "14.40.33807.00", bucket: "14.40", full: "14.40.33807.00"},
		{name: "unknown bucket", requested: "14.99", kind: fault.KindNotFound},
		{name: "unknown full build", requested: "14.44.17.99", kind: fault.KindNotFound},
		{name: "no dot", requested: "14", kind: fault.KindNotFound},
		{name: "two dots", requested: "14.44.17", kind: fault.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := New(nil).Resolve(cat, Request{MSVCVersion: tt.requested})
			if tt.kind != fault.KindOK {
				require.Error(t, err)
				assert.Equal(t, tt.kind, fault.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, res.Selection.MSVCVersion)
			assert.Equal(t, tt.full, res.Selection.MSVCFullVersion)
		})
	}
}

func TestUnknownVersionListsCandidates(t *testing.T) {
	_, err := New(nil).Resolve(testCatalog(), Request{MSVCVersion: "14.99"})
	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, []string{"14.40", "14.44"}, fe.Candidates)
	assert.Contains(t, err.Error(), "not found. Available: 14.40, 14.44")

	_, err = New(nil).Resolve(testCatalog(), Request{SDKVersion: "19041"})
	fe, ok = fault.As(err)
	require.True(t, ok)
	assert.Equal(t, []string{"22000", "26100"}, fe.Candidates)
}

func TestResolveOlderSDK(t *testing.T) {
	res, err := New(nil).Resolve(testCatalog(), Request{SDKVersion: "22000"})
	require.NoError(t, err)
	assert.Equal(t, "Win10SDK_22000", res.SDKInstallers.ID)
	assert.Len(t, res.SDKPayloads, 1)
}

func TestResolveRejectsBadArch(t *testing.T) {
	_, err := New(nil).Resolve(testCatalog(), Request{Host: "mips"})
	assert.Error(t, err)
	_, err = New(nil).Resolve(testCatalog(), Request{Targets: []string{"riscv"}})
	assert.Error(t, err)
}

func TestDiscoverRequiresVersions(t *testing.T) {
	cat := &manifest.Catalog{Packages: []manifest.Package{{ID: "Microsoft.VisualStudio.Component.Windows11SDK.26100"}}}
	_, err := New(nil).Resolve(cat, Request{})
	assert.Equal(t, fault.KindSchema, fault.KindOf(err))
}

func TestMissingSDKInstallerRecordIsSchemaViolation(t *testing.T) {
	cat := testCatalog()
	filtered := cat.Packages[:0]
	for _, p := range cat.Packages {
		if p.ID != "Win11SDK_26100" {
			filtered = append(filtered, p)
		}
	}
	cat.Packages = filtered
	_, err := New(nil).Resolve(cat, Request{})
	assert.Equal(t, fault.KindSchema, fault.KindOf(err))
}

func TestMSVCPackagesPerTarget(t *testing.T) {
	ids := MSVCPackages("14.44.17.14", "x64", []string{"arm", "x86"})
	assert.Contains(t, ids, "microsoft.vc.14.44.17.14.crt.redist.arm.onecore.desktop.base")
	assert.Contains(t, ids, "microsoft.vc.14.44.17.14.crt.redist.x86.base")
	assert.Contains(t, ids, "microsoft.vc.14.44.17.14.asan.x86.base")
	assert.NotContains(t, ids, "microsoft.vc.14.44.17.14.asan.arm.base")
	assert.Contains(t, ids, "microsoft.vc.14.44.17.14.tools.hostx64.targetarm.res.base")
	assert.Len(t, ids, 5+7+8)
}

func TestSDKPackagesHeadersForAllArchitectures(t *testing.T) {
	names := SDKPackages([]string{"x64"})
	assert.Len(t, names, 5+8+1)
	assert.Contains(t, names, "Windows SDK Desktop Headers arm-x86_en-us.msi")
	assert.Contains(t, names, "Windows SDK Desktop Libs x64-x86_en-us.msi")
	assert.NotContains(t, names, "Windows SDK Desktop Libs arm-x86_en-us.msi")
}
