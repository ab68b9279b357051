package layout

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"portablemsvc/internal/paths"
)

// EnvFile is the activation description written into every installation root.
const EnvFile = "env.json"

var (
	includeSubdirs = []string{"ucrt", "shared", "um", "winrt", "cppwinrt"}
	libSubdirs     = []string{"ucrt", "um"}
)

// EnvSpec lists every variable needed to activate an installation. Paths
// are relative to the installation root and use backslashes.
type EnvSpec struct {
	HostArch          string   `json:"VSCMD_ARG_HOST_ARCH"`
	TargetArch        []string `json:"VSCMD_ARG_TGT_ARCH"`
	VCToolsVersion    string   `json:"VCToolsVersion"`
	WindowsSDKVersion string   `json:"WindowsSDKVersion"`
	VCToolsInstallDir string   `json:"VCToolsInstallDir"`
	WindowsSDKDir     string   `json:"WindowsSDKDir"`
	Path              []string `json:"PATH"`
	Include           []string `json:"INCLUDE"`
	Lib               []string `json:"LIB"`
	LibPath           []string `json:"LIBPATH"`
}

// BuildEnv derives the EnvSpec for detected versions, host and targets.
func BuildEnv(v Versions, host string, targets []string) EnvSpec {
	tools := `VC\Tools\MSVC\` + v.MSVC
	kits := `Windows Kits\10`

	spec := EnvSpec{
		HostArch:          host,
		TargetArch:        append([]string(nil), targets...),
		VCToolsVersion:    v.MSVC,
		WindowsSDKVersion: v.SDK,
		VCToolsInstallDir: tools + `\`,
		WindowsSDKDir:     kits + `\`,
	}
	for _, t := range targets {
		spec.Path = append(spec.Path, tools+`\bin\Host`+host+`\`+t)
	}
	spec.Path = append(spec.Path,
		kits+`\bin\`+v.SDK+`\`+host,
		kits+`\bin\`+v.SDK+`\`+host+`\ucrt`)

	spec.Include = append([]string{tools + `\include`}, sdkDirs(kits+`\Include\`+v.SDK, includeSubdirs, "")...)
	for _, t := range targets {
		spec.Lib = append(spec.Lib, tools+`\lib\`+t)
		spec.Lib = append(spec.Lib, sdkDirs(kits+`\Lib\`+v.SDK, libSubdirs, t)...)
	}
	spec.LibPath = append([]string(nil), spec.Lib...)
	return spec
}

// WriteEnv stores spec as root/env.json.
func WriteEnv(root string, spec EnvSpec) error {
	buf, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode env spec: %w", err)
	}
	if err := paths.WriteFileAtomic(filepath.Join(root, EnvFile), append(buf, '\n'), 0o644); err != nil {
		return fmt.Errorf("write env spec: %w", err)
	}
	return nil
}

// ReadEnv loads root/env.json.
func ReadEnv(root string) (EnvSpec, error) {
	buf, err := os.ReadFile(filepath.Join(root, EnvFile))
	if err != nil {
		return EnvSpec{}, fmt.Errorf("read env spec: %w", err)
	}
	var spec EnvSpec
	if err := json.Unmarshal(buf, &spec); err != nil {
		return EnvSpec{}, fmt.Errorf("decode env spec: %w", err)
	}
	return spec, nil
}

// Resolve returns a copy of the spec with every path made absolute under
// root using the native separator.
func (e EnvSpec) Resolve(root string) EnvSpec {
	abs := func(rel string) string {
		trailing := strings.HasSuffix(rel, `\`)
		p := filepath.Join(root, filepath.FromSlash(strings.ReplaceAll(rel, `\`, "/")))
		if trailing {
			p += string(filepath.Separator)
		}
		return p
	}
	list := func(in []string) []string {
		out := make([]string, len(in))
		for i, p := range in {
			out[i] = abs(p)
		}
		return out
	}
	out := e
	out.TargetArch = append([]string(nil), e.TargetArch...)
	out.VCToolsInstallDir = abs(e.VCToolsInstallDir)
	out.WindowsSDKDir = abs(e.WindowsSDKDir)
	out.Path = list(e.Path)
	out.Include = list(e.Include)
	out.Lib = list(e.Lib)
	out.LibPath = list(e.LibPath)
	return out
}

type envVar struct {
	name  string
	value string
	list  []string
}

func (e EnvSpec) vars() []envVar {
	return []envVar{
		{name: "VSCMD_ARG_HOST_ARCH", value: e.HostArch},
		{name: "VSCMD_ARG_TGT_ARCH", value: strings.Join(e.TargetArch, " ")},
		{name: "VCToolsVersion", value: e.VCToolsVersion},
		{name: "WindowsSDKVersion", value: e.WindowsSDKVersion},
		{name: "VCToolsInstallDir", value: e.VCToolsInstallDir},
		{name: "WindowsSDKDir", value: e.WindowsSDKDir},
		{name: "PATH", list: e.Path},
		{name: "INCLUDE", list: e.Include},
		{name: "LIB", list: e.Lib},
		{name: "LIBPATH", list: e.LibPath},
	}
}

// Shells accepted by Script.
const (
	ShellCmd        = "cmd"
	ShellPowerShell = "ps"
)

// Script renders the spec as commands for shell. List variables are
// prepended to the current value. The spec is used as is, so callers resolve
// it first when they need absolute paths.
func (e EnvSpec) Script(shell string) (string, error) {
	var b strings.Builder
	switch shell {
	case ShellCmd:
		for _, v := range e.vars() {
			if v.list != nil {
				fmt.Fprintf(&b, "set \"%s=%s;%%%s%%\"\r\n", v.name, strings.Join(v.list, ";"), v.name)
				continue
			}
			fmt.Fprintf(&b, "set \"%s=%s\"\r\n", v.name, v.value)
		}
	case ShellPowerShell:
		for _, v := range e.vars() {
			if v.list != nil {
				fmt.Fprintf(&b, "$env:%s = '%s;' + $env:%s\n", v.name, psQuote(strings.Join(v.list, ";")), v.name)
				continue
			}
			fmt.Fprintf(&b, "$env:%s = '%s'\n", v.name, psQuote(v.value))
		}
	default:
		return "", fmt.Errorf("unknown shell %q (use %s or %s)", shell, ShellCmd, ShellPowerShell)
	}
	return b.String(), nil
}

func psQuote(s string) string { return strings.ReplaceAll(s, "'", "''") }

// WriteActivation writes activate.cmd and activate.ps1 into root. Both
// resolve paths against their own location so the root can be moved.
func WriteActivation(root string, spec EnvSpec) error {
	var cmd strings.Builder
	cmd.WriteString("@echo off\r\nREM Activate portable MSVC\r\n")
	for _, v := range spec.vars() {
		switch {
		case v.list != nil:
			entries := make([]string, len(v.list))
			for i, p := range v.list {
				entries[i] = `%~dp0` + p
			}
			fmt.Fprintf(&cmd, "set \"%s=%s;%%%s%%\"\r\n", v.name, strings.Join(entries, ";"), v.name)
		case v.name == "VCToolsInstallDir" || v.name == "WindowsSDKDir":
			fmt.Fprintf(&cmd, "set \"%s=%%~dp0%s\"\r\n", v.name, v.value)
		default:
			fmt.Fprintf(&cmd, "set \"%s=%s\"\r\n", v.name, v.value)
		}
	}
	cmd.WriteString("echo MSVC %VCToolsVersion% / SDK %WindowsSDKVersion% activated.\r\n")
	if err := os.WriteFile(filepath.Join(root, "activate.cmd"), []byte(cmd.String()), 0o644); err != nil {
		return fmt.Errorf("write activate.cmd: %w", err)
	}

	ps := strings.Join([]string{
		"# Activate portable MSVC",
		"param()",
		"$here = Split-Path -LiteralPath $MyInvocation.MyCommand.Definition -Parent",
		`$json = Get-Content (Join-Path $here "env.json") -Raw | ConvertFrom-Json`,
		"",
		"$env:VSCMD_ARG_HOST_ARCH = $json.VSCMD_ARG_HOST_ARCH",
		`$env:VSCMD_ARG_TGT_ARCH  = $json.VSCMD_ARG_TGT_ARCH -join " "`,
		"$env:VCToolsVersion      = $json.VCToolsVersion",
		"$env:WindowsSDKVersion   = $json.WindowsSDKVersion",
		"$env:VCToolsInstallDir   = Join-Path $here $json.VCToolsInstallDir",
		"$env:WindowsSDKDir       = Join-Path $here $json.WindowsSDKDir",
		"",
		"foreach ($name in 'PATH', 'INCLUDE', 'LIB', 'LIBPATH') {",
		"    $entries = $json.$name | ForEach-Object { Join-Path $here $_ }",
		`    $current = [Environment]::GetEnvironmentVariable($name, "Process")`,
		`    [Environment]::SetEnvironmentVariable($name, (($entries -join ";") + ";" + $current), "Process")`,
		"}",
		"",
		`Write-Host "MSVC $($env:VCToolsVersion) / SDK $($env:WindowsSDKVersion) activated."`,
	}, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(root, "activate.ps1"), []byte(ps), 0o644); err != nil {
		return fmt.Errorf("write activate.ps1: %w", err)
	}
	return nil
}
