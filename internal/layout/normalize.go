package layout

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"portablemsvc/internal/arch"
	"portablemsvc/internal/logx"
)

// Location of msdia140.dll inside the DIA SDK bin folder, per host.
var msdiaPaths = map[string]string{
	arch.X86:   "msdia140.dll",
	arch.X64:   "amd64/msdia140.dll",
	arch.ARM:   "arm/msdia140.dll",
	arch.ARM64: "arm64/msdia140.dll",
}

const diaFolder = "DIA%20SDK"

var (
	libVariants    = []string{"store", "uwp", "enclave", "onecore"}
	telemetryFiles = []string{"vctip.exe", "Microsoft.VisualStudio.Telemetry.dll"}
)

// Normalizer rearranges an extracted tree for one host and target set.
type Normalizer struct {
	Root     string
	Versions Versions
	Host     string
	Targets  []string
	Logger   *slog.Logger
}

func (n *Normalizer) logger() *slog.Logger { return logx.OrDiscard(n.Logger) }

func (n *Normalizer) toolsDir() string { return filepath.Join(msvcRoot(n.Root), n.Versions.MSVC) }

func (n *Normalizer) binDir(target string) string {
	return filepath.Join(n.toolsDir(), "bin", "Host"+n.Host, target)
}

// Run moves the debug runtime and DIA DLLs next to the compiler, removes
// unneeded subtrees and writes the per-target setup scripts.
func (n *Normalizer) Run() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"debug runtime", n.placeDebugRuntime},
		{"msdia140", n.placeMSDIA},
		{"cleanup", n.cleanup},
		{"setup scripts", n.writeSetupScripts},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return fmt.Errorf("normalize %s: %w", step.name, err)
		}
	}
	return nil
}

func (n *Normalizer) placeDebugRuntime() error {
	redist := filepath.Join(n.Root, "VC", "Redist")
	versions, err := subdirs(filepath.Join(redist, "MSVC"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	moved := 0
	for _, v := range versions {
		src := filepath.Join(redist, "MSVC", v, "debug_nonredist")
		if _, err := os.Stat(src); err != nil {
			continue
		}
		for _, target := range n.Targets {
			err := filepath.WalkDir(filepath.Join(src, target), func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					if errors.Is(err, fs.ErrNotExist) {
						return fs.SkipDir
					}
					return err
				}
				if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".dll") {
					return nil
				}
				dst := n.binDir(target)
				if err := os.MkdirAll(dst, 0o755); err != nil {
					return err
				}
				moved++
				return os.Rename(path, filepath.Join(dst, d.Name()))
			})
			if err != nil {
				return err
			}
		}
		break
	}
	n.logger().Info("placed debug runtime", "dlls", moved)
	return os.RemoveAll(redist)
}

func (n *Normalizer) placeMSDIA() error {
	dia := filepath.Join(n.Root, diaFolder)
	src := filepath.Join(dia, "bin", filepath.FromSlash(msdiaPaths[n.Host]))
	if _, err := os.Stat(src); err != nil {
		n.logger().Warn("msdia140.dll not found", "path", src)
		return os.RemoveAll(dia)
	}
	for _, target := range n.Targets {
		dst := n.binDir(target)
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return err
		}
		if err := copyFile(src, filepath.Join(dst, filepath.Base(src))); err != nil {
			return err
		}
	}
	return os.RemoveAll(dia)
}

func (n *Normalizer) cleanup() error {
	tools := n.toolsDir()
	sdk := sdkRoot(n.Root)
	sdkv := n.Versions.SDK

	remove := []string{
		filepath.Join(n.Root, "Common7"),
		filepath.Join(tools, "Auxiliary"),
		filepath.Join(sdk, "Catalogs"),
		filepath.Join(sdk, "DesignTime"),
		filepath.Join(sdk, "bin", sdkv, "chpe"),
		filepath.Join(sdk, "Lib", sdkv, "ucrt_enclave"),
	}
	for _, target := range n.Targets {
		for _, variant := range libVariants {
			remove = append(remove, filepath.Join(tools, "lib", target, variant))
		}
		remove = append(remove, filepath.Join(n.binDir(target), "onecore"))
		for _, f := range telemetryFiles {
			remove = append(remove, filepath.Join(n.binDir(target), f))
		}
	}
	for _, a := range arch.Targets() {
		if !slices.Contains(n.Targets, a) {
			remove = append(remove,
				filepath.Join(sdk, "Lib", sdkv, "ucrt", a),
				filepath.Join(sdk, "Lib", sdkv, "um", a))
		}
		if a != n.Host {
			remove = append(remove,
				filepath.Join(tools, "bin", "Host"+a),
				filepath.Join(sdk, "bin", sdkv, a))
		}
	}
	for _, p := range remove {
		if err := os.RemoveAll(p); err != nil {
			return err
		}
	}
	n.logger().Info("removed unneeded files", "paths", len(remove))
	return nil
}

func (n *Normalizer) writeSetupScripts() error {
	build := filepath.Join(n.Root, "VC", "Auxiliary", "Build")
	if err := os.MkdirAll(build, 0o755); err != nil {
		return err
	}
	// nvcc looks for these; they must not be run.
	shim := "rem both bat files are here only for nvcc, do not call them manually"
	if err := os.WriteFile(filepath.Join(build, "vcvarsall.bat"), []byte(shim), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(build, "vcvars64.bat"), nil, 0o644); err != nil {
		return err
	}
	for _, target := range n.Targets {
		script := SetupScript(n.Versions, n.Host, target)
		if err := os.WriteFile(filepath.Join(n.Root, "setup_"+target+".bat"), []byte(script), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// SetupScript renders setup_<target>.bat: literal variable assignments
// relative to the script's own folder.
func SetupScript(v Versions, host, target string) string {
	msvc, sdk := v.MSVC, v.SDK
	tools := `%~dp0VC\Tools\MSVC\` + msvc
	kits := `%~dp0Windows Kits\10`

	lines := []string{
		"@echo off",
		"",
		"set VSCMD_ARG_HOST_ARCH=" + host,
		"set VSCMD_ARG_TGT_ARCH=" + target,
		"",
		"set VCToolsVersion=" + msvc,
		"set WindowsSDKVersion=" + sdk + `\`,
		"",
		"set VCToolsInstallDir=" + tools + `\`,
		"set WindowsSdkBinPath=" + kits + `\bin\`,
		"",
		"set PATH=" + strings.Join([]string{
			tools + `\bin\Host` + host + `\` + target,
			kits + `\bin\` + sdk + `\` + host,
			kits + `\bin\` + sdk + `\` + host + `\ucrt`,
			"%PATH%",
		}, ";"),
		"set INCLUDE=" + strings.Join(append([]string{tools + `\include`}, sdkDirs(kits+`\Include\`+sdk, includeSubdirs, "")...), ";"),
		"set LIB=" + strings.Join(append([]string{tools + `\lib\` + target}, sdkDirs(kits+`\Lib\`+sdk, libSubdirs, target)...), ";"),
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

func sdkDirs(base string, subs []string, suffix string) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		p := base + `\` + s
		if suffix != "" {
			p += `\` + suffix
		}
		out = append(out, p)
	}
	return out
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Finish runs the normalization and writes env.json with its activation
// scripts.
func (n *Normalizer) Finish() (EnvSpec, error) {
	if err := n.Run(); err != nil {
		return EnvSpec{}, err
	}
	spec := BuildEnv(n.Versions, n.Host, n.Targets)
	if err := WriteEnv(n.Root, spec); err != nil {
		return EnvSpec{}, err
	}
	if err := WriteActivation(n.Root, spec); err != nil {
		return EnvSpec{}, err
	}
	n.logger().Info("installation layout ready", "root", n.Root, "msvc", n.Versions.MSVC, "sdk", n.Versions.SDK)
	return spec, nil
}
