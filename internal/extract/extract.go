// Package extract unpacks downloaded payloads into an installation root. The
// root is built in a sibling directory and renamed into place only after
// every payload unpacked, so a failed run never leaves a partial tree.
package extract

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"portablemsvc/internal/logx"
)

const (
	// DefaultMSIExec is the Windows Installer command used for administrative
	// extraction.
	DefaultMSIExec = "msiexec.exe"

	zipContentPrefix = "Contents/"
)

// ErrUnsafePath reports an archive entry that would escape the output root.
var ErrUnsafePath = errors.New("archive entry escapes output directory")

// Options configures a Pipeline.
type Options struct {
	// TempDir holds per-run scratch workspaces.
	TempDir string
	Runner  Runner
	MSIExec string
	Logger  *slog.Logger
}

// Pipeline extracts payload files into an installation root.
type Pipeline struct {
	tempDir string
	runner  Runner
	msiexec string
	logger  *slog.Logger
}

// Result summarizes one extraction.
type Result struct {
	Output     string   `json:"output"`
	Archives   []string `json:"archives"`
	Installers []string `json:"installers"`
	Files      int      `json:"files"`
}

// New returns a Pipeline. A nil Runner runs real commands.
func New(opts Options) *Pipeline {
	logger := logx.OrDiscard(opts.Logger)
	runner := opts.Runner
	if runner == nil {
		runner = CmdRunner{Logger: logger}
	}
	msiexec := opts.MSIExec
	if msiexec == "" {
		msiexec = DefaultMSIExec
	}
	tempDir := opts.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Pipeline{tempDir: tempDir, runner: runner, msiexec: msiexec, logger: logger}
}

// Extract unpacks files (payload name to local path) into output. Zip and
// vsix archives are unpacked from their Contents/ folder; installer packages
// go through administrative extraction and the copied .msi is removed from
// the result. An existing output directory is replaced only on success.
func (p *Pipeline) Extract(ctx context.Context, files map[string]string, output string) (res Result, err error) {
	output, err = filepath.Abs(output)
	if err != nil {
		return Result{}, fmt.Errorf("resolve output: %w", err)
	}
	if err := os.MkdirAll(p.tempDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("prepare temp dir: %w", err)
	}
	workspace, err := os.MkdirTemp(p.tempDir, "workspace-")
	if err != nil {
		return Result{}, fmt.Errorf("create workspace: %w", err)
	}
	p.logger.Debug("created workspace", "path", workspace)
	defer func() {
		if rmErr := os.RemoveAll(workspace); rmErr != nil {
			p.logger.Error("remove workspace failed", "path", workspace, "error", rmErr)
		}
	}()

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return Result{}, fmt.Errorf("prepare output parent: %w", err)
	}
	staging := filepath.Join(filepath.Dir(output),
		fmt.Sprintf("%s_temp_%s", filepath.Base(output), strings.ReplaceAll(uuid.NewString(), "-", "")))
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return Result{}, fmt.Errorf("create staging dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			p.logger.Info("discarding partial extraction", "path", staging)
			_ = os.RemoveAll(staging)
		}
	}()

	var archives, installers []string
	staged := map[string]string{}
	for _, name := range sortedNames(files) {
		base := strings.ToLower(filepath.Base(name))
		if prev, ok := staged[base]; ok {
			return Result{}, fmt.Errorf("payloads %s and %s share the file name %s", prev, name, filepath.Base(name))
		}
		staged[base] = name
		local := filepath.Join(workspace, filepath.Base(name))
		if err := copyFile(files[name], local); err != nil {
			return Result{}, fmt.Errorf("stage %s: %w", name, err)
		}
		switch strings.ToLower(filepath.Ext(name)) {
		case ".zip", ".vsix":
			archives = append(archives, local)
		case ".msi":
			installers = append(installers, local)
		}
	}

	res = Result{Output: output}
	for _, archive := range archives {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		n, err := extractZip(archive, staging, zipContentPrefix)
		if err != nil {
			return Result{}, fmt.Errorf("extract %s: %w", filepath.Base(archive), err)
		}
		p.logger.Debug("extracted archive", "name", filepath.Base(archive), "files", n)
		res.Archives = append(res.Archives, filepath.Base(archive))
		res.Files += n
	}

	for _, msi := range installers {
		if err := p.extractMSI(ctx, msi, staging); err != nil {
			return Result{}, err
		}
		res.Installers = append(res.Installers, filepath.Base(msi))
	}

	if err := os.RemoveAll(output); err != nil {
		return Result{}, fmt.Errorf("replace output: %w", err)
	}
	if err := os.Rename(staging, output); err != nil {
		return Result{}, fmt.Errorf("commit output: %w", err)
	}
	committed = true

	p.logger.Info("extraction complete",
		"output", output,
		"archives", len(res.Archives),
		"installers", len(res.Installers))
	return res, nil
}

func (p *Pipeline) extractMSI(ctx context.Context, msi, target string) error {
	name := filepath.Base(msi)
	p.logger.Info("extracting installer", "name", name)
	args := []string{"/a", msi, "/quiet", "/qn", "TARGETDIR=" + target}
	out, err := p.runner.Run(ctx, p.msiexec, args, RunOptions{Dir: filepath.Dir(msi)})
	if err != nil {
		detail := strings.TrimSpace(string(out.Stderr))
		if detail == "" {
			detail = strings.TrimSpace(string(out.Stdout))
		}
		if detail != "" {
			return fmt.Errorf("extract %s: %w: %s", name, err, detail)
		}
		return fmt.Errorf("extract %s: %w", name, err)
	}
	// Administrative extraction drops a copy of the package in the target.
	if err := os.Remove(filepath.Join(target, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove extracted %s: %w", name, err)
	}
	return nil
}

func extractZip(archivePath, dest, prefix string) (int, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, fmt.Errorf("open zip: %w", err)
	}
	defer reader.Close()

	count := 0
	for _, file := range reader.File {
		name := strings.ReplaceAll(file.Name, `\`, "/")
		if prefix != "" {
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			name = strings.TrimPrefix(name, prefix)
		}
		if name == "" {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(name))
		if !within(dest, target) {
			return count, fmt.Errorf("%w: %s", ErrUnsafePath, file.Name)
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return count, fmt.Errorf("create dir %s: %w", target, err)
			}
			continue
		}
		if err := writeEntry(file, target); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func writeEntry(file *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("prepare file %s: %w", target, err)
	}
	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", file.Name, err)
	}
	defer rc.Close()

	mode := file.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create file %s: %w", target, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("copy file %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close file %s: %w", target, err)
	}
	return nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// copyFile links src to dst, falling back to a byte copy across devices.
// An existing dst is unlinked first so a link back to src is never truncated.
func copyFile(src, dst string) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	source, err := os.Open(src)
	if err != nil {
		return err
	}
	defer source.Close()

	dest, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dest, source); err != nil {
		dest.Close()
		return err
	}
	return dest.Close()
}

func sortedNames(files map[string]string) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
