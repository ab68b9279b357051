package download

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	digest "github.com/opencontainers/go-digest"
)

// Entry is one cached payload.
type Entry struct {
	Hash  string   `json:"hash"`
	Path  string   `json:"path"`
	Size  int64    `json:"size"`
	Names []string `json:"names,omitempty"`
}

// Entries lists every cached payload ordered by file name. Files that are not
// named after a digest are ignored.
func (c *Cache) Entries() ([]Entry, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read download cache: %w", err)
	}
	var out []Entry
	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		d, ok := digestOf(de.Name())
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{
			Hash:  d.Encoded(),
			Path:  filepath.Join(c.dir, de.Name()),
			Size:  info.Size(),
			Names: c.registry.Names(d.Encoded()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Verify re-hashes every cached payload and returns those whose content no
// longer matches their name. With remove set they are deleted and dropped
// from the registry.
func (c *Cache) Verify(ctx context.Context, remove bool) ([]Entry, error) {
	entries, err := c.Entries()
	if err != nil {
		return nil, err
	}
	var bad []Entry
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return bad, err
		}
		ok, err := verifyFile(e.Path, digest.NewDigestFromEncoded(digest.SHA256, e.Hash))
		if err != nil {
			return bad, err
		}
		if ok {
			continue
		}
		c.logger.Warn("cached payload is corrupt", "path", e.Path, "hash", e.Hash)
		bad = append(bad, e)
		if remove {
			if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
				return bad, fmt.Errorf("remove corrupt payload: %w", err)
			}
			c.registry.Forget(e.Hash)
		}
	}
	return bad, nil
}

func verifyFile(path string, expected digest.Digest) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	v := expected.Verifier()
	if _, err := io.Copy(v, f); err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	return v.Verified(), nil
}

func digestOf(name string) (digest.Digest, bool) {
	if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".tmp") {
		return "", false
	}
	const hexLen = 64
	if len(name) < hexLen {
		return "", false
	}
	rest := name[hexLen:]
	if rest != "" && !strings.HasPrefix(rest, ".") {
		return "", false
	}
	d := digest.NewDigestFromEncoded(digest.SHA256, name[:hexLen])
	if d.Validate() != nil {
		return "", false
	}
	return d, true
}
