package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"sync"

	"portablemsvc/internal/lease"
	"portablemsvc/internal/logx"
	"portablemsvc/internal/paths"
)

// RegistryFile maps content hashes to every file name seen for them.
const RegistryFile = "hash_to_names.json"

// Registry is the hash to names table shared by every process using one
// cache directory. Changes are kept in memory and merged into the latest
// on-disk copy by Flush.
type Registry struct {
	path   string
	lease  *lease.Lease
	logger *slog.Logger

	mu      sync.Mutex
	names   map[string][]string
	removed map[string]bool
	dirty   bool
}

// OpenRegistry loads the table at path. A lock timeout while loading is
// logged and the table is read without the lock.
func OpenRegistry(ctx context.Context, path string, lockOpts lease.Options, logger *slog.Logger) (*Registry, error) {
	logger = logx.OrDiscard(logger)
	if lockOpts.Logger == nil {
		lockOpts.Logger = logger
	}
	r := &Registry{
		path:   path,
		lease:  lease.New(path+".lock", lockOpts),
		logger: logger,
	}

	err := r.lease.Do(ctx, func() error {
		r.names = loadNames(path, logger)
		return nil
	})
	if err != nil {
		if !errors.Is(err, lease.ErrTimeout) {
			return nil, err
		}
		logger.Error("could not lock hash registry, reading unlocked", "path", path, "error", err)
		r.names = loadNames(path, logger)
	}
	return r, nil
}

func loadNames(path string, logger *slog.Logger) map[string][]string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("read hash registry", "path", path, "error", err)
		}
		return map[string][]string{}
	}
	names := map[string][]string{}
	if err := json.Unmarshal(data, &names); err != nil {
		logger.Warn("corrupted hash registry, starting empty", "path", path, "error", err)
		return map[string][]string{}
	}
	return names
}

// Add associates name with hash. It reports whether the table changed.
func (r *Registry) Add(hash, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.names[hash], name) {
		return false
	}
	r.names[hash] = append(r.names[hash], name)
	delete(r.removed, hash)
	r.dirty = true
	return true
}

// Names returns the names recorded for hash.
func (r *Registry) Names(hash string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.names[hash])
}

// Hashes returns every recorded hash in sorted order.
func (r *Registry) Hashes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.names))
	for h := range r.names {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Forget drops hash from the table.
func (r *Registry) Forget(hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.names, hash)
	if r.removed == nil {
		r.removed = map[string]bool{}
	}
	r.removed[hash] = true
	r.dirty = true
}

// Flush merges local changes into the on-disk table under the lease. Names are
// unioned per hash so concurrent writers never lose each other's entries;
// hashes forgotten locally are removed.
func (r *Registry) Flush(ctx context.Context) error {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	local := make(map[string][]string, len(r.names))
	for h, n := range r.names {
		local[h] = slices.Clone(n)
	}
	r.mu.Unlock()

	err := r.lease.Do(ctx, func() error {
		merged := loadNames(r.path, r.logger)
		for h, names := range local {
			for _, n := range names {
				if !slices.Contains(merged[h], n) {
					merged[h] = append(merged[h], n)
				}
			}
		}
		r.mu.Lock()
		for h := range r.removed {
			delete(merged, h)
		}
		r.mu.Unlock()

		data, err := json.MarshalIndent(merged, "", "  ")
		if err != nil {
			return fmt.Errorf("encode hash registry: %w", err)
		}
		if err := paths.WriteFileAtomic(r.path, data, 0o644); err != nil {
			return fmt.Errorf("save hash registry: %w", err)
		}

		r.mu.Lock()
		pending := false
		for h, names := range r.names {
			for _, n := range names {
				if !slices.Contains(merged[h], n) {
					merged[h] = append(merged[h], n)
					pending = true
				}
			}
		}
		r.names = merged
		r.dirty = pending
		r.removed = nil
		r.mu.Unlock()
		return nil
	})
	return err
}
