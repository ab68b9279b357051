// Package status keeps the table of installed toolchains.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"portablemsvc/internal/lease"
	"portablemsvc/internal/logx"
	"portablemsvc/internal/paths"
)

// ErrNotFound reports an unknown installation id or an empty table.
var ErrNotFound = errors.New("installation not found")

// Record describes one installation root.
type Record struct {
	ID string `json:"-"`

	Path string `json:"path"`
	// MSVCVersion is the 4-part build the catalog advertised;
	// MSVCInternalVersion is the tools folder found on disk.
	MSVCVersion         string `json:"msvc_version"`
	MSVCInternalVersion string `json:"msvc_internal_version"`
	SDKVersion          string `json:"sdk_version"`
	SDKInternalVersion  string `json:"sdk_internal_version,omitempty"`

	Host        string    `json:"host"`
	Targets     []string  `json:"targets"`
	InstalledAt time.Time `json:"installed_at"`
}

// Query selects installations. Empty versions match anything; a record
// covering more targets than requested still matches.
type Query struct {
	MSVCVersion string
	SDKVersion  string
	Host        string
	Targets     []string
}

// Matches reports whether r satisfies q, ignoring whether r.Path exists.
// Versions compare against both the advertised and the detected value.
func (r Record) Matches(q Query) bool {
	if q.MSVCVersion != "" && q.MSVCVersion != r.MSVCVersion && q.MSVCVersion != r.MSVCInternalVersion {
		return false
	}
	if q.SDKVersion != "" && q.SDKVersion != r.SDKVersion && q.SDKVersion != r.SDKInternalVersion {
		return false
	}
	if r.Host != q.Host {
		return false
	}
	for _, t := range q.Targets {
		if !slices.Contains(r.Targets, t) {
			return false
		}
	}
	return true
}

// Options configures a Store.
type Options struct {
	Path   string
	Lock   lease.Options
	Now    func() time.Time
	NewID  func() string
	Logger *slog.Logger
}

// Store reads and writes the table. Every operation rereads the file under
// the lease so concurrent processes see each other's changes.
type Store struct {
	path   string
	lease  *lease.Lease
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Open returns a Store for the table at opts.Path. The file is created on
// the first Save.
func Open(opts Options) *Store {
	logger := logx.OrDiscard(opts.Logger)
	if opts.Lock.Logger == nil {
		opts.Lock.Logger = logger
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Store{
		path:   opts.Path,
		lease:  lease.New(opts.Path+".lock", opts.Lock),
		now:    now,
		newID:  newID,
		logger: logger,
	}
}

// Path returns the table location.
func (s *Store) Path() string { return s.path }

type table map[string]Record

func (s *Store) load() (table, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return table{}, nil
		}
		return nil, fmt.Errorf("read install table: %w", err)
	}
	t := table{}
	if err := json.Unmarshal(data, &t); err != nil {
		kept := fmt.Sprintf("%s.corrupt-%s", s.path, s.now().UTC().Format("20060102T150405"))
		if rerr := os.Rename(s.path, kept); rerr != nil {
			return nil, fmt.Errorf("install table %s is corrupt (%v) and could not be set aside: %w", s.path, err, rerr)
		}
		s.logger.Warn("install table is corrupt, starting empty", "path", s.path, "kept", kept, "error", err)
		return table{}, nil
	}
	for id, rec := range t {
		rec.ID = id
		t[id] = rec
	}
	return t, nil
}

func (s *Store) save(t table) error {
	buf, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode install table: %w", err)
	}
	if err := paths.WriteFileAtomic(s.path, append(buf, '\n'), 0o644); err != nil {
		return fmt.Errorf("write install table: %w", err)
	}
	return nil
}

func (s *Store) read(ctx context.Context) (table, error) {
	var t table
	err := s.lease.Do(ctx, func() error {
		var err error
		t, err = s.load()
		return err
	})
	return t, err
}

func (t table) sorted() []Record {
	out := make([]Record, 0, len(t))
	for _, rec := range t {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].InstalledAt.Equal(out[j].InstalledAt) {
			return out[i].InstalledAt.Before(out[j].InstalledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// List returns every record, oldest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	t, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	return t.sorted(), nil
}

// Get returns the record with id.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	t, err := s.read(ctx)
	if err != nil {
		return Record{}, err
	}
	rec, ok := t[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// IsInstalled returns the oldest record matching q whose path still exists.
func (s *Store) IsInstalled(ctx context.Context, q Query) (Record, bool, error) {
	t, err := s.read(ctx)
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := firstMatch(t, q)
	return rec, ok, nil
}

func firstMatch(t table, q Query) (Record, bool) {
	for _, rec := range t.sorted() {
		if !rec.Matches(q) {
			continue
		}
		if ok, _ := paths.DirExists(rec.Path); !ok {
			continue
		}
		return rec, true
	}
	return Record{}, false
}

// Save records rec and returns it with its id and timestamp. A record for
// the same path that already covers rec is returned instead; one that does
// not is dropped.
func (s *Store) Save(ctx context.Context, rec Record) (Record, error) {
	var saved Record
	err := s.lease.Do(ctx, func() error {
		t, err := s.load()
		if err != nil {
			return err
		}
		q := Query{MSVCVersion: rec.MSVCVersion, SDKVersion: rec.SDKVersion, Host: rec.Host, Targets: rec.Targets}
		for _, existing := range t.sorted() {
			if existing.Path != rec.Path {
				continue
			}
			if existing.Matches(q) {
				s.logger.Info("installation already recorded", "id", existing.ID)
				saved = existing
				return nil
			}
			// The tree at this path was replaced.
			s.logger.Info("dropping superseded record", "id", existing.ID, "path", existing.Path)
			delete(t, existing.ID)
		}
		rec.ID = s.newID()
		if rec.InstalledAt.IsZero() {
			rec.InstalledAt = s.now().UTC().Truncate(time.Second)
		}
		rec.Targets = append([]string(nil), rec.Targets...)
		t[rec.ID] = rec
		if err := s.save(t); err != nil {
			return err
		}
		saved = rec
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	s.logger.Info("installation recorded", "id", saved.ID, "path", saved.Path)
	return saved, nil
}

// Remove drops the record with id and, with deleteFiles, its directory.
func (s *Store) Remove(ctx context.Context, id string, deleteFiles bool) (Record, error) {
	var removed Record
	err := s.lease.Do(ctx, func() error {
		t, err := s.load()
		if err != nil {
			return err
		}
		rec, ok := t[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if deleteFiles {
			if err := os.RemoveAll(rec.Path); err != nil {
				return fmt.Errorf("delete %s: %w", rec.Path, err)
			}
			s.logger.Info("deleted installation files", "path", rec.Path)
		}
		delete(t, id)
		removed = rec
		return s.save(t)
	})
	if err != nil {
		return Record{}, err
	}
	return removed, nil
}

// Latest returns the installation with the highest MSVC version whose path
// still exists.
func (s *Store) Latest(ctx context.Context) (Record, error) {
	t, err := s.read(ctx)
	if err != nil {
		return Record{}, err
	}
	var (
		best    Record
		bestVer *semver.Version
		found   bool
	)
	for _, rec := range t.sorted() {
		if ok, _ := paths.DirExists(rec.Path); !ok {
			continue
		}
		v := recordVersion(rec)
		if !found || v.GreaterThan(bestVer) {
			best, bestVer, found = rec, v, true
		}
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return best, nil
}

var zeroVersion = semver.MustParse("0.0.0")

func recordVersion(rec Record) *semver.Version {
	for _, raw := range []string{rec.MSVCInternalVersion, rec.MSVCVersion} {
		if v, err := semver.NewVersion(raw); err == nil {
			return v
		}
	}
	return zeroVersion
}
