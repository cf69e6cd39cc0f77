// Package store implements the wheelhouse: a directory of downloaded
// distribution artifacts keyed by (name, version, platform tag).
//
// Layout:
//
//	{root}/
//	  {tag}/
//	    {normalized-name}/
//	      {version}/
//	        {artifact files}
//	        artifact.json   (canonical JSON; written last)
//	  .partial/             (in-flight downloads, safe to delete)
//
// Lookups are a direct path computation; nothing scans an index.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/brandonbloom/pinenv/internal/failure"
	"github.com/brandonbloom/pinenv/internal/interp"
	"github.com/brandonbloom/pinenv/internal/manifest"
)

const (
	partialDir       = ".partial"
	lookupCacheSize  = 4096
	defaultFetchJobs = 4
)

// Artifact is a cached, complete store entry.
type Artifact struct {
	Entry manifest.Entry `json:"entry" yaml:"entry"`
	Tag   interp.Tag     `json:"tag" yaml:"tag"`
	Dir   string         `json:"dir" yaml:"dir"`
	Files []File         `json:"files" yaml:"files"`
}

// Paths returns the absolute artifact file paths.
func (a Artifact) Paths() []string {
	out := make([]string, 0, len(a.Files))
	for _, f := range a.Files {
		out = append(out, filepath.Join(a.Dir, f.Name))
	}
	return out
}

// Size sums the artifact file sizes.
func (a Artifact) Size() int64 {
	var n int64
	for _, f := range a.Files {
		n += f.Size
	}
	return n
}

// Options configures a Store.
type Options struct {
	// Fetcher downloads missing artifacts. Nil means the store is read-only
	// and Populate fails with a network error for anything missing.
	Fetcher Fetcher
	// Jobs bounds concurrent fetches during Populate.
	Jobs   int
	Logger *zap.Logger
}

// Store is the artifact cache for one platform tag.
type Store struct {
	root    string
	tag     interp.Tag
	fetcher Fetcher
	jobs    int
	log     *zap.Logger
	lookups *lru.Cache[string, Artifact]
}

// New opens the store rooted at root for artifacts matching tag. The
// directory need not exist yet.
func New(root string, tag interp.Tag, opts Options) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("store root is required")
	}
	if tag.IsZero() {
		return nil, errors.New("store platform tag is required")
	}
	cache, err := lru.New[string, Artifact](lookupCacheSize)
	if err != nil {
		return nil, err
	}
	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = defaultFetchJobs
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		root:    filepath.Clean(root),
		tag:     tag,
		fetcher: opts.Fetcher,
		jobs:    jobs,
		log:     log,
		lookups: cache,
	}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Tag returns the platform tag this store serves.
func (s *Store) Tag() interp.Tag { return s.tag }

// EntryDir computes where e lives for this store's tag.
func (s *Store) EntryDir(e manifest.Entry) string {
	return filepath.Join(s.root, s.tag.String(), e.Key(), e.Version)
}

func cacheKey(e manifest.Entry) string {
	return e.Key() + "==" + e.Version
}

// Lookup returns the cached artifact for e. ok is false when the entry is
// absent or incomplete.
func (s *Store) Lookup(e manifest.Entry) (Artifact, bool, error) {
	if a, ok := s.lookups.Get(cacheKey(e)); ok {
		return a, true, nil
	}
	dir := s.EntryDir(e)
	m, err := readMarker(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Artifact{}, false, nil
		}
		return Artifact{}, false, err
	}
	if len(m.Files) == 0 {
		return Artifact{}, false, nil
	}
	for _, f := range m.Files {
		info, err := os.Stat(filepath.Join(dir, f.Name))
		if err != nil || !info.Mode().IsRegular() || info.Size() != f.Size {
			return Artifact{}, false, nil
		}
	}
	a := Artifact{Entry: e, Tag: s.tag, Dir: dir, Files: m.Files}
	s.lookups.Add(cacheKey(e), a)
	return a, true, nil
}

// Missing lists manifest entries without a complete cached artifact. It
// never touches the network.
func (s *Store) Missing(m manifest.Manifest) ([]manifest.Entry, error) {
	var missing []manifest.Entry
	for _, e := range m.Entries() {
		_, ok, err := s.Lookup(e)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", e, err)
		}
		if !ok {
			missing = append(missing, e)
		}
	}
	return missing, nil
}

// Verify reports whether every manifest entry is cached.
func (s *Store) Verify(m manifest.Manifest) (bool, error) {
	missing, err := s.Missing(m)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// MissingError builds the fatal offline-precondition error for entries.
func MissingError(s *Store, entries []manifest.Entry) error {
	errs := make([]error, 0, len(entries))
	for _, e := range entries {
		errs = append(errs, failure.New(failure.MissingArtifact, e.String(),
			"not in %s; run `pinenv setup-dev` or `pinenv setup-online`", s.EntryDir(e)))
	}
	return errors.Join(errs...)
}

// Resolve returns the artifacts for every manifest entry in manifest order,
// or a MissingArtifact error naming each absent entry.
func (s *Store) Resolve(m manifest.Manifest) ([]Artifact, error) {
	missing, err := s.Missing(m)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, MissingError(s, missing)
	}
	out := make([]Artifact, 0, m.Len())
	for _, e := range m.Entries() {
		a, _, err := s.Lookup(e)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Corrupt re-hashes every cached file for the manifest and lists entries
// whose contents no longer match their marker.
func (s *Store) Corrupt(m manifest.Manifest) ([]manifest.Entry, error) {
	var bad []manifest.Entry
	for _, e := range m.Entries() {
		a, ok, err := s.Lookup(e)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, f := range a.Files {
			got, err := hashFile(filepath.Join(a.Dir, f.Name))
			if err != nil || got.SHA256 != f.SHA256 {
				bad = append(bad, e)
				s.lookups.Remove(cacheKey(e))
				break
			}
		}
	}
	return bad, nil
}

// Artifacts lists every complete entry under this store's tag, sorted.
func (s *Store) Artifacts() ([]Artifact, error) {
	tagDir := filepath.Join(s.root, s.tag.String())
	var out []Artifact
	err := filepath.WalkDir(tagDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == tagDir {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || d.Name() != markerName {
			return nil
		}
		m, err := readMarker(filepath.Dir(path))
		if err != nil {
			return err
		}
		a, ok, err := s.Lookup(manifest.Entry{Name: m.Name, Version: m.Version})
		if err != nil {
			return err
		}
		if ok {
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entry.Key() != out[j].Entry.Key() {
			return out[i].Entry.Key() < out[j].Entry.Key()
		}
		return out[i].Entry.Version < out[j].Entry.Version
	})
	return out, nil
}

// Stats summarises the store for this tag.
type Stats struct {
	Entries int   `json:"entries" yaml:"entries"`
	Bytes   int64 `json:"bytes" yaml:"bytes"`
}

// Stats counts complete entries and their total size.
func (s *Store) Stats() (Stats, error) {
	arts, err := s.Artifacts()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Entries: len(arts)}
	for _, a := range arts {
		st.Bytes += a.Size()
	}
	return st, nil
}

// Remove deletes the whole store directory. Removing an absent store is
// not an error.
func (s *Store) Remove() error {
	s.lookups.Purge()
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("remove store %s: %w", s.root, err)
	}
	return nil
}
