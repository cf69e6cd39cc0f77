package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/brandonbloom/pinenv/internal/failure"
	"github.com/brandonbloom/pinenv/internal/interp"
	"github.com/brandonbloom/pinenv/internal/manifest"
)

// FetchRequest asks a fetcher to place the artifact files for Entry into
// Dest, an empty directory owned by the caller.
type FetchRequest struct {
	Entry manifest.Entry
	Tag   interp.Tag
	Dest  string
}

// Fetcher downloads artifacts. Implementations must report a miss as a
// failure.Resolution error and missing connectivity as failure.Network.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) error
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context, req FetchRequest) error

func (f FetchFunc) Fetch(ctx context.Context, req FetchRequest) error {
	return f(ctx, req)
}

type chain []Fetcher

// FirstOf tries each fetcher in order. Only a resolution miss falls through
// to the next one; any other failure stops the chain.
func FirstOf(fetchers ...Fetcher) Fetcher {
	var c chain
	for _, f := range fetchers {
		if f != nil {
			c = append(c, f)
		}
	}
	return c
}

func (c chain) Fetch(ctx context.Context, req FetchRequest) error {
	if len(c) == 0 {
		return failure.New(failure.Network, req.Entry.String(), "no artifact source configured")
	}
	var err error
	for _, f := range c {
		err = f.Fetch(ctx, req)
		if err == nil || failure.KindOf(err) != failure.Resolution {
			return err
		}
		if err := clearDir(req.Dest); err != nil {
			return err
		}
	}
	return err
}

// Result reports what a Populate call did. Both lists are sorted.
type Result struct {
	Fetched []manifest.Entry `json:"fetched" yaml:"fetched"`
	Cached  []manifest.Entry `json:"cached" yaml:"cached"`
}

// Populate ensures every manifest entry is cached, fetching only the
// missing ones. A fully cached manifest makes no fetcher calls.
func (s *Store) Populate(ctx context.Context, m manifest.Manifest) (Result, error) {
	var res Result
	missing, err := s.Missing(m)
	if err != nil {
		return res, err
	}
	isMissing := make(map[string]bool, len(missing))
	for _, e := range missing {
		isMissing[e.Key()] = true
	}
	for _, e := range m.Entries() {
		if !isMissing[e.Key()] {
			res.Cached = append(res.Cached, e)
		}
	}
	if len(missing) == 0 {
		s.log.Debug("store already complete", zap.String("tag", s.tag.String()), zap.Int("entries", m.Len()))
		return res, nil
	}
	if s.fetcher == nil {
		errs := make([]error, 0, len(missing))
		for _, e := range missing {
			errs = append(errs, failure.New(failure.Network, e.String(), "no artifact source configured"))
		}
		return res, errors.Join(errs...)
	}
	if err := s.cleanPartials(); err != nil {
		return res, err
	}

	var (
		mu      sync.Mutex
		fetched []manifest.Entry
		errs    []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.jobs)
	for _, e := range missing {
		g.Go(func() error {
			err := s.fetchOne(gctx, e)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			fetched = append(fetched, e)
			return nil
		})
	}
	_ = g.Wait()

	sortEntries(fetched)
	res.Fetched = fetched
	if len(errs) > 0 {
		sort.SliceStable(errs, func(i, j int) bool {
			return errs[i].Error() < errs[j].Error()
		})
		return res, errors.Join(errs...)
	}
	return res, nil
}

func (s *Store) fetchOne(ctx context.Context, e manifest.Entry) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", e, err)
	}
	partials := filepath.Join(s.root, partialDir)
	if err := os.MkdirAll(partials, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", partials, err)
	}
	tmp, err := os.MkdirTemp(partials, e.Key()+"-"+e.Version+"-")
	if err != nil {
		return fmt.Errorf("create partial dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	s.log.Info("fetching artifact", zap.String("entry", e.String()), zap.String("tag", s.tag.String()))
	if err := s.fetcher.Fetch(ctx, FetchRequest{Entry: e, Tag: s.tag, Dest: tmp}); err != nil {
		s.log.Warn("fetch failed", zap.String("entry", e.String()), zap.Error(err))
		if failure.KindOf(err) == "" {
			return failure.Wrap(failure.Network, e.String(), err, "fetch failed")
		}
		return err
	}
	files, err := hashFiles(tmp)
	if err != nil {
		return fmt.Errorf("%s: hash artifacts: %w", e, err)
	}
	if len(files) == 0 {
		return failure.New(failure.Resolution, e.String(), "source returned no artifact for %s", s.tag)
	}
	data, err := encodeMarker(marker{Name: e.Name, Version: e.Version, Tag: s.tag.String(), Files: files})
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(filepath.Join(tmp, markerName), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%s: write marker: %w", e, err)
	}

	dest := s.EntryDir(e)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("%s: %w", e, err)
	}
	// An incomplete previous attempt may still occupy dest.
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("%s: clear stale entry: %w", e, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("%s: commit entry: %w", e, err)
	}
	s.lookups.Remove(cacheKey(e))
	s.log.Info("artifact cached", zap.String("entry", e.String()), zap.Int("files", len(files)))
	return nil
}

// cleanPartials removes leftovers of interrupted populates.
func (s *Store) cleanPartials() error {
	dir := filepath.Join(s.root, partialDir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clean partial downloads: %w", err)
	}
	return nil
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func sortEntries(entries []manifest.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Key() != entries[j].Key() {
			return entries[i].Key() < entries[j].Key()
		}
		return entries[i].Version < entries[j].Version
	})
}
