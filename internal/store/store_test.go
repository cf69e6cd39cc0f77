package store_test

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/brandonbloom/pinenv/internal/execx"
	"github.com/brandonbloom/pinenv/internal/execx/exectest"
	"github.com/brandonbloom/pinenv/internal/failure"
	"github.com/brandonbloom/pinenv/internal/interp"
	"github.com/brandonbloom/pinenv/internal/manifest"
	"github.com/brandonbloom/pinenv/internal/store"
	"github.com/brandonbloom/pinenv/internal/store/storetest"
)

var testTag = interp.Tag{Interpreter: "cp311", Platform: "linux_x86_64"}

// snapshotTree maps every regular file under root to its contents and
// modification time.
func snapshotTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		out[rel] = string(data) + "@" + info.ModTime().String()
		return nil
	})
	require.NoError(t, err)
	return out
}

func newStore(t *testing.T, root string, f store.Fetcher, jobs int) *store.Store {
	t.Helper()
	s, err := store.New(root, testTag, store.Options{Fetcher: f, Jobs: jobs, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return s
}

func TestPopulateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := manifest.MustNew("alpha==1.0", "beta==2.3")
	f := storetest.NewFetcher("alpha==1.0", "beta==2.3")
	s := newStore(t, t.TempDir(), f, 2)

	ok, err := s.Verify(m)
	require.NoError(t, err)
	require.False(t, ok)

	res, err := s.Populate(ctx, m)
	require.NoError(t, err)
	require.Equal(t, m.Entries(), res.Fetched)
	require.Empty(t, res.Cached)
	require.Equal(t, 2, f.Calls())

	before := snapshotTree(t, s.Root())
	f.Reset()
	f.Offline = true
	res, err = s.Populate(ctx, m)
	require.NoError(t, err)
	require.Zero(t, f.Calls(), "a complete store must not fetch")
	require.Equal(t, before, snapshotTree(t, s.Root()))
	require.Empty(t, res.Fetched)
	require.Equal(t, m.Entries(), res.Cached)

	ok, err = s.Verify(m)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPopulateResumesAfterInterruption(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	m := manifest.MustNew("alpha==1.0", "beta==2.3", "gamma==0.1")

	dropping := storetest.NewFetcher("alpha==1.0", "beta==2.3", "gamma==0.1")
	dropping.FailAfter = 1
	_, err := newStore(t, root, dropping, 1).Populate(ctx, m)
	require.Error(t, err)
	require.True(t, failure.Is(err, failure.Network))

	// A stray half-written entry and partial dir look like an aborted run.
	half := filepath.Join(root, testTag.String(), "gamma", "0.1")
	require.NoError(t, os.MkdirAll(half, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(half, "gamma-0.1.whl"), []byte("trunc"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".partial", "junk"), 0o755))

	s := newStore(t, root, nil, 1)
	missing, err := s.Missing(m)
	require.NoError(t, err)
	require.Len(t, missing, 2, "only the first fetch completed")
	alphaDir := filepath.Join(root, testTag.String(), "alpha")
	alphaBefore := snapshotTree(t, alphaDir)

	healthy := storetest.NewFetcher("alpha==1.0", "beta==2.3", "gamma==0.1")
	s = newStore(t, root, healthy, 1)
	res, err := s.Populate(ctx, m)
	require.NoError(t, err)
	require.Equal(t, 2, healthy.Calls())
	require.Len(t, res.Cached, 1)
	require.Len(t, res.Fetched, 2)

	ok, err := s.Verify(m)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, alphaBefore, snapshotTree(t, alphaDir), "completed entries are not rewritten")
	_, err = os.Stat(filepath.Join(root, ".partial", "junk"))
	require.True(t, os.IsNotExist(err))
}

func TestPopulateErrorsNameEntries(t *testing.T) {
	ctx := context.Background()
	m := manifest.MustNew("alpha==1.0", "nosuch==9.9")
	s := newStore(t, t.TempDir(), storetest.NewFetcher("alpha==1.0"), 4)

	res, err := s.Populate(ctx, m)
	require.Error(t, err)
	require.Equal(t, failure.Resolution, failure.KindOf(err))
	require.Equal(t, []string{"nosuch==9.9"}, failure.Entries(err))
	require.Equal(t, []manifest.Entry{{Name: "alpha", Version: "1.0"}}, res.Fetched)
}

func TestPopulateWithoutSource(t *testing.T) {
	m := manifest.MustNew("alpha==1.0")
	s := newStore(t, t.TempDir(), nil, 1)
	_, err := s.Populate(context.Background(), m)
	require.True(t, failure.Is(err, failure.Network))
	require.Contains(t, err.Error(), "alpha==1.0")
}

func TestFirstOfFallsThroughOnlyOnResolution(t *testing.T) {
	ctx := context.Background()
	m := manifest.MustNew("alpha==1.0")

	mirror := storetest.NewFetcher()
	index := storetest.NewFetcher("alpha==1.0")
	s := newStore(t, t.TempDir(), store.FirstOf(mirror, index), 1)
	_, err := s.Populate(ctx, m)
	require.NoError(t, err)
	require.Equal(t, 1, mirror.Calls())
	require.Equal(t, 1, index.Calls())

	down := storetest.NewFetcher("alpha==1.0")
	down.Offline = true
	index = storetest.NewFetcher("alpha==1.0")
	s = newStore(t, t.TempDir(), store.FirstOf(down, index), 1)
	_, err = s.Populate(ctx, m)
	require.True(t, failure.Is(err, failure.Network))
	require.Zero(t, index.Calls())
}

func TestMarkersAreDeterministic(t *testing.T) {
	ctx := context.Background()
	m := manifest.MustNew("Alpha_Pkg==1.0")
	var markers [][]byte
	for range 2 {
		root := t.TempDir()
		s := newStore(t, root, storetest.NewFetcher("Alpha_Pkg==1.0"), 1)
		_, err := s.Populate(ctx, m)
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(root, testTag.String(), "alpha-pkg", "1.0", "artifact.json"))
		require.NoError(t, err)
		markers = append(markers, data)
	}
	require.Equal(t, string(markers[0]), string(markers[1]))
	require.Contains(t, string(markers[0]), `"name":"Alpha_Pkg"`)
}

func TestResolveAndCorrupt(t *testing.T) {
	ctx := context.Background()
	m := manifest.MustNew("alpha==1.0", "beta==2.3")
	s := newStore(t, t.TempDir(), storetest.NewFetcher("alpha==1.0"), 1)
	_, _ = s.Populate(ctx, m)

	_, err := s.Resolve(m)
	require.Equal(t, failure.MissingArtifact, failure.KindOf(err))
	require.Equal(t, []string{"beta==2.3"}, failure.Entries(err))

	only := manifest.MustNew("alpha==1.0")
	arts, err := s.Resolve(only)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	require.Len(t, arts[0].Paths(), 1)

	bad, err := s.Corrupt(only)
	require.NoError(t, err)
	require.Empty(t, bad)

	// Same size, different bytes.
	path := arts[0].Paths()[0]
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))
	bad, err = s.Corrupt(only)
	require.NoError(t, err)
	require.Equal(t, only.Entries(), bad)
}

func TestStatsAndRemove(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "wheelhouse")
	m := manifest.MustNew("alpha==1.0", "beta==2.3")
	s := newStore(t, root, storetest.NewFetcher("alpha==1.0", "beta==2.3"), 2)

	st, err := s.Stats()
	require.NoError(t, err)
	require.Zero(t, st.Entries)

	_, err = s.Populate(ctx, m)
	require.NoError(t, err)
	st, err = s.Stats()
	require.NoError(t, err)
	require.Equal(t, 2, st.Entries)
	require.Positive(t, st.Bytes)

	require.NoError(t, s.Remove())
	require.NoError(t, s.Remove())
	ok, err := s.Verify(m)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPipFetcherArgv(t *testing.T) {
	r := &exectest.Runner{Handle: func(cmd execx.Command) (execx.Result, error) {
		return execx.Result{
			ExitCode: 1,
			Stderr:   "ERROR: No matching distribution found for alpha==1.0",
		}, nil
	}}
	f := &store.PipFetcher{Runner: r, Python: "python3", Dir: "/proj", IndexURL: "https://pypi.example/simple"}
	err := f.Fetch(context.Background(), store.FetchRequest{
		Entry: manifest.Entry{Name: "alpha", Version: "1.0"},
		Tag:   testTag,
		Dest:  "/tmp/dest",
	})
	require.Equal(t, failure.Resolution, failure.KindOf(err))
	require.Equal(t, 1, r.Count("download", "--no-deps", "--only-binary=:all:", "--dest", "/tmp/dest"))
	require.Equal(t, 1, r.Count("--index-url", "https://pypi.example/simple", "alpha==1.0"))
}
