package envbuild

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/brandonbloom/pinenv/internal/failure"
	"github.com/brandonbloom/pinenv/internal/interp"
	"github.com/brandonbloom/pinenv/internal/manifest"
	"github.com/brandonbloom/pinenv/internal/pip/piptest"
	"github.com/brandonbloom/pinenv/internal/store"
	"github.com/brandonbloom/pinenv/internal/store/storetest"
)

func fakeInterpreter(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "python3")
	require.NoError(t, os.WriteFile(path, []byte("#!fake\n"), 0o755))
	return path
}

func mustTag(t *testing.T) interp.Tag {
	t.Helper()
	tag, err := interp.ParseTag(piptest.Tag)
	require.NoError(t, err)
	return tag
}

func TestCreateMissingInterpreter(t *testing.T) {
	world := piptest.New()
	b := &Builder{Runner: world.Runner(), Log: zaptest.NewLogger(t)}
	_, err := b.Create(context.Background(), filepath.Join(t.TempDir(), "env"), "/no/such/python3.11")
	require.Equal(t, failure.InterpreterNotFound, failure.KindOf(err))
}

func TestOfflineInstallFromStore(t *testing.T) {
	ctx := context.Background()
	world := piptest.New()
	runner := world.Runner()
	b := &Builder{Runner: runner, Log: zaptest.NewLogger(t)}
	m := manifest.MustNew("alpha==1.0", "beta==2.3")

	st, err := store.New(t.TempDir(), mustTag(t), store.Options{Fetcher: storetest.NewFetcher("alpha==1.0", "beta==2.3")})
	require.NoError(t, err)
	_, err = st.Populate(ctx, m)
	require.NoError(t, err)

	env, err := b.Create(ctx, filepath.Join(t.TempDir(), "env"), fakeInterpreter(t))
	require.NoError(t, err)
	require.Equal(t, piptest.Tag, env.Tag.String())

	require.NoError(t, b.Install(ctx, env, m, StoreSource{Store: st}))
	require.Equal(t, []string{"alpha==1.0", "beta==2.3"}, world.Installed(env.Root))
	require.Zero(t, world.NetworkCalls())
	require.Equal(t, 1, runner.Count("install", "--no-index", "--no-deps"))
}

func TestOfflineInstallIsClosed(t *testing.T) {
	ctx := context.Background()
	world := piptest.New("alpha==1.0", "beta==2.3")
	runner := world.Runner()
	b := &Builder{Runner: runner}
	m := manifest.MustNew("alpha==1.0", "beta==2.3")

	st, err := store.New(t.TempDir(), mustTag(t), store.Options{Fetcher: storetest.NewFetcher("alpha==1.0")})
	require.NoError(t, err)
	_, err = st.Populate(ctx, manifest.MustNew("alpha==1.0"))
	require.NoError(t, err)

	env, err := b.Create(ctx, filepath.Join(t.TempDir(), "env"), fakeInterpreter(t))
	require.NoError(t, err)
	runner.Reset()

	err = b.Install(ctx, env, m, StoreSource{Store: st})
	require.Equal(t, failure.MissingArtifact, failure.KindOf(err))
	require.Equal(t, []string{"beta==2.3"}, failure.Entries(err))
	require.Empty(t, runner.Calls(), "no pip command may run when the store is incomplete")
	require.Zero(t, world.NetworkCalls())
	require.Empty(t, world.Installed(env.Root))
}

func TestOfflineInstallRejectsForeignTag(t *testing.T) {
	ctx := context.Background()
	world := piptest.New()
	b := &Builder{Runner: world.Runner()}
	st, err := store.New(t.TempDir(), interp.Tag{Interpreter: "cp39", Platform: "win_amd64"}, store.Options{})
	require.NoError(t, err)
	env, err := b.Create(ctx, filepath.Join(t.TempDir(), "env"), fakeInterpreter(t))
	require.NoError(t, err)
	err = b.Install(ctx, env, manifest.MustNew("alpha==1.0"), StoreSource{Store: st})
	require.Equal(t, failure.MissingArtifact, failure.KindOf(err))
}

func TestOnlineInstall(t *testing.T) {
	ctx := context.Background()
	m := manifest.MustNew("alpha==1.0", "beta==2.3")

	cases := []struct {
		name    string
		index   []string
		offline bool
		want    failure.Kind
		entry   string
	}{
		{name: "ok", index: []string{"alpha==1.0", "beta==2.3"}},
		{name: "unknown version", index: []string{"alpha==1.0"}, want: failure.Resolution, entry: "beta==2.3"},
		{name: "no network", offline: true, want: failure.Network, entry: "alpha==1.0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			world := piptest.New(tc.index...)
			world.Offline = tc.offline
			b := &Builder{Runner: world.Runner(), Log: zaptest.NewLogger(t)}
			env, err := b.Create(ctx, filepath.Join(t.TempDir(), "env"), fakeInterpreter(t))
			require.NoError(t, err)

			err = b.Install(ctx, env, m, IndexSource{IndexURL: "https://pypi.example/simple"})
			if tc.want == "" {
				require.NoError(t, err)
				require.Equal(t, []string{"alpha==1.0", "beta==2.3"}, world.Installed(env.Root))
				return
			}
			require.Equal(t, tc.want, failure.KindOf(err))
			require.Equal(t, []string{tc.entry}, failure.Entries(err))
		})
	}
}

func TestVerifyReportsMismatches(t *testing.T) {
	ctx := context.Background()
	world := piptest.New("alpha==1.0", "beta==2.2")
	b := &Builder{Runner: world.Runner()}
	env, err := b.Create(ctx, filepath.Join(t.TempDir(), "env"), fakeInterpreter(t))
	require.NoError(t, err)
	require.NoError(t, b.Install(ctx, env, manifest.MustNew("alpha==1.0", "beta==2.2"), IndexSource{}))

	err = b.verify(ctx, env, manifest.MustNew("alpha==1.0", "beta==2.3", "gamma==0.1"))
	require.Equal(t, failure.Verification, failure.KindOf(err))
	require.Equal(t, []string{"beta==2.3", "gamma==0.1"}, failure.Entries(err))
}
