package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/brandonbloom/pinenv/internal/envbuild"
	"github.com/brandonbloom/pinenv/internal/execx"
	"github.com/brandonbloom/pinenv/internal/failure"
	"github.com/brandonbloom/pinenv/internal/inspect"
	"github.com/brandonbloom/pinenv/internal/interp"
	"github.com/brandonbloom/pinenv/internal/manifest"
	"github.com/brandonbloom/pinenv/internal/pip/piptest"
	"github.com/brandonbloom/pinenv/internal/store"
)

type harness struct {
	t     *testing.T
	root  string
	world *piptest.World
	ctl   *Controller
	logs  *observer.ObservedLogs
	opts  Options
}

func newHarness(t *testing.T, pins ...string) *harness {
	t.Helper()
	root := t.TempDir()
	python := filepath.Join(root, "host", "python3")
	require.NoError(t, os.MkdirAll(filepath.Dir(python), 0o755))
	require.NoError(t, os.WriteFile(python, []byte("#!fake\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "requirements.txt"), manifest.MustNew(pins...).Bytes(), 0o644))

	core, logs := observer.New(zapcore.DebugLevel)
	world := piptest.New(pins...)
	opts := Options{
		ProjectDir:   root,
		EnvDir:       filepath.Join(root, ".venv"),
		StoreDir:     filepath.Join(root, "wheelhouse"),
		ManifestPath: filepath.Join(root, "requirements.txt"),
		LogDir:       filepath.Join(root, "logs"),
		Interpreter:  python,
		ToolCommand:  []string{"diag_cli.py"},
		Runner:       world.Runner(),
		Retries:      2,
		Backoff:      func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		Logger:       zap.New(core),
		Now:          func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	}
	return &harness{t: t, root: root, world: world, ctl: New(opts), logs: logs, opts: opts}
}

func (h *harness) transitions() []string {
	var out []string
	for _, e := range h.logs.FilterMessage("state transition").All() {
		m := e.ContextMap()
		out = append(out, m["from"].(string)+"->"+m["to"].(string))
	}
	return out
}

func (h *harness) state() Status {
	st, err := h.ctl.State()
	require.NoError(h.t, err)
	return st
}

func (h *harness) prepopulate(pins ...string) {
	tag, err := interp.ParseTag(piptest.Tag)
	require.NoError(h.t, err)
	for _, pin := range pins {
		e, err := manifest.ParseLine(pin)
		require.NoError(h.t, err)
		st, err := store.New(h.opts.StoreDir, tag, store.Options{Fetcher: store.FetchFunc(func(ctx context.Context, req store.FetchRequest) error {
			return piptest.WriteWheel(req.Dest, req.Entry)
		})})
		require.NoError(h.t, err)
		_, err = st.Populate(context.Background(), manifest.MustNew(e.String()))
		require.NoError(h.t, err)
	}
}

func TestEndToEndOffline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alpha==1.0", "beta==2.3")
	h.prepopulate("alpha==1.0", "beta==2.3")
	h.world.Offline = true

	require.Equal(t, Absent, h.state().State)
	require.NoError(t, h.ctl.Setup(ctx, Offline))
	require.Equal(t, []string{"ABSENT->BUILDING", "BUILDING->READY"}, h.transitions())
	require.Zero(t, h.world.NetworkCalls())

	st := h.state()
	require.Equal(t, Ready, st.State)
	require.Equal(t, Offline, st.Mode)
	require.Equal(t, piptest.Tag, st.Tag)
	require.NotEmpty(t, st.BuildID)
	require.False(t, st.Stale)

	report, err := h.ctl.Verify(ctx)
	require.NoError(t, err)
	require.Len(t, report.Cases, 2)
	require.Equal(t, Ready, h.state().State)

	res, err := h.ctl.Teardown(ScopeEnv)
	require.NoError(t, err)
	require.True(t, res.Env)
	require.Equal(t, Absent, h.state().State)
	_, err = os.Stat(h.opts.EnvDir)
	require.True(t, os.IsNotExist(err))

	tag, _ := interp.ParseTag(piptest.Tag)
	st2, err := store.New(h.opts.StoreDir, tag, store.Options{})
	require.NoError(t, err)
	ok, err := st2.Verify(manifest.MustNew("alpha==1.0", "beta==2.3"))
	require.NoError(t, err)
	require.True(t, ok, "env-only teardown leaves the store untouched")

	res, err = h.ctl.Teardown(ScopeEnv)
	require.NoError(t, err)
	require.False(t, res.Env)
}

func TestOfflineSetupWithIncompleteStore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alpha==1.0", "beta==2.3")
	h.prepopulate("alpha==1.0")

	err := h.ctl.Setup(ctx, Offline)
	require.Equal(t, failure.MissingArtifact, failure.KindOf(err))
	require.Equal(t, []string{"beta==2.3"}, failure.Entries(err))
	require.Zero(t, h.world.NetworkCalls(), "offline setup never falls back to the index")

	st := h.state()
	require.Equal(t, Failed, st.State)
	require.Contains(t, st.Error, "beta==2.3")
	require.Equal(t, []string{"ABSENT->BUILDING", "BUILDING->FAILED"}, h.transitions())

	_, err = h.ctl.Verify(ctx)
	require.Error(t, err)
}

func TestInterruptedBuildReportsAbsent(t *testing.T) {
	h := newHarness(t, "alpha==1.0")
	require.NoError(t, os.MkdirAll(filepath.Join(h.opts.EnvDir, "bin"), 0o755))
	st := h.state()
	require.Equal(t, Absent, st.State)
	require.True(t, st.Interrupted)

	require.NoError(t, writeRecord(h.opts.EnvDir, Record{State: Building, BuildID: "b1"}))
	st = h.state()
	require.Equal(t, Absent, st.State)
	require.True(t, st.Interrupted)

	_, err := h.ctl.Environment()
	require.ErrorContains(t, err, "interrupted")

	h.prepopulate("alpha==1.0")
	stray := filepath.Join(h.opts.EnvDir, "half-installed.txt")
	require.NoError(t, os.WriteFile(stray, nil, 0o644))
	require.NoError(t, h.ctl.Setup(context.Background(), Offline))
	require.Equal(t, Ready, h.state().State)
	_, err = os.Stat(stray)
	require.True(t, os.IsNotExist(err), "setup rebuilds from scratch")
}

func TestOnlineSetupRetriesNetworkErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alpha==1.0", "beta==2.3")
	h.world.Offline = true

	err := h.ctl.Setup(ctx, Online)
	require.Equal(t, failure.Network, failure.KindOf(err))
	require.Equal(t, 3, h.world.NetworkCalls(), "one attempt plus two retries")
	require.Equal(t, Failed, h.state().State)

	h.world.Offline = false
	require.NoError(t, h.ctl.Setup(ctx, Online))
	require.Equal(t, Ready, h.state().State)
	require.Equal(t, Online, h.state().Mode)
}

func TestOnlineSetupDoesNotRetryResolution(t *testing.T) {
	h := newHarness(t, "alpha==1.0")
	require.NoError(t, os.WriteFile(h.opts.ManifestPath, []byte("alpha==1.0\nnosuch==0.0\n"), 0o644))
	err := h.ctl.Setup(context.Background(), Online)
	require.Equal(t, failure.Resolution, failure.KindOf(err))
	require.Equal(t, []string{"nosuch==0.0"}, failure.Entries(err))
	require.Equal(t, 2, h.world.NetworkCalls())
}

func TestSetupDevPopulatesThenBuildsOffline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alpha==1.0", "beta==2.3")

	res, err := h.ctl.SetupDev(ctx)
	require.NoError(t, err)
	require.Len(t, res.Fetched, 2)
	require.Equal(t, 2, h.world.NetworkCalls())
	require.Equal(t, Ready, h.state().State)
	require.Equal(t, Offline, h.state().Mode)

	// Second run: store is complete, so no network at all.
	h.world.Offline = true
	res, err = h.ctl.SetupDev(ctx)
	require.NoError(t, err)
	require.Empty(t, res.Fetched)
	require.Equal(t, 2, h.world.NetworkCalls())
}

func TestVerifyFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alpha==1.0")
	h.prepopulate("alpha==1.0")
	require.NoError(t, h.ctl.Setup(ctx, Offline))

	h.world.ToolError = "Traceback (most recent call last):\nModuleNotFoundError: No module named 'click'"
	_, err := h.ctl.Verify(ctx)
	require.Equal(t, failure.Verification, failure.KindOf(err))
	require.Contains(t, execx.Stderr(err), "No module named 'click'")

	st := h.state()
	require.Equal(t, Failed, st.State)
	require.Contains(t, h.transitions(), "VERIFYING->FAILED")

	_, err = h.ctl.Verify(ctx)
	require.ErrorContains(t, err, "FAILED")
}

type vanishingTool struct{ python string }

func (v vanishingTool) Info(context.Context) (string, error) { return "diag 1.0", nil }

func (v vanishingTool) List(context.Context) ([]inspect.TestCase, error) {
	return nil, failure.New(failure.InterpreterNotFound, v.python, "environment interpreter missing")
}

func TestVerifyRecastsInterpreterLossAsVerification(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alpha==1.0")
	h.prepopulate("alpha==1.0")
	require.NoError(t, h.ctl.Setup(ctx, Offline))

	opts := h.opts
	opts.Tool = func(env *envbuild.Environment) inspect.Inspectable { return vanishingTool{python: env.Python} }
	_, err := New(opts).Verify(ctx)
	require.Equal(t, failure.Verification, failure.KindOf(err))
	require.Equal(t, 7, failure.ExitCode(err))
	require.ErrorContains(t, err, "environment interpreter missing")
	require.Equal(t, Failed, h.state().State)
}

func TestReleaseFreezesAndPopulates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alpha==1.0", "beta==2.3")
	require.NoError(t, h.ctl.Setup(ctx, Online))

	// Drift the manifest; release rewrites it from the environment.
	require.NoError(t, os.WriteFile(h.opts.ManifestPath, []byte("alpha==1.0\n"), 0o644))
	require.True(t, h.state().Stale)

	res, err := h.ctl.Release(ctx)
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.Len(t, res.Populate.Fetched, 2)
	data, err := os.ReadFile(h.opts.ManifestPath)
	require.NoError(t, err)
	require.Equal(t, "alpha==1.0\nbeta==2.3\n", string(data))
	require.False(t, h.state().Stale)

	res, err = h.ctl.Release(ctx)
	require.NoError(t, err)
	require.False(t, res.Changed)
	require.Empty(t, res.Populate.Fetched)
}

func TestTeardownAll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alpha==1.0")
	h.prepopulate("alpha==1.0")
	require.NoError(t, h.ctl.Setup(ctx, Offline))
	require.NoError(t, os.MkdirAll(h.opts.LogDir, 0o755))
	for _, name := range []string{"test_execution_1.log", "test_summary_1.txt", "keep.xml"} {
		require.NoError(t, os.WriteFile(filepath.Join(h.opts.LogDir, name), nil, 0o644))
	}

	res, err := h.ctl.Teardown(ScopeAll)
	require.NoError(t, err)
	require.True(t, res.Env)
	require.True(t, res.Store)
	require.Len(t, res.Logs, 2)
	for _, dir := range []string{h.opts.EnvDir, h.opts.StoreDir} {
		_, err := os.Stat(dir)
		require.True(t, os.IsNotExist(err), dir)
	}
	_, err = os.Stat(filepath.Join(h.opts.LogDir, "keep.xml"))
	require.NoError(t, err)

	res, err = h.ctl.Teardown(ScopeAll)
	require.NoError(t, err)
	require.False(t, res.Env || res.Store)
	require.Empty(t, res.Logs)
}

func TestMissingInterpreter(t *testing.T) {
	h := newHarness(t, "alpha==1.0")
	h.ctl.opts.Interpreter = "/nonexistent/python9"
	err := h.ctl.Setup(context.Background(), Offline)
	require.Equal(t, failure.InterpreterNotFound, failure.KindOf(err))
	require.Equal(t, 3, failure.ExitCode(err))
	require.Equal(t, Failed, h.state().State)
}
