// Package lifecycle drives an environment through setup, verification,
// release and teardown. It is the only layer that turns failures into
// environment states.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brandonbloom/pinenv/internal/envbuild"
	"github.com/brandonbloom/pinenv/internal/execx"
	"github.com/brandonbloom/pinenv/internal/failure"
	"github.com/brandonbloom/pinenv/internal/inspect"
	"github.com/brandonbloom/pinenv/internal/interp"
	"github.com/brandonbloom/pinenv/internal/logdir"
	"github.com/brandonbloom/pinenv/internal/manifest"
	"github.com/brandonbloom/pinenv/internal/snapshot"
	"github.com/brandonbloom/pinenv/internal/store"
)

// Options wires a Controller to a project. All paths are absolute.
type Options struct {
	ProjectDir   string
	EnvDir       string
	StoreDir     string
	ManifestPath string
	LogDir       string

	Interpreter string
	IndexURL    string
	// ToolCommand is the toolkit entry point run with the environment's
	// interpreter, e.g. ["diag_cli.py"].
	ToolCommand []string

	Runner execx.Runner
	// Mirror, when set, is consulted before the package index on populate.
	Mirror store.Fetcher
	// Fetcher replaces the default mirror-then-index chain.
	Fetcher store.Fetcher
	Jobs    int
	// Retries bounds online install retries on network failure.
	Retries  int
	LogMatch logdir.Predicate

	// Tool builds the inspectable for a ready environment. Defaults to the
	// toolkit CLI.
	Tool    func(env *envbuild.Environment) inspect.Inspectable
	Backoff func() backoff.BackOff
	Logger  *zap.Logger
	Now     func() time.Time
}

// Controller owns one environment and its store.
type Controller struct {
	opts    Options
	builder *envbuild.Builder
	log     *zap.Logger
}

// New returns a controller for opts.
func New(opts Options) *Controller {
	if opts.Runner == nil {
		opts.Runner = execx.OSRunner{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LogMatch == nil {
		opts.LogMatch = logdir.ByExtension(".log", ".txt")
	}
	if opts.Backoff == nil {
		opts.Backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		}
	}
	if opts.Tool == nil {
		opts.Tool = func(env *envbuild.Environment) inspect.Inspectable {
			return &inspect.CLI{Runner: opts.Runner, Python: env.Python, Command: opts.ToolCommand, Dir: opts.ProjectDir}
		}
	}
	return &Controller{
		opts:    opts,
		builder: &envbuild.Builder{Runner: opts.Runner, Dir: opts.ProjectDir, Log: opts.Logger},
		log:     opts.Logger,
	}
}

// Manifest loads the project manifest.
func (c *Controller) Manifest() (manifest.Manifest, error) {
	m, err := manifest.Load(c.opts.ManifestPath)
	if err != nil {
		return manifest.Manifest{}, failure.Wrap(failure.Config, "", err, "load manifest")
	}
	return m, nil
}

// State reports the environment's current state. A directory left by an
// interrupted build is ABSENT, never READY.
func (c *Controller) State() (Status, error) {
	st, err := readStatus(c.opts.EnvDir, interp.VenvPython(c.opts.EnvDir))
	if err != nil {
		return st, err
	}
	if st.State == Ready || st.State == Failed {
		if m, err := manifest.Load(c.opts.ManifestPath); err == nil && st.ManifestDigest != "" {
			st.Stale = m.Digest() != st.ManifestDigest
		}
	}
	return st, nil
}

// Store opens the artifact store for the configured interpreter's tag,
// probing the interpreter to learn it.
func (c *Controller) Store(ctx context.Context) (*store.Store, error) {
	python, tag, err := c.builder.Probe(ctx, c.opts.Interpreter)
	if err != nil {
		return nil, err
	}
	return c.openStore(python, tag)
}

func (c *Controller) openStore(python string, tag interp.Tag) (*store.Store, error) {
	fetcher := c.opts.Fetcher
	if fetcher == nil {
		fetcher = store.FirstOf(c.opts.Mirror, &store.PipFetcher{
			Runner:   c.opts.Runner,
			Python:   python,
			Dir:      c.opts.ProjectDir,
			IndexURL: c.opts.IndexURL,
		})
	}
	return store.New(c.opts.StoreDir, tag, store.Options{Fetcher: fetcher, Jobs: c.opts.Jobs, Logger: c.log})
}

func (c *Controller) transition(rec *Record, to State, cause error) error {
	from := rec.State
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition %s -> %s", from, to)
	}
	rec.State = to
	rec.UpdatedAt = c.opts.Now().UTC()
	rec.Error = ""
	if cause != nil {
		rec.Error = cause.Error()
	}
	c.log.Info("state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("build_id", rec.BuildID),
		zap.NamedError("cause", cause))
	return writeRecord(c.opts.EnvDir, *rec)
}

// Setup rebuilds the environment from scratch. Offline mode installs only
// from the store and never falls back to the network. The builder's error
// is returned unchanged after the environment is marked FAILED.
func (c *Controller) Setup(ctx context.Context, mode Mode) error {
	m, err := c.Manifest()
	if err != nil {
		return err
	}
	if err := envbuild.Remove(c.opts.EnvDir); err != nil {
		return err
	}
	rec := Record{
		State:          Absent,
		BuildID:        uuid.NewString(),
		Mode:           mode,
		ManifestDigest: m.Digest(),
	}
	if err := c.transition(&rec, Building, nil); err != nil {
		return err
	}

	buildErr := c.build(ctx, &rec, m, mode)
	if buildErr != nil {
		if err := c.transition(&rec, Failed, buildErr); err != nil {
			c.log.Error("recording failure", zap.Error(err))
		}
		return buildErr
	}
	return c.transition(&rec, Ready, nil)
}

func (c *Controller) build(ctx context.Context, rec *Record, m manifest.Manifest, mode Mode) error {
	env, err := c.builder.Create(ctx, c.opts.EnvDir, c.opts.Interpreter)
	if err != nil {
		return err
	}
	rec.Tag = env.Tag.String()
	// venv --clear empties the directory, including the BUILDING record.
	if err := writeRecord(c.opts.EnvDir, *rec); err != nil {
		return err
	}

	switch mode {
	case Offline:
		st, err := c.openStore(env.Interpreter, env.Tag)
		if err != nil {
			return err
		}
		return c.builder.Install(ctx, env, m, envbuild.StoreSource{Store: st})
	case Online:
		return c.installOnline(ctx, env, m)
	default:
		return fmt.Errorf("unknown setup mode %q", mode)
	}
}

func (c *Controller) installOnline(ctx context.Context, env *envbuild.Environment, m manifest.Manifest) error {
	src := envbuild.IndexSource{IndexURL: c.opts.IndexURL}
	op := func() error {
		err := c.builder.Install(ctx, env, m, src)
		if err != nil && !failure.KindOf(err).Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	var b backoff.BackOff = c.opts.Backoff()
	if c.opts.Retries > 0 {
		b = backoff.WithMaxRetries(b, uint64(c.opts.Retries))
	} else {
		b = &backoff.StopBackOff{}
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		c.log.Warn("online install failed; retrying", zap.Error(err), zap.Duration("wait", wait))
	})
}

// SetupDev fills the store from the manifest, then builds offline.
func (c *Controller) SetupDev(ctx context.Context) (store.Result, error) {
	res, err := c.Download(ctx)
	if err != nil {
		return res, err
	}
	return res, c.Setup(ctx, Offline)
}

// Download populates the store with every manifest entry.
func (c *Controller) Download(ctx context.Context) (store.Result, error) {
	m, err := c.Manifest()
	if err != nil {
		return store.Result{}, err
	}
	st, err := c.Store(ctx)
	if err != nil {
		return store.Result{}, err
	}
	w := &snapshot.Writer{Runner: c.opts.Runner, Dir: c.opts.ProjectDir, Store: st}
	return w.Download(ctx, m)
}

// Environment returns the ready environment.
func (c *Controller) Environment() (*envbuild.Environment, error) {
	st, err := c.State()
	if err != nil {
		return nil, err
	}
	if st.State != Ready {
		return nil, notReady(st)
	}
	tag, err := interp.ParseTag(st.Tag)
	if err != nil {
		return nil, err
	}
	return &envbuild.Environment{
		Root:   c.opts.EnvDir,
		Python: interp.VenvPython(c.opts.EnvDir),
		Tag:    tag,
	}, nil
}

func notReady(st Status) error {
	msg := fmt.Sprintf("environment is %s; run `pinenv setup`", st.State)
	if st.Interrupted {
		msg = "environment build was interrupted; run `pinenv setup`"
	}
	if st.State == Failed && st.Error != "" {
		msg += " (last error: " + st.Error + ")"
	}
	return errors.New(msg)
}

// Inspector returns the toolkit capability of the ready environment.
func (c *Controller) Inspector() (inspect.Inspectable, error) {
	env, err := c.Environment()
	if err != nil {
		return nil, err
	}
	return c.opts.Tool(env), nil
}

// Report is the outcome of a successful Verify.
type Report struct {
	Info  string             `json:"info" yaml:"info"`
	Cases []inspect.TestCase `json:"cases" yaml:"cases"`
}

// Verify runs the toolkit's info and list commands. Success leaves the
// environment READY; any failure marks it FAILED.
func (c *Controller) Verify(ctx context.Context) (Report, error) {
	var report Report
	env, err := c.Environment()
	if err != nil {
		return report, err
	}
	rec, err := readRecord(c.opts.EnvDir)
	if err != nil {
		return report, err
	}
	if rec.State == Verifying {
		rec.State = Ready
	}
	if err := c.transition(&rec, Verifying, nil); err != nil {
		return report, err
	}
	tool := c.opts.Tool(env)

	checkErr := func() error {
		info, err := tool.Info(ctx)
		if err != nil {
			return err
		}
		cases, err := tool.List(ctx)
		if err != nil {
			return err
		}
		report = Report{Info: info, Cases: cases}
		return nil
	}()
	if checkErr != nil {
		if !failure.Is(checkErr, failure.Verification) {
			checkErr = failure.Wrap(failure.Verification, "", checkErr, "toolkit check failed")
		}
		if err := c.transition(&rec, Failed, checkErr); err != nil {
			c.log.Error("recording failure", zap.Error(err))
		}
		return Report{}, checkErr
	}
	if len(report.Cases) == 0 {
		c.log.Warn("toolkit lists no test cases")
	}
	return report, c.transition(&rec, Ready, nil)
}

// Scope selects what Teardown removes.
type Scope uint8

const (
	ScopeEnv Scope = 1 << iota
	ScopeStore
	ScopeLogs

	ScopeAll = ScopeEnv | ScopeStore | ScopeLogs
)

// TeardownResult lists what Teardown removed.
type TeardownResult struct {
	Env   bool     `json:"env" yaml:"env"`
	Store bool     `json:"store" yaml:"store"`
	Logs  []string `json:"logs" yaml:"logs"`
}

// Teardown removes the selected pieces. Removing something already absent
// is not an error, so Teardown is idempotent.
func (c *Controller) Teardown(scope Scope) (TeardownResult, error) {
	var res TeardownResult
	if scope&ScopeEnv != 0 {
		st, err := c.State()
		if err != nil {
			return res, err
		}
		if _, err := os.Stat(c.opts.EnvDir); err == nil {
			if err := envbuild.Remove(c.opts.EnvDir); err != nil {
				return res, err
			}
			res.Env = true
			c.log.Info("state transition",
				zap.String("from", string(st.State)),
				zap.String("to", string(TornDown)),
				zap.String("build_id", st.BuildID))
		}
	}
	if scope&ScopeStore != 0 {
		if _, err := os.Stat(c.opts.StoreDir); err == nil {
			if err := os.RemoveAll(c.opts.StoreDir); err != nil {
				return res, fmt.Errorf("remove store %s: %w", c.opts.StoreDir, err)
			}
			res.Store = true
			c.log.Info("store removed", zap.String("store", c.opts.StoreDir))
		}
	}
	if scope&ScopeLogs != 0 {
		removed, err := c.ClearLogs()
		res.Logs = removed
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// ClearLogs removes log files matched by the configured predicate.
func (c *Controller) ClearLogs() ([]string, error) {
	removed, err := logdir.Clear(c.opts.LogDir, c.opts.LogMatch)
	if err != nil {
		return removed, err
	}
	c.log.Info("logs cleared", zap.Int("files", len(removed)))
	return removed, nil
}

// ReleaseResult reports what Release did.
type ReleaseResult struct {
	Manifest manifest.Manifest `json:"-" yaml:"-"`
	Changed  bool              `json:"changed" yaml:"changed"`
	Populate store.Result      `json:"populate" yaml:"populate"`
}

// Release snapshots the ready environment into the manifest and fills the
// store with its artifacts.
func (c *Controller) Release(ctx context.Context) (ReleaseResult, error) {
	var res ReleaseResult
	m, err := c.Freeze(ctx)
	if err != nil {
		return res, err
	}
	res.Manifest = m
	res.Changed, err = snapshot.Write(c.opts.ManifestPath, m)
	if err != nil {
		return res, err
	}
	c.log.Info("manifest written", zap.String("path", c.opts.ManifestPath), zap.Int("entries", m.Len()), zap.Bool("changed", res.Changed))
	st, err := c.Store(ctx)
	if err != nil {
		return res, err
	}
	w := &snapshot.Writer{Runner: c.opts.Runner, Dir: c.opts.ProjectDir, Store: st}
	res.Populate, err = w.Download(ctx, m)
	return res, err
}

// Freeze captures the ready environment's installed set.
func (c *Controller) Freeze(ctx context.Context) (manifest.Manifest, error) {
	env, err := c.Environment()
	if err != nil {
		return manifest.Manifest{}, err
	}
	w := &snapshot.Writer{Runner: c.opts.Runner, Dir: c.opts.ProjectDir}
	return w.Freeze(ctx, env)
}
