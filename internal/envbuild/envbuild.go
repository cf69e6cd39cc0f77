// Package envbuild creates virtual environments and installs a manifest
// into them, either from the local artifact store or from a package index.
package envbuild

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/brandonbloom/pinenv/internal/execx"
	"github.com/brandonbloom/pinenv/internal/failure"
	"github.com/brandonbloom/pinenv/internal/interp"
	"github.com/brandonbloom/pinenv/internal/manifest"
	"github.com/brandonbloom/pinenv/internal/pip"
	"github.com/brandonbloom/pinenv/internal/store"
)

// Environment is a created virtual environment.
type Environment struct {
	Root string
	// Python is the interpreter inside the environment.
	Python string
	// Interpreter is the host interpreter the environment was created from.
	Interpreter string
	Tag         interp.Tag
}

// Source selects where Install takes artifacts from.
type Source interface {
	isSource()
}

// StoreSource installs strictly offline from a local store.
type StoreSource struct {
	Store *store.Store
}

// IndexSource installs from a remote package index. An empty URL means
// pip's configured default.
type IndexSource struct {
	IndexURL string
}

func (StoreSource) isSource() {}
func (IndexSource) isSource() {}

// Builder runs the interpreter and pip.
type Builder struct {
	Runner execx.Runner
	// Dir is the working directory for every command.
	Dir string
	Log *zap.Logger
}

func (b *Builder) log() *zap.Logger {
	if b.Log == nil {
		return zap.NewNop()
	}
	return b.Log
}

// Probe resolves the interpreter spec and reports its path and tag.
func (b *Builder) Probe(ctx context.Context, spec string) (string, interp.Tag, error) {
	path, err := interp.Resolve(spec)
	if err != nil {
		return "", interp.Tag{}, err
	}
	tag, err := interp.Probe(ctx, b.Runner, path)
	if err != nil {
		return "", interp.Tag{}, err
	}
	return path, tag, nil
}

// Create makes a fresh virtual environment at root using the interpreter
// named by spec. Any existing environment at root is replaced.
func (b *Builder) Create(ctx context.Context, root, spec string) (*Environment, error) {
	path, tag, err := b.Probe(ctx, spec)
	if err != nil {
		return nil, err
	}
	b.log().Info("creating environment", zap.String("root", root), zap.String("interpreter", path), zap.String("tag", tag.String()))
	_, err = b.Runner.Run(ctx, execx.Command{
		Dir:  b.Dir,
		Argv: []string{path, "-m", "venv", "--clear", root},
	})
	if err != nil {
		if execx.NotFound(err) {
			return nil, failure.Wrap(failure.InterpreterNotFound, spec, err, "cannot execute")
		}
		return nil, fmt.Errorf("create environment %s: %w", root, err)
	}
	return &Environment{
		Root:        root,
		Python:      interp.VenvPython(root),
		Interpreter: path,
		Tag:         tag,
	}, nil
}

// Install replays m into env from src and then checks that the environment
// holds exactly the pinned versions.
//
// With a StoreSource, every entry must already be cached: a single missing
// artifact fails the whole install before any pip command runs.
func (b *Builder) Install(ctx context.Context, env *Environment, m manifest.Manifest, src Source) error {
	if env == nil {
		return errors.New("install: no environment")
	}
	if m.Len() == 0 {
		b.log().Info("empty manifest; nothing to install")
		return b.verify(ctx, env, m)
	}
	var args []string
	switch src := src.(type) {
	case StoreSource:
		if src.Store == nil {
			return errors.New("install: no store configured")
		}
		if src.Store.Tag() != env.Tag {
			return failure.New(failure.MissingArtifact, "", "store %s holds artifacts for %s but the interpreter is %s",
				src.Store.Root(), src.Store.Tag(), env.Tag)
		}
		arts, err := src.Store.Resolve(m)
		if err != nil {
			return err
		}
		args = []string{"install", "--no-index", "--no-deps"}
		for _, a := range arts {
			args = append(args, a.Paths()...)
		}
		b.log().Info("installing offline", zap.Int("entries", m.Len()), zap.String("store", src.Store.Root()))
	case IndexSource:
		args = append([]string{"install", "--no-deps"}, pip.IndexArgs(src.IndexURL)...)
		for _, e := range m.Entries() {
			args = append(args, e.String())
		}
		b.log().Info("installing from index", zap.Int("entries", m.Len()), zap.String("index", src.IndexURL))
	default:
		return fmt.Errorf("install: unsupported source %T", src)
	}

	if _, err := b.Runner.Run(ctx, pip.Command(env.Python, b.Dir, args...)); err != nil {
		return pip.Classify("", err)
	}
	return b.verify(ctx, env, m)
}

// verify freezes env and reports every pin that is absent or at another
// version.
func (b *Builder) verify(ctx context.Context, env *Environment, want manifest.Manifest) error {
	got, err := pip.Freeze(ctx, b.Runner, env.Python, b.Dir)
	if err != nil {
		return failure.Wrap(failure.Verification, "", err, "freeze installed environment")
	}
	var errs []error
	for _, e := range want.Entries() {
		have, ok := got.Lookup(e.Name)
		switch {
		case !ok:
			errs = append(errs, failure.New(failure.Verification, e.String(), "not installed"))
		case have.Version != e.Version:
			errs = append(errs, failure.New(failure.Verification, e.String(), "installed version is %s", have.Version))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if extra := got.Len() - want.Len(); extra > 0 {
		b.log().Warn("environment holds unpinned distributions", zap.Int("extra", extra))
	}
	return nil
}

// Remove deletes the environment directory. Removing an absent environment
// is not an error.
func Remove(root string) error {
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("remove environment %s: %w", root, err)
	}
	return nil
}
