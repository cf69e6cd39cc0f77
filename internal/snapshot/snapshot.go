// Package snapshot captures a working environment's dependency closure as
// a manifest and downloads its artifacts into the store.
package snapshot

import (
	"context"
	"fmt"

	"github.com/brandonbloom/pinenv/internal/envbuild"
	"github.com/brandonbloom/pinenv/internal/execx"
	"github.com/brandonbloom/pinenv/internal/manifest"
	"github.com/brandonbloom/pinenv/internal/pip"
	"github.com/brandonbloom/pinenv/internal/store"
)

// Writer freezes environments and fills the store.
type Writer struct {
	Runner execx.Runner
	Dir    string
	Store  *store.Store
}

// Freeze returns the exact installed set of env as a sorted manifest. The
// same environment always yields byte-identical output.
func (w *Writer) Freeze(ctx context.Context, env *envbuild.Environment) (manifest.Manifest, error) {
	m, err := pip.Freeze(ctx, w.Runner, env.Python, w.Dir)
	if err != nil {
		return manifest.Manifest{}, fmt.Errorf("freeze %s: %w", env.Root, err)
	}
	return m, nil
}

// Download ensures every entry of m is in the store.
func (w *Writer) Download(ctx context.Context, m manifest.Manifest) (store.Result, error) {
	if w.Store == nil {
		return store.Result{}, fmt.Errorf("download: no store configured")
	}
	return w.Store.Populate(ctx, m)
}

// Write saves m to path and reports whether the file changed.
func Write(path string, m manifest.Manifest) (bool, error) {
	return manifest.Save(path, m)
}
