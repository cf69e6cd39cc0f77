package store

import (
	"context"

	"github.com/brandonbloom/pinenv/internal/execx"
	"github.com/brandonbloom/pinenv/internal/pip"
)

// PipFetcher downloads binary artifacts from a package index with
// `pip download`. It resolves nothing: every request is a single exact pin
// fetched without dependencies.
type PipFetcher struct {
	Runner execx.Runner
	// Python runs pip. Any interpreter with the same tag as the store works.
	Python   string
	Dir      string
	IndexURL string
}

func (f *PipFetcher) Fetch(ctx context.Context, req FetchRequest) error {
	args := []string{"download", "--no-deps", "--only-binary=:all:", "--dest", req.Dest}
	args = append(args, pip.IndexArgs(f.IndexURL)...)
	args = append(args, req.Entry.String())
	_, err := f.Runner.Run(ctx, pip.Command(f.Python, f.Dir, args...))
	return pip.Classify(req.Entry.String(), err)
}
