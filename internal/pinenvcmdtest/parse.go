// Argument parsing for the `pinenvcmdtest` harness.
//
// Supported flags:
//   - `--skip-init` (no pinenv.toml)
//   - `--offline` (the stub package index is unreachable)
//   - `--index pins` (comma-separated pins the stub index serves)
//   - `--dir <dir>` (cd under the temp project before running)
//   - `--keep` (preserve the temp project for debugging)
//   - `-h/--help`
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

const defaultIndex = "alpha==1.0,beta==2.3"

type options struct {
	skipInit bool
	offline  bool
	index    string
	dir      string
	keep     bool
	help     bool
}

func parseArgs(args []string) (options, []string, error) {
	var opts options

	fs := flag.NewFlagSet("pinenvcmdtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.BoolVar(&opts.skipInit, "skip-init", false, "")
	fs.BoolVar(&opts.offline, "offline", false, "")
	fs.StringVar(&opts.index, "index", defaultIndex, "")
	fs.StringVar(&opts.dir, "dir", "", "")
	fs.BoolVar(&opts.keep, "keep", false, "")

	fs.BoolVar(&opts.help, "help", false, "")
	fs.BoolVar(&opts.help, "h", false, "")

	if err := fs.Parse(args); err != nil {
		return options{}, nil, err
	}
	if opts.help {
		return opts, nil, nil
	}

	if opts.dir != "" {
		if filepath.IsAbs(opts.dir) {
			return options{}, nil, errors.New("dir must be a relative path")
		}
		clean := filepath.Clean(opts.dir)
		if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return options{}, nil, fmt.Errorf("dir must not escape the project root: %q", opts.dir)
		}
	}

	cmd := fs.Args()
	if len(cmd) == 0 {
		return options{}, nil, errors.New("missing command")
	}

	return opts, cmd, nil
}
