// Package inspect exposes the diagnostic toolkit's own CLI as a narrow
// capability: describe yourself and enumerate your test cases.
package inspect

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/brandonbloom/pinenv/internal/execx"
	"github.com/brandonbloom/pinenv/internal/failure"
)

// Inspectable is what the lifecycle needs from an installed toolkit.
type Inspectable interface {
	Info(ctx context.Context) (string, error)
	List(ctx context.Context) ([]TestCase, error)
}

// TestCase is one test module reported by the toolkit.
type TestCase struct {
	// Path is relative to the toolkit's test root, e.g. "cpu/test_cpu_core.py".
	Path     string `json:"path" yaml:"path"`
	Category string `json:"category" yaml:"category"`
	Name     string `json:"name" yaml:"name"`
}

// CLI runs `<python> <command...> info|list` inside the project.
type CLI struct {
	Runner  execx.Runner
	Python  string
	Command []string
	Dir     string
}

func (c *CLI) run(ctx context.Context, sub string) (string, error) {
	argv := append([]string{c.Python}, c.Command...)
	argv = append(argv, sub)
	res, err := c.Runner.Run(ctx, execx.Command{Dir: c.Dir, Argv: argv})
	if err != nil {
		if execx.NotFound(err) {
			return "", failure.Wrap(failure.InterpreterNotFound, c.Python, err, "environment interpreter missing")
		}
		return "", failure.Wrap(failure.Verification, "", err, "toolkit %s failed", sub)
	}
	return res.Stdout, nil
}

// Info returns the toolkit's self-description.
func (c *CLI) Info(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "info")
	if err != nil {
		return "", err
	}
	return strings.TrimRight(out, "\n"), nil
}

// List returns every test case the toolkit reports, sorted by path.
func (c *CLI) List(ctx context.Context) ([]TestCase, error) {
	out, err := c.run(ctx, "list")
	if err != nil {
		return nil, err
	}
	return ParseList(out), nil
}

// ParseList extracts test cases from `list` output. Lines that do not name
// a test_*.py module are ignored.
func ParseList(out string) []TestCase {
	seen := map[string]bool{}
	var cases []TestCase
	for _, line := range strings.Split(out, "\n") {
		p := strings.TrimSpace(strings.ReplaceAll(line, "\\", "/"))
		p = strings.TrimPrefix(p, "./")
		base := path.Base(p)
		if !strings.HasPrefix(base, "test_") || !strings.HasSuffix(base, ".py") || strings.ContainsAny(p, " \t") {
			continue
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		tc := TestCase{Path: p, Name: strings.TrimSuffix(base, ".py")}
		if dir := path.Dir(p); dir != "." {
			tc.Category, _, _ = strings.Cut(dir, "/")
		}
		cases = append(cases, tc)
	}
	sort.Slice(cases, func(i, j int) bool { return cases[i].Path < cases[j].Path })
	return cases
}

// Filter keeps the cases in category. An empty category keeps everything.
func Filter(cases []TestCase, category string) []TestCase {
	category = strings.Trim(strings.TrimSpace(category), "/")
	if category == "" {
		return cases
	}
	var out []TestCase
	for _, tc := range cases {
		if tc.Category == category {
			out = append(out, tc)
		}
	}
	return out
}

// Categories lists the distinct categories in cases.
func Categories(cases []TestCase) []string {
	seen := map[string]bool{}
	var out []string
	for _, tc := range cases {
		if tc.Category != "" && !seen[tc.Category] {
			seen[tc.Category] = true
			out = append(out, tc.Category)
		}
	}
	sort.Strings(out)
	return out
}
