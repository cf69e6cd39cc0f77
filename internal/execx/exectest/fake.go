// Package exectest provides a scripted execx.Runner for tests.
package exectest

import (
	"context"
	"strings"
	"sync"

	"github.com/brandonbloom/pinenv/internal/execx"
)

// Handler answers one command. Returning a non-zero ExitCode without an
// error makes the fake report an *execx.ExitError.
type Handler func(cmd execx.Command) (execx.Result, error)

// Runner records every command and dispatches to Handle.
type Runner struct {
	Handle Handler

	mu    sync.Mutex
	calls []execx.Command
}

// Run implements execx.Runner.
func (r *Runner) Run(ctx context.Context, cmd execx.Command) (execx.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return execx.Result{}, err
	}
	if r.Handle == nil {
		return execx.Result{}, nil
	}
	res, err := r.Handle(cmd)
	if err == nil && res.ExitCode != 0 {
		return res, &execx.ExitError{Command: cmd, Result: res}
	}
	return res, err
}

// Calls returns a copy of the recorded commands.
func (r *Runner) Calls() []execx.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]execx.Command(nil), r.calls...)
}

// Count reports how many recorded commands contain every word in match,
// in order, as a contiguous run of argv.
func (r *Runner) Count(match ...string) int {
	n := 0
	for _, c := range r.Calls() {
		if containsRun(c.Argv, match) {
			n++
		}
	}
	return n
}

// Reset forgets recorded commands.
func (r *Runner) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

func containsRun(argv, match []string) bool {
	if len(match) == 0 {
		return true
	}
	for i := 0; i+len(match) <= len(argv); i++ {
		ok := true
		for j, m := range match {
			if argv[i+j] != m {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// Joined renders argv as a single string for prefix matching in handlers.
func Joined(cmd execx.Command) string {
	return strings.Join(cmd.Argv, " ")
}
