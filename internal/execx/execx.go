// Package execx runs external programs (the interpreter, pip, the toolkit
// CLI) and captures their output.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"sort"
	"strings"
)

// Command describes one process invocation.
type Command struct {
	Dir  string
	Argv []string
	Env  map[string]string
}

func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// Result holds captured output of a finished process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner abstracts process execution so builders and adapters can be tested
// without a Python toolchain.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExitError reports a process that ran but exited non-zero.
type ExitError struct {
	Command Command
	Result  Result
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Result.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Result.Stdout)
	}
	if msg == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.Result.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d\n%s", e.Command, e.Result.ExitCode, msg)
}

// OSRunner executes commands on the host.
type OSRunner struct{}

// Run executes cmd with its environment merged over the current one. A
// process that starts and exits non-zero yields an *ExitError together with
// its captured Result.
func (OSRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if len(cmd.Argv) == 0 {
		return Result{}, errors.New("empty argv")
	}
	// #nosec G204 -- argv is built from the project config and manifest.
	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	if len(cmd.Env) != 0 {
		c.Env = mergeEnv(c.Environ(), cmd.Env)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{Command: cmd, Result: res}
		}
		return res, fmt.Errorf("%s: %w", cmd, err)
	}
	return res, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, override := extra[key]; override {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// Output runs cmd and returns trimmed stdout.
func Output(ctx context.Context, r Runner, cmd Command) (string, error) {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Stderr extracts the captured stderr from an *ExitError, or the error text.
func Stderr(err error) string {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if s := strings.TrimSpace(exitErr.Result.Stderr); s != "" {
			return s
		}
		return strings.TrimSpace(exitErr.Result.Stdout)
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// NotFound reports whether err means the program could not be started at all.
func NotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, exec.ErrDot) || errors.Is(err, fs.ErrNotExist)
}
