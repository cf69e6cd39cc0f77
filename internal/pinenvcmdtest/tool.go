// Implementation of the `pinenvcmdtest` harness.
//
// Key behaviors:
//   - Creates `/tmp/pinenv-transcripts/proj-<id>` and symlinks `/tmp/pinenv-transcripts/bin -> <repo>/bin`.
//   - Installs the hermetic interpreter by copying `bin/pystub` into the project as `bin/python3`.
//   - Seeds a manifest, a toolkit entry point and two test modules.
//   - Pins PINENV_NOW and disables color for stable transcripts.
//   - Honors `PINENV_CMDTEST_TIMEOUT` (default 10s) to cap setup + command runtime.
//   - Honors `PINENV_CMDTEST_ID` to isolate temp projects for parallel tests.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

type tool struct {
	repoRoot        string
	transcriptsRoot string
	pinenvBinary    string
	pythonStub      string

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

const defaultTimeout = 10 * time.Second

func newToolFromExecutable() (*tool, error) {
	if root := os.Getenv("PINENV_REPO_ROOT"); root != "" {
		return newTool(root), nil
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return nil, err
	}
	return newTool(filepath.Join(filepath.Dir(exe), "..")), nil
}

func newTool(repoRoot string) *tool {
	repoRoot = filepath.Clean(repoRoot)
	return &tool{
		repoRoot:        repoRoot,
		transcriptsRoot: "/tmp/pinenv-transcripts",
		pinenvBinary:    filepath.Join(repoRoot, "bin", "pinenv"),
		pythonStub:      filepath.Join(repoRoot, "bin", "pystub"),
		stdin:           os.Stdin,
		stdout:          os.Stdout,
		stderr:          os.Stderr,
	}
}

func (t *tool) runCLI(ctx context.Context, args []string) int {
	ctx, cancel, timeout := withTimeoutFromEnv(ctx, "PINENV_CMDTEST_TIMEOUT", defaultTimeout)
	if cancel != nil {
		defer cancel()
	}

	opts, cmdArgs, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(t.stderr, err)
		t.printUsage()
		return 2
	}
	if opts.help {
		t.printUsage()
		return 0
	}

	exitCode, err := t.run(ctx, opts, cmdArgs, timeout)
	if err != nil {
		fmt.Fprintln(t.stderr, err)
		return 1
	}
	return exitCode
}

func (t *tool) printUsage() {
	fmt.Fprint(t.stderr, `Usage: pinenvcmdtest [options] -- <command> [args...]

Sets up a disposable pinenv project, runs the given command inside it,
and cleans up afterward. Intended for transcript integration tests.

Options:
  --skip-init     Do not write pinenv.toml (for pinenv init tests).
  --offline       Make the stub package index unreachable.
  --index PINS    Comma-separated pins the stub index serves.
  --dir DIR       cd into DIR (relative to the temp project) before running.
  --keep          Preserve the temp project for debugging (prints its path).
`)
}

func (t *tool) run(ctx context.Context, opts options, cmdArgs []string, timeout time.Duration) (int, error) {
	if _, err := os.Stat(filepath.Join(t.repoRoot, "go.mod")); err != nil {
		return 1, fmt.Errorf("unable to locate pinenv repo root: %w", err)
	}
	if err := os.MkdirAll(t.transcriptsRoot, 0o755); err != nil {
		return 1, err
	}
	if err := t.ensureBinSymlink(); err != nil {
		return 1, err
	}

	proj := filepath.Join(t.transcriptsRoot, projectDirName())
	if err := removeAllUnder(t.transcriptsRoot, proj); err != nil {
		return 1, err
	}
	if err := os.MkdirAll(proj, 0o755); err != nil {
		return 1, err
	}
	if err := seedProject(proj, opts.index); err != nil {
		return 1, err
	}
	if err := t.installPythonStub(proj); err != nil {
		return 1, err
	}

	childEnv := deterministicEnv(os.Environ())
	childEnv = withEnv(childEnv, "PYSTUB_STATE", filepath.Join(proj, ".pystub.json"))
	childEnv = withEnv(childEnv, "PYSTUB_INDEX", opts.index)
	if opts.offline {
		childEnv = withEnv(childEnv, "PYSTUB_OFFLINE", "1")
	}
	childEnv = withEnv(childEnv, "PATH", strings.Join([]string{
		filepath.Join(proj, "bin"),
		filepath.Join(t.repoRoot, "bin"),
		getEnv(childEnv, "PATH"),
	}, string(os.PathListSeparator)))

	if !opts.skipInit {
		if err := t.runQuiet(ctx, proj, childEnv, t.pinenvBinary, "init"); err != nil {
			return 1, err
		}
	}

	workdir := proj
	if opts.dir != "" {
		workdir = filepath.Join(proj, opts.dir)
	}

	cmd := exec.CommandContext(ctx, cmdArgs[0], cmdArgs[1:]...)
	cmd.Dir = workdir
	cmd.Env = withEnv(childEnv, "PWD", workdir)
	cmd.Stdin = t.stdin
	cmd.Stdout = t.stdout
	cmd.Stderr = t.stderr

	runErr := cmd.Run()
	if runErr != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return 124, fmt.Errorf("pinenvcmdtest: timed out after %s", timeout)
	}
	exitCode := exitStatus(runErr)

	if opts.keep {
		fmt.Fprintf(t.stderr, "temp project kept at %s\n", proj)
	} else if cleanupErr := removeAllUnder(t.transcriptsRoot, proj); cleanupErr != nil {
		return 1, cleanupErr
	}

	return exitCode, nil
}

func (t *tool) ensureBinSymlink() error {
	dst := filepath.Join(t.transcriptsRoot, "bin")
	src := filepath.Join(t.repoRoot, "bin")

	pointsAtSrc := func() bool {
		target, err := os.Readlink(dst)
		if err != nil {
			return false
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(dst), target)
		}
		return filepath.Clean(target) == src
	}

	if info, err := os.Lstat(dst); err == nil {
		if info.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("refusing to overwrite non-symlink: %s", dst)
		}
		if pointsAtSrc() {
			return nil
		}
		return fmt.Errorf("symlink %s points somewhere else; remove it to continue", dst)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := os.Symlink(src, dst); err != nil {
		if errors.Is(err, os.ErrExist) && pointsAtSrc() {
			return nil
		}
		return err
	}
	return nil
}

// seedProject lays out a minimal toolkit checkout whose manifest pins the
// whole stub index.
func seedProject(dir, index string) error {
	var manifest strings.Builder
	for _, pin := range strings.Split(index, ",") {
		if pin = strings.TrimSpace(pin); pin != "" {
			manifest.WriteString(pin)
			manifest.WriteByte('\n')
		}
	}
	files := map[string]string{
		"requirements.txt":                         manifest.String(),
		"diag_cli.py":                              "# toolkit entry point\n",
		"testcase/cpu/test_cpu_core.py":            "def test_core(): pass\n",
		"testcase/memory/test_memory_bandwidth.py": "def test_bandwidth(): pass\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (t *tool) installPythonStub(proj string) error {
	stub, err := os.ReadFile(t.pythonStub)
	if err != nil {
		return err
	}
	binDir := filepath.Join(proj, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(binDir, "python3"), stub, 0o755)
}

func (t *tool) runQuiet(ctx context.Context, dir string, env []string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = withEnv(env, "PWD", dir)

	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			msg = ": " + msg
		}
		return fmt.Errorf("%s %s failed%s: %w", name, strings.Join(args, " "), msg, err)
	}
	return nil
}

func deterministicEnv(base []string) []string {
	env := envMap(base)
	for key := range env {
		if strings.HasPrefix(key, "PINENV_") && key != "PINENV_CMDTEST_ID" {
			delete(env, key)
		}
	}
	env["PINENV_NOW"] = "2000-01-01T00:05:00Z"
	env["PINENV_PROCESS_TEST_DATA"] = "[]"
	env["NO_COLOR"] = "1"
	env["CLICOLOR"] = "0"
	env["CLICOLOR_FORCE"] = "0"
	return envSlice(env)
}

func removeAllUnder(root, target string) error {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return err
	}
	if rel == "." {
		return fmt.Errorf("refusing to remove root: %s", root)
	}
	if strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return fmt.Errorf("refusing to remove outside root: %s", target)
	}
	return os.RemoveAll(target)
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return 127
}

func withTimeoutFromEnv(ctx context.Context, key string, def time.Duration) (context.Context, context.CancelFunc, time.Duration) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def.String()
	}
	if raw == "0" || raw == "0s" {
		return ctx, nil, 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		d = def
	}
	next, cancel := context.WithTimeout(ctx, d)
	return next, cancel, d
}

func envMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, entry := range env {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

func envSlice(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

func withEnv(env []string, key, value string) []string {
	m := envMap(env)
	m[key] = value
	return envSlice(m)
}

func getEnv(env []string, key string) string {
	return envMap(env)[key]
}

func projectDirName() string {
	raw := strings.TrimSpace(os.Getenv("PINENV_CMDTEST_ID"))
	if raw != "" {
		safe := make([]rune, 0, len(raw))
		for _, r := range raw {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
				safe = append(safe, r)
				continue
			}
			safe = append(safe, '_')
		}
		id := strings.Trim(string(safe), "._-")
		if id != "" {
			return "proj-" + id
		}
	}

	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("proj-%d", os.Getpid())
	}
	return "proj-" + hex.EncodeToString(b[:])
}
