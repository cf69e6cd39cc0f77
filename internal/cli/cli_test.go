package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brandonbloom/pinenv/internal/failure"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func newTestProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("PINENV_INTERPRETER", filepath.Join(dir, "no-such-python"))
	if _, _, err := runCLI(t, "init"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("alpha==1.0\nbeta==2.3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestInitWritesDefaultConfig(t *testing.T) {
	dir := newTestProject(t)
	data, err := os.ReadFile(filepath.Join(dir, "pinenv.toml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), "env_dir = '.venv'") && !strings.Contains(string(data), `env_dir = ".venv"`) {
		t.Fatalf("config missing env_dir default:\n%s", data)
	}
	out, _, err := runCLI(t, "init")
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if !strings.Contains(out, "already exists") {
		t.Fatalf("second init output = %q", out)
	}
}

func TestCommandsOutsideProject(t *testing.T) {
	t.Chdir(t.TempDir())
	_, _, err := runCLI(t, "status")
	if failure.KindOf(err) != failure.Config {
		t.Fatalf("err = %v, want config failure", err)
	}
	if !strings.Contains(err.Error(), "pinenv init") {
		t.Fatalf("err = %v, want a hint to run init", err)
	}
}

func TestStatusWithoutEnvironment(t *testing.T) {
	newTestProject(t)
	out, _, err := runCLI(t, "status", "-o", "json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var report map[string]any
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if report["state"] != "ABSENT" {
		t.Fatalf("state = %v", report["state"])
	}
	manifest := report["manifest"].(map[string]any)
	if manifest["entries"] != float64(2) {
		t.Fatalf("manifest entries = %v", manifest["entries"])
	}
	store := report["store"].(map[string]any)
	if store["error"] == nil {
		t.Fatalf("store without an interpreter should report an error: %v", store)
	}

	out, _, err = runCLI(t, "status")
	if err != nil {
		t.Fatalf("status text: %v", err)
	}
	if !strings.Contains(out, "ABSENT") || !strings.Contains(out, "requirements.txt: 2 pins") {
		t.Fatalf("status text = %q", out)
	}
}

func TestSetupWithoutInterpreterExitsThree(t *testing.T) {
	newTestProject(t)
	_, _, err := runCLI(t, "setup")
	if got := failure.ExitCode(err); got != 3 {
		t.Fatalf("exit code = %d (%v), want 3", got, err)
	}
}

func TestLogClear(t *testing.T) {
	dir := newTestProject(t)
	logs := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logs, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"test_execution_1.log", "test_summary_1.txt", "report.xml"} {
		if err := os.WriteFile(filepath.Join(logs, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	out, _, err := runCLI(t, "logclear")
	if err != nil {
		t.Fatalf("logclear: %v", err)
	}
	if !strings.Contains(out, filepath.Join("logs", "test_execution_1.log")) {
		t.Fatalf("output = %q", out)
	}
	if _, err := os.Stat(filepath.Join(logs, "report.xml")); err != nil {
		t.Fatalf("non-log file removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(logs, "test_summary_1.txt")); !os.IsNotExist(err) {
		t.Fatalf("summary log kept: %v", err)
	}
}

func TestCleanIsIdempotent(t *testing.T) {
	newTestProject(t)
	t.Setenv("PINENV_PROCESS_TEST_DATA", "[]")
	for range 2 {
		out, _, err := runCLI(t, "clean")
		if err != nil {
			t.Fatalf("clean: %v", err)
		}
		if !strings.Contains(out, "nothing to clean") {
			t.Fatalf("clean output = %q", out)
		}
	}
}

func TestCleanKillsEnvironmentProcesses(t *testing.T) {
	dir := newTestProject(t)
	env := filepath.Join(dir, ".venv")
	if err := os.MkdirAll(filepath.Join(env, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	fixture := filepath.Join(dir, "procs.json")
	procs := `[{"pid":4242,"command":"python","exe":"` + filepath.ToSlash(filepath.Join(env, "bin", "python")) + `","cwd":"/"},` +
		`{"pid":7,"command":"bash","cwd":"/"}]`
	if err := os.WriteFile(fixture, []byte(procs), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PINENV_PROCESS_TEST_DATA_FILE", fixture)

	out, stderr, err := runCLI(t, "clean", "--kill", "--timeout", "1s")
	if err != nil {
		t.Fatalf("clean --kill: %v", err)
	}
	if !strings.Contains(out, "SIGTERM to python (4242)") {
		t.Fatalf("output = %q", out)
	}
	if stderr != "" {
		t.Fatalf("killed processes should not be reported as live: %q", stderr)
	}
	data, _ := os.ReadFile(fixture)
	if strings.Contains(string(data), "4242") || !strings.Contains(string(data), `"pid":7`) {
		t.Fatalf("fixture after kill = %s", data)
	}
	if _, err := os.Stat(env); !os.IsNotExist(err) {
		t.Fatalf("environment not removed: %v", err)
	}
}

func TestUsageErrorsAreConfigFailures(t *testing.T) {
	newTestProject(t)
	_, _, err := runCLI(t, "status", "--bogus")
	if failure.ExitCode(err) != 2 {
		t.Fatalf("exit code = %d (%v), want 2", failure.ExitCode(err), err)
	}
	_, _, err = runCLI(t, "list", "-o", "xml")
	if err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Fatalf("err = %v", err)
	}
}

func TestWriteTableAlignsWideRunes(t *testing.T) {
	var b bytes.Buffer
	err := writeTable(&b, []string{"CATEGORY", "NAME"}, [][]string{
		{"cpu", "core"},
		{"メモリ", "bandwidth"},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := "CATEGORY  NAME\ncpu       core\nメモリ    bandwidth\n"
	if b.String() != want {
		t.Fatalf("table =\n%s\nwant\n%s", b.String(), want)
	}
}

func TestResolveKillSettings(t *testing.T) {
	s, err := resolveKillSettings("true", "")
	if err != nil {
		t.Fatal(err)
	}
	if s.Signal != defaultKillSignal || s.Timeout != 3*time.Second {
		t.Fatalf("defaults = %+v", s)
	}
	s, err = resolveKillSettings("KILL", "500ms")
	if err != nil {
		t.Fatal(err)
	}
	if s.SignalLabel != "SIGKILL" || s.Timeout != 500*time.Millisecond {
		t.Fatalf("settings = %+v", s)
	}
	if _, err := resolveKillSettings("", "-1s"); err == nil {
		t.Fatal("negative timeout accepted")
	}
	if _, err := resolveKillSettings("NOPE", ""); err == nil {
		t.Fatal("unknown signal accepted")
	}
}

func TestCurrentTimeOverride(t *testing.T) {
	t.Setenv("PINENV_NOW", "2024-05-01T12:00:00Z")
	if got := currentTimeOverride(); !got.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("now = %v", got)
	}
}

func TestTracedLogsOutcome(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := &session{Log: zap.New(core)}

	n, err := traced(context.Background(), s, "download", func(context.Context) (int, error) {
		return 2, nil
	})
	if err != nil || n != 2 {
		t.Fatalf("traced = %d, %v", n, err)
	}
	err = tracedErr(context.Background(), s, "setup-offline", func(context.Context) error {
		return failure.New(failure.MissingArtifact, "beta==2.3", "not in store")
	})
	if failure.KindOf(err) != failure.MissingArtifact {
		t.Fatalf("kind = %q", failure.KindOf(err))
	}

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d log entries, want 2", len(entries))
	}
	if entries[0].Message != "operation finished" || entries[0].ContextMap()["op"] != "download" {
		t.Fatalf("first entry = %+v", entries[0])
	}
	failed := entries[1].ContextMap()
	if entries[1].Level != zapcore.ErrorLevel || failed["kind"] != string(failure.MissingArtifact) || failed["exit"] != int64(5) {
		t.Fatalf("failed entry = %+v", failed)
	}
}
