// pystub is a hermetic stand-in for a Python interpreter, used by transcript
// tests. It answers the commands pinenv issues:
//   - `python -c <probe>` (prints "cp311 linux_x86_64")
//   - `python -m venv --clear DIR` (DIR/bin/python becomes a link to pystub)
//   - `python -m pip install|freeze|download ...`
//   - `python diag_cli.py info|list` (list reports testcase/**/test_*.py)
//
// State lives in PYSTUB_STATE (default `.pystub.json` in $PWD). PYSTUB_INDEX
// seeds the package index with comma-separated pins, PYSTUB_OFFLINE=1 makes
// every index access fail, and PYSTUB_TOOL_ERROR makes the toolkit fail.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/brandonbloom/pinenv/internal/execx"
	"github.com/brandonbloom/pinenv/internal/pip/piptest"
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	wd := mustGetwd()
	stateFile := getenvDefault("PYSTUB_STATE", filepath.Join(wd, ".pystub.json"))

	unlock, err := acquireLockFile(stateFile + ".lock")
	if err != nil {
		fmt.Fprintln(os.Stderr, "pystub:", err)
		return 1
	}
	defer unlock()

	w := piptest.New(splitPins(os.Getenv("PYSTUB_INDEX"))...)
	if err := loadState(stateFile, w); err != nil {
		fmt.Fprintln(os.Stderr, "pystub:", err)
		return 1
	}
	w.Offline = os.Getenv("PYSTUB_OFFLINE") == "1"
	w.ToolError = os.Getenv("PYSTUB_TOOL_ERROR")
	if list := scanTestcases(filepath.Join(wd, "testcase")); list != "" {
		w.List = list
	}

	res, err := w.Handle(execx.Command{Argv: args})
	if err != nil {
		fmt.Fprintln(os.Stderr, "pystub:", err)
		if errors.Is(err, os.ErrNotExist) {
			return 127
		}
		return 1
	}
	if res.ExitCode == 0 && isVenv(args) {
		if err := linkInterpreter(args[len(args)-1]); err != nil {
			fmt.Fprintln(os.Stderr, "pystub:", err)
			return 1
		}
	}
	if err := saveState(stateFile, w); err != nil {
		fmt.Fprintln(os.Stderr, "pystub:", err)
		return 1
	}
	fmt.Fprint(os.Stdout, res.Stdout)
	fmt.Fprint(os.Stderr, res.Stderr)
	return res.ExitCode
}

func isVenv(args []string) bool {
	return len(args) >= 4 && args[1] == "-m" && args[2] == "venv"
}

// linkInterpreter makes root/bin/python run pystub again.
func linkInterpreter(root string) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	python := filepath.Join(root, "bin", "python")
	if err := os.Remove(python); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.Symlink(self, python)
}

func scanTestcases(root string) string {
	var lines []string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, "test_") && strings.HasSuffix(name, ".py") {
			rel, _ := filepath.Rel(root, path)
			lines = append(lines, filepath.ToSlash(rel))
		}
		return nil
	})
	return strings.Join(lines, "\n")
}

func splitPins(raw string) []string {
	var pins []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			pins = append(pins, p)
		}
	}
	return pins
}
