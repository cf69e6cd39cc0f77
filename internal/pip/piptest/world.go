// Package piptest simulates a Python host for tests: interpreter probing,
// venv creation, pip install/freeze/download and the toolkit CLI. It plugs
// into exectest.Runner and counts every command that would need network.
package piptest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/brandonbloom/pinenv/internal/execx"
	"github.com/brandonbloom/pinenv/internal/execx/exectest"
	"github.com/brandonbloom/pinenv/internal/manifest"
)

// Tag is the platform tag every simulated interpreter reports.
const Tag = "cp311-linux_x86_64"

// World is the simulated host.
type World struct {
	mu        sync.Mutex
	index     map[string]bool
	installed map[string]map[string]manifest.Entry
	network   int

	// Offline makes every index access fail like an unreachable host.
	Offline bool
	// Info and List are the toolkit CLI outputs.
	Info string
	List string
	// ToolError, when set, makes the toolkit CLI exit 1 with this stderr.
	ToolError string
}

// New returns a world whose package index serves the given pins.
func New(indexPins ...string) *World {
	w := &World{
		index:     map[string]bool{},
		installed: map[string]map[string]manifest.Entry{},
		Info:      "diag_cli: 2 commands (info, list)",
		List:      "cpu/test_cpu_core.py\nmemory/test_memory_bandwidth.py",
	}
	for _, p := range indexPins {
		w.index[p] = true
	}
	return w
}

// Runner returns a fake runner backed by w.
func (w *World) Runner() *exectest.Runner {
	return &exectest.Runner{Handle: w.Handle}
}

// NetworkCalls counts commands that contacted the index.
func (w *World) NetworkCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.network
}

// Installed lists what the environment at root holds.
func (w *World) Installed(root string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, e := range w.installed[filepath.Clean(root)] {
		out = append(out, e.String())
	}
	sort.Strings(out)
	return out
}

// Handle answers one command.
func (w *World) Handle(cmd execx.Command) (execx.Result, error) {
	argv := cmd.Argv
	switch {
	case len(argv) >= 3 && argv[1] == "-c":
		return execx.Result{Stdout: strings.Replace(Tag, "-", " ", 1) + "\n"}, nil
	case len(argv) >= 5 && argv[1] == "-m" && argv[2] == "venv":
		return w.venv(argv[len(argv)-1])
	case len(argv) >= 4 && argv[1] == "-m" && argv[2] == "pip":
		root := filepath.Dir(filepath.Dir(argv[0]))
		switch argv[3] {
		case "install":
			return w.install(root, argv[4:])
		case "freeze":
			return w.freeze(root)
		case "download":
			return w.download(argv[4:])
		}
	case len(argv) >= 2:
		return w.tool(argv[len(argv)-1])
	}
	return execx.Result{ExitCode: 127, Stderr: fmt.Sprintf("piptest: unexpected command %q", exectest.Joined(cmd))}, nil
}

func (w *World) venv(root string) (execx.Result, error) {
	if err := os.MkdirAll(filepath.Join(root, "bin"), 0o755); err != nil {
		return execx.Result{}, err
	}
	if err := os.WriteFile(filepath.Join(root, "bin", "python"), []byte("#!fake\n"), 0o755); err != nil {
		return execx.Result{}, err
	}
	w.mu.Lock()
	w.installed[filepath.Clean(root)] = map[string]manifest.Entry{}
	w.mu.Unlock()
	return execx.Result{}, nil
}

func (w *World) install(root string, args []string) (execx.Result, error) {
	offline := false
	var targets []string
	for i := 0; i < len(args); i++ {
		switch a := args[i]; {
		case a == "--no-index":
			offline = true
		case a == "--index-url":
			i++
		case strings.HasPrefix(a, "-"):
		default:
			targets = append(targets, a)
		}
	}
	var entries []manifest.Entry
	for _, t := range targets {
		if offline {
			e, err := readWheel(t)
			if err != nil {
				return execx.Result{ExitCode: 1, Stderr: "ERROR: " + err.Error()}, nil
			}
			entries = append(entries, e)
			continue
		}
		if res, ok := w.reach(t); !ok {
			return res, nil
		}
		e, err := manifest.ParseLine(t)
		if err != nil {
			return execx.Result{}, err
		}
		entries = append(entries, e)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	env, ok := w.installed[filepath.Clean(root)]
	if !ok {
		return execx.Result{}, &os.PathError{Op: "exec", Path: filepath.Join(root, "bin", "python"), Err: os.ErrNotExist}
	}
	for _, e := range entries {
		env[e.Key()] = e
	}
	return execx.Result{}, nil
}

// reach simulates one index request for pin.
func (w *World) reach(pin string) (execx.Result, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.network++
	if w.Offline {
		return execx.Result{ExitCode: 1, Stderr: "WARNING: Retrying (Retry(total=4)) after connection broken by 'NewConnectionError'\n" +
			"ERROR: Could not find a version that satisfies the requirement " + pin + " (from versions: none)\n" +
			"ERROR: No matching distribution found for " + pin}, false
	}
	if !w.index[pin] {
		return execx.Result{ExitCode: 1, Stderr: "ERROR: Could not find a version that satisfies the requirement " + pin + " (from versions: none)\n" +
			"ERROR: No matching distribution found for " + pin}, false
	}
	return execx.Result{}, true
}

func (w *World) freeze(root string) (execx.Result, error) {
	w.mu.Lock()
	_, ok := w.installed[filepath.Clean(root)]
	w.mu.Unlock()
	if !ok {
		return execx.Result{}, &os.PathError{Op: "exec", Path: filepath.Join(root, "bin", "python"), Err: os.ErrNotExist}
	}
	var b strings.Builder
	for _, pin := range w.Installed(root) {
		b.WriteString(pin)
		b.WriteByte('\n')
	}
	return execx.Result{Stdout: b.String()}, nil
}

func (w *World) download(args []string) (execx.Result, error) {
	dest := ""
	var pins []string
	for i := 0; i < len(args); i++ {
		switch a := args[i]; {
		case a == "--dest" || a == "--index-url":
			if a == "--dest" && i+1 < len(args) {
				dest = args[i+1]
			}
			i++
		case strings.HasPrefix(a, "-"):
		default:
			pins = append(pins, a)
		}
	}
	for _, pin := range pins {
		if res, ok := w.reach(pin); !ok {
			return res, nil
		}
		e, err := manifest.ParseLine(pin)
		if err != nil {
			return execx.Result{}, err
		}
		if err := WriteWheel(dest, e); err != nil {
			return execx.Result{}, err
		}
	}
	return execx.Result{}, nil
}

func (w *World) tool(sub string) (execx.Result, error) {
	if w.ToolError != "" {
		return execx.Result{ExitCode: 1, Stderr: w.ToolError}, nil
	}
	switch sub {
	case "info":
		return execx.Result{Stdout: w.Info + "\n"}, nil
	case "list":
		return execx.Result{Stdout: w.List + "\n"}, nil
	}
	return execx.Result{ExitCode: 2, Stderr: "usage: diag_cli.py {info,list}"}, nil
}

// WriteWheel writes a fake artifact for e into dir.
func WriteWheel(dir string, e manifest.Entry) error {
	name := fmt.Sprintf("%s-%s-py3-none-any.whl", strings.ReplaceAll(e.Key(), "-", "_"), e.Version)
	return os.WriteFile(filepath.Join(dir, name), []byte("wheel "+e.String()+"\n"), 0o644)
}

func readWheel(path string) (manifest.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest.Entry{}, err
	}
	pin, ok := strings.CutPrefix(strings.TrimSpace(string(data)), "wheel ")
	if !ok {
		return manifest.Entry{}, errors.New(path + " is not a supported wheel on this platform")
	}
	return manifest.ParseLine(pin)
}

// State is the part of a World that outlives one process, for fakes that
// run as separate executables.
type State struct {
	Index     []string            `json:"index"`
	Installed map[string][]string `json:"installed"`
	Network   int                 `json:"network"`
}

// State captures w.
func (w *World) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := State{Installed: map[string][]string{}, Network: w.network}
	for pin := range w.index {
		st.Index = append(st.Index, pin)
	}
	sort.Strings(st.Index)
	for root, env := range w.installed {
		pins := []string{}
		for _, e := range env {
			pins = append(pins, e.String())
		}
		sort.Strings(pins)
		st.Installed[root] = pins
	}
	return st
}

// Restore replaces w's index, environments and network count with st.
func (w *World) Restore(st State) error {
	index := map[string]bool{}
	for _, pin := range st.Index {
		index[pin] = true
	}
	installed := map[string]map[string]manifest.Entry{}
	for root, pins := range st.Installed {
		env := map[string]manifest.Entry{}
		for _, pin := range pins {
			e, err := manifest.ParseLine(pin)
			if err != nil {
				return fmt.Errorf("restore %s: %w", root, err)
			}
			env[e.Key()] = e
		}
		installed[root] = env
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.index, w.installed, w.network = index, installed, st.Network
	return nil
}
