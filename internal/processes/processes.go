// Package processes lists the current user's processes so that teardown can
// warn before deleting an environment something is still running from.
package processes

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrUnsupported         = errors.New("process detection unsupported")
	testDataInlineEnv      = "PINENV_PROCESS_TEST_DATA"
	testDataFileEnv        = "PINENV_PROCESS_TEST_DATA_FILE"
	minimumCommandFallback = "process"
)

type Process struct {
	PID     int    `json:"pid"`
	Command string `json:"command"`
	// Exe is the resolved executable path when the platform exposes it.
	Exe  string `json:"exe,omitempty"`
	CWD  string `json:"cwd"`
	PPID int    `json:"ppid"`
}

func List() ([]Process, error) {
	if procs, ok, err := fromTestData(); err != nil || ok {
		return procs, err
	}
	return listNative(os.Getuid())
}

// TestDataFilePath reports the file named by PINENV_PROCESS_TEST_DATA_FILE,
// if any.
func TestDataFilePath() string {
	return os.Getenv(testDataFileEnv)
}

// Within returns the processes whose executable or working directory lies
// inside dir, sorted by PID. The current process is never included.
func Within(procs []Process, dir string) []Process {
	dir = filepath.Clean(dir)
	self := os.Getpid()
	var out []Process
	for _, p := range procs {
		if p.PID == self {
			continue
		}
		if isWithin(p.Exe, dir) || isWithin(p.CWD, dir) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

func isWithin(child, parent string) bool {
	if child == "" {
		return false
	}
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func fromTestData() ([]Process, bool, error) {
	if path := os.Getenv(testDataFileEnv); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, true, fmt.Errorf("read %s: %w", path, err)
		}
		procs, err := decodeTestData(data)
		return procs, true, err
	}
	if data := os.Getenv(testDataInlineEnv); data != "" {
		procs, err := decodeTestData([]byte(data))
		return procs, true, err
	}
	return nil, false, nil
}

func decodeTestData(data []byte) ([]Process, error) {
	var procs []Process
	if err := json.Unmarshal(data, &procs); err != nil {
		return nil, fmt.Errorf("parse process test data: %w", err)
	}
	return procs, nil
}

func sanitizeCommand(cmd string, pid int) string {
	if cmd != "" {
		return cmd
	}
	return fmt.Sprintf("%s-%d", minimumCommandFallback, pid)
}
