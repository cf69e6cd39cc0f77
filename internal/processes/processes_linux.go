//go:build linux

package processes

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const procRoot = "/proc"

func listNative(uid int) ([]Process, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrUnsupported
		}
		return nil, err
	}

	var procs []Process
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		if p, ok := readProc(pid, uid); ok {
			procs = append(procs, p)
		}
	}
	return procs, nil
}

// readProc reports ok=false for processes owned by another user, processes
// that exited mid-scan, and kernel threads with neither exe nor cwd.
func readProc(pid, uid int) (Process, bool) {
	dir := filepath.Join(procRoot, strconv.Itoa(pid))
	status, err := readStatus(filepath.Join(dir, "status"))
	if err != nil {
		return Process{}, false
	}
	owner, ok := status.int("Uid")
	if !ok || owner != uid {
		return Process{}, false
	}

	exe := readLink(filepath.Join(dir, "exe"))
	cwd := readLink(filepath.Join(dir, "cwd"))
	if exe == "" && cwd == "" {
		return Process{}, false
	}
	ppid, _ := status.int("PPid")
	return Process{
		PID:     pid,
		PPID:    ppid,
		Command: sanitizeCommand(commandName(dir, status["Name"]), pid),
		Exe:     exe,
		CWD:     cwd,
	}, true
}

func readLink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(target, " (deleted)")
}

// commandName prefers the base of argv[0]; the kernel truncates Name to 15 bytes.
func commandName(dir, name string) string {
	if argv, err := os.ReadFile(filepath.Join(dir, "cmdline")); err == nil {
		if first, _, _ := bytes.Cut(argv, []byte{0}); len(first) > 0 {
			return filepath.Base(string(first))
		}
	}
	return name
}

type statusFields map[string]string

func readStatus(path string) (statusFields, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fields := statusFields{}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields[key] = strings.TrimSpace(value)
	}
	return fields, nil
}

// int parses the first whitespace-separated value of key; Uid lists real,
// effective, saved and fs ids and the real one comes first.
func (f statusFields) int(key string) (int, bool) {
	values := strings.Fields(f[key])
	if len(values) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(values[0])
	return n, err == nil
}
