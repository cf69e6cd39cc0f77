package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/brandonbloom/pinenv/internal/processes"
)

var defaultKillSignal = syscall.Signal(syscall.SIGTERM)

type killSettings struct {
	Signal      syscall.Signal
	SignalLabel string
	Timeout     time.Duration
}

func resolveKillSettings(signalSpec, timeoutSpec string) (killSettings, error) {
	settings := killSettings{Signal: defaultKillSignal, Timeout: 3 * time.Second}
	if spec := strings.TrimSpace(signalSpec); spec != "" && spec != "true" {
		sig, err := parseSignal(spec)
		if err != nil {
			return killSettings{}, err
		}
		settings.Signal = sig
	}
	settings.SignalLabel = describeSignal(settings.Signal)
	if strings.TrimSpace(timeoutSpec) != "" {
		dur, err := time.ParseDuration(timeoutSpec)
		if err != nil {
			return killSettings{}, fmt.Errorf("invalid --timeout value %q (examples: 1s, 500ms)", timeoutSpec)
		}
		if dur <= 0 {
			return killSettings{}, errors.New("timeout must be positive")
		}
		settings.Timeout = dur
	}
	return settings, nil
}

type processTerminator interface {
	Terminate(proc processes.Process, sig syscall.Signal) error
}

type realProcessTerminator struct{}

func (realProcessTerminator) Terminate(proc processes.Process, sig syscall.Signal) error {
	p, err := os.FindProcess(proc.PID)
	if err != nil {
		return err
	}
	return p.Signal(sig)
}

// fileProcessTerminator drops processes from the JSON fixture that
// processes.List reads under test.
type fileProcessTerminator struct {
	path string
	mu   sync.Mutex
}

func (t *fileProcessTerminator) Terminate(proc processes.Process, sig syscall.Signal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.path)
	if err != nil {
		return err
	}
	var procs []processes.Process
	if len(data) > 0 {
		if err := json.Unmarshal(data, &procs); err != nil {
			return err
		}
	}
	kept := procs[:0]
	for _, p := range procs {
		if p.PID != proc.PID {
			kept = append(kept, p)
		}
	}
	updated, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	return os.WriteFile(t.path, updated, 0o644)
}

func newProcessTerminator() processTerminator {
	if path := processes.TestDataFilePath(); path != "" {
		return &fileProcessTerminator{path: path}
	}
	return realProcessTerminator{}
}

// terminateEnvProcesses signals every process running from dir and waits
// for them to exit.
func terminateEnvProcesses(ctx context.Context, dir string, procs []processes.Process, settings killSettings, term processTerminator) error {
	var errs error
	for _, proc := range procs {
		if err := term.Terminate(proc, settings.Signal); err != nil {
			errs = errors.Join(errs, fmt.Errorf("%s (%d): %w", processLabel(proc), proc.PID, err))
		}
	}
	if errs != nil {
		return errs
	}
	remaining, err := waitForProcessExit(ctx, dir, settings.Timeout)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return fmt.Errorf("still running after %s: %s", settings.Timeout, summarizeProcesses(remaining, 0))
	}
	return nil
}

func waitForProcessExit(ctx context.Context, dir string, timeout time.Duration) ([]processes.Process, error) {
	deadline := time.Now().Add(timeout)
	for {
		procs, err := processes.List()
		if err != nil {
			return nil, err
		}
		remaining := processes.Within(procs, dir)
		if len(remaining) == 0 || time.Now().After(deadline) {
			return remaining, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
