package lifecycle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
)

// State is the environment's lifecycle state.
type State string

const (
	Absent    State = "ABSENT"
	Building  State = "BUILDING"
	Ready     State = "READY"
	Verifying State = "VERIFYING"
	Failed    State = "FAILED"
	TornDown  State = "TORN_DOWN"
)

// Mode selects where Setup takes artifacts from.
type Mode string

const (
	Offline Mode = "offline"
	Online  Mode = "online"
)

// stateFileName lives inside the environment directory, so removing the
// environment also forgets its state.
const stateFileName = "pinenv-state.json"

func isAllowedTransition(from, to State) bool {
	switch from {
	case Absent, TornDown:
		return to == Building
	case Building:
		return to == Ready || to == Failed
	case Ready:
		return to == Verifying || to == Building || to == TornDown
	case Verifying:
		return to == Ready || to == Failed
	case Failed:
		return to == Building || to == TornDown
	default:
		return false
	}
}

// Record is the persisted state of one build.
type Record struct {
	State          State     `json:"state" yaml:"state"`
	BuildID        string    `json:"build_id" yaml:"build_id"`
	Mode           Mode      `json:"mode" yaml:"mode"`
	ManifestDigest string    `json:"manifest_digest" yaml:"manifest_digest"`
	Tag            string    `json:"tag,omitempty" yaml:"tag,omitempty"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"updated_at"`
	Error          string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Status is what State reports about the environment.
type Status struct {
	Record `yaml:",inline"`
	EnvDir string `json:"env_dir" yaml:"env_dir"`
	// Interrupted marks a directory left behind by a build that never
	// finished. Such an environment reports ABSENT.
	Interrupted bool `json:"interrupted,omitempty" yaml:"interrupted,omitempty"`
	// Stale reports that the manifest changed since this environment was
	// built.
	Stale bool `json:"stale,omitempty" yaml:"stale,omitempty"`
}

func statePath(envDir string) string {
	return filepath.Join(envDir, stateFileName)
}

func readRecord(envDir string) (Record, error) {
	var rec Record
	data, err := os.ReadFile(statePath(envDir))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("parse %s: %w", statePath(envDir), err)
	}
	return rec, nil
}

func writeRecord(envDir string, rec Record) error {
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if err := atomic.WriteFile(statePath(envDir), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// readStatus derives the reported state from what is on disk.
func readStatus(envDir, python string) (Status, error) {
	st := Status{EnvDir: envDir, Record: Record{State: Absent}}
	if _, err := os.Stat(envDir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return st, nil
		}
		return st, err
	}
	rec, err := readRecord(envDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			st.Interrupted = true
			return st, nil
		}
		st.Interrupted = true
		st.Error = err.Error()
		return st, nil
	}
	switch rec.State {
	case Building, Absent, TornDown:
		st.Record = rec
		st.State = Absent
		st.Interrupted = rec.State == Building
		return st, nil
	case Verifying:
		// The build itself completed; only the check was cut short.
		rec.State = Ready
	}
	st.Record = rec
	if rec.State == Ready {
		if _, err := os.Stat(python); err != nil {
			st.State = Failed
			st.Error = "environment interpreter missing: " + python
		}
	}
	return st, nil
}
