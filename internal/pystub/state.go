package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"

	"github.com/natefinch/atomic"

	"github.com/brandonbloom/pinenv/internal/pip/piptest"
)

// loadState restores w from path. A missing file keeps the seeded index.
func loadState(path string, w *piptest.World) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var st piptest.State
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	return w.Restore(st)
}

func saveState(path string, w *piptest.World) error {
	data, err := json.MarshalIndent(w.State(), "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
