// Package logdir removes generated log files from the project's log
// directory.
package logdir

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Predicate selects files to remove by base name.
type Predicate func(name string) bool

// ByExtension matches names ending in any of exts. Matching is
// case-insensitive and a missing leading dot is tolerated.
func ByExtension(exts ...string) Predicate {
	norm := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		norm = append(norm, ext)
	}
	return func(name string) bool {
		lower := strings.ToLower(name)
		for _, ext := range norm {
			if strings.HasSuffix(lower, ext) {
				return true
			}
		}
		return false
	}
}

// Clear removes the regular files directly under root that match. It
// returns the removed paths, sorted. A missing root is not an error.
func Clear(root string, match Predicate) ([]string, error) {
	if match == nil {
		return nil, errors.New("logdir: nil predicate")
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", root, err)
	}
	var removed []string
	var errs []error
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !match(entry.Name()) {
			continue
		}
		path := filepath.Join(root, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, path)
	}
	sort.Strings(removed)
	return removed, errors.Join(errs...)
}
