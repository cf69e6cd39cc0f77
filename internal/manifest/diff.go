package manifest

import (
	"fmt"
	"io"
)

// Change describes one pin that differs between two manifests.
type Change struct {
	Name string
	Old  string
	New  string
}

// Diff lists pins that were added, removed, or changed between old and new.
type Diff struct {
	Added   []Entry
	Removed []Entry
	Changed []Change
}

// Empty reports whether the manifests pin the same set.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Compare walks both sorted manifests once.
func Compare(old, new Manifest) Diff {
	var d Diff
	a, b := old.entries, new.entries
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		switch {
		case j >= len(b) || (i < len(a) && a[i].Key() < b[j].Key()):
			d.Removed = append(d.Removed, a[i])
			i++
		case i >= len(a) || b[j].Key() < a[i].Key():
			d.Added = append(d.Added, b[j])
			j++
		default:
			if a[i].Version != b[j].Version {
				d.Changed = append(d.Changed, Change{Name: b[j].Name, Old: a[i].Version, New: b[j].Version})
			}
			i++
			j++
		}
	}
	return d
}

// Write renders the diff in a unified-ish, line-per-pin form.
func (d Diff) Write(w io.Writer) error {
	for _, e := range d.Removed {
		if _, err := fmt.Fprintf(w, "- %s\n", e); err != nil {
			return err
		}
	}
	for _, e := range d.Added {
		if _, err := fmt.Fprintf(w, "+ %s\n", e); err != nil {
			return err
		}
	}
	for _, c := range d.Changed {
		if _, err := fmt.Fprintf(w, "~ %s %s -> %s\n", c.Name, c.Old, c.New); err != nil {
			return err
		}
	}
	return nil
}
