// Package manifest models the pinned dependency set: an ordered list of
// exact name==version pairs that can be replayed without a resolver.
package manifest

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/natefinch/atomic"
)

var (
	// ErrNotPinned indicates a requirement line that is not an exact pin.
	ErrNotPinned = errors.New("requirement is not pinned with ==")
	// ErrDuplicate indicates two entries normalise to the same name.
	ErrDuplicate = errors.New("duplicate package name")
	// ErrNotFound indicates the manifest file does not exist.
	ErrNotFound = errors.New("manifest not found; run `pinenv release` or `pinenv freeze --write`")
)

var (
	namePattern    = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?$`)
	versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.+!_-]*$`)
	separatorRun   = regexp.MustCompile(`[-_.]+`)
)

// Entry is one pinned package.
type Entry struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// String renders the entry as a requirement line.
func (e Entry) String() string {
	return e.Name + "==" + e.Version
}

// Key is the normalised name used for uniqueness, ordering and store paths.
func (e Entry) Key() string {
	return NormalizeName(e.Name)
}

// NormalizeName applies PEP 503 name normalisation.
func NormalizeName(name string) string {
	return strings.ToLower(separatorRun.ReplaceAllString(strings.TrimSpace(name), "-"))
}

// Manifest is a sorted, duplicate-free list of pins. Build one with New or
// Parse; a Manifest is never patched in place.
type Manifest struct {
	entries []Entry
}

// New validates entries and returns them as a sorted manifest.
func New(entries []Entry) (Manifest, error) {
	out := make([]Entry, 0, len(entries))
	seen := make(map[string]string, len(entries))
	for _, e := range entries {
		e.Name = strings.TrimSpace(e.Name)
		e.Version = strings.TrimSpace(e.Version)
		if err := validateEntry(e); err != nil {
			return Manifest{}, err
		}
		key := e.Key()
		if prev, ok := seen[key]; ok {
			return Manifest{}, fmt.Errorf("%w: %s and %s", ErrDuplicate, prev, e)
		}
		seen[key] = e.String()
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return Manifest{entries: out}, nil
}

// MustNew is New for fixed inputs; it panics on invalid entries.
func MustNew(pins ...string) Manifest {
	entries := make([]Entry, 0, len(pins))
	for _, pin := range pins {
		e, err := ParseLine(pin)
		if err != nil {
			panic(err)
		}
		entries = append(entries, e)
	}
	m, err := New(entries)
	if err != nil {
		panic(err)
	}
	return m
}

func validateEntry(e Entry) error {
	if !namePattern.MatchString(e.Name) {
		return fmt.Errorf("invalid package name %q", e.Name)
	}
	if e.Version == "" {
		return fmt.Errorf("%w: %s", ErrNotPinned, e.Name)
	}
	if !versionPattern.MatchString(e.Version) {
		return fmt.Errorf("%w: %s==%s", ErrNotPinned, e.Name, e.Version)
	}
	return nil
}

// Entries returns a copy of the pins in manifest order.
func (m Manifest) Entries() []Entry {
	return append([]Entry(nil), m.entries...)
}

// Len reports the number of pins.
func (m Manifest) Len() int {
	return len(m.entries)
}

// Lookup finds the pin for name, comparing normalised names.
func (m Manifest) Lookup(name string) (Entry, bool) {
	key := NormalizeName(name)
	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Key() >= key
	})
	if i < len(m.entries) && m.entries[i].Key() == key {
		return m.entries[i], true
	}
	return Entry{}, false
}

// Bytes renders the manifest file contents: one pin per line, sorted,
// newline terminated.
func (m Manifest) Bytes() []byte {
	var b bytes.Buffer
	for _, e := range m.entries {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// Digest is the sha256 of Bytes, hex encoded.
func (m Manifest) Digest() string {
	sum := sha256.Sum256(m.Bytes())
	return hex.EncodeToString(sum[:])
}

// Equal reports whether both manifests pin the same set.
func (m Manifest) Equal(other Manifest) bool {
	return bytes.Equal(m.Bytes(), other.Bytes())
}

// ParseLine parses a single name==version requirement.
func ParseLine(line string) (Entry, error) {
	line = strings.TrimSpace(line)
	name, version, ok := strings.Cut(line, "==")
	if !ok || strings.HasPrefix(version, "=") {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotPinned, line)
	}
	e := Entry{Name: strings.TrimSpace(name), Version: strings.TrimSpace(version)}
	if err := validateEntry(e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Parse reads a manifest. Blank lines and # comments are skipped; every
// other line must be an exact pin.
func Parse(r io.Reader) (Manifest, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		e, err := ParseLine(line)
		if err != nil {
			return Manifest{}, fmt.Errorf("line %d: %w", lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return Manifest{}, err
	}
	return New(entries)
}

// Load reads and parses the manifest at path.
func Load(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Manifest{}, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return Manifest{}, err
	}
	defer f.Close()
	m, err := Parse(f)
	if err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// Save replaces the manifest at path atomically. It reports whether the
// file contents changed.
func Save(path string, m Manifest) (bool, error) {
	data := m.Bytes()
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
