// Package interp resolves interpreter identifiers on the host and probes the
// interpreter/platform tag that keys the artifact store.
package interp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/brandonbloom/pinenv/internal/execx"
	"github.com/brandonbloom/pinenv/internal/failure"
)

// Tag identifies the interpreter ABI and platform artifacts were built for.
type Tag struct {
	Interpreter string `json:"interpreter" yaml:"interpreter"`
	Platform    string `json:"platform" yaml:"platform"`
}

func (t Tag) String() string {
	return t.Interpreter + "-" + t.Platform
}

// IsZero reports whether the tag is unset.
func (t Tag) IsZero() bool {
	return t.Interpreter == "" && t.Platform == ""
}

var tagPart = regexp.MustCompile(`^[a-z0-9][a-z0-9_.]*$`)

// ParseTag parses the String form, e.g. "cp311-linux_x86_64".
func ParseTag(s string) (Tag, error) {
	interp, platform, ok := strings.Cut(strings.TrimSpace(s), "-")
	t := Tag{Interpreter: interp, Platform: platform}
	if !ok || !tagPart.MatchString(interp) || !tagPart.MatchString(platform) {
		return Tag{}, fmt.Errorf("invalid platform tag %q", s)
	}
	return t, nil
}

// probeScript prints "<impl><major><minor> <platform>", e.g. "cp311 linux_x86_64".
const probeScript = `import sys, sysconfig
impl = {"cpython": "cp", "pypy": "pp"}.get(sys.implementation.name, sys.implementation.name)
plat = sysconfig.get_platform().replace("-", "_").replace(".", "_")
print("%s%d%d %s" % (impl, sys.version_info[0], sys.version_info[1], plat))`

// Resolve finds the interpreter named by spec. Absolute or relative paths
// must exist; bare names are looked up on PATH.
func Resolve(spec string) (string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", failure.New(failure.InterpreterNotFound, "", "no interpreter configured")
	}
	if strings.ContainsRune(spec, filepath.Separator) {
		abs, err := filepath.Abs(spec)
		if err != nil {
			return "", err
		}
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			return "", failure.New(failure.InterpreterNotFound, spec, "no such interpreter on this host")
		}
		return abs, nil
	}
	path, err := exec.LookPath(spec)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", failure.New(failure.InterpreterNotFound, spec, "not found on PATH")
		}
		return "", failure.Wrap(failure.InterpreterNotFound, spec, err, "lookup failed")
	}
	return path, nil
}

// Probe asks the interpreter at path for its tag.
func Probe(ctx context.Context, r execx.Runner, path string) (Tag, error) {
	out, err := execx.Output(ctx, r, execx.Command{Argv: []string{path, "-c", probeScript}})
	if err != nil {
		if execx.NotFound(err) {
			return Tag{}, failure.Wrap(failure.InterpreterNotFound, path, err, "cannot execute")
		}
		return Tag{}, fmt.Errorf("probe %s: %w", path, err)
	}
	interp, platform, ok := strings.Cut(out, " ")
	if !ok {
		return Tag{}, fmt.Errorf("probe %s: unexpected output %q", path, out)
	}
	return ParseTag(interp + "-" + platform)
}

// VenvPython returns the interpreter path inside a virtual environment root.
func VenvPython(root string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(root, "Scripts", "python.exe")
	}
	return filepath.Join(root, "bin", "python")
}
