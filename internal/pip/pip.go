// Package pip builds pip invocations and maps pip's failure output onto the
// pinenv error taxonomy.
package pip

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/brandonbloom/pinenv/internal/execx"
	"github.com/brandonbloom/pinenv/internal/failure"
	"github.com/brandonbloom/pinenv/internal/manifest"
)

// Command builds `python -m pip <args>` with version checks and prompts off.
func Command(python, dir string, args ...string) execx.Command {
	argv := append([]string{python, "-m", "pip"}, args...)
	return execx.Command{
		Dir:  dir,
		Argv: argv,
		Env: map[string]string{
			"PIP_DISABLE_PIP_VERSION_CHECK": "1",
			"PIP_NO_INPUT":                  "1",
			"PYTHONDONTWRITEBYTECODE":       "1",
		},
	}
}

// IndexArgs returns the --index-url flag pair when url is set.
func IndexArgs(url string) []string {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	return []string{"--index-url", url}
}

var networkMarkers = []string{
	"Could not fetch URL",
	"NewConnectionError",
	"Max retries exceeded",
	"Temporary failure in name resolution",
	"Name or service not known",
	"Network is unreachable",
	"Connection refused",
	"Read timed out",
	"ConnectTimeoutError",
	"ProxyError",
	"SSLError",
}

var resolutionMarkers = []string{
	"No matching distribution found",
	"Could not find a version that satisfies",
	"is not a supported wheel on this platform",
}

// Classify converts a pip failure into a taxonomy error naming entry, or
// the requirement pip reported when entry is empty. Network markers take
// precedence: pip reports "No matching distribution" after it failed to
// reach the index.
func Classify(entry string, err error) error {
	if err == nil {
		return nil
	}
	if execx.NotFound(err) {
		return failure.Wrap(failure.InterpreterNotFound, entry, err, "cannot run pip")
	}
	out := execx.Stderr(err)
	if entry == "" {
		entry = Culprit(out)
	}
	for _, m := range networkMarkers {
		if strings.Contains(out, m) {
			return failure.Wrap(failure.Network, entry, err, "package index unreachable")
		}
	}
	for _, m := range resolutionMarkers {
		if strings.Contains(out, m) {
			return failure.Wrap(failure.Resolution, entry, err, "no matching artifact")
		}
	}
	return failure.Wrap(failure.Resolution, entry, err, "pip failed")
}

var culprit = regexp.MustCompile(`(?:No matching distribution found for|satisfies the requirement) ([A-Za-z0-9][A-Za-z0-9._-]*==[^\s(]+)`)

// Culprit extracts the requirement pip complained about, if any.
func Culprit(stderr string) string {
	if m := culprit.FindStringSubmatch(stderr); m != nil {
		return m[1]
	}
	return ""
}

// Freeze lists the distributions installed for python as a manifest.
// Editable installs are excluded; any other line that is not an exact pin
// (a direct URL reference, for instance) is an error naming that line.
func Freeze(ctx context.Context, r execx.Runner, python, dir string) (manifest.Manifest, error) {
	res, err := r.Run(ctx, Command(python, dir, "freeze", "--exclude-editable"))
	if err != nil {
		if execx.NotFound(err) {
			return manifest.Manifest{}, failure.Wrap(failure.InterpreterNotFound, python, err, "cannot run pip")
		}
		return manifest.Manifest{}, fmt.Errorf("pip freeze: %w", err)
	}
	return ParseFreeze(res.Stdout)
}

// ParseFreeze parses `pip freeze` output.
func ParseFreeze(out string) (manifest.Manifest, error) {
	var entries []manifest.Entry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.Contains(line, " @ ") || strings.HasPrefix(line, "-e ") {
			return manifest.Manifest{}, fmt.Errorf("%w: %q is a direct reference", manifest.ErrNotPinned, line)
		}
		e, err := manifest.ParseLine(line)
		if err != nil {
			return manifest.Manifest{}, err
		}
		entries = append(entries, e)
	}
	return manifest.New(entries)
}
