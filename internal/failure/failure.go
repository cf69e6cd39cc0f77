// Package failure defines the error taxonomy shared by every pinenv layer.
//
// The store and builder return these errors unchanged; only the lifecycle
// controller turns a Kind into an environment state, and only main turns it
// into a process exit code.
package failure

import (
	"fmt"
	"strings"
)

// Kind is a stable failure category.
type Kind string

const (
	InterpreterNotFound Kind = "interpreter not found"
	Resolution          Kind = "resolution failed"
	MissingArtifact     Kind = "missing artifact"
	Network             Kind = "network error"
	Verification        Kind = "verification failed"
	Config              Kind = "config error"
)

// ExitCode returns the process exit code for this kind.
func (k Kind) ExitCode() int {
	switch k {
	case Config:
		return 2
	case InterpreterNotFound:
		return 3
	case Resolution:
		return 4
	case MissingArtifact:
		return 5
	case Network:
		return 6
	case Verification:
		return 7
	default:
		return 1
	}
}

// Retryable reports whether the caller may retry an operation that failed
// with this kind. Only network failures qualify.
func (k Kind) Retryable() bool {
	return k == Network
}

// severity orders kinds when several per-entry failures are joined.
var severity = []Kind{InterpreterNotFound, Config, MissingArtifact, Resolution, Verification, Network}

// Error is the structured error carried through pinenv.
type Error struct {
	Kind Kind
	// Entry names the offending pin or artifact, e.g. "alpha==1.0".
	Entry   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Entry != "" {
		b.WriteString(": ")
		b.WriteString(e.Entry)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(singleLine(e.Cause.Error()))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error without a cause.
func New(kind Kind, entry, format string, args ...any) *Error {
	return &Error{Kind: kind, Entry: entry, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around cause.
func Wrap(kind Kind, entry string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Entry: entry, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf reports the most severe Kind found in err's tree, or "" if err
// carries no taxonomy error. Wrapping an Error in another Error recasts it:
// only the outermost Error on each branch counts.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	found := map[Kind]bool{}
	collect(err, found)
	for _, k := range severity {
		if found[k] {
			return k
		}
	}
	return ""
}

func collect(err error, found map[Kind]bool) {
	if err == nil {
		return
	}
	if fe, ok := err.(*Error); ok {
		found[fe.Kind] = true
		return
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			collect(inner, found)
		}
	case interface{ Unwrap() error }:
		collect(x.Unwrap(), found)
	}
}

// Is reports whether err carries a failure of the given kind anywhere in its tree.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	found := map[Kind]bool{}
	collect(err, found)
	return found[kind]
}

// Entries returns every offending entry named in err's tree, in order.
func Entries(err error) []string {
	var out []string
	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		if fe, ok := err.(*Error); ok && fe.Entry != "" {
			out = append(out, fe.Entry)
		}
		switch x := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(x.Unwrap())
		}
	}
	walk(err)
	return out
}

// ExitCode maps any error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return KindOf(err).ExitCode()
}

func singleLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i]) + " …"
	}
	return s
}
