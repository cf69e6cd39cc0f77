// Package version reports the module version pinenv was built from.
package version

import (
	"runtime/debug"
	"strings"

	"golang.org/x/mod/module"
)

const devel = "(devel)"

// String returns the released module version, or "(devel)" for local,
// dirty, or pseudo-versioned builds.
func String() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return devel
	}
	return fromModule(info.Main.Version)
}

func fromModule(v string) string {
	if v == "" || v == devel {
		return devel
	}
	if strings.Contains(v, "+dirty") || module.IsPseudoVersion(v) {
		return devel
	}
	return v
}
