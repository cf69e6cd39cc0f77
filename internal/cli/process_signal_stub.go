//go:build windows

package cli

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"
)

func parseSignal(spec string) (syscall.Signal, error) {
	n, err := strconv.Atoi(strings.TrimSpace(spec))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("signal %q: only positive numeric signals are supported on this platform", spec)
	}
	return syscall.Signal(n), nil
}

func describeSignal(sig syscall.Signal) string {
	return fmt.Sprintf("signal %d", int(sig))
}
