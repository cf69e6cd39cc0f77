package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/brandonbloom/pinenv/internal/cli"
	"github.com/brandonbloom/pinenv/internal/execx"
	"github.com/brandonbloom/pinenv/internal/failure"
)

func main() {
	err := cli.Execute()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	var exitErr *execx.ExitError
	if errors.As(err, &exitErr) {
		for _, line := range strings.Split(execx.Stderr(exitErr), "\n") {
			fmt.Fprintf(os.Stderr, "    %s\n", line)
		}
	}
	os.Exit(failure.ExitCode(err))
}
