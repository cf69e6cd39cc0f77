// pinenvcmdtest is a small internal harness for transcript tests.
//
// It provisions a disposable pinenv project under
// `/tmp/pinenv-transcripts/proj-<id>`, installs the `pystub` interpreter as
// `python3`, then runs an arbitrary command inside the project and returns
// the command's exit code.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	tool, err := newToolFromExecutable()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(tool.runCLI(context.Background(), os.Args[1:]))
}
