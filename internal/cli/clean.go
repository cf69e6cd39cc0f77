package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/brandonbloom/pinenv/internal/lifecycle"
)

type cleanOptions struct {
	all     bool
	logs    bool
	kill    string
	timeout string
}

func newCleanCommand() *cobra.Command {
	opts := &cleanOptions{}
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove the environment (and optionally the store and logs)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.all, "all", false, "also remove the artifact store and log files")
	cmd.Flags().BoolVar(&opts.logs, "logs", false, "also remove log files")
	cmd.Flags().StringVar(&opts.kill, "kill", "", "signal processes running from the environment first (default SIGTERM)")
	cmd.Flags().Lookup("kill").NoOptDefVal = "true"
	cmd.Flags().StringVar(&opts.timeout, "timeout", "", "how long --kill waits for processes to exit (default 3s)")
	return cmd
}

func runClean(cmd *cobra.Command, opts *cleanOptions) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	scope := lifecycle.ScopeEnv
	if opts.logs {
		scope |= lifecycle.ScopeLogs
	}
	if opts.all {
		scope = lifecycle.ScopeAll
	}

	if opts.kill != "" {
		settings, err := resolveKillSettings(opts.kill, opts.timeout)
		if err != nil {
			return err
		}
		if procs := envProcesses(s.Project.EnvDir); len(procs) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "sending %s to %s\n", settings.SignalLabel, summarizeProcesses(procs, 0))
			if err := terminateEnvProcesses(cmd.Context(), s.Project.EnvDir, procs, settings, newProcessTerminator()); err != nil {
				return err
			}
		}
	}
	warnLiveProcesses(cmd, s.Project.EnvDir)

	res, err := s.Controller.Teardown(scope)
	out := cmd.OutOrStdout()
	if res.Env {
		fmt.Fprintf(out, "removed %s\n", relToRoot(s, s.Project.EnvDir))
	}
	if res.Store {
		fmt.Fprintf(out, "removed %s\n", relToRoot(s, s.Project.StoreDir))
	}
	if scope&lifecycle.ScopeLogs != 0 {
		fmt.Fprintf(out, "removed %s\n", plural(len(res.Logs), "log file"))
	}
	if err != nil {
		return err
	}
	if !res.Env && !res.Store && len(res.Logs) == 0 {
		fmt.Fprintln(out, "nothing to clean")
	}
	return nil
}

// warnLiveProcesses reports processes running from inside dir. They do not
// block teardown.
func warnLiveProcesses(cmd *cobra.Command, dir string) {
	procs := envProcesses(dir)
	if len(procs) == 0 {
		return
	}
	c := newPalette(cmd.ErrOrStderr())
	fmt.Fprintf(cmd.ErrOrStderr(), "%s %s still in use by %s\n",
		c.warn("warning:"), dir, summarizeProcesses(procs, 0))
}

func relToRoot(s *session, path string) string {
	if !isWithin(path, s.Project.Root) {
		return path
	}
	rel, err := filepath.Rel(s.Project.Root, path)
	if err != nil {
		return path
	}
	return rel
}

func newLogClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logclear",
		Short: "Remove toolkit log files from the log directory",
		Args:  cobra.NoArgs,
		RunE:  runLogClear,
	}
}

func runLogClear(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	removed, err := s.Controller.ClearLogs()
	for _, path := range removed {
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", relToRoot(s, path))
	}
	if err != nil {
		return err
	}
	if len(removed) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no log files")
	}
	return nil
}
