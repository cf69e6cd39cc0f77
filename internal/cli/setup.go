package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brandonbloom/pinenv/internal/lifecycle"
	"github.com/brandonbloom/pinenv/internal/store"
)

func newSetupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Build the environment offline from the artifact store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(cmd, lifecycle.Offline)
		},
	}
}

func newSetupOnlineCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setup-online",
		Short: "Build the environment from the package index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(cmd, lifecycle.Online)
		},
	}
}

func runSetup(cmd *cobra.Command, mode lifecycle.Mode) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	err = tracedErr(ctx, s, "setup-"+string(mode), func(ctx context.Context) error {
		return s.Controller.Setup(ctx, mode)
	})
	if err != nil {
		return err
	}
	return printReady(cmd, s)
}

func newSetupDevCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setup-dev",
		Short: "Fill the artifact store from the manifest, then build offline",
		Args:  cobra.NoArgs,
		RunE:  runSetupDev,
	}
}

func runSetupDev(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	res, err := traced(ctx, s, "setup-dev", func(ctx context.Context) (store.Result, error) {
		return s.Controller.SetupDev(ctx)
	})
	printPopulate(cmd, res)
	if err != nil {
		return err
	}
	return printReady(cmd, s)
}

func newDownloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "Fill the artifact store from the current manifest",
		Args:  cobra.NoArgs,
		RunE:  runDownload,
	}
}

func runDownload(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	res, err := traced(ctx, s, "download", func(ctx context.Context) (store.Result, error) {
		return s.Controller.Download(ctx)
	})
	printPopulate(cmd, res)
	return err
}

func newReleaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "release",
		Short: "Snapshot the environment into the manifest and store its artifacts",
		Args:  cobra.NoArgs,
		RunE:  runRelease,
	}
}

func runRelease(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	res, err := traced(ctx, s, "release", func(ctx context.Context) (lifecycle.ReleaseResult, error) {
		return s.Controller.Release(ctx)
	})
	if res.Manifest.Len() > 0 {
		verb := "unchanged"
		if res.Changed {
			verb = "written"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "manifest %s: %s\n", verb, plural(res.Manifest.Len(), "pin"))
	}
	printPopulate(cmd, res.Populate)
	return err
}

func printPopulate(cmd *cobra.Command, res store.Result) {
	if len(res.Fetched) == 0 && len(res.Cached) == 0 {
		return
	}
	out := cmd.OutOrStdout()
	for _, e := range res.Fetched {
		fmt.Fprintf(out, "fetched %s\n", e)
	}
	fmt.Fprintf(out, "store: %s fetched, %s already present\n",
		plural(len(res.Fetched), "artifact"), plural(len(res.Cached), "artifact"))
}

func printReady(cmd *cobra.Command, s *session) error {
	st, err := s.Controller.State()
	if err != nil {
		return err
	}
	c := newPalette(cmd.OutOrStdout())
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s environment %s (%s, %s)\n",
		c.good("✓"), st.State, st.Mode, st.Tag)
	return err
}
