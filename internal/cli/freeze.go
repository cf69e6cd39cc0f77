package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/brandonbloom/pinenv/internal/manifest"
)

type freezeOptions struct {
	diff  bool
	write bool
}

func newFreezeCommand() *cobra.Command {
	opts := &freezeOptions{}
	cmd := &cobra.Command{
		Use:   "freeze",
		Short: "Print the environment's installed pins without downloading",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFreeze(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.diff, "diff", false, "show how the environment differs from the manifest")
	cmd.Flags().BoolVar(&opts.write, "write", false, "rewrite the manifest from the environment")
	return cmd
}

func runFreeze(cmd *cobra.Command, opts *freezeOptions) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	frozen, err := s.Controller.Freeze(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if opts.diff {
		current, err := s.Controller.Manifest()
		if err != nil {
			return err
		}
		d := manifest.Compare(current, frozen)
		if d.Empty() {
			fmt.Fprintln(out, "manifest matches the environment")
		} else if err := d.Write(out); err != nil {
			return err
		}
	}
	if opts.write {
		changed, err := manifest.Save(s.Project.ManifestPath, frozen)
		if err != nil {
			return err
		}
		if changed {
			fmt.Fprintf(out, "wrote %s (%s)\n", relToRoot(s, s.Project.ManifestPath), plural(frozen.Len(), "pin"))
		} else {
			fmt.Fprintf(out, "%s unchanged\n", relToRoot(s, s.Project.ManifestPath))
		}
	}
	if !opts.diff && !opts.write {
		_, err = out.Write(frozen.Bytes())
	}
	return err
}
