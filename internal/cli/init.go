package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/brandonbloom/pinenv/internal/config"
	"github.com/brandonbloom/pinenv/internal/project"
)

func newInitCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default pinenv.toml in the current directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			return initializeInDirectory(cmd, wd, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing pinenv.toml")
	return cmd
}

func initializeInDirectory(cmd *cobra.Command, dir string, force bool) error {
	path := filepath.Join(dir, config.FileName)
	if project.Exists(dir) && !force {
		fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", path)
		return nil
	}
	if err := config.Save(path, config.Default()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
