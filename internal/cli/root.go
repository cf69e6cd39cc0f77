package cli

import (
	"github.com/spf13/cobra"

	"github.com/brandonbloom/pinenv/internal/failure"
	"github.com/brandonbloom/pinenv/internal/version"
)

func Execute() error {
	return newRootCommand().Execute()
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pinenv",
		Short:         "Offline-first environment provisioning for the diagnostic toolkit",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runStatus,
	}
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return failure.Wrap(failure.Config, "", err, "usage: %s", c.UseLine())
	})
	cmd.Flags().StringP("output", "o", "text", "output format: text, json or yaml")

	cmd.AddCommand(
		newInitCommand(),
		newSetupCommand(),
		newSetupDevCommand(),
		newSetupOnlineCommand(),
		newCheckCommand(),
		newInfoCommand(),
		newListCommand(),
		newCleanCommand(),
		newLogClearCommand(),
		newReleaseCommand(),
		newFreezeCommand(),
		newDownloadCommand(),
		newStoreCommand(),
		newStatusCommand(),
		newDoctorCommand(),
		newVersionCommand(),
	)

	return cmd
}
