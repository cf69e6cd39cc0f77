package cli

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/brandonbloom/pinenv/internal/failure"
	"github.com/brandonbloom/pinenv/internal/store"
)

func newStoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Inspect and share the artifact store",
	}
	cmd.AddCommand(newStoreVerifyCommand(), newStorePushCommand())
	return cmd
}

func newStoreVerifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Report manifest entries missing from the store",
		Args:  cobra.NoArgs,
		RunE:  runStoreVerify,
	}
}

func runStoreVerify(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	m, err := s.Controller.Manifest()
	if err != nil {
		return err
	}
	st, err := s.Controller.Store(cmd.Context())
	if err != nil {
		return err
	}
	missing, err := st.Missing(m)
	if err != nil {
		return err
	}
	corrupt, err := st.Corrupt(m)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	c := newPalette(out)
	if len(missing) == 0 && len(corrupt) == 0 {
		stats, err := st.Stats()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s store complete for %s: %s, %s (%s)\n", c.good("✓"),
			st.Tag(), plural(m.Len(), "pin"), plural(stats.Entries, "artifact"), humanize.Bytes(uint64(stats.Bytes)))
		return nil
	}

	rows := make([][]string, 0, len(missing)+len(corrupt))
	for _, e := range missing {
		rows = append(rows, []string{e.String(), "missing", st.EntryDir(e)})
	}
	for _, e := range corrupt {
		rows = append(rows, []string{e.String(), "corrupt", st.EntryDir(e)})
	}
	if err := writeTable(out, []string{"PIN", "PROBLEM", "PATH"}, rows); err != nil {
		return err
	}

	errs := []error{store.MissingError(st, missing)}
	for _, e := range corrupt {
		errs = append(errs, failure.New(failure.MissingArtifact, e.String(),
			"contents do not match the artifact marker; remove %s and run `pinenv download`", st.EntryDir(e)))
	}
	return errors.Join(errs...)
}

func newStorePushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Upload the local store to the configured mirror",
		Args:  cobra.NoArgs,
		RunE:  runStorePush,
	}
}

func runStorePush(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	if s.Mirror == nil {
		return failure.New(failure.Config, "", "no mirror configured; set [mirror] in %s or PINENV_MIRROR_ENDPOINT", s.Project.ConfigPath)
	}
	st, err := s.Controller.Store(cmd.Context())
	if err != nil {
		return err
	}
	res, err := s.Mirror.Push(cmd.Context(), st)
	out := cmd.OutOrStdout()
	for _, e := range res.Uploaded {
		fmt.Fprintf(out, "pushed %s\n", e)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "mirror %s: %s uploaded, %s already present\n", s.Mirror,
		plural(len(res.Uploaded), "artifact"), plural(len(res.Skipped), "artifact"))
	return nil
}
