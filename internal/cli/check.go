package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brandonbloom/pinenv/internal/inspect"
	"github.com/brandonbloom/pinenv/internal/lifecycle"
)

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the environment by running the toolkit's info and list",
		Args:  cobra.NoArgs,
		RunE:  runCheck,
	}
}

func runCheck(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	report, err := traced(ctx, s, "check", func(ctx context.Context) (lifecycle.Report, error) {
		return s.Controller.Verify(ctx)
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	c := newPalette(out)
	fmt.Fprintf(out, "%s toolkit info\n", c.good("✓"))
	fmt.Fprintf(out, "%s toolkit list: %s in %s\n", c.good("✓"),
		plural(len(report.Cases), "test case"), plural(len(inspect.Categories(report.Cases)), "category"))
	if len(report.Cases) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), c.warn("warning: toolkit lists no test cases"))
	}
	return nil
}

func newInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the toolkit's installed commands",
		Args:  cobra.NoArgs,
		RunE:  runInfo,
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	tool, err := s.Controller.Inspector()
	if err != nil {
		return err
	}
	info, err := tool.Info(cmd.Context())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(info, "\n"))
	return err
}

type listOptions struct {
	output string
}

func newListCommand() *cobra.Command {
	opts := &listOptions{}
	cmd := &cobra.Command{
		Use:   "list [category]",
		Short: "List the toolkit's test cases",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, opts, args)
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", "text", "output format: text, json or yaml")
	return cmd
}

func runList(cmd *cobra.Command, opts *listOptions, args []string) error {
	format, err := parseOutputFormat(opts.output)
	if err != nil {
		return err
	}
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	tool, err := s.Controller.Inspector()
	if err != nil {
		return err
	}
	cases, err := tool.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(args) == 1 {
		all := cases
		cases = inspect.Filter(all, args[0])
		if len(cases) == 0 {
			return fmt.Errorf("no test cases in category %q (have: %s)", args[0], strings.Join(inspect.Categories(all), ", "))
		}
	}
	if cases == nil {
		cases = []inspect.TestCase{}
	}
	if format != formatText {
		return writeStructured(cmd.OutOrStdout(), format, cases)
	}
	rows := make([][]string, 0, len(cases))
	for _, tc := range cases {
		rows = append(rows, []string{tc.Category, tc.Name, tc.Path})
	}
	return writeTable(cmd.OutOrStdout(), []string{"CATEGORY", "NAME", "PATH"}, rows)
}
