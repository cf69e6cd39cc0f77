package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/brandonbloom/pinenv/internal/interp"
	"github.com/brandonbloom/pinenv/internal/lifecycle"
	"github.com/brandonbloom/pinenv/internal/processes"
	"github.com/brandonbloom/pinenv/internal/store"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the environment state and store contents",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	cmd.Flags().StringP("output", "o", "text", "output format: text, json or yaml")
	return cmd
}

type manifestSummary struct {
	Path    string `json:"path" yaml:"path"`
	Entries int    `json:"entries" yaml:"entries"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

type storeSummary struct {
	Path     string `json:"path" yaml:"path"`
	Tag      string `json:"tag,omitempty" yaml:"tag,omitempty"`
	Entries  int    `json:"entries" yaml:"entries"`
	Bytes    int64  `json:"bytes" yaml:"bytes"`
	Complete bool   `json:"complete" yaml:"complete"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

type statusReport struct {
	lifecycle.Status `yaml:",inline"`
	Project          string              `json:"project" yaml:"project"`
	Manifest         manifestSummary     `json:"manifest" yaml:"manifest"`
	Store            storeSummary        `json:"store" yaml:"store"`
	Processes        []processes.Process `json:"processes,omitempty" yaml:"processes,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	format, err := parseOutputFormat(output)
	if err != nil {
		return err
	}
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	report, err := collectStatus(cmd, s)
	if err != nil {
		return err
	}
	if format != formatText {
		return writeStructured(cmd.OutOrStdout(), format, report)
	}
	printStatus(cmd, s, report, currentTimeOverride())
	return nil
}

func collectStatus(cmd *cobra.Command, s *session) (statusReport, error) {
	st, err := s.Controller.State()
	if err != nil {
		return statusReport{}, err
	}
	report := statusReport{
		Status:   st,
		Project:  s.Project.Root,
		Manifest: manifestSummary{Path: s.Project.ManifestPath},
		Store:    storeSummary{Path: s.Project.StoreDir},
	}
	if st.State != lifecycle.Absent {
		report.Processes = envProcesses(s.Project.EnvDir)
	}

	m, merr := s.Controller.Manifest()
	if merr != nil {
		report.Manifest.Error = merr.Error()
	} else {
		report.Manifest.Entries = m.Len()
	}

	// Prefer the tag the environment was built for so status does not need
	// to run the interpreter.
	var ws *store.Store
	if tag, err := interp.ParseTag(st.Tag); err == nil {
		ws, err = store.New(s.Project.StoreDir, tag, store.Options{})
		if err != nil {
			report.Store.Error = err.Error()
		}
	} else {
		ws, err = s.Controller.Store(cmd.Context())
		if err != nil {
			report.Store.Error = err.Error()
		}
	}
	if ws != nil {
		report.Store.Tag = ws.Tag().String()
		stats, err := ws.Stats()
		if err != nil {
			report.Store.Error = err.Error()
		}
		report.Store.Entries = stats.Entries
		report.Store.Bytes = stats.Bytes
		if merr == nil {
			report.Store.Complete, _ = ws.Verify(m)
		}
	}
	return report, nil
}

func printStatus(cmd *cobra.Command, s *session, r statusReport, now time.Time) {
	out := cmd.OutOrStdout()
	c := newPalette(out)
	row := func(label, format string, args ...any) {
		fmt.Fprintf(out, "%-9s %s\n", label, fmt.Sprintf(format, args...))
	}

	state := string(r.State)
	switch r.State {
	case lifecycle.Ready:
		state = c.good(state)
	case lifecycle.Failed:
		state = c.bad(state)
	}
	switch {
	case r.Interrupted:
		row("state", "%s %s", state, c.warn("(interrupted build; run `pinenv setup`)"))
	case r.State == lifecycle.Absent:
		row("state", "%s", state)
	default:
		row("state", "%s (%s), updated %s", state, r.Mode, humanize.RelTime(r.UpdatedAt, now, "ago", "from now"))
	}
	if r.BuildID != "" && !r.Interrupted {
		row("build", "%s", r.BuildID)
	}
	if r.Tag != "" {
		row("tag", "%s", r.Tag)
	}
	if r.Error != "" {
		row("error", "%s", c.bad(r.Error))
	}

	manifestPath := relToRoot(s, r.Manifest.Path)
	switch {
	case r.Manifest.Error != "":
		row("manifest", "%s: %s", manifestPath, c.bad(r.Manifest.Error))
	case r.Stale:
		row("manifest", "%s: %s, %s", manifestPath, plural(r.Manifest.Entries, "pin"), c.warn("changed since build"))
	default:
		row("manifest", "%s: %s", manifestPath, plural(r.Manifest.Entries, "pin"))
	}

	if len(r.Processes) > 0 {
		row("in use", "%s", summarizeProcesses(r.Processes, 0))
	}

	storePath := relToRoot(s, r.Store.Path)
	if r.Store.Error != "" {
		row("store", "%s: %s", storePath, c.bad(r.Store.Error))
		return
	}
	completeness := c.warn("incomplete")
	if r.Store.Complete {
		completeness = c.good("complete")
	}
	row("store", "%s: %s, %s, %s", storePath, plural(r.Store.Entries, "artifact"),
		humanize.Bytes(uint64(r.Store.Bytes)), completeness)
}
