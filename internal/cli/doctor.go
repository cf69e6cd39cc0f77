package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brandonbloom/pinenv/internal/execx"
	"github.com/brandonbloom/pinenv/internal/interp"
	"github.com/brandonbloom/pinenv/internal/lifecycle"
	"github.com/brandonbloom/pinenv/internal/manifest"
	"github.com/brandonbloom/pinenv/internal/project"
	"github.com/brandonbloom/pinenv/internal/store"
)

func newDoctorCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose pinenv prerequisites and environment issues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show passing checks too")
	return cmd
}

type doctorContext struct {
	cmd      *cobra.Command
	Project  *project.Project
	Session  *session
	Tag      interp.Tag
	Manifest *manifest.Manifest
}

type doctorCheck struct {
	Name string
	Fn   func(*doctorContext) error
}

var errNoProject = errors.New("project not initialized")

func runDoctor(cmd *cobra.Command, verbose bool) error {
	ctx := &doctorContext{cmd: cmd}
	defer func() {
		if ctx.Session != nil {
			ctx.Session.Close()
		}
	}()
	wd, _ := os.Getwd()
	checks := []doctorCheck{
		{Name: "project config", Fn: func(c *doctorContext) error {
			proj, err := project.Discover(wd)
			if err != nil {
				return err
			}
			c.Project = proj
			s, err := newSession(proj)
			if err != nil {
				return err
			}
			c.Session = s
			return nil
		}},
		{Name: "interpreter", Fn: checkInterpreter},
		{Name: "manifest", Fn: checkManifest},
		{Name: "artifact store complete", Fn: checkStore},
		{Name: "environment ready", Fn: checkEnvironment},
		{Name: "toolkit entry point", Fn: checkToolkit},
	}

	c := newPalette(cmd.OutOrStdout())
	var failures []string
	for _, check := range checks {
		err := check.Fn(ctx)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s %s: %v", newPalette(cmd.ErrOrStderr()).bad("✗"), check.Name, err))
			continue
		}
		if verbose {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", c.good("✓"), check.Name)
		}
	}

	if len(failures) > 0 {
		for _, failure := range failures {
			fmt.Fprintln(cmd.ErrOrStderr(), failure)
		}
		return fmt.Errorf("%d doctor checks failed", len(failures))
	}

	fmt.Fprintln(cmd.OutOrStdout(), "healthy!")
	return nil
}

func checkInterpreter(ctx *doctorContext) error {
	if ctx.Project == nil {
		return errNoProject
	}
	path, err := interp.Resolve(ctx.Project.Config.Interpreter)
	if err != nil {
		return err
	}
	tag, err := interp.Probe(ctx.cmd.Context(), execx.OSRunner{}, path)
	if err != nil {
		return err
	}
	ctx.Tag = tag
	return nil
}

func checkManifest(ctx *doctorContext) error {
	if ctx.Session == nil {
		return errNoProject
	}
	m, err := ctx.Session.Controller.Manifest()
	if err != nil {
		return err
	}
	if m.Len() == 0 {
		return fmt.Errorf("%s pins nothing", ctx.Project.ManifestPath)
	}
	ctx.Manifest = &m
	return nil
}

func checkStore(ctx *doctorContext) error {
	if ctx.Project == nil {
		return errNoProject
	}
	if ctx.Tag.IsZero() || ctx.Manifest == nil {
		return errors.New("needs a working interpreter and manifest")
	}
	st, err := store.New(ctx.Project.StoreDir, ctx.Tag, store.Options{})
	if err != nil {
		return err
	}
	missing, err := st.Missing(*ctx.Manifest)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for _, e := range missing {
			names = append(names, e.String())
		}
		return fmt.Errorf("missing %s (run `pinenv setup-dev`)", strings.Join(names, ", "))
	}
	return nil
}

func checkEnvironment(ctx *doctorContext) error {
	if ctx.Session == nil {
		return errNoProject
	}
	st, err := ctx.Session.Controller.State()
	if err != nil {
		return err
	}
	switch {
	case st.Interrupted:
		return errors.New("build was interrupted; run `pinenv setup`")
	case st.State != lifecycle.Ready:
		return fmt.Errorf("environment is %s; run `pinenv setup`", st.State)
	case st.Stale:
		return errors.New("manifest changed since the environment was built; run `pinenv setup`")
	}
	return nil
}

func checkToolkit(ctx *doctorContext) error {
	if ctx.Project == nil {
		return errNoProject
	}
	command := ctx.Project.Config.CLI.Command
	entry := command[0]
	if !strings.HasSuffix(entry, ".py") {
		return nil
	}
	if !filepath.IsAbs(entry) {
		entry = filepath.Join(ctx.Project.Root, entry)
	}
	if _, err := os.Stat(entry); err != nil {
		return fmt.Errorf("%s not found", entry)
	}
	return nil
}
