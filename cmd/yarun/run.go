package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/frederic-klein/yarun/internal/executor"
	"github.com/frederic-klein/yarun/internal/fetcher"
	"github.com/frederic-klein/yarun/internal/launcher"
	"github.com/frederic-klein/yarun/internal/selection"
	"github.com/frederic-klein/yarun/internal/snapshot"
)

func runSelect(cmd *cobra.Command, args []string) error {
	req, err := buildRequirement(args[0])
	if err != nil {
		return err
	}
	l, flush, err := newLauncher()
	if err != nil {
		return err
	}
	defer flush()

	sel, err := l.Select(cmd.Context(), req)
	if err != nil {
		return err
	}
	printSelection(cmd, sel, l)

	if outputPath != "" {
		if err := snapshot.SaveFile(outputPath, sel); err != nil {
			return fmt.Errorf("writing selections: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved selections to %s\n", outputPath)
	}
	return nil
}

func runDownload(cmd *cobra.Command, args []string) error {
	l, flush, err := newLauncher()
	if err != nil {
		return err
	}
	defer flush()

	var sel *selection.Selection
	switch {
	case selectionsPath != "":
		if sel, err = snapshot.LoadFile(selectionsPath); err != nil {
			return err
		}
	case len(args) == 1:
		req, err := buildRequirement(args[0])
		if err != nil {
			return err
		}
		if sel, err = l.Select(cmd.Context(), req); err != nil {
			return err
		}
	default:
		return fmt.Errorf("an interface or --selections is required")
	}

	res, err := l.Download(cmd.Context(), sel)
	if res != nil {
		printFetchResult(cmd, res)
	}
	return err
}

func runRun(cmd *cobra.Command, args []string) error {
	l, flush, err := newLauncher()
	if err != nil {
		return err
	}
	defer flush()

	var sel *selection.Selection
	if selectionsPath != "" {
		if sel, err = snapshot.LoadFile(selectionsPath); err != nil {
			return err
		}
	} else {
		if len(args) == 0 {
			return fmt.Errorf("an interface or --selections is required")
		}
		req, err := buildRequirement(args[0])
		if err != nil {
			return err
		}
		args = args[1:]
		if sel, err = l.Select(cmd.Context(), req); err != nil {
			return err
		}
	}

	opts := executor.Options{
		Args:    args,
		Isolate: isolate,
		Detach:  detach,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}
	if dryRun {
		return printPlan(cmd, l, sel, opts)
	}

	p, err := l.Start(cmd.Context(), sel, opts)
	if err != nil {
		return err
	}
	if detach {
		fmt.Fprintf(cmd.OutOrStdout(), "Started %s (pid %d)\n", sel.Interface, p.Pid())
		return p.Release()
	}
	code, err := p.Wait()
	if err != nil {
		return err
	}
	if code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}

func printPlan(cmd *cobra.Command, l *launcher.Launcher, sel *selection.Selection, opts executor.Options) error {
	if _, err := l.Download(cmd.Context(), sel); err != nil {
		return err
	}
	plan, err := l.Plan(sel, opts)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "command: %s\n", strings.Join(plan.Argv, " "))
	if plan.Dir != "" {
		fmt.Fprintf(out, "directory: %s\n", plan.Dir)
	}
	fmt.Fprintln(out, "environment:")
	for _, kv := range plan.Env {
		fmt.Fprintf(out, "  %s\n", kv)
	}
	return nil
}

func printSelection(cmd *cobra.Command, sel *selection.Selection, l *launcher.Launcher) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (command %q, arch %s)\n", sel.Interface, sel.Command, sel.Arch)
	for _, s := range sel.Selected {
		impl := s.Implementation
		where, ok := s.Path(l.Store())
		if !ok {
			where = "not cached"
		}
		kind := "essential"
		if !s.Essential {
			kind = "optional"
		}
		fmt.Fprintf(out, "  %s\n    version: %s (%s)\n    id: %s\n    path: %s\n", s.Interface, impl.Version, kind, impl.ID, where)
	}
	for _, d := range sel.Dropped {
		fmt.Fprintf(out, "  dropped %s (wanted by %s): %s\n", d.Interface, d.From, d.Reason)
	}
}

func printFetchResult(cmd *cobra.Command, res *fetcher.Result) {
	out := cmd.OutOrStdout()
	if len(res.Outcomes) == 0 {
		fmt.Fprintln(out, "Everything is already available")
		return
	}
	for _, o := range res.Outcomes {
		line := fmt.Sprintf("%-8s %s %s", o.Status, o.Interface, o.Implementation.ID)
		if o.Err != nil {
			line += ": " + o.Err.Error()
		}
		fmt.Fprintln(out, line)
	}
}
