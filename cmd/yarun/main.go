package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/frederic-klein/yarun/internal/config"
	"github.com/frederic-klein/yarun/internal/feed"
	"github.com/frederic-klein/yarun/internal/launcher"
	"github.com/frederic-klein/yarun/internal/observability"
	"github.com/frederic-klein/yarun/internal/progress"
	"github.com/frederic-klein/yarun/internal/version"
)

var (
	configPath  string
	logLevel    string
	noColor     bool
	metricsFile string

	command        string
	arch           string
	notBefore      string
	before         string
	versions       string
	source         bool
	selectionsPath string
	outputPath     string

	dryRun  bool
	detach  bool
	isolate bool
)

// Set during PersistentPreRunE.
var (
	cfg     config.Config
	logger  = zerolog.Nop()
	metrics *observability.Metrics
)

// exitCodeError carries the exit status of the launched program.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("program exited with status %d", e.code)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if metrics != nil && metricsFile != "" {
		if werr := metrics.WriteToTextfile(metricsFile); werr != nil {
			logger.Warn().Err(werr).Str("path", metricsFile).Msg("writing metrics failed")
		}
	}

	var exitErr *exitCodeError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		os.Exit(exitErr.code)
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "yarun",
		Short:             "Yet Another Runner - solve, fetch and run software from feeds",
		Long:              "yarun resolves an interface to a consistent set of implementations, downloads what is missing into a content-addressed store and launches the program.",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default $XDG_CONFIG_HOME/yarun/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored log output")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit")

	selectCmd := &cobra.Command{
		Use:   "select <interface>",
		Short: "Solve a requirement and print the selection",
		Args:  cobra.ExactArgs(1),
		RunE:  runSelect,
	}
	addRequirementFlags(selectCmd)
	selectCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Save the selection to this file")

	downloadCmd := &cobra.Command{
		Use:   "download [interface]",
		Short: "Solve a requirement and fetch every missing implementation",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runDownload,
	}
	addRequirementFlags(downloadCmd)
	downloadCmd.Flags().StringVar(&selectionsPath, "selections", "", "Use a saved selection instead of solving")

	runCmd := &cobra.Command{
		Use:   "run <interface> [args...]",
		Short: "Solve, fetch and launch a program",
		Args:  cobra.ArbitraryArgs,
		RunE:  runRun,
	}
	runCmd.Flags().SetInterspersed(false)
	addRequirementFlags(runCmd)
	runCmd.Flags().StringVar(&selectionsPath, "selections", "", "Use a saved selection instead of solving; all arguments go to the program")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the command line and environment instead of running")
	runCmd.Flags().BoolVar(&detach, "detach", false, "Start the program in the background and return")
	runCmd.Flags().BoolVar(&isolate, "isolate", false, "Pass only a minimal environment to the program")

	rootCmd.AddCommand(selectCmd, downloadCmd, runCmd, newStoreCmd(), newVersionCmd())
	return rootCmd
}

func addRequirementFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&command, "command", "", "Command to run (default \"run\")")
	cmd.Flags().StringVar(&arch, "arch", "", "Target os-cpu (default host)")
	cmd.Flags().StringVar(&notBefore, "not-before", "", "Minimum version (inclusive)")
	cmd.Flags().StringVar(&before, "before", "", "Version limit (exclusive)")
	cmd.Flags().StringVar(&versions, "version", "", "Version range, e.g. 1.2..!2.0")
	cmd.Flags().BoolVar(&source, "source", false, "Select source implementations")
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger = observability.InitLogger("yarun", observability.LoggerOptions{Level: level, NoColor: noColor})
	if metricsFile != "" {
		metrics = observability.NewMetrics()
	}
	logger.Debug().Str("store", cfg.StoreDir).Strs("feed_dirs", cfg.FeedDirs).Msg("configuration loaded")
	return nil
}

// newLauncher builds the pipeline with progress events logged asynchronously.
// The returned function flushes pending events.
func newLauncher() (*launcher.Launcher, func(), error) {
	events := progress.NewAsync(progress.NewLog(logger), 256)
	l, err := launcher.New(cfg, logger,
		launcher.WithMetrics(metrics),
		launcher.WithProgress(events),
	)
	if err != nil {
		events.Close()
		return nil, nil, err
	}
	return l, events.Close, nil
}

func buildRequirement(iface string) (feed.Requirement, error) {
	req := feed.Requirement{Interface: iface, Command: command, Source: source}

	var err error
	if req.Arch, err = feed.ParseArch(arch); err != nil {
		return req, err
	}
	if notBefore != "" {
		if req.NotBefore, err = version.Parse(notBefore); err != nil {
			return req, fmt.Errorf("--not-before: %w", err)
		}
	}
	if before != "" {
		if req.Before, err = version.Parse(before); err != nil {
			return req, fmt.Errorf("--before: %w", err)
		}
	}
	if versions != "" {
		if req.Versions, err = version.ParseRange(versions); err != nil {
			return req, fmt.Errorf("--version: %w", err)
		}
	}
	return req, req.Validate()
}
