package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/divan/internal/logging"
	"github.com/Aman-CERP/divan/internal/output"
)

type logsOptions struct {
	follow  bool
	lines   int
	level   string
	index   string
	filter  string
	noColor bool
}

func newLogsCmd(opts *rootOptions) *cobra.Command {
	var lo logsOptions

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View divan logs",
		Long: `Show the last lines of the divan log, or follow it with -f.

With --output json the raw JSON log lines are printed unchanged.`,
		Example: `  divan logs -n 100
  divan logs -f --level warn
  divan logs --index Users --filter indexing_error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogs(cmd, opts, lo)
		},
	}

	cmd.Flags().BoolVarP(&lo.follow, "follow", "f", false, "Follow log output (like tail -f)")
	cmd.Flags().IntVarP(&lo.lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().StringVar(&lo.level, "level", "", "Minimum log level (debug|info|warn|error)")
	cmd.Flags().StringVar(&lo.index, "index", "", "Only entries about this index")
	cmd.Flags().StringVar(&lo.filter, "filter", "", "Filter by pattern (regex)")
	cmd.Flags().BoolVar(&lo.noColor, "no-color", false, "Disable colored output")

	return cmd
}

func runLogs(cmd *cobra.Command, opts *rootOptions, lo logsOptions) error {
	out, err := opts.writer(cmd)
	if err != nil {
		return err
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	path, err := logging.FindLogFile(opts.logPath(cfg))
	if err != nil {
		return err
	}

	var pattern *regexp.Regexp
	if lo.filter != "" {
		if pattern, err = regexp.Compile(lo.filter); err != nil {
			return fmt.Errorf("invalid filter pattern: %w", err)
		}
	}

	stdout := cmd.OutOrStdout()
	viewer := logging.NewViewer(logging.ViewerConfig{
		Level:   lo.level,
		Index:   lo.index,
		Pattern: pattern,
		NoColor: lo.noColor || out.JSONMode() || !output.IsTTY(stdout) || output.DetectNoColor(),
	}, stdout)

	format := viewer.FormatEntry
	if out.JSONMode() {
		format = func(e logging.LogEntry) string { return e.Raw }
	}

	if lo.follow {
		return followLogs(cmd.Context(), cmd, viewer, path, format)
	}

	entries, err := viewer.Tail(path, lo.lines)
	if err != nil {
		return err
	}
	if !out.JSONMode() {
		viewer.Print(entries)
		return nil
	}
	for _, e := range entries {
		_, _ = fmt.Fprintln(stdout, e.Raw)
	}
	return nil
}

func followLogs(ctx context.Context, cmd *cobra.Command, viewer *logging.Viewer, path string, format func(logging.LogEntry) string) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Following %s (Ctrl+C to stop)\n", path)

	entries := make(chan logging.LogEntry, 100)
	errCh := make(chan error, 1)
	go func() {
		errCh <- viewer.Follow(ctx, path, entries)
	}()

	for {
		select {
		case entry := <-entries:
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), format(entry))
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return nil
		}
	}
}
