// Package cmd provides the CLI commands for divan.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	derrors "github.com/Aman-CERP/divan/internal/errors"
	"github.com/Aman-CERP/divan/internal/output"
	"github.com/Aman-CERP/divan/internal/profiling"
	"github.com/Aman-CERP/divan/pkg/version"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	dir      string
	logLevel string
	logFile  string
	output   string
	profile  profiling.Options
	session  *profiling.Session
}

// outputMode maps --output to an output mode.
func (o *rootOptions) outputMode() (output.Mode, error) {
	switch o.output {
	case "", "auto":
		return output.ModeAuto, nil
	case "text":
		return output.ModeText, nil
	case "json":
		return output.ModeJSON, nil
	default:
		return output.ModeAuto, derrors.ValidationError(
			fmt.Sprintf("unknown output format %q", o.output), nil).
			WithSuggestion("use auto, text or json")
	}
}

// writer returns the output writer for cmd.
func (o *rootOptions) writer(cmd *cobra.Command) (*output.Writer, error) {
	mode, err := o.outputMode()
	if err != nil {
		return nil, err
	}
	return output.New(cmd.OutOrStdout(), mode), nil
}

// NewRootCmd creates the root command for the divan CLI.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "divan",
		Short: "Embedded document indexing and query engine",
		Long: `divan stores JSON documents in a local database and keeps declarative
indexes over them up to date. Queries run against immutable index snapshots,
so reads never block indexing.

Indexes are declared in .divan.yaml. Run 'divan config init' to create one.`,
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("divan version {{.Version}}\n")

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.dir, "dir", "C", ".", "Project directory holding .divan.yaml")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFile, "log-file", "", "Log file (default <data dir>/logs/divan.log)")
	flags.StringVarP(&opts.output, "output", "o", "auto", "Output format: auto, text or json")
	flags.StringVar(&opts.profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	flags.StringVar(&opts.profile.Heap, "profile-mem", "", "Write memory profile to file")
	flags.StringVar(&opts.profile.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		if _, err := opts.outputMode(); err != nil {
			return err
		}
		if !opts.profile.Enabled() {
			return nil
		}
		session, err := profiling.Start(opts.profile)
		if err != nil {
			return err
		}
		opts.session = session
		return nil
	}
	cmd.PersistentPostRunE = func(_ *cobra.Command, _ []string) error {
		if opts.session == nil {
			return nil
		}
		err := opts.session.Stop()
		opts.session = nil
		return err
	}

	cmd.AddCommand(newPutCmd(opts))
	cmd.AddCommand(newLoadCmd(opts))
	cmd.AddCommand(newGetCmd(opts))
	cmd.AddCommand(newDeleteCmd(opts))
	cmd.AddCommand(newIndexCmd(opts))
	cmd.AddCommand(newQueryCmd(opts))
	cmd.AddCommand(newStatsCmd(opts))
	cmd.AddCommand(newLogsCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newVersionCmd(opts))

	return cmd
}

// Execute runs the root command and reports a failure on stderr.
func Execute() error {
	root := NewRootCmd()
	err := root.Execute()
	if err != nil {
		reportError(root, err)
	}
	return err
}

// reportError prints err to stderr, as JSON with --output json.
func reportError(root *cobra.Command, err error) {
	if f, _ := root.PersistentFlags().GetString("output"); f == "json" {
		if data, jerr := derrors.FormatJSON(err); jerr == nil {
			_, _ = fmt.Fprintln(os.Stderr, string(data))
			return
		}
	}
	_, _ = fmt.Fprint(os.Stderr, derrors.FormatForCLI(err))
}
