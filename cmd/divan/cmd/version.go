package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/divan/pkg/version"
)

// newVersionCmd creates the version command.
func newVersionCmd(opts *rootOptions) *cobra.Command {
	var shortOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Print version information including git commit, build date, and Go version.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if shortOutput {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Short())
				return err
			}

			out, err := opts.writer(cmd)
			if err != nil {
				return err
			}
			return out.Result(version.GetInfo(), func() {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.String())
			})
		},
	}

	cmd.Flags().BoolVar(&shortOutput, "short", false, "Output only the version number")

	return cmd
}
