package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/divan/configs"
	"github.com/Aman-CERP/divan/internal/config"
	derrors "github.com/Aman-CERP/divan/internal/errors"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage project configuration",
		Long: `Manage the project configuration file (.divan.yaml).

Configuration precedence (lowest to highest):
  1. Hardcoded defaults
  2. User config (~/.config/divan/config.yaml)
  3. Project config (.divan.yaml)
  4. Environment variables (DIVAN_*)`,
		Example: `  # Create .divan.yaml with example indexes
  divan config init

  # Show effective configuration (merged from all sources)
  divan config show

  # Undo the last overwrite of .divan.yaml
  divan config restore`,
	}

	cmd.AddCommand(newConfigInitCmd(opts))
	cmd.AddCommand(newConfigShowCmd(opts))
	cmd.AddCommand(newConfigPathCmd(opts))
	cmd.AddCommand(newConfigRestoreCmd(opts))

	return cmd
}

func (o *rootOptions) projectConfigPath() (string, error) {
	dir, err := filepath.Abs(o.dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, config.ProjectFileName), nil
}

func newConfigInitCmd(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create .divan.yaml from a template",
		Long: `Create .divan.yaml in the project directory. The template declares two
example indexes over users/ documents.

With --force an existing file is backed up before it is replaced.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := opts.writer(cmd)
			if err != nil {
				return err
			}
			path, err := opts.projectConfigPath()
			if err != nil {
				return err
			}

			var backup string
			if _, err := os.Stat(path); err == nil {
				if !force {
					return derrors.New(derrors.ErrCodeInvalidInput,
						fmt.Sprintf("%s already exists", path), nil).
						WithSuggestion("use --force to replace it; the current file is backed up")
				}
				if backup, err = config.Backup(path); err != nil {
					return err
				}
			}

			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(configs.ProjectConfigTemplate), 0644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			res := map[string]string{"path": path}
			if backup != "" {
				res["backup"] = backup
			}
			return out.Result(res, func() {
				out.Successf("created %s", path)
				if backup != "" {
					out.Dim("previous file saved as " + backup)
				}
				out.Dim("next: divan put users/1 '{\"name\":\"Oren\",\"city\":\"Haifa\"}' && divan index")
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Replace an existing .divan.yaml")
	return cmd
}

func newConfigShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := opts.writer(cmd)
			if err != nil {
				return err
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if out.JSONMode() {
				return out.JSON(cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigPathCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := opts.writer(cmd)
			if err != nil {
				return err
			}
			project, err := opts.projectConfigPath()
			if err != nil {
				return err
			}
			res := map[string]string{
				"project": project,
				"user":    config.GetUserConfigPath(),
			}
			return out.Result(res, func() {
				out.KeyValue([][2]string{{"project", res["project"]}, {"user", res["user"]}})
			})
		},
	}
}

func newConfigRestoreCmd(opts *rootOptions) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "restore [backup]",
		Short: "Restore .divan.yaml from a backup",
		Long: `Restore .divan.yaml from its newest backup, or from the given backup file.
The current file is backed up first. Use --list to see the backups.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := opts.writer(cmd)
			if err != nil {
				return err
			}
			path, err := opts.projectConfigPath()
			if err != nil {
				return err
			}
			backups, err := config.ListBackups(path)
			if err != nil {
				return err
			}

			if list {
				if backups == nil {
					backups = []string{}
				}
				return out.Result(backups, func() {
					if len(backups) == 0 {
						out.Dim("no backups")
					}
					for _, b := range backups {
						out.Status("", b)
					}
				})
			}

			var from string
			switch {
			case len(args) == 1:
				from = args[0]
			case len(backups) > 0:
				from = backups[0]
			default:
				return derrors.New(derrors.ErrCodeFileNotFound,
					fmt.Sprintf("no backups of %s", path), nil)
			}
			if err := config.Restore(path, from); err != nil {
				return err
			}
			if _, err := config.Load(filepath.Dir(path)); err != nil {
				return fmt.Errorf("restored file is not valid: %w", err)
			}

			res := map[string]string{"path": path, "restored_from": from}
			return out.Result(res, func() {
				out.Successf("restored %s from %s", path, from)
			})
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "List backups, newest first")
	return cmd
}
