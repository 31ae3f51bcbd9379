package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/searchstore/internal/config"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage the searchstore configuration.

Configuration precedence (lowest to highest):
  1. Hardcoded defaults
  2. User config (~/.config/searchstore/config.yaml)
  3. Project config (.searchstore.yaml)
  4. The file named by --config
  5. Environment variables (SEARCHSTORE_*)
  6. --data-dir and --backend flags`,
		Example: `  searchstore config init
  searchstore config show --source user
  searchstore config backups`,
	}

	cmd.AddCommand(newConfigInitCmd(opts))
	cmd.AddCommand(newConfigShowCmd(opts))
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigBackupsCmd(opts))
	cmd.AddCommand(newConfigRestoreCmd(opts))

	return cmd
}

func newConfigInitCmd(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the user configuration file with defaults",
		Long: `Create ~/.config/searchstore/config.yaml (or under $XDG_CONFIG_HOME)
holding the default settings. With --force an existing file is backed up
first and then replaced.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := opts.writer(cmd)
			configPath := config.GetUserConfigPath()

			if config.UserConfigExists() {
				if !force {
					out.Warning("User configuration already exists")
					out.Statusf("", "Location: %s", configPath)
					out.Status("", "Use --force to replace it (a backup is kept)")
					return nil
				}
				backupPath, err := config.BackupUserConfig()
				if err != nil {
					return fmt.Errorf("failed to backup config: %w", err)
				}
				out.Statusf("", "Backup: %s", backupPath)
			}

			if err := config.NewConfig().WriteYAML(configPath); err != nil {
				return err
			}
			out.Success("Created user configuration")
			out.Statusf("", "Location: %s", configPath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing configuration after backing it up")
	return cmd
}

func newConfigShowCmd(opts *rootOptions) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show configuration",
		Long: `Show the effective configuration after merging all sources, or one
source on its own with --source.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigShow(cmd, opts, source)
		},
	}

	cmd.Flags().StringVar(&source, "source", "merged", "Config source: merged, user, project, defaults")
	return cmd
}

func runConfigShow(cmd *cobra.Command, opts *rootOptions, source string) error {
	out := opts.writer(cmd)

	var cfg *config.Config
	switch source {
	case "merged":
		var err error
		if cfg, err = opts.config(); err != nil {
			return err
		}

	case "user":
		if !config.UserConfigExists() {
			out.Warning("No user configuration file found")
			out.Statusf("", "Expected at: %s", config.GetUserConfigPath())
			return nil
		}
		var err error
		if cfg, err = config.LoadUserConfig(); err != nil {
			return err
		}

	case "project":
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
		root, err := config.FindProjectRoot(cwd)
		if err != nil {
			root = cwd
		}
		path := filepath.Join(root, config.ProjectConfigName)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			out.Warning("No project configuration file found")
			out.Statusf("", "Expected at: %s", path)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read project config: %w", err)
		}
		cfg = config.NewConfig()
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse project config: %w", err)
		}

	case "defaults":
		cfg = config.NewConfig()

	default:
		return fmt.Errorf("invalid source: %s (use: merged, user, project, defaults)", source)
	}

	if opts.jsonOutput {
		return out.JSON(cfg)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print user config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), config.GetUserConfigPath())
			return err
		},
	}
}

func newConfigBackupsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List user config backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backups, err := config.ListUserConfigBackups()
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return opts.writer(cmd).JSON(nonNil(backups))
			}
			for _, b := range backups {
				fmt.Fprintln(cmd.OutOrStdout(), b)
			}
			return nil
		},
	}
}

func newConfigRestoreCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore BACKUP",
		Short: "Restore the user config from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.RestoreUserConfig(args[0]); err != nil {
				return err
			}
			opts.writer(cmd).Successf("Restored %s", config.GetUserConfigPath())
			return nil
		},
	}
}
