package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry/configs"
	"github.com/quarryhq/quarry/internal/config"
)

func newInitCmd() *cobra.Command {
	var user bool
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Long: `Write a starter configuration file with commented defaults.

By default this writes .quarry.yaml in the current directory, the
per-collection settings worth versioning alongside your documents.
With --user it writes the machine-level config to
~/.config/quarry/config.yaml instead.

Examples:
  quarry init
  quarry init --user`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd, user, force)
		},
	}

	cmd.Flags().BoolVar(&user, "user", false, "Write the user config instead of the project config")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	return cmd
}

func runInit(cmd *cobra.Command, user, force bool) error {
	path := ".quarry.yaml"
	template := configs.ProjectConfigTemplate
	if user {
		var err error
		path, err = config.GetUserConfigPath()
		if err != nil {
			return err
		}
		template = configs.UserConfigTemplate
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	if err := os.WriteFile(path, []byte(template), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	_, err := fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return err
}
