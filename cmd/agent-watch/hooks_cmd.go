package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-watch/internal/hooks"
)

func newHooksCmd() *cobra.Command {
	var configDir string
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Manage the Claude Code hook entries in settings.json",
	}
	cmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Claude config directory (default: $CLAUDE_CONFIG_DIR or ~/.claude)")

	dir := func() (string, error) {
		if configDir != "" {
			return configDir, nil
		}
		return hooks.ClaudeConfigDir()
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Add agent-watch hooks, keeping existing settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := dir()
			if err != nil {
				return err
			}
			changed, err := hooks.InstallClaude(d)
			if err != nil {
				return err
			}
			if changed {
				fmt.Fprintf(cmd.OutOrStdout(), "Installed hooks in %s/settings.json\n", d)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Hooks already installed")
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove agent-watch hooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := dir()
			if err != nil {
				return err
			}
			removed, err := hooks.UninstallClaude(d)
			if err != nil {
				return err
			}
			if removed {
				fmt.Fprintln(cmd.OutOrStdout(), "Removed agent-watch hooks")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "No agent-watch hooks found")
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report whether the hooks are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := dir()
			if err != nil {
				return err
			}
			if hooks.ClaudeInstalled(d) {
				fmt.Fprintln(cmd.OutOrStdout(), "installed")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "not installed")
			}
			return nil
		},
	})
	return cmd
}
