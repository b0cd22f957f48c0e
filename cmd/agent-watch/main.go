package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/asheshgoplani/agent-watch/internal/logging"
)

// Build information, injected with -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

var cliLog = logging.ForComponent(logging.CompCLI)

// globalFlags are shared by every subcommand that talks to the server.
type globalFlags struct {
	addr  string
	token string
}

func main() {
	initColorProfile()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "agent-watch",
		Short: "Track AI coding agent sessions",
		Long: `agent-watch follows Claude, Gemini, Codex and Cursor sessions through
their hooks and shows which ones are working, waiting for input or
waiting for approval.

Start the tracker with 'agent-watch serve' and install the Claude hooks
with 'agent-watch hooks install'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       versionString(),
	}
	// Same shortcuts as the version subcommand: -v, --version.
	root.Flags().BoolP("version", "v", false, "print version information")
	root.SetVersionTemplate("{{.Version}}\n")
	root.PersistentFlags().StringVar(&g.addr, "addr", "", "server address (default: running server, then config)")
	root.PersistentFlags().StringVar(&g.token, "token", "", "API token (default: [web] token from config)")

	root.AddCommand(
		newServeCmd(g),
		newHookCmd(),
		newHooksCmd(),
		newListCmd(g),
		newFocusCmd(g),
		newTerminateCmd(g),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Aliases: []string{"ver"},
		Short:   "Print version information",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	}
}

func versionString() string {
	return fmt.Sprintf("agent-watch v%s (commit: %s, built: %s)", Version, Commit, Date)
}
