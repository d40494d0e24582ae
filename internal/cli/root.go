// Package cli implements the sandclaw command line interface.
package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/sandclaw/sandclaw/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"                     _      _\n" +
		"  ___  __ _ _ __   __| | ___| | __ ___      __\n" +
		" / __|/ _` | '_ \\ / _` |/ __| |/ _` \\ \\ /\\ / /\n" +
		" \\__ \\ (_| | | | | (_| | (__| | (_| |\\ V  V /\n" +
		" |___/\\__,_|_| |_|\\__,_|\\___|_|\\__,_| \\_/\\_/\n"
)

var rootCmd = &cobra.Command{
	Use:   "sandclaw",
	Short: "sandclaw - sandboxed multi-channel agent orchestrator",
	Long:  color.CyanString(logo) + "\nRoutes chat messages into sandboxed container runs, with per-conversation queues, roles, and scheduled tasks.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
}
