// Command turnstiled serves the turnstile session API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	var envFile string

	rootCmd := &cobra.Command{
		Use:   "turnstiled",
		Short: "Per-identity concurrent session limits over HTTP",
		Long: `turnstiled admits sessions for authenticated identities, at most N per
identity at a time. A login over the limit gets the list of active sessions
back and may evict one of them; evicted devices find out by polling.

Configuration comes from TURNSTILE_* environment variables and an optional
.env file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to read before the environment")

	rootCmd.AddCommand(
		serveCmd(&envFile),
		sweepCmd(&envFile),
		sessionsCmd(&envFile),
		tokenCmd(&envFile),
		versionCmd(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "turnstiled %s (%s)\n", version, commit)
		},
	}
}
