// Package cli wires the aclgate cobra command tree, following the
// teacher's internal/cli/root.go shape: a root command carrying
// persistent logging flags, subcommands built from runtime.Options.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aclgate/aclgate/internal/runtime"
	"github.com/aclgate/aclgate/internal/version"
)

// Execute builds and runs the root command against os.Args.
func Execute() error {
	opts := &runtime.Options{
		LogLevel: "info",
	}
	cmd := newRootCommand(opts)
	return cmd.Execute()
}

func newRootCommand(opts *runtime.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "aclgate",
		Short:        "Forward proxy connection-handler core with DNS resolution",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.SetupLogger()
		},
	}

	cmd.PersistentFlags().BoolVar(&opts.JSONLogs, "json-logs", false, "emit logs in JSON format")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.Env, "env", "", "deployment environment tag, attached to logs and traces")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	})

	return cmd
}
