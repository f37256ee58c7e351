// Command lull is the CLI front-end for the latency-under-load measurement
// engine: it wires internal/control, internal/lullserver, internal/rawfile
// and internal/renderplot into four subcommands (serve, test, plot,
// latency), the way cmd/can-server wires internal/server and
// internal/metrics into one long-running process.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCmd() *cobra.Command {
	var logFormat, logLevel string

	root := &cobra.Command{
		Use:           "lull",
		Short:         "Measure network latency under load",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogger(logFormat, logLevel)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text|json")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug|info|warn|error")

	root.AddCommand(newServeCmd())
	root.AddCommand(newTestCmd())
	root.AddCommand(newPlotCmd())
	root.AddCommand(newLatencyCmd())
	root.AddCommand(newVersionCmd())
	return root
}
