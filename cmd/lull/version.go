package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version, commit and date are set at build time via
// -ldflags "-X main.version=... -X main.commit=... -X main.date=...",
// the same build-info convention cmd/can-server reports through its own
// version/commit/date globals.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("lull %s (commit %s, built %s)\n", version, commit, date)
			return nil
		},
	}
}
