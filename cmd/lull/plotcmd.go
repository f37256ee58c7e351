package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crusader-labs/lull/internal/rawfile"
	"github.com/crusader-labs/lull/internal/reduce"
	"github.com/crusader-labs/lull/internal/renderplot"
)

func newPlotCmd() *cobra.Command {
	var (
		outPath        string
		width          int
		height         int
		splitBandwidth bool
		transferred    bool
	)

	cmd := &cobra.Command{
		Use:   "plot <raw-file>",
		Short: "Render a chart from a saved .crr raw result file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath == "" {
				return withExitCode(exitUserError, fmt.Errorf("--out is required"))
			}

			in, err := os.Open(args[0])
			if err != nil {
				return withExitCode(exitUserError, fmt.Errorf("open %s: %w", args[0], err))
			}
			defer in.Close()

			raw, err := rawfile.Decode(in)
			if err != nil {
				return withExitCode(exitUserError, err)
			}

			opts := renderplot.DefaultOptions()
			opts.SplitBandwidth = splitBandwidth
			opts.Transferred = transferred
			if width > 0 {
				opts.Width = width
			}
			if height > 0 {
				opts.Height = height
			}

			out, err := os.Create(outPath)
			if err != nil {
				return withExitCode(exitUserError, fmt.Errorf("create %s: %w", outPath, err))
			}
			werr := renderplot.SaveToPath(out, reduce.ToTestResult(raw), opts)
			closeErr := out.Close()
			if werr != nil {
				return withExitCode(exitUserError, fmt.Errorf("render %s: %w", outPath, werr))
			}
			if closeErr != nil {
				return withExitCode(exitUserError, fmt.Errorf("close %s: %w", outPath, closeErr))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "Write the rendered chart to this .png file")
	cmd.Flags().IntVar(&width, "width", 0, "Plot width in pixels (0 = default)")
	cmd.Flags().IntVar(&height, "height", 0, "Plot height in pixels (0 = default)")
	cmd.Flags().BoolVar(&splitBandwidth, "split-bandwidth", false, "Plot per-stream bandwidth instead of only the combined series")
	cmd.Flags().BoolVar(&transferred, "transferred", false, "Include a cumulative data-transferred panel")
	return cmd
}
