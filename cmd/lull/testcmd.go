package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/crusader-labs/lull/internal/control"
	"github.com/crusader-labs/lull/internal/model"
	"github.com/crusader-labs/lull/internal/rawfile"
	"github.com/crusader-labs/lull/internal/reduce"
	"github.com/crusader-labs/lull/internal/renderplot"
	"github.com/crusader-labs/lull/internal/settings"
)

func newTestCmd() *cobra.Command {
	var (
		settingsPath   string
		download       bool
		upload         bool
		both           bool
		streams        int
		loadDuration   time.Duration
		graceDuration  time.Duration
		stagger        time.Duration
		latencyRate    time.Duration
		bandwidthRate  time.Duration
		outPath        string
		plotPath       string
		splitBandwidth bool
		transferred    bool
		plotWidth      int
		plotHeight     int
	)

	cmd := &cobra.Command{
		Use:   "test <server>",
		Short: "Run a latency-under-load test against a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := args[0]

			base := settings.Defaults()
			if settingsPath != "" {
				f, err := os.Open(settingsPath)
				if err != nil {
					return withExitCode(exitUserError, fmt.Errorf("open settings: %w", err))
				}
				defer f.Close()
				parsed, err := settings.Parse(f)
				if err != nil {
					return withExitCode(exitUserError, err)
				}
				base = parsed
			}

			applyBool := func(name string, flagVal bool, dst *bool, settingsVal bool) {
				if cmd.Flags().Changed(name) {
					*dst = flagVal
					return
				}
				*dst = settingsVal
			}
			applyBool("download", download, &download, base.Download)
			applyBool("upload", upload, &upload, base.Upload)
			applyBool("both", both, &both, base.Both)

			if !cmd.Flags().Changed("streams") {
				streams = base.Streams
			}
			if !cmd.Flags().Changed("load-duration") {
				loadDuration = base.LoadDuration
			}
			if !cmd.Flags().Changed("grace-duration") {
				graceDuration = base.GraceDuration
			}
			if !cmd.Flags().Changed("stream-stagger") {
				stagger = base.StreamStagger
			}
			if !cmd.Flags().Changed("latency-sample-rate") {
				latencyRate = base.LatencySampleRate
			}
			if !cmd.Flags().Changed("bandwidth-sample-rate") {
				bandwidthRate = base.BandwidthSampleRate
			}

			if err := applyBoolEnv(cmd, "download", &download); err != nil {
				return withExitCode(exitUserError, err)
			}
			if err := applyBoolEnv(cmd, "upload", &upload); err != nil {
				return withExitCode(exitUserError, err)
			}
			if err := applyBoolEnv(cmd, "both", &both); err != nil {
				return withExitCode(exitUserError, err)
			}
			if err := applyIntEnv(cmd, "streams", &streams); err != nil {
				return withExitCode(exitUserError, err)
			}
			if err := applyDurationEnv(cmd, "load-duration", &loadDuration); err != nil {
				return withExitCode(exitUserError, err)
			}
			if err := applyDurationEnv(cmd, "grace-duration", &graceDuration); err != nil {
				return withExitCode(exitUserError, err)
			}
			if err := applyDurationEnv(cmd, "stream-stagger", &stagger); err != nil {
				return withExitCode(exitUserError, err)
			}
			if err := applyDurationEnv(cmd, "latency-sample-rate", &latencyRate); err != nil {
				return withExitCode(exitUserError, err)
			}
			if err := applyDurationEnv(cmd, "bandwidth-sample-rate", &bandwidthRate); err != nil {
				return withExitCode(exitUserError, err)
			}

			if !download && !upload && !both {
				return withExitCode(exitUserError, fmt.Errorf("at least one of --download, --upload, --both must be set"))
			}
			if streams < 1 {
				return withExitCode(exitUserError, fmt.Errorf("--streams must be at least 1"))
			}

			cfg := model.Config{
				LoadDuration:      loadDuration,
				GraceDuration:     graceDuration,
				Stagger:           stagger,
				BandwidthInterval: bandwidthRate,
				PingInterval:      latencyRate,
				Streams:           streams,
				Download:          download,
				Upload:            upload,
				Both:              both,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runTest(ctx, addr, cfg, outPath, plotPath, splitBandwidth, transferred, plotWidth, plotHeight)
		},
	}

	cmd.Flags().StringVar(&settingsPath, "settings", "", "Tab-separated settings file overlaying the defaults")
	cmd.Flags().BoolVar(&download, "download", true, "Measure download throughput")
	cmd.Flags().BoolVar(&upload, "upload", true, "Measure upload throughput")
	cmd.Flags().BoolVar(&both, "both", false, "Measure simultaneous bidirectional throughput")
	cmd.Flags().IntVar(&streams, "streams", 8, "Number of bulk streams per direction")
	cmd.Flags().DurationVar(&loadDuration, "load-duration", 5*time.Second, "Duration of the loaded phase")
	cmd.Flags().DurationVar(&graceDuration, "grace-duration", time.Second, "Duration of the grace phase after load")
	cmd.Flags().DurationVar(&stagger, "stream-stagger", 0, "Delay between opening successive streams")
	cmd.Flags().DurationVar(&latencyRate, "latency-sample-rate", 5*time.Millisecond, "Ping interval")
	cmd.Flags().DurationVar(&bandwidthRate, "bandwidth-sample-rate", 60*time.Millisecond, "Bandwidth sample interval")
	cmd.Flags().StringVar(&outPath, "out", "", "Write the raw result to this .crr file")
	cmd.Flags().StringVar(&plotPath, "plot", "", "Render a chart of the result to this .png file")
	cmd.Flags().BoolVar(&splitBandwidth, "split-bandwidth", false, "Plot per-stream bandwidth instead of only the combined series")
	cmd.Flags().BoolVar(&transferred, "transferred", false, "Include a cumulative data-transferred panel")
	cmd.Flags().IntVar(&plotWidth, "plot-width", 0, "Plot width in pixels (0 = default)")
	cmd.Flags().IntVar(&plotHeight, "plot-height", 0, "Plot height in pixels (0 = default)")
	return cmd
}

func runTest(ctx context.Context, addr string, cfg model.Config, outPath, plotPath string, splitBandwidth, transferred bool, plotWidth, plotHeight int) error {
	abort := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(abort)
	}()

	cb := control.Callbacks{
		OnMessage: func(msg string) { fmt.Fprintln(os.Stderr, msg) },
	}

	raw, err := control.RunClientTest(context.Background(), addr, cfg, cb, abort)
	if err != nil {
		return withExitCode(exitTestFailed, err)
	}

	if outPath != "" {
		f, werr := os.Create(outPath)
		if werr != nil {
			return withExitCode(exitUserError, fmt.Errorf("create %s: %w", outPath, werr))
		}
		_, werr = rawfile.EncodeTo(f, *raw)
		closeErr := f.Close()
		if werr != nil {
			return withExitCode(exitUserError, fmt.Errorf("write %s: %w", outPath, werr))
		}
		if closeErr != nil {
			return withExitCode(exitUserError, fmt.Errorf("close %s: %w", outPath, closeErr))
		}
	}

	if plotPath != "" {
		tr := reduce.ToTestResult(*raw)
		opts := renderplot.DefaultOptions()
		opts.SplitBandwidth = splitBandwidth
		opts.Transferred = transferred
		if plotWidth > 0 {
			opts.Width = plotWidth
		}
		if plotHeight > 0 {
			opts.Height = plotHeight
		}
		f, werr := os.Create(plotPath)
		if werr != nil {
			return withExitCode(exitUserError, fmt.Errorf("create %s: %w", plotPath, werr))
		}
		werr = renderplot.SaveToPath(f, tr, opts)
		closeErr := f.Close()
		if werr != nil {
			return withExitCode(exitUserError, fmt.Errorf("render %s: %w", plotPath, werr))
		}
		if closeErr != nil {
			return withExitCode(exitUserError, fmt.Errorf("close %s: %w", plotPath, closeErr))
		}
	}

	if raw.ServerOverload {
		return withExitCode(exitServerOverload, fmt.Errorf("server reported overload during the test"))
	}
	return nil
}
