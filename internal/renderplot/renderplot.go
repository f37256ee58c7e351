// Package renderplot draws the composite latency-under-load chart (§4.H): a
// header line followed by a bandwidth panel, a latency panel, a thin
// packet-loss strip and an optional data-transferred panel, stacked
// top-down onto one raster image. It consumes an immutable model.TestResult
// the same way the rest of the pipeline treats it -- a single-threaded
// renderer with no state of its own beyond the one-time font registration.
package renderplot

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/font"
	"gonum.org/v1/plot/font/liberation"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/crusader-labs/lull/internal/model"
	"github.com/crusader-labs/lull/internal/reduce"
)

// Colors mirror the original plot.rs palette: blue for download bandwidth
// and down latency, green for upload bandwidth and up latency, purple for the combined both-directions series, dark
// grey for total latency, and a muted red for pre-v2 unclassified loss.
var (
	downColor  = color.RGBA{R: 37, G: 83, B: 169, A: 255}
	upColor    = color.RGBA{R: 95, G: 145, B: 62, A: 255}
	bothColor  = color.RGBA{R: 149, G: 96, B: 153, A: 255}
	totalColor = color.RGBA{R: 50, G: 50, B: 50, A: 255}
	lossColorV1 = color.RGBA{R: 193, G: 85, B: 85, A: 255}
	blackColor = color.RGBA{A: 255}

	downFaded1 = color.RGBA{R: 159, G: 172, B: 202, A: 255}
	downFaded2 = color.RGBA{R: 211, G: 217, B: 231, A: 255}
	upFaded1   = color.RGBA{R: 188, G: 203, B: 177, A: 255}
	upFaded2   = color.RGBA{R: 215, G: 223, B: 208, A: 255}
)

var fontsOnce sync.Once

// EnsureFontsRegistered installs the bundled Liberation font family into
// gonum/plot's default font cache. It is idempotent and safe to call from
// multiple goroutines; every exported entry point here calls it before
// touching plot.New, so callers never need to call it themselves.
func EnsureFontsRegistered() {
	fontsOnce.Do(func() {
		font.DefaultCache.Add(liberation.Collection())
	})
}

// Options configures one render. The zero value is not valid; use
// DefaultOptions and override what differs.
type Options struct {
	Width          int
	Height         int
	SplitBandwidth bool
	Transferred    bool
}

// DefaultOptions returns the spec's default 1280x720 canvas with a single
// combined bandwidth panel and no transferred-bytes panel.
func DefaultOptions() Options {
	return Options{Width: 1280, Height: 720}
}

// Render draws tr onto a fresh raster canvas sized per opts.
func Render(tr model.TestResult, opts Options) (*vgimg.Canvas, error) {
	EnsureFontsRegistered()
	if opts.Width <= 0 {
		opts.Width = 1280
	}
	if opts.Height <= 0 {
		opts.Height = 720
	}

	c := vgimg.New(vg.Points(float64(opts.Width)), vg.Points(float64(opts.Height)))
	dc := draw.New(c)

	panels := buildPanels(tr, opts)
	if len(panels) == 0 {
		return c, nil
	}

	const lossHeight = vg.Length(30)
	flexCount := 0
	for _, p := range panels {
		if !p.fixed {
			flexCount++
		}
	}
	available := dc.Max.Y - dc.Min.Y
	for _, p := range panels {
		if p.fixed {
			available -= lossHeight
		}
	}
	flexHeight := available
	if flexCount > 0 {
		flexHeight = available / vg.Length(flexCount)
	}

	top := dc.Max.Y
	for _, p := range panels {
		h := flexHeight
		if p.fixed {
			h = lossHeight
		}
		bottom := top - h
		if bottom < dc.Min.Y {
			bottom = dc.Min.Y
		}
		cell := draw.Canvas{
			Canvas:    dc.Canvas,
			Rectangle: vg.Rectangle{Min: vg.Point{X: dc.Min.X, Y: bottom}, Max: vg.Point{X: dc.Max.X, Y: top}},
		}
		if err := p.draw(cell); err != nil {
			return nil, fmt.Errorf("renderplot: %w", err)
		}
		top = bottom
	}
	return c, nil
}

// SaveToPath renders tr and encodes the result as a PNG to w.
func SaveToPath(w io.Writer, tr model.TestResult, opts Options) error {
	c, err := Render(tr, opts)
	if err != nil {
		return err
	}
	return png.Encode(w, c.Image())
}

// panel is one horizontal band of the composite chart. fixed panels (the
// loss strip) get a constant height; the rest split whatever height is
// left evenly, the way plot.rs's split_evenly distributes the remaining
// canvas once the fixed-height loss strip has been carved off the bottom.
type panel struct {
	fixed bool
	draw  func(draw.Canvas) error
}

func buildPanels(tr model.TestResult, opts Options) []panel {
	titled := false
	addTitle := func(p *plot.Plot) {
		if !titled {
			p.Title.Text = headerText(tr.RawResult)
			titled = true
		}
	}

	var panels []panel
	if opts.SplitBandwidth {
		panels = append(panels, panel{draw: splitBandwidthPanel(tr, addTitle)})
	} else {
		panels = append(panels, panel{draw: bandwidthPanel(tr, addTitle)})
	}
	panels = append(panels, panel{draw: latencyPanel(tr, addTitle)})
	panels = append(panels, panel{fixed: true, draw: lossPanel(tr)})
	if opts.Transferred {
		panels = append(panels, panel{draw: transferredPanel(tr, addTitle)})
	}
	return panels
}

// headerText composes the single title line carried by the first-drawn
// panel: connection count, IP version, stagger, load duration and server
// latency, the way plot.rs's graph() renders its two-line info band, folded
// into one line since plot.Plot.Title only supports a single label.
func headerText(raw model.RawResult) string {
	ipver := "IPv4"
	if raw.IPv6 {
		ipver = "IPv6"
	}
	parts := []string{
		fmt.Sprintf("Latency under load — %d streams, %s", raw.Config.TotalStreams(), ipver),
		fmt.Sprintf("stagger %s, load %s, server latency %s", raw.Config.Stagger, raw.Config.LoadDuration, raw.ServerLatency),
	}
	if raw.GeneratedBy != "" {
		parts = append(parts, "generated by "+raw.GeneratedBy)
	}
	if raw.ServerOverload {
		parts = append(parts, "server overload detected")
	}
	if raw.LoadTerminationTimeout {
		parts = append(parts, "load termination timed out")
	}
	return strings.Join(parts, "  |  ")
}

// padXAxis extends the nominal test duration by 8%, per spec.md §4.H, so
// legends drawn at the right edge don't overlap the last sample.
func padXAxis(p *plot.Plot, duration time.Duration) {
	seconds := duration.Seconds() * 1.08
	if seconds <= 0 {
		seconds = 1
	}
	p.X.Min = 0
	p.X.Max = seconds
}

func toXYs(pts []model.Point) plotter.XYs {
	xys := make(plotter.XYs, len(pts))
	for i, pt := range pts {
		xys[i].X = float64(pt.TimeUS) / 1e6
		xys[i].Y = pt.Value
	}
	return xys
}

func addLine(p *plot.Plot, name string, pts []model.Point, col color.Color) error {
	if len(pts) == 0 {
		return nil
	}
	l, err := plotter.NewLine(toXYs(pts))
	if err != nil {
		return err
	}
	l.Color = col
	l.Width = vg.Points(1.5)
	p.Add(l)
	if name != "" {
		p.Legend.Add(name, l)
	}
	return nil
}

func bandwidthPanel(tr model.TestResult, addTitle func(*plot.Plot)) func(draw.Canvas) error {
	return func(dc draw.Canvas) error {
		p, err := plot.New()
		if err != nil {
			return err
		}
		p.Y.Label.Text = "Mbps"
		p.X.Label.Text = "seconds"
		addTitle(p)
		padXAxis(p, tr.RawResult.Duration)

		if err := addLine(p, "Download", reduce.ToRates(tr.CombinedDownloadBytes), downColor); err != nil {
			return err
		}
		if err := addLine(p, "Upload", reduce.ToRates(tr.CombinedUploadBytes), upColor); err != nil {
			return err
		}
		if err := addLine(p, "Both", reduce.ToRates(tr.BothBytes), bothColor); err != nil {
			return err
		}
		p.Draw(dc)
		return nil
	}
}

// directionColors returns the full-weight series color plus two alternating
// faded shades used for every stream but the last in a group, matching
// plot.rs's plot_split_bandwidth palette.
func directionColors(download bool) (base, faded1, faded2 color.Color) {
	if download {
		return downColor, downFaded1, downFaded2
	}
	return upColor, upFaded1, upFaded2
}

func splitBandwidthPanel(tr model.TestResult, addTitle func(*plot.Plot)) func(draw.Canvas) error {
	return func(dc draw.Canvas) error {
		p, err := plot.New()
		if err != nil {
			return err
		}
		p.Y.Label.Text = "Mbps"
		p.X.Label.Text = "seconds"
		addTitle(p)
		padXAxis(p, tr.RawResult.Duration)

		interval := uint64(tr.RawResult.Config.BandwidthInterval.Microseconds())
		if interval == 0 {
			interval = 1
		}

		for _, g := range tr.RawResult.StreamGroups {
			if g.Both {
				// Both-direction groups are only shown combined, as the
				// single "Both" series added after this loop; splitting them
				// per-stream per-direction would double-count them.
				continue
			}
			base, faded1, faded2 := directionColors(g.Download)
			last := len(g.Streams) - 1
			for i, samples := range g.Streams {
				rate := reduce.ToRates(reduce.Interpolate(reduce.ToPoints(samples), interval))
				if len(rate) == 0 {
					continue
				}
				col := faded1
				if i%2 == 1 {
					col = faded2
				}
				name := ""
				if i == last {
					col = base
					if g.Download {
						name = "Download"
					} else {
						name = "Upload"
					}
				}
				if err := addLine(p, name, rate, col); err != nil {
					return err
				}
			}
		}
		if err := addLine(p, "Both", reduce.ToRates(tr.BothBytes), bothColor); err != nil {
			return err
		}
		p.Draw(dc)
		return nil
	}
}

func pickUp(p model.RawPing) (float64, bool) {
	if p.Latency == nil {
		return 0, false
	}
	return p.Latency.Up.Seconds() * 1000, true
}

func pickDown(p model.RawPing) (float64, bool) {
	if p.Latency == nil || p.Latency.Down == nil {
		return 0, false
	}
	return p.Latency.Down.Seconds() * 1000, true
}

func pickTotal(p model.RawPing) (float64, bool) {
	if p.Latency == nil || p.Latency.Total == nil {
		return 0, false
	}
	return p.Latency.Total.Seconds() * 1000, true
}

// latencySegments splits pings into runs of consecutive samples where pick
// reports a value, per spec.md §4.H: "a series segment ends at the last
// consecutive sample; a new segment starts at the next observed sample."
func latencySegments(pings []model.RawPing, pick func(model.RawPing) (float64, bool)) [][]model.Point {
	var segments [][]model.Point
	var cur []model.Point
	flush := func() {
		if len(cur) > 0 {
			segments = append(segments, cur)
			cur = nil
		}
	}
	for _, p := range pings {
		v, ok := pick(p)
		if !ok {
			flush()
			continue
		}
		cur = append(cur, model.Point{TimeUS: uint64(p.Sent.Microseconds()), Value: v})
	}
	flush()
	return segments
}

// addLatencySeries draws one named line series from its gap-separated
// segments: multi-point segments as lines, single-point segments as a dot,
// since plotter.Line refuses to draw anything meaningful from one point.
func addLatencySeries(p *plot.Plot, name string, segments [][]model.Point, col color.Color) error {
	labelled := false
	for _, seg := range segments {
		xys := toXYs(seg)
		if len(seg) == 1 {
			s, err := plotter.NewScatter(xys)
			if err != nil {
				return err
			}
			s.Color = col
			s.Radius = vg.Points(1.5)
			p.Add(s)
			if !labelled {
				p.Legend.Add(name, s)
				labelled = true
			}
			continue
		}
		l, err := plotter.NewLine(xys)
		if err != nil {
			return err
		}
		l.Color = col
		l.Width = vg.Points(1)
		p.Add(l)
		if !labelled {
			p.Legend.Add(name, l)
			labelled = true
		}
	}
	return nil
}

func latencyPanel(tr model.TestResult, addTitle func(*plot.Plot)) func(draw.Canvas) error {
	return func(dc draw.Canvas) error {
		p, err := plot.New()
		if err != nil {
			return err
		}
		p.Y.Label.Text = "ms"
		p.X.Label.Text = "seconds"
		addTitle(p)
		padXAxis(p, tr.RawResult.Duration)

		pings := tr.RawResult.Pings
		if err := addLatencySeries(p, "Up", latencySegments(pings, pickUp), upColor); err != nil {
			return err
		}
		if err := addLatencySeries(p, "Down", latencySegments(pings, pickDown), downColor); err != nil {
			return err
		}
		if err := addLatencySeries(p, "Total", latencySegments(pings, pickTotal), totalColor); err != nil {
			return err
		}
		p.Draw(dc)
		return nil
	}
}

func addTick(p *plot.Plot, x, y0, y1 float64, col color.Color, width vg.Length) error {
	l, err := plotter.NewLine(plotter.XYs{{X: x, Y: y0}, {X: x, Y: y1}})
	if err != nil {
		return err
	}
	l.Color = col
	l.Width = width
	p.Add(l)
	return nil
}

// lossPanel draws one vertical tick per lost ping, classified the way
// plot.rs's latency() loss strip is: v2 distinguishes which side knows
// about the loss (upward with a bold stub at the bottom for server-not-seen,
// downward with a bold stub at the top for client-not-seen); earlier
// versions can't distinguish the two, so every loss is a full-height bar.
func lossPanel(tr model.TestResult) func(draw.Canvas) error {
	return func(dc draw.Canvas) error {
		p, err := plot.New()
		if err != nil {
			return err
		}
		p.Y.Label.Text = "loss"
		p.Y.Min = 0
		p.Y.Max = 1
		padXAxis(p, tr.RawResult.Duration)

		for _, pg := range tr.RawResult.Pings {
			sec := float64(pg.Sent.Microseconds()) / 1e6
			switch {
			case tr.RawResult.Version >= 2 && pg.Latency == nil:
				if err := addTick(p, sec, 0, 0.5, upColor, vg.Points(0.5)); err != nil {
					return err
				}
				if err := addTick(p, sec, 0, 0.1111, upColor, vg.Points(2)); err != nil {
					return err
				}
			case tr.RawResult.Version >= 2 && pg.Latency != nil && pg.Latency.Total == nil:
				if err := addTick(p, sec, 1, 0.5, downColor, vg.Points(0.5)); err != nil {
					return err
				}
				if err := addTick(p, sec, 1, 0.8889, downColor, vg.Points(2)); err != nil {
					return err
				}
			case tr.RawResult.Version < 2 && pg.Lost():
				if err := addTick(p, sec, 0, 1, lossColorV1, vg.Points(0.5)); err != nil {
					return err
				}
			}
		}

		if err := addTick(p, 0, 1, 1, blackColor, vg.Points(0.5)); err == nil {
			_ = addTick(p, p.X.Max, 1, 1, blackColor, vg.Points(0.5))
		}

		p.Draw(dc)
		return nil
	}
}

// transferredPanel shows cumulative bytes in GiB for each combined series.
// This intentionally plots the already-direction-combined series rather
// than reconstructing true per-stream cumulative curves in GiB: the
// combined series is exactly what the bandwidth panel already integrates,
// and a faithful per-stream version adds a second full plumbing path for a
// panel the spec marks optional. See DESIGN.md.
func transferredPanel(tr model.TestResult, addTitle func(*plot.Plot)) func(draw.Canvas) error {
	return func(dc draw.Canvas) error {
		p, err := plot.New()
		if err != nil {
			return err
		}
		p.Y.Label.Text = "GiB"
		p.X.Label.Text = "seconds"
		addTitle(p)
		padXAxis(p, tr.RawResult.Duration)

		const gib = 1024.0 * 1024.0 * 1024.0
		if err := addLine(p, "Download", toGiB(tr.CombinedDownloadBytes, gib), downColor); err != nil {
			return err
		}
		if err := addLine(p, "Upload", toGiB(tr.CombinedUploadBytes, gib), upColor); err != nil {
			return err
		}
		if err := addLine(p, "Both", toGiB(tr.BothBytes, gib), bothColor); err != nil {
			return err
		}
		p.Draw(dc)
		return nil
	}
}

func toGiB(pts []model.Point, gib float64) []model.Point {
	if len(pts) == 0 {
		return nil
	}
	out := make([]model.Point, len(pts))
	for i, pt := range pts {
		out[i] = model.Point{TimeUS: pt.TimeUS, Value: pt.Value / gib}
	}
	return out
}
