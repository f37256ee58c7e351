package renderplot

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/crusader-labs/lull/internal/model"
	"github.com/crusader-labs/lull/internal/reduce"
)

func samplePing(i int, sent time.Duration, up time.Duration, down *time.Duration) model.RawPing {
	total := (*time.Duration)(nil)
	if down != nil {
		t := up + *down
		total = &t
	}
	lat := &model.RawLatency{Up: up, Down: down, Total: total}
	return model.RawPing{Index: uint64(i), Sent: sent, Latency: lat}
}

func buildTestResult(t *testing.T) model.TestResult {
	t.Helper()
	down5ms := 5 * time.Millisecond
	raw := model.RawResult{
		Version:       2,
		GeneratedBy:   "lull",
		ServerLatency: 3 * time.Millisecond,
		Config: model.Config{
			LoadDuration:      2 * time.Second,
			GraceDuration:     time.Second,
			Stagger:           10 * time.Millisecond,
			BandwidthInterval: 100 * time.Millisecond,
			PingInterval:      5 * time.Millisecond,
			Streams:           4,
			Download:          true,
			Upload:            true,
		},
		Duration: 3 * time.Second,
		StreamGroups: []model.StreamGroup{
			{
				Download: true,
				Streams: [][]model.StreamSample{
					{{TimeUS: 0, CumulativeBytes: 0}, {TimeUS: 1_000_000, CumulativeBytes: 125_000}, {TimeUS: 2_000_000, CumulativeBytes: 260_000}},
					{{TimeUS: 0, CumulativeBytes: 0}, {TimeUS: 1_000_000, CumulativeBytes: 100_000}, {TimeUS: 2_000_000, CumulativeBytes: 210_000}},
				},
			},
			{
				Download: false,
				Streams: [][]model.StreamSample{
					{{TimeUS: 0, CumulativeBytes: 0}, {TimeUS: 1_000_000, CumulativeBytes: 60_000}, {TimeUS: 2_000_000, CumulativeBytes: 130_000}},
				},
			},
		},
		Pings: []model.RawPing{
			samplePing(0, 0, 4*time.Millisecond, &down5ms),
			samplePing(1, 5*time.Millisecond, 4*time.Millisecond, nil), // client-not-seen: Total nil, Latency set
			{Index: 2, Sent: 10 * time.Millisecond, Latency: nil},      // server-not-seen: fully lost
			samplePing(3, 15*time.Millisecond, 6*time.Millisecond, &down5ms),
		},
	}
	return reduce.ToTestResult(raw)
}

func TestRenderProducesImage(t *testing.T) {
	tr := buildTestResult(t)
	c, err := Render(tr, DefaultOptions())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if c == nil {
		t.Fatal("Render returned a nil canvas")
	}
}

func TestSaveToPathWritesPNG(t *testing.T) {
	tr := buildTestResult(t)
	var buf bytes.Buffer
	if err := SaveToPath(&buf, tr, DefaultOptions()); err != nil {
		t.Fatalf("SaveToPath: %v", err)
	}
	if buf.Len() < 8 {
		t.Fatalf("expected a non-trivial PNG payload, got %d bytes", buf.Len())
	}
	pngMagic := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	if !bytes.Equal(buf.Bytes()[:8], pngMagic) {
		t.Fatalf("output does not start with the PNG magic bytes")
	}
}

func TestRenderSplitBandwidthAndTransferred(t *testing.T) {
	tr := buildTestResult(t)
	opts := DefaultOptions()
	opts.SplitBandwidth = true
	opts.Transferred = true
	if _, err := Render(tr, opts); err != nil {
		t.Fatalf("Render with split bandwidth + transferred: %v", err)
	}
}

// TestRenderEmptyResult exercises the boundary case from spec.md §8: an
// empty stream list and no pings must not panic, and should still produce a
// canvas even though every series is empty.
func TestRenderEmptyResult(t *testing.T) {
	raw := model.RawResult{
		Version: 2,
		Config: model.Config{
			BandwidthInterval: 100 * time.Millisecond,
			PingInterval:      5 * time.Millisecond,
		},
		Duration: 0,
	}
	tr := reduce.ToTestResult(raw)
	if _, err := Render(tr, DefaultOptions()); err != nil {
		t.Fatalf("Render on empty result: %v", err)
	}
}

func TestLatencySegmentsBreaksOnGap(t *testing.T) {
	pings := []model.RawPing{
		samplePing(0, 0, time.Millisecond, nil),
		samplePing(1, time.Millisecond, 2*time.Millisecond, nil),
		{Index: 2, Sent: 2 * time.Millisecond, Latency: nil},
		samplePing(3, 3*time.Millisecond, 3*time.Millisecond, nil),
	}
	segments := latencySegments(pings, pickUp)
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments (broken by the lost ping), got %d", len(segments))
	}
	if len(segments[0]) != 2 || len(segments[1]) != 1 {
		t.Fatalf("unexpected segment shapes: %v", segments)
	}
}

func TestHeaderTextIncludesStreamCount(t *testing.T) {
	raw := model.RawResult{
		Config: model.Config{Streams: 4, Download: true, Upload: true},
	}
	got := headerText(raw)
	if got == "" {
		t.Fatal("expected a non-empty header line")
	}
	// 4 streams in each of two directions.
	if !strings.Contains(got, "8 streams") {
		t.Fatalf("header %q does not mention 8 streams", got)
	}
}
