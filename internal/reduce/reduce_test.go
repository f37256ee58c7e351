package reduce

import (
	"math"
	"testing"

	"github.com/crusader-labs/lull/internal/model"
)

func pts(pairs ...uint64) []model.Point {
	out := make([]model.Point, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, model.Point{TimeUS: pairs[i], Value: float64(pairs[i+1])})
	}
	return out
}

func TestInterpolate(t *testing.T) {
	in := pts(0, 0, 1000, 100, 3000, 300)
	got := Interpolate(in, 500)
	want := pts(0, 0, 500, 50, 1000, 100, 1500, 150, 2000, 200, 2500, 250, 3000, 300)
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i].TimeUS != want[i].TimeUS || math.Abs(got[i].Value-want[i].Value) > 1e-9 {
			t.Fatalf("point %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestInterpolateBounds(t *testing.T) {
	in := pts(100, 10, 900, 90)
	got := Interpolate(in, 500)
	// floor(100/500)*500=0, ceil(900/500)*500=1000
	if got[0].TimeUS != 0 || got[0].Value != 10 {
		t.Fatalf("left bound = %+v, want {0 10}", got[0])
	}
	last := got[len(got)-1]
	if last.TimeUS != 1000 || last.Value != 90 {
		t.Fatalf("right bound = %+v, want {1000 90}", last)
	}
}

func TestInterpolateEmpty(t *testing.T) {
	if got := Interpolate(nil, 500); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestSumMatchesInterpolateAt(t *testing.T) {
	a := Interpolate(pts(0, 0, 1000, 100), 500)
	b := Interpolate(pts(0, 0, 1000, 200), 500)
	sum := Sum([][]model.Point{a, b}, 500)
	for _, p := range sum {
		var av, bv float64
		for _, x := range a {
			if x.TimeUS == p.TimeUS {
				av = x.Value
			}
		}
		for _, x := range b {
			if x.TimeUS == p.TimeUS {
				bv = x.Value
			}
		}
		if math.Abs(p.Value-(av+bv)) > 1e-9 {
			t.Fatalf("sum at %d = %v, want %v", p.TimeUS, p.Value, av+bv)
		}
	}
}

func TestSumEmpty(t *testing.T) {
	if got := Sum(nil, 500); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestToRatesSingleSample(t *testing.T) {
	got := ToRates(pts(1000, 5))
	if len(got) != 3 {
		t.Fatalf("want 2 synthetic zeros bracketing a single sample, got %d points: %v", len(got), got)
	}
	if got[0].Value != 0 || got[2].Value != 0 {
		t.Fatalf("bracketing points should be zero, got %v", got)
	}
	if got[0].TimeUS != 999 || got[2].TimeUS != 1001 {
		t.Fatalf("bracketing timestamps wrong: %v", got)
	}
}

func TestToRatesOneMegabytePerSecond(t *testing.T) {
	got := ToRates(pts(0, 0, 1_000_000, 125_000))
	// the series starts at t=0, so there is no leading synthetic zero and
	// t=1_000_000 is the 2nd element.
	var at1s float64
	for _, p := range got {
		if p.TimeUS == 1_000_000 {
			at1s = p.Value
		}
	}
	if math.Abs(at1s-1.0) > 1e-9 {
		t.Fatalf("rate at 1s = %v, want 1.0 Mbps", at1s)
	}
}

func TestToRatesEmpty(t *testing.T) {
	if got := ToRates(nil); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestToTestResultEmptyStreams(t *testing.T) {
	raw := model.RawResult{}
	res := ToTestResult(raw)
	if res.CombinedDownloadBytes != nil || res.CombinedUploadBytes != nil || res.BothBytes != nil {
		t.Fatalf("expected nil series for an empty result, got %+v", res)
	}
}
