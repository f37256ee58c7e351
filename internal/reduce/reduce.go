// Package reduce turns raw per-stream byte counters into interpolated,
// summed rate series suitable for plotting. The three transforms
// (Interpolate, Sum, ToRates) are pure and deterministic; see the package
// tests for the literal examples from the specification.
package reduce

import (
	"sort"

	"github.com/crusader-labs/lull/internal/model"
)

// Interpolate resamples a cumulative series onto a uniform grid at the given
// interval (in microseconds). Grid points run from floor(first/I)*I to
// ceil(last/I)*I inclusive. Points at or before the first sample take the
// first value; points at or after the last sample take the last value;
// points in between are linearly interpolated, with ties (equal bracketing
// timestamps) resolved to the right sample's value.
//
// Inputs must already be interpolated at the same interval before being
// passed to Sum -- see the doc on Sum.
func Interpolate(input []model.Point, interval uint64) []model.Point {
	if len(input) == 0 || interval == 0 {
		return nil
	}
	first := input[0].TimeUS
	last := input[len(input)-1].TimeUS
	min := (first / interval) * interval
	max := ((last + interval - 1) / interval) * interval

	out := make([]model.Point, 0, (max-min)/interval+1)
	for point := min; point <= max; point += interval {
		i := sort.Search(len(input), func(i int) bool { return input[i].TimeUS >= point })
		var value float64
		switch {
		case i == len(input):
			value = input[len(input)-1].Value
		case input[i].TimeUS == point || i == 0:
			value = input[i].Value
		default:
			span := input[i].TimeUS - input[i-1].TimeUS
			if span == 0 {
				value = input[i].Value
			} else {
				ratio := float64(point-input[i-1].TimeUS) / float64(span)
				value = input[i-1].Value + (input[i].Value-input[i-1].Value)*ratio
			}
		}
		out = append(out, model.Point{TimeUS: point, Value: value})
	}
	return out
}

// Sum combines several series -- each of which MUST already be interpolated
// at the same interval -- into one combined grid spanning
// [min(first) .. max(last)]. At a grid point the series contributes: its
// exact value on an exact match; 0 before its first sample; its last value
// past its last sample; otherwise the value at the nearest preceding grid
// point (series are already aligned to the interval, so this is exact, not
// an approximation).
func Sum(streams [][]model.Point, interval uint64) []model.Point {
	if len(streams) == 0 || interval == 0 {
		return nil
	}
	var min, max uint64
	haveAny := false
	for _, s := range streams {
		if len(s) == 0 {
			continue
		}
		if !haveAny || s[0].TimeUS < min {
			min = s[0].TimeUS
		}
		if !haveAny || s[len(s)-1].TimeUS > max {
			max = s[len(s)-1].TimeUS
		}
		haveAny = true
	}
	if !haveAny {
		return nil
	}

	out := make([]model.Point, 0, (max-min)/interval+1)
	for point := min; point <= max; point += interval {
		var total float64
		for _, s := range streams {
			total += valueAt(s, point)
		}
		out = append(out, model.Point{TimeUS: point, Value: total})
	}
	return out
}

// valueAt returns stream's value at point per the nearest-preceding-grid-
// point rule described on Sum.
func valueAt(stream []model.Point, point uint64) float64 {
	if len(stream) == 0 {
		return 0
	}
	i := sort.Search(len(stream), func(i int) bool { return stream[i].TimeUS >= point })
	switch {
	case i < len(stream) && stream[i].TimeUS == point:
		return stream[i].Value
	case i == 0:
		return 0
	case i == len(stream):
		return stream[len(stream)-1].Value
	default:
		return stream[i-1].Value
	}
}

// ToRates converts a cumulative byte series into a rate series in Mbps. A
// synthetic zero-rate point is inserted one microsecond before the first
// sample and one microsecond after the last, bracketing the series so plots
// don't appear to start and end mid-air. A first sample at time 0 gets no
// leading point, since the unsigned time axis has no earlier instant; only
// the trailing one is added.
func ToRates(stream []model.Point) []model.Point {
	if len(stream) == 0 {
		return nil
	}
	out := make([]model.Point, len(stream))
	for i, p := range stream {
		var rate float64
		if i > 0 {
			bytes := p.Value - stream[i-1].Value
			seconds := float64(p.TimeUS-stream[i-1].TimeUS) / 1e6
			if seconds > 0 {
				rate = (bytes * 8) / 1e6 / seconds
			}
		}
		out[i] = model.Point{TimeUS: p.TimeUS, Value: rate}
	}
	if first := out[0].TimeUS; first > 0 {
		out = append([]model.Point{{TimeUS: first - 1, Value: 0}}, out...)
	}
	out = append(out, model.Point{TimeUS: out[len(out)-1].TimeUS + 1, Value: 0})
	return out
}

// ToPoints converts a stream's raw (time_us, cumulative_bytes) samples into
// the float Point series Interpolate/Sum operate on.
func ToPoints(samples []model.StreamSample) []model.Point {
	out := make([]model.Point, len(samples))
	for i, s := range samples {
		out[i] = model.Point{TimeUS: s.TimeUS, Value: float64(s.CumulativeBytes)}
	}
	return out
}
