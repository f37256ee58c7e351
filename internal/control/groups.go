package control

import "github.com/crusader-labs/lull/internal/model"

// groupSpec describes one negotiated stream group: a set of Streams
// connections opened together in the same direction, per spec.md §4.C.
type groupSpec struct {
	ID       uint32
	Download bool // true: server is the sender for this group.
	Both     bool
	Streams  int

	// remoteSamples holds the peer-recorded samples fetched via
	// GetMeasurements/Measurements for groups where the peer, not this
	// side, was the receiver (set on the client for upload groups only).
	remoteSamples [][]model.StreamSample
}

// buildGroups enumerates the groups implied by cfg, matching invariant 6 in
// spec.md §8: the number of streams opened equals
// streams * (download + upload + 2*both).
func buildGroups(cfg model.Config) []groupSpec {
	var out []groupSpec
	var id uint32
	next := func(download, both bool) groupSpec {
		g := groupSpec{ID: id, Download: download, Both: both, Streams: cfg.Streams}
		id++
		return g
	}
	if cfg.Both {
		out = append(out, next(true, true), next(false, true))
	}
	if cfg.Download {
		out = append(out, next(true, false))
	}
	if cfg.Upload {
		out = append(out, next(false, false))
	}
	return out
}
