package reduce

import "github.com/crusader-labs/lull/internal/model"

// ToTestResult derives a TestResult from a RawResult: every stream's samples
// are interpolated at the configured bandwidth interval, summed within each
// group, and the two (or three, when both-directions-simultaneous was used)
// per-direction series are summed again into the combined series consumers
// plot.
func ToTestResult(raw model.RawResult) model.TestResult {
	interval := uint64(raw.Config.BandwidthInterval.Microseconds())
	if interval == 0 {
		interval = 1
	}

	var downloadGroups, uploadGroups, bothGroups [][]model.Point
	for _, g := range raw.StreamGroups {
		series := make([][]model.Point, len(g.Streams))
		for i, s := range g.Streams {
			series[i] = Interpolate(ToPoints(s), interval)
		}
		combined := Sum(series, interval)
		switch {
		case g.Both:
			bothGroups = append(bothGroups, combined)
		case g.Download:
			downloadGroups = append(downloadGroups, combined)
		default:
			uploadGroups = append(uploadGroups, combined)
		}
	}

	return model.TestResult{
		RawResult:             raw,
		CombinedDownloadBytes: Sum(downloadGroups, interval),
		CombinedUploadBytes:   Sum(uploadGroups, interval),
		BothBytes:             Sum(bothGroups, interval),
	}
}
