package scorer

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"kptv-checker/work/config"
	"kptv-checker/work/types"
)

// DeadStreamScore is the sentinel for streams with no usable bitrate
// measurement. It sits strictly below every computed score (those are >= 0)
// so dead streams always sink to the bottom of the ranking instead of merely
// scoring low.
const DeadStreamScore = -1.0

// Score converts a probe result into a single weighted quality score, rounded
// to two decimals. It is a pure function of its inputs: identical result and
// config always produce the identical score, which is why scores are computed
// fresh every cycle instead of being cached.
func Score(result *types.ProbeResult, sc *config.ScoringConfig) float64 {
	if result == nil || result.BitrateKbps <= 0 {
		return DeadStreamScore
	}

	w := sc.Weights
	score := w.Bitrate*bitrateComponent(result.BitrateKbps) +
		w.Resolution*resolutionComponent(result.Resolution) +
		w.FPS*fpsComponent(result.FPS) +
		w.Codec*codecComponent(result.VideoCodec, sc.PreferH265) +
		w.Errors*errorComponent(result, sc)

	return math.Round(score*100) / 100
}

// bitrateComponent scales against an 8 Mbps reference ceiling.
func bitrateComponent(kbps float64) float64 {
	return clamp01(kbps / 8000)
}

// resolutionComponent is a step function on the vertical resolution.
func resolutionComponent(resolution string) float64 {
	height := verticalResolution(resolution)
	switch {
	case height <= 0:
		return 0
	case height >= 1080:
		return 1.0
	case height >= 720:
		return 0.7
	case height >= 576:
		return 0.5
	default:
		return 0.3
	}
}

// fpsComponent scales against a 60 fps ceiling.
func fpsComponent(fps float64) float64 {
	if fps <= 0 {
		return 0
	}
	return clamp01(fps / 60)
}

// codecComponent ranks the codec family: preferred 1.0, the alternate
// mainstream family 0.8, any other named codec 0.5, absent 0.
func codecComponent(codec string, preferH265 bool) float64 {
	codec = strings.ToLower(strings.TrimSpace(codec))
	if codec == "" {
		return 0
	}

	isH265 := codec == "hevc" || codec == "h265" || codec == "x265"
	isH264 := codec == "h264" || codec == "avc" || codec == "x264"

	switch {
	case isH265 && preferH265, isH264 && !preferH265:
		return 1.0
	case isH264 && preferH265, isH265 && !preferH265:
		return 0.8
	default:
		return 0.5
	}
}

// errorComponent starts at 1.0 and subtracts fixed penalties for each failure
// indicator, flooring at 0.
func errorComponent(result *types.ProbeResult, sc *config.ScoringConfig) float64 {
	component := 1.0

	if result.Status != types.StatusOK {
		component -= 0.5
	}
	if result.ErrDecode {
		component -= 0.2
	}
	if result.ErrDiscontinuity {
		component -= 0.2
	}
	if result.ErrTimeout {
		component -= 0.3
	}
	if sc.PenalizeInterlaced && result.InterlacedStatus == types.InterlaceInterlaced {
		component -= 0.1
	}
	if sc.PenalizeDroppedFrames && result.FramesDecoded > 0 {
		ratio := float64(result.FramesDropped) / float64(result.FramesDecoded)
		if ratio > 0.01 {
			component -= math.Min(ratio*5, 0.3)
		}
	}

	if component < 0 {
		return 0
	}
	return component
}

// SortByScore orders scored streams best-first. The sort is stable: streams
// with equal scores keep their original relative order, so repeated checks
// with unchanged stats never shuffle the channel.
func SortByScore(streams []*types.ScoredStream) {
	sort.SliceStable(streams, func(i, j int) bool {
		return streams[i].Score > streams[j].Score
	})
}

// verticalResolution extracts the height from a "WIDTHxHEIGHT" string,
// returning 0 for the "0x0" sentinel or anything unparseable.
func verticalResolution(resolution string) int {
	parts := strings.SplitN(strings.ToLower(resolution), "x", 2)
	if len(parts) != 2 {
		return 0
	}
	height, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0
	}
	return height
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
