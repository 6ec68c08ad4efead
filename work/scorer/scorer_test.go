package scorer

import (
	"testing"

	"kptv-checker/work/config"
	"kptv-checker/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScoringConfig() *config.ScoringConfig {
	return &config.ScoringConfig{
		Weights: config.ScoringWeights{
			Bitrate:    0.30,
			Resolution: 0.25,
			FPS:        0.15,
			Codec:      0.10,
			Errors:     0.20,
		},
		PreferH265:            true,
		PenalizeInterlaced:    true,
		PenalizeDroppedFrames: true,
	}
}

func healthyResult() *types.ProbeResult {
	return &types.ProbeResult{
		VideoCodec:       "hevc",
		AudioCodec:       "aac",
		Resolution:       "1920x1080",
		FPS:              60,
		BitrateKbps:      8000,
		FramesDecoded:    600,
		FramesDropped:    0,
		InterlacedStatus: types.InterlaceProgressive,
		Status:           types.StatusOK,
	}
}

func TestScorePerfectStream(t *testing.T) {
	score := Score(healthyResult(), testScoringConfig())
	assert.Equal(t, 1.0, score)
}

func TestScoreIsDeterministic(t *testing.T) {
	cfg := testScoringConfig()
	result := healthyResult()
	result.BitrateKbps = 5000
	result.FPS = 50
	result.ErrDecode = true

	first := Score(result, cfg)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Score(result, cfg))
	}
}

func TestScoreDeadStreamFloor(t *testing.T) {
	cfg := testScoringConfig()

	dead := &types.ProbeResult{
		Resolution: "0x0",
		Status:     "ffprobe_failed",
	}
	assert.Equal(t, DeadStreamScore, Score(dead, cfg))

	// nil result (cached stats unavailable) also floors
	assert.Equal(t, DeadStreamScore, Score(nil, cfg))

	// every computed score sits strictly above the floor, even the worst one
	worst := &types.ProbeResult{
		BitrateKbps:      1,
		Resolution:       "0x0",
		Status:           "timeout",
		ErrDecode:        true,
		ErrDiscontinuity: true,
		ErrTimeout:       true,
	}
	assert.Greater(t, Score(worst, cfg), DeadStreamScore)
}

func TestScoreHealthyBeatsDead(t *testing.T) {
	cfg := testScoringConfig()

	a := &types.ProbeResult{
		VideoCodec:  "h264",
		Resolution:  "1920x1080",
		FPS:         60,
		BitrateKbps: 5000,
		Status:      types.StatusOK,
	}
	b := &types.ProbeResult{
		Resolution:  "0x0",
		BitrateKbps: 0,
		Status:      types.StatusOK,
	}

	scoreA := Score(a, cfg)
	scoreB := Score(b, cfg)

	assert.Greater(t, scoreA, 0.8)
	assert.Equal(t, DeadStreamScore, scoreB)
	assert.Greater(t, scoreA, scoreB)
}

func TestScoreCodecPreference(t *testing.T) {
	cfg := testScoringConfig()

	hevc := healthyResult()
	h264 := healthyResult()
	h264.VideoCodec = "h264"

	assert.Greater(t, Score(hevc, cfg), Score(h264, cfg))

	// flipping the preference flips the ranking
	cfg.PreferH265 = false
	assert.Greater(t, Score(h264, cfg), Score(hevc, cfg))
}

func TestScoreResolutionSteps(t *testing.T) {
	cfg := testScoringConfig()

	resolutions := []string{"1920x1080", "1280x720", "720x576", "640x480"}
	var previous float64 = 2
	for _, res := range resolutions {
		result := healthyResult()
		result.Resolution = res
		score := Score(result, cfg)
		assert.Less(t, score, previous, "resolution %s should score below the previous step", res)
		previous = score
	}
}

func TestScoreErrorPenalties(t *testing.T) {
	cfg := testScoringConfig()

	clean := Score(healthyResult(), cfg)

	withDecode := healthyResult()
	withDecode.ErrDecode = true
	assert.Less(t, Score(withDecode, cfg), clean)

	withTimeout := healthyResult()
	withTimeout.ErrTimeout = true
	assert.Less(t, Score(withTimeout, cfg), Score(withDecode, cfg), "timeout penalty outweighs decode penalty")

	interlaced := healthyResult()
	interlaced.InterlacedStatus = types.InterlaceInterlaced
	assert.Less(t, Score(interlaced, cfg), clean)

	cfg.PenalizeInterlaced = false
	assert.Equal(t, clean, Score(interlaced, cfg))
}

func TestScoreDroppedFrameRatio(t *testing.T) {
	cfg := testScoringConfig()
	clean := Score(healthyResult(), cfg)

	// below the 1% threshold no penalty applies
	few := healthyResult()
	few.FramesDecoded = 1000
	few.FramesDropped = 5
	assert.Equal(t, clean, Score(few, cfg))

	many := healthyResult()
	many.FramesDecoded = 1000
	many.FramesDropped = 100
	assert.Less(t, Score(many, cfg), clean)
}

func TestSortByScoreIsStable(t *testing.T) {
	streams := []*types.ScoredStream{
		{Stream: &types.Stream{ID: 1}, Score: 0.5},
		{Stream: &types.Stream{ID: 2}, Score: 0.9},
		{Stream: &types.Stream{ID: 3}, Score: 0.5},
		{Stream: &types.Stream{ID: 4}, Score: 0.5},
	}

	SortByScore(streams)

	require.Len(t, streams, 4)
	assert.Equal(t, int64(2), streams[0].Stream.ID)
	// equal scores keep original relative order
	assert.Equal(t, int64(1), streams[1].Stream.ID)
	assert.Equal(t, int64(3), streams[2].Stream.ID)
	assert.Equal(t, int64(4), streams[3].Stream.ID)
}

func TestSortByScoreDeadStreamsSink(t *testing.T) {
	streams := []*types.ScoredStream{
		{Stream: &types.Stream{ID: 1}, Score: DeadStreamScore},
		{Stream: &types.Stream{ID: 2}, Score: 0.1},
		{Stream: &types.Stream{ID: 3}, Score: DeadStreamScore},
	}

	SortByScore(streams)

	assert.Equal(t, int64(2), streams[0].Stream.ID)
	assert.Equal(t, int64(1), streams[1].Stream.ID)
	assert.Equal(t, int64(3), streams[2].Stream.ID)
}
