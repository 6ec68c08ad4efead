package checker

import (
	"testing"

	"kptv-checker/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests exercise the check flow with every stream already in the
// checked set, so no ffmpeg subprocess is spawned: stats come from the
// persisted blobs the fake backend serves.

func TestCheckChannelReordersByScore(t *testing.T) {
	api := &fakeAPI{
		streams: map[int64][]*types.Stream{
			1: {
				{ID: 10, ChannelID: 1, Name: "Poor", URL: "http://a.tv/10"},
				{ID: 11, ChannelID: 1, Name: "Good", URL: "http://a.tv/11"},
				{ID: 12, ChannelID: 1, Name: "Dead", URL: "http://a.tv/12"},
			},
		},
		stats: map[int64]*types.ProbeResult{
			10: {VideoCodec: "h264", Resolution: "640x480", FPS: 25, BitrateKbps: 800, Status: types.StatusOK},
			11: {VideoCodec: "hevc", Resolution: "1920x1080", FPS: 50, BitrateKbps: 6000, Status: types.StatusOK},
			// stream 12 has no stats anywhere and must sink to the bottom
		},
	}
	svc := newTestService(t, api, testConfig())

	// mark everything as already evaluated so the cycle reuses stats
	svc.tracker.MarkChannelChecked(1, 3, []int64{10, 11, 12})

	require.NoError(t, svc.checkChannel(1))

	assert.Equal(t, []int64{11, 10, 12}, api.writtenOrders[1])
	assert.ElementsMatch(t, []int64{10, 11, 12}, svc.tracker.CheckedStreamIDs(1))
}

func TestCheckChannelWrittenOrderIsPermutation(t *testing.T) {
	api := &fakeAPI{
		streams: map[int64][]*types.Stream{
			2: {
				{ID: 20, ChannelID: 2, URL: "http://b.tv/20"},
				{ID: 21, ChannelID: 2, URL: "http://b.tv/21"},
			},
		},
	}
	svc := newTestService(t, api, testConfig())
	svc.tracker.MarkChannelChecked(2, 2, []int64{20, 21})

	require.NoError(t, svc.checkChannel(2))

	// no stats at all: both streams floor, but the write still covers the
	// full stream set in original relative order
	assert.ElementsMatch(t, []int64{20, 21}, api.writtenOrders[2])
	assert.Equal(t, []int64{20, 21}, api.writtenOrders[2])
}

func TestCheckChannelEmptyChannel(t *testing.T) {
	api := &fakeAPI{}
	svc := newTestService(t, api, testConfig())

	require.NoError(t, svc.checkChannel(3))

	assert.NotContains(t, api.writtenOrders, int64(3))
	assert.Empty(t, svc.tracker.CheckedStreamIDs(3))
}

func TestCachedStatsFallsBackToAPI(t *testing.T) {
	api := &fakeAPI{
		stats: map[int64]*types.ProbeResult{
			42: {BitrateKbps: 1234, Status: types.StatusOK},
		},
	}
	svc := newTestService(t, api, testConfig())

	stats := svc.cachedStats(42)
	require.NotNil(t, stats)
	assert.Equal(t, 1234.0, stats.BitrateKbps)

	// unknown stream yields nil, which scores at the dead-stream floor
	assert.Nil(t, svc.cachedStats(43))
}
