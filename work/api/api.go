package api

import (
	"kptv-checker/work/types"
)

// API is the surface this service needs from the external media-proxy
// product. Everything the checker knows about channels, streams and accounts
// flows through these calls; the concrete implementation lives in client.go
// and tests substitute their own.
type API interface {
	// FetchChannels returns every channel known to the external system.
	FetchChannels() ([]*types.Channel, error)

	// FetchChannelStreams returns the channel's streams in their current
	// playback order.
	FetchChannelStreams(channelID int64) ([]*types.Stream, error)

	// UpdateChannelStreams writes a new stream-ID order for the channel.
	// The slice must be a permutation of the channel's current stream set.
	UpdateChannelStreams(channelID int64, streamIDs []int64) error

	// FetchStreamStats returns the persisted quality-stat blob for a stream,
	// or nil if none has been recorded yet.
	FetchStreamStats(streamID int64) (*types.ProbeResult, error)

	// PatchStreamStats persists raw probe stats for a stream.
	PatchStreamStats(streamID int64, stats *types.ProbeResult) error

	// GetM3UAccounts returns all playlist source accounts.
	GetM3UAccounts() ([]*types.M3UAccount, error)

	// RefreshAccount triggers a playlist refresh for one source account.
	RefreshAccount(accountID int64) error

	// FetchUnassignedStreams returns streams not yet attached to any channel,
	// used by the discovery matcher during global sweeps.
	FetchUnassignedStreams() ([]*types.Stream, error)

	// AssignStreamsToChannel attaches discovered streams to a channel.
	AssignStreamsToChannel(channelID int64, streamIDs []int64) error
}
