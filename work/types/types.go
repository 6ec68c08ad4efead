package types

import (
	"time"
)

// Interlace status values reported by probe analysis. Unknown is used whenever
// the idet filter produced no usable frame counts.
const (
	InterlaceProgressive = "progressive"
	InterlaceInterlaced  = "interlaced"
	InterlaceUnknown     = "unknown"
)

// StatusOK is the ProbeResult status for a fully successful analysis run.
// Any other status value names the failure kind (e.g. "ffprobe_failed",
// "timeout", "no_video_stream").
const StatusOK = "OK"

// Channel represents a logical output channel in the external media-proxy
// product. The channel owns an ordered list of stream IDs; this service only
// reads that list and writes a reordered permutation of it back. All other
// channel fields are treated as opaque display metadata.
type Channel struct {
	ID        int64   `json:"id"`        // Unique channel identifier assigned by the external system
	Name      string  `json:"name"`      // Human-readable display name for logging and status reporting
	StreamIDs []int64 `json:"streams"`   // Ordered stream IDs; position 0 is what plays first
	GroupName string  `json:"groupName"` // Channel group/category (informational only)
}

// Stream is one concrete playable source URL belonging to a channel. The name
// is mutable on the external side (dead streams get tagged there), so it is
// refetched on every check rather than cached here.
type Stream struct {
	ID        int64  `json:"id"`        // Unique stream identifier assigned by the external system
	ChannelID int64  `json:"channelId"` // Parent channel identifier
	Name      string `json:"name"`      // Current display name of the stream
	URL       string `json:"url"`       // Playback URL used for probing and throttle-key derivation
}

// ProbeResult holds everything a single probe attempt learned about a stream.
// A result is created fresh per attempt and never mutated afterwards; a new
// probe supersedes the old result rather than patching it.
//
// Sentinels: Resolution "0x0" means unknown/dead video; BitrateKbps <= 0 means
// the bitrate measurement was unavailable (which forces the stream to the
// bottom of the ranking, see the scorer).
type ProbeResult struct {
	Timestamp        time.Time `json:"timestamp"`        // When this probe attempt completed
	VideoCodec       string    `json:"videoCodec"`       // e.g. "h264", "hevc"; empty if no video stream found
	AudioCodec       string    `json:"audioCodec"`       // e.g. "aac"; empty if no audio stream found
	Resolution       string    `json:"resolution"`       // "WIDTHxHEIGHT"; "0x0" when unknown
	FPS              float64   `json:"fps"`              // Average frame rate, >= 0
	BitrateKbps      float64   `json:"bitrateKbps"`      // Measured bitrate in kbps; <= 0 means unavailable
	FramesDecoded    int64     `json:"framesDecoded"`    // Frames successfully decoded during analysis
	FramesDropped    int64     `json:"framesDropped"`    // Frames dropped during analysis
	InterlacedStatus string    `json:"interlacedStatus"` // progressive / interlaced / unknown
	ErrDecode        bool      `json:"errDecode"`        // Decoder reported slice/header errors
	ErrDiscontinuity bool      `json:"errDiscontinuity"` // Timestamp discontinuity seen in the transport stream
	ErrTimeout       bool      `json:"errTimeout"`       // Connection timed out during analysis
	Status           string    `json:"status"`           // StatusOK or a failure kind
}

// UpdateRecord is the durable per-channel bookkeeping entry maintained by the
// update tracker. One record exists per channel that has ever been marked
// updated or checked; the record survives process restarts.
type UpdateRecord struct {
	LastUpdate       time.Time `json:"lastUpdate"`       // When the channel's stream set last changed
	NeedsCheck       bool      `json:"needsCheck"`       // Set by update triggers, cleared atomically on queue drain
	LastCheck        time.Time `json:"lastCheck"`        // When the channel was last fully checked
	StreamCount      int       `json:"streamCount"`      // Stream count observed at the last update/check
	CheckedStreamIDs []int64   `json:"checkedStreamIds"` // Streams already evaluated; used to skip re-probing
	ForceCheck       bool      `json:"forceCheck"`       // Bypass the checked-stream optimization for one cycle
	QueuedAt         time.Time `json:"queuedAt"`         // When the channel was last handed to the queue
}

// ScoredStream pairs a stream with the probe result and the score computed
// from it for one check cycle. Scores are never persisted; only raw stats are,
// because scoring weights can change between runs.
type ScoredStream struct {
	Stream *Stream
	Result *ProbeResult
	Score  float64
}

// M3UAccount describes one playlist source account on the external system.
// The global action refreshes every active account before re-queueing the
// fleet.
type M3UAccount struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"isActive"`
}
