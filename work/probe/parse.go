package probe

import (
	"strconv"
	"strings"

	"kptv-checker/work/types"

	"github.com/grafana/regexp"
)

// Regexes over ffmpeg debug output. Compiled once; ffmpeg's wording for these
// lines has been stable for years.
var (
	statisticsRe = regexp.MustCompile(`Statistics:\s+(\d+)\s+bytes read`)
	decodedRe    = regexp.MustCompile(`(\d+)\s+frames decoded`)
	droppedRe    = regexp.MustCompile(`(\d+)\s+(?:decode errors|frames dropped)`)
	idetMultiRe  = regexp.MustCompile(`Multi frame detection:\s+TFF:\s*(\d+)\s+BFF:\s*(\d+)\s+Progressive:\s*(\d+)\s+Undetermined:\s*(\d+)`)
)

// Critical error substrings grepped out of ffmpeg/ffprobe stderr. Any hit sets
// the corresponding ProbeResult flag.
var (
	decodeErrorMarkers = []string{
		"decode_slice_header error",
		"error while decoding",
		"Invalid data found when processing input",
	}
	discontinuityMarkers = []string{
		"timestamp discontinuity",
		"DTS discontinuity",
	}
	timeoutMarkers = []string{
		"Connection timed out",
		"Operation timed out",
		"Connection refused",
	}
)

// ParseFrameRate converts ffprobe frame rate strings (in "numerator/denominator"
// format) to decimal values. Plain decimal strings are accepted too.
func ParseFrameRate(frameRate string) float64 {
	frameRate = strings.TrimSpace(frameRate)
	if frameRate == "" || frameRate == "0/0" {
		return 0
	}

	parts := strings.Split(frameRate, "/")
	if len(parts) == 1 {
		v, err := strconv.ParseFloat(parts[0], 64)
		if err != nil || v < 0 {
			return 0
		}
		return v
	}
	if len(parts) != 2 {
		return 0
	}

	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}

	return num / den
}

// ParseBitrateKbps derives the measured bitrate from ffmpeg's
// "Statistics: N bytes read" debug line over the analysis duration.
// Returns 0 when the line is absent or the duration is unusable.
func ParseBitrateKbps(stderr string, durationSeconds int) float64 {
	if durationSeconds <= 0 {
		return 0
	}
	m := statisticsRe.FindStringSubmatch(stderr)
	if m == nil {
		return 0
	}
	bytesRead, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || bytesRead <= 0 {
		return 0
	}

	// bytes -> bits -> kbps over the analyzed window
	return float64(bytesRead) * 8 / 1000 / float64(durationSeconds)
}

// ParseFrameCounts extracts decoded and dropped/errored frame counts from
// ffmpeg debug output.
func ParseFrameCounts(stderr string) (decoded, dropped int64) {
	if m := decodedRe.FindStringSubmatch(stderr); m != nil {
		decoded, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := droppedRe.FindStringSubmatch(stderr); m != nil {
		dropped, _ = strconv.ParseInt(m[1], 10, 64)
	}
	return decoded, dropped
}

// ParseIdetStatus classifies interlacing from the idet filter's multi-frame
// detection summary. The majority of classified frames wins; when TFF+BFF
// outnumber progressive frames the stream is interlaced.
func ParseIdetStatus(stderr string) string {
	m := idetMultiRe.FindStringSubmatch(stderr)
	if m == nil {
		return types.InterlaceUnknown
	}

	tff, _ := strconv.ParseInt(m[1], 10, 64)
	bff, _ := strconv.ParseInt(m[2], 10, 64)
	progressive, _ := strconv.ParseInt(m[3], 10, 64)

	interlaced := tff + bff
	if interlaced == 0 && progressive == 0 {
		return types.InterlaceUnknown
	}
	if interlaced > progressive {
		return types.InterlaceInterlaced
	}
	return types.InterlaceProgressive
}

// DetectCriticalErrors greps subprocess stderr for the critical error markers
// and flips the matching flags on the result.
func DetectCriticalErrors(stderr string, result *types.ProbeResult) {
	for _, marker := range decodeErrorMarkers {
		if strings.Contains(stderr, marker) {
			result.ErrDecode = true
			break
		}
	}
	for _, marker := range discontinuityMarkers {
		if strings.Contains(stderr, marker) {
			result.ErrDiscontinuity = true
			break
		}
	}
	for _, marker := range timeoutMarkers {
		if strings.Contains(stderr, marker) {
			result.ErrTimeout = true
			break
		}
	}
}
