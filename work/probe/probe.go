package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"kptv-checker/work/config"
	"kptv-checker/work/logger"
	"kptv-checker/work/metrics"
	"kptv-checker/work/types"
	"kptv-checker/work/utils"
)

// Runner executes probe subprocesses against stream URLs and assembles
// ProbeResults. Probing is a blocking call with a hard timeout; the caller is
// expected to hold the provider throttle gate for the stream's host while a
// probe is in flight.
type Runner struct {
	cfg func() *config.Config
}

// NewRunner creates a probe Runner. Configuration is read through the provider
// on every probe, so a config patch applies to the next probe without a
// restart.
func NewRunner(cfg func() *config.Config) *Runner {
	return &Runner{cfg: cfg}
}

// Probe runs the full analysis for one stream URL with bounded retries.
// Every attempt produces a fresh ProbeResult; the first attempt that reaches
// OK status wins, otherwise the last attempt's result is returned. The result
// is never nil.
func (r *Runner) Probe(ctx context.Context, streamURL string) *types.ProbeResult {
	sa := r.cfg().StreamAnalysis
	start := time.Now()
	defer func() {
		metrics.ProbeDuration.Observe(time.Since(start).Seconds())
	}()

	var result *types.ProbeResult
	for attempt := 1; attempt <= sa.Retries; attempt++ {
		if ctx.Err() != nil {
			break
		}

		result = r.probeOnce(ctx, streamURL)
		metrics.ProbesTotal.WithLabelValues(result.Status).Inc()

		if result.Status == types.StatusOK {
			return result
		}

		logger.Debug("[PROBE] Attempt %d/%d failed (%s) for %s",
			attempt, sa.Retries, result.Status, utils.LogURL(r.cfg(), streamURL))

		if attempt < sa.Retries {
			select {
			case <-ctx.Done():
			case <-time.After(sa.RetryDelay):
			}
		}
	}

	if result == nil {
		result = &types.ProbeResult{
			Timestamp:  time.Now(),
			Resolution: "0x0",
			Status:     "cancelled",
		}
	}
	return result
}

// probeOnce performs a single probe attempt: ffprobe for format metadata,
// then an ffmpeg analysis pass for bitrate, frame statistics, interlacing and
// critical errors.
func (r *Runner) probeOnce(ctx context.Context, streamURL string) *types.ProbeResult {
	result := &types.ProbeResult{
		Timestamp:        time.Now(),
		Resolution:       "0x0",
		InterlacedStatus: types.InterlaceUnknown,
		Status:           types.StatusOK,
	}

	if err := r.runFFprobe(ctx, streamURL, result); err != nil {
		logger.Debug("[PROBE] ffprobe failed for %s: %v", utils.LogURL(r.cfg(), streamURL), err)
		if !result.ErrTimeout {
			result.Status = "ffprobe_failed"
		} else {
			result.Status = "timeout"
		}
		return result
	}

	if result.VideoCodec == "" {
		result.Status = "no_video_stream"
		return result
	}

	if err := r.runFFmpegAnalysis(ctx, streamURL, result); err != nil {
		logger.Debug("[PROBE] ffmpeg analysis failed for %s: %v", utils.LogURL(r.cfg(), streamURL), err)
		if result.ErrTimeout {
			result.Status = "timeout"
		} else {
			result.Status = "ffmpeg_failed"
		}
		return result
	}

	return result
}

// subprocessTimeout is the hard deadline for one subprocess call: the
// configured base timeout plus the analysis duration plus fixed overhead for
// connection setup and teardown.
func (r *Runner) subprocessTimeout() time.Duration {
	sa := r.cfg().StreamAnalysis
	return sa.Timeout + time.Duration(sa.FFmpegDuration)*time.Second + 10*time.Second
}

// ffprobeOutput is the subset of ffprobe's JSON we care about.
type ffprobeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
}

// runFFprobe extracts codec, resolution and frame rate metadata.
func (r *Runner) runFFprobe(ctx context.Context, streamURL string, result *types.ProbeResult) error {
	cctx, cancel := context.WithTimeout(ctx, r.subprocessTimeout())
	defer cancel()

	cmd := exec.CommandContext(cctx, "ffprobe",
		"-v", "error",
		"-print_format", "json",
		"-show_entries", "stream=codec_type,codec_name,width,height,avg_frame_rate",
		"-user_agent", r.cfg().StreamAnalysis.UserAgent,
		"-i", streamURL)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		if cmd.Process != nil {
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		DetectCriticalErrors(stderr.String(), result)
		if cctx.Err() == context.DeadlineExceeded {
			result.ErrTimeout = true
		}
		return fmt.Errorf("ffprobe: %w", err)
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		return fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	for _, s := range parsed.Streams {
		switch s.CodecType {
		case "video":
			if result.VideoCodec != "" {
				continue
			}
			result.VideoCodec = s.CodecName
			if s.Width > 0 && s.Height > 0 {
				result.Resolution = fmt.Sprintf("%dx%d", s.Width, s.Height)
			}
			result.FPS = ParseFrameRate(s.AvgFrameRate)
		case "audio":
			if result.AudioCodec == "" {
				result.AudioCodec = s.CodecName
			}
		}
	}

	DetectCriticalErrors(stderr.String(), result)
	return nil
}

// runFFmpegAnalysis decodes the stream in real time for the configured
// duration, reading bitrate from the transport statistics, frame counts from
// the decoder summary, interlacing from the idet filter, and critical error
// flags from the debug log.
func (r *Runner) runFFmpegAnalysis(ctx context.Context, streamURL string, result *types.ProbeResult) error {
	sa := r.cfg().StreamAnalysis

	cctx, cancel := context.WithTimeout(ctx, r.subprocessTimeout())
	defer cancel()

	// -re reads at native rate so "bytes read / duration" approximates the
	// live bitrate rather than the server's burst speed
	cmd := exec.CommandContext(cctx, "ffmpeg",
		"-v", "debug",
		"-user_agent", sa.UserAgent,
		"-re",
		"-i", streamURL,
		"-t", strconv.Itoa(sa.FFmpegDuration),
		"-vf", "idet",
		"-frames:v", strconv.Itoa(sa.IdetFrames),
		"-an",
		"-f", "null", "-")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := stderr.String()

	DetectCriticalErrors(output, result)
	result.BitrateKbps = ParseBitrateKbps(output, sa.FFmpegDuration)
	result.FramesDecoded, result.FramesDropped = ParseFrameCounts(output)
	result.InterlacedStatus = ParseIdetStatus(output)

	if err != nil {
		if cmd.Process != nil {
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		if cctx.Err() == context.DeadlineExceeded {
			result.ErrTimeout = true
			return fmt.Errorf("ffmpeg: %w", cctx.Err())
		}

		// A non-zero exit with usable statistics still counts: ffmpeg often
		// exits 1 on live streams that cut off mid-read.
		if result.BitrateKbps > 0 {
			logger.Debug("[PROBE] ffmpeg exited non-zero but produced stats: %v", err)
			return nil
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}

	return nil
}
