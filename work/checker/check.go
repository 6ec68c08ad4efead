package checker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kptv-checker/work/logger"
	"kptv-checker/work/metrics"
	"kptv-checker/work/probe"
	"kptv-checker/work/scorer"
	"kptv-checker/work/types"
	"kptv-checker/work/utils"
)

// checkChannel runs the full per-channel procedure: fetch streams, probe the
// unscored ones (gated per provider), score everything, write the new order
// back and verify it landed. Probing is synchronous, one stream at a time;
// the worker pool only carries cached-stats fetches and stats pushes, and all
// of those complete before the sort so the reorder never races its inputs.
func (s *Service) checkChannel(channelID int64) error {
	cfg := s.config()
	s.setCurrent(channelID, "", "fetching streams")

	streams, err := s.api.FetchChannelStreams(channelID)
	if err != nil {
		return fmt.Errorf("failed to fetch streams for channel %d: %w", channelID, err)
	}

	if len(streams) == 0 {
		logger.Debug("[WORKER] Channel %d has no streams, marking checked", channelID)
		s.tracker.MarkChannelChecked(channelID, 0, nil)
		return nil
	}

	// A forced check probes everything, ignoring the checked-stream
	// optimization. This is how dead streams get a chance to revive during
	// global sweeps.
	force := s.tracker.ShouldForceCheck(channelID)
	if force {
		s.tracker.ClearForceCheck(channelID)
		logger.Debug("[WORKER] Channel %d: force check, probing all %d streams", channelID, len(streams))
	}

	checked := make(map[int64]bool)
	if !force {
		for _, id := range s.tracker.CheckedStreamIDs(channelID) {
			checked[id] = true
		}
	}

	var toProbe, cached []*types.Stream
	for _, stream := range streams {
		if checked[stream.ID] {
			cached = append(cached, stream)
		} else {
			toProbe = append(toProbe, stream)
		}
	}

	results := make(map[int64]*types.ProbeResult, len(streams))
	var resultsMu sync.Mutex

	// Cached streams reuse their last persisted stats instead of re-probing.
	// Fetches run on the shared pool and are all joined before scoring.
	var fetchWG sync.WaitGroup
	for _, stream := range cached {
		stream := stream
		fetchWG.Add(1)
		task := func() {
			defer fetchWG.Done()
			stats := s.cachedStats(stream.ID)
			resultsMu.Lock()
			results[stream.ID] = stats
			resultsMu.Unlock()
		}
		if err := s.pool.Submit(task); err != nil {
			// pool saturated or released: do it inline rather than lose the stream
			task()
		}
	}
	fetchWG.Wait()

	// Probe the rest, one at a time, holding the provider gate across each
	// subprocess run.
	ctx := context.Background()
	var pushWG sync.WaitGroup
	for i, stream := range toProbe {
		s.setCurrent(channelID, stream.Name, fmt.Sprintf("probing %d/%d", i+1, len(toProbe)))

		targetURL := probe.ResolveVariant(cfg, stream.URL)

		release := s.throttle.Acquire(targetURL)
		result := s.runner.Probe(ctx, targetURL)
		release()

		resultsMu.Lock()
		results[stream.ID] = result
		resultsMu.Unlock()

		// push raw stats out; scores are never persisted
		streamID := stream.ID
		pushWG.Add(1)
		push := func() {
			defer pushWG.Done()
			if err := s.api.PatchStreamStats(streamID, result); err != nil {
				logger.Warn("[WORKER] Failed to push stats for stream %d: %v", streamID, err)
			}
			s.statsCache.Set(streamID, result)
		}
		if err := s.pool.Submit(push); err != nil {
			push()
		}

		logger.Debug("[WORKER] Probed stream %d (%s): status=%s bitrate=%.0fkbps res=%s",
			stream.ID, utils.LogURL(cfg, stream.URL), result.Status, result.BitrateKbps, result.Resolution)
	}
	pushWG.Wait()

	s.setCurrent(channelID, "", "scoring")

	// Score in the channel's current order so the stable sort preserves
	// original relative order on ties.
	scored := make([]*types.ScoredStream, 0, len(streams))
	checkedIDs := make([]int64, 0, len(streams))
	for _, stream := range streams {
		result := results[stream.ID]
		scored = append(scored, &types.ScoredStream{
			Stream: stream,
			Result: result,
			Score:  scorer.Score(result, &cfg.Scoring),
		})
		checkedIDs = append(checkedIDs, stream.ID)
	}

	scorer.SortByScore(scored)

	if err := s.reorderChannel(channelID, scored); err != nil {
		return err
	}

	s.tracker.MarkChannelChecked(channelID, len(streams), checkedIDs)
	logger.Info("[WORKER] Channel %d checked: %d probed, %d reused, best score %.2f",
		channelID, len(toProbe), len(cached), scored[0].Score)
	return nil
}

// cachedStats returns a stream's last persisted probe stats, consulting the
// in-process TTL cache before the API. A stream with no stats anywhere
// returns nil and scores at the dead-stream floor.
func (s *Service) cachedStats(streamID int64) *types.ProbeResult {
	if stats, ok := s.statsCache.Get(streamID); ok {
		return stats
	}

	stats, err := s.api.FetchStreamStats(streamID)
	if err != nil {
		logger.Warn("[WORKER] Failed to fetch cached stats for stream %d: %v", streamID, err)
		return nil
	}
	if stats != nil {
		s.statsCache.Set(streamID, stats)
	}
	return stats
}

// reorderChannel writes the scored order back and, after a settle delay,
// re-fetches to verify the order applied. A mismatch is a warning, not a
// failure; there is no automatic retry.
func (s *Service) reorderChannel(channelID int64, scored []*types.ScoredStream) error {
	cfg := s.config()
	s.setCurrent(channelID, "", "reordering")

	order := make([]int64, len(scored))
	for i, ss := range scored {
		order[i] = ss.Stream.ID
	}

	if err := s.api.UpdateChannelStreams(channelID, order); err != nil {
		return fmt.Errorf("failed to write stream order for channel %d: %w", channelID, err)
	}

	time.Sleep(cfg.StreamAnalysis.SettleDelay)

	applied, err := s.api.FetchChannelStreams(channelID)
	if err != nil {
		logger.Warn("[WORKER] Could not verify stream order for channel %d: %v", channelID, err)
		return nil
	}

	appliedIDs := make([]int64, len(applied))
	for i, stream := range applied {
		appliedIDs[i] = stream.ID
	}

	if !utils.EqualInt64Slices(order, appliedIDs) {
		metrics.ReorderVerifyFailures.Inc()
		logger.Warn("[WORKER] Stream order verification mismatch for channel %d: wrote %v, read %v",
			channelID, order, appliedIDs)
	}

	return nil
}
