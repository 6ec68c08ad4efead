package checker

import (
	"time"

	"kptv-checker/work/config"
	"kptv-checker/work/logger"
	"kptv-checker/work/metrics"
	"kptv-checker/work/queue"
)

// checkGlobalSchedule decides whether the scheduled global action is due and,
// if so, runs it. The global-check timestamp is recorded at initiation (not
// completion) so repeated evaluations during a long sweep cannot stack
// duplicate runs.
func (s *Service) checkGlobalSchedule(now time.Time) {
	cfg := s.config()

	if !globalActionAllowed(cfg.PipelineMode) {
		return
	}
	if !scheduleDue(cfg.GlobalSchedule, s.tracker.GetLastGlobalCheck(), now) {
		return
	}

	if !s.globalInProgress.CompareAndSwap(false, true) {
		return
	}
	defer s.globalInProgress.Store(false)

	// record initiation first: this is what makes five back-to-back schedule
	// evaluations fire exactly one action
	s.tracker.MarkGlobalCheck()

	logger.Info("[SCHEDULER] Global check schedule reached (%s %02d:%02d), running global action",
		cfg.GlobalSchedule.Frequency, cfg.GlobalSchedule.Hour, cfg.GlobalSchedule.Minute)
	s.performGlobalAction()
}

// globalActionAllowed reports whether the pipeline mode includes the
// scheduled global action.
func globalActionAllowed(mode string) bool {
	switch mode {
	case config.Pipeline15, config.Pipeline25, config.Pipeline3:
		return true
	default:
		return false
	}
}

// scheduleDue evaluates the global schedule against the last recorded run.
//
// First run (no prior timestamp): only fire within the configured tolerance
// window around the scheduled time, so a process that starts at noon does not
// immediately run a sweep scheduled for 3am; it waits for the next 3am.
//
// Daily: fire once per day, at or after the scheduled time, when the last run
// was not today. Monthly: fire on the configured day-of-month, at or after
// the scheduled time, when the last run was in a different month or at least
// 30 days ago.
func scheduleDue(gs config.GlobalSchedule, last, now time.Time) bool {
	if !gs.Enabled {
		return false
	}

	scheduled := time.Date(now.Year(), now.Month(), now.Day(), gs.Hour, gs.Minute, 0, 0, now.Location())

	if last.IsZero() {
		tolerance := time.Duration(gs.StartupToleranceMinutes) * time.Minute
		diff := now.Sub(scheduled)
		if diff < 0 {
			diff = -diff
		}
		return diff <= tolerance
	}

	if now.Before(scheduled) {
		return false
	}

	switch gs.Frequency {
	case "monthly":
		if now.Day() != gs.DayOfMonth {
			return false
		}
		sameMonth := last.Year() == now.Year() && last.Month() == now.Month()
		return !sameMonth || now.Sub(last) >= 30*24*time.Hour
	default: // daily
		sameDay := last.Year() == now.Year() && last.YearDay() == now.YearDay()
		return !sameDay
	}
}

// performGlobalAction runs the fleet-wide sweep sequence: refresh playlist
// accounts, rediscover and assign streams, then queue every channel with
// force_check set so even previously dead streams get re-probed. Each step is
// best-effort; a failed refresh still proceeds to queueing.
func (s *Service) performGlobalAction() {
	metrics.GlobalActionsTotal.Inc()
	start := time.Now()

	if s.config().Discovery.RefreshFirst {
		if err := s.matcher.RefreshAccounts(); err != nil {
			logger.Error("[SCHEDULER] Playlist refresh failed, continuing sweep: %v", err)
		}
	}

	channels, err := s.api.FetchChannels()
	if err != nil {
		logger.Error("[SCHEDULER] Global action aborted, cannot fetch channels: %v", err)
		return
	}

	if _, err := s.matcher.Run(channels); err != nil {
		logger.Error("[SCHEDULER] Stream discovery failed, continuing sweep: %v", err)
	}

	queued := 0
	for _, channel := range channels {
		s.tracker.MarkChannelForForceCheck(channel.ID)
		s.checkQueue.RemoveFromCompleted(channel.ID)
		if s.checkQueue.AddChannel(channel.ID, queue.PriorityGlobal) {
			queued++
		}
	}

	logger.Info("[SCHEDULER] Global action queued %d/%d channels in %v",
		queued, len(channels), time.Since(start).Round(time.Millisecond))
}
