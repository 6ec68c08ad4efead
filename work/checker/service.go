package checker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"kptv-checker/work/api"
	"kptv-checker/work/cache"
	"kptv-checker/work/config"
	"kptv-checker/work/discovery"
	"kptv-checker/work/logger"
	"kptv-checker/work/metrics"
	"kptv-checker/work/probe"
	"kptv-checker/work/queue"
	"kptv-checker/work/throttle"
	"kptv-checker/work/tracker"

	"github.com/panjf2000/ants/v2"
)

// pollInterval is how long the scheduler loop sleeps between evaluations when
// no trigger arrives. The global schedule is only guaranteed to fire within
// this window of its configured time, never at exact wall-clock precision.
const pollInterval = 60 * time.Second

// workerPopTimeout bounds each blocking queue pop so the worker loop
// re-checks the running flag at least this often.
const workerPopTimeout = 5 * time.Second

// Service is the stream quality scheduling and scoring engine: two long-lived
// loops (worker and scheduler) sharing the check queue and the update tracker,
// plus the probe, throttle, scoring and reorder machinery the worker drives.
//
// Nothing in the service is allowed to terminate the process. Both loops are
// self-healing: per-channel failures are recorded on the queue and the loop
// moves on.
type Service struct {
	api        api.API
	tracker    *tracker.Tracker
	checkQueue *queue.CheckQueue
	throttle   *throttle.ProviderThrottle
	runner     *probe.Runner
	matcher    *discovery.Matcher
	statsCache *cache.StatsCache
	pool       *ants.Pool

	cfgMu sync.RWMutex
	cfg   *config.Config

	running          atomic.Bool
	globalInProgress atomic.Bool
	configChanged    atomic.Bool

	// trigger is the coalesced wake signal for the scheduler loop: capacity 1,
	// because only "wake up now" matters, not how many times it fired.
	trigger  chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup

	currentMu      sync.Mutex
	currentChannel int64
	currentName    string
	currentStage   string
}

// ServiceStatus is the snapshot returned by GetStatus.
type ServiceStatus struct {
	Running          bool         `json:"running"`
	PipelineMode     string       `json:"pipelineMode"`
	Queue            queue.Status `json:"queue"`
	CurrentChannel   int64        `json:"currentChannel"`
	CurrentName      string       `json:"currentName"`
	CurrentStage     string       `json:"currentStage"`
	LastGlobalCheck  *time.Time   `json:"lastGlobalCheck"`
	GlobalInProgress bool         `json:"globalInProgress"`
	TrackedChannels  int          `json:"trackedChannels"`
	ProviderGates    int          `json:"providerGates"`
}

// New wires a Service from its collaborators. The ants pool is shared with
// the rest of the process and only used for cached-stats fetches and stats
// pushes; probing itself stays synchronous inside the worker loop.
//
// Collaborators that consume configuration get the live s.config provider,
// never the startup snapshot, so UpdateConfig reaches probes, discovery,
// throttle pacing and the stats-cache TTL without a restart.
func New(cfg *config.Config, apiClient api.API, trk *tracker.Tracker, pool *ants.Pool) *Service {
	s := &Service{
		api:        apiClient,
		tracker:    trk,
		checkQueue: queue.New(cfg.Queue.MaxSize),
		pool:       pool,
		cfg:        cfg,
		trigger:    make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
	}

	s.throttle = throttle.New(func() time.Duration {
		return time.Duration(s.config().StreamAnalysis.FFmpegDuration) * time.Second
	})
	s.runner = probe.NewRunner(s.config)
	s.matcher = discovery.NewMatcher(apiClient, s.config)
	s.statsCache = cache.NewStatsCache(func() time.Duration {
		return s.config().CacheDuration
	})

	return s
}

// Start launches the worker and scheduler loops. Idempotent.
func (s *Service) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}

	s.wg.Add(2)
	go s.workerLoop()
	go s.schedulerLoop()

	logger.Info("[CHECKER] Service started (pipeline mode: %s)", s.config().PipelineMode)
}

// Stop signals both loops and waits for them with a bounded timeout. In-flight
// probes are not forcibly killed; the worker finishes its current channel
// before observing the stop.
func (s *Service) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	close(s.stopChan)
	s.checkQueue.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("[CHECKER] Service stopped")
	case <-time.After(30 * time.Second):
		logger.Warn("[CHECKER] Timed out waiting for loops to stop")
	}

	s.statsCache.Close()
}

// GetStatus returns a snapshot of the service state.
func (s *Service) GetStatus() ServiceStatus {
	s.currentMu.Lock()
	current, name, stage := s.currentChannel, s.currentName, s.currentStage
	s.currentMu.Unlock()

	status := ServiceStatus{
		Running:          s.running.Load(),
		PipelineMode:     s.config().PipelineMode,
		Queue:            s.checkQueue.GetStatus(),
		CurrentChannel:   current,
		CurrentName:      name,
		CurrentStage:     stage,
		GlobalInProgress: s.globalInProgress.Load(),
		TrackedChannels:  s.tracker.RecordCount(),
		ProviderGates:    s.throttle.GateCount(),
	}
	if last := s.tracker.GetLastGlobalCheck(); !last.IsZero() {
		status.LastGlobalCheck = &last
	}
	return status
}

// QueueChannel admits one channel for checking at the given priority,
// clearing any stale completed status first so a manual request always works.
func (s *Service) QueueChannel(channelID int64, priority int) bool {
	s.checkQueue.RemoveFromCompleted(channelID)
	return s.checkQueue.AddChannel(channelID, priority)
}

// QueueChannels admits a batch, returning how many were accepted.
func (s *Service) QueueChannels(channelIDs []int64, priority int) int {
	added := 0
	for _, id := range channelIDs {
		if s.QueueChannel(id, priority) {
			added++
		}
	}
	return added
}

// MarkChannelsUpdated records that the given channels' stream sets changed.
// The channels are picked up on the next scheduler wake; call
// TriggerCheckUpdatedChannels to wake it immediately.
func (s *Service) MarkChannelsUpdated(channelIDs []int64, streamCounts map[int64]int) {
	s.tracker.MarkChannelsUpdated(channelIDs, streamCounts)
}

// TriggerCheckUpdatedChannels wakes the scheduler loop immediately. Multiple
// triggers before the loop wakes coalesce into one.
func (s *Service) TriggerCheckUpdatedChannels() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// TriggerGlobalAction runs a manual global sweep, bypassing the schedule but
// honoring the in-progress guard.
func (s *Service) TriggerGlobalAction() {
	if !s.globalInProgress.CompareAndSwap(false, true) {
		logger.Warn("[CHECKER] Global action already in progress, ignoring manual trigger")
		return
	}
	defer s.globalInProgress.Store(false)

	s.tracker.MarkGlobalCheck()
	s.performGlobalAction()
}

// UpdateConfig deep-merges a partial configuration, swaps the live config and
// wakes the scheduler so the new settings apply without a restart.
func (s *Service) UpdateConfig(patch map[string]interface{}) (*config.Config, error) {
	cfg, err := config.Patch(patch)
	if err != nil {
		return nil, err
	}

	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()

	if cfg.Debug {
		logger.SetLogLevel("DEBUG")
	} else {
		logger.SetLogLevel("INFO")
	}

	// The next wake applies settings only; no channel queueing on that pass.
	s.configChanged.Store(true)
	s.TriggerCheckUpdatedChannels()

	logger.Info("[CHECKER] Configuration updated (pipeline mode: %s)", cfg.PipelineMode)
	return cfg, nil
}

// config returns the live configuration.
func (s *Service) config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// workerLoop drains the queue and runs per-channel checks until stopped.
// A channel failure is recorded and the loop continues; only the stop signal
// ends it.
func (s *Service) workerLoop() {
	defer s.wg.Done()
	logger.Info("[WORKER] Loop started")

	for s.running.Load() {
		channelID, ok := s.checkQueue.GetNextChannel(workerPopTimeout)
		if !ok {
			continue
		}

		if err := s.safeCheckChannel(channelID); err != nil {
			logger.Error("[WORKER] Check failed for channel %d: %v", channelID, err)
			s.checkQueue.MarkFailed(channelID, err)
			metrics.ChecksTotal.WithLabelValues("failed").Inc()
		} else {
			s.checkQueue.MarkCompleted(channelID)
			metrics.ChecksTotal.WithLabelValues("completed").Inc()
		}

		s.setCurrent(0, "", "")
	}

	logger.Info("[WORKER] Loop stopped")
}

// safeCheckChannel wraps the per-channel check with panic recovery so a
// malformed response can never kill the worker loop.
func (s *Service) safeCheckChannel(channelID int64) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("[WORKER] Recovered from panic checking channel %d: %v", channelID, rec)
			err = &panicError{value: rec}
		}
	}()
	return s.checkChannel(channelID)
}

// schedulerLoop reacts to explicit triggers and to the poll interval. Every
// iteration also evaluates the global schedule, trigger or not.
func (s *Service) schedulerLoop() {
	defer s.wg.Done()
	defer logger.Info("[SCHEDULER] Loop stopped")
	logger.Info("[SCHEDULER] Loop started")

	for s.running.Load() {
		triggered := false

		select {
		case <-s.stopChan:
			return
		case <-s.trigger:
			triggered = true
		case <-time.After(pollInterval):
		}

		if s.configChanged.CompareAndSwap(true, false) {
			// this wake existed purely to apply new settings promptly
			logger.Debug("[SCHEDULER] Applied config change, skipping queue pass")
		} else if triggered && !s.globalInProgress.Load() {
			s.queueUpdatedChannels()
		}

		s.checkGlobalSchedule(time.Now())
	}
}

// queueUpdatedChannels atomically drains channels flagged needs_check and
// enqueues them at update priority. Runs only in the pipeline modes that
// include check-on-update.
func (s *Service) queueUpdatedChannels() {
	cfg := s.config()
	switch cfg.PipelineMode {
	case config.Pipeline1, config.Pipeline15:
	default:
		return
	}

	channelIDs := s.tracker.GetAndClearChannelsNeedingCheck(cfg.Queue.MaxChannelsPerRun)
	if len(channelIDs) == 0 {
		return
	}

	added := 0
	for _, id := range channelIDs {
		// clear completed so an already-finished channel re-checks
		s.checkQueue.RemoveFromCompleted(id)
		if s.checkQueue.AddChannel(id, queue.PriorityUpdate) {
			added++
		}
	}

	logger.Info("[SCHEDULER] Queued %d/%d updated channels", added, len(channelIDs))
}

// setCurrent publishes what the worker is doing for status reporting.
func (s *Service) setCurrent(channelID int64, name, stage string) {
	s.currentMu.Lock()
	s.currentChannel = channelID
	s.currentName = name
	s.currentStage = stage
	s.currentMu.Unlock()
}

// panicError wraps a recovered panic value as an error for the failed-channel
// record.
type panicError struct {
	value interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic during channel check: %v", e.value)
}
