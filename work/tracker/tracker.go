package tracker

import (
	"sync"
	"time"

	"kptv-checker/work/logger"
	"kptv-checker/work/types"
)

// Tracker keeps the durable per-channel "needs check" bookkeeping. The
// in-memory map is authoritative; every mutation is written through to the
// store best-effort. Persistence failures are logged and swallowed so that a
// broken disk degrades to in-memory tracking instead of killing the scheduler.
//
// All public methods are safe for concurrent use; a single coarse mutex guards
// both the map and the write-through, which is what makes the get-and-clear
// operation atomic with respect to racing update triggers.
type Tracker struct {
	mu              sync.Mutex
	records         map[int64]*types.UpdateRecord
	lastGlobalCheck time.Time
	store           Store
}

// New creates a Tracker backed by the given store. A nil store, or a store
// that fails to load, yields a purely in-memory tracker.
func New(store Store) *Tracker {
	t := &Tracker{
		records: make(map[int64]*types.UpdateRecord),
		store:   store,
	}

	if store == nil {
		return t
	}

	records, err := store.LoadRecords()
	if err != nil {
		logger.Error("[TRACKER] Failed to load records, starting in-memory only: %v", err)
		return t
	}
	t.records = records

	if last, err := store.LoadGlobalCheck(); err != nil {
		logger.Error("[TRACKER] Failed to load global check time: %v", err)
	} else {
		t.lastGlobalCheck = last
	}

	logger.Info("[TRACKER] Loaded %d channel records, last global check: %s",
		len(records), formatTime(t.lastGlobalCheck))
	return t
}

// MarkChannelsUpdated sets needs_check for each channel and refreshes
// last_update. streamCounts may be nil; when present it updates the last known
// stream count per channel. Existing checked_stream_ids are preserved so an
// update does not force a full re-probe by itself.
func (t *Tracker) MarkChannelsUpdated(channelIDs []int64, streamCounts map[int64]int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for _, id := range channelIDs {
		rec := t.record(id)
		rec.NeedsCheck = true
		rec.LastUpdate = now
		if count, ok := streamCounts[id]; ok {
			rec.StreamCount = count
		}
		t.persist(id, rec)
	}

	logger.Debug("[TRACKER] Marked %d channels as updated", len(channelIDs))
}

// GetAndClearChannelsNeedingCheck atomically collects channels with
// needs_check set, clears the flag, stamps queued_at, and returns the IDs.
// maxChannels caps the batch; 0 means no cap. The clear happens under the same
// lock as the read, so racing triggers can neither double-queue nor lose a
// channel.
func (t *Tracker) GetAndClearChannelsNeedingCheck(maxChannels int) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var ids []int64
	for id, rec := range t.records {
		if !rec.NeedsCheck {
			continue
		}
		if maxChannels > 0 && len(ids) >= maxChannels {
			break
		}
		rec.NeedsCheck = false
		rec.QueuedAt = now
		t.persist(id, rec)
		ids = append(ids, id)
	}

	return ids
}

// MarkChannelChecked clears needs_check, records last_check and replaces the
// checked-stream set with what this cycle actually evaluated.
func (t *Tracker) MarkChannelChecked(channelID int64, streamCount int, checkedStreamIDs []int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(channelID)
	rec.NeedsCheck = false
	rec.LastCheck = time.Now()
	rec.StreamCount = streamCount
	rec.CheckedStreamIDs = append([]int64(nil), checkedStreamIDs...)
	t.persist(channelID, rec)
}

// MarkChannelForForceCheck flags a channel to bypass the checked-stream
// optimization on its next check.
func (t *Tracker) MarkChannelForForceCheck(channelID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.record(channelID)
	rec.ForceCheck = true
	t.persist(channelID, rec)
}

// ShouldForceCheck reports whether the channel is flagged for a forced check.
func (t *Tracker) ShouldForceCheck(channelID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[channelID]
	return ok && rec.ForceCheck
}

// ClearForceCheck removes the force flag once the forced check has started.
func (t *Tracker) ClearForceCheck(channelID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[channelID]; ok && rec.ForceCheck {
		rec.ForceCheck = false
		t.persist(channelID, rec)
	}
}

// CheckedStreamIDs returns the set of stream IDs already evaluated for a
// channel, nil when the channel has no record.
func (t *Tracker) CheckedStreamIDs(channelID int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[channelID]
	if !ok {
		return nil
	}
	return append([]int64(nil), rec.CheckedStreamIDs...)
}

// MarkGlobalCheck records that a global action was initiated now. Only the
// timestamp is touched; per-channel flags are left alone.
func (t *Tracker) MarkGlobalCheck() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastGlobalCheck = time.Now()
	if t.store != nil {
		if err := t.store.SaveGlobalCheck(t.lastGlobalCheck); err != nil {
			logger.Error("[TRACKER] Failed to persist global check time: %v", err)
		}
	}
}

// GetLastGlobalCheck returns the last recorded global-check timestamp, zero
// if none has been recorded.
func (t *Tracker) GetLastGlobalCheck() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastGlobalCheck
}

// RecordCount returns how many channels have tracker records.
func (t *Tracker) RecordCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// record returns the channel's record, creating an empty one if missing.
// Callers hold t.mu.
func (t *Tracker) record(channelID int64) *types.UpdateRecord {
	rec, ok := t.records[channelID]
	if !ok {
		rec = &types.UpdateRecord{}
		t.records[channelID] = rec
	}
	return rec
}

// persist writes one record through to the store, swallowing failures.
// Callers hold t.mu.
func (t *Tracker) persist(channelID int64, rec *types.UpdateRecord) {
	if t.store == nil {
		return
	}
	if err := t.store.SaveRecord(channelID, rec); err != nil {
		logger.Error("[TRACKER] Failed to persist record for channel %d: %v", channelID, err)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
