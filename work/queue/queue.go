package queue

import (
	"container/heap"
	"sync"
	"time"

	"kptv-checker/work/logger"
	"kptv-checker/work/metrics"
)

// Priority levels for queue admission. Lower values pop first: scheduled
// global sweeps outrank update-triggered checks so an off-peak fleet sweep is
// not starved by a burst of playlist refreshes.
const (
	PriorityGlobal = 5
	PriorityUpdate = 10
)

// entry is one queued channel. seq preserves FIFO order among equal
// priorities.
type entry struct {
	channelID int64
	priority  int
	seq       int64
}

// entryHeap is a min-heap on (priority, seq).
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)   { *h = append(*h, x.(*entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// CheckQueue is a bounded priority queue of channel IDs with de-duplication
// across the queued, in-progress and completed states. A channel ID occupies
// at most one of those states at a time; re-queueing a completed channel
// requires an explicit RemoveFromCompleted first.
//
// State machine: (absent) -> queued -> in_progress -> {completed | failed}.
// Failed channels keep their error for inspection and never retry on their
// own; re-marking needs_check on the tracker is the scheduler's job.
type CheckQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	heap       entryHeap
	queued     map[int64]struct{}
	inProgress map[int64]struct{}
	completed  map[int64]struct{}
	failed     map[int64]string

	maxSize int
	seq     int64
	closed  bool
}

// Status is a point-in-time snapshot of queue occupancy for status reporting.
type Status struct {
	Queued     int              `json:"queued"`
	InProgress int              `json:"inProgress"`
	Completed  int              `json:"completed"`
	Failed     map[int64]string `json:"failed"`
}

// New creates a CheckQueue holding at most maxSize queued channels.
func New(maxSize int) *CheckQueue {
	q := &CheckQueue{
		queued:     make(map[int64]struct{}),
		inProgress: make(map[int64]struct{}),
		completed:  make(map[int64]struct{}),
		failed:     make(map[int64]string),
		maxSize:    maxSize,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// AddChannel admits a channel at the given priority. Returns false if the
// channel already occupies the queued, in-progress or completed state, or if
// the queue is full. A previously failed channel may be re-admitted; its old
// error is discarded.
func (q *CheckQueue) AddChannel(channelID int64, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if _, ok := q.queued[channelID]; ok {
		return false
	}
	if _, ok := q.inProgress[channelID]; ok {
		return false
	}
	if _, ok := q.completed[channelID]; ok {
		return false
	}
	if q.maxSize > 0 && len(q.queued) >= q.maxSize {
		logger.Warn("[QUEUE] Rejecting channel %d: queue at capacity (%d)", channelID, q.maxSize)
		return false
	}

	delete(q.failed, channelID)

	q.seq++
	heap.Push(&q.heap, &entry{channelID: channelID, priority: priority, seq: q.seq})
	q.queued[channelID] = struct{}{}
	metrics.QueueDepth.Set(float64(len(q.queued)))

	q.cond.Signal()
	return true
}

// AddChannels admits a batch of channels, returning how many were actually
// accepted.
func (q *CheckQueue) AddChannels(channelIDs []int64, priority int) int {
	added := 0
	for _, id := range channelIDs {
		if q.AddChannel(id, priority) {
			added++
		}
	}
	return added
}

// RemoveFromCompleted clears a channel's completed status so it can be queued
// again, used when new streams arrive for an already-finished channel.
func (q *CheckQueue) RemoveFromCompleted(channelID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.completed, channelID)
}

// GetNextChannel blocks until a channel is available or the timeout elapses,
// moving the popped channel from queued to in-progress. The second return is
// false on timeout or queue shutdown.
func (q *CheckQueue) GetNextChannel(timeout time.Duration) (int64, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.heap) == 0 && !q.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, false
		}
		// wake the cond when the deadline passes so Wait cannot hang forever
		timer := time.AfterFunc(remaining, q.cond.Broadcast)
		q.cond.Wait()
		timer.Stop()
	}

	if len(q.heap) == 0 {
		return 0, false
	}

	e := heap.Pop(&q.heap).(*entry)
	delete(q.queued, e.channelID)
	q.inProgress[e.channelID] = struct{}{}
	metrics.QueueDepth.Set(float64(len(q.queued)))

	return e.channelID, true
}

// MarkCompleted transitions a channel from in-progress to completed.
func (q *CheckQueue) MarkCompleted(channelID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inProgress, channelID)
	q.completed[channelID] = struct{}{}
}

// MarkFailed transitions a channel from in-progress to failed, retaining the
// error for inspection.
func (q *CheckQueue) MarkFailed(channelID int64, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inProgress, channelID)
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	q.failed[channelID] = msg
}

// GetStatus returns a snapshot of current occupancy.
func (q *CheckQueue) GetStatus() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	failed := make(map[int64]string, len(q.failed))
	for id, msg := range q.failed {
		failed[id] = msg
	}

	return Status{
		Queued:     len(q.queued),
		InProgress: len(q.inProgress),
		Completed:  len(q.completed),
		Failed:     failed,
	}
}

// Close unblocks any waiting GetNextChannel callers and rejects further
// admissions.
func (q *CheckQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}
