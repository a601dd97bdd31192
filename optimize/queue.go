package optimize

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/sk8metalme/perfgov/config/adaptive"
)

var queueLog = logging.Logger("optimize/queue")

// requestHeap orders requests by priority, then FIFO within a priority.
type requestHeap []*OptimizationRequest

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*OptimizationRequest)
	item.index = n
	*h = append(*h, item)
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// lowest returns the index of the lowest-ranked entry, the one Less would
// order last.
func (h requestHeap) lowest() int {
	low := 0
	for i := 1; i < len(h); i++ {
		if h.Less(low, i) {
			low = i
		}
	}
	return low
}

// Applier applies one optimization request. Returning ErrApplyInProgress
// keeps the request pending; any other error records a failure.
type Applier func(req *OptimizationRequest) error

// RecordSink persists audit records. Persistence is best effort: a failing
// sink is logged and never blocks the queue.
type RecordSink interface {
	Persist(OptimizationRecord) error
}

// QueueStats counts queue activity since construction.
type QueueStats struct {
	Depth     int    `json:"depth"`
	Enqueued  uint64 `json:"enqueued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// QueueOptions wires optional collaborators into a Queue.
type QueueOptions struct {
	// Sink receives every audit record, best effort.
	Sink RecordSink

	// OnRecord observes every audit record after it is retained. The queue
	// holds no locks during the call, so an observer may call back into it.
	OnRecord func(OptimizationRecord)
}

// Queue holds pending optimization requests in priority order. Requests at
// PriorityHigh or above bypass the queue and are applied immediately; lower
// priorities wait their turn and are shed lowest-first when the queue
// overflows. Every outcome, including drops, leaves an audit record.
type Queue struct {
	mu sync.Mutex

	heap       requestHeap
	maxSize    int
	maxRecords int
	records    []OptimizationRecord

	applier  Applier
	sink     RecordSink
	onRecord func(OptimizationRecord)

	seq      uint64
	closed   bool
	draining bool

	enqueued  uint64
	completed uint64
	failed    uint64
	dropped   uint64
}

// immediateFloor is the priority at and above which requests skip the queue.
const immediateFloor = PriorityHigh

// NewQueue builds a queue from a validated configuration snapshot.
func NewQueue(cfg *adaptive.Config, applier Applier, opts QueueOptions) (*Queue, error) {
	if cfg == nil || cfg.Optimization == nil {
		return nil, errors.New("queue: incomplete config")
	}
	if applier == nil {
		return nil, fmt.Errorf("queue: applier: %w", ErrNilDependency)
	}
	return &Queue{
		maxSize:    cfg.Optimization.MaxQueueSize,
		maxRecords: cfg.Optimization.MaxRecordHistory,
		applier:    applier,
		sink:       opts.Sink,
		onRecord:   opts.OnRecord,
	}, nil
}

// Name implements adaptive.Reconfigurable.
func (q *Queue) Name() string { return "queue" }

// ApplyConfig implements adaptive.Reconfigurable. Shrinking the queue size
// does not shed already-queued requests; the bound applies to the next
// enqueue.
func (q *Queue) ApplyConfig(cfg *adaptive.Config) error {
	if cfg == nil || cfg.Optimization == nil {
		return fmt.Errorf("queue: incomplete config")
	}
	q.mu.Lock()
	q.maxSize = cfg.Optimization.MaxQueueSize
	q.maxRecords = cfg.Optimization.MaxRecordHistory
	if q.maxRecords > 0 && len(q.records) > q.maxRecords {
		q.records = q.records[len(q.records)-q.maxRecords:]
	}
	q.mu.Unlock()
	return nil
}

// Enqueue accepts one request. High and critical priorities are applied
// immediately; others are queued, and a queue that just became non-empty is
// drained right away so a lone request never waits for the next tick.
func (q *Queue) Enqueue(req *OptimizationRequest) error {
	if req == nil {
		return errors.New("queue: nil request")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	req.Priority = normalizePriority(req.Priority)
	req.EnqueuedAt = time.Now()
	q.seq++
	req.seq = q.seq
	q.enqueued++

	if req.Priority >= immediateFloor {
		q.mu.Unlock()
		q.dispatch(req)
		return nil
	}

	var dropRec *OptimizationRecord
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		victim, rec := q.shedLowestLocked(req)
		dropRec = &rec
		if victim == req {
			q.mu.Unlock()
			q.emit(rec)
			return nil
		}
	}
	heap.Push(&q.heap, req)
	becameNonEmpty := len(q.heap) == 1
	q.mu.Unlock()

	if dropRec != nil {
		q.emit(*dropRec)
	}
	if becameNonEmpty {
		q.Drain()
	}
	return nil
}

// shedLowestLocked drops either the lowest queued entry or the incoming
// request, whichever ranks lower, and audit-records the drop. When a queued
// entry is evicted the caller still owns pushing the incoming request. The
// caller emits the returned drop record once the lock is released.
func (q *Queue) shedLowestLocked(incoming *OptimizationRequest) (*OptimizationRequest, OptimizationRecord) {
	victim := incoming
	if low := q.heap.lowest(); q.heap[low].Priority < incoming.Priority {
		victim = heap.Remove(&q.heap, low).(*OptimizationRequest)
	}
	q.dropped++
	rec := q.recordLocked(victim, RecordDropped, "queue overflow", 0)
	queueLog.Warnw("queue overflow, request dropped",
		"type", victim.Type, "priority", victim.Priority.String(), "depth", len(q.heap))
	return victim, rec
}

// Drain applies queued requests in priority order until the queue is empty
// or the applier reports an apply already in flight. It returns how many
// requests completed or failed.
func (q *Queue) Drain() int {
	q.mu.Lock()
	if q.draining || q.closed {
		q.mu.Unlock()
		return 0
	}
	q.draining = true
	q.mu.Unlock()

	processed := 0
	for {
		q.mu.Lock()
		if len(q.heap) == 0 {
			q.draining = false
			q.mu.Unlock()
			return processed
		}
		req := heap.Pop(&q.heap).(*OptimizationRequest)
		q.mu.Unlock()

		if !q.apply(req) {
			q.mu.Lock()
			heap.Push(&q.heap, req)
			q.draining = false
			q.mu.Unlock()
			return processed
		}
		processed++
	}
}

// dispatch applies one request immediately, outside the queue.
func (q *Queue) dispatch(req *OptimizationRequest) {
	if !q.apply(req) {
		// An apply was in flight; queue the request instead of losing it.
		q.mu.Lock()
		if !q.closed {
			heap.Push(&q.heap, req)
		}
		q.mu.Unlock()
	}
}

// apply runs the applier and records the outcome. It reports false when the
// applier was busy and the request should stay pending.
func (q *Queue) apply(req *OptimizationRequest) bool {
	start := time.Now()
	err := q.applier(req)
	if errors.Is(err, ErrApplyInProgress) {
		return false
	}

	duration := time.Since(start)
	var rec OptimizationRecord
	q.mu.Lock()
	if err != nil {
		q.failed++
		rec = q.recordLocked(req, RecordFailed, err.Error(), duration)
	} else {
		q.completed++
		rec = q.recordLocked(req, RecordSuccess, "", duration)
	}
	q.mu.Unlock()

	q.emit(rec)
	return true
}

// recordLocked appends an audit record and trims history to the configured
// bound, returning the record for the caller to emit. Callers hold q.mu.
func (q *Queue) recordLocked(req *OptimizationRequest, status RecordStatus, detail string, duration time.Duration) OptimizationRecord {
	rec := OptimizationRecord{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		Type:      req.Type,
		Priority:  req.Priority,
		Status:    status,
		Detail:    detail,
		Duration:  duration,
		AppliedAt: time.Now(),
	}
	q.records = append(q.records, rec)
	if q.maxRecords > 0 && len(q.records) > q.maxRecords {
		q.records = q.records[len(q.records)-q.maxRecords:]
	}
	return rec
}

// emit forwards audit records to the sink and the observer. Callers release
// q.mu first: the sink may be slow, and the observer may call back into the
// queue.
func (q *Queue) emit(recs ...OptimizationRecord) {
	for _, rec := range recs {
		if q.sink != nil {
			if err := q.sink.Persist(rec); err != nil {
				queueLog.Warnw("audit record persistence failed", "record", rec.ID, "err", err)
			}
		}
		if q.onRecord != nil {
			q.onRecord(rec)
		}
	}
}

// Depth reports how many requests are waiting.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Stats returns a copy of the queue's counters.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Depth:     len(q.heap),
		Enqueued:  q.enqueued,
		Completed: q.completed,
		Failed:    q.failed,
		Dropped:   q.dropped,
	}
}

// Records returns a copy of the retained audit records in oldest-first
// order.
func (q *Queue) Records() []OptimizationRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]OptimizationRecord, len(q.records))
	copy(out, q.records)
	return out
}

// Close rejects further enqueues and audit-records every pending request as
// dropped. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	var pending []OptimizationRecord
	for len(q.heap) > 0 {
		req := heap.Pop(&q.heap).(*OptimizationRequest)
		q.dropped++
		pending = append(pending, q.recordLocked(req, RecordDropped, "queue closed", 0))
	}
	q.mu.Unlock()

	q.emit(pending...)
	return nil
}
