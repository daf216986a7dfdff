package mvcc

import (
	"fmt"
	"sync/atomic"
	"time"

	uatomic "go.uber.org/atomic"

	"github.com/yuhaijun999/dingo-store/kv/util/codec"
)

func timestampMs() int64 { return time.Now().UnixMilli() }

// BatchTs is one block of timestamps fetched from the TSO. The cursor is
// consumed lock-free; a node whose cursor passed endTs is exhausted.
type BatchTs struct {
	next atomic.Pointer[BatchTs]

	physical int64
	endTs    uint64
	cursor   uatomic.Uint64

	createTime int64
	deadTime   uatomic.Int64
}

// NewBatchTs builds a node covering [compose(physical, logical),
// compose(physical, logical+count)).
func NewBatchTs(physical, logical int64, count uint32) *BatchTs {
	b := &BatchTs{
		physical:   physical,
		endTs:      codec.ComposeTs(uint64(physical), uint64(logical)+uint64(count)),
		createTime: timestampMs(),
	}
	b.cursor.Store(codec.ComposeTs(uint64(physical), uint64(logical)))
	return b
}

func newSentinelBatchTs() *BatchTs {
	// A sentinel is born exhausted; GetTs skips it immediately.
	return &BatchTs{createTime: timestampMs()}
}

func (b *BatchTs) Physical() int64 { return b.physical }

// GetTs pops the next timestamp, or 0 when the node is exhausted.
func (b *BatchTs) GetTs() uint64 {
	ts := b.cursor.Add(1) - 1
	if ts >= b.endTs {
		return 0
	}
	return ts
}

// Remain reports how many timestamps are left in the node.
func (b *BatchTs) Remain() uint64 {
	cur := b.cursor.Load()
	if cur >= b.endTs {
		return 0
	}
	return b.endTs - cur
}

// BatchTsList is a single-producer/multi-consumer Michael-Scott queue of
// BatchTs nodes plus a parallel dead queue for deferred reclamation. All
// mutations are CAS loops with help-advance-tail so a stalled producer never
// wedges consumers.
type BatchTsList struct {
	head atomic.Pointer[BatchTs]
	tail atomic.Pointer[BatchTs]

	deadHead atomic.Pointer[BatchTs]
	deadTail atomic.Pointer[BatchTs]

	activeCount  uatomic.Int64
	deadCount    uatomic.Int64
	lastPhysical uatomic.Int64

	staleIntervalMs int64
	cleanDeadMs     int64
}

func NewBatchTsList(staleIntervalMs, cleanDeadMs int64) *BatchTsList {
	l := &BatchTsList{
		staleIntervalMs: staleIntervalMs,
		cleanDeadMs:     cleanDeadMs,
	}
	sentinel := newSentinelBatchTs()
	l.head.Store(sentinel)
	l.tail.Store(sentinel)

	deadSentinel := newSentinelBatchTs()
	l.deadHead.Store(deadSentinel)
	l.deadTail.Store(deadSentinel)
	return l
}

// Push appends a freshly fetched node. Called from the single renew worker.
func (l *BatchTsList) Push(batchTs *BatchTs) {
	for {
		tail := l.tail.Load()
		tailNext := tail.next.Load()

		if tail != l.tail.Load() {
			continue
		}
		if tailNext != nil {
			// Help a stalled producer move the tail forward.
			l.tail.CompareAndSwap(tail, tailNext)
			continue
		}
		if tail.next.CompareAndSwap(nil, batchTs) {
			l.activeCount.Inc()
			l.lastPhysical.Store(batchTs.Physical())
			return
		}
	}
}

// IsStale reports whether a node is too old to serve: either it aged past the
// stale interval, or a much newer physical time has been observed.
func (l *BatchTsList) IsStale(batchTs *BatchTs) bool {
	localPhysical := timestampMs()
	if batchTs.createTime+l.staleIntervalMs < localPhysical {
		return true
	}
	return batchTs.Physical()+l.staleIntervalMs < l.lastPhysical.Load()
}

// GetTs pops the next monotonic timestamp greater than afterTs, retiring
// stale or exhausted heads to the dead queue. Returns 0 when the list is
// drained; the caller triggers a renew and retries. Never blocks.
func (l *BatchTsList) GetTs(afterTs uint64) uint64 {
	for {
		head := l.head.Load()
		tail := l.tail.Load()
		headNext := head.next.Load()

		if !l.IsStale(head) {
			ts := head.GetTs()
			if ts > afterTs && ts > 0 {
				return ts
			}
		}

		if headNext == nil {
			return 0
		}
		if head == tail {
			l.tail.CompareAndSwap(tail, headNext)
			continue
		}
		if l.head.CompareAndSwap(head, headNext) {
			l.activeCount.Dec()
			l.pushDead(head)
		}
	}
}

func (l *BatchTsList) pushDead(batchTs *BatchTs) {
	batchTs.next.Store(nil)
	batchTs.deadTime.Store(timestampMs())

	for {
		tail := l.deadTail.Load()
		tailNext := tail.next.Load()

		if tail != l.deadTail.Load() {
			continue
		}
		if tailNext != nil {
			l.deadTail.CompareAndSwap(tail, tailNext)
			continue
		}
		if tail.next.CompareAndSwap(nil, batchTs) {
			l.deadCount.Inc()
			return
		}
	}
}

// CleanDead drops dead nodes older than the clean interval. Retired nodes may
// still be read by a racing GetTs, hence the deferred reclamation; the GC
// makes the "free" merely an unlink.
func (l *BatchTsList) CleanDead() {
	for {
		head := l.deadHead.Load()
		tail := l.deadTail.Load()
		headNext := head.next.Load()

		cleanBefore := timestampMs() - l.cleanDeadMs
		if head.deadTime.Load() >= cleanBefore {
			return
		}
		if headNext == nil {
			return
		}
		if head == tail {
			l.deadTail.CompareAndSwap(tail, headNext)
			continue
		}
		if l.deadHead.CompareAndSwap(head, headNext) {
			l.deadCount.Dec()
		}
	}
}

// ActualCount walks the live list; for debugging only.
func (l *BatchTsList) ActualCount() int {
	count := 0
	for node := l.head.Load(); node != nil; node = node.next.Load() {
		count++
	}
	return count
}

func (l *BatchTsList) DebugInfo() string {
	return fmt.Sprintf("actual_count(%d) active_count(%d) dead_count(%d)",
		l.ActualCount(), l.activeCount.Load(), l.deadCount.Load())
}
