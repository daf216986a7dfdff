package runner

import (
	"bytes"
	"container/heap"

	"github.com/yuhaijun999/dingo-store/kv/storage/raw"
	"github.com/yuhaijun999/dingo-store/kv/util/engine_util"
)

type mergedEntry struct {
	key       []byte
	valueSize int
	pos       int
}

type mergedHeap []mergedEntry

func (h mergedHeap) Len() int { return len(h) }
func (h mergedHeap) Less(i, j int) bool {
	return bytes.Compare(h[i].key, h[j].key) < 0
}
func (h mergedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergedHeap) Push(x any)   { *h = append(*h, x.(mergedEntry)) }
func (h *mergedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergedIterator walks several column families of one key range as a single
// ascending stream: a min-heap keyed by the encoded key, each pop advancing
// the source iterator it came from.
type MergedIterator struct {
	snap  *raw.Snapshot
	iters []*engine_util.BadgerIterator
	heap  mergedHeap
}

// NewMergedIterator opens one bounded iterator per column family over a
// shared snapshot.
func NewMergedIterator(storage *raw.Storage, cfNames []string, upper []byte) *MergedIterator {
	snap := storage.Snapshot()
	m := &MergedIterator{snap: snap}
	for _, cf := range cfNames {
		m.iters = append(m.iters, snap.IterCF(cf, engine_util.IterOptions{Upper: upper}))
	}
	return m
}

func (m *MergedIterator) Seek(target []byte) {
	m.heap = m.heap[:0]
	for pos, it := range m.iters {
		it.Seek(target)
		m.pull(pos)
	}
	heap.Init(&m.heap)
}

func (m *MergedIterator) pull(pos int) {
	it := m.iters[pos]
	if !it.Valid() {
		return
	}
	item := it.Item()
	m.heap = append(m.heap, mergedEntry{
		key:       item.KeyCopy(nil),
		valueSize: item.ValueSize(),
		pos:       pos,
	})
	it.Next()
}

func (m *MergedIterator) Valid() bool { return len(m.heap) > 0 }

func (m *MergedIterator) Next() {
	if len(m.heap) == 0 {
		return
	}
	entry := heap.Pop(&m.heap).(mergedEntry)
	before := len(m.heap)
	m.pull(entry.pos)
	if len(m.heap) > before {
		heap.Fix(&m.heap, len(m.heap)-1)
	}
}

// Key returns the current encoded key.
func (m *MergedIterator) Key() []byte {
	return m.heap[0].key
}

// KeyValueSize returns the current entry's key+value size.
func (m *MergedIterator) KeyValueSize() int {
	return len(m.heap[0].key) + m.heap[0].valueSize
}

func (m *MergedIterator) Close() {
	for _, it := range m.iters {
		it.Close()
	}
	m.snap.Close()
}
