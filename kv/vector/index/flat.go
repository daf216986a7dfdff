package index

import (
	"container/heap"
	"sort"
	"sync"
)

// Flat is the brute-force index: exact distances over every live vector.
// It doubles as the correctness fallback the reader builds batches into.
type Flat struct {
	mu        sync.RWMutex
	state     flatState
	transient bool
}

type flatState struct {
	Dimension int
	Metric    MetricType
	Vectors   map[uint64][]float32
	Deleted   map[uint64]bool
}

// NewFlat builds an empty flat index.
func NewFlat(dimension int, metric MetricType) *Flat {
	return &Flat{state: flatState{
		Dimension: dimension,
		Metric:    metric,
		Vectors:   make(map[uint64][]float32),
		Deleted:   make(map[uint64]bool),
	}}
}

// NewBruteforce builds the transient variant used for fallback scans.
func NewBruteforce(dimension int, metric MetricType) *Flat {
	f := NewFlat(dimension, metric)
	f.transient = true
	return f
}

func flatFromState(st *flatState) *Flat {
	if st.Vectors == nil {
		st.Vectors = make(map[uint64][]float32)
	}
	if st.Deleted == nil {
		st.Deleted = make(map[uint64]bool)
	}
	return &Flat{state: *st}
}

func (f *Flat) Type() Type {
	if f.transient {
		return TypeBruteforce
	}
	return TypeFlat
}

func (f *Flat) Metric() MetricType { return f.state.Metric }
func (f *Flat) Dimension() int     { return f.state.Dimension }

func (f *Flat) Add(entries []Entry) error {
	if err := checkDimension(f.state.Dimension, entries); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range entries {
		v := append([]float32(nil), e.Vector...)
		if f.state.Metric == MetricCosine {
			Normalize(v)
		}
		f.state.Vectors[e.ID] = v
		delete(f.state.Deleted, e.ID)
	}
	return nil
}

func (f *Flat) Delete(ids []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if _, ok := f.state.Vectors[id]; ok {
			f.state.Deleted[id] = true
		}
	}
}

func (f *Flat) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.state.Vectors) - len(f.state.Deleted)
}

func (f *Flat) DeletedCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.state.Deleted)
}

func (f *Flat) MemorySize() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.state.Vectors) * (f.state.Dimension*4 + 8)
}

func (f *Flat) prepareQuery(q []float32) []float32 {
	if f.state.Metric != MetricCosine {
		return q
	}
	qc := append([]float32(nil), q...)
	Normalize(qc)
	return qc
}

func (f *Flat) Search(queries [][]float32, topk int, filter Filter, reconstruct bool) ([][]SearchResult, error) {
	if err := checkQueryDims(f.state.Dimension, queries); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([][]SearchResult, len(queries))
	for qi, query := range queries {
		q := f.prepareQuery(query)
		top := &priorityQueue{Order: true}
		heap.Init(top)
		for id, v := range f.state.Vectors {
			if f.state.Deleted[id] {
				continue
			}
			if !allowed(filter, id) {
				continue
			}
			dist := InternalDistance(f.state.Metric, q, v)
			if top.Len() < topk {
				heap.Push(top, &queueItem{ID: id, Distance: dist})
			} else if topk > 0 {
				worst := top.Top()
				if dist < worst.Distance || (dist == worst.Distance && id < worst.ID) {
					heap.Pop(top)
					heap.Push(top, &queueItem{ID: id, Distance: dist})
				}
			}
		}
		out[qi] = f.drain(top, reconstruct)
	}
	return out, nil
}

func (f *Flat) RangeSearch(queries [][]float32, radius float32, filter Filter, maxResults int, reconstruct bool) ([][]SearchResult, error) {
	if err := checkQueryDims(f.state.Dimension, queries); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	bound := InternalRadius(f.state.Metric, radius)
	out := make([][]SearchResult, len(queries))
	for qi, query := range queries {
		q := f.prepareQuery(query)
		var hits []SearchResult
		for id, v := range f.state.Vectors {
			if f.state.Deleted[id] {
				continue
			}
			if !allowed(filter, id) {
				continue
			}
			dist := InternalDistance(f.state.Metric, q, v)
			if dist <= bound {
				hit := SearchResult{ID: id, Distance: UserDistance(f.state.Metric, dist)}
				if reconstruct {
					hit.Vector = append([]float32(nil), v...)
				}
				hits = append(hits, hit)
			}
		}
		SortResults(f.state.Metric, hits)
		if maxResults > 0 && len(hits) > maxResults {
			hits = hits[:maxResults]
		}
		out[qi] = hits
	}
	return out, nil
}

// drain pops the max-heap into ascending internal-distance order.
func (f *Flat) drain(top *priorityQueue, reconstruct bool) []SearchResult {
	results := make([]SearchResult, top.Len())
	for i := top.Len() - 1; i >= 0; i-- {
		item, _ := heap.Pop(top).(*queueItem)
		res := SearchResult{ID: item.ID, Distance: UserDistance(f.state.Metric, item.Distance)}
		if reconstruct {
			res.Vector = append([]float32(nil), f.state.Vectors[item.ID]...)
		}
		results[i] = res
	}
	return results
}

func (f *Flat) Save(path string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st := f.state
	return saveToFile(path, &savedIndex{Type: TypeFlat, Flat: &st})
}

// Get returns the stored vector for id, nil when absent or deleted.
func (f *Flat) Get(id uint64) []float32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.state.Deleted[id] {
		return nil
	}
	return f.state.Vectors[id]
}

func checkQueryDims(dim int, queries [][]float32) error {
	entries := make([]Entry, len(queries))
	for i, q := range queries {
		entries[i] = Entry{Vector: q}
	}
	return checkDimension(dim, entries)
}

// SortResults orders hits by caller-facing distance: ascending for L2,
// descending similarity otherwise, ties on id ascending.
func SortResults(metric MetricType, hits []SearchResult) {
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Distance != b.Distance {
			if metric == MetricL2 {
				return a.Distance < b.Distance
			}
			return a.Distance > b.Distance
		}
		return a.ID < b.ID
	})
}
