package index

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// HnswOptions configures graph construction and search.
type HnswOptions struct {
	// M is the number of established connections per element during
	// construction. 12-48 is fine for most use cases; layer 0 gets 2*M.
	M int
	// EfConstruction is the dynamic candidate list size while building.
	EfConstruction int
	// EfSearch is the default dynamic candidate list size while searching.
	EfSearch int
	// MaxElements is a soft capacity bound used for memory accounting.
	MaxElements int
	// Heuristic switches neighbour selection between the heuristic algorithm
	// and naive closest-M.
	Heuristic bool
}

var DefaultHnswOptions = HnswOptions{
	M:              16,
	EfConstruction: 200,
	EfSearch:       64,
	MaxElements:    1 << 20,
	Heuristic:      true,
}

// hnswNode is one graph vertex. Internal ids are dense uint32s; Ext is the
// caller-facing vector id. Tombstoned nodes stay in the graph for routing but
// never surface in results.
type hnswNode struct {
	Connections [][]uint32
	Vector      []float32
	Layer       int
	Ext         uint64
	Tombstone   bool
}

type hnswState struct {
	Dimension int
	Metric    MetricType
	Opts      HnswOptions

	Ml       float64
	Ep       uint32
	MaxLevel int

	Nodes     []*hnswNode
	ExtToInt  map[uint64]uint32
	DeadTotal int
}

// HNSW is the hierarchical navigable small world graph. Searches take the
// read lock; adds and deletes take the write lock briefly, so searches never
// block on deletes (deletes are logical).
type HNSW struct {
	mu    sync.RWMutex
	state hnswState
}

// NewHNSW creates an empty graph for the given dimension and metric.
func NewHNSW(dimension int, metric MetricType, optFns ...func(o *HnswOptions)) *HNSW {
	opts := DefaultHnswOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.M < 2 {
		// M == 1 would make the level normalization divide by zero.
		opts.M = 2
	}
	return &HNSW{state: hnswState{
		Dimension: dimension,
		Metric:    metric,
		Opts:      opts,
		Ml:        1 / math.Log(float64(opts.M)),
		Nodes: []*hnswNode{{
			Layer:       0,
			Vector:      make([]float32, dimension),
			Connections: make([][]uint32, 2*opts.M+1),
			Tombstone:   true, // entry sentinel, never a result
		}},
		ExtToInt: make(map[uint64]uint32),
	}}
}

func hnswFromState(st *hnswState) *HNSW {
	if st.ExtToInt == nil {
		st.ExtToInt = make(map[uint64]uint32)
	}
	return &HNSW{state: *st}
}

func (h *HNSW) Type() Type         { return TypeHnsw }
func (h *HNSW) Metric() MetricType { return h.state.Metric }
func (h *HNSW) Dimension() int     { return h.state.Dimension }

func (h *HNSW) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.state.ExtToInt)
}

func (h *HNSW) DeletedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.DeadTotal
}

func (h *HNSW) MemorySize() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	size := 0
	for _, n := range h.state.Nodes {
		size += len(n.Vector)*4 + 32
		for _, conns := range n.Connections {
			size += len(conns) * 4
		}
	}
	return size
}

// Add inserts entries; re-adding an existing id tombstones the old node and
// links a fresh one, so the operation is an overwrite.
func (h *HNSW) Add(entries []Entry) error {
	if err := checkDimension(h.state.Dimension, entries); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range entries {
		v := append([]float32(nil), e.Vector...)
		if h.state.Metric == MetricCosine {
			Normalize(v)
		}
		if old, ok := h.state.ExtToInt[e.ID]; ok {
			h.state.Nodes[old].Tombstone = true
			h.state.DeadTotal++
		}
		h.insert(e.ID, v)
	}
	return nil
}

// Delete tombstones ids; the graph keeps routing through them.
func (h *HNSW) Delete(ids []uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		if internal, ok := h.state.ExtToInt[id]; ok {
			h.state.Nodes[internal].Tombstone = true
			h.state.DeadTotal++
			delete(h.state.ExtToInt, id)
		}
	}
}

func (h *HNSW) insert(ext uint64, vector []float32) {
	st := &h.state
	id := uint32(len(st.Nodes))
	node := &hnswNode{
		Ext:         ext,
		Vector:      vector,
		Layer:       int(math.Floor(-math.Log(rand.Float64()) * st.Ml)),
		Connections: make([][]uint32, st.Opts.M+1),
	}

	currObj, currDist := h.greedyDescend(vector, node.Layer)

	for level := min(node.Layer, st.MaxLevel); level >= 0; level-- {
		top := h.searchLayer(vector, queueItem{Node: currObj, Distance: currDist}, st.Opts.EfConstruction, level, nil)
		if st.Opts.Heuristic {
			h.selectNeighboursHeuristic(top, st.Opts.M)
		} else {
			h.selectNeighboursSimple(top, st.Opts.M)
		}
		node.Connections[level] = make([]uint32, top.Len())
		for i := top.Len() - 1; i >= 0; i-- {
			candidate, _ := heap.Pop(top).(*queueItem)
			node.Connections[level][i] = candidate.Node
		}
	}

	st.Nodes = append(st.Nodes, node)
	st.ExtToInt[ext] = id

	// Link the neighbours back, making the new node visible.
	for level := min(node.Layer, st.MaxLevel); level >= 0; level-- {
		for _, neighbour := range node.Connections[level] {
			h.link(neighbour, id, level)
		}
	}

	if node.Layer > st.MaxLevel {
		st.Ep = id
		st.MaxLevel = node.Layer
	}
}

// greedyDescend walks from the entry point down to targetLayer, following the
// single closest neighbour at every upper layer.
func (h *HNSW) greedyDescend(vector []float32, targetLayer int) (uint32, float32) {
	st := &h.state
	curr := st.Ep
	currDist := InternalDistance(st.Metric, st.Nodes[curr].Vector, vector)

	for level := st.Nodes[curr].Layer; level > targetLayer; level-- {
		changed := true
		for changed {
			changed = false
			node := st.Nodes[curr]
			if level >= len(node.Connections) {
				continue
			}
			for _, nid := range node.Connections[level] {
				d := InternalDistance(st.Metric, st.Nodes[nid].Vector, vector)
				if d < currDist {
					curr = nid
					currDist = d
					changed = true
				}
			}
		}
	}
	return curr, currDist
}

// link connects first -> second on level, pruning to the per-level cap with
// the configured neighbour selection.
func (h *HNSW) link(first, second uint32, level int) {
	st := &h.state
	maxConnections := st.Opts.M
	// Layer 0 allows double the connections.
	if level == 0 {
		maxConnections = 2 * st.Opts.M
	}

	node := st.Nodes[first]
	for len(node.Connections) <= level {
		node.Connections = append(node.Connections, nil)
	}
	node.Connections[level] = append(node.Connections[level], second)

	if len(node.Connections[level]) > maxConnections {
		top := &priorityQueue{Order: false}
		heap.Init(top)
		for _, id := range node.Connections[level] {
			heap.Push(top, &queueItem{
				Node:     id,
				Distance: InternalDistance(st.Metric, node.Vector, st.Nodes[id].Vector),
			})
		}
		if st.Opts.Heuristic {
			h.selectNeighboursHeuristic(top, maxConnections)
		} else {
			h.selectNeighboursSimple(top, maxConnections)
		}
		node.Connections[level] = make([]uint32, 0, maxConnections)
		for top.Len() > 0 {
			item, _ := heap.Pop(top).(*queueItem)
			node.Connections[level] = append(node.Connections[level], item.Node)
		}
	}
}

// searchLayer explores one layer with a dynamic candidate list of size ef.
// The frontier traverses every reachable node; only nodes passing admit enter
// the result heap, so filters and tombstones do not cut routing paths.
func (h *HNSW) searchLayer(q []float32, ep queueItem, ef, level int, admit func(*hnswNode) bool) *priorityQueue {
	st := &h.state
	var visited bitset.BitSet
	visited.Set(uint(ep.Node))

	candidates := &priorityQueue{Order: false}
	heap.Init(candidates)
	heap.Push(candidates, &queueItem{Node: ep.Node, Distance: ep.Distance})

	results := &priorityQueue{Order: true}
	heap.Init(results)
	if admit == nil || admit(st.Nodes[ep.Node]) {
		heap.Push(results, &queueItem{Node: ep.Node, ID: st.Nodes[ep.Node].Ext, Distance: ep.Distance})
	}

	for candidates.Len() > 0 {
		candidate, _ := heap.Pop(candidates).(*queueItem)
		if results.Len() >= ef && candidate.Distance > results.Top().Distance {
			break
		}

		node := st.Nodes[candidate.Node]
		if level >= len(node.Connections) {
			continue
		}
		for _, n := range node.Connections[level] {
			if visited.Test(uint(n)) {
				continue
			}
			visited.Set(uint(n))

			neighbour := st.Nodes[n]
			distance := InternalDistance(st.Metric, q, neighbour.Vector)
			if results.Len() < ef || distance < results.Top().Distance {
				heap.Push(candidates, &queueItem{Node: n, Distance: distance})
				if admit == nil || admit(neighbour) {
					heap.Push(results, &queueItem{Node: n, ID: neighbour.Ext, Distance: distance})
					if results.Len() > ef {
						heap.Pop(results)
					}
				}
			}
		}
	}
	return results
}

// selectNeighboursSimple keeps the closest M candidates.
func (h *HNSW) selectNeighboursSimple(top *priorityQueue, m int) {
	for top.Len() > m {
		heap.Pop(top)
	}
}

// selectNeighboursHeuristic keeps candidates that are closer to the base
// point than to any already kept candidate, extending the set with the
// nearest rejects when short. Keeps graph connectivity in clustered data.
func (h *HNSW) selectNeighboursHeuristic(top *priorityQueue, m int) {
	if top.Len() <= m {
		return
	}
	st := &h.state

	byDistance := &priorityQueue{Order: false}
	heap.Init(byDistance)
	for top.Len() > 0 {
		item, _ := heap.Pop(top).(*queueItem)
		heap.Push(byDistance, item)
	}

	var kept []*queueItem
	var rejected []*queueItem
	for byDistance.Len() > 0 && len(kept) < m {
		item, _ := heap.Pop(byDistance).(*queueItem)
		hit := true
		for _, k := range kept {
			d := InternalDistance(st.Metric, st.Nodes[k.Node].Vector, st.Nodes[item.Node].Vector)
			if d < item.Distance {
				hit = false
				break
			}
		}
		if hit {
			kept = append(kept, item)
		} else {
			rejected = append(rejected, item)
		}
	}
	for _, item := range rejected {
		if len(kept) >= m {
			break
		}
		kept = append(kept, item)
	}

	for _, item := range kept {
		heap.Push(top, item)
	}
}

func (h *HNSW) admitFn(filter Filter) func(*hnswNode) bool {
	return func(n *hnswNode) bool {
		if n.Tombstone {
			return false
		}
		// An overwritten id keeps its old node in the graph; only the current
		// mapping may surface.
		if internal, ok := h.state.ExtToInt[n.Ext]; !ok || h.state.Nodes[internal] != n {
			return false
		}
		return allowed(filter, n.Ext)
	}
}

// Search runs k-NN per query. Empty graphs return empty results, not errors.
func (h *HNSW) Search(queries [][]float32, topk int, filter Filter, reconstruct bool) ([][]SearchResult, error) {
	if err := checkQueryDims(h.state.Dimension, queries); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	ef := h.state.Opts.EfSearch
	if ef < topk {
		ef = topk
	}
	out := make([][]SearchResult, len(queries))
	for qi, query := range queries {
		out[qi] = h.searchOne(query, topk, ef, filter, reconstruct)
	}
	return out, nil
}

// RangeSearch explores with an ef of maxResults and keeps hits within radius.
func (h *HNSW) RangeSearch(queries [][]float32, radius float32, filter Filter, maxResults int, reconstruct bool) ([][]SearchResult, error) {
	if err := checkQueryDims(h.state.Dimension, queries); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	bound := InternalRadius(h.state.Metric, radius)
	out := make([][]SearchResult, len(queries))
	for qi, query := range queries {
		hits := h.searchOne(query, maxResults, maxResults, filter, reconstruct)
		kept := hits[:0]
		for _, hit := range hits {
			if InternalRadius(h.state.Metric, hit.Distance) <= bound {
				kept = append(kept, hit)
			}
		}
		out[qi] = kept
	}
	return out, nil
}

func (h *HNSW) searchOne(query []float32, topk, ef int, filter Filter, reconstruct bool) []SearchResult {
	st := &h.state
	if len(st.ExtToInt) == 0 || topk <= 0 {
		return nil
	}
	q := query
	if st.Metric == MetricCosine {
		q = append([]float32(nil), query...)
		Normalize(q)
	}

	curr, currDist := h.greedyDescend(q, 0)
	results := h.searchLayer(q, queueItem{Node: curr, Distance: currDist}, ef, 0, h.admitFn(filter))

	for results.Len() > topk {
		heap.Pop(results)
	}
	hits := make([]SearchResult, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item, _ := heap.Pop(results).(*queueItem)
		hit := SearchResult{ID: item.ID, Distance: UserDistance(st.Metric, item.Distance)}
		if reconstruct {
			hit.Vector = append([]float32(nil), st.Nodes[item.Node].Vector...)
		}
		hits[i] = hit
	}
	return hits
}

func (h *HNSW) Save(path string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := h.state
	return saveToFile(path, &savedIndex{Type: TypeHnsw, Hnsw: &st})
}
