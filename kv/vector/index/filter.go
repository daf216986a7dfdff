package index

import "sort"

// Filter restricts which vector ids an index may return. Filters are passed
// by reference and evaluated lazily during traversal (HNSW) or the scan loop
// (Flat), never materialized into the index.
type Filter interface {
	Allow(id uint64) bool
}

// IdList allows (or, negated, denies) an explicit id set. With Sorted set the
// input slice is binary-searched instead of copied into a map, which matters
// for the large candidate sets a pre-filter produces.
type IdList struct {
	ids    []uint64
	set    map[uint64]struct{}
	negate bool
}

// NewIdList builds an id filter. The ids slice is kept by reference when
// sorted is true; callers must not mutate it afterwards.
func NewIdList(ids []uint64, negate, sorted bool) *IdList {
	f := &IdList{negate: negate}
	if sorted {
		f.ids = ids
	} else {
		f.set = make(map[uint64]struct{}, len(ids))
		for _, id := range ids {
			f.set[id] = struct{}{}
		}
	}
	return f
}

func (f *IdList) contains(id uint64) bool {
	if f.set != nil {
		_, ok := f.set[id]
		return ok
	}
	i := sort.Search(len(f.ids), func(i int) bool { return f.ids[i] >= id })
	return i < len(f.ids) && f.ids[i] == id
}

func (f *IdList) Allow(id uint64) bool {
	return f.contains(id) != f.negate
}

// Func adapts a predicate closure into a Filter; the vector reader uses it to
// push scalar post-checks into traversal.
type Func func(id uint64) bool

func (f Func) Allow(id uint64) bool { return f(id) }

// And is the conjunction of two filters.
type And struct {
	A, B Filter
}

func (f And) Allow(id uint64) bool {
	return f.A.Allow(id) && f.B.Allow(id)
}

func allowed(f Filter, id uint64) bool {
	return f == nil || f.Allow(id)
}
