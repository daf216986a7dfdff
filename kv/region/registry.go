package region

import (
	"bytes"
	"sync"

	"github.com/google/btree"

	"github.com/yuhaijun999/dingo-store/kv/metrics"
)

type btreeItem struct {
	startKey []byte
	region   *Region
}

func (a *btreeItem) Less(b btree.Item) bool {
	return bytes.Compare(a.startKey, b.(*btreeItem).startKey) < 0
}

// Registry tracks every region on this store: by id for direct routing and
// ordered by start key for point lookups and range checks.
type Registry struct {
	mu      sync.RWMutex
	byID    map[uint64]*Region
	byStart *btree.BTree
}

func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[uint64]*Region),
		byStart: btree.New(8),
	}
}

func (reg *Registry) Add(r *Region) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.byID[r.ID()] = r
	start, _ := r.Range()
	reg.byStart.ReplaceOrInsert(&btreeItem{startKey: start, region: r})
	metrics.RegionGauge.Set(float64(len(reg.byID)))
}

func (reg *Registry) Remove(id uint64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.byID[id]
	if !ok {
		return
	}
	delete(reg.byID, id)
	start, _ := r.Range()
	reg.byStart.Delete(&btreeItem{startKey: start})
	metrics.RegionGauge.Set(float64(len(reg.byID)))
}

func (reg *Registry) Get(id uint64) *Region {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.byID[id]
}

// GetByKey finds the region whose range covers key.
func (reg *Registry) GetByKey(key []byte) *Region {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	var found *Region
	reg.byStart.DescendLessOrEqual(&btreeItem{startKey: key}, func(item btree.Item) bool {
		found = item.(*btreeItem).region
		return false
	})
	if found != nil && found.CheckKeyInRange(key) {
		return found
	}
	return nil
}

// All snapshots the current region list.
func (reg *Registry) All() []*Region {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Region, 0, len(reg.byID))
	for _, r := range reg.byID {
		out = append(out, r)
	}
	return out
}
