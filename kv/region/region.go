package region

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	uatomic "go.uber.org/atomic"

	"github.com/yuhaijun999/dingo-store/kv/coprocessor"
	"github.com/yuhaijun999/dingo-store/kv/util/codec"
)

// Epoch versions a region's shape: ConfVersion advances on membership
// change, Version on split/merge.
type Epoch struct {
	ConfVersion uint64
	Version     uint64
}

func (e Epoch) String() string {
	return fmt.Sprintf("%d-%d", e.ConfVersion, e.Version)
}

// Type selects what a region stores.
type Type byte

const (
	TypeKV Type = iota + 1
	TypeVectorIndex
	TypeDocumentIndex
)

// State is a region's lifecycle state.
type State int32

const (
	StateNew State = iota
	StateNormal
	StateStandby
	StateSplitting
	StateMerging
	StateDeleting
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateNormal:
		return "NORMAL"
	case StateStandby:
		return "STANDBY"
	case StateSplitting:
		return "SPLITTING"
	case StateMerging:
		return "MERGING"
	case StateDeleting:
		return "DELETING"
	case StateDeleted:
		return "DELETED"
	}
	return "UNKNOWN"
}

// VectorMeta describes the vector shape of a VECTOR_INDEX region.
type VectorMeta struct {
	Dimension int
	// Metric and IndexType are stored as plain bytes so this package does not
	// depend on the index package; the vector layer interprets them.
	Metric    byte
	IndexType byte
}

// Region is one shard: a contiguous key range plus its epoch and lifecycle.
// A region is exclusively owned by one store and destroyed only after every
// in-flight operation has drained.
type Region struct {
	id          uint64
	partitionID uint64
	typ         Type

	mu       sync.RWMutex
	startKey []byte
	endKey   []byte
	epoch    Epoch
	schema   coprocessor.Schema
	vector   VectorMeta

	state        uatomic.Int32
	disableSplit uatomic.Bool
	readOnly     uatomic.Bool

	// refs counts in-flight operations plus the registry's own handle.
	refs uatomic.Int64

	// Approximate stats maintained by the split checker.
	approximateSize uatomic.Uint64
	keyCount        uatomic.Uint64
}

func New(id, partitionID uint64, typ Type, startKey, endKey []byte, epoch Epoch) *Region {
	r := &Region{
		id:          id,
		partitionID: partitionID,
		typ:         typ,
		startKey:    append([]byte(nil), startKey...),
		endKey:      append([]byte(nil), endKey...),
		epoch:       epoch,
	}
	r.state.Store(int32(StateNew))
	r.refs.Store(1) // the registry handle
	return r
}

func (r *Region) ID() uint64          { return r.id }
func (r *Region) PartitionID() uint64 { return r.partitionID }
func (r *Region) Kind() Type          { return r.typ }

// Prefix is the key namespace of this region's data.
func (r *Region) Prefix() byte {
	if r.typ == TypeKV {
		return codec.PrefixRaw
	}
	return codec.PrefixTxn
}

func (r *Region) Range() (start, end []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startKey, r.endKey
}

func (r *Region) Epoch() Epoch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}

// SetRange installs a new range and bumps the epoch version; called on split
// commit.
func (r *Region) SetRange(start, end []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startKey = append([]byte(nil), start...)
	r.endKey = append([]byte(nil), end...)
	r.epoch.Version++
}

func (r *Region) Schema() coprocessor.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schema
}

func (r *Region) SetSchema(s coprocessor.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schema = s
}

func (r *Region) VectorMeta() VectorMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vector
}

func (r *Region) SetVectorMeta(m VectorMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vector = m
}

func (r *Region) State() State       { return State(r.state.Load()) }
func (r *Region) SetState(s State)   { r.state.Store(int32(s)) }
func (r *Region) DisableSplit() bool { return r.disableSplit.Load() }
func (r *Region) SetDisableSplit(v bool) {
	r.disableSplit.Store(v)
}

// ReadOnly marks a region fenced after a corruption event.
func (r *Region) ReadOnly() bool     { return r.readOnly.Load() }
func (r *Region) SetReadOnly(v bool) { r.readOnly.Store(v) }

func (r *Region) ApproximateSize() uint64     { return r.approximateSize.Load() }
func (r *Region) SetApproximateSize(v uint64) { r.approximateSize.Store(v) }
func (r *Region) KeyCount() uint64            { return r.keyCount.Load() }
func (r *Region) SetKeyCount(v uint64)        { r.keyCount.Store(v) }

// CheckKeyInRange reports whether key belongs to this region.
func (r *Region) CheckKeyInRange(key []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if bytes.Compare(key, r.startKey) < 0 {
		return false
	}
	return len(r.endKey) == 0 || bytes.Compare(key, r.endKey) < 0
}

// CheckRangeInRegion reports whether [start, end) is fully inside the region.
// An empty end means "to the region end".
func (r *Region) CheckRangeInRegion(start, end []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if bytes.Compare(start, r.startKey) < 0 {
		return false
	}
	if len(r.endKey) == 0 {
		return true
	}
	if len(end) == 0 {
		return false
	}
	return bytes.Compare(end, r.endKey) <= 0
}

// Acquire pins the region for one operation; returns false when the region is
// going away.
func (r *Region) Acquire() bool {
	if r.State() == StateDeleting || r.State() == StateDeleted {
		return false
	}
	r.refs.Inc()
	return true
}

func (r *Region) Release() {
	r.refs.Dec()
}

// Drain waits until only the registry handle remains.
func (r *Region) Drain(ctx context.Context) error {
	for r.refs.Load() > 1 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}
