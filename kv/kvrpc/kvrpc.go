// Package kvrpc holds the in-process request and response types of the
// per-region operation surface. The RPC frame that carries them over the wire
// lives outside this repository.
package kvrpc

import (
	"github.com/yuhaijun999/dingo-store/kv/coprocessor"
)

// Context identifies the region an operation targets; the epoch must match
// the store's view or the call fails with EpochChanged.
type Context struct {
	RegionID    uint64
	ConfVersion uint64
	Version     uint64
}

type KeyValue struct {
	Key   []byte
	Value []byte
	// TtlMs is a relative time-to-live in milliseconds, honored on raw puts;
	// zero means the entry never expires. Reads leave it zero.
	TtlMs uint64
}

// Range is a [StartKey, EndKey) pair; the inclusive flags widen it for
// operations that accept closed bounds (DeleteRange).
type Range struct {
	StartKey  []byte
	EndKey    []byte
	WithStart bool
	WithEnd   bool
}

// ScanRequest drives a raw or txn scan.
type ScanRequest struct {
	Ts      uint64
	Range   Range
	Limit   int
	KeyOnly bool
	Reverse bool
}

// ScanResponse carries one scan page.
type ScanResponse struct {
	Kvs     []KeyValue
	HasMore bool
	EndKey  []byte
}

// TableData is the optional tabular payload of a vector.
type TableData struct {
	Key   []byte
	Value []byte
}

// VectorWithId is one vector record with its payloads.
type VectorWithId struct {
	ID         uint64
	Vector     []float32
	ScalarData coprocessor.ScalarMap
	TableData  *TableData
}

// FilterKind selects the hybrid search strategy.
type FilterKind byte

const (
	FilterNone FilterKind = iota
	FilterVectorID
	FilterScalarPre
	FilterScalarPost
	FilterTablePre
)

func (f FilterKind) String() string {
	switch f {
	case FilterNone:
		return "NONE"
	case FilterVectorID:
		return "VECTOR_ID"
	case FilterScalarPre:
		return "SCALAR_PRE"
	case FilterScalarPost:
		return "SCALAR_POST"
	case FilterTablePre:
		return "TABLE_PRE"
	}
	return "UNKNOWN"
}

// SearchParams is the parameter block of VectorBatchSearch.
type SearchParams struct {
	TopN        int
	Radius      float32
	EnableRange bool
	Filter      FilterKind

	WithoutVectorData bool
	WithoutScalarData bool
	WithoutTableData  bool

	SelectedScalarKeys []string
	// ScalarExpression is a compiled coprocessor blob; when present it is
	// authoritative over the legacy equality map in the query's ScalarData.
	ScalarExpression []byte
	// TableExpression filters on the table payload for TABLE_PRE.
	TableExpression []byte

	UseBruteForce bool

	// VECTOR_ID filter inputs.
	VectorIds []uint64
	IsNegate  bool
	IsSorted  bool
}

// SearchResult is one ranked hit of a batch search.
type SearchResult struct {
	Vector   VectorWithId
	Distance float32
}

// ScanQueryRequest drives VectorScanQuery.
type ScanQueryRequest struct {
	Ts                 uint64
	StartID            uint64
	EndID              uint64
	Limit              int
	IsReverse          bool
	WithoutVectorData  bool
	WithoutScalarData  bool
	WithoutTableData   bool
	SelectedScalarKeys []string
	ScalarExpression   []byte
}

// RegionMetrics summarizes a vector region.
type RegionMetrics struct {
	Count        int64
	DeletedCount int64
	MemorySize   int64
	MinID        uint64
	MaxID        uint64
}
