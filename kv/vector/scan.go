package vector

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/pingcap/errors"

	"github.com/yuhaijun999/dingo-store/kv/coprocessor"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/kvrpc"
	"github.com/yuhaijun999/dingo-store/kv/util/engine_util"
)

// ScanQuery walks vector ids forward or reverse with an optional scalar
// post-filter.
func (s *Store) ScanQuery(ctx context.Context, req *kvrpc.ScanQueryRequest) ([]kvrpc.VectorWithId, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		return nil, nil
	}
	var expr *coprocessor.Expression
	if len(req.ScalarExpression) > 0 {
		var err error
		expr, err = coprocessor.Open(req.ScalarExpression, s.schema)
		if err != nil {
			return nil, err
		}
	}

	startID, endID := req.StartID, req.EndID
	if endID == 0 {
		endID = math.MaxUint64
	}
	startKey := vectorPlainKey(startID)
	endKey := vectorPlainKey(endID)

	reader, closeFn := s.newReader()
	defer closeFn()

	it := reader.NewIterator(engine_util.CfData, req.Ts, startKey, endKey, req.IsReverse)
	defer it.Close()

	var out []kvrpc.VectorWithId
	for it.SeekToFirst(); it.Valid() && len(out) < req.Limit; it.Next() {
		if err := checkCtx(ctx); err != nil {
			return nil, err
		}
		if len(it.Key()) != 8 {
			continue
		}
		record := kvrpc.VectorWithId{ID: binary.BigEndian.Uint64(it.Key())}

		if expr != nil || !req.WithoutScalarData {
			if err := s.attachScalar(reader, req.Ts, &record, req.SelectedScalarKeys); err != nil {
				return nil, err
			}
		}
		if expr != nil {
			full := record.ScalarData
			if len(req.SelectedScalarKeys) > 0 {
				// The filter needs the whole record, not the projection.
				payload, ok, err := reader.KvGet(engine_util.CfScalar, req.Ts, vectorPlainKey(record.ID))
				if err != nil {
					return nil, err
				}
				if ok {
					full, err = coprocessor.DecodeScalarMap(payload)
					if err != nil {
						return nil, err
					}
				}
			}
			if !expr.Eval(full) {
				continue
			}
		}
		if !req.WithoutVectorData {
			embedding, err := decodeEmbedding(it.Value())
			if err != nil {
				return nil, err
			}
			record.Vector = embedding
		}
		if req.WithoutScalarData {
			record.ScalarData = nil
		}
		if !req.WithoutTableData {
			if err := s.attachTable(reader, req.Ts, &record); err != nil {
				return nil, err
			}
		}
		out = append(out, record)
	}
	return out, it.Err()
}

// GetBorderID returns the smallest (getMin) or largest live vector id, zero
// when the region is empty.
func (s *Store) GetBorderID(ctx context.Context, ts uint64, getMin bool) (uint64, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	reader, closeFn := s.newReader()
	defer closeFn()

	var key []byte
	var err error
	if getMin {
		key, err = reader.KvMinKey(engine_util.CfData, ts, nil, nil)
	} else {
		key, err = reader.KvMaxKey(engine_util.CfData, ts, nil, nil)
	}
	if err != nil || key == nil {
		return 0, err
	}
	if len(key) != 8 {
		return 0, errors.Annotatef(kverrors.ErrCorruption, "border key has length %d", len(key))
	}
	return binary.BigEndian.Uint64(key), nil
}

// Count counts live vectors at ts.
func (s *Store) Count(ctx context.Context, ts uint64) (int64, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	reader, closeFn := s.newReader()
	defer closeFn()
	return reader.KvCount(engine_util.CfData, ts, nil, nil)
}

// RegionMetrics summarizes the region's index and id borders.
func (s *Store) RegionMetrics(ctx context.Context, ts uint64) (*kvrpc.RegionMetrics, error) {
	out := &kvrpc.RegionMetrics{}
	idx, ready := s.Index()
	if ready {
		out.Count = int64(idx.Count())
		out.DeletedCount = int64(idx.DeletedCount())
		out.MemorySize = int64(idx.MemorySize())
	} else {
		count, err := s.Count(ctx, ts)
		if err != nil {
			return nil, err
		}
		out.Count = count
	}
	minID, err := s.GetBorderID(ctx, ts, true)
	if err != nil {
		return nil, err
	}
	maxID, err := s.GetBorderID(ctx, ts, false)
	if err != nil {
		return nil, err
	}
	out.MinID, out.MaxID = minID, maxID
	return out, nil
}
