package server

import (
	"context"
	"encoding/binary"

	"github.com/pingcap/errors"

	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/kvrpc"
	"github.com/yuhaijun999/dingo-store/kv/region"
	"github.com/yuhaijun999/dingo-store/kv/vector"
	"github.com/yuhaijun999/dingo-store/kv/vector/index"
)

// Vector operation surface.

func (s *Server) vectorStore(r *region.Region) (*vector.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.vectors[r.ID()]
	if !ok {
		return nil, errors.Annotatef(kverrors.ErrUnsupported, "region %d is not a vector region", r.ID())
	}
	return store, nil
}

// checkVectorIDsInRange checks the encoded ids against the region range.
func (s *Server) checkVectorIDsInRange(r *region.Region, ids ...uint64) error {
	for _, id := range ids {
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], id)
		if !r.CheckKeyInRange(key[:]) {
			return errors.Annotatef(kverrors.ErrRangeInvalid, "vector id %d out of region range", id)
		}
	}
	return nil
}

func (s *Server) VectorAdd(ctx context.Context, rctx kvrpc.Context, vectors []kvrpc.VectorWithId) error {
	r, err := s.acquire(rctx)
	if err != nil {
		return err
	}
	defer func() { err = s.finish(r, err) }()
	if err = s.checkWritable(r); err != nil {
		return err
	}
	store, err := s.vectorStore(r)
	if err != nil {
		return err
	}
	ids := make([]uint64, len(vectors))
	for i, v := range vectors {
		ids[i] = v.ID
	}
	if err = s.checkVectorIDsInRange(r, ids...); err != nil {
		return err
	}
	ts, err := s.GetTs()
	if err != nil {
		return err
	}
	err = store.Add(ctx, ts, vectors)
	return err
}

func (s *Server) VectorDelete(ctx context.Context, rctx kvrpc.Context, ids []uint64) error {
	r, err := s.acquire(rctx)
	if err != nil {
		return err
	}
	defer func() { err = s.finish(r, err) }()
	if err = s.checkWritable(r); err != nil {
		return err
	}
	store, err := s.vectorStore(r)
	if err != nil {
		return err
	}
	if err = s.checkVectorIDsInRange(r, ids...); err != nil {
		return err
	}
	ts, err := s.GetTs()
	if err != nil {
		return err
	}
	err = store.Delete(ctx, ts, ids)
	return err
}

// VectorImport applies adds and deletes in one call, the bulk-load path.
func (s *Server) VectorImport(ctx context.Context, rctx kvrpc.Context, adds []kvrpc.VectorWithId, deletes []uint64) error {
	if len(adds) > 0 {
		if err := s.VectorAdd(ctx, rctx, adds); err != nil {
			return err
		}
	}
	if len(deletes) > 0 {
		if err := s.VectorDelete(ctx, rctx, deletes); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) VectorBatchQuery(ctx context.Context, rctx kvrpc.Context, ts uint64, ids []uint64, withVector, withScalar, withTable bool) ([]*kvrpc.VectorWithId, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = s.finish(r, err) }()
	store, err := s.vectorStore(r)
	if err != nil {
		return nil, err
	}
	out := make([]*kvrpc.VectorWithId, 0, len(ids))
	for _, id := range ids {
		record, qerr := store.Query(ctx, ts, id, withVector, withScalar, withTable)
		if qerr != nil {
			if kverrors.Is(qerr, kverrors.ErrKeyNotFound) {
				out = append(out, nil)
				continue
			}
			err = qerr
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *Server) VectorBatchSearch(ctx context.Context, rctx kvrpc.Context, ts uint64, queries []kvrpc.VectorWithId, params kvrpc.SearchParams) ([][]kvrpc.SearchResult, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = s.finish(r, err) }()
	store, err := s.vectorStore(r)
	if err != nil {
		return nil, err
	}
	results, err := store.BatchSearch(ctx, ts, queries, params)
	return results, err
}

func (s *Server) VectorScanQuery(ctx context.Context, rctx kvrpc.Context, req *kvrpc.ScanQueryRequest) ([]kvrpc.VectorWithId, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = s.finish(r, err) }()
	store, err := s.vectorStore(r)
	if err != nil {
		return nil, err
	}
	records, err := store.ScanQuery(ctx, req)
	return records, err
}

func (s *Server) VectorGetBorderId(ctx context.Context, rctx kvrpc.Context, ts uint64, getMin bool) (uint64, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return 0, err
	}
	defer func() { err = s.finish(r, err) }()
	store, err := s.vectorStore(r)
	if err != nil {
		return 0, err
	}
	id, err := store.GetBorderID(ctx, ts, getMin)
	return id, err
}

func (s *Server) VectorCount(ctx context.Context, rctx kvrpc.Context, ts uint64) (int64, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return 0, err
	}
	defer func() { err = s.finish(r, err) }()
	store, err := s.vectorStore(r)
	if err != nil {
		return 0, err
	}
	count, err := store.Count(ctx, ts)
	return count, err
}

func (s *Server) VectorGetRegionMetrics(ctx context.Context, rctx kvrpc.Context, ts uint64) (*kvrpc.RegionMetrics, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = s.finish(r, err) }()
	store, err := s.vectorStore(r)
	if err != nil {
		return nil, err
	}
	m, err := store.RegionMetrics(ctx, ts)
	return m, err
}

// VectorBuild (re)constructs the index from the KV ground truth at ts. Builds
// are tracked so the split checker defers to them.
func (s *Server) VectorBuild(ctx context.Context, rctx kvrpc.Context, ts uint64) error {
	r, err := s.acquire(rctx)
	if err != nil {
		return err
	}
	defer func() { err = s.finish(r, err) }()
	store, err := s.vectorStore(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.building[r.ID()] {
		s.mu.Unlock()
		return errors.Annotatef(kverrors.ErrIndexNotReady, "region %d build already running", r.ID())
	}
	s.building[r.ID()] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.building, r.ID())
		s.mu.Unlock()
	}()
	err = store.Build(ctx, ts, r.Epoch().Version)
	return err
}

func (s *Server) VectorLoad(ctx context.Context, rctx kvrpc.Context) error {
	r, err := s.acquire(rctx)
	if err != nil {
		return err
	}
	defer func() { err = s.finish(r, err) }()
	store, err := s.vectorStore(r)
	if err != nil {
		return err
	}
	err = store.Load(r.Epoch().Version)
	return err
}

func (s *Server) VectorStatus(ctx context.Context, rctx kvrpc.Context) (vector.Status, uint64, uint64, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return vector.StatusNone, 0, 0, err
	}
	defer func() { err = s.finish(r, err) }()
	store, err := s.vectorStore(r)
	if err != nil {
		return vector.StatusNone, 0, 0, err
	}
	status, buildVersion, applyTs := store.Status()
	return status, buildVersion, applyTs, nil
}

func (s *Server) VectorReset(ctx context.Context, rctx kvrpc.Context, deleteDataFile bool) error {
	r, err := s.acquire(rctx)
	if err != nil {
		return err
	}
	defer func() { err = s.finish(r, err) }()
	store, err := s.vectorStore(r)
	if err != nil {
		return err
	}
	err = store.Reset(deleteDataFile)
	return err
}

// VectorDump snapshots the index to disk.
func (s *Server) VectorDump(ctx context.Context, rctx kvrpc.Context) error {
	r, err := s.acquire(rctx)
	if err != nil {
		return err
	}
	defer func() { err = s.finish(r, err) }()
	store, err := s.vectorStore(r)
	if err != nil {
		return err
	}
	err = store.Save()
	return err
}

// VectorCalcDistance is the pure distance helper; it touches no region data.
func (s *Server) VectorCalcDistance(metric index.MetricType, left, right [][]float32) ([][]float32, error) {
	return index.CalcDistance(metric, left, right)
}
