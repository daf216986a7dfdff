// Package server glues the per-region subsystems together and exposes the
// external operation surface. Every operation validates the region epoch and
// key range, routes to the owning sub-component, and surfaces a single error
// kind (kverrors.Code) at the boundary.
package server

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/yuhaijun999/dingo-store/kv/config"
	"github.com/yuhaijun999/dingo-store/kv/coprocessor"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/kvrpc"
	"github.com/yuhaijun999/dingo-store/kv/mvcc"
	"github.com/yuhaijun999/dingo-store/kv/region"
	"github.com/yuhaijun999/dingo-store/kv/runner"
	"github.com/yuhaijun999/dingo-store/kv/storage/raw"
	"github.com/yuhaijun999/dingo-store/kv/transaction"
	"github.com/yuhaijun999/dingo-store/kv/transaction/latches"
	"github.com/yuhaijun999/dingo-store/kv/util/codec"
	"github.com/yuhaijun999/dingo-store/kv/util/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/vector"
	"github.com/yuhaijun999/dingo-store/kv/vector/index"
)

// Deps carries the process-wide collaborators, threaded explicitly instead of
// living behind singletons.
type Deps struct {
	Conf        *config.Config
	Storage     *raw.Storage
	TsProvider  *mvcc.TsProvider
	Coordinator runner.Coordinator
}

// Server owns every region on this store.
type Server struct {
	conf        *config.Config
	storage     *raw.Storage
	ts          *mvcc.TsProvider
	coordinator runner.Coordinator
	registry    *region.Registry
	latches     *latches.Latches

	splitWorkers *runner.SplitCheckWorkers
	preSplit     *runner.PreSplitChecker

	mu       sync.Mutex
	vectors  map[uint64]*vector.Store
	txns     map[uint64]*transaction.Engine
	building map[uint64]bool
}

func New(deps Deps) *Server {
	s := &Server{
		conf:        deps.Conf,
		storage:     deps.Storage,
		ts:          deps.TsProvider,
		coordinator: deps.Coordinator,
		registry:    region.NewRegistry(),
		latches:     latches.NewLatches(),
		vectors:     make(map[uint64]*vector.Store),
		txns:        make(map[uint64]*transaction.Engine),
		building:    make(map[uint64]bool),
	}
	s.splitWorkers = runner.NewSplitCheckWorkers(&deps.Conf.Split, deps.Storage, deps.Coordinator)
	s.splitWorkers.BuildRunning = s.buildRunning
	s.preSplit = runner.NewPreSplitChecker(deps.Conf, s.registry, s.splitWorkers, deps.Coordinator)
	return s
}

// Start launches the background workers.
func (s *Server) Start() {
	s.preSplit.Start()
}

func (s *Server) Stop() {
	s.preSplit.Stop()
	s.splitWorkers.Stop()
}

func (s *Server) Registry() *region.Registry { return s.registry }

func (s *Server) buildRunning(regionID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.building[regionID]
}

// CreateRegion registers a new region and its sub-components.
func (s *Server) CreateRegion(id, partitionID uint64, typ region.Type, startKey, endKey []byte,
	epoch region.Epoch, schema coprocessor.Schema, vmeta *region.VectorMeta) (*region.Region, error) {
	if s.registry.Get(id) != nil {
		return nil, errors.Annotatef(kverrors.ErrInternal, "region %d already exists", id)
	}
	r := region.New(id, partitionID, typ, startKey, endKey, epoch)
	r.SetSchema(schema)
	if typ == region.TypeVectorIndex {
		if vmeta == nil {
			return nil, errors.Annotate(kverrors.ErrInternal, "vector region without vector meta")
		}
		r.SetVectorMeta(*vmeta)
		store := vector.NewStore(s.storage, s.conf.VectorIndex, id, partitionID, r.Prefix(), schema,
			vector.Meta{
				Dimension: vmeta.Dimension,
				Metric:    index.MetricType(vmeta.Metric),
				IndexType: index.Type(vmeta.IndexType),
			}, s.conf.VectorIndexPath)
		s.mu.Lock()
		s.vectors[id] = store
		s.mu.Unlock()
	}
	start, end := r.Range()
	s.mu.Lock()
	s.txns[id] = transaction.NewEngine(s.storage, s.latches, partitionID, start, end)
	s.mu.Unlock()
	r.SetState(region.StateNormal)
	s.registry.Add(r)
	log.Infof("[region(%d)] created, type %d range [%q, %q) epoch %s", id, typ, startKey, endKey, epoch)
	return r, nil
}

// DestroyRegion drains in-flight operations, removes the region's data and
// unregisters it.
func (s *Server) DestroyRegion(ctx context.Context, id uint64) error {
	r := s.registry.Get(id)
	if r == nil {
		return errors.WithStack(kverrors.ErrRegionNotFound)
	}
	r.SetState(region.StateDeleting)
	if err := r.Drain(ctx); err != nil {
		return err
	}
	start, end := r.Range()
	encStart, encEnd := codec.EncodeRange(r.Prefix(), r.PartitionID(), start, end)
	if err := s.storage.DeleteRangeAllCFs(encStart, encEnd); err != nil {
		return err
	}
	s.mu.Lock()
	if vs, ok := s.vectors[id]; ok {
		_ = vs.Reset(true)
		delete(s.vectors, id)
	}
	delete(s.txns, id)
	delete(s.building, id)
	s.mu.Unlock()
	r.SetState(region.StateDeleted)
	s.registry.Remove(id)
	log.Infof("[region(%d)] destroyed", id)
	return nil
}

// acquire validates the request context against the region and pins it.
func (s *Server) acquire(rctx kvrpc.Context) (*region.Region, error) {
	r := s.registry.Get(rctx.RegionID)
	if r == nil {
		return nil, errors.WithStack(kverrors.ErrRegionNotFound)
	}
	epoch := r.Epoch()
	if epoch.ConfVersion != rctx.ConfVersion || epoch.Version != rctx.Version {
		return nil, errors.Annotatef(kverrors.ErrEpochChanged,
			"request %d-%d, region %s", rctx.ConfVersion, rctx.Version, epoch)
	}
	if !r.Acquire() {
		return nil, errors.WithStack(kverrors.ErrRegionNotFound)
	}
	return r, nil
}

// finish releases the region and applies the corruption fence: a corrupted
// region turns read-only pending operator intervention.
func (s *Server) finish(r *region.Region, err error) error {
	if kverrors.Is(err, kverrors.ErrCorruption) {
		log.Errorf("[region(%d)] corruption detected, fencing read-only: %v", r.ID(), err)
		r.SetReadOnly(true)
	}
	r.Release()
	return err
}

func (s *Server) checkWritable(r *region.Region) error {
	if r.ReadOnly() {
		return errors.WithStack(kverrors.ErrReadOnly)
	}
	return nil
}

func (s *Server) checkKeys(r *region.Region, keys ...[]byte) error {
	for _, key := range keys {
		if len(key) == 0 {
			return errors.WithStack(kverrors.ErrKeyEmpty)
		}
		if !r.CheckKeyInRange(key) {
			return errors.Annotatef(kverrors.ErrRangeInvalid, "key %q out of region range", key)
		}
	}
	return nil
}

// validateRange applies the boundary rules: start <= end, and the end of the
// keyspace (all-0xFF end key) is reserved.
func validateRange(rg kvrpc.Range) error {
	if len(rg.EndKey) > 0 {
		allFF := true
		for _, b := range rg.EndKey {
			if b != 0xFF {
				allFF = false
				break
			}
		}
		if allFF {
			return errors.Annotate(kverrors.ErrRangeInvalid, "end key reserves the end of keyspace")
		}
		if bytes.Compare(rg.StartKey, rg.EndKey) > 0 {
			return errors.Annotate(kverrors.ErrRangeInvalid, "start key after end key")
		}
	}
	return nil
}

// resolveRange widens inclusive flags into the canonical [start, end) form.
func resolveRange(rg kvrpc.Range) (start, end []byte, err error) {
	if err := validateRange(rg); err != nil {
		return nil, nil, err
	}
	start = rg.StartKey
	end = rg.EndKey
	if !rg.WithStart {
		start = codec.NextKey(start)
	}
	if rg.WithEnd && len(end) > 0 {
		end = codec.NextKey(end)
	}
	return start, end, nil
}

func (s *Server) rawReader(r *region.Region) (*mvcc.Reader, func()) {
	snap := s.storage.Snapshot()
	return mvcc.NewReader(snap, r.Prefix(), r.PartitionID()), snap.Close
}

// GetTs hands out one timestamp for callers that write without an explicit
// ts.
func (s *Server) GetTs() (uint64, error) {
	ts := s.ts.GetTs(0)
	if ts == 0 {
		return 0, errors.Annotate(kverrors.ErrInternal, "timestamp source exhausted")
	}
	return ts, nil
}

// --- Raw KV operations ---

func (s *Server) KvGet(ctx context.Context, rctx kvrpc.Context, ts uint64, key []byte) ([]byte, bool, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { err = s.finish(r, err) }()
	if err = s.checkKeys(r, key); err != nil {
		return nil, false, err
	}
	reader, closeFn := s.rawReader(r)
	defer closeFn()
	value, ok, err := reader.KvGet(engine_util.CfData, ts, key)
	return value, ok, err
}

func (s *Server) KvBatchGet(ctx context.Context, rctx kvrpc.Context, ts uint64, keys [][]byte) ([]kvrpc.KeyValue, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = s.finish(r, err) }()
	if err = s.checkKeys(r, keys...); err != nil {
		return nil, err
	}
	reader, closeFn := s.rawReader(r)
	defer closeFn()
	out := make([]kvrpc.KeyValue, 0, len(keys))
	for _, key := range keys {
		value, ok, gerr := reader.KvGet(engine_util.CfData, ts, key)
		if gerr != nil {
			err = gerr
			return nil, err
		}
		if ok {
			out = append(out, kvrpc.KeyValue{Key: key, Value: value})
		}
	}
	return out, nil
}

func (s *Server) KvPut(ctx context.Context, rctx kvrpc.Context, kvs []kvrpc.KeyValue) error {
	r, err := s.acquire(rctx)
	if err != nil {
		return err
	}
	defer func() { err = s.finish(r, err) }()
	if err = s.checkWritable(r); err != nil {
		return err
	}
	ts, err := s.GetTs()
	if err != nil {
		return err
	}
	wb := new(engine_util.WriteBatch)
	for _, kv := range kvs {
		if err = s.checkKeys(r, kv.Key); err != nil {
			return err
		}
		encKey := codec.EncodeKey(r.Prefix(), r.PartitionID(), kv.Key, ts)
		if kv.TtlMs > 0 {
			expireAt := uint64(time.Now().UnixMilli()) + kv.TtlMs
			wb.SetCF(engine_util.CfData, encKey, codec.PackValueTTL(codec.FlagNone, expireAt, kv.Value))
		} else {
			wb.SetCF(engine_util.CfData, encKey, codec.PackValue(codec.FlagNone, kv.Value))
		}
	}
	err = s.storage.Write(wb)
	return err
}

func (s *Server) KvDelete(ctx context.Context, rctx kvrpc.Context, keys [][]byte) error {
	r, err := s.acquire(rctx)
	if err != nil {
		return err
	}
	defer func() { err = s.finish(r, err) }()
	if err = s.checkWritable(r); err != nil {
		return err
	}
	if err = s.checkKeys(r, keys...); err != nil {
		return err
	}
	ts, err := s.GetTs()
	if err != nil {
		return err
	}
	wb := new(engine_util.WriteBatch)
	for _, key := range keys {
		encKey := codec.EncodeKey(r.Prefix(), r.PartitionID(), key, ts)
		wb.SetCF(engine_util.CfData, encKey, codec.PackValue(codec.FlagTombstone, nil))
	}
	err = s.storage.Write(wb)
	return err
}

// KvDeleteRange tombstones every visible key of the range. An empty range is
// a no-op success.
func (s *Server) KvDeleteRange(ctx context.Context, rctx kvrpc.Context, rg kvrpc.Range) error {
	r, err := s.acquire(rctx)
	if err != nil {
		return err
	}
	defer func() { err = s.finish(r, err) }()
	if err = s.checkWritable(r); err != nil {
		return err
	}
	start, end, err := resolveRange(rg)
	if err != nil {
		return err
	}
	if len(end) > 0 && bytes.Compare(start, end) >= 0 {
		return nil
	}
	ts, err := s.GetTs()
	if err != nil {
		return err
	}
	reader, closeFn := s.rawReader(r)
	defer closeFn()
	wb := new(engine_util.WriteBatch)
	scanErr := reader.KvScan(engine_util.CfData, 0, start, end, func(plainKey, _ []byte) bool {
		encKey := codec.EncodeKey(r.Prefix(), r.PartitionID(), plainKey, ts)
		wb.SetCF(engine_util.CfData, encKey, codec.PackValue(codec.FlagTombstone, nil))
		return true
	})
	if scanErr != nil {
		err = scanErr
		return err
	}
	err = s.storage.Write(wb)
	return err
}

func (s *Server) KvScan(ctx context.Context, rctx kvrpc.Context, req *kvrpc.ScanRequest) (*kvrpc.ScanResponse, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = s.finish(r, err) }()
	if err = validateRange(req.Range); err != nil {
		return nil, err
	}
	reader, closeFn := s.rawReader(r)
	defer closeFn()

	it := reader.NewIterator(engine_util.CfData, req.Ts, req.Range.StartKey, req.Range.EndKey, req.Reverse)
	defer it.Close()

	resp := &kvrpc.ScanResponse{}
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if len(resp.Kvs) >= req.Limit {
			resp.HasMore = true
			break
		}
		kv := kvrpc.KeyValue{Key: append([]byte(nil), it.Key()...)}
		if !req.KeyOnly {
			kv.Value = append([]byte(nil), it.Value()...)
		}
		resp.Kvs = append(resp.Kvs, kv)
		resp.EndKey = kv.Key
	}
	if err = it.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Server) KvCount(ctx context.Context, rctx kvrpc.Context, ts uint64, rg kvrpc.Range) (int64, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return 0, err
	}
	defer func() { err = s.finish(r, err) }()
	if err = validateRange(rg); err != nil {
		return 0, err
	}
	reader, closeFn := s.rawReader(r)
	defer closeFn()
	count, err := reader.KvCount(engine_util.CfData, ts, rg.StartKey, rg.EndKey)
	return count, err
}

// CompareAndSet is the linearizable raw CAS.
func (s *Server) CompareAndSet(ctx context.Context, rctx kvrpc.Context, key, expected, newVal []byte) (bool, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return false, err
	}
	defer func() { err = s.finish(r, err) }()
	if err = s.checkWritable(r); err != nil {
		return false, err
	}
	if err = s.checkKeys(r, key); err != nil {
		return false, err
	}
	ts, err := s.GetTs()
	if err != nil {
		return false, err
	}
	// Latch the key so the read-compare-write is one linearizable step.
	s.latches.WaitForLatches([][]byte{key})
	defer s.latches.ReleaseLatches([][]byte{key})

	encKey := codec.EncodeKey(r.Prefix(), r.PartitionID(), key, ts)
	reader, closeFn := s.rawReader(r)
	cur, ok, err := reader.KvGet(engine_util.CfData, 0, key)
	closeFn()
	if err != nil {
		return false, err
	}
	if !ok {
		cur = nil
	}
	if !bytes.Equal(cur, expected) {
		return false, nil
	}
	wb := new(engine_util.WriteBatch)
	wb.SetCF(engine_util.CfData, encKey, codec.PackValue(codec.FlagNone, newVal))
	err = s.storage.Write(wb)
	return err == nil, err
}

// txnEngine fetches the per-region transaction engine.
func (s *Server) txnEngine(r *region.Region) *transaction.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txns[r.ID()]
}
