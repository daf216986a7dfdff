package server

import (
	"context"

	"github.com/yuhaijun999/dingo-store/kv/kvrpc"
	"github.com/yuhaijun999/dingo-store/kv/storage/raw"
	"github.com/yuhaijun999/dingo-store/kv/transaction"
)

// Transactional operation surface: thin routing over the per-region
// transaction engine, with the same epoch/range validation as the raw path.

func (s *Server) TxnGet(ctx context.Context, rctx kvrpc.Context, ts uint64, key []byte) ([]byte, bool, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { err = s.finish(r, err) }()
	if err = s.checkKeys(r, key); err != nil {
		return nil, false, err
	}
	value, ok, err := s.txnEngine(r).Get(ctx, key, ts)
	return value, ok, err
}

func (s *Server) TxnBatchGet(ctx context.Context, rctx kvrpc.Context, ts uint64, keys [][]byte) ([]raw.KeyValue, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = s.finish(r, err) }()
	if err = s.checkKeys(r, keys...); err != nil {
		return nil, err
	}
	kvs, err := s.txnEngine(r).BatchGet(ctx, keys, ts)
	return kvs, err
}

func (s *Server) TxnScan(ctx context.Context, rctx kvrpc.Context, ts uint64, startKey []byte, limit int) ([]raw.KeyValue, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = s.finish(r, err) }()
	kvs, err := s.txnEngine(r).Scan(ctx, startKey, limit, ts)
	return kvs, err
}

func (s *Server) TxnPessimisticLock(ctx context.Context, rctx kvrpc.Context, keys [][]byte, primary []byte, startTs, forUpdateTs, lockTtl uint64) error {
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
	err = s.txnEngine(r).PessimisticLock(ctx, keys, primary, startTs, forUpdateTs, lockTtl)
	return err
}

func (s *Server) TxnPessimisticRollback(ctx context.Context, rctx kvrpc.Context, keys [][]byte, startTs, forUpdateTs uint64) error {
	r, err := s.acquire(rctx)
	if err != nil {
		return err
	}
	defer func() { err = s.finish(r, err) }()
	if err = s.checkKeys(r, keys...); err != nil {
		return err
	}
	err = s.txnEngine(r).PessimisticRollback(ctx, keys, startTs, forUpdateTs)
	return err
}

func (s *Server) TxnPrewrite(ctx context.Context, rctx kvrpc.Context, req *transaction.PrewriteRequest) (*transaction.PrewriteResult, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = s.finish(r, err) }()
	if err = s.checkWritable(r); err != nil {
		return nil, err
	}
	for _, m := range req.Mutations {
		if err = s.checkKeys(r, m.Key); err != nil {
			return nil, err
		}
	}
	res, err := s.txnEngine(r).Prewrite(ctx, req)
	return res, err
}

func (s *Server) TxnCommit(ctx context.Context, rctx kvrpc.Context, keys [][]byte, startTs, commitTs uint64) error {
	r, err := s.acquire(rctx)
	if err != nil {
		return err
	}
	defer func() { err = s.finish(r, err) }()
	if err = s.checkKeys(r, keys...); err != nil {
		return err
	}
	err = s.txnEngine(r).Commit(ctx, keys, startTs, commitTs)
	return err
}

func (s *Server) TxnBatchRollback(ctx context.Context, rctx kvrpc.Context, keys [][]byte, startTs uint64) error {
	r, err := s.acquire(rctx)
	if err != nil {
		return err
	}
	defer func() { err = s.finish(r, err) }()
	if err = s.checkKeys(r, keys...); err != nil {
		return err
	}
	err = s.txnEngine(r).BatchRollback(ctx, keys, startTs)
	return err
}

func (s *Server) TxnResolveLock(ctx context.Context, rctx kvrpc.Context, startTs, commitTs uint64, keys [][]byte) error {
	r, err := s.acquire(rctx)
	if err != nil {
		return err
	}
	defer func() { err = s.finish(r, err) }()
	err = s.txnEngine(r).ResolveLock(ctx, startTs, commitTs, keys)
	return err
}

func (s *Server) TxnCheckTxnStatus(ctx context.Context, rctx kvrpc.Context, primary []byte, lockTs, callerStartTs, currentTs uint64, forceSyncCommit bool) (*transaction.TxnStatus, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = s.finish(r, err) }()
	if err = s.checkKeys(r, primary); err != nil {
		return nil, err
	}
	st, err := s.txnEngine(r).CheckTxnStatus(ctx, primary, lockTs, callerStartTs, currentTs, forceSyncCommit)
	return st, err
}

func (s *Server) TxnCheckSecondaryLocks(ctx context.Context, rctx kvrpc.Context, keys [][]byte, startTs uint64) (*transaction.SecondaryLocksStatus, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = s.finish(r, err) }()
	if err = s.checkKeys(r, keys...); err != nil {
		return nil, err
	}
	st, err := s.txnEngine(r).CheckSecondaryLocks(ctx, keys, startTs)
	return st, err
}

func (s *Server) TxnHeartBeat(ctx context.Context, rctx kvrpc.Context, primary []byte, startTs, adviseTtl uint64) (uint64, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return 0, err
	}
	defer func() { err = s.finish(r, err) }()
	if err = s.checkKeys(r, primary); err != nil {
		return 0, err
	}
	ttl, err := s.txnEngine(r).HeartBeat(ctx, primary, startTs, adviseTtl)
	return ttl, err
}

func (s *Server) TxnScanLock(ctx context.Context, rctx kvrpc.Context, maxTs uint64, limit int) ([]transaction.LockInfo, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = s.finish(r, err) }()
	locks, err := s.txnEngine(r).ScanLock(ctx, maxTs, limit)
	return locks, err
}

func (s *Server) TxnGc(ctx context.Context, rctx kvrpc.Context, safePoint uint64) error {
	r, err := s.acquire(rctx)
	if err != nil {
		return err
	}
	defer func() { err = s.finish(r, err) }()
	err = s.txnEngine(r).Gc(ctx, safePoint)
	return err
}

func (s *Server) TxnDeleteRange(ctx context.Context, rctx kvrpc.Context, rg kvrpc.Range) error {
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
	err = s.txnEngine(r).DeleteRange(ctx, start, end)
	return err
}

func (s *Server) TxnDump(ctx context.Context, rctx kvrpc.Context, limit int) ([]transaction.MvccVersion, error) {
	r, err := s.acquire(rctx)
	if err != nil {
		return nil, err
	}
	defer func() { err = s.finish(r, err) }()
	versions, err := s.txnEngine(r).Dump(ctx, limit)
	return versions, err
}
