package transaction

import (
	"bytes"
	"context"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/storage/raw"
	"github.com/yuhaijun999/dingo-store/kv/transaction/latches"
	"github.com/yuhaijun999/dingo-store/kv/transaction/mvcc"
	"github.com/yuhaijun999/dingo-store/kv/util/codec"
	"github.com/yuhaijun999/dingo-store/kv/util/engine_util"
)

type MutationOp byte

const (
	MutationPut MutationOp = iota
	MutationDelete
	MutationLock
)

type Mutation struct {
	Op    MutationOp
	Key   []byte
	Value []byte
}

// Action describes what CheckTxnStatus did to the primary lock.
type Action byte

const (
	ActionNone Action = iota
	// ActionTTLExpireRollback means the primary lock expired and was rolled
	// back by this call.
	ActionTTLExpireRollback
	// ActionLockNotExistRollback means no lock nor write existed, a rollback
	// record was written to fence the missing transaction.
	ActionLockNotExistRollback
)

// TxnStatus is the result of CheckTxnStatus.
type TxnStatus struct {
	LockTtl  uint64
	CommitTs uint64
	Action   Action
}

// SecondaryLocksStatus is the result of CheckSecondaryLocks.
type SecondaryLocksStatus struct {
	Locks    []*mvcc.Lock
	CommitTs uint64
}

// LockInfo pairs a lock with the key it covers, for ScanLock and resolve.
type LockInfo struct {
	Key  []byte
	Lock *mvcc.Lock
}

// MvccVersion is one record of a Dump.
type MvccVersion struct {
	Key      []byte
	StartTs  uint64
	CommitTs uint64
	Kind     mvcc.WriteKind
	Value    []byte
}

// Engine runs Percolator-style transactions for one region. Commands are
// serialized per key by latches; the buffered writes of one command are
// applied in a single engine batch, so each command is atomic.
type Engine struct {
	storage     *raw.Storage
	latches     *latches.Latches
	partitionID uint64
	startKey    []byte
	endKey      []byte
}

func NewEngine(storage *raw.Storage, lt *latches.Latches, partitionID uint64, startKey, endKey []byte) *Engine {
	return &Engine{
		storage:     storage,
		latches:     lt,
		partitionID: partitionID,
		startKey:    startKey,
		endKey:      endKey,
	}
}

func (e *Engine) newTxn(startTs uint64) (*mvcc.MvccTxn, *raw.Snapshot) {
	snap := e.storage.Snapshot()
	return mvcc.NewTxn(snap, e.partitionID, startTs), snap
}

func (e *Engine) flush(txn *mvcc.MvccTxn) error {
	wb := new(engine_util.WriteBatch)
	txn.FlushInto(wb)
	return e.storage.Write(wb)
}

func checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return errors.WithStack(kverrors.ErrDeadlineExceeded)
		}
		return errors.WithStack(kverrors.ErrCancelled)
	default:
		return nil
	}
}

// Get reads key at ts with snapshot isolation, failing on a blocking lock.
func (e *Engine) Get(ctx context.Context, key []byte, ts uint64) ([]byte, bool, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, false, err
	}
	if len(key) == 0 {
		return nil, false, errors.WithStack(kverrors.ErrKeyEmpty)
	}
	txn, snap := e.newTxn(ts)
	defer snap.Close()

	lock, err := txn.GetLock(key)
	if err != nil {
		return nil, false, err
	}
	if lock != nil && lock.Kind != mvcc.LockKindPessimistic && lock.StartTS <= ts {
		return nil, false, lockedError(key, lock)
	}
	value, err := txn.GetValue(key)
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

// BatchGet reads many keys at one ts; misses are simply absent from the
// result.
func (e *Engine) BatchGet(ctx context.Context, keys [][]byte, ts uint64) ([]raw.KeyValue, error) {
	var out []raw.KeyValue
	for _, key := range keys {
		value, ok, err := e.Get(ctx, key, ts)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, raw.KeyValue{Key: key, Value: value})
		}
	}
	return out, nil
}

// Scan streams up to limit visible pairs starting at startKey.
func (e *Engine) Scan(ctx context.Context, startKey []byte, limit int, ts uint64) ([]raw.KeyValue, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	txn, snap := e.newTxn(ts)
	defer snap.Close()

	scanner := mvcc.NewScanner(startKey, e.endKey, &txn.RoTxn)
	defer scanner.Close()

	var out []raw.KeyValue
	for len(out) < limit {
		key, value, err := scanner.Next()
		if err != nil {
			return nil, err
		}
		if key == nil {
			break
		}
		lock, err := txn.GetLock(key)
		if err != nil {
			return nil, err
		}
		if lock != nil && lock.Kind != mvcc.LockKindPessimistic && lock.StartTS <= ts {
			return nil, lockedError(key, lock)
		}
		out = append(out, raw.KeyValue{Key: key, Value: value})
	}
	return out, nil
}

// PessimisticLock locks keys for an interactive transaction before prewrite.
func (e *Engine) PessimisticLock(ctx context.Context, keys [][]byte, primary []byte, startTs, forUpdateTs, lockTtl uint64) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	e.latches.WaitForLatches(keys)
	defer e.latches.ReleaseLatches(keys)

	txn, snap := e.newTxn(startTs)
	defer snap.Close()

	for _, key := range keys {
		if len(key) == 0 {
			return errors.WithStack(kverrors.ErrKeyEmpty)
		}
		lock, err := txn.GetLock(key)
		if err != nil {
			return err
		}
		if lock != nil {
			if lock.StartTS != startTs {
				return lockedError(key, lock)
			}
			if lock.ForUpdateTs >= forUpdateTs {
				// Already locked at this or a newer for-update ts, idempotent.
				continue
			}
			// Same txn retrying with a newer for_update_ts, upgrade below.
		}
		write, commitTs, err := txn.MostRecentWrite(key)
		if err != nil {
			return err
		}
		if write != nil && commitTs > forUpdateTs {
			return errors.WithStack(&kverrors.WriteConflict{
				Key:        key,
				StartTs:    startTs,
				ConflictTs: commitTs,
				Primary:    primary,
			})
		}
		txn.PutLock(key, &mvcc.Lock{
			Primary:     primary,
			StartTS:     startTs,
			Ttl:         lockTtl,
			ForUpdateTs: forUpdateTs,
			Kind:        mvcc.LockKindPessimistic,
		})
	}
	return e.flush(txn)
}

// PessimisticRollback removes pessimistic locks of one transaction.
func (e *Engine) PessimisticRollback(ctx context.Context, keys [][]byte, startTs, forUpdateTs uint64) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	e.latches.WaitForLatches(keys)
	defer e.latches.ReleaseLatches(keys)

	txn, snap := e.newTxn(startTs)
	defer snap.Close()

	for _, key := range keys {
		lock, err := txn.GetLock(key)
		if err != nil {
			return err
		}
		if lock != nil && lock.Kind == mvcc.LockKindPessimistic &&
			lock.StartTS == startTs && lock.ForUpdateTs <= forUpdateTs {
			txn.DeleteLock(key)
		}
	}
	return e.flush(txn)
}

// PrewriteRequest carries the full prewrite argument set.
type PrewriteRequest struct {
	Mutations         []Mutation
	Primary           []byte
	StartTs           uint64
	LockTtl           uint64
	PessimisticChecks []bool
	ForUpdateTsMap    map[string]uint64
	MinCommitTs       uint64
	MaxCommitTs       uint64
	TryOnePc          bool
	Secondaries       [][]byte
}

// PrewriteResult reports a successful prewrite; OnePcCommitTs is non-zero
// when the transaction was committed directly.
type PrewriteResult struct {
	MinCommitTs   uint64
	OnePcCommitTs uint64
}

// Prewrite is the first phase of 2PC: stage the data and lock every key.
func (e *Engine) Prewrite(ctx context.Context, req *PrewriteRequest) (*PrewriteResult, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	keys := make([][]byte, 0, len(req.Mutations))
	for _, m := range req.Mutations {
		if len(m.Key) == 0 {
			return nil, errors.WithStack(kverrors.ErrKeyEmpty)
		}
		keys = append(keys, m.Key)
	}
	e.latches.WaitForLatches(keys)
	defer e.latches.ReleaseLatches(keys)

	txn, snap := e.newTxn(req.StartTs)
	defer snap.Close()

	for i, m := range req.Mutations {
		pessimistic := i < len(req.PessimisticChecks) && req.PessimisticChecks[i]
		write, commitTs, err := txn.MostRecentWrite(m.Key)
		if err != nil {
			return nil, err
		}
		if write != nil && commitTs > req.StartTs {
			if !pessimistic {
				return nil, errors.WithStack(&kverrors.WriteConflict{
					Key:        m.Key,
					StartTs:    req.StartTs,
					ConflictTs: commitTs,
					Primary:    req.Primary,
				})
			}
			// The pessimistic lock already fenced this key at for_update_ts.
		}
		// A rollback fence written at our own start ts aborts the prewrite for
		// good; the client must restart with a new ts.
		cur, _, err := txn.CurrentWrite(m.Key)
		if err != nil {
			return nil, err
		}
		if cur != nil && cur.Kind == mvcc.WriteKindRollback {
			return nil, errors.Annotatef(kverrors.ErrTxnNotFound,
				"prewrite after rollback, key %q start_ts %d", m.Key, req.StartTs)
		}
		lock, err := txn.GetLock(m.Key)
		if err != nil {
			return nil, err
		}
		if lock != nil && lock.StartTS != req.StartTs {
			return nil, lockedError(m.Key, lock)
		}
		if pessimistic && lock == nil {
			// The pessimistic lock vanished (resolved by another txn).
			return nil, errors.Annotatef(kverrors.ErrLockNotFound,
				"pessimistic lock missing on prewrite, key %q start_ts %d", m.Key, req.StartTs)
		}
	}

	if req.TryOnePc {
		commitTs := req.MinCommitTs
		if commitTs <= req.StartTs {
			commitTs = req.StartTs + 1
		}
		if req.MaxCommitTs == 0 || commitTs <= req.MaxCommitTs {
			for _, m := range req.Mutations {
				switch m.Op {
				case MutationPut:
					txn.PutValue(m.Key, m.Value)
					txn.PutWrite(m.Key, commitTs, &mvcc.Write{StartTS: req.StartTs, Kind: mvcc.WriteKindPut})
				case MutationDelete:
					txn.PutWrite(m.Key, commitTs, &mvcc.Write{StartTS: req.StartTs, Kind: mvcc.WriteKindDelete})
				case MutationLock:
					txn.PutWrite(m.Key, commitTs, &mvcc.Write{StartTS: req.StartTs, Kind: mvcc.WriteKindLock})
				}
				txn.DeleteLock(m.Key)
			}
			if err := e.flush(txn); err != nil {
				return nil, err
			}
			return &PrewriteResult{OnePcCommitTs: commitTs}, nil
		}
		// min_commit_ts overran max_commit_ts, fall back to the 2PC path.
		log.Debugf("[txn] 1pc fallback to 2pc, start_ts %d min_commit_ts %d max_commit_ts %d",
			req.StartTs, req.MinCommitTs, req.MaxCommitTs)
	}

	for _, m := range req.Mutations {
		var kind mvcc.LockKind
		switch m.Op {
		case MutationPut:
			kind = mvcc.LockKindPut
			txn.PutValue(m.Key, m.Value)
		case MutationDelete:
			kind = mvcc.LockKindDelete
		case MutationLock:
			kind = mvcc.LockKindOptimistic
		}
		forUpdateTs := req.ForUpdateTsMap[string(m.Key)]
		lock := &mvcc.Lock{
			Primary:     req.Primary,
			StartTS:     req.StartTs,
			Ttl:         req.LockTtl,
			ForUpdateTs: forUpdateTs,
			MinCommitTs: req.MinCommitTs,
			Kind:        kind,
		}
		if bytes.Equal(m.Key, req.Primary) {
			lock.Secondaries = req.Secondaries
		}
		txn.PutLock(m.Key, lock)
	}
	if err := e.flush(txn); err != nil {
		return nil, err
	}
	return &PrewriteResult{MinCommitTs: req.MinCommitTs}, nil
}

// Commit finishes 2PC for keys locked at startTs.
func (e *Engine) Commit(ctx context.Context, keys [][]byte, startTs, commitTs uint64) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if commitTs <= startTs {
		return errors.Annotatef(kverrors.ErrInternal, "invalid commit_ts %d <= start_ts %d", commitTs, startTs)
	}
	e.latches.WaitForLatches(keys)
	defer e.latches.ReleaseLatches(keys)

	txn, snap := e.newTxn(startTs)
	defer snap.Close()

	for _, key := range keys {
		lock, err := txn.GetLock(key)
		if err != nil {
			return err
		}
		if lock == nil || lock.StartTS != startTs {
			// The lock is gone: either already committed (idempotent retry) or
			// rolled back by a resolver.
			write, _, err := txn.CurrentWrite(key)
			if err != nil {
				return err
			}
			if write != nil && write.Kind != mvcc.WriteKindRollback {
				continue
			}
			return errors.Annotatef(kverrors.ErrLockNotFound,
				"commit found no lock, key %q start_ts %d", key, startTs)
		}
		if lock.Kind == mvcc.LockKindPessimistic {
			return errors.Annotatef(kverrors.ErrLockNotFound,
				"commit on unprewritten pessimistic lock, key %q start_ts %d", key, startTs)
		}
		txn.PutWrite(key, commitTs, &mvcc.Write{StartTS: startTs, Kind: lock.WriteKind()})
		txn.DeleteLock(key)
	}
	return e.flush(txn)
}

// BatchRollback aborts the transaction on the given keys.
func (e *Engine) BatchRollback(ctx context.Context, keys [][]byte, startTs uint64) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	e.latches.WaitForLatches(keys)
	defer e.latches.ReleaseLatches(keys)

	txn, snap := e.newTxn(startTs)
	defer snap.Close()

	for _, key := range keys {
		if err := e.rollbackKey(txn, key, startTs); err != nil {
			return err
		}
	}
	return e.flush(txn)
}

func (e *Engine) rollbackKey(txn *mvcc.MvccTxn, key []byte, startTs uint64) error {
	write, _, err := txn.CurrentWrite(key)
	if err != nil {
		return err
	}
	if write != nil {
		if write.Kind == mvcc.WriteKindRollback {
			// Already rolled back, idempotent.
			return nil
		}
		return errors.Annotatef(kverrors.ErrTxnNotFound,
			"rollback on committed key %q start_ts %d", key, startTs)
	}
	lock, err := txn.GetLock(key)
	if err != nil {
		return err
	}
	if lock != nil && lock.StartTS == startTs {
		txn.DeleteLock(key)
		txn.DeleteValue(key)
	}
	txn.PutWrite(key, startTs, &mvcc.Write{StartTS: startTs, Kind: mvcc.WriteKindRollback})
	return nil
}

// ResolveLock commits (commitTs > 0) or rolls back every lock of startTs. An
// empty key list means the whole region.
func (e *Engine) ResolveLock(ctx context.Context, startTs, commitTs uint64, keys [][]byte) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if len(keys) == 0 {
		locks, err := e.ScanLock(ctx, codec.TsMax, 0)
		if err != nil {
			return err
		}
		for _, li := range locks {
			if li.Lock.StartTS == startTs {
				keys = append(keys, li.Key)
			}
		}
		if len(keys) == 0 {
			return nil
		}
	}
	if commitTs > 0 {
		return e.Commit(ctx, keys, startTs, commitTs)
	}
	return e.BatchRollback(ctx, keys, startTs)
}

// CheckTxnStatus determines the fate of a transaction from its primary lock.
func (e *Engine) CheckTxnStatus(ctx context.Context, primary []byte, lockTs, callerStartTs, currentTs uint64, forceSyncCommit bool) (*TxnStatus, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	e.latches.WaitForLatches([][]byte{primary})
	defer e.latches.ReleaseLatches([][]byte{primary})

	txn, snap := e.newTxn(lockTs)
	defer snap.Close()

	lock, err := txn.GetLock(primary)
	if err != nil {
		return nil, err
	}
	if lock != nil && lock.StartTS == lockTs {
		if !forceSyncCommit && lock.IsExpired(currentTs) {
			// The owner is gone; roll the primary back so the txn resolves to
			// aborted everywhere.
			txn.DeleteLock(primary)
			txn.DeleteValue(primary)
			txn.PutWrite(primary, lockTs, &mvcc.Write{StartTS: lockTs, Kind: mvcc.WriteKindRollback})
			if err := e.flush(txn); err != nil {
				return nil, err
			}
			return &TxnStatus{Action: ActionTTLExpireRollback}, nil
		}
		return &TxnStatus{LockTtl: lock.Ttl}, nil
	}

	write, commitTs, err := txn.CurrentWrite(primary)
	if err != nil {
		return nil, err
	}
	if write != nil {
		if write.Kind == mvcc.WriteKindRollback {
			return &TxnStatus{}, nil
		}
		return &TxnStatus{CommitTs: commitTs}, nil
	}

	// Neither lock nor write: the prewrite never arrived. Fence it so a late
	// prewrite at lockTs cannot succeed.
	txn.PutWrite(primary, lockTs, &mvcc.Write{StartTS: lockTs, Kind: mvcc.WriteKindRollback})
	if err := e.flush(txn); err != nil {
		return nil, err
	}
	return &TxnStatus{Action: ActionLockNotExistRollback}, nil
}

// CheckSecondaryLocks inspects secondaries for the async-commit protocol.
func (e *Engine) CheckSecondaryLocks(ctx context.Context, keys [][]byte, startTs uint64) (*SecondaryLocksStatus, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	e.latches.WaitForLatches(keys)
	defer e.latches.ReleaseLatches(keys)

	txn, snap := e.newTxn(startTs)
	defer snap.Close()

	status := &SecondaryLocksStatus{}
	for _, key := range keys {
		lock, err := txn.GetLock(key)
		if err != nil {
			return nil, err
		}
		if lock != nil && lock.StartTS == startTs {
			status.Locks = append(status.Locks, lock)
			continue
		}
		write, commitTs, err := txn.CurrentWrite(key)
		if err != nil {
			return nil, err
		}
		if write == nil || write.Kind == mvcc.WriteKindRollback {
			// Rolled back (or never prewritten): the txn cannot commit.
			return &SecondaryLocksStatus{}, nil
		}
		status.CommitTs = commitTs
	}
	return status, nil
}

// HeartBeat extends the primary lock's TTL.
func (e *Engine) HeartBeat(ctx context.Context, primary []byte, startTs, adviseTtl uint64) (uint64, error) {
	if err := checkCtx(ctx); err != nil {
		return 0, err
	}
	e.latches.WaitForLatches([][]byte{primary})
	defer e.latches.ReleaseLatches([][]byte{primary})

	txn, snap := e.newTxn(startTs)
	defer snap.Close()

	lock, err := txn.GetLock(primary)
	if err != nil {
		return 0, err
	}
	if lock == nil || lock.StartTS != startTs {
		return 0, errors.Annotatef(kverrors.ErrTxnNotFound,
			"heartbeat found no lock, key %q start_ts %d", primary, startTs)
	}
	if adviseTtl > lock.Ttl {
		lock.Ttl = adviseTtl
		txn.PutLock(primary, lock)
		if err := e.flush(txn); err != nil {
			return 0, err
		}
	}
	return lock.Ttl, nil
}

// ScanLock lists locks with start_ts <= maxTs in the region, up to limit
// (0 = unlimited).
func (e *Engine) ScanLock(ctx context.Context, maxTs uint64, limit int) ([]LockInfo, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	snap := e.storage.Snapshot()
	defer snap.Close()

	encStart, encEnd := codec.EncodeRange(codec.PrefixTxn, e.partitionID, e.startKey, e.endKey)
	it := snap.IterCF(engine_util.CfLock, engine_util.IterOptions{Lower: encStart, Upper: encEnd})
	defer it.Close()

	var out []LockInfo
	for it.Seek(encStart); it.Valid(); it.Next() {
		item := it.Item()
		encKey := item.KeyCopy(nil)
		_, _, userKey, err := codec.DecodeKeyNoTs(encKey)
		if err != nil {
			return nil, err
		}
		value, err := item.Value()
		if err != nil {
			return nil, err
		}
		lock, err := mvcc.ParseLock(value)
		if err != nil {
			return nil, err
		}
		if lock.StartTS <= maxTs {
			out = append(out, LockInfo{Key: append([]byte(nil), userKey...), Lock: lock})
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Gc drops versions older than safePoint: every write record except the
// newest visible PUT per key, rollback fences, and data no longer referenced.
func (e *Engine) Gc(ctx context.Context, safePoint uint64) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	txn, snap := e.newTxn(safePoint)
	defer snap.Close()

	encStart, encEnd := codec.EncodeRange(codec.PrefixTxn, e.partitionID, e.startKey, e.endKey)
	it := snap.IterCF(engine_util.CfWrite, engine_util.IterOptions{Lower: encStart, Upper: encEnd})
	defer it.Close()

	var (
		curKey    []byte
		keptAlive bool
	)
	for it.Seek(encStart); it.Valid(); it.Next() {
		if err := checkCtx(ctx); err != nil {
			return err
		}
		item := it.Item()
		encKey := item.KeyCopy(nil)
		_, _, userKey, commitTs, err := codec.DecodeKey(encKey)
		if err != nil {
			return err
		}
		if !bytes.Equal(userKey, curKey) {
			curKey = append(curKey[:0], userKey...)
			keptAlive = false
		}
		if commitTs > safePoint {
			continue
		}
		value, err := item.Value()
		if err != nil {
			return err
		}
		write, err := mvcc.ParseWrite(value)
		if err != nil {
			return err
		}
		switch write.Kind {
		case mvcc.WriteKindPut:
			if !keptAlive {
				// Newest visible version at the safe point, keep it.
				keptAlive = true
				continue
			}
			txn.DeleteWrite(userKey, commitTs)
			txn.DeleteValueAt(userKey, write.StartTS)
		case mvcc.WriteKindDelete:
			if !keptAlive {
				// A tombstone at the top of the chain: nothing below is
				// reachable anymore, including the tombstone itself.
				keptAlive = true
			}
			txn.DeleteWrite(userKey, commitTs)
		case mvcc.WriteKindRollback, mvcc.WriteKindLock:
			txn.DeleteWrite(userKey, commitTs)
		}
	}
	return e.flush(txn)
}

// DeleteRange destroys all transactional state in [start, end), bypassing
// MVCC. Used by region destroy and explicit TxnDeleteRange.
func (e *Engine) DeleteRange(ctx context.Context, start, end []byte) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	encStart, encEnd := codec.EncodeRange(codec.PrefixTxn, e.partitionID, start, end)
	for _, cf := range engine_util.TxnCFs {
		if err := e.storage.DeleteRange(cf, encStart, encEnd); err != nil {
			return err
		}
	}
	return nil
}

// Dump lists every version of every key in the region, newest first, for
// debugging.
func (e *Engine) Dump(ctx context.Context, limit int) ([]MvccVersion, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	txn, snap := e.newTxn(codec.TsMax)
	defer snap.Close()

	encStart, encEnd := codec.EncodeRange(codec.PrefixTxn, e.partitionID, e.startKey, e.endKey)
	it := snap.IterCF(engine_util.CfWrite, engine_util.IterOptions{Lower: encStart, Upper: encEnd})
	defer it.Close()

	var out []MvccVersion
	for it.Seek(encStart); it.Valid(); it.Next() {
		item := it.Item()
		encKey := item.KeyCopy(nil)
		_, _, userKey, commitTs, err := codec.DecodeKey(encKey)
		if err != nil {
			return nil, err
		}
		value, err := item.Value()
		if err != nil {
			return nil, err
		}
		write, err := mvcc.ParseWrite(value)
		if err != nil {
			return nil, err
		}
		ver := MvccVersion{
			Key:      append([]byte(nil), userKey...),
			StartTs:  write.StartTS,
			CommitTs: commitTs,
			Kind:     write.Kind,
		}
		if write.Kind == mvcc.WriteKindPut {
			ver.Value, err = txn.GetValueAt(userKey, write.StartTS)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, ver)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func lockedError(key []byte, lock *mvcc.Lock) error {
	return errors.WithStack(&kverrors.KeyIsLocked{
		Key:         append([]byte(nil), key...),
		PrimaryLock: lock.Primary,
		LockTs:      lock.StartTS,
		LockTTL:     lock.Ttl,
	})
}
