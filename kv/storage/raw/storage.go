package raw

import (
	"github.com/Connor1996/badger"
	"github.com/pingcap/errors"

	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/util/engine_util"
)

// Storage is the process-wide raw KV surface: column-family aware reads and
// writes over the shared badger instance. Regions share one Storage and
// separate their data by key prefix.
type Storage struct {
	engines *engine_util.Engines
}

func NewStorage(engines *engine_util.Engines) *Storage {
	return &Storage{engines: engines}
}

func (s *Storage) Engines() *engine_util.Engines { return s.engines }

// Snapshot opens a consistent read view. Callers must Close it.
func (s *Storage) Snapshot() *Snapshot {
	return &Snapshot{txn: s.engines.Kv.NewTransaction(false)}
}

// Write applies a batch atomically.
func (s *Storage) Write(wb *engine_util.WriteBatch) error {
	return s.engines.WriteKV(wb)
}

// BatchPutAndDelete applies puts and deletes in one atomic batch.
func (s *Storage) BatchPutAndDelete(cf string, puts []KeyValue, deletes [][]byte) error {
	wb := new(engine_util.WriteBatch)
	for _, kv := range puts {
		if len(kv.Key) == 0 {
			return errors.WithStack(kverrors.ErrKeyEmpty)
		}
		wb.SetCF(cf, kv.Key, kv.Value)
	}
	for _, key := range deletes {
		if len(key) == 0 {
			return errors.WithStack(kverrors.ErrKeyEmpty)
		}
		wb.DeleteCF(cf, key)
	}
	return s.Write(wb)
}

// CompareAndSet is linearizable per key: read and write share one engine
// transaction.
func (s *Storage) CompareAndSet(cf string, key, expected, newVal []byte) (bool, error) {
	if len(key) == 0 {
		return false, errors.WithStack(kverrors.ErrKeyEmpty)
	}
	return engine_util.CompareAndSet(s.engines.Kv, cf, key, expected, newVal)
}

func (s *Storage) PutIfAbsent(cf string, key, val []byte) (bool, error) {
	if len(key) == 0 {
		return false, errors.WithStack(kverrors.ErrKeyEmpty)
	}
	return engine_util.PutIfAbsent(s.engines.Kv, cf, key, val)
}

// DeleteRange removes [start, end) from the given column family.
func (s *Storage) DeleteRange(cf string, start, end []byte) error {
	return engine_util.DeleteRangeCF(s.engines.Kv, cf, start, end)
}

// DeleteRangeAllCFs removes [start, end) from every column family, used when
// a region is destroyed.
func (s *Storage) DeleteRangeAllCFs(start, end []byte) error {
	return engine_util.DeleteRange(s.engines.Kv, start, end)
}

type KeyValue struct {
	Key   []byte
	Value []byte
}

// Snapshot is a consistent read view over all column families. It satisfies
// mvcc.Snapshot.
type Snapshot struct {
	txn *badger.Txn
}

func (s *Snapshot) GetCF(cf string, key []byte) ([]byte, bool, error) {
	val, err := engine_util.GetCFFromTxn(s.txn, cf, key)
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	return val, true, nil
}

func (s *Snapshot) IterCF(cf string, opts engine_util.IterOptions) *engine_util.BadgerIterator {
	return engine_util.NewBoundedCFIterator(cf, s.txn, opts)
}

func (s *Snapshot) Close() {
	s.txn.Discard()
}
