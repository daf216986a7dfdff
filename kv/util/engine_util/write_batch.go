package engine_util

import (
	"github.com/Connor1996/badger"
	"github.com/pingcap/errors"
)

// Column families. Badger has no native column families, so each logical
// family is a key prefix inside the single keyspace.
const (
	CfData          string = "data"
	CfScalar        string = "scalar"
	CfScalarSpeedUp string = "scalar_speedup"
	CfTable         string = "table"
	CfLock          string = "lock"
	CfWrite         string = "write"
	CfMeta          string = "meta"
)

// CFs lists every column family, iteration order matters for delete-range.
var CFs = [...]string{CfData, CfScalar, CfScalarSpeedUp, CfTable, CfLock, CfWrite, CfMeta}

// RawCFs are the families walked for a raw (non-transactional) region.
var RawCFs = [...]string{CfData, CfScalar, CfScalarSpeedUp, CfTable}

// TxnCFs are the families walked for a transactional region.
var TxnCFs = [...]string{CfData, CfLock, CfWrite}

type WriteBatch struct {
	entries       []*badger.Entry
	size          int
	safePoint     int
	safePointSize int
}

func (wb *WriteBatch) Len() int {
	return len(wb.entries)
}

func (wb *WriteBatch) Size() int {
	return wb.size
}

func (wb *WriteBatch) SetCF(cf string, key, val []byte) {
	wb.entries = append(wb.entries, &badger.Entry{
		Key:   KeyWithCF(cf, key),
		Value: val,
	})
	wb.size += len(key) + len(val)
}

func (wb *WriteBatch) DeleteCF(cf string, key []byte) {
	wb.entries = append(wb.entries, &badger.Entry{
		Key: KeyWithCF(cf, key),
	})
	wb.size += len(key)
}

func (wb *WriteBatch) SetSafePoint() {
	wb.safePoint = len(wb.entries)
	wb.safePointSize = wb.size
}

func (wb *WriteBatch) RollbackToSafePoint() {
	wb.entries = wb.entries[:wb.safePoint]
	wb.size = wb.safePointSize
}

// WriteToDB applies the whole batch in a single badger transaction, so the
// batch is atomic.
func (wb *WriteBatch) WriteToDB(db *badger.DB) error {
	if len(wb.entries) == 0 {
		return nil
	}
	err := db.Update(func(txn *badger.Txn) error {
		for _, entry := range wb.entries {
			var err1 error
			if len(entry.Value) == 0 {
				err1 = txn.Delete(entry.Key)
			} else {
				err1 = txn.SetEntry(entry)
			}
			if err1 != nil {
				return err1
			}
		}
		return nil
	})
	return errors.WithStack(err)
}

func (wb *WriteBatch) MustWriteToDB(db *badger.DB) {
	if err := wb.WriteToDB(db); err != nil {
		panic(err)
	}
}

func (wb *WriteBatch) Reset() {
	wb.entries = wb.entries[:0]
	wb.size = 0
	wb.safePoint = 0
	wb.safePointSize = 0
}
