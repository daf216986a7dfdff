package engine_util

import (
	"bytes"

	"github.com/Connor1996/badger"
	"github.com/pingcap/errors"
)

func KeyWithCF(cf string, key []byte) []byte {
	return append([]byte(cf+"_"), key...)
}

func GetCF(db *badger.DB, cf string, key []byte) (val []byte, err error) {
	err = db.View(func(txn *badger.Txn) error {
		val, err = GetCFFromTxn(txn, cf, key)
		return err
	})
	return
}

func GetCFFromTxn(txn *badger.Txn, cf string, key []byte) (val []byte, err error) {
	item, err := txn.Get(KeyWithCF(cf, key))
	if err != nil {
		return nil, err
	}
	val, err = item.ValueCopy(val)
	return
}

func PutCF(engine *badger.DB, cf string, key []byte, val []byte) error {
	return engine.Update(func(txn *badger.Txn) error {
		return txn.Set(KeyWithCF(cf, key), val)
	})
}

func DeleteCF(engine *badger.DB, cf string, key []byte) error {
	return engine.Update(func(txn *badger.Txn) error {
		return txn.Delete(KeyWithCF(cf, key))
	})
}

// DeleteRange removes [startKey, endKey) from every column family in one
// atomic batch.
func DeleteRange(db *badger.DB, startKey, endKey []byte) error {
	batch := new(WriteBatch)
	txn := db.NewTransaction(false)
	defer txn.Discard()
	for _, cf := range CFs {
		deleteRangeCF(txn, batch, cf, startKey, endKey)
	}
	return batch.WriteToDB(db)
}

// DeleteRangeCF removes [startKey, endKey) from a single column family.
func DeleteRangeCF(db *badger.DB, cf string, startKey, endKey []byte) error {
	batch := new(WriteBatch)
	txn := db.NewTransaction(false)
	defer txn.Discard()
	deleteRangeCF(txn, batch, cf, startKey, endKey)
	return batch.WriteToDB(db)
}

func deleteRangeCF(txn *badger.Txn, batch *WriteBatch, cf string, startKey, endKey []byte) {
	it := NewCFIterator(cf, txn)
	defer it.Close()
	for it.Seek(startKey); it.Valid(); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		if ExceedEndKey(key, endKey) {
			break
		}
		batch.DeleteCF(cf, key)
	}
}

// CompareAndSet atomically replaces key's value with newVal if the current
// value equals expected. Linearizable: the read and write share one badger
// update transaction. Returns false with no error when the comparison fails.
func CompareAndSet(db *badger.DB, cf string, key, expected, newVal []byte) (bool, error) {
	swapped := false
	err := db.Update(func(txn *badger.Txn) error {
		cur, err := GetCFFromTxn(txn, cf, key)
		if err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		if err == badger.ErrKeyNotFound || !bytes.Equal(cur, expected) {
			return nil
		}
		swapped = true
		return txn.Set(KeyWithCF(cf, key), newVal)
	})
	return swapped, errors.WithStack(err)
}

// PutIfAbsent writes key only when it does not exist yet. Returns false with
// no error when the key is already present.
func PutIfAbsent(db *badger.DB, cf string, key, val []byte) (bool, error) {
	put := false
	err := db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(KeyWithCF(cf, key))
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		put = true
		return txn.Set(KeyWithCF(cf, key), val)
	})
	return put, errors.WithStack(err)
}

func ExceedEndKey(current, endKey []byte) bool {
	if len(endKey) == 0 {
		return false
	}
	return bytes.Compare(current, endKey) >= 0
}
