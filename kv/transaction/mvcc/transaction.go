package mvcc

import (
	"bytes"

	storemvcc "github.com/yuhaijun999/dingo-store/kv/mvcc"
	"github.com/yuhaijun999/dingo-store/kv/util/codec"
	"github.com/yuhaijun999/dingo-store/kv/util/engine_util"
)

// Modify is a single buffered change belonging to a transaction command.
type Modify struct {
	Cf     string
	Key    []byte
	Value  []byte
	Delete bool // true removes Key; Value is then unused
}

// RoTxn is a read-only view of the transactional keyspace at StartTS.
type RoTxn struct {
	Reader      storemvcc.Snapshot
	PartitionID uint64
	StartTS     uint64
}

// MvccTxn groups together writes as part of a single transaction command. It
// provides an abstraction over low-level storage, lowering the concepts of
// timestamps, writes, and locks into plain keys and values.
type MvccTxn struct {
	RoTxn
	writes []Modify
}

func NewTxn(reader storemvcc.Snapshot, partitionID, startTs uint64) *MvccTxn {
	return &MvccTxn{
		RoTxn: RoTxn{Reader: reader, PartitionID: partitionID, StartTS: startTs},
	}
}

// Writes returns all changes added to this transaction.
func (txn *MvccTxn) Writes() []Modify {
	return txn.writes
}

// FlushInto appends the buffered writes to an engine batch.
func (txn *MvccTxn) FlushInto(wb *engine_util.WriteBatch) {
	for _, m := range txn.writes {
		if m.Delete {
			wb.DeleteCF(m.Cf, m.Key)
		} else {
			wb.SetCF(m.Cf, m.Key, m.Value)
		}
	}
}

func (txn *RoTxn) lockKey(key []byte) []byte {
	return codec.EncodeKeyNoTs(codec.PrefixTxn, txn.PartitionID, key)
}

func (txn *RoTxn) writeKey(key []byte, ts uint64) []byte {
	return codec.EncodeKey(codec.PrefixTxn, txn.PartitionID, key, ts)
}

// GetLock returns a lock if key is locked. It will return (nil, nil) if there
// is no lock on key, and (nil, err) if an error occurs during lookup.
func (txn *RoTxn) GetLock(key []byte) (*Lock, error) {
	value, ok, err := txn.Reader.GetCF(engine_util.CfLock, txn.lockKey(key))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return ParseLock(value)
}

// PutLock adds a key/lock to this transaction.
func (txn *MvccTxn) PutLock(key []byte, lock *Lock) {
	txn.writes = append(txn.writes, Modify{
		Cf:    engine_util.CfLock,
		Key:   txn.lockKey(key),
		Value: lock.ToBytes(),
	})
}

// DeleteLock adds a delete lock to this transaction.
func (txn *MvccTxn) DeleteLock(key []byte) {
	txn.writes = append(txn.writes, Modify{
		Cf:     engine_util.CfLock,
		Key:    txn.lockKey(key),
		Delete: true,
	})
}

// PutWrite records a write at key and ts.
func (txn *MvccTxn) PutWrite(key []byte, ts uint64, write *Write) {
	txn.writes = append(txn.writes, Modify{
		Cf:    engine_util.CfWrite,
		Key:   txn.writeKey(key, ts),
		Value: write.ToBytes(),
	})
}

// DeleteWrite removes a write record, used by rollback collapse and GC.
func (txn *MvccTxn) DeleteWrite(key []byte, ts uint64) {
	txn.writes = append(txn.writes, Modify{
		Cf:     engine_util.CfWrite,
		Key:    txn.writeKey(key, ts),
		Delete: true,
	})
}

// PutValue adds a key/value write to this transaction, stored under StartTS.
func (txn *MvccTxn) PutValue(key []byte, value []byte) {
	txn.writes = append(txn.writes, Modify{
		Cf:    engine_util.CfData,
		Key:   txn.writeKey(key, txn.StartTS),
		Value: codec.PackValue(codec.FlagNone, value),
	})
}

// DeleteValue removes a key/value pair in this transaction.
func (txn *MvccTxn) DeleteValue(key []byte) {
	txn.DeleteValueAt(key, txn.StartTS)
}

// DeleteValueAt removes the data entry stored under a specific start ts.
func (txn *MvccTxn) DeleteValueAt(key []byte, ts uint64) {
	txn.writes = append(txn.writes, Modify{
		Cf:     engine_util.CfData,
		Key:    txn.writeKey(key, ts),
		Delete: true,
	})
}

// GetValueAt gets the value at precisely the given key and ts, without
// searching.
func (txn *RoTxn) GetValueAt(key []byte, ts uint64) ([]byte, error) {
	value, ok, err := txn.Reader.GetCF(engine_util.CfData, txn.writeKey(key, ts))
	if err != nil || !ok {
		return nil, err
	}
	_, payload, err := codec.UnpackValue(value)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// MostRecentWrite finds the most recent write with the given key. It returns
// a Write from the DB and that write's commit timestamp, or an error.
func (txn *RoTxn) MostRecentWrite(key []byte) (*Write, uint64, error) {
	return txn.MostRecentWriteBefore(key, codec.TsMax)
}

// MostRecentWriteBefore finds the write with the given key and the most
// recent commit timestamp at or before ts.
//
// With the raw key layout, records of user keys that extend key as a prefix
// interleave with key's own version records, so the walk filters on exact
// decoded key equality instead of stopping at the first foreign entry.
func (txn *RoTxn) MostRecentWriteBefore(key []byte, ts uint64) (*Write, uint64, error) {
	iter := txn.Reader.IterCF(engine_util.CfWrite, engine_util.IterOptions{})
	defer iter.Close()
	prefix := codec.EncodeKeyNoTs(codec.PrefixTxn, txn.PartitionID, key)
	for iter.Seek(prefix); iter.Valid(); iter.Next() {
		item := iter.Item()
		encKey := item.KeyCopy(nil)
		if !bytes.HasPrefix(encKey, prefix) {
			break
		}
		_, _, userKey, commitTs, err := codec.DecodeKey(encKey)
		if err != nil {
			return nil, 0, err
		}
		if !bytes.Equal(userKey, key) || commitTs > ts {
			continue
		}
		value, err := item.Value()
		if err != nil {
			return nil, 0, err
		}
		write, err := ParseWrite(value)
		if err != nil {
			return nil, 0, err
		}
		return write, commitTs, nil
	}
	return nil, 0, nil
}

// CurrentWrite searches for a write with this transaction's start timestamp.
// It returns a Write from the DB and that write's commit timestamp, or an
// error.
func (txn *RoTxn) CurrentWrite(key []byte) (*Write, uint64, error) {
	seekTs := codec.TsMax
	for {
		write, commitTs, err := txn.MostRecentWriteBefore(key, seekTs)
		if err != nil {
			return nil, 0, err
		}
		if write == nil {
			return nil, 0, nil
		}
		if write.StartTS == txn.StartTS {
			return write, commitTs, nil
		}
		if commitTs <= txn.StartTS {
			return nil, 0, nil
		}
		seekTs = commitTs - 1
	}
}

// GetValue finds the value for key, valid at the start timestamp of this
// transaction. I.e., the most recent value committed before the start of this
// transaction.
func (txn *RoTxn) GetValue(key []byte) ([]byte, error) {
	iter := txn.Reader.IterCF(engine_util.CfWrite, engine_util.IterOptions{})
	defer iter.Close()
	prefix := codec.EncodeKeyNoTs(codec.PrefixTxn, txn.PartitionID, key)
	for iter.Seek(prefix); iter.Valid(); iter.Next() {
		item := iter.Item()
		encKey := item.KeyCopy(nil)
		// Once the prefix no longer matches we've run past every version of
		// key without finding a put write.
		if !bytes.HasPrefix(encKey, prefix) {
			return nil, nil
		}
		_, _, userKey, commitTs, err := codec.DecodeKey(encKey)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(userKey, key) || commitTs > txn.StartTS {
			continue
		}
		value, err := item.Value()
		if err != nil {
			return nil, err
		}
		write, err := ParseWrite(value)
		if err != nil {
			return nil, err
		}
		switch write.Kind {
		case WriteKindPut:
			return txn.GetValueAt(key, write.StartTS)
		case WriteKindDelete:
			return nil, nil
		case WriteKindRollback, WriteKindLock:
		}
	}
	return nil, nil
}
