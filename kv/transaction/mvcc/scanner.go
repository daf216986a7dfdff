package mvcc

import (
	"bytes"

	"github.com/yuhaijun999/dingo-store/kv/util/codec"
	"github.com/yuhaijun999/dingo-store/kv/util/engine_util"
)

// Scanner is used for reading multiple sequential key/value pairs from the
// transactional storage layer. It is aware of the implementation of storage
// over multiple CFs and is able to translate the multi-CF representation into
// logical key/value pairs.
type Scanner struct {
	txn     *RoTxn
	iter    *engine_util.BadgerIterator
	seekKey []byte
	endKey  []byte
	done    bool
}

// NewScanner creates a new scanner ready to read from the snapshot in txn.
// endKey is exclusive; empty means the end of the partition.
func NewScanner(startKey, endKey []byte, txn *RoTxn) *Scanner {
	return &Scanner{
		txn:     txn,
		iter:    txn.Reader.IterCF(engine_util.CfWrite, engine_util.IterOptions{}),
		seekKey: codec.EncodeKeyNoTs(codec.PrefixTxn, txn.PartitionID, startKey),
		endKey:  endKey,
	}
}

func (scan *Scanner) Close() {
	scan.iter.Close()
}

// Next returns the next key/value pair from the scanner. If the scanner is
// exhausted, then it will return (nil, nil, nil).
func (scan *Scanner) Next() ([]byte, []byte, error) {
	for !scan.done {
		// The first seek uses the ts-less prefix of the start key: it sorts
		// before every commit record of that key and before every larger user
		// key.
		scan.iter.Seek(scan.seekKey)
		if !scan.iter.Valid() {
			scan.done = true
			return nil, nil, nil
		}
		encKey := scan.iter.Item().KeyCopy(nil)
		_, partition, userKey, _, err := codec.DecodeKey(encKey)
		if err != nil {
			return nil, nil, err
		}
		if partition != scan.txn.PartitionID {
			scan.done = true
			return nil, nil, nil
		}
		if len(scan.endKey) > 0 && bytes.Compare(userKey, scan.endKey) >= 0 {
			scan.done = true
			return nil, nil, nil
		}

		// Whatever the outcome for this user key, the scan resumes after it.
		// Every commit record of userKey sorts at or below its ts=0 encoding
		// (complemented ts all 0xFF), so the next seek starts just past that.
		userKey = append([]byte(nil), userKey...)
		scan.seekKey = codec.NextKey(codec.EncodeKey(codec.PrefixTxn, scan.txn.PartitionID, userKey, 0))

		value, kind, err := scan.visibleValue(userKey)
		if err != nil {
			return nil, nil, err
		}
		if kind == WriteKindPut {
			return userKey, value, nil
		}
		// Deleted, rolled back, or nothing at our snapshot yet: move on.
	}
	return nil, nil, nil
}

// visibleValue walks the commit records of userKey, newest first, and
// resolves the version visible at the transaction's start ts. Records of user
// keys extending userKey as a prefix interleave with its versions, so the
// walk filters on exact key equality and only stops once the prefix runs out.
func (scan *Scanner) visibleValue(userKey []byte) ([]byte, WriteKind, error) {
	prefix := codec.EncodeKeyNoTs(codec.PrefixTxn, scan.txn.PartitionID, userKey)
	for ; scan.iter.Valid(); scan.iter.Next() {
		item := scan.iter.Item()
		encKey := item.KeyCopy(nil)
		if !bytes.HasPrefix(encKey, prefix) {
			break
		}
		_, _, curKey, commitTs, err := codec.DecodeKey(encKey)
		if err != nil {
			return nil, 0, err
		}
		if !bytes.Equal(curKey, userKey) {
			continue
		}
		if commitTs > scan.txn.StartTS {
			// Committed after our snapshot, keep looking back.
			continue
		}
		raw, err := item.Value()
		if err != nil {
			return nil, 0, err
		}
		write, err := ParseWrite(raw)
		if err != nil {
			return nil, 0, err
		}
		switch write.Kind {
		case WriteKindPut:
			value, err := scan.txn.GetValueAt(userKey, write.StartTS)
			return value, WriteKindPut, err
		case WriteKindDelete:
			return nil, WriteKindDelete, nil
		case WriteKindRollback, WriteKindLock:
			// Not a data version, look further back.
		}
	}
	return nil, WriteKindRollback, nil
}
