package mvcc

import (
	"bytes"

	"github.com/yuhaijun999/dingo-store/kv/util/codec"
	"github.com/yuhaijun999/dingo-store/kv/util/engine_util"
)

// Snapshot is the raw-engine view a versioned reader runs on. Implementations
// wrap one storage snapshot so repeated reads are consistent.
type Snapshot interface {
	GetCF(cf string, key []byte) ([]byte, bool, error)
	IterCF(cf string, opts engine_util.IterOptions) *engine_util.BadgerIterator
}

// Reader yields, for any user key, the newest version whose ts <= readTs and
// hides tombstones. ts = 0 means "latest". All keys in and out are plain;
// encoding stays inside.
type Reader struct {
	snap      Snapshot
	prefix    byte
	partition uint64
}

func NewReader(snap Snapshot, prefix byte, partitionID uint64) *Reader {
	return &Reader{snap: snap, prefix: prefix, partition: partitionID}
}

func resolveTs(ts uint64) uint64 {
	if ts == 0 {
		return codec.TsMax
	}
	return ts
}

// liveValue unpacks a stored value and decides whether it is visible: a
// tombstone is not, and neither is a TTL-tagged value whose expire-at wall
// time has passed. Expiry is wall-clock, independent of the read ts.
func liveValue(value []byte, nowMs uint64) (payload []byte, live bool, err error) {
	if codec.IsTombstone(value) {
		return nil, false, nil
	}
	flag, expireAt, payload, err := codec.UnpackValueTTL(value)
	if err != nil {
		return nil, false, err
	}
	if flag&codec.FlagTTL != 0 && expireAt <= nowMs {
		return nil, false, nil
	}
	return payload, true, nil
}

// KvGet returns the visible value of plainKey, or (nil, false) when no live
// version exists at ts. The walk filters on exact key equality: version
// records interleave with records of user keys that extend plainKey as a
// prefix, so the first foreign entry does not end the search.
func (r *Reader) KvGet(cf string, ts uint64, plainKey []byte) ([]byte, bool, error) {
	readTs := resolveTs(ts)
	nowMs := uint64(timestampMs())
	it := r.snap.IterCF(cf, engine_util.IterOptions{})
	defer it.Close()

	prefix := codec.EncodeKeyNoTs(r.prefix, r.partition, plainKey)
	for it.Seek(prefix); it.Valid(); it.Next() {
		item := it.Item()
		encKey := item.KeyCopy(nil)
		if !bytes.HasPrefix(encKey, prefix) {
			break
		}
		_, _, userKey, entryTs, err := codec.DecodeKey(encKey)
		if err != nil {
			return nil, false, err
		}
		if !bytes.Equal(userKey, plainKey) || entryTs > readTs {
			continue
		}
		value, err := item.Value()
		if err != nil {
			return nil, false, err
		}
		payload, live, err := liveValue(value, nowMs)
		if err != nil || !live {
			return nil, false, err
		}
		return append([]byte(nil), payload...), true, nil
	}
	return nil, false, nil
}

// KvScan streams visible versions in [startPlain, endPlain) in key order and
// stops when fn returns false.
func (r *Reader) KvScan(cf string, ts uint64, startPlain, endPlain []byte, fn func(plainKey, value []byte) bool) error {
	it := r.NewIterator(cf, ts, startPlain, endPlain, false)
	defer it.Close()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return it.Err()
}

// KvCount counts visible user keys in [startPlain, endPlain).
func (r *Reader) KvCount(cf string, ts uint64, startPlain, endPlain []byte) (int64, error) {
	var count int64
	err := r.KvScan(cf, ts, startPlain, endPlain, func([]byte, []byte) bool {
		count++
		return true
	})
	return count, err
}

// KvMinKey returns the smallest visible user key in the range, nil if none.
func (r *Reader) KvMinKey(cf string, ts uint64, startPlain, endPlain []byte) ([]byte, error) {
	var min []byte
	err := r.KvScan(cf, ts, startPlain, endPlain, func(k, _ []byte) bool {
		min = append([]byte(nil), k...)
		return false
	})
	return min, err
}

// KvMaxKey returns the largest visible user key in the range, nil if none.
func (r *Reader) KvMaxKey(cf string, ts uint64, startPlain, endPlain []byte) ([]byte, error) {
	it := r.NewIterator(cf, ts, startPlain, endPlain, true)
	defer it.Close()
	it.SeekToFirst()
	if err := it.Err(); err != nil {
		return nil, err
	}
	if !it.Valid() {
		return nil, nil
	}
	return append([]byte(nil), it.Key()...), nil
}

// Iterator walks visible versions of one column family, yielding plain keys.
type Iterator struct {
	reader  *Reader
	cf      string
	readTs  uint64
	nowMs   uint64
	start   []byte
	end     []byte
	reverse bool

	it    *engine_util.BadgerIterator
	key   []byte
	value []byte
	valid bool
	err   error
}

// NewIterator builds a versioned iterator over [startPlain, endPlain). The
// returned iterator yields decoded plain keys, newest visible version per
// key, tombstones skipped.
func (r *Reader) NewIterator(cf string, ts uint64, startPlain, endPlain []byte, reverse bool) *Iterator {
	// The engine-level bounds span the whole partition; the end-key check runs
	// on decoded user keys, where version suffixes cannot distort it.
	encStart, encEnd := codec.EncodeRange(r.prefix, r.partition, startPlain, nil)
	it := r.snap.IterCF(cf, engine_util.IterOptions{
		Lower:   encStart,
		Upper:   encEnd,
		Reverse: reverse,
	})
	return &Iterator{
		reader:  r,
		cf:      cf,
		readTs:  resolveTs(ts),
		nowMs:   uint64(timestampMs()),
		start:   startPlain,
		end:     endPlain,
		reverse: reverse,
		it:      it,
	}
}

func (i *Iterator) SeekToFirst() {
	if i.reverse {
		i.it.SeekToFirst()
		i.advanceReverse()
	} else {
		i.Seek(i.start)
	}
}

// Seek positions at the first visible user key >= plainKey (<= for reverse).
// Forward seeks use the ts-less prefix: it sorts before every version of
// plainKey and before every longer key, which a ts-suffixed target does not.
func (i *Iterator) Seek(plainKey []byte) {
	if i.reverse {
		i.it.Seek(codec.EncodeKey(i.reader.prefix, i.reader.partition, plainKey, 0))
		i.advanceReverse()
	} else {
		i.it.Seek(codec.EncodeKeyNoTs(i.reader.prefix, i.reader.partition, plainKey))
		i.advanceForward()
	}
}

func (i *Iterator) Valid() bool   { return i.valid && i.err == nil }
func (i *Iterator) Key() []byte   { return i.key }
func (i *Iterator) Value() []byte { return i.value }
func (i *Iterator) Err() error    { return i.err }
func (i *Iterator) Close()        { i.it.Close() }

func (i *Iterator) Next() {
	if !i.valid {
		return
	}
	if i.reverse {
		i.advanceReverse()
	} else {
		// Skip the remaining (older) versions of the current key.
		i.skipUserKeyForward(i.key)
		i.advanceForward()
	}
}

func (i *Iterator) outOfRange(userKey []byte) bool {
	if i.reverse {
		return bytes.Compare(userKey, i.start) < 0
	}
	return len(i.end) > 0 && bytes.Compare(userKey, i.end) >= 0
}

// advanceForward finds the next visible user key at the current position.
// Versions are stored newest first, so the first entry with ts <= readTs is
// the visible one; anything after it under the same user key is older.
func (i *Iterator) advanceForward() {
	i.valid = false
	for i.it.Valid() {
		item := i.it.Item()
		encKey := item.KeyCopy(nil)
		_, _, userKey, entryTs, err := codec.DecodeKey(encKey)
		if err != nil {
			i.err = err
			return
		}
		if i.outOfRange(userKey) {
			return
		}
		if entryTs > i.readTs {
			i.it.Next()
			continue
		}
		value, err := item.Value()
		if err != nil {
			i.err = err
			return
		}
		payload, live, err := liveValue(value, i.nowMs)
		if err != nil {
			i.err = err
			return
		}
		if !live {
			// Deleted or expired: the newest version decides, skip the key.
			i.skipUserKeyForward(userKey)
			continue
		}
		i.key = append([]byte(nil), userKey...)
		i.value = append([]byte(nil), payload...)
		i.valid = true
		return
	}
}

// skipUserKeyForward moves past every remaining version of userKey.
func (i *Iterator) skipUserKeyForward(userKey []byte) {
	i.it.Seek(codec.EncodeKey(i.reader.prefix, i.reader.partition, userKey, 0))
	for i.it.Valid() {
		encKey := i.it.Item().KeyCopy(nil)
		_, _, cur, _, err := codec.DecodeKey(encKey)
		if err != nil {
			i.err = err
			return
		}
		if !bytes.Equal(cur, userKey) {
			return
		}
		i.it.Next()
	}
}

// advanceReverse walks descending. Within one user key the reverse order is
// oldest first, so the last entry with ts <= readTs before the key changes is
// the visible version.
func (i *Iterator) advanceReverse() {
	i.valid = false
	var (
		curKey   []byte
		curVal   []byte
		curFound bool
		curDead  bool
	)
	emit := func() bool {
		if curFound && !curDead {
			i.key = curKey
			i.value = curVal
			i.valid = true
			return true
		}
		return false
	}
	for i.it.Valid() {
		item := i.it.Item()
		encKey := item.KeyCopy(nil)
		_, _, userKey, entryTs, err := codec.DecodeKey(encKey)
		if err != nil {
			i.err = err
			return
		}
		if i.outOfRange(userKey) {
			break
		}
		if curKey != nil && !bytes.Equal(userKey, curKey) {
			if emit() {
				return
			}
			curFound, curDead = false, false
		}
		if curKey == nil || !bytes.Equal(userKey, curKey) {
			curKey = append([]byte(nil), userKey...)
		}
		if entryTs <= i.readTs {
			value, err := item.Value()
			if err != nil {
				i.err = err
				return
			}
			payload, live, err := liveValue(value, i.nowMs)
			if err != nil {
				i.err = err
				return
			}
			if live {
				curVal = append([]byte(nil), payload...)
				curFound, curDead = true, false
			} else {
				curFound, curDead = true, true
			}
		}
		i.it.Next()
	}
	emit()
}
