package mvcc

import (
	"os"
	"testing"
	"time"

	"github.com/Connor1996/badger"
	"github.com/stretchr/testify/require"

	"github.com/yuhaijun999/dingo-store/kv/storage/raw"
	"github.com/yuhaijun999/dingo-store/kv/util/codec"
	"github.com/yuhaijun999/dingo-store/kv/util/engine_util"
)

const testPartition = 1

func openTestStorage(t *testing.T) *raw.Storage {
	t.Helper()
	dir, err := os.MkdirTemp("", "mvcc_reader")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return raw.NewStorage(engine_util.NewEngines(db, dir))
}

func putVersion(t *testing.T, s *raw.Storage, key string, value string, ts uint64) {
	t.Helper()
	wb := new(engine_util.WriteBatch)
	encKey := codec.EncodeKey(codec.PrefixRaw, testPartition, []byte(key), ts)
	wb.SetCF(engine_util.CfData, encKey, codec.PackValue(codec.FlagNone, []byte(value)))
	require.NoError(t, s.Write(wb))
}

func putVersionTTL(t *testing.T, s *raw.Storage, key string, value string, ts uint64, expireAtMs uint64) {
	t.Helper()
	wb := new(engine_util.WriteBatch)
	encKey := codec.EncodeKey(codec.PrefixRaw, testPartition, []byte(key), ts)
	wb.SetCF(engine_util.CfData, encKey, codec.PackValueTTL(codec.FlagNone, expireAtMs, []byte(value)))
	require.NoError(t, s.Write(wb))
}

func deleteVersion(t *testing.T, s *raw.Storage, key string, ts uint64) {
	t.Helper()
	wb := new(engine_util.WriteBatch)
	encKey := codec.EncodeKey(codec.PrefixRaw, testPartition, []byte(key), ts)
	wb.SetCF(engine_util.CfData, encKey, codec.PackValue(codec.FlagTombstone, nil))
	require.NoError(t, s.Write(wb))
}

func newTestReader(t *testing.T, s *raw.Storage) *Reader {
	snap := s.Snapshot()
	t.Cleanup(snap.Close)
	return NewReader(snap, codec.PrefixRaw, testPartition)
}

// Snapshot read across a commit: the version visible at ts is the newest one
// at or below it.
func TestSnapshotRead(t *testing.T) {
	s := openTestStorage(t)
	putVersion(t, s, "a", "1", 100)
	putVersion(t, s, "a", "2", 200)

	r := newTestReader(t, s)

	v, ok, err := r.KvGet(engine_util.CfData, 150, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	v, ok, err = r.KvGet(engine_util.CfData, 250, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	_, ok, err = r.KvGet(engine_util.CfData, 99, []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	// ts = 0 means latest.
	v, ok, err = r.KvGet(engine_util.CfData, 0, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestTombstoneHidden(t *testing.T) {
	s := openTestStorage(t)
	putVersion(t, s, "k", "v", 10)
	deleteVersion(t, s, "k", 20)
	putVersion(t, s, "k", "v2", 30)

	r := newTestReader(t, s)

	v, ok, err := r.KvGet(engine_util.CfData, 15, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	_, ok, err = r.KvGet(engine_util.CfData, 25, []byte("k"))
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err = r.KvGet(engine_util.CfData, 35, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

func TestScanVisibleVersions(t *testing.T) {
	s := openTestStorage(t)
	putVersion(t, s, "a", "a1", 10)
	putVersion(t, s, "a", "a2", 20)
	putVersion(t, s, "b", "b1", 15)
	deleteVersion(t, s, "c", 10)
	putVersion(t, s, "d", "d1", 30)

	r := newTestReader(t, s)

	var keys []string
	var values []string
	err := r.KvScan(engine_util.CfData, 20, nil, nil, func(k, v []byte) bool {
		keys = append(keys, string(k))
		values = append(values, string(v))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, keys)
	require.Equal(t, []string{"a2", "b1"}, values)
}

func TestScanRangeBounds(t *testing.T) {
	s := openTestStorage(t)
	for _, k := range []string{"a", "b", "c", "d"} {
		putVersion(t, s, k, "v", 10)
	}
	r := newTestReader(t, s)

	var keys []string
	err := r.KvScan(engine_util.CfData, 0, []byte("b"), []byte("d"), func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, keys)
}

func TestReverseIterator(t *testing.T) {
	s := openTestStorage(t)
	putVersion(t, s, "a", "a1", 10)
	putVersion(t, s, "b", "b1", 10)
	putVersion(t, s, "b", "b2", 20)
	deleteVersion(t, s, "c", 15)
	putVersion(t, s, "c", "c1", 5)

	r := newTestReader(t, s)
	it := r.NewIterator(engine_util.CfData, 20, nil, nil, true)
	defer it.Close()

	var keys, values []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
		values = append(values, string(it.Value()))
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"b", "a"}, keys)
	require.Equal(t, []string{"b2", "a1"}, values)
}

func TestCountMinMax(t *testing.T) {
	s := openTestStorage(t)
	putVersion(t, s, "a", "1", 10)
	putVersion(t, s, "m", "2", 10)
	putVersion(t, s, "z", "3", 10)
	deleteVersion(t, s, "z", 20)

	r := newTestReader(t, s)

	count, err := r.KvCount(engine_util.CfData, 0, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	min, err := r.KvMinKey(engine_util.CfData, 0, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("a"), min)

	max, err := r.KvMaxKey(engine_util.CfData, 0, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("m"), max)

	// At ts 10 the key "z" is still alive.
	max, err = r.KvMaxKey(engine_util.CfData, 10, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("z"), max)
}

// TTL expiry is wall-clock: an expired entry is hidden from gets and scans
// regardless of the read ts, a live one behaves like a plain value.
func TestTTLExpiry(t *testing.T) {
	s := openTestStorage(t)
	now := uint64(time.Now().UnixMilli())
	putVersionTTL(t, s, "gone", "v", 10, now-1000)
	putVersionTTL(t, s, "kept", "v", 10, now+60_000)
	putVersion(t, s, "plain", "v", 10)

	r := newTestReader(t, s)

	_, ok, err := r.KvGet(engine_util.CfData, 0, []byte("gone"))
	require.NoError(t, err)
	require.False(t, ok)

	// Even a snapshot read from before the expiry does not resurrect it.
	_, ok, err = r.KvGet(engine_util.CfData, 10, []byte("gone"))
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err := r.KvGet(engine_util.CfData, 0, []byte("kept"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)

	var keys []string
	err = r.KvScan(engine_util.CfData, 0, nil, nil, func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{"kept", "plain"}, keys)
}

// An expired newest version hides the older versions below it, the same way
// a tombstone does.
func TestTTLExpiryShadowsOlderVersions(t *testing.T) {
	s := openTestStorage(t)
	now := uint64(time.Now().UnixMilli())
	putVersion(t, s, "k", "old", 10)
	putVersionTTL(t, s, "k", "new", 20, now-1)

	r := newTestReader(t, s)
	_, ok, err := r.KvGet(engine_util.CfData, 0, []byte("k"))
	require.NoError(t, err)
	require.False(t, ok)

	// Below the expired version's ts the old value is still reachable.
	v, ok, err := r.KvGet(engine_util.CfData, 15, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("old"), v)
}

// Two reads at the same ts see identical state regardless of newer writes.
func TestRepeatableRead(t *testing.T) {
	s := openTestStorage(t)
	putVersion(t, s, "k", "old", 10)

	r := newTestReader(t, s)
	v1, ok, err := r.KvGet(engine_util.CfData, 10, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)

	putVersion(t, s, "k", "new", 20)

	v2, ok, err := r.KvGet(engine_util.CfData, 10, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, v1, v2)
}
