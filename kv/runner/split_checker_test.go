package runner

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Connor1996/badger"
	"github.com/stretchr/testify/require"

	"github.com/yuhaijun999/dingo-store/kv/config"
	"github.com/yuhaijun999/dingo-store/kv/region"
	"github.com/yuhaijun999/dingo-store/kv/storage/raw"
	"github.com/yuhaijun999/dingo-store/kv/util/codec"
	"github.com/yuhaijun999/dingo-store/kv/util/engine_util"
)

func openTestStorage(t *testing.T) *raw.Storage {
	t.Helper()
	dir, err := os.MkdirTemp("", "split_checker")
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

type fakeCoordinator struct {
	mu       sync.Mutex
	splits   map[uint64][]byte
	readOnly bool
}

func (f *fakeCoordinator) SplitRegion(regionID uint64, splitKey []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.splits == nil {
		f.splits = make(map[uint64][]byte)
	}
	f.splits[regionID] = append([]byte(nil), splitKey...)
	return nil
}

func (f *fakeCoordinator) IsClusterReadOnly() bool { return f.readOnly }

func (f *fakeCoordinator) splitKeyFor(regionID uint64) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.splits[regionID]
}

// seedRegion writes n keys of valueSize bytes each into the data CF.
func seedRegion(t *testing.T, s *raw.Storage, partition uint64, n, valueSize int) {
	t.Helper()
	value := bytes.Repeat([]byte("x"), valueSize)
	wb := new(engine_util.WriteBatch)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key%04d", i))
		wb.SetCF(engine_util.CfData, codec.EncodeKey(codec.PrefixRaw, partition, key, 10), codec.PackValue(codec.FlagNone, value))
		if wb.Len() > 64 {
			require.NoError(t, s.Write(wb))
			wb.Reset()
		}
	}
	require.NoError(t, s.Write(wb))
}

func TestMergedIteratorOrdering(t *testing.T) {
	s := openTestStorage(t)
	wb := new(engine_util.WriteBatch)
	wb.SetCF(engine_util.CfData, []byte("b"), []byte("1"))
	wb.SetCF(engine_util.CfScalar, []byte("a"), []byte("2"))
	wb.SetCF(engine_util.CfTable, []byte("c"), []byte("3"))
	wb.SetCF(engine_util.CfScalar, []byte("d"), []byte("4"))
	require.NoError(t, s.Write(wb))

	it := NewMergedIterator(s, []string{engine_util.CfData, engine_util.CfScalar, engine_util.CfTable}, nil)
	defer it.Close()

	var keys []string
	for it.Seek(nil); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
		require.Positive(t, it.KeyValueSize())
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, keys)
}

func TestMergedIteratorUpperBound(t *testing.T) {
	s := openTestStorage(t)
	wb := new(engine_util.WriteBatch)
	for _, k := range []string{"a", "b", "c", "d"} {
		wb.SetCF(engine_util.CfData, []byte(k), []byte("v"))
	}
	require.NoError(t, s.Write(wb))

	it := NewMergedIterator(s, []string{engine_util.CfData}, []byte("c"))
	defer it.Close()

	var keys []string
	for it.Seek(nil); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.Equal(t, []string{"a", "b"}, keys)
}

// HALF policy: 1024 keys of ~1KiB, 16KiB chunks, 512KiB threshold. The split
// key lands near the middle of the region and inside its range.
func TestHalfPolicySplitKey(t *testing.T) {
	s := openTestStorage(t)
	seedRegion(t, s, 1, 1024, 1024)

	conf := &config.Split{
		Policy:        config.SplitPolicyHalf,
		RegionMaxSize: 512 * config.KB,
		ChunkSize:     16 * config.KB,
	}
	checker := BuildSplitChecker(conf)
	require.Equal(t, config.SplitPolicyHalf, checker.PolicyName())

	encStart, encEnd := codec.EncodeRange(codec.PrefixRaw, 1, nil, nil)
	it := NewMergedIterator(s, []string{engine_util.CfData}, encEnd)
	defer it.Close()

	splitKey, count, size := checker.SplitKey(it, encStart)
	require.NotEmpty(t, splitKey)
	require.Equal(t, uint32(1024), count)
	require.Greater(t, size, uint64(1024*1024))

	_, _, userKey, _, err := codec.DecodeKey(splitKey)
	require.NoError(t, err)
	// Near the middle: between key0400 and key0650, roughly 39% to 63% of
	// the 1024 keys.
	require.Greater(t, string(userKey), "key0400")
	require.Less(t, string(userKey), "key0650")
}

func TestHalfPolicyUnderThreshold(t *testing.T) {
	s := openTestStorage(t)
	seedRegion(t, s, 1, 16, 1024)

	conf := &config.Split{
		Policy:        config.SplitPolicyHalf,
		RegionMaxSize: 512 * config.KB,
		ChunkSize:     16 * config.KB,
	}
	checker := BuildSplitChecker(conf)
	encStart, encEnd := codec.EncodeRange(codec.PrefixRaw, 1, nil, nil)
	it := NewMergedIterator(s, []string{engine_util.CfData}, encEnd)
	defer it.Close()

	splitKey, _, _ := checker.SplitKey(it, encStart)
	require.Empty(t, splitKey)
}

func TestSizePolicy(t *testing.T) {
	s := openTestStorage(t)
	seedRegion(t, s, 1, 100, 1024)

	conf := &config.Split{
		Policy:        config.SplitPolicySize,
		RegionMaxSize: 50 * config.KB,
		SizeRatio:     0.5,
	}
	checker := BuildSplitChecker(conf)
	encStart, encEnd := codec.EncodeRange(codec.PrefixRaw, 1, nil, nil)
	it := NewMergedIterator(s, []string{engine_util.CfData}, encEnd)
	defer it.Close()

	splitKey, count, size := checker.SplitKey(it, encStart)
	require.NotEmpty(t, splitKey)
	require.Equal(t, uint32(100), count)
	require.Greater(t, size, uint64(100*1024))

	_, _, userKey, _, err := codec.DecodeKey(splitKey)
	require.NoError(t, err)
	// The split key sits near half the threshold: ~25KiB in, around key 24.
	require.Greater(t, string(userKey), "key0015")
	require.Less(t, string(userKey), "key0035")
}

func TestKeysPolicy(t *testing.T) {
	s := openTestStorage(t)
	seedRegion(t, s, 1, 200, 16)

	conf := &config.Split{
		Policy:     config.SplitPolicyKeys,
		KeysNumber: 100,
		KeysRatio:  0.5,
	}
	checker := BuildSplitChecker(conf)
	encStart, encEnd := codec.EncodeRange(codec.PrefixRaw, 1, nil, nil)
	it := NewMergedIterator(s, []string{engine_util.CfData}, encEnd)
	defer it.Close()

	splitKey, count, _ := checker.SplitKey(it, encStart)
	require.NotEmpty(t, splitKey)
	require.Equal(t, uint32(200), count)

	_, _, userKey, _, err := codec.DecodeKey(splitKey)
	require.NoError(t, err)
	require.Equal(t, "key0049", string(userKey))
}

// A full worker-pool check dispatches exactly one SplitRegion with a key
// inside the region range, and refreshes the region stats.
func TestSplitCheckDispatch(t *testing.T) {
	s := openTestStorage(t)
	seedRegion(t, s, 1, 256, 4096)

	conf := config.NewTestConfig()
	conf.Split.Policy = config.SplitPolicyHalf
	conf.Split.RegionMaxSize = 512 * config.KB
	conf.Split.ChunkSize = 64 * config.KB

	coord := &fakeCoordinator{}
	workers := NewSplitCheckWorkers(&conf.Split, s, coord)
	defer workers.Stop()

	r := region.New(7, 1, region.TypeKV, nil, nil, region.Epoch{ConfVersion: 1, Version: 1})
	r.SetState(region.StateNormal)

	require.True(t, workers.Execute(&SplitCheckTask{Region: r}))

	require.Eventually(t, func() bool {
		return coord.splitKeyFor(7) != nil
	}, 5*time.Second, 10*time.Millisecond)

	splitKey := coord.splitKeyFor(7)
	require.True(t, r.CheckKeyInRange(splitKey))
	require.NotZero(t, r.ApproximateSize())
	require.Equal(t, uint64(256), r.KeyCount())
}

func TestSplitCheckSkipsAbnormalRegion(t *testing.T) {
	s := openTestStorage(t)
	seedRegion(t, s, 1, 256, 4096)

	conf := config.NewTestConfig()
	conf.Split.RegionMaxSize = 64 * config.KB
	conf.Split.ChunkSize = 16 * config.KB

	coord := &fakeCoordinator{}
	workers := NewSplitCheckWorkers(&conf.Split, s, coord)
	defer workers.Stop()

	r := region.New(8, 1, region.TypeKV, nil, nil, region.Epoch{})
	r.SetState(region.StateNormal)
	r.SetDisableSplit(true)

	require.True(t, workers.Execute(&SplitCheckTask{Region: r}))
	time.Sleep(200 * time.Millisecond)
	require.Nil(t, coord.splitKeyFor(8))
}

func TestPreSplitCheckerFloor(t *testing.T) {
	s := openTestStorage(t)
	conf := config.NewTestConfig()
	conf.Split.CheckApproximateSize = 1 << 30 // nothing qualifies

	coord := &fakeCoordinator{}
	workers := NewSplitCheckWorkers(&conf.Split, s, coord)
	defer workers.Stop()

	registry := region.NewRegistry()
	r := region.New(9, 1, region.TypeKV, nil, nil, region.Epoch{})
	r.SetState(region.StateNormal)
	registry.Add(r)

	pre := NewPreSplitChecker(conf, registry, workers, coord)
	pre.Tick()

	time.Sleep(100 * time.Millisecond)
	require.Nil(t, coord.splitKeyFor(9))
}
