package mvcc

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yuhaijun999/dingo-store/kv/config"
)

// fakeTso hands out strictly increasing batches the way the coordinator's
// TSO does.
type fakeTso struct {
	mu       sync.Mutex
	physical int64
	logical  int64
	calls    int
}

func (f *fakeTso) TsoBatch(count uint32) (int64, int64, uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	now := time.Now().UnixMilli()
	if now > f.physical {
		f.physical = now
		f.logical = 0
	}
	logical := f.logical
	f.logical += int64(count)
	return f.physical, logical, count, nil
}

func testTsConf() config.TsProvider {
	conf := config.NewDefaultConfig().TsProvider
	// Generous staleness so slow CI machines do not retire live batches.
	conf.StaleIntervalMs = 60_000
	return conf
}

func newTestProvider(t *testing.T) *TsProvider {
	t.Helper()
	p := NewTsProvider(&fakeTso{}, testTsConf())
	require.NoError(t, p.Init())
	t.Cleanup(p.Stop)
	return p
}

func TestGetTsBasic(t *testing.T) {
	p := newTestProvider(t)

	ts1 := p.GetTs(0)
	require.NotZero(t, ts1)
	ts2 := p.GetTs(0)
	require.NotZero(t, ts2)
	require.NotEqual(t, ts1, ts2)
}

func TestGetTsAfter(t *testing.T) {
	p := newTestProvider(t)

	var last uint64
	for i := 0; i < 1000; i++ {
		ts := p.GetTs(last)
		require.Greater(t, ts, last)
		last = ts
	}
}

func TestGetTsConcurrent(t *testing.T) {
	p := newTestProvider(t)

	const goroutines = 32
	const perGoroutine = 2000

	results := make([][]uint64, goroutines)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := make([]uint64, 0, perGoroutine)
			var last uint64
			for i := 0; i < perGoroutine; i++ {
				ts := p.GetTs(last)
				// No thread observes a decrease.
				if ts <= last {
					out = append(out, 0)
					continue
				}
				out = append(out, ts)
				last = ts
			}
			results[g] = out
		}()
	}
	wg.Wait()

	var all []uint64
	for _, out := range results {
		for _, ts := range out {
			require.NotZero(t, ts)
			all = append(all, ts)
		}
	}
	require.Len(t, all, goroutines*perGoroutine)

	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i := 1; i < len(all); i++ {
		require.NotEqual(t, all[i-1], all[i], "duplicate timestamp handed out")
	}
}

func TestBatchTsExhaustion(t *testing.T) {
	b := NewBatchTs(100, 0, 3)
	seen := map[uint64]struct{}{}
	for i := 0; i < 3; i++ {
		ts := b.GetTs()
		require.NotZero(t, ts)
		seen[ts] = struct{}{}
	}
	require.Len(t, seen, 3)
	require.Zero(t, b.GetTs())
	require.Zero(t, b.Remain())
}

func TestBatchTsListStaleRetire(t *testing.T) {
	list := NewBatchTsList(10, 1)
	stale := NewBatchTs(time.Now().UnixMilli()-1000, 0, 100)
	list.Push(stale)
	fresh := NewBatchTs(time.Now().UnixMilli(), 0, 100)
	list.Push(fresh)

	ts := list.GetTs(0)
	require.NotZero(t, ts)
	// The stale head was skipped: the ts comes from the fresh node.
	require.GreaterOrEqual(t, ts, uint64(fresh.Physical())<<18)
}

func TestRenewCoalesced(t *testing.T) {
	src := &fakeTso{}
	p := NewTsProvider(src, testTsConf())
	require.NoError(t, p.Init())
	defer p.Stop()

	for i := 0; i < 100; i++ {
		require.NotZero(t, p.GetTs(0))
	}
	src.mu.Lock()
	calls := src.calls
	src.mu.Unlock()
	// 100 timestamps from batches of 100 should need very few fetches.
	require.Less(t, calls, 10)
}
