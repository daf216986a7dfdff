package transaction

import (
	"context"
	"os"
	"testing"

	"github.com/Connor1996/badger"
	"github.com/stretchr/testify/require"

	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/storage/raw"
	"github.com/yuhaijun999/dingo-store/kv/transaction/latches"
	"github.com/yuhaijun999/dingo-store/kv/transaction/mvcc"
	"github.com/yuhaijun999/dingo-store/kv/util/codec"
	"github.com/yuhaijun999/dingo-store/kv/util/engine_util"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir, err := os.MkdirTemp("", "txn_engine")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	storage := raw.NewStorage(engine_util.NewEngines(db, dir))
	return NewEngine(storage, latches.NewLatches(), 1, nil, nil)
}

func put(key, value string) Mutation {
	return Mutation{Op: MutationPut, Key: []byte(key), Value: []byte(value)}
}

// 2PC happy path: prewrite locks, commit publishes, reads before commit fail
// with KeyIsLocked.
func TestTwoPhaseCommit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Prewrite(ctx, &PrewriteRequest{
		Mutations: []Mutation{put("x", "1"), put("y", "2")},
		Primary:   []byte("x"),
		StartTs:   10,
		LockTtl:   1000,
	})
	require.NoError(t, err)

	_, _, err = e.Get(ctx, []byte("x"), 10)
	locked, ok := kverrors.IsKeyIsLocked(err)
	require.True(t, ok)
	require.Equal(t, uint64(10), locked.LockTs)

	require.NoError(t, e.Commit(ctx, [][]byte{[]byte("x"), []byte("y")}, 10, 11))

	v, ok2, err := e.Get(ctx, []byte("x"), 11)
	require.NoError(t, err)
	require.True(t, ok2)
	require.Equal(t, []byte("1"), v)

	v, ok2, err = e.Get(ctx, []byte("y"), 11)
	require.NoError(t, err)
	require.True(t, ok2)
	require.Equal(t, []byte("2"), v)

	// Before the commit ts nothing is visible.
	_, ok2, err = e.Get(ctx, []byte("x"), 9)
	require.NoError(t, err)
	require.False(t, ok2)

	// No lock remains and exactly one write record exists per key.
	locks, err := e.ScanLock(ctx, codec.TsMax, 0)
	require.NoError(t, err)
	require.Empty(t, locks)

	versions, err := e.Dump(ctx, 0)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	for _, ver := range versions {
		require.Equal(t, uint64(10), ver.StartTs)
		require.Equal(t, uint64(11), ver.CommitTs)
		require.Equal(t, mvcc.WriteKindPut, ver.Kind)
	}
}

// Pessimistic retry on write conflict: a competing lock blocks, the loser
// retries with a newer for_update_ts after the winner commits.
func TestPessimisticConflictRetry(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	key := [][]byte{[]byte("k")}

	require.NoError(t, e.PessimisticLock(ctx, key, []byte("k"), 10, 10, 1000))

	err := e.PessimisticLock(ctx, key, []byte("k"), 11, 11, 1000)
	_, isLocked := kverrors.IsKeyIsLocked(err)
	require.True(t, isLocked)

	_, err = e.Prewrite(ctx, &PrewriteRequest{
		Mutations:         []Mutation{put("k", "a")},
		Primary:           []byte("k"),
		StartTs:           10,
		LockTtl:           1000,
		PessimisticChecks: []bool{true},
	})
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, key, 10, 12))

	// Retrying with the old for_update_ts still conflicts with the commit.
	err = e.PessimisticLock(ctx, key, []byte("k"), 11, 11, 1000)
	_, isConflict := kverrors.IsWriteConflict(err)
	require.True(t, isConflict)

	// A newer for_update_ts succeeds.
	require.NoError(t, e.PessimisticLock(ctx, key, []byte("k"), 11, 13, 1000))
}

func TestPrewriteWriteConflict(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Prewrite(ctx, &PrewriteRequest{
		Mutations: []Mutation{put("k", "1")}, Primary: []byte("k"), StartTs: 10, LockTtl: 100,
	})
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, [][]byte{[]byte("k")}, 10, 20))

	// A prewrite whose snapshot is below the commit fails.
	_, err = e.Prewrite(ctx, &PrewriteRequest{
		Mutations: []Mutation{put("k", "2")}, Primary: []byte("k"), StartTs: 15, LockTtl: 100,
	})
	conflict, ok := kverrors.IsWriteConflict(err)
	require.True(t, ok)
	require.Equal(t, uint64(20), conflict.ConflictTs)
}

// Prewrite then rollback leaves no lock and no visible write.
func TestRollback(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Prewrite(ctx, &PrewriteRequest{
		Mutations: []Mutation{put("k", "1")}, Primary: []byte("k"), StartTs: 10, LockTtl: 100,
	})
	require.NoError(t, err)
	require.NoError(t, e.BatchRollback(ctx, [][]byte{[]byte("k")}, 10))

	_, ok, err := e.Get(ctx, []byte("k"), 100)
	require.NoError(t, err)
	require.False(t, ok)

	locks, err := e.ScanLock(ctx, codec.TsMax, 0)
	require.NoError(t, err)
	require.Empty(t, locks)

	// A late prewrite at the same start ts is fenced by the rollback.
	_, err = e.Prewrite(ctx, &PrewriteRequest{
		Mutations: []Mutation{put("k", "1")}, Primary: []byte("k"), StartTs: 10, LockTtl: 100,
	})
	require.Error(t, err)
}

func TestOnePcCommit(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Prewrite(ctx, &PrewriteRequest{
		Mutations:   []Mutation{put("a", "1"), put("b", "2")},
		Primary:     []byte("a"),
		StartTs:     10,
		LockTtl:     100,
		MinCommitTs: 15,
		TryOnePc:    true,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(15), res.OnePcCommitTs)

	v, ok, err := e.Get(ctx, []byte("a"), 15)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	locks, err := e.ScanLock(ctx, codec.TsMax, 0)
	require.NoError(t, err)
	require.Empty(t, locks)
}

func TestOnePcFallsBackToLocks(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.Prewrite(ctx, &PrewriteRequest{
		Mutations:   []Mutation{put("a", "1")},
		Primary:     []byte("a"),
		StartTs:     10,
		LockTtl:     100,
		MinCommitTs: 50,
		MaxCommitTs: 20,
		TryOnePc:    true,
	})
	require.NoError(t, err)
	require.Zero(t, res.OnePcCommitTs)

	locks, err := e.ScanLock(ctx, codec.TsMax, 0)
	require.NoError(t, err)
	require.Len(t, locks, 1)
}

func TestCheckTxnStatus(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	primary := []byte("p")

	// Committed: reports the commit ts.
	startTs := codec.ComposeTs(1000, 0)
	commitTs := codec.ComposeTs(1001, 0)
	_, err := e.Prewrite(ctx, &PrewriteRequest{
		Mutations: []Mutation{put("p", "1")}, Primary: primary, StartTs: startTs, LockTtl: 100,
	})
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, [][]byte{primary}, startTs, commitTs))

	st, err := e.CheckTxnStatus(ctx, primary, startTs, 0, codec.ComposeTs(2000, 0), false)
	require.NoError(t, err)
	require.Equal(t, commitTs, st.CommitTs)

	// Live lock: reports the ttl.
	start2 := codec.ComposeTs(2000, 0)
	_, err = e.Prewrite(ctx, &PrewriteRequest{
		Mutations: []Mutation{put("q", "1")}, Primary: []byte("q"), StartTs: start2, LockTtl: 60_000,
	})
	require.NoError(t, err)
	st, err = e.CheckTxnStatus(ctx, []byte("q"), start2, 0, codec.ComposeTs(2001, 0), false)
	require.NoError(t, err)
	require.Equal(t, uint64(60_000), st.LockTtl)
	require.Equal(t, ActionNone, st.Action)

	// Expired lock: rolled back.
	start3 := codec.ComposeTs(3000, 0)
	_, err = e.Prewrite(ctx, &PrewriteRequest{
		Mutations: []Mutation{put("r", "1")}, Primary: []byte("r"), StartTs: start3, LockTtl: 5,
	})
	require.NoError(t, err)
	st, err = e.CheckTxnStatus(ctx, []byte("r"), start3, 0, codec.ComposeTs(10_000, 0), false)
	require.NoError(t, err)
	require.Equal(t, ActionTTLExpireRollback, st.Action)
	locks, err := e.ScanLock(ctx, codec.TsMax, 0)
	require.NoError(t, err)
	// r's lock is gone; only the live lock on q from the step above remains.
	require.Len(t, locks, 1)
	require.Equal(t, []byte("q"), locks[0].Key)

	// Missing transaction: fenced with a rollback record.
	st, err = e.CheckTxnStatus(ctx, []byte("s"), codec.ComposeTs(4000, 0), 0, codec.ComposeTs(5000, 0), false)
	require.NoError(t, err)
	require.Equal(t, ActionLockNotExistRollback, st.Action)
}

func TestResolveLock(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Prewrite(ctx, &PrewriteRequest{
		Mutations: []Mutation{put("a", "1"), put("b", "2")},
		Primary:   []byte("a"),
		StartTs:   10,
		LockTtl:   100,
	})
	require.NoError(t, err)

	// Resolve-commit without an explicit key list commits the whole region.
	require.NoError(t, e.ResolveLock(ctx, 10, 11, nil))

	v, ok, err := e.Get(ctx, []byte("b"), 11)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestHeartBeat(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Prewrite(ctx, &PrewriteRequest{
		Mutations: []Mutation{put("k", "1")}, Primary: []byte("k"), StartTs: 10, LockTtl: 100,
	})
	require.NoError(t, err)

	ttl, err := e.HeartBeat(ctx, []byte("k"), 10, 5000)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), ttl)

	// A smaller advise keeps the current ttl.
	ttl, err = e.HeartBeat(ctx, []byte("k"), 10, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), ttl)

	_, err = e.HeartBeat(ctx, []byte("missing"), 10, 100)
	require.True(t, kverrors.Is(err, kverrors.ErrTxnNotFound))
}

func TestCheckSecondaryLocks(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Prewrite(ctx, &PrewriteRequest{
		Mutations:   []Mutation{put("a", "1"), put("b", "2")},
		Primary:     []byte("a"),
		StartTs:     10,
		LockTtl:     100,
		Secondaries: [][]byte{[]byte("b")},
	})
	require.NoError(t, err)

	st, err := e.CheckSecondaryLocks(ctx, [][]byte{[]byte("b")}, 10)
	require.NoError(t, err)
	require.Len(t, st.Locks, 1)

	require.NoError(t, e.Commit(ctx, [][]byte{[]byte("a"), []byte("b")}, 10, 11))
	st, err = e.CheckSecondaryLocks(ctx, [][]byte{[]byte("b")}, 10)
	require.NoError(t, err)
	require.Empty(t, st.Locks)
	require.Equal(t, uint64(11), st.CommitTs)
}

func TestScan(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i, kv := range []struct{ k, v string }{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		startTs := uint64(10 + i*2)
		_, err := e.Prewrite(ctx, &PrewriteRequest{
			Mutations: []Mutation{put(kv.k, kv.v)}, Primary: []byte(kv.k), StartTs: startTs, LockTtl: 100,
		})
		require.NoError(t, err)
		require.NoError(t, e.Commit(ctx, [][]byte{[]byte(kv.k)}, startTs, startTs+1))
	}

	kvs, err := e.Scan(ctx, nil, 10, 100)
	require.NoError(t, err)
	require.Len(t, kvs, 3)
	require.Equal(t, []byte("a"), kvs[0].Key)
	require.Equal(t, []byte("3"), kvs[2].Value)

	// A scan below the first commit sees nothing.
	kvs, err = e.Scan(ctx, nil, 10, 5)
	require.NoError(t, err)
	require.Empty(t, kvs)
}

func TestGc(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	write := func(key, val string, startTs, commitTs uint64) {
		_, err := e.Prewrite(ctx, &PrewriteRequest{
			Mutations: []Mutation{put(key, val)}, Primary: []byte(key), StartTs: startTs, LockTtl: 100,
		})
		require.NoError(t, err)
		require.NoError(t, e.Commit(ctx, [][]byte{[]byte(key)}, startTs, commitTs))
	}
	write("k", "v1", 10, 11)
	write("k", "v2", 20, 21)
	write("k", "v3", 30, 31)

	require.NoError(t, e.Gc(ctx, 25))

	// The newest visible version at the safe point survives, older ones go.
	versions, err := e.Dump(ctx, 0)
	require.NoError(t, err)
	require.Len(t, versions, 2)

	v, ok, err := e.Get(ctx, []byte("k"), 25)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)

	v, ok, err = e.Get(ctx, []byte("k"), 40)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v3"), v)
}

func TestDeleteRange(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Prewrite(ctx, &PrewriteRequest{
		Mutations: []Mutation{put("a", "1"), put("z", "2")},
		Primary:   []byte("a"), StartTs: 10, LockTtl: 100,
	})
	require.NoError(t, err)
	require.NoError(t, e.Commit(ctx, [][]byte{[]byte("a"), []byte("z")}, 10, 11))

	require.NoError(t, e.DeleteRange(ctx, []byte("a"), []byte("b")))

	_, ok, err := e.Get(ctx, []byte("a"), 100)
	require.NoError(t, err)
	require.False(t, ok)
	v, ok, err := e.Get(ctx, []byte("z"), 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestCancelledContext(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := e.Get(ctx, []byte("k"), 10)
	require.True(t, kverrors.Is(err, kverrors.ErrCancelled))
}
