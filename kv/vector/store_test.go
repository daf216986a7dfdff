package vector

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/Connor1996/badger"
	"github.com/stretchr/testify/require"

	"github.com/yuhaijun999/dingo-store/kv/config"
	"github.com/yuhaijun999/dingo-store/kv/coprocessor"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/kvrpc"
	"github.com/yuhaijun999/dingo-store/kv/storage/raw"
	"github.com/yuhaijun999/dingo-store/kv/util/codec"
	"github.com/yuhaijun999/dingo-store/kv/util/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/vector/index"
)

var colors = []string{"red", "green", "blue"}

func testStore(t *testing.T, schema coprocessor.Schema, indexType index.Type) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "vector_store")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	storage := raw.NewStorage(engine_util.NewEngines(db, dir))

	conf := config.NewDefaultConfig().VectorIndex
	conf.BruteforceBatchCount = 64 // force several batches in the fallback

	return NewStore(storage, conf, 1, 1, codec.PrefixTxn, schema,
		Meta{Dimension: 4, Metric: index.MetricL2, IndexType: indexType}, t.TempDir())
}

func seedVectors(t *testing.T, s *Store, n int, ts uint64) {
	t.Helper()
	var vectors []kvrpc.VectorWithId
	for i := 1; i <= n; i++ {
		vectors = append(vectors, kvrpc.VectorWithId{
			ID:     uint64(i),
			Vector: []float32{float32(i) / 1000, 0, 0, 0},
			ScalarData: coprocessor.ScalarMap{
				"color": coprocessor.String(colors[i%3]),
				"seq":   coprocessor.Int(int64(i)),
			},
			TableData: &kvrpc.TableData{Key: []byte(fmt.Sprintf("t%03d", i)), Value: []byte("v")},
		})
	}
	require.NoError(t, s.Add(context.Background(), ts, vectors))
}

func colorSchema(speedUp bool) coprocessor.Schema {
	return coprocessor.Schema{
		"color": {Kind: coprocessor.KindString, SpeedUp: speedUp},
		"seq":   {Kind: coprocessor.KindInt},
	}
}

func colorExpr(t *testing.T, color string) []byte {
	t.Helper()
	blob, err := coprocessor.Compile(&coprocessor.ExprNode{
		Op: coprocessor.OpEq, Column: "color", Operand: coprocessor.String(color),
	})
	require.NoError(t, err)
	return blob
}

func TestAddQueryDelete(t *testing.T) {
	s := testStore(t, colorSchema(false), index.TypeFlat)
	ctx := context.Background()
	seedVectors(t, s, 10, 100)

	v, err := s.Query(ctx, 100, 3, true, true, true)
	require.NoError(t, err)
	require.Equal(t, uint64(3), v.ID)
	require.Equal(t, []float32{0.003, 0, 0, 0}, v.Vector)
	require.True(t, v.ScalarData["color"].Equal(coprocessor.String("red")))
	require.Equal(t, []byte("t003"), v.TableData.Key)

	require.NoError(t, s.Delete(ctx, 200, []uint64{3}))
	_, err = s.Query(ctx, 250, 3, true, false, false)
	require.True(t, kverrors.Is(err, kverrors.ErrKeyNotFound))

	// The old snapshot still sees it.
	v, err = s.Query(ctx, 150, 3, true, false, false)
	require.NoError(t, err)
	require.Equal(t, uint64(3), v.ID)
}

func TestReservedVectorIDs(t *testing.T) {
	s := testStore(t, colorSchema(false), index.TypeFlat)
	ctx := context.Background()
	err := s.Add(ctx, 10, []kvrpc.VectorWithId{{ID: 0, Vector: []float32{0, 0, 0, 0}}})
	require.True(t, kverrors.Is(err, kverrors.ErrKeyEmpty))
	err = s.Delete(ctx, 10, []uint64{^uint64(0)})
	require.True(t, kverrors.Is(err, kverrors.ErrKeyEmpty))
}

func TestBuildAndSearchScalarPost(t *testing.T) {
	s := testStore(t, colorSchema(false), index.TypeFlat)
	ctx := context.Background()
	seedVectors(t, s, 300, 100)
	require.NoError(t, s.Build(ctx, 100, 1))

	results, err := s.BatchSearch(ctx, 100,
		[]kvrpc.VectorWithId{{Vector: []float32{0, 0, 0, 0}}},
		kvrpc.SearchParams{
			TopN:             5,
			Filter:           kvrpc.FilterScalarPost,
			ScalarExpression: colorExpr(t, "red"),
		})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0], 5)
	for i, hit := range results[0] {
		require.True(t, hit.Vector.ScalarData["color"].Equal(coprocessor.String("red")))
		if i > 0 {
			require.LessOrEqual(t, results[0][i-1].Distance, hit.Distance)
		}
	}
}

// Search with a scalar pre-filter: every result carries the filtered color,
// ordered ascending by distance. Runs both the whole-map path and the
// speed-up CF path.
func TestSearchScalarPre(t *testing.T) {
	for _, speedUp := range []bool{false, true} {
		speedUp := speedUp
		t.Run(fmt.Sprintf("speedup=%v", speedUp), func(t *testing.T) {
			s := testStore(t, colorSchema(speedUp), index.TypeFlat)
			ctx := context.Background()
			seedVectors(t, s, 300, 100)
			require.NoError(t, s.Build(ctx, 100, 1))

			results, err := s.BatchSearch(ctx, 100,
				[]kvrpc.VectorWithId{{Vector: []float32{0, 0, 0, 0}}},
				kvrpc.SearchParams{
					TopN:             5,
					Filter:           kvrpc.FilterScalarPre,
					ScalarExpression: colorExpr(t, "red"),
				})
			require.NoError(t, err)
			require.Len(t, results, 1)
			require.Len(t, results[0], 5)
			var prev float32
			for i, hit := range results[0] {
				require.True(t, hit.Vector.ScalarData["color"].Equal(coprocessor.String("red")),
					"hit %d is not red", i)
				require.GreaterOrEqual(t, hit.Distance, prev)
				prev = hit.Distance
			}
			// The nearest red ids to the origin are the smallest red ids.
			require.Equal(t, uint64(3), results[0][0].Vector.ID)
			require.Equal(t, uint64(6), results[0][1].Vector.ID)
		})
	}
}

// Brute-force mode returns the same ids as the index search.
func TestBruteForceParity(t *testing.T) {
	s := testStore(t, colorSchema(false), index.TypeFlat)
	ctx := context.Background()
	seedVectors(t, s, 300, 100)
	require.NoError(t, s.Build(ctx, 100, 1))

	query := []kvrpc.VectorWithId{{Vector: []float32{0.1, 0, 0, 0}}}
	base := kvrpc.SearchParams{TopN: 10, Filter: kvrpc.FilterNone, WithoutScalarData: true, WithoutTableData: true}

	viaIndex, err := s.BatchSearch(ctx, 100, query, base)
	require.NoError(t, err)

	brute := base
	brute.UseBruteForce = true
	viaBrute, err := s.BatchSearch(ctx, 100, query, brute)
	require.NoError(t, err)

	require.Len(t, viaBrute[0], len(viaIndex[0]))
	for i := range viaIndex[0] {
		require.Equal(t, viaIndex[0][i].Vector.ID, viaBrute[0][i].Vector.ID)
		require.InDelta(t, float64(viaIndex[0][i].Distance), float64(viaBrute[0][i].Distance), 1e-6)
	}
}

func TestSearchVectorIDFilter(t *testing.T) {
	s := testStore(t, colorSchema(false), index.TypeFlat)
	ctx := context.Background()
	seedVectors(t, s, 50, 100)
	require.NoError(t, s.Build(ctx, 100, 1))

	results, err := s.BatchSearch(ctx, 100,
		[]kvrpc.VectorWithId{{Vector: []float32{0, 0, 0, 0}}},
		kvrpc.SearchParams{
			TopN:              10,
			Filter:            kvrpc.FilterVectorID,
			VectorIds:         []uint64{10, 20, 30},
			IsSorted:          true,
			WithoutScalarData: true,
			WithoutTableData:  true,
		})
	require.NoError(t, err)
	require.Len(t, results[0], 3)
	require.Equal(t, uint64(10), results[0][0].Vector.ID)
}

func TestSearchTablePre(t *testing.T) {
	s := testStore(t, colorSchema(false), index.TypeFlat)
	ctx := context.Background()
	seedVectors(t, s, 30, 100)
	require.NoError(t, s.Build(ctx, 100, 1))

	blob, err := coprocessor.Compile(&coprocessor.ExprNode{
		Op: coprocessor.OpLike, Column: "table_key", Operand: coprocessor.String("t00%"),
	})
	require.NoError(t, err)

	results, err := s.BatchSearch(ctx, 100,
		[]kvrpc.VectorWithId{{Vector: []float32{0, 0, 0, 0}}},
		kvrpc.SearchParams{
			TopN:              20,
			Filter:            kvrpc.FilterTablePre,
			TableExpression:   blob,
			WithoutScalarData: true,
		})
	require.NoError(t, err)
	// Table keys t001..t009 match the pattern.
	require.Len(t, results[0], 9)
	for _, hit := range results[0] {
		require.Less(t, hit.Vector.ID, uint64(10))
	}
}

func TestEmptyQueries(t *testing.T) {
	s := testStore(t, colorSchema(false), index.TypeFlat)
	results, err := s.BatchSearch(context.Background(), 100, nil, kvrpc.SearchParams{TopN: 5})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestSearchWithoutIndex(t *testing.T) {
	s := testStore(t, colorSchema(false), index.TypeFlat)
	ctx := context.Background()
	seedVectors(t, s, 10, 100)

	_, err := s.BatchSearch(ctx, 100,
		[]kvrpc.VectorWithId{{Vector: []float32{0, 0, 0, 0}}},
		kvrpc.SearchParams{TopN: 3, Filter: kvrpc.FilterNone})
	require.True(t, kverrors.Is(err, kverrors.ErrIndexNotReady))

	// Brute force works without an index.
	results, err := s.BatchSearch(ctx, 100,
		[]kvrpc.VectorWithId{{Vector: []float32{0, 0, 0, 0}}},
		kvrpc.SearchParams{TopN: 3, Filter: kvrpc.FilterNone, UseBruteForce: true,
			WithoutScalarData: true, WithoutTableData: true})
	require.NoError(t, err)
	require.Len(t, results[0], 3)
	require.Equal(t, uint64(1), results[0][0].Vector.ID)
}

func TestRangeSearchCap(t *testing.T) {
	s := testStore(t, colorSchema(false), index.TypeFlat)
	s.conf.MaxRangeSearchResultCount = 7
	ctx := context.Background()
	seedVectors(t, s, 50, 100)

	results, err := s.BatchSearch(ctx, 100,
		[]kvrpc.VectorWithId{{Vector: []float32{0, 0, 0, 0}}},
		kvrpc.SearchParams{
			TopN:              50,
			Radius:            100,
			EnableRange:       true,
			Filter:            kvrpc.FilterNone,
			UseBruteForce:     true,
			WithoutScalarData: true,
			WithoutTableData:  true,
		})
	require.NoError(t, err)
	require.Len(t, results[0], 7)
}

func TestScanQuery(t *testing.T) {
	s := testStore(t, colorSchema(false), index.TypeFlat)
	ctx := context.Background()
	seedVectors(t, s, 20, 100)

	out, err := s.ScanQuery(ctx, &kvrpc.ScanQueryRequest{
		Ts: 100, StartID: 5, EndID: 10, Limit: 100,
		WithoutTableData: true,
	})
	require.NoError(t, err)
	require.Len(t, out, 5)
	require.Equal(t, uint64(5), out[0].ID)
	require.Equal(t, uint64(9), out[4].ID)

	// Reverse with a scalar filter.
	out, err = s.ScanQuery(ctx, &kvrpc.ScanQueryRequest{
		Ts: 100, StartID: 1, EndID: 20, Limit: 3, IsReverse: true,
		ScalarExpression: colorExpr(t, "red"),
		WithoutTableData: true,
	})
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, uint64(18), out[0].ID)
	require.Equal(t, uint64(15), out[1].ID)
}

func TestBorderAndCount(t *testing.T) {
	s := testStore(t, colorSchema(false), index.TypeFlat)
	ctx := context.Background()
	seedVectors(t, s, 20, 100)
	require.NoError(t, s.Delete(ctx, 200, []uint64{1, 20}))

	min, err := s.GetBorderID(ctx, 0, true)
	require.NoError(t, err)
	require.Equal(t, uint64(2), min)
	max, err := s.GetBorderID(ctx, 0, false)
	require.NoError(t, err)
	require.Equal(t, uint64(19), max)

	count, err := s.Count(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, int64(18), count)

	// At the earlier snapshot the borders are intact.
	min, err = s.GetBorderID(ctx, 100, true)
	require.NoError(t, err)
	require.Equal(t, uint64(1), min)
}

func TestStatusLifecycle(t *testing.T) {
	s := testStore(t, colorSchema(false), index.TypeFlat)
	ctx := context.Background()
	seedVectors(t, s, 10, 100)

	status, _, _ := s.Status()
	require.Equal(t, StatusNone, status)

	require.NoError(t, s.Build(ctx, 100, 3))
	status, buildVersion, applyTs := s.Status()
	require.Equal(t, StatusReady, status)
	require.Equal(t, uint64(3), buildVersion)
	require.Equal(t, uint64(100), applyTs)

	require.NoError(t, s.Save())
	require.NoError(t, s.Reset(false))
	status, _, _ = s.Status()
	require.Equal(t, StatusNone, status)

	require.NoError(t, s.Load(3))
	status, _, _ = s.Status()
	require.Equal(t, StatusReady, status)

	metrics, err := s.RegionMetrics(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, int64(10), metrics.Count)
	require.Equal(t, uint64(1), metrics.MinID)
	require.Equal(t, uint64(10), metrics.MaxID)
}

// Index apply keeps up with writes once built.
func TestIndexApplyAfterBuild(t *testing.T) {
	s := testStore(t, colorSchema(false), index.TypeFlat)
	ctx := context.Background()
	seedVectors(t, s, 10, 100)
	require.NoError(t, s.Build(ctx, 100, 1))

	require.NoError(t, s.Add(ctx, 200, []kvrpc.VectorWithId{{
		ID: 999, Vector: []float32{0, 0, 0, 0},
		ScalarData: coprocessor.ScalarMap{"color": coprocessor.String("red")},
	}}))

	results, err := s.BatchSearch(ctx, 200,
		[]kvrpc.VectorWithId{{Vector: []float32{0, 0, 0, 0}}},
		kvrpc.SearchParams{TopN: 1, Filter: kvrpc.FilterNone, WithoutScalarData: true, WithoutTableData: true})
	require.NoError(t, err)
	require.Equal(t, uint64(999), results[0][0].Vector.ID)

	require.NoError(t, s.Delete(ctx, 300, []uint64{999}))
	results, err = s.BatchSearch(ctx, 300,
		[]kvrpc.VectorWithId{{Vector: []float32{0, 0, 0, 0}}},
		kvrpc.SearchParams{TopN: 1, Filter: kvrpc.FilterNone, WithoutScalarData: true, WithoutTableData: true})
	require.NoError(t, err)
	require.Equal(t, uint64(1), results[0][0].Vector.ID)
}
