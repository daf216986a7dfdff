package vector

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"golang.org/x/sync/errgroup"

	"github.com/yuhaijun999/dingo-store/kv/coprocessor"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/kvrpc"
	"github.com/yuhaijun999/dingo-store/kv/metrics"
	"github.com/yuhaijun999/dingo-store/kv/util/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/vector/index"
)

// scalarPostMultiplier over-fetches candidates for post-filtering.
const scalarPostMultiplier = 10

// Query fetches one vector with its payloads at ts.
func (s *Store) Query(ctx context.Context, ts uint64, id uint64, withVector, withScalar, withTable bool) (*kvrpc.VectorWithId, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	if err := checkVectorID(id); err != nil {
		return nil, err
	}
	reader, closeFn := s.newReader()
	defer closeFn()

	key := vectorPlainKey(id)
	out := &kvrpc.VectorWithId{ID: id}

	payload, ok, err := reader.KvGet(engine_util.CfData, ts, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Annotatef(kverrors.ErrKeyNotFound, "vector %d", id)
	}
	if withVector {
		out.Vector, err = decodeEmbedding(payload)
		if err != nil {
			return nil, err
		}
	}
	if withScalar {
		if err := s.attachScalar(reader, ts, out, nil); err != nil {
			return nil, err
		}
	}
	if withTable {
		if err := s.attachTable(reader, ts, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func vectorPlainKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return buf[:]
}

// BatchSearch runs the hybrid filter-and-search pipeline over all queries.
func (s *Store) BatchSearch(ctx context.Context, ts uint64, queries []kvrpc.VectorWithId, params kvrpc.SearchParams) ([][]kvrpc.SearchResult, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	if len(queries) == 0 {
		return nil, nil
	}
	start := time.Now()
	defer func() {
		metrics.VectorSearchDuration.WithLabelValues(params.Filter.String()).Observe(time.Since(start).Seconds())
	}()

	vectors := make([][]float32, len(queries))
	for i, q := range queries {
		vectors[i] = q.Vector
	}

	var (
		results [][]index.SearchResult
		err     error
	)
	switch params.Filter {
	case kvrpc.FilterNone:
		results, err = s.searchWithFilter(ctx, ts, vectors, params, nil)
	case kvrpc.FilterVectorID:
		filter := index.NewIdList(params.VectorIds, params.IsNegate, params.IsSorted)
		results, err = s.searchWithFilter(ctx, ts, vectors, params, filter)
	case kvrpc.FilterScalarPre:
		results, err = s.searchScalarPre(ctx, ts, vectors, queries, params)
	case kvrpc.FilterScalarPost:
		results, err = s.searchScalarPost(ctx, ts, vectors, queries, params)
	case kvrpc.FilterTablePre:
		results, err = s.searchTablePre(ctx, ts, vectors, params)
	default:
		return nil, errors.Annotatef(kverrors.ErrUnsupported, "filter kind %d", params.Filter)
	}
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, ts, results, params)
}

// searchWithFilter picks the index or brute-force path and runs the search.
func (s *Store) searchWithFilter(ctx context.Context, ts uint64, queries [][]float32, params kvrpc.SearchParams, filter index.Filter) ([][]index.SearchResult, error) {
	return s.searchTopN(ctx, ts, queries, params, filter, params.TopN)
}

func (s *Store) searchTopN(ctx context.Context, ts uint64, queries [][]float32, params kvrpc.SearchParams, filter index.Filter, topN int) ([][]index.SearchResult, error) {
	if params.UseBruteForce {
		return s.bruteForceSearch(ctx, ts, queries, params, filter, topN)
	}
	idx, ready := s.Index()
	if !ready {
		return nil, errors.Annotatef(kverrors.ErrIndexNotReady, "region %d", s.regionID)
	}
	reconstruct := !params.WithoutVectorData
	if params.EnableRange {
		return idx.RangeSearch(queries, params.Radius, filter, s.conf.MaxRangeSearchResultCount, reconstruct)
	}
	results, err := idx.Search(queries, topN, filter, reconstruct)
	if err != nil {
		if kverrors.Is(err, kverrors.ErrUnsupported) {
			// The variant cannot combine this filter with traversal; fall back
			// to the exact scan, which always can.
			return s.bruteForceSearch(ctx, ts, queries, params, filter, topN)
		}
		return nil, err
	}
	return results, nil
}

// searchScalarPre streams the scalar payloads, builds the candidate id list,
// then searches with an id filter.
func (s *Store) searchScalarPre(ctx context.Context, ts uint64, vectors [][]float32, queries []kvrpc.VectorWithId, params kvrpc.SearchParams) ([][]index.SearchResult, error) {
	expr, eqMap, err := s.openPredicate(params.ScalarExpression, queries)
	if err != nil {
		return nil, err
	}

	var columns []string
	if expr != nil {
		columns = expr.Columns()
	} else {
		for k := range eqMap {
			columns = append(columns, k)
		}
	}

	match := func(record coprocessor.ScalarMap) bool {
		if expr != nil {
			return expr.Eval(record)
		}
		return record.MatchesAll(eqMap)
	}

	var candidates []uint64
	if s.schema.SpeedUpCovered(columns) {
		candidates, err = s.collectSpeedUpCandidates(ctx, ts, columns, match)
	} else {
		candidates, err = s.collectScalarCandidates(ctx, ts, match)
	}
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return make([][]index.SearchResult, len(vectors)), nil
	}
	filter := index.NewIdList(candidates, false, true)
	return s.searchWithFilter(ctx, ts, vectors, params, filter)
}

// collectSpeedUpCandidates walks the scalar_speedup CF: one row per
// (vector, field), accumulated per vector then matched.
func (s *Store) collectSpeedUpCandidates(ctx context.Context, ts uint64, columns []string, match func(coprocessor.ScalarMap) bool) ([]uint64, error) {
	needed := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		needed[c] = struct{}{}
	}
	reader, closeFn := s.newReader()
	defer closeFn()

	var (
		candidates []uint64
		curID      uint64
		curRecord  coprocessor.ScalarMap
		iterErr    error
	)
	flush := func() {
		if curID != 0 && curRecord != nil && match(curRecord) {
			candidates = append(candidates, curID)
		}
		curRecord = nil
	}
	err := reader.KvScan(engine_util.CfScalarSpeedUp, ts, nil, nil, func(plainKey, value []byte) bool {
		if err := checkCtx(ctx); err != nil {
			iterErr = err
			return false
		}
		if len(plainKey) < 8 {
			log.Warnf("[vector] region(%d) skip malformed speed-up key", s.regionID)
			return true
		}
		id := binary.BigEndian.Uint64(plainKey[:8])
		field := string(plainKey[8:])
		if id != curID {
			flush()
			curID = id
		}
		if _, want := needed[field]; !want {
			return true
		}
		fieldValue, err := coprocessor.DecodeScalarValue(value)
		if err != nil {
			iterErr = err
			return false
		}
		if curRecord == nil {
			curRecord = make(coprocessor.ScalarMap, len(needed))
		}
		curRecord[field] = fieldValue
		return true
	})
	if err == nil {
		err = iterErr
	}
	if err != nil {
		return nil, err
	}
	flush()
	return candidates, nil
}

// collectScalarCandidates walks the whole-map scalar CF.
func (s *Store) collectScalarCandidates(ctx context.Context, ts uint64, match func(coprocessor.ScalarMap) bool) ([]uint64, error) {
	reader, closeFn := s.newReader()
	defer closeFn()

	var (
		candidates []uint64
		iterErr    error
	)
	err := reader.KvScan(engine_util.CfScalar, ts, nil, nil, func(plainKey, value []byte) bool {
		if err := checkCtx(ctx); err != nil {
			iterErr = err
			return false
		}
		if len(plainKey) != 8 {
			return true
		}
		record, err := coprocessor.DecodeScalarMap(value)
		if err != nil {
			iterErr = err
			return false
		}
		if match(record) {
			candidates = append(candidates, binary.BigEndian.Uint64(plainKey))
		}
		return true
	})
	if err == nil {
		err = iterErr
	}
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// searchScalarPost over-fetches, then checks each candidate's stored scalar
// record at ts.
func (s *Store) searchScalarPost(ctx context.Context, ts uint64, vectors [][]float32, queries []kvrpc.VectorWithId, params kvrpc.SearchParams) ([][]index.SearchResult, error) {
	expr, eqMap, err := s.openPredicate(params.ScalarExpression, queries)
	if err != nil {
		return nil, err
	}

	fetchN := params.TopN * scalarPostMultiplier
	raw, err := s.searchTopN(ctx, ts, vectors, params, nil, fetchN)
	if err != nil {
		return nil, err
	}

	reader, closeFn := s.newReader()
	defer closeFn()

	out := make([][]index.SearchResult, len(raw))
	for qi, hits := range raw {
		var kept []index.SearchResult
		for _, hit := range hits {
			if !params.EnableRange && len(kept) >= params.TopN {
				break
			}
			payload, ok, err := reader.KvGet(engine_util.CfScalar, ts, vectorPlainKey(hit.ID))
			if err != nil {
				return nil, err
			}
			if !ok {
				// Index ahead of KV or stale candidate: drop silently.
				log.Warnf("[vector] region(%d) id %d in index but not in scalar cf", s.regionID, hit.ID)
				continue
			}
			record, err := coprocessor.DecodeScalarMap(payload)
			if err != nil {
				return nil, err
			}
			matched := false
			if expr != nil {
				matched = expr.Eval(record)
			} else {
				matched = record.MatchesAll(eqMap)
			}
			if matched {
				kept = append(kept, hit)
			}
		}
		out[qi] = kept
	}
	return out, nil
}

// searchTablePre streams the table CF, evaluates the table predicate, then
// searches with the candidate id filter.
func (s *Store) searchTablePre(ctx context.Context, ts uint64, vectors [][]float32, params kvrpc.SearchParams) ([][]index.SearchResult, error) {
	if len(params.TableExpression) == 0 {
		return nil, errors.Annotate(kverrors.ErrSchemaError, "TABLE_PRE without table expression")
	}
	expr, err := coprocessor.Open(params.TableExpression, tableSchema)
	if err != nil {
		return nil, err
	}
	reader, closeFn := s.newReader()
	defer closeFn()

	var (
		candidates []uint64
		iterErr    error
	)
	err = reader.KvScan(engine_util.CfTable, ts, nil, nil, func(plainKey, value []byte) bool {
		if err := checkCtx(ctx); err != nil {
			iterErr = err
			return false
		}
		if len(plainKey) != 8 {
			return true
		}
		table, err := decodeTableData(value)
		if err != nil {
			iterErr = err
			return false
		}
		record := coprocessor.ScalarMap{
			"table_key":   coprocessor.String(string(table.Key)),
			"table_value": coprocessor.String(string(table.Value)),
		}
		if expr.Eval(record) {
			candidates = append(candidates, binary.BigEndian.Uint64(plainKey))
		}
		return true
	})
	if err == nil {
		err = iterErr
	}
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return make([][]index.SearchResult, len(vectors)), nil
	}
	filter := index.NewIdList(candidates, false, true)
	return s.searchWithFilter(ctx, ts, vectors, params, filter)
}

// tableSchema is the fixed pseudo-schema table predicates run against.
var tableSchema = coprocessor.Schema{
	"table_key":   {Kind: coprocessor.KindString},
	"table_value": {Kind: coprocessor.KindString},
}

// openPredicate resolves the scalar predicate: the compiled expression wins
// over the legacy equality map carried in the first query's scalar data.
func (s *Store) openPredicate(blob []byte, queries []kvrpc.VectorWithId) (*coprocessor.Expression, coprocessor.ScalarMap, error) {
	var eqMap coprocessor.ScalarMap
	if len(queries) > 0 && len(queries[0].ScalarData) > 0 {
		eqMap = queries[0].ScalarData
	}
	if len(blob) > 0 {
		expr, err := coprocessor.Open(blob, s.schema)
		if err != nil {
			return nil, nil, err
		}
		if eqMap != nil {
			log.Warnf("[vector] region(%d) scalar_data alongside coprocessor expression is deprecated, expression wins", s.regionID)
		}
		return expr, nil, nil
	}
	if eqMap == nil {
		return nil, nil, errors.Annotate(kverrors.ErrSchemaError, "scalar filter without predicate")
	}
	return nil, eqMap, nil
}

// hydrate turns index hits into full results, filling payloads the index did
// not reconstruct. Queries hydrate concurrently; each goroutine owns its own
// snapshot.
func (s *Store) hydrate(ctx context.Context, ts uint64, results [][]index.SearchResult, params kvrpc.SearchParams) ([][]kvrpc.SearchResult, error) {
	out := make([][]kvrpc.SearchResult, len(results))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for qi := range results {
		qi := qi
		g.Go(func() error {
			if err := checkCtx(gctx); err != nil {
				return err
			}
			reader, closeFn := s.newReader()
			defer closeFn()

			hits := make([]kvrpc.SearchResult, 0, len(results[qi]))
			for _, hit := range results[qi] {
				record := kvrpc.VectorWithId{ID: hit.ID, Vector: hit.Vector}
				if !params.WithoutVectorData && record.Vector == nil {
					payload, ok, err := reader.KvGet(engine_util.CfData, ts, vectorPlainKey(hit.ID))
					if err != nil {
						return err
					}
					if !ok {
						log.Warnf("[vector] region(%d) id %d in index but not in data cf", s.regionID, hit.ID)
						continue
					}
					record.Vector, err = decodeEmbedding(payload)
					if err != nil {
						return err
					}
				}
				if params.WithoutVectorData {
					record.Vector = nil
				}
				if !params.WithoutScalarData {
					if err := s.attachScalar(reader, ts, &record, params.SelectedScalarKeys); err != nil {
						return err
					}
				}
				if !params.WithoutTableData {
					if err := s.attachTable(reader, ts, &record); err != nil {
						return err
					}
				}
				hits = append(hits, kvrpc.SearchResult{Vector: record, Distance: hit.Distance})
			}
			out[qi] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// attachScalar loads the scalar record and keeps the selected subset (empty
// selection = all fields).
func (s *Store) attachScalar(reader kvReader, ts uint64, record *kvrpc.VectorWithId, selected []string) error {
	payload, ok, err := reader.KvGet(engine_util.CfScalar, ts, vectorPlainKey(record.ID))
	if err != nil || !ok {
		return err
	}
	full, err := coprocessor.DecodeScalarMap(payload)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		record.ScalarData = full
		return nil
	}
	subset := make(coprocessor.ScalarMap, len(selected))
	for _, k := range selected {
		if v, ok := full[k]; ok {
			subset[k] = v
		}
	}
	record.ScalarData = subset
	return nil
}

func (s *Store) attachTable(reader kvReader, ts uint64, record *kvrpc.VectorWithId) error {
	payload, ok, err := reader.KvGet(engine_util.CfTable, ts, vectorPlainKey(record.ID))
	if err != nil || !ok {
		return err
	}
	record.TableData, err = decodeTableData(payload)
	return err
}

// kvReader is the slice of the mvcc reader the hydration helpers need.
type kvReader interface {
	KvGet(cf string, ts uint64, plainKey []byte) ([]byte, bool, error)
}
