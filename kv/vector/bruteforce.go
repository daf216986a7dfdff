package vector

import (
	"context"
	"encoding/binary"

	"github.com/ngaut/log"

	"github.com/yuhaijun999/dingo-store/kv/kvrpc"
	"github.com/yuhaijun999/dingo-store/kv/util/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/vector/index"
)

// bruteForceSearch scans the data CF in batches, builds a transient flat
// index per batch and merges the per-query hits. The ordering semantics are
// identical to a full index search, which makes this both the correctness
// fallback and the exact-mode user option.
func (s *Store) bruteForceSearch(ctx context.Context, ts uint64, queries [][]float32, params kvrpc.SearchParams, filter index.Filter, topN int) ([][]index.SearchResult, error) {
	reader, closeFn := s.newReader()
	defer closeFn()

	merged := make([][]index.SearchResult, len(queries))
	batch := index.NewBruteforce(s.meta.Dimension, s.meta.Metric)
	batchCount := 0

	runBatch := func() error {
		if batchCount == 0 {
			return nil
		}
		var (
			hits [][]index.SearchResult
			err  error
		)
		if params.EnableRange {
			hits, err = batch.RangeSearch(queries, params.Radius, filter, 0, false)
		} else {
			hits, err = batch.Search(queries, topN, filter, false)
		}
		if err != nil {
			return err
		}
		for qi := range hits {
			merged[qi] = append(merged[qi], hits[qi]...)
		}
		batch = index.NewBruteforce(s.meta.Dimension, s.meta.Metric)
		batchCount = 0
		return nil
	}

	var iterErr error
	err := reader.KvScan(engine_util.CfData, ts, nil, nil, func(plainKey, value []byte) bool {
		if err := checkCtx(ctx); err != nil {
			iterErr = err
			return false
		}
		if len(plainKey) != 8 {
			return true
		}
		id := binary.BigEndian.Uint64(plainKey)
		embedding, err := decodeEmbedding(value)
		if err != nil {
			iterErr = err
			return false
		}
		if err := batch.Add([]index.Entry{{ID: id, Vector: embedding}}); err != nil {
			iterErr = err
			return false
		}
		batchCount++
		if batchCount >= s.conf.BruteforceBatchCount {
			if err := runBatch(); err != nil {
				iterErr = err
				return false
			}
		}
		return true
	})
	if err == nil {
		err = iterErr
	}
	if err == nil {
		err = runBatch()
	}
	if err != nil {
		return nil, err
	}

	for qi := range merged {
		index.SortResults(s.meta.Metric, merged[qi])
		if params.EnableRange {
			if limit := s.conf.MaxRangeSearchResultCount; len(merged[qi]) > limit {
				log.Warnf("[vector] region(%d) range search truncated %d results to %d",
					s.regionID, len(merged[qi]), limit)
				merged[qi] = merged[qi][:limit]
			}
		} else if len(merged[qi]) > topN {
			merged[qi] = merged[qi][:topN]
		}
	}
	return merged, nil
}
