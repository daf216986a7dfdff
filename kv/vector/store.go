package vector

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/yuhaijun999/dingo-store/kv/config"
	"github.com/yuhaijun999/dingo-store/kv/coprocessor"
	"github.com/yuhaijun999/dingo-store/kv/kverrors"
	"github.com/yuhaijun999/dingo-store/kv/kvrpc"
	storemvcc "github.com/yuhaijun999/dingo-store/kv/mvcc"
	"github.com/yuhaijun999/dingo-store/kv/storage/raw"
	"github.com/yuhaijun999/dingo-store/kv/util/codec"
	"github.com/yuhaijun999/dingo-store/kv/util/engine_util"
	"github.com/yuhaijun999/dingo-store/kv/vector/index"
)

// Status is the index lifecycle state of one vector region.
type Status byte

const (
	StatusNone Status = iota
	StatusBuilding
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusBuilding:
		return "BUILDING"
	case StatusReady:
		return "READY"
	case StatusError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// Meta fixes the immutable vector shape of a region; changing any field
// requires a rebuild.
type Meta struct {
	Dimension int
	Metric    index.MetricType
	IndexType index.Type
}

// Store owns the vector data and index of one region: the three payload CFs
// plus the speed-up CF on the KV side, and the in-memory ANN index. KV is the
// ground truth; the index may lag by one apply cycle and reads compensate.
type Store struct {
	storage     *raw.Storage
	conf        config.VectorIndex
	regionID    uint64
	partitionID uint64
	prefix      byte
	schema      coprocessor.Schema
	meta        Meta
	indexDir    string

	mu           sync.RWMutex
	idx          index.Index
	status       Status
	buildVersion uint64 // region epoch version the index was built at
	applyTs      uint64 // newest ts applied into the index
}

func NewStore(storage *raw.Storage, conf config.VectorIndex, regionID, partitionID uint64,
	prefix byte, schema coprocessor.Schema, meta Meta, indexRoot string) *Store {
	return &Store{
		storage:     storage,
		conf:        conf,
		regionID:    regionID,
		partitionID: partitionID,
		prefix:      prefix,
		schema:      schema,
		meta:        meta,
		indexDir:    filepath.Join(indexRoot, strconv.FormatUint(regionID, 10)),
	}
}

func (s *Store) snapshotPath() string {
	return filepath.Join(s.indexDir, "index.bin")
}

func (s *Store) newReader() (*storemvcc.Reader, func()) {
	snap := s.storage.Snapshot()
	return storemvcc.NewReader(snap, s.prefix, s.partitionID), snap.Close
}

// checkVectorID rejects the reserved border ids.
func checkVectorID(id uint64) error {
	if id == 0 || id == math.MaxUint64 {
		return errors.Annotatef(kverrors.ErrKeyEmpty, "reserved vector id %d", id)
	}
	return nil
}

func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, errors.Annotatef(kverrors.ErrCorruption, "embedding payload length %d", len(data))
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v, nil
}

func encodeTableData(t *kvrpc.TableData) []byte {
	buf := make([]byte, 0, 4+len(t.Key)+len(t.Value))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(t.Key)))
	buf = append(buf, t.Key...)
	buf = append(buf, t.Value...)
	return buf
}

func decodeTableData(data []byte) (*kvrpc.TableData, error) {
	if len(data) < 4 {
		return nil, errors.Annotate(kverrors.ErrCorruption, "table payload too short")
	}
	klen := int(binary.BigEndian.Uint32(data))
	if len(data) < 4+klen {
		return nil, errors.Annotate(kverrors.ErrCorruption, "table payload truncated key")
	}
	return &kvrpc.TableData{
		Key:   append([]byte(nil), data[4:4+klen]...),
		Value: append([]byte(nil), data[4+klen:]...),
	}, nil
}

// Add upserts vectors at ts: payload CFs first (ground truth), then the
// index.
func (s *Store) Add(ctx context.Context, ts uint64, vectors []kvrpc.VectorWithId) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	wb := new(engine_util.WriteBatch)
	entries := make([]index.Entry, 0, len(vectors))
	for _, v := range vectors {
		if err := checkVectorID(v.ID); err != nil {
			return err
		}
		if len(v.Vector) != s.meta.Dimension {
			return errors.Annotatef(kverrors.ErrDimensionMismatch,
				"expected %d, got %d for id %d", s.meta.Dimension, len(v.Vector), v.ID)
		}
		dataKey := codec.EncodeVectorKey(s.prefix, s.partitionID, v.ID, ts)
		wb.SetCF(engine_util.CfData, dataKey, codec.PackValue(codec.FlagNone, encodeEmbedding(v.Vector)))

		scalarPayload, err := coprocessor.EncodeScalarMap(v.ScalarData)
		if err != nil {
			return err
		}
		wb.SetCF(engine_util.CfScalar, dataKey, codec.PackValue(codec.FlagNone, scalarPayload))

		for name, value := range v.ScalarData {
			decl, ok := s.schema[name]
			if !ok || !decl.SpeedUp {
				continue
			}
			fieldPayload, err := coprocessor.EncodeScalarValue(value)
			if err != nil {
				return err
			}
			speedKey := codec.EncodeScalarSpeedUpKey(s.prefix, s.partitionID, v.ID, []byte(name), ts)
			wb.SetCF(engine_util.CfScalarSpeedUp, speedKey, codec.PackValue(codec.FlagNone, fieldPayload))
		}

		if v.TableData != nil {
			wb.SetCF(engine_util.CfTable, dataKey, codec.PackValue(codec.FlagNone, encodeTableData(v.TableData)))
		}
		entries = append(entries, index.Entry{ID: v.ID, Vector: v.Vector})
	}
	if err := s.storage.Write(wb); err != nil {
		return err
	}
	s.applyToIndex(ts, entries, nil)
	return nil
}

// Delete tombstones vectors at ts in the data CF and drops them from the
// index.
func (s *Store) Delete(ctx context.Context, ts uint64, ids []uint64) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	wb := new(engine_util.WriteBatch)
	for _, id := range ids {
		if err := checkVectorID(id); err != nil {
			return err
		}
		dataKey := codec.EncodeVectorKey(s.prefix, s.partitionID, id, ts)
		wb.SetCF(engine_util.CfData, dataKey, codec.PackValue(codec.FlagTombstone, nil))
	}
	if err := s.storage.Write(wb); err != nil {
		return err
	}
	s.applyToIndex(ts, nil, ids)
	return nil
}

func (s *Store) applyToIndex(ts uint64, adds []index.Entry, deletes []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusReady || s.idx == nil {
		return
	}
	if len(adds) > 0 {
		if err := s.idx.Add(adds); err != nil {
			log.Warnf("[vector] region(%d) index apply add failed: %v", s.regionID, err)
			s.status = StatusError
			return
		}
	}
	if len(deletes) > 0 {
		s.idx.Delete(deletes)
	}
	if ts > s.applyTs {
		s.applyTs = ts
	}
}

// Index returns the current index and whether it is ready to search.
func (s *Store) Index() (index.Index, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx, s.status == StatusReady
}

// Status reports the index lifecycle plus build bookkeeping.
func (s *Store) Status() (Status, uint64, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, s.buildVersion, s.applyTs
}

func (s *Store) newEmptyIndex() index.Index {
	if s.meta.IndexType == index.TypeHnsw {
		return index.NewHNSW(s.meta.Dimension, s.meta.Metric)
	}
	return index.NewFlat(s.meta.Dimension, s.meta.Metric)
}

// Build scans the data CF at ts and constructs the index from scratch.
// epochVersion records which region shape the index reflects and is reported
// by Status; nothing compares it against later epochs, so a version change
// does not invalidate the built index.
func (s *Store) Build(ctx context.Context, ts uint64, epochVersion uint64) error {
	s.mu.Lock()
	if s.status == StatusBuilding {
		s.mu.Unlock()
		return errors.Annotatef(kverrors.ErrIndexNotReady, "region %d build already running", s.regionID)
	}
	s.status = StatusBuilding
	s.mu.Unlock()

	idx := s.newEmptyIndex()
	reader, closeFn := s.newReader()
	defer closeFn()

	batch := make([]index.Entry, 0, s.conf.BruteforceBatchCount)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := idx.Add(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	var scanErr error
	err := reader.KvScan(engine_util.CfData, ts, nil, nil, func(plainKey, value []byte) bool {
		if err := checkCtx(ctx); err != nil {
			scanErr = err
			return false
		}
		if len(plainKey) != 8 {
			log.Warnf("[vector] region(%d) skip malformed data key len %d", s.regionID, len(plainKey))
			return true
		}
		id := binary.BigEndian.Uint64(plainKey)
		embedding, err := decodeEmbedding(value)
		if err != nil {
			scanErr = err
			return false
		}
		batch = append(batch, index.Entry{ID: id, Vector: embedding})
		if len(batch) >= s.conf.BruteforceBatchCount {
			if err := flush(); err != nil {
				scanErr = err
				return false
			}
		}
		return true
	})
	if err == nil {
		err = scanErr
	}
	if err == nil {
		err = flush()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.status = StatusError
		return err
	}
	s.idx = idx
	s.status = StatusReady
	s.buildVersion = epochVersion
	s.applyTs = ts
	log.Infof("[vector] region(%d) index built, count %d", s.regionID, idx.Count())
	return nil
}

// Save snapshots the index under vector_index/<region_id>/.
func (s *Store) Save() error {
	s.mu.RLock()
	idx, status := s.idx, s.status
	s.mu.RUnlock()
	if status != StatusReady || idx == nil {
		return errors.WithStack(kverrors.ErrIndexNotReady)
	}
	if err := os.MkdirAll(s.indexDir, os.ModePerm); err != nil {
		return errors.WithStack(err)
	}
	return idx.Save(s.snapshotPath())
}

// Load restores the index from its snapshot.
func (s *Store) Load(epochVersion uint64) error {
	idx, err := index.Load(s.snapshotPath())
	if err != nil {
		return err
	}
	if idx.Dimension() != s.meta.Dimension || idx.Metric() != s.meta.Metric {
		return errors.Annotatef(kverrors.ErrDimensionMismatch,
			"snapshot dim %d metric %s, region wants dim %d metric %s",
			idx.Dimension(), idx.Metric(), s.meta.Dimension, s.meta.Metric)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx = idx
	s.status = StatusReady
	s.buildVersion = epochVersion
	return nil
}

// Reset drops the in-memory index; with deleteDataFile it also removes the
// snapshot.
func (s *Store) Reset(deleteDataFile bool) error {
	s.mu.Lock()
	s.idx = nil
	s.status = StatusNone
	s.applyTs = 0
	s.mu.Unlock()
	if deleteDataFile {
		return errors.WithStack(os.RemoveAll(s.indexDir))
	}
	return nil
}

func checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return errors.WithStack(kverrors.ErrDeadlineExceeded)
		}
		return errors.WithStack(kverrors.ErrCancelled)
	default:
		return nil
	}
}
