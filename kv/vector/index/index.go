package index

import (
	"encoding/gob"
	"os"

	"github.com/pingcap/errors"

	"github.com/yuhaijun999/dingo-store/kv/kverrors"
)

// Type tags the concrete index variant.
type Type byte

const (
	TypeFlat Type = iota + 1
	TypeHnsw
	// TypeBruteforce marks the transient flat index the reader builds for
	// exact fallback scans; it is never persisted.
	TypeBruteforce
)

func (t Type) String() string {
	switch t {
	case TypeFlat:
		return "FLAT"
	case TypeHnsw:
		return "HNSW"
	case TypeBruteforce:
		return "BRUTEFORCE"
	}
	return "UNKNOWN"
}

// Entry is one (id, embedding) pair fed to an index.
type Entry struct {
	ID     uint64
	Vector []float32
}

// SearchResult is one hit. Distance is caller-facing: ascending for L2,
// descending similarity for inner product and cosine. Vector is filled only
// when reconstruction was requested and the index holds the raw vector.
type SearchResult struct {
	ID       uint64
	Distance float32
	Vector   []float32
}

// Index is the capability surface every ANN variant provides. Adds are
// idempotent (re-adding an id overwrites), deletes are logical, and searches
// honor filters during traversal or scanning.
type Index interface {
	Type() Type
	Metric() MetricType
	Dimension() int

	Add(entries []Entry) error
	Delete(ids []uint64)

	Search(queries [][]float32, topk int, filter Filter, reconstruct bool) ([][]SearchResult, error)
	RangeSearch(queries [][]float32, radius float32, filter Filter, maxResults int, reconstruct bool) ([][]SearchResult, error)

	Count() int
	DeletedCount() int
	MemorySize() int

	Save(path string) error
}

// savedIndex is the on-disk envelope of a persisted index.
type savedIndex struct {
	Type Type
	Flat *flatState
	Hnsw *hnswState
}

// saveToFile writes any index to path; the format round-trips through Load.
func saveToFile(path string, env *savedIndex) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(env); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(f.Sync())
}

// Load reads a persisted index back. The variant is taken from the envelope.
func Load(path string) (Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()
	env := new(savedIndex)
	if err := gob.NewDecoder(f).Decode(env); err != nil {
		return nil, errors.Annotatef(kverrors.ErrCorruption, "malformed index file %s", path)
	}
	switch env.Type {
	case TypeFlat:
		return flatFromState(env.Flat), nil
	case TypeHnsw:
		return hnswFromState(env.Hnsw), nil
	default:
		return nil, errors.Annotatef(kverrors.ErrCorruption, "unknown index type %d in %s", env.Type, path)
	}
}

func checkDimension(dim int, entries []Entry) error {
	for _, e := range entries {
		if len(e.Vector) != dim {
			return errors.Annotatef(kverrors.ErrDimensionMismatch,
				"expected %d, got %d for id %d", dim, len(e.Vector), e.ID)
		}
	}
	return nil
}
