package index

import (
	"math"

	"github.com/pingcap/errors"

	"github.com/yuhaijun999/dingo-store/kv/kverrors"
)

// MetricType selects the distance function of an index. Inner product and
// cosine are represented internally as negated similarity so that "smaller is
// better" holds for every metric.
type MetricType byte

const (
	MetricL2 MetricType = iota + 1
	MetricInnerProduct
	MetricCosine
)

func (m MetricType) String() string {
	switch m {
	case MetricL2:
		return "L2"
	case MetricInnerProduct:
		return "INNER_PRODUCT"
	case MetricCosine:
		return "COSINE"
	}
	return "UNKNOWN"
}

func dot(v1, v2 []float32) float32 {
	var sum float32
	for i := range v1 {
		sum += v1[i] * v2[i]
	}
	return sum
}

// SquaredL2 computes the squared euclidean distance.
func SquaredL2(v1, v2 []float32) float32 {
	var sum float32
	for i := range v1 {
		d := v1[i] - v2[i]
		sum += d * d
	}
	return sum
}

// Magnitude computes the vector length.
func Magnitude(v []float32) float32 {
	return float32(math.Sqrt(float64(dot(v, v))))
}

// Normalize scales v to unit length in place; zero vectors stay zero.
func Normalize(v []float32) {
	mag := Magnitude(v)
	if mag == 0 {
		return
	}
	for i := range v {
		v[i] /= mag
	}
}

// InternalDistance computes the smaller-is-better distance for a metric.
// Vectors must already be normalized for cosine.
func InternalDistance(metric MetricType, v1, v2 []float32) float32 {
	switch metric {
	case MetricL2:
		return SquaredL2(v1, v2)
	default:
		return -dot(v1, v2)
	}
}

// UserDistance restores the caller-facing distance from the internal one.
func UserDistance(metric MetricType, internal float32) float32 {
	if metric == MetricL2 {
		return internal
	}
	return -internal
}

// InternalRadius maps a caller-facing range-search radius onto the internal
// scale: for similarity metrics "within radius" means similarity >= radius.
func InternalRadius(metric MetricType, radius float32) float32 {
	if metric == MetricL2 {
		return radius
	}
	return -radius
}

// CalcDistance computes caller-facing distances between two vector lists,
// used by the VectorCalcDistance operation.
func CalcDistance(metric MetricType, left, right [][]float32) ([][]float32, error) {
	out := make([][]float32, len(left))
	for i, l := range left {
		row := make([]float32, len(right))
		for j, r := range right {
			if len(l) != len(r) {
				return nil, errors.Annotatef(kverrors.ErrDimensionMismatch,
					"left dim %d right dim %d", len(l), len(r))
			}
			if metric == MetricCosine {
				lc := append([]float32(nil), l...)
				rc := append([]float32(nil), r...)
				Normalize(lc)
				Normalize(rc)
				row[j] = UserDistance(metric, InternalDistance(metric, lc, rc))
			} else {
				row[j] = UserDistance(metric, InternalDistance(metric, l, r))
			}
		}
		out[i] = row
	}
	return out, nil
}
