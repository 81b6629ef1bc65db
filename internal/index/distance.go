package index

import (
	"fmt"
	"math"
)

// Metric names the distance function an index is built with. It is fixed for
// the lifetime of a database; switching requires a rebuild.
type Metric string

const (
	// Cosine is 1 - cos(a, b). Vectors are normalized on insert.
	Cosine Metric = "cosine"
	// Euclidean is the squared L2 distance.
	Euclidean Metric = "l2"
)

// ParseMetric validates a configured metric name.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case Cosine, Euclidean:
		return Metric(s), nil
	}
	return "", fmt.Errorf("unsupported metric %q (want %q or %q)", s, Cosine, Euclidean)
}

type distanceFunc func(a, b []float32) float32

func (m Metric) distance() distanceFunc {
	if m == Euclidean {
		return squaredL2
	}
	return cosineDistance
}

// cosineDistance assumes both inputs are unit length.
func cosineDistance(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return 1 - dot
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// normalize returns a unit-length copy of v.
func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, f := range v {
		out[i] = float32(float64(f) * inv)
	}
	return out
}
