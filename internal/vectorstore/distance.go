package vectorstore

import (
	"fmt"
	"math"

	"study-rag/internal/models"
)

// Distance selects how vectors are compared. Both conventions are
// distances: smaller means closer.
type Distance string

const (
	// L2 is the squared Euclidean distance.
	L2 Distance = "l2"
	// Cosine is 1 - cosine similarity. A zero vector is at distance 1
	// from everything.
	Cosine Distance = "cosine"
)

func ParseDistance(s string) (Distance, error) {
	switch Distance(s) {
	case L2, Cosine:
		return Distance(s), nil
	case "":
		return L2, nil
	}
	return "", fmt.Errorf("unknown distance %q: %w", s, models.ErrInvalidArgument)
}

func (d Distance) between(a, b []float32) float64 {
	if d == Cosine {
		return cosineDistance(a, b)
	}
	return squaredL2(a, b)
}

func squaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return sum
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func finite(v []float32) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
