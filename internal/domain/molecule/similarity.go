package molecule

import (
	"math/bits"
	"sort"

	apperrors "github.com/deepmatter/chempipe/pkg/errors"
)

// Tanimoto computes the Tanimoto similarity (Jaccard index) between two bit
// fingerprints of equal length: |A∧B| / |A∨B|. Two empty fingerprints score
// zero.
func Tanimoto(a, b *Fingerprint) (float64, error) {
	if a == nil || b == nil {
		return 0, apperrors.InvalidParam("fingerprints must be non-nil")
	}
	if a.Length != b.Length {
		return 0, apperrors.Validationf("fingerprint lengths differ: %d vs %d", a.Length, b.Length)
	}

	intersection, union := 0, 0
	for i := range a.Bits {
		intersection += bits.OnesCount8(a.Bits[i] & b.Bits[i])
		union += bits.OnesCount8(a.Bits[i] | b.Bits[i])
	}
	if union == 0 {
		return 0, nil
	}
	return float64(intersection) / float64(union), nil
}

// TanimotoDistance is 1 − Tanimoto, the distance form diversity analysis
// works with.
func TanimotoDistance(a, b *Fingerprint) (float64, error) {
	sim, err := Tanimoto(a, b)
	if err != nil {
		return 0, err
	}
	return 1 - sim, nil
}

// Dice computes the Dice similarity between two bit fingerprints:
// 2·|A∧B| / (|A| + |B|).
func Dice(a, b *Fingerprint) (float64, error) {
	if a == nil || b == nil {
		return 0, apperrors.InvalidParam("fingerprints must be non-nil")
	}
	if a.Length != b.Length {
		return 0, apperrors.Validationf("fingerprint lengths differ: %d vs %d", a.Length, b.Length)
	}

	intersection := 0
	for i := range a.Bits {
		intersection += bits.OnesCount8(a.Bits[i] & b.Bits[i])
	}
	denom := a.NumOnBits + b.NumOnBits
	if denom == 0 {
		return 0, nil
	}
	return 2 * float64(intersection) / float64(denom), nil
}

// NearestDistances returns, for each fingerprint, its Tanimoto distance to
// the nearest other fingerprint in the set. This is the in-process path for
// small datasets; large sets go through the vector store instead.
func NearestDistances(fps []*Fingerprint) ([]float64, error) {
	if len(fps) < 2 {
		return nil, apperrors.Validationf("nearest-neighbor distances need at least 2 fingerprints, got %d", len(fps))
	}

	out := make([]float64, len(fps))
	for i := range fps {
		best := 2.0
		for j := range fps {
			if i == j {
				continue
			}
			d, err := TanimotoDistance(fps[i], fps[j])
			if err != nil {
				return nil, err
			}
			if d < best {
				best = d
			}
		}
		out[i] = best
	}
	return out, nil
}

// DistanceQuantiles summarizes a distance slice at the given quantile
// points (each in [0,1]), using nearest-rank interpolation. The input is
// not mutated.
func DistanceQuantiles(dists []float64, qs []float64) []float64 {
	if len(dists) == 0 {
		return nil
	}
	sorted := append([]float64(nil), dists...)
	sort.Float64s(sorted)

	out := make([]float64, len(qs))
	for i, q := range qs {
		if q <= 0 {
			out[i] = sorted[0]
			continue
		}
		if q >= 1 {
			out[i] = sorted[len(sorted)-1]
			continue
		}
		idx := int(q * float64(len(sorted)-1))
		out[i] = sorted[idx]
	}
	return out
}
