package dataset

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"sort"

	"github.com/deepmatter/chempipe/internal/config"
	apperrors "github.com/deepmatter/chempipe/pkg/errors"
	"github.com/deepmatter/chempipe/pkg/types/model"
)

// Fold is one train/validation pairing of row indices.
type Fold struct {
	Train []int
	Valid []int
}

// Split partitions a dataset into K train/valid folds plus a held-out test
// set (K=1 for non-cross-validated runs). Indices refer to Dataset rows.
type Split struct {
	Folds []Fold
	Test  []int
}

// CombinedTrainValid returns the union of all train and validation indices
// across folds, deduplicated and sorted. The final refit of a k-fold run
// trains on this set.
func (s *Split) CombinedTrainValid() []int {
	seen := map[int]struct{}{}
	for _, f := range s.Folds {
		for _, i := range f.Train {
			seen[i] = struct{}{}
		}
		for _, i := range f.Valid {
			seen[i] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// MakeSplit partitions ds according to the run parameters: ordering by the
// configured splitter, then carving test/valid fractions per the split
// strategy. The split is deterministic for a given dataset and parameters.
func MakeSplit(ds *Dataset, p *config.Params) (*Split, error) {
	order, err := orderIndices(ds, p)
	if err != nil {
		return nil, err
	}

	n := len(order)
	testN := int(float64(n) * p.SplitTestFrac)
	test := order[n-testN:]
	rest := order[:n-testN]

	switch model.SplitStrategy(p.SplitStrategy) {
	case model.StrategyTrainValidTest:
		validN := int(float64(n) * p.SplitValidFrac)
		if validN >= len(rest) {
			return nil, apperrors.New(apperrors.CodeDatasetSplit,
				"validation fraction leaves no training rows")
		}
		valid := rest[len(rest)-validN:]
		train := rest[:len(rest)-validN]
		return &Split{
			Folds: []Fold{{Train: train, Valid: valid}},
			Test:  test,
		}, nil

	case model.StrategyKFoldCV:
		k := p.NumFolds
		if k > len(rest) {
			return nil, apperrors.New(apperrors.CodeDatasetSplit,
				"more folds than rows available for cross-validation")
		}
		folds := make([]Fold, k)
		for fold := 0; fold < k; fold++ {
			for pos, idx := range rest {
				if pos%k == fold {
					folds[fold].Valid = append(folds[fold].Valid, idx)
				} else {
					folds[fold].Train = append(folds[fold].Train, idx)
				}
			}
		}
		return &Split{Folds: folds, Test: test}, nil

	default:
		return nil, apperrors.Validationf("split_strategy %q is invalid", p.SplitStrategy)
	}
}

// orderIndices arranges row indices according to the splitter type. The
// resulting order determines which rows land in which partition.
func orderIndices(ds *Dataset, p *config.Params) ([]int, error) {
	n := ds.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}

	switch model.SplitterType(p.Splitter) {
	case model.SplitterIndex:
		// Dataset order as-is.
		return order, nil

	case model.SplitterRandom:
		rng := rand.New(rand.NewSource(splitSeed(ds, p)))
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
		return order, nil

	case model.SplitterScaffold:
		// Group structural relatives together so a scaffold never spans
		// train and test. The scaffold key is the fingerprint of the
		// skeleton SMILES.
		keys := make([]uint64, n)
		for i, c := range ds.Compounds {
			keys[i] = scaffoldKey(c.SMILES)
		}
		sort.SliceStable(order, func(a, b int) bool { return keys[order[a]] < keys[order[b]] })
		return order, nil

	case model.SplitterStratified:
		if len(ds.ResponseCols) == 0 {
			return nil, apperrors.New(apperrors.CodeDatasetSplit,
				"stratified splitter needs a response column")
		}
		resp := ds.Response(0)
		sort.SliceStable(order, func(a, b int) bool { return resp[order[a]] < resp[order[b]] })
		// Deal sorted rows round-robin so every partition samples the
		// full response range.
		dealt := make([]int, 0, n)
		const strata = 10
		for offset := 0; offset < strata; offset++ {
			for i := offset; i < n; i += strata {
				dealt = append(dealt, order[i])
			}
		}
		return dealt, nil

	default:
		return nil, apperrors.Validationf("splitter %q is invalid", p.Splitter)
	}
}

// splitSeed derives a stable RNG seed from the dataset key so that repeated
// runs over the same dataset produce the same random split.
func splitSeed(ds *Dataset, p *config.Params) int64 {
	h := sha256.New()
	h.Write([]byte(p.DatasetKey))
	for _, c := range ds.Compounds {
		h.Write([]byte(c.ID))
		break // first ID is enough to disambiguate reordered datasets
	}
	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]) &^ (1 << 63))
}

// scaffoldKey hashes the ring-and-chain skeleton of a SMILES string: atoms
// with charges, isotopes and explicit hydrogens stripped.
func scaffoldKey(smiles string) uint64 {
	skeleton := make([]byte, 0, len(smiles))
	for i := 0; i < len(smiles); i++ {
		c := smiles[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || c == '1' || c == '(' || c == ')' {
			skeleton = append(skeleton, c)
		}
	}
	sum := sha256.Sum256(skeleton)
	return binary.BigEndian.Uint64(sum[:8])
}
