package corpus

import (
	"math"
	"math/rand"

	cerrors "github.com/wbrown/corpus_shards/internal/errors"
)

// TrainSplit receives every document not claimed by a holdout.
const TrainSplit = "train"

// Holdout is a named split taking Fraction of the documents.
type Holdout struct {
	Name     string
	Fraction float64
}

// DefaultHoldouts is a single 0.05% validation split.
var DefaultHoldouts = []Holdout{{Name: "val", Fraction: 0.0005}}

// Split is a named list of document indices in split order.
type Split struct {
	Name    string
	Indices []int
}

// Partition deterministically assigns n documents to splits. A seeded
// permutation is drawn once; each holdout in order takes ceil(f*n) indices
// from its front and train takes what remains. The train split is returned
// first, followed by the holdouts in the order given.
func Partition(n int, seed int64, holdouts []Holdout) ([]Split, error) {
	if n < 0 {
		return nil, cerrors.NewConfigError("split", "negative document count %d", n)
	}
	seen := map[string]bool{TrainSplit: true}
	for _, h := range holdouts {
		if seen[h.Name] || h.Name == "" {
			return nil, cerrors.NewConfigError("split",
				"invalid or duplicate split name %q", h.Name)
		}
		seen[h.Name] = true
		if h.Fraction <= 0 || h.Fraction >= 1 {
			return nil, cerrors.NewConfigError("split",
				"fraction for %q must be in (0, 1), got %g", h.Name, h.Fraction)
		}
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)

	splits := make([]Split, 0, len(holdouts)+1)
	splits = append(splits, Split{Name: TrainSplit})
	pos := 0
	for _, h := range holdouts {
		take := int(math.Ceil(h.Fraction*float64(n) - 1e-9))
		if take > n-pos {
			take = n - pos
		}
		splits = append(splits, Split{Name: h.Name, Indices: perm[pos : pos+take]})
		pos += take
	}
	splits[0].Indices = perm[pos:]
	return splits, nil
}

// Names lists the split names Partition produces for holdouts.
func Names(holdouts []Holdout) []string {
	names := make([]string, 0, len(holdouts)+1)
	names = append(names, TrainSplit)
	for _, h := range holdouts {
		names = append(names, h.Name)
	}
	return names
}
