package corpus

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/wbrown/corpus_shards/internal/errors"
)

func TestPartitionSizes(t *testing.T) {
	splits, err := Partition(10, 2357, []Holdout{{Name: "val", Fraction: 0.1}})
	require.NoError(t, err)
	require.Len(t, splits, 2)
	assert.Equal(t, "train", splits[0].Name)
	assert.Equal(t, "val", splits[1].Name)
	assert.Len(t, splits[0].Indices, 9)
	assert.Len(t, splits[1].Indices, 1)

	// Any positive fraction claims at least one document.
	splits, err = Partition(10, 2357, DefaultHoldouts)
	require.NoError(t, err)
	assert.Len(t, splits[1].Indices, 1)

	splits, err = Partition(10, 1, []Holdout{{Name: "val", Fraction: 0.3}})
	require.NoError(t, err)
	assert.Len(t, splits[1].Indices, 3)
}

func TestPartitionCoversAllOnce(t *testing.T) {
	holdouts := []Holdout{{Name: "val", Fraction: 0.2}, {Name: "test", Fraction: 0.1}}
	splits, err := Partition(1000, 7, holdouts)
	require.NoError(t, err)

	var all []int
	for _, s := range splits {
		all = append(all, s.Indices...)
	}
	sort.Ints(all)
	require.Len(t, all, 1000)
	for i, v := range all {
		assert.Equal(t, i, v)
	}
	assert.Equal(t, []string{"train", "val", "test"}, Names(holdouts))
}

func TestPartitionDeterministic(t *testing.T) {
	a, err := Partition(500, 2357, DefaultHoldouts)
	require.NoError(t, err)
	b, err := Partition(500, 2357, DefaultHoldouts)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Partition(500, 2358, DefaultHoldouts)
	require.NoError(t, err)
	assert.NotEqual(t, a[0].Indices, c[0].Indices)
}

func TestPartitionTiny(t *testing.T) {
	splits, err := Partition(0, 1, DefaultHoldouts)
	require.NoError(t, err)
	assert.Empty(t, splits[0].Indices)
	assert.Empty(t, splits[1].Indices)

	splits, err = Partition(1, 1, []Holdout{{"a", 0.5}, {"b", 0.5}})
	require.NoError(t, err)
	total := 0
	for _, s := range splits {
		total += len(s.Indices)
	}
	assert.Equal(t, 1, total)
}

func TestPartitionInvalid(t *testing.T) {
	for _, holdouts := range [][]Holdout{
		{{Name: "train", Fraction: 0.1}},
		{{Name: "", Fraction: 0.1}},
		{{Name: "val", Fraction: 0}},
		{{Name: "val", Fraction: 1}},
		{{Name: "val", Fraction: 0.1}, {Name: "val", Fraction: 0.1}},
	} {
		_, err := Partition(10, 1, holdouts)
		assert.ErrorIs(t, err, cerrors.ErrConfiguration, "%v", holdouts)
	}
}
