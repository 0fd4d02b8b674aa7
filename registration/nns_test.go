package registration

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bruteNearest returns the closest dataset index within radius, or -1.
func bruteNearest(dataset []r3.Vector, q r3.Vector, radius float64) (int, float64) {
	best, bestD := -1, math.Inf(1)
	for i, p := range dataset {
		if d := p.Sub(q).Norm2(); d < bestD {
			best, bestD = i, d
		}
	}
	if bestD > radius*radius {
		return -1, 0
	}
	return best, bestD
}

func TestHybridIndex_Rejects(t *testing.T) {
	empty := NewNearestNeighborSearch(nil)
	assert.False(t, empty.HybridIndex(1))

	nns := NewNearestNeighborSearch([]r3.Vector{{}})
	for _, r := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		assert.False(t, nns.HybridIndex(r), "radius %v", r)
	}
	assert.Zero(t, nns.Radius())
}

func TestHybrid1NNSearch_NotInitialized(t *testing.T) {
	nns := NewNearestNeighborSearch([]r3.Vector{{}})
	_, _, _, err := nns.Hybrid1NNSearch([]r3.Vector{{}}, 1)
	assert.ErrorIs(t, err, ErrIndexNotInitialized)

	require.True(t, nns.HybridIndex(0.5))
	_, _, _, err = nns.Hybrid1NNSearch([]r3.Vector{{}}, 1)
	assert.ErrorIs(t, err, ErrIndexNotInitialized, "radius above the built radius")

	require.True(t, nns.HybridIndex(2))
	assert.Equal(t, 2.0, nns.Radius())
	require.True(t, nns.HybridIndex(1))
	assert.Equal(t, 2.0, nns.Radius(), "a smaller radius must not shrink the index")
}

func TestHybrid1NNSearch_MatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	dataset := randomPoints(rng, 1500, 1)
	query := randomPoints(rng, 3000, 1.2)
	const radius = 0.06

	for _, workers := range []int{1, 4} {
		nns := NewNearestNeighborSearch(dataset)
		nns.SetWorkers(workers)
		require.True(t, nns.HybridIndex(radius))

		qi, di, d2, err := nns.Hybrid1NNSearch(query, radius)
		require.NoError(t, err)
		require.Len(t, di, len(qi))
		require.Len(t, d2, len(qi))

		var want []int
		for i, q := range query {
			if j, _ := bruteNearest(dataset, q, radius); j >= 0 {
				want = append(want, i)
			}
		}
		require.Equal(t, want, qi, "workers=%d", workers)

		for k, i := range qi {
			j, d := bruteNearest(dataset, query[i], radius)
			if di[k] != j {
				t.Fatalf("workers=%d query %d: nearest %d, want %d", workers, i, di[k], j)
			}
			assert.InDelta(t, d, d2[k], 1e-12)
		}
	}
}

func TestHybrid1NNSearch_RadiusIsInclusive(t *testing.T) {
	nns := NewNearestNeighborSearch([]r3.Vector{{X: 1}})
	require.True(t, nns.HybridIndex(1))

	qi, di, d2, err := nns.Hybrid1NNSearch([]r3.Vector{{}, {X: 3}}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, qi)
	assert.Equal(t, []int{0}, di)
	assert.Equal(t, []float64{1}, d2)
}

func TestHybrid1NNSearch_SkipsNonFiniteQueries(t *testing.T) {
	nns := NewNearestNeighborSearch([]r3.Vector{{X: 0}, {X: 1}, {X: 2}})
	require.True(t, nns.HybridIndex(0.5))

	query := []r3.Vector{{}, {X: math.NaN()}, {Y: math.Inf(1)}, {X: 2}}
	qi, di, d2, err := nns.Hybrid1NNSearch(query, 0.5)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, qi)
	assert.Equal(t, []int{0, 2}, di)
	assert.Equal(t, []float64{0, 0}, d2)
}

func TestKNNSearch(t *testing.T) {
	dataset := []r3.Vector{{X: 0}, {X: 3}, {X: 1}, {X: 10}}
	nns := NewNearestNeighborSearch(dataset)

	idx, d2, err := nns.KNNSearch(r3.Vector{X: 0.1}, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 1}, idx)
	assert.InDeltaSlice(t, []float64{0.01, 0.81, 8.41}, d2, 1e-9)

	idx, _, err = nns.KNNSearch(r3.Vector{}, 10)
	require.NoError(t, err)
	assert.Len(t, idx, len(dataset))

	_, _, err = nns.KNNSearch(r3.Vector{}, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, _, err = NewNearestNeighborSearch(nil).KNNSearch(r3.Vector{}, 1)
	assert.ErrorIs(t, err, ErrIndexNotInitialized)
}
