package registration

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// minBatchPerWorker keeps small queries on a single goroutine.
const minBatchPerWorker = 256

// NearestNeighborSearch answers nearest neighbour queries against a fixed
// dataset. It is built once with HybridIndex and is read-only afterwards, so
// concurrent queries are safe.
type NearestNeighborSearch struct {
	dataset []r3.Vector
	workers int

	mu     sync.RWMutex
	tree   *kdtree.Tree
	radius float64
}

// NewNearestNeighborSearch wraps dataset. No index is built yet.
func NewNearestNeighborSearch(dataset []r3.Vector) *NearestNeighborSearch {
	return &NearestNeighborSearch{
		dataset: dataset,
		workers: runtime.GOMAXPROCS(0),
	}
}

// SetWorkers sets how many goroutines a batched query may use. Values below 1
// mean one.
func (s *NearestNeighborSearch) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	s.workers = n
}

// HybridIndex builds the index for radius-bounded queries. It returns false
// when the dataset is empty or radius is not positive. Calling it again with
// a larger radius widens the accepted query radius without rebuilding.
func (s *NearestNeighborSearch) HybridIndex(radius float64) bool {
	if len(s.dataset) == 0 || !(radius > 0) || math.IsInf(radius, 0) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree == nil {
		pts := make(indexedPoints, len(s.dataset))
		for i, p := range s.dataset {
			pts[i] = indexedPoint{pos: p, idx: i}
		}
		s.tree = kdtree.New(pts, false)
	}
	if radius > s.radius {
		s.radius = radius
	}
	return true
}

// Radius returns the largest radius the index was built for, 0 when unbuilt.
func (s *NearestNeighborSearch) Radius() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.radius
}

func (s *NearestNeighborSearch) builtTree(radius float64) (*kdtree.Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tree == nil || radius > s.radius {
		return nil, ErrIndexNotInitialized
	}
	return s.tree, nil
}

// Hybrid1NNSearch finds, for each query point, its nearest dataset point
// within radius. Matches are returned in query order; queries with no
// neighbour inside radius are omitted, as are queries with non-finite
// coordinates. Distances are squared.
func (s *NearestNeighborSearch) Hybrid1NNSearch(query []r3.Vector, radius float64) (queryIdx, datasetIdx []int, sqDistances []float64, err error) {
	tree, err := s.builtTree(radius)
	if err != nil {
		return nil, nil, nil, err
	}

	nearest := make([]int, len(query))
	dists := make([]float64, len(query))
	r2 := radius * radius

	search := func(start, end int) {
		for i := start; i < end; i++ {
			c, d := tree.Nearest(indexedPoint{pos: query[i]})
			if c == nil || !(d <= r2) {
				nearest[i] = -1
				continue
			}
			nearest[i] = c.(indexedPoint).idx
			dists[i] = d
		}
	}

	workers := s.workers
	if maxWorkers := len(query) / minBatchPerWorker; workers > maxWorkers {
		workers = maxWorkers
	}
	if workers <= 1 {
		search(0, len(query))
	} else {
		var wg sync.WaitGroup
		chunk := (len(query) + workers - 1) / workers
		for start := 0; start < len(query); start += chunk {
			end := min(start+chunk, len(query))
			wg.Go(func() { search(start, end) })
		}
		wg.Wait()
	}

	for i, j := range nearest {
		if j < 0 {
			continue
		}
		queryIdx = append(queryIdx, i)
		datasetIdx = append(datasetIdx, j)
		sqDistances = append(sqDistances, dists[i])
	}
	return queryIdx, datasetIdx, sqDistances, nil
}

// KNNSearch returns up to k dataset indices nearest to q, closest first,
// with squared distances. It builds the tree on demand.
func (s *NearestNeighborSearch) KNNSearch(q r3.Vector, k int) ([]int, []float64, error) {
	if k < 1 {
		return nil, nil, fmt.Errorf("knn with k=%d: %w", k, ErrInvalidArgument)
	}
	s.mu.Lock()
	if s.tree == nil {
		if len(s.dataset) == 0 {
			s.mu.Unlock()
			return nil, nil, ErrIndexNotInitialized
		}
		pts := make(indexedPoints, len(s.dataset))
		for i, p := range s.dataset {
			pts[i] = indexedPoint{pos: p, idx: i}
		}
		s.tree = kdtree.New(pts, false)
	}
	tree := s.tree
	s.mu.Unlock()

	keeper := kdtree.NewNKeeper(k)
	tree.NearestSet(keeper, indexedPoint{pos: q})

	found := make([]kdtree.ComparableDist, 0, len(keeper.Heap))
	for _, cd := range keeper.Heap {
		if cd.Comparable == nil {
			continue
		}
		found = append(found, cd)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Dist < found[j].Dist })

	idx := make([]int, len(found))
	dists := make([]float64, len(found))
	for i, cd := range found {
		idx[i] = cd.Comparable.(indexedPoint).idx
		dists[i] = cd.Dist
	}
	return idx, dists, nil
}

// indexedPoint is a kd-tree entry that remembers its dataset position.
type indexedPoint struct {
	pos r3.Vector
	idx int
}

func (p indexedPoint) coord(d kdtree.Dim) float64 {
	switch d {
	case 0:
		return p.pos.X
	case 1:
		return p.pos.Y
	default:
		return p.pos.Z
	}
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.coord(d) - c.(indexedPoint).coord(d)
}

func (p indexedPoint) Dims() int { return 3 }

// Distance is squared Euclidean, matching kdtree.Point.
func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	return p.pos.Sub(c.(indexedPoint).pos).Norm2()
}

type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p indexedPoints) Len() int                      { return len(p) }
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return indexedPlane{dim: d, points: p}.Pivot()
}
func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// indexedPlane sorts points along one dimension for median selection.
type indexedPlane struct {
	dim    kdtree.Dim
	points indexedPoints
}

func (p indexedPlane) Len() int { return len(p.points) }
func (p indexedPlane) Less(i, j int) bool {
	return p.points[i].coord(p.dim) < p.points[j].coord(p.dim)
}
func (p indexedPlane) Swap(i, j int) { p.points[i], p.points[j] = p.points[j], p.points[i] }
func (p indexedPlane) Pivot() int    { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p indexedPlane) Slice(start, end int) kdtree.SortSlicer {
	return indexedPlane{dim: p.dim, points: p.points[start:end]}
}
