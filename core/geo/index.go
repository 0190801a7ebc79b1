package geo

import (
	"context"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/nexora/dispatch/core/model"
)

// DefaultRadiusMeters is the dispatch search radius.
const DefaultRadiusMeters = 10000

// Candidate is a courier found by a radius query.
type Candidate struct {
	Courier        model.User `json:"courier"`
	DistanceMeters float64    `json:"distanceMeters"`
}

// Index returns online couriers within radiusM of p, nearest first.
// An empty result is not an error.
type Index interface {
	Nearby(ctx context.Context, p model.GeoPoint, radiusM float64) ([]Candidate, error)
}

// CourierSource lists the couriers currently online. store.UserStore
// satisfies it.
type CourierSource interface {
	OnlineCouriers(ctx context.Context) ([]model.User, error)
}

// KDIndex builds a k-d tree over the online couriers for every query so the
// result always reflects the persisted presence state.
type KDIndex struct {
	src CourierSource
}

// NewKDIndex returns an index reading couriers from src.
func NewKDIndex(src CourierSource) *KDIndex {
	return &KDIndex{src: src}
}

// Nearby implements Index.
func (ix *KDIndex) Nearby(ctx context.Context, p model.GeoPoint, radiusM float64) ([]Candidate, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	users, err := ix.src.OnlineCouriers(ctx)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(users).Within(p, radiusM), nil
}

// Snapshot is an immutable spatial index over a set of couriers.
type Snapshot struct {
	users []model.User
	tree  *kdtree.Tree
}

// NewSnapshot indexes the dispatchable couriers among users.
func NewSnapshot(users []model.User) *Snapshot {
	s := &Snapshot{}
	pts := make(courierPoints, 0, len(users))
	for _, u := range users {
		if !u.Dispatchable() || u.Location.Validate() != nil {
			continue
		}
		pts = append(pts, courierPoint{xyz: unitVector(u.Location), idx: len(s.users)})
		s.users = append(s.users, u)
	}
	if len(pts) > 0 {
		s.tree = kdtree.New(pts, false)
	}
	return s
}

// Len returns the number of indexed couriers.
func (s *Snapshot) Len() int { return len(s.users) }

// Within returns the couriers within radiusM of p ordered by distance, ties
// broken by courier id.
func (s *Snapshot) Within(p model.GeoPoint, radiusM float64) []Candidate {
	res := make([]Candidate, 0)
	if s.tree == nil || radiusM < 0 || math.IsNaN(radiusM) {
		return res
	}
	q := courierPoint{xyz: unitVector(p), idx: -1}
	// Pad the chord bound slightly; the exact check below is on Haversine.
	keep := kdtree.NewDistKeeper(chordSquared(radiusM) * (1 + 1e-9))
	s.tree.NearestSet(keep, q)
	for _, c := range keep.Heap {
		cp, ok := c.Comparable.(courierPoint)
		if !ok {
			continue
		}
		u := s.users[cp.idx]
		d := HaversineMeters(p, u.Location)
		if d > radiusM {
			continue
		}
		res = append(res, Candidate{Courier: u, DistanceMeters: d})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].DistanceMeters != res[j].DistanceMeters {
			return res[i].DistanceMeters < res[j].DistanceMeters
		}
		return res[i].Courier.ID < res[j].Courier.ID
	})
	return res
}

// IDs returns the courier ids of the candidates in order.
func IDs(cs []Candidate) []string {
	ids := make([]string, len(cs))
	for i, c := range cs {
		ids[i] = c.Courier.ID
	}
	return ids
}

type courierPoint struct {
	xyz [3]float64
	idx int
}

func (p courierPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.xyz[d] - c.(courierPoint).xyz[d]
}

func (p courierPoint) Dims() int { return 3 }

func (p courierPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(courierPoint)
	var sum float64
	for i := range p.xyz {
		d := p.xyz[i] - q.xyz[i]
		sum += d * d
	}
	return sum
}

type courierPoints []courierPoint

func (p courierPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p courierPoints) Len() int                              { return len(p) }
func (p courierPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p courierPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(plane{dim: d, pts: p}, kdtree.MedianOfMedians(plane{dim: d, pts: p}))
}

type plane struct {
	dim kdtree.Dim
	pts courierPoints
}

func (p plane) Len() int           { return len(p.pts) }
func (p plane) Less(i, j int) bool { return p.pts[i].xyz[p.dim] < p.pts[j].xyz[p.dim] }
func (p plane) Swap(i, j int)      { p.pts[i], p.pts[j] = p.pts[j], p.pts[i] }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{dim: p.dim, pts: p.pts[start:end]}
}
