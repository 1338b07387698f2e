package router

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tidwall/btree"

	"github.com/hupe1980/lire/distance"
	"github.com/hupe1980/lire/internal/kmeans"
	"github.com/hupe1980/lire/internal/model"
)

const (
	// DefaultGroupSize is the maximum number of centroids per group.
	DefaultGroupSize = 256
	// DefaultGroupProbe multiplies fanout to get the number of members
	// collected from the nearest groups.
	DefaultGroupProbe = 4
)

var (
	// ErrDimensionMismatch is returned for centroids of the wrong length.
	ErrDimensionMismatch = errors.New("router: dimension mismatch")
	// ErrExists is returned when inserting a partition id twice.
	ErrExists = errors.New("router: partition already routed")
	// ErrNotFound is returned when removing an unknown partition id.
	ErrNotFound = errors.New("router: partition not routed")
)

// Candidate is a routed partition and its centroid distance.
type Candidate struct {
	ID       model.PartitionID
	Distance float32
}

// Options configures a Router.
type Options struct {
	Dim        int
	Metric     distance.Metric
	GroupSize  int
	GroupProbe int
	Seed       int64
}

// group is immutable once published.
type group struct {
	ids       []model.PartitionID
	centroids []float32 // len(ids) * dim
	norms     []float32
	mean      []float32
}

type owner struct {
	id    model.PartitionID
	group *group
}

func ownerLess(a, b owner) bool { return a.id < b.id }

type snapshot struct {
	groups []*group
	means  []float32 // len(groups) * dim
	mnorms []float32
	owners *btree.BTreeG[owner]
	count  int
}

// Router is a copy-on-write centroid index.
type Router struct {
	opts Options

	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
}

// New creates an empty router.
func New(opts Options) (*Router, error) {
	if opts.Dim <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrDimensionMismatch, opts.Dim)
	}
	if !opts.Metric.Valid() {
		return nil, fmt.Errorf("router: invalid metric %v", opts.Metric)
	}
	if opts.GroupSize <= 1 {
		opts.GroupSize = DefaultGroupSize
	}
	if opts.GroupProbe <= 0 {
		opts.GroupProbe = DefaultGroupProbe
	}

	r := &Router{opts: opts}
	r.snap.Store(&snapshot{owners: newOwners()})
	return r, nil
}

func newOwners() *btree.BTreeG[owner] {
	return btree.NewBTreeGOptions(ownerLess, btree.Options{NoLocks: true})
}

// Len returns the number of routed partitions.
func (r *Router) Len() int {
	return r.snap.Load().count
}

// Groups returns the number of centroid groups.
func (r *Router) Groups() int {
	return len(r.snap.Load().groups)
}

// IDs returns all routed partition ids in ascending order.
func (r *Router) IDs() []model.PartitionID {
	s := r.snap.Load()
	out := make([]model.PartitionID, 0, s.count)
	s.owners.Scan(func(o owner) bool {
		out = append(out, o.id)
		return true
	})
	return out
}

// Centroid returns a copy of the centroid of id.
func (r *Router) Centroid(id model.PartitionID) ([]float32, bool) {
	s := r.snap.Load()
	o, ok := s.owners.Get(owner{id: id})
	if !ok {
		return nil, false
	}
	i := slices.Index(o.group.ids, id)
	dim := r.opts.Dim
	return slices.Clone(o.group.centroids[i*dim : (i+1)*dim]), true
}

// Route returns up to fanout partitions nearest to vec, nearest first.
// Ties are broken by partition id. An empty router returns nil.
func (r *Router) Route(vec []float32, fanout int) []Candidate {
	s := r.snap.Load()
	if s.count == 0 || fanout <= 0 || len(vec) != r.opts.Dim {
		return nil
	}
	fanout = min(fanout, s.count)
	qn := distance.SquaredNorm(vec)

	probe := s.groups
	if len(s.groups) > 1 {
		probe = r.probeGroups(s, vec, qn, fanout*r.opts.GroupProbe)
	}

	var cands []Candidate
	for _, g := range probe {
		cands = r.scoreGroup(g, vec, qn, cands)
	}
	sortCandidates(cands)
	if len(cands) > fanout {
		cands = cands[:fanout]
	}
	return cands
}

// probeGroups returns the groups nearest to vec until at least want members
// are covered.
func (r *Router) probeGroups(s *snapshot, vec []float32, qn float32, want int) []*group {
	dim := r.opts.Dim
	n := len(s.groups)
	dots := make([]float32, n)
	distance.BatchDot(vec, s.means, n, dim, dots)

	order := make([]int, n)
	dists := make([]float32, n)
	for i := range order {
		order[i] = i
		dists[i] = r.opts.Metric.FromDot(dots[i], qn, s.mnorms[i])
	}
	sort.Slice(order, func(a, b int) bool {
		if dists[order[a]] != dists[order[b]] {
			return dists[order[a]] < dists[order[b]]
		}
		return order[a] < order[b]
	})

	out := make([]*group, 0, 4)
	covered := 0
	for _, gi := range order {
		out = append(out, s.groups[gi])
		covered += len(s.groups[gi].ids)
		if covered >= want {
			break
		}
	}
	return out
}

func (r *Router) scoreGroup(g *group, vec []float32, qn float32, dst []Candidate) []Candidate {
	n := len(g.ids)
	dots := make([]float32, n)
	distance.BatchDot(vec, g.centroids, n, r.opts.Dim, dots)
	for i, id := range g.ids {
		dst = append(dst, Candidate{ID: id, Distance: r.opts.Metric.FromDot(dots[i], qn, g.norms[i])})
	}
	return dst
}

func sortCandidates(c []Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Distance != c[j].Distance {
			return c[i].Distance < c[j].Distance
		}
		return c[i].ID < c[j].ID
	})
}

// Load replaces the router contents with the given partitions. centroids is
// row-major with one row per id.
func (r *Router) Load(ids []model.PartitionID, centroids []float32) error {
	dim := r.opts.Dim
	if len(centroids) != len(ids)*dim {
		return fmt.Errorf("%w: %d centroids for %d ids", ErrDimensionMismatch, len(centroids)/dim, len(ids))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b := &builder{r: r, owners: newOwners()}
	seen := make(map[model.PartitionID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: %d", ErrExists, id)
		}
		seen[id] = struct{}{}
	}
	for _, g := range r.partition(slices.Clone(ids), slices.Clone(centroids)) {
		b.add(g)
	}
	r.snap.Store(b.snapshot())
	return nil
}

// partition splits a member set into groups of at most GroupSize.
func (r *Router) partition(ids []model.PartitionID, centroids []float32) []*group {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) <= r.opts.GroupSize {
		return []*group{r.newGroup(ids, centroids)}
	}

	dim := r.opts.Dim
	split, err := kmeans.TwoMeans(centroids, dim, r.opts.Metric, 8, r.opts.Seed+int64(len(ids)))
	if err != nil {
		// Fall back to an even cut.
		half := len(ids) / 2
		return append(r.partition(ids[:half], centroids[:half*dim]), r.partition(ids[half:], centroids[half*dim:])...)
	}

	var side [2][]model.PartitionID
	var rows [2][]float32
	for i, s := range split.Side {
		side[s] = append(side[s], ids[i])
		rows[s] = append(rows[s], centroids[i*dim:(i+1)*dim]...)
	}
	return append(r.partition(side[0], rows[0]), r.partition(side[1], rows[1])...)
}

func (r *Router) newGroup(ids []model.PartitionID, centroids []float32) *group {
	dim := r.opts.Dim
	g := &group{
		ids:       ids,
		centroids: centroids,
		norms:     make([]float32, len(ids)),
	}
	for i := range ids {
		g.norms[i] = distance.SquaredNorm(centroids[i*dim : (i+1)*dim])
	}
	g.mean = kmeans.Mean(centroids, dim, r.opts.Metric)
	return g
}

// Insert routes a new partition.
func (r *Router) Insert(id model.PartitionID, centroid []float32) error {
	return r.Replace(nil, []model.PartitionID{id}, centroid)
}

// Remove stops routing to id.
func (r *Router) Remove(id model.PartitionID) error {
	return r.Replace([]model.PartitionID{id}, nil, nil)
}

// Replace removes and adds partitions in one published step. centroids is
// row-major with one row per added id.
func (r *Router) Replace(removed, added []model.PartitionID, centroids []float32) error {
	dim := r.opts.Dim
	if len(centroids) != len(added)*dim {
		return fmt.Errorf("%w: %d values for %d centroids", ErrDimensionMismatch, len(centroids), len(added))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.snap.Load()
	owners := s.owners.Copy()

	// Groups touched by this mutation, rebuilt at the end.
	type pending struct {
		ids  []model.PartitionID
		rows []float32
	}
	touched := make(map[*group]*pending)
	touch := func(g *group) *pending {
		p, ok := touched[g]
		if !ok {
			p = &pending{ids: slices.Clone(g.ids), rows: slices.Clone(g.centroids)}
			touched[g] = p
		}
		return p
	}

	for _, id := range removed {
		o, ok := owners.Get(owner{id: id})
		if !ok {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		p := touch(o.group)
		i := slices.Index(p.ids, id)
		p.ids = slices.Delete(p.ids, i, i+1)
		p.rows = slices.Delete(p.rows, i*dim, (i+1)*dim)
		owners.Delete(owner{id: id})
	}

	var fresh *pending // members for a new group when there is none to join
	for i, id := range added {
		if _, ok := owners.Get(owner{id: id}); ok {
			return fmt.Errorf("%w: %d", ErrExists, id)
		}
		c := centroids[i*dim : (i+1)*dim]
		if g := r.nearestGroup(s, c); g != nil {
			p := touch(g)
			p.ids = append(p.ids, id)
			p.rows = append(p.rows, c...)
		} else {
			if fresh == nil {
				fresh = &pending{}
			}
			fresh.ids = append(fresh.ids, id)
			fresh.rows = append(fresh.rows, c...)
		}
		// Placeholder so duplicate detection works inside this batch.
		owners.Set(owner{id: id})
	}

	b := &builder{r: r, owners: owners}
	for _, g := range s.groups {
		p, ok := touched[g]
		if !ok {
			b.keep(g)
			continue
		}
		for _, ng := range r.partition(p.ids, p.rows) {
			b.add(ng)
		}
	}
	if fresh != nil {
		for _, ng := range r.partition(fresh.ids, fresh.rows) {
			b.add(ng)
		}
	}
	r.snap.Store(b.snapshot())
	return nil
}

func (r *Router) nearestGroup(s *snapshot, c []float32) *group {
	if len(s.groups) == 0 {
		return nil
	}
	if len(s.groups) == 1 {
		return s.groups[0]
	}
	dots := make([]float32, len(s.groups))
	distance.BatchDot(c, s.means, len(s.groups), r.opts.Dim, dots)
	qn := distance.SquaredNorm(c)
	best := 0
	bestDist := r.opts.Metric.FromDot(dots[0], qn, s.mnorms[0])
	for i := 1; i < len(s.groups); i++ {
		if d := r.opts.Metric.FromDot(dots[i], qn, s.mnorms[i]); d < bestDist {
			best, bestDist = i, d
		}
	}
	return s.groups[best]
}

type builder struct {
	r      *Router
	groups []*group
	owners *btree.BTreeG[owner]
	count  int
}

// add appends a new non-empty group and points its members at it.
func (b *builder) add(g *group) {
	if len(g.ids) == 0 {
		return
	}
	b.keep(g)
	for _, id := range g.ids {
		b.owners.Set(owner{id: id, group: g})
	}
}

// keep appends a group whose members already point at it.
func (b *builder) keep(g *group) {
	b.groups = append(b.groups, g)
	b.count += len(g.ids)
}

func (b *builder) snapshot() *snapshot {
	dim := b.r.opts.Dim
	s := &snapshot{
		groups: b.groups,
		means:  make([]float32, 0, len(b.groups)*dim),
		mnorms: make([]float32, len(b.groups)),
		owners: b.owners,
		count:  b.count,
	}
	for i, g := range b.groups {
		s.means = append(s.means, g.mean...)
		s.mnorms[i] = distance.SquaredNorm(g.mean)
	}
	return s
}
