package registry

import (
	"sort"

	"github.com/ChuLiYu/mesh-dispatch/pkg/types"
)

// Catalog is the frozen result of a discovery scan. It is never mutated
// after NewCatalog returns, so concurrent readers need no locking.
type Catalog struct {
	byType  map[types.MeshIOType][]WorkerDescriptor
	workers []WorkerDescriptor
}

// NewCatalog indexes descriptors by MeshIOType. Descriptors with an invalid
// type are dropped.
func NewCatalog(descs []WorkerDescriptor) *Catalog {
	c := &Catalog{byType: make(map[types.MeshIOType][]WorkerDescriptor)}
	for _, d := range descs {
		if !d.Type.Valid() {
			continue
		}
		c.byType[d.Type] = append(c.byType[d.Type], d)
		c.workers = append(c.workers, d)
	}
	return c
}

// EmptyCatalog 沒有任何 worker 的目錄
func EmptyCatalog() *Catalog {
	return NewCatalog(nil)
}

// Len returns the number of workers.
func (c *Catalog) Len() int {
	return len(c.workers)
}

// Workers returns every worker descriptor.
func (c *Catalog) Workers() []WorkerDescriptor {
	out := make([]WorkerDescriptor, len(c.workers))
	copy(out, c.workers)
	return out
}

// Types returns the MeshIOTypes served, sorted.
func (c *Catalog) Types() []types.MeshIOType {
	out := make([]types.MeshIOType, 0, len(c.byType))
	for t := range c.byType {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// CanMesh reports whether at least one worker serves t.
func (c *Catalog) CanMesh(t types.MeshIOType) bool {
	return len(c.byType[t]) > 0
}

// Requirements returns one JobRequirements per worker serving t. An invalid
// or unserved type yields an empty set.
func (c *Catalog) Requirements(t types.MeshIOType) types.JobRequirementsSet {
	var set types.JobRequirementsSet
	if !t.Valid() {
		return set
	}
	for _, d := range c.byType[t] {
		set.Add(d.Requirements())
	}
	return set
}

// Find returns the worker that produced reqs.
func (c *Catalog) Find(reqs types.JobRequirements) (WorkerDescriptor, bool) {
	for _, d := range c.byType[reqs.Type] {
		if d.Matches(reqs) {
			return d, true
		}
	}
	return WorkerDescriptor{}, false
}
