// Package local implements the comms.Group interface in-process: the ranks of a group
// are goroutines of the same process, and every collective operation is a rendezvous
// where each rank deposits its contribution, the last arrival combines them, and all
// ranks leave with the combined result.
//
// It backs every test of the distributed primitives and is usable for single-host
// SPMD runs. The caller contract is the same as for any backend: every rank must
// issue the same collectives in the same order, and a rank that skips one blocks its
// peers forever -- by design, there are no timeouts inside the primitives.
package local

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/vocabparallel/comms"
	"github.com/gomlx/vocabparallel/internal/utils"
	"github.com/gomlx/vocabparallel/types/tensors"
	"github.com/pkg/errors"
)

// world is the shared rendezvous state of one group: a generation-counted barrier
// with a per-rank contribution slot and a combined result.
type world struct {
	size int

	mu         sync.Mutex
	cond       *sync.Cond
	arrived    int
	generation uint64
	contribs   []any
	result     any
	err        error
}

func newWorld(size int) *world {
	w := &world{size: size, contribs: make([]any, size)}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// exchange deposits this rank's contribution and blocks until all ranks of the group
// arrive. The last arrival runs combine over the contributions (in rank order) while
// holding the lock; every rank then returns the same result (or the same error).
//
// Contributions are read by combine while their owners are parked at the barrier, so
// they must not be mutated concurrently -- guaranteed by the SPMD call discipline.
func (w *world) exchange(rank int, contribution any, combine func(contribs []any) (any, error)) (any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.contribs[rank] = contribution
	w.arrived++
	if w.arrived == w.size {
		w.result, w.err = combine(w.contribs)
		for i := range w.contribs {
			w.contribs[i] = nil
		}
		w.arrived = 0
		w.generation++
		w.cond.Broadcast()
	} else {
		generation := w.generation
		for generation == w.generation {
			w.cond.Wait()
		}
	}
	return w.result, w.err
}

// Group is one rank's handle to an in-process communication group.
// It implements comms.Group.
type Group struct {
	world *world
	rank  int
}

var _ comms.Group = (*Group)(nil)

// New creates an in-process group of the given size and returns one handle per rank.
// Each handle must be used by exactly one goroutine ("rank").
func New(size int) ([]*Group, error) {
	if size <= 0 {
		return nil, errors.Errorf("group size must be > 0, got %d", size)
	}
	w := newWorld(size)
	handles := make([]*Group, size)
	for rank := range handles {
		handles[rank] = &Group{world: w, rank: rank}
	}
	return handles, nil
}

// Rank returns this handle's rank within the group.
func (g *Group) Rank() int { return g.rank }

// Size returns the number of ranks in the group.
func (g *Group) Size() int { return g.world.size }

func (g *Group) String() string {
	return fmt.Sprintf("local.Group(rank=%d, size=%d)", g.rank, g.world.size)
}

// AllReduce implements comms.Group.
func (g *Group) AllReduce(op comms.ReduceOp, tensor *tensors.Tensor) error {
	if tensor == nil {
		return errors.Errorf("AllReduce: rank %d passed a nil tensor", g.rank)
	}
	result, err := g.world.exchange(g.rank, tensor, func(contribs []any) (any, error) {
		ts, err := contribTensors(contribs)
		if err != nil {
			return nil, errors.Wrapf(err, "AllReduce(%s)", op)
		}
		acc := ts[0].Clone()
		for _, t := range ts[1:] {
			if err := op.Combine(acc, t); err != nil {
				return nil, errors.Wrapf(err, "AllReduce(%s)", op)
			}
		}
		return acc, nil
	})
	if err != nil {
		return err
	}
	return tensors.CopyFlatRange(tensor, result.(*tensors.Tensor), 0)
}

// AllGather implements comms.Group.
func (g *Group) AllGather(tensor *tensors.Tensor) ([]*tensors.Tensor, error) {
	if tensor == nil {
		return nil, errors.Errorf("AllGather: rank %d passed a nil tensor", g.rank)
	}
	result, err := g.world.exchange(g.rank, tensor, func(contribs []any) (any, error) {
		gathered := make([]*tensors.Tensor, len(contribs))
		for rank, contribution := range contribs {
			t, ok := contribution.(*tensors.Tensor)
			if !ok || t == nil {
				return nil, errors.Errorf("AllGather: rank %d did not contribute a tensor", rank)
			}
			gathered[rank] = t.Clone()
		}
		return gathered, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneList(result.([]*tensors.Tensor)), nil
}

// Broadcast implements comms.Group.
func (g *Group) Broadcast(src int, tensor *tensors.Tensor) (*tensors.Tensor, error) {
	result, err := g.world.exchange(g.rank, tensor, func(contribs []any) (any, error) {
		if src < 0 || src >= len(contribs) {
			return nil, errors.Errorf("Broadcast: source rank %d out of range for group size %d", src, len(contribs))
		}
		t, ok := contribs[src].(*tensors.Tensor)
		if !ok || t == nil {
			return nil, errors.Errorf("Broadcast: source rank %d did not contribute a tensor", src)
		}
		return t.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*tensors.Tensor).Clone(), nil
}

// BroadcastBytes implements comms.Group.
func (g *Group) BroadcastBytes(src int, payload []byte) ([]byte, error) {
	result, err := g.world.exchange(g.rank, payload, func(contribs []any) (any, error) {
		if src < 0 || src >= len(contribs) {
			return nil, errors.Errorf("BroadcastBytes: source rank %d out of range for group size %d", src, len(contribs))
		}
		b, ok := contribs[src].([]byte)
		if !ok || b == nil {
			return nil, errors.Errorf("BroadcastBytes: source rank %d did not contribute a payload", src)
		}
		return slices.Clone(b), nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(result.([]byte)), nil
}

// Gather implements comms.Group.
func (g *Group) Gather(dst int, tensor *tensors.Tensor) ([]*tensors.Tensor, error) {
	if tensor == nil {
		return nil, errors.Errorf("Gather: rank %d passed a nil tensor", g.rank)
	}
	result, err := g.world.exchange(g.rank, tensor, func(contribs []any) (any, error) {
		if dst < 0 || dst >= len(contribs) {
			return nil, errors.Errorf("Gather: destination rank %d out of range for group size %d", dst, len(contribs))
		}
		ts, err := contribTensors(contribs)
		if err != nil {
			return nil, errors.Wrapf(err, "Gather")
		}
		return cloneList(ts), nil
	})
	if err != nil {
		return nil, err
	}
	if g.rank != dst {
		return nil, nil
	}
	return cloneList(result.([]*tensors.Tensor)), nil
}

// contribTensors checks that every rank contributed a tensor and that all shapes
// agree exactly -- the shape-mismatch case is a fatal topology error.
func contribTensors(contribs []any) ([]*tensors.Tensor, error) {
	ts := make([]*tensors.Tensor, len(contribs))
	for rank, contribution := range contribs {
		t, ok := contribution.(*tensors.Tensor)
		if !ok || t == nil {
			return nil, errors.Errorf("rank %d did not contribute a tensor", rank)
		}
		if rank > 0 && !t.Shape().Equal(ts[0].Shape()) {
			return nil, errors.Errorf("rank %d contributed shape %s, but rank 0 contributed %s",
				rank, t.Shape(), ts[0].Shape())
		}
		ts[rank] = t
	}
	return ts, nil
}

func cloneList(ts []*tensors.Tensor) []*tensors.Tensor {
	cloned := make([]*tensors.Tensor, len(ts))
	for i, t := range ts {
		cloned[i] = t.Clone()
	}
	return cloned
}

// NewTopologies builds a full comms.Topology per rank of the mesh, with in-process
// groups for every parallel dimension: the tensor-, pipeline- and data-parallel
// groups follow the mesh axes, and the model-parallel group combines the tensor and
// pipeline axes. Mesh axes the caller omitted behave as size 1.
func NewTopologies(mesh *comms.Mesh) ([]*comms.Topology, error) {
	numRanks := mesh.NumRanks()
	allRanks := make([]int, numRanks)
	for i := range allRanks {
		allRanks[i] = i
	}
	world, err := groupsFor([][]int{allRanks}, numRanks)
	if err != nil {
		return nil, err
	}

	byAxes := func(axes ...string) ([]*Group, error) {
		lists, err := mesh.ReplicaGroups(axes...)
		if err != nil {
			return nil, err
		}
		return groupsFor(lists, numRanks)
	}
	tensor, err := byAxes(comms.AxisModel)
	if err != nil {
		return nil, err
	}
	pipeline, err := byAxes(comms.AxisPipeline)
	if err != nil {
		return nil, err
	}
	data, err := byAxes(comms.AxisData)
	if err != nil {
		return nil, err
	}
	model, err := byAxes(comms.AxisModel, comms.AxisPipeline)
	if err != nil {
		return nil, err
	}

	topologies := make([]*comms.Topology, numRanks)
	for rank := range topologies {
		topologies[rank], err = comms.NewTopology(rank, world[rank], model[rank], tensor[rank], pipeline[rank], data[rank])
		if err != nil {
			return nil, err
		}
	}
	return topologies, nil
}

// groupsFor creates one shared group per ranks-list and returns each rank's handle,
// indexed by world rank. The lists must partition [0, numRanks).
func groupsFor(lists [][]int, numRanks int) ([]*Group, error) {
	handles := make([]*Group, numRanks)
	seen := utils.MakeSet[int](numRanks)
	for _, list := range lists {
		w := newWorld(len(list))
		for i, rank := range list {
			if rank < 0 || rank >= numRanks {
				return nil, errors.Errorf("rank %d out of range for %d ranks", rank, numRanks)
			}
			if seen.Has(rank) {
				return nil, errors.Errorf("rank %d appears in more than one group", rank)
			}
			seen.Insert(rank)
			handles[rank] = &Group{world: w, rank: i}
		}
	}
	if len(seen) != numRanks {
		return nil, errors.Errorf("groups cover %d of %d ranks", len(seen), numRanks)
	}
	return handles, nil
}
