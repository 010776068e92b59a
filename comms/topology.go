package comms

import (
	"github.com/pkg/errors"
)

// Topology carries the rank and group information every distributed operation needs:
// the world group plus one group per parallel dimension. It is constructed once at
// process start (usually from a Mesh by a backend, e.g. comms/local.NewTopologies)
// and passed explicitly to the functions that need it -- there is no ambient global
// topology state.
//
// The groups are externally owned; a Topology never creates or destroys them.
type Topology struct {
	// WorldRank is this rank's index in the World group.
	WorldRank int

	// World spans every rank of the computation.
	World Group

	// Model spans the ranks that together hold one full replica of the model: the
	// combination of the tensor- and pipeline-parallel dimensions. With data
	// parallelism DP, there are DP such groups.
	Model Group

	// Tensor spans the ranks holding shards of the same logical vocabulary axis
	// (tensor-model-parallel group).
	Tensor Group

	// Pipeline spans the ranks of one pipeline (pipeline-parallel group).
	Pipeline Group

	// Data spans the ranks holding the same (replicated) model state but different
	// data (data-parallel group).
	Data Group
}

// NewTopology builds a Topology after checking all groups are present.
func NewTopology(worldRank int, world, model, tensor, pipeline, data Group) (*Topology, error) {
	topo := &Topology{
		WorldRank: worldRank,
		World:     world,
		Model:     model,
		Tensor:    tensor,
		Pipeline:  pipeline,
		Data:      data,
	}
	for _, g := range []struct {
		name  string
		group Group
	}{
		{"world", world}, {"model", model}, {"tensor", tensor}, {"pipeline", pipeline}, {"data", data},
	} {
		if g.group == nil {
			return nil, errors.Errorf("topology is missing the %s group", g.name)
		}
	}
	if worldRank < 0 || worldRank >= world.Size() {
		return nil, errors.Errorf("world rank %d out of range for world size %d", worldRank, world.Size())
	}
	return topo, nil
}

// IsModelParallelSrc returns whether this rank is the designated source rank of its
// model-parallel group -- the rank whose copy of replicated data is authoritative.
func (t *Topology) IsModelParallelSrc() bool {
	return t.Model.Rank() == 0
}

// PipelineFirstRank returns the group-relative rank of the first pipeline stage.
func (t *Topology) PipelineFirstRank() int { return 0 }

// PipelineLastRank returns the group-relative rank of the last pipeline stage.
func (t *Topology) PipelineLastRank() int { return t.Pipeline.Size() - 1 }

// RunOnModelParallelSrc invokes fn only on the model-parallel source rank, to avoid
// repeating work on ranks that hold identical replicated data: with data parallelism
// DP, fn runs exactly DP times across the world. It returns fn's result and ran=true
// on the source rank; the zero T and ran=false elsewhere.
//
// fn typically contains no collectives over groups that span non-source ranks --
// those would deadlock, since only source ranks enter fn.
func RunOnModelParallelSrc[T any](topo *Topology, fn func() (T, error)) (result T, ran bool, err error) {
	if !topo.IsModelParallelSrc() {
		return result, false, nil
	}
	result, err = fn()
	return result, true, err
}
