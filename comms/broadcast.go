package comms

import (
	"sync"

	"github.com/goccy/go-json"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/vocabparallel/types/shapes"
	"github.com/gomlx/vocabparallel/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// tensorMeta is the out-of-band descriptor broadcast before a tensor payload, so
// non-source ranks can allocate a correctly shaped and typed receive buffer with no
// prior knowledge of the shape.
type tensorMeta struct {
	DType dtypes.DType `json:"dtype"`
	Dims  []int        `json:"dims"`
}

// Broadcast distributes src's tensor to every rank of the group and returns it.
//
// On the source rank the tensor is required; if dtype is valid (not InvalidDType) the
// tensor is cast to it before sending. Non-source ranks pass tensor=nil: the element
// type and shape are received out-of-band first, so the result always matches the
// source exactly.
//
// Every rank of the group must call Broadcast collectively -- a rank that skips the
// call stalls the group, with no internal recovery.
func Broadcast(g Group, src int, tensor *tensors.Tensor, dtype dtypes.DType) (*tensors.Tensor, error) {
	if g.Rank() == src {
		if tensor == nil {
			return nil, errors.Errorf("Broadcast: source rank %d requires a non-nil tensor", src)
		}
		if dtype != dtypes.InvalidDType && dtype != tensor.DType() {
			var err error
			tensor, err = tensor.ConvertTo(dtype)
			if err != nil {
				return nil, errors.Wrapf(err, "Broadcast: casting to %s on source rank", dtype)
			}
		}
		payload, err := json.Marshal(tensorMeta{DType: tensor.DType(), Dims: tensor.Shape().Dimensions})
		if err != nil {
			return nil, errors.Wrapf(err, "Broadcast: encoding tensor metadata")
		}
		if _, err := g.BroadcastBytes(src, payload); err != nil {
			return nil, err
		}
		return g.Broadcast(src, tensor)
	}

	payload, err := g.BroadcastBytes(src, nil)
	if err != nil {
		return nil, err
	}
	var meta tensorMeta
	if err := json.Unmarshal(payload, &meta); err != nil {
		return nil, errors.Wrapf(err, "Broadcast: decoding tensor metadata")
	}
	shape, err := shapes.Make(meta.DType, meta.Dims...)
	if err != nil {
		return nil, errors.Wrapf(err, "Broadcast: invalid metadata from source rank %d", src)
	}
	buffer, err := tensors.Zeros(shape)
	if err != nil {
		return nil, err
	}
	return g.Broadcast(src, buffer)
}

var broadcast2DWarning sync.Once

// Broadcast2D broadcasts a rank-2 tensor from src to every rank of the group, casting
// to Float32 when no dtype is given (the legacy default).
//
// Deprecated: Use Broadcast, which infers metadata for tensors of any rank and only
// casts when asked to.
func Broadcast2D(g Group, src int, tensor *tensors.Tensor, dtype dtypes.DType) (*tensors.Tensor, error) {
	broadcast2DWarning.Do(func() {
		klog.Warning("comms.Broadcast2D is deprecated, use comms.Broadcast instead")
	})
	if dtype == dtypes.InvalidDType {
		dtype = dtypes.Float32
	}
	if g.Rank() == src && tensor != nil && tensor.Rank() != 2 {
		return nil, errors.Errorf("Broadcast2D: tensor rank is not 2 but %d, with shape %s",
			tensor.Rank(), tensor.Shape())
	}
	return Broadcast(g, src, tensor, dtype)
}

// BroadcastWithinModelParallel broadcasts from the model-parallel source rank to the
// rest of its model-parallel group. With a model-parallel group of size 1 there is
// nothing to do and the tensor is returned unchanged.
func BroadcastWithinModelParallel(topo *Topology, tensor *tensors.Tensor, dtype dtypes.DType) (*tensors.Tensor, error) {
	if topo.Model.Size() <= 1 {
		return tensor, nil
	}
	return Broadcast(topo.Model, 0, tensor, dtype)
}

// BroadcastWithinPipeline broadcasts within the pipeline-parallel group.
//
// fromLast selects the source stage: true broadcasts from the last pipeline stage
// (where e.g. logits live after a forward pass), false from the first. The tensor
// should be valid on the source stage and nil elsewhere. With a pipeline of size 1
// the tensor is returned unchanged.
func BroadcastWithinPipeline(topo *Topology, tensor *tensors.Tensor, dtype dtypes.DType, fromLast bool) (*tensors.Tensor, error) {
	if topo.Pipeline.Size() <= 1 {
		return tensor, nil
	}
	src := topo.PipelineFirstRank()
	if fromLast {
		src = topo.PipelineLastRank()
	}
	return Broadcast(topo.Pipeline, src, tensor, dtype)
}
