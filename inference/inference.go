// Package inference distributes batched inference over the data-parallel dimension:
// the batch lives on one coordinating rank, gets broadcast and split evenly across
// the data-parallel groups, and the variable-length outputs are rebalanced back into
// one globally ordered result on every rank.
package inference

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/vocabparallel/comms"
	"github.com/gomlx/vocabparallel/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Input is the batch to run inference on. Tokens is Int64 [batch, sequence] and
// Lengths is Int64 [batch, 1]; both are required on world rank 0 only and ignored
// elsewhere.
type Input struct {
	Tokens  *tensors.Tensor
	Lengths *tensors.Tensor
}

// InferFn runs the model on one data-parallel rank's chunk: tokens is Int64
// [chunk, sequence] and lengths Int64 [chunk]. It returns one output stream, or two
// for combined reward/value models. The leading dimension of each output need not
// match the chunk size.
type InferFn func(tokens, lengths *tensors.Tensor) ([]*tensors.Tensor, error)

// Run broadcasts the batch from world rank 0, splits it evenly across the
// data-parallel groups, invokes inferFn on this rank's chunk and rebalances each
// output stream over the data-parallel group, so every rank returns the full,
// globally ordered outputs.
//
// The batch must divide evenly by the data-parallel size; remainder handling is the
// caller's responsibility. In dual-stream mode the first stream is treated as
// [batch, 1] rewards and squeezed to [batch].
//
// Collective over the world and data-parallel groups.
func Run(topo *comms.Topology, in *Input, inferFn InferFn) ([]*tensors.Tensor, error) {
	var tokens, lengths *tensors.Tensor
	if topo.WorldRank == 0 {
		if in == nil || in.Tokens == nil || in.Lengths == nil {
			return nil, errors.Errorf("Run: world rank 0 must provide tokens and lengths")
		}
		tokens, lengths = in.Tokens, in.Lengths
	}

	tokens, err := comms.Broadcast(topo.World, 0, tokens, dtypes.Int64)
	if err != nil {
		return nil, errors.Wrapf(err, "broadcasting tokens")
	}
	lengths, err = comms.Broadcast(topo.World, 0, lengths, dtypes.Int64)
	if err != nil {
		return nil, errors.Wrapf(err, "broadcasting lengths")
	}

	dpSize, dpRank := topo.Data.Size(), topo.Data.Rank()
	tokenChunks, err := tokens.Chunk(dpSize)
	if err != nil {
		return nil, errors.Wrapf(err, "splitting tokens across %d data-parallel ranks", dpSize)
	}
	lengthChunks, err := lengths.Chunk(dpSize)
	if err != nil {
		return nil, errors.Wrapf(err, "splitting lengths across %d data-parallel ranks", dpSize)
	}
	lengthChunk, err := lengthChunks[dpRank].Squeeze(-1)
	if err != nil {
		return nil, errors.Wrapf(err, "lengths must have shape [batch, 1]")
	}

	outputs, err := inferFn(tokenChunks[dpRank], lengthChunk)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 && len(outputs) != 2 {
		return nil, errors.Errorf("Run: inferFn returned %d streams, want 1 or 2", len(outputs))
	}

	combined := make([]*tensors.Tensor, len(outputs))
	for i, out := range outputs {
		combined[i], err = comms.Rebalance(topo.Data, out)
		if err != nil {
			return nil, errors.Wrapf(err, "rebalancing output stream %d", i)
		}
	}
	if len(combined) == 2 {
		// Dual mode combines a reward model and a critic: rewards are [batch, 1].
		combined[0], err = combined[0].Squeeze(1)
		if err != nil {
			return nil, errors.Wrapf(err, "squeezing rewards")
		}
	}
	return combined, nil
}

// PadList right-pads a list of [batch, sequence] tensors with padValue so they all
// share the longest sequence dimension.
func PadList(ts []*tensors.Tensor, padValue float64) ([]*tensors.Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.Errorf("PadList requires at least one tensor")
	}
	maxSeq := 0
	for i, t := range ts {
		if t.Rank() != 2 {
			return nil, errors.Errorf("PadList: tensor #%d has shape %s, want rank 2", i, t.Shape())
		}
		maxSeq = max(maxSeq, t.Dim(1))
	}
	padded := make([]*tensors.Tensor, len(ts))
	for i, t := range ts {
		var err error
		padded[i], err = t.PadLastAxis(maxSeq, padValue)
		if err != nil {
			return nil, err
		}
	}
	return padded, nil
}

// PadToMaxGlobalSeqLen stacks a list of variable-length rank-1 sequences into one
// [len(ts), maxLen] batch, padded with padValue to the longest sequence across all
// ranks of g. With padTo > 0 the batch is padded at least that far; a global maximum
// above padTo wins, with a warning.
//
// Collective over g.
func PadToMaxGlobalSeqLen(g comms.Group, ts []*tensors.Tensor, padValue float64, padTo int) (*tensors.Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.Errorf("PadToMaxGlobalSeqLen requires at least one sequence")
	}
	localMax := 0
	for i, t := range ts {
		if t.Rank() != 1 {
			return nil, errors.Errorf("PadToMaxGlobalSeqLen: sequence #%d has shape %s, want rank 1", i, t.Shape())
		}
		localMax = max(localMax, t.Dim(0))
	}
	padded := make([]*tensors.Tensor, len(ts))
	for i, t := range ts {
		var err error
		padded[i], err = t.PadLastAxis(localMax, padValue)
		if err != nil {
			return nil, err
		}
	}
	batch, err := tensors.Stack(padded)
	if err != nil {
		return nil, err
	}

	maxTensor := tensors.FromScalar(int64(localMax))
	if err := g.AllReduce(comms.ReduceMax, maxTensor); err != nil {
		return nil, err
	}
	globalMax64, err := tensors.ToScalar[int64](maxTensor)
	if err != nil {
		return nil, err
	}
	globalMax := int(globalMax64)
	if padTo > 0 {
		if globalMax > padTo {
			klog.Warningf("global max sequence length %d is bigger than the requested padding %d, overwriting the padding to %d",
				globalMax, padTo, globalMax)
		}
		globalMax = max(padTo, globalMax)
	}
	return batch.PadLastAxis(globalMax, padValue)
}
