package vocabparallel

import (
	"math"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/vocabparallel/comms"
	"github.com/gomlx/vocabparallel/types/tensors"
	"github.com/pkg/errors"
)

// Logprob holds the forward state of the sharded log-probability operator, consumed
// by Backward. It is single-use: Forward creates it (unless inference-only), Backward
// consumes it.
type Logprob struct {
	softmax       *tensors.Tensor
	targetMask    []bool
	maskedTargets []int64
	consumed      bool
}

// Forward computes, for every position, the log-probability of the target token under
// the full softmax over a vocabulary axis sharded across the ranks of g.
//
// shardLogits has shape [..., shardSize], where the last axis is this rank's
// contiguous shard of the logical vocabulary; targets is an Int64 tensor of the
// remaining dimensions holding logical (unsharded) vocabulary indices. Each rank
// gathers the log-probability for targets that fall inside its own shard and
// contributes zero for the rest; a SUM all-reduce then yields the true unsharded
// log-probability on every rank, since each target belongs to exactly one shard.
//
// With higherStability the log-softmax path is used instead of log(softmax), avoiding
// -Inf log-probabilities when a probability underflows to zero; it costs one extra
// intermediate buffer of the shard's size.
//
// The returned Logprob carries the state Backward needs. With inferenceOnly nothing
// is saved and the returned state is nil -- Backward is unavailable after an
// inference-only forward.
//
// Collective over g; every rank must call it in the same program order.
func Forward(g comms.Group, shardLogits, targets *tensors.Tensor, inferenceOnly, higherStability bool) (*tensors.Tensor, *Logprob, error) {
	if shardLogits == nil || shardLogits.Rank() < 1 {
		return nil, nil, errors.Errorf("Forward requires shard logits of rank >= 1")
	}
	if targets == nil || targets.DType() != dtypes.Int64 {
		return nil, nil, errors.Errorf("Forward requires Int64 targets")
	}
	rowDims := shardLogits.Shape().Dimensions[:shardLogits.Rank()-1]
	if !slices.Equal(targets.Shape().Dimensions, rowDims) {
		return nil, nil, errors.Errorf("Forward: targets shape %s does not match logits positions %v",
			targets.Shape(), rowDims)
	}

	targetFlat, err := tensors.Flat[int64](targets)
	if err != nil {
		return nil, nil, err
	}
	shardSize := shardLogits.Dim(-1)
	start, end := VocabRange(shardSize, g.Rank())

	// Mask is true where the target lives on another rank's shard. Out-of-range
	// entries are clamped to index 0: they get zeroed after the gather, so any valid
	// index works.
	targetMask := make([]bool, len(targetFlat))
	maskedTargets := make([]int64, len(targetFlat))
	for i, target := range targetFlat {
		if target < int64(start) || target >= int64(end) {
			targetMask[i] = true
		} else {
			maskedTargets[i] = target - int64(start)
		}
	}

	var softmax, perPosition *tensors.Tensor
	switch shardLogits.DType() {
	case dtypes.Float32:
		perPosition, softmax, err = forwardKernel[float32](g, shardLogits, targetMask, maskedTargets, higherStability)
	case dtypes.Float64:
		perPosition, softmax, err = forwardKernel[float64](g, shardLogits, targetMask, maskedTargets, higherStability)
	default:
		err = errors.Errorf("Forward: dtype %s not supported, use Float32 or Float64", shardLogits.DType())
	}
	if err != nil {
		return nil, nil, err
	}
	if err := g.AllReduce(comms.ReduceSum, perPosition); err != nil {
		return nil, nil, err
	}

	if inferenceOnly {
		return perPosition, nil, nil
	}
	return perPosition, &Logprob{
		softmax:       softmax,
		targetMask:    targetMask,
		maskedTargets: maskedTargets,
	}, nil
}

// forwardKernel gathers per-position target log-probabilities (zero where the target
// is out of this shard's range) and returns them together with the local softmax
// probabilities saved for backward.
func forwardKernel[T float32 | float64](g comms.Group, shardLogits *tensors.Tensor, targetMask []bool, maskedTargets []int64, higherStability bool) (*tensors.Tensor, *tensors.Tensor, error) {
	shardSize := shardLogits.Dim(-1)
	rowDims := shardLogits.Shape().Dimensions[:shardLogits.Rank()-1]
	perPosition := make([]T, len(targetMask))

	var softmax *tensors.Tensor
	if higherStability {
		logSoftmax, err := DistributedLogSoftmax(g, shardLogits)
		if err != nil {
			return nil, nil, err
		}
		flat, err := tensors.Flat[T](logSoftmax)
		if err != nil {
			return nil, nil, err
		}
		for pos := range targetMask {
			if !targetMask[pos] {
				perPosition[pos] = flat[pos*shardSize+int(maskedTargets[pos])]
			}
		}
		// Exponentiating in place turns the log-softmax into the softmax for backward.
		for i, v := range flat {
			flat[i] = T(math.Exp(float64(v)))
		}
		softmax = logSoftmax
	} else {
		var err error
		softmax, err = DistributedSoftmax(g, shardLogits)
		if err != nil {
			return nil, nil, err
		}
		flat, err := tensors.Flat[T](softmax)
		if err != nil {
			return nil, nil, err
		}
		for pos := range targetMask {
			if !targetMask[pos] {
				perPosition[pos] = T(math.Log(float64(flat[pos*shardSize+int(maskedTargets[pos])])))
			}
		}
	}

	perPositionTensor, err := tensors.FromFlatDataAndDimensions(perPosition, rowDims...)
	if err != nil {
		return nil, nil, err
	}
	return perPositionTensor, softmax, nil
}

// Backward computes the gradient of the forward output w.r.t. the local shard logits:
// (indicator - softmax) * gradOutput, where indicator is the one-hot encoding of the
// shard-relative target restricted to locally valid positions. No communication is
// needed: the cross-rank information is already folded into the saved softmax.
//
// gradOutput must have the forward targets' shape and the logits' dtype. The state is
// consumed; a second call is a usage error, as is calling it after an inference-only
// forward (where the state is nil).
func (lp *Logprob) Backward(gradOutput *tensors.Tensor) (*tensors.Tensor, error) {
	if lp == nil {
		return nil, errors.Errorf("Backward: no saved state, forward ran inference-only")
	}
	if lp.consumed {
		return nil, errors.Errorf("Backward: state already consumed")
	}
	if gradOutput == nil || gradOutput.DType() != lp.softmax.DType() {
		return nil, errors.Errorf("Backward requires a gradient of dtype %s", lp.softmax.DType())
	}
	rowDims := lp.softmax.Shape().Dimensions[:lp.softmax.Rank()-1]
	if !slices.Equal(gradOutput.Shape().Dimensions, rowDims) {
		return nil, errors.Errorf("Backward: gradient shape %s does not match positions %v",
			gradOutput.Shape(), rowDims)
	}
	lp.consumed = true

	switch lp.softmax.DType() {
	case dtypes.Float32:
		return backwardKernel[float32](lp, gradOutput)
	case dtypes.Float64:
		return backwardKernel[float64](lp, gradOutput)
	}
	return nil, errors.Errorf("Backward: unsupported dtype %s", lp.softmax.DType())
}

func backwardKernel[T float32 | float64](lp *Logprob, gradOutput *tensors.Tensor) (*tensors.Tensor, error) {
	softmaxFlat, err := tensors.Flat[T](lp.softmax)
	if err != nil {
		return nil, err
	}
	gradFlat, err := tensors.Flat[T](gradOutput)
	if err != nil {
		return nil, err
	}
	shardSize := lp.softmax.Dim(-1)
	gradInput := make([]T, len(softmaxFlat))
	for pos, grad := range gradFlat {
		base := pos * shardSize
		for v := 0; v < shardSize; v++ {
			var indicator T
			if !lp.targetMask[pos] && int64(v) == lp.maskedTargets[pos] {
				indicator = 1
			}
			gradInput[base+v] = (indicator - softmaxFlat[base+v]) * grad
		}
	}
	return tensors.FromFlatDataAndDimensions(gradInput, lp.softmax.Shape().Dimensions...)
}

// FromShardedLogits converts next-token logits into aligned log-probabilities: it
// rolls the (unmodified) targets left by one position so that position i is scored
// against the token at position i+1, runs Forward and drops the final, non-predictable
// sequence position. For [B, S, shardSize] logits the result is [B, S-1].
//
// When differentiating, Backward takes the gradient over all S positions; extend the
// trimmed gradient with a zero in the final position.
func FromShardedLogits(g comms.Group, shardLogits, targets *tensors.Tensor, inferenceOnly, higherStability bool) (*tensors.Tensor, *Logprob, error) {
	if targets == nil || targets.Rank() < 1 || targets.Dim(-1) < 2 {
		return nil, nil, errors.Errorf("FromShardedLogits requires targets with a sequence dimension >= 2")
	}
	rolled, err := targets.RollLastAxis(-1)
	if err != nil {
		return nil, nil, err
	}
	logProbs, state, err := Forward(g, shardLogits, rolled, inferenceOnly, higherStability)
	if err != nil {
		return nil, nil, err
	}
	trimmed, err := logProbs.NarrowLastAxis(0, targets.Dim(-1)-1)
	if err != nil {
		return nil, nil, err
	}
	return trimmed, state, nil
}
