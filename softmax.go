package vocabparallel

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/vocabparallel/comms"
	"github.com/gomlx/vocabparallel/types/tensors"
	"github.com/pkg/errors"
)

// DistributedSoftmax computes the softmax along the last axis of shardLogits, which
// holds this rank's contiguous shard of the logical vocabulary axis. The result on
// each rank is the exact softmax restricted to its shard, consistent with the full
// unsharded softmax: per-position maxima are combined across the group with a MAX
// all-reduce and the exponential sums with a SUM all-reduce.
//
// Float32 and Float64 tensors are supported. Collective over g.
func DistributedSoftmax(g comms.Group, shardLogits *tensors.Tensor) (*tensors.Tensor, error) {
	switch shardLogits.DType() {
	case dtypes.Float32:
		return distributedSoftmax[float32](g, shardLogits)
	case dtypes.Float64:
		return distributedSoftmax[float64](g, shardLogits)
	}
	return nil, errors.Errorf("DistributedSoftmax: dtype %s not supported, use Float32 or Float64",
		shardLogits.DType())
}

// DistributedLogSoftmax computes the log-softmax along the last (sharded) axis of
// shardLogits, with the same cross-shard max and sum reductions as DistributedSoftmax.
//
// The sums of exponentials (not their logs) are reduced across the group and a single
// logarithm is taken of the combined sum, so probabilities that would round to zero
// never get materialized. This is the higher-fidelity path; it costs one extra
// intermediate buffer of the shard's size.
func DistributedLogSoftmax(g comms.Group, shardLogits *tensors.Tensor) (*tensors.Tensor, error) {
	switch shardLogits.DType() {
	case dtypes.Float32:
		return distributedLogSoftmax[float32](g, shardLogits)
	case dtypes.Float64:
		return distributedLogSoftmax[float64](g, shardLogits)
	}
	return nil, errors.Errorf("DistributedLogSoftmax: dtype %s not supported, use Float32 or Float64",
		shardLogits.DType())
}

// rowMaxima returns per-position maxima over the last axis, already MAX-reduced
// across the group, as a flat slice of one value per position.
func rowMaxima[T float32 | float64](g comms.Group, shardLogits *tensors.Tensor) ([]T, error) {
	flat, err := tensors.Flat[T](shardLogits)
	if err != nil {
		return nil, err
	}
	last := shardLogits.Dim(-1)
	rowDims := shardLogits.Shape().Dimensions[:shardLogits.Rank()-1]
	maxima := make([]T, numRows(rowDims))
	for row := range maxima {
		m := T(math.Inf(-1))
		for _, v := range flat[row*last : (row+1)*last] {
			if v > m {
				m = v
			}
		}
		maxima[row] = m
	}
	maxTensor, err := tensors.FromFlatDataAndDimensions(maxima, rowDims...)
	if err != nil {
		return nil, err
	}
	if err := g.AllReduce(comms.ReduceMax, maxTensor); err != nil {
		return nil, err
	}
	// maxTensor aliases maxima, so the reduced values are already in place.
	return maxima, nil
}

func distributedSoftmax[T float32 | float64](g comms.Group, shardLogits *tensors.Tensor) (*tensors.Tensor, error) {
	if shardLogits.Rank() < 1 {
		return nil, errors.Errorf("DistributedSoftmax requires rank >= 1, got shape %s", shardLogits.Shape())
	}
	maxima, err := rowMaxima[T](g, shardLogits)
	if err != nil {
		return nil, err
	}
	flat, err := tensors.Flat[T](shardLogits)
	if err != nil {
		return nil, err
	}

	last := shardLogits.Dim(-1)
	rowDims := shardLogits.Shape().Dimensions[:shardLogits.Rank()-1]
	out := make([]T, len(flat))
	sums := make([]T, len(maxima))
	for row := range sums {
		var sum T
		for i := row * last; i < (row+1)*last; i++ {
			e := T(math.Exp(float64(flat[i] - maxima[row])))
			out[i] = e
			sum += e
		}
		sums[row] = sum
	}
	sumTensor, err := tensors.FromFlatDataAndDimensions(sums, rowDims...)
	if err != nil {
		return nil, err
	}
	if err := g.AllReduce(comms.ReduceSum, sumTensor); err != nil {
		return nil, err
	}
	for row := range sums {
		for i := row * last; i < (row+1)*last; i++ {
			out[i] /= sums[row]
		}
	}
	return tensors.FromFlatDataAndDimensions(out, shardLogits.Shape().Dimensions...)
}

func distributedLogSoftmax[T float32 | float64](g comms.Group, shardLogits *tensors.Tensor) (*tensors.Tensor, error) {
	if shardLogits.Rank() < 1 {
		return nil, errors.Errorf("DistributedLogSoftmax requires rank >= 1, got shape %s", shardLogits.Shape())
	}
	maxima, err := rowMaxima[T](g, shardLogits)
	if err != nil {
		return nil, err
	}
	flat, err := tensors.Flat[T](shardLogits)
	if err != nil {
		return nil, err
	}

	last := shardLogits.Dim(-1)
	rowDims := shardLogits.Shape().Dimensions[:shardLogits.Rank()-1]
	shifted := make([]T, len(flat))
	sums := make([]T, len(maxima))
	for row := range sums {
		var sum T
		for i := row * last; i < (row+1)*last; i++ {
			s := flat[i] - maxima[row]
			shifted[i] = s
			sum += T(math.Exp(float64(s)))
		}
		sums[row] = sum
	}
	sumTensor, err := tensors.FromFlatDataAndDimensions(sums, rowDims...)
	if err != nil {
		return nil, err
	}
	if err := g.AllReduce(comms.ReduceSum, sumTensor); err != nil {
		return nil, err
	}
	for row := range sums {
		logSum := T(math.Log(float64(sums[row])))
		for i := row * last; i < (row+1)*last; i++ {
			shifted[i] -= logSum
		}
	}
	return tensors.FromFlatDataAndDimensions(shifted, shardLogits.Shape().Dimensions...)
}

func numRows(rowDims []int) int {
	rows := 1
	for _, dim := range rowDims {
		rows *= dim
	}
	return rows
}
