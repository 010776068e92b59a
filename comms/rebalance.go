package comms

import (
	"github.com/gomlx/vocabparallel/types/shapes"
	"github.com/gomlx/vocabparallel/types/tensors"
	"github.com/pkg/errors"
)

// Rebalance takes tensors whose leading (batch) dimension may differ per rank -- all
// other dimensions must be equal -- and returns, on every rank, their concatenation
// in rank order.
//
// Ranks first exchange their local leading-dimension counts; the prefix-sum of the
// counts gives each rank a contiguous insertion offset. Each rank writes its rows
// into a zero-initialized buffer of the combined size at its own offset and the
// buffers are summed with an all-reduce: safe because the offset ranges are disjoint
// by construction, so each element is written by exactly one rank. This trades a
// reduction over a larger-than-necessary buffer for avoiding point-to-point
// transfers -- fine while batch counts are small relative to feature dimensions.
// The summed-zero-padding scheme depends on that disjointness; if offsets ever
// overlapped it would silently combine rows, so any change here must keep the
// prefix-sum exact or switch to an explicit scatter.
//
// A leading dimension of zero is valid: the rank simply contributes no rows.
func Rebalance(g Group, tensor *tensors.Tensor) (*tensors.Tensor, error) {
	if tensor == nil || tensor.Rank() < 1 {
		return nil, errors.Errorf("Rebalance requires a tensor of rank >= 1")
	}

	counts, err := g.AllGather(tensors.FromScalar(int64(tensor.Dim(0))))
	if err != nil {
		return nil, err
	}
	total := 0
	offset := 0
	for rank, count := range counts {
		rows, err := tensors.ToScalar[int64](count)
		if err != nil {
			return nil, err
		}
		if rank < g.Rank() {
			offset += int(rows)
		}
		total += int(rows)
	}
	if total == 0 {
		return nil, errors.Errorf("Rebalance: no rank contributed any rows")
	}

	dims := append([]int{total}, tensor.Shape().Dimensions[1:]...)
	shape, err := shapes.Make(tensor.DType(), dims...)
	if err != nil {
		return nil, err
	}
	combined, err := tensors.Zeros(shape)
	if err != nil {
		return nil, err
	}
	rowSize := shape.Size() / total
	if err := tensors.CopyFlatRange(combined, tensor, offset*rowSize); err != nil {
		return nil, errors.Wrapf(err, "Rebalance: copying local rows at offset %d", offset)
	}
	if err := g.AllReduce(ReduceSum, combined); err != nil {
		return nil, err
	}
	return combined, nil
}
