package comms

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/vocabparallel/types/tensors"
	"github.com/pkg/errors"
)

// Gather collects every rank's tensor on the destination rank, which receives the
// per-rank tensors in rank order; every other rank receives nil. If dtype is valid
// (not InvalidDType), each rank casts its tensor before sending.
//
// Unlike Rebalance, Gather requires every rank's tensor to have the identical shape.
// All ranks of the group must call it collectively.
func Gather(g Group, dst int, tensor *tensors.Tensor, dtype dtypes.DType) ([]*tensors.Tensor, error) {
	if tensor == nil {
		return nil, errors.Errorf("Gather: every rank must contribute a tensor, rank %d passed nil", g.Rank())
	}
	if dtype != dtypes.InvalidDType && dtype != tensor.DType() {
		var err error
		tensor, err = tensor.ConvertTo(dtype)
		if err != nil {
			return nil, errors.Wrapf(err, "Gather: casting to %s on rank %d", dtype, g.Rank())
		}
	}
	return g.Gather(dst, tensor)
}
