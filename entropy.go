package vocabparallel

import (
	"math"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/vocabparallel/comms"
	"github.com/gomlx/vocabparallel/types/tensors"
	"github.com/pkg/errors"
)

// DistributedEntropy computes the mean per-position entropy of the next-token
// distribution from [B, S, shardSize] sharded logits: the shards are all-gathered
// into the full [B, S, V] logits, a log-softmax is taken over the vocabulary axis and
// the entropy -sum(p * log p) is averaged over the predictable positions [0, S-1),
// optionally restricted by a Bool mask of shape [B, S-1].
//
// This materializes the full vocabulary axis on every rank, so it is memory
// intensive; use it for evaluation, not in inner training loops.
//
// Collective over g.
func DistributedEntropy(g comms.Group, shardLogits, mask *tensors.Tensor) (float64, error) {
	if shardLogits == nil || shardLogits.Rank() != 3 {
		return 0, errors.Errorf("DistributedEntropy requires [batch, sequence, shard] logits")
	}
	shards, err := g.AllGather(shardLogits)
	if err != nil {
		return 0, err
	}
	full, err := tensors.ConcatLastAxis(shards)
	if err != nil {
		return 0, err
	}

	batch, seq := full.Dim(0), full.Dim(1)
	if seq < 2 {
		return 0, errors.Errorf("DistributedEntropy requires a sequence dimension >= 2, got %d", seq)
	}
	var maskFlat []bool
	if mask != nil {
		if mask.DType() != dtypes.Bool || !slices.Equal(mask.Shape().Dimensions, []int{batch, seq - 1}) {
			return 0, errors.Errorf("DistributedEntropy: mask must be Bool of shape [%d %d], got %s",
				batch, seq-1, mask.Shape())
		}
		maskFlat, err = tensors.Flat[bool](mask)
		if err != nil {
			return 0, err
		}
	}

	switch full.DType() {
	case dtypes.Float32:
		return entropyKernel[float32](full, maskFlat)
	case dtypes.Float64:
		return entropyKernel[float64](full, maskFlat)
	}
	return 0, errors.Errorf("DistributedEntropy: dtype %s not supported, use Float32 or Float64", full.DType())
}

func entropyKernel[T float32 | float64](full *tensors.Tensor, maskFlat []bool) (float64, error) {
	flat, err := tensors.Flat[T](full)
	if err != nil {
		return 0, err
	}
	batch, seq, vocab := full.Dim(0), full.Dim(1), full.Dim(2)

	var sum float64
	var count int
	for b := 0; b < batch; b++ {
		for s := 0; s < seq-1; s++ {
			if maskFlat != nil && !maskFlat[b*(seq-1)+s] {
				continue
			}
			row := flat[(b*seq+s)*vocab : (b*seq+s+1)*vocab]
			m := math.Inf(-1)
			for _, v := range row {
				if float64(v) > m {
					m = float64(v)
				}
			}
			var sumExp float64
			for _, v := range row {
				sumExp += math.Exp(float64(v) - m)
			}
			logZ := m + math.Log(sumExp)
			var entropy float64
			for _, v := range row {
				logP := float64(v) - logZ
				entropy -= math.Exp(logP) * logP
			}
			sum += entropy
			count++
		}
	}
	return sum / float64(count), nil
}
