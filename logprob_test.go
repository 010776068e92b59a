package vocabparallel_test

import (
	"testing"

	"github.com/gomlx/vocabparallel"
	"github.com/gomlx/vocabparallel/comms"
	"github.com/gomlx/vocabparallel/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
)

func TestForward(t *testing.T) {
	const batch, seq, vocab, worldSize = 2, 3, 8, 2
	full := syntheticLogits(batch, seq, vocab)
	want := fullLogSoftmax(full, vocab)
	shardSize := vocab / worldSize

	// Targets span both shards, including the boundary indices.
	targetFlat := []int64{0, 3, 4, 7, 5, 1}
	for _, higherStability := range []bool{false, true} {
		name := "softmax path"
		if higherStability {
			name = "log-softmax path"
		}
		t.Run(name, func(t *testing.T) {
			runRanks(t, worldSize, func(rank int, g comms.Group) {
				start, end := vocabparallel.VocabRange(shardSize, rank)
				shard := shardOf(t, full, batch, seq, vocab, start, end)
				targets := must.M1(tensors.FromFlatDataAndDimensions(targetFlat, batch, seq))
				logProbs, state, err := vocabparallel.Forward(g, shard, targets, false, higherStability)
				if !assert.NoError(t, err) {
					return
				}
				assert.NotNil(t, state)
				assert.Equal(t, []int{batch, seq}, logProbs.Shape().Dimensions)
				flat := must.M1(tensors.Flat[float64](logProbs))
				for pos, target := range targetFlat {
					assert.InDelta(t, want[pos*vocab+int(target)], flat[pos], 1e-12,
						"position %d target %d", pos, target)
				}
			})
		})
	}
}

func TestForwardInferenceOnly(t *testing.T) {
	const vocab, worldSize = 4, 2
	full := syntheticLogits(1, 2, vocab)
	shardSize := vocab / worldSize

	runRanks(t, worldSize, func(rank int, g comms.Group) {
		start, end := vocabparallel.VocabRange(shardSize, rank)
		shard := shardOf(t, full, 1, 2, vocab, start, end)
		targets := must.M1(tensors.FromFlatDataAndDimensions([]int64{1, 3}, 1, 2))
		_, state, err := vocabparallel.Forward(g, shard, targets, true, false)
		if !assert.NoError(t, err) {
			return
		}
		assert.Nil(t, state)
		_, err = state.Backward(nil)
		assert.Error(t, err)
	})
}

func TestBackwardIsSingleUse(t *testing.T) {
	const vocab, worldSize = 4, 2
	full := syntheticLogits(1, 2, vocab)
	shardSize := vocab / worldSize

	runRanks(t, worldSize, func(rank int, g comms.Group) {
		start, end := vocabparallel.VocabRange(shardSize, rank)
		shard := shardOf(t, full, 1, 2, vocab, start, end)
		targets := must.M1(tensors.FromFlatDataAndDimensions([]int64{1, 3}, 1, 2))
		_, state, err := vocabparallel.Forward(g, shard, targets, false, false)
		if !assert.NoError(t, err) {
			return
		}
		ones := must.M1(tensors.FromFlatDataAndDimensions([]float64{1, 1}, 1, 2))
		_, err = state.Backward(ones)
		assert.NoError(t, err)
		_, err = state.Backward(ones)
		assert.Error(t, err)
	})
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	const batch, seq, vocab, worldSize = 1, 2, 4, 2
	const h = 1e-6
	full := syntheticLogits(batch, seq, vocab)
	shardSize := vocab / worldSize
	targetFlat := []int64{2, 1}

	runRanks(t, worldSize, func(rank int, g comms.Group) {
		start, end := vocabparallel.VocabRange(shardSize, rank)
		base := shardOf(t, full, batch, seq, vocab, start, end)
		targets := must.M1(tensors.FromFlatDataAndDimensions(targetFlat, batch, seq))

		_, state, err := vocabparallel.Forward(g, base, targets, false, false)
		if !assert.NoError(t, err) {
			return
		}
		ones := must.M1(tensors.FromFlatDataAndDimensions([]float64{1, 1}, batch, seq))
		analytic, err := state.Backward(ones)
		if !assert.NoError(t, err) {
			return
		}
		analyticFlat := must.M1(tensors.Flat[float64](analytic))

		// loss(shard) sums the all-reduced per-position log-probs, so every rank
		// computes the same value. All ranks walk every (owner, element, sign)
		// perturbation to keep the collective call counts aligned; only the owner
		// perturbs its copy.
		loss := func(perturbOwner, elem int, delta float64) float64 {
			shard := base.Clone()
			if rank == perturbOwner {
				flat := must.M1(tensors.Flat[float64](shard))
				flat[elem] += delta
			}
			logProbs, _, err := vocabparallel.Forward(g, shard, targets, true, false)
			if !assert.NoError(t, err) {
				return 0
			}
			var sum float64
			for _, v := range must.M1(tensors.Flat[float64](logProbs)) {
				sum += v
			}
			return sum
		}
		for owner := 0; owner < worldSize; owner++ {
			for elem := 0; elem < batch*seq*shardSize; elem++ {
				plus := loss(owner, elem, h)
				minus := loss(owner, elem, -h)
				if rank == owner {
					numeric := (plus - minus) / (2 * h)
					assert.InDelta(t, analyticFlat[elem], numeric, 1e-6,
						"owner %d element %d", owner, elem)
				}
			}
		}
	})
}

func TestFromShardedLogits(t *testing.T) {
	const batch, seq, vocab, worldSize = 2, 4, 8, 2
	full := syntheticLogits(batch, seq, vocab)
	want := fullLogSoftmax(full, vocab)
	shardSize := vocab / worldSize
	targetFlat := []int64{3, 0, 6, 2, 7, 5, 1, 4}

	runRanks(t, worldSize, func(rank int, g comms.Group) {
		start, end := vocabparallel.VocabRange(shardSize, rank)
		shard := shardOf(t, full, batch, seq, vocab, start, end)
		targets := must.M1(tensors.FromFlatDataAndDimensions(targetFlat, batch, seq))
		logProbs, _, err := vocabparallel.FromShardedLogits(g, shard, targets, true, false)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, []int{batch, seq - 1}, logProbs.Shape().Dimensions)

		// Position i is scored against the token at position i+1.
		flat := must.M1(tensors.Flat[float64](logProbs))
		for b := 0; b < batch; b++ {
			for s := 0; s < seq-1; s++ {
				next := targetFlat[b*seq+s+1]
				assert.InDelta(t, want[(b*seq+s)*vocab+int(next)], flat[b*(seq-1)+s], 1e-12)
			}
		}
	})
}
