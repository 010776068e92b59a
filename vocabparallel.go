// Package vocabparallel computes log-probabilities out of logits whose vocabulary
// axis is sharded across the ranks of a tensor-model-parallel group: each rank holds
// a contiguous, disjoint sub-range of the logical vocabulary, and the softmax
// normalization requires combining per-rank maxima and exponential sums across the
// group.
//
// The package provides numerically stable distributed softmax and log-softmax
// variants, a differentiable sharded log-probability operator with a hand-specified
// backward rule (the chain rule cannot be auto-derived through the collective
// boundary), a next-token alignment adapter and a distributed entropy helper.
//
// All operations are collective over their comms.Group: every rank of the group must
// call them in the same program order. See package comms for the execution model.
package vocabparallel

// VocabRange returns the [start, end) sub-range of the logical vocabulary axis owned
// by the given rank, when every rank of the group holds shardSize entries. With W
// ranks the ranges tile [0, shardSize*W) exactly: contiguous, disjoint and gapless.
func VocabRange(shardSize, rank int) (start, end int) {
	start = rank * shardSize
	return start, start + shardSize
}
