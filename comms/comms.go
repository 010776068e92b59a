// Package comms implements collective-communication primitives over groups of ranks:
// broadcast with inferred metadata, gather, all-reduce helpers and variable-length
// rebalancing.
//
// The execution model is SPMD: the same program runs on every rank, and every
// collective operation is a synchronization barrier for its Group -- all participating
// ranks must issue the matching call, in the same program order. A rank that skips a
// collective its peers are waiting on stalls the whole group; there is no timeout or
// cancellation inside the primitives, and no retry: a desynchronized collective cannot
// be retried back into consistency. Wall-clock watchdogs belong outside (see the timers
// package), where one rank decides and broadcasts the decision so all ranks exit
// together.
//
// Groups are externally owned resources: this package only consumes them. The
// comms/local sub-package provides an in-process backend where ranks are goroutines,
// used by tests and single-host runs.
package comms

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/vocabparallel/types/tensors"
	"github.com/pkg/errors"
)

// Group is a handle to a subset of ranks that participate in collective operations
// together. Rank addressing (src, dst) is group-relative: rank 0 is the first member
// of the group, not necessarily world rank 0.
//
// All methods are collective: every rank in the group must call them, in the same
// order. Implementations block until all ranks arrive and must propagate failures
// (e.g. shape mismatches) to every participant.
type Group interface {
	// Rank returns the caller's rank within this group, in [0, Size()).
	Rank() int

	// Size returns the number of ranks in the group.
	Size() int

	// AllReduce combines the tensors of all ranks elementwise with op, in place:
	// after it returns, every rank's tensor holds the combined result. All ranks
	// must pass tensors of identical shape.
	AllReduce(op ReduceOp, tensor *tensors.Tensor) error

	// AllGather returns, on every rank, the list of all ranks' tensors in rank order.
	AllGather(tensor *tensors.Tensor) ([]*tensors.Tensor, error)

	// Broadcast distributes src's tensor to every rank and returns it. Non-source
	// ranks may pass nil. Use comms.Broadcast to also negotiate shape and dtype.
	Broadcast(src int, tensor *tensors.Tensor) (*tensors.Tensor, error)

	// BroadcastBytes distributes src's byte payload to every rank. Non-source ranks
	// pass nil. This is the out-of-band channel used for metadata descriptors.
	BroadcastBytes(src int, payload []byte) ([]byte, error)

	// Gather collects every rank's tensor on dst, which receives the list in rank
	// order; all other ranks receive nil. All ranks must pass identically shaped
	// tensors.
	Gather(dst int, tensor *tensors.Tensor) ([]*tensors.Tensor, error)
}

// ReduceOp selects the elementwise combination used by AllReduce.
type ReduceOp int

//go:generate go tool enumer -type=ReduceOp comms.go

const (
	ReduceInvalid ReduceOp = iota
	ReduceSum
	ReduceMax
	ReduceMin
)

// Combine reduces src into dst elementwise, in place on dst. Both tensors must have
// the same shape and one of the dtypes Int32, Int64, Float32 or Float64.
//
// This is meant for Group implementations; callers use Group.AllReduce.
func (op ReduceOp) Combine(dst, src *tensors.Tensor) error {
	if !dst.Shape().Equal(src.Shape()) {
		return errors.Errorf("%s.Combine: shape mismatch, %s vs %s", op, dst.Shape(), src.Shape())
	}
	switch dst.DType() {
	case dtypes.Int32:
		return combineFlat[int32](op, dst, src)
	case dtypes.Int64:
		return combineFlat[int64](op, dst, src)
	case dtypes.Float32:
		return combineFlat[float32](op, dst, src)
	case dtypes.Float64:
		return combineFlat[float64](op, dst, src)
	}
	return errors.Errorf("%s.Combine: unsupported dtype %s", op, dst.DType())
}

func combineFlat[T int32 | int64 | float32 | float64](op ReduceOp, dst, src *tensors.Tensor) error {
	dstFlat, err := tensors.Flat[T](dst)
	if err != nil {
		return err
	}
	srcFlat, err := tensors.Flat[T](src)
	if err != nil {
		return err
	}
	switch op {
	case ReduceSum:
		for i, v := range srcFlat {
			dstFlat[i] += v
		}
	case ReduceMax:
		for i, v := range srcFlat {
			if v > dstFlat[i] {
				dstFlat[i] = v
			}
		}
	case ReduceMin:
		for i, v := range srcFlat {
			if v < dstFlat[i] {
				dstFlat[i] = v
			}
		}
	default:
		return errors.Errorf("invalid reduce op %s", op)
	}
	return nil
}
