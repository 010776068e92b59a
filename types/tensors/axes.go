package tensors

import (
	"reflect"

	"github.com/gomlx/vocabparallel/types/shapes"
	"github.com/pkg/errors"
)

// The structural operations below are dtype-agnostic, so they manipulate the flat
// storage through reflection instead of one switch per dtype.

func (t *Tensor) flatValue() reflect.Value { return reflect.ValueOf(t.flat) }

func newFlatLike(t *Tensor, size int) reflect.Value {
	return reflect.MakeSlice(reflect.TypeOf(t.flat), size, size)
}

func sizeOfDims(dims []int) int {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	return size
}

// CopyFlatRange copies all of src's elements into dst's flat storage starting at the
// given element offset. Both tensors must have the same dtype, and src must fit.
func CopyFlatRange(dst, src *Tensor, offset int) error {
	if dst.DType() != src.DType() {
		return errors.Errorf("CopyFlatRange: dtype mismatch, %s vs %s", dst.DType(), src.DType())
	}
	if offset < 0 || offset+src.Size() > dst.Size() {
		return errors.Errorf("CopyFlatRange: %d elements at offset %d do not fit in %d",
			src.Size(), offset, dst.Size())
	}
	reflect.Copy(dst.flatValue().Slice(offset, offset+src.Size()), src.flatValue())
	return nil
}

// Chunk splits the tensor into n equal parts along the leading axis. The returned
// tensors are views sharing storage with t.
//
// The leading dimension must be divisible by n: remainder handling belongs to the
// caller, and an uneven batch here is an error rather than a silently smaller chunk.
func (t *Tensor) Chunk(n int) ([]*Tensor, error) {
	if t.Rank() < 1 {
		return nil, errors.Errorf("Chunk requires rank >= 1, got shape %s", t.shape)
	}
	if n <= 0 {
		return nil, errors.Errorf("Chunk requires n > 0, got %d", n)
	}
	lead := t.Dim(0)
	if lead%n != 0 {
		return nil, errors.Errorf("Chunk: leading dimension %d not divisible by %d chunks", lead, n)
	}
	rows := lead / n
	rowSize := sizeOfDims(t.shape.Dimensions[1:])
	chunkDims := append([]int{rows}, t.shape.Dimensions[1:]...)
	chunkShape, err := shapes.Make(t.shape.DType, chunkDims...)
	if err != nil {
		return nil, err
	}
	flat := t.flatValue()
	out := make([]*Tensor, n)
	for i := range out {
		start := i * rows * rowSize
		out[i] = &Tensor{
			shape: chunkShape.Clone(),
			flat:  flat.Slice(start, start+rows*rowSize).Interface(),
		}
	}
	return out, nil
}

// RollLastAxis returns a new tensor where every element is moved by shift positions
// along the last axis, wrapping around -- the element at index i ends up at
// (i+shift) mod L, like torch.roll.
func (t *Tensor) RollLastAxis(shift int) (*Tensor, error) {
	if t.Rank() < 1 {
		return nil, errors.Errorf("RollLastAxis requires rank >= 1, got shape %s", t.shape)
	}
	last := t.Dim(-1)
	if last == 0 {
		return t.Clone(), nil
	}
	s := ((shift % last) + last) % last
	src := t.flatValue()
	dst := newFlatLike(t, t.Size())
	for row := 0; row < sizeOfDims(t.shape.Dimensions[:t.Rank()-1]); row++ {
		base := row * last
		in := src.Slice(base, base+last)
		out := dst.Slice(base, base+last)
		reflect.Copy(out.Slice(s, last), in.Slice(0, last-s))
		reflect.Copy(out.Slice(0, s), in.Slice(last-s, last))
	}
	return &Tensor{shape: t.shape.Clone(), flat: dst.Interface()}, nil
}

// NarrowLastAxis returns a new tensor keeping only indices [start, end) of the last axis.
func (t *Tensor) NarrowLastAxis(start, end int) (*Tensor, error) {
	if t.Rank() < 1 {
		return nil, errors.Errorf("NarrowLastAxis requires rank >= 1, got shape %s", t.shape)
	}
	last := t.Dim(-1)
	if start < 0 || end > last || start >= end {
		return nil, errors.Errorf("NarrowLastAxis(%d, %d) out of range for last dimension %d", start, end, last)
	}
	width := end - start
	dims := append([]int{}, t.shape.Dimensions...)
	dims[len(dims)-1] = width
	shape, err := shapes.Make(t.shape.DType, dims...)
	if err != nil {
		return nil, err
	}
	src := t.flatValue()
	dst := newFlatLike(t, shape.Size())
	rows := sizeOfDims(t.shape.Dimensions[:t.Rank()-1])
	for row := 0; row < rows; row++ {
		reflect.Copy(dst.Slice(row*width, (row+1)*width), src.Slice(row*last+start, row*last+end))
	}
	return &Tensor{shape: shape, flat: dst.Interface()}, nil
}

// ConcatLastAxis concatenates tensors along their last axis. All tensors must have the
// same dtype and the same dimensions everywhere but the last axis.
func ConcatLastAxis(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.Errorf("ConcatLastAxis requires at least one tensor")
	}
	first := ts[0]
	if first.Rank() < 1 {
		return nil, errors.Errorf("ConcatLastAxis requires rank >= 1, got shape %s", first.shape)
	}
	totalLast := 0
	for i, t := range ts {
		if t.DType() != first.DType() || t.Rank() != first.Rank() {
			return nil, errors.Errorf("ConcatLastAxis: tensor #%d has shape %s, incompatible with %s",
				i, t.shape, first.shape)
		}
		for axis := 0; axis < first.Rank()-1; axis++ {
			if t.Dim(axis) != first.Dim(axis) {
				return nil, errors.Errorf("ConcatLastAxis: tensor #%d has shape %s, incompatible with %s",
					i, t.shape, first.shape)
			}
		}
		totalLast += t.Dim(-1)
	}
	dims := append([]int{}, first.shape.Dimensions...)
	dims[len(dims)-1] = totalLast
	shape, err := shapes.Make(first.shape.DType, dims...)
	if err != nil {
		return nil, err
	}
	dst := newFlatLike(first, shape.Size())
	rows := sizeOfDims(shape.Dimensions[:shape.Rank()-1])
	offset := 0
	for _, t := range ts {
		last := t.Dim(-1)
		src := t.flatValue()
		for row := 0; row < rows; row++ {
			reflect.Copy(
				dst.Slice(row*totalLast+offset, row*totalLast+offset+last),
				src.Slice(row*last, (row+1)*last))
		}
		offset += last
	}
	return &Tensor{shape: shape, flat: dst.Interface()}, nil
}

// PadLastAxis grows the last axis to newSize, filling the new trailing entries of
// every row with padValue converted to the tensor's dtype.
func (t *Tensor) PadLastAxis(newSize int, padValue float64) (*Tensor, error) {
	if t.Rank() < 1 {
		return nil, errors.Errorf("PadLastAxis requires rank >= 1, got shape %s", t.shape)
	}
	last := t.Dim(-1)
	if newSize < last {
		return nil, errors.Errorf("PadLastAxis: new size %d is smaller than the last dimension %d", newSize, last)
	}
	if newSize == last {
		return t.Clone(), nil
	}
	dims := append([]int{}, t.shape.Dimensions...)
	dims[len(dims)-1] = newSize
	shape, err := shapes.Make(t.shape.DType, dims...)
	if err != nil {
		return nil, err
	}
	fill := make([]float64, shape.Size())
	for i := range fill {
		fill[i] = padValue
	}
	out, err := fromFloat64(shape, fill)
	if err != nil {
		return nil, err
	}
	dst := out.flatValue()
	src := t.flatValue()
	for row := 0; row < sizeOfDims(t.shape.Dimensions[:t.Rank()-1]); row++ {
		reflect.Copy(dst.Slice(row*newSize, row*newSize+last), src.Slice(row*last, (row+1)*last))
	}
	return out, nil
}

// Stack combines tensors of identical shape along a new leading axis.
func Stack(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.Errorf("Stack requires at least one tensor")
	}
	first := ts[0]
	for i, t := range ts {
		if !t.shape.Equal(first.shape) {
			return nil, errors.Errorf("Stack: tensor #%d has shape %s, want %s", i, t.shape, first.shape)
		}
	}
	dims := append([]int{len(ts)}, first.shape.Dimensions...)
	shape, err := shapes.Make(first.shape.DType, dims...)
	if err != nil {
		return nil, err
	}
	dst := newFlatLike(first, shape.Size())
	size := first.Size()
	for i, t := range ts {
		reflect.Copy(dst.Slice(i*size, (i+1)*size), t.flatValue())
	}
	return &Tensor{shape: shape, flat: dst.Interface()}, nil
}

// Squeeze removes an axis of dimension 1; negative axes count from the end.
// The returned tensor is a view sharing storage with t.
func (t *Tensor) Squeeze(axis int) (*Tensor, error) {
	adjusted := axis
	if adjusted < 0 {
		adjusted += t.Rank()
	}
	if adjusted < 0 || adjusted >= t.Rank() {
		return nil, errors.Errorf("Squeeze(%d): out-of-bounds for rank %d", axis, t.Rank())
	}
	if t.Dim(adjusted) != 1 {
		return nil, errors.Errorf("Squeeze(%d): dimension is %d, can only squeeze dimensions of 1", axis, t.Dim(adjusted))
	}
	dims := make([]int, 0, t.Rank()-1)
	for i, dim := range t.shape.Dimensions {
		if i != adjusted {
			dims = append(dims, dim)
		}
	}
	shape := shapes.Shape{DType: t.shape.DType, Dimensions: dims}
	return &Tensor{shape: shape, flat: t.flat}, nil
}
