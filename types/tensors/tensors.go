// Package tensors implements a dense host (CPU) tensor: a flat slice of a supported
// element type plus a shapes.Shape describing its dimensions.
//
// This is deliberately a data container, not an operator library: numeric kernels live
// with the packages that need them (vocabparallel, stats), operating directly on the
// flat data via Flat. The package only provides the structural operations the
// collective primitives need: dtype conversion, leading-axis chunking and stacking,
// last-axis roll/narrow/concatenation/padding and squeezing.
//
// Supported dtypes for allocation are Bool, Int32, Int64, Float16, Float32 and Float64.
// Float16 uses the github.com/x448/float16 representation.
package tensors

import (
	"fmt"
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/vocabparallel/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor is a dense array of one of the supported dtypes.
//
// The zero value is not usable; create tensors with FromFlatDataAndDimensions, FromScalar,
// FromAnyValue or Zeros.
type Tensor struct {
	shape shapes.Shape
	flat  any // []bool, []int32, []int64, []float16.Float16, []float32 or []float64.
}

// FromFlatDataAndDimensions creates a tensor that takes ownership of the given flat data,
// reshaped to the given dimensions. The flat slice length must match the product of the
// dimensions. With no dimensions it creates a scalar, in which case len(data) must be 1.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) (*Tensor, error) {
	var shape shapes.Shape
	var err error
	if len(dimensions) == 0 {
		shape = shapes.Scalar(dtypes.FromGenericsType[T]())
	} else {
		shape, err = shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
		if err != nil {
			return nil, err
		}
	}
	if len(data) != shape.Size() {
		return nil, errors.Errorf("flat data has %d elements, but shape %s requires %d",
			len(data), shape, shape.Size())
	}
	return &Tensor{shape: shape, flat: data}, nil
}

// FromScalar creates a rank-0 tensor holding the given value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return &Tensor{shape: shapes.Scalar(dtypes.FromGenericsType[T]()), flat: []T{value}}
}

// FromAnyValue creates a tensor from a Go scalar or (nested) slices of a supported
// scalar type -- e.g. [][]float32{{1, 2}, {3, 4}} creates a (Float32)[2 2] tensor.
func FromAnyValue(value any) (*Tensor, error) {
	shape, err := shapes.FromAnyValue(value)
	if err != nil {
		return nil, err
	}
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	pos := 0
	flatAnyRecursive(reflect.ValueOf(t.flat), reflect.ValueOf(value), &pos)
	return t, nil
}

// flatAnyRecursive copies the nested slices of value into the flat slice dst.
// Shapes were already validated by shapes.FromAnyValue.
func flatAnyRecursive(dst reflect.Value, v reflect.Value, pos *int) {
	if v.Kind() != reflect.Slice {
		dst.Index(*pos).Set(v)
		*pos++
		return
	}
	for i := 0; i < v.Len(); i++ {
		flatAnyRecursive(dst, v.Index(i), pos)
	}
}

// Zeros creates a zero-initialized tensor of the given shape.
// It returns an error for dtypes the package cannot allocate.
func Zeros(shape shapes.Shape) (*Tensor, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("cannot allocate tensor for invalid shape")
	}
	size := shape.Size()
	var flat any
	switch shape.DType {
	case dtypes.Bool:
		flat = make([]bool, size)
	case dtypes.Int32:
		flat = make([]int32, size)
	case dtypes.Int64:
		flat = make([]int64, size)
	case dtypes.Float16:
		flat = make([]float16.Float16, size)
	case dtypes.Float32:
		flat = make([]float32, size)
	case dtypes.Float64:
		flat = make([]float64, size)
	default:
		return nil, errors.Errorf("unsupported dtype %s for tensor allocation", shape.DType)
	}
	return &Tensor{shape: shape, flat: flat}, nil
}

// Shape returns the tensor's shape. It implements shapes.HasShape.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the tensor's element type.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the total number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// Dim returns the dimension of the given axis; negative axes count from the end.
func (t *Tensor) Dim(axis int) int { return t.shape.Dim(axis) }

// Flat returns the tensor's underlying flat data. The generic type T must match the
// tensor's dtype exactly.
//
// The returned slice aliases the tensor's storage: mutating it mutates the tensor.
func Flat[T dtypes.Supported](t *Tensor) ([]T, error) {
	flat, ok := t.flat.([]T)
	if !ok {
		return nil, errors.Errorf("tensor has dtype %s, cannot access it as %s",
			t.shape.DType, dtypes.FromGenericsType[T]())
	}
	return flat, nil
}

// CopyFlatData returns a copy of the tensor's flat data. The generic type T must match
// the tensor's dtype exactly.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	flat, err := Flat[T](t)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(flat))
	copy(out, flat)
	return out, nil
}

// ToScalar returns the value of a rank-0 (or size-1) tensor.
func ToScalar[T dtypes.Supported](t *Tensor) (T, error) {
	var zero T
	flat, err := Flat[T](t)
	if err != nil {
		return zero, err
	}
	if len(flat) != 1 {
		return zero, errors.Errorf("ToScalar requires a tensor of size 1, got shape %s", t.shape)
	}
	return flat[0], nil
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{shape: t.shape.Clone()}
	switch flat := t.flat.(type) {
	case []bool:
		out.flat = append([]bool{}, flat...)
	case []int32:
		out.flat = append([]int32{}, flat...)
	case []int64:
		out.flat = append([]int64{}, flat...)
	case []float16.Float16:
		out.flat = append([]float16.Float16{}, flat...)
	case []float32:
		out.flat = append([]float32{}, flat...)
	case []float64:
		out.flat = append([]float64{}, flat...)
	default:
		panic(errors.Errorf("invalid tensor storage %T", t.flat))
	}
	return out
}

// Equal compares shape and every element for exact equality.
func (t *Tensor) Equal(other *Tensor) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	return reflect.DeepEqual(t.flat, other.flat)
}

// String prints the shape and, for small tensors, the data.
func (t *Tensor) String() string {
	if t.Size() <= 16 {
		return fmt.Sprintf("Tensor%s: %v", t.shape, t.flat)
	}
	return fmt.Sprintf("Tensor%s", t.shape)
}
