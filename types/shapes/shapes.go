// Package shapes defines Shape, the combination of a DType (element type) and dimensions
// that describes a dense tensor.
//
// It is used by types/tensors for concrete host tensors, and by the collective primitives
// in comms to describe tensors whose shapes are negotiated across ranks.
//
// The DType enumeration comes from github.com/gomlx/gopjrt/dtypes.
package shapes

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Shape represents the shape of a dense tensor: its element DType and the dimension of
// each axis. A rank-0 (no dimensions) Shape is a scalar.
//
// Use Make to create one. The zero value is invalid (Ok() == false).
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions.
//
// Dimensions of zero are allowed (the tensor holds no elements): collective operations
// such as rebalancing legitimately move zero-row tensors. Negative dimensions are an
// error. See MustMake for the panic version.
func Make(dtype dtypes.DType, dimensions ...int) (Shape, error) {
	for _, dim := range dimensions {
		if dim < 0 {
			return Shape{}, errors.Errorf("shapes.Make(%s, %v): dimensions must be >= 0", dtype, dimensions)
		}
	}
	dims := make([]int, len(dimensions))
	copy(dims, dimensions)
	return Shape{DType: dtype, Dimensions: dims}, nil
}

// MustMake is like Make but panics on invalid dimensions.
// Meant for tests and for dimensions already known to be valid.
func MustMake(dtype dtypes.DType, dimensions ...int) Shape {
	s, err := Make(dtype, dimensions...)
	if err != nil {
		panic(err)
	}
	return s
}

// Scalar returns a rank-0 shape of the given dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// Ok returns whether this is a valid Shape -- the zero value Shape{} is not.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank returns the number of axes. Scalars have rank 0.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has rank 0.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Size returns the total number of elements: the product of all dimensions, 1 for scalars.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Dim returns the dimension of the given axis. Negative axis values count from the end,
// so Dim(-1) is the dimension of the last axis. It panics on an out-of-bounds axis, like
// a slice indexing would.
func (s Shape) Dim(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		panic(errors.Errorf("Shape.Dim(%d): out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s))
	}
	return s.Dimensions[adjusted]
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(other Shape) bool {
	if s.DType != other.DType || s.Rank() != other.Rank() {
		return false
	}
	for i, dim := range s.Dimensions {
		if other.Dimensions[i] != dim {
			return false
		}
	}
	return true
}

// EqualDimensions compares only the dimensions, ignoring the DType.
func (s Shape) EqualDimensions(other Shape) bool {
	if s.Rank() != other.Rank() {
		return false
	}
	for i, dim := range s.Dimensions {
		if other.Dimensions[i] != dim {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	dims := make([]int, len(s.Dimensions))
	copy(dims, s.Dimensions)
	return Shape{DType: s.DType, Dimensions: dims}
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// HasShape is implemented by any type with an associated Shape -- e.g., tensors.Tensor.
type HasShape interface {
	Shape() Shape
}

// String implements fmt.Stringer, printing e.g. "(Float32)[2 3]".
func (s Shape) String() string {
	if !s.Ok() {
		return "(invalid shape)"
	}
	if s.IsScalar() {
		return fmt.Sprintf("(%s)", s.DType)
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "(%s)[", s.DType)
	for i, dim := range s.Dimensions {
		if i > 0 {
			sb.WriteRune(' ')
		}
		_, _ = fmt.Fprintf(&sb, "%d", dim)
	}
	sb.WriteRune(']')
	return sb.String()
}
