package shapes

import (
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// FromAnyValue infers the Shape of a Go value: a supported scalar (plain-old-data
// numeric type or bool) or arbitrarily nested slices of one.
//
// Example:
//
//	shape, err := shapes.FromAnyValue([][]float64{{0, 0}}) // Returns shape (Float64)[1 2]
//
// All sub-slices at the same nesting level must have the same length, and no slice may
// be empty (the inner dimensions would be unknowable).
func FromAnyValue(value any) (Shape, error) {
	var shape Shape
	if err := fromAnyRecursive(&shape, reflect.ValueOf(value)); err != nil {
		return Shape{}, err
	}
	return shape, nil
}

func fromAnyRecursive(shape *Shape, v reflect.Value) error {
	t := v.Type()
	if t.Kind() != reflect.Slice {
		shape.DType = dtypes.FromGoType(t)
		if shape.DType == dtypes.InvalidDType {
			return errors.Errorf("cannot convert type %q to a tensor shape: unsupported element type", t)
		}
		return nil
	}

	if v.Len() == 0 {
		return errors.Errorf("empty slice not valid for shape inference (%T): inner dimensions would be unknowable", v.Interface())
	}
	shape.Dimensions = append(shape.Dimensions, v.Len())
	prefixDims := append([]int{}, shape.Dimensions...)

	// The first element is the reference; all siblings must match it.
	if err := fromAnyRecursive(shape, v.Index(0)); err != nil {
		return err
	}
	for i := 1; i < v.Len(); i++ {
		sibling := Shape{Dimensions: append([]int{}, prefixDims...)}
		if err := fromAnyRecursive(&sibling, v.Index(i)); err != nil {
			return err
		}
		if !shape.Equal(sibling) {
			return errors.Errorf("sub-slices have irregular shapes, found %s and %s", shape, sibling)
		}
	}
	return nil
}
