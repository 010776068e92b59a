package tensors

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/vocabparallel/types/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// ConvertTo returns a new tensor with the same values cast to the given dtype.
// Converting to the tensor's own dtype returns a clone.
//
// Conversions go through float64, so Int64 values above 2^53 lose precision when
// converted -- tokens and lengths are far below that.
func (t *Tensor) ConvertTo(dtype dtypes.DType) (*Tensor, error) {
	if dtype == t.shape.DType {
		return t.Clone(), nil
	}
	values, err := t.toFloat64()
	if err != nil {
		return nil, err
	}
	shape := t.shape.Clone()
	shape.DType = dtype
	return fromFloat64(shape, values)
}

// toFloat64 widens the tensor's flat data to float64. Bool becomes 0/1.
func (t *Tensor) toFloat64() ([]float64, error) {
	out := make([]float64, t.Size())
	switch flat := t.flat.(type) {
	case []bool:
		for i, v := range flat {
			if v {
				out[i] = 1
			}
		}
	case []int32:
		for i, v := range flat {
			out[i] = float64(v)
		}
	case []int64:
		for i, v := range flat {
			out[i] = float64(v)
		}
	case []float16.Float16:
		for i, v := range flat {
			out[i] = float64(v.Float32())
		}
	case []float32:
		for i, v := range flat {
			out[i] = float64(v)
		}
	case []float64:
		copy(out, flat)
	default:
		return nil, errors.Errorf("invalid tensor storage %T", t.flat)
	}
	return out, nil
}

// fromFloat64 narrows float64 values into a freshly allocated tensor of the given shape.
func fromFloat64(shape shapes.Shape, values []float64) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	switch flat := t.flat.(type) {
	case []bool:
		for i, v := range values {
			flat[i] = v != 0
		}
	case []int32:
		for i, v := range values {
			flat[i] = int32(v)
		}
	case []int64:
		for i, v := range values {
			flat[i] = int64(v)
		}
	case []float16.Float16:
		for i, v := range values {
			flat[i] = float16.Fromfloat32(float32(v))
		}
	case []float32:
		for i, v := range values {
			flat[i] = float32(v)
		}
	case []float64:
		copy(flat, values)
	}
	return t, nil
}
