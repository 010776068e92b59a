// Package stats computes masked statistics over values spread across the ranks of a
// communication group: global mean, uncorrected variance and normalization, where a
// boolean mask selects the elements that count.
package stats

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/vocabparallel/comms"
	"github.com/gomlx/vocabparallel/types/tensors"
	"github.com/pkg/errors"
)

// varianceEpsilon keeps Normalize finite when the masked values are constant.
const varianceEpsilon = 1e-8

// MaskedGlobalMeanVar computes the mean and uncorrected variance of the masked
// elements of values across all ranks of g: first a 2-element [sum, count]
// all-reduce yields the global mean, then a second all-reduce combines the per-rank
// sums of squared deviations from that mean.
//
// values and mask must have the same shape; mask is Bool, true for the elements that
// count. A zero global count is not guarded: the division produces NaN, a caller
// responsibility. Collective over g.
func MaskedGlobalMeanVar(g comms.Group, values, mask *tensors.Tensor) (mean, variance float64, err error) {
	valuesFlat, maskFlat, err := checkedFlat(values, mask)
	if err != nil {
		return 0, 0, err
	}

	var localSum, localCount float64
	for i, keep := range maskFlat {
		if keep {
			localSum += valuesFlat[i]
			localCount++
		}
	}
	sumAndCount, err := tensors.FromFlatDataAndDimensions([]float64{localSum, localCount}, 2)
	if err != nil {
		return 0, 0, err
	}
	if err := g.AllReduce(comms.ReduceSum, sumAndCount); err != nil {
		return 0, 0, err
	}
	reduced, err := tensors.Flat[float64](sumAndCount)
	if err != nil {
		return 0, 0, err
	}
	globalCount := reduced[1]
	mean = reduced[0] / globalCount

	var deviations float64
	for i, keep := range maskFlat {
		if keep {
			d := valuesFlat[i] - mean
			deviations += d * d
		}
	}
	deviationsTensor := tensors.FromScalar(deviations)
	if err := g.AllReduce(comms.ReduceSum, deviationsTensor); err != nil {
		return 0, 0, err
	}
	globalDeviations, err := tensors.ToScalar[float64](deviationsTensor)
	if err != nil {
		return 0, 0, err
	}
	return mean, globalDeviations / globalCount, nil
}

// Normalize returns (values - mean) * rsqrt(variance + 1e-8) using the global masked
// mean and variance, applied to every element, masked or not. Collective over g.
func Normalize(g comms.Group, values, mask *tensors.Tensor) (*tensors.Tensor, error) {
	mean, variance, err := MaskedGlobalMeanVar(g, values, mask)
	if err != nil {
		return nil, err
	}
	scale := 1 / math.Sqrt(variance+varianceEpsilon)
	valuesFlat, err := tensors.Flat[float64](values)
	if err != nil {
		return nil, err
	}
	normalized := make([]float64, len(valuesFlat))
	for i, v := range valuesFlat {
		normalized[i] = (v - mean) * scale
	}
	return tensors.FromFlatDataAndDimensions(normalized, values.Shape().Dimensions...)
}

func checkedFlat(values, mask *tensors.Tensor) ([]float64, []bool, error) {
	if values == nil || mask == nil {
		return nil, nil, errors.Errorf("values and mask are both required")
	}
	if values.DType() != dtypes.Float64 {
		return nil, nil, errors.Errorf("values must be Float64, got %s", values.DType())
	}
	if mask.DType() != dtypes.Bool || !mask.Shape().EqualDimensions(values.Shape()) {
		return nil, nil, errors.Errorf("mask must be Bool with the values' shape %s, got %s",
			values.Shape(), mask.Shape())
	}
	valuesFlat, err := tensors.Flat[float64](values)
	if err != nil {
		return nil, nil, err
	}
	maskFlat, err := tensors.Flat[bool](mask)
	if err != nil {
		return nil, nil, err
	}
	return valuesFlat, maskFlat, nil
}
