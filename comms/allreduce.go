package comms

import (
	"sort"

	"github.com/gomlx/vocabparallel/types/tensors"
)

// AllReduceMap reduces a map of named scalars across all ranks of the group: the
// values for each key are combined elementwise with op. Every rank must pass a map
// with the same set of keys -- the values are packed in sorted key order, so a
// mismatched key set desynchronizes the values silently on equal sizes, or fails on
// the shape check otherwise.
func AllReduceMap(g Group, m map[string]float64, op ReduceOp) (map[string]float64, error) {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	values := make([]float64, len(keys))
	for i, key := range keys {
		values[i] = m[key]
	}
	tensor, err := tensors.FromFlatDataAndDimensions(values, len(values))
	if err != nil {
		return nil, err
	}
	if err := g.AllReduce(op, tensor); err != nil {
		return nil, err
	}
	reduced := make(map[string]float64, len(keys))
	for i, key := range keys {
		reduced[key] = values[i]
	}
	return reduced, nil
}
