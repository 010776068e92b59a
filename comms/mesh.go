package comms

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/vocabparallel/internal/utils"
	"github.com/pkg/errors"
)

// Names of the mesh axes a Topology is built from. A missing axis is treated as
// having size 1 (every rank alone in its group for that dimension).
const (
	// AxisModel is the tensor-model-parallel axis: ranks along it hold shards of the
	// same logical vocabulary axis.
	AxisModel = "model"

	// AxisPipeline is the pipeline-parallel axis.
	AxisPipeline = "pipeline"

	// AxisData is the data-parallel axis: ranks along it hold different batches of
	// replicated model state.
	AxisData = "data"
)

// Mesh defines the logical topology of the ranks of a distributed computation as a
// multidimensional grid with named axes, e.g. {"data": 2, "model": 2} for 4 ranks.
//
// Ranks are assigned to mesh coordinates in row-major order: the last axis varies
// fastest. The Mesh itself holds no communication state; it only computes which ranks
// group together along which axes (see ReplicaGroups). Backends (e.g. comms/local)
// turn those groups into Group handles.
type Mesh struct {
	axesNames  []string
	axesSizes  []int
	nameToAxis map[string]int
	numRanks   int
}

// NewMesh creates a mesh with the given axis sizes and names (one name per axis).
// Axis names must be unique and non-empty; sizes must be positive.
func NewMesh(axesSizes []int, axesNames []string) (*Mesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("mesh must have at least one axis")
	}
	numRanks := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if name == "" {
			return nil, errors.Errorf("mesh axis name at index %d cannot be empty", i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("mesh axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("mesh axis %q must have size > 0, got %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numRanks *= axesSizes[i]
	}
	return &Mesh{
		axesNames:  slices.Clone(axesNames),
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numRanks:   numRanks,
	}, nil
}

// NumRanks returns the total number of ranks in the mesh.
func (m *Mesh) NumRanks() int { return m.numRanks }

// AxesNames returns a copy of the mesh's axis names.
func (m *Mesh) AxesNames() []string { return slices.Clone(m.axesNames) }

// HasAxis returns whether the mesh has an axis with the given name.
func (m *Mesh) HasAxis(axisName string) bool {
	_, found := m.nameToAxis[axisName]
	return found
}

// AxisSize returns the number of ranks along the given mesh axis, or 1 if the mesh
// has no such axis.
func (m *Mesh) AxisSize(axisName string) int {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 1
	}
	return m.axesSizes[idx]
}

// String implements the fmt.Stringer interface.
func (m *Mesh) String() string {
	var sb strings.Builder
	sb.WriteString("Mesh({")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// ReplicaGroups returns the groups of ranks that communicate together for a collective
// operation spanning the given mesh axes: each group holds the ranks whose coordinates
// differ only along those axes. Ranks appear within each group in row-major order, and
// every rank appears in exactly one group.
//
// Axes the mesh does not have are ignored (they behave as size-1 axes). With no
// (effective) axes, every rank is alone in its own group.
//
// Example:
//
//	m, _ := NewMesh([]int{2, 2}, []string{"data", "model"})
//	m.ReplicaGroups("model") // -> [][]int{{0, 1}, {2, 3}}
//	m.ReplicaGroups("data")  // -> [][]int{{0, 2}, {1, 3}}
//	m.ReplicaGroups("data", "model") // -> [][]int{{0, 1, 2, 3}}
func (m *Mesh) ReplicaGroups(axes ...string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	seen := utils.MakeSet[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			continue
		}
		if seen.Has(idx) {
			return nil, errors.Errorf("mesh axis %q given more than once", axis)
		}
		seen.Insert(idx)
		axisIndices = append(axisIndices, idx)
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	numGroups := m.numRanks / groupSize
	groups := make([][]int, numGroups)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	for rank := 0; rank < m.numRanks; rank++ {
		// Row-major coordinates of the rank in the mesh.
		coords := make([]int, len(m.axesSizes))
		remaining := rank
		for i := len(m.axesSizes) - 1; i >= 0; i-- {
			coords[i] = remaining % m.axesSizes[i]
			remaining /= m.axesSizes[i]
		}

		groupIdx, posInGroup := 0, 0
		groupMul, posMul := 1, 1
		for i := len(m.axesSizes) - 1; i >= 0; i-- {
			if slices.Contains(axisIndices, i) {
				posInGroup += coords[i] * posMul
				posMul *= m.axesSizes[i]
			} else {
				groupIdx += coords[i] * groupMul
				groupMul *= m.axesSizes[i]
			}
		}
		groups[groupIdx][posInGroup] = rank
	}
	return groups, nil
}
