package comms_test

import (
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/vocabparallel/comms"
	"github.com/gomlx/vocabparallel/comms/local"
	"github.com/gomlx/vocabparallel/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRanks executes fn concurrently on every rank of a fresh in-process group.
// Rank goroutines must use assert, not require.
func runRanks(t *testing.T, size int, fn func(rank int, g comms.Group)) {
	t.Helper()
	groups := must.M1(local.New(size))
	var wg sync.WaitGroup
	for rank, g := range groups {
		wg.Add(1)
		go func(rank int, g comms.Group) {
			defer wg.Done()
			fn(rank, g)
		}(rank, g)
	}
	wg.Wait()
}

func TestBroadcastInfersShapeAndDType(t *testing.T) {
	// Non-source ranks pass nil and must receive a tensor with the exact shape and
	// element type of the source's tensor.
	runRanks(t, 3, func(rank int, g comms.Group) {
		var tensor *tensors.Tensor
		if rank == 0 {
			tensor = must.M1(tensors.FromFlatDataAndDimensions([]int64{1, 2, 3, 4, 5, 6}, 2, 3))
		}
		got, err := comms.Broadcast(g, 0, tensor, dtypes.InvalidDType)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, dtypes.Int64, got.DType())
		assert.Equal(t, []int{2, 3}, got.Shape().Dimensions)
		assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, must.M1(tensors.Flat[int64](got)))
	})
}

func TestBroadcastCastsOnSource(t *testing.T) {
	runRanks(t, 2, func(rank int, g comms.Group) {
		var tensor *tensors.Tensor
		if rank == 1 {
			tensor = must.M1(tensors.FromFlatDataAndDimensions([]int64{1, -2}, 2))
		}
		got, err := comms.Broadcast(g, 1, tensor, dtypes.Float32)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, dtypes.Float32, got.DType())
		assert.Equal(t, []float32{1, -2}, must.M1(tensors.Flat[float32](got)))
	})
}

func TestBroadcastScalar(t *testing.T) {
	runRanks(t, 2, func(rank int, g comms.Group) {
		var tensor *tensors.Tensor
		if rank == 0 {
			tensor = tensors.FromScalar(3.5)
		}
		got, err := comms.Broadcast(g, 0, tensor, dtypes.InvalidDType)
		if !assert.NoError(t, err) {
			return
		}
		assert.True(t, got.Shape().IsScalar())
		assert.Equal(t, 3.5, must.M1(tensors.ToScalar[float64](got)))
	})
}

func TestBroadcastNilOnSourceFails(t *testing.T) {
	groups := must.M1(local.New(1))
	_, err := comms.Broadcast(groups[0], 0, nil, dtypes.InvalidDType)
	require.Error(t, err)
}

func TestBroadcast2D(t *testing.T) {
	t.Run("legacy float32 default", func(t *testing.T) {
		runRanks(t, 2, func(rank int, g comms.Group) {
			var tensor *tensors.Tensor
			if rank == 0 {
				tensor = must.M1(tensors.FromFlatDataAndDimensions([]int64{1, 2}, 1, 2))
			}
			got, err := comms.Broadcast2D(g, 0, tensor, dtypes.InvalidDType)
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, dtypes.Float32, got.DType())
		})
	})
	t.Run("rejects non-2d", func(t *testing.T) {
		groups := must.M1(local.New(1))
		tensor := must.M1(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2))
		_, err := comms.Broadcast2D(groups[0], 0, tensor, dtypes.Float32)
		require.Error(t, err)
	})
}

func TestGather(t *testing.T) {
	runRanks(t, 3, func(rank int, g comms.Group) {
		tensor := tensors.FromScalar(int64(rank))
		gathered, err := comms.Gather(g, 1, tensor, dtypes.Float64)
		if !assert.NoError(t, err) {
			return
		}
		if rank != 1 {
			assert.Nil(t, gathered)
			return
		}
		if !assert.Len(t, gathered, 3) {
			return
		}
		for peer, got := range gathered {
			assert.Equal(t, dtypes.Float64, got.DType())
			assert.Equal(t, float64(peer), must.M1(tensors.ToScalar[float64](got)))
		}
	})
}

func TestRebalance(t *testing.T) {
	// Ranks holding leading sizes [3, 0, 5] must all end with the 8-row
	// concatenation in rank order.
	counts := []int{3, 0, 5}
	starts := []int{0, 3, 3}
	runRanks(t, 3, func(rank int, g comms.Group) {
		rows := counts[rank]
		flat := make([]float32, rows*2)
		for i := range flat {
			flat[i] = float32(starts[rank]*2 + i)
		}
		tensor := must.M1(tensors.FromFlatDataAndDimensions(flat, rows, 2))
		combined, err := comms.Rebalance(g, tensor)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, []int{8, 2}, combined.Shape().Dimensions)
		want := make([]float32, 16)
		for i := range want {
			want[i] = float32(i)
		}
		assert.Equal(t, want, must.M1(tensors.Flat[float32](combined)))
	})
}

func TestRebalanceAllEmptyFails(t *testing.T) {
	runRanks(t, 2, func(rank int, g comms.Group) {
		tensor := must.M1(tensors.FromFlatDataAndDimensions([]float32{}, 0, 4))
		_, err := comms.Rebalance(g, tensor)
		assert.Error(t, err)
	})
}

func TestAllReduceMap(t *testing.T) {
	runRanks(t, 2, func(rank int, g comms.Group) {
		m := map[string]float64{"loss": float64(rank + 1), "count": 10}
		reduced, err := comms.AllReduceMap(g, m, comms.ReduceSum)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, map[string]float64{"loss": 3, "count": 20}, reduced)
	})
}

func TestReduceOpCombine(t *testing.T) {
	dst := must.M1(tensors.FromFlatDataAndDimensions([]float64{1, 5}, 2))
	src := must.M1(tensors.FromFlatDataAndDimensions([]float64{3, 2}, 2))
	require.NoError(t, comms.ReduceMax.Combine(dst, src))
	assert.Equal(t, []float64{3, 5}, must.M1(tensors.Flat[float64](dst)))

	boolDst := must.M1(tensors.FromFlatDataAndDimensions([]bool{true}, 1))
	require.Error(t, comms.ReduceSum.Combine(boolDst, boolDst))

	mismatched := must.M1(tensors.FromFlatDataAndDimensions([]float64{1}, 1))
	require.Error(t, comms.ReduceSum.Combine(dst, mismatched))
	require.Error(t, comms.ReduceInvalid.Combine(dst, src))
}

func TestReduceOpStrings(t *testing.T) {
	assert.Equal(t, "ReduceSum", comms.ReduceSum.String())
	op, err := comms.ReduceOpString("ReduceMax")
	require.NoError(t, err)
	assert.Equal(t, comms.ReduceMax, op)
	assert.True(t, comms.ReduceMin.IsAReduceOp())
	assert.False(t, comms.ReduceOp(99).IsAReduceOp())
}

func TestMeshReplicaGroups(t *testing.T) {
	mesh := must.M1(comms.NewMesh([]int{2, 2}, []string{comms.AxisData, comms.AxisModel}))
	assert.Equal(t, 4, mesh.NumRanks())
	assert.Equal(t, 2, mesh.AxisSize(comms.AxisData))
	assert.Equal(t, 1, mesh.AxisSize(comms.AxisPipeline)) // missing axes have size 1

	groups := must.M1(mesh.ReplicaGroups(comms.AxisModel))
	assert.Equal(t, [][]int{{0, 1}, {2, 3}}, groups)
	groups = must.M1(mesh.ReplicaGroups(comms.AxisData))
	assert.Equal(t, [][]int{{0, 2}, {1, 3}}, groups)
	groups = must.M1(mesh.ReplicaGroups(comms.AxisData, comms.AxisModel))
	assert.Equal(t, [][]int{{0, 1, 2, 3}}, groups)
	groups = must.M1(mesh.ReplicaGroups())
	assert.Equal(t, [][]int{{0}, {1}, {2}, {3}}, groups)
}

func TestMeshErrors(t *testing.T) {
	_, err := comms.NewMesh([]int{2}, []string{"a", "b"})
	require.Error(t, err)
	_, err = comms.NewMesh([]int{2, 2}, []string{"a", "a"})
	require.Error(t, err)
	_, err = comms.NewMesh([]int{0}, []string{"a"})
	require.Error(t, err)
	_, err = comms.NewMesh(nil, nil)
	require.Error(t, err)

	mesh := must.M1(comms.NewMesh([]int{4}, []string{comms.AxisData}))
	_, err = mesh.ReplicaGroups(comms.AxisData, comms.AxisData)
	require.Error(t, err)
}

func TestRunOnModelParallelSrc(t *testing.T) {
	mesh := must.M1(comms.NewMesh([]int{2, 2}, []string{comms.AxisData, comms.AxisModel}))
	topologies := must.M1(local.NewTopologies(mesh))

	var mu sync.Mutex
	ran := 0
	var wg sync.WaitGroup
	for _, topo := range topologies {
		wg.Add(1)
		go func(topo *comms.Topology) {
			defer wg.Done()
			result, ok, err := comms.RunOnModelParallelSrc(topo, func() (int, error) {
				return topo.WorldRank, nil
			})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				ran++
				mu.Unlock()
				assert.Equal(t, topo.WorldRank, result)
			}
		}(topo)
	}
	wg.Wait()
	// Once per model-parallel group: with DP=2 the function runs exactly twice.
	assert.Equal(t, 2, ran)
}

func TestBroadcastWithinHelpers(t *testing.T) {
	mesh := must.M1(comms.NewMesh([]int{2, 2}, []string{comms.AxisData, comms.AxisModel}))
	topologies := must.M1(local.NewTopologies(mesh))

	var wg sync.WaitGroup
	for _, topo := range topologies {
		wg.Add(1)
		go func(topo *comms.Topology) {
			defer wg.Done()
			var tensor *tensors.Tensor
			if topo.IsModelParallelSrc() {
				tensor = must.M1(tensors.FromFlatDataAndDimensions(
					[]float32{float32(topo.Data.Rank())}, 1, 1))
			}
			got, err := comms.BroadcastWithinModelParallel(topo, tensor, dtypes.InvalidDType)
			assert.NoError(t, err)
			assert.Equal(t, float32(topo.Data.Rank()), must.M1(tensors.Flat[float32](got))[0])

			// Pipeline has size 1 here: the tensor must come back unchanged.
			same, err := comms.BroadcastWithinPipeline(topo, got, dtypes.InvalidDType, true)
			assert.NoError(t, err)
			assert.Equal(t, got, same)
		}(topo)
	}
	wg.Wait()
}
