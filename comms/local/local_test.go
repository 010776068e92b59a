package local

import (
	"sync"
	"testing"

	"github.com/gomlx/vocabparallel/comms"
	"github.com/gomlx/vocabparallel/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRanks executes fn concurrently on every rank of a fresh group of the given size.
// Rank goroutines must use assert (not require): t.FailNow can only run on the test
// goroutine.
func runRanks(t *testing.T, size int, fn func(rank int, g *Group)) {
	t.Helper()
	groups := must.M1(New(size))
	var wg sync.WaitGroup
	for rank, g := range groups {
		wg.Add(1)
		go func(rank int, g *Group) {
			defer wg.Done()
			fn(rank, g)
		}(rank, g)
	}
	wg.Wait()
}

func TestNew(t *testing.T) {
	groups, err := New(3)
	require.NoError(t, err)
	require.Len(t, groups, 3)
	for rank, g := range groups {
		assert.Equal(t, rank, g.Rank())
		assert.Equal(t, 3, g.Size())
	}

	_, err = New(0)
	require.Error(t, err)
}

func TestAllReduce(t *testing.T) {
	t.Run("sum", func(t *testing.T) {
		runRanks(t, 3, func(rank int, g *Group) {
			tensor := must.M1(tensors.FromFlatDataAndDimensions([]float64{float64(rank), 1}, 2))
			assert.NoError(t, g.AllReduce(comms.ReduceSum, tensor))
			flat := must.M1(tensors.Flat[float64](tensor))
			assert.Equal(t, []float64{3, 3}, flat)
		})
	})
	t.Run("max", func(t *testing.T) {
		runRanks(t, 4, func(rank int, g *Group) {
			tensor := tensors.FromScalar(int64(rank * rank))
			assert.NoError(t, g.AllReduce(comms.ReduceMax, tensor))
			assert.Equal(t, int64(9), must.M1(tensors.ToScalar[int64](tensor)))
		})
	})
	t.Run("min", func(t *testing.T) {
		runRanks(t, 3, func(rank int, g *Group) {
			tensor := tensors.FromScalar(float32(rank) - 1)
			assert.NoError(t, g.AllReduce(comms.ReduceMin, tensor))
			assert.Equal(t, float32(-1), must.M1(tensors.ToScalar[float32](tensor)))
		})
	})
	t.Run("shape mismatch fails on every rank", func(t *testing.T) {
		runRanks(t, 2, func(rank int, g *Group) {
			dims := []int{2}
			if rank == 1 {
				dims = []int{3}
			}
			tensor := must.M1(tensors.FromFlatDataAndDimensions(make([]float64, dims[0]), dims...))
			assert.Error(t, g.AllReduce(comms.ReduceSum, tensor))
		})
	})
}

func TestAllGather(t *testing.T) {
	runRanks(t, 3, func(rank int, g *Group) {
		tensor := tensors.FromScalar(int64(10 + rank))
		gathered, err := g.AllGather(tensor)
		if !assert.NoError(t, err) {
			return
		}
		if !assert.Len(t, gathered, 3) {
			return
		}
		for peer, got := range gathered {
			assert.Equal(t, int64(10+peer), must.M1(tensors.ToScalar[int64](got)))
		}
	})
}

func TestBroadcast(t *testing.T) {
	runRanks(t, 3, func(rank int, g *Group) {
		var tensor *tensors.Tensor
		if rank == 1 {
			tensor = must.M1(tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3))
		}
		got, err := g.Broadcast(1, tensor)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, []float32{1, 2, 3}, must.M1(tensors.Flat[float32](got)))
	})
}

func TestBroadcastResultIsIndependentPerRank(t *testing.T) {
	runRanks(t, 2, func(rank int, g *Group) {
		var tensor *tensors.Tensor
		if rank == 0 {
			tensor = must.M1(tensors.FromFlatDataAndDimensions([]float64{7}, 1))
		}
		got, err := g.Broadcast(0, tensor)
		if !assert.NoError(t, err) {
			return
		}
		// A rank mutating its result must not leak into other ranks.
		flat := must.M1(tensors.Flat[float64](got))
		flat[0] = float64(rank) * 100
		confirm, err := g.Broadcast(0, tensor)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, float64(7), must.M1(tensors.Flat[float64](confirm))[0])
	})
}

func TestBroadcastBytes(t *testing.T) {
	runRanks(t, 2, func(rank int, g *Group) {
		var payload []byte
		if rank == 0 {
			payload = []byte("metadata")
		}
		got, err := g.BroadcastBytes(0, payload)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, []byte("metadata"), got)
	})
}

func TestGather(t *testing.T) {
	runRanks(t, 3, func(rank int, g *Group) {
		tensor := must.M1(tensors.FromFlatDataAndDimensions([]float64{float64(rank), -1}, 2))
		gathered, err := g.Gather(2, tensor)
		if !assert.NoError(t, err) {
			return
		}
		if rank != 2 {
			assert.Nil(t, gathered)
			return
		}
		if !assert.Len(t, gathered, 3) {
			return
		}
		for peer, got := range gathered {
			assert.Equal(t, []float64{float64(peer), -1}, must.M1(tensors.Flat[float64](got)))
		}
	})
}

func TestNewTopologies(t *testing.T) {
	mesh := must.M1(comms.NewMesh([]int{2, 2}, []string{comms.AxisData, comms.AxisModel}))
	topologies, err := NewTopologies(mesh)
	require.NoError(t, err)
	require.Len(t, topologies, 4)

	srcCount := 0
	for rank, topo := range topologies {
		assert.Equal(t, rank, topo.WorldRank)
		assert.Equal(t, 4, topo.World.Size())
		assert.Equal(t, 2, topo.Tensor.Size())
		assert.Equal(t, 2, topo.Data.Size())
		assert.Equal(t, 1, topo.Pipeline.Size())
		assert.Equal(t, 2, topo.Model.Size())
		if topo.IsModelParallelSrc() {
			srcCount++
		}
	}
	// One source per model-parallel group, i.e. one per data-parallel replica.
	assert.Equal(t, 2, srcCount)

	// Ranks {0,1} and {2,3} shard the same vocab axis in a [data, model] mesh.
	assert.Equal(t, 0, topologies[0].Tensor.Rank())
	assert.Equal(t, 1, topologies[1].Tensor.Rank())
	assert.Equal(t, 0, topologies[2].Tensor.Rank())
	// Ranks {0,2} and {1,3} form the data-parallel groups.
	assert.Equal(t, 1, topologies[2].Data.Rank())
}
