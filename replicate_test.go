package meshclient

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/meshclient/backends"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestReplicateTiledFourWay(t *testing.T) {
	client := newTestClient(t, "cpu", 0, 1, 2, 3)
	full := make([]float32, 16)
	for i := range full {
		full[i] = float32(i)
	}
	logical := shapes.Make(dtypes.F32, 8, 2)
	sources := make([]TensorSource, 4)
	for d := range sources {
		sources[d] = TensorSource{
			Literal: must.M1(NewLiteralFromFlat(full[d*4:(d+1)*4], 2, 2)),
		}
	}
	buf := must.M1(client.TransferShardsToServer(sources, SPMDDevice, logical, TiledSharding(0, 4)))

	replicated := must.M1(client.ReplicateShardedData(buf))
	require.Equal(t, backends.ShardingReplicated, replicated.Sharding().Kind)
	require.Equal(t, 4, replicated.NumShards())
	require.True(t, replicated.Shape().Equal(logical))

	// Every shard holds the full assembled value.
	shards := must.M1(client.GetDataShards(replicated))
	for _, shard := range shards {
		require.Equal(t, []int{8, 2}, shard.Shape().Dimensions)
		back := must.M1(client.TransferFromServer([]*ShardedBuffer{shard}))
		require.Equal(t, full, must.M1(LiteralData[float32](back[0])))
	}
	require.Equal(t, int64(1), client.Metrics()[MetricReplications])
}

func TestReplicateIsIdempotent(t *testing.T) {
	client := newTestClient(t, "cpu", 0, 1)
	logical := shapes.Make(dtypes.F32, 2, 2)
	buf := must.M1(client.TransferShardsToServer([]TensorSource{
		{Literal: must.M1(NewLiteralFromFlat([]float32{1, 2}, 1, 2))},
		{Literal: must.M1(NewLiteralFromFlat([]float32{3, 4}, 1, 2))},
	}, SPMDDevice, logical, TiledSharding(0, 2)))

	once := must.M1(client.ReplicateShardedData(buf))
	twice := must.M1(client.ReplicateShardedData(once))
	require.Equal(t, backends.ShardingReplicated, twice.Sharding().Kind)

	back := must.M1(client.TransferFromServer([]*ShardedBuffer{twice}))
	require.Equal(t, []float32{1, 2, 3, 4}, must.M1(LiteralData[float32](back[0])))
}

func TestReplicateSingleShardFastPath(t *testing.T) {
	client := newTestClient(t, "cpu", 0, 1)
	l := must.M1(NewLiteralFromFlat([]float32{1, 2, 3}, 3))
	buffers := must.M1(client.TransferToServer([]TensorSource{{Literal: l, Device: "CPU:0"}}))

	replicated := must.M1(client.ReplicateShardedData(buffers[0]))
	require.Same(t, buffers[0], replicated)
	require.Equal(t, int64(0), client.Metrics()[MetricReplications])
}

func TestReplicateAlreadyReplicatedFastPath(t *testing.T) {
	// A replicated value already holds the full array on every device, so
	// reading it back must not dispatch another replication program.
	client := newTestClient(t, "cpu", 0, 1)
	logical := shapes.Make(dtypes.F32, 2, 2)
	full := []float32{1, 2, 3, 4}
	buf := must.M1(client.TransferShardsToServer([]TensorSource{
		{Literal: must.M1(NewLiteralFromFlat(full, 2, 2))},
		{Literal: must.M1(NewLiteralFromFlat(full, 2, 2))},
	}, SPMDDevice, logical, ReplicatedSharding()))

	replicated := must.M1(client.ReplicateShardedData(buf))
	require.Same(t, buf, replicated)

	back := must.M1(client.TransferFromServer([]*ShardedBuffer{buf}))
	require.Equal(t, full, must.M1(LiteralData[float32](back[0])))
	require.Equal(t, int64(0), client.Metrics()[MetricExecutions])
	require.Equal(t, int64(0), client.Metrics()[MetricReplications])
}

func TestReplicateShardCountMismatch(t *testing.T) {
	// 2 shards on a 4 device client cannot span the local devices.
	client := newTestClient(t, "cpu", 0, 1, 2, 3)
	logical := shapes.Make(dtypes.F32, 2, 2)
	buf := must.M1(client.TransferShardsToServer([]TensorSource{
		{Literal: must.M1(NewLiteralFromFlat([]float32{1, 2}, 1, 2))},
		{Literal: must.M1(NewLiteralFromFlat([]float32{3, 4}, 1, 2))},
	}, SPMDDevice, logical, TiledSharding(0, 2)))

	_, err := client.ReplicateShardedData(buf)
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestBuildReplicationProgramParses(t *testing.T) {
	// The synthesized program must round-trip through a backend compiler; the
	// minimal check here is that it names a main function and mentions the
	// mesh sharding for tiled inputs.
	program := must.M1(buildReplicationProgram(shapes.Make(dtypes.F32, 4, 4), TiledSharding(0, 2), 2))
	require.Contains(t, string(program), "@main")
	require.Contains(t, string(program), "sdy")

	// Out-of-range tile axis is rejected.
	_, err := buildReplicationProgram(shapes.Make(dtypes.F32, 4), TiledSharding(3, 2), 2)
	require.ErrorIs(t, err, ErrShapeMismatch)
}
