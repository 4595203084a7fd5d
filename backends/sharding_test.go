package backends

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/stretchr/testify/require"
)

func TestShardingNumShards(t *testing.T) {
	require.Equal(t, 4, Replicated().NumShards(4))
	require.Equal(t, 2, Tiled(0, 2).NumShards(4))
	require.Equal(t, 1, SingleDevice().NumShards(4))
}

func TestShardingShardShape(t *testing.T) {
	logical := shapes.Make(dtypes.F32, 4, 6)

	shard, err := Tiled(0, 2).ShardShape(logical)
	require.NoError(t, err)
	require.Equal(t, []int{2, 6}, shard.Dimensions)

	shard, err = Tiled(1, 3).ShardShape(logical)
	require.NoError(t, err)
	require.Equal(t, []int{4, 2}, shard.Dimensions)

	// Replicated and single-device keep the logical shape.
	shard, err = Replicated().ShardShape(logical)
	require.NoError(t, err)
	require.True(t, shard.Equal(logical))

	// Uneven splits are rejected.
	_, err = Tiled(0, 3).ShardShape(logical)
	require.Error(t, err)

	// Axis out of range.
	_, err = Tiled(2, 2).ShardShape(logical)
	require.Error(t, err)
}

func TestShardingLogicalShape(t *testing.T) {
	logical := shapes.Make(dtypes.S32, 8, 2)
	sharding := Tiled(0, 4)
	shard, err := sharding.ShardShape(logical)
	require.NoError(t, err)

	back, err := sharding.LogicalShape(shard)
	require.NoError(t, err)
	require.True(t, back.Equal(logical))
}

func TestShardingString(t *testing.T) {
	require.Equal(t, "replicated", Replicated().String())
	require.Equal(t, "tiled(axis=1, count=2)", Tiled(1, 2).String())
	require.Equal(t, "single-device", SingleDevice().String())
	var none *Sharding
	require.Equal(t, "none", none.String())
}
