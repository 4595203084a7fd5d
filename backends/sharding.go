package backends

import (
	"fmt"

	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/pkg/errors"
)

// ShardingKind tags the variants of a Sharding descriptor.
type ShardingKind int

const (
	// ShardingReplicated: every device holds a full copy of the logical array.
	ShardingReplicated ShardingKind = iota

	// ShardingTiled: the logical array is split along one axis, one tile per
	// device.
	ShardingTiled

	// ShardingSingleDevice: the array lives whole on one device.
	ShardingSingleDevice
)

// String implements fmt.Stringer.
func (k ShardingKind) String() string {
	switch k {
	case ShardingReplicated:
		return "replicated"
	case ShardingTiled:
		return "tiled"
	case ShardingSingleDevice:
		return "single-device"
	}
	return fmt.Sprintf("ShardingKind(%d)", int(k))
}

// Sharding declares how a logical array's data is distributed across a device
// set. It is a closed tagged variant: only the fields relevant to Kind are set.
//
// A nil *Sharding on a buffer means the buffer is an ordinary single-device
// array with no distribution metadata attached.
type Sharding struct {
	Kind ShardingKind

	// TileAxis and TileCount are set for ShardingTiled: the logical array is
	// split into TileCount equal tiles along TileAxis.
	TileAxis  int
	TileCount int
}

// Replicated returns the descriptor for a fully replicated array.
func Replicated() *Sharding {
	return &Sharding{Kind: ShardingReplicated}
}

// Tiled returns the descriptor for an array split into count equal tiles along
// axis.
func Tiled(axis, count int) *Sharding {
	return &Sharding{Kind: ShardingTiled, TileAxis: axis, TileCount: count}
}

// SingleDevice returns the descriptor for an array resident whole on one
// device.
func SingleDevice() *Sharding {
	return &Sharding{Kind: ShardingSingleDevice}
}

// NumShards returns the number of single-device shards an array with this
// sharding splits into, given the size of the device set it spans.
func (s *Sharding) NumShards(numDevices int) int {
	switch s.Kind {
	case ShardingReplicated:
		return numDevices
	case ShardingTiled:
		return s.TileCount
	case ShardingSingleDevice:
		return 1
	}
	return 0
}

// ShardShape returns the per-device shard shape of a logical array shape under
// this sharding.
func (s *Sharding) ShardShape(logical shapes.Shape) (shapes.Shape, error) {
	if s.Kind != ShardingTiled {
		return logical, nil
	}
	if s.TileAxis < 0 || s.TileAxis >= logical.Rank() {
		return shapes.Shape{}, errors.Errorf("sharding tile axis %d out of range for shape %s",
			s.TileAxis, logical)
	}
	dim := logical.Dimensions[s.TileAxis]
	if s.TileCount <= 0 || dim%s.TileCount != 0 {
		return shapes.Shape{}, errors.Errorf(
			"shape %s axis %d (size %d) cannot be split into %d equal tiles",
			logical, s.TileAxis, dim, s.TileCount)
	}
	shard := logical.Clone()
	shard.Dimensions[s.TileAxis] = dim / s.TileCount
	return shard, nil
}

// LogicalShape is the inverse of ShardShape: it reconstructs the logical array
// shape from one shard's shape.
func (s *Sharding) LogicalShape(shard shapes.Shape) (shapes.Shape, error) {
	if s.Kind != ShardingTiled {
		return shard, nil
	}
	if s.TileAxis < 0 || s.TileAxis >= shard.Rank() {
		return shapes.Shape{}, errors.Errorf("sharding tile axis %d out of range for shard shape %s",
			s.TileAxis, shard)
	}
	logical := shard.Clone()
	logical.Dimensions[s.TileAxis] *= s.TileCount
	return logical, nil
}

// String implements fmt.Stringer.
func (s *Sharding) String() string {
	if s == nil {
		return "none"
	}
	if s.Kind == ShardingTiled {
		return fmt.Sprintf("tiled(axis=%d, count=%d)", s.TileAxis, s.TileCount)
	}
	return s.Kind.String()
}
