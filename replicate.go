package meshclient

import (
	"github.com/gomlx/meshclient/backends"
	"github.com/gomlx/stablehlo"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/gomlx/stablehlo/types/shardy"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// replicateShardedData turns a sharded value into a fully replicated one, so
// it can be read back whole from any single device.
//
// Single-shard and already-replicated values pass through untouched, since
// any of their shards holds the full value. Otherwise it synthesizes an
// identity program whose input carries the value's sharding (x + broadcast(0)
// of x's dtype, which the partitioner cannot elide), compiles it SPMD with
// sharding propagation to outputs disabled (forcing a replicated result), and
// runs it over the value's devices.
func (c *Client) replicateShardedData(buf *ShardedBuffer) (*ShardedBuffer, error) {
	if !buf.HasValue() {
		return nil, errors.WithMessagef(ErrPrecondition, "buffer on %q holds no data", buf.device)
	}
	if len(buf.shards) == 1 {
		return buf, nil
	}
	if buf.sharding != nil && buf.sharding.Kind == backends.ShardingReplicated {
		return buf, nil
	}
	local := c.LocalDevices()
	if len(buf.shards) != len(local) {
		return nil, errors.WithMessagef(ErrPrecondition,
			"buffer has %d shards but the client has %d local devices", len(buf.shards), len(local))
	}

	program, err := buildReplicationProgram(buf.shape, buf.sharding, len(local))
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("replicating %s (sharding=%s) over %d devices", buf.shape, buf.sharding, len(local))
	exec, err := c.Compile().
		WithStableHLO(program).
		OnDevices(local...).
		WithSPMD().
		Done()
	if err != nil {
		return nil, err
	}
	defer exec.destroyOrLog()

	results, err := c.ExecuteReplicated(exec, []*ShardedBuffer{buf}, local)
	if err != nil {
		return nil, err
	}
	if len(results) != 1 {
		return nil, errors.WithMessagef(ErrBackendFailure,
			"replication program returned %d values, expected 1", len(results))
	}
	replicated := results[0]
	if s := replicated.sharding; s == nil || s.Kind != backends.ShardingReplicated {
		return nil, errors.WithMessagef(ErrBackendFailure,
			"replication program returned a %s value", replicated.sharding)
	}
	c.metrics.replications.Add(1)
	return replicated, nil
}

// buildReplicationProgram synthesizes the StableHLO identity program used by
// replicateShardedData: main takes one input of the given shape annotated
// with sharding over a 1D mesh of numDevices, and returns it unchanged
// (modulo the added zero).
func buildReplicationProgram(shape shapes.Shape, sharding *Sharding, numDevices int) ([]byte, error) {
	mesh, err := shardy.NewDeviceMesh("mesh", []int{numDevices}, []string{"devices"})
	if err != nil {
		return nil, errors.WithMessagef(ErrBackendFailure, "building device mesh: %v", err)
	}
	builder := stablehlo.New("replicate_sharded_data").WithShardy(mesh)
	fn := builder.Main()

	var x *stablehlo.Value
	if sharding != nil && sharding.Kind == backends.ShardingTiled {
		if sharding.TileAxis < 0 || sharding.TileAxis >= shape.Rank() {
			return nil, errors.WithMessagef(ErrShapeMismatch,
				"sharding tile axis %d out of range for shape %s", sharding.TileAxis, shape)
		}
		spec := builder.NewShardingSpec()
		for axis := 0; axis < sharding.TileAxis; axis++ {
			spec.AddReplicated()
		}
		spec.AddShardedAxis("devices")
		x, err = fn.NamedInputWithSharding("x", shape, spec)
		if err != nil {
			return nil, errors.WithMessagef(ErrBackendFailure, "replication program input: %v", err)
		}
	} else {
		// Unannotated inputs are replicated.
		x, err = fn.NamedInput("x", shape)
		if err != nil {
			return nil, errors.WithMessagef(ErrBackendFailure, "replication program input: %v", err)
		}
	}

	zero, err := fn.ConstantFromScalar(float32(0))
	if err != nil {
		return nil, errors.WithMessagef(ErrBackendFailure, "replication program zero: %v", err)
	}
	zero, err = stablehlo.Convert(zero, shape.DType)
	if err != nil {
		return nil, errors.WithMessagef(ErrBackendFailure, "replication program convert: %v", err)
	}
	zero, err = stablehlo.BroadcastInDim(zero, shape, nil)
	if err != nil {
		return nil, errors.WithMessagef(ErrBackendFailure, "replication program broadcast: %v", err)
	}
	y, err := stablehlo.Add(x, zero)
	if err != nil {
		return nil, errors.WithMessagef(ErrBackendFailure, "replication program add: %v", err)
	}
	if err := fn.Return(y); err != nil {
		return nil, errors.WithMessagef(ErrBackendFailure, "replication program return: %v", err)
	}
	program, err := builder.Build()
	if err != nil {
		return nil, errors.WithMessagef(ErrBackendFailure, "serializing replication program: %v", err)
	}
	return program, nil
}

// ReplicateShardedData is the exported form of the replication path: it
// returns a fully replicated copy of buf (or buf itself when it has a single
// shard). The caller owns the returned value.
func (c *Client) ReplicateShardedData(buf *ShardedBuffer) (*ShardedBuffer, error) {
	return c.replicateShardedData(buf)
}
