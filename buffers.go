package meshclient

import (
	"fmt"
	"runtime"

	"github.com/gomlx/meshclient/backends"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ShardedBuffer is a handle to a device-resident value: the logical shape,
// the device string that owns it (a concrete device or SPMDDevice), an
// optional sharding, and the per-device shards backing it.
//
// A placeholder (see Client.CreateDataPlaceholder) has no shards until one is
// assigned. All attributes are read-only.
type ShardedBuffer struct {
	client   *Client
	device   string
	shape    shapes.Shape
	sharding *Sharding
	shards   []backends.Buffer
}

// newShardedBuffer wraps shards into an owning handle and registers it for
// automatic release on garbage collection.
func newShardedBuffer(client *Client, device string, shape shapes.Shape, sharding *Sharding, shards []backends.Buffer) *ShardedBuffer {
	b := newShardedBufferView(client, device, shape, sharding, shards)
	runtime.SetFinalizer(b, func(b *ShardedBuffer) { b.deleteOrLog() })
	return b
}

// newShardedBufferView wraps shards without taking ownership: the view is not
// released on garbage collection.
func newShardedBufferView(client *Client, device string, shape shapes.Shape, sharding *Sharding, shards []backends.Buffer) *ShardedBuffer {
	b := &ShardedBuffer{
		client:   client,
		device:   device,
		shape:    shape.Clone(),
		sharding: sharding,
		shards:   shards,
	}
	client.metrics.dataHandles.Add(1)
	return b
}

// release empties the handle without touching device storage, used when
// ownership moves to another handle.
func (b *ShardedBuffer) release() []backends.Buffer {
	shards := b.shards
	b.shards = nil
	runtime.SetFinalizer(b, nil)
	return shards
}

// Shape is the logical (unsharded) shape of the value.
func (b *ShardedBuffer) Shape() shapes.Shape { return b.shape }

// Device string owning the value. SPMDDevice for values spanning every local
// device.
func (b *ShardedBuffer) Device() string { return b.device }

// Sharding of the value, or nil for plain single-device data.
func (b *ShardedBuffer) Sharding() *Sharding { return b.sharding }

// HasValue reports whether the handle is backed by device data. False for
// placeholders and deleted buffers.
func (b *ShardedBuffer) HasValue() bool { return len(b.shards) > 0 }

// NumShards backing the value. 0 for placeholders.
func (b *ShardedBuffer) NumShards() int { return len(b.shards) }

// Assign moves the device data of other into b. Shapes must match, and b must
// be empty (a placeholder, or a handle whose data was deleted or moved away);
// other becomes an empty handle. It is how placeholders receive their value;
// it is not safe to call concurrently with reads of b.
func (b *ShardedBuffer) Assign(other *ShardedBuffer) error {
	if !b.shape.Equal(other.shape) {
		return errors.WithMessagef(ErrShapeMismatch,
			"cannot assign buffer of shape %s to placeholder of shape %s", other.shape, b.shape)
	}
	if b.HasValue() {
		return errors.WithMessagef(ErrPrecondition,
			"cannot assign into a buffer on %q that already holds data", b.device)
	}
	b.sharding = other.sharding
	b.shards = other.release()
	runtime.SetFinalizer(b, nil)
	runtime.SetFinalizer(b, func(b *ShardedBuffer) { b.deleteOrLog() })
	return nil
}

// Delete releases the device storage of every shard. The handle stays valid
// but empty. Also triggered by garbage collection.
func (b *ShardedBuffer) Delete() error {
	shards := b.shards
	b.shards = nil
	var firstErr error
	for _, shard := range shards {
		if err := shard.Delete(); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(ErrBackendFailure, "deleting shard of buffer on %q: %v", b.device, err)
		}
	}
	return firstErr
}

func (b *ShardedBuffer) deleteOrLog() {
	if err := b.Delete(); err != nil {
		klog.Errorf("failed to delete sharded buffer: %+v", err)
	}
}

// String implements fmt.Stringer.
func (b *ShardedBuffer) String() string {
	return fmt.Sprintf("ShardedBuffer(%s on %s, sharding=%s, %d shards)",
		b.shape, b.device, b.sharding, len(b.shards))
}

// CreateDataPlaceholder returns an empty handle for a value of the given
// shape on the given device. The data arrives later through
// ShardedBuffer.Assign. The device string is not validated here: placeholders
// may be created before data exists for them.
func (c *Client) CreateDataPlaceholder(device string, shape shapes.Shape, sharding *Sharding) *ShardedBuffer {
	return newShardedBuffer(c, device, shape, sharding, nil)
}

// WrapDataShards combines single-device handles into one sharded value of the
// given logical shape, taking over their device data: the inputs become empty
// handles. The number of shards must match what the sharding requires for
// this client's local device count, and every shard must have the per-device
// shard shape the sharding derives from the logical shape; nothing is moved
// until both hold.
func (c *Client) WrapDataShards(shards []*ShardedBuffer, device string, shape shapes.Shape, sharding *Sharding) (*ShardedBuffer, error) {
	if sharding == nil {
		return nil, errors.WithMessagef(ErrPrecondition, "WrapDataShards requires a sharding")
	}
	want := sharding.NumShards(c.NumLocalDevices())
	if len(shards) != want {
		return nil, errors.WithMessagef(ErrShapeMismatch,
			"sharding %s over %d devices requires %d shards, got %d",
			sharding, c.NumLocalDevices(), want, len(shards))
	}
	shardShape, err := sharding.ShardShape(shape)
	if err != nil {
		return nil, errors.WithMessagef(ErrShapeMismatch, "%v", err)
	}
	for i, shard := range shards {
		if len(shard.shards) != 1 {
			return nil, errors.WithMessagef(ErrShapeMismatch,
				"shard #%d is not a single-device value (%d shards)", i, len(shard.shards))
		}
		if !shard.shape.Equal(shardShape) {
			return nil, errors.WithMessagef(ErrShapeMismatch,
				"shard #%d has shape %s, sharding %s of %s requires %s",
				i, shard.shape, sharding, shape, shardShape)
		}
	}
	buffers := make([]backends.Buffer, len(shards))
	for i, shard := range shards {
		buffers[i] = shard.release()[0]
	}
	return newShardedBuffer(c, device, shape, sharding, buffers), nil
}

// GetDataShards splits a sharded value into one single-device handle per
// shard. The returned handles are views borrowing the original's device
// storage: they stay valid only while buf does, and deleting buf deletes
// their storage too. An unsharded value is returned as its own single shard.
func (c *Client) GetDataShards(buf *ShardedBuffer) ([]*ShardedBuffer, error) {
	if !buf.HasValue() {
		return nil, errors.WithMessagef(ErrPrecondition, "buffer on %q holds no data", buf.device)
	}
	if buf.sharding == nil {
		return []*ShardedBuffer{buf}, nil
	}
	shards := make([]*ShardedBuffer, len(buf.shards))
	for i, shard := range buf.shards {
		device, err := c.registry.deviceToString(shard.Device())
		if err != nil {
			return nil, err
		}
		shards[i] = newShardedBufferView(c, device, shard.Shape(), SingleDeviceSharding(), []backends.Buffer{shard})
	}
	return shards, nil
}

// GetDataShard returns the i-th shard of a sharded value as a single-device
// handle.
func (c *Client) GetDataShard(buf *ShardedBuffer, i int) (*ShardedBuffer, error) {
	shards, err := c.GetDataShards(buf)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(shards) {
		return nil, errors.WithMessagef(ErrPrecondition,
			"shard index %d out of range, buffer has %d shards", i, len(shards))
	}
	return shards[i], nil
}
