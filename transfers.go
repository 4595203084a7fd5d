package meshclient

import (
	"github.com/gomlx/meshclient/backends"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TensorSource is one host tensor queued for upload: the literal, the target
// device string and an optional callback invoked when the runtime no longer
// reads the literal's bytes.
//
// Until OnDone fires the runtime holds a borrow of Literal.Bytes: the caller
// must not modify or recycle them.
type TensorSource struct {
	Literal *Literal
	Device  string

	// OnDone, if non-nil, is called exactly once, when the upload finished
	// reading the literal. It may be called before TransferToServer returns.
	OnDone func()
}

// TransferToServer uploads each source to its device and returns one
// unsharded handle per source, in order.
//
// Sources are processed independently: on failure the handles of the sources
// transferred so far are returned together with the error.
func (c *Client) TransferToServer(sources []TensorSource) ([]*ShardedBuffer, error) {
	results := make([]*ShardedBuffer, 0, len(sources))
	for i, source := range sources {
		if source.Literal == nil {
			return results, errors.WithMessagef(ErrPrecondition, "source #%d has no literal", i)
		}
		dev, err := c.registry.stringToDevice(source.Device)
		if err != nil {
			return results, errors.WithMessagef(err, "source #%d", i)
		}
		buffer, err := c.backend.TransferToDevice(source.Literal.Bytes(), source.Literal.Shape(), dev, source.OnDone)
		if err != nil {
			return results, errors.WithMessagef(ErrBackendFailure,
				"transferring source #%d to %q: %v", i, source.Device, err)
		}
		c.metrics.outboundBytes.Add(int64(len(source.Literal.Bytes())))
		results = append(results, newShardedBuffer(c, source.Device, source.Literal.Shape(), nil, []backends.Buffer{buffer}))
	}
	return results, nil
}

// TransferShardsToServer uploads the shard literals and wraps them into one
// sharded value of the given logical shape, owned by device. Sources with an
// empty Device default to the local device at their position; the caller's
// slice is left untouched.
func (c *Client) TransferShardsToServer(sources []TensorSource, device string, shape shapes.Shape, sharding *Sharding) (*ShardedBuffer, error) {
	local := c.LocalDevices()
	sources = append([]TensorSource(nil), sources...)
	for i := range sources {
		if sources[i].Device == "" {
			if i >= len(local) {
				return nil, errors.WithMessagef(ErrPrecondition,
					"%d shard sources but only %d local devices", len(sources), len(local))
			}
			sources[i].Device = local[i]
		}
	}
	shards, err := c.TransferToServer(sources)
	if err != nil {
		return nil, err
	}
	return c.WrapDataShards(shards, device, shape, sharding)
}

// TransferFromServer copies device values back to host literals, one per
// buffer, in order. Sharded values are first replicated across their devices
// and read back whole (see the package documentation).
//
// Buffers are processed independently: on failure the literals read so far
// are returned together with the error.
func (c *Client) TransferFromServer(buffers []*ShardedBuffer) ([]*Literal, error) {
	results := make([]*Literal, 0, len(buffers))
	for i, buf := range buffers {
		lit, err := c.transferOneFromServer(buf)
		if err != nil {
			return results, errors.WithMessagef(err, "buffer #%d", i)
		}
		results = append(results, lit)
	}
	return results, nil
}

func (c *Client) transferOneFromServer(buf *ShardedBuffer) (*Literal, error) {
	if !buf.HasValue() {
		return nil, errors.WithMessagef(ErrPrecondition, "buffer on %q holds no data", buf.device)
	}
	source := buf
	if buf.sharding != nil && buf.sharding.Kind != backends.ShardingSingleDevice {
		replicated, err := c.replicateShardedData(buf)
		if err != nil {
			return nil, err
		}
		if replicated != buf {
			defer replicated.deleteOrLog()
		}
		source = replicated
	}
	shard := source.shards[0]
	lit := newLiteralForShape(buf.shape)
	if !shard.Shape().Equal(buf.shape) {
		return nil, errors.WithMessagef(ErrShapeMismatch,
			"device shard has shape %s, buffer declares %s", shard.Shape(), buf.shape)
	}
	if err := shard.ToHost(lit.data); err != nil {
		return nil, errors.WithMessagef(ErrBackendFailure, "device to host copy failed: %v", err)
	}
	c.metrics.inboundBytes.Add(int64(len(lit.data)))
	klog.V(2).Infof("transferred %s from %q", buf.shape, buf.device)
	return lit, nil
}
