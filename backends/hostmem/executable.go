package hostmem

import (
	"github.com/gomlx/meshclient/backends"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/pkg/errors"
)

// executable is a compiled identity program: each output mirrors the parameter
// at the same position. Under SPMD with replicated outputs the mirrored value
// is the full logical array, reassembled from the per-device shards.
type executable struct {
	client  *Client
	sig     *mainSignature
	opts    backends.CompileOptions
	deleted bool
}

var _ backends.LoadedExecutable = (*executable)(nil)

func newExecutable(c *Client, sig *mainSignature, opts backends.CompileOptions) *executable {
	return &executable{client: c, sig: sig, opts: opts}
}

// NumOutputs of the program.
func (e *executable) NumOutputs() int { return len(e.sig.results) }

// OutputShardings returns one descriptor per output for SPMD compilations.
// With sharding propagation disabled every output is replicated; with it
// enabled an identity output inherits its parameter's sharding.
func (e *executable) OutputShardings() []backends.Sharding {
	if !e.opts.SPMD {
		return nil
	}
	out := make([]backends.Sharding, len(e.sig.results))
	for i := range out {
		out[i] = *backends.Replicated()
		if !e.opts.AllowShardingPropagationToOutput {
			continue
		}
		if i < len(e.sig.params) && e.sig.params[i].shardedAxis >= 0 {
			out[i] = *backends.Tiled(e.sig.params[i].shardedAxis, e.opts.NumPartitions)
		}
	}
	return out
}

// Execute dispatches the identity program over devices. Completion is
// immediate (the returned Event is already resolved).
func (e *executable) Execute(args [][]backends.Buffer, devices []backends.Device) ([][]backends.Buffer, backends.Event, error) {
	if e.deleted {
		return nil, nil, errors.New("hostmem executable already deleted")
	}
	if e.client.finalized {
		return nil, nil, errors.New("hostmem client already finalized")
	}
	if len(devices) == 0 {
		return nil, nil, errors.New("hostmem execute requires at least one device")
	}
	if len(args) != len(devices) {
		return nil, nil, errors.Errorf("hostmem execute got arguments for %d devices, expected %d",
			len(args), len(devices))
	}
	if len(e.sig.results) > len(e.sig.params) {
		return nil, nil, errors.Errorf(
			"hostmem executes identity programs only: %d results cannot mirror %d parameters",
			len(e.sig.results), len(e.sig.params))
	}
	owned := make([]*device, len(devices))
	for d, dev := range devices {
		var err error
		owned[d], err = e.client.ownDevice(dev)
		if err != nil {
			return nil, nil, err
		}
		if len(args[d]) != len(e.sig.params) {
			return nil, nil, errors.Errorf("device #%d got %d arguments, program takes %d",
				d, len(args[d]), len(e.sig.params))
		}
	}

	outputs := make([][]backends.Buffer, len(devices))
	for d := range outputs {
		outputs[d] = make([]backends.Buffer, len(e.sig.results))
	}
	shardings := e.OutputShardings()
	for i := range e.sig.results {
		replicate := e.opts.SPMD && shardings[i].Kind == backends.ShardingReplicated
		if replicate {
			full, err := e.assembleOutput(i, args, owned)
			if err != nil {
				return nil, nil, err
			}
			for d := range devices {
				outputs[d][i] = newBuffer(owned[d], e.sig.results[i], full)
			}
			continue
		}
		// Per-device passthrough.
		for d := range devices {
			in, ok := args[d][i].(*buffer)
			if !ok {
				return nil, nil, errors.Errorf("argument #%d on device #%d is not a hostmem buffer", i, d)
			}
			data, err := in.bytes()
			if err != nil {
				return nil, nil, err
			}
			outputs[d][i] = newBuffer(owned[d], in.Shape(), data)
		}
	}
	return outputs, resolvedEvent{}, nil
}

// Delete releases the compiled program.
func (e *executable) Delete() error {
	e.deleted = true
	return nil
}

// assembleOutput builds the full logical value of output i from the per-device
// argument shards: tiles are concatenated along the sharded axis in device
// order, replicated parameters are taken from the first device.
func (e *executable) assembleOutput(i int, args [][]backends.Buffer, devices []*device) ([]byte, error) {
	param := e.sig.params[i]
	logical := param.shape
	tiles := make([][]byte, len(devices))
	for d := range devices {
		in, ok := args[d][i].(*buffer)
		if !ok {
			return nil, errors.Errorf("argument #%d on device #%d is not a hostmem buffer", i, d)
		}
		data, err := in.bytes()
		if err != nil {
			return nil, err
		}
		if param.shardedAxis < 0 {
			if !in.Shape().Equal(logical) {
				return nil, errors.Errorf("argument #%d on device #%d has shape %s, program declares %s",
					i, d, in.Shape(), logical)
			}
			return data, nil
		}
		wantShard := logical.Clone()
		if logical.Dimensions[param.shardedAxis]%len(devices) != 0 {
			return nil, errors.Errorf("shape %s axis %d does not split evenly over %d devices",
				logical, param.shardedAxis, len(devices))
		}
		wantShard.Dimensions[param.shardedAxis] /= len(devices)
		if !in.Shape().Equal(wantShard) {
			return nil, errors.Errorf("argument #%d on device #%d has shard shape %s, expected %s",
				i, d, in.Shape(), wantShard)
		}
		tiles[d] = data
	}
	return concatTiles(logical, param.shardedAxis, tiles), nil
}

// concatTiles lays equally-sized tiles into the full row-major array along
// axis, in tile order.
func concatTiles(logical shapes.Shape, axis int, tiles [][]byte) []byte {
	elemSize := logical.DType.Size()
	inner := elemSize
	for _, dim := range logical.Dimensions[axis+1:] {
		inner *= dim
	}
	outer := 1
	for _, dim := range logical.Dimensions[:axis] {
		outer *= dim
	}
	fullAxis := logical.Dimensions[axis]
	tileAxis := fullAxis / len(tiles)

	full := make([]byte, byteSize(logical))
	for t, tile := range tiles {
		for o := 0; o < outer; o++ {
			src := tile[o*tileAxis*inner : (o+1)*tileAxis*inner]
			dstOff := (o*fullAxis + t*tileAxis) * inner
			copy(full[dstOff:dstOff+len(src)], src)
		}
	}
	return full
}
