// Package hostmem implements a meshclient backend whose "devices" are plain
// host-memory arenas.
//
// It exists to run the client's data-plumbing layer -- transfers, shard
// assembly, SPMD device assignment, the replication path -- without an
// accelerator runtime. Its compiler understands the identity-program subset
// the client synthesizes (see the package documentation of
// github.com/gomlx/meshclient): it parses the main function signature of the
// StableHLO text, including sdy sharding annotations, and executes by moving
// and reassembling the argument buffers. Programs with any other semantics
// fail to compile or execute.
//
// Device identifiers are configurable and may be sparse, which the tests use
// to exercise the client's global-ordinal mapping.
package hostmem

import (
	"strconv"
	"strings"

	"github.com/gomlx/meshclient/backends"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/pkg/errors"
)

// BackendName used with backends.Register.
const BackendName = "hostmem"

func init() {
	backends.Register(BackendName, func(config string) (backends.Client, error) {
		return New(config)
	})
}

// Client implements backends.Client over host memory.
type Client struct {
	platform  string
	devices   []*device
	finalized bool
}

var _ backends.Client = (*Client)(nil)

// device implements backends.Device.
type device struct {
	id int
}

func (d *device) ID() int             { return d.id }
func (d *device) ProcessIndex() int   { return 0 }
func (d *device) IsAddressable() bool { return true }

// Attributes of a hostmem device: just the runtime identifier.
func (d *device) Attributes() map[string]any {
	return map[string]any{"id": d.id}
}

// New creates a hostmem Client from a configuration string.
//
// The configuration is either empty (one device, platform "host"), a decimal
// device count, or "<platform>:<count>".
func New(config string) (*Client, error) {
	platform := "host"
	count := 1
	if config != "" {
		countStr := config
		if idx := strings.Index(config, ":"); idx != -1 {
			platform = config[:idx]
			countStr = config[idx+1:]
		}
		if countStr != "" {
			var err error
			count, err = strconv.Atoi(countStr)
			if err != nil || count <= 0 {
				return nil, errors.Errorf("invalid hostmem configuration %q: device count must be a positive integer", config)
			}
		}
	}
	ids := make([]int, count)
	for i := range ids {
		ids[i] = i
	}
	return NewWithDevices(platform, ids)
}

// NewWithDevices creates a hostmem Client with one device per entry of
// deviceIDs. The identifiers need not be dense nor sorted -- the client layer
// is expected to cope.
func NewWithDevices(platform string, deviceIDs []int) (*Client, error) {
	if len(deviceIDs) == 0 {
		return nil, errors.New("hostmem requires at least one device")
	}
	seen := make(map[int]bool, len(deviceIDs))
	c := &Client{platform: platform}
	for _, id := range deviceIDs {
		if seen[id] {
			return nil, errors.Errorf("duplicate hostmem device id %d", id)
		}
		seen[id] = true
		c.devices = append(c.devices, &device{id: id})
	}
	return c, nil
}

// Platform returns the configured platform name.
func (c *Client) Platform() string { return c.platform }

// ProcessIndex is always 0: hostmem is single-process.
func (c *Client) ProcessIndex() int { return 0 }

// Devices returns all devices. For hostmem, topology and addressability
// coincide.
func (c *Client) Devices() []backends.Device {
	devices := make([]backends.Device, len(c.devices))
	for i, d := range c.devices {
		devices[i] = d
	}
	return devices
}

// AddressableDevices returns the devices this process can issue work to --
// all of them, for hostmem.
func (c *Client) AddressableDevices() []backends.Device {
	return c.Devices()
}

// TransferToDevice copies data into a fresh buffer on device. The copy is
// synchronous, so done (the end of the borrow on data) is called before
// returning.
func (c *Client) TransferToDevice(data []byte, shape shapes.Shape, dev backends.Device, done func()) (backends.Buffer, error) {
	if c.finalized {
		return nil, errors.New("hostmem client already finalized")
	}
	d, err := c.ownDevice(dev)
	if err != nil {
		return nil, err
	}
	want := byteSize(shape)
	if len(data) != want {
		return nil, errors.Errorf("hostmem transfer of shape %s requires %d bytes, got %d",
			shape, want, len(data))
	}
	buf := newBuffer(d, shape, data)
	if done != nil {
		done()
	}
	return buf, nil
}

// Compile parses the program's main-function signature and returns an
// executable implementing identity semantics. See the package documentation
// for the supported subset.
func (c *Client) Compile(program []byte, options backends.CompileOptions) (backends.LoadedExecutable, error) {
	if c.finalized {
		return nil, errors.New("hostmem client already finalized")
	}
	sig, err := parseMainSignature(string(program))
	if err != nil {
		return nil, errors.WithMessagef(err, "hostmem failed to compile program")
	}
	if options.SPMD && options.NumPartitions > len(c.devices) {
		return nil, errors.Errorf("hostmem compile requested %d partitions but only %d devices exist",
			options.NumPartitions, len(c.devices))
	}
	return newExecutable(c, sig, options), nil
}

// Finalize releases the client. All buffers become invalid.
func (c *Client) Finalize() {
	c.finalized = true
	c.devices = nil
}

// ownDevice checks the device handle belongs to this client.
func (c *Client) ownDevice(dev backends.Device) (*device, error) {
	d, ok := dev.(*device)
	if !ok {
		return nil, errors.Errorf("device %T does not belong to the hostmem backend", dev)
	}
	for _, own := range c.devices {
		if own == d {
			return d, nil
		}
	}
	return nil, errors.Errorf("device id %d does not belong to this hostmem client", d.id)
}

// byteSize of a shape's flat row-major representation.
func byteSize(shape shapes.Shape) int {
	return shape.DType.SizeForDimensions(shape.Dimensions...)
}
