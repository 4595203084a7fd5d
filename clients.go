package meshclient

import (
	"sync"

	"github.com/gomlx/meshclient/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Client is the mesh computation client. It owns the device registry, the
// operation tracker and the connection to the runtime backend.
//
// All public methods are safe for concurrent use, except where noted.
type Client struct {
	backend  backends.Client
	registry *deviceRegistry
	tracker  *operationTracker
	metrics  clientMetrics

	mu                 sync.Mutex
	coordinator        *Coordinator
	replicationDevices []string
	finalized          bool
}

// NewClient creates a Client from a backend configuration string formatted as
// "<backend_name>:<backend_configuration>" -- see backends.New. An empty
// string falls back to the MESHCLIENT_BACKEND environment variable.
func NewClient(config string) (*Client, error) {
	backend, err := backends.New(config)
	if err != nil {
		return nil, err
	}
	return NewClientForBackend(backend)
}

// NewClientForBackend creates a Client over an already-constructed backend.
// The Client takes ownership: Client.Finalize finalizes the backend.
func NewClientForBackend(backend backends.Client) (*Client, error) {
	c := &Client{
		backend:  backend,
		registry: &deviceRegistry{},
	}
	if err := c.registry.initialize(backend); err != nil {
		return nil, err
	}
	tracked := append(c.registry.localDevices(), SPMDDevice)
	c.tracker = newOperationTracker(tracked...)
	return c, nil
}

// Platform returns the upper-cased platform name used in device strings.
func (c *Client) Platform() string { return c.registry.platform }

// ProcessIndex of this process in the backend's topology.
func (c *Client) ProcessIndex() int { return c.backend.ProcessIndex() }

// DeviceToString returns the device string of a runtime device handle.
func (c *Client) DeviceToString(dev backends.Device) (string, error) {
	return c.registry.deviceToString(dev)
}

// StringToDevice resolves a device string to its runtime device handle.
// Returns ErrUnknownDevice for strings naming no device, including the
// virtual SPMD device.
func (c *Client) StringToDevice(device string) (backends.Device, error) {
	return c.registry.stringToDevice(device)
}

// LocalDevices returns the device strings addressable from this process, in
// global-ordinal order.
func (c *Client) LocalDevices() []string { return c.registry.localDevices() }

// AllDevices returns every device string of the topology, in global-ordinal
// order.
func (c *Client) AllDevices() []string { return c.registry.allDevices() }

// NumDevices in the topology.
func (c *Client) NumDevices() int { return len(c.registry.byOrdinal) }

// NumLocalDevices addressable from this process.
func (c *Client) NumLocalDevices() int { return len(c.registry.local) }

// DefaultDevice returns the device computations target by default. This
// client executes through SPMD, so it is the virtual SPMD device.
func (c *Client) DefaultDevice() string { return SPMDDevice }

// GetDeviceAttributes returns the runtime metadata of the named device.
func (c *Client) GetDeviceAttributes(device string) (map[string]any, error) {
	dev, err := c.registry.stringToDevice(device)
	if err != nil {
		return nil, err
	}
	return dev.Attributes(), nil
}

// SetReplicationDevices records the device strings data-parallel replication
// currently spans. Nil clears the set.
func (c *Client) SetReplicationDevices(devices []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replicationDevices = append([]string(nil), devices...)
}

// GetReplicationDevices returns the device strings recorded with
// SetReplicationDevices, or nil when none were set.
func (c *Client) GetReplicationDevices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.replicationDevices...)
}

// WaitDeviceOps blocks until the listed devices have no pending operations.
// An empty list waits on every tracked device, the SPMD device included.
func (c *Client) WaitDeviceOps(devices []string) {
	klog.V(1).Infof("WaitDeviceOps on %v", devices)
	c.tracker.waitForDevices(devices)
}

// Metrics returns a snapshot of the client's counters.
func (c *Client) Metrics() map[string]int64 {
	return c.metrics.snapshot()
}

// Finalize waits for pending device operations, shuts down the coordinator if
// one was initialized, and releases the backend. The Client is invalid
// afterwards.
func (c *Client) Finalize() error {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return errors.WithMessagef(ErrPrecondition, "client already finalized")
	}
	c.finalized = true
	coordinator := c.coordinator
	c.mu.Unlock()

	c.tracker.waitForDevices(nil)
	if coordinator != nil {
		if err := coordinator.Shutdown(); err != nil {
			klog.Errorf("failed to shut down coordinator: %+v", err)
		}
	}
	c.backend.Finalize()
	return nil
}
