package meshclient

import (
	"runtime"

	"github.com/gomlx/meshclient/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Executable is a compiled program ready to run on a fixed device set.
//
// All public attributes are read-only.
type Executable struct {
	client *Client
	exec   backends.LoadedExecutable

	deviceStrs []string
	devices    []backends.Device
	spmd       bool
	assignment [][]int
}

func newExecutable(client *Client, exec backends.LoadedExecutable, deviceStrs []string, devices []backends.Device, spmd bool, assignment [][]int) *Executable {
	e := &Executable{
		client:     client,
		exec:       exec,
		deviceStrs: deviceStrs,
		devices:    devices,
		spmd:       spmd,
		assignment: assignment,
	}
	runtime.SetFinalizer(e, func(e *Executable) { e.destroyOrLog() })
	return e
}

// Devices returns the device strings the program was compiled for.
func (e *Executable) Devices() []string {
	return append([]string{}, e.deviceStrs...)
}

// IsSPMD reports whether the program was compiled as a single partitioned
// program.
func (e *Executable) IsSPMD() bool { return e.spmd }

// NumOutputs of the program.
func (e *Executable) NumOutputs() int { return e.exec.NumOutputs() }

// DeviceAssignment returns a copy of the [replica][partition] →
// runtime-device-id matrix the program was compiled with.
func (e *Executable) DeviceAssignment() [][]int {
	assignment := make([][]int, len(e.assignment))
	for i, row := range e.assignment {
		assignment[i] = append([]int{}, row...)
	}
	return assignment
}

// OutputShardings returns one descriptor per output for SPMD programs, nil
// otherwise.
func (e *Executable) OutputShardings() []backends.Sharding {
	return e.exec.OutputShardings()
}

// Destroy the Executable, releasing the backend's compiled program. This is
// automatically called if the Executable is garbage collected.
func (e *Executable) Destroy() error {
	if e.exec == nil {
		return nil
	}
	exec := e.exec
	e.exec = nil
	runtime.SetFinalizer(e, nil)
	if err := exec.Delete(); err != nil {
		return errors.WithMessagef(ErrBackendFailure, "destroying executable: %v", err)
	}
	return nil
}

func (e *Executable) destroyOrLog() {
	if err := e.Destroy(); err != nil {
		klog.Errorf("failed to destroy executable: %+v", err)
	}
}

// ExecuteReplicated runs a compiled program across devices in one dispatch.
//
// Arguments are positional: args[p] is the p-th program parameter, a sharded
// value whose shards span the execution devices in order. devices defaults to
// the executable's compilation devices when empty.
//
// The returned values are owned by the SPMD device, one per program output,
// with the output shardings reported by the backend attached. Dispatch is
// asynchronous: the SPMD device stays busy (see Client.WaitDeviceOps) until
// the backend resolves the execution.
func (c *Client) ExecuteReplicated(e *Executable, args []*ShardedBuffer, devices []string) ([]*ShardedBuffer, error) {
	if e.exec == nil {
		return nil, errors.WithMessagef(ErrPrecondition, "executable already destroyed")
	}
	if !e.spmd {
		return nil, errors.WithMessagef(ErrPrecondition,
			"executable was not compiled SPMD, use Client.Compile().WithSPMD()")
	}
	deviceStrs := devices
	if len(deviceStrs) == 0 {
		deviceStrs = e.deviceStrs
	}
	deviceHandles := make([]backends.Device, len(deviceStrs))
	for i, str := range deviceStrs {
		dev, err := c.registry.stringToDevice(str)
		if err != nil {
			return nil, err
		}
		deviceHandles[i] = dev
	}

	// One row of single-device arguments per device.
	perDevice := make([][]backends.Buffer, len(deviceHandles))
	for d := range perDevice {
		perDevice[d] = make([]backends.Buffer, len(args))
	}
	for p, arg := range args {
		if arg == nil || !arg.HasValue() {
			return nil, errors.WithMessagef(ErrPrecondition, "argument #%d holds no data", p)
		}
		if len(arg.shards) != len(deviceHandles) {
			return nil, errors.WithMessagef(ErrPrecondition,
				"argument #%d has %d shards, execution spans %d devices", p, len(arg.shards), len(deviceHandles))
		}
		for d, shard := range arg.shards {
			perDevice[d][p] = shard
		}
	}

	c.tracker.recordPending(SPMDDevice)
	outputs, done, err := e.exec.Execute(perDevice, deviceHandles)
	if err != nil {
		c.tracker.recordComplete(SPMDDevice)
		return nil, errors.WithMessagef(ErrBackendFailure, "execution failed: %v", err)
	}
	go func() {
		if err := done.Await(); err != nil {
			klog.Errorf("replicated execution failed asynchronously: %+v", err)
		}
		c.tracker.recordComplete(SPMDDevice)
	}()

	shardings := e.exec.OutputShardings()
	numOutputs := e.exec.NumOutputs()
	if len(shardings) != numOutputs {
		return nil, errors.WithMessagef(ErrBackendFailure,
			"backend reported %d output shardings for %d outputs", len(shardings), numOutputs)
	}
	if len(outputs) != len(deviceHandles) {
		return nil, errors.WithMessagef(ErrBackendFailure,
			"backend returned outputs for %d devices, expected %d", len(outputs), len(deviceHandles))
	}

	results := make([]*ShardedBuffer, numOutputs)
	for i := 0; i < numOutputs; i++ {
		shards := make([]backends.Buffer, len(outputs))
		for d := range outputs {
			if len(outputs[d]) != numOutputs {
				return nil, errors.WithMessagef(ErrBackendFailure,
					"backend returned %d outputs on device #%d, expected %d", len(outputs[d]), d, numOutputs)
			}
			shards[d] = outputs[d][i]
		}
		sharding := shardings[i]
		logical, err := sharding.LogicalShape(shards[0].Shape())
		if err != nil {
			return nil, errors.WithMessagef(ErrBackendFailure, "output #%d: %v", i, err)
		}
		results[i] = newShardedBuffer(c, SPMDDevice, logical, &sharding, shards)
	}
	c.metrics.executions.Add(1)
	klog.V(1).Infof("executed replicated program over %d devices, %d outputs", len(deviceHandles), numOutputs)
	return results, nil
}

// ExecuteComputation runs a program on a single device. This client compiles
// and executes through SPMD only, so per-device execution is not provided.
func (c *Client) ExecuteComputation(e *Executable, args []*ShardedBuffer, device string) ([]*ShardedBuffer, error) {
	return nil, errors.WithMessagef(ErrUnsupported,
		"ExecuteComputation: single-device execution, use ExecuteReplicated")
}

// CopyToDevice moves a value to another device. Not provided: values move
// between devices through the SPMD execution path.
func (c *Client) CopyToDevice(buf *ShardedBuffer, device string) (*ShardedBuffer, error) {
	return nil, errors.WithMessagef(ErrUnsupported, "CopyToDevice")
}
