package meshclient

import (
	"github.com/gomlx/meshclient/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CompileConfig is created with Client.Compile, and is a "builder pattern" to
// configure a compilation call.
//
// At a minimum one has to set the program (CompileConfig.WithStableHLO).
// Once finished call CompileConfig.Done to trigger the compilation and get
// back an Executable or an error.
type CompileConfig struct {
	client *Client

	program          []byte
	devices          []string
	spmd             bool
	allowPropagation bool
	tupled           bool
}

// Compile returns a CompileConfig to configure and trigger a compilation.
//
// By default the program is compiled replicated (one replica per device) over
// every local device. Use CompileConfig.WithSPMD for partitioned programs.
func (c *Client) Compile() *CompileConfig {
	return &CompileConfig{client: c}
}

// WithStableHLO sets the program to compile, as serialized StableHLO (text or
// bytecode, whatever the backend accepts).
//
// It returns itself (CompileConfig) to allow cascading configuration calls.
func (cc *CompileConfig) WithStableHLO(program []byte) *CompileConfig {
	cc.program = program
	return cc
}

// OnDevices selects the devices the program will run on, by device string.
// The default is every local device.
//
// It returns itself (CompileConfig) to allow cascading configuration calls.
func (cc *CompileConfig) OnDevices(devices ...string) *CompileConfig {
	cc.devices = devices
	return cc
}

// WithSPMD compiles the program as a single partitioned program spanning the
// selected devices (one partition per device, one replica), instead of one
// replica per device.
//
// It returns itself (CompileConfig) to allow cascading configuration calls.
func (cc *CompileConfig) WithSPMD() *CompileConfig {
	cc.spmd = true
	return cc
}

// WithShardingPropagation lets the partitioner keep outputs sharded the way
// propagation decides. The default forces SPMD outputs to be fully
// replicated.
//
// It returns itself (CompileConfig) to allow cascading configuration calls.
func (cc *CompileConfig) WithShardingPropagation() *CompileConfig {
	cc.allowPropagation = true
	return cc
}

// WithTupledParameters declares that the program takes its parameters as a
// single tuple.
//
// It returns itself (CompileConfig) to allow cascading configuration calls.
func (cc *CompileConfig) WithTupledParameters() *CompileConfig {
	cc.tupled = true
	return cc
}

// Done triggers the compilation. On success it returns the Executable, ready
// for Client.ExecuteReplicated.
func (cc *CompileConfig) Done() (*Executable, error) {
	if cc.client == nil {
		return nil, errors.WithMessagef(ErrPrecondition,
			"CompileConfig already used, call Client.Compile() again")
	}
	c := cc.client
	cc.client = nil

	if len(cc.program) == 0 {
		return nil, errors.WithMessagef(ErrPrecondition,
			"no program given, use Client.Compile().WithStableHLO() before Done()")
	}
	deviceStrs := cc.devices
	if len(deviceStrs) == 0 {
		deviceStrs = c.LocalDevices()
	}
	devices := make([]backends.Device, len(deviceStrs))
	for i, str := range deviceStrs {
		dev, err := c.registry.stringToDevice(str)
		if err != nil {
			return nil, err
		}
		devices[i] = dev
	}

	assignment, err := c.deviceAssignment(devices, cc.spmd)
	if err != nil {
		return nil, err
	}
	options := backends.CompileOptions{
		SPMD:                             cc.spmd,
		AllowShardingPropagationToOutput: cc.allowPropagation,
		TupledParameters:                 cc.tupled,
		DeviceAssignment:                 assignment,
	}
	if cc.spmd {
		options.NumReplicas, options.NumPartitions = 1, len(devices)
	} else {
		options.NumReplicas, options.NumPartitions = len(devices), 1
	}

	klog.V(1).Infof("compiling program over %v (spmd=%v, propagation=%v)",
		deviceStrs, cc.spmd, cc.allowPropagation)
	exec, err := c.backend.Compile(cc.program, options)
	if err != nil {
		return nil, errors.WithMessagef(ErrBackendFailure, "compilation failed: %v", err)
	}
	c.metrics.compiles.Add(1)
	return newExecutable(c, exec, deviceStrs, devices, cc.spmd, assignment), nil
}

// deviceAssignment builds the [replica][partition] → runtime-device-id matrix
// for a compilation over devices.
//
// The coordinate of a device is its global ordinal: for SPMD programs the
// matrix is one row of partitions, assignment[0][ordinal] = id; for
// replicated programs it is one column of replicas, assignment[ordinal][0] =
// id.
func (c *Client) deviceAssignment(devices []backends.Device, spmd bool) ([][]int, error) {
	n := len(devices)
	var assignment [][]int
	if spmd {
		assignment = [][]int{make([]int, n)}
	} else {
		assignment = make([][]int, n)
		for i := range assignment {
			assignment[i] = make([]int, 1)
		}
	}
	for _, dev := range devices {
		ordinal, err := c.registry.globalOrdinal(dev)
		if err != nil {
			return nil, err
		}
		if ordinal >= n {
			return nil, errors.WithMessagef(ErrPrecondition,
				"device %d has global ordinal %d, out of range for a %d device compilation "+
					"(compilations must span the lowest-ordinal devices)", dev.ID(), ordinal, n)
		}
		if spmd {
			assignment[0][ordinal] = dev.ID()
		} else {
			assignment[ordinal][0] = dev.ID()
		}
	}
	return assignment, nil
}

// CompileInstance is one entry of a Client.CompileAll batch.
type CompileInstance struct {
	Program []byte
	Devices []string

	SPMD                bool
	ShardingPropagation bool
	TupledParameters    bool
}

// CompileResult pairs the outcome of one CompileInstance: exactly one of
// Executable and Err is set.
type CompileResult struct {
	Executable *Executable
	Err        error
}

// CompileAll compiles a batch of programs. Instances are independent: a
// failing instance reports its error in its CompileResult without affecting
// the others.
func (c *Client) CompileAll(instances []CompileInstance) []CompileResult {
	results := make([]CompileResult, len(instances))
	for i, instance := range instances {
		cc := c.Compile().WithStableHLO(instance.Program).OnDevices(instance.Devices...)
		if instance.SPMD {
			cc.WithSPMD()
		}
		if instance.ShardingPropagation {
			cc.WithShardingPropagation()
		}
		if instance.TupledParameters {
			cc.WithTupledParameters()
		}
		results[i].Executable, results[i].Err = cc.Done()
	}
	return results
}
