// Package backends defines the interface a device runtime needs to implement to be
// driven by the meshclient computation client.
//
// The interface is deliberately narrow: device enumeration, host→device transfers,
// program compilation, and multi-device execution. Everything above it -- global
// ordinals, device strings, sharded buffers, the replication path -- lives in the
// root meshclient package and is runtime-agnostic.
//
// A backend registers itself with Register (usually from an init function), and
// clients are created with New, which picks the backend from the configuration
// string or the MESHCLIENT_BACKEND environment variable.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/pkg/errors"
)

// Client is the runtime connection: it owns the devices and is the factory for
// buffers and executables.
type Client interface {
	// Platform returns the short platform name of the runtime, e.g. "cpu" or "tpu".
	// The meshclient device strings upper-case it.
	Platform() string

	// ProcessIndex returns the index of this process in a multi-process setting.
	// Always 0 in single-process settings.
	ProcessIndex() int

	// Devices returns every device in the runtime's topology, including devices
	// addressable only from other processes.
	Devices() []Device

	// AddressableDevices returns the devices this process can issue work to.
	AddressableDevices() []Device

	// TransferToDevice issues an asynchronous host→device upload of data (flat,
	// row-major bytes of the given shape). The runtime takes a short-lived borrow
	// of data and calls done (if non-nil) once the bytes may be released or reused.
	TransferToDevice(data []byte, shape shapes.Shape, device Device, done func()) (Buffer, error)

	// Compile a serialized StableHLO program under the given options.
	Compile(program []byte, options CompileOptions) (LoadedExecutable, error)

	// Finalize releases all resources held by the runtime; the Client is invalid
	// afterwards.
	Finalize()
}

// Device is an opaque runtime device handle. Device identifiers are not
// guaranteed to be dense nor stable across processes -- the meshclient registry
// assigns its own dense ordinals on top of them.
type Device interface {
	// ID is the runtime-assigned device identifier.
	ID() int

	// ProcessIndex of the process that addresses this device.
	ProcessIndex() int

	// IsAddressable reports whether this process can issue work to the device.
	IsAddressable() bool

	// Attributes returns runtime-specific metadata of the device, e.g. chip
	// coordinates. May be empty, never nil.
	Attributes() map[string]any
}

// Buffer is a single-device on-device array.
type Buffer interface {
	// Shape of the array held by the buffer.
	Shape() shapes.Shape

	// Device holding the buffer.
	Device() Device

	// ToHost copies the buffer contents into dst (flat, row-major), blocking until
	// the device→host copy completes. dst must hold exactly the byte size of the
	// buffer's shape.
	ToHost(dst []byte) error

	// Delete releases the on-device storage. The buffer is invalid afterwards.
	// Deleting twice is a no-op.
	Delete() error
}

// Event is a completion handle for asynchronously dispatched device work.
type Event interface {
	// Await blocks the calling goroutine until the work completes, and returns
	// its error, if any.
	Await() error
}

// LoadedExecutable is a compiled program ready to run on a fixed device set.
type LoadedExecutable interface {
	// NumOutputs of the program.
	NumOutputs() int

	// OutputShardings returns one descriptor per output for SPMD-compiled
	// programs, or nil for replicated compilations.
	OutputShardings() []Sharding

	// Execute dispatches the program. args is indexed [device][parameter], with
	// devices in the same order as the devices argument; the returned outputs are
	// indexed [device][output]. Completion is asynchronous: outputs are valid
	// handles immediately, done resolves when every device finished.
	Execute(args [][]Buffer, devices []Device) (outputs [][]Buffer, done Event, err error)

	// Delete releases the compiled program.
	Delete() error
}

// CompileOptions selects the partitioning mode and device placement of a
// compilation.
type CompileOptions struct {
	// NumReplicas and NumPartitions of the compiled program. For SPMD programs
	// NumPartitions is the device count and NumReplicas is 1; for replicated
	// programs it is the other way around.
	NumReplicas   int
	NumPartitions int

	// SPMD enables single-program-multiple-data partitioning in the backend
	// compiler.
	SPMD bool

	// AllowShardingPropagationToOutput lets the compiler keep outputs partitioned
	// the way sharding propagation decides. When false (the default), outputs of
	// SPMD programs are fully replicated.
	AllowShardingPropagationToOutput bool

	// TupledParameters indicates the program takes its parameters wrapped in a
	// single tuple.
	TupledParameters bool

	// DeviceAssignment maps the (replica, partition) coordinate to a runtime
	// device identifier: DeviceAssignment[replica][partition] = Device.ID().
	DeviceAssignment [][]int
}

// Constructor builds a Client from a backend-specific configuration string
// (possibly empty).
type Constructor func(config string) (Client, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend constructor under the given name. Call it during package
// initialization. The first registered backend is the default.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// ConfigEnvVar is the environment variable consulted by New when no
// configuration is given. Format: "<backend_name>:<backend_configuration>".
const ConfigEnvVar = "MESHCLIENT_BACKEND"

// New creates a backend Client from a configuration string formatted as
// "<backend_name>:<backend_configuration>".
//
// An empty config falls back to the ConfigEnvVar environment variable, and
// failing that, to the first registered backend with an empty configuration.
func New(config string) (Client, error) {
	if config == "" {
		config = os.Getenv(ConfigEnvVar)
	}
	if len(registeredConstructors) == 0 {
		return nil, errors.Errorf("no registered meshclient backends -- import one, e.g. "+
			"github.com/gomlx/meshclient/backends/hostmem (config=%q)", config)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if config != "" {
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("backend %q not registered (configuration %q)", backendName, config)
	}
	return constructor(backendConfig)
}
