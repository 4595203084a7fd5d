// Package meshclient is a client for executing StableHLO programs across a
// mesh of accelerator devices, with the data plumbing that multi-device
// execution needs: device naming, sharded device buffers, host transfers,
// SPMD and replicated compilation, and replication of sharded values back
// into full arrays.
//
// A Client sits on top of a runtime backend (see the backends sub-package):
//
//	client, err := meshclient.NewClient("hostmem:cpu:4")
//	...
//	buffers, err := client.TransferToServer([]meshclient.TensorSource{...})
//	exec, err := client.Compile().WithStableHLO(program).WithSPMD().Done()
//	results, err := client.ExecuteReplicated(exec, buffers, client.LocalDevices())
//
// Devices are named "<PLATFORM>:<ordinal>", where ordinals are dense and
// assigned by sorting the runtime's device identifiers. Computations compiled
// under SPMD span every local device and their results live on the virtual
// SPMD device (see SPMDDevice).
package meshclient

// SPMDDevice is the virtual device owning values that span every local
// device, such as the outputs of ExecuteReplicated. It is always valid as a
// device string, alongside the per-device "<PLATFORM>:<ordinal>" names.
const SPMDDevice = "SPMD:0"
