package meshclient

import "github.com/gomlx/meshclient/backends"

// Sharding describes how a logical array is laid out over the device set.
// It is defined in the backends package so runtimes can report output
// shardings with the same vocabulary.
type Sharding = backends.Sharding

// ReplicatedSharding: every device holds a full copy of the array.
func ReplicatedSharding() *Sharding { return backends.Replicated() }

// TiledSharding: the array is split into count equal tiles along axis, one
// tile per device.
func TiledSharding(axis, count int) *Sharding { return backends.Tiled(axis, count) }

// SingleDeviceSharding: the array lives whole on one device.
func SingleDeviceSharding() *Sharding { return backends.SingleDevice() }
