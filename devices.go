package meshclient

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gomlx/meshclient/backends"
	"github.com/pkg/errors"
)

// deviceRegistry maps between the runtime's device handles and the client's
// device strings.
//
// Runtime device identifiers are neither dense nor ordered, so the registry
// assigns each device a global ordinal: devices sorted by runtime identifier,
// ascending, numbered from 0. Device strings are "<PLATFORM>:<ordinal>" with
// the platform name upper-cased. The mapping is immutable after initialize.
type deviceRegistry struct {
	platform  string
	byOrdinal []backends.Device

	ordinalByID map[int]int
	byString    map[string]backends.Device
	stringByID  map[int]string

	local []string
	all   []string

	initialized bool
}

// initialize enumerates the backend devices and builds the ordinal and string
// tables. It must be called exactly once.
func (r *deviceRegistry) initialize(backend backends.Client) error {
	if r.initialized {
		return errors.WithMessagef(ErrPrecondition, "device registry already initialized")
	}
	devices := backend.Devices()
	if len(devices) == 0 {
		return errors.WithMessagef(ErrBackendFailure, "backend %q exposes no devices", backend.Platform())
	}
	r.platform = strings.ToUpper(backend.Platform())
	r.byOrdinal = append([]backends.Device{}, devices...)
	sort.Slice(r.byOrdinal, func(i, j int) bool {
		return r.byOrdinal[i].ID() < r.byOrdinal[j].ID()
	})

	r.ordinalByID = make(map[int]int, len(devices))
	r.byString = make(map[string]backends.Device, len(devices))
	r.stringByID = make(map[int]string, len(devices))
	for ordinal, dev := range r.byOrdinal {
		if _, found := r.ordinalByID[dev.ID()]; found {
			return errors.WithMessagef(ErrBackendFailure, "backend reports duplicate device id %d", dev.ID())
		}
		str := fmt.Sprintf("%s:%d", r.platform, ordinal)
		r.ordinalByID[dev.ID()] = ordinal
		r.byString[str] = dev
		r.stringByID[dev.ID()] = str
		r.all = append(r.all, str)
		if dev.IsAddressable() {
			r.local = append(r.local, str)
		}
	}
	r.initialized = true
	return nil
}

// deviceToString returns the device string of a runtime device handle.
func (r *deviceRegistry) deviceToString(dev backends.Device) (string, error) {
	str, found := r.stringByID[dev.ID()]
	if !found {
		return "", errors.WithMessagef(ErrUnknownDevice, "device id %d is not part of this client", dev.ID())
	}
	return str, nil
}

// stringToDevice resolves a device string to its runtime device handle. The
// virtual SPMD device has no runtime handle and resolves to an error.
func (r *deviceRegistry) stringToDevice(device string) (backends.Device, error) {
	dev, found := r.byString[device]
	if !found {
		return nil, errors.WithMessagef(ErrUnknownDevice, "%q", device)
	}
	return dev, nil
}

// globalOrdinal of a runtime device handle.
func (r *deviceRegistry) globalOrdinal(dev backends.Device) (int, error) {
	ordinal, found := r.ordinalByID[dev.ID()]
	if !found {
		return -1, errors.WithMessagef(ErrUnknownDevice, "device id %d is not part of this client", dev.ID())
	}
	return ordinal, nil
}

// localDevices returns the addressable device strings, in ordinal order.
func (r *deviceRegistry) localDevices() []string {
	return append([]string{}, r.local...)
}

// allDevices returns every device string of the topology, in ordinal order.
func (r *deviceRegistry) allDevices() []string {
	return append([]string{}, r.all...)
}
