package meshclient

import (
	"sync"

	"k8s.io/klog/v2"
)

// operationTracker counts in-flight device operations per device string, so
// callers can barrier on device work without a handle to each operation.
//
// Devices are registered up-front (the client registers its local devices and
// the SPMD device); recording against an unregistered device registers it on
// the fly.
type operationTracker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending map[string]int
}

func newOperationTracker(devices ...string) *operationTracker {
	t := &operationTracker{pending: make(map[string]int, len(devices))}
	t.cond = sync.NewCond(&t.mu)
	for _, device := range devices {
		t.pending[device] = 0
	}
	return t
}

// recordPending notes the start of an operation on device.
func (t *operationTracker) recordPending(device string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[device]++
}

// recordComplete notes the completion of an operation on device, waking any
// waiters.
func (t *operationTracker) recordComplete(device string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[device] <= 0 {
		klog.Errorf("operation tracker: completion recorded on %q with no pending operation", device)
		return
	}
	t.pending[device]--
	if t.pending[device] == 0 {
		t.cond.Broadcast()
	}
}

// waitForDevices blocks until every listed device has no pending operations.
// An empty list waits on every tracked device.
func (t *operationTracker) waitForDevices(devices []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for !t.idleLocked(devices) {
		t.cond.Wait()
	}
}

func (t *operationTracker) idleLocked(devices []string) bool {
	if len(devices) == 0 {
		for _, n := range t.pending {
			if n > 0 {
				return false
			}
		}
		return true
	}
	for _, device := range devices {
		if t.pending[device] > 0 {
			return false
		}
	}
	return true
}
