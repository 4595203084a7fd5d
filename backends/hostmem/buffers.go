package hostmem

import (
	"sync"

	"github.com/gomlx/meshclient/backends"
	"github.com/gomlx/stablehlo/types/shapes"
	"github.com/pkg/errors"
)

// buffer is a host-memory backends.Buffer. The contents are immutable after
// creation, so concurrent reads need no locking; the mutex only guards the
// deleted flag.
type buffer struct {
	device *device
	shape  shapes.Shape
	data   []byte

	mu      sync.Mutex
	deleted bool
}

var _ backends.Buffer = (*buffer)(nil)

// newBuffer copies data into a fresh buffer on dev.
func newBuffer(dev *device, shape shapes.Shape, data []byte) *buffer {
	owned := make([]byte, len(data))
	copy(owned, data)
	return &buffer{device: dev, shape: shape.Clone(), data: owned}
}

// Shape of the array held by the buffer.
func (b *buffer) Shape() shapes.Shape { return b.shape }

// Device holding the buffer.
func (b *buffer) Device() backends.Device { return b.device }

// ToHost copies the buffer contents into dst.
func (b *buffer) ToHost(dst []byte) error {
	b.mu.Lock()
	deleted := b.deleted
	b.mu.Unlock()
	if deleted {
		return errors.New("hostmem buffer already deleted")
	}
	if len(dst) != len(b.data) {
		return errors.Errorf("hostmem buffer of shape %s holds %d bytes, destination has %d",
			b.shape, len(b.data), len(dst))
	}
	copy(dst, b.data)
	return nil
}

// Delete releases the buffer storage. Deleting twice is a no-op.
func (b *buffer) Delete() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleted {
		return nil
	}
	b.deleted = true
	b.data = nil
	return nil
}

// bytes returns the raw storage for the executor. Fails if deleted.
func (b *buffer) bytes() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleted {
		return nil, errors.New("hostmem buffer already deleted")
	}
	return b.data, nil
}

// resolvedEvent is an already-completed backends.Event: hostmem executes
// synchronously, so dispatch and completion coincide.
type resolvedEvent struct {
	err error
}

var _ backends.Event = resolvedEvent{}

// Await returns immediately.
func (e resolvedEvent) Await() error { return e.err }
