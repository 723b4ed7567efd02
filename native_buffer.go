package hwenc

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Resource is a reference-counted handle to frame pixels owned by the host.
type Resource interface {
	Handle() uintptr
	Retain()
	Release()
}

// DeviceResource is a texture living on an encoder-capable device.
type DeviceResource interface {
	Resource
	Device() Device
}

// HostResource is a packed 32-bit pixel buffer in host memory.
type HostResource interface {
	Resource
	Pixels() []byte
	Stride() int
}

// RefCount is an embeddable reference counter. free runs once when the
// count drops to zero.
type RefCount struct {
	refs atomic.Int32
	free func()
}

// Init sets the count to one and installs the free hook.
func (r *RefCount) Init(free func()) {
	r.free = free
	r.refs.Store(1)
}

// Retain adds a reference.
func (r *RefCount) Retain() { r.refs.Add(1) }

// Release drops a reference.
func (r *RefCount) Release() {
	if r.refs.Add(-1) == 0 && r.free != nil {
		r.free()
	}
}

// Refs returns the current count.
func (r *RefCount) Refs() int32 { return r.refs.Load() }

// HostTexture wraps a caller-owned pixel slice as a HostResource.
type HostTexture struct {
	RefCount
	pixels []byte
	stride int
}

// NewHostTexture creates a HostTexture holding one reference.
func NewHostTexture(pixels []byte, stride int, free func()) *HostTexture {
	t := &HostTexture{pixels: pixels, stride: stride}
	t.Init(free)
	return t
}

func (t *HostTexture) Pixels() []byte { return t.pixels }
func (t *HostTexture) Stride() int    { return t.stride }

// Handle returns the address of the first pixel, or 0 for an empty slice.
func (t *HostTexture) Handle() uintptr {
	if len(t.pixels) == 0 {
		return 0
	}
	return addrOf(t.pixels)
}

// DeviceTexture wraps a device texture handle as a DeviceResource.
type DeviceTexture struct {
	RefCount
	device Device
	handle uintptr
}

// NewDeviceTexture creates a DeviceTexture holding one reference.
func NewDeviceTexture(device Device, handle uintptr, free func()) *DeviceTexture {
	t := &DeviceTexture{device: device, handle: handle}
	t.Init(free)
	return t
}

func (t *DeviceTexture) Handle() uintptr { return t.handle }
func (t *DeviceTexture) Device() Device  { return t.device }

// FrameEvents receives the completion notification for native frames.
type FrameEvents interface {
	OnFrameProcessed(trackID string, frameID uint64, handle uintptr, encoded bool)
}

// FrameEventsFunc adapts a function to FrameEvents.
type FrameEventsFunc func(trackID string, frameID uint64, handle uintptr, encoded bool)

func (f FrameEventsFunc) OnFrameProcessed(trackID string, frameID uint64, handle uintptr, encoded bool) {
	f(trackID, frameID, handle, encoded)
}

// NativeBuffer is an opaque frame buffer referencing host or device pixels.
//
// Construction retains the source resource. When the last reference to the
// buffer is released, OnFrameProcessed fires exactly once and the source is
// released.
type NativeBuffer struct {
	trackID string
	frameID uint64
	format  PixelFormat
	width   int
	height  int
	source  Resource
	events  FrameEvents

	refs        atomic.Int32
	encoded     atomic.Bool
	createdAt   time.Time
	encodedAtNs atomic.Int64
}

// NewNativeBuffer wraps src. A GPU texture must be a DeviceResource and every
// other format a HostResource.
func NewNativeBuffer(trackID string, frameID uint64, format PixelFormat, width, height int, src Resource, events FrameEvents) (*NativeBuffer, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil source resource", ErrInvalidParameter)
	}
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("%w: frame size %dx%d", ErrInvalidParameter, width, height)
	}
	if format.BytesPerPixel() == 0 {
		return nil, fmt.Errorf("%w: pixel format %d", ErrInvalidParameter, format)
	}
	if format.OnDevice() {
		if _, ok := src.(DeviceResource); !ok {
			return nil, fmt.Errorf("%w: %s frame needs a device resource", ErrInvalidParameter, format)
		}
	} else {
		host, ok := src.(HostResource)
		if !ok {
			return nil, fmt.Errorf("%w: %s frame needs a host resource", ErrInvalidParameter, format)
		}
		if host.Stride() < width*4 || len(host.Pixels()) < host.Stride()*(height-1)+width*4 {
			return nil, fmt.Errorf("%w: %d bytes for %dx%d", ErrBufferTooSmall, len(host.Pixels()), width, height)
		}
	}

	src.Retain()
	b := &NativeBuffer{
		trackID:   trackID,
		frameID:   frameID,
		format:    format,
		width:     width,
		height:    height,
		source:    src,
		events:    events,
		createdAt: time.Now(),
	}
	b.refs.Store(1)
	return b, nil
}

func (b *NativeBuffer) Width() int          { return b.width }
func (b *NativeBuffer) Height() int         { return b.height }
func (b *NativeBuffer) Format() PixelFormat { return b.format }
func (b *NativeBuffer) TrackID() string     { return b.trackID }
func (b *NativeBuffer) FrameID() uint64     { return b.frameID }
func (b *NativeBuffer) Source() Resource    { return b.source }
func (b *NativeBuffer) frameBuffer()        {}

// Device returns the texture's device, or nil for host frames.
func (b *NativeBuffer) Device() Device {
	if dr, ok := b.source.(DeviceResource); ok {
		return dr.Device()
	}
	return nil
}

// Retain adds a reference to the buffer.
func (b *NativeBuffer) Retain() { b.refs.Add(1) }

// Release drops a reference. The final release notifies the event sink and
// releases the source resource.
func (b *NativeBuffer) Release() {
	n := b.refs.Add(-1)
	if n != 0 {
		return
	}
	if b.events != nil {
		b.events.OnFrameProcessed(b.trackID, b.frameID, b.source.Handle(), b.encoded.Load())
	}
	b.source.Release()
}

// SetEncoded marks the frame as consumed by the encoder.
func (b *NativeBuffer) SetEncoded() {
	if b.encoded.CompareAndSwap(false, true) {
		b.encodedAtNs.Store(time.Now().UnixNano())
	}
}

// Encoded reports whether SetEncoded was called.
func (b *NativeBuffer) Encoded() bool { return b.encoded.Load() }

// EncodeDelay is the time between construction and SetEncoded, or zero.
func (b *NativeBuffer) EncodeDelay() time.Duration {
	ns := b.encodedAtNs.Load()
	if ns == 0 {
		return 0
	}
	return time.Unix(0, ns).Sub(b.createdAt)
}
