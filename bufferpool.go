package hwenc

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

const (
	// encodeOutParamsSize is the size of the status header the encoder
	// writes in front of the bitstream in an output buffer.
	encodeOutParamsSize = 256
	// mvDataSize is the size of one macroblock's motion vector record.
	mvDataSize = 24
)

// OutputBufferSize returns the byte size of one output buffer for a frame of
// the given size and input format.
func OutputBufferSize(width, height int, format BufferFormat, motionEstimationOnly bool) int {
	var size int
	if motionEstimationOnly {
		mbW := (width + 15) >> 4
		mbH := (height + 15) >> 4
		size = mbW * mbH * mvDataSize
	} else {
		size = frameSize(width, height, format)*2 + encodeOutParamsSize
	}
	return alignUp(size, 4)
}

// frameSize returns the byte size of one raw picture in format.
func frameSize(width, height int, format BufferFormat) int {
	switch format {
	case BufferFormatNV12:
		return width*height + 2*((width+1)/2)*((height+1)/2)
	case BufferFormatU8:
		return width * height
	default:
		return width * height * 4
	}
}

func alignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

type poolSlot struct {
	res      uintptr
	reg      RegisteredPtr
	mapped   MappedPtr
	isMapped bool
}

// BufferPool is a fixed ring of device buffers registered with one encoder
// session. Buffers are allocated and registered once; each encode cycle maps
// and unmaps one slot.
type BufferPool struct {
	driver  EncoderDriver
	session SessionHandle
	desc    ResourceDesc
	slots   []poolSlot
}

// NewBufferPool allocates and registers n buffers described by desc. On
// failure everything acquired so far is released.
func NewBufferPool(driver EncoderDriver, h SessionHandle, desc ResourceDesc, n int) (*BufferPool, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: pool size %d", ErrInvalidParameter, n)
	}
	p := &BufferPool{
		driver:  driver,
		session: h,
		desc:    desc,
		slots:   make([]poolSlot, 0, n),
	}
	for i := 0; i < n; i++ {
		res, err := driver.AllocateResource(h, desc)
		if err != nil {
			p.Release()
			return nil, fmt.Errorf("%w: allocate %s buffer %d: %v", ErrDevice, desc.Usage, i, err)
		}
		reg, err := driver.RegisterResource(h, res, desc)
		if err != nil {
			_ = driver.FreeResource(h, res)
			p.Release()
			return nil, fmt.Errorf("%w: register %s buffer %d: %v", ErrDevice, desc.Usage, i, err)
		}
		p.slots = append(p.slots, poolSlot{res: res, reg: reg})
	}
	return p, nil
}

// Len returns the number of slots.
func (p *BufferPool) Len() int { return len(p.slots) }

// Desc returns the descriptor the buffers were created with.
func (p *BufferPool) Desc() ResourceDesc { return p.desc }

// Resource returns the raw buffer of slot i.
func (p *BufferPool) Resource(i int) uintptr { return p.slots[i].res }

// Map maps slot i for the next encode call. Mapping a slot that is still
// mapped returns ErrResourceState.
func (p *BufferPool) Map(i int) (MappedPtr, error) {
	s := &p.slots[i]
	if s.isMapped {
		return 0, fmt.Errorf("%w: %s slot %d already mapped", ErrResourceState, p.desc.Usage, i)
	}
	m, err := p.driver.MapResource(p.session, s.reg)
	if err != nil {
		return 0, fmt.Errorf("%w: map %s slot %d: %v", ErrDevice, p.desc.Usage, i, err)
	}
	s.mapped = m
	s.isMapped = true
	return m, nil
}

// Mapped returns the mapping of slot i, if any.
func (p *BufferPool) Mapped(i int) (MappedPtr, bool) {
	s := p.slots[i]
	return s.mapped, s.isMapped
}

// Unmap unmaps slot i. Unmapping an idle slot is a no-op.
func (p *BufferPool) Unmap(i int) error {
	s := &p.slots[i]
	if !s.isMapped {
		return nil
	}
	m := s.mapped
	s.mapped = 0
	s.isMapped = false
	if err := p.driver.UnmapResource(p.session, m); err != nil {
		return fmt.Errorf("%w: unmap %s slot %d: %v", ErrDevice, p.desc.Usage, i, err)
	}
	return nil
}

// MappedCount returns how many slots are currently mapped.
func (p *BufferPool) MappedCount() int {
	n := 0
	for _, s := range p.slots {
		if s.isMapped {
			n++
		}
	}
	return n
}

// Release unmaps, unregisters and frees every slot. All failures are
// collected; the pool is empty afterwards regardless.
func (p *BufferPool) Release() error {
	var result *multierror.Error
	for i := range p.slots {
		if err := p.Unmap(i); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for i, s := range p.slots {
		if err := p.driver.UnregisterResource(p.session, s.reg); err != nil {
			result = multierror.Append(result, fmt.Errorf("unregister %s slot %d: %w", p.desc.Usage, i, err))
		}
		if err := p.driver.FreeResource(p.session, s.res); err != nil {
			result = multierror.Append(result, fmt.Errorf("free %s slot %d: %w", p.desc.Usage, i, err))
		}
	}
	p.slots = p.slots[:0]
	return result.ErrorOrNil()
}
