package hwenc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var simulatedDeviceIDs atomic.Uintptr

// SimulatedDevice is a Device for SimulatedDriver.
type SimulatedDevice struct {
	id uintptr
}

// NewSimulatedDevice returns a device with a unique handle.
func NewSimulatedDevice() *SimulatedDevice {
	return &SimulatedDevice{id: simulatedDeviceIDs.Add(1)}
}

func (d *SimulatedDevice) Handle() uintptr { return d.id }

// Parameter sets emitted in front of every simulated IDR picture.
var (
	simulatedSPS = []byte{0x67, 0x42, 0xe0, 0x1f, 0x8c, 0x8d, 0x40, 0x50, 0x1e, 0xd0, 0x0f, 0x08, 0x84, 0x6a}
	simulatedPPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

type simSession struct {
	device      Device
	params      InitializeParams
	initialized bool
	pictures    uint64
	idrPending  bool
	eos         bool
}

type simResource struct {
	session SessionHandle
	desc    ResourceDesc
	data    []byte
	written int
	key     bool
}

// SimulatedDriver is an in-memory EncoderDriver. It produces a well-formed
// H.264 Annex-B stream whose picture sizes follow the configured rate
// control, and it enforces the driver's map/unmap and lifetime rules.
type SimulatedDriver struct {
	mu sync.Mutex

	// Failure injection. A non-nil error is returned by the matching call.
	FailOpen        error
	FailInitialize  error
	FailReconfigure error
	FailEncode      error
	FailEOS         error

	// SkipEvery makes every Nth picture come out empty when > 0.
	SkipEvery int

	nextID     uintptr
	sessions   map[SessionHandle]*simSession
	resources  map[uintptr]*simResource
	registered map[RegisteredPtr]uintptr
	mapped     map[MappedPtr]RegisteredPtr
	mappedRegs map[RegisteredPtr]MappedPtr

	opened       int
	destroyed    int
	reconfigures []ReconfigureParams
	pictures     []PictureParams
	maxMapped    int
}

// NewSimulatedDriver creates an empty simulated driver.
func NewSimulatedDriver() *SimulatedDriver {
	return &SimulatedDriver{
		sessions:   make(map[SessionHandle]*simSession),
		resources:  make(map[uintptr]*simResource),
		registered: make(map[RegisteredPtr]uintptr),
		mapped:     make(map[MappedPtr]RegisteredPtr),
		mappedRegs: make(map[RegisteredPtr]MappedPtr),
	}
}

func (d *SimulatedDriver) Name() string { return "simulated" }

func (d *SimulatedDriver) id() uintptr {
	d.nextID++
	return d.nextID
}

func (d *SimulatedDriver) session(h SessionHandle) (*simSession, error) {
	s, ok := d.sessions[h]
	if !ok {
		return nil, fmt.Errorf("unknown session %d", h)
	}
	return s, nil
}

func (d *SimulatedDriver) OpenSession(dev Device) (SessionHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailOpen != nil {
		return 0, d.FailOpen
	}
	if dev == nil {
		return 0, errors.New("no device")
	}
	h := SessionHandle(d.id())
	d.sessions[h] = &simSession{device: dev}
	d.opened++
	return h, nil
}

func (d *SimulatedDriver) Initialize(h SessionHandle, p *InitializeParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.session(h)
	if err != nil {
		return err
	}
	if d.FailInitialize != nil {
		return d.FailInitialize
	}
	if s.initialized {
		return errors.New("session already initialized")
	}
	if p.Format != BufferFormatARGB && p.Format != BufferFormatABGR && p.Format != BufferFormatNV12 {
		return fmt.Errorf("unsupported input format %s", p.Format)
	}
	s.params = *p
	s.initialized = true
	s.idrPending = true
	return nil
}

func (d *SimulatedDriver) Reconfigure(h SessionHandle, p *ReconfigureParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.session(h)
	if err != nil {
		return err
	}
	if d.FailReconfigure != nil {
		return d.FailReconfigure
	}
	if p.Params.Width != s.params.Width || p.Params.Height != s.params.Height {
		return errors.New("reconfigure cannot change the frame size")
	}
	s.params = p.Params
	if p.ForceIDR {
		s.idrPending = true
	}
	d.reconfigures = append(d.reconfigures, *p)
	return nil
}

func (d *SimulatedDriver) DestroySession(h SessionHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.session(h); err != nil {
		return err
	}
	for reg := range d.registered {
		if d.resources[d.registered[reg]].session == h {
			return fmt.Errorf("session %d destroyed with registered resources", h)
		}
	}
	delete(d.sessions, h)
	d.destroyed++
	return nil
}

func (d *SimulatedDriver) AllocateResource(h SessionHandle, desc ResourceDesc) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.session(h); err != nil {
		return 0, err
	}
	size := desc.Size
	if desc.Usage == BufferUsageInputImage {
		size = frameSize(desc.Width, desc.Height, desc.Format)
	}
	if size <= 0 {
		return 0, fmt.Errorf("bad %s buffer size %d", desc.Usage, size)
	}
	res := d.id()
	d.resources[res] = &simResource{session: h, desc: desc, data: make([]byte, size)}
	return res, nil
}

func (d *SimulatedDriver) FreeResource(h SessionHandle, res uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.resources[res]; !ok {
		return fmt.Errorf("unknown resource %d", res)
	}
	for _, r := range d.registered {
		if r == res {
			return fmt.Errorf("resource %d freed while registered", res)
		}
	}
	delete(d.resources, res)
	return nil
}

func (d *SimulatedDriver) RegisterResource(h SessionHandle, res uintptr, desc ResourceDesc) (RegisteredPtr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.resources[res]; !ok {
		return 0, fmt.Errorf("unknown resource %d", res)
	}
	reg := RegisteredPtr(d.id())
	d.registered[reg] = res
	return reg, nil
}

func (d *SimulatedDriver) UnregisterResource(h SessionHandle, reg RegisteredPtr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.registered[reg]; !ok {
		return fmt.Errorf("unknown registration %d", reg)
	}
	if _, ok := d.mappedRegs[reg]; ok {
		return fmt.Errorf("registration %d unregistered while mapped", reg)
	}
	delete(d.registered, reg)
	return nil
}

func (d *SimulatedDriver) MapResource(h SessionHandle, reg RegisteredPtr) (MappedPtr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.registered[reg]; !ok {
		return 0, fmt.Errorf("unknown registration %d", reg)
	}
	if _, ok := d.mappedRegs[reg]; ok {
		return 0, fmt.Errorf("registration %d mapped twice", reg)
	}
	m := MappedPtr(d.id())
	d.mapped[m] = reg
	d.mappedRegs[reg] = m
	if len(d.mapped) > d.maxMapped {
		d.maxMapped = len(d.mapped)
	}
	return m, nil
}

func (d *SimulatedDriver) UnmapResource(h SessionHandle, m MappedPtr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.mapped[m]
	if !ok {
		return fmt.Errorf("unknown mapping %d", m)
	}
	delete(d.mapped, m)
	delete(d.mappedRegs, reg)
	return nil
}

func (d *SimulatedDriver) CopyToInput(h SessionHandle, dst uintptr, src Resource) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.session(h)
	if err != nil {
		return err
	}
	r, ok := d.resources[dst]
	if !ok || r.desc.Usage != BufferUsageInputImage {
		return fmt.Errorf("resource %d is not an input surface", dst)
	}
	switch src := src.(type) {
	case DeviceResource:
		if src.Device() == nil || src.Device().Handle() != s.device.Handle() {
			return errors.New("texture belongs to another device")
		}
		// Device copies carry no host-visible pixels; stamp the handle so
		// pictures differ per texture.
		for i := 0; i < 8 && i < len(r.data); i++ {
			r.data[i] = byte(src.Handle() >> (8 * i))
		}
	case HostResource:
		copy(r.data, src.Pixels())
	default:
		return errors.New("unsupported source resource")
	}
	return nil
}

func (d *SimulatedDriver) resourceFor(m MappedPtr) (*simResource, bool) {
	reg, ok := d.mapped[m]
	if !ok {
		return nil, false
	}
	r, ok := d.resources[d.registered[reg]]
	return r, ok
}

func (d *SimulatedDriver) EncodePicture(h SessionHandle, p *PictureParams) (EncodeStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.session(h)
	if err != nil {
		return 0, err
	}
	if !s.initialized {
		return 0, errors.New("session not initialized")
	}
	d.pictures = append(d.pictures, *p)

	if p.EndOfStream {
		if d.FailEOS != nil {
			return 0, d.FailEOS
		}
		s.eos = true
		return EncodeSuccess, nil
	}
	if d.FailEncode != nil {
		return 0, d.FailEncode
	}
	if s.eos {
		return 0, errors.New("picture after end of stream")
	}

	in, ok := d.resourceFor(p.Input)
	if !ok || in.desc.Usage != BufferUsageInputImage {
		return 0, errors.New("input surface not mapped")
	}
	out, ok := d.resourceFor(p.Output)
	if !ok || in.session != h || out.session != h {
		return 0, errors.New("output buffer not mapped")
	}

	s.pictures++
	key := p.ForceIDR || s.idrPending
	s.idrPending = false

	if d.SkipEvery > 0 && s.pictures%uint64(d.SkipEvery) == 0 && !key {
		out.written, out.key = 0, false
		return EncodeSuccess, nil
	}

	out.written = writeSimulatedPicture(out.data, s, in.data, key)
	out.key = key
	return EncodeSuccess, nil
}

// writeSimulatedPicture fills dst with one Annex-B access unit and returns its
// length. Payload bytes always have the high bit set so they never form a
// start code.
func writeSimulatedPicture(dst []byte, s *simSession, pixels []byte, key bool) int {
	fps := s.params.FrameRateNum
	if fps == 0 {
		fps = 30
	}
	size := int(s.params.RateControl.AverageBitrate / 8 / fps)
	if key {
		size *= 3
	}
	// Never larger than half the raw picture.
	if half := len(pixels) / 2; size > half {
		size = half
	}
	if size < 16 {
		size = 16
	}

	startCode := []byte{0, 0, 0, 1}
	var au []byte
	header := byte(0x41) // nal_ref_idc 2, non-IDR slice
	if key {
		au = append(au, startCode...)
		au = append(au, simulatedSPS...)
		au = append(au, startCode...)
		au = append(au, simulatedPPS...)
		header = 0x65 // nal_ref_idc 3, IDR slice
	}
	au = append(au, startCode...)
	au = append(au, header)

	var seed byte
	for i := 0; i < len(pixels) && i < 64; i++ {
		seed += pixels[i]
	}
	seed += byte(s.pictures)

	limit := len(dst) - len(au)
	if size > limit {
		size = limit
	}
	n := copy(dst, au)
	for i := 0; i < size; i++ {
		dst[n+i] = 0x80 | (seed+byte(i))&0x7f
	}
	return n + size
}

func (d *SimulatedDriver) ReadBitstream(h SessionHandle, m MappedPtr) (Bitstream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out, ok := d.resourceFor(m)
	if !ok || out.desc.Usage == BufferUsageInputImage {
		return Bitstream{}, errors.New("bitstream buffer not mapped")
	}
	data := make([]byte, out.written)
	copy(data, out.data[:out.written])
	bs := Bitstream{Data: data, KeyFrame: out.key && out.written > 0}
	out.written, out.key = 0, false
	return bs, nil
}

// SimulatedDriverStats is a snapshot of driver activity.
type SimulatedDriverStats struct {
	Opened       int
	Destroyed    int
	Live         int
	Resources    int
	Registered   int
	Mapped       int
	MaxMapped    int
	Reconfigures []ReconfigureParams
	Pictures     []PictureParams
}

// Stats returns a snapshot of driver activity.
func (d *SimulatedDriver) Stats() SimulatedDriverStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return SimulatedDriverStats{
		Opened:       d.opened,
		Destroyed:    d.destroyed,
		Live:         len(d.sessions),
		Resources:    len(d.resources),
		Registered:   len(d.registered),
		Mapped:       len(d.mapped),
		MaxMapped:    d.maxMapped,
		Reconfigures: append([]ReconfigureParams(nil), d.reconfigures...),
		Pictures:     append([]PictureParams(nil), d.pictures...),
	}
}

var _ EncoderDriver = (*SimulatedDriver)(nil)
