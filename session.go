package hwenc

import (
	"fmt"

	"github.com/pion/logging"
)

// SessionState is the lifecycle state of an EncoderSession.
type SessionState int

const (
	SessionUninitialized SessionState = iota
	SessionCreated
	SessionEncoding
	SessionReconfiguring
	SessionFlushing
	SessionDestroyed
)

func (s SessionState) String() string {
	switch s {
	case SessionUninitialized:
		return "uninitialized"
	case SessionCreated:
		return "created"
	case SessionEncoding:
		return "encoding"
	case SessionReconfiguring:
		return "reconfiguring"
	case SessionFlushing:
		return "flushing"
	case SessionDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// live reports whether the session holds a driver instance.
func (s SessionState) live() bool {
	return s == SessionCreated || s == SessionEncoding || s == SessionReconfiguring || s == SessionFlushing
}

// SessionConfig configures an EncoderSession.
type SessionConfig struct {
	Preset        Preset
	BitrateBps    int
	MaxBitrateBps int
	FPS           int

	// Slot ring depth is FrameIntervalP + Lookahead + ExtraOutputDelay and
	// output is held back by one less than that.
	FrameIntervalP   int // 1 = IPPP, no B-frames
	Lookahead        int
	ExtraOutputDelay int

	MotionEstimationOnly bool

	RatePolicy    RatePolicy            // nil = FrameVBVPolicy
	LoggerFactory logging.LoggerFactory // nil = pion default factory
}

// DefaultSessionConfig returns the low-latency configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Preset:           PresetLowLatencyHQ,
		BitrateBps:       2_000_000,
		FPS:              30,
		FrameIntervalP:   1,
		Lookahead:        0,
		ExtraOutputDelay: 3,
		RatePolicy:       FrameVBVPolicy{},
	}
}

// PoolSize returns the number of input/output slots.
func (c SessionConfig) PoolSize() int {
	n := c.FrameIntervalP + c.Lookahead + c.ExtraOutputDelay
	if n < 1 {
		n = 1
	}
	return n
}

// OutputDelay returns how many submitted frames are held back before their
// output is retrieved.
func (c SessionConfig) OutputDelay() int {
	return c.PoolSize() - 1
}

// PictureOptions are per-frame encode flags.
type PictureOptions struct {
	ForceIDR bool
}

// Packet is the output of one submitted frame. Index is the frame's
// submission order within the session. Data is empty when the encoder
// skipped the frame.
type Packet struct {
	Index    uint64
	Data     []byte
	KeyFrame bool
}

// Empty reports whether the encoder skipped the frame.
func (p Packet) Empty() bool { return len(p.Data) == 0 }

// SessionStats counts session activity.
type SessionStats struct {
	FramesSubmitted  uint64
	PacketsRetrieved uint64
	Reconfigures     uint64
	FlushDropped     uint64
}

// EncoderSession owns one driver encoder instance bound to one device, one
// frame size and one input format. It is not safe for concurrent use.
type EncoderSession struct {
	driver EncoderDriver
	cfg    SessionConfig
	log    logging.LeveledLogger

	state  SessionState
	handle SessionHandle
	device Device
	width  int
	height int
	format BufferFormat
	params InitializeParams

	inputs  *BufferPool
	outputs *BufferPool

	sent     uint64
	received uint64

	// Rate requests made while live are applied at the next EncodeFrame.
	dirty      bool
	bitrate    int
	maxBitrate int
	fps        int

	stats SessionStats
}

// NewEncoderSession creates an uninitialized session.
func NewEncoderSession(driver EncoderDriver, cfg SessionConfig) *EncoderSession {
	if cfg.RatePolicy == nil {
		cfg.RatePolicy = FrameVBVPolicy{}
	}
	if cfg.FPS < 1 {
		cfg.FPS = 30
	}
	factory := cfg.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	return &EncoderSession{
		driver:     driver,
		cfg:        cfg,
		log:        factory.NewLogger("hwenc-session"),
		bitrate:    cfg.BitrateBps,
		maxBitrate: cfg.MaxBitrateBps,
		fps:        cfg.FPS,
	}
}

// Create opens the driver session and registers the slot buffers. It fails
// with ErrResourceState if the session is already live and with ErrDevice if
// the driver refuses.
func (s *EncoderSession) Create(dev Device, width, height int, format BufferFormat) error {
	if s.state.live() {
		return fmt.Errorf("%w: session already created", ErrResourceState)
	}
	if width < 1 || height < 1 {
		return fmt.Errorf("%w: frame size %dx%d", ErrInvalidParameter, width, height)
	}
	switch format {
	case BufferFormatARGB, BufferFormatABGR, BufferFormatNV12:
	default:
		return fmt.Errorf("%w: input format %s", ErrInvalidParameter, format)
	}

	h, err := s.driver.OpenSession(dev)
	if err != nil {
		return fmt.Errorf("%w: open %s session: %v", ErrDevice, s.driver.Name(), err)
	}

	s.width, s.height, s.format = width, height, format
	params := s.buildParams()
	if err := s.driver.Initialize(h, &params); err != nil {
		s.destroyHandle(h)
		return fmt.Errorf("%w: initialize %s session: %v", ErrDevice, s.driver.Name(), err)
	}

	n := s.cfg.PoolSize()
	inputs, err := NewBufferPool(s.driver, h, ResourceDesc{
		Usage:  BufferUsageInputImage,
		Format: format,
		Width:  width,
		Height: height,
	}, n)
	if err != nil {
		s.destroyHandle(h)
		return err
	}

	outUsage := BufferUsageOutputBitstream
	if s.cfg.MotionEstimationOnly {
		outUsage = BufferUsageOutputMotionVector
	}
	outputs, err := NewBufferPool(s.driver, h, ResourceDesc{
		Usage:  outUsage,
		Format: BufferFormatU8,
		Width:  width,
		Height: height,
		Size:   OutputBufferSize(width, height, format, s.cfg.MotionEstimationOnly),
	}, n)
	if err != nil {
		if rerr := inputs.Release(); rerr != nil {
			s.log.Warnf("releasing input pool after failed create: %v", rerr)
		}
		s.destroyHandle(h)
		return err
	}

	s.handle = h
	s.device = dev
	s.params = params
	s.inputs = inputs
	s.outputs = outputs
	s.sent, s.received = 0, 0
	// Creation already used the latest rates.
	s.dirty = false
	s.state = SessionCreated

	s.log.Infof("created %s session %dx%d %s, %d slots, output delay %d, %d bps @ %d fps",
		s.driver.Name(), width, height, format, n, s.cfg.OutputDelay(), s.bitrate, s.fps)
	return nil
}

func (s *EncoderSession) buildParams() InitializeParams {
	return InitializeParams{
		Width:                s.width,
		Height:               s.height,
		FrameRateNum:         uint32(s.fps),
		FrameRateDen:         1,
		Format:               s.format,
		Preset:               s.cfg.Preset,
		GOPLength:            GOPInfinite,
		FrameIntervalP:       s.cfg.FrameIntervalP,
		Lookahead:            s.cfg.Lookahead,
		MotionEstimationOnly: s.cfg.MotionEstimationOnly,
		RateControl: s.cfg.RatePolicy.RateControl(RateRequest{
			Width:         s.width,
			Height:        s.height,
			BitrateBps:    s.bitrate,
			MaxBitrateBps: s.maxBitrate,
			FPS:           s.fps,
		}),
	}
}

// SetBitrate requests a new target and peak bitrate.
func (s *EncoderSession) SetBitrate(bitrateBps, maxBitrateBps int) error {
	return s.SetRates(bitrateBps, maxBitrateBps, s.fps)
}

// SetFramerate requests a new frame rate.
func (s *EncoderSession) SetFramerate(fps int) error {
	return s.SetRates(s.bitrate, s.maxBitrate, fps)
}

// SetRates records new rates. A live session applies them at the start of
// the next EncodeFrame, so a burst of requests costs one reconfigure.
func (s *EncoderSession) SetRates(bitrateBps, maxBitrateBps, fps int) error {
	if fps < 1 {
		return fmt.Errorf("%w: framerate %d", ErrInvalidParameter, fps)
	}
	if bitrateBps < 0 || maxBitrateBps < 0 {
		return fmt.Errorf("%w: bitrate %d/%d", ErrInvalidParameter, bitrateBps, maxBitrateBps)
	}
	if bitrateBps == s.bitrate && maxBitrateBps == s.maxBitrate && fps == s.fps {
		return nil
	}
	s.bitrate, s.maxBitrate, s.fps = bitrateBps, maxBitrateBps, fps
	if s.state.live() {
		s.dirty = true
	}
	return nil
}

func (s *EncoderSession) reconfigure() error {
	s.state = SessionReconfiguring
	params := s.buildParams()
	err := s.driver.Reconfigure(s.handle, &ReconfigureParams{
		Params:       params,
		ResetEncoder: true,
		ForceIDR:     true,
	})
	s.state = SessionEncoding
	if err != nil {
		return fmt.Errorf("%w: reconfigure: %v", ErrDevice, err)
	}
	s.params = params
	s.dirty = false
	s.stats.Reconfigures++
	s.log.Debugf("reconfigured to %d bps @ %d fps, vbv %d",
		params.RateControl.AverageBitrate, params.FrameRateNum, params.RateControl.VBVBufferSize)
	return nil
}

// EncodeFrame copies src into the next input slot, submits it and returns
// every packet that has become retrievable, including empty ones. Output
// lags submission by OutputDelay frames, so early calls return no packets.
func (s *EncoderSession) EncodeFrame(src Resource, opts PictureOptions) ([]Packet, error) {
	if s.state != SessionCreated && s.state != SessionEncoding {
		return nil, fmt.Errorf("%w: encode in state %s", ErrResourceState, s.state)
	}
	if s.dirty {
		if err := s.reconfigure(); err != nil {
			return nil, err
		}
	}
	s.state = SessionEncoding

	n := uint64(s.inputs.Len())
	if s.sent-s.received >= n {
		return nil, fmt.Errorf("%w: %d frames in flight", ErrResourceState, s.sent-s.received)
	}
	slot := int(s.sent % n)

	if err := s.driver.CopyToInput(s.handle, s.inputs.Resource(slot), src); err != nil {
		return nil, fmt.Errorf("%w: copy to input slot %d: %v", ErrDevice, slot, err)
	}

	in, err := s.inputs.Map(slot)
	if err != nil {
		return nil, err
	}
	out, err := s.outputs.Map(slot)
	if err != nil {
		s.unmapSlot(slot)
		return nil, err
	}

	status, err := s.driver.EncodePicture(s.handle, &PictureParams{
		Input:      in,
		Output:     out,
		Width:      s.width,
		Height:     s.height,
		Format:     s.format,
		FrameIndex: s.sent,
		ForceIDR:   opts.ForceIDR,
	})
	if err != nil {
		s.unmapSlot(slot)
		return nil, fmt.Errorf("%w: encode picture %d: %v", ErrDevice, s.sent, err)
	}
	if status == EncodeNeedMoreInput {
		s.log.Tracef("picture %d queued, encoder needs more input", s.sent)
	}

	s.sent++
	s.stats.FramesSubmitted++
	return s.collect(true)
}

// collect retrieves finished slots in submission order. With delay set the
// newest OutputDelay frames stay in flight.
func (s *EncoderSession) collect(delay bool) ([]Packet, error) {
	end := s.sent
	if delay {
		d := uint64(s.cfg.OutputDelay())
		if end < d {
			end = 0
		} else {
			end -= d
		}
	}

	var packets []Packet
	n := uint64(s.outputs.Len())
	for s.received < end {
		slot := int(s.received % n)
		idx := s.received

		var bs Bitstream
		var readErr error
		if m, ok := s.outputs.Mapped(slot); ok {
			bs, readErr = s.driver.ReadBitstream(s.handle, m)
		}
		unmapErr := s.unmapSlot(slot)
		s.received++

		if readErr != nil {
			return packets, fmt.Errorf("%w: read bitstream %d: %v", ErrDevice, idx, readErr)
		}
		if unmapErr != nil {
			return packets, unmapErr
		}
		packets = append(packets, Packet{Index: idx, Data: bs.Data, KeyFrame: bs.KeyFrame})
		s.stats.PacketsRetrieved++
	}
	return packets, nil
}

func (s *EncoderSession) unmapSlot(slot int) error {
	errOut := s.outputs.Unmap(slot)
	errIn := s.inputs.Unmap(slot)
	if errOut != nil {
		return errOut
	}
	return errIn
}

// flush sends end-of-stream and drains every frame still in flight.
func (s *EncoderSession) flush() ([]Packet, error) {
	s.state = SessionFlushing
	if _, err := s.driver.EncodePicture(s.handle, &PictureParams{EndOfStream: true}); err != nil {
		return nil, fmt.Errorf("%w: end of stream: %v", ErrDevice, err)
	}
	return s.collect(false)
}

// Destroy flushes, releases the slot buffers and frees the driver session.
// Flushed output is dropped and teardown errors are logged, not returned.
// Calling Destroy on a session that is not live does nothing.
func (s *EncoderSession) Destroy() {
	if !s.state.live() {
		return
	}

	if !s.cfg.MotionEstimationOnly {
		packets, err := s.flush()
		if err != nil {
			s.log.Warnf("flush on destroy: %v", err)
		}
		dropped := 0
		for _, p := range packets {
			if !p.Empty() {
				dropped++
			}
		}
		if dropped > 0 {
			s.stats.FlushDropped += uint64(dropped)
			s.log.Debugf("dropped %d flushed packets", dropped)
		}
	}

	if err := s.outputs.Release(); err != nil {
		s.log.Warnf("releasing output pool: %v", err)
	}
	if err := s.inputs.Release(); err != nil {
		s.log.Warnf("releasing input pool: %v", err)
	}
	s.destroyHandle(s.handle)

	s.handle = 0
	s.device = nil
	s.inputs = nil
	s.outputs = nil
	s.dirty = false
	s.state = SessionDestroyed
	s.log.Debugf("destroyed session after %d frames", s.sent)
}

func (s *EncoderSession) destroyHandle(h SessionHandle) {
	if err := s.driver.DestroySession(h); err != nil {
		s.log.Warnf("destroying %s session: %v", s.driver.Name(), err)
	}
}

// State returns the lifecycle state.
func (s *EncoderSession) State() SessionState { return s.state }

// Size returns the frame size the session was created for.
func (s *EncoderSession) Size() (width, height int) { return s.width, s.height }

// Format returns the input surface format.
func (s *EncoderSession) Format() BufferFormat { return s.format }

// Device returns the device of a live session.
func (s *EncoderSession) Device() Device { return s.device }

// Params returns the configuration last applied to the driver.
func (s *EncoderSession) Params() InitializeParams { return s.params }

// ReconfigurePending reports whether rates changed since the last apply.
func (s *EncoderSession) ReconfigurePending() bool { return s.dirty }

// Sent returns how many frames were submitted since creation.
func (s *EncoderSession) Sent() uint64 { return s.sent }

// Received returns how many frames were retrieved since creation.
func (s *EncoderSession) Received() uint64 { return s.received }

// InFlight returns submitted frames whose output was not yet retrieved.
func (s *EncoderSession) InFlight() int { return int(s.sent - s.received) }

// Config returns the session configuration.
func (s *EncoderSession) Config() SessionConfig { return s.cfg }

// Stats returns session counters.
func (s *EncoderSession) Stats() SessionStats { return s.stats }

// MappedSlots returns how many input and output slots are mapped.
func (s *EncoderSession) MappedSlots() (inputs, outputs int) {
	if s.inputs == nil || s.outputs == nil {
		return 0, 0
	}
	return s.inputs.MappedCount(), s.outputs.MappedCount()
}
