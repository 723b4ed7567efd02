package hwenc

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
)

// pendingFrame is the metadata of a submitted frame whose output has not
// been retrieved yet.
type pendingFrame struct {
	buffer       *NativeBuffer
	timestamp    uint32
	ntpTimeMs    int64
	renderTimeMs int64
	rotation     VideoRotation
	colorSpace   *ColorSpace
}

// HardwareEncoder adapts an EncoderDriver to the VideoEncoder contract. It
// accepts only NativeBuffer frames and creates its session lazily from the
// first frame's device and size.
//
// Calls must be serialized; only RequestKeyFrame and Stats may be called
// concurrently with the others.
type HardwareEncoder struct {
	driver        EncoderDriver
	defaultDevice Device
	sessionCfg    SessionConfig
	log           logging.LeveledLogger

	settings       CodecSettings
	initialized    bool
	maxPayloadSize int
	callback       EncodedImageCallback

	session   *EncoderSession
	converter *PixelConverter
	pending   map[uint64]pendingFrame

	encodedBuf []byte
	image      EncodedImage

	isSending bool
	// A key frame is pending while keyFrameRequests != keyFrameServed.
	keyFrameRequests atomic.Uint64
	keyFrameServed   atomic.Uint64
	targetBps        int

	statsMu sync.Mutex
	stats   EncoderStats
}

// NewHardwareEncoder creates an encoder on opts.Driver. Host-memory frames
// are encoded on opts.Device.
func NewHardwareEncoder(opts EncoderOptions) *HardwareEncoder {
	factory := opts.LoggerFactory
	if factory == nil {
		factory = opts.Session.LoggerFactory
	}
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	cfg := opts.Session
	if cfg.FrameIntervalP == 0 {
		cfg = DefaultSessionConfig()
	}
	cfg.LoggerFactory = factory

	return &HardwareEncoder{
		driver:        opts.Driver,
		defaultDevice: opts.Device,
		sessionCfg:    cfg,
		log:           factory.NewLogger("hwenc"),
		pending:       make(map[uint64]pendingFrame),
	}
}

// InitEncode validates settings and prepares the encoder. The session is
// created on the first encoded frame.
func (e *HardwareEncoder) InitEncode(settings *CodecSettings, numberOfCores int, maxPayloadSize int) error {
	if settings == nil || settings.Codec != VideoCodecH264 {
		return fmt.Errorf("%w: codec must be H264", ErrInvalidParameter)
	}
	if settings.MaxFramerate < 1 {
		return fmt.Errorf("%w: max framerate %d", ErrInvalidParameter, settings.MaxFramerate)
	}
	if settings.Width < 1 || settings.Height < 1 {
		return fmt.Errorf("%w: frame size %dx%d", ErrInvalidParameter, settings.Width, settings.Height)
	}

	if err := e.Release(); err != nil {
		return err
	}

	if n := settings.NumberOfSimulcastStreams(); n > 1 {
		return fmt.Errorf("%w: %d simulcast streams", ErrNotSupported, n)
	}
	if n := settings.TemporalLayers(); n > 1 {
		return fmt.Errorf("%w: %d temporal layers", ErrNotSupported, n)
	}
	if e.driver == nil {
		return fmt.Errorf("%w: no encoder driver", ErrUninitialized)
	}

	e.settings = *settings
	e.settings.SimulcastStreams = append([]SimulcastStream(nil), settings.SimulcastStreams...)
	e.maxPayloadSize = maxPayloadSize
	e.isSending = false
	e.clearKeyFrameRequests()

	width, height := settings.Width, settings.Height
	e.encodedBuf = make([]byte, 4*width*height)
	e.image = EncodedImage{
		EncodedWidth:  width,
		EncodedHeight: height,
		CompleteFrame: true,
		QP:            -1,
	}
	e.initialized = true

	e.log.Infof("init %dx%d @ %d fps, start %d kbps, max %d kbps, mode %s, %d cores",
		width, height, settings.MaxFramerate, settings.StartBitrateKbps,
		settings.MaxBitrateKbps, settings.Mode, numberOfCores)

	return e.SetRateAllocation(NewBitrateAllocation(settings.StartBitrateKbps*1000), settings.MaxFramerate)
}

// RegisterEncodeCompleteCallback sets the encoded frame sink.
func (e *HardwareEncoder) RegisterEncodeCompleteCallback(cb EncodedImageCallback) error {
	e.callback = cb
	return nil
}

// SetRateAllocation applies new rates. A zero total pauses encoding; the
// first non-zero allocation after a pause forces a key frame.
func (e *HardwareEncoder) SetRateAllocation(allocation BitrateAllocation, framerate int) error {
	if framerate < 1 {
		return fmt.Errorf("%w: framerate %d", ErrInvalidParameter, framerate)
	}
	if !e.initialized {
		return fmt.Errorf("%w: rate allocation before init", ErrUninitialized)
	}

	sum := allocation.SumBps()
	if sum == 0 {
		e.setStreamState(false)
		return nil
	}

	e.settings.MaxFramerate = framerate
	e.targetBps = sum
	e.setStreamState(true)

	if e.session != nil {
		return e.session.SetRates(sum, e.maxBitrateBps(), framerate)
	}
	return nil
}

func (e *HardwareEncoder) maxBitrateBps() int {
	maxBps := e.settings.MaxBitrateKbps * 1000
	if maxBps < e.targetBps {
		maxBps = e.targetBps
	}
	return maxBps
}

func (e *HardwareEncoder) setStreamState(sending bool) {
	if sending && !e.isSending {
		e.keyFrameRequests.Add(1)
	}
	if sending != e.isSending {
		e.log.Debugf("stream sending=%t", sending)
	}
	e.isSending = sending
}

// RequestKeyFrame makes the next encoded frame an IDR. It may be called
// from any goroutine, including while Encode runs.
func (e *HardwareEncoder) RequestKeyFrame() {
	e.keyFrameRequests.Add(1)
}

func (e *HardwareEncoder) clearKeyFrameRequests() {
	e.keyFrameServed.Store(e.keyFrameRequests.Load())
}

// Encode submits frame. The buffer must be a *NativeBuffer; other buffer
// kinds are a programming error and panic.
func (e *HardwareEncoder) Encode(frame *VideoFrame, frameTypes []FrameType) error {
	if !e.initialized || e.callback == nil {
		return fmt.Errorf("%w: encode before init or without callback", ErrUninitialized)
	}

	if frame == nil {
		return fmt.Errorf("%w: nil frame", ErrInvalidParameter)
	}
	buf, ok := frame.Buffer.(*NativeBuffer)
	if !ok {
		panic(fmt.Sprintf("hwenc: encoder accepts only native buffers, got %T", frame.Buffer))
	}

	requested := len(frameTypes) > 0 && frameTypes[0] == FrameTypeKey
	generation := e.keyFrameRequests.Load()
	sendKey := e.isSending && (generation != e.keyFrameServed.Load() || requested)

	if !e.isSending {
		e.statsMu.Lock()
		e.stats.FramesPaused++
		e.statsMu.Unlock()
		return nil
	}
	if len(frameTypes) > 0 && frameTypes[0] == FrameTypeEmpty {
		return nil
	}

	if err := e.ensureSession(buf); err != nil {
		return err
	}

	src := buf.Source()
	if host, ok := src.(HostResource); ok && needsSwizzle(buf.Format()) {
		converted, err := e.converter.Convert(host, buf.Format())
		if err != nil {
			return err
		}
		src = converted
	}

	index := e.session.Sent()
	buf.Retain()
	e.pending[index] = pendingFrame{
		buffer:       buf,
		timestamp:    frame.Timestamp,
		ntpTimeMs:    frame.NTPTimeMs,
		renderTimeMs: frame.RenderTimeMs,
		rotation:     frame.Rotation,
		colorSpace:   frame.ColorSpace,
	}

	packets, err := e.session.EncodeFrame(src, PictureOptions{ForceIDR: sendKey})
	if e.session.Sent() == index {
		delete(e.pending, index)
		buf.Release()
	}
	if err != nil {
		if errors.Is(err, ErrDevice) {
			e.log.Errorf("encode failed, releasing session: %v", err)
			e.releaseSession()
		}
		return err
	}
	if sendKey {
		// Requests made while the picture was submitted stay pending.
		e.keyFrameServed.Store(generation)
	}

	var deliverErr error
	for _, p := range packets {
		if err := e.deliver(p); err != nil && deliverErr == nil {
			deliverErr = err
		}
	}
	return deliverErr
}

// ensureSession creates the session for buf, recreating it when the frame
// size, input format or device changed.
func (e *HardwareEncoder) ensureSession(buf *NativeBuffer) error {
	width, height := buf.Width(), buf.Height()
	format := inputBufferFormat(buf.Format())
	dev := buf.Device()
	if dev == nil {
		dev = e.defaultDevice
	}
	if dev == nil {
		return fmt.Errorf("%w: no device for %s frame", ErrDevice, buf.Format())
	}

	if e.session != nil && e.session.State().live() {
		w, h := e.session.Size()
		if w == width && h == height && e.session.Format() == format &&
			e.session.Device().Handle() == dev.Handle() {
			return nil
		}
		e.log.Infof("input changed to %dx%d %s, recreating session", width, height, format)
		e.releaseSession()
	}

	cfg := e.sessionCfg
	cfg.BitrateBps = e.targetBps
	cfg.MaxBitrateBps = e.maxBitrateBps()
	cfg.FPS = e.settings.MaxFramerate

	session := NewEncoderSession(e.driver, cfg)
	if err := session.Create(dev, width, height, format); err != nil {
		e.log.Errorf("create session: %v", err)
		return err
	}
	e.session = session

	if needsSwizzle(buf.Format()) {
		if e.converter == nil {
			e.converter = NewPixelConverter(width, height)
		} else if cw, ch := e.converter.Size(); cw != width || ch != height {
			e.converter = NewPixelConverter(width, height)
		}
	}
	if need := 4 * width * height; len(e.encodedBuf) < need {
		e.encodedBuf = make([]byte, need)
	}
	e.image.EncodedWidth = width
	e.image.EncodedHeight = height

	e.statsMu.Lock()
	e.stats.SessionsCreated++
	e.statsMu.Unlock()
	return nil
}

// deliver hands one retrieved packet to the callback and finishes the frame
// it belongs to.
func (e *HardwareEncoder) deliver(p Packet) error {
	pf, ok := e.pending[p.Index]
	if !ok {
		e.log.Warnf("packet %d has no pending frame", p.Index)
		return nil
	}
	delete(e.pending, p.Index)
	defer pf.buffer.Release()
	pf.buffer.SetEncoded()

	if p.Empty() {
		e.statsMu.Lock()
		e.stats.FramesSkipped++
		e.statsMu.Unlock()
		return nil
	}
	if len(p.Data) > len(e.encodedBuf) {
		return fmt.Errorf("%w: packet of %d bytes, buffer %d", ErrBufferTooSmall, len(p.Data), len(e.encodedBuf))
	}

	n := copy(e.encodedBuf, p.Data)
	data := e.encodedBuf[:n]
	frag := NewFragmentationHeader(data)
	if frag.Len() == 0 {
		e.log.Warnf("packet %d has no NAL units", p.Index)
		return nil
	}

	img := &e.image
	img.Data = data
	img.Timestamp = pf.timestamp
	img.NTPTimeMs = pf.ntpTimeMs
	img.CaptureTimeMs = pf.renderTimeMs
	img.Rotation = pf.rotation
	img.ColorSpace = pf.colorSpace
	img.SpatialIndex = 0
	img.QP = -1
	img.ContentType = ContentTypeUnspecified
	if e.settings.Mode == VideoCodecModeScreensharing {
		img.ContentType = ContentTypeScreenshare
	}
	img.FrameType = FrameTypeDelta
	if p.KeyFrame {
		img.FrameType = FrameTypeKey
	}

	info := &CodecSpecificInfo{
		Codec:             VideoCodecH264,
		PacketizationMode: PacketizationNonInterleaved,
	}

	e.statsMu.Lock()
	e.stats.FramesEncoded++
	e.stats.BytesEncoded += uint64(n)
	if p.KeyFrame {
		e.stats.KeyframesEncoded++
	}
	e.statsMu.Unlock()

	if err := e.callback.OnEncodedImage(img, info, &frag); err != nil {
		e.log.Warnf("encoded image callback: %v", err)
	}
	return nil
}

// releaseSession destroys the session and releases frames still in flight.
func (e *HardwareEncoder) releaseSession() {
	if e.session != nil {
		e.session.Destroy()
		e.statsMu.Lock()
		e.stats.Reconfigures += e.session.Stats().Reconfigures
		e.statsMu.Unlock()
		e.session = nil
	}
	for idx, pf := range e.pending {
		pf.buffer.Release()
		delete(e.pending, idx)
	}
}

// Release tears down the session and buffers. It is idempotent.
func (e *HardwareEncoder) Release() error {
	e.releaseSession()
	e.converter = nil
	e.encodedBuf = nil
	e.isSending = false
	e.initialized = false
	e.clearKeyFrameRequests()
	return nil
}

// EncoderInfo reports the implementation to the transport.
func (e *HardwareEncoder) EncoderInfo() EncoderInfo {
	name := "unknown"
	if e.driver != nil {
		name = e.driver.Name()
	}
	return EncoderInfo{
		ImplementationName:    "HWENC_" + strings.ToUpper(name) + "_H264",
		SupportsNativeHandle:  true,
		IsHardwareAccelerated: true,
		HasInternalSource:     false,
		ScalingEnabled:        false,
	}
}

// Stats returns encoder counters.
func (e *HardwareEncoder) Stats() EncoderStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Session returns the live session, or nil before the first frame.
func (e *HardwareEncoder) Session() *EncoderSession { return e.session }

// Sending reports whether the stream is active.
func (e *HardwareEncoder) Sending() bool { return e.isSending }

var _ VideoEncoder = (*HardwareEncoder)(nil)
