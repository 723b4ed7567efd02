package hwenc

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// SenderState represents the state of a VideoSender.
type SenderState int32

const (
	SenderStateRunning SenderState = iota
	SenderStateClosed
)

func (s SenderState) String() string {
	switch s {
	case SenderStateRunning:
		return "running"
	case SenderStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SenderStats provides sender metrics.
type SenderStats struct {
	FramesSent       uint64 // Frames passed to the encoder
	KeyFrameRequests uint64 // PLI/FIR received
	BitrateUpdates   uint64 // Rate changes applied from the estimator
	TargetBitrateBps int
	Encoder          EncoderStats
}

type videoSenderParams struct {
	pc        *webrtc.PeerConnection
	track     *EncodedVideoTrack
	encoder   VideoEncoder
	estimator cc.BandwidthEstimator
	settings  CodecSettings
	mtu       int
	log       logging.LeveledLogger
}

// VideoSender drives one VideoEncoder for one outgoing track. It is the
// transport side of the encoder: it serializes every encoder call, turns
// PLI/FIR into key frame requests and feeds the bandwidth estimate into
// SetRateAllocation.
type VideoSender struct {
	pc        *webrtc.PeerConnection
	rtpSender *webrtc.RTPSender
	track     *EncodedVideoTrack
	estimator cc.BandwidthEstimator
	log       logging.LeveledLogger

	// mu serializes encoder calls.
	mu        sync.Mutex
	encoder   VideoEncoder
	settings  CodecSettings
	targetBps int
	sinks     []EncodedImageCallback

	state       atomic.Int32
	keyFrameReq atomic.Bool
	nextFrameID atomic.Uint64
	startTime   time.Time

	framesSent       atomic.Uint64
	keyFrameRequests atomic.Uint64
	bitrateUpdates   atomic.Uint64

	wg sync.WaitGroup
}

func newVideoSender(p videoSenderParams) (*VideoSender, error) {
	s := &VideoSender{
		pc:        p.pc,
		track:     p.track,
		estimator: p.estimator,
		log:       p.log,
		encoder:   p.encoder,
		settings:  p.settings,
		targetBps: p.settings.StartBitrateKbps * 1000,
		startTime: time.Now(),
	}

	if err := s.encoder.RegisterEncodeCompleteCallback(EncodedImageCallbackFunc(s.onEncodedImage)); err != nil {
		return nil, err
	}
	if err := s.encoder.InitEncode(&s.settings, 1, p.mtu); err != nil {
		return nil, err
	}

	rtpSender, err := p.pc.AddTrack(p.track)
	if err != nil {
		_ = s.encoder.Release()
		return nil, err
	}
	s.rtpSender = rtpSender

	s.wg.Add(1)
	go s.readRTCP()

	if s.estimator != nil {
		s.estimator.OnTargetBitrateChange(func(bps int) {
			if err := s.SetTargetBitrate(bps); err != nil {
				s.log.Warnf("apply target bitrate %d: %v", bps, err)
			}
		})
	}

	s.log.Infof("sender %s: %dx%d @ %d fps, start %d kbps",
		p.track.ID(), p.settings.Width, p.settings.Height, p.settings.MaxFramerate, p.settings.StartBitrateKbps)
	return s, nil
}

// readRTCP consumes RTCP for the track until the sender stops.
func (s *VideoSender) readRTCP() {
	defer s.wg.Done()
	for {
		packets, _, err := s.rtpSender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && s.State() == SenderStateRunning {
				s.log.Debugf("rtcp reader stopped: %v", err)
			}
			return
		}
		s.handleRTCP(packets)
	}
}

func (s *VideoSender) handleRTCP(packets []rtcp.Packet) {
	for _, p := range packets {
		switch p.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			s.RequestKeyFrame()
		}
	}
}

// RequestKeyFrame makes the next sent frame a key frame.
func (s *VideoSender) RequestKeyFrame() {
	s.keyFrameRequests.Add(1)
	s.keyFrameReq.Store(true)
}

// SetTargetBitrate applies bps, clamped to the settings' bitrate range, at
// the current frame rate. Zero pauses the stream.
func (s *VideoSender) SetTargetBitrate(bps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bps > 0 {
		if lo := s.settings.MinBitrateKbps * 1000; bps < lo {
			bps = lo
		}
		if hi := s.settings.MaxBitrateKbps * 1000; hi > 0 && bps > hi {
			bps = hi
		}
	}
	if bps == s.targetBps {
		return nil
	}
	if err := s.encoder.SetRateAllocation(NewBitrateAllocation(bps), s.settings.MaxFramerate); err != nil {
		return err
	}
	s.targetBps = bps
	s.bitrateUpdates.Add(1)
	s.log.Debugf("target bitrate %d bps", bps)
	return nil
}

// NewFrame wraps src in a NativeBuffer tagged with this sender's track id
// and the next frame id.
func (s *VideoSender) NewFrame(format PixelFormat, width, height int, src Resource, events FrameEvents) (*NativeBuffer, error) {
	return NewNativeBuffer(s.track.ID(), s.nextFrameID.Add(1), format, width, height, src, events)
}

// SendFrame encodes buf captured at captureTime. The sender's reference to
// buf is released before returning.
func (s *VideoSender) SendFrame(buf *NativeBuffer, captureTime time.Time) error {
	defer buf.Release()
	if s.State() != SenderStateRunning {
		return fmt.Errorf("%w: sender is %s", ErrResourceState, s.State())
	}

	frame := &VideoFrame{
		Buffer:       buf,
		Timestamp:    rtpTimestamp(captureTime.Sub(s.startTime), VideoCodecH264.ClockRate()),
		NTPTimeMs:    captureTime.UnixMilli(),
		RenderTimeMs: captureTime.UnixMilli(),
	}
	frameTypes := []FrameType{FrameTypeDelta}
	if s.keyFrameReq.Swap(false) {
		frameTypes[0] = FrameTypeKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.encoder.Encode(frame, frameTypes); err != nil {
		if frameTypes[0] == FrameTypeKey {
			s.keyFrameReq.Store(true)
		}
		return err
	}
	s.framesSent.Add(1)
	return nil
}

// AddSink forwards every encoded image to cb in addition to the track.
func (s *VideoSender) AddSink(cb EncodedImageCallback) {
	s.mu.Lock()
	s.sinks = append(s.sinks, cb)
	s.mu.Unlock()
}

// onEncodedImage runs under mu from inside Encode.
func (s *VideoSender) onEncodedImage(img *EncodedImage, info *CodecSpecificInfo, frag *FragmentationHeader) error {
	var result *multierror.Error
	if err := s.track.OnEncodedImage(img, info, frag); err != nil {
		result = multierror.Append(result, fmt.Errorf("track: %w", err))
	}
	for _, sink := range s.sinks {
		if err := sink.OnEncodedImage(img, info, frag); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Track returns the sender's track.
func (s *VideoSender) Track() *EncodedVideoTrack { return s.track }

// Encoder returns the sender's encoder.
func (s *VideoSender) Encoder() VideoEncoder { return s.encoder }

// State returns the sender state.
func (s *VideoSender) State() SenderState { return SenderState(s.state.Load()) }

// Stats returns sender metrics.
func (s *VideoSender) Stats() SenderStats {
	s.mu.Lock()
	target := s.targetBps
	s.mu.Unlock()

	stats := SenderStats{
		FramesSent:       s.framesSent.Load(),
		KeyFrameRequests: s.keyFrameRequests.Load(),
		BitrateUpdates:   s.bitrateUpdates.Load(),
		TargetBitrateBps: target,
	}
	if hw, ok := s.encoder.(*HardwareEncoder); ok {
		stats.Encoder = hw.Stats()
	}
	return stats
}

// Close removes the track, releases the encoder and waits for the RTCP
// reader. It is idempotent.
func (s *VideoSender) Close() error {
	if !s.state.CompareAndSwap(int32(SenderStateRunning), int32(SenderStateClosed)) {
		return nil
	}

	var result *multierror.Error
	if err := s.pc.RemoveTrack(s.rtpSender); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		result = multierror.Append(result, err)
	}
	if err := s.rtpSender.Stop(); err != nil {
		result = multierror.Append(result, err)
	}

	s.mu.Lock()
	if err := s.encoder.Release(); err != nil {
		result = multierror.Append(result, err)
	}
	s.mu.Unlock()

	if err := s.track.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	s.wg.Wait()
	return result.ErrorOrNil()
}

// rtpTimestamp converts d to clockRate ticks, wrapping at 32 bits.
func rtpTimestamp(d time.Duration, clockRate uint32) uint32 {
	if d < 0 {
		d = 0
	}
	sec := uint64(d / time.Second)
	frac := uint64(d % time.Second)
	return uint32(sec*uint64(clockRate) + frac*uint64(clockRate)/uint64(time.Second))
}
