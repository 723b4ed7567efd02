package hwenc

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// TrackState represents the state of a track.
type TrackState int

const (
	TrackStateLive  TrackState = iota // Track is bound or waiting to be bound
	TrackStateEnded                   // Track has ended
	TrackStateMuted                   // Track drops encoded images
)

func (s TrackState) String() string {
	switch s {
	case TrackStateLive:
		return "live"
	case TrackStateEnded:
		return "ended"
	case TrackStateMuted:
		return "muted"
	default:
		return "unknown"
	}
}

// trackBinding is one negotiated sender for the track.
type trackBinding struct {
	ctx        webrtc.TrackLocalContext
	packetizer *H264Packetizer
}

// EncodedVideoTrack is a webrtc.TrackLocal fed directly by an encoder's
// completion callback. Every binding gets its own packetizer using the
// negotiated SSRC and payload type, so each encoded image is packetized
// along the encoder's NAL unit boundaries.
type EncodedVideoTrack struct {
	id       string
	streamID string
	rid      string
	codec    webrtc.RTPCodecCapability
	mtu      int

	state atomic.Int32

	bindMu   sync.RWMutex
	bindings []*trackBinding

	packetsSent atomic.Uint64
	bytesSent   atomic.Uint64
}

// NewEncodedVideoTrack creates an H.264 track. A non-positive mtu selects
// DefaultMTU.
func NewEncodedVideoTrack(codec webrtc.RTPCodecCapability, id, streamID string, mtu int) *EncodedVideoTrack {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &EncodedVideoTrack{
		id:       id,
		streamID: streamID,
		codec:    codec,
		mtu:      mtu,
	}
}

func (t *EncodedVideoTrack) ID() string                { return t.id }
func (t *EncodedVideoTrack) StreamID() string          { return t.streamID }
func (t *EncodedVideoTrack) RID() string               { return t.rid }
func (t *EncodedVideoTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeVideo }

// Codec returns the codec capability.
func (t *EncodedVideoTrack) Codec() webrtc.RTPCodecCapability { return t.codec }

// State returns the track state.
func (t *EncodedVideoTrack) State() TrackState { return TrackState(t.state.Load()) }

// SetMuted mutes or unmutes an active track.
func (t *EncodedVideoTrack) SetMuted(muted bool) {
	if muted {
		t.state.CompareAndSwap(int32(TrackStateLive), int32(TrackStateMuted))
	} else {
		t.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateLive))
	}
}

// Bind implements webrtc.TrackLocal.
func (t *EncodedVideoTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	codec, ok := t.match(ctx.CodecParameters())
	if !ok {
		return webrtc.RTPCodecParameters{}, webrtc.ErrUnsupportedCodec
	}

	p := NewH264Packetizer(uint32(ctx.SSRC()), uint8(codec.PayloadType), t.mtu, packetizationModeOf(codec.SDPFmtpLine))
	for _, ext := range ctx.HeaderExtensions() {
		if ext.URI == VideoOrientationURI {
			p.SetVideoOrientationExtension(uint8(ext.ID))
		}
	}

	t.bindMu.Lock()
	t.bindings = append(t.bindings, &trackBinding{ctx: ctx, packetizer: p})
	t.bindMu.Unlock()
	return codec, nil
}

// match picks the negotiated codec for our mime type, preferring one whose
// packetization mode matches ours.
func (t *EncodedVideoTrack) match(params []webrtc.RTPCodecParameters) (webrtc.RTPCodecParameters, bool) {
	want := packetizationModeOf(t.codec.SDPFmtpLine)
	var fallback *webrtc.RTPCodecParameters
	for i, p := range params {
		if !strings.EqualFold(p.MimeType, t.codec.MimeType) {
			continue
		}
		if packetizationModeOf(p.SDPFmtpLine) == want {
			return p, true
		}
		if fallback == nil {
			fallback = &params[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return webrtc.RTPCodecParameters{}, false
}

// Unbind implements webrtc.TrackLocal.
func (t *EncodedVideoTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	t.bindMu.Lock()
	defer t.bindMu.Unlock()

	for i, b := range t.bindings {
		if b.ctx.ID() == ctx.ID() {
			t.bindings = append(t.bindings[:i], t.bindings[i+1:]...)
			break
		}
	}
	return nil
}

// OnEncodedImage implements EncodedImageCallback. It packetizes img for every
// binding and writes the packets before returning.
func (t *EncodedVideoTrack) OnEncodedImage(img *EncodedImage, info *CodecSpecificInfo, frag *FragmentationHeader) error {
	if t.State() != TrackStateLive {
		return nil
	}

	t.bindMu.RLock()
	defer t.bindMu.RUnlock()

	for _, b := range t.bindings {
		packets, err := b.packetizer.PacketizeImage(img, frag)
		if err != nil {
			return err
		}
		if err := t.write(b.ctx, packets); err != nil {
			return err
		}
	}
	return nil
}

func (t *EncodedVideoTrack) write(ctx webrtc.TrackLocalContext, packets []*rtp.Packet) error {
	w := ctx.WriteStream()
	for _, p := range packets {
		n, err := w.WriteRTP(&p.Header, p.Payload)
		if err != nil {
			return err
		}
		t.packetsSent.Add(1)
		t.bytesSent.Add(uint64(n))
	}
	return nil
}

// Bindings returns how many senders the track is bound to.
func (t *EncodedVideoTrack) Bindings() int {
	t.bindMu.RLock()
	defer t.bindMu.RUnlock()
	return len(t.bindings)
}

// PacketsSent returns the number of RTP packets written across all bindings.
func (t *EncodedVideoTrack) PacketsSent() uint64 { return t.packetsSent.Load() }

// BytesSent returns the number of RTP bytes written across all bindings.
func (t *EncodedVideoTrack) BytesSent() uint64 { return t.bytesSent.Load() }

// Close ends the track.
func (t *EncodedVideoTrack) Close() error {
	t.state.Store(int32(TrackStateEnded))
	return nil
}

// packetizationModeOf reads packetization-mode from an fmtp line. Absent
// means single NAL unit mode.
func packetizationModeOf(fmtp string) PacketizationMode {
	for _, param := range strings.Split(fmtp, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), "packetization-mode") && strings.TrimSpace(v) == "1" {
			return PacketizationNonInterleaved
		}
	}
	return PacketizationSingleNAL
}

var (
	_ webrtc.TrackLocal    = (*EncodedVideoTrack)(nil)
	_ EncodedImageCallback = (*EncodedVideoTrack)(nil)
)
