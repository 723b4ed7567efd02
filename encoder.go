package hwenc

import (
	"fmt"
	"sync"

	"github.com/pion/logging"
)

// VideoCodecMode tells the encoder what kind of content it receives.
type VideoCodecMode int

const (
	VideoCodecModeRealtime VideoCodecMode = iota
	VideoCodecModeScreensharing
)

func (m VideoCodecMode) String() string {
	switch m {
	case VideoCodecModeRealtime:
		return "realtime"
	case VideoCodecModeScreensharing:
		return "screensharing"
	default:
		return "unknown"
	}
}

// SimulcastStream describes one simulcast layer.
type SimulcastStream struct {
	Width                  int
	Height                 int
	MaxFramerate           int
	NumberOfTemporalLayers int
	MaxBitrateKbps         int
	TargetBitrateKbps      int
	MinBitrateKbps         int
	Active                 bool
}

// CodecSettings is what the transport passes to InitEncode.
type CodecSettings struct {
	Codec  VideoCodec
	Width  int
	Height int

	StartBitrateKbps int
	MaxBitrateKbps   int
	MinBitrateKbps   int
	MaxFramerate     int

	Mode VideoCodecMode

	// SimulcastStreams is empty for a single-layer stream.
	SimulcastStreams []SimulcastStream

	H264Profile       H264Profile
	PacketizationMode PacketizationMode
}

// DefaultCodecSettings returns single-layer H.264 settings for the given size.
func DefaultCodecSettings(width, height int) CodecSettings {
	r := BitrateRangeFor(width, height, 30)
	return CodecSettings{
		Codec:             VideoCodecH264,
		Width:             width,
		Height:            height,
		StartBitrateKbps:  2000,
		MaxBitrateKbps:    r.MaxBps / 1000,
		MinBitrateKbps:    r.MinBps / 1000,
		MaxFramerate:      30,
		Mode:              VideoCodecModeRealtime,
		H264Profile:       H264ProfileConstrainedBaseline,
		PacketizationMode: PacketizationNonInterleaved,
	}
}

// NumberOfSimulcastStreams counts the active simulcast layers.
func (s *CodecSettings) NumberOfSimulcastStreams() int {
	n := 0
	for _, st := range s.SimulcastStreams {
		if st.Active {
			n++
		}
	}
	return n
}

// TemporalLayers returns the temporal layer count of the base stream.
func (s *CodecSettings) TemporalLayers() int {
	if len(s.SimulcastStreams) == 0 || s.SimulcastStreams[0].NumberOfTemporalLayers < 1 {
		return 1
	}
	return s.SimulcastStreams[0].NumberOfTemporalLayers
}

const (
	maxSpatialLayers  = 5
	maxTemporalLayers = 4
)

// BitrateAllocation is a per spatial/temporal layer bitrate in bits per second.
type BitrateAllocation struct {
	bps [maxSpatialLayers][maxTemporalLayers]int
}

// NewBitrateAllocation returns an allocation with everything on the base layer.
func NewBitrateAllocation(bps int) BitrateAllocation {
	var a BitrateAllocation
	a.SetBitrate(0, 0, bps)
	return a
}

// SetBitrate sets one layer. Out-of-range layers are ignored.
func (a *BitrateAllocation) SetBitrate(spatial, temporal, bps int) {
	if spatial < 0 || spatial >= maxSpatialLayers || temporal < 0 || temporal >= maxTemporalLayers {
		return
	}
	a.bps[spatial][temporal] = bps
}

// Bitrate returns one layer.
func (a *BitrateAllocation) Bitrate(spatial, temporal int) int {
	if spatial < 0 || spatial >= maxSpatialLayers || temporal < 0 || temporal >= maxTemporalLayers {
		return 0
	}
	return a.bps[spatial][temporal]
}

// SumBps returns the total across all layers.
func (a *BitrateAllocation) SumBps() int {
	sum := 0
	for _, layer := range a.bps {
		for _, bps := range layer {
			sum += bps
		}
	}
	return sum
}

// EncodedImageCallback receives encoded frames. img.Data is only valid for
// the duration of the call.
type EncodedImageCallback interface {
	OnEncodedImage(img *EncodedImage, info *CodecSpecificInfo, frag *FragmentationHeader) error
}

// EncodedImageCallbackFunc adapts a function to EncodedImageCallback.
type EncodedImageCallbackFunc func(img *EncodedImage, info *CodecSpecificInfo, frag *FragmentationHeader) error

func (f EncodedImageCallbackFunc) OnEncodedImage(img *EncodedImage, info *CodecSpecificInfo, frag *FragmentationHeader) error {
	return f(img, info, frag)
}

// EncoderInfo describes an encoder implementation to the transport.
type EncoderInfo struct {
	ImplementationName    string
	SupportsNativeHandle  bool
	IsHardwareAccelerated bool
	HasInternalSource     bool
	ScalingEnabled        bool
}

// EncoderStats provides encoding metrics.
type EncoderStats struct {
	FramesEncoded    uint64 // Frames delivered to the callback
	KeyframesEncoded uint64 // Key frames delivered to the callback
	BytesEncoded     uint64 // Total bytes of encoded data
	FramesSkipped    uint64 // Encoder produced no output
	FramesPaused     uint64 // Dropped because the stream is paused
	SessionsCreated  uint64
	Reconfigures     uint64
}

// VideoEncoder is the pluggable encoder contract the transport drives.
// Calls must be serialized by the caller.
type VideoEncoder interface {
	// InitEncode validates settings and prepares the encoder. It may be
	// called again after Release with different settings.
	InitEncode(settings *CodecSettings, numberOfCores int, maxPayloadSize int) error

	// RegisterEncodeCompleteCallback sets where encoded frames go.
	RegisterEncodeCompleteCallback(cb EncodedImageCallback) error

	// SetRateAllocation updates the target rates. A zero total pauses.
	SetRateAllocation(allocation BitrateAllocation, framerate int) error

	// Encode submits one frame. frameTypes[0] may request a key frame or
	// mark the frame as empty.
	Encode(frame *VideoFrame, frameTypes []FrameType) error

	// Release tears down the encoder. It is safe to call repeatedly.
	Release() error

	// EncoderInfo reports implementation capabilities.
	EncoderInfo() EncoderInfo
}

// EncoderOptions configures encoders built through the registry.
type EncoderOptions struct {
	Driver        EncoderDriver // nil = provider default
	Device        Device        // device for host-memory frames
	Session       SessionConfig
	LoggerFactory logging.LoggerFactory
}

// DefaultEncoderOptions returns options with the default session config.
func DefaultEncoderOptions() EncoderOptions {
	return EncoderOptions{Session: DefaultSessionConfig()}
}

// --- Registry ---

type videoEncoderFactory func(EncoderOptions) (VideoEncoder, error)

type encoderRegistry struct {
	mu sync.RWMutex

	// Provider-aware registry: codec -> provider -> factory
	videoProviders map[VideoCodec]map[Provider]videoEncoderFactory

	// Default provider per codec
	videoDefaults map[VideoCodec]Provider
}

var globalEncoderRegistry = &encoderRegistry{
	videoProviders: make(map[VideoCodec]map[Provider]videoEncoderFactory),
	videoDefaults:  make(map[VideoCodec]Provider),
}

// registerVideoEncoder registers a video encoder factory for a codec+provider.
func registerVideoEncoder(codec VideoCodec, provider Provider, factory videoEncoderFactory) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()

	if globalEncoderRegistry.videoProviders[codec] == nil {
		globalEncoderRegistry.videoProviders[codec] = make(map[Provider]videoEncoderFactory)
	}
	globalEncoderRegistry.videoProviders[codec][provider] = factory

	// Default: prefer hardware
	current, exists := globalEncoderRegistry.videoDefaults[codec]
	if !exists || provider.priority() > current.priority() {
		globalEncoderRegistry.videoDefaults[codec] = provider
	}
}

// SetDefaultVideoEncoderProvider sets the default provider for a video codec.
func SetDefaultVideoEncoderProvider(codec VideoCodec, provider Provider) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()
	globalEncoderRegistry.videoDefaults[codec] = provider
}

// NewVideoEncoder creates an encoder for codec from the given provider.
func NewVideoEncoder(codec VideoCodec, provider Provider, opts EncoderOptions) (VideoEncoder, error) {
	globalEncoderRegistry.mu.RLock()
	defer globalEncoderRegistry.mu.RUnlock()

	providers := globalEncoderRegistry.videoProviders[codec]
	if providers == nil {
		return nil, fmt.Errorf("%w: no providers for %s", ErrNotSupported, codec)
	}

	p := provider
	if p == ProviderAuto {
		p = globalEncoderRegistry.videoDefaults[codec]
	}

	factory, ok := providers[p]
	if !ok || !p.Available() {
		return nil, fmt.Errorf("%w: %s for %s", ErrProviderNotFound, p, codec)
	}

	return factory(opts)
}

// VideoEncoderProviders returns available providers for a video codec.
func VideoEncoderProviders(codec VideoCodec) []Provider {
	globalEncoderRegistry.mu.RLock()
	defer globalEncoderRegistry.mu.RUnlock()

	providers := globalEncoderRegistry.videoProviders[codec]
	result := make([]Provider, 0, len(providers))
	for p := range providers {
		if p.Available() {
			result = append(result, p)
		}
	}
	return result
}

func init() {
	registerVideoEncoder(VideoCodecH264, ProviderSimulated, func(opts EncoderOptions) (VideoEncoder, error) {
		if opts.Driver == nil {
			opts.Driver = NewSimulatedDriver()
		}
		if opts.Device == nil {
			opts.Device = NewSimulatedDevice()
		}
		return NewHardwareEncoder(opts), nil
	})
}
