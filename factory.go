package hwenc

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// SDPVideoFormat is one codec entry a factory advertises in SDP.
type SDPVideoFormat struct {
	Name       string
	Parameters map[string]string
}

// FmtpLine renders the parameters as an a=fmtp value with stable key order.
func (f SDPVideoFormat) FmtpLine() string {
	keys := []string{"level-asymmetry-allowed", "packetization-mode", "profile-level-id"}
	var parts []string
	for _, k := range keys {
		if v, ok := f.Parameters[k]; ok {
			parts = append(parts, k+"="+v)
		}
	}
	return strings.Join(parts, ";")
}

// Capability converts the format to a pion codec capability.
func (f SDPVideoFormat) Capability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:     "video/" + f.Name,
		ClockRate:    VideoCodecH264.ClockRate(),
		SDPFmtpLine:  f.FmtpLine(),
		RTCPFeedback: videoRTCPFeedback(),
	}
}

func videoRTCPFeedback() []webrtc.RTCPFeedback {
	return []webrtc.RTCPFeedback{
		{Type: webrtc.TypeRTCPFBGoogREMB},
		{Type: webrtc.TypeRTCPFBTransportCC},
		{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
		{Type: webrtc.TypeRTCPFBNACK},
		{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
	}
}

// CodecInfo answers QueryVideoEncoder.
type CodecInfo struct {
	IsHardwareAccelerated bool
	HasInternalSource     bool
}

// HardwareEncoderFactory advertises H.264 formats and builds HardwareEncoders.
type HardwareEncoderFactory struct {
	provider Provider
	opts     EncoderOptions
	level    H264Level
}

// NewHardwareEncoderFactory creates a factory. ProviderAuto picks NVENC when
// its library loaded and the simulated driver otherwise.
func NewHardwareEncoderFactory(provider Provider, opts EncoderOptions) *HardwareEncoderFactory {
	return &HardwareEncoderFactory{
		provider: provider,
		opts:     opts,
		level:    H264Level3_1,
	}
}

// SupportedFormats lists constrained baseline and baseline at level 3.1, each
// with packetization mode 1 and 0.
func (f *HardwareEncoderFactory) SupportedFormats() []SDPVideoFormat {
	var formats []SDPVideoFormat
	for _, profile := range []H264Profile{H264ProfileConstrainedBaseline, H264ProfileBaseline} {
		for _, mode := range []PacketizationMode{PacketizationNonInterleaved, PacketizationSingleNAL} {
			formats = append(formats, SDPVideoFormat{
				Name: VideoCodecH264.String(),
				Parameters: map[string]string{
					"level-asymmetry-allowed": "1",
					"packetization-mode":      fmt.Sprint(int(mode)),
					"profile-level-id":        ProfileLevelID(profile, f.level),
				},
			})
		}
	}
	return formats
}

// QueryVideoEncoder reports how format would be encoded.
func (f *HardwareEncoderFactory) QueryVideoEncoder(format SDPVideoFormat) (CodecInfo, error) {
	if !strings.EqualFold(format.Name, VideoCodecH264.String()) {
		return CodecInfo{}, fmt.Errorf("%w: %s", ErrNotSupported, format.Name)
	}
	return CodecInfo{
		IsHardwareAccelerated: f.resolve().Features().Has(FeatureHardware),
		HasInternalSource:     false,
	}, nil
}

// CreateVideoEncoder builds an encoder for format through the registry.
func (f *HardwareEncoderFactory) CreateVideoEncoder(format SDPVideoFormat) (VideoEncoder, error) {
	if !strings.EqualFold(format.Name, VideoCodecH264.String()) {
		return nil, fmt.Errorf("%w: %s", ErrNotSupported, format.Name)
	}
	return NewVideoEncoder(VideoCodecH264, f.resolve(), f.opts)
}

func (f *HardwareEncoderFactory) resolve() Provider {
	if f.provider != ProviderAuto {
		return f.provider
	}
	if ProviderNVENC.Available() {
		return ProviderNVENC
	}
	return ProviderSimulated
}

// Provider returns the provider encoders are created from.
func (f *HardwareEncoderFactory) Provider() Provider { return f.resolve() }
