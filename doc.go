// Package hwenc adapts a GPU hardware video encoder to a WebRTC-style
// pluggable encoder interface, with an in-memory simulated driver for
// hosts without a GPU.
//
// Key pieces include:
//   - NativeBuffer: a reference-counted frame wrapping a host or device
//     texture, with a one-shot completion notification
//   - EncoderSession: the driver session, its buffer pool and the
//     output-delay pipeline
//   - HardwareEncoder: the VideoEncoder contract (InitEncode, Encode,
//     SetRateAllocation, Release) on top of a session
//   - HardwareEncoderFactory, Host and VideoSender: SDP formats, pion
//     peer connections and the transport loop
//   - EncodedVideoTrack and RTMPSink: RTP and RTMP outputs for encoded
//     images
//
// # Architecture
//
//	Encode: NativeBuffer -> HardwareEncoder -> EncoderSession -> EncoderDriver
//	Output: EncodedImage -> EncodedVideoTrack (H264 RTP) -> pion RTPSender
//	                     -> RTMPSink (FLV AVC tags)
//	Control: RTCP PLI/FIR -> key frame request, GCC estimate -> SetRateAllocation
//
// # Native Libraries
//
// The NVENC provider loads libmedia_nvenc with purego (CGO_ENABLED=0). Set
// MEDIA_NVENC_LIB_PATH to the library itself or MEDIA_SDK_LIB_PATH to the
// directory containing it. When the library or a GPU is missing the
// provider is unavailable and ProviderAuto falls back to the simulated
// driver.
//
// # Build Tags
//
//   - nonvenc: build without the NVENC provider
//
// # Supported Codecs
//
// Video: H.264 constrained baseline and baseline, packetization modes 0
// and 1.
package hwenc
