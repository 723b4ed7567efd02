package hwenc

import "fmt"

// VideoCodec identifies the video codec type.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecVP8
	VideoCodecVP9
	VideoCodecH264
	VideoCodecAV1
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecVP8:
		return "VP8"
	case VideoCodecVP9:
		return "VP9"
	case VideoCodecH264:
		return "H264"
	case VideoCodecAV1:
		return "AV1"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecVP8:
		return "video/VP8"
	case VideoCodecVP9:
		return "video/VP9"
	case VideoCodecH264:
		return "video/H264"
	case VideoCodecAV1:
		return "video/AV1"
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c VideoCodec) ClockRate() uint32 {
	return 90000
}

// DefaultPayloadType returns a typical payload type for this codec.
// The negotiated payload type always wins.
func (c VideoCodec) DefaultPayloadType() uint8 {
	switch c {
	case VideoCodecVP8:
		return 96
	case VideoCodecVP9:
		return 98
	case VideoCodecH264:
		return 102
	case VideoCodecAV1:
		return 35
	default:
		return 96
	}
}

// H264Profile defines the H.264 profiles advertised in SDP.
type H264Profile int

const (
	H264ProfileConstrainedBaseline H264Profile = iota
	H264ProfileBaseline
	H264ProfileMain
	H264ProfileHigh
)

func (p H264Profile) String() string {
	switch p {
	case H264ProfileConstrainedBaseline:
		return "ConstrainedBaseline"
	case H264ProfileBaseline:
		return "Baseline"
	case H264ProfileMain:
		return "Main"
	case H264ProfileHigh:
		return "High"
	default:
		return "Unknown"
	}
}

// profileIOP returns profile_idc and the constraint flags byte.
func (p H264Profile) profileIOP() (idc, iop byte) {
	switch p {
	case H264ProfileConstrainedBaseline:
		return 0x42, 0xe0
	case H264ProfileBaseline:
		return 0x42, 0x00
	case H264ProfileMain:
		return 0x4d, 0x00
	case H264ProfileHigh:
		return 0x64, 0x00
	default:
		return 0x42, 0xe0
	}
}

// H264Level is level_idc, e.g. 31 for level 3.1.
type H264Level byte

const (
	H264Level3_1 H264Level = 31
	H264Level4_0 H264Level = 40
	H264Level5_1 H264Level = 51
)

func (l H264Level) String() string {
	return fmt.Sprintf("%d.%d", l/10, l%10)
}

// ProfileLevelID formats the SDP profile-level-id parameter.
func ProfileLevelID(profile H264Profile, level H264Level) string {
	idc, iop := profile.profileIOP()
	return fmt.Sprintf("%02x%02x%02x", idc, iop, byte(level))
}

// PacketizationMode is the H.264 RTP packetization-mode parameter.
type PacketizationMode int

const (
	PacketizationSingleNAL      PacketizationMode = 0
	PacketizationNonInterleaved PacketizationMode = 1
)

func (m PacketizationMode) String() string {
	switch m {
	case PacketizationSingleNAL:
		return "SingleNalUnit"
	case PacketizationNonInterleaved:
		return "NonInterleaved"
	default:
		return "Unknown"
	}
}
