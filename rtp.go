package hwenc

import "fmt"

const (
	// DefaultMTU is the RTP packet size limit used when none is given.
	DefaultMTU = 1200

	rtpHeaderSize = 12
)

// VideoOrientationURI identifies the CVO header extension.
const VideoOrientationURI = "urn:3gpp:video-orientation"

// VideoOrientation is the one-byte CVO (Coordination of Video Orientation)
// header extension payload.
type VideoOrientation struct {
	CameraBackFacing bool
	FlipHorizontal   bool
	Rotation         VideoRotation
}

// Marshal returns the extension payload bytes.
func (v VideoOrientation) Marshal() []byte {
	var val uint8
	if v.CameraBackFacing {
		val |= 0x08
	}
	if v.FlipHorizontal {
		val |= 0x04
	}
	switch v.Rotation {
	case VideoRotation90:
		val |= 0x01
	case VideoRotation180:
		val |= 0x02
	case VideoRotation270:
		val |= 0x03
	}
	return []byte{val}
}

// Unmarshal decodes the first byte of data.
func (v *VideoOrientation) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty video orientation extension", ErrInvalidParameter)
	}
	b := data[0]
	v.CameraBackFacing = b&0x08 != 0
	v.FlipHorizontal = b&0x04 != 0
	v.Rotation = VideoRotation(int(b&0x03) * 90)
	return nil
}
