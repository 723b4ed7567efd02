// Core frame types carried between the transport and the hardware encoder.
package hwenc

// PixelFormat represents the layout of an inbound frame.
type PixelFormat int

const (
	PixelFormatRGBA32     PixelFormat = iota // Packed RGBA, 4 bytes per pixel
	PixelFormatBGRA32                        // Packed BGRA, 4 bytes per pixel
	PixelFormatARGB32                        // Packed ARGB, 4 bytes per pixel
	PixelFormatABGR32                        // Packed ABGR, 4 bytes per pixel
	PixelFormatCPUTexture                    // Host-memory texture, BGRA layout
	PixelFormatGPUTexture                    // Device texture handle, BGRA layout
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatRGBA32:
		return "RGBA32"
	case PixelFormatBGRA32:
		return "BGRA32"
	case PixelFormatARGB32:
		return "ARGB32"
	case PixelFormatABGR32:
		return "ABGR32"
	case PixelFormatCPUTexture:
		return "CPUTexture"
	case PixelFormatGPUTexture:
		return "GPUTexture"
	default:
		return "Unknown"
	}
}

// BytesPerPixel returns the packed pixel size. All supported formats are 32-bit.
func (p PixelFormat) BytesPerPixel() int {
	if p < PixelFormatRGBA32 || p > PixelFormatGPUTexture {
		return 0
	}
	return 4
}

// OnDevice reports whether frames of this format live in device memory.
func (p PixelFormat) OnDevice() bool {
	return p == PixelFormatGPUTexture
}

// FrameType is the per-frame hint passed to Encode and stamped on output.
type FrameType int

const (
	FrameTypeEmpty FrameType = iota // Nothing to encode
	FrameTypeKey                    // IDR, decodable on its own
	FrameTypeDelta                  // Predicted from previous frames
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeEmpty:
		return "Empty"
	case FrameTypeKey:
		return "Key"
	case FrameTypeDelta:
		return "Delta"
	default:
		return "Unknown"
	}
}

// VideoRotation is the clockwise rotation the receiver should apply.
type VideoRotation int

const (
	VideoRotation0   VideoRotation = 0
	VideoRotation90  VideoRotation = 90
	VideoRotation180 VideoRotation = 180
	VideoRotation270 VideoRotation = 270
)

// ColorSpace mirrors the H.273 code points carried alongside a frame.
type ColorSpace struct {
	Primaries uint8
	Transfer  uint8
	Matrix    uint8
	FullRange bool
}

// ContentType distinguishes camera-like content from screen capture.
type ContentType int

const (
	ContentTypeUnspecified ContentType = iota
	ContentTypeScreenshare
)

// FrameBuffer is the closed set of buffers a VideoFrame can carry:
// *I420Buffer, *I420ABuffer and *NativeBuffer.
type FrameBuffer interface {
	Width() int
	Height() int
	frameBuffer()
}

// I420Buffer is a planar YUV 4:2:0 buffer in host memory.
type I420Buffer struct {
	Y, U, V                   []byte
	StrideY, StrideU, StrideV int
	W, H                      int
}

// NewI420Buffer allocates a tightly packed I420 buffer.
func NewI420Buffer(width, height int) *I420Buffer {
	cw, ch := (width+1)/2, (height+1)/2
	return &I420Buffer{
		Y:       make([]byte, width*height),
		U:       make([]byte, cw*ch),
		V:       make([]byte, cw*ch),
		StrideY: width,
		StrideU: cw,
		StrideV: cw,
		W:       width,
		H:       height,
	}
}

func (b *I420Buffer) Width() int   { return b.W }
func (b *I420Buffer) Height() int  { return b.H }
func (b *I420Buffer) frameBuffer() {}

// I420ABuffer is an I420 buffer with an alpha plane.
type I420ABuffer struct {
	I420Buffer
	A       []byte
	StrideA int
}

func (b *I420ABuffer) frameBuffer() {}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	ySize := width * height
	uvSize := ((width + 1) / 2) * ((height + 1) / 2)
	return ySize + uvSize*2
}

// VideoFrame is one inbound frame plus its timing metadata.
type VideoFrame struct {
	Buffer       FrameBuffer
	Timestamp    uint32 // RTP timestamp, 90kHz
	NTPTimeMs    int64
	RenderTimeMs int64
	Rotation     VideoRotation
	ColorSpace   *ColorSpace
}

// Width returns the buffer width.
func (f *VideoFrame) Width() int { return f.Buffer.Width() }

// Height returns the buffer height.
func (f *VideoFrame) Height() int { return f.Buffer.Height() }

// EncodedImage is one compressed frame handed to the completion callback.
// Data aliases the encoder's output buffer and is valid only for the
// duration of the callback; use Clone to keep it.
type EncodedImage struct {
	Data          []byte
	EncodedWidth  int
	EncodedHeight int
	Timestamp     uint32 // RTP timestamp, 90kHz
	NTPTimeMs     int64
	CaptureTimeMs int64
	FrameType     FrameType
	Rotation      VideoRotation
	ColorSpace    *ColorSpace
	ContentType   ContentType
	SpatialIndex  int
	QP            int // -1 when unknown
	CompleteFrame bool
}

// IsKeyframe returns true if this is a keyframe.
func (img *EncodedImage) IsKeyframe() bool {
	return img.FrameType == FrameTypeKey
}

// Clone creates a deep copy of the encoded image.
func (img *EncodedImage) Clone() *EncodedImage {
	clone := *img
	if img.Data != nil {
		clone.Data = make([]byte, len(img.Data))
		copy(clone.Data, img.Data)
	}
	if img.ColorSpace != nil {
		cs := *img.ColorSpace
		clone.ColorSpace = &cs
	}
	return &clone
}

// CodecSpecificInfo carries per-codec hints for the packetizer.
type CodecSpecificInfo struct {
	Codec             VideoCodec
	PacketizationMode PacketizationMode
}
