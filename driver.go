package hwenc

// Device is the GPU context an encoder session is bound to.
type Device interface {
	Handle() uintptr
}

// SessionHandle identifies an open encoder session inside a driver.
type SessionHandle uintptr

// RegisteredPtr is a resource registered with an encoder session.
type RegisteredPtr uintptr

// MappedPtr is a registered resource mapped for one encode cycle.
type MappedPtr uintptr

// BufferFormat is the encoder-side surface layout. Names follow the vendor
// convention of listing components from the most significant bit, so ARGB is
// BGRA in memory.
type BufferFormat int

const (
	BufferFormatUndefined BufferFormat = iota
	BufferFormatARGB
	BufferFormatABGR
	BufferFormatNV12
	BufferFormatU8 // opaque bytes, used for bitstream buffers
)

func (f BufferFormat) String() string {
	switch f {
	case BufferFormatARGB:
		return "ARGB"
	case BufferFormatABGR:
		return "ABGR"
	case BufferFormatNV12:
		return "NV12"
	case BufferFormatU8:
		return "U8"
	default:
		return "Undefined"
	}
}

// BufferUsage tells the driver how a registered resource is used.
type BufferUsage int

const (
	BufferUsageInputImage BufferUsage = iota
	BufferUsageOutputBitstream
	BufferUsageOutputMotionVector
)

func (u BufferUsage) String() string {
	switch u {
	case BufferUsageInputImage:
		return "input-image"
	case BufferUsageOutputBitstream:
		return "output-bitstream"
	case BufferUsageOutputMotionVector:
		return "output-motion-vector"
	default:
		return "unknown"
	}
}

// Preset selects the driver's tuning preset.
type Preset int

const (
	PresetDefault Preset = iota
	PresetLowLatencyHQ
	PresetLowLatencyHP
)

func (p Preset) String() string {
	switch p {
	case PresetDefault:
		return "default"
	case PresetLowLatencyHQ:
		return "low-latency-hq"
	case PresetLowLatencyHP:
		return "low-latency-hp"
	default:
		return "unknown"
	}
}

// RateControlMode is the driver's rate control algorithm.
type RateControlMode int

const (
	RateControlConstQP RateControlMode = iota
	RateControlVBR
	RateControlCBR
	RateControlCBRLowDelayHQ
)

func (r RateControlMode) String() string {
	switch r {
	case RateControlConstQP:
		return "ConstQP"
	case RateControlVBR:
		return "VBR"
	case RateControlCBR:
		return "CBR"
	case RateControlCBRLowDelayHQ:
		return "CBR_LOWDELAY_HQ"
	default:
		return "Unknown"
	}
}

// GOPInfinite disables periodic key frames.
const GOPInfinite = ^uint32(0)

// RateControlParams is the rate control block of the encoder configuration.
type RateControlParams struct {
	Mode            RateControlMode
	AverageBitrate  uint32
	MaxBitrate      uint32
	VBVBufferSize   uint32
	VBVInitialDelay uint32
	EnableAQ        bool
	DisableBAdapt   bool
}

// InitializeParams configures a session at creation and on reconfigure.
type InitializeParams struct {
	Width                int
	Height               int
	FrameRateNum         uint32
	FrameRateDen         uint32
	Format               BufferFormat
	Preset               Preset
	GOPLength            uint32
	FrameIntervalP       int
	Lookahead            int
	MotionEstimationOnly bool
	RateControl          RateControlParams
}

// ReconfigureParams changes a live session without rebinding its buffers.
type ReconfigureParams struct {
	Params       InitializeParams
	ResetEncoder bool
	ForceIDR     bool
}

// ResourceDesc describes a buffer to allocate or register.
type ResourceDesc struct {
	Usage  BufferUsage
	Format BufferFormat
	Width  int
	Height int
	Size   int // bytes, for bitstream and motion vector buffers
}

// PictureParams submits one picture. EndOfStream pictures carry no buffers.
type PictureParams struct {
	Input       MappedPtr
	Output      MappedPtr
	Width       int
	Height      int
	Format      BufferFormat
	FrameIndex  uint64
	ForceIDR    bool
	EndOfStream bool
}

// EncodeStatus is the non-error outcome of EncodePicture.
type EncodeStatus int

const (
	EncodeSuccess EncodeStatus = iota
	EncodeNeedMoreInput
)

// Bitstream is the content of one output buffer.
type Bitstream struct {
	Data     []byte
	KeyFrame bool
}

// EncoderDriver is the vendor encoder API a session drives. Implementations
// are not required to be safe for concurrent use.
type EncoderDriver interface {
	// Name identifies the implementation, e.g. "nvenc".
	Name() string

	// OpenSession binds a new encoder instance to dev.
	OpenSession(dev Device) (SessionHandle, error)
	// Initialize applies the initial configuration.
	Initialize(h SessionHandle, p *InitializeParams) error
	// Reconfigure applies a new configuration to a live session.
	Reconfigure(h SessionHandle, p *ReconfigureParams) error
	// DestroySession frees the encoder instance.
	DestroySession(h SessionHandle) error

	// AllocateResource creates a device buffer or texture owned by the session.
	AllocateResource(h SessionHandle, desc ResourceDesc) (uintptr, error)
	// FreeResource releases a buffer from AllocateResource.
	FreeResource(h SessionHandle, res uintptr) error
	RegisterResource(h SessionHandle, res uintptr, desc ResourceDesc) (RegisteredPtr, error)
	UnregisterResource(h SessionHandle, reg RegisteredPtr) error
	MapResource(h SessionHandle, reg RegisteredPtr) (MappedPtr, error)
	UnmapResource(h SessionHandle, m MappedPtr) error

	// CopyToInput copies src into the input surface dst. Device sources are
	// copied on the device; host sources are uploaded.
	CopyToInput(h SessionHandle, dst uintptr, src Resource) error

	// EncodePicture submits one picture, or the end-of-stream marker.
	EncodePicture(h SessionHandle, p *PictureParams) (EncodeStatus, error)
	// ReadBitstream reads the finished output held by a mapped output buffer.
	ReadBitstream(h SessionHandle, out MappedPtr) (Bitstream, error)
}
