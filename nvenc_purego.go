//go:build linux && !nonvenc

// NVIDIA NVENC support via libmedia_nvenc using purego. The shim wraps the
// NVENC API function list and a CUDA context so the Go side only deals with
// opaque handles and flat parameter structs.

package hwenc

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	mediaNVENCOnce    sync.Once
	mediaNVENCHandle  uintptr
	mediaNVENCInitErr error
)

// libmedia_nvenc function pointers
var (
	mediaNVENCAvailable     func() int32
	mediaNVENCGetError      func() uintptr
	mediaNVENCCUDAContext   func(ordinal int32, outCtx uintptr) int32
	mediaNVENCCUDADestroy   func(ctx uintptr) int32
	mediaNVENCOpenSession   func(device uintptr, outSession uintptr) int32
	mediaNVENCInitialize    func(session uintptr, params uintptr) int32
	mediaNVENCReconfigure   func(session uintptr, params uintptr, resetEncoder, forceIDR int32) int32
	mediaNVENCDestroy       func(session uintptr) int32
	mediaNVENCAllocate      func(session uintptr, desc uintptr, outRes uintptr) int32
	mediaNVENCFree          func(session uintptr, res uintptr) int32
	mediaNVENCRegister      func(session uintptr, res uintptr, desc uintptr, outReg uintptr) int32
	mediaNVENCUnregister    func(session uintptr, reg uintptr) int32
	mediaNVENCMap           func(session uintptr, reg uintptr, outMapped uintptr) int32
	mediaNVENCUnmap         func(session uintptr, mapped uintptr) int32
	mediaNVENCCopyTexture   func(session uintptr, dst uintptr, texture uintptr) int32
	mediaNVENCUpload        func(session uintptr, dst uintptr, pixels uintptr, stride, rows int32) int32
	mediaNVENCEncode        func(session uintptr, params uintptr) int32
	mediaNVENCLockBitstream func(session uintptr, mapped uintptr, result uintptr) int32
	mediaNVENCUnlock        func(session uintptr, mapped uintptr) int32
)

// Return codes from media_nvenc.h
const (
	mediaNVENCOK            = 0
	mediaNVENCNeedMoreInput = 1
)

// The structs below are passed to the shim by pointer. They must be
// heap-allocated for purego on arm64; stack addresses can move during the
// call.

type mediaNVENCInitParams struct {
	Width, Height      int32
	FrameRateNum       uint32
	FrameRateDen       uint32
	Format             int32
	Preset             int32
	GOPLength          uint32
	FrameIntervalP     int32
	Lookahead          int32
	MotionEstimation   int32
	RateControlMode    int32
	AverageBitrate     uint32
	MaxBitrate         uint32
	VBVBufferSize      uint32
	VBVInitialDelay    uint32
	EnableAQ           int32
	DisableBAdapt      int32
	ReservedAlignment0 int32
}

type mediaNVENCResourceDesc struct {
	Usage, Format int32
	Width, Height int32
	Size          int32
	Reserved      int32
}

type mediaNVENCPictureParams struct {
	Input, Output uintptr
	FrameIndex    uint64
	Width, Height int32
	Format        int32
	ForceIDR      int32
	EndOfStream   int32
	Reserved      int32
}

type mediaNVENCBitstream struct {
	Data     uintptr
	Size     uint32
	KeyFrame int32
}

type mediaNVENCHandleOut struct {
	Value uintptr
}

func loadMediaNVENC() error {
	mediaNVENCOnce.Do(func() {
		mediaNVENCInitErr = loadMediaNVENCLib()
	})
	return mediaNVENCInitErr
}

func loadMediaNVENCLib() error {
	var lastErr error
	for _, path := range nativeLibPaths("media_nvenc", "MEDIA_NVENC_LIB_PATH") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		mediaNVENCHandle = handle
		loadMediaNVENCSymbols()
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("failed to load libmedia_nvenc: %w", lastErr)
	}
	return errors.New("libmedia_nvenc not found in any standard location")
}

func loadMediaNVENCSymbols() {
	purego.RegisterLibFunc(&mediaNVENCAvailable, mediaNVENCHandle, "media_nvenc_available")
	purego.RegisterLibFunc(&mediaNVENCGetError, mediaNVENCHandle, "media_nvenc_get_error")
	purego.RegisterLibFunc(&mediaNVENCCUDAContext, mediaNVENCHandle, "media_nvenc_cuda_context_create")
	purego.RegisterLibFunc(&mediaNVENCCUDADestroy, mediaNVENCHandle, "media_nvenc_cuda_context_destroy")
	purego.RegisterLibFunc(&mediaNVENCOpenSession, mediaNVENCHandle, "media_nvenc_open_session")
	purego.RegisterLibFunc(&mediaNVENCInitialize, mediaNVENCHandle, "media_nvenc_initialize")
	purego.RegisterLibFunc(&mediaNVENCReconfigure, mediaNVENCHandle, "media_nvenc_reconfigure")
	purego.RegisterLibFunc(&mediaNVENCDestroy, mediaNVENCHandle, "media_nvenc_destroy_session")
	purego.RegisterLibFunc(&mediaNVENCAllocate, mediaNVENCHandle, "media_nvenc_allocate_resource")
	purego.RegisterLibFunc(&mediaNVENCFree, mediaNVENCHandle, "media_nvenc_free_resource")
	purego.RegisterLibFunc(&mediaNVENCRegister, mediaNVENCHandle, "media_nvenc_register_resource")
	purego.RegisterLibFunc(&mediaNVENCUnregister, mediaNVENCHandle, "media_nvenc_unregister_resource")
	purego.RegisterLibFunc(&mediaNVENCMap, mediaNVENCHandle, "media_nvenc_map_resource")
	purego.RegisterLibFunc(&mediaNVENCUnmap, mediaNVENCHandle, "media_nvenc_unmap_resource")
	purego.RegisterLibFunc(&mediaNVENCCopyTexture, mediaNVENCHandle, "media_nvenc_copy_texture")
	purego.RegisterLibFunc(&mediaNVENCUpload, mediaNVENCHandle, "media_nvenc_upload")
	purego.RegisterLibFunc(&mediaNVENCEncode, mediaNVENCHandle, "media_nvenc_encode_picture")
	purego.RegisterLibFunc(&mediaNVENCLockBitstream, mediaNVENCHandle, "media_nvenc_lock_bitstream")
	purego.RegisterLibFunc(&mediaNVENCUnlock, mediaNVENCHandle, "media_nvenc_unlock_bitstream")
}

// IsNVENCAvailable reports whether libmedia_nvenc loaded and found a GPU.
func IsNVENCAvailable() bool {
	if err := loadMediaNVENC(); err != nil {
		return false
	}
	return mediaNVENCAvailable() != 0
}

func nvencError(op string, rc int32) error {
	msg := "unknown error"
	if ptr := mediaNVENCGetError(); ptr != 0 {
		msg = goStringFromPtr(ptr)
	}
	return fmt.Errorf("%s failed (%d): %s", op, rc, msg)
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// CUDADevice is a CUDA context on one GPU.
type CUDADevice struct {
	ctx uintptr
}

// NewCUDADevice creates a context on the GPU with the given ordinal.
func NewCUDADevice(ordinal int) (*CUDADevice, error) {
	if err := loadMediaNVENC(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderNotFound, err)
	}
	out := &mediaNVENCHandleOut{}
	if rc := mediaNVENCCUDAContext(int32(ordinal), uintptr(unsafe.Pointer(out))); rc != mediaNVENCOK {
		return nil, fmt.Errorf("%w: %v", ErrDevice, nvencError("cuda context", rc))
	}
	return &CUDADevice{ctx: out.Value}, nil
}

// Handle returns the CUcontext.
func (d *CUDADevice) Handle() uintptr { return d.ctx }

// Close destroys the context.
func (d *CUDADevice) Close() error {
	if d.ctx == 0 {
		return nil
	}
	rc := mediaNVENCCUDADestroy(d.ctx)
	d.ctx = 0
	if rc != mediaNVENCOK {
		return nvencError("cuda context destroy", rc)
	}
	return nil
}

var (
	defaultCUDAOnce sync.Once
	defaultCUDA     *CUDADevice
	defaultCUDAErr  error
)

// defaultCUDADevice is the process-wide context on GPU 0 used for
// host-memory frames.
func defaultCUDADevice() (*CUDADevice, error) {
	defaultCUDAOnce.Do(func() {
		defaultCUDA, defaultCUDAErr = NewCUDADevice(0)
	})
	return defaultCUDA, defaultCUDAErr
}

// NVENCDriver is the EncoderDriver backed by libmedia_nvenc.
type NVENCDriver struct{}

// NewNVENCDriver loads the shim and checks for an NVENC capable GPU.
func NewNVENCDriver() (*NVENCDriver, error) {
	if err := loadMediaNVENC(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderNotFound, err)
	}
	if mediaNVENCAvailable() == 0 {
		return nil, fmt.Errorf("%w: no NVENC capable GPU", ErrProviderNotFound)
	}
	return &NVENCDriver{}, nil
}

func (d *NVENCDriver) Name() string { return "nvenc" }

func (d *NVENCDriver) OpenSession(dev Device) (SessionHandle, error) {
	if dev == nil || dev.Handle() == 0 {
		return 0, errors.New("no device")
	}
	out := &mediaNVENCHandleOut{}
	if rc := mediaNVENCOpenSession(dev.Handle(), uintptr(unsafe.Pointer(out))); rc != mediaNVENCOK {
		return 0, nvencError("open session", rc)
	}
	return SessionHandle(out.Value), nil
}

func toMediaNVENCInitParams(p *InitializeParams) *mediaNVENCInitParams {
	rc := p.RateControl
	return &mediaNVENCInitParams{
		Width:            int32(p.Width),
		Height:           int32(p.Height),
		FrameRateNum:     p.FrameRateNum,
		FrameRateDen:     p.FrameRateDen,
		Format:           int32(p.Format),
		Preset:           int32(p.Preset),
		GOPLength:        p.GOPLength,
		FrameIntervalP:   int32(p.FrameIntervalP),
		Lookahead:        int32(p.Lookahead),
		MotionEstimation: boolToInt32(p.MotionEstimationOnly),
		RateControlMode:  int32(rc.Mode),
		AverageBitrate:   rc.AverageBitrate,
		MaxBitrate:       rc.MaxBitrate,
		VBVBufferSize:    rc.VBVBufferSize,
		VBVInitialDelay:  rc.VBVInitialDelay,
		EnableAQ:         boolToInt32(rc.EnableAQ),
		DisableBAdapt:    boolToInt32(rc.DisableBAdapt),
	}
}

func (d *NVENCDriver) Initialize(h SessionHandle, p *InitializeParams) error {
	params := toMediaNVENCInitParams(p)
	if rc := mediaNVENCInitialize(uintptr(h), uintptr(unsafe.Pointer(params))); rc != mediaNVENCOK {
		return nvencError("initialize", rc)
	}
	return nil
}

func (d *NVENCDriver) Reconfigure(h SessionHandle, p *ReconfigureParams) error {
	params := toMediaNVENCInitParams(&p.Params)
	rc := mediaNVENCReconfigure(uintptr(h), uintptr(unsafe.Pointer(params)),
		boolToInt32(p.ResetEncoder), boolToInt32(p.ForceIDR))
	if rc != mediaNVENCOK {
		return nvencError("reconfigure", rc)
	}
	return nil
}

func (d *NVENCDriver) DestroySession(h SessionHandle) error {
	if rc := mediaNVENCDestroy(uintptr(h)); rc != mediaNVENCOK {
		return nvencError("destroy session", rc)
	}
	return nil
}

func toMediaNVENCDesc(desc ResourceDesc) *mediaNVENCResourceDesc {
	return &mediaNVENCResourceDesc{
		Usage:  int32(desc.Usage),
		Format: int32(desc.Format),
		Width:  int32(desc.Width),
		Height: int32(desc.Height),
		Size:   int32(desc.Size),
	}
}

func (d *NVENCDriver) AllocateResource(h SessionHandle, desc ResourceDesc) (uintptr, error) {
	out := &mediaNVENCHandleOut{}
	rc := mediaNVENCAllocate(uintptr(h), uintptr(unsafe.Pointer(toMediaNVENCDesc(desc))), uintptr(unsafe.Pointer(out)))
	if rc != mediaNVENCOK {
		return 0, nvencError("allocate "+desc.Usage.String(), rc)
	}
	return out.Value, nil
}

func (d *NVENCDriver) FreeResource(h SessionHandle, res uintptr) error {
	if rc := mediaNVENCFree(uintptr(h), res); rc != mediaNVENCOK {
		return nvencError("free resource", rc)
	}
	return nil
}

func (d *NVENCDriver) RegisterResource(h SessionHandle, res uintptr, desc ResourceDesc) (RegisteredPtr, error) {
	out := &mediaNVENCHandleOut{}
	rc := mediaNVENCRegister(uintptr(h), res, uintptr(unsafe.Pointer(toMediaNVENCDesc(desc))), uintptr(unsafe.Pointer(out)))
	if rc != mediaNVENCOK {
		return 0, nvencError("register resource", rc)
	}
	return RegisteredPtr(out.Value), nil
}

func (d *NVENCDriver) UnregisterResource(h SessionHandle, reg RegisteredPtr) error {
	if rc := mediaNVENCUnregister(uintptr(h), uintptr(reg)); rc != mediaNVENCOK {
		return nvencError("unregister resource", rc)
	}
	return nil
}

func (d *NVENCDriver) MapResource(h SessionHandle, reg RegisteredPtr) (MappedPtr, error) {
	out := &mediaNVENCHandleOut{}
	if rc := mediaNVENCMap(uintptr(h), uintptr(reg), uintptr(unsafe.Pointer(out))); rc != mediaNVENCOK {
		return 0, nvencError("map resource", rc)
	}
	return MappedPtr(out.Value), nil
}

func (d *NVENCDriver) UnmapResource(h SessionHandle, m MappedPtr) error {
	if rc := mediaNVENCUnmap(uintptr(h), uintptr(m)); rc != mediaNVENCOK {
		return nvencError("unmap resource", rc)
	}
	return nil
}

func (d *NVENCDriver) CopyToInput(h SessionHandle, dst uintptr, src Resource) error {
	switch src := src.(type) {
	case DeviceResource:
		if rc := mediaNVENCCopyTexture(uintptr(h), dst, src.Handle()); rc != mediaNVENCOK {
			return nvencError("copy texture", rc)
		}
	case HostResource:
		pixels := src.Pixels()
		if len(pixels) == 0 {
			return errors.New("empty host frame")
		}
		rows := int32(len(pixels) / src.Stride())
		rc := mediaNVENCUpload(uintptr(h), dst, uintptr(unsafe.Pointer(&pixels[0])), int32(src.Stride()), rows)
		if rc != mediaNVENCOK {
			return nvencError("upload", rc)
		}
	default:
		return fmt.Errorf("unsupported source resource %T", src)
	}
	return nil
}

func (d *NVENCDriver) EncodePicture(h SessionHandle, p *PictureParams) (EncodeStatus, error) {
	params := &mediaNVENCPictureParams{
		Input:       uintptr(p.Input),
		Output:      uintptr(p.Output),
		FrameIndex:  p.FrameIndex,
		Width:       int32(p.Width),
		Height:      int32(p.Height),
		Format:      int32(p.Format),
		ForceIDR:    boolToInt32(p.ForceIDR),
		EndOfStream: boolToInt32(p.EndOfStream),
	}
	switch rc := mediaNVENCEncode(uintptr(h), uintptr(unsafe.Pointer(params))); rc {
	case mediaNVENCOK:
		return EncodeSuccess, nil
	case mediaNVENCNeedMoreInput:
		return EncodeNeedMoreInput, nil
	default:
		return 0, nvencError("encode picture", rc)
	}
}

func (d *NVENCDriver) ReadBitstream(h SessionHandle, m MappedPtr) (Bitstream, error) {
	result := &mediaNVENCBitstream{}
	if rc := mediaNVENCLockBitstream(uintptr(h), uintptr(m), uintptr(unsafe.Pointer(result))); rc != mediaNVENCOK {
		return Bitstream{}, nvencError("lock bitstream", rc)
	}
	var bs Bitstream
	if result.Size > 0 && result.Data != 0 {
		bs.Data = make([]byte, result.Size)
		copy(bs.Data, unsafe.Slice((*byte)(unsafe.Pointer(result.Data)), result.Size))
		bs.KeyFrame = result.KeyFrame != 0
	}
	if rc := mediaNVENCUnlock(uintptr(h), uintptr(m)); rc != mediaNVENCOK {
		return bs, nvencError("unlock bitstream", rc)
	}
	return bs, nil
}

var _ EncoderDriver = (*NVENCDriver)(nil)

func init() {
	if !IsNVENCAvailable() {
		return
	}
	setProviderAvailable(ProviderNVENC)
	registerVideoEncoder(VideoCodecH264, ProviderNVENC, func(opts EncoderOptions) (VideoEncoder, error) {
		if opts.Driver == nil {
			drv, err := NewNVENCDriver()
			if err != nil {
				return nil, err
			}
			opts.Driver = drv
		}
		if opts.Device == nil {
			dev, err := defaultCUDADevice()
			if err != nil {
				return nil, err
			}
			opts.Device = dev
		}
		return NewHardwareEncoder(opts), nil
	})
}
