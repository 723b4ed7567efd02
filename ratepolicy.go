package hwenc

// VideoMotion is the motion factor of the Kush gauge.
type VideoMotion int

const (
	VideoMotionLow    VideoMotion = 1
	VideoMotionMedium VideoMotion = 2
	VideoMotionHigh   VideoMotion = 4
)

func (m VideoMotion) String() string {
	switch m {
	case VideoMotionLow:
		return "low"
	case VideoMotionMedium:
		return "medium"
	case VideoMotionHigh:
		return "high"
	default:
		return "unknown"
	}
}

// OptimalBitsPerSecond estimates a bitrate with the Kush gauge:
// width * height * fps * motion * 0.07.
func OptimalBitsPerSecond(width, height, fps int, motion VideoMotion) int {
	area := int64(width) * int64(height)
	return int(area * int64(fps) * int64(motion) * 7 / 100)
}

// BitrateRange is the bitrate window for a track.
type BitrateRange struct {
	MinBps int
	MaxBps int
}

// BitrateRangeFor returns the window used for a track of the given size:
// the high-motion optimum as the ceiling and a tenth of it as the floor.
func BitrateRangeFor(width, height, fps int) BitrateRange {
	hi := OptimalBitsPerSecond(width, height, fps, VideoMotionHigh)
	return BitrateRange{MinBps: hi / 10, MaxBps: hi}
}

// RateRequest is the input to a RatePolicy.
type RateRequest struct {
	Width         int
	Height        int
	BitrateBps    int
	MaxBitrateBps int
	FPS           int
}

// RatePolicy turns a bitrate/framerate request into encoder rate control
// parameters.
type RatePolicy interface {
	RateControl(req RateRequest) RateControlParams
}

// RatePolicyFunc adapts a function to RatePolicy.
type RatePolicyFunc func(req RateRequest) RateControlParams

func (f RatePolicyFunc) RateControl(req RateRequest) RateControlParams { return f(req) }

// FrameVBVPolicy is low-delay CBR with a VBV buffer holding exactly one frame
// worth of bits.
type FrameVBVPolicy struct{}

func (FrameVBVPolicy) RateControl(req RateRequest) RateControlParams {
	fps := req.FPS
	if fps < 1 {
		fps = 1
	}
	avg := clampU32(req.BitrateBps)
	peak := clampU32(req.MaxBitrateBps)
	if peak < avg {
		peak = avg
	}
	return RateControlParams{
		Mode:           RateControlCBRLowDelayHQ,
		AverageBitrate: avg,
		MaxBitrate:     peak,
		VBVBufferSize:  avg / uint32(fps),
		EnableAQ:       true,
		DisableBAdapt:  true,
	}
}

// MotionGaugePolicy clamps the requested bitrate into the Kush-gauge window
// for the frame size, then behaves like FrameVBVPolicy.
type MotionGaugePolicy struct {
	Motion VideoMotion
}

func (p MotionGaugePolicy) RateControl(req RateRequest) RateControlParams {
	motion := p.Motion
	if motion == 0 {
		motion = VideoMotionHigh
	}
	hi := OptimalBitsPerSecond(req.Width, req.Height, req.FPS, motion)
	lo := hi / 10
	bitrate := req.BitrateBps
	if bitrate > hi {
		bitrate = hi
	}
	if bitrate < lo {
		bitrate = lo
	}
	req.BitrateBps = bitrate
	req.MaxBitrateBps = hi
	return FrameVBVPolicy{}.RateControl(req)
}

func clampU32(v int) uint32 {
	if v <= 0 {
		return 0
	}
	if int64(v) > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(v)
}
