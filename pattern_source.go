package hwenc

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// PatternType selects the synthetic image a PatternSource renders.
type PatternType int

const (
	PatternColorBars    PatternType = iota // SMPTE color bars
	PatternGradient                        // Horizontal gradient
	PatternCheckerboard                    // Checkerboard pattern
	PatternSolidColor                      // Solid color
	PatternNoise                           // Random noise
	PatternMovingBox                       // Moving box (animated)
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternCheckerboard:
		return "Checkerboard"
	case PatternSolidColor:
		return "SolidColor"
	case PatternNoise:
		return "Noise"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

// PatternConfig configures a PatternSource.
type PatternConfig struct {
	Width   int
	Height  int
	FPS     int
	Pattern PatternType

	// For PatternSolidColor
	SolidR, SolidG, SolidB uint8

	// For PatternCheckerboard
	CheckerSize int
}

// DefaultPatternConfig returns 720p30 color bars.
func DefaultPatternConfig() PatternConfig {
	return PatternConfig{
		Width:       1280,
		Height:      720,
		FPS:         30,
		Pattern:     PatternColorBars,
		CheckerSize: 32,
	}
}

// PatternFunc receives one rendered texture. The texture holds one reference
// owned by the callee.
type PatternFunc func(tex *HostTexture, captured time.Time) error

// PatternSource renders BGRA test patterns into pooled host textures. A
// texture's pixels go back to the pool when its last reference is released,
// so frames held by an encoder's output delay are never overwritten.
type PatternSource struct {
	cfg    PatternConfig
	stride int

	mu   sync.Mutex
	free [][]byte

	frames    atomic.Uint64
	allocated atomic.Int64
	rng       uint64
	running   atomic.Bool
}

// NewPatternSource creates a source, filling in defaults for zero fields.
func NewPatternSource(cfg PatternConfig) *PatternSource {
	def := DefaultPatternConfig()
	if cfg.Width <= 0 {
		cfg.Width = def.Width
	}
	if cfg.Height <= 0 {
		cfg.Height = def.Height
	}
	if cfg.FPS <= 0 {
		cfg.FPS = def.FPS
	}
	if cfg.CheckerSize <= 0 {
		cfg.CheckerSize = def.CheckerSize
	}
	return &PatternSource{
		cfg:    cfg,
		stride: cfg.Width * 4,
		rng:    uint64(time.Now().UnixNano()) | 1,
	}
}

// Config returns the source configuration.
func (s *PatternSource) Config() PatternConfig { return s.cfg }

// Frames returns how many textures were rendered.
func (s *PatternSource) Frames() uint64 { return s.frames.Load() }

// Allocated returns how many pixel buffers the pool has created.
func (s *PatternSource) Allocated() int { return int(s.allocated.Load()) }

// NextFrame renders the next pattern frame.
func (s *PatternSource) NextFrame() *HostTexture {
	pixels := s.get()
	n := s.frames.Add(1)
	s.render(pixels, n)
	return NewHostTexture(pixels, s.stride, func() { s.put(pixels) })
}

func (s *PatternSource) get() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.free); n > 0 {
		b := s.free[n-1]
		s.free = s.free[:n-1]
		return b
	}
	s.allocated.Add(1)
	return make([]byte, s.stride*s.cfg.Height)
}

func (s *PatternSource) put(b []byte) {
	s.mu.Lock()
	s.free = append(s.free, b)
	s.mu.Unlock()
}

// Run renders frames at the configured rate and hands each to fn until ctx
// is done or fn fails.
func (s *PatternSource) Run(ctx context.Context, fn PatternFunc) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: pattern source already running", ErrResourceState)
	}
	defer s.running.Store(false)

	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.FPS))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := fn(s.NextFrame(), now); err != nil {
				return err
			}
		}
	}
}

func (s *PatternSource) render(dst []byte, frame uint64) {
	switch s.cfg.Pattern {
	case PatternGradient:
		s.renderGradient(dst)
	case PatternCheckerboard:
		s.renderCheckerboard(dst)
	case PatternSolidColor:
		fill(dst, s.cfg.SolidR, s.cfg.SolidG, s.cfg.SolidB)
	case PatternNoise:
		s.renderNoise(dst)
	case PatternMovingBox:
		s.renderMovingBox(dst, frame)
	default:
		s.renderColorBars(dst)
	}
}

// SMPTE color bars (simplified 8-bar pattern), RGB.
var colorBars = [8][3]uint8{
	{192, 192, 192},
	{192, 192, 0},
	{0, 192, 192},
	{0, 192, 0},
	{192, 0, 192},
	{192, 0, 0},
	{0, 0, 192},
	{16, 16, 16},
}

func putBGRA(dst []byte, i int, r, g, b uint8) {
	dst[i] = b
	dst[i+1] = g
	dst[i+2] = r
	dst[i+3] = 0xFF
}

func fill(dst []byte, r, g, b uint8) {
	for i := 0; i+3 < len(dst); i += 4 {
		putBGRA(dst, i, r, g, b)
	}
}

func (s *PatternSource) renderColorBars(dst []byte) {
	w, h := s.cfg.Width, s.cfg.Height
	barWidth := max(w/8, 1)
	for y := 0; y < h; y++ {
		row := y * s.stride
		for x := 0; x < w; x++ {
			c := colorBars[min(x/barWidth, 7)]
			putBGRA(dst, row+x*4, c[0], c[1], c[2])
		}
	}
}

func (s *PatternSource) renderGradient(dst []byte) {
	w, h := s.cfg.Width, s.cfg.Height
	for y := 0; y < h; y++ {
		row := y * s.stride
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / w)
			putBGRA(dst, row+x*4, v, v, v)
		}
	}
}

func (s *PatternSource) renderCheckerboard(dst []byte) {
	w, h, size := s.cfg.Width, s.cfg.Height, s.cfg.CheckerSize
	for y := 0; y < h; y++ {
		row := y * s.stride
		for x := 0; x < w; x++ {
			v := uint8(16)
			if (x/size+y/size)%2 == 0 {
				v = 235
			}
			putBGRA(dst, row+x*4, v, v, v)
		}
	}
}

// renderNoise uses xorshift64.
func (s *PatternSource) renderNoise(dst []byte) {
	for i := 0; i+3 < len(dst); i += 4 {
		s.rng ^= s.rng << 13
		s.rng ^= s.rng >> 7
		s.rng ^= s.rng << 17
		v := uint8(s.rng)
		putBGRA(dst, i, v, v, v)
	}
}

func (s *PatternSource) renderMovingBox(dst []byte, frame uint64) {
	w, h := s.cfg.Width, s.cfg.Height
	fill(dst, 16, 16, 16)

	boxSize := max(min(w, h)/8, 1)
	radius := float64(min(w, h)) / 4
	angle := float64(frame) * 0.05
	boxX := w/2 + int(radius*math.Cos(angle)) - boxSize/2
	boxY := h/2 + int(radius*math.Sin(angle)) - boxSize/2

	for y := max(boxY, 0); y < min(boxY+boxSize, h); y++ {
		row := y * s.stride
		for x := max(boxX, 0); x < min(boxX+boxSize, w); x++ {
			putBGRA(dst, row+x*4, 235, 235, 235)
		}
	}
}
