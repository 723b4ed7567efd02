//go:build !linux || nonvenc

package hwenc

import "fmt"

// IsNVENCAvailable reports false; NVENC support was not built.
func IsNVENCAvailable() bool { return false }

// CUDADevice is unavailable in this build.
type CUDADevice struct{}

// NewCUDADevice always fails in this build.
func NewCUDADevice(ordinal int) (*CUDADevice, error) {
	return nil, fmt.Errorf("%w: built without nvenc", ErrProviderNotFound)
}

func (d *CUDADevice) Handle() uintptr { return 0 }
func (d *CUDADevice) Close() error    { return nil }

// NVENCDriver is unavailable in this build.
type NVENCDriver struct {
	EncoderDriver
}

// NewNVENCDriver always fails in this build.
func NewNVENCDriver() (*NVENCDriver, error) {
	return nil, fmt.Errorf("%w: built without nvenc", ErrProviderNotFound)
}
