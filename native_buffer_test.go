package hwenc

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNativeBufferRetainsSource(t *testing.T) {
	var freed int
	tex := NewHostTexture(make([]byte, 16*16*4), 16*4, func() { freed++ })

	var (
		notified int
		gotTrack string
		gotFrame uint64
		gotEnc   bool
	)
	events := FrameEventsFunc(func(trackID string, frameID uint64, handle uintptr, encoded bool) {
		notified++
		gotTrack, gotFrame, gotEnc = trackID, frameID, encoded
	})

	buf, err := NewNativeBuffer("cam", 7, PixelFormatBGRA32, 16, 16, tex, events)
	if err != nil {
		t.Fatalf("NewNativeBuffer: %v", err)
	}
	if tex.Refs() != 2 {
		t.Fatalf("source refs = %d, want 2", tex.Refs())
	}

	// The caller may drop its own reference; the buffer keeps the source alive.
	tex.Release()
	if freed != 0 {
		t.Fatal("source freed while the buffer holds it")
	}

	buf.Retain()
	buf.SetEncoded()
	buf.Release()
	if notified != 0 {
		t.Fatal("notified before the last release")
	}
	buf.Release()

	if notified != 1 {
		t.Fatalf("OnFrameProcessed called %d times, want 1", notified)
	}
	if gotTrack != "cam" || gotFrame != 7 || !gotEnc {
		t.Errorf("notification %s/%d encoded=%t", gotTrack, gotFrame, gotEnc)
	}
	if freed != 1 {
		t.Errorf("source freed %d times, want 1", freed)
	}
}

func TestNativeBufferValidation(t *testing.T) {
	host := newTestHostTexture(8, 8)
	dev := NewDeviceTexture(NewSimulatedDevice(), 1, nil)

	tests := []struct {
		name   string
		format PixelFormat
		w, h   int
		src    Resource
		want   error
	}{
		{"nil source", PixelFormatBGRA32, 8, 8, nil, ErrInvalidParameter},
		{"zero size", PixelFormatBGRA32, 0, 8, host, ErrInvalidParameter},
		{"unknown format", PixelFormat(99), 8, 8, host, ErrInvalidParameter},
		{"gpu frame on host memory", PixelFormatGPUTexture, 8, 8, host, ErrInvalidParameter},
		{"host frame on device texture", PixelFormatRGBA32, 8, 8, dev, ErrInvalidParameter},
		{"short pixels", PixelFormatBGRA32, 16, 16, host, ErrBufferTooSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNativeBuffer("t", 1, tt.format, tt.w, tt.h, tt.src, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("NewNativeBuffer = %v, want %v", err, tt.want)
			}
		})
	}
	if host.Refs() != 1 || dev.Refs() != 1 {
		t.Errorf("rejected buffers retained their source: host %d dev %d", host.Refs(), dev.Refs())
	}
}

func TestNativeBufferDeviceAndDelay(t *testing.T) {
	d := NewSimulatedDevice()
	buf, err := NewNativeBuffer("t", 1, PixelFormatGPUTexture, 8, 8, NewDeviceTexture(d, 0x10, nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer buf.Release()
	if buf.Device() != d {
		t.Error("Device() does not return the texture's device")
	}
	if buf.EncodeDelay() != 0 || buf.Encoded() {
		t.Error("fresh buffer reports encoded")
	}
	time.Sleep(time.Millisecond)
	buf.SetEncoded()
	first := buf.EncodeDelay()
	if first <= 0 {
		t.Errorf("EncodeDelay() = %v", first)
	}
	buf.SetEncoded()
	if buf.EncodeDelay() != first {
		t.Error("second SetEncoded moved the timestamp")
	}

	hostBuf, err := NewNativeBuffer("t", 2, PixelFormatRGBA32, 8, 8, newTestHostTexture(8, 8), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer hostBuf.Release()
	if hostBuf.Device() != nil {
		t.Error("host frame reports a device")
	}
}

func TestNativeBufferConcurrentRelease(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	events := FrameEventsFunc(func(string, uint64, uintptr, bool) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	buf, err := NewNativeBuffer("t", 1, PixelFormatBGRA32, 4, 4, newTestHostTexture(4, 4), events)
	if err != nil {
		t.Fatal(err)
	}
	const n = 32
	for i := 0; i < n; i++ {
		buf.Retain()
	}
	var wg sync.WaitGroup
	for i := 0; i <= n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf.Release()
		}()
	}
	wg.Wait()
	if calls != 1 {
		t.Errorf("OnFrameProcessed called %d times, want 1", calls)
	}
}
