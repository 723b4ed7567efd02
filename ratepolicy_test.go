package hwenc

import "testing"

func TestOptimalBitsPerSecond(t *testing.T) {
	tests := []struct {
		w, h, fps int
		motion    VideoMotion
		want      int
	}{
		{1280, 720, 30, VideoMotionLow, 1935360},
		{1280, 720, 30, VideoMotionHigh, 7741440},
		{640, 480, 15, VideoMotionMedium, 645120},
		{0, 0, 30, VideoMotionHigh, 0},
	}
	for _, tt := range tests {
		if got := OptimalBitsPerSecond(tt.w, tt.h, tt.fps, tt.motion); got != tt.want {
			t.Errorf("OptimalBitsPerSecond(%d, %d, %d, %s) = %d, want %d", tt.w, tt.h, tt.fps, tt.motion, got, tt.want)
		}
	}
}

func TestBitrateRangeFor(t *testing.T) {
	r := BitrateRangeFor(1280, 720, 30)
	if r.MaxBps != 7741440 {
		t.Errorf("MaxBps = %d, want 7741440", r.MaxBps)
	}
	if r.MinBps != r.MaxBps/10 {
		t.Errorf("MinBps = %d, want %d", r.MinBps, r.MaxBps/10)
	}
}

func TestFrameVBVPolicy(t *testing.T) {
	rc := FrameVBVPolicy{}.RateControl(RateRequest{Width: 1280, Height: 720, BitrateBps: 2_000_000, FPS: 30})
	if rc.Mode != RateControlCBRLowDelayHQ {
		t.Errorf("Mode = %s, want CBR_LOWDELAY_HQ", rc.Mode)
	}
	if rc.AverageBitrate != 2_000_000 {
		t.Errorf("AverageBitrate = %d", rc.AverageBitrate)
	}
	if rc.MaxBitrate != 2_000_000 {
		t.Errorf("MaxBitrate = %d, want it raised to the average", rc.MaxBitrate)
	}
	if rc.VBVBufferSize != 2_000_000/30 {
		t.Errorf("VBVBufferSize = %d, want one frame (%d)", rc.VBVBufferSize, 2_000_000/30)
	}
	if !rc.EnableAQ || !rc.DisableBAdapt {
		t.Errorf("EnableAQ=%t DisableBAdapt=%t, want both set", rc.EnableAQ, rc.DisableBAdapt)
	}

	rc = FrameVBVPolicy{}.RateControl(RateRequest{BitrateBps: 1000, MaxBitrateBps: 5000, FPS: 0})
	if rc.VBVBufferSize != 1000 || rc.MaxBitrate != 5000 {
		t.Errorf("fps 0: vbv %d max %d", rc.VBVBufferSize, rc.MaxBitrate)
	}
}

func TestMotionGaugePolicyClamps(t *testing.T) {
	p := MotionGaugePolicy{Motion: VideoMotionLow}
	hi := OptimalBitsPerSecond(640, 360, 30, VideoMotionLow)

	rc := p.RateControl(RateRequest{Width: 640, Height: 360, BitrateBps: 50_000_000, FPS: 30})
	if int(rc.AverageBitrate) != hi {
		t.Errorf("AverageBitrate = %d, want clamped to %d", rc.AverageBitrate, hi)
	}
	rc = p.RateControl(RateRequest{Width: 640, Height: 360, BitrateBps: 1, FPS: 30})
	if int(rc.AverageBitrate) != hi/10 {
		t.Errorf("AverageBitrate = %d, want raised to %d", rc.AverageBitrate, hi/10)
	}
	if int(rc.MaxBitrate) != hi {
		t.Errorf("MaxBitrate = %d, want %d", rc.MaxBitrate, hi)
	}
}

func TestRatePolicyFunc(t *testing.T) {
	var got RateRequest
	p := RatePolicyFunc(func(req RateRequest) RateControlParams {
		got = req
		return RateControlParams{Mode: RateControlVBR}
	})
	rc := p.RateControl(RateRequest{BitrateBps: 42, FPS: 5})
	if rc.Mode != RateControlVBR || got.BitrateBps != 42 || got.FPS != 5 {
		t.Errorf("RatePolicyFunc passed %+v, returned %+v", got, rc)
	}
}
