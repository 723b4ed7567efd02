package hwenc

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

func newTestHost(t *testing.T, d *SimulatedDriver, bwe bool) *Host {
	t.Helper()
	cfg := DefaultHostConfig()
	cfg.Provider = ProviderSimulated
	cfg.Encoder.Driver = d
	cfg.BandwidthEstimation = bwe
	h, err := NewHost(cfg)
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	return h
}

func newTestSender(t *testing.T, h *Host, settings CodecSettings) (*VideoSender, *webrtc.PeerConnection) {
	t.Helper()
	pc, estimator, err := h.NewPeerConnection()
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	s, err := h.NewVideoSender(pc, estimator, settings)
	if err != nil {
		pc.Close()
		t.Fatalf("NewVideoSender: %v", err)
	}
	return s, pc
}

func sendTestFrame(t *testing.T, s *VideoSender, tex *HostTexture, events FrameEvents) error {
	t.Helper()
	buf, err := s.NewFrame(PixelFormatBGRA32, 64, 64, tex, events)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	return s.SendFrame(buf, time.Now())
}

func TestNewHost(t *testing.T) {
	h := newTestHost(t, NewSimulatedDriver(), true)
	if h.Factory().Provider() != ProviderSimulated {
		t.Errorf("provider %s", h.Factory().Provider())
	}
	if h.API() == nil || h.Config().MTU != DefaultMTU {
		t.Error("host not fully configured")
	}

	pc, estimator, err := h.NewPeerConnection()
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	if estimator == nil {
		t.Fatal("no bandwidth estimator with estimation enabled")
	}
	if estimator.GetTargetBitrate() <= 0 {
		t.Errorf("target bitrate %d", estimator.GetTargetBitrate())
	}

	plain := newTestHost(t, NewSimulatedDriver(), false)
	pc2, estimator, err := plain.NewPeerConnection()
	if err != nil {
		t.Fatal(err)
	}
	defer pc2.Close()
	if estimator != nil {
		t.Error("estimator returned with estimation disabled")
	}
}

func TestHostDirectPeerConnections(t *testing.T) {
	h := newTestHost(t, NewSimulatedDriver(), true)

	var direct []*webrtc.PeerConnection
	defer func() {
		for _, pc := range direct {
			pc.Close()
		}
	}()
	done := make(chan error, 1)
	go func() {
		for i := 0; i < 3; i++ {
			pc, err := h.API().NewPeerConnection(webrtc.Configuration{})
			if err != nil {
				done <- err
				return
			}
			direct = append(direct, pc)
		}
		done <- nil
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("API().NewPeerConnection: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("peer connections created through API() blocked")
	}

	pc, estimator, err := h.NewPeerConnection()
	if err != nil {
		t.Fatalf("NewPeerConnection after direct peer connections: %v", err)
	}
	defer pc.Close()
	if estimator == nil {
		t.Error("no bandwidth estimator")
	}
}

func TestVideoSenderEncodes(t *testing.T) {
	d := NewSimulatedDriver()
	h := newTestHost(t, d, false)
	s, pc := newTestSender(t, h, DefaultCodecSettings(64, 64))
	defer pc.Close()
	defer s.Close()

	sink := &imageRecorder{}
	s.AddSink(sink)

	tex := newTestHostTexture(64, 64)
	events := newFrameLog()
	for i := 0; i < 5; i++ {
		if err := sendTestFrame(t, s, tex, events); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}

	// Default sessions hold three frames back.
	if sink.count() != 2 {
		t.Fatalf("sink received %d images, want 2", sink.count())
	}
	if !sink.images[0].IsKeyframe() || sink.images[1].IsKeyframe() {
		t.Error("first image should be the only key frame")
	}
	if sink.images[0].Timestamp > sink.images[1].Timestamp {
		t.Error("timestamps out of order")
	}
	if n, encoded := events.calls(1); n != 1 || !encoded {
		t.Errorf("frame 1 notified %d times, encoded=%t", n, encoded)
	}

	stats := s.Stats()
	if stats.FramesSent != 5 || stats.Encoder.FramesEncoded != 2 {
		t.Errorf("stats %+v", stats)
	}
	if stats.TargetBitrateBps != 2_000_000 {
		t.Errorf("target %d bps", stats.TargetBitrateBps)
	}
}

func TestVideoSenderKeyFrameRequest(t *testing.T) {
	d := NewSimulatedDriver()
	h := newTestHost(t, d, false)
	s, pc := newTestSender(t, h, DefaultCodecSettings(64, 64))
	defer pc.Close()
	defer s.Close()

	tex := newTestHostTexture(64, 64)
	for i := 0; i < 3; i++ {
		if err := sendTestFrame(t, s, tex, nil); err != nil {
			t.Fatal(err)
		}
	}
	s.handleRTCP([]rtcp.Packet{
		&rtcp.ReceiverReport{},
		&rtcp.PictureLossIndication{MediaSSRC: 1},
	})
	if err := sendTestFrame(t, s, tex, nil); err != nil {
		t.Fatal(err)
	}
	s.handleRTCP([]rtcp.Packet{&rtcp.FullIntraRequest{}})
	if err := sendTestFrame(t, s, tex, nil); err != nil {
		t.Fatal(err)
	}
	if err := sendTestFrame(t, s, tex, nil); err != nil {
		t.Fatal(err)
	}

	pictures := d.Stats().Pictures
	if len(pictures) != 6 {
		t.Fatalf("%d pictures, want 6", len(pictures))
	}
	want := []bool{true, false, false, true, true, false}
	for i, p := range pictures {
		if p.ForceIDR != want[i] {
			t.Errorf("picture %d ForceIDR=%t, want %t", i, p.ForceIDR, want[i])
		}
	}
	if s.Stats().KeyFrameRequests != 2 {
		t.Errorf("KeyFrameRequests = %d, want 2", s.Stats().KeyFrameRequests)
	}
}

func TestVideoSenderTargetBitrate(t *testing.T) {
	d := NewSimulatedDriver()
	h := newTestHost(t, d, false)
	settings := DefaultCodecSettings(64, 64)
	settings.MinBitrateKbps = 100
	settings.StartBitrateKbps = 1000
	settings.MaxBitrateKbps = 3000
	s, pc := newTestSender(t, h, settings)
	defer pc.Close()
	defer s.Close()

	tests := []struct {
		bps  int
		want int
	}{
		{50_000, 100_000},
		{10_000_000, 3_000_000},
		{3_000_000, 3_000_000},
		{1_500_000, 1_500_000},
	}
	for _, tt := range tests {
		if err := s.SetTargetBitrate(tt.bps); err != nil {
			t.Fatalf("SetTargetBitrate(%d): %v", tt.bps, err)
		}
		if got := s.Stats().TargetBitrateBps; got != tt.want {
			t.Errorf("SetTargetBitrate(%d) target = %d, want %d", tt.bps, got, tt.want)
		}
	}
	if s.Stats().BitrateUpdates != 3 {
		t.Errorf("BitrateUpdates = %d, want 3", s.Stats().BitrateUpdates)
	}

	// Zero pauses: frames are dropped before they reach the driver.
	if err := s.SetTargetBitrate(0); err != nil {
		t.Fatal(err)
	}
	tex := newTestHostTexture(64, 64)
	if err := sendTestFrame(t, s, tex, nil); err != nil {
		t.Fatal(err)
	}
	if got := s.Stats().Encoder.FramesPaused; got != 1 {
		t.Errorf("FramesPaused = %d, want 1", got)
	}
	if len(d.Stats().Pictures) != 0 {
		t.Errorf("%d pictures submitted while paused", len(d.Stats().Pictures))
	}
}

func TestVideoSenderClose(t *testing.T) {
	d := NewSimulatedDriver()
	h := newTestHost(t, d, false)
	s, pc := newTestSender(t, h, DefaultCodecSettings(64, 64))
	defer pc.Close()

	tex := newTestHostTexture(64, 64)
	if err := sendTestFrame(t, s, tex, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if s.State() != SenderStateClosed || s.Track().State() != TrackStateEnded {
		t.Errorf("sender %s, track %s", s.State(), s.Track().State())
	}

	events := newFrameLog()
	buf, err := s.NewFrame(PixelFormatBGRA32, 64, 64, tex, events)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SendFrame(buf, time.Now()); !errors.Is(err, ErrResourceState) {
		t.Errorf("SendFrame after Close = %v, want ErrResourceState", err)
	}
	if n, encoded := events.calls(buf.FrameID()); n != 1 || encoded {
		t.Errorf("rejected frame notified %d times, encoded=%t", n, encoded)
	}

	st := d.Stats()
	if st.Live != 0 || st.Resources != 0 || st.Registered != 0 {
		t.Errorf("driver leaks after Close: %+v", st)
	}
}

// TestVideoSenderLoopback negotiates two local peer connections and checks
// that encoded H.264 reaches the remote track.
func TestVideoSenderLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback test in short mode")
	}

	h := newTestHost(t, NewSimulatedDriver(), true)
	settings := DefaultCodecSettings(64, 64)
	s, offerer := newTestSender(t, h, settings)
	defer offerer.Close()
	defer s.Close()

	answerer, _, err := h.NewPeerConnection()
	if err != nil {
		t.Fatal(err)
	}
	defer answerer.Close()

	received := make(chan string, 1)
	var once sync.Once
	answerer.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) > 0 {
			once.Do(func() { received <- track.Codec().MimeType })
		}
	})

	offer, err := offerer.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	gathered := webrtc.GatheringCompletePromise(offerer)
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	<-gathered
	if err := answerer.SetRemoteDescription(*offerer.LocalDescription()); err != nil {
		t.Fatal(err)
	}
	answer, err := answerer.CreateAnswer(nil)
	if err != nil {
		t.Fatal(err)
	}
	gathered = webrtc.GatheringCompletePromise(answerer)
	if err := answerer.SetLocalDescription(answer); err != nil {
		t.Fatal(err)
	}
	<-gathered
	if err := offerer.SetRemoteDescription(*answerer.LocalDescription()); err != nil {
		t.Fatal(err)
	}

	tex := newTestHostTexture(64, 64)
	ticker := time.NewTicker(33 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case mime := <-received:
			if mime != webrtc.MimeTypeH264 {
				t.Errorf("remote codec %s", mime)
			}
			if s.Track().PacketsSent() == 0 {
				t.Error("track reports no packets sent")
			}
			return
		case <-ticker.C:
			if err := sendTestFrame(t, s, tex, nil); err != nil {
				t.Fatalf("SendFrame: %v", err)
			}
		case <-timeout:
			t.Skip("no media within 10s, local ICE may be unavailable")
		}
	}
}

func TestRTPTimestampWraps(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want uint32
	}{
		{0, 0},
		{-time.Second, 0},
		{1500 * time.Millisecond, 135_000},
		{100 * time.Millisecond, 9000},
		{14 * time.Hour, uint32(uint64(14*3600*90000) % (1 << 32))},
		{14*time.Hour + time.Second, uint32(uint64(14*3600*90000+90000) % (1 << 32))},
	}
	for _, tt := range tests {
		if got := rtpTimestamp(tt.d, 90000); got != tt.want {
			t.Errorf("rtpTimestamp(%v) = %d, want %d", tt.d, got, tt.want)
		}
	}
}
