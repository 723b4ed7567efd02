package hwenc

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/interceptor/pkg/gcc"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// HostConfig configures a Host.
type HostConfig struct {
	Provider Provider
	Encoder  EncoderOptions
	MTU      int

	// Send-side bandwidth estimation drives encoder rates when enabled.
	BandwidthEstimation bool
	InitialBitrateBps   int
	MinBitrateBps       int
	MaxBitrateBps       int

	ICEServers    []webrtc.ICEServer
	LoggerFactory logging.LoggerFactory
}

// DefaultHostConfig returns a host with bandwidth estimation between
// 100 kbps and 8 Mbps, starting at 2 Mbps.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		Provider:            ProviderAuto,
		Encoder:             DefaultEncoderOptions(),
		MTU:                 DefaultMTU,
		BandwidthEstimation: true,
		InitialBitrateBps:   2_000_000,
		MinBitrateBps:       100_000,
		MaxBitrateBps:       8_000_000,
	}
}

// Host owns the encoder factory and the pion API every peer connection is
// built from.
type Host struct {
	cfg     HostConfig
	log     logging.LeveledLogger
	factory *HardwareEncoderFactory
	formats []SDPVideoFormat
	api     *webrtc.API

	// Peer connections are created one at a time so each picks up the
	// estimator its interceptor chain produced.
	pcMu        sync.Mutex
	estimatorCh chan cc.BandwidthEstimator
}

// NewHost registers the factory's H.264 formats with a media engine and
// builds the interceptor chain.
func NewHost(cfg HostConfig) (*Host, error) {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.Encoder.LoggerFactory == nil {
		cfg.Encoder.LoggerFactory = cfg.LoggerFactory
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}

	h := &Host{
		cfg:     cfg,
		log:     cfg.LoggerFactory.NewLogger("hwenc-host"),
		factory: NewHardwareEncoderFactory(cfg.Provider, cfg.Encoder),
	}
	h.formats = h.factory.SupportedFormats()

	m := &webrtc.MediaEngine{}
	pt := webrtc.PayloadType(VideoCodecH264.DefaultPayloadType())
	for i, f := range h.formats {
		if err := m.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: f.Capability(),
			PayloadType:        pt + webrtc.PayloadType(i),
		}, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, fmt.Errorf("register %s: %w", f.FmtpLine(), err)
		}
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: VideoOrientationURI}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, err
	}
	if cfg.BandwidthEstimation {
		if err := h.configureBandwidthEstimation(m, registry); err != nil {
			return nil, err
		}
	}

	se := webrtc.SettingEngine{LoggerFactory: cfg.LoggerFactory}
	h.api = webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	h.log.Infof("host ready, provider %s, %d H264 formats, bwe=%t",
		h.factory.Provider(), len(h.formats), cfg.BandwidthEstimation)
	return h, nil
}

func (h *Host) configureBandwidthEstimation(m *webrtc.MediaEngine, registry *interceptor.Registry) error {
	cfg := h.cfg
	controller, err := cc.NewInterceptor(func() (cc.BandwidthEstimator, error) {
		return gcc.NewSendSideBWE(
			gcc.SendSideBWEInitialBitrate(cfg.InitialBitrateBps),
			gcc.SendSideBWEMinBitrate(cfg.MinBitrateBps),
			gcc.SendSideBWEMaxBitrate(cfg.MaxBitrateBps),
		)
	})
	if err != nil {
		return err
	}
	h.estimatorCh = make(chan cc.BandwidthEstimator, 1)
	controller.OnNewPeerConnection(func(id string, estimator cc.BandwidthEstimator) {
		select {
		case h.estimatorCh <- estimator:
		default:
			h.log.Warnf("peer connection %s: estimator dropped, create peer connections with NewPeerConnection", id)
		}
	})
	registry.Add(controller)
	return webrtc.ConfigureTWCCHeaderExtensionSender(m, registry)
}

// NewPeerConnection creates a peer connection. The estimator is nil when
// bandwidth estimation is disabled.
func (h *Host) NewPeerConnection() (*webrtc.PeerConnection, cc.BandwidthEstimator, error) {
	h.pcMu.Lock()
	defer h.pcMu.Unlock()

	// Discard an estimator left by a peer connection made through API().
	select {
	case <-h.estimatorCh:
	default:
	}

	pc, err := h.api.NewPeerConnection(webrtc.Configuration{ICEServers: h.cfg.ICEServers})
	if err != nil {
		return nil, nil, err
	}
	if h.estimatorCh == nil {
		return pc, nil, nil
	}

	select {
	case estimator := <-h.estimatorCh:
		return pc, estimator, nil
	case <-time.After(time.Second):
		_ = pc.Close()
		return nil, nil, fmt.Errorf("%w: bandwidth estimator was not created", ErrResourceState)
	}
}

// NewVideoSender adds an encoder-backed H.264 track to pc. estimator may be
// nil, in which case rates stay at the settings' start bitrate.
func (h *Host) NewVideoSender(pc *webrtc.PeerConnection, estimator cc.BandwidthEstimator, settings CodecSettings) (*VideoSender, error) {
	format := h.formats[0]
	if settings.PacketizationMode == PacketizationSingleNAL {
		for _, f := range h.formats {
			if f.Parameters["packetization-mode"] == "0" {
				format = f
				break
			}
		}
	}

	track := NewEncodedVideoTrack(format.Capability(), "video-"+uuid.NewString(), "hwenc-"+uuid.NewString(), h.cfg.MTU)
	encoder, err := h.factory.CreateVideoEncoder(format)
	if err != nil {
		return nil, err
	}

	return newVideoSender(videoSenderParams{
		pc:        pc,
		track:     track,
		encoder:   encoder,
		estimator: estimator,
		settings:  settings,
		mtu:       h.cfg.MTU,
		log:       h.cfg.LoggerFactory.NewLogger("hwenc-sender"),
	})
}

// Factory returns the host's encoder factory.
func (h *Host) Factory() *HardwareEncoderFactory { return h.factory }

// API returns the pion API peer connections are built from. Peer
// connections created on it directly get no bandwidth estimator.
func (h *Host) API() *webrtc.API { return h.api }

// Config returns the host configuration.
func (h *Host) Config() HostConfig { return h.cfg }
