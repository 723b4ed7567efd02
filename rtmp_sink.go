package hwenc

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/logging"
	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

// FLV video tag constants for AVC.
const (
	flvCodecAVC         = 7
	flvFrameKey         = 1
	flvFrameInter       = 2
	avcSequenceHeader   = 0
	avcNALU             = 1
	rtmpVideoChunkID    = 6
	defaultRTMPChunkLen = 4096
)

// RTMPSinkConfig configures an RTMPSink.
type RTMPSinkConfig struct {
	// URL is rtmp://host[:port]/app/streamKey.
	URL       string
	ChunkSize uint32

	// Dial attempts back off exponentially from RetryInterval. Zero
	// DialRetries tries once.
	DialRetries   int
	RetryInterval time.Duration

	LoggerFactory logging.LoggerFactory
}

// DefaultRTMPSinkConfig returns a config publishing to rawURL.
func DefaultRTMPSinkConfig(rawURL string) RTMPSinkConfig {
	return RTMPSinkConfig{
		URL:           rawURL,
		ChunkSize:     defaultRTMPChunkLen,
		DialRetries:   3,
		RetryInterval: 500 * time.Millisecond,
	}
}

// videoTagWriter sends one FLV video tag body at a millisecond timestamp.
type videoTagWriter interface {
	WriteVideo(timestampMs uint32, tag []byte) error
	Close() error
}

// RTMPSink publishes encoded images to an RTMP server as FLV AVC tags. It is
// an EncodedImageCallback and can be attached next to a WebRTC track.
// Delta frames are dropped until the first key frame carrying SPS and PPS.
type RTMPSink struct {
	w   videoTagWriter
	log logging.LeveledLogger

	mu       sync.Mutex
	sps, pps []byte
	started  bool
	baseTS   uint32
	frames   uint64
	dropped  uint64
	closed   bool
}

// DialRTMPSink connects to cfg.URL and starts publishing, retrying failed
// dials until ctx is done or the retries run out.
func DialRTMPSink(ctx context.Context, cfg RTMPSinkConfig) (*RTMPSink, error) {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = defaultRTMPChunkLen
	}
	log := cfg.LoggerFactory.NewLogger("hwenc-rtmp")

	target, err := parseRTMPURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	ebo := backoff.NewExponentialBackOff()
	if cfg.RetryInterval > 0 {
		ebo.InitialInterval = cfg.RetryInterval
	}
	ebo.Reset()
	var b backoff.BackOff = &backoff.StopBackOff{}
	if cfg.DialRetries > 0 {
		b = backoff.WithMaxRetries(ebo, uint64(cfg.DialRetries))
	}

	var w *rtmpPublisher
	op := func() error {
		var err error
		w, err = dialRTMP(target, cfg.ChunkSize, log)
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Warnf("rtmp dial %s failed, retrying in %v: %v", target.host, next, err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return newRTMPSink(w, log), nil
}

func newRTMPSink(w videoTagWriter, log logging.LeveledLogger) *RTMPSink {
	return &RTMPSink{w: w, log: log}
}

// OnEncodedImage implements EncodedImageCallback.
func (s *RTMPSink) OnEncodedImage(img *EncodedImage, info *CodecSpecificInfo, frag *FragmentationHeader) error {
	if info != nil && info.Codec != VideoCodecH264 {
		return fmt.Errorf("%w: rtmp sink carries H264, got %s", ErrNotSupported, info.Codec)
	}
	if frag == nil {
		h := NewFragmentationHeader(img.Data)
		frag = &h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	sps, pps := parameterSets(img.Data, frag)
	if img.IsKeyframe() && sps != nil && pps != nil && (!bytes.Equal(sps, s.sps) || !bytes.Equal(pps, s.pps)) {
		s.sps = append(s.sps[:0], sps...)
		s.pps = append(s.pps[:0], pps...)
		if !s.started {
			s.baseTS = img.Timestamp
		}
		tag := FLVVideoTag(true, avcSequenceHeader, 0, AVCDecoderConfigurationRecord(s.sps, s.pps))
		if err := s.w.WriteVideo(s.timestampMs(img.Timestamp), tag); err != nil {
			return err
		}
		s.started = true
		s.log.Debugf("sent AVC sequence header, sps %d bytes, pps %d bytes", len(sps), len(pps))
	}
	if !s.started {
		s.dropped++
		return nil
	}

	body := AnnexBToAVCC(img.Data, frag)
	if len(body) == 0 {
		return nil
	}
	tag := FLVVideoTag(img.IsKeyframe(), avcNALU, 0, body)
	if err := s.w.WriteVideo(s.timestampMs(img.Timestamp), tag); err != nil {
		return err
	}
	s.frames++
	return nil
}

func (s *RTMPSink) timestampMs(rtpTS uint32) uint32 {
	return (rtpTS - s.baseTS) / (VideoCodecH264.ClockRate() / 1000)
}

// FramesWritten returns how many frames were published.
func (s *RTMPSink) FramesWritten() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// FramesDropped returns how many frames arrived before the first key frame.
func (s *RTMPSink) FramesDropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close disconnects from the server.
func (s *RTMPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.w.Close()
}

// parameterSets returns the first SPS and PPS in the frame.
func parameterSets(data []byte, frag *FragmentationHeader) (sps, pps []byte) {
	for i, f := range frag.Fragments {
		switch f.Type {
		case NALUnitSPS:
			if sps == nil {
				sps = frag.Payload(data, i)
			}
		case NALUnitPPS:
			if pps == nil {
				pps = frag.Payload(data, i)
			}
		}
	}
	return sps, pps
}

// AnnexBToAVCC rewrites the frame's NAL units with 4-byte length prefixes,
// leaving out parameter sets and access unit delimiters.
func AnnexBToAVCC(data []byte, frag *FragmentationHeader) []byte {
	var out []byte
	for i, f := range frag.Fragments {
		switch f.Type {
		case NALUnitSPS, NALUnitPPS, NALUnitAUD:
			continue
		}
		nalu := frag.Payload(data, i)
		if len(nalu) == 0 {
			continue
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(nalu)))
		out = append(out, nalu...)
	}
	return out
}

// AVCDecoderConfigurationRecord builds the avcC box body for one SPS and PPS.
func AVCDecoderConfigurationRecord(sps, pps []byte) []byte {
	rec := make([]byte, 0, 11+len(sps)+len(pps))
	rec = append(rec, 1, sps[1], sps[2], sps[3], 0xFF, 0xE1)
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(sps)))
	rec = append(rec, sps...)
	rec = append(rec, 1)
	rec = binary.BigEndian.AppendUint16(rec, uint16(len(pps)))
	rec = append(rec, pps...)
	return rec
}

// FLVVideoTag builds an AVC video tag body.
func FLVVideoTag(key bool, packetType byte, compositionTime int32, body []byte) []byte {
	frameType := byte(flvFrameInter)
	if key {
		frameType = flvFrameKey
	}
	tag := make([]byte, 5, 5+len(body))
	tag[0] = frameType<<4 | flvCodecAVC
	tag[1] = packetType
	tag[2] = byte(compositionTime >> 16)
	tag[3] = byte(compositionTime >> 8)
	tag[4] = byte(compositionTime)
	return append(tag, body...)
}

// rtmpPublisher is a go-rtmp client publishing one stream.
type rtmpPublisher struct {
	conn   *rtmp.ClientConn
	stream *rtmp.Stream
}

type rtmpTarget struct {
	host, app, key string
}

func parseRTMPURL(raw string) (rtmpTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return rtmpTarget{}, fmt.Errorf("%w: rtmp url: %v", ErrInvalidParameter, err)
	}
	if u.Scheme != "rtmp" {
		return rtmpTarget{}, fmt.Errorf("%w: rtmp url scheme %q", ErrInvalidParameter, u.Scheme)
	}
	app, key, ok := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if !ok || app == "" || key == "" {
		return rtmpTarget{}, fmt.Errorf("%w: rtmp url %q needs /app/streamKey", ErrInvalidParameter, raw)
	}
	host := u.Host
	if u.Port() == "" {
		host += ":1935"
	}
	return rtmpTarget{host: host, app: app, key: key}, nil
}

// rtmpLogger routes go-rtmp's logrus output into log at debug level.
func rtmpLogger(log logging.LeveledLogger) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(leveledWriter{log})
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

type leveledWriter struct{ log logging.LeveledLogger }

func (w leveledWriter) Write(p []byte) (int, error) {
	w.log.Debug(strings.TrimSpace(string(p)))
	return len(p), nil
}

func dialRTMP(t rtmpTarget, chunkSize uint32, log logging.LeveledLogger) (*rtmpPublisher, error) {
	host, app, key := t.host, t.app, t.key
	conn, err := rtmp.Dial("rtmp", host, &rtmp.ConnConfig{Logger: rtmpLogger(log)})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host, err)
	}
	if err := conn.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:      app,
			Type:     "nonprivate",
			FlashVer: "FMLE/3.0",
			TCURL:    "rtmp://" + host + "/" + app,
		},
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect %s: %w", app, err)
	}
	stream, err := conn.CreateStream(nil, chunkSize)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create stream: %w", err)
	}
	if err := stream.Publish(&rtmpmsg.NetStreamPublish{
		PublishingName: key,
		PublishingType: "live",
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("publish %s: %w", key, err)
	}
	return &rtmpPublisher{conn: conn, stream: stream}, nil
}

func (p *rtmpPublisher) WriteVideo(timestampMs uint32, tag []byte) error {
	return p.stream.Write(rtmpVideoChunkID, timestampMs, &rtmpmsg.VideoMessage{
		Payload: bytes.NewReader(tag),
	})
}

func (p *rtmpPublisher) Close() error {
	return p.conn.Close()
}
