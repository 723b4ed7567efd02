package hwenc

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pion/rtp"
)

const fuaHeaderSize = 2

// H264Packetizer splits encoded images into RTP packets along the NAL unit
// boundaries of their FragmentationHeader. NAL units that fit go out as
// single NAL unit packets; larger ones are split into FU-A fragments, which
// requires packetization mode 1.
type H264Packetizer struct {
	ssrc        uint32
	payloadType uint8
	mtu         int
	mode        PacketizationMode
	sequencer   rtp.Sequencer

	// Negotiated video orientation extension id, 0 when not negotiated.
	orientationID uint8

	mu sync.Mutex
}

// NewH264Packetizer creates a packetizer. A non-positive mtu selects DefaultMTU.
func NewH264Packetizer(ssrc uint32, payloadType uint8, mtu int, mode PacketizationMode) *H264Packetizer {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &H264Packetizer{
		ssrc:        ssrc,
		payloadType: payloadType,
		mtu:         mtu,
		mode:        mode,
		sequencer:   rtp.NewRandomSequencer(),
	}
}

// PacketizeImage converts img into RTP packets. frag may be nil, in which case
// img.Data is scanned for NAL units. The marker bit is set on the last packet.
func (p *H264Packetizer) PacketizeImage(img *EncodedImage, frag *FragmentationHeader) ([]*rtp.Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(img.Data) == 0 {
		return nil, nil
	}
	if frag == nil {
		h := NewFragmentationHeader(img.Data)
		frag = &h
	}
	if frag.Len() == 0 {
		return nil, fmt.Errorf("no NAL units found in frame")
	}

	maxPayload := p.mtu - rtpHeaderSize
	var packets []*rtp.Packet

	for i := 0; i < frag.Len(); i++ {
		nalu := frag.Payload(img.Data, i)
		if len(nalu) == 0 {
			continue
		}

		if len(nalu) <= maxPayload {
			packets = append(packets, p.newPacket(img.Timestamp, nalu))
			continue
		}
		if p.mode != PacketizationNonInterleaved {
			return nil, fmt.Errorf("%w: %s of %d bytes exceeds %d byte payload in single NAL mode",
				ErrNotSupported, frag.Fragments[i].Type, len(nalu), maxPayload)
		}
		packets = append(packets, p.fragment(nalu, img.Timestamp)...)
	}

	if len(packets) == 0 {
		return nil, nil
	}
	last := packets[len(packets)-1]
	last.Marker = true
	if p.orientationID != 0 && img.Rotation != VideoRotation0 {
		orientation := VideoOrientation{Rotation: img.Rotation}
		if err := last.SetExtension(p.orientationID, orientation.Marshal()); err != nil {
			return nil, err
		}
	}
	return packets, nil
}

func (p *H264Packetizer) newPacket(timestamp uint32, payload []byte) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    p.payloadType,
			SequenceNumber: p.sequencer.NextSequenceNumber(),
			Timestamp:      timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
}

// fragment splits one NAL unit into FU-A packets.
func (p *H264Packetizer) fragment(nalu []byte, timestamp uint32) []*rtp.Packet {
	header := nalu[0]
	indicator := header&0xE0 | byte(NALUnitFUA)
	naluType := header & 0x1F
	payload := nalu[1:]
	maxFragment := p.mtu - rtpHeaderSize - fuaHeaderSize

	var packets []*rtp.Packet
	for offset := 0; offset < len(payload); {
		end := offset + maxFragment
		if end > len(payload) {
			end = len(payload)
		}

		fuHeader := naluType
		if offset == 0 {
			fuHeader |= 0x80
		}
		if end == len(payload) {
			fuHeader |= 0x40
		}

		buf := make([]byte, fuaHeaderSize+end-offset)
		buf[0] = indicator
		buf[1] = fuHeader
		copy(buf[fuaHeaderSize:], payload[offset:end])
		packets = append(packets, p.newPacket(timestamp, buf))

		offset = end
	}
	return packets
}

// SetVideoOrientationExtension enables the orientation extension on the last
// packet of rotated frames. id 0 disables it.
func (p *H264Packetizer) SetVideoOrientationExtension(id uint8) {
	p.mu.Lock()
	p.orientationID = id
	p.mu.Unlock()
}

func (p *H264Packetizer) SSRC() uint32            { p.mu.Lock(); defer p.mu.Unlock(); return p.ssrc }
func (p *H264Packetizer) PayloadType() uint8      { p.mu.Lock(); defer p.mu.Unlock(); return p.payloadType }
func (p *H264Packetizer) MTU() int                { p.mu.Lock(); defer p.mu.Unlock(); return p.mtu }
func (p *H264Packetizer) Mode() PacketizationMode { p.mu.Lock(); defer p.mu.Unlock(); return p.mode }

// H264Depacketizer reassembles Annex-B access units from RTP packets.
type H264Depacketizer struct {
	frameData   []byte
	fuaBuffer   []byte
	fragmenting bool
	timestamp   uint32
	started     bool
	key         bool
	mu          sync.Mutex
}

// NewH264Depacketizer creates a depacketizer.
func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{}
}

// Depacketize consumes one packet and returns the access unit it completes,
// or nil when the frame is still incomplete.
func (d *H264Depacketizer) Depacketize(pkt *rtp.Packet) (*EncodedImage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(pkt.Payload) == 0 {
		return nil, nil
	}

	if d.started && d.timestamp != pkt.Timestamp {
		d.reset()
	}
	d.started = true
	d.timestamp = pkt.Timestamp

	switch t := ParseNALUnitType(pkt.Payload[0]); {
	case t >= NALUnitSlice && t < NALUnitSTAPA:
		d.appendNALU(pkt.Payload)
	case t == NALUnitSTAPA:
		if err := d.depacketizeSTAPA(pkt.Payload); err != nil {
			return nil, err
		}
	case t == NALUnitFUA:
		if err := d.depacketizeFUA(pkt.Payload); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported NAL unit type %d", t)
	}

	if !pkt.Marker || len(d.frameData) == 0 {
		return nil, nil
	}

	img := &EncodedImage{
		Data:          make([]byte, len(d.frameData)),
		Timestamp:     d.timestamp,
		FrameType:     FrameTypeDelta,
		QP:            -1,
		CompleteFrame: !d.fragmenting,
	}
	if d.key {
		img.FrameType = FrameTypeKey
	}
	copy(img.Data, d.frameData)
	d.reset()
	return img, nil
}

func (d *H264Depacketizer) appendNALU(nalu []byte) {
	if ParseNALUnitType(nalu[0]) == NALUnitIDR {
		d.key = true
	}
	d.frameData = append(d.frameData, 0, 0, 0, 1)
	d.frameData = append(d.frameData, nalu...)
}

func (d *H264Depacketizer) depacketizeSTAPA(payload []byte) error {
	for offset := 1; offset < len(payload); {
		if offset+2 > len(payload) {
			return fmt.Errorf("STAP-A truncated at %d", offset)
		}
		size := int(binary.BigEndian.Uint16(payload[offset:]))
		offset += 2
		if size == 0 || offset+size > len(payload) {
			return fmt.Errorf("STAP-A unit of %d bytes at %d exceeds packet", size, offset)
		}
		d.appendNALU(payload[offset : offset+size])
		offset += size
	}
	return nil
}

func (d *H264Depacketizer) depacketizeFUA(payload []byte) error {
	if len(payload) < fuaHeaderSize {
		return fmt.Errorf("FU-A packet too short")
	}
	indicator, fuHeader := payload[0], payload[1]
	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0

	if start {
		d.fuaBuffer = append(d.fuaBuffer[:0], indicator&0xE0|fuHeader&0x1F)
		d.fragmenting = true
	}
	if !d.fragmenting {
		return nil
	}
	d.fuaBuffer = append(d.fuaBuffer, payload[fuaHeaderSize:]...)
	if end {
		d.appendNALU(d.fuaBuffer)
		d.fuaBuffer = d.fuaBuffer[:0]
		d.fragmenting = false
	}
	return nil
}

func (d *H264Depacketizer) reset() {
	d.frameData = d.frameData[:0]
	d.fuaBuffer = d.fuaBuffer[:0]
	d.fragmenting = false
	d.key = false
}

// Reset drops any partial frame.
func (d *H264Depacketizer) Reset() {
	d.mu.Lock()
	d.reset()
	d.started = false
	d.timestamp = 0
	d.mu.Unlock()
}
