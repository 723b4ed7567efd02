package hwenc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/pion/rtp"
)

// annexB joins NAL units with 4-byte start codes.
func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

func filledNALU(header byte, size int) []byte {
	n := make([]byte, size)
	n[0] = header
	for i := 1; i < size; i++ {
		n[i] = 0x80 | byte(i)&0x7f
	}
	return n
}

func TestH264PacketizerSingleNAL(t *testing.T) {
	p := NewH264Packetizer(12345, 102, 1200, PacketizationNonInterleaved)
	sps := []byte{0x67, 0x42, 0xe0, 0x1f}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}
	idr := filledNALU(0x65, 500)
	img := &EncodedImage{Data: annexB(sps, pps, idr), Timestamp: 90000, FrameType: FrameTypeKey}

	packets, err := p.PacketizeImage(img, nil)
	if err != nil {
		t.Fatalf("PacketizeImage failed: %v", err)
	}
	if len(packets) != 3 {
		t.Fatalf("got %d packets, want 3", len(packets))
	}

	for i, pkt := range packets {
		if pkt.SSRC != 12345 {
			t.Errorf("packet %d SSRC = %d", i, pkt.SSRC)
		}
		if pkt.PayloadType != 102 {
			t.Errorf("packet %d PayloadType = %d", i, pkt.PayloadType)
		}
		if pkt.Timestamp != 90000 {
			t.Errorf("packet %d Timestamp = %d", i, pkt.Timestamp)
		}
		if pkt.Marker != (i == len(packets)-1) {
			t.Errorf("packet %d Marker = %t", i, pkt.Marker)
		}
		if i > 0 && pkt.SequenceNumber != packets[i-1].SequenceNumber+1 {
			t.Errorf("packet %d sequence %d after %d", i, pkt.SequenceNumber, packets[i-1].SequenceNumber)
		}
	}
	if !bytes.Equal(packets[0].Payload, sps) || !bytes.Equal(packets[1].Payload, pps) || !bytes.Equal(packets[2].Payload, idr) {
		t.Error("single NAL payloads do not match the NAL units")
	}
}

func TestH264PacketizerFUA(t *testing.T) {
	const mtu = 200
	p := NewH264Packetizer(1, 102, mtu, PacketizationNonInterleaved)
	idr := filledNALU(0x65, 1000)
	img := &EncodedImage{Data: annexB(idr), Timestamp: 3000}

	packets, err := p.PacketizeImage(img, nil)
	if err != nil {
		t.Fatalf("PacketizeImage failed: %v", err)
	}
	maxFragment := mtu - rtpHeaderSize - fuaHeaderSize
	want := (len(idr) - 1 + maxFragment - 1) / maxFragment
	if len(packets) != want {
		t.Fatalf("got %d packets, want %d", len(packets), want)
	}

	var reassembled []byte
	for i, pkt := range packets {
		if len(pkt.Payload)+rtpHeaderSize > mtu {
			t.Errorf("packet %d is %d bytes, over the MTU", i, len(pkt.Payload)+rtpHeaderSize)
		}
		indicator, header := pkt.Payload[0], pkt.Payload[1]
		if ParseNALUnitType(indicator) != NALUnitFUA {
			t.Errorf("packet %d indicator type %d", i, indicator&0x1f)
		}
		if indicator&0xE0 != 0x65&0xE0 {
			t.Errorf("packet %d lost NRI bits", i)
		}
		if start := header&0x80 != 0; start != (i == 0) {
			t.Errorf("packet %d start bit %t", i, start)
		}
		if end := header&0x40 != 0; end != (i == len(packets)-1) {
			t.Errorf("packet %d end bit %t", i, end)
		}
		if NALUnitType(header&0x1f) != NALUnitIDR {
			t.Errorf("packet %d FU type %d", i, header&0x1f)
		}
		reassembled = append(reassembled, pkt.Payload[2:]...)
	}
	if !bytes.Equal(reassembled, idr[1:]) {
		t.Error("FU-A fragments do not reassemble to the NAL unit")
	}
}

func TestH264PacketizerSingleNALModeRejectsLargeUnits(t *testing.T) {
	p := NewH264Packetizer(1, 102, 200, PacketizationSingleNAL)
	img := &EncodedImage{Data: annexB(filledNALU(0x41, 500))}
	if _, err := p.PacketizeImage(img, nil); !errors.Is(err, ErrNotSupported) {
		t.Errorf("PacketizeImage = %v, want ErrNotSupported", err)
	}

	small := &EncodedImage{Data: annexB(filledNALU(0x41, 100))}
	packets, err := p.PacketizeImage(small, nil)
	if err != nil || len(packets) != 1 {
		t.Errorf("small unit: %d packets, err %v", len(packets), err)
	}
}

func TestH264PacketizerUsesFragmentationHeader(t *testing.T) {
	p := NewH264Packetizer(1, 102, 1200, PacketizationNonInterleaved)
	data := annexB([]byte{0x09, 0xF0}, filledNALU(0x41, 50))
	frag := NewFragmentationHeader(data)
	// Drop the access unit delimiter from the header; the packetizer must
	// follow the header rather than rescan.
	frag.Fragments = frag.Fragments[1:]
	packets, err := p.PacketizeImage(&EncodedImage{Data: data}, &frag)
	if err != nil {
		t.Fatal(err)
	}
	if len(packets) != 1 || ParseNALUnitType(packets[0].Payload[0]) != NALUnitSlice {
		t.Errorf("got %d packets", len(packets))
	}
}

func TestH264PacketizerEmptyAndInvalid(t *testing.T) {
	p := NewH264Packetizer(1, 102, 0, PacketizationNonInterleaved)
	if p.MTU() != DefaultMTU {
		t.Errorf("MTU() = %d, want default %d", p.MTU(), DefaultMTU)
	}
	packets, err := p.PacketizeImage(&EncodedImage{}, nil)
	if err != nil || packets != nil {
		t.Errorf("empty image: %v, %v", packets, err)
	}
	if _, err := p.PacketizeImage(&EncodedImage{Data: []byte{1, 2, 3, 4}}, nil); err == nil {
		t.Error("expected error for data without NAL units")
	}
}

func TestH264PacketizerVideoOrientation(t *testing.T) {
	p := NewH264Packetizer(1, 102, 1200, PacketizationNonInterleaved)
	p.SetVideoOrientationExtension(4)

	data := annexB(filledNALU(0x65, 100), filledNALU(0x41, 100))
	packets, err := p.PacketizeImage(&EncodedImage{Data: data, Rotation: VideoRotation270}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ext := packets[0].GetExtension(4); ext != nil {
		t.Error("orientation extension on a non-final packet")
	}
	ext := packets[len(packets)-1].GetExtension(4)
	var vo VideoOrientation
	if err := vo.Unmarshal(ext); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if vo.Rotation != VideoRotation270 {
		t.Errorf("Rotation = %d, want 270", vo.Rotation)
	}

	packets, err = p.PacketizeImage(&EncodedImage{Data: data}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if packets[len(packets)-1].Extension {
		t.Error("unrotated frame carries an orientation extension")
	}
}

func TestVideoOrientationMarshal(t *testing.T) {
	tests := []struct {
		vo   VideoOrientation
		want byte
	}{
		{VideoOrientation{}, 0x00},
		{VideoOrientation{Rotation: VideoRotation90}, 0x01},
		{VideoOrientation{Rotation: VideoRotation180, FlipHorizontal: true}, 0x06},
		{VideoOrientation{Rotation: VideoRotation270, CameraBackFacing: true}, 0x0B},
	}
	for _, tt := range tests {
		got := tt.vo.Marshal()
		if len(got) != 1 || got[0] != tt.want {
			t.Errorf("Marshal(%+v) = %x, want %02x", tt.vo, got, tt.want)
		}
		var back VideoOrientation
		if err := back.Unmarshal(got); err != nil || back != tt.vo {
			t.Errorf("Unmarshal(%x) = %+v, %v", got, back, err)
		}
	}
	var vo VideoOrientation
	if err := vo.Unmarshal(nil); err == nil {
		t.Error("Unmarshal(nil) succeeded")
	}
}

func TestH264RoundTrip(t *testing.T) {
	p := NewH264Packetizer(1, 102, 300, PacketizationNonInterleaved)
	d := NewH264Depacketizer()

	sps := []byte{0x67, 0x42, 0xe0, 0x1f}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}
	frames := [][]byte{
		annexB(sps, pps, filledNALU(0x65, 2000)),
		annexB(filledNALU(0x41, 150)),
		annexB(filledNALU(0x41, 900)),
	}

	for i, data := range frames {
		img := &EncodedImage{Data: data, Timestamp: uint32(i+1) * 3000}
		packets, err := p.PacketizeImage(img, nil)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}

		var out *EncodedImage
		for j, pkt := range packets {
			// Marshal and parse so the test covers the wire format.
			raw, err := pkt.Marshal()
			if err != nil {
				t.Fatal(err)
			}
			var parsed rtp.Packet
			if err := parsed.Unmarshal(raw); err != nil {
				t.Fatal(err)
			}
			got, err := d.Depacketize(&parsed)
			if err != nil {
				t.Fatalf("frame %d packet %d: %v", i, j, err)
			}
			if got != nil {
				if j != len(packets)-1 {
					t.Fatalf("frame %d completed early at packet %d", i, j)
				}
				out = got
			}
		}
		if out == nil {
			t.Fatalf("frame %d not reassembled", i)
		}
		if !bytes.Equal(out.Data, data) {
			t.Errorf("frame %d: reassembled %d bytes, want %d", i, len(out.Data), len(data))
		}
		if out.IsKeyframe() != (i == 0) {
			t.Errorf("frame %d key = %t", i, out.IsKeyframe())
		}
		if out.Timestamp != img.Timestamp {
			t.Errorf("frame %d timestamp %d", i, out.Timestamp)
		}
	}
}

func TestH264DepacketizerSTAPA(t *testing.T) {
	d := NewH264Depacketizer()
	sps := []byte{0x67, 0x42, 0xe0}
	pps := []byte{0x68, 0xce}
	payload := []byte{0x78, 0, byte(len(sps))}
	payload = append(payload, sps...)
	payload = append(payload, 0, byte(len(pps)))
	payload = append(payload, pps...)

	if img, err := d.Depacketize(&rtp.Packet{Header: rtp.Header{Timestamp: 1}, Payload: payload}); err != nil || img != nil {
		t.Fatalf("STAP-A without marker: %v %v", img, err)
	}
	img, err := d.Depacketize(&rtp.Packet{Header: rtp.Header{Timestamp: 1, Marker: true}, Payload: filledNALU(0x65, 10)})
	if err != nil {
		t.Fatal(err)
	}
	want := annexB(sps, pps, filledNALU(0x65, 10))
	if !bytes.Equal(img.Data, want) || !img.IsKeyframe() {
		t.Errorf("STAP-A frame = %x, key %t", img.Data, img.IsKeyframe())
	}

	bad := []byte{0x78, 0, 50, 0x67}
	if _, err := d.Depacketize(&rtp.Packet{Header: rtp.Header{Timestamp: 2}, Payload: bad}); err == nil {
		t.Error("truncated STAP-A accepted")
	}
}

func TestH264DepacketizerDropsPartialFrameOnNewTimestamp(t *testing.T) {
	p := NewH264Packetizer(1, 102, 100, PacketizationNonInterleaved)
	d := NewH264Depacketizer()

	first, _ := p.PacketizeImage(&EncodedImage{Data: annexB(filledNALU(0x65, 400)), Timestamp: 100}, nil)
	second, _ := p.PacketizeImage(&EncodedImage{Data: annexB(filledNALU(0x41, 50)), Timestamp: 200}, nil)

	// Lose the tail of the first frame.
	for _, pkt := range first[:len(first)-1] {
		if img, err := d.Depacketize(pkt); err != nil || img != nil {
			t.Fatalf("partial frame: %v %v", img, err)
		}
	}
	img, err := d.Depacketize(second[0])
	if err != nil {
		t.Fatal(err)
	}
	if img == nil || img.Timestamp != 200 || img.IsKeyframe() {
		t.Fatalf("second frame = %+v", img)
	}
	if !bytes.Equal(img.Data, annexB(filledNALU(0x41, 50))) {
		t.Error("second frame carries data of the first")
	}

	d.Reset()
	if img, _ := d.Depacketize(&rtp.Packet{Payload: nil}); img != nil {
		t.Error("empty payload produced a frame")
	}
}
