package hwenc

// NALUnitType is the nal_unit_type field of an H.264 NAL header.
type NALUnitType uint8

// H264 NAL unit types
const (
	NALUnitSlice NALUnitType = 1
	NALUnitIDR   NALUnitType = 5
	NALUnitSEI   NALUnitType = 6
	NALUnitSPS   NALUnitType = 7
	NALUnitPPS   NALUnitType = 8
	NALUnitAUD   NALUnitType = 9
	NALUnitSTAPA NALUnitType = 24 // Single-time aggregation packet
	NALUnitFUA   NALUnitType = 28 // Fragmentation unit A
)

func (t NALUnitType) String() string {
	switch t {
	case NALUnitSlice:
		return "Slice"
	case NALUnitIDR:
		return "IDR"
	case NALUnitSEI:
		return "SEI"
	case NALUnitSPS:
		return "SPS"
	case NALUnitPPS:
		return "PPS"
	case NALUnitAUD:
		return "AUD"
	case NALUnitSTAPA:
		return "STAP-A"
	case NALUnitFUA:
		return "FU-A"
	default:
		return "Unknown"
	}
}

// ParseNALUnitType extracts the type from a NAL header byte.
func ParseNALUnitType(header byte) NALUnitType {
	return NALUnitType(header & 0x1F)
}

// NALUnit locates one NAL unit inside an Annex-B buffer.
type NALUnit struct {
	StartOffset   int // first byte of the start code
	PayloadOffset int // first byte after the start code
	PayloadSize   int
	Type          NALUnitType
}

// FindNALUnits scans an Annex-B buffer for 3- and 4-byte start codes. Each
// unit's payload runs up to the next unit's start code, the last one to the
// end of the buffer. A buffer without start codes yields nil.
func FindNALUnits(buf []byte) []NALUnit {
	if len(buf) < 3 {
		return nil
	}

	var units []NALUnit
	end := len(buf) - 3
	for i := 0; i < end; {
		switch {
		case buf[i+2] > 1:
			i += 3
		case buf[i+2] == 1:
			if buf[i+1] == 0 && buf[i] == 0 {
				u := NALUnit{StartOffset: i, PayloadOffset: i + 3}
				if u.StartOffset > 0 && buf[u.StartOffset-1] == 0 {
					u.StartOffset--
				}
				if n := len(units); n > 0 {
					units[n-1].PayloadSize = u.StartOffset - units[n-1].PayloadOffset
				}
				units = append(units, u)
			}
			i += 3
		default:
			i++
		}
	}

	if n := len(units); n > 0 {
		units[n-1].PayloadSize = len(buf) - units[n-1].PayloadOffset
	}
	for i := range units {
		units[i].Type = ParseNALUnitType(buf[units[i].PayloadOffset])
	}
	return units
}

// Fragment is one entry of a FragmentationHeader.
type Fragment struct {
	Offset   int
	Length   int
	Type     NALUnitType
	TimeDiff int
}

// FragmentationHeader lists the NAL units of one encoded frame by payload
// offset and length. The packetizer consumes it instead of rescanning.
type FragmentationHeader struct {
	Fragments []Fragment
}

// NewFragmentationHeader builds the header for an Annex-B buffer.
func NewFragmentationHeader(buf []byte) FragmentationHeader {
	units := FindNALUnits(buf)
	if len(units) == 0 {
		return FragmentationHeader{}
	}
	frags := make([]Fragment, len(units))
	for i, u := range units {
		frags[i] = Fragment{
			Offset: u.PayloadOffset,
			Length: u.PayloadSize,
			Type:   u.Type,
		}
	}
	return FragmentationHeader{Fragments: frags}
}

// Len returns the number of fragments.
func (h *FragmentationHeader) Len() int { return len(h.Fragments) }

// Payload returns fragment i of buf, without its start code.
func (h *FragmentationHeader) Payload(buf []byte, i int) []byte {
	f := h.Fragments[i]
	return buf[f.Offset : f.Offset+f.Length]
}

// HasType reports whether any fragment is of type t.
func (h *FragmentationHeader) HasType(t NALUnitType) bool {
	for _, f := range h.Fragments {
		if f.Type == t {
			return true
		}
	}
	return false
}
