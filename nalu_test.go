package hwenc

import (
	"bytes"
	"slices"
	"testing"
)

func TestFindNALUnits(t *testing.T) {
	tests := []struct {
		name  string
		buf   []byte
		want  []NALUnit
		empty bool
	}{
		{
			name:  "empty buffer",
			buf:   nil,
			empty: true,
		},
		{
			name:  "no start code",
			buf:   []byte{0x65, 0x88, 0x84, 0x00, 0x10},
			empty: true,
		},
		{
			name: "single unit 4-byte start code",
			buf:  []byte{0, 0, 0, 1, 0x65, 0xAA, 0xBB},
			want: []NALUnit{{StartOffset: 0, PayloadOffset: 4, PayloadSize: 3, Type: NALUnitIDR}},
		},
		{
			name: "single unit 3-byte start code",
			buf:  []byte{0, 0, 1, 0x41, 0xAA},
			want: []NALUnit{{StartOffset: 0, PayloadOffset: 3, PayloadSize: 2, Type: NALUnitSlice}},
		},
		{
			name: "sps pps idr",
			buf: []byte{
				0, 0, 0, 1, 0x67, 0x42, 0xe0,
				0, 0, 0, 1, 0x68, 0xce,
				0, 0, 1, 0x65, 0x88, 0x84, 0x21,
			},
			want: []NALUnit{
				{StartOffset: 0, PayloadOffset: 4, PayloadSize: 3, Type: NALUnitSPS},
				{StartOffset: 7, PayloadOffset: 11, PayloadSize: 2, Type: NALUnitPPS},
				{StartOffset: 13, PayloadOffset: 16, PayloadSize: 4, Type: NALUnitIDR},
			},
		},
		{
			name: "leading garbage",
			buf:  []byte{0xFF, 0xFE, 0, 0, 1, 0x09, 0xF0},
			want: []NALUnit{{StartOffset: 2, PayloadOffset: 5, PayloadSize: 2, Type: NALUnitAUD}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := bytes.Clone(tt.buf)
			got := FindNALUnits(tt.buf)
			if again := FindNALUnits(tt.buf); !slices.Equal(got, again) {
				t.Errorf("second scan = %+v, first %+v", again, got)
			}
			first, second := NewFragmentationHeader(tt.buf), NewFragmentationHeader(tt.buf)
			if !slices.Equal(first.Fragments, second.Fragments) {
				t.Errorf("fragmentation headers differ: %+v vs %+v", first.Fragments, second.Fragments)
			}
			if !bytes.Equal(orig, tt.buf) {
				t.Errorf("scan modified the buffer: % x", tt.buf)
			}
			if tt.empty {
				if len(got) != 0 {
					t.Fatalf("FindNALUnits() = %+v, want none", got)
				}
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("FindNALUnits() returned %d units, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("unit %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFindNALUnitsLastUnitRunsToEnd(t *testing.T) {
	buf := append([]byte{0, 0, 0, 1, 0x41}, bytes.Repeat([]byte{0x9A}, 1000)...)
	units := FindNALUnits(buf)
	if len(units) != 1 {
		t.Fatalf("got %d units, want 1", len(units))
	}
	if units[0].PayloadSize != len(buf)-units[0].PayloadOffset {
		t.Errorf("PayloadSize = %d, want %d", units[0].PayloadSize, len(buf)-units[0].PayloadOffset)
	}
}

func TestFragmentationHeader(t *testing.T) {
	buf := []byte{
		0, 0, 0, 1, 0x67, 0x42, 0xe0, 0x1f,
		0, 0, 0, 1, 0x68, 0xce, 0x3c, 0x80,
		0, 0, 0, 1, 0x65, 0x88, 0x84,
	}
	frag := NewFragmentationHeader(buf)
	if frag.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", frag.Len())
	}
	if !frag.HasType(NALUnitSPS) || !frag.HasType(NALUnitPPS) || !frag.HasType(NALUnitIDR) {
		t.Errorf("missing parameter sets or IDR: %+v", frag.Fragments)
	}
	if frag.HasType(NALUnitSlice) {
		t.Error("HasType(Slice) = true for an IDR frame")
	}
	if got := frag.Payload(buf, 1); !bytes.Equal(got, []byte{0x68, 0xce, 0x3c, 0x80}) {
		t.Errorf("Payload(1) = %x", got)
	}
	if got := frag.Payload(buf, 2); !bytes.Equal(got, []byte{0x65, 0x88, 0x84}) {
		t.Errorf("Payload(2) = %x", got)
	}

	if empty := NewFragmentationHeader([]byte{1, 2, 3, 4}); empty.Len() != 0 {
		t.Errorf("Len() = %d for a buffer without start codes", empty.Len())
	}
}

func TestNALUnitTypeString(t *testing.T) {
	if s := ParseNALUnitType(0x65).String(); s != "IDR" {
		t.Errorf("ParseNALUnitType(0x65) = %s, want IDR", s)
	}
	if s := ParseNALUnitType(0x7C).String(); s != "FU-A" {
		t.Errorf("ParseNALUnitType(0x7C) = %s, want FU-A", s)
	}
	if s := NALUnitType(30).String(); s != "Unknown" {
		t.Errorf("NALUnitType(30) = %s, want Unknown", s)
	}
}
