package hwenc

import (
	"fmt"
	"unsafe"
)

// inputBufferFormat returns the encoder surface format for frames of format
// p after any host-side conversion.
func inputBufferFormat(p PixelFormat) BufferFormat {
	if p == PixelFormatRGBA32 {
		return BufferFormatABGR
	}
	return BufferFormatARGB
}

// needsSwizzle reports whether host pixels in format p must be reordered
// before upload because the encoder has no matching surface format.
func needsSwizzle(p PixelFormat) bool {
	return p == PixelFormatARGB32 || p == PixelFormatABGR32
}

// PixelConverter reorders packed 32-bit host pixels into BGRA.
type PixelConverter struct {
	width, height int

	// Pre-allocated output buffer
	out *HostTexture
}

// NewPixelConverter creates a converter for frames of the given size.
func NewPixelConverter(width, height int) *PixelConverter {
	return &PixelConverter{
		width:  width,
		height: height,
		out:    NewHostTexture(make([]byte, width*height*4), width*4, nil),
	}
}

// Convert writes src as BGRA into the converter's buffer and returns it. The
// returned texture is reused by the next call.
func (c *PixelConverter) Convert(src HostResource, format PixelFormat) (*HostTexture, error) {
	var order [4]int
	switch format {
	case PixelFormatBGRA32, PixelFormatCPUTexture:
		order = [4]int{0, 1, 2, 3}
	case PixelFormatRGBA32:
		order = [4]int{2, 1, 0, 3}
	case PixelFormatARGB32:
		order = [4]int{3, 2, 1, 0}
	case PixelFormatABGR32:
		order = [4]int{1, 2, 3, 0}
	default:
		return nil, fmt.Errorf("%w: cannot convert %s on the host", ErrNotSupported, format)
	}

	pixels, stride := src.Pixels(), src.Stride()
	if stride < c.width*4 || len(pixels) < stride*(c.height-1)+c.width*4 {
		return nil, fmt.Errorf("%w: %d bytes for %dx%d", ErrBufferTooSmall, len(pixels), c.width, c.height)
	}

	dst := c.out.Pixels()
	rowBytes := c.width * 4
	for y := 0; y < c.height; y++ {
		srcRow := pixels[y*stride : y*stride+rowBytes]
		dstRow := dst[y*rowBytes : (y+1)*rowBytes]
		if order == [4]int{0, 1, 2, 3} {
			copy(dstRow, srcRow)
			continue
		}
		for x := 0; x < rowBytes; x += 4 {
			dstRow[x] = srcRow[x+order[0]]
			dstRow[x+1] = srcRow[x+order[1]]
			dstRow[x+2] = srcRow[x+order[2]]
			dstRow[x+3] = srcRow[x+order[3]]
		}
	}
	return c.out, nil
}

// Size returns the frame size the converter was built for.
func (c *PixelConverter) Size() (width, height int) { return c.width, c.height }

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
