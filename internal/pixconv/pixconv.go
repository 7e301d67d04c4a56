// Package pixconv converts host pixel-plane layouts into the
// contiguous packed-BGR byte matrix the Detector Client encodes to
// JPEG (spec.md §4.6). The actual color math mirrors the teacher's
// detection.ImageToRGB pixel walk, generalized to the formats spec.md
// requires and targeting BGR instead of RGB output order.
package pixconv

import (
	"fmt"

	"github.com/studio-tech-hub/safeaging/internal/ports"
)

// BGRMatrix is a decoded frame in packed BGR24 byte order, row-major,
// no padding between rows.
type BGRMatrix struct {
	Width  int
	Height int
	Pixels []byte // len == Width*Height*3
}

// Convert produces a BGRMatrix from a HostFrame. Unsupported formats
// are rejected with an error; callers (the Device Agent) turn that
// into a throttled diagnostic and drop the frame, per spec.md §4.6 and
// §7's "Malformed input" taxonomy entry.
func Convert(f ports.HostFrame) (BGRMatrix, error) {
	if f.Width <= 0 || f.Height <= 0 {
		return BGRMatrix{}, fmt.Errorf("pixconv: zero or negative frame dimensions (%dx%d)", f.Width, f.Height)
	}

	switch f.Format {
	case ports.PixelFormatBGR24:
		return convertPacked24(f, false)
	case ports.PixelFormatRGB24:
		return convertPacked24(f, true)
	case ports.PixelFormatBGRA32:
		return convertPacked32(f, false)
	case ports.PixelFormatRGBA32:
		return convertPacked32(f, true)
	case ports.PixelFormatYUV420SwappedUV:
		return convertYUV420SwappedUV(f)
	default:
		return BGRMatrix{}, fmt.Errorf("pixconv: unsupported pixel format %v", f.Format)
	}
}

func convertPacked24(f ports.HostFrame, swapToBGR bool) (BGRMatrix, error) {
	plane := f.Planes[0]
	stride := f.LineSize[0]
	if stride == 0 {
		stride = f.Width * 3
	}
	if len(plane) < stride*(f.Height-1)+f.Width*3 {
		return BGRMatrix{}, fmt.Errorf("pixconv: plane too small for %dx%d packed24", f.Width, f.Height)
	}

	out := make([]byte, f.Width*f.Height*3)
	for y := 0; y < f.Height; y++ {
		srcRow := plane[y*stride : y*stride+f.Width*3]
		dstRow := out[y*f.Width*3 : (y+1)*f.Width*3]
		if !swapToBGR {
			copy(dstRow, srcRow)
			continue
		}
		for x := 0; x < f.Width; x++ {
			r := srcRow[x*3+0]
			g := srcRow[x*3+1]
			b := srcRow[x*3+2]
			dstRow[x*3+0] = b
			dstRow[x*3+1] = g
			dstRow[x*3+2] = r
		}
	}
	return BGRMatrix{Width: f.Width, Height: f.Height, Pixels: out}, nil
}

func convertPacked32(f ports.HostFrame, srcIsRGBA bool) (BGRMatrix, error) {
	plane := f.Planes[0]
	stride := f.LineSize[0]
	if stride == 0 {
		stride = f.Width * 4
	}
	if len(plane) < stride*(f.Height-1)+f.Width*4 {
		return BGRMatrix{}, fmt.Errorf("pixconv: plane too small for %dx%d packed32", f.Width, f.Height)
	}

	out := make([]byte, f.Width*f.Height*3)
	for y := 0; y < f.Height; y++ {
		srcRow := plane[y*stride : y*stride+f.Width*4]
		dstRow := out[y*f.Width*3 : (y+1)*f.Width*3]
		for x := 0; x < f.Width; x++ {
			c0 := srcRow[x*4+0]
			c1 := srcRow[x*4+1]
			c2 := srcRow[x*4+2]
			// BGRA32: c0,c1,c2 = B,G,R. RGBA32: c0,c1,c2 = R,G,B.
			var b, g, r byte
			if srcIsRGBA {
				r, g, b = c0, c1, c2
			} else {
				b, g, r = c0, c1, c2
			}
			dstRow[x*3+0] = b
			dstRow[x*3+1] = g
			dstRow[x*3+2] = r
		}
	}
	return BGRMatrix{Width: f.Width, Height: f.Height, Pixels: out}, nil
}

// convertYUV420SwappedUV handles 4:2:0 planar data where plane 1 holds
// V and plane 2 holds U (swapped relative to I420's Y/U/V order), per
// spec.md §4.6. Uses the standard BT.601 full-range integer
// approximation.
func convertYUV420SwappedUV(f ports.HostFrame) (BGRMatrix, error) {
	yPlane, vPlane, uPlane := f.Planes[0], f.Planes[1], f.Planes[2]
	yStride, vStride, uStride := f.LineSize[0], f.LineSize[1], f.LineSize[2]
	if yStride == 0 {
		yStride = f.Width
	}
	chromaWidth := (f.Width + 1) / 2
	if vStride == 0 {
		vStride = chromaWidth
	}
	if uStride == 0 {
		uStride = chromaWidth
	}

	if len(yPlane) < yStride*f.Height || len(vPlane) == 0 || len(uPlane) == 0 {
		return BGRMatrix{}, fmt.Errorf("pixconv: plane too small for %dx%d yuv420", f.Width, f.Height)
	}

	out := make([]byte, f.Width*f.Height*3)
	for y := 0; y < f.Height; y++ {
		cy := y / 2
		for x := 0; x < f.Width; x++ {
			cx := x / 2
			yy := int(yPlane[y*yStride+x])
			vv := int(vPlane[cy*vStride+cx]) - 128
			uu := int(uPlane[cy*uStride+cx]) - 128

			r := yy + (91881*vv)>>16
			g := yy - (22554*uu+46802*vv)>>16
			b := yy + (116130*uu)>>16

			idx := (y*f.Width + x) * 3
			out[idx+0] = clampByte(b)
			out[idx+1] = clampByte(g)
			out[idx+2] = clampByte(r)
		}
	}
	return BGRMatrix{Width: f.Width, Height: f.Height, Pixels: out}, nil
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
