// Package composite blends a segmented subject over a synthesized background.
//
// Blending is the plain non-premultiplied "over" operator evaluated directly on
// the stored 8-bit sRGB values, with no gamma or colour-space conversion. High
// contrast edges can show slight fringing; the behaviour is kept as-is so
// results stay reproducible across releases.
package composite

import (
	"fmt"
	"image"
)

// DimensionMismatchError is returned when two layers that must line up do not.
// Nothing is ever cropped or scaled to hide it.
type DimensionMismatchError struct {
	Op         string
	Foreground image.Point
	Background image.Point
}

func (e *DimensionMismatchError) Error() string {
	op := e.Op
	if op == "" {
		op = "composite"
	}
	return fmt.Sprintf("%s: dimension mismatch: foreground %dx%d, background %dx%d",
		op, e.Foreground.X, e.Foreground.Y, e.Background.X, e.Background.Y)
}

// Composite places foreground over background using the foreground's alpha:
//
//	out = fg*a/255 + bg*(1-a/255)
//
// rounded to the nearest integer per channel. The result is fully opaque and
// its bounds start at (0, 0).
func Composite(foreground, background image.Image) (*image.RGBA, error) {
	fb, bb := foreground.Bounds(), background.Bounds()
	if fb.Size() != bb.Size() {
		return nil, &DimensionMismatchError{Foreground: fb.Size(), Background: bb.Size()}
	}

	fg := ToNRGBA(foreground)
	bg := ToNRGBA(background)
	w, h := fb.Dx(), fb.Dy()
	out := image.NewRGBA(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		frow := fg.Pix[y*fg.Stride : y*fg.Stride+w*4]
		brow := bg.Pix[y*bg.Stride : y*bg.Stride+w*4]
		orow := out.Pix[y*out.Stride : y*out.Stride+w*4]
		for i := 0; i < len(orow); i += 4 {
			a := uint32(frow[i+3])
			switch a {
			case 0:
				orow[i], orow[i+1], orow[i+2] = brow[i], brow[i+1], brow[i+2]
			case 255:
				orow[i], orow[i+1], orow[i+2] = frow[i], frow[i+1], frow[i+2]
			default:
				orow[i] = blend(frow[i], brow[i], a)
				orow[i+1] = blend(frow[i+1], brow[i+1], a)
				orow[i+2] = blend(frow[i+2], brow[i+2], a)
			}
			orow[i+3] = 255
		}
	}
	return out, nil
}

// blend rounds (f*a + b*(255-a)) / 255 to nearest.
func blend(f, b uint8, a uint32) uint8 {
	return uint8((uint32(f)*a + uint32(b)*(255-a) + 127) / 255)
}
