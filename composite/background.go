package composite

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/disintegration/imaging"
)

// Mode selects what the subject is placed on.
type Mode string

const (
	// ModeNone skips segmentation and re-encodes the upload losslessly.
	ModeNone  Mode = "none"
	ModeWhite Mode = "white"
	ModeBlur  Mode = "blur"
)

// DefaultBlurRadius is the Gaussian sigma used by the blur endpoint.
const DefaultBlurRadius = 15

var ErrUnknownMode = errors.New("unknown background mode")

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeNone, ModeWhite, ModeBlur:
		return m, nil
	case "":
		return ModeNone, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Params tunes background synthesis.
type Params struct {
	// Radius is the Gaussian standard deviation in pixels for ModeBlur.
	// Zero or negative means no blur.
	Radius float64
}

// Synthesize builds the opaque layer the subject is composited onto. The
// result always has the same width and height as original.
func Synthesize(original image.Image, mode Mode, params Params) (*image.NRGBA, error) {
	b := original.Bounds()
	switch mode {
	case ModeWhite:
		return imaging.New(b.Dx(), b.Dy(), color.White), nil
	case ModeBlur:
		// imaging.Blur weights colour by alpha, so transparency is dropped
		// first and each RGB channel is blurred on its own.
		out := imaging.Clone(original)
		flatten(out)
		if params.Radius > 0 {
			out = imaging.Blur(out, params.Radius)
			flatten(out)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("synthesize: %w: %q", ErrUnknownMode, mode)
	}
}

// flatten forces every pixel to full opacity in place.
func flatten(img *image.NRGBA) {
	b := img.Rect
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()*4]
		for i := 3; i < len(row); i += 4 {
			row[i] = 255
		}
	}
}
