package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/ftrvxmtrx/tga"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

// DefaultMaxPixels caps width*height of an upload before its pixels are
// allocated.
const DefaultMaxPixels = 40_000_000

var (
	ErrEmptyInput    = errors.New("empty input")
	ErrUnknownFormat = errors.New("unknown image format")
	ErrTooManyPixels = errors.New("image has too many pixels")
)

// DecodeError means the upload is not a supported or valid image.
type DecodeError struct {
	Format string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Format != "" {
		return fmt.Sprintf("decode %s image: %v", e.Format, e.Err)
	}
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type decoder struct {
	name   string
	match  func(b []byte) bool
	decode func(r io.Reader) (image.Image, error)
	config func(r io.Reader) (image.Config, error)
}

func hasPrefix(magic string) func(b []byte) bool {
	return func(b []byte) bool { return bytes.HasPrefix(b, []byte(magic)) }
}

// Sniffing is done here instead of through image.Decode: tga registers
// itself with an empty magic string and would shadow every format after it.
var decoders = []decoder{
	{"png", hasPrefix("\x89PNG\r\n\x1a\n"), png.Decode, png.DecodeConfig},
	{"jpeg", hasPrefix("\xff\xd8"), jpeg.Decode, jpeg.DecodeConfig},
	{"gif", func(b []byte) bool { return hasPrefix("GIF87a")(b) || hasPrefix("GIF89a")(b) }, gif.Decode, gif.DecodeConfig},
	{"webp", func(b []byte) bool {
		return len(b) >= 12 && string(b[:4]) == "RIFF" && string(b[8:12]) == "WEBP"
	}, webp.Decode, webp.DecodeConfig},
	{"bmp", hasPrefix("BM"), bmp.Decode, bmp.DecodeConfig},
	{"tiff", func(b []byte) bool { return hasPrefix("II*\x00")(b) || hasPrefix("MM\x00*")(b) }, tiff.Decode, tiff.DecodeConfig},
	{"tga", looksLikeTGA, tga.Decode, tga.DecodeConfig},
}

// looksLikeTGA checks the fixed header fields, TGA has no magic number.
func looksLikeTGA(b []byte) bool {
	if len(b) < 18 {
		return false
	}
	if b[1] > 1 {
		return false
	}
	switch b[2] {
	case 1, 2, 3, 9, 10, 11:
	default:
		return false
	}
	switch b[16] {
	case 8, 15, 16, 24, 32:
		return true
	}
	return false
}

// Decode reads a whole upload and decodes it with DefaultMaxPixels. The
// returned string is the format name (png, jpeg, gif, webp, bmp, tiff, tga).
func Decode(r io.Reader) (image.Image, string, error) {
	return DecodeLimit(r, DefaultMaxPixels)
}

// DecodeLimit is Decode with an explicit pixel cap; maxPixels <= 0 disables it.
func DecodeLimit(r io.Reader, maxPixels int) (image.Image, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", &DecodeError{Err: fmt.Errorf("read upload: %w", err)}
	}
	return DecodeBytesLimit(data, maxPixels)
}

func DecodeBytes(data []byte) (image.Image, string, error) {
	return DecodeBytesLimit(data, DefaultMaxPixels)
}

// DecodeBytesLimit reads the header first and refuses images larger than
// maxPixels without decoding them.
func DecodeBytesLimit(data []byte, maxPixels int) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", &DecodeError{Err: ErrEmptyInput}
	}

	for _, d := range decoders {
		if !d.match(data) {
			continue
		}
		cfg, err := d.config(bytes.NewReader(data))
		if err != nil {
			return nil, "", &DecodeError{Format: d.name, Err: err}
		}
		if cfg.Width <= 0 || cfg.Height <= 0 {
			return nil, "", &DecodeError{Format: d.name, Err: fmt.Errorf("image has no pixels (%dx%d)", cfg.Width, cfg.Height)}
		}
		if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
			return nil, "", &DecodeError{Format: d.name, Err: fmt.Errorf("%w: %dx%d exceeds %d", ErrTooManyPixels, cfg.Width, cfg.Height, maxPixels)}
		}

		img, err := d.decode(bytes.NewReader(data))
		if err != nil {
			return nil, "", &DecodeError{Format: d.name, Err: err}
		}
		if b := img.Bounds(); b.Empty() {
			return nil, "", &DecodeError{Format: d.name, Err: fmt.Errorf("image has no pixels (%dx%d)", b.Dx(), b.Dy())}
		}
		return img, d.name, nil
	}
	return nil, "", &DecodeError{Err: ErrUnknownFormat}
}
