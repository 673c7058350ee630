package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/HugoSmits86/nativewebp"
)

var ErrInvalidQuality = errors.New("quality must be between 1 and 100")

// EncodeError should not happen for a valid in-memory image.
type EncodeError struct {
	Format Format
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Format, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// Options selects the output encoding. Quality only applies to jpeg.
type Options struct {
	Format  Format
	Quality int

	// PNGCompression defaults to png.DefaultCompression.
	PNGCompression png.CompressionLevel
}

// Encode writes img to w. png and webp are lossless, jpeg is lossy but
// deterministic for a given image and quality.
func Encode(w io.Writer, img image.Image, opts Options) error {
	if img == nil {
		return &EncodeError{Format: opts.Format, Err: errors.New("nil image")}
	}

	var err error
	switch opts.Format {
	case FormatPNG:
		enc := png.Encoder{CompressionLevel: opts.PNGCompression}
		err = enc.Encode(w, img)
	case FormatJPEG:
		quality := opts.Quality
		if quality == 0 {
			quality = DefaultQuality
		}
		if quality < 1 || quality > 100 {
			return &EncodeError{Format: opts.Format, Err: ErrInvalidQuality}
		}
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	case FormatWebP:
		err = nativewebp.Encode(w, img, nil)
	default:
		return &EncodeError{Format: opts.Format, Err: fmt.Errorf("unsupported output format %q", opts.Format)}
	}
	if err != nil {
		return &EncodeError{Format: opts.Format, Err: err}
	}
	return nil
}

func EncodeBytes(img image.Image, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, img, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
