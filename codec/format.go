package codec

import (
	"fmt"
	"strings"
)

// Format is an output encoding.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatWebP Format = "webp"
)

// DefaultQuality is the lossy quality used for white and blurred backgrounds.
const DefaultQuality = 95

// ParseFormat accepts png, jpeg, jpg and webp in any case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "png":
		return FormatPNG, nil
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "webp":
		return FormatWebP, nil
	default:
		return "", fmt.Errorf("unsupported output format %q", s)
	}
}

// Lossless reports whether decoding the output reproduces the input pixels exactly.
func (f Format) Lossless() bool {
	return f == FormatPNG || f == FormatWebP
}

func (f Format) ContentType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

func (f Format) Extension() string {
	switch f {
	case FormatJPEG:
		return ".jpg"
	case FormatPNG, FormatWebP:
		return "." + string(f)
	default:
		return ""
	}
}
