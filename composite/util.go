package composite

import (
	"image"
	"image/color"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// ToNRGBA 转为 NRGBA（非预乘 alpha），已是 NRGBA 时直接返回
// 返回值可能与 img 共享内存
func ToNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok {
		return nrgba
	}
	b := img.Bounds()
	dst := image.NewNRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)
	return dst
}

// HasUsefulAlpha 检查 alpha 通道是否真的包含透明信息
// 只要存在非 255（非完全不透明），就认为“已有抠图”
func HasUsefulAlpha(img image.Image) bool {
	if nrgba, ok := img.(*image.NRGBA); ok {
		b := nrgba.Rect
		for y := 0; y < b.Dy(); y++ {
			row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+b.Dx()*4]
			for i := 3; i < len(row); i += 4 {
				if row[i] != 255 {
					return true
				}
			}
		}
		return false
	}
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return HasUsefulAlpha(ToNRGBA(img))
}

// ResizeWithinMax 缩放（最长边 <= maxSize）
// maxSize <= 0 或图片本身足够小时原样返回
func ResizeWithinMax(img image.Image, maxSize int) image.Image {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	longest := max(w, h)

	if maxSize <= 0 || longest <= maxSize {
		return img
	}

	scale := float64(maxSize) / float64(longest)
	newW := max(1, int(float64(w)*scale+0.5))
	newH := max(1, int(float64(h)*scale+0.5))

	return resize.Resize(uint(newW), uint(newH), img, resize.Lanczos3)
}

// ApplyMask combines the colours of src with a single-channel mask into a
// non-premultiplied foreground. *image.Gray masks use Y as the alpha value,
// any other mask contributes its own alpha channel.
func ApplyMask(src, mask image.Image) (*image.NRGBA, error) {
	sb, mb := src.Bounds(), mask.Bounds()
	if sb.Size() != mb.Size() {
		return nil, &DimensionMismatchError{Foreground: sb.Size(), Background: mb.Size(), Op: "apply mask"}
	}

	rgb := ToNRGBA(src)
	out := image.NewNRGBA(image.Rect(0, 0, sb.Dx(), sb.Dy()))
	for y := 0; y < sb.Dy(); y++ {
		srow := rgb.Pix[y*rgb.Stride:]
		drow := out.Pix[y*out.Stride:]
		for x := 0; x < sb.Dx(); x++ {
			i := x * 4
			drow[i] = srow[i]
			drow[i+1] = srow[i+1]
			drow[i+2] = srow[i+2]
			drow[i+3] = maskAt(mask, mb.Min.X+x, mb.Min.Y+y)
		}
	}
	return out, nil
}

func maskAt(mask image.Image, x, y int) uint8 {
	switch m := mask.(type) {
	case *image.Gray:
		return m.GrayAt(x, y).Y
	case *image.Alpha:
		return m.AlphaAt(x, y).A
	default:
		return color.NRGBAModel.Convert(mask.At(x, y)).(color.NRGBA).A
	}
}

// AlphaMask extracts the alpha channel of img as a standalone mask.
func AlphaMask(img image.Image) *image.Alpha {
	src := ToNRGBA(img)
	b := src.Rect
	mask := image.NewAlpha(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < b.Dx(); x++ {
			mask.Pix[y*mask.Stride+x] = row[x*4+3]
		}
	}
	return mask
}
