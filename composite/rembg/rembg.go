// Package rembg adapts background-removal backends. A Remover maps an image
// to a same-size image whose alpha channel is the subject confidence.
package rembg

import (
	"context"
	"fmt"
	"image"

	"github.com/chaos-io/bgstudio/composite"
)

// Remover 背景去除，返回同尺寸图片，alpha 为主体置信度
type Remover interface {
	Remove(ctx context.Context, img image.Image) (image.Image, error)
}

// Pinger is implemented by removers backed by something that can go away.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Error is a failed or timed-out segmentation. It is never retried here.
type Error struct {
	Backend string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("segmentation (%s): %v", e.Backend, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// DefaultRemBG 不做背景去除，整张图都当作主体
type DefaultRemBG struct{}

func NewDefaultRemBG() *DefaultRemBG {
	return &DefaultRemBG{}
}

func (d *DefaultRemBG) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	return img, nil
}

// AlphaRemBG 上传图已有抠图（有效 alpha）时跳过 Next，直接使用原图
type AlphaRemBG struct {
	Next Remover
}

func NewAlphaRemBG(next Remover) *AlphaRemBG {
	return &AlphaRemBG{Next: next}
}

func (a *AlphaRemBG) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	if composite.HasUsefulAlpha(img) {
		return img, nil
	}
	return a.Next.Remove(ctx, img)
}

func (a *AlphaRemBG) Ping(ctx context.Context) error {
	if p, ok := a.Next.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// StaticMaskRemBG applies a fixed mask, for tests and demos that must not
// depend on a model.
type StaticMaskRemBG struct {
	Mask image.Image
}

func NewStaticMaskRemBG(mask image.Image) *StaticMaskRemBG {
	return &StaticMaskRemBG{Mask: mask}
}

func (s *StaticMaskRemBG) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return composite.ApplyMask(img, s.Mask)
}

// UniformMask returns a w x h mask with every pixel set to a.
func UniformMask(w, h int, a uint8) *image.Alpha {
	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	for i := range mask.Pix {
		mask.Pix[i] = a
	}
	return mask
}
