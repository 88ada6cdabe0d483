// Package imageproc turns uploaded image bytes into the tensor the
// classifier was trained on.
package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/cane-disease-api/internal/model"
)

// DefaultMaxPixels matches PIL's MAX_IMAGE_PIXELS.
const DefaultMaxPixels int64 = 178956970

// ErrTooManyPixels is returned when an image declares more pixels than the
// configured limit. It is checked against the header, before any pixel
// buffer is allocated.
var ErrTooManyPixels = errors.New("decompression bomb")

// Preprocess decodes data, drops any alpha channel, resizes to
// model.ImageSize square and returns a (1, H, W, 3) tensor holding raw
// 0-255 channel values. No normalization is applied; the artifact was
// trained on unscaled pixels. Images larger than maxPixels are rejected;
// a non-positive maxPixels disables the check.
func Preprocess(data []byte, maxPixels int64) (*model.Tensor, error) {
	img, _, err := Decode(data, maxPixels)
	if err != nil {
		return nil, err
	}
	rgb := ToRGB(img)
	resized := Resize(rgb, model.ImageSize)
	return ToTensor(resized), nil
}

func Decode(data []byte, maxPixels int64) (image.Image, string, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("cannot identify image file: %w", err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); maxPixels > 0 && pixels > maxPixels {
		return nil, "", fmt.Errorf("%w: image size (%d pixels) exceeds limit of %d pixels",
			ErrTooManyPixels, pixels, maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("cannot identify image file: %w", err)
	}
	return img, format, nil
}

// ToRGB returns an opaque copy of img anchored at the origin. Color values
// are un-premultiplied first, so an RGBA pixel keeps its straight color and
// only loses its alpha.
func ToRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	w := b.Dx()

	switch src := img.(type) {
	case *image.NRGBA:
		for y := 0; y < b.Dy(); y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):][:4*w]
			dst := out.Pix[y*out.Stride:][:4*w]
			copy(dst, row)
			for i := 3; i < len(dst); i += 4 {
				dst[i] = 0xff
			}
		}
	case *image.RGBA:
		for y := 0; y < b.Dy(); y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):][:4*w]
			dst := out.Pix[y*out.Stride:][:4*w]
			for i := 0; i < len(dst); i += 4 {
				unpremultiply(dst[i:i+4], row[i:i+4])
			}
		}
	case *image.Gray:
		for y := 0; y < b.Dy(); y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):][:w]
			dst := out.Pix[y*out.Stride:][:4*w]
			for x, v := range row {
				dst[4*x], dst[4*x+1], dst[4*x+2], dst[4*x+3] = v, v, v, 0xff
			}
		}
	case *image.YCbCr:
		// YCbCr is always opaque, so premultiplied and straight RGBA share
		// the same bytes and draw's YCbCr fast path can fill Pix directly.
		rgba := &image.RGBA{Pix: out.Pix, Stride: out.Stride, Rect: out.Rect}
		draw.Draw(rgba, rgba.Rect, src, b.Min, draw.Src)
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
				c.A = 0xff
				out.SetNRGBA(x-b.Min.X, y-b.Min.Y, c)
			}
		}
	}
	return out
}

// unpremultiply writes the opaque straight color of the premultiplied pixel
// src into dst, using the same 16-bit arithmetic as color.NRGBAModel.
func unpremultiply(dst, src []uint8) {
	a := uint32(src[3])
	switch a {
	case 0xff:
		dst[0], dst[1], dst[2] = src[0], src[1], src[2]
	case 0:
		dst[0], dst[1], dst[2] = 0, 0, 0
	default:
		a16 := a * 0x101
		for i := 0; i < 3; i++ {
			dst[i] = uint8((uint32(src[i]) * 0x101 * 0xffff / a16) >> 8)
		}
	}
	dst[3] = 0xff
}

// Resize stretches img to size x size with bicubic resampling. Aspect ratio
// is not preserved.
func Resize(img image.Image, size int) image.Image {
	return resize.Resize(uint(size), uint(size), img, resize.Bicubic)
}

// ToTensor lays img out as NHWC with a leading batch dimension of one.
func ToTensor(img image.Image) *model.Tensor {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()

	t := model.NewTensor([]int64{1, int64(height), int64(width), model.Channels})
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			t.Data[i] = float32(r >> 8)
			t.Data[i+1] = float32(g >> 8)
			t.Data[i+2] = float32(bl >> 8)
			i += model.Channels
		}
	}
	return t
}
