package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	_ "github.com/spakin/netpbm"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrEmptyInput is returned by Decode for zero-length data.
var ErrEmptyInput = errors.New("imaging: empty image data")

// Decode decodes a captured photo and reports its format name.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyInput
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("imaging: decode: %w", err)
	}
	return img, format, nil
}

// Crop copies the part of img inside rect into a new RGBA image whose origin is (0,0).
// rect is clamped to the image bounds; an empty result yields nil.
func Crop(img image.Image, rect image.Rectangle) *image.RGBA {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}

// FitWithin downsizes img so neither side exceeds maxSide, keeping the aspect ratio.
// Images that already fit, or maxSide <= 0, are returned unchanged.
func FitWithin(img image.Image, maxSide int) image.Image {
	if maxSide <= 0 {
		return img
	}
	bw, bh := img.Bounds().Dx(), img.Bounds().Dy()
	scale := math.Min(float64(maxSide)/float64(bw), float64(maxSide)/float64(bh))
	if scale >= 1.0 {
		return img
	}
	w := int(math.Max(1, math.Round(float64(bw)*scale)))
	h := int(math.Max(1, math.Round(float64(bh)*scale)))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}
