package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
)

// Decode reads a PNG, JPEG or TIFF image.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// DecodeBytes decodes an in-memory image.
func DecodeBytes(b []byte) (image.Image, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("decode image: empty buffer")
	}
	return Decode(bytes.NewReader(b))
}

// EncodePNG writes img as PNG with the default compression.
func EncodePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}

// EncodeJPEG writes img as baseline JPEG.
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

// EncodeTIFF writes img as a Deflate-compressed TIFF.
func EncodeTIFF(w io.Writer, img image.Image) error {
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// Scale resizes img by factor using bilinear interpolation.
// A factor of 1 or more returns img unchanged.
func Scale(img image.Image, factor float64) image.Image {
	if factor >= 1 || factor <= 0 {
		return img
	}
	b := img.Bounds()
	w := int(float64(b.Dx()) * factor)
	h := int(float64(b.Dy()) * factor)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
