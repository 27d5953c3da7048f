// Package imaging holds the frame type shared by the camera, the evaluator and
// the stitcher, along with the small set of pixel operations they need.
package imaging

import (
	"image"
	"time"

	"golang.org/x/image/draw"
)

// Frame is a captured image plus its 8-bit luma plane.
// Frames are never mutated after construction.
type Frame struct {
	Seq        int
	Image      image.Image
	Gray       *image.Gray
	CapturedAt time.Time
}

// NewFrame wraps img and computes its luma plane.
func NewFrame(img image.Image) *Frame {
	return &Frame{
		Seq:        -1,
		Image:      img,
		Gray:       Luma(img),
		CapturedAt: time.Now(),
	}
}

// WithSeq returns a shallow copy of f carrying the given sequence index.
func (f *Frame) WithSeq(seq int) *Frame {
	c := *f
	c.Seq = seq
	return &c
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int { return f.Gray.Rect.Dx() }

// Height returns the frame height in pixels.
func (f *Frame) Height() int { return f.Gray.Rect.Dy() }

// Empty reports whether the frame has no pixels.
func (f *Frame) Empty() bool {
	return f == nil || f.Gray == nil || f.Gray.Rect.Empty()
}

// Luma converts img to an 8-bit grayscale plane anchored at the origin.
func Luma(img image.Image) *image.Gray {
	if img == nil {
		return image.NewGray(image.Rectangle{})
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if src, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) && src.Stride == g.Stride {
		copy(g.Pix, src.Pix)
		return g
	}
	draw.Draw(g, g.Rect, img, b.Min, draw.Src)
	return g
}
